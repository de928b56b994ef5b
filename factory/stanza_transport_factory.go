package factory

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/s5b/interfaces"
	"github.com/opd-ai/s5b/real"
	"github.com/opd-ai/s5b/testing"
)

// Environment variables read by NewStanzaTransportFactory.
const (
	EnvUseSimulation = "S5B_USE_SIMULATION"
	EnvSendTimeout   = "S5B_SEND_TIMEOUT"
	EnvRetryAttempts = "S5B_RETRY_ATTEMPTS"
)

// StanzaTransportFactory creates stanza transport implementations based on configuration.
// It is safe for concurrent use; all methods are protected by an internal mutex.
type StanzaTransportFactory struct {
	mu            sync.RWMutex
	defaultConfig *interfaces.StanzaTransportConfig
	network       *testing.SimulatedNetwork
}

// NewStanzaTransportFactory creates a new factory with default configuration
// overridden by the S5B_* environment.
func NewStanzaTransportFactory() *StanzaTransportFactory {
	config := interfaces.DefaultStanzaTransportConfig()
	applyEnvironmentOverrides(config)

	logrus.WithFields(logrus.Fields{
		"function":       "NewStanzaTransportFactory",
		"use_simulation": config.UseSimulation,
		"send_timeout":   config.SendTimeout,
		"retry_attempts": config.RetryAttempts,
	}).Debug("Created stanza transport factory with configuration")

	return &StanzaTransportFactory{defaultConfig: config}
}

// applyEnvironmentOverrides updates configuration based on environment variables.
func applyEnvironmentOverrides(config *interfaces.StanzaTransportConfig) {
	if v := os.Getenv(EnvUseSimulation); v != "" {
		useSim, err := strconv.ParseBool(v)
		if err != nil {
			warnEnv(EnvUseSimulation, v, err, config.UseSimulation)
		} else {
			config.UseSimulation = useSim
		}
	}
	if v := os.Getenv(EnvSendTimeout); v != "" {
		timeout, err := time.ParseDuration(v)
		if err == nil && (timeout < interfaces.MinSendTimeout || timeout > interfaces.MaxSendTimeout) {
			err = fmt.Errorf("out of bounds [%v, %v]", interfaces.MinSendTimeout, interfaces.MaxSendTimeout)
		}
		if err != nil {
			warnEnv(EnvSendTimeout, v, err, config.SendTimeout)
		} else {
			config.SendTimeout = timeout
		}
	}
	if v := os.Getenv(EnvRetryAttempts); v != "" {
		retries, err := strconv.Atoi(v)
		if err == nil && (retries < 1 || retries > interfaces.MaxRetryAttempts) {
			err = fmt.Errorf("out of bounds [1, %d]", interfaces.MaxRetryAttempts)
		}
		if err != nil {
			warnEnv(EnvRetryAttempts, v, err, config.RetryAttempts)
		} else {
			config.RetryAttempts = retries
		}
	}
}

func warnEnv(name, value string, err error, using interface{}) {
	logrus.WithFields(logrus.Fields{
		"function":    "applyEnvironmentOverrides",
		"env_var":     name,
		"value":       value,
		"error":       err.Error(),
		"using_value": using,
	}).Warn("Ignoring invalid environment variable, using default")
}

// CreateStanzaTransport returns the transport for jid. In simulation mode
// jid is attached to the factory's shared SimulatedNetwork and stream is
// ignored; otherwise stanzas are written to stream.
func (f *StanzaTransportFactory) CreateStanzaTransport(jid string, stream io.Writer) (interfaces.IStanzaTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	config := *f.defaultConfig
	if config.UseSimulation {
		if f.network == nil {
			f.network = testing.NewSimulatedNetwork(&config)
		}
		logrus.WithFields(logrus.Fields{
			"function": "CreateStanzaTransport",
			"type":     "simulation",
			"jid":      jid,
		}).Debug("Creating simulated stanza transport")
		return f.network.Attach(jid, nil), nil
	}

	if stream == nil {
		return nil, fmt.Errorf("stream is required for real stanza transport")
	}
	logrus.WithFields(logrus.Fields{
		"function": "CreateStanzaTransport",
		"type":     "real",
		"jid":      jid,
	}).Debug("Creating stream stanza transport")
	return real.NewStreamTransport(stream, &config), nil
}

// Network returns the shared simulation network, or nil before the first
// simulated transport is created.
func (f *StanzaTransportFactory) Network() *testing.SimulatedNetwork {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.network
}

// SwitchToSimulation switches the configuration to use simulation
func (f *StanzaTransportFactory) SwitchToSimulation() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaultConfig.UseSimulation = true
}

// SwitchToReal switches the configuration to use a live stream
func (f *StanzaTransportFactory) SwitchToReal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaultConfig.UseSimulation = false
}

// IsUsingSimulation returns true if the factory is configured for simulation
func (f *StanzaTransportFactory) IsUsingSimulation() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.defaultConfig.UseSimulation
}

// GetCurrentConfig returns a copy of the current default configuration
func (f *StanzaTransportFactory) GetCurrentConfig() *interfaces.StanzaTransportConfig {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c := *f.defaultConfig
	return &c
}

// UpdateConfig validates and replaces the factory's default configuration
func (f *StanzaTransportFactory) UpdateConfig(config *interfaces.StanzaTransportConfig) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	c := *config
	f.defaultConfig = &c

	logrus.WithFields(logrus.Fields{
		"function":       "UpdateConfig",
		"use_simulation": c.UseSimulation,
		"send_timeout":   c.SendTimeout,
	}).Debug("Factory configuration updated")
	return nil
}
