package interfaces

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/s5b/protocol"
)

// IStanzaTransport sends stanzas on behalf of one account.
// This abstraction allows switching between simulation and a live XMPP stream.
type IStanzaTransport interface {
	// SendStanza delivers a stanza to the address in its To attribute.
	SendStanza(ctx context.Context, stanza protocol.Stanza) error

	// IsSimulation returns true if this is a simulation implementation
	IsSimulation() bool
}

// StanzaHandler consumes inbound stanzas. HandleStanza returns false for
// stanzas it does not recognise so they can be offered to other handlers.
type StanzaHandler interface {
	HandleStanza(stanza protocol.Stanza) bool
}

// StanzaHandlerFunc adapts a function to StanzaHandler.
type StanzaHandlerFunc func(stanza protocol.Stanza) bool

// HandleStanza calls f(stanza).
func (f StanzaHandlerFunc) HandleStanza(stanza protocol.Stanza) bool { return f(stanza) }

// Chain offers each stanza to the handlers in order until one accepts it.
type Chain []StanzaHandler

// HandleStanza implements StanzaHandler.
func (c Chain) HandleStanza(stanza protocol.Stanza) bool {
	for _, h := range c {
		if h.HandleStanza(stanza) {
			return true
		}
	}
	return false
}

// StanzaTransportConfig holds configuration for stanza transport implementations
type StanzaTransportConfig struct {
	// UseSimulation determines whether to use simulation or a live stream
	UseSimulation bool

	// SendTimeout bounds a single stanza write
	SendTimeout time.Duration

	// RetryAttempts sets the number of attempts for a failed write
	RetryAttempts int

	// QueueSize bounds the per-recipient delivery queue in simulation
	QueueSize int
}

// Configuration bounds.
const (
	MinSendTimeout   = 100 * time.Millisecond
	MaxSendTimeout   = 10 * time.Minute
	MaxRetryAttempts = 100
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid stanza transport config")

// Validate checks the configuration bounds.
func (c *StanzaTransportConfig) Validate() error {
	if c.SendTimeout < MinSendTimeout || c.SendTimeout > MaxSendTimeout {
		return fmt.Errorf("%w: send timeout %v outside [%v, %v]", ErrInvalidConfig, c.SendTimeout, MinSendTimeout, MaxSendTimeout)
	}
	if c.RetryAttempts < 1 || c.RetryAttempts > MaxRetryAttempts {
		return fmt.Errorf("%w: retry attempts %d outside [1, %d]", ErrInvalidConfig, c.RetryAttempts, MaxRetryAttempts)
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("%w: negative queue size %d", ErrInvalidConfig, c.QueueSize)
	}
	return nil
}

// DefaultStanzaTransportConfig returns production defaults.
func DefaultStanzaTransportConfig() *StanzaTransportConfig {
	return &StanzaTransportConfig{
		SendTimeout:   5 * time.Second,
		RetryAttempts: 3,
		QueueSize:     64,
	}
}
