package s5b

import (
	"fmt"
	"time"

	"golang.org/x/net/proxy"

	"github.com/opd-ai/s5b/limits"
	"github.com/opd-ai/s5b/protocol"
	"github.com/opd-ai/s5b/transport"
)

// Config holds the per-account settings of a Manager.
type Config struct {
	// JID is the local account, used in hashes and as the sender of stanzas.
	JID string

	// Server is the shared listening service. It may be nil or inactive, in
	// which case no direct candidates are offered.
	Server *transport.Server

	// Proxy is the JID of a SOCKS5 bytestreams proxy.
	Proxy string

	// UseProxy enables offering Proxy as a candidate.
	UseProxy bool

	// Symmetric enables fast mode: the initiator asks the target to offer its
	// own candidates so both sides race at once.
	Symmetric bool

	// SessionTimeout bounds a whole negotiation.
	SessionTimeout time.Duration

	// ConnectTimeout bounds a race over the peer's candidates.
	ConnectTimeout time.Duration

	// LateProxyTimeout bounds a race held back until direct attempts failed.
	LateProxyTimeout time.Duration

	// QueryTimeout bounds proxy discovery.
	QueryTimeout time.Duration

	// ActivationTimeout bounds the proxy activation request.
	ActivationTimeout time.Duration

	// CloseTimeout bounds how long Close waits for queued stream writes to
	// reach the socket. Zero or less discards them at once.
	CloseTimeout time.Duration

	// Dialer opens outbound candidate connections. Nil uses the environment
	// proxy settings.
	Dialer proxy.ContextDialer

	// Stagger, MaxParallel and FailFast tune the candidate racer.
	Stagger     time.Duration
	MaxParallel int
	FailFast    bool

	// TimeProvider drives session deadlines. Nil uses the package default.
	TimeProvider TimeProvider

	// Observer receives events of every session created by the manager.
	Observer Observer
}

// DefaultConfig returns a Config for jid with the standard timeouts.
func DefaultConfig(jid string) Config {
	return Config{
		JID:               jid,
		SessionTimeout:    limits.DefaultSessionTimeout,
		ConnectTimeout:    limits.DefaultConnectTimeout,
		LateProxyTimeout:  limits.DefaultLateProxyTimeout,
		QueryTimeout:      limits.DefaultQueryTimeout,
		ActivationTimeout: limits.DefaultQueryTimeout,
		CloseTimeout:      limits.DefaultConnectTimeout,
		UseProxy:          true,
		Stagger:           250 * time.Millisecond,
	}
}

// Validate reports whether the configuration is usable.
func (c *Config) Validate() error {
	if c.JID == "" {
		return fmt.Errorf("%w: empty jid", ErrInvalidConfig)
	}
	if c.SessionTimeout <= 0 || c.ConnectTimeout <= 0 || c.LateProxyTimeout <= 0 || c.QueryTimeout <= 0 || c.ActivationTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	if c.Stagger < 0 || c.MaxParallel < 0 {
		return fmt.Errorf("%w: negative racer setting", ErrInvalidConfig)
	}
	if c.Proxy != "" && protocol.SameJID(c.Proxy, c.JID) {
		return fmt.Errorf("%w: proxy %s is the local account", ErrInvalidConfig, c.Proxy)
	}
	return nil
}

// proxyEnabled reports whether a proxy candidate should be offered.
func (c *Config) proxyEnabled() bool {
	return c.UseProxy && c.Proxy != ""
}

func (c *Config) newRacer() *transport.Racer {
	r := transport.NewRacer(c.JID)
	if c.Dialer != nil {
		r.Dialer = c.Dialer
	}
	r.Stagger = c.Stagger
	r.MaxParallel = c.MaxParallel
	r.FailFast = c.FailFast
	return r
}
