package interfaces

import (
	"errors"
	"testing"
	"time"

	"github.com/opd-ai/s5b/protocol"
)

func TestStanzaTransportConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *StanzaTransportConfig)
		wantErr bool
	}{
		{"defaults", func(c *StanzaTransportConfig) {}, false},
		{"timeout too short", func(c *StanzaTransportConfig) { c.SendTimeout = time.Millisecond }, true},
		{"timeout too long", func(c *StanzaTransportConfig) { c.SendTimeout = time.Hour }, true},
		{"no attempts", func(c *StanzaTransportConfig) { c.RetryAttempts = 0 }, true},
		{"too many attempts", func(c *StanzaTransportConfig) { c.RetryAttempts = MaxRetryAttempts + 1 }, true},
		{"negative queue", func(c *StanzaTransportConfig) { c.QueueSize = -1 }, true},
		{"unbuffered queue", func(c *StanzaTransportConfig) { c.QueueSize = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultStanzaTransportConfig()
			tt.mutate(config)
			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() error %v does not wrap ErrInvalidConfig", err)
			}
		})
	}
}

func TestChainStopsAtFirstHandler(t *testing.T) {
	var calls []string
	record := func(name string, accept bool) StanzaHandler {
		return StanzaHandlerFunc(func(protocol.Stanza) bool {
			calls = append(calls, name)
			return accept
		})
	}

	chain := Chain{record("a", false), record("b", true), record("c", true)}
	if !chain.HandleStanza(&protocol.IQ{}) {
		t.Fatal("chain did not report the stanza as handled")
	}
	if len(calls) != 2 || calls[0] != "a" || calls[1] != "b" {
		t.Errorf("unexpected handler calls %v", calls)
	}

	calls = nil
	if (Chain{record("x", false)}).HandleStanza(&protocol.Message{}) {
		t.Error("chain reported an unhandled stanza as handled")
	}
}
