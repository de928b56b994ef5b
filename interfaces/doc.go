// Package interfaces defines the collaborator abstractions of the bytestream
// engine: the "send stanza" and "stanza received" primitives of the XMPP
// stream that carries negotiation.
//
// [IStanzaTransport] is implemented by the in-memory simulation in the
// testing package and by the stream transport in the real package, so the
// same manager code runs against either:
//
//	var tr interfaces.IStanzaTransport = real.NewStreamTransport(conn, cfg)
//	mgr := s5b.NewManager(cfg, tr)
//
// [StanzaHandler] is the receive side. A handler returns false for stanzas
// it does not own; [Chain] offers a stanza to several handlers in turn, which
// lets a bytestream manager and a proxy component share one stream.
//
// # Configuration
//
// [StanzaTransportConfig] holds settings for both implementations:
//
//	config := interfaces.DefaultStanzaTransportConfig()
//	config.RetryAttempts = 1
//	if err := config.Validate(); err != nil {
//	    log.Fatalf("invalid config: %v", err)
//	}
//
// # Thread Safety
//
// All implementations of these interfaces must be safe for concurrent use.
package interfaces
