// Package real provides the production stanza transport: bytestream
// negotiation stanzas written to and read from a live XMPP stream.
//
// This package implements interfaces.IStanzaTransport on top of any
// io.Writer, typically the net.Conn of an established XMPP session, and
// decodes inbound stanzas from the matching io.Reader:
//
//	transport := real.NewStreamTransport(conn, interfaces.DefaultStanzaTransportConfig())
//	manager := s5b.NewManager(cfg, transport)
//
//	go func() {
//	    if err := real.Serve(ctx, conn, manager); err != nil {
//	        log.Printf("stream ended: %v", err)
//	    }
//	}()
//
// Writes are serialised so stanzas never interleave. When the writer
// supports deadlines, each write is bounded by SendTimeout; a write that
// timed out before any byte was sent is retried up to RetryAttempts times
// with a linear backoff. The backoff goes through a [Sleeper] so tests can
// run without waiting.
//
// Serve accepts a bare sequence of stanzas or one wrapped in a stream
// element, and skips elements it does not know (presence, stream features).
package real
