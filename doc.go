// Package s5b negotiates SOCKS5 bytestreams (XEP-0065) between two XMPP
// accounts and hands the application a connected byte stream or datagram
// channel.
//
// A Manager serves one account. It sends stanzas through an
// interfaces.IStanzaTransport and must receive every inbound stanza through
// HandleStanza. Managers in the same process may share one
// transport.Server, which accepts the connections peers make to our direct
// candidates and routes them by session key.
//
// # Getting Started
//
//	srv := transport.NewServer()
//	if err := srv.Start(8010); err != nil {
//	    log.Fatal(err)
//	}
//	srv.SetHostList([]string{"192.0.2.10"})
//
//	cfg := s5b.DefaultConfig("alice@example.com/home")
//	cfg.Server = srv
//	cfg.Proxy = "proxy.example.com"
//
//	mgr, err := s5b.NewManager(cfg, stanzaTransport)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer mgr.Close()
//
//	sess, err := mgr.Open("bob@example.com/work", "", protocol.ModeStream)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	conn, err := sess.Wait(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	conn.Write([]byte("hello"))
//
// Inbound sessions are announced to the handler set with OnIncoming, which
// must Accept or Reject each of them.
//
// # Negotiation
//
// The initiator offers its direct hosts and, when configured, its proxy.
// The target races the offered candidates with a staggered start and names
// the winner. If the winner is the initiator's proxy, the initiator connects
// to it too and asks it to activate the pair before data flows.
//
// With Config.Symmetric both sides offer and race at once ("fast mode").
// The initiator then decides which of the working transports carries the
// session: a stream is activated by writing a single '\r' byte on it, a
// datagram channel by an activate message naming the streamhost.
//
// # Events
//
// Every session reports its progress to Observers, in order, from its own
// goroutine. A session ends with exactly one terminal event: EventFailed for
// a negotiation that never became active, EventClosed for one that did.
// After Close returns no further events are delivered.
//
// # Concurrency
//
// Each Session owns a goroutine that runs all of its negotiation logic.
// Network callbacks, stanza replies and timers post work to it, so the
// negotiation state needs no locks. Manager and Server maps are guarded by
// mutexes and may be used from any goroutine.
package s5b
