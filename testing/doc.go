// Package testing provides an in-memory stanza network for deterministic
// testing of bytestream negotiation.
//
// # Overview
//
// [SimulatedNetwork] stands in for an XMPP server. Each party attaches a JID
// and a handler and receives an [Endpoint] that implements
// interfaces.IStanzaTransport. Stanzas are stamped with the sender's JID,
// copied through the wire codec and delivered in order, one goroutine per
// recipient. An unhandled get/set IQ is bounced with a 501 error, as a
// server would for a client lacking the feature.
//
// # Usage
//
//	network := testing.NewSimulatedNetwork(nil)
//	defer network.Close()
//
//	alice := network.Attach("alice@example.com/home", aliceManager)
//	bob := network.Attach("bob@example.com/work", bobManager)
//
// # Verification
//
// Every routed stanza is recorded. Tests inspect the log or the summary:
//
//	for _, r := range network.GetDeliveryLog() {
//	    fmt.Println(r.From, r.To, r.Kind)
//	}
//	stats := network.GetStats()
//
// A [DropFilter] loses selected stanzas in transit, for timeout scenarios:
//
//	network.SetDropFilter(func(from string, s protocol.Stanza) bool {
//	    return from == "bob@example.com/work"
//	})
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package testing
