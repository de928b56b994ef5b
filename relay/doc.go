// Package relay implements a SOCKS5 bytestream proxy: the third party both
// peers connect to when neither can reach the other.
//
// A [Relay] accepts the restricted SOCKS5 CONNECT for any session key and
// holds up to two connections per key without reading from them. Nothing is
// forwarded until the initiator asks the proxy to activate the session, at
// which point the two connections are joined and bytes are copied in both
// directions until either side closes:
//
//	r := relay.New()
//	if err := r.Listen(":7777"); err != nil { ... }
//	defer r.Close()
//
// A [Component] answers the proxy's stanzas: streamhost discovery with the
// relay's advertised address, and activation requests from the initiator
// (whose JID is taken from the stanza's from attribute):
//
//	comp := relay.NewComponent("proxy.example.com", "192.0.2.7", r, transport)
//	network.Attach("proxy.example.com", comp)
//
// Unactivated connections are closed after PairTimeout. UDP associate
// requests are refused with "command not supported".
package relay
