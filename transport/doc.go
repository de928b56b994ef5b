// Package transport provides the raw-transport side of SOCKS5 bytestream
// negotiation: the restricted SOCKS5 handshake, the candidate racer and the
// shared session server.
//
// # Restricted SOCKS5
//
// Only the no-authentication method is used and the destination is always
// a domain-name address carrying the session HashKey with port 0. The key is
// a routing token, never resolved:
//
//	err := ClientHandshake(conn, key, CommandConnect)
//
// Datagram channels use CommandUDPAssociate on the TCP connection and then
// send UDP packets to the same host and port, each prefixed with a SOCKS5
// UDP header addressing the key (port 1 for init packets, port 0 for data).
//
// # Candidate racing
//
// A Racer dials candidates in order, staggering launches and bounding
// parallelism. The first attempt to finish the handshake wins; every other
// attempt is aborted and its socket closed before the race reports:
//
//	racer := NewRacer("alice@example.com/home")
//	res, err := racer.Race(ctx, candidates, key, protocol.ModeStream, 30*time.Second)
//	if err != nil {
//	    var raceErr *RaceError
//	    errors.As(err, &raceErr) // raceErr.Reason tells why
//	}
//
// Outbound dials go through Racer.Dialer, which defaults to the
// ALL_PROXY/NO_PROXY environment via golang.org/x/net/proxy.
//
// # Session server
//
// One Server is shared by every manager in the process. Owners register
// the keys they accept; an inbound connection is handed to the owner of the
// key it presents and anything else is answered with "host unreachable" and
// closed:
//
//	srv := NewServer()
//	if err := srv.Start(8010); err != nil { ... }
//	srv.Register(key, owner)
//	defer srv.Unregister(key)
package transport
