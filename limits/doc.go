// Package limits provides centralized size, count and timing constants for
// SOCKS5 bytestream negotiation, together with the validators that enforce
// them.
//
// # Counts and sizes
//
//   - MaxStreamHosts (5): streamhosts honoured from one request; the rest of
//     the list is ignored rather than rejected.
//   - MaxSIDLength (128): longest session id accepted from the wire.
//   - MaxDomainLength (255): SOCKS5 DST.ADDR capacity; HashKeys always fit.
//   - MaxDatagramPayload: largest datagram payload that still fits one UDP
//     packet after the SOCKS5 UDP header and the 4-byte port envelope.
//
// # Timers
//
// The Default* durations mirror the negotiation deadlines used on the wire:
// 30s for racing offered candidates, 10s for a late proxy attempt, 15s for
// proxy discovery and activation queries, 30s for an inbound SOCKS5
// handshake, and 60s for a whole session.
//
// # Validation
//
//	if err := limits.ValidateSID(sid); err != nil {
//	    // ErrEmptySID or ErrSIDTooLong
//	}
//
// All errors are sentinels suitable for errors.Is and are wrapped with the
// offending size when returned.
package limits
