// Package limits provides centralized protocol limits for SOCKS5 bytestream
// negotiation. This ensures consistent validation across the codec, the
// candidate racer and the session server.
package limits

import (
	"errors"
	"fmt"
	"time"
)

const (
	// MaxStreamHosts is the number of streamhosts honoured from a single request.
	// Any further streamhost elements are ignored.
	MaxStreamHosts = 5

	// MaxSIDLength bounds the session id accepted from the wire.
	MaxSIDLength = 128

	// MaxDomainLength is the longest DST.ADDR a SOCKS5 domain field can carry.
	// HashKeys (40 hex characters) always fit.
	MaxDomainLength = 255

	// DatagramHeaderSize is the {source port, dest port} envelope that prefixes
	// every datagram payload.
	DatagramHeaderSize = 4

	// MaxDatagramPayload is the largest application datagram accepted for
	// sending. It leaves room for the SOCKS5 UDP header and the port envelope
	// inside a single IPv4 UDP packet.
	MaxDatagramPayload = 65507 - 7 - MaxDomainLength - DatagramHeaderSize

	// MaxUDPPacket is the receive buffer size for datagram sockets.
	MaxUDPPacket = 65535
)

const (
	// DefaultConnectTimeout is the race deadline used for offered candidates.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultLateProxyTimeout is the race deadline used when only proxies remain.
	DefaultLateProxyTimeout = 10 * time.Second

	// DefaultQueryTimeout bounds proxy discovery and activation requests.
	DefaultQueryTimeout = 15 * time.Second

	// DefaultHandshakeTimeout closes inbound connections that do not finish
	// the SOCKS5 handshake in time.
	DefaultHandshakeTimeout = 30 * time.Second

	// DefaultSessionTimeout is the wall-clock deadline for a whole negotiation.
	DefaultSessionTimeout = 60 * time.Second

	// UDPInitInterval and UDPInitTries control datagram init retransmission.
	UDPInitInterval = 5 * time.Second
	UDPInitTries    = 5
)

var (
	// ErrEmptySID indicates a request without a session id.
	ErrEmptySID = errors.New("empty session id")

	// ErrSIDTooLong indicates a session id longer than MaxSIDLength.
	ErrSIDTooLong = errors.New("session id too long")

	// ErrDatagramTooLarge indicates a datagram exceeding MaxDatagramPayload.
	ErrDatagramTooLarge = errors.New("datagram too large")

	// ErrDatagramTruncated indicates a datagram shorter than its envelope.
	ErrDatagramTruncated = errors.New("datagram truncated")

	// ErrInvalidPort indicates a streamhost port outside 1..65535.
	ErrInvalidPort = errors.New("invalid port")
)

// ValidateSID checks a session id received from or sent to the wire.
func ValidateSID(sid string) error {
	if sid == "" {
		return ErrEmptySID
	}
	if len(sid) > MaxSIDLength {
		return fmt.Errorf("%w: length %d exceeds limit %d", ErrSIDTooLong, len(sid), MaxSIDLength)
	}
	return nil
}

// ValidateDatagramPayload checks an outgoing datagram payload size.
func ValidateDatagramPayload(payload []byte) error {
	if len(payload) > MaxDatagramPayload {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrDatagramTooLarge, len(payload), MaxDatagramPayload)
	}
	return nil
}

// ValidateEnvelope checks that a received datagram carries at least the port envelope.
func ValidateEnvelope(packet []byte) error {
	if len(packet) < DatagramHeaderSize {
		return fmt.Errorf("%w: size %d below envelope size %d", ErrDatagramTruncated, len(packet), DatagramHeaderSize)
	}
	return nil
}

// ValidatePort checks a streamhost port.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	return nil
}
