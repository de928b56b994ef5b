package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/opd-ai/s5b/limits"
	"github.com/opd-ai/s5b/protocol"
)

const socksVersion = 0x05

// Authentication methods.
const (
	methodNoAuth       = 0x00
	methodNoAcceptable = 0xFF
)

// Address types.
const (
	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04
)

// Command is the SOCKS5 request command.
type Command byte

const (
	// CommandConnect opens a byte stream.
	CommandConnect Command = 0x01
	// CommandUDPAssociate opens the control connection of a datagram channel.
	CommandUDPAssociate Command = 0x03
)

// Datagram destination ports. A UDP packet addressed to port 1 is the init
// packet of a datagram channel; port 0 carries data.
const (
	PortData = 0
	PortInit = 1
)

// Reply is the SOCKS5 reply code.
type Reply byte

const (
	ReplySucceeded           Reply = 0x00
	ReplyGeneralFailure      Reply = 0x01
	ReplyHostUnreachable     Reply = 0x04
	ReplyConnectionRefused   Reply = 0x05
	ReplyCommandNotSupported Reply = 0x07
	ReplyAddressNotSupported Reply = 0x08
)

func (r Reply) String() string {
	switch r {
	case ReplySucceeded:
		return "succeeded"
	case ReplyGeneralFailure:
		return "general failure"
	case ReplyHostUnreachable:
		return "host unreachable"
	case ReplyConnectionRefused:
		return "connection refused"
	case ReplyCommandNotSupported:
		return "command not supported"
	case ReplyAddressNotSupported:
		return "address type not supported"
	default:
		return fmt.Sprintf("reply 0x%02x", byte(r))
	}
}

var (
	// ErrBadReply indicates a handshake message that does not follow SOCKS5.
	ErrBadReply = errors.New("malformed socks5 handshake")

	// ErrNoAcceptableMethod indicates the peer refused the no-authentication method.
	ErrNoAcceptableMethod = errors.New("no acceptable socks5 authentication method")

	// ErrRejected indicates a well-formed reply with a failure code.
	ErrRejected = errors.New("socks5 request rejected")

	// ErrUnsupportedAddress indicates a request that does not carry a domain name.
	ErrUnsupportedAddress = errors.New("socks5 address type not supported")
)

// ClientHandshake performs the restricted SOCKS5 exchange on conn: the
// no-authentication method, then cmd with DST.ADDR set to key and DST.PORT 0.
// Deadlines are the caller's responsibility.
func ClientHandshake(conn net.Conn, key protocol.HashKey, cmd Command) error {
	if _, err := conn.Write([]byte{socksVersion, 1, methodNoAuth}); err != nil {
		return err
	}
	var sel [2]byte
	if _, err := io.ReadFull(conn, sel[:]); err != nil {
		return err
	}
	if sel[0] != socksVersion {
		return fmt.Errorf("%w: version 0x%02x", ErrBadReply, sel[0])
	}
	if sel[1] != methodNoAuth {
		return ErrNoAcceptableMethod
	}

	req, err := appendAddress([]byte{socksVersion, byte(cmd), 0}, key, 0)
	if err != nil {
		return err
	}
	if _, err := conn.Write(req); err != nil {
		return err
	}

	var head [3]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		return err
	}
	if head[0] != socksVersion {
		return fmt.Errorf("%w: version 0x%02x", ErrBadReply, head[0])
	}
	if _, _, err := readAddress(conn); err != nil {
		return err
	}
	if rep := Reply(head[1]); rep != ReplySucceeded {
		return fmt.Errorf("%w: %s", ErrRejected, rep)
	}
	return nil
}

// Request is a parsed inbound SOCKS5 request.
type Request struct {
	Command Command
	Key     protocol.HashKey
	Port    uint16
}

// ServerHandshake negotiates the method and reads the request from an
// inbound connection. Requests that cannot be served are answered before
// the error is returned.
func ServerHandshake(conn net.Conn) (*Request, error) {
	var head [2]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		return nil, err
	}
	if head[0] != socksVersion {
		return nil, fmt.Errorf("%w: version 0x%02x", ErrBadReply, head[0])
	}
	methods := make([]byte, head[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return nil, err
	}
	offered := false
	for _, m := range methods {
		if m == methodNoAuth {
			offered = true
			break
		}
	}
	if !offered {
		_, _ = conn.Write([]byte{socksVersion, methodNoAcceptable})
		return nil, ErrNoAcceptableMethod
	}
	if _, err := conn.Write([]byte{socksVersion, methodNoAuth}); err != nil {
		return nil, err
	}

	var req [3]byte
	if _, err := io.ReadFull(conn, req[:]); err != nil {
		return nil, err
	}
	if req[0] != socksVersion {
		return nil, fmt.Errorf("%w: version 0x%02x", ErrBadReply, req[0])
	}
	host, port, err := readAddress(conn)
	if err != nil {
		if errors.Is(err, ErrUnsupportedAddress) {
			_ = WriteReply(conn, ReplyAddressNotSupported, "")
		}
		return nil, err
	}

	cmd := Command(req[1])
	if cmd != CommandConnect && cmd != CommandUDPAssociate {
		_ = WriteReply(conn, ReplyCommandNotSupported, protocol.HashKey(host))
		return nil, fmt.Errorf("%w: command 0x%02x", ErrRejected, byte(cmd))
	}
	return &Request{Command: cmd, Key: protocol.HashKey(host), Port: port}, nil
}

// WriteReply answers a request, echoing key as BND.ADDR with port 0.
func WriteReply(conn net.Conn, rep Reply, key protocol.HashKey) error {
	buf, err := appendAddress([]byte{socksVersion, byte(rep), 0}, key, 0)
	if err != nil {
		return err
	}
	_, err = conn.Write(buf)
	return err
}

func appendAddress(buf []byte, key protocol.HashKey, port uint16) ([]byte, error) {
	if len(key) > limits.MaxDomainLength {
		return nil, fmt.Errorf("%w: key length %d", ErrBadReply, len(key))
	}
	buf = append(buf, atypDomain, byte(len(key)))
	buf = append(buf, key...)
	return binary.BigEndian.AppendUint16(buf, port), nil
}

func readAddress(r io.Reader) (string, uint16, error) {
	var atyp [1]byte
	if _, err := io.ReadFull(r, atyp[:]); err != nil {
		return "", 0, err
	}
	var host []byte
	switch atyp[0] {
	case atypIPv4:
		host = make([]byte, net.IPv4len)
	case atypIPv6:
		host = make([]byte, net.IPv6len)
	case atypDomain:
		var n [1]byte
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return "", 0, err
		}
		host = make([]byte, n[0])
	default:
		return "", 0, fmt.Errorf("%w: 0x%02x", ErrBadReply, atyp[0])
	}
	if _, err := io.ReadFull(r, host); err != nil {
		return "", 0, err
	}
	var port [2]byte
	if _, err := io.ReadFull(r, port[:]); err != nil {
		return "", 0, err
	}
	if atyp[0] != atypDomain {
		return net.IP(host).String(), binary.BigEndian.Uint16(port[:]), ErrUnsupportedAddress
	}
	return string(host), binary.BigEndian.Uint16(port[:]), nil
}

// AppendUDPHeader prefixes payload with the SOCKS5 UDP request header
// addressing key at port.
func AppendUDPHeader(payload []byte, key protocol.HashKey, port uint16) ([]byte, error) {
	buf := make([]byte, 0, 7+len(key)+len(payload))
	buf, err := appendAddress(append(buf, 0, 0, 0), key, port)
	if err != nil {
		return nil, err
	}
	return append(buf, payload...), nil
}

// ParseUDPHeader splits a SOCKS5 UDP packet. Fragmented packets are rejected.
func ParseUDPHeader(packet []byte) (protocol.HashKey, uint16, []byte, error) {
	if len(packet) < 5 || packet[3] != atypDomain {
		return "", 0, nil, fmt.Errorf("%w: udp header", ErrBadReply)
	}
	if packet[2] != 0 {
		return "", 0, nil, fmt.Errorf("%w: fragment %d", ErrBadReply, packet[2])
	}
	n := int(packet[4])
	if len(packet) < 5+n+2 {
		return "", 0, nil, fmt.Errorf("%w: udp header truncated", ErrBadReply)
	}
	key := protocol.HashKey(packet[5 : 5+n])
	port := binary.BigEndian.Uint16(packet[5+n : 7+n])
	return key, port, packet[7+n:], nil
}
