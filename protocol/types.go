package protocol

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/opd-ai/s5b/limits"
)

// Mode selects between a reliable byte stream and a datagram channel.
type Mode uint8

const (
	// ModeStream carries an ordered byte stream over TCP.
	ModeStream Mode = iota
	// ModeDatagram carries datagrams over UDP after an associate handshake.
	ModeDatagram
)

// String returns the wire name of the mode.
func (m Mode) String() string {
	if m == ModeDatagram {
		return "udp"
	}
	return "tcp"
}

// ParseMode maps the wire mode attribute. Anything other than "udp" is a stream.
func ParseMode(s string) Mode {
	if s == "udp" {
		return ModeDatagram
	}
	return ModeStream
}

// HashKey is the opaque routing token presented as the SOCKS5 destination name.
type HashKey string

// Hash derives the HashKey for a session: the hex SHA-1 of
// sid + initiator JID + target JID. Argument order matters.
func Hash(sid, initiator, target string) HashKey {
	sum := sha1.Sum([]byte(sid + initiator + target))
	return HashKey(hex.EncodeToString(sum[:]))
}

// SessionKey uniquely identifies one negotiation.
type SessionKey struct {
	Initiator string
	Target    string
	SID       string
}

// Hash returns the key under which the initiator's hosts accept connections.
func (k SessionKey) Hash() HashKey {
	return Hash(k.SID, k.Initiator, k.Target)
}

// ReverseHash returns the key under which the target's hosts accept
// connections when both sides offer candidates.
func (k SessionKey) ReverseHash() HashKey {
	return Hash(k.SID, k.Target, k.Initiator)
}

// String formats the key for logs.
func (k SessionKey) String() string {
	return fmt.Sprintf("%s->%s[%s]", k.Initiator, k.Target, k.SID)
}

// Candidate is one endpoint that might provide connectivity for a session.
type Candidate struct {
	JID     string
	Host    string
	Port    int
	IsProxy bool
}

// Address returns host:port suitable for dialing.
func (c Candidate) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate reports whether the candidate can be offered or dialed.
func (c Candidate) Validate() error {
	if c.JID == "" {
		return fmt.Errorf("%w: candidate without jid", ErrMalformed)
	}
	if c.Host == "" {
		return fmt.Errorf("%w: candidate %s without host", ErrMalformed, c.JID)
	}
	return limits.ValidatePort(c.Port)
}

// DirectFirst returns a copy of the list with direct candidates ahead of
// proxies, preserving relative order within each group.
func DirectFirst(list []Candidate) []Candidate {
	out := make([]Candidate, 0, len(list))
	for _, c := range list {
		if !c.IsProxy {
			out = append(out, c)
		}
	}
	for _, c := range list {
		if c.IsProxy {
			out = append(out, c)
		}
	}
	return out
}

// HasJID reports whether any candidate in list belongs to jid.
func HasJID(list []Candidate, jid string) bool {
	for _, c := range list {
		if SameJID(c.JID, jid) {
			return true
		}
	}
	return false
}

// HasProxy reports whether list contains a proxy candidate.
func HasProxy(list []Candidate) bool {
	for _, c := range list {
		if c.IsProxy {
			return true
		}
	}
	return false
}

// SameJID compares two JIDs: node and domain case-insensitively, resource exactly.
func SameJID(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	abare, ares, _ := strings.Cut(a, "/")
	bbare, bres, _ := strings.Cut(b, "/")
	return strings.EqualFold(abare, bbare) && ares == bres
}

// Domain returns the domain part of a JID.
func Domain(jid string) string {
	bare, _, _ := strings.Cut(jid, "/")
	if _, domain, ok := strings.Cut(bare, "@"); ok {
		return strings.ToLower(domain)
	}
	return strings.ToLower(bare)
}
