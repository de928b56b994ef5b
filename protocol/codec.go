package protocol

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"

	"github.com/opd-ai/s5b/limits"
)

// Encode serializes a stanza to XML.
func Encode(s Stanza) ([]byte, error) {
	data, err := xml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode stanza: %w", err)
	}
	return data, nil
}

// Decode parses one top-level stanza.
func Decode(data []byte) (Stanza, error) {
	d := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := d.Token()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: empty input", ErrMalformed)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			return DecodeElement(d, start)
		}
	}
}

// DecodeElement decodes the stanza that begins with start.
func DecodeElement(d *xml.Decoder, start xml.StartElement) (Stanza, error) {
	var s Stanza
	switch start.Name.Local {
	case "iq":
		s = &IQ{}
	case "message":
		s = &Message{}
	default:
		if err := d.Skip(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return nil, fmt.Errorf("%w: <%s>", ErrUnknownStanza, start.Name.Local)
	}
	if err := d.DecodeElement(s, &start); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return s, nil
}

// NewRequest builds the initiator's (or fast-mode target's) candidate offer.
func NewRequest(to, id, sid string, hosts []Candidate, mode Mode, fast bool) *IQ {
	q := &Query{SID: sid, Mode: mode.String()}
	for _, h := range hosts {
		sh := StreamHost{JID: h.JID, Host: h.Host, Port: strconv.Itoa(h.Port)}
		if h.IsProxy {
			sh.Proxy = &Marker{}
		}
		q.StreamHosts = append(q.StreamHosts, sh)
	}
	if fast {
		q.Fast = &Marker{}
	}
	return &IQ{Header: Header{To: to, ID: id}, Type: TypeSet, Query: q}
}

// Request is a parsed candidate offer.
type Request struct {
	From  string
	ID    string
	SID   string
	Hosts []Candidate
	Mode  Mode
	Fast  bool
}

// IsRequest reports whether iq is a candidate offer.
func IsRequest(iq *IQ) bool {
	return iq.Type == TypeSet && iq.Query != nil && iq.Query.SID != "" && iq.Query.Activate == ""
}

// ParseRequest extracts a candidate offer. Hosts without a jid, host or valid
// port are skipped and at most limits.MaxStreamHosts are kept.
func ParseRequest(iq *IQ) (*Request, error) {
	if iq.Query == nil {
		return nil, ErrNotBytestreams
	}
	if iq.Type != TypeSet || iq.Query.Activate != "" {
		return nil, fmt.Errorf("%w: not a request", ErrMalformed)
	}
	if err := limits.ValidateSID(iq.Query.SID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	req := &Request{
		From: iq.From,
		ID:   iq.ID,
		SID:  iq.Query.SID,
		Mode: ParseMode(iq.Query.Mode),
		Fast: iq.Query.Fast != nil,
	}
	for _, sh := range iq.Query.StreamHosts {
		if len(req.Hosts) >= limits.MaxStreamHosts {
			break
		}
		c, err := sh.candidate()
		if err != nil {
			continue
		}
		req.Hosts = append(req.Hosts, c)
	}
	return req, nil
}

func (sh StreamHost) candidate() (Candidate, error) {
	port, err := strconv.Atoi(sh.Port)
	if err != nil {
		return Candidate{}, fmt.Errorf("%w: port %q", ErrMalformed, sh.Port)
	}
	c := Candidate{JID: sh.JID, Host: sh.Host, Port: port, IsProxy: sh.Proxy != nil}
	if err := c.Validate(); err != nil {
		return Candidate{}, err
	}
	return c, nil
}

// NewStreamHostUsed answers a request by naming the candidate connected to.
func NewStreamHostUsed(to, id, jid string) *IQ {
	return &IQ{
		Header: Header{To: to, ID: id},
		Type:   TypeResult,
		Query:  &Query{StreamHostUsed: &StreamHostUsed{JID: jid}},
	}
}

// StreamHostUsedJID extracts the chosen candidate JID from a request result.
func StreamHostUsedJID(iq *IQ) (string, error) {
	if iq.Type != TypeResult {
		return "", fmt.Errorf("%w: type %q", ErrMalformed, iq.Type)
	}
	if iq.Query == nil || iq.Query.StreamHostUsed == nil || iq.Query.StreamHostUsed.JID == "" {
		return "", fmt.Errorf("%w: missing streamhost-used", ErrMalformed)
	}
	return iq.Query.StreamHostUsed.JID, nil
}

// NewErrorReply builds an error answer to the IQ identified by id.
func NewErrorReply(to, id string, code int, text string) *IQ {
	return &IQ{
		Header: Header{To: to, ID: id},
		Type:   TypeError,
		Error:  &StanzaError{Code: strconv.Itoa(code), Text: text},
	}
}

// NewEmptyResult acknowledges an IQ without payload.
func NewEmptyResult(to, id string) *IQ {
	return &IQ{Header: Header{To: to, ID: id}, Type: TypeResult}
}

// NewProxyQuery asks a proxy JID for its network address.
func NewProxyQuery(to, id string) *IQ {
	return &IQ{Header: Header{To: to, ID: id}, Type: TypeGet, Query: &Query{}}
}

// IsProxyQuery reports whether iq asks for streamhost information.
func IsProxyQuery(iq *IQ) bool {
	return iq.Type == TypeGet && iq.Query != nil
}

// NewProxyInfoReply answers a proxy query.
func NewProxyInfoReply(to, id string, info Candidate) *IQ {
	sh := StreamHost{JID: info.JID, Host: info.Host, Port: strconv.Itoa(info.Port)}
	return &IQ{
		Header: Header{To: to, ID: id},
		Type:   TypeResult,
		Query:  &Query{StreamHosts: []StreamHost{sh}},
	}
}

// ParseProxyInfo extracts the proxy address from a discovery result. The
// returned candidate is always marked as a proxy.
func ParseProxyInfo(iq *IQ) (Candidate, error) {
	if iq.Type != TypeResult {
		return Candidate{}, fmt.Errorf("%w: type %q", ErrMalformed, iq.Type)
	}
	if iq.Query == nil || len(iq.Query.StreamHosts) == 0 {
		return Candidate{}, fmt.Errorf("%w: missing streamhost", ErrMalformed)
	}
	c, err := iq.Query.StreamHosts[0].candidate()
	if err != nil {
		return Candidate{}, err
	}
	c.IsProxy = true
	return c, nil
}

// NewActivation asks a proxy to start relaying the two connections of sid.
func NewActivation(to, id, sid, target string) *IQ {
	return &IQ{
		Header: Header{To: to, ID: id},
		Type:   TypeSet,
		Query:  &Query{SID: sid, Activate: target},
	}
}

// IsActivation reports whether iq is an activation request.
func IsActivation(iq *IQ) bool {
	return iq.Type == TypeSet && iq.Query != nil && iq.Query.Activate != ""
}

// ParseActivation extracts sid and target JID from an activation request.
func ParseActivation(iq *IQ) (sid, target string, err error) {
	if !IsActivation(iq) {
		return "", "", fmt.Errorf("%w: not an activation", ErrMalformed)
	}
	if err := limits.ValidateSID(iq.Query.SID); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return iq.Query.SID, iq.Query.Activate, nil
}

// NewFastActivate tells a fast-mode datagram target which streamhost won.
func NewFastActivate(to, sid, streamHost string) *Message {
	return &Message{
		Header:   Header{To: to},
		Activate: &FastActivate{SID: sid, JID: streamHost},
	}
}

// NewUDPSuccess tells a datagram client that its init packet for key arrived.
func NewUDPSuccess(to string, key HashKey) *Message {
	return &Message{
		Header:     Header{To: to},
		UDPSuccess: &UDPSuccess{DstAddr: string(key)},
	}
}
