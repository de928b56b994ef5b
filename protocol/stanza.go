package protocol

import (
	"encoding/xml"
	"strconv"
)

// Namespaces carried on the wire.
const (
	NSBytestreams = "http://jabber.org/protocol/bytestreams"
	NSStream      = "http://affinix.com/jabber/stream"
)

// IQ types.
const (
	TypeGet    = "get"
	TypeSet    = "set"
	TypeResult = "result"
	TypeError  = "error"
)

// Stanza is an element exchanged over the external stanza transport.
type Stanza interface {
	Head() *Header
}

// Header holds the addressing attributes shared by every stanza.
type Header struct {
	From string `xml:"from,attr,omitempty"`
	To   string `xml:"to,attr,omitempty"`
	ID   string `xml:"id,attr,omitempty"`
}

// IQ is an info/query stanza.
type IQ struct {
	XMLName xml.Name `xml:"iq"`
	Header
	Type  string       `xml:"type,attr"`
	Query *Query       `xml:"http://jabber.org/protocol/bytestreams query"`
	Error *StanzaError `xml:"error"`
}

// Head implements Stanza.
func (iq *IQ) Head() *Header { return &iq.Header }

// Message is a one-way stanza.
type Message struct {
	XMLName xml.Name `xml:"message"`
	Header
	UDPSuccess *UDPSuccess   `xml:"http://jabber.org/protocol/bytestreams udpsuccess"`
	Activate   *FastActivate `xml:"http://affinix.com/jabber/stream activate"`
}

// Head implements Stanza.
func (m *Message) Head() *Header { return &m.Header }

// Query is the bytestreams payload of an IQ.
type Query struct {
	XMLName        xml.Name        `xml:"http://jabber.org/protocol/bytestreams query"`
	SID            string          `xml:"sid,attr,omitempty"`
	Mode           string          `xml:"mode,attr,omitempty"`
	StreamHosts    []StreamHost    `xml:"streamhost"`
	StreamHostUsed *StreamHostUsed `xml:"streamhost-used"`
	Activate       string          `xml:"activate,omitempty"`
	Fast           *Marker         `xml:"http://affinix.com/jabber/stream fast"`
}

// StreamHost is the wire form of a Candidate. Port stays a string so a
// malformed value drops one host instead of the whole stanza.
type StreamHost struct {
	JID   string  `xml:"jid,attr"`
	Host  string  `xml:"host,attr,omitempty"`
	Port  string  `xml:"port,attr,omitempty"`
	Proxy *Marker `xml:"http://affinix.com/jabber/stream proxy"`
}

// StreamHostUsed names the candidate the target connected to.
type StreamHostUsed struct {
	JID string `xml:"jid,attr"`
}

// Marker is an empty flag element.
type Marker struct{}

// StanzaError is the legacy code+text error element.
type StanzaError struct {
	Code string `xml:"code,attr,omitempty"`
	Type string `xml:"type,attr,omitempty"`
	Text string `xml:",chardata"`
}

// CodeValue returns the numeric error code, or 0 when absent or malformed.
func (e *StanzaError) CodeValue() int {
	if e == nil {
		return 0
	}
	n, err := strconv.Atoi(e.Code)
	if err != nil {
		return 0
	}
	return n
}

// UDPSuccess tells a datagram client its init packet arrived.
type UDPSuccess struct {
	DstAddr string `xml:"dstaddr,attr"`
}

// FastActivate names the streamhost that carries a datagram session in fast mode.
type FastActivate struct {
	SID string `xml:"sid,attr"`
	JID string `xml:"jid,attr"`
}
