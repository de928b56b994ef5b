package relay

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/s5b/interfaces"
	"github.com/opd-ai/s5b/limits"
	"github.com/opd-ai/s5b/protocol"
)

// Component is the stanza side of a proxy: it answers streamhost discovery
// with the relay's address and turns activation requests into
// Relay.Activate calls.
type Component struct {
	// JID is the proxy's address on the XMPP network.
	JID string
	// Host is the address advertised to clients.
	Host string

	relay     *Relay
	transport interfaces.IStanzaTransport
}

// NewComponent binds a relay to a stanza transport.
func NewComponent(jid, host string, relay *Relay, transport interfaces.IStanzaTransport) *Component {
	return &Component{JID: jid, Host: host, relay: relay, transport: transport}
}

// Info returns the streamhost advertised in discovery replies.
func (c *Component) Info() protocol.Candidate {
	port := 0
	if addr := c.relay.Addr(); addr != nil {
		port = addr.Port
	}
	return protocol.Candidate{JID: c.JID, Host: c.Host, Port: port, IsProxy: true}
}

// HandleStanza implements interfaces.StanzaHandler.
func (c *Component) HandleStanza(stanza protocol.Stanza) bool {
	iq, ok := stanza.(*protocol.IQ)
	if !ok {
		return false
	}
	switch {
	case protocol.IsProxyQuery(iq):
		c.reply(protocol.NewProxyInfoReply(iq.From, iq.ID, c.Info()))
		return true
	case protocol.IsActivation(iq):
		c.activate(iq)
		return true
	}
	return false
}

func (c *Component) activate(iq *protocol.IQ) {
	sid, target, err := protocol.ParseActivation(iq)
	if err != nil {
		c.reply(protocol.NewErrorReply(iq.From, iq.ID, protocol.CodeBadRequest, err.Error()))
		return
	}
	if err := c.relay.Activate(sid, iq.From, target); err != nil {
		code := protocol.CodeInternal
		if errors.Is(err, ErrNotReady) {
			code = protocol.CodeNotFound
		}
		if errors.Is(err, ErrAlreadyActive) {
			code = protocol.CodeConflict
		}
		c.reply(protocol.NewErrorReply(iq.From, iq.ID, code, err.Error()))
		return
	}
	c.reply(protocol.NewEmptyResult(iq.From, iq.ID))
}

func (c *Component) reply(iq *protocol.IQ) {
	ctx, cancel := context.WithTimeout(context.Background(), limits.DefaultQueryTimeout)
	defer cancel()
	if err := c.transport.SendStanza(ctx, iq); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Component.reply",
			"to":       iq.To,
			"error":    err.Error(),
		}).Warn("Failed to answer proxy request")
	}
}
