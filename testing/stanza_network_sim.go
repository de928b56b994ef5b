package testing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/s5b/interfaces"
	"github.com/opd-ai/s5b/protocol"
)

var (
	// ErrRecipientUnavailable indicates a stanza addressed to a JID with no endpoint.
	ErrRecipientUnavailable = errors.New("recipient unavailable in simulation")

	// ErrNetworkClosed indicates a send after Close.
	ErrNetworkClosed = errors.New("simulated network closed")
)

// DeliveryRecord represents a stanza delivery event for testing verification
type DeliveryRecord struct {
	From      string
	To        string
	Kind      string
	ID        string
	Timestamp time.Time
	Dropped   bool
	Error     error
}

// DropFilter decides whether a stanza is silently lost in transit.
type DropFilter func(from string, stanza protocol.Stanza) bool

// SimulatedNetwork is an in-memory XMPP router. Every attached JID gets an
// Endpoint; stanzas are delivered in order per recipient on a dedicated
// goroutine, after a round trip through the wire codec.
type SimulatedNetwork struct {
	config    *interfaces.StanzaTransportConfig
	endpoints map[string]*Endpoint
	log       []DeliveryRecord
	drop      DropFilter
	closed    bool
	mu        sync.RWMutex
}

// NewSimulatedNetwork creates a new simulation network for testing
func NewSimulatedNetwork(config *interfaces.StanzaTransportConfig) *SimulatedNetwork {
	if config == nil {
		config = interfaces.DefaultStanzaTransportConfig()
	}
	logrus.WithFields(logrus.Fields{
		"function":   "NewSimulatedNetwork",
		"queue_size": config.QueueSize,
	}).Debug("Creating simulated stanza network")

	return &SimulatedNetwork{
		config:    config,
		endpoints: make(map[string]*Endpoint),
	}
}

func normalize(jid string) string {
	bare, res, ok := strings.Cut(jid, "/")
	if !ok {
		return strings.ToLower(bare)
	}
	return strings.ToLower(bare) + "/" + res
}

// Attach creates the endpoint for jid and starts delivering its inbound
// stanzas to handler, which may be nil until SetHandler is called.
// Attaching an existing JID replaces the previous endpoint.
func (n *SimulatedNetwork) Attach(jid string, handler interfaces.StanzaHandler) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()

	key := normalize(jid)
	if old, ok := n.endpoints[key]; ok {
		old.stop()
	}
	e := &Endpoint{
		jid:     jid,
		network: n,
		handler: handler,
		queue:   make(chan protocol.Stanza, n.config.QueueSize),
		done:    make(chan struct{}),
	}
	n.endpoints[key] = e
	go e.deliverLoop()

	logrus.WithFields(logrus.Fields{
		"function":  "SimulatedNetwork.Attach",
		"jid":       jid,
		"endpoints": len(n.endpoints),
	}).Debug("Endpoint attached to simulation")
	return e
}

// Detach removes jid from the network. Queued stanzas are discarded.
func (n *SimulatedNetwork) Detach(jid string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if e, ok := n.endpoints[normalize(jid)]; ok {
		e.stop()
		delete(n.endpoints, normalize(jid))
	}
}

// SetDropFilter installs a filter that loses matching stanzas.
func (n *SimulatedNetwork) SetDropFilter(f DropFilter) {
	n.mu.Lock()
	n.drop = f
	n.mu.Unlock()
}

// Close detaches every endpoint.
func (n *SimulatedNetwork) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for k, e := range n.endpoints {
		e.stop()
		delete(n.endpoints, k)
	}
	n.closed = true
}

func (n *SimulatedNetwork) route(ctx context.Context, from string, stanza protocol.Stanza) error {
	h := stanza.Head()
	h.From = from

	// a copy through the codec, so sender and receiver never share memory
	data, err := protocol.Encode(stanza)
	if err != nil {
		return err
	}
	copied, err := protocol.Decode(data)
	if err != nil {
		return err
	}

	record := DeliveryRecord{From: from, To: h.To, Kind: kindOf(copied), ID: h.ID, Timestamp: time.Now()}

	n.mu.RLock()
	closed, drop := n.closed, n.drop
	dest := n.endpoints[normalize(h.To)]
	n.mu.RUnlock()

	switch {
	case closed:
		record.Error = ErrNetworkClosed
	case drop != nil && drop(from, copied):
		record.Dropped = true
	case dest == nil:
		record.Error = fmt.Errorf("%w: %s", ErrRecipientUnavailable, h.To)
	}
	n.append(record)
	if record.Error != nil || record.Dropped {
		logrus.WithFields(logrus.Fields{
			"function": "SimulatedNetwork.route",
			"from":     from,
			"to":       h.To,
			"dropped":  record.Dropped,
		}).Debug("Stanza not delivered")
		return record.Error
	}

	select {
	case dest.queue <- copied:
		return nil
	case <-dest.done:
		return fmt.Errorf("%w: %s", ErrRecipientUnavailable, h.To)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *SimulatedNetwork) append(r DeliveryRecord) {
	n.mu.Lock()
	n.log = append(n.log, r)
	n.mu.Unlock()
}

func kindOf(s protocol.Stanza) string {
	switch v := s.(type) {
	case *protocol.IQ:
		return "iq/" + v.Type
	case *protocol.Message:
		return "message"
	default:
		return fmt.Sprintf("%T", s)
	}
}

// GetDeliveryLog returns the complete delivery log for test verification
func (n *SimulatedNetwork) GetDeliveryLog() []DeliveryRecord {
	n.mu.RLock()
	defer n.mu.RUnlock()

	// Return a copy to prevent external modifications
	log := make([]DeliveryRecord, len(n.log))
	copy(log, n.log)
	return log
}

// ClearDeliveryLog clears the delivery log for test cleanup
func (n *SimulatedNetwork) ClearDeliveryLog() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.log = nil
}

// GetStats returns statistics about the simulation
func (n *SimulatedNetwork) GetStats() map[string]interface{} {
	n.mu.RLock()
	defer n.mu.RUnlock()

	delivered, dropped, failed := 0, 0, 0
	for _, r := range n.log {
		switch {
		case r.Error != nil:
			failed++
		case r.Dropped:
			dropped++
		default:
			delivered++
		}
	}
	return map[string]interface{}{
		"endpoints":     len(n.endpoints),
		"total_stanzas": len(n.log),
		"delivered":     delivered,
		"dropped":       dropped,
		"failed":        failed,
		"is_simulation": true,
	}
}

// Endpoint is one JID's attachment to a SimulatedNetwork. It implements
// interfaces.IStanzaTransport.
type Endpoint struct {
	jid     string
	network *SimulatedNetwork
	handler interfaces.StanzaHandler
	queue   chan protocol.Stanza
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
}

// SetHandler replaces the handler inbound stanzas are delivered to.
func (e *Endpoint) SetHandler(handler interfaces.StanzaHandler) {
	e.mu.Lock()
	e.handler = handler
	e.mu.Unlock()
}

// JID returns the address stanzas from this endpoint carry.
func (e *Endpoint) JID() string { return e.jid }

// SendStanza implements IStanzaTransport.SendStanza
func (e *Endpoint) SendStanza(ctx context.Context, stanza protocol.Stanza) error {
	select {
	case <-e.done:
		return ErrNetworkClosed
	default:
	}
	return e.network.route(ctx, e.jid, stanza)
}

// IsSimulation implements IStanzaTransport.IsSimulation
func (e *Endpoint) IsSimulation() bool { return true }

func (e *Endpoint) stop() {
	e.once.Do(func() { close(e.done) })
}

func (e *Endpoint) deliverLoop() {
	for {
		select {
		case s := <-e.queue:
			e.mu.RLock()
			h := e.handler
			e.mu.RUnlock()
			if h != nil && h.HandleStanza(s) {
				continue
			}
			e.bounce(s)
		case <-e.done:
			return
		}
	}
}

// bounce answers an unhandled get/set IQ the way a server answers for a
// client that does not support the namespace.
func (e *Endpoint) bounce(s protocol.Stanza) {
	iq, ok := s.(*protocol.IQ)
	if !ok || (iq.Type != protocol.TypeGet && iq.Type != protocol.TypeSet) {
		return
	}
	reply := protocol.NewErrorReply(iq.From, iq.ID, protocol.CodeNotImplemented, "Feature not implemented")
	go func() {
		_ = e.SendStanza(context.Background(), reply)
	}()
}
