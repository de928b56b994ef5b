package s5b

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/proxy"

	"github.com/opd-ai/s5b/interfaces"
	"github.com/opd-ai/s5b/protocol"
	"github.com/opd-ai/s5b/relay"
	simulation "github.com/opd-ai/s5b/testing"
	"github.com/opd-ai/s5b/transport"
)

const (
	aliceJID = "alice@example.com/home"
	bobJID   = "bob@example.com/work"
	carolJID = "carol@example.com/laptop"
	proxyJID = "proxy.example.com"

	// unreachable advertised address (TEST-NET-1)
	deadHost = "192.0.2.1"

	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

// testPeer is one account attached to a simulated network.
type testPeer struct {
	jid      string
	mgr      *Manager
	srv      *transport.Server
	ep       *simulation.Endpoint
	spy      *stanzaSpy
	incoming chan *Session
}

type peerOption func(*peerSetup)

type peerSetup struct {
	cfg    Config
	hosts  []string
	server *transport.Server
}

// withHosts starts a private session server advertising hosts.
func withHosts(hosts ...string) peerOption {
	return func(p *peerSetup) { p.hosts = hosts }
}

// withServer reuses a server started elsewhere.
func withServer(srv *transport.Server) peerOption {
	return func(p *peerSetup) { p.server = srv }
}

func withConfig(fn func(*Config)) peerOption {
	return func(p *peerSetup) { fn(&p.cfg) }
}

func testConfig(jid string) Config {
	cfg := DefaultConfig(jid)
	cfg.SessionTimeout = 10 * time.Second
	cfg.ConnectTimeout = 3 * time.Second
	cfg.LateProxyTimeout = 2 * time.Second
	cfg.QueryTimeout = 2 * time.Second
	cfg.ActivationTimeout = 2 * time.Second
	cfg.Stagger = 20 * time.Millisecond
	cfg.Dialer = proxy.Direct
	return cfg
}

func startServer(t *testing.T, hosts ...string) *transport.Server {
	t.Helper()
	srv := transport.NewServer()
	require.NoError(t, srv.StartOn("127.0.0.1", 0))
	srv.SetHostList(hosts)
	t.Cleanup(srv.Stop)
	return srv
}

func newTestPeer(t *testing.T, network *simulation.SimulatedNetwork, jid string, opts ...peerOption) *testPeer {
	t.Helper()
	setup := peerSetup{cfg: testConfig(jid)}
	for _, opt := range opts {
		opt(&setup)
	}
	switch {
	case setup.server != nil:
		setup.cfg.Server = setup.server
	case setup.hosts != nil:
		setup.cfg.Server = startServer(t, setup.hosts...)
	}

	p := &testPeer{
		jid:      jid,
		srv:      setup.cfg.Server,
		spy:      &stanzaSpy{},
		incoming: make(chan *Session, 8),
	}
	p.ep = network.Attach(jid, nil)
	mgr, err := NewManager(setup.cfg, p.ep)
	require.NoError(t, err)
	mgr.racer.InitInterval = 100 * time.Millisecond
	p.mgr = mgr
	p.ep.SetHandler(interfaces.Chain{p.spy, mgr})
	mgr.OnIncoming(func(s *Session) { p.incoming <- s })
	t.Cleanup(func() { _ = mgr.Close() })
	return p
}

// nextIncoming waits for the next inbound session.
func (p *testPeer) nextIncoming(t *testing.T) *Session {
	t.Helper()
	select {
	case s := <-p.incoming:
		return s
	case <-time.After(waitFor):
		t.Fatalf("%s: no incoming session", p.jid)
		return nil
	}
}

func newNetwork(t *testing.T) *simulation.SimulatedNetwork {
	t.Helper()
	network := simulation.NewSimulatedNetwork(nil)
	t.Cleanup(network.Close)
	return network
}

// startProxy runs a relay and its stanza component as proxyJID.
func startProxy(t *testing.T, network *simulation.SimulatedNetwork, wrap func(*relay.Component, *simulation.Endpoint) interfaces.StanzaHandler) *relay.Relay {
	t.Helper()
	r := relay.New()
	require.NoError(t, r.Listen("127.0.0.1:0"))
	t.Cleanup(func() { _ = r.Close() })

	ep := network.Attach(proxyJID, nil)
	comp := relay.NewComponent(proxyJID, "127.0.0.1", r, ep)
	var h interfaces.StanzaHandler = comp
	if wrap != nil {
		h = wrap(comp, ep)
	}
	ep.SetHandler(h)
	return r
}

func waitConn(t *testing.T, s *Session) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	conn, err := s.Wait(ctx)
	require.NoError(t, err, "session %s with %s", s.SID(), s.Peer())
	require.NotNil(t, conn)
	return conn
}

func waitErr(t *testing.T, s *Session) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	conn, err := s.Wait(ctx)
	require.Nil(t, conn)
	require.Error(t, err)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return err
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatalf("session %s did not finish", s.SID())
	}
}

// recorder collects events together with the session state at the time.
type recorder struct {
	mu     sync.Mutex
	events []Event
	states []State
}

func (r *recorder) OnEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	r.states = append(r.states, ev.Session.State())
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// find returns the first event of kind and the state recorded with it.
func (r *recorder) find(kind EventKind) (Event, State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, ev := range r.events {
		if ev.Kind == kind {
			return ev, r.states[i], true
		}
	}
	return Event{}, 0, false
}

func (r *recorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return Event{}
	}
	return r.events[len(r.events)-1]
}

// stanzaSpy records every stanza before passing it on.
type stanzaSpy struct {
	mu   sync.Mutex
	seen []protocol.Stanza
}

func (s *stanzaSpy) HandleStanza(st protocol.Stanza) bool {
	s.mu.Lock()
	s.seen = append(s.seen, st)
	s.mu.Unlock()
	return false
}

// iq returns the IQ with id, if one arrived.
func (s *stanzaSpy) iq(id string) *protocol.IQ {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.seen {
		if iq, ok := st.(*protocol.IQ); ok && iq.ID == id {
			return iq
		}
	}
	return nil
}

func (s *stanzaSpy) waitIQ(t *testing.T, id string) *protocol.IQ {
	t.Helper()
	var iq *protocol.IQ
	require.Eventually(t, func() bool {
		iq = s.iq(id)
		return iq != nil
	}, waitFor, tick, "no reply with id %s", id)
	return iq
}
