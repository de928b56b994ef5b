package s5b

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/s5b/interfaces"
	"github.com/opd-ai/s5b/protocol"
	"github.com/opd-ai/s5b/transport"
)

// errQueryTimeout is reported to a pending query that got no answer in time.
var errQueryTimeout = errors.New("query timed out")

// IncomingHandler is called for every new inbound session. The handler must
// eventually call Accept or Reject on it.
type IncomingHandler func(s *Session)

// Manager coordinates every session of one account. It implements
// interfaces.StanzaHandler; the stanza transport must deliver inbound
// stanzas to HandleStanza.
type Manager struct {
	cfg       Config
	transport interfaces.IStanzaTransport
	racer     *transport.Racer
	proxies   *proxyCache

	mu         sync.Mutex
	sessions   map[*Session]struct{}
	pending    map[string]*pendingQuery
	onIncoming IncomingHandler
	closed     bool

	established atomic.Uint64
	failed      atomic.Uint64
}

type pendingQuery struct {
	to    string
	cb    func(*protocol.IQ, error)
	timer *time.Timer
}

// ManagerStats summarizes a manager's sessions.
type ManagerStats struct {
	Sessions    int
	Active      int
	Established uint64
	Failed      uint64
	Pending     int
}

// NewManager creates a manager for cfg.JID that sends stanzas through tr.
func NewManager(cfg Config, tr interfaces.IStanzaTransport) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tr == nil {
		return nil, fmt.Errorf("%w: nil stanza transport", ErrInvalidConfig)
	}
	m := &Manager{
		cfg:       cfg,
		transport: tr,
		racer:     cfg.newRacer(),
		sessions:  make(map[*Session]struct{}),
		pending:   make(map[string]*pendingQuery),
	}
	m.proxies = newProxyCache(m.discoverProxy)

	logrus.WithFields(logrus.Fields{
		"function":   "NewManager",
		"jid":        cfg.JID,
		"proxy":      cfg.Proxy,
		"symmetric":  cfg.Symmetric,
		"simulation": tr.IsSimulation(),
	}).Info("Bytestream manager created")
	return m, nil
}

// JID returns the account this manager serves.
func (m *Manager) JID() string { return m.cfg.JID }

// Server returns the shared session server, which may be nil.
func (m *Manager) Server() *transport.Server { return m.cfg.Server }

// OnIncoming sets the handler for inbound sessions. Without one, inbound
// requests are refused.
func (m *Manager) OnIncoming(h IncomingHandler) {
	m.mu.Lock()
	m.onIncoming = h
	m.mu.Unlock()
}

// Open starts an outbound session to peer. An empty sid is replaced by a
// generated one. Open returns immediately; observers passed here see every
// event of the session, and Session.Wait blocks for the outcome.
func (m *Manager) Open(peer, sid string, mode protocol.Mode, observers ...Observer) (*Session, error) {
	if peer == "" {
		return nil, fmt.Errorf("%w: empty peer", ErrInvalidState)
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if sid == "" {
		sid = m.generateSIDLocked(peer)
	} else if !m.acceptableSIDLocked(peer, sid) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s with %s", ErrSIDInUse, sid, peer)
	}
	s := newSession(m, RoleInitiator, peer, sid, mode)
	s.observers = append(s.observers, observers...)
	m.sessions[s] = struct{}{}
	m.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"function": "Manager.Open",
		"mode":     mode.String(),
	}).Info("Opening bytestream session")
	s.start()
	s.post(s.begin)
	return s, nil
}

// Accept lets an inbound session start negotiating.
func (m *Manager) Accept(s *Session) error { return s.Accept() }

// Reject declines an inbound session.
func (m *Manager) Reject(s *Session) error { return s.Reject() }

// CloseSession tears down one session.
func (m *Manager) CloseSession(s *Session) error { return s.Close() }

// GenerateSID returns a session id not in use with peer.
func (m *Manager) GenerateSID(peer string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generateSIDLocked(peer)
}

func (m *Manager) generateSIDLocked(peer string) string {
	for {
		sid := newSID()
		if m.acceptableSIDLocked(peer, sid) {
			return sid
		}
	}
}

// acceptableSIDLocked checks both key directions so that no session of any
// manager sharing the server already routes them.
func (m *Manager) acceptableSIDLocked(peer, sid string) bool {
	if m.findLocked(peer, sid) != nil {
		return false
	}
	if srv := m.cfg.Server; srv != nil {
		if srv.HasRoute(protocol.Hash(sid, m.cfg.JID, peer)) || srv.HasRoute(protocol.Hash(sid, peer, m.cfg.JID)) {
			return false
		}
	}
	return true
}

func (m *Manager) findLocked(peer, sid string) []*Session {
	var out []*Session
	for s := range m.sessions {
		if s.SID() == sid && protocol.SameJID(s.peer, peer) {
			out = append(out, s)
		}
	}
	return out
}

// Sessions returns the sessions currently owned by the manager.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Find returns the session with peer and sid in the given role.
func (m *Manager) Find(peer, sid string, role Role) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.findLocked(peer, sid) {
		if s.role == role {
			return s
		}
	}
	return nil
}

// GetStats returns counters for monitoring.
func (m *Manager) GetStats() ManagerStats {
	m.mu.Lock()
	st := ManagerStats{Sessions: len(m.sessions), Pending: len(m.pending)}
	for s := range m.sessions {
		if s.State() == StateActive {
			st.Active++
		}
	}
	m.mu.Unlock()
	st.Established = m.established.Load()
	st.Failed = m.failed.Load()
	return st
}

// OnEvent is the manager's own bookkeeping observer of its sessions.
func (m *Manager) OnEvent(ev Event) {
	switch ev.Kind {
	case EventConnected:
		m.established.Add(1)
	case EventFailed:
		m.failed.Add(1)
	}
}

// Close tears down every session, as on account disconnect. Active streams
// get the same bounded drain as Session.Close.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			_ = s.Close()
		}(s)
	}
	wg.Wait()

	m.mu.Lock()
	for id, p := range m.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(m.pending, id)
	}
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Manager.Close",
		"jid":      m.cfg.JID,
		"sessions": len(sessions),
	}).Info("Bytestream manager closed")
	return nil
}

// release drops s from the registry.
func (m *Manager) release(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s)
	m.mu.Unlock()
}

// HandleStanza implements interfaces.StanzaHandler.
func (m *Manager) HandleStanza(st protocol.Stanza) bool {
	switch v := st.(type) {
	case *protocol.IQ:
		switch v.Type {
		case protocol.TypeResult, protocol.TypeError:
			return m.resolve(v)
		case protocol.TypeSet:
			if protocol.IsRequest(v) {
				m.handleRequest(v)
				return true
			}
		}
	case *protocol.Message:
		switch {
		case v.UDPSuccess != nil:
			m.handleUDPSuccess(v)
			return true
		case v.Activate != nil:
			m.handleFastActivate(v)
			return true
		}
	}
	return false
}

func (m *Manager) handleRequest(iq *protocol.IQ) {
	log := logrus.WithFields(logrus.Fields{
		"function": "Manager.handleRequest",
		"from":     iq.From,
		"id":       iq.ID,
	})
	req, err := protocol.ParseRequest(iq)
	if err != nil {
		log.WithField("error", err.Error()).Warn("Malformed bytestream request")
		m.send(protocol.NewErrorReply(iq.From, iq.ID, protocol.CodeBadRequest, "Bad request"))
		return
	}
	log = log.WithField("sid", req.SID)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.send(protocol.NewErrorReply(req.From, req.ID, protocol.CodeNotAcceptable, protocol.TextNotAcceptable))
		return
	}
	var initiator *Session
	for _, s := range m.findLocked(req.From, req.SID) {
		if s.role == RoleTarget {
			m.mu.Unlock()
			log.Warn("Duplicate request for active sid")
			m.send(protocol.NewErrorReply(req.From, req.ID, protocol.CodeNotAcceptable, protocol.TextSIDInUse))
			return
		}
		initiator = s
	}
	loopback := protocol.SameJID(req.From, m.cfg.JID)
	if initiator != nil && !loopback {
		m.mu.Unlock()
		refuse := func() {
			m.send(protocol.NewErrorReply(req.From, req.ID, protocol.CodeNotAcceptable, protocol.TextSIDInUse))
		}
		posted := initiator.post(func() {
			if initiator.exited {
				refuse()
				return
			}
			initiator.driver.peerOffer(initiator, req)
		})
		if !posted {
			refuse()
		}
		return
	}
	if len(req.Hosts) == 0 && !(req.Fast && m.cfg.Symmetric) {
		m.mu.Unlock()
		log.Warn("Request without usable streamhosts")
		m.send(protocol.NewErrorReply(req.From, req.ID, protocol.CodeNotImplemented, protocol.TextNoStreamHosts))
		return
	}
	handler := m.onIncoming
	if handler == nil {
		m.mu.Unlock()
		log.Debug("No incoming handler, refusing request")
		m.send(protocol.NewErrorReply(req.From, req.ID, protocol.CodeNotAcceptable, protocol.TextNotAcceptable))
		return
	}

	s := newSession(m, RoleTarget, req.From, req.SID, req.Mode)
	s.neg.inHosts = req.Hosts
	s.neg.inID = req.ID
	s.neg.fast = req.Fast
	s.received = append([]protocol.Candidate(nil), req.Hosts...)
	m.sessions[s] = struct{}{}
	m.mu.Unlock()

	log.WithFields(logrus.Fields{
		"candidates": len(req.Hosts),
		"mode":       req.Mode.String(),
		"fast":       req.Fast,
	}).Info("Incoming bytestream request")
	s.start()
	handler(s)
}

func (m *Manager) handleUDPSuccess(msg *protocol.Message) {
	key := protocol.HashKey(msg.UDPSuccess.DstAddr)
	m.mu.Lock()
	var target *Session
	for s := range m.sessions {
		if s.keySelf == key || s.keyPeer == key {
			target = s
			break
		}
	}
	m.mu.Unlock()
	if target == nil {
		return
	}
	from := msg.From
	target.post(func() { target.udpSuccess(key, from) })
}

func (m *Manager) handleFastActivate(msg *protocol.Message) {
	sid, streamHost := msg.Activate.SID, msg.Activate.JID
	s := m.Find(msg.From, sid, RoleTarget)
	if s == nil {
		return
	}
	s.post(func() {
		if !s.exited {
			s.driver.fastActivate(s, streamHost)
		}
	})
}

// request sends iq and calls cb with the answer. A positive timeout bounds
// the wait. cb runs on a transport or timer goroutine.
func (m *Manager) request(iq *protocol.IQ, timeout time.Duration, cb func(*protocol.IQ, error)) {
	p := &pendingQuery{to: iq.To, cb: cb}
	m.mu.Lock()
	m.pending[iq.ID] = p
	if timeout > 0 {
		id := iq.ID
		p.timer = getTimeProvider(m.cfg.TimeProvider).AfterFunc(timeout, func() {
			if m.take(id) != nil {
				cb(nil, fmt.Errorf("%w: %s", errQueryTimeout, iq.To))
			}
		})
	}
	m.mu.Unlock()

	if err := m.sendErr(iq); err != nil {
		if m.take(iq.ID) != nil {
			cb(nil, err)
		}
	}
}

func (m *Manager) take(id string) *pendingQuery {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[id]
	if !ok {
		return nil
	}
	delete(m.pending, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

// forget drops pending queries whose answers no longer matter.
func (m *Manager) forget(ids ...string) {
	for _, id := range ids {
		if id != "" {
			m.take(id)
		}
	}
}

func (m *Manager) resolve(iq *protocol.IQ) bool {
	m.mu.Lock()
	p, ok := m.pending[iq.ID]
	if !ok || (iq.From != "" && !protocol.SameJID(iq.From, p.to)) {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()
	if m.take(iq.ID) == nil {
		return false
	}
	p.cb(iq, nil)
	return true
}

// discoverProxy asks a proxy JID for its address.
func (m *Manager) discoverProxy(ctx context.Context, proxyJID string) (protocol.Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.QueryTimeout)
	defer cancel()

	type answer struct {
		iq  *protocol.IQ
		err error
	}
	ch := make(chan answer, 1)
	iq := protocol.NewProxyQuery(proxyJID, newStanzaID())
	m.request(iq, m.cfg.QueryTimeout, func(resp *protocol.IQ, err error) {
		ch <- answer{resp, err}
	})

	select {
	case a := <-ch:
		if a.err != nil {
			return protocol.Candidate{}, a.err
		}
		if a.iq.Type == protocol.TypeError {
			return protocol.Candidate{}, remoteError(a.iq)
		}
		return protocol.ParseProxyInfo(a.iq)
	case <-ctx.Done():
		m.forget(iq.ID)
		return protocol.Candidate{}, ctx.Err()
	}
}

// ProxyInfo returns the address of the configured proxy, discovering it if
// it is not cached.
func (m *Manager) ProxyInfo(ctx context.Context) (protocol.Candidate, error) {
	if m.cfg.Proxy == "" {
		return protocol.Candidate{}, fmt.Errorf("%w: no proxy configured", ErrProxyFailed)
	}
	info, err := m.proxies.Lookup(ctx, m.cfg.Proxy)
	if err != nil {
		return protocol.Candidate{}, fmt.Errorf("%w: %v", ErrProxyFailed, err)
	}
	return info, nil
}

func (m *Manager) sendErr(st protocol.Stanza) error {
	st.Head().From = m.cfg.JID
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.QueryTimeout)
	defer cancel()
	return m.transport.SendStanza(ctx, st)
}

// send delivers a stanza whose failure only merits a log line.
func (m *Manager) send(st protocol.Stanza) {
	if err := m.sendErr(st); err != nil {
		h := st.Head()
		logrus.WithFields(logrus.Fields{
			"function": "Manager.send",
			"to":       h.To,
			"id":       h.ID,
			"error":    err.Error(),
		}).Warn("Failed to send stanza")
	}
}

// sessionRoute adapts a Session to transport.Owner.
type sessionRoute struct{ s *Session }

func (r sessionRoute) AllowIncoming(key protocol.HashKey, cmd transport.Command) bool {
	if key != r.s.keySelf || !r.s.allowIncoming.Load() {
		return false
	}
	if r.s.mode == protocol.ModeDatagram {
		return cmd == transport.CommandUDPAssociate
	}
	return cmd == transport.CommandConnect
}

func (r sessionRoute) IncomingStream(_ protocol.HashKey, cmd transport.Command, conn net.Conn) {
	s := r.s
	if !s.post(func() { s.incoming(conn, cmd) }) {
		_ = conn.Close()
	}
}

func (r sessionRoute) IncomingDatagram(_ protocol.HashKey, init bool, from *net.UDPAddr, payload []byte) {
	s := r.s
	s.post(func() { s.incomingDatagram(init, from, payload) })
}
