package s5b

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/s5b/protocol"
)

// State is the position of a Session in its negotiation.
type State uint8

const (
	// StateIdle is the state before negotiation starts and after a clean close.
	StateIdle State = iota
	// StateRequesting means the candidate offer was sent and no answer arrived yet.
	StateRequesting
	// StateConnecting means candidates are being raced.
	StateConnecting
	// StateWaitingForAccept means the target holds a working transport and
	// waits for the initiator to activate it.
	StateWaitingForAccept
	// StateActivating means the initiator is activating the chosen proxy.
	StateActivating
	// StateActive means the Conn is usable.
	StateActive
	// StateClosing means an active session is shutting down.
	StateClosing
	// StateFailed is terminal for a negotiation that never became active.
	StateFailed
)

// String returns a readable name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateConnecting:
		return "connecting"
	case StateWaitingForAccept:
		return "waiting-for-accept"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

var transitions = map[State][]State{
	StateIdle:             {StateRequesting, StateConnecting, StateFailed},
	StateRequesting:       {StateConnecting, StateFailed},
	StateConnecting:       {StateWaitingForAccept, StateActivating, StateActive, StateFailed},
	StateWaitingForAccept: {StateActive, StateFailed},
	StateActivating:       {StateActive, StateFailed},
	StateActive:           {StateClosing},
	StateClosing:          {StateIdle},
}

// CanTransition reports whether a session may move from one state to another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Role tells which side of the negotiation a Session plays.
type Role uint8

const (
	// RoleInitiator proposes the session.
	RoleInitiator Role = iota
	// RoleTarget receives the proposal.
	RoleTarget
)

// String returns a readable name.
func (r Role) String() string {
	if r == RoleTarget {
		return "target"
	}
	return "initiator"
}

// Session is one negotiation, owned by the Manager that created it. Its
// negotiation state is confined to a single goroutine; everything else
// reaches it by posting work to that goroutine.
type Session struct {
	mgr    *Manager
	key    protocol.SessionKey
	role   Role
	peer   string
	mode   protocol.Mode
	driver SessionDriver
	log    *logrus.Entry

	// keySelf routes connections to our own hosts; keyPeer is presented to
	// the peer's hosts.
	keySelf protocol.HashKey
	keyPeer protocol.HashKey

	ctx    context.Context
	cancel context.CancelFunc

	postMu  sync.Mutex
	queue   []func()
	sealed  bool
	wake    chan struct{}
	done    chan struct{}
	ready   chan struct{}
	readyMu sync.Once

	allowIncoming atomic.Bool

	// observing counts observer calls in progress on the session goroutine
	observing atomic.Int32

	mu        sync.Mutex
	state     State
	err       error
	chosen    *protocol.Candidate
	offered   []protocol.Candidate
	received  []protocol.Candidate
	conn      *Conn
	observers []Observer
	silenced  bool
	decided   bool
	created   time.Time

	// owned by the session goroutine
	neg    negotiation
	exited bool
}

func newSession(m *Manager, role Role, peer, sid string, mode protocol.Mode) *Session {
	self := m.cfg.JID
	key := protocol.SessionKey{Initiator: self, Target: peer, SID: sid}
	driver := SessionDriver(InitiatorFlow{})
	if role == RoleTarget {
		key = protocol.SessionKey{Initiator: peer, Target: self, SID: sid}
		driver = TargetFlow{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		mgr:     m,
		key:     key,
		role:    role,
		peer:    peer,
		mode:    mode,
		driver:  driver,
		keySelf: protocol.Hash(sid, self, peer),
		keyPeer: protocol.Hash(sid, peer, self),
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		ready:   make(chan struct{}),
		created: getTimeProvider(m.cfg.TimeProvider).Now(),
	}
	s.log = logrus.WithFields(logrus.Fields{
		"sid":  sid,
		"peer": peer,
		"role": role.String(),
	})
	return s
}

// Key returns the session key.
func (s *Session) Key() protocol.SessionKey { return s.key }

// SID returns the session id.
func (s *Session) SID() string { return s.key.SID }

// Peer returns the JID of the other party.
func (s *Session) Peer() string { return s.peer }

// Role returns the side this session plays.
func (s *Session) Role() Role { return s.role }

// Mode returns the transport mode.
func (s *Session) Mode() protocol.Mode { return s.mode }

// Created returns the creation time.
func (s *Session) Created() time.Time { return s.created }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal error, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Chosen returns the candidate carrying the session once it is active.
func (s *Session) Chosen() (protocol.Candidate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chosen == nil {
		return protocol.Candidate{}, false
	}
	return *s.chosen, true
}

// Offered returns the candidates this side sent to the peer.
func (s *Session) Offered() []protocol.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Candidate(nil), s.offered...)
}

// Received returns the candidates the peer offered.
func (s *Session) Received() []protocol.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Candidate(nil), s.received...)
}

// Conn returns the connection of an active session, or nil.
func (s *Session) Conn() *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Done is closed once the session has released every resource and
// delivered its terminal event.
func (s *Session) Done() <-chan struct{} { return s.done }

// Observe registers o for the events of this session. Observers added after
// the terminal event are never called.
func (s *Session) Observe(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.silenced {
		s.observers = append(s.observers, o)
	}
}

// Wait blocks until the session is active or has failed.
func (s *Session) Wait(ctx context.Context) (*Conn, error) {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateActive && s.conn != nil {
		return s.conn, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, ErrClosed
}

// Accept lets an inbound session start negotiating.
func (s *Session) Accept() error {
	if err := s.decide(); err != nil {
		return err
	}
	if !s.post(s.begin) {
		return ErrClosed
	}
	return nil
}

func (s *Session) begin() {
	if !s.exited {
		s.driver.begin(s)
	}
}

// Reject declines an inbound session.
func (s *Session) Reject() error {
	if err := s.decide(); err != nil {
		return err
	}
	if !s.post(func() { s.fail(fmt.Errorf("%w: rejected locally", ErrDeclined)) }) {
		return ErrClosed
	}
	<-s.done
	return nil
}

func (s *Session) decide() error {
	if s.role != RoleTarget {
		return fmt.Errorf("%w: only an inbound session can be accepted or rejected", ErrInvalidState)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.decided {
		return fmt.Errorf("%w: already decided", ErrInvalidState)
	}
	s.decided = true
	return nil
}

// Close ends the session. A negotiating session fails with ErrClosed. An
// active stream session first lets queued writes reach the socket, for at
// most Config.CloseTimeout, then closes cleanly. Close returns once every
// socket and route is released.
//
// Called from an Observer, Close only schedules the shutdown and returns at
// once: observers run on the session goroutine, which cannot wait for itself.
func (s *Session) Close() error {
	if s.observing.Load() > 0 {
		s.post(func() { s.shutdown(nil) })
		return nil
	}
	s.linger()
	if s.post(func() { s.shutdown(nil) }) {
		<-s.done
	}
	return nil
}

// linger waits for the writer of an active stream to drain its queue.
func (s *Session) linger() {
	c := s.Conn()
	timeout := s.mgr.cfg.CloseTimeout
	if c == nil || timeout <= 0 || s.State() != StateActive {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	if err := c.Flush(ctx); err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "Session.linger",
			"pending":  c.BytesPending(),
			"error":    err.Error(),
		}).Warn("Closing with unsent data")
	}
}

// start launches the session goroutine.
func (s *Session) start() {
	go s.run()
}

func (s *Session) run() {
	defer close(s.done)

	timer := getTimeProvider(s.mgr.cfg.TimeProvider).NewTimer(s.mgr.cfg.SessionTimeout)
	defer timer.Stop()
	deadline := timer.C

	for !s.exited {
		select {
		case <-s.wake:
			s.drain()
		case <-deadline:
			deadline = nil
			if s.State() != StateActive {
				s.log.WithField("function", "Session.run").Warn("Negotiation deadline expired")
				s.fail(ErrConnectTimeout)
			}
		}
		if deadline != nil && s.State() == StateActive {
			timer.Stop()
			deadline = nil
		}
	}

	// late posts run against an exited session so they can release what they carry
	s.postMu.Lock()
	s.sealed = true
	rest := s.queue
	s.queue = nil
	s.postMu.Unlock()
	for _, fn := range rest {
		fn()
	}
}

func (s *Session) drain() {
	for !s.exited {
		s.postMu.Lock()
		batch := s.queue
		s.queue = nil
		s.postMu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			fn()
		}
	}
}

// post queues fn for the session goroutine. It reports false once the
// session has exited; fn is not run in that case.
func (s *Session) post(fn func()) bool {
	s.postMu.Lock()
	if s.sealed {
		s.postMu.Unlock()
		return false
	}
	s.queue = append(s.queue, fn)
	s.postMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// setState moves along an allowed transition.
func (s *Session) setState(to State) bool {
	s.mu.Lock()
	from := s.state
	if !CanTransition(from, to) {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"function": "Session.setState",
		"from":     from.String(),
		"to":       to.String(),
	}).Debug("Session state changed")
	return true
}

// advance walks path, skipping steps that are not reachable from the
// current state.
func (s *Session) advance(path ...State) {
	for _, st := range path {
		if s.State() != st {
			s.setState(st)
		}
	}
}

func (s *Session) emit(ev Event) {
	s.mu.Lock()
	if s.silenced {
		s.mu.Unlock()
		return
	}
	observers := append([]Observer(nil), s.observers...)
	if ev.Kind.Terminal() {
		s.silenced = true
		s.observers = nil
	}
	s.mu.Unlock()

	ev.Session = s
	s.mgr.OnEvent(ev)
	s.observing.Add(1)
	defer s.observing.Add(-1)
	if s.mgr.cfg.Observer != nil {
		s.mgr.cfg.Observer.OnEvent(ev)
	}
	for _, o := range observers {
		o.OnEvent(ev)
	}
}

func (s *Session) markReady() {
	s.readyMu.Do(func() { close(s.ready) })
}

// shutdown handles an explicit close.
func (s *Session) shutdown(err error) {
	if s.exited {
		return
	}
	if s.State() == StateActive {
		s.closeActive(err)
		return
	}
	s.fail(ErrClosed)
}

// fail ends a negotiation. Cleanup happens before the terminal event.
func (s *Session) fail(err error) {
	if s.exited {
		return
	}
	if s.State() == StateActive {
		s.closeActive(fmt.Errorf("%w: %v", ErrStreamError, err))
		return
	}
	s.teardown(err)
	s.mgr.release(s)

	s.mu.Lock()
	s.state = StateFailed
	s.err = err
	s.mu.Unlock()
	s.markReady()

	s.log.WithFields(logrus.Fields{
		"function": "Session.fail",
		"error":    err.Error(),
	}).Error("Negotiation failed")
	s.emit(Event{Kind: EventFailed, Err: err})
	s.exit()
}

// closeActive shuts down an active session.
func (s *Session) closeActive(err error) {
	if s.exited {
		return
	}
	s.setState(StateClosing)
	if c := s.Conn(); c != nil {
		c.shutdown()
	}
	s.teardown(err)
	s.mgr.release(s)
	s.setState(StateIdle)

	s.mu.Lock()
	if err != nil {
		s.err = err
	} else {
		s.err = ErrClosed
	}
	s.mu.Unlock()

	fields := logrus.Fields{"function": "Session.closeActive"}
	if err != nil {
		fields["error"] = err.Error()
	}
	s.log.WithFields(fields).Info("Session closed")
	s.emit(Event{Kind: EventClosed, Err: err})
	s.exit()
}

func (s *Session) exit() {
	s.exited = true
	s.cancel()
}

// streamFailed is called from Conn goroutines on a transport error.
func (s *Session) streamFailed(err error) {
	s.post(func() {
		if s.State() == StateActive {
			s.closeActive(fmt.Errorf("%w: %v", ErrStreamError, err))
		}
	})
}

// peerClosed is called from Conn goroutines when the peer ends the stream.
func (s *Session) peerClosed() {
	s.post(func() {
		if s.State() == StateActive {
			s.closeActive(nil)
		}
	})
}

func (s *Session) self() string { return s.mgr.cfg.JID }
