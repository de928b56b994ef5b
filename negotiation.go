package s5b

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/s5b/limits"
	"github.com/opd-ai/s5b/protocol"
	"github.com/opd-ai/s5b/transport"
)

// activationByte is written by the initiator on the winning stream in fast mode.
const activationByte = '\r'

type targetMode uint8

const (
	targetUnknown targetMode = iota
	targetNotFast
	targetFast
)

// leg is one transport a session holds while it negotiates.
type leg struct {
	cand     protocol.Candidate
	conn     net.Conn
	dgram    *transport.DatagramConn
	inbound  bool
	watching bool
}

func (l *leg) close() {
	if l == nil {
		return
	}
	if l.dgram != nil {
		_ = l.dgram.Close()
		return
	}
	if l.conn != nil {
		_ = l.conn.Close()
	}
}

// negotiation is the state of one session's candidate exchange. It is only
// touched from the session goroutine.
type negotiation struct {
	fast       bool
	targetMode targetMode
	proxy      *protocol.Candidate
	direct     bool
	routed     bool

	inHosts []protocol.Candidate
	inID    string
	outID   string

	lateProxy    bool
	connSuccess  bool
	localFailed  bool
	remoteFailed bool
	remoteErr    error

	race       *transport.Race
	proxyRace  *transport.Race
	proxyActID string
	selfUsed   bool

	client    *leg
	clientOut *leg

	activated       bool
	activatedStream string
	udpIn           *serverDatagram
}

func (n *negotiation) proxyBusy() bool {
	return n.proxyRace != nil || n.proxyActID != ""
}

// withOwnProxy resolves the configured proxy, then runs next. When required
// is set a discovery failure fails the session; otherwise the session goes
// on without a proxy.
func (s *Session) withOwnProxy(required bool, next func()) {
	cfg := &s.mgr.cfg
	if !cfg.proxyEnabled() {
		next()
		return
	}
	s.emit(Event{Kind: EventProxyQuery})
	proxyJID := cfg.Proxy
	ctx := s.ctx
	go func() {
		info, err := s.mgr.proxies.Lookup(ctx, proxyJID)
		s.post(func() {
			if s.exited {
				return
			}
			s.emit(Event{Kind: EventProxyResult, OK: err == nil})
			if err != nil {
				if required {
					s.fail(fmt.Errorf("%w: discovery of %s: %v", ErrProxyFailed, proxyJID, err))
					return
				}
				s.log.WithFields(logrus.Fields{
					"function": "Session.withOwnProxy",
					"proxy":    proxyJID,
					"error":    err.Error(),
				}).Warn("Proxy discovery failed, continuing without proxy")
				next()
				return
			}
			// streamhost-used carries the JID we asked, whatever the proxy calls itself
			info.JID = proxyJID
			s.neg.proxy = &info
			next()
		})
	}()
}

// sendOffer sends our own candidates. A target with nothing to offer falls
// back to plain mode and reports false.
func (s *Session) sendOffer() bool {
	n := &s.neg
	self := s.self()

	var hosts []protocol.Candidate
	if srv := s.mgr.cfg.Server; srv != nil && srv.IsActive() && !protocol.HasJID(n.inHosts, self) {
		hosts = srv.Candidates(self)
	}
	room := limits.MaxStreamHosts
	if n.proxy != nil {
		room--
	}
	if len(hosts) > room {
		hosts = hosts[:room]
	}
	n.direct = len(hosts) > 0
	if n.proxy != nil {
		hosts = append(hosts, *n.proxy)
	}

	if s.role == RoleTarget && len(hosts) == 0 {
		n.fast = false
		return false
	}

	if n.direct {
		if err := s.mgr.cfg.Server.Register(s.keySelf, sessionRoute{s}); err != nil {
			s.fail(fmt.Errorf("%w: %v", ErrSIDInUse, err))
			return false
		}
		n.routed = true
		s.allowIncoming.Store(true)
	}

	s.mu.Lock()
	s.offered = append([]protocol.Candidate(nil), hosts...)
	s.mu.Unlock()

	id := newStanzaID()
	n.outID = id
	iq := protocol.NewRequest(s.peer, id, s.SID(), hosts, s.mode, s.role == RoleInitiator && n.fast)

	s.log.WithFields(logrus.Fields{
		"function":   "Session.sendOffer",
		"candidates": len(hosts),
		"fast":       n.fast,
	}).Debug("Offering candidates")

	if s.role == RoleInitiator {
		s.setState(StateRequesting)
		s.emit(Event{Kind: EventRequesting})
	}
	s.mgr.request(iq, 0, func(resp *protocol.IQ, err error) {
		s.post(func() {
			if s.exited || n.outID != id {
				return
			}
			s.offerAnswered(resp, err)
		})
	})
	return true
}

// offerAnswered handles the peer's answer to our own request.
func (s *Session) offerAnswered(resp *protocol.IQ, err error) {
	n := &s.neg
	n.outID = ""

	ok := err == nil && resp != nil && resp.Type == protocol.TypeResult
	if s.role == RoleInitiator {
		if n.targetMode == targetUnknown {
			n.targetMode = targetNotFast
			if ok {
				s.emit(Event{Kind: EventAccepted})
			}
		}
		if n.connSuccess {
			s.driver.activate(s)
			return
		}
	}

	if !ok {
		n.remoteFailed = true
		switch {
		case err != nil:
			n.remoteErr = fmt.Errorf("%w: %v", ErrNegotiationRejected, err)
		default:
			n.remoteErr = remoteError(resp)
		}
		s.log.WithFields(logrus.Fields{
			"function": "Session.offerAnswered",
			"error":    n.remoteErr.Error(),
		}).Debug("Peer refused our candidates")
		if n.lateProxy {
			if n.race == nil {
				s.raceIncoming()
			}
			return
		}
		if n.connSuccess {
			s.driver.checkActivation(s)
		} else {
			s.checkFailure()
		}
		return
	}

	used, perr := protocol.StreamHostUsedJID(resp)
	if perr != nil {
		s.fail(fmt.Errorf("%w: %v", ErrNegotiationRejected, perr))
		return
	}
	s.mu.Lock()
	offered := append([]protocol.Candidate(nil), s.offered...)
	s.mu.Unlock()

	// the peer connected to one of ours, so our own attempts are moot
	if n.race != nil || n.lateProxy {
		if n.race != nil {
			n.race.Cancel()
			n.race = nil
		}
		n.lateProxy = false
		s.connectError()
		if s.exited {
			return
		}
	}

	switch {
	case n.direct && protocol.SameJID(used, s.self()):
		if n.client == nil {
			// the stanza overtook the connection it reports
			n.selfUsed = true
			return
		}
		s.driver.ownHostUsed(s)
	case n.proxy != nil && protocol.SameJID(used, n.proxy.JID) && protocol.HasJID(offered, used):
		s.connectProxy()
	default:
		s.fail(fmt.Errorf("%w: %s", ErrWrongHost, used))
	}
}

// raceIncoming races the peer's candidates. In fast mode without an own
// proxy, direct candidates go first and the peer's proxies are held back
// until our own offer has failed.
func (s *Session) raceIncoming() {
	n := &s.neg
	if len(n.inHosts) == 0 {
		s.connectError()
		return
	}

	timeout := s.mgr.cfg.ConnectTimeout
	var list []protocol.Candidate
	if n.lateProxy {
		n.lateProxy = false
		for _, c := range n.inHosts {
			if c.IsProxy {
				list = append(list, c)
			}
		}
		timeout = s.mgr.cfg.LateProxyTimeout
	} else {
		list = protocol.DirectFirst(n.inHosts)
		if n.fast && n.proxy == nil && protocol.HasProxy(list) {
			n.lateProxy = true
			direct := list[:0:0]
			for _, c := range list {
				if !c.IsProxy {
					direct = append(direct, c)
				}
			}
			list = direct
		}
	}

	s.advance(StateConnecting)
	if len(list) == 0 {
		return
	}

	s.emit(Event{Kind: EventTryingHosts, Hosts: append([]protocol.Candidate(nil), list...)})
	race := s.mgr.racer.Start(s.ctx, list, s.keyPeer, s.mode, timeout)
	n.race = race
	go func() {
		<-race.Done()
		s.post(func() { s.raceDone(race) })
	}()
}

func (s *Session) raceDone(race *transport.Race) {
	n := &s.neg
	if s.exited || n.race != race {
		return
	}
	n.race = nil

	res, err := race.Result()
	if err == nil {
		n.connSuccess = true
		if n.inID != "" {
			s.mgr.send(protocol.NewStreamHostUsed(s.peer, n.inID, res.Candidate.JID))
			n.inID = ""
		}
		n.lateProxy = false
		s.log.WithFields(logrus.Fields{
			"function":  "Session.raceDone",
			"candidate": res.Candidate.JID,
		}).Debug("Connected to peer candidate")
		s.driver.outboundConnected(s, &leg{cand: res.Candidate, conn: res.Conn, dgram: res.Datagram})
		return
	}

	s.log.WithFields(logrus.Fields{
		"function": "Session.raceDone",
		"error":    err.Error(),
	}).Debug("Could not reach peer candidates")
	if n.lateProxy {
		if n.remoteFailed {
			s.raceIncoming()
		}
		return
	}
	s.connectError()
}

// connectError tells the peer we could not use its candidates.
func (s *Session) connectError() {
	n := &s.neg
	n.localFailed = true
	if n.inID != "" {
		s.mgr.send(protocol.NewErrorReply(s.peer, n.inID, protocol.CodeNotFound, protocol.TextCouldNotConnect))
		n.inID = ""
	}
	s.checkFailure()
}

func (s *Session) checkFailure() {
	if err := s.driver.failure(&s.neg); err != nil {
		s.fail(err)
	}
}

// connectProxy connects to our own proxy after the peer reported using it.
func (s *Session) connectProxy() {
	n := &s.neg
	if n.client != nil {
		n.client.close()
		n.client = nil
	}
	s.allowIncoming.Store(false)
	if s.role == RoleInitiator {
		s.advance(StateConnecting, StateActivating)
	}
	s.emit(Event{Kind: EventProxyConnect, Candidate: *n.proxy})

	race := s.mgr.racer.Start(s.ctx, []protocol.Candidate{*n.proxy}, s.keySelf, s.mode, s.mgr.cfg.ConnectTimeout)
	n.proxyRace = race
	go func() {
		<-race.Done()
		s.post(func() { s.proxyConnected(race) })
	}()
}

func (s *Session) proxyConnected(race *transport.Race) {
	n := &s.neg
	if s.exited || n.proxyRace != race {
		return
	}
	n.proxyRace = nil

	res, err := race.Result()
	if err != nil {
		// the cached address may be stale; the next session rediscovers it
		s.mgr.proxies.Forget(n.proxy.JID)
		s.fail(fmt.Errorf("%w: connect to %s: %v", ErrProxyFailed, n.proxy.JID, err))
		return
	}
	n.client = &leg{cand: res.Candidate, conn: res.Conn, dgram: res.Datagram}

	id := newStanzaID()
	n.proxyActID = id
	s.log.WithFields(logrus.Fields{
		"function": "Session.proxyConnected",
		"proxy":    n.proxy.JID,
	}).Debug("Requesting proxy activation")
	s.mgr.request(protocol.NewActivation(n.proxy.JID, id, s.SID(), s.peer), s.mgr.cfg.ActivationTimeout, func(resp *protocol.IQ, err error) {
		s.post(func() {
			if s.exited || n.proxyActID != id {
				return
			}
			s.proxyActivated(resp, err)
		})
	})
}

func (s *Session) proxyActivated(resp *protocol.IQ, err error) {
	n := &s.neg
	n.proxyActID = ""
	if err != nil {
		s.mgr.proxies.Forget(n.proxy.JID)
		s.fail(fmt.Errorf("%w: activation: %v", ErrProxyFailed, err))
		return
	}
	if resp.Type != protocol.TypeResult {
		s.fail(fmt.Errorf("%w: activation: %w", ErrProxyFailed, remoteError(resp)))
		return
	}
	n.activatedStream = n.proxy.JID
	s.log.WithFields(logrus.Fields{
		"function": "Session.proxyActivated",
		"proxy":    n.proxy.JID,
	}).Debug("Proxy activated")
	s.driver.proxyActivated(s)
}

// incoming adopts a connection the server routed to our key.
func (s *Session) incoming(conn net.Conn, cmd transport.Command) {
	n := &s.neg
	if s.exited || n.activated || n.client != nil {
		_ = conn.Close()
		return
	}
	s.allowIncoming.Store(false)
	n.client = &leg{cand: s.ownCandidate(), conn: conn, inbound: true}
	if cmd == transport.CommandUDPAssociate {
		n.udpIn = newServerDatagram(s.mgr.cfg.Server, s.keySelf)
	}
	s.log.WithFields(logrus.Fields{
		"function": "Session.incoming",
		"remote":   conn.RemoteAddr().String(),
	}).Debug("Peer connected to our streamhost")

	if n.selfUsed {
		n.selfUsed = false
		s.driver.ownHostUsed(s)
		return
	}
	s.driver.incomingConnected(s)
}

// incomingDatagram handles a UDP packet routed to our key.
func (s *Session) incomingDatagram(init bool, from *net.UDPAddr, payload []byte) {
	n := &s.neg
	if s.exited || n.udpIn == nil {
		return
	}
	if init {
		if n.udpIn.lock(from) {
			s.log.WithFields(logrus.Fields{
				"function": "Session.incomingDatagram",
				"from":     from.String(),
			}).Debug("Datagram client locked on")
			s.mgr.send(protocol.NewUDPSuccess(s.peer, s.keySelf))
		}
		return
	}
	if !n.udpIn.from(from) {
		s.log.WithFields(logrus.Fields{
			"function": "Session.incomingDatagram",
			"from":     from.String(),
		}).Warn("Dropping datagram from unexpected address")
		return
	}
	if s.State() != StateActive {
		return
	}
	n.udpIn.deliver(payload)
}

// udpSuccess forwards a streamhost's init confirmation to the race using key.
func (s *Session) udpSuccess(key protocol.HashKey, streamHost string) {
	n := &s.neg
	if s.exited {
		return
	}
	if key == s.keyPeer && n.race != nil {
		n.race.NotifyUDPSuccess(streamHost)
	}
	if key == s.keySelf && n.proxyRace != nil {
		n.proxyRace.NotifyUDPSuccess(streamHost)
	}
}

func (s *Session) ownCandidate() protocol.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.offered {
		if !c.IsProxy {
			return c
		}
	}
	return protocol.Candidate{JID: s.self()}
}

// watchActivation waits for the activation byte on a fast-mode stream.
func (s *Session) watchActivation(l *leg) {
	if l.watching || l.conn == nil {
		return
	}
	l.watching = true
	go func() {
		var b [1]byte
		_, err := io.ReadFull(l.conn, b[:])
		s.post(func() { s.activationRead(l, b[0], err) })
	}()
}

func (s *Session) activationRead(l *leg, b byte, err error) {
	n := &s.neg
	if s.exited || n.activated || (l != n.client && l != n.clientOut) {
		return
	}
	if err == nil && b == activationByte {
		s.finish(l)
		return
	}

	fields := logrus.Fields{"function": "Session.activationRead", "candidate": l.cand.JID}
	if err != nil {
		fields["error"] = err.Error()
	} else {
		fields["byte"] = b
	}
	s.log.WithFields(fields).Warn("Discarding stream without activation")
	l.close()
	if l == n.client {
		n.client = nil
	} else {
		n.clientOut = nil
	}
	if n.client == nil && n.clientOut == nil && n.race == nil && !n.proxyBusy() && n.outID == "" {
		s.fail(fmt.Errorf("%w: no stream was activated", ErrConnectFailed))
	}
}

// finish makes l the session transport and releases everything else.
func (s *Session) finish(l *leg) {
	n := &s.neg
	n.activated = true
	s.allowIncoming.Store(false)

	for _, r := range []*transport.Race{n.race, n.proxyRace} {
		if r != nil {
			r.Cancel()
		}
	}
	n.race, n.proxyRace = nil, nil
	for _, other := range []*leg{n.client, n.clientOut} {
		if other != nil && other != l {
			other.close()
		}
	}
	n.client, n.clientOut = nil, nil
	s.mgr.forget(n.outID, n.proxyActID)
	n.outID, n.proxyActID = "", ""

	var udpIn *serverDatagram
	if l.inbound && n.udpIn != nil {
		udpIn = n.udpIn
	} else {
		if n.udpIn != nil {
			n.udpIn.close()
			n.udpIn = nil
		}
		s.unroute()
	}

	conn := newConn(s, l, udpIn)
	if s.role == RoleTarget {
		s.advance(StateConnecting, StateWaitingForAccept, StateActive)
	} else {
		s.advance(StateConnecting, StateActive)
	}
	cand := l.cand
	s.mu.Lock()
	s.conn = conn
	s.chosen = &cand
	s.mu.Unlock()
	s.markReady()
	conn.start()

	s.log.WithFields(logrus.Fields{
		"function":  "Session.finish",
		"candidate": cand.JID,
		"proxy":     cand.IsProxy,
		"mode":      s.mode.String(),
	}).Info("Session active")
	s.emit(Event{Kind: EventConnected, Candidate: cand})
}

// waiting reports a transport that is up but not yet activated.
func (s *Session) waiting() {
	n := &s.neg
	if n.activated || !(n.connSuccess || n.localFailed) || n.proxyBusy() {
		return
	}
	if s.State() == StateConnecting && s.setState(StateWaitingForAccept) {
		s.emit(Event{Kind: EventWaitingForActivation})
	}
}

func (s *Session) unroute() {
	n := &s.neg
	if n.routed {
		s.mgr.cfg.Server.Unregister(s.keySelf)
		n.routed = false
	}
}

// teardown releases every socket, race, route and pending query. A request
// from the peer that was never answered gets an error reply.
func (s *Session) teardown(cause error) {
	n := &s.neg
	s.allowIncoming.Store(false)
	s.cancel()
	for _, r := range []*transport.Race{n.race, n.proxyRace} {
		if r != nil {
			r.Cancel()
		}
	}
	n.race, n.proxyRace = nil, nil
	n.client.close()
	n.clientOut.close()
	n.client, n.clientOut = nil, nil
	if n.udpIn != nil {
		n.udpIn.close()
		n.udpIn = nil
	}
	s.unroute()
	s.mgr.forget(n.outID, n.proxyActID)
	n.outID, n.proxyActID = "", ""

	if n.inID != "" {
		code, text := protocol.CodeNotAcceptable, protocol.TextNotAcceptable
		if errors.Is(cause, ErrConnectTimeout) {
			code, text = protocol.CodeNotFound, protocol.TextTimedOut
		}
		s.mgr.send(protocol.NewErrorReply(s.peer, n.inID, code, text))
		n.inID = ""
	}
}

// writeActivation sends the fast-mode activation byte on l.
func writeActivation(l *leg) error {
	if l.conn == nil {
		return fmt.Errorf("%w: no stream to activate", ErrConnectFailed)
	}
	_ = l.conn.SetWriteDeadline(time.Now().Add(limits.DefaultQueryTimeout))
	defer l.conn.SetWriteDeadline(time.Time{})
	if _, err := l.conn.Write([]byte{activationByte}); err != nil {
		return fmt.Errorf("%w: write activation: %v", ErrConnectFailed, err)
	}
	return nil
}
