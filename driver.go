package s5b

import (
	"errors"
	"fmt"

	"github.com/opd-ai/s5b/protocol"
)

// SessionDriver is the role-specific half of a negotiation. A Session picks
// InitiatorFlow or TargetFlow when it is created; both run on the session
// goroutine.
type SessionDriver interface {
	// Role returns the side this driver plays.
	Role() Role

	begin(s *Session)
	peerOffer(s *Session, req *protocol.Request)
	outboundConnected(s *Session, l *leg)
	incomingConnected(s *Session)
	ownHostUsed(s *Session)
	proxyActivated(s *Session)
	fastActivate(s *Session, streamHost string)
	activate(s *Session)
	checkActivation(s *Session)
	failure(n *negotiation) error
}

// InitiatorFlow drives the proposing side. It offers candidates, waits for
// the target to name the one it used, activates a chosen proxy and, in fast
// mode, also races the target's counter-offer.
type InitiatorFlow struct{}

// Role implements SessionDriver.
func (InitiatorFlow) Role() Role { return RoleInitiator }

func (InitiatorFlow) begin(s *Session) {
	s.neg.fast = s.mgr.cfg.Symmetric
	s.withOwnProxy(true, func() { s.sendOffer() })
}

// peerOffer handles the target's own request in fast mode.
func (InitiatorFlow) peerOffer(s *Session, req *protocol.Request) {
	n := &s.neg
	if !n.fast || n.targetMode != targetUnknown {
		s.mgr.send(protocol.NewErrorReply(s.peer, req.ID, protocol.CodeNotAcceptable, protocol.TextSIDInUse))
		return
	}
	n.targetMode = targetFast
	s.emit(Event{Kind: EventAccepted})
	if n.client != nil {
		s.mgr.send(protocol.NewErrorReply(s.peer, req.ID, protocol.CodeNotAcceptable, protocol.TextNotAcceptable))
		return
	}
	n.inHosts = req.Hosts
	n.inID = req.ID
	s.mu.Lock()
	s.received = append([]protocol.Candidate(nil), req.Hosts...)
	s.mu.Unlock()
	s.raceIncoming()
}

func (InitiatorFlow) outboundConnected(s *Session, l *leg) {
	n := &s.neg
	if n.client != nil {
		n.client.close()
	}
	n.client = l
	n.activatedStream = l.cand.JID
	InitiatorFlow{}.activate(s)
}

func (InitiatorFlow) incomingConnected(*Session) {}

func (InitiatorFlow) ownHostUsed(s *Session) {
	s.neg.activatedStream = s.self()
	InitiatorFlow{}.activate(s)
}

func (InitiatorFlow) proxyActivated(s *Session) {
	InitiatorFlow{}.activate(s)
}

func (InitiatorFlow) fastActivate(*Session, string) {}

// activate completes the session once the target's mode is known. In fast
// mode the target learns which transport won from the activation byte, or
// from an activate message for datagrams.
func (InitiatorFlow) activate(s *Session) {
	n := &s.neg
	if n.activated || n.client == nil {
		return
	}
	switch n.targetMode {
	case targetNotFast:
		s.finish(n.client)
	case targetFast:
		if s.mode == protocol.ModeDatagram {
			s.mgr.send(protocol.NewFastActivate(s.peer, s.SID(), n.activatedStream))
		} else if err := writeActivation(n.client); err != nil {
			s.fail(err)
			return
		}
		s.finish(n.client)
	}
}

func (InitiatorFlow) checkActivation(*Session) {}

// failure reports a terminal error once the target refused our offer and
// nothing else is left to try.
func (InitiatorFlow) failure(n *negotiation) error {
	if !n.remoteFailed {
		return nil
	}
	if n.targetMode != targetNotFast && !(n.targetMode == targetFast && n.localFailed) {
		return nil
	}
	var re *RemoteError
	if errors.As(n.remoteErr, &re) && re.Code == protocol.CodeNotFound {
		return fmt.Errorf("%w: %w", ErrConnectFailed, re)
	}
	if n.remoteErr != nil {
		return n.remoteErr
	}
	return ErrNegotiationRejected
}

// TargetFlow drives the receiving side. It races the initiator's
// candidates and, under the symmetric policy, offers its own.
type TargetFlow struct{}

// Role implements SessionDriver.
func (TargetFlow) Role() Role { return RoleTarget }

func (TargetFlow) begin(s *Session) {
	n := &s.neg
	n.fast = n.fast && s.mgr.cfg.Symmetric
	run := func() {
		if n.fast {
			s.sendOffer()
			if s.exited {
				return
			}
		}
		s.raceIncoming()
	}
	if n.fast && s.shouldOfferProxy() {
		s.withOwnProxy(false, run)
		return
	}
	run()
}

// shouldOfferProxy reports whether a fast-mode target adds its own proxy:
// only when the initiator offered none and it is not the same one.
func (s *Session) shouldOfferProxy() bool {
	cfg := &s.mgr.cfg
	return cfg.proxyEnabled() && !protocol.HasProxy(s.neg.inHosts) && !protocol.HasJID(s.neg.inHosts, cfg.Proxy)
}

func (TargetFlow) peerOffer(s *Session, req *protocol.Request) {
	s.mgr.send(protocol.NewErrorReply(s.peer, req.ID, protocol.CodeNotAcceptable, protocol.TextSIDInUse))
}

func (TargetFlow) outboundConnected(s *Session, l *leg) {
	n := &s.neg
	if n.clientOut != nil {
		n.clientOut.close()
	}
	n.clientOut = l
	TargetFlow{}.checkActivation(s)
}

func (TargetFlow) incomingConnected(s *Session) {
	if s.neg.fast {
		TargetFlow{}.checkActivation(s)
	}
}

func (TargetFlow) ownHostUsed(s *Session) {
	TargetFlow{}.checkActivation(s)
}

func (TargetFlow) proxyActivated(s *Session) {
	TargetFlow{}.checkActivation(s)
}

func (TargetFlow) fastActivate(s *Session, streamHost string) {
	s.neg.activatedStream = streamHost
	TargetFlow{}.checkActivation(s)
}

func (TargetFlow) activate(*Session) {}

// checkActivation picks the transport that carries the session. Without
// fast mode the first one wins. In fast mode the initiator decides: a
// stream is chosen by the activation byte, a datagram channel by the
// streamhost named in the activate message.
func (TargetFlow) checkActivation(s *Session) {
	n := &s.neg
	if n.activated {
		return
	}
	switch {
	case !n.fast:
		for _, l := range []*leg{n.client, n.clientOut} {
			if l != nil {
				s.finish(l)
				return
			}
		}
	case s.mode == protocol.ModeDatagram:
		if n.activatedStream != "" {
			l := n.clientOut
			if protocol.SameJID(n.activatedStream, s.self()) || (n.proxy != nil && protocol.SameJID(n.activatedStream, n.proxy.JID)) {
				l = n.client
			}
			if l != nil {
				s.finish(l)
				return
			}
		}
	default:
		for _, l := range []*leg{n.client, n.clientOut} {
			if l != nil {
				s.watchActivation(l)
			}
		}
	}
	s.waiting()
}

// failure reports a terminal error once our attempts failed and, in fast
// mode, the initiator refused our own offer too.
func (TargetFlow) failure(n *negotiation) error {
	if !n.localFailed || (n.fast && !n.remoteFailed) {
		return nil
	}
	if n.client != nil || n.clientOut != nil {
		return nil
	}
	return fmt.Errorf("%w: none of the offered streamhosts answered", ErrConnectFailed)
}
