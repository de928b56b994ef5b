package s5b

import (
	"fmt"

	"github.com/opd-ai/s5b/protocol"
)

// EventKind identifies a session progress event.
type EventKind uint8

const (
	// EventProxyQuery is emitted before the proxy address is discovered.
	EventProxyQuery EventKind = iota
	// EventProxyResult reports the outcome of proxy discovery.
	EventProxyResult
	// EventRequesting is emitted when the candidate offer is sent.
	EventRequesting
	// EventAccepted is emitted when the target agrees to the session.
	EventAccepted
	// EventTryingHosts is emitted when a race over the peer's candidates starts.
	EventTryingHosts
	// EventProxyConnect is emitted when connecting to the chosen proxy.
	EventProxyConnect
	// EventWaitingForActivation is emitted when a transport is up but the
	// peer has not activated it yet.
	EventWaitingForActivation
	// EventConnected is emitted when the session becomes active.
	EventConnected
	// EventFailed is the terminal event of an unsuccessful negotiation.
	EventFailed
	// EventClosed is the terminal event of an active session.
	EventClosed
)

// String returns a readable name.
func (k EventKind) String() string {
	switch k {
	case EventProxyQuery:
		return "proxy-query"
	case EventProxyResult:
		return "proxy-result"
	case EventRequesting:
		return "requesting"
	case EventAccepted:
		return "accepted"
	case EventTryingHosts:
		return "trying-hosts"
	case EventProxyConnect:
		return "proxy-connect"
	case EventWaitingForActivation:
		return "waiting-for-activation"
	case EventConnected:
		return "connected"
	case EventFailed:
		return "failed"
	case EventClosed:
		return "closed"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Terminal reports whether no further events follow this kind.
func (k EventKind) Terminal() bool {
	return k == EventFailed || k == EventClosed
}

// Event describes one step of a negotiation.
type Event struct {
	Kind    EventKind
	Session *Session

	// Hosts is set for EventTryingHosts.
	Hosts []protocol.Candidate

	// Candidate is set for EventProxyConnect and EventConnected.
	Candidate protocol.Candidate

	// OK is set for EventProxyResult.
	OK bool

	// Err is set for EventFailed, and for EventClosed after a stream error.
	Err error
}

// Observer receives session events. Calls come from the session goroutine,
// in order, and must not block.
type Observer interface {
	OnEvent(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

// OnEvent implements Observer.
func (f ObserverFunc) OnEvent(ev Event) { f(ev) }
