// Package friendconnect wires TokenStore, AuthPipeline, FriendGraph,
// SessionController, and HealthMonitor together into one supervisor per
// configured game server, and fans those supervisors out under one
// RootCoordinator.
package friendconnect

import (
	"time"

	"github.com/fennecdev/friendconnect/health"
	"github.com/fennecdev/friendconnect/session"
	"github.com/fennecdev/friendconnect/social"
)

// EventKind distinguishes the supervisor-level events RootCoordinator
// subscribes to. Each subsystem previously reported through its own ad-hoc
// callback; here every kind lands on one tagged struct so a consumer
// switches on Kind instead of asserting types.
type EventKind int

const (
	EventFriendshipEstablished EventKind = iota
	EventFriendRequestAccepted
	EventServerDown
	EventCriticalFailure
	EventSystemDegraded
	EventSupervisorRecovering
	EventSupervisorRecovered
	EventRecoveryFailed
	EventSessionFailure
)

// Event is the single type flowing over RootCoordinator's aggregated event
// channel. ServerID identifies which supervisor the event concerns; it is
// empty for system-wide events (EventCriticalFailure, EventSystemDegraded).
type Event struct {
	Kind     EventKind
	ServerID string
	Subject  string // an identity-pair or health-check subject, kind-dependent
	Reason   string
	At       time.Time
}

func fromSocialEvent(serverID string, e social.Event) Event {
	kind := EventFriendshipEstablished
	if e.Kind == social.EventFriendRequestAccepted {
		kind = EventFriendRequestAccepted
	}
	return Event{Kind: kind, ServerID: serverID, Subject: e.From + "->" + e.To, At: time.Now()}
}

func fromHealthEvent(serverID string, e health.Event) Event {
	switch e.Kind {
	case health.EventServerDown:
		return Event{Kind: EventServerDown, ServerID: serverID, Subject: e.Subject, Reason: e.Reason, At: e.At}
	case health.EventCriticalFailure:
		return Event{Kind: EventCriticalFailure, ServerID: serverID, Reason: e.Reason, At: e.At}
	default:
		return Event{Kind: EventSystemDegraded, ServerID: serverID, Reason: e.Reason, At: e.At}
	}
}

func fromSessionEvent(serverID string, e session.Event) Event {
	return Event{Kind: EventSessionFailure, ServerID: serverID, Reason: e.Reason, At: e.At}
}

// forwardSocial drains src until it's closed, translating and sending each
// value onto dst. Used to fan FriendGraph's per-server event channel into
// RootCoordinator's single aggregated channel.
func forwardSocial(serverID string, src chan social.Event, dst chan Event) {
	for e := range src {
		select {
		case dst <- fromSocialEvent(serverID, e):
		default:
		}
	}
}

func forwardHealth(serverID string, src chan health.Event, dst chan Event) {
	for e := range src {
		select {
		case dst <- fromHealthEvent(serverID, e):
		default:
		}
	}
}

// forwardSession drains src until it's closed, translating SessionController
// failures into the aggregated channel so RootCoordinator observes a failed
// session the moment it happens rather than on the next health tick.
func forwardSession(serverID string, src chan session.Event, dst chan Event) {
	for e := range src {
		select {
		case dst <- fromSessionEvent(serverID, e):
		default:
		}
	}
}
