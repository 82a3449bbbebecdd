package session

import "time"

// EventKind distinguishes the observable lifecycle transitions a Controller
// reports on its event channel.
type EventKind int

const (
	// EventSessionFailed fires exactly once, when the reconnect ladder
	// exhausts maxReconnectAttempts and the controller settles in Failed.
	EventSessionFailed EventKind = iota
)

// Event is emitted on the channel passed to New, mirroring the typed-event
// shape social.Event and health.Event already use (§9: event emitters
// become typed channels).
type Event struct {
	Kind   EventKind
	Reason string
	At     time.Time
}

func (c *Controller) emit(e Event) {
	if c.events == nil {
		return
	}
	select {
	case c.events <- e:
	default:
		c.log.Warn().Msg("session event channel full, dropping event")
	}
}
