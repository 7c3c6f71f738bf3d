// Package speech holds the recognition session state machine shared by every
// engine backend, and the normalization of engine results into events.
package speech

import "time"

// State is the lifecycle position of the controller's session.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateListening
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateListening:
		return "listening"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Session is the single recognition session owned by a Controller.
type Session struct {
	ID        string
	State     State
	StartedAt time.Time
}

// Outcome is the detailed result of a start attempt. StartListening reports
// only whether it equals OutcomeStarted.
type Outcome int

const (
	OutcomeStarted Outcome = iota
	OutcomeBusy
	OutcomeUnavailable
	OutcomeResourceError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeStarted:
		return "started"
	case OutcomeBusy:
		return "busy"
	case OutcomeUnavailable:
		return "unavailable"
	case OutcomeResourceError:
		return "resource_error"
	default:
		return "unknown"
	}
}
