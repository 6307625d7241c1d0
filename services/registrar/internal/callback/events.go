package callback

import (
	"time"

	"github.com/grigta/registrar/services/registrar/internal/models"
)

type EventKind string

const (
	EventStepStarted        EventKind = "step_started"
	EventLog                EventKind = "log"
	EventChallengeDetected  EventKind = "challenge_detected"
	EventChallengeRemaining EventKind = "challenge_remaining"
	EventChallengeResolved  EventKind = "challenge_resolved"
	EventChallengeTimeout   EventKind = "challenge_timeout"
	EventStatusChanged      EventKind = "status_changed"
	EventOutcome            EventKind = "outcome"
)

type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Event is a single lifecycle notification. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind          EventKind                  `json:"kind"`
	Time          time.Time                  `json:"time"`
	RunID         string                     `json:"run_id,omitempty"`
	AccountID     int64                      `json:"account_id"`
	Username      string                     `json:"username"`
	State         models.RegistrationState   `json:"state,omitempty"`
	Status        models.AccountStatus       `json:"status,omitempty"`
	Level         LogLevel                   `json:"level,omitempty"`
	Message       string                     `json:"message,omitempty"`
	ChallengeType string                     `json:"challenge_type,omitempty"`
	Remaining     time.Duration              `json:"remaining,omitempty"`
	Elapsed       time.Duration              `json:"elapsed,omitempty"`
	Outcome       string                     `json:"outcome,omitempty"`
	Result        *models.RegistrationResult `json:"result,omitempty"`
}

// Listener handles one event. A returned error is logged by the bus and
// otherwise ignored.
type Listener func(Event) error

// Listeners is a set of optional slots, one per event kind.
type Listeners struct {
	OnStepStarted        Listener
	OnLog                Listener
	OnChallengeDetected  Listener
	OnChallengeRemaining Listener
	OnChallengeResolved  Listener
	OnChallengeTimeout   Listener
	OnStatusChanged      Listener
	OnOutcome            Listener
}

func (l Listeners) slot(kind EventKind) Listener {
	switch kind {
	case EventStepStarted:
		return l.OnStepStarted
	case EventLog:
		return l.OnLog
	case EventChallengeDetected:
		return l.OnChallengeDetected
	case EventChallengeRemaining:
		return l.OnChallengeRemaining
	case EventChallengeResolved:
		return l.OnChallengeResolved
	case EventChallengeTimeout:
		return l.OnChallengeTimeout
	case EventStatusChanged:
		return l.OnStatusChanged
	case EventOutcome:
		return l.OnOutcome
	}
	return nil
}

// All returns a Listeners value with fn in every slot.
func All(fn Listener) Listeners {
	return Listeners{
		OnStepStarted:        fn,
		OnLog:                fn,
		OnChallengeDetected:  fn,
		OnChallengeRemaining: fn,
		OnChallengeResolved:  fn,
		OnChallengeTimeout:   fn,
		OnStatusChanged:      fn,
		OnOutcome:            fn,
	}
}
