package service

import (
	"time"

	"github.com/grigta/registrar/pkg/messaging"
	"github.com/grigta/registrar/services/registrar/internal/callback"
	"github.com/grigta/registrar/services/registrar/internal/models"
)

const (
	RoutingKeyStatusChanged     = "registration.status_changed"
	RoutingKeyOutcome           = "registration.outcome"
	RoutingKeyChallengeResolved = "challenge.resolved"
	RoutingKeyBatchCompleted    = "batch.completed"
)

// EventPublisher is the subset of messaging.Client used to fan events out.
type EventPublisher interface {
	PublishEvent(exchange, routingKey string, data interface{}) error
}

type AccountEvent struct {
	RunID         string                     `json:"run_id"`
	AccountID     int64                      `json:"account_id"`
	Username      string                     `json:"username"`
	State         models.RegistrationState   `json:"state,omitempty"`
	Status        models.AccountStatus       `json:"status,omitempty"`
	Message       string                     `json:"message,omitempty"`
	ChallengeType string                     `json:"challenge_type,omitempty"`
	Outcome       string                     `json:"outcome,omitempty"`
	TimeoutSec    float64                    `json:"timeout_seconds,omitempty"`
	Result        *models.RegistrationResult `json:"result,omitempty"`
	Timestamp     time.Time                  `json:"timestamp"`
}

func accountEvent(e callback.Event) AccountEvent {
	return AccountEvent{
		RunID:         e.RunID,
		AccountID:     e.AccountID,
		Username:      e.Username,
		State:         e.State,
		Status:        e.Status,
		Message:       e.Message,
		ChallengeType: e.ChallengeType,
		Outcome:       e.Outcome,
		TimeoutSec:    e.Remaining.Seconds(),
		Result:        e.Result,
		Timestamp:     e.Time,
	}
}

// PublisherListeners publishes lifecycle events to the events exchange.
// Challenge detected and timeout events also land in the manual
// intervention queue through the topology bindings.
func PublisherListeners(p EventPublisher) callback.Listeners {
	publish := func(routingKey string) callback.Listener {
		return func(e callback.Event) error {
			return p.PublishEvent(messaging.ExchangeEvents, routingKey, accountEvent(e))
		}
	}
	return callback.Listeners{
		OnStatusChanged:     publish(RoutingKeyStatusChanged),
		OnChallengeDetected: publish(messaging.RoutingKeyChallengeDetected),
		OnChallengeResolved: publish(RoutingKeyChallengeResolved),
		OnChallengeTimeout:  publish(messaging.RoutingKeyChallengeTimeout),
		OnOutcome:           publish(RoutingKeyOutcome),
	}
}
