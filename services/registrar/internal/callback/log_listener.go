package callback

import (
	"github.com/grigta/registrar/pkg/logger"
)

// LogListeners writes every event to log. It backs the one-shot CLI run and
// is attached alongside the infrastructure sinks in the service.
func LogListeners(log logger.Logger) Listeners {
	return All(func(e Event) error {
		fields := []logger.Field{
			logger.F("event", string(e.Kind)),
			logger.F("account_id", e.AccountID),
			logger.F("username", e.Username),
		}
		if e.RunID != "" {
			fields = append(fields, logger.F("run_id", e.RunID))
		}
		if e.State != "" {
			fields = append(fields, logger.F("state", string(e.State)))
		}
		if e.Status != "" {
			fields = append(fields, logger.F("status", string(e.Status)))
		}
		if e.ChallengeType != "" {
			fields = append(fields, logger.F("challenge_type", e.ChallengeType))
		}
		if e.Outcome != "" {
			fields = append(fields, logger.F("outcome", e.Outcome))
		}
		if e.Remaining > 0 {
			fields = append(fields, logger.F("remaining", e.Remaining.String()))
		}

		msg := e.Message
		if msg == "" {
			msg = string(e.Kind)
		}

		switch {
		case e.Kind == EventLog && e.Level == LevelDebug:
			log.Debug(msg, fields...)
		case e.Kind == EventLog && e.Level == LevelWarn,
			e.Kind == EventChallengeTimeout:
			log.Warn(msg, fields...)
		case e.Kind == EventLog && e.Level == LevelError:
			log.Error(msg, fields...)
		default:
			log.Info(msg, fields...)
		}
		return nil
	})
}
