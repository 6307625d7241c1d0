// Package challenge watches a page that shows a human-verification
// challenge until it disappears, times out, fails, or is stopped.
package challenge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grigta/registrar/pkg/logger"
	"github.com/grigta/registrar/services/registrar/internal/callback"
	"github.com/grigta/registrar/services/registrar/internal/classifier"
	"github.com/grigta/registrar/services/registrar/internal/models"
)

var ErrMonitorStarted = errors.New("challenge monitor already started")

type Outcome string

const (
	OutcomeResolved Outcome = "resolved"
	OutcomeTimedOut Outcome = "timed_out"
	OutcomeError    Outcome = "error"
	OutcomeStopped  Outcome = "stopped"
)

type Result struct {
	Outcome Outcome
	Elapsed time.Duration
	Polls   int
	Err     error
}

type ContentReader interface {
	Content(ctx context.Context) (string, error)
}

type Detector interface {
	Classify(content string, account *models.Account) classifier.Result
}

type MonitorConfig struct {
	Interval             time.Duration
	MaxConsecutiveErrors int
	// RemainingEvery is the period of remaining-time notifications; zero
	// disables them.
	RemainingEvery time.Duration
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:             time.Second,
		MaxConsecutiveErrors: 5,
		RemainingEvery:       30 * time.Second,
	}
}

// Monitor is single-use: Start may be called once.
type Monitor struct {
	reader   ContentReader
	detector Detector
	account  *models.Account
	emitter  callback.Emitter
	config   MonitorConfig
	logger   logger.Logger

	started  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewMonitor(reader ContentReader, detector Detector, account *models.Account, emitter callback.Emitter, config MonitorConfig, log logger.Logger) *Monitor {
	if config.Interval <= 0 {
		config.Interval = time.Second
	}
	if config.MaxConsecutiveErrors <= 0 {
		config.MaxConsecutiveErrors = 5
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Monitor{
		reader:   reader,
		detector: detector,
		account:  account,
		emitter:  emitter,
		config:   config,
		logger:   log,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the polling loop and returns a channel that receives
// exactly one Result.
func (m *Monitor) Start(ctx context.Context, challengeType string, timeout time.Duration) <-chan Result {
	out := make(chan Result, 1)

	if !m.started.CompareAndSwap(false, true) {
		out <- Result{Outcome: OutcomeError, Err: ErrMonitorStarted}
		return out
	}

	go func() {
		out <- m.run(ctx, challengeType, timeout)
	}()
	return out
}

// StartMonitoring is the blocking form of Start.
func (m *Monitor) StartMonitoring(ctx context.Context, challengeType string, timeout time.Duration) Result {
	return <-m.Start(ctx, challengeType, timeout)
}

// StopMonitoring asks the loop to return OutcomeStopped. Safe to call more
// than once and before Start.
func (m *Monitor) StopMonitoring() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Monitor) stopped() bool {
	select {
	case <-m.stopCh:
		return true
	default:
		return false
	}
}

type read struct {
	content string
	err     error
}

func (m *Monitor) run(ctx context.Context, challengeType string, timeout time.Duration) Result {
	start := time.Now()
	log := m.logger.WithField("challenge_type", challengeType)

	// The deadline runs from detection, however long listeners take.
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	var remainingC <-chan time.Time
	if m.config.RemainingEvery > 0 {
		remaining := time.NewTicker(m.config.RemainingEvery)
		defer remaining.Stop()
		remainingC = remaining.C
	}

	// Cancelled on return so an in-flight read is abandoned.
	pollCtx, cancelPoll := context.WithCancel(ctx)
	defer cancelPoll()

	m.emit(callback.Event{
		Kind:          callback.EventChallengeDetected,
		ChallengeType: challengeType,
		Remaining:     timeout,
		Message:       "challenge detected, waiting for it to be resolved",
	})
	log.Info("Challenge monitoring started", logger.F("timeout", timeout.String()))

	polls := 0
	consecutive := 0
	// Non-nil while a read is in flight; at most one at a time.
	var reads chan read

	finish := func(outcome Outcome, err error) Result {
		res := Result{Outcome: outcome, Elapsed: time.Since(start), Polls: polls, Err: err}
		m.emitTerminal(challengeType, res)
		fields := []logger.Field{
			logger.F("outcome", string(outcome)),
			logger.F("elapsed", res.Elapsed.String()),
			logger.F("polls", polls),
		}
		if err != nil {
			fields = append(fields, logger.Err(err))
		}
		log.Info("Challenge monitoring finished", fields...)
		return res
	}

	for {
		select {
		case <-m.stopCh:
			return finish(OutcomeStopped, nil)
		case <-ctx.Done():
			return finish(OutcomeStopped, ctx.Err())
		case <-deadline.C:
			return finish(OutcomeTimedOut, nil)
		case <-remainingC:
			left := timeout - time.Since(start)
			if left < 0 {
				left = 0
			}
			m.emit(callback.Event{
				Kind:          callback.EventChallengeRemaining,
				ChallengeType: challengeType,
				Remaining:     left,
				Elapsed:       time.Since(start),
			})
		case <-ticker.C:
			if m.stopped() {
				return finish(OutcomeStopped, nil)
			}
			if reads != nil {
				log.Debug("Previous page read still pending, skipping poll")
				continue
			}

			polls++
			reads = make(chan read, 1)
			go func(out chan<- read) {
				content, err := m.reader.Content(pollCtx)
				out <- read{content: content, err: err}
			}(reads)
		case r := <-reads:
			reads = nil
			if r.err != nil {
				consecutive++
				log.Warn("Failed to read page during challenge monitoring",
					logger.F("consecutive_errors", consecutive),
					logger.Err(r.err),
				)
				if consecutive >= m.config.MaxConsecutiveErrors {
					return finish(OutcomeError, r.err)
				}
				continue
			}
			consecutive = 0

			if res := m.detector.Classify(r.content, m.account); !res.IsChallenge() {
				return finish(OutcomeResolved, nil)
			}
		}
	}
}

func (m *Monitor) emitTerminal(challengeType string, res Result) {
	e := callback.Event{
		ChallengeType: challengeType,
		Elapsed:       res.Elapsed,
		Outcome:       string(res.Outcome),
	}
	switch res.Outcome {
	case OutcomeResolved:
		e.Kind = callback.EventChallengeResolved
		e.Message = "challenge resolved"
	default:
		e.Kind = callback.EventChallengeTimeout
		e.Message = "challenge not resolved: " + string(res.Outcome)
		if res.Err != nil {
			e.Message += ": " + res.Err.Error()
		}
	}
	m.emit(e)
}

func (m *Monitor) emit(e callback.Event) {
	if m.emitter != nil {
		m.emitter.Emit(e)
	}
}
