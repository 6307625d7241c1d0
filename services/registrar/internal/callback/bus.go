// Package callback delivers registration lifecycle events to attached
// listeners without letting a listener failure reach the caller.
package callback

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grigta/registrar/pkg/logger"
	"github.com/grigta/registrar/services/registrar/internal/models"
)

type Emitter interface {
	Emit(e Event)
}

// DefaultQueueSize is the per-set queue length used by AttachAsync when
// none is given.
const DefaultQueueSize = 256

type asyncSet struct {
	set    Listeners
	events chan Event
	done   chan struct{}
}

// Bus fans events out to listener sets. Sets attached with Attach run on
// the emitting goroutine and must not block; sets attached with AttachAsync
// are drained by their own goroutine.
type Bus struct {
	mu      sync.RWMutex
	sets    []Listeners
	async   []*asyncSet
	closed  bool
	dropped atomic.Int64
	logger  logger.Logger
}

func NewBus(log logger.Logger) *Bus {
	if log == nil {
		log = logger.Nop()
	}
	return &Bus{logger: log}
}

func (b *Bus) Attach(l Listeners) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sets = append(b.sets, l)
}

// AttachAsync queues events for l and delivers them in order on a
// dedicated goroutine. Emit never waits on l: an event that finds the queue
// full is dropped and logged. Attaching after Close is a no-op.
func (b *Bus) AttachAsync(l Listeners, queueSize int) {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	a := &asyncSet{
		set:    l,
		events: make(chan Event, queueSize),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.async = append(b.async, a)
	b.mu.Unlock()

	go b.drain(a)
}

func (b *Bus) drain(a *asyncSet) {
	defer close(a.done)
	for e := range a.events {
		if err := b.invoke(a.set.slot(e.Kind), e); err != nil {
			b.logFailure(e, "async", err)
		}
	}
}

// Emit invokes the matching slot of every synchronous set, in attach order,
// on the calling goroutine, and enqueues the event for every async set that
// handles its kind.
func (b *Bus) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	sets := b.sets
	if !b.closed {
		for _, a := range b.async {
			if a.set.slot(e.Kind) == nil {
				continue
			}
			select {
			case a.events <- e:
			default:
				b.dropped.Add(1)
				b.logger.Warn("Callback queue full, event dropped",
					logger.F("event", string(e.Kind)),
					logger.F("run_id", e.RunID),
					logger.F("username", e.Username),
				)
			}
		}
	}
	b.mu.RUnlock()

	for i, set := range sets {
		fn := set.slot(e.Kind)
		if fn == nil {
			continue
		}
		if err := b.invoke(fn, e); err != nil {
			b.logFailure(e, i, err)
		}
	}
}

// Dropped reports how many events async sets have lost to full queues.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops queueing for async sets and waits until every queued event is
// delivered or ctx is done. Synchronous sets keep working. Safe to call
// more than once.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		for _, a := range b.async {
			close(a.events)
		}
	}
	async := b.async
	b.mu.Unlock()

	for _, a := range async {
		select {
		case <-a.done:
		case <-ctx.Done():
			return fmt.Errorf("callback queues not drained: %w", ctx.Err())
		}
	}
	return nil
}

func (b *Bus) logFailure(e Event, listener interface{}, err error) {
	b.logger.Warn("Callback listener failed",
		logger.F("event", string(e.Kind)),
		logger.F("listener", listener),
		logger.F("username", e.Username),
		logger.Err(err),
	)
}

func (b *Bus) invoke(fn Listener, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return fn(e)
}

// For returns an emitter that stamps every event with the account identity
// and run id.
func (b *Bus) For(account *models.Account, runID string) *AccountEmitter {
	return &AccountEmitter{bus: b, account: account, runID: runID}
}

type AccountEmitter struct {
	bus     Emitter
	account *models.Account
	runID   string
}

func (a *AccountEmitter) Emit(e Event) {
	e.RunID = a.runID
	if a.account != nil {
		e.AccountID = a.account.ID()
		e.Username = a.account.Username()
	}
	a.bus.Emit(e)
}

func (a *AccountEmitter) StepStarted(state models.RegistrationState) {
	a.Emit(Event{Kind: EventStepStarted, State: state})
}

func (a *AccountEmitter) Log(level LogLevel, format string, args ...interface{}) {
	a.Emit(Event{Kind: EventLog, Level: level, Message: fmt.Sprintf(format, args...)})
}

func (a *AccountEmitter) StatusChanged(state models.RegistrationState, status models.AccountStatus, note string) {
	a.Emit(Event{Kind: EventStatusChanged, State: state, Status: status, Message: note})
}

func (a *AccountEmitter) Outcome(result *models.RegistrationResult) {
	a.Emit(Event{
		Kind:    EventOutcome,
		State:   result.FinalState,
		Status:  result.Status,
		Message: result.Notes,
		Result:  result,
	})
}
