package callback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grigta/registrar/pkg/logger"
	"github.com/grigta/registrar/services/registrar/internal/models"
)

func newTestBus() (*Bus, *test.Hook) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.DebugLevel)
	return NewBus(logger.FromLogrus(base)), hook
}

func TestBus_RoutesToMatchingSlot(t *testing.T) {
	bus, _ := newTestBus()

	var got []EventKind
	bus.Attach(Listeners{
		OnStepStarted: func(e Event) error {
			got = append(got, e.Kind)
			return nil
		},
		OnOutcome: func(e Event) error {
			got = append(got, e.Kind)
			return nil
		},
	})

	bus.Emit(Event{Kind: EventStepStarted})
	bus.Emit(Event{Kind: EventLog})
	bus.Emit(Event{Kind: EventOutcome})

	assert.Equal(t, []EventKind{EventStepStarted, EventOutcome}, got)
}

func TestBus_MultipleSetsInOrder(t *testing.T) {
	bus, _ := newTestBus()

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		bus.Attach(Listeners{OnLog: func(Event) error {
			order = append(order, i)
			return nil
		}})
	}

	bus.Emit(Event{Kind: EventLog})
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestBus_ListenerErrorIsLoggedNotPropagated(t *testing.T) {
	bus, hook := newTestBus()

	delivered := false
	bus.Attach(Listeners{OnLog: func(Event) error { return errors.New("sink down") }})
	bus.Attach(Listeners{OnLog: func(Event) error {
		delivered = true
		return nil
	}})

	assert.NotPanics(t, func() { bus.Emit(Event{Kind: EventLog, Username: "alice01"}) })
	assert.True(t, delivered)

	require.Len(t, hook.Entries, 1)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "sink down", hook.LastEntry().Data["error"])
	assert.Equal(t, "alice01", hook.LastEntry().Data["username"])
}

func TestBus_ListenerPanicIsRecovered(t *testing.T) {
	bus, hook := newTestBus()

	bus.Attach(Listeners{OnOutcome: func(Event) error { panic("boom") }})

	assert.NotPanics(t, func() { bus.Emit(Event{Kind: EventOutcome}) })
	require.Len(t, hook.Entries, 1)
	assert.Contains(t, hook.LastEntry().Data["error"], "boom")
}

func TestBus_ConcurrentAttachAndEmit(t *testing.T) {
	bus, _ := newTestBus()

	var mu sync.Mutex
	count := 0
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			bus.Attach(Listeners{OnLog: func(Event) error {
				mu.Lock()
				count++
				mu.Unlock()
				return nil
			}})
		}()
		go func() {
			defer wg.Done()
			bus.Emit(Event{Kind: EventLog})
		}()
	}
	wg.Wait()

	bus.Emit(Event{Kind: EventLog})
	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, count, 10)
}

func TestBus_AsyncSetDoesNotBlockEmit(t *testing.T) {
	bus, _ := newTestBus()

	release := make(chan struct{})
	delivered := make(chan EventKind, 4)
	bus.AttachAsync(Listeners{OnChallengeDetected: func(e Event) error {
		<-release
		delivered <- e.Kind
		return nil
	}}, 4)

	var syncSeen bool
	bus.Attach(Listeners{OnChallengeDetected: func(Event) error {
		syncSeen = true
		return nil
	}})

	start := time.Now()
	bus.Emit(Event{Kind: EventChallengeDetected})
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.True(t, syncSeen)

	close(release)
	select {
	case kind := <-delivered:
		assert.Equal(t, EventChallengeDetected, kind)
	case <-time.After(time.Second):
		t.Fatal("async listener never ran")
	}
	require.NoError(t, bus.Close(context.Background()))
}

func TestBus_AsyncQueueFullDropsEvents(t *testing.T) {
	bus, hook := newTestBus()

	release := make(chan struct{})
	bus.AttachAsync(Listeners{OnLog: func(Event) error {
		<-release
		return nil
	}}, 1)

	// One event is held by the drain goroutine, one fills the queue.
	for i := 0; i < 5; i++ {
		bus.Emit(Event{Kind: EventLog})
	}

	assert.GreaterOrEqual(t, bus.Dropped(), int64(3))
	var dropLogged bool
	for _, entry := range hook.AllEntries() {
		if entry.Message == "Callback queue full, event dropped" {
			dropLogged = true
		}
	}
	assert.True(t, dropLogged)

	close(release)
	require.NoError(t, bus.Close(context.Background()))
}

func TestBus_CloseDrainsQueuedEvents(t *testing.T) {
	bus, _ := newTestBus()

	var mu sync.Mutex
	var got []string
	bus.AttachAsync(Listeners{OnStatusChanged: func(e Event) error {
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		got = append(got, e.RunID)
		mu.Unlock()
		return nil
	}}, 16)

	for _, id := range []string{"a", "b", "c"} {
		bus.Emit(Event{Kind: EventStatusChanged, RunID: id})
	}
	require.NoError(t, bus.Close(context.Background()))
	require.NoError(t, bus.Close(context.Background()))

	mu.Lock()
	assert.Equal(t, []string{"a", "b", "c"}, got)
	mu.Unlock()

	// Emitting after Close still reaches synchronous sets only.
	assert.NotPanics(t, func() { bus.Emit(Event{Kind: EventStatusChanged, RunID: "d"}) })
}

func TestBus_CloseHonoursContext(t *testing.T) {
	bus, _ := newTestBus()

	release := make(chan struct{})
	defer close(release)
	bus.AttachAsync(Listeners{OnOutcome: func(Event) error {
		<-release
		return nil
	}}, 1)
	bus.Emit(Event{Kind: EventOutcome})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := bus.Close(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAccountEmitter_StampsIdentity(t *testing.T) {
	bus, _ := newTestBus()
	acc, err := models.NewAccount(9, "dave001", "secret1")
	require.NoError(t, err)

	var events []Event
	bus.Attach(All(func(e Event) error {
		events = append(events, e)
		return nil
	}))

	em := bus.For(acc, "run-1")
	em.StepStarted(models.StateNavigating)
	em.Log(LevelInfo, "attempt %d", 2)
	em.StatusChanged(models.StateFailed, models.StatusFailed, "nope")
	em.Outcome(&models.RegistrationResult{FinalState: models.StateFailed, Status: models.StatusFailed, Notes: "nope"})

	require.Len(t, events, 4)
	for _, e := range events {
		assert.Equal(t, int64(9), e.AccountID)
		assert.Equal(t, "dave001", e.Username)
		assert.Equal(t, "run-1", e.RunID)
		assert.False(t, e.Time.IsZero())
	}
	assert.Equal(t, "attempt 2", events[1].Message)
	assert.Equal(t, models.StatusFailed, events[3].Status)
	assert.NotNil(t, events[3].Result)
}

func TestLogListeners(t *testing.T) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.DebugLevel)

	bus := NewBus(logger.Nop())
	bus.Attach(LogListeners(logger.FromLogrus(base)))

	bus.Emit(Event{Kind: EventChallengeTimeout, Username: "erin001", Outcome: "timed_out"})
	bus.Emit(Event{Kind: EventLog, Level: LevelError, Message: "driver crashed"})

	require.Len(t, hook.Entries, 2)
	assert.Equal(t, logrus.WarnLevel, hook.Entries[0].Level)
	assert.Equal(t, "timed_out", hook.Entries[0].Data["outcome"])
	assert.Equal(t, logrus.ErrorLevel, hook.Entries[1].Level)
	assert.Equal(t, "driver crashed", hook.Entries[1].Message)
}
