package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/grigta/registrar/pkg/logger"
	"github.com/grigta/registrar/pkg/messaging"
	"github.com/grigta/registrar/services/registrar/internal/browser"
	"github.com/grigta/registrar/services/registrar/internal/callback"
	"github.com/grigta/registrar/services/registrar/internal/classifier"
	"github.com/grigta/registrar/services/registrar/internal/models"
	"github.com/grigta/registrar/services/registrar/internal/repository"
)

type fakeSessions struct {
	mu       sync.Mutex
	drivers  []browser.Driver
	next     int
	err      error
	acquired atomic.Int32
	released atomic.Int32
}

func (f *fakeSessions) Acquire(ctx context.Context) (*browser.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	d := f.drivers[f.next%len(f.drivers)]
	f.next++
	f.mu.Unlock()

	f.acquired.Add(1)
	return browser.NewSession(d, func() error {
		f.released.Add(1)
		return nil
	}), nil
}

type mockStatusRepository struct {
	mock.Mock
}

func (m *mockStatusRepository) SaveStatus(ctx context.Context, status *models.RunStatus) error {
	return m.Called(ctx, status).Error(0)
}

func (m *mockStatusRepository) GetStatus(ctx context.Context, runID string) (*models.RunStatus, error) {
	args := m.Called(ctx, runID)
	if s := args.Get(0); s != nil {
		return s.(*models.RunStatus), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStatusRepository) ActiveRuns(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockStatusRepository) NextAccountID(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

type mockAccountRepository struct {
	mock.Mock
}

func (m *mockAccountRepository) SaveResult(ctx context.Context, account *models.Account, result *models.RegistrationResult, runID, batchID string) error {
	return m.Called(ctx, account, result, runID, batchID).Error(0)
}

func (m *mockAccountRepository) GetAccount(ctx context.Context, id int64) (*repository.AccountRecord, error) {
	args := m.Called(ctx, id)
	if r := args.Get(0); r != nil {
		return r.(*repository.AccountRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockAccountRepository) GetAccountsByStatus(ctx context.Context, status models.AccountStatus, limit int64) ([]*repository.AccountRecord, error) {
	args := m.Called(ctx, status, limit)
	return args.Get(0).([]*repository.AccountRecord), args.Error(1)
}

func (m *mockAccountRepository) CountByStatus(ctx context.Context) (map[models.AccountStatus]int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(map[models.AccountStatus]int64), args.Error(1)
}

func (m *mockAccountRepository) CreateIndexes(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishEvent(exchange, routingKey string, data interface{}) error {
	return m.Called(exchange, routingKey, data).Error(0)
}

type fakeConsumer struct {
	queue   string
	workers int
	handler func([]byte) error
}

func (f *fakeConsumer) ConsumeQueueWorkers(ctx context.Context, queueName string, workers int, handler func([]byte) error) error {
	f.queue = queueName
	f.workers = workers
	f.handler = handler
	return nil
}

func registerBody(t *testing.T, username string) []byte {
	t.Helper()
	body, err := json.Marshal(messaging.NewMessage(messaging.RoutingKeyRegister, RegisterCommand{
		RegistrationRequest: RegistrationRequest{Username: username, Password: "s3cretpw"},
	}))
	require.NoError(t, err)
	return body
}

func newTestService(t *testing.T, sessions SessionProvider, mutate func(*Options)) RegistrarService {
	t.Helper()
	opts := Options{
		Sessions:    sessions,
		Detector:    classifier.Default(),
		Config:      testConfig(),
		Concurrency: 1,
	}
	if mutate != nil {
		mutate(&opts)
	}
	svc := NewRegistrarService(opts, logger.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc
}

func waitForResult(t *testing.T, svc RegistrarService, runID string) *models.RunStatus {
	t.Helper()
	var status *models.RunStatus
	require.Eventually(t, func() bool {
		s, err := svc.GetStatus(context.Background(), runID)
		if err != nil || s.Result == nil {
			return false
		}
		status = s
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return status
}

func TestRegister_RunsToSuccess(t *testing.T) {
	sessions := &fakeSessions{drivers: []browser.Driver{formDriver(pageSuccess)}}
	svc := newTestService(t, sessions, nil)

	initial, err := svc.Register(context.Background(), RegistrationRequest{Username: "alice01", Password: "s3cretpw"})
	require.NoError(t, err)
	assert.NotEmpty(t, initial.RunID)
	assert.Equal(t, int64(1), initial.Account.ID)
	assert.Equal(t, models.StatusQueued, initial.Account.Status)

	final := waitForResult(t, svc, initial.RunID)
	assert.True(t, final.Result.Success)
	assert.Equal(t, models.StateSuccess, final.State)
	assert.Equal(t, models.StatusSuccess, final.Account.Status)

	assert.Eventually(t, func() bool { return sessions.released.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRegister_InvalidAccount(t *testing.T) {
	sessions := &fakeSessions{drivers: []browser.Driver{formDriver(pageSuccess)}}
	svc := newTestService(t, sessions, nil)

	_, err := svc.Register(context.Background(), RegistrationRequest{Username: "bob", Password: "123"})
	assert.ErrorIs(t, err, models.ErrInvalidAccount)
	assert.Equal(t, int32(0), sessions.acquired.Load())
}

func TestRegister_GeneratedCredentials(t *testing.T) {
	sessions := &fakeSessions{drivers: []browser.Driver{formDriver(pageSuccess)}}
	svc := newTestService(t, sessions, nil)

	status, err := svc.Register(context.Background(), RegistrationRequest{Generate: true})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(status.Account.Username, "reg"))

	final := waitForResult(t, svc, status.RunID)
	assert.True(t, final.Result.Success)
}

func TestRegister_SessionUnavailable(t *testing.T) {
	var mu sync.Mutex
	var states []models.RegistrationState
	sessions := &fakeSessions{err: browser.ErrPoolClosed}
	svc := newTestService(t, sessions, func(o *Options) {
		o.Listeners = append(o.Listeners, callback.Listeners{OnStatusChanged: func(e callback.Event) error {
			mu.Lock()
			states = append(states, e.State)
			mu.Unlock()
			return nil
		}})
	})

	status, err := svc.Register(context.Background(), RegistrationRequest{Username: "alice01", Password: "s3cretpw"})
	require.NoError(t, err)

	final := waitForResult(t, svc, status.RunID)
	assert.False(t, final.Result.Success)
	assert.Equal(t, models.StatusFailed, final.Account.Status)
	assert.Equal(t, models.StateFailed, final.Result.FinalState)
	assert.Contains(t, final.Result.Notes, "browser session unavailable")
	assert.Equal(t, final.Result.Notes, final.Account.Notes)

	mu.Lock()
	assert.Equal(t, []models.RegistrationState{models.StateFailed}, states)
	mu.Unlock()
}

func TestCancel_DuringChallenge(t *testing.T) {
	sessions := &fakeSessions{drivers: []browser.Driver{formDriver(pageChallenge)}}
	svc := newTestService(t, sessions, func(o *Options) {
		o.Config.Registration.ChallengeTimeout = time.Minute
	})

	status, err := svc.Register(context.Background(), RegistrationRequest{Username: "alice01", Password: "s3cretpw"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := svc.GetStatus(context.Background(), status.RunID)
		return err == nil && s.State == models.StateChallengeMonitoring
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, svc.Cancel(context.Background(), status.RunID))

	final := waitForResult(t, svc, status.RunID)
	assert.False(t, final.Result.Success)
	assert.Equal(t, models.StatusFailed, final.Account.Status)

	assert.ErrorIs(t, svc.Cancel(context.Background(), status.RunID), ErrRunFinished)
	assert.ErrorIs(t, svc.Cancel(context.Background(), "missing"), ErrRunNotFound)
}

func TestGetStatus_Unknown(t *testing.T) {
	svc := newTestService(t, &fakeSessions{}, nil)
	_, err := svc.GetStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestRunBatch_Report(t *testing.T) {
	sessions := &fakeSessions{drivers: []browser.Driver{
		formDriver(pageSuccess),
		formDriver(pageAmbiguous),
		formDriver(pageChallenge, pageChallenge, pageSuccess),
	}}
	svc := newTestService(t, sessions, nil)

	report, err := svc.RunBatch(context.Background(), []RegistrationRequest{
		{Username: "user01", Password: "s3cretpw"},
		{Username: "user02", Password: "s3cretpw"},
		{Username: "user03", Password: "s3cretpw"},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, report.BatchID)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Challenged)
	require.Len(t, report.Results, 3)
	assert.Equal(t, "user01", report.Results[0].Username)
	assert.False(t, report.Results[1].Success)
	assert.Equal(t, classifier.TypeSlide, report.Results[2].ChallengeType)
	assert.Equal(t, int32(3), sessions.released.Load())
}

func TestRunBatch_Rejected(t *testing.T) {
	svc := newTestService(t, &fakeSessions{}, nil)

	_, err := svc.RunBatch(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)

	_, err = svc.RunBatch(context.Background(), []RegistrationRequest{
		{Username: "user01", Password: "s3cretpw"},
		{Username: "", Password: "s3cretpw"},
	})
	assert.ErrorIs(t, err, models.ErrInvalidAccount)
	assert.Contains(t, err.Error(), "entry 1")
}

func TestRunBatch_ContextCancelled(t *testing.T) {
	sessions := &fakeSessions{drivers: []browser.Driver{formDriver(pageChallenge)}}
	svc := newTestService(t, sessions, func(o *Options) {
		o.Config.Registration.ChallengeTimeout = time.Minute
		o.Concurrency = 2
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	report, err := svc.RunBatch(ctx, []RegistrationRequest{
		{Username: "user01", Password: "s3cretpw"},
		{Username: "user02", Password: "s3cretpw"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Failed)
}

func TestSubmitBatch_ReturnsImmediately(t *testing.T) {
	sessions := &fakeSessions{drivers: []browser.Driver{formDriver(pageSuccess)}}
	svc := newTestService(t, sessions, nil)

	sub, err := svc.SubmitBatch(context.Background(), []RegistrationRequest{
		{Username: "user01", Password: "s3cretpw"},
		{Username: "user02", Password: "s3cretpw"},
	})
	require.NoError(t, err)
	require.Len(t, sub.Runs, 2)
	assert.Equal(t, sub.BatchID, sub.Runs[0].BatchID)

	for _, r := range sub.Runs {
		final := waitForResult(t, svc, r.RunID)
		assert.True(t, final.Result.Success)
	}
}

func TestSinks_StatusAccountsAndPublisher(t *testing.T) {
	statuses := new(mockStatusRepository)
	statuses.On("NextAccountID", mock.Anything).Return(int64(41), nil).Once()
	statuses.On("SaveStatus", mock.Anything, mock.AnythingOfType("*models.RunStatus")).Return(nil)

	accounts := new(mockAccountRepository)
	accounts.On("SaveResult", mock.Anything, mock.Anything,
		mock.MatchedBy(func(r *models.RegistrationResult) bool { return r.Success && r.AccountID == 41 }),
		mock.Anything, mock.Anything,
	).Return(nil).Once()

	publisher := new(mockPublisher)
	var mu sync.Mutex
	var keys []string
	publisher.On("PublishEvent", messaging.ExchangeEvents, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			mu.Lock()
			keys = append(keys, args.String(1))
			mu.Unlock()
		}).
		Return(nil)

	sessions := &fakeSessions{drivers: []browser.Driver{formDriver(pageSuccess)}}
	svc := newTestService(t, sessions, func(o *Options) {
		o.Statuses = statuses
		o.Accounts = accounts
		o.Publisher = publisher
	})

	report, err := svc.RunBatch(context.Background(), []RegistrationRequest{{Username: "alice01", Password: "s3cretpw"}})
	require.NoError(t, err)
	require.True(t, report.Results[0].Success)

	// Store and broker writes are queued; Shutdown flushes them.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))

	statuses.AssertExpectations(t)
	accounts.AssertExpectations(t)

	var terminal bool
	for _, call := range statuses.Calls {
		if call.Method == "SaveStatus" && call.Arguments.Get(1).(*models.RunStatus).State == models.StateSuccess {
			terminal = true
		}
	}
	assert.True(t, terminal, "terminal status stored")

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, keys, RoutingKeyStatusChanged)
	assert.Contains(t, keys, RoutingKeyOutcome)
	assert.Contains(t, keys, RoutingKeyBatchCompleted)
}

func TestSinks_FailingSinkDoesNotAffectOutcome(t *testing.T) {
	publisher := new(mockPublisher)
	publisher.On("PublishEvent", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("channel closed"))

	sessions := &fakeSessions{drivers: []browser.Driver{formDriver(pageSuccess)}}
	svc := newTestService(t, sessions, func(o *Options) { o.Publisher = publisher })

	report, err := svc.RunBatch(context.Background(), []RegistrationRequest{{Username: "alice01", Password: "s3cretpw"}})
	require.NoError(t, err)
	assert.True(t, report.Results[0].Success)
}

func TestGetStatus_FallsBackToStore(t *testing.T) {
	statuses := new(mockStatusRepository)
	stored := &models.RunStatus{RunID: "old", State: models.StateFailed}
	statuses.On("GetStatus", mock.Anything, "old").Return(stored, nil)
	statuses.On("GetStatus", mock.Anything, "gone").Return(nil, repository.ErrRunNotFound)

	svc := newTestService(t, &fakeSessions{}, func(o *Options) { o.Statuses = statuses })

	got, err := svc.GetStatus(context.Background(), "old")
	require.NoError(t, err)
	assert.Equal(t, stored, got)

	_, err = svc.GetStatus(context.Background(), "gone")
	assert.ErrorIs(t, err, ErrRunNotFound)

	assert.ErrorIs(t, svc.Cancel(context.Background(), "old"), ErrRunFinished)
}

func TestListAccounts(t *testing.T) {
	svc := newTestService(t, &fakeSessions{}, nil)
	_, err := svc.ListAccounts(context.Background(), models.StatusSuccess, 10)
	assert.ErrorIs(t, err, ErrPersistenceDisabled)

	accounts := new(mockAccountRepository)
	records := []*repository.AccountRecord{{ID: 1, Username: "alice01", Status: models.StatusSuccess}}
	accounts.On("GetAccountsByStatus", mock.Anything, models.StatusSuccess, int64(10)).Return(records, nil)

	svc = newTestService(t, &fakeSessions{}, func(o *Options) { o.Accounts = accounts })
	got, err := svc.ListAccounts(context.Background(), models.StatusSuccess, 10)
	require.NoError(t, err)
	assert.Equal(t, records, got)
}

func TestStartWorkers_ProcessesCommands(t *testing.T) {
	var outcomes []*models.RegistrationResult
	var mu sync.Mutex
	sessions := &fakeSessions{drivers: []browser.Driver{formDriver(pageSuccess)}}
	svc := newTestService(t, sessions, func(o *Options) {
		o.Listeners = append(o.Listeners, callback.Listeners{OnOutcome: func(e callback.Event) error {
			mu.Lock()
			outcomes = append(outcomes, e.Result)
			mu.Unlock()
			return nil
		}})
	})

	consumer := &fakeConsumer{}
	require.NoError(t, svc.StartWorkers(context.Background(), consumer))
	assert.Equal(t, messaging.QueueRegister, consumer.queue)
	assert.Equal(t, 1, consumer.workers)

	require.NoError(t, consumer.handler(registerBody(t, "alice01")))

	mu.Lock()
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Success)
	mu.Unlock()

	invalid, err := json.Marshal(RegisterCommand{RegistrationRequest: RegistrationRequest{Username: "x"}})
	require.NoError(t, err)
	assert.NoError(t, consumer.handler(invalid), "invalid commands are dropped")

	assert.Error(t, consumer.handler([]byte("not json")))
}

func TestStartWorkers_CommandsRunConcurrently(t *testing.T) {
	var mu sync.Mutex
	outcomes := map[string]bool{}
	sessions := &fakeSessions{drivers: []browser.Driver{formDriver(pageChallenge), formDriver(pageSuccess)}}
	svc := newTestService(t, sessions, func(o *Options) {
		o.Concurrency = 2
		o.Config.Registration.ChallengeTimeout = time.Minute
		o.Listeners = append(o.Listeners, callback.Listeners{OnOutcome: func(e callback.Event) error {
			mu.Lock()
			outcomes[e.Username] = e.Result.Success
			mu.Unlock()
			return nil
		}})
	})

	consumer := &fakeConsumer{}
	require.NoError(t, svc.StartWorkers(context.Background(), consumer))
	require.Equal(t, 2, consumer.workers)

	slowBody, fastBody := registerBody(t, "slow001"), registerBody(t, "fast001")

	slowDone := make(chan error, 1)
	go func() { slowDone <- consumer.handler(slowBody) }()
	require.Eventually(t, func() bool { return sessions.acquired.Load() == 1 }, time.Second, 5*time.Millisecond)

	fastDone := make(chan error, 1)
	go func() { fastDone <- consumer.handler(fastBody) }()

	select {
	case err := <-fastDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second command waited behind the challenged one")
	}

	mu.Lock()
	assert.True(t, outcomes["fast001"])
	_, slowFinished := outcomes["slow001"]
	mu.Unlock()
	assert.False(t, slowFinished, "challenged command is still being monitored")

	select {
	case <-slowDone:
		t.Fatal("challenged command acked before it was terminal")
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))
	assert.NoError(t, <-slowDone)
}

func TestStartWorkers_RefusesAfterShutdown(t *testing.T) {
	sessions := &fakeSessions{drivers: []browser.Driver{formDriver(pageSuccess)}}
	svc := newTestService(t, sessions, nil)

	consumer := &fakeConsumer{}
	require.NoError(t, svc.StartWorkers(context.Background(), consumer))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))

	assert.ErrorIs(t, consumer.handler(registerBody(t, "late001")), ErrShuttingDown)
	assert.Equal(t, int32(0), sessions.acquired.Load())
}

func TestShutdown_ConcurrentWithRegister(t *testing.T) {
	sessions := &fakeSessions{drivers: []browser.Driver{formDriver(pageSuccess)}}
	svc := NewRegistrarService(Options{
		Sessions:    sessions,
		Detector:    classifier.Default(),
		Config:      testConfig(),
		Concurrency: 4,
	}, logger.Nop())

	var wg sync.WaitGroup
	var accepted atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Register(context.Background(), RegistrationRequest{Generate: true})
			if err == nil {
				accepted.Add(1)
				return
			}
			assert.ErrorIs(t, err, ErrShuttingDown)
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))
	wg.Wait()

	// Every accepted run was waited for; none start after Shutdown returns.
	assert.Equal(t, sessions.acquired.Load(), sessions.released.Load())
	assert.LessOrEqual(t, sessions.acquired.Load(), accepted.Load())
}

func TestSinks_SlowStoreDoesNotDelayRun(t *testing.T) {
	statuses := new(mockStatusRepository)
	statuses.On("NextAccountID", mock.Anything).Return(int64(7), nil)
	statuses.On("SaveStatus", mock.Anything, mock.Anything).After(100 * time.Millisecond).Return(nil)

	sessions := &fakeSessions{drivers: []browser.Driver{formDriver(pageSuccess)}}
	svc := newTestService(t, sessions, func(o *Options) { o.Statuses = statuses })

	start := time.Now()
	report, err := svc.RunBatch(context.Background(), []RegistrationRequest{{Username: "alice01", Password: "s3cretpw"}})
	require.NoError(t, err)
	require.True(t, report.Results[0].Success)
	// Ten status writes at 100ms each would take a second inline.
	assert.Less(t, time.Since(start), 600*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))

	var terminal bool
	for _, call := range statuses.Calls {
		if call.Method == "SaveStatus" && call.Arguments.Get(1).(*models.RunStatus).State == models.StateSuccess {
			terminal = true
		}
	}
	assert.True(t, terminal, "terminal status flushed on shutdown")
}

func TestAccountQueries(t *testing.T) {
	svc := newTestService(t, &fakeSessions{}, nil)
	_, err := svc.GetAccount(context.Background(), 1)
	assert.ErrorIs(t, err, ErrPersistenceDisabled)
	_, err = svc.AccountStats(context.Background())
	assert.ErrorIs(t, err, ErrPersistenceDisabled)

	accounts := new(mockAccountRepository)
	record := &repository.AccountRecord{ID: 1, Username: "alice01", Status: models.StatusSuccess}
	accounts.On("GetAccount", mock.Anything, int64(1)).Return(record, nil)
	accounts.On("GetAccount", mock.Anything, int64(2)).Return(nil, repository.ErrAccountNotFound)
	counts := map[models.AccountStatus]int64{models.StatusSuccess: 3, models.StatusFailed: 1}
	accounts.On("CountByStatus", mock.Anything).Return(counts, nil)

	svc = newTestService(t, &fakeSessions{}, func(o *Options) { o.Accounts = accounts })

	got, err := svc.GetAccount(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, record, got)

	_, err = svc.GetAccount(context.Background(), 2)
	assert.ErrorIs(t, err, ErrAccountNotFound)

	stats, err := svc.AccountStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, counts, stats)
}

func TestReconcileStale(t *testing.T) {
	old := time.Now().Add(-time.Hour)
	stale := &models.RunStatus{
		RunID:     "stale",
		Account:   models.AccountSnapshot{ID: 5, Username: "carol01", Status: models.StatusWaitingChallenge},
		State:     models.StateChallengeMonitoring,
		StartedAt: old,
		UpdatedAt: old,
	}
	fresh := &models.RunStatus{RunID: "fresh", State: models.StateNavigating, UpdatedAt: time.Now()}

	statuses := new(mockStatusRepository)
	statuses.On("ActiveRuns", mock.Anything).Return([]string{"stale", "fresh", "expired"}, nil)
	statuses.On("GetStatus", mock.Anything, "stale").Return(stale, nil)
	statuses.On("GetStatus", mock.Anything, "fresh").Return(fresh, nil)
	statuses.On("GetStatus", mock.Anything, "expired").Return(nil, repository.ErrRunNotFound)
	statuses.On("SaveStatus", mock.Anything, mock.MatchedBy(func(s *models.RunStatus) bool {
		return s.RunID == "stale"
	})).Return(nil).Once()

	svc := newTestService(t, &fakeSessions{}, func(o *Options) { o.Statuses = statuses })

	n, err := svc.ReconcileStale(context.Background(), 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	statuses.AssertExpectations(t)

	assert.Equal(t, models.StateFailed, stale.State)
	assert.Equal(t, models.StatusFailed, stale.Account.Status)
	require.NotNil(t, stale.Result)
	assert.Equal(t, "registration interrupted in challenge_monitoring", stale.Result.Notes)
	assert.Equal(t, models.StateNavigating, fresh.State)
}

func TestReconcileStale_SkipsOwnRuns(t *testing.T) {
	statuses := new(mockStatusRepository)
	statuses.On("NextAccountID", mock.Anything).Return(int64(1), nil)
	statuses.On("SaveStatus", mock.Anything, mock.Anything).Return(nil)

	sessions := &fakeSessions{drivers: []browser.Driver{formDriver(pageChallenge)}}
	svc := newTestService(t, sessions, func(o *Options) {
		o.Statuses = statuses
		o.Config.Registration.ChallengeTimeout = time.Minute
	})

	status, err := svc.Register(context.Background(), RegistrationRequest{Username: "alice01", Password: "s3cretpw"})
	require.NoError(t, err)
	statuses.On("ActiveRuns", mock.Anything).Return([]string{status.RunID}, nil)

	n, err := svc.ReconcileStale(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, n)
	statuses.AssertNotCalled(t, "GetStatus", mock.Anything, status.RunID)
}

func TestReconcileStale_WithoutStore(t *testing.T) {
	svc := newTestService(t, &fakeSessions{}, nil)
	n, err := svc.ReconcileStale(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestShutdown_RejectsNewRuns(t *testing.T) {
	sessions := &fakeSessions{drivers: []browser.Driver{formDriver(pageChallenge)}}
	svc := NewRegistrarService(Options{
		Sessions: sessions,
		Detector: classifier.Default(),
		Config:   testConfig(),
	}, logger.Nop())

	_, err := svc.Register(context.Background(), RegistrationRequest{Username: "alice01", Password: "s3cretpw"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))

	_, err = svc.Register(context.Background(), RegistrationRequest{Username: "bob0001", Password: "s3cretpw"})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestBuildReport_Quantiles(t *testing.T) {
	results := []*models.RegistrationResult{
		{Success: true, Duration: 10},
		{Success: true, Duration: 1},
		{Success: false, Duration: 3, ChallengeType: "slide"},
		{Success: true, Duration: 4},
		{Success: false, Duration: 2},
	}

	report := buildReport("b1", results)

	assert.Equal(t, 5, report.Total)
	assert.Equal(t, 3, report.Succeeded)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, 1, report.Challenged)
	assert.InDelta(t, 4.0, report.MeanDuration, 1e-9)
	assert.InDelta(t, 3.0, report.MedianDuration, 1e-9)
	assert.InDelta(t, 10.0, report.P90Duration, 1e-9)
}
