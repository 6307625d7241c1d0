package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/grigta/registrar/pkg/crypto"
	"github.com/grigta/registrar/pkg/logger"
	"github.com/grigta/registrar/pkg/messaging"
	"github.com/grigta/registrar/services/registrar/internal/browser"
	"github.com/grigta/registrar/services/registrar/internal/callback"
	"github.com/grigta/registrar/services/registrar/internal/challenge"
	"github.com/grigta/registrar/services/registrar/internal/models"
	"github.com/grigta/registrar/services/registrar/internal/repository"
)

const (
	generatedUsernamePrefix = "reg"
	generatedUsernameLength = 8
	generatedPasswordLength = 12
)

var (
	ErrRunNotFound         = errors.New("run not found")
	ErrRunFinished         = errors.New("run already finished")
	ErrEmptyBatch          = errors.New("batch is empty")
	ErrPersistenceDisabled = errors.New("account persistence is not configured")
	ErrShuttingDown        = errors.New("registrar is shutting down")
	ErrAccountNotFound     = errors.New("account not found")
)

// SessionProvider hands out exclusive browser sessions. *browser.Manager
// implements it.
type SessionProvider interface {
	Acquire(ctx context.Context) (*browser.Session, error)
}

// QueueConsumer is the subset of messaging.Client the workers need.
type QueueConsumer interface {
	ConsumeQueueWorkers(ctx context.Context, queueName string, workers int, handler func([]byte) error) error
}

type RegistrationRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Generate bool   `json:"generate"`
}

// RegisterCommand is the payload of a registrar.register queue message.
type RegisterCommand struct {
	RegistrationRequest
	BatchID string `json:"batch_id,omitempty"`
}

type BatchSubmission struct {
	BatchID string              `json:"batch_id"`
	Runs    []*models.RunStatus `json:"runs"`
}

type RegistrarService interface {
	Register(ctx context.Context, req RegistrationRequest) (*models.RunStatus, error)
	SubmitBatch(ctx context.Context, reqs []RegistrationRequest) (*BatchSubmission, error)
	RunBatch(ctx context.Context, reqs []RegistrationRequest) (*models.BatchReport, error)
	GetStatus(ctx context.Context, runID string) (*models.RunStatus, error)
	Cancel(ctx context.Context, runID string) error
	ListAccounts(ctx context.Context, status models.AccountStatus, limit int64) ([]*repository.AccountRecord, error)
	GetAccount(ctx context.Context, id int64) (*repository.AccountRecord, error)
	AccountStats(ctx context.Context) (map[models.AccountStatus]int64, error)
	ReconcileStale(ctx context.Context, olderThan time.Duration) (int, error)
	StartWorkers(ctx context.Context, consumer QueueConsumer) error
	Shutdown(ctx context.Context) error
}

type Options struct {
	Sessions    SessionProvider
	Detector    challenge.Detector
	Config      OrchestratorConfig
	Concurrency int

	// Optional infrastructure; nil disables the matching sink.
	Accounts  repository.AccountRepository
	Statuses  repository.StatusRepository
	Publisher EventPublisher
	Metrics   MetricsCollector
	Passwords crypto.PasswordGenerator

	// Extra listener sets. Listeners run on the orchestrator goroutine and
	// must not block; each of AsyncListeners gets its own bounded queue.
	Listeners      []callback.Listeners
	AsyncListeners []callback.Listeners
	// CallbackQueueSize bounds every async queue. Zero means
	// callback.DefaultQueueSize.
	CallbackQueueSize int
}

type run struct {
	id        string
	batchID   string
	account   *models.Account
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc

	mu        sync.Mutex
	state     models.RegistrationState
	orch      *Orchestrator
	result    *models.RegistrationResult
	cancelled bool
}

func (r *run) status() *models.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &models.RunStatus{
		RunID:     r.id,
		BatchID:   r.batchID,
		Account:   r.account.Snapshot(),
		State:     r.state,
		StartedAt: r.startedAt,
		UpdatedAt: time.Now(),
		Result:    r.result,
	}
}

type registrarService struct {
	opts   Options
	bus    *callback.Bus
	logger logger.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	closing    atomic.Bool
	wg         sync.WaitGroup

	mu     sync.RWMutex
	runs   map[string]*run
	nextID atomic.Int64
}

func NewRegistrarService(opts Options, log logger.Logger) RegistrarService {
	if log == nil {
		log = logger.Nop()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Passwords == nil {
		opts.Passwords = crypto.NewPasswordGenerator()
	}

	s := &registrarService{
		opts:   opts,
		bus:    callback.NewBus(log.WithField("component", "callback_bus")),
		logger: log,
		runs:   make(map[string]*run),
	}
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())

	// In-memory sinks run inline. Anything doing I/O goes through a queue so
	// a slow store or broker never holds up the state machine.
	s.bus.Attach(s.trackingListeners())
	if opts.Metrics != nil {
		s.bus.Attach(MetricsListeners(opts.Metrics))
	}
	for _, l := range opts.Listeners {
		s.bus.Attach(l)
	}

	if opts.Statuses != nil || opts.Accounts != nil {
		s.bus.AttachAsync(s.persistenceListeners(), opts.CallbackQueueSize)
	}
	if opts.Publisher != nil {
		s.bus.AttachAsync(PublisherListeners(opts.Publisher), opts.CallbackQueueSize)
	}
	for _, l := range opts.AsyncListeners {
		s.bus.AttachAsync(l, opts.CallbackQueueSize)
	}
	return s
}

// trackingListeners keeps the run table in step with the orchestrator.
func (s *registrarService) trackingListeners() callback.Listeners {
	return callback.Listeners{
		OnStatusChanged: func(e callback.Event) error {
			if r := s.lookup(e.RunID); r != nil {
				r.mu.Lock()
				r.state = e.State
				r.mu.Unlock()
			}
			return nil
		},
		OnOutcome: func(e callback.Event) error {
			if r := s.lookup(e.RunID); r != nil {
				r.mu.Lock()
				r.state = e.State
				r.result = e.Result
				r.mu.Unlock()
			}
			return nil
		},
	}
}

// persistenceListeners writes run status and the final account record.
// Once the outcome is stored the status store answers for the run and it
// leaves the run table.
func (s *registrarService) persistenceListeners() callback.Listeners {
	return callback.Listeners{
		OnStatusChanged: func(e callback.Event) error {
			r := s.lookup(e.RunID)
			if r == nil {
				return nil
			}
			return s.saveStatus(r)
		},
		OnOutcome: func(e callback.Event) error {
			r := s.lookup(e.RunID)
			if r == nil {
				return nil
			}
			defer s.forget(r)

			var errs []error
			if err := s.saveStatus(r); err != nil {
				errs = append(errs, err)
			}
			if s.opts.Accounts != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := s.opts.Accounts.SaveResult(ctx, r.account, e.Result, r.id, r.batchID); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
	}
}

func (s *registrarService) saveStatus(r *run) error {
	if s.opts.Statuses == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.opts.Statuses.SaveStatus(ctx, r.status())
}

func (s *registrarService) forget(r *run) {
	if s.opts.Statuses == nil {
		return
	}
	s.mu.Lock()
	delete(s.runs, r.id)
	s.mu.Unlock()
}

func (s *registrarService) lookup(runID string) *run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runs[runID]
}

func (s *registrarService) nextAccountID(ctx context.Context) (int64, error) {
	if s.opts.Statuses != nil {
		id, err := s.opts.Statuses.NextAccountID(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to allocate account id: %w", err)
		}
		return id, nil
	}
	return s.nextID.Add(1), nil
}

func (s *registrarService) newRun(ctx context.Context, req RegistrationRequest, batchID string) (*run, error) {
	if s.closing.Load() {
		return nil, ErrShuttingDown
	}

	username, password := req.Username, req.Password
	if req.Generate {
		if username == "" {
			username = s.opts.Passwords.GenerateUsername(generatedUsernamePrefix, generatedUsernameLength)
		}
		if password == "" {
			password = s.opts.Passwords.GenerateSecure(generatedPasswordLength)
		}
	}

	// Validate before spending an id.
	if _, err := models.NewAccount(0, username, password); err != nil {
		return nil, err
	}
	id, err := s.nextAccountID(ctx)
	if err != nil {
		return nil, err
	}
	account, err := models.NewAccount(id, username, password)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(s.baseCtx)
	r := &run{
		id:        uuid.NewString(),
		batchID:   batchID,
		account:   account,
		startedAt: time.Now(),
		ctx:       runCtx,
		cancel:    cancel,
		state:     models.StateInitializing,
	}

	s.mu.Lock()
	s.runs[r.id] = r
	s.mu.Unlock()

	if err := s.saveStatus(r); err != nil {
		s.logger.Warn("Failed to store initial run status", logger.F("run_id", r.id), logger.Err(err))
	}
	return r, nil
}

// execute runs one account to completion on its own browser session.
func (s *registrarService) execute(r *run) *models.RegistrationResult {
	defer r.cancel()

	log := s.logger.WithFields(logger.Fields{
		"run_id":     r.id,
		"account_id": r.account.ID(),
		"username":   r.account.Username(),
	})

	if s.opts.Metrics != nil {
		s.opts.Metrics.IncrementActiveRegistrations()
		defer s.opts.Metrics.DecrementActiveRegistrations()
	}

	emitter := s.bus.For(r.account, r.id)

	session, err := s.opts.Sessions.Acquire(r.ctx)
	if err != nil {
		reason := "registration cancelled before start"
		if r.ctx.Err() == nil {
			log.Error("Failed to acquire browser session", logger.Err(err))
			reason = fmt.Sprintf("browser session unavailable: %v", err)
		}
		return NewOrchestrator(r.account, nil, s.opts.Detector, emitter, s.opts.Config, log).Abort(reason)
	}
	defer func() {
		if err := session.Release(); err != nil {
			log.Warn("Failed to release browser session", logger.Err(err))
		}
	}()

	orch := NewOrchestrator(r.account, session.Driver, s.opts.Detector, emitter, s.opts.Config, log)

	r.mu.Lock()
	r.orch = orch
	cancelled := r.cancelled
	r.mu.Unlock()
	if cancelled {
		orch.Cancel()
	}

	return orch.Run(r.ctx)
}

// track counts work Shutdown must wait for. It refuses once Shutdown has
// begun, so wg.Add never runs concurrently with wg.Wait.
func (s *registrarService) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *registrarService) launch(r *run) error {
	if !s.track() {
		s.discard(r)
		return ErrShuttingDown
	}
	go func() {
		defer s.wg.Done()
		s.execute(r)
	}()
	return nil
}

// Register starts one registration in the background and returns its
// initial status.
func (s *registrarService) Register(ctx context.Context, req RegistrationRequest) (*models.RunStatus, error) {
	r, err := s.newRun(ctx, req, "")
	if err != nil {
		return nil, err
	}
	status := r.status()
	if err := s.launch(r); err != nil {
		return nil, err
	}
	s.logger.Info("Registration queued", logger.F("run_id", r.id), logger.F("username", r.account.Username()))
	return status, nil
}

func (s *registrarService) prepareBatch(ctx context.Context, reqs []RegistrationRequest) (string, []*run, error) {
	if len(reqs) == 0 {
		return "", nil, ErrEmptyBatch
	}
	for i, req := range reqs {
		if req.Generate {
			continue
		}
		if _, err := models.NewAccount(0, req.Username, req.Password); err != nil {
			return "", nil, fmt.Errorf("entry %d: %w", i, err)
		}
	}

	batchID := uuid.NewString()
	runs := make([]*run, 0, len(reqs))
	for i, req := range reqs {
		r, err := s.newRun(ctx, req, batchID)
		if err != nil {
			for _, prepared := range runs {
				s.discard(prepared)
			}
			return "", nil, fmt.Errorf("entry %d: %w", i, err)
		}
		runs = append(runs, r)
	}
	return batchID, runs, nil
}

func (s *registrarService) discard(r *run) {
	r.cancel()
	s.mu.Lock()
	delete(s.runs, r.id)
	s.mu.Unlock()
}

// runAll executes runs with at most Concurrency in flight. Results keep
// the input order.
func (s *registrarService) runAll(runs []*run) []*models.RegistrationResult {
	results := make([]*models.RegistrationResult, len(runs))

	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for i, r := range runs {
		g.Go(func() error {
			results[i] = s.execute(r)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// SubmitBatch starts a batch in the background. The report is published on
// the events exchange when the batch completes.
func (s *registrarService) SubmitBatch(ctx context.Context, reqs []RegistrationRequest) (*BatchSubmission, error) {
	batchID, runs, err := s.prepareBatch(ctx, reqs)
	if err != nil {
		return nil, err
	}

	sub := &BatchSubmission{BatchID: batchID}
	for _, r := range runs {
		sub.Runs = append(sub.Runs, r.status())
	}

	if !s.track() {
		for _, r := range runs {
			s.discard(r)
		}
		return nil, ErrShuttingDown
	}
	go func() {
		defer s.wg.Done()
		report := buildReport(batchID, s.runAll(runs))
		s.reportBatch(report)
	}()

	s.logger.Info("Batch queued", logger.F("batch_id", batchID), logger.F("size", len(runs)))
	return sub, nil
}

// RunBatch runs a batch and blocks until every account is terminal.
func (s *registrarService) RunBatch(ctx context.Context, reqs []RegistrationRequest) (*models.BatchReport, error) {
	if !s.track() {
		return nil, ErrShuttingDown
	}
	defer s.wg.Done()

	batchID, runs, err := s.prepareBatch(ctx, reqs)
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() {
		for _, r := range runs {
			s.cancelRun(r)
		}
	})
	defer stop()

	report := buildReport(batchID, s.runAll(runs))
	s.reportBatch(report)
	return report, nil
}

func (s *registrarService) reportBatch(report *models.BatchReport) {
	s.logger.Info("Batch finished",
		logger.F("batch_id", report.BatchID),
		logger.F("total", report.Total),
		logger.F("succeeded", report.Succeeded),
		logger.F("failed", report.Failed),
		logger.F("challenged", report.Challenged),
		logger.F("p50_duration", report.MedianDuration),
	)
	if s.opts.Publisher == nil {
		return
	}
	if err := s.opts.Publisher.PublishEvent(messaging.ExchangeEvents, RoutingKeyBatchCompleted, report); err != nil {
		s.logger.Warn("Failed to publish batch report", logger.F("batch_id", report.BatchID), logger.Err(err))
	}
}

func buildReport(batchID string, results []*models.RegistrationResult) *models.BatchReport {
	report := &models.BatchReport{
		BatchID: batchID,
		Total:   len(results),
		Results: results,
	}

	durations := make([]float64, 0, len(results))
	for _, res := range results {
		if res == nil {
			continue
		}
		if res.Success {
			report.Succeeded++
		} else {
			report.Failed++
		}
		if res.ChallengeType != "" {
			report.Challenged++
		}
		durations = append(durations, res.Duration)
	}

	if len(durations) > 0 {
		sort.Float64s(durations)
		report.MeanDuration = stat.Mean(durations, nil)
		report.MedianDuration = stat.Quantile(0.5, stat.Empirical, durations, nil)
		report.P90Duration = stat.Quantile(0.9, stat.Empirical, durations, nil)
	}
	return report
}

func (s *registrarService) GetStatus(ctx context.Context, runID string) (*models.RunStatus, error) {
	if r := s.lookup(runID); r != nil {
		return r.status(), nil
	}
	if s.opts.Statuses == nil {
		return nil, ErrRunNotFound
	}

	status, err := s.opts.Statuses.GetStatus(ctx, runID)
	if errors.Is(err, repository.ErrRunNotFound) {
		return nil, ErrRunNotFound
	}
	return status, err
}

// Cancel stops a run that is still in progress. The run resolves to failed
// through the orchestrator.
func (s *registrarService) Cancel(ctx context.Context, runID string) error {
	r := s.lookup(runID)
	if r == nil {
		if _, err := s.GetStatus(ctx, runID); err == nil {
			return ErrRunFinished
		}
		return ErrRunNotFound
	}

	r.mu.Lock()
	done := r.result != nil
	r.mu.Unlock()
	if done {
		return ErrRunFinished
	}

	s.cancelRun(r)
	s.logger.Info("Registration cancelled", logger.F("run_id", runID))
	return nil
}

func (s *registrarService) cancelRun(r *run) {
	r.mu.Lock()
	r.cancelled = true
	orch := r.orch
	r.mu.Unlock()

	if orch != nil {
		orch.Cancel()
	}
	r.cancel()
}

func (s *registrarService) ListAccounts(ctx context.Context, status models.AccountStatus, limit int64) ([]*repository.AccountRecord, error) {
	if s.opts.Accounts == nil {
		return nil, ErrPersistenceDisabled
	}
	return s.opts.Accounts.GetAccountsByStatus(ctx, status, limit)
}

func (s *registrarService) GetAccount(ctx context.Context, id int64) (*repository.AccountRecord, error) {
	if s.opts.Accounts == nil {
		return nil, ErrPersistenceDisabled
	}
	record, err := s.opts.Accounts.GetAccount(ctx, id)
	if errors.Is(err, repository.ErrAccountNotFound) {
		return nil, ErrAccountNotFound
	}
	return record, err
}

// AccountStats counts stored accounts per status.
func (s *registrarService) AccountStats(ctx context.Context) (map[models.AccountStatus]int64, error) {
	if s.opts.Accounts == nil {
		return nil, ErrPersistenceDisabled
	}
	return s.opts.Accounts.CountByStatus(ctx)
}

// ReconcileStale fails runs the status store still lists as active but that
// nobody has updated for olderThan, typically left behind by a registrar
// that died mid-run. Runs owned by this process are skipped. It returns how
// many runs were marked failed.
func (s *registrarService) ReconcileStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if s.opts.Statuses == nil {
		return 0, nil
	}
	ids, err := s.opts.Statuses.ActiveRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active runs: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	reconciled := 0
	var errs []error
	for _, id := range ids {
		if s.lookup(id) != nil {
			continue
		}
		status, err := s.opts.Statuses.GetStatus(ctx, id)
		if errors.Is(err, repository.ErrRunNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if status.State.IsTerminal() || status.UpdatedAt.After(cutoff) {
			continue
		}

		lastState := status.State
		markInterrupted(status)
		if err := s.opts.Statuses.SaveStatus(ctx, status); err != nil {
			errs = append(errs, fmt.Errorf("run %s: %w", id, err))
			continue
		}
		reconciled++
		s.logger.Warn("Marked stale run as failed",
			logger.F("run_id", id),
			logger.F("username", status.Account.Username),
			logger.F("last_state", string(lastState)),
		)
	}
	return reconciled, errors.Join(errs...)
}

func markInterrupted(status *models.RunStatus) {
	note := fmt.Sprintf("registration interrupted in %s", status.State)
	status.State = models.StateFailed
	status.Account.Status = models.StatusFailed
	status.Account.Notes = note
	status.Result = &models.RegistrationResult{
		AccountID:  status.Account.ID,
		Username:   status.Account.Username,
		Status:     models.StatusFailed,
		Notes:      note,
		FinalState: models.StateFailed,
		Duration:   time.Since(status.StartedAt).Seconds(),
	}
}

// StartWorkers consumes register commands with Concurrency workers. Each
// delivery is acked only after its registration is terminal, so a crash
// leaves unfinished commands on the queue.
func (s *registrarService) StartWorkers(ctx context.Context, consumer QueueConsumer) error {
	handler := func(body []byte) error {
		if !s.track() {
			return ErrShuttingDown
		}
		defer s.wg.Done()

		var cmd RegisterCommand
		if err := messaging.DecodeMessage(body, &cmd); err != nil {
			s.logger.Error("Failed to decode register command", logger.Err(err))
			return err
		}

		r, err := s.newRun(ctx, cmd.RegistrationRequest, cmd.BatchID)
		if err != nil {
			if errors.Is(err, models.ErrInvalidAccount) {
				// Redelivering an invalid command cannot succeed.
				s.logger.Warn("Dropping invalid register command", logger.Err(err))
				return nil
			}
			return err
		}

		res := s.execute(r)
		s.logger.Info("Register command processed",
			logger.F("run_id", r.id),
			logger.F("status", string(res.Status)),
		)
		return nil
	}

	if err := consumer.ConsumeQueueWorkers(ctx, messaging.QueueRegister, s.opts.Concurrency, handler); err != nil {
		return fmt.Errorf("failed to start register consumer: %w", err)
	}
	s.logger.Info("Registrar workers started",
		logger.F("queue", messaging.QueueRegister),
		logger.F("workers", s.opts.Concurrency),
	)
	return nil
}

// Shutdown cancels every in-flight run and waits for them to resolve or for
// ctx to expire.
func (s *registrarService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing.Store(true)
	runs := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.Unlock()

	for _, r := range runs {
		s.cancelRun(r)
	}
	s.baseCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown interrupted: %w", ctx.Err())
	}

	// Flush queued status writes and notifications.
	if err := s.bus.Close(ctx); err != nil {
		return fmt.Errorf("shutdown interrupted: %w", err)
	}
	s.logger.Info("Registrar service stopped")
	return nil
}
