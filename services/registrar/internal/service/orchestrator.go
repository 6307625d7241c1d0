package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/grigta/registrar/pkg/logger"
	"github.com/grigta/registrar/services/registrar/internal/browser"
	"github.com/grigta/registrar/services/registrar/internal/callback"
	"github.com/grigta/registrar/services/registrar/internal/challenge"
	"github.com/grigta/registrar/services/registrar/internal/classifier"
	"github.com/grigta/registrar/services/registrar/internal/models"
)

type OrchestratorConfig struct {
	Registration models.RegistrationConfig
	Monitor      challenge.MonitorConfig
}

type guard func(rc *models.RegistrationContext) bool

type transition struct {
	to    models.RegistrationState
	guard guard
}

type stateDef struct {
	entry       func(ctx context.Context) error
	transitions []transition
	retryable   bool
}

type projection struct {
	status models.AccountStatus
	note   func(rc *models.RegistrationContext) string
}

func fixedNote(note string) func(*models.RegistrationContext) string {
	return func(*models.RegistrationContext) string { return note }
}

// projections is the only mapping from orchestrator state to the Account.
var projections = map[models.RegistrationState]projection{
	models.StateInitializing:  {models.StatusProcessing, fixedNote("initializing browser session")},
	models.StateNavigating:    {models.StatusProcessing, fixedNote("navigating to home page")},
	models.StateHomepageReady: {models.StatusProcessing, fixedNote("home page loaded")},
	models.StateOpeningForm:   {models.StatusProcessing, fixedNote("opening registration form")},
	models.StateFormReady:     {models.StatusProcessing, fixedNote("registration form ready")},
	models.StateFillingForm:   {models.StatusProcessing, fixedNote("filling registration form")},
	models.StateSubmitting:    {models.StatusProcessing, fixedNote("submitting registration form")},
	models.StateWaitingResult: {models.StatusProcessing, fixedNote("waiting for registration result")},
	models.StateChallengeMonitoring: {models.StatusWaitingChallenge, func(rc *models.RegistrationContext) string {
		return fmt.Sprintf("waiting for %s challenge to be resolved (timeout %s)",
			challengeTypeOf(rc), rc.ChallengeTimeout)
	}},
	models.StateVerifyingResult: {models.StatusProcessing, fixedNote("verifying registration result")},
	models.StateSuccess:         {models.StatusSuccess, fixedNote("registration successful")},
	models.StateFailed: {models.StatusFailed, func(rc *models.RegistrationContext) string {
		if reason := rc.GetString(models.MetaFailureReason); reason != "" {
			return reason
		}
		if rc.Error != "" {
			return rc.Error
		}
		return "registration failed"
	}},
}

func challengeTypeOf(rc *models.RegistrationContext) string {
	if t := rc.GetString(models.MetaChallengeType); t != "" {
		return t
	}
	return classifier.TypeUnknown
}

func flag(key string) guard {
	return func(rc *models.RegistrationContext) bool { return rc.Flag(key) }
}

func always(*models.RegistrationContext) bool { return true }

// Orchestrator drives one account through the registration state machine.
// It is single-use and owns the driver for the duration of Run.
type Orchestrator struct {
	driver   browser.Driver
	detector challenge.Detector
	config   OrchestratorConfig
	emitter  *callback.AccountEmitter
	logger   logger.Logger

	rc     *models.RegistrationContext
	states map[models.RegistrationState]stateDef

	mu        sync.Mutex
	current   models.RegistrationState
	monitor   *challenge.Monitor
	cancel    context.CancelFunc
	cancelled bool

	sleep func(ctx context.Context, d time.Duration) error
}

func NewOrchestrator(
	account *models.Account,
	driver browser.Driver,
	detector challenge.Detector,
	emitter *callback.AccountEmitter,
	config OrchestratorConfig,
	log logger.Logger,
) *Orchestrator {
	if config.Registration.MaxAttempts <= 0 {
		config.Registration.MaxAttempts = 3
	}
	if config.Registration.ChallengeTimeout <= 0 {
		config.Registration.ChallengeTimeout = 300 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	if emitter == nil {
		emitter = callback.NewBus(log).For(account, "")
	}

	o := &Orchestrator{
		driver:   driver,
		detector: detector,
		config:   config,
		emitter:  emitter,
		logger:   log.WithFields(logger.Fields{"account_id": account.ID(), "username": account.Username()}),
		rc:       models.NewRegistrationContext(account, config.Registration.MaxAttempts, config.Registration.ChallengeTimeout),
		current:  models.StateInitializing,
		sleep:    sleepCtx,
	}
	o.states = o.buildStates()
	return o
}

func (o *Orchestrator) buildStates() map[models.RegistrationState]stateDef {
	return map[models.RegistrationState]stateDef{
		models.StateInitializing: {
			entry:       o.initialize,
			transitions: []transition{{models.StateNavigating, always}},
		},
		models.StateNavigating: {
			entry:       o.navigate,
			transitions: []transition{{models.StateHomepageReady, flag(models.MetaNavigated)}},
			retryable:   true,
		},
		models.StateHomepageReady: {
			entry:       o.homepageReady,
			transitions: []transition{{models.StateOpeningForm, always}},
		},
		models.StateOpeningForm: {
			entry:       o.openForm,
			transitions: []transition{{models.StateFormReady, flag(models.MetaFormOpened)}},
			retryable:   true,
		},
		models.StateFormReady: {
			entry:       func(context.Context) error { return nil },
			transitions: []transition{{models.StateFillingForm, always}},
		},
		models.StateFillingForm: {
			entry:       o.fillForm,
			transitions: []transition{{models.StateSubmitting, flag(models.MetaFormFilled)}},
			retryable:   true,
		},
		models.StateSubmitting: {
			entry:       o.submit,
			transitions: []transition{{models.StateWaitingResult, flag(models.MetaSubmitted)}},
		},
		models.StateWaitingResult: {
			entry: o.waitResult,
			transitions: []transition{
				{models.StateChallengeMonitoring, flag(models.MetaChallengeDetected)},
				{models.StateFailed, flag(models.MetaRegistrationFailed)},
				{models.StateVerifyingResult, flag(models.MetaResultChecked)},
			},
		},
		models.StateChallengeMonitoring: {
			entry: o.monitorChallenge,
			transitions: []transition{
				{models.StateVerifyingResult, flag(models.MetaChallengeResolved)},
				{models.StateFailed, flag(models.MetaRegistrationFailed)},
			},
		},
		models.StateVerifyingResult: {
			entry: o.verifyResult,
			transitions: []transition{
				{models.StateSuccess, flag(models.MetaRegistrationOK)},
				{models.StateChallengeMonitoring, flag(models.MetaChallengeDetected)},
				{models.StateFailed, flag(models.MetaRegistrationFailed)},
			},
		},
	}
}

// State returns the current state. Safe to call from any goroutine.
func (o *Orchestrator) State() models.RegistrationState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

func (o *Orchestrator) Context() *models.RegistrationContext {
	return o.rc
}

// Cancel aborts the run: the run context is cancelled and an active
// challenge monitor is stopped. Run then resolves to failed.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	o.cancelled = true
	cancel := o.cancel
	monitor := o.monitor
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if monitor != nil {
		monitor.StopMonitoring()
	}
}

// Run executes the state machine to a terminal state. It never returns a
// nil result; every failure is reflected in the account status and note.
func (o *Orchestrator) Run(parent context.Context) *models.RegistrationResult {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	o.mu.Lock()
	o.cancel = cancel
	if o.cancelled {
		cancel()
	}
	o.mu.Unlock()

	o.moveTo(models.StateInitializing)

	budget := len(o.states) * o.rc.MaxAttempts * 2
	for steps := 0; ; steps++ {
		state := o.State()
		if state.IsTerminal() {
			break
		}
		if steps >= budget {
			o.fail(fmt.Sprintf("registration aborted in %s: step budget exhausted", state))
			break
		}
		if ctx.Err() != nil {
			o.fail(fmt.Sprintf("registration cancelled in %s", state))
			break
		}

		o.step(ctx, state)
	}

	return o.result()
}

// Abort resolves a run that cannot start, for example when no browser
// session is available. The account goes through the same failed
// projection Run would apply. The driver is never touched, so it may be nil.
func (o *Orchestrator) Abort(reason string) *models.RegistrationResult {
	if !o.State().IsTerminal() {
		o.fail(reason)
	}
	return o.result()
}

func (o *Orchestrator) step(ctx context.Context, state models.RegistrationState) {
	def, ok := o.states[state]
	if !ok {
		o.fail(fmt.Sprintf("no definition for state %s", state))
		return
	}

	attempt := o.rc.IncAttempt(state)
	o.emitter.StepStarted(state)
	o.logger.Debug("Entering state", logger.F("state", string(state)), logger.F("attempt", attempt))

	err := o.runEntry(ctx, state, def.entry)
	if err != nil {
		o.rc.Error = fmt.Sprintf("%s: %v", state, err)
		o.logger.Warn("State action failed",
			logger.F("state", string(state)),
			logger.F("attempt", attempt),
			logger.Err(err),
		)
		o.emitter.Log(callback.LevelWarn, "%s attempt %d/%d failed: %v", state, attempt, o.rc.MaxAttempts, err)
	}

	for _, t := range def.transitions {
		if t.guard(o.rc) {
			o.moveTo(t.to)
			return
		}
	}

	if ctx.Err() != nil {
		o.fail(fmt.Sprintf("registration cancelled in %s", state))
		return
	}

	if def.retryable && attempt < o.rc.MaxAttempts {
		backoff := o.config.Registration.RetryBackoff
		o.emitter.Log(callback.LevelInfo, "retrying %s in %s", state, backoff)
		if err := o.sleep(ctx, backoff); err != nil {
			o.fail(fmt.Sprintf("registration cancelled in %s", state))
		}
		return
	}

	reason := fmt.Sprintf("%s failed", state)
	if def.retryable {
		reason = fmt.Sprintf("%s failed after %d attempts", state, attempt)
	}
	if err != nil {
		reason = fmt.Sprintf("%s: %v", reason, err)
	}
	o.fail(reason)
}

func (o *Orchestrator) runEntry(ctx context.Context, state models.RegistrationState, entry func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Panic in state action", logger.F("state", string(state)), logger.F("panic", fmt.Sprint(r)))
			err = fmt.Errorf("panic in %s: %v", state, r)
		}
	}()
	return entry(ctx)
}

func (o *Orchestrator) fail(reason string) {
	o.rc.Set(models.MetaFailureReason, reason)
	o.rc.Set(models.MetaRegistrationFailed, true)
	o.moveTo(models.StateFailed)
}

func (o *Orchestrator) moveTo(state models.RegistrationState) {
	o.mu.Lock()
	o.current = state
	o.mu.Unlock()

	p := projections[state]
	note := p.note(o.rc)
	o.rc.Account.Apply(p.status, note)
	o.emitter.StatusChanged(state, p.status, note)
}

func (o *Orchestrator) result() *models.RegistrationResult {
	acc := o.rc.Account
	status := acc.Status()

	res := &models.RegistrationResult{
		Success:    status == models.StatusSuccess,
		AccountID:  acc.ID(),
		Username:   acc.Username(),
		Status:     status,
		Notes:      acc.Notes(),
		FinalState: o.State(),
		Attempts:   o.rc.TotalAttempts(),
		Duration:   time.Since(o.rc.StartedAt).Seconds(),
	}
	if o.rc.ChallengeRounds > 0 {
		res.ChallengeType = challengeTypeOf(o.rc)
	}

	fields := []logger.Field{
		logger.F("status", string(status)),
		logger.F("duration", res.Duration),
	}
	if res.Success {
		o.logger.Info("Registration finished", fields...)
	} else {
		o.logger.Warn("Registration finished", append(fields, logger.F("notes", res.Notes))...)
	}
	o.emitter.Outcome(res)
	return res
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var errNoHomeURL = errors.New("home URL is not configured")
