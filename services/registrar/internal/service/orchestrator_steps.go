package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/grigta/registrar/pkg/logger"
	"github.com/grigta/registrar/services/registrar/internal/browser"
	"github.com/grigta/registrar/services/registrar/internal/callback"
	"github.com/grigta/registrar/services/registrar/internal/challenge"
	"github.com/grigta/registrar/services/registrar/internal/classifier"
	"github.com/grigta/registrar/services/registrar/internal/models"
)

func (o *Orchestrator) initialize(ctx context.Context) error {
	if o.config.Registration.HomeURL == "" {
		return errNoHomeURL
	}
	if len(o.config.Registration.Selectors.Username) == 0 || len(o.config.Registration.Selectors.Password) == 0 {
		return errors.New("username and password selectors are required")
	}
	return nil
}

func (o *Orchestrator) navigate(ctx context.Context) error {
	cfg := o.config.Registration
	if err := o.driver.Navigate(ctx, cfg.HomeURL, browser.WaitDOMContentLoaded, cfg.PageLoadTimeout); err != nil {
		return err
	}
	o.rc.Set(models.MetaNavigated, true)
	return nil
}

func (o *Orchestrator) homepageReady(ctx context.Context) error {
	title, err := o.driver.Title(ctx)
	if err != nil {
		o.logger.Debug("Could not read page title", logger.Err(err))
	}
	o.emitter.Log(callback.LevelInfo, "home page loaded: %s (%s)", o.driver.CurrentURL(), title)
	return nil
}

func (o *Orchestrator) openForm(ctx context.Context) error {
	cfg := o.config.Registration
	sel := cfg.Selectors

	link, matched, err := o.driver.FindVisible(ctx, browser.Selectors(sel.RegisterLink...), cfg.ElementTimeout)
	switch {
	case err == nil:
		o.logger.Debug("Register link found", logger.F("selector", string(matched)))
		if err := o.driver.Click(ctx, link); err != nil {
			return fmt.Errorf("failed to open registration form: %w", err)
		}
	case errors.Is(err, browser.ErrElementNotFound) && cfg.RegisterURL != "":
		o.emitter.Log(callback.LevelInfo, "register link not visible, opening %s directly", cfg.RegisterURL)
		if err := o.driver.Navigate(ctx, cfg.RegisterURL, browser.WaitDOMContentLoaded, cfg.PageLoadTimeout); err != nil {
			return err
		}
	default:
		return fmt.Errorf("register link not found: %w", err)
	}

	if _, matched, err = o.driver.FindVisible(ctx, browser.Selectors(sel.Username...), cfg.ElementTimeout); err != nil {
		return fmt.Errorf("username field not found, registration form did not appear: %w", err)
	}
	o.rc.Set(models.MetaMatchedSelector, string(matched))
	o.rc.Set(models.MetaFormOpened, true)
	return nil
}

func (o *Orchestrator) fillForm(ctx context.Context) error {
	cfg := o.config.Registration
	sel := cfg.Selectors
	acc := o.rc.Account

	if err := o.fillField(ctx, "username", sel.Username, acc.Username(), cfg.ElementTimeout); err != nil {
		return err
	}
	if err := o.fillField(ctx, "password", sel.Password, acc.Password(), cfg.ElementTimeout); err != nil {
		return err
	}

	// The form is already on screen, so optional fields get a single look.
	if len(sel.ConfirmPassword) > 0 {
		h, _, err := o.driver.FindVisible(ctx, browser.Selectors(sel.ConfirmPassword...), 0)
		if err == nil {
			if err := o.driver.Fill(ctx, h, acc.Password()); err != nil {
				return fmt.Errorf("failed to fill confirm password field: %w", err)
			}
		}
	}

	if len(sel.Agreement) > 0 {
		h, _, err := o.driver.FindVisible(ctx, browser.Selectors(sel.Agreement...), 0)
		if err == nil && !o.driver.IsChecked(ctx, h) {
			if err := o.driver.Check(ctx, h); err != nil {
				return fmt.Errorf("failed to tick agreement checkbox: %w", err)
			}
		}
	}

	o.rc.Set(models.MetaFormFilled, true)
	return nil
}

func (o *Orchestrator) fillField(ctx context.Context, name string, candidates []string, value string, timeout time.Duration) error {
	h, _, err := o.driver.FindVisible(ctx, browser.Selectors(candidates...), timeout)
	if err != nil {
		return fmt.Errorf("%s field not found: %w", name, err)
	}
	if err := o.driver.Fill(ctx, h, value); err != nil {
		return fmt.Errorf("failed to fill %s field: %w", name, err)
	}
	return nil
}

func (o *Orchestrator) submit(ctx context.Context) error {
	cfg := o.config.Registration

	h, _, err := o.driver.FindVisible(ctx, browser.Selectors(cfg.Selectors.Submit...), cfg.ElementTimeout)
	if err != nil {
		return fmt.Errorf("submit button not found: %w", err)
	}
	if err := o.driver.Click(ctx, h); err != nil {
		return fmt.Errorf("failed to click submit button: %w", err)
	}
	o.rc.Set(models.MetaSubmitted, true)
	return nil
}

func (o *Orchestrator) waitResult(ctx context.Context) error {
	if err := o.sleep(ctx, o.config.Registration.ResultWait); err != nil {
		return err
	}

	content, err := o.driver.Content(ctx)
	if err != nil {
		return fmt.Errorf("failed to read result page: %w", err)
	}

	res := o.detector.Classify(content, o.rc.Account)
	o.logger.Info("Result page classified", logger.F("kind", string(res.Kind)), logger.F("detail", res.Detail))

	switch {
	case res.IsChallenge():
		o.markChallenge(res)
	case res.Kind == classifier.KindAlreadyExists:
		o.rc.Set(models.MetaFailureReason, "account already registered: "+res.Detail)
		o.rc.Set(models.MetaRegistrationFailed, true)
	case res.Kind == classifier.KindExplicitError:
		o.rc.Set(models.MetaFailureReason, "registration rejected: "+res.Detail)
		o.rc.Set(models.MetaRegistrationFailed, true)
	default:
		o.rc.Set(models.MetaResultChecked, true)
	}
	return nil
}

func (o *Orchestrator) markChallenge(res classifier.Result) {
	challengeType := res.ChallengeType
	if challengeType == "" {
		challengeType = classifier.TypeUnknown
	}
	o.rc.Set(models.MetaChallengeType, challengeType)
	o.rc.Set(models.MetaChallengeDetected, true)
}

func (o *Orchestrator) monitorChallenge(ctx context.Context) error {
	o.rc.Delete(models.MetaChallengeDetected, models.MetaChallengeResolved)
	o.rc.ChallengeRounds++
	o.rc.ChallengeStartedAt = time.Now()
	challengeType := challengeTypeOf(o.rc)

	monitor := challenge.NewMonitor(o.driver, o.detector, o.rc.Account, o.emitter, o.config.Monitor, o.logger)

	o.mu.Lock()
	if o.cancelled {
		monitor.StopMonitoring()
	}
	o.monitor = monitor
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.monitor = nil
		o.mu.Unlock()
	}()

	res := <-monitor.Start(ctx, challengeType, o.rc.ChallengeTimeout)
	o.rc.Set(models.MetaChallengeOutcome, string(res.Outcome))

	switch res.Outcome {
	case challenge.OutcomeResolved:
		o.rc.Set(models.MetaChallengeResolved, true)
		return nil
	case challenge.OutcomeTimedOut:
		o.rc.Set(models.MetaFailureReason, fmt.Sprintf("challenge not resolved in time (timeout after %s)", o.rc.ChallengeTimeout))
	case challenge.OutcomeStopped:
		o.rc.Set(models.MetaFailureReason, "challenge monitoring stopped")
	default:
		o.rc.Set(models.MetaFailureReason, fmt.Sprintf("challenge monitoring failed: %v", res.Err))
	}
	o.rc.Set(models.MetaRegistrationFailed, true)
	return nil
}

// verifyResult is the authoritative check: only positive success evidence
// yields success, a page without a challenge is not enough.
func (o *Orchestrator) verifyResult(ctx context.Context) error {
	o.rc.Delete(models.MetaResultChecked, models.MetaChallengeResolved)

	content, err := o.driver.Content(ctx)
	if err != nil {
		return fmt.Errorf("failed to read page for verification: %w", err)
	}

	res := o.detector.Classify(content, o.rc.Account)
	o.logger.Info("Verification page classified", logger.F("kind", string(res.Kind)), logger.F("detail", res.Detail))

	switch {
	case res.Kind == classifier.KindSuccess:
		o.rc.Set(models.MetaRegistrationOK, true)
		return nil
	case res.IsChallenge() && o.rc.ChallengeRounds < o.rc.MaxAttempts:
		o.emitter.Log(callback.LevelWarn, "challenge present again during verification")
		o.markChallenge(res)
		return nil
	case res.IsChallenge():
		o.rc.Set(models.MetaFailureReason, fmt.Sprintf("challenge still present after %d rounds", o.rc.ChallengeRounds))
	case res.Kind == classifier.KindAlreadyExists:
		o.rc.Set(models.MetaFailureReason, "account already registered: "+res.Detail)
	case res.Kind == classifier.KindExplicitError:
		o.rc.Set(models.MetaFailureReason, "registration rejected: "+res.Detail)
	default:
		o.rc.Set(models.MetaFailureReason, "registration result could not be confirmed")
	}
	o.rc.Set(models.MetaRegistrationFailed, true)
	return nil
}
