package models

import (
	"sync"
	"time"
)

type RegistrationState string

const (
	StateInitializing        RegistrationState = "initializing"
	StateNavigating          RegistrationState = "navigating"
	StateHomepageReady       RegistrationState = "homepage_ready"
	StateOpeningForm         RegistrationState = "opening_form"
	StateFormReady           RegistrationState = "form_ready"
	StateFillingForm         RegistrationState = "filling_form"
	StateSubmitting          RegistrationState = "submitting"
	StateWaitingResult       RegistrationState = "waiting_result"
	StateChallengeMonitoring RegistrationState = "challenge_monitoring"
	StateVerifyingResult     RegistrationState = "verifying_result"
	StateSuccess             RegistrationState = "success"
	StateFailed              RegistrationState = "failed"
)

func (s RegistrationState) IsTerminal() bool {
	return s == StateSuccess || s == StateFailed
}

// Metadata keys shared between state entry actions and transition guards.
const (
	MetaNavigated          = "navigated"
	MetaFormOpened         = "form_opened"
	MetaFormFilled         = "form_filled"
	MetaSubmitted          = "submitted"
	MetaChallengeDetected  = "challenge_detected"
	MetaChallengeType      = "challenge_type"
	MetaChallengeResolved  = "challenge_resolved"
	MetaChallengeOutcome   = "challenge_outcome"
	MetaResultChecked      = "result_checked"
	MetaRegistrationFailed = "registration_failed"
	MetaRegistrationOK     = "registration_success"
	MetaFailureReason      = "failure_reason"
	MetaMatchedSelector    = "matched_selector"
)

// RegistrationContext is the run-scoped state of one orchestrator. The
// metadata map is the only part another goroutine may touch.
type RegistrationContext struct {
	Account            *Account
	MaxAttempts        int
	ChallengeTimeout   time.Duration
	ChallengeStartedAt time.Time
	ChallengeRounds    int
	StartedAt          time.Time
	Error              string

	mu       sync.RWMutex
	attempts map[RegistrationState]int
	metadata map[string]interface{}
}

func NewRegistrationContext(account *Account, maxAttempts int, challengeTimeout time.Duration) *RegistrationContext {
	return &RegistrationContext{
		Account:          account,
		MaxAttempts:      maxAttempts,
		ChallengeTimeout: challengeTimeout,
		StartedAt:        time.Now(),
		attempts:         make(map[RegistrationState]int),
		metadata:         make(map[string]interface{}),
	}
}

func (c *RegistrationContext) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

func (c *RegistrationContext) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.metadata[key]
	return v, ok
}

func (c *RegistrationContext) GetString(key string) string {
	v, _ := c.Get(key)
	s, _ := v.(string)
	return s
}

// Flag reports whether key holds boolean true.
func (c *RegistrationContext) Flag(key string) bool {
	v, _ := c.Get(key)
	b, _ := v.(bool)
	return b
}

func (c *RegistrationContext) Delete(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.metadata, k)
	}
}

func (c *RegistrationContext) IncAttempt(state RegistrationState) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts[state]++
	return c.attempts[state]
}

func (c *RegistrationContext) Attempts(state RegistrationState) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempts[state]
}

func (c *RegistrationContext) TotalAttempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := 0
	for _, n := range c.attempts {
		total += n
	}
	return total
}

// SelectorSet lists candidate selectors per form element, tried in order.
type SelectorSet struct {
	RegisterLink    []string `yaml:"register_link" json:"register_link"`
	Username        []string `yaml:"username" json:"username"`
	Password        []string `yaml:"password" json:"password"`
	ConfirmPassword []string `yaml:"confirm_password" json:"confirm_password"`
	Agreement       []string `yaml:"agreement" json:"agreement"`
	Submit          []string `yaml:"submit" json:"submit"`
}

type RegistrationConfig struct {
	HomeURL          string
	RegisterURL      string
	Selectors        SelectorSet
	MaxAttempts      int
	RetryBackoff     time.Duration
	PageLoadTimeout  time.Duration
	ElementTimeout   time.Duration
	ResultWait       time.Duration
	ChallengeTimeout time.Duration
}

func DefaultRegistrationConfig() RegistrationConfig {
	return RegistrationConfig{
		HomeURL:     "https://i.360.cn/",
		RegisterURL: "https://i.360.cn/reg",
		Selectors: SelectorSet{
			RegisterLink: []string{
				"a.quc-link-sign-up",
				"a:has-text('注册')",
				"a[href*='reg']",
			},
			Username: []string{
				"input[name='userName']",
				"input[name='account']",
				"input.quc-input-account",
				"input[placeholder*='用户名']",
			},
			Password: []string{
				"input[name='password']",
				"input.quc-input-password",
				"input[type='password']",
			},
			ConfirmPassword: []string{
				"input[name='rePassword']",
				"input[name='confirmPassword']",
			},
			Agreement: []string{
				"input[name='is_agree']",
				"input.quc-checkbox",
				"input[type='checkbox']",
			},
			Submit: []string{
				"input.quc-button-sign-up",
				"button[type='submit']",
				"a.quc-button-submit",
				"input[type='submit']",
			},
		},
		MaxAttempts:      3,
		RetryBackoff:     2 * time.Second,
		PageLoadTimeout:  30 * time.Second,
		ElementTimeout:   10 * time.Second,
		ResultWait:       3 * time.Second,
		ChallengeTimeout: 300 * time.Second,
	}
}

type RegistrationResult struct {
	Success       bool              `json:"success"`
	AccountID     int64             `json:"account_id"`
	Username      string            `json:"username"`
	Status        AccountStatus     `json:"status"`
	Notes         string            `json:"notes,omitempty"`
	FinalState    RegistrationState `json:"final_state"`
	ChallengeType string            `json:"challenge_type,omitempty"`
	Attempts      int               `json:"attempts"`
	Duration      float64           `json:"duration_seconds"`
}

// RunStatus is the externally visible progress of one run.
type RunStatus struct {
	RunID     string              `json:"run_id"`
	BatchID   string              `json:"batch_id,omitempty"`
	Account   AccountSnapshot     `json:"account"`
	State     RegistrationState   `json:"state"`
	StartedAt time.Time           `json:"started_at"`
	UpdatedAt time.Time           `json:"updated_at"`
	Result    *RegistrationResult `json:"result,omitempty"`
}

type BatchReport struct {
	BatchID        string                `json:"batch_id"`
	Total          int                   `json:"total"`
	Succeeded      int                   `json:"succeeded"`
	Failed         int                   `json:"failed"`
	Challenged     int                   `json:"challenged"`
	MeanDuration   float64               `json:"mean_duration_seconds"`
	MedianDuration float64               `json:"p50_duration_seconds"`
	P90Duration    float64               `json:"p90_duration_seconds"`
	Results        []*RegistrationResult `json:"results"`
}
