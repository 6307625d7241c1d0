package models

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

type AccountStatus string

const (
	StatusQueued           AccountStatus = "queued"
	StatusProcessing       AccountStatus = "processing"
	StatusSuccess          AccountStatus = "success"
	StatusFailed           AccountStatus = "failed"
	StatusWaitingChallenge AccountStatus = "waiting_challenge"
)

func (s AccountStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

func (s AccountStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusSuccess, StatusFailed, StatusWaitingChallenge:
		return true
	}
	return false
}

const MinPasswordLength = 6

var ErrInvalidAccount = errors.New("invalid account")

// Account is the identity under registration. Status and notes change only
// through Apply, which the orchestrator calls on every state change.
type Account struct {
	mu       sync.RWMutex
	id       int64
	username string
	password string
	status   AccountStatus
	notes    string
	updated  time.Time
}

func NewAccount(id int64, username, password string) (*Account, error) {
	if username == "" {
		return nil, fmt.Errorf("%w: username is empty", ErrInvalidAccount)
	}
	if password == "" {
		return nil, fmt.Errorf("%w: password is empty", ErrInvalidAccount)
	}
	if len(password) < MinPasswordLength {
		return nil, fmt.Errorf("%w: password shorter than %d characters", ErrInvalidAccount, MinPasswordLength)
	}

	return &Account{
		id:       id,
		username: username,
		password: password,
		status:   StatusQueued,
		updated:  time.Now(),
	}, nil
}

func (a *Account) ID() int64 {
	return a.id
}

func (a *Account) Username() string {
	return a.username
}

func (a *Account) Password() string {
	return a.password
}

func (a *Account) Status() AccountStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

func (a *Account) Notes() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.notes
}

// Apply sets status and note and reports whether the status changed.
func (a *Account) Apply(status AccountStatus, note string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	changed := a.status != status
	a.status = status
	a.notes = note
	a.updated = time.Now()
	return changed
}

type AccountSnapshot struct {
	ID        int64         `json:"id"`
	Username  string        `json:"username"`
	Status    AccountStatus `json:"status"`
	Notes     string        `json:"notes,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func (a *Account) Snapshot() AccountSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return AccountSnapshot{
		ID:        a.id,
		Username:  a.username,
		Status:    a.status,
		Notes:     a.notes,
		UpdatedAt: a.updated,
	}
}
