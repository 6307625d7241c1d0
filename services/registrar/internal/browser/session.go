package browser

import (
	"sync"
	"sync/atomic"
)

// Session is one account's exclusive browser page. Release may be called
// any number of times from any exit path; the underlying release runs once.
type Session struct {
	Driver Driver

	release  func() error
	once     sync.Once
	released atomic.Bool
	err      error
}

func NewSession(driver Driver, release func() error) *Session {
	return &Session{Driver: driver, release: release}
}

func (s *Session) Release() error {
	s.once.Do(func() {
		s.released.Store(true)
		if s.release != nil {
			s.err = s.release()
		}
	})
	return s.err
}

func (s *Session) Released() bool {
	return s.released.Load()
}
