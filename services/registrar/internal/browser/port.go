// Package browser is the only place the registrar touches a real browser.
// The orchestrator and the challenge monitor depend on Driver alone.
package browser

import (
	"context"
	"errors"
	"time"
)

var (
	ErrElementNotFound = errors.New("no candidate element visible")
	ErrSessionReleased = errors.New("browser session already released")
	ErrPoolClosed      = errors.New("browser pool is shut down")
)

type Selector string

func Selectors(values ...string) []Selector {
	out := make([]Selector, len(values))
	for i, v := range values {
		out[i] = Selector(v)
	}
	return out
}

type WaitCondition string

const (
	WaitLoad             WaitCondition = "load"
	WaitDOMContentLoaded WaitCondition = "domcontentloaded"
	WaitNetworkIdle      WaitCondition = "networkidle"
)

// Handle refers to an element located by FindVisible.
type Handle interface {
	Selector() Selector
}

type Driver interface {
	Navigate(ctx context.Context, url string, wait WaitCondition, timeout time.Duration) error
	// FindVisible tries candidates in order and returns the first visible
	// one, polling until timeout. ErrElementNotFound when none shows up.
	FindVisible(ctx context.Context, candidates []Selector, timeout time.Duration) (Handle, Selector, error)
	Fill(ctx context.Context, h Handle, value string) error
	Click(ctx context.Context, h Handle) error
	IsChecked(ctx context.Context, h Handle) bool
	Check(ctx context.Context, h Handle) error
	Content(ctx context.Context) (string, error)
	CurrentURL() string
	Title(ctx context.Context) (string, error)
}
