// Package browsertest provides a scripted in-memory browser.Driver.
package browsertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grigta/registrar/services/registrar/internal/browser"
)

type handle struct {
	sel browser.Selector
}

func (h handle) Selector() browser.Selector {
	return h.sel
}

// FakeDriver answers FindVisible from a set of visible selectors and
// Content from a script. It is safe for concurrent use.
type FakeDriver struct {
	mu sync.Mutex

	url      string
	title    string
	visible  map[browser.Selector]bool
	checked  map[browser.Selector]bool
	contents []string
	content  func(call int) (string, error)
	onClick  map[browser.Selector]func(*FakeDriver)

	navigateErrs []error
	fillErrs     map[browser.Selector]error

	Navigations  []string
	Fills        map[browser.Selector]string
	Clicks       []browser.Selector
	ContentCalls int
}

func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		visible:  make(map[browser.Selector]bool),
		checked:  make(map[browser.Selector]bool),
		onClick:  make(map[browser.Selector]func(*FakeDriver)),
		fillErrs: make(map[browser.Selector]error),
		Fills:    make(map[browser.Selector]string),
	}
}

// Show marks selectors as visible.
func (f *FakeDriver) Show(sels ...string) *FakeDriver {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range sels {
		f.visible[browser.Selector(s)] = true
	}
	return f
}

func (f *FakeDriver) Hide(sels ...string) *FakeDriver {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range sels {
		delete(f.visible, browser.Selector(s))
	}
	return f
}

// SetContent replaces the content script: each Content call returns the
// next entry and the last one repeats.
func (f *FakeDriver) SetContent(pages ...string) *FakeDriver {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contents = append([]string(nil), pages...)
	f.content = nil
	f.ContentCalls = 0
	return f
}

// SetContentFunc makes fn answer every Content call. call counts from 1.
func (f *FakeDriver) SetContentFunc(fn func(call int) (string, error)) *FakeDriver {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.content = fn
	f.ContentCalls = 0
	return f
}

// FailNavigate makes the next len(errs) Navigate calls fail in order.
func (f *FakeDriver) FailNavigate(errs ...error) *FakeDriver {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.navigateErrs = append(f.navigateErrs, errs...)
	return f
}

func (f *FakeDriver) FailFill(sel string, err error) *FakeDriver {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fillErrs[browser.Selector(sel)] = err
	return f
}

// OnClick runs fn after a click on sel, e.g. to swap the page content.
// fn must not call back into the driver's locked methods; use the setters.
func (f *FakeDriver) OnClick(sel string, fn func(*FakeDriver)) *FakeDriver {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onClick[browser.Selector(sel)] = fn
	return f
}

func (f *FakeDriver) SetChecked(sel string, checked bool) *FakeDriver {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked[browser.Selector(sel)] = checked
	return f
}

func (f *FakeDriver) Navigate(ctx context.Context, url string, wait browser.WaitCondition, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Navigations = append(f.Navigations, url)
	if len(f.navigateErrs) > 0 {
		err := f.navigateErrs[0]
		f.navigateErrs = f.navigateErrs[1:]
		if err != nil {
			return err
		}
	}
	f.url = url
	return nil
}

func (f *FakeDriver) FindVisible(ctx context.Context, candidates []browser.Selector, timeout time.Duration) (browser.Handle, browser.Selector, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, sel := range candidates {
		if f.visible[sel] {
			return handle{sel: sel}, sel, nil
		}
	}
	return nil, "", fmt.Errorf("%w: tried %d selectors", browser.ErrElementNotFound, len(candidates))
}

func (f *FakeDriver) Fill(ctx context.Context, h browser.Handle, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.fillErrs[h.Selector()]; err != nil {
		return err
	}
	f.Fills[h.Selector()] = value
	return nil
}

func (f *FakeDriver) Click(ctx context.Context, h browser.Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.Clicks = append(f.Clicks, h.Selector())
	hook := f.onClick[h.Selector()]
	f.mu.Unlock()

	if hook != nil {
		hook(f)
	}
	return nil
}

func (f *FakeDriver) IsChecked(ctx context.Context, h browser.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checked[h.Selector()]
}

func (f *FakeDriver) Check(ctx context.Context, h browser.Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked[h.Selector()] = true
	return nil
}

func (f *FakeDriver) Content(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ContentCalls++
	if f.content != nil {
		return f.content(f.ContentCalls)
	}
	if len(f.contents) == 0 {
		return "", nil
	}
	idx := f.ContentCalls - 1
	if idx >= len(f.contents) {
		idx = len(f.contents) - 1
	}
	return f.contents[idx], nil
}

func (f *FakeDriver) CurrentURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url
}

func (f *FakeDriver) Title(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.title, nil
}

// Calls returns the number of Content reads so far.
func (f *FakeDriver) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ContentCalls
}

func (f *FakeDriver) FilledValue(sel string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.Fills[browser.Selector(sel)]
	return v, ok
}

func (f *FakeDriver) IsCheckedSelector(sel string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checked[browser.Selector(sel)]
}

func (f *FakeDriver) NavigationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Navigations)
}

func (f *FakeDriver) ClickedSelectors() []browser.Selector {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]browser.Selector(nil), f.Clicks...)
}

var _ browser.Driver = (*FakeDriver)(nil)
