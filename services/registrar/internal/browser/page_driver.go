package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"
)

const findPollInterval = 250 * time.Millisecond

// PageDriver implements Driver over a single playwright page.
type PageDriver struct {
	page playwright.Page
}

func NewPageDriver(page playwright.Page) *PageDriver {
	return &PageDriver{page: page}
}

type locatorHandle struct {
	locator  playwright.Locator
	selector Selector
}

func (h *locatorHandle) Selector() Selector {
	return h.selector
}

func (d *PageDriver) Navigate(ctx context.Context, url string, wait WaitCondition, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	opts := playwright.PageGotoOptions{
		WaitUntil: waitUntil(wait),
	}
	if timeout > 0 {
		opts.Timeout = playwright.Float(float64(timeout.Milliseconds()))
	}

	if _, err := d.page.Goto(url, opts); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

func waitUntil(w WaitCondition) *playwright.WaitUntilState {
	switch w {
	case WaitDOMContentLoaded:
		return playwright.WaitUntilStateDomcontentloaded
	case WaitNetworkIdle:
		return playwright.WaitUntilStateNetworkidle
	default:
		return playwright.WaitUntilStateLoad
	}
}

func (d *PageDriver) FindVisible(ctx context.Context, candidates []Selector, timeout time.Duration) (Handle, Selector, error) {
	deadline := time.Now().Add(timeout)

	for {
		for _, sel := range candidates {
			loc := d.page.Locator(string(sel)).First()
			visible, err := loc.IsVisible()
			if err == nil && visible {
				return &locatorHandle{locator: loc, selector: sel}, sel, nil
			}
		}

		if time.Now().After(deadline) {
			return nil, "", fmt.Errorf("%w: tried %d selectors", ErrElementNotFound, len(candidates))
		}

		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(findPollInterval):
		}
	}
}

func (d *PageDriver) locator(h Handle) (playwright.Locator, error) {
	lh, ok := h.(*locatorHandle)
	if !ok || lh == nil {
		return nil, fmt.Errorf("unsupported element handle %T", h)
	}
	return lh.locator, nil
}

func (d *PageDriver) Fill(ctx context.Context, h Handle, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	loc, err := d.locator(h)
	if err != nil {
		return err
	}
	if err := loc.Fill(value); err != nil {
		return fmt.Errorf("failed to fill %s: %w", h.Selector(), err)
	}
	return nil
}

func (d *PageDriver) Click(ctx context.Context, h Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	loc, err := d.locator(h)
	if err != nil {
		return err
	}
	if err := loc.Click(); err != nil {
		return fmt.Errorf("failed to click %s: %w", h.Selector(), err)
	}
	return nil
}

func (d *PageDriver) IsChecked(ctx context.Context, h Handle) bool {
	loc, err := d.locator(h)
	if err != nil {
		return false
	}
	checked, err := loc.IsChecked()
	return err == nil && checked
}

func (d *PageDriver) Check(ctx context.Context, h Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	loc, err := d.locator(h)
	if err != nil {
		return err
	}
	if err := loc.Check(); err != nil {
		return fmt.Errorf("failed to check %s: %w", h.Selector(), err)
	}
	return nil
}

func (d *PageDriver) Content(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	content, err := d.page.Content()
	if err != nil {
		return "", fmt.Errorf("failed to read page content: %w", err)
	}
	return content, nil
}

func (d *PageDriver) CurrentURL() string {
	return d.page.URL()
}

func (d *PageDriver) Title(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return d.page.Title()
}
