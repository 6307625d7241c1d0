package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/grigta/registrar/pkg/logger"
)

type ProxyConfig struct {
	Server   string `yaml:"server"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Bypass   string `yaml:"bypass"`
}

// ContextProfile is applied to every new browser context. It is fixed
// configuration, identical for every session.
type ContextProfile struct {
	UserAgent      string `yaml:"user_agent"`
	Locale         string `yaml:"locale"`
	Timezone       string `yaml:"timezone"`
	ViewportWidth  int    `yaml:"viewport_width"`
	ViewportHeight int    `yaml:"viewport_height"`
}

type ManagerConfig struct {
	PoolSize       int
	Headless       bool
	DefaultTimeout time.Duration
	MaxIdleAge     time.Duration
	Profile        ContextProfile
	Proxy          *ProxyConfig
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		PoolSize:       2,
		Headless:       true,
		DefaultTimeout: 30 * time.Second,
		MaxIdleAge:     30 * time.Minute,
		Profile: ContextProfile{
			Locale:         "zh-CN",
			Timezone:       "Asia/Shanghai",
			ViewportWidth:  1366,
			ViewportHeight: 768,
		},
	}
}

// PoolObserver receives pool gauges. MetricsCollector implements it.
type PoolObserver interface {
	UpdateBrowserPoolSize(size int)
	UpdateActiveSessions(count int)
}

type browserInstance struct {
	browser   playwright.Browser
	inUse     bool
	createdAt time.Time
}

type PoolStats struct {
	TotalBrowsers     int `json:"total_browsers"`
	AvailableBrowsers int `json:"available_browsers"`
	InUseBrowsers     int `json:"in_use_browsers"`
}

// Manager owns a pool of chromium instances and hands out one isolated
// context per Session. At most PoolSize sessions are live at once; Acquire
// blocks until a slot frees up.
type Manager struct {
	pw       *playwright.Playwright
	config   ManagerConfig
	pool     []*browserInstance
	poolMu   sync.Mutex
	slots    chan struct{}
	observer PoolObserver
	logger   logger.Logger

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

func NewManager(config ManagerConfig, observer PoolObserver, log logger.Logger) *Manager {
	if config.PoolSize <= 0 {
		config.PoolSize = 1
	}
	if config.MaxIdleAge <= 0 {
		config.MaxIdleAge = 30 * time.Minute
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{
		config:     config,
		pool:       make([]*browserInstance, 0, config.PoolSize),
		slots:      make(chan struct{}, config.PoolSize),
		observer:   observer,
		logger:     log,
		shutdownCh: make(chan struct{}),
	}
}

func (m *Manager) Initialize(ctx context.Context) error {
	pw, err := playwright.Run()
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}
	m.pw = pw

	m.poolMu.Lock()
	if _, err := m.launchLocked(); err != nil {
		m.logger.Error("Failed to create browser instance", logger.Err(err))
	}
	size := len(m.pool)
	m.poolMu.Unlock()

	m.logger.Info("Browser manager initialized", logger.F("pool_size", size), logger.F("max_sessions", m.config.PoolSize))
	m.observePool()

	go m.maintainPool(ctx)

	return nil
}

func (m *Manager) launchLocked() (*browserInstance, error) {
	opts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(m.config.Headless),
		Args: []string{
			"--disable-dev-shm-usage",
			"--no-sandbox",
			"--no-first-run",
		},
	}

	if p := m.config.Proxy; p != nil && p.Server != "" {
		opts.Proxy = &playwright.Proxy{Server: p.Server}
		if p.Username != "" {
			opts.Proxy.Username = playwright.String(p.Username)
		}
		if p.Password != "" {
			opts.Proxy.Password = playwright.String(p.Password)
		}
		if p.Bypass != "" {
			opts.Proxy.Bypass = playwright.String(p.Bypass)
		}
	}

	b, err := m.pw.Chromium.Launch(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	inst := &browserInstance{browser: b, createdAt: time.Now()}
	m.pool = append(m.pool, inst)
	return inst, nil
}

func (m *Manager) contextOptions() playwright.BrowserNewContextOptions {
	p := m.config.Profile
	opts := playwright.BrowserNewContextOptions{
		AcceptDownloads: playwright.Bool(false),
	}
	if p.UserAgent != "" {
		opts.UserAgent = playwright.String(p.UserAgent)
	}
	if p.Locale != "" {
		opts.Locale = playwright.String(p.Locale)
	}
	if p.Timezone != "" {
		opts.TimezoneId = playwright.String(p.Timezone)
	}
	if p.ViewportWidth > 0 && p.ViewportHeight > 0 {
		opts.Viewport = &playwright.Size{Width: p.ViewportWidth, Height: p.ViewportHeight}
	}
	return opts
}

// Acquire returns a session with a fresh context and page. The caller must
// Release it on every exit path.
func (m *Manager) Acquire(ctx context.Context) (*Session, error) {
	select {
	case <-m.shutdownCh:
		return nil, ErrPoolClosed
	default:
	}

	select {
	case m.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.shutdownCh:
		return nil, ErrPoolClosed
	}

	inst, bctx, page, err := m.open()
	if err != nil {
		<-m.slots
		return nil, err
	}
	m.observeSessions()

	release := func() error {
		closeErr := bctx.Close()

		m.poolMu.Lock()
		inst.inUse = false
		m.poolMu.Unlock()
		<-m.slots
		m.observeSessions()

		if closeErr != nil {
			return fmt.Errorf("failed to close browser context: %w", closeErr)
		}
		return nil
	}

	return NewSession(NewPageDriver(page), release), nil
}

func (m *Manager) open() (*browserInstance, playwright.BrowserContext, playwright.Page, error) {
	m.poolMu.Lock()
	var inst *browserInstance
	for _, candidate := range m.pool {
		if !candidate.inUse && candidate.browser.IsConnected() {
			inst = candidate
			break
		}
	}
	if inst == nil {
		launched, err := m.launchLocked()
		if err != nil {
			m.poolMu.Unlock()
			return nil, nil, nil, err
		}
		inst = launched
	}
	inst.inUse = true
	m.poolMu.Unlock()
	m.observePool()

	bctx, err := inst.browser.NewContext(m.contextOptions())
	if err != nil {
		m.markIdle(inst)
		return nil, nil, nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	if m.config.DefaultTimeout > 0 {
		bctx.SetDefaultTimeout(float64(m.config.DefaultTimeout.Milliseconds()))
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		m.markIdle(inst)
		return nil, nil, nil, fmt.Errorf("failed to open page: %w", err)
	}

	return inst, bctx, page, nil
}

func (m *Manager) markIdle(inst *browserInstance) {
	m.poolMu.Lock()
	inst.inUse = false
	m.poolMu.Unlock()
}

func (m *Manager) maintainPool(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.shutdownCh:
			return
		case <-ticker.C:
			m.cleanupStale()
		}
	}
}

func (m *Manager) cleanupStale() {
	m.poolMu.Lock()
	now := time.Now()
	kept := m.pool[:0]
	removed := 0
	for _, inst := range m.pool {
		stale := !inst.inUse && (now.Sub(inst.createdAt) > m.config.MaxIdleAge || !inst.browser.IsConnected())
		if !stale {
			kept = append(kept, inst)
			continue
		}
		if err := inst.browser.Close(); err != nil {
			m.logger.Warn("Failed to close stale browser", logger.Err(err))
		}
		removed++
	}
	m.pool = kept
	m.poolMu.Unlock()

	if removed > 0 {
		m.logger.Info("Cleaned up stale browsers", logger.F("removed", removed))
		m.observePool()
	}
}

func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error
	m.shutdownOnce.Do(func() {
		close(m.shutdownCh)

		m.poolMu.Lock()
		for _, inst := range m.pool {
			if err := inst.browser.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
			}
		}
		m.pool = nil
		m.poolMu.Unlock()

		if m.pw != nil {
			if err := m.pw.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
			}
		}
		m.observePool()
	})

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	m.logger.Info("Browser manager shut down")
	return nil
}

func (m *Manager) Stats() PoolStats {
	m.poolMu.Lock()
	defer m.poolMu.Unlock()

	stats := PoolStats{TotalBrowsers: len(m.pool)}
	for _, inst := range m.pool {
		if inst.inUse {
			stats.InUseBrowsers++
		} else {
			stats.AvailableBrowsers++
		}
	}
	return stats
}

func (m *Manager) observePool() {
	if m.observer == nil {
		return
	}
	m.poolMu.Lock()
	size := len(m.pool)
	m.poolMu.Unlock()
	m.observer.UpdateBrowserPoolSize(size)
}

func (m *Manager) observeSessions() {
	if m.observer != nil {
		m.observer.UpdateActiveSessions(len(m.slots))
	}
}
