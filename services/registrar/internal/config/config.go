package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/grigta/registrar/services/registrar/internal/browser"
	"github.com/grigta/registrar/services/registrar/internal/challenge"
	"github.com/grigta/registrar/services/registrar/internal/classifier"
	"github.com/grigta/registrar/services/registrar/internal/models"
	"github.com/grigta/registrar/services/registrar/internal/service"
)

type Config struct {
	Registration RegistrationConfig    `yaml:"registration"`
	Challenge    ChallengeConfig       `yaml:"challenge"`
	Browser      BrowserConfig         `yaml:"browser"`
	Classifier   classifier.Indicators `yaml:"classifier"`
	Workers      WorkersConfig         `yaml:"workers"`
	Telegram     TelegramConfig        `yaml:"telegram"`
}

type RegistrationConfig struct {
	HomeURL         string             `yaml:"home_url"`
	RegisterURL     string             `yaml:"register_url"`
	Selectors       models.SelectorSet `yaml:"selectors"`
	MaxAttempts     int                `yaml:"max_attempts"`
	RetryBackoff    time.Duration      `yaml:"retry_backoff"`
	PageLoadTimeout time.Duration      `yaml:"page_load_timeout"`
	ElementTimeout  time.Duration      `yaml:"element_timeout"`
	ResultWait      time.Duration      `yaml:"result_wait"`
}

type ChallengeConfig struct {
	Timeout              time.Duration `yaml:"timeout"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors"`
	RemainingEvery       time.Duration `yaml:"remaining_every"`
}

type BrowserConfig struct {
	PoolSize       int                    `yaml:"pool_size"`
	Headless       bool                   `yaml:"headless"`
	DefaultTimeout time.Duration          `yaml:"default_timeout"`
	MaxIdleAge     time.Duration          `yaml:"max_idle_age"`
	Profile        browser.ContextProfile `yaml:"profile"`
	Proxy          *browser.ProxyConfig   `yaml:"proxy"`
}

type WorkersConfig struct {
	Concurrency int           `yaml:"concurrency"`
	Queue       bool          `yaml:"queue"`
	StatusTTL   time.Duration `yaml:"status_ttl"`
}

type TelegramConfig struct {
	BotToken string  `yaml:"bot_token"`
	ChatIDs  []int64 `yaml:"chat_ids"`
}

// envOverrides are applied after the file; unset variables leave the file
// value alone.
type envOverrides struct {
	HomeURL          string        `envconfig:"REGISTRAR_HOME_URL"`
	RegisterURL      string        `envconfig:"REGISTRAR_REGISTER_URL"`
	MaxAttempts      int           `envconfig:"REGISTRAR_MAX_ATTEMPTS"`
	ChallengeTimeout time.Duration `envconfig:"REGISTRAR_CHALLENGE_TIMEOUT"`
	PoolSize         int           `envconfig:"REGISTRAR_BROWSER_POOL_SIZE"`
	Headless         *bool         `envconfig:"REGISTRAR_BROWSER_HEADLESS"`
	ProxyServer      string        `envconfig:"REGISTRAR_PROXY_SERVER"`
	ProxyUsername    string        `envconfig:"REGISTRAR_PROXY_USERNAME"`
	ProxyPassword    string        `envconfig:"REGISTRAR_PROXY_PASSWORD"`
	Concurrency      int           `envconfig:"REGISTRAR_CONCURRENCY"`
	TelegramBotToken string        `envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramChatIDs  []int64       `envconfig:"TELEGRAM_CHAT_IDS"`
}

func Default() *Config {
	reg := models.DefaultRegistrationConfig()
	mon := challenge.DefaultMonitorConfig()
	mgr := browser.DefaultManagerConfig()

	return &Config{
		Registration: RegistrationConfig{
			HomeURL:         reg.HomeURL,
			RegisterURL:     reg.RegisterURL,
			Selectors:       reg.Selectors,
			MaxAttempts:     reg.MaxAttempts,
			RetryBackoff:    reg.RetryBackoff,
			PageLoadTimeout: reg.PageLoadTimeout,
			ElementTimeout:  reg.ElementTimeout,
			ResultWait:      reg.ResultWait,
		},
		Challenge: ChallengeConfig{
			Timeout:              reg.ChallengeTimeout,
			PollInterval:         mon.Interval,
			MaxConsecutiveErrors: mon.MaxConsecutiveErrors,
			RemainingEvery:       mon.RemainingEvery,
		},
		Browser: BrowserConfig{
			PoolSize:       mgr.PoolSize,
			Headless:       mgr.Headless,
			DefaultTimeout: mgr.DefaultTimeout,
			MaxIdleAge:     mgr.MaxIdleAge,
			Profile:        mgr.Profile,
		},
		Workers: WorkersConfig{
			Concurrency: mgr.PoolSize,
			Queue:       true,
			StatusTTL:   24 * time.Hour,
		},
	}
}

// LoadConfig starts from the defaults, merges the YAML file at path (a
// missing file is fine) and applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}
	cfg.applyEnv(env)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(env envOverrides) {
	if env.HomeURL != "" {
		c.Registration.HomeURL = env.HomeURL
	}
	if env.RegisterURL != "" {
		c.Registration.RegisterURL = env.RegisterURL
	}
	if env.MaxAttempts > 0 {
		c.Registration.MaxAttempts = env.MaxAttempts
	}
	if env.ChallengeTimeout > 0 {
		c.Challenge.Timeout = env.ChallengeTimeout
	}
	if env.PoolSize > 0 {
		c.Browser.PoolSize = env.PoolSize
	}
	if env.Headless != nil {
		c.Browser.Headless = *env.Headless
	}
	if env.ProxyServer != "" {
		c.Browser.Proxy = &browser.ProxyConfig{
			Server:   env.ProxyServer,
			Username: env.ProxyUsername,
			Password: env.ProxyPassword,
		}
	}
	if env.Concurrency > 0 {
		c.Workers.Concurrency = env.Concurrency
	}
	if env.TelegramBotToken != "" {
		c.Telegram.BotToken = env.TelegramBotToken
	}
	if len(env.TelegramChatIDs) > 0 {
		c.Telegram.ChatIDs = env.TelegramChatIDs
	}
}

func (c *Config) Validate() error {
	if _, err := url.ParseRequestURI(c.Registration.HomeURL); err != nil {
		return fmt.Errorf("invalid registration.home_url: %w", err)
	}
	if c.Registration.RegisterURL != "" {
		if _, err := url.ParseRequestURI(c.Registration.RegisterURL); err != nil {
			return fmt.Errorf("invalid registration.register_url: %w", err)
		}
	}
	if len(c.Registration.Selectors.Username) == 0 || len(c.Registration.Selectors.Password) == 0 {
		return errors.New("registration.selectors must list username and password candidates")
	}
	if c.Registration.MaxAttempts < 1 {
		return errors.New("registration.max_attempts must be at least 1")
	}
	if c.Challenge.Timeout <= 0 {
		return errors.New("challenge.timeout must be positive")
	}
	if c.Challenge.PollInterval <= 0 {
		return errors.New("challenge.poll_interval must be positive")
	}
	if c.Browser.PoolSize < 1 {
		return errors.New("browser.pool_size must be at least 1")
	}
	if c.Workers.Concurrency < 1 {
		return errors.New("workers.concurrency must be at least 1")
	}
	return nil
}

func (c *Config) ToRegistrationConfig() models.RegistrationConfig {
	return models.RegistrationConfig{
		HomeURL:          c.Registration.HomeURL,
		RegisterURL:      c.Registration.RegisterURL,
		Selectors:        c.Registration.Selectors,
		MaxAttempts:      c.Registration.MaxAttempts,
		RetryBackoff:     c.Registration.RetryBackoff,
		PageLoadTimeout:  c.Registration.PageLoadTimeout,
		ElementTimeout:   c.Registration.ElementTimeout,
		ResultWait:       c.Registration.ResultWait,
		ChallengeTimeout: c.Challenge.Timeout,
	}
}

func (c *Config) ToMonitorConfig() challenge.MonitorConfig {
	return challenge.MonitorConfig{
		Interval:             c.Challenge.PollInterval,
		MaxConsecutiveErrors: c.Challenge.MaxConsecutiveErrors,
		RemainingEvery:       c.Challenge.RemainingEvery,
	}
}

func (c *Config) ToOrchestratorConfig() service.OrchestratorConfig {
	return service.OrchestratorConfig{
		Registration: c.ToRegistrationConfig(),
		Monitor:      c.ToMonitorConfig(),
	}
}

func (c *Config) ToManagerConfig() browser.ManagerConfig {
	return browser.ManagerConfig{
		PoolSize:       c.Browser.PoolSize,
		Headless:       c.Browser.Headless,
		DefaultTimeout: c.Browser.DefaultTimeout,
		MaxIdleAge:     c.Browser.MaxIdleAge,
		Profile:        c.Browser.Profile,
		Proxy:          c.Browser.Proxy,
	}
}

// ToIndicators merges the classifier section over the built-in tables.
func (c *Config) ToIndicators() classifier.Indicators {
	return classifier.DefaultIndicators().WithOverrides(c.Classifier)
}
