package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Domain string

const (
	// DomainMatic is the production venue on the Polygon (MATIC) chain.
	DomainMatic Domain = "matic"
	// DomainSandboxMatic is the venue sandbox on the same chain.
	DomainSandboxMatic Domain = "sandbox_matic"
)

const (
	restBaseURLMatic        = "https://api-matic.idex.io"
	restBaseURLSandboxMatic = "https://api-sandbox-matic.idex.io"
	wsBaseURLMatic          = "wss://websocket-matic.idex.io/v1"
	wsBaseURLSandboxMatic   = "wss://websocket-sandbox-matic.idex.io/v1"

	hashVersionMatic        = 4
	hashVersionSandboxMatic = 104
)

type Config struct {
	Domain        Domain              `yaml:"domain"`
	InstanceID    string              `yaml:"instance_id"`
	TradingPairs  []string            `yaml:"trading_pairs"`
	Exchange      ExchangeConfig      `yaml:"exchange"`
	RateLimits    RateLimitsConfig    `yaml:"rate_limits"`
	Polling       PollingConfig       `yaml:"polling"`
	State         StateConfig         `yaml:"state"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ExchangeConfig struct {
	APIKey           string `yaml:"api_key"`
	APISecret        string `yaml:"api_secret"`
	WalletPrivateKey string `yaml:"wallet_private_key"`
	RestBaseURL      string `yaml:"rest_base_url"`
	WSBaseURL        string `yaml:"ws_base_url"`
	HTTPTimeoutSec   int64  `yaml:"http_timeout_sec"`
	WSKeepaliveSec   int64  `yaml:"ws_keepalive_sec"`
}

type RateLimitsConfig struct {
	Public PoolLimitConfig `yaml:"public"`
	User   PoolLimitConfig `yaml:"user"`
}

type PoolLimitConfig struct {
	Requests   int   `yaml:"requests"`
	IntervalMs int64 `yaml:"interval_ms"`
}

type PollingConfig struct {
	ShortPollSec              int64 `yaml:"short_poll_sec"`
	LongPollSec               int64 `yaml:"long_poll_sec"`
	OrderStatusMinIntervalSec int64 `yaml:"order_status_min_interval_sec"`
	MetadataRefreshSec        int64 `yaml:"metadata_refresh_sec"`
}

type StateConfig struct {
	Dir          string `yaml:"dir"`
	LockTakeover *bool  `yaml:"lock_takeover"`
	LockStaleSec int64  `yaml:"lock_stale_sec"`
}

type ObservabilityConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Domain = Domain(strings.ToLower(strings.TrimSpace(string(c.Domain))))
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	for i, pair := range c.TradingPairs {
		c.TradingPairs[i] = strings.ToUpper(strings.TrimSpace(pair))
	}
	c.Exchange.APIKey = strings.TrimSpace(c.Exchange.APIKey)
	c.Exchange.APISecret = strings.TrimSpace(c.Exchange.APISecret)
	c.Exchange.WalletPrivateKey = strings.TrimSpace(c.Exchange.WalletPrivateKey)
	c.Exchange.RestBaseURL = strings.TrimRight(strings.TrimSpace(c.Exchange.RestBaseURL), "/")
	c.Exchange.WSBaseURL = strings.TrimRight(strings.TrimSpace(c.Exchange.WSBaseURL), "/")
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
}

func (c *Config) applyDefaults() {
	if c.Domain == "" {
		c.Domain = DomainMatic
	}
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.Exchange.RestBaseURL == "" {
		switch c.Domain {
		case DomainMatic:
			c.Exchange.RestBaseURL = restBaseURLMatic
		case DomainSandboxMatic:
			c.Exchange.RestBaseURL = restBaseURLSandboxMatic
		}
	}
	if c.Exchange.WSBaseURL == "" {
		switch c.Domain {
		case DomainMatic:
			c.Exchange.WSBaseURL = wsBaseURLMatic
		case DomainSandboxMatic:
			c.Exchange.WSBaseURL = wsBaseURLSandboxMatic
		}
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if c.Exchange.WSKeepaliveSec == 0 {
		c.Exchange.WSKeepaliveSec = 30
	}
	if c.RateLimits.Public.Requests == 0 {
		c.RateLimits.Public.Requests = 5
	}
	if c.RateLimits.Public.IntervalMs == 0 {
		c.RateLimits.Public.IntervalMs = 1000
	}
	if c.RateLimits.User.Requests == 0 {
		c.RateLimits.User.Requests = 10
	}
	if c.RateLimits.User.IntervalMs == 0 {
		c.RateLimits.User.IntervalMs = 1000
	}
	if c.Polling.ShortPollSec == 0 {
		c.Polling.ShortPollSec = 11
	}
	if c.Polling.LongPollSec == 0 {
		c.Polling.LongPollSec = 120
	}
	if c.Polling.OrderStatusMinIntervalSec == 0 {
		c.Polling.OrderStatusMinIntervalSec = 45
	}
	if c.Polling.MetadataRefreshSec == 0 {
		c.Polling.MetadataRefreshSec = 600
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.State.LockTakeover == nil {
		enabled := true
		c.State.LockTakeover = &enabled
	}
	if c.State.LockStaleSec == 0 {
		c.State.LockStaleSec = 600
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
}

func (c Config) Validate() error {
	switch c.Domain {
	case DomainMatic, DomainSandboxMatic:
	default:
		return fmt.Errorf("domain must be matic or sandbox_matic")
	}
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}
	if len(c.TradingPairs) == 0 {
		return fmt.Errorf("at least one trading pair is required")
	}
	for _, pair := range c.TradingPairs {
		if !isValidTradingPair(pair) {
			return fmt.Errorf("trading pair %q must look like BASE-QUOTE", pair)
		}
	}
	if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
		return fmt.Errorf("exchange api_key/api_secret are required")
	}
	if c.Exchange.HTTPTimeoutSec < 1 || c.Exchange.HTTPTimeoutSec > 120 {
		return fmt.Errorf("exchange http_timeout_sec must be between 1 and 120")
	}
	if c.Exchange.WSKeepaliveSec < 1 || c.Exchange.WSKeepaliveSec > 300 {
		return fmt.Errorf("exchange ws_keepalive_sec must be between 1 and 300")
	}
	if err := validateURL(c.Exchange.RestBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange rest_base_url %v", err)
	}
	if err := validateURL(c.Exchange.WSBaseURL, "ws", "wss"); err != nil {
		return fmt.Errorf("exchange ws_base_url %v", err)
	}
	for name, pool := range map[string]PoolLimitConfig{
		"public": c.RateLimits.Public,
		"user":   c.RateLimits.User,
	} {
		if pool.Requests < 1 {
			return fmt.Errorf("rate_limits.%s.requests must be >= 1", name)
		}
		if pool.IntervalMs < 1 || pool.IntervalMs > 600000 {
			return fmt.Errorf("rate_limits.%s.interval_ms must be between 1 and 600000", name)
		}
	}
	if c.Polling.ShortPollSec < 1 || c.Polling.ShortPollSec > 3600 {
		return fmt.Errorf("polling.short_poll_sec must be between 1 and 3600")
	}
	if c.Polling.LongPollSec < c.Polling.ShortPollSec {
		return fmt.Errorf("polling.long_poll_sec must be >= short_poll_sec")
	}
	if c.Polling.OrderStatusMinIntervalSec < 1 || c.Polling.OrderStatusMinIntervalSec > 3600 {
		return fmt.Errorf("polling.order_status_min_interval_sec must be between 1 and 3600")
	}
	if c.Polling.MetadataRefreshSec < 10 || c.Polling.MetadataRefreshSec > 86400 {
		return fmt.Errorf("polling.metadata_refresh_sec must be between 10 and 86400")
	}
	if c.State.LockStaleSec < 0 || c.State.LockStaleSec > 86400 {
		return fmt.Errorf("state.lock_stale_sec must be between 0 and 86400")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if c.Observability.Telegram.TimeoutSec < 1 || c.Observability.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Observability.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	return nil
}

// HashVersion resolves the domain-specific signature hash version at load
// time, so no component needs late-bound process-wide state.
func (c Config) HashVersion() uint8 {
	if c.Domain == DomainSandboxMatic {
		return hashVersionSandboxMatic
	}
	return hashVersionMatic
}

func isValidInstanceID(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func isValidTradingPair(v string) bool {
	base, quote, ok := strings.Cut(v, "-")
	if !ok || base == "" || quote == "" {
		return false
	}
	for _, part := range []string{base, quote} {
		for _, r := range part {
			if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
				continue
			}
			return false
		}
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
