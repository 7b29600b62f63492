// Package config loads console settings from .env, an optional YAML file
// and environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full console configuration.
type Config struct {
	Listen    string    `yaml:"listen"`
	API       API       `yaml:"api"`
	CacheTTL  CacheTTL  `yaml:"cache_ttl"`
	Log       Log       `yaml:"log"`
	LoginPath string    `yaml:"login_path"`
	StaticDir string    `yaml:"static_dir"`
	Session   Session   `yaml:"session"`
	Lot       LotDetail `yaml:"production_lot"`
	// TrustedProxies lists the addresses or CIDR ranges whose X-Real-IP and
	// X-Forwarded-For headers name the real client. Empty trusts no one.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// API configures the backend client.
type API struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
	Backoff time.Duration `yaml:"backoff"`
}

// CacheTTL is the staleness budget per resource class.
type CacheTTL struct {
	Processes      time.Duration `yaml:"processes"`
	Subprocesses   time.Duration `yaml:"subprocesses"`
	ProductionLots time.Duration `yaml:"production_lots"`
	VariantOptions time.Duration `yaml:"variant_options"`
	Alerts         time.Duration `yaml:"alerts"`
	Costing        time.Duration `yaml:"costing"`
}

// Log configures zap.
type Log struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Development bool   `yaml:"development"`
}

// Session names the browser cookies forwarded to the backend.
type Session struct {
	CookieName string `yaml:"cookie_name"`
	CSRFCookie string `yaml:"csrf_cookie"`
}

// LotDetail tunes the production lot page.
type LotDetail struct {
	VariantOptionsTimeout time.Duration `yaml:"variant_options_timeout"`
}

// Default returns the built-in configuration. The API base is the address
// the backend listens on in a default install.
func Default() Config {
	return Config{
		Listen: ":8080",
		API: API{
			BaseURL: "http://127.0.0.1:5000/api",
			Timeout: 15 * time.Second,
			Retries: 2,
			Backoff: 500 * time.Millisecond,
		},
		CacheTTL: CacheTTL{
			Processes:      60 * time.Second,
			Subprocesses:   time.Hour,
			ProductionLots: 30 * time.Second,
			VariantOptions: 5 * time.Minute,
			Alerts:         15 * time.Second,
			Costing:        60 * time.Second,
		},
		Log:       Log{Level: "info", Format: "json"},
		LoginPath: "/auth/login",
		StaticDir: "static",
		Session:   Session{CookieName: "session", CSRFCookie: "csrf_token"},
		Lot:       LotDetail{VariantOptionsTimeout: 5 * time.Second},
	}
}

// Load reads .env (a missing file is fine), then path when non-empty, then
// UPF_* environment overrides, and validates the result.
func Load(path string) (Config, error) {
	_ = godotenv.Load()
	cfg := Default()
	if path == "" {
		path = os.Getenv("UPF_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		"UPF_LISTEN":      &c.Listen,
		"UPF_API_BASE":    &c.API.BaseURL,
		"UPF_LOG_LEVEL":   &c.Log.Level,
		"UPF_LOG_FORMAT":  &c.Log.Format,
		"UPF_LOGIN_PATH":  &c.LoginPath,
		"UPF_STATIC_DIR":  &c.StaticDir,
		"UPF_SESSION_KEY": &c.Session.CookieName,
	}
	for k, p := range str {
		if v, ok := os.LookupEnv(k); ok {
			*p = v
		}
	}
	if v, ok := os.LookupEnv("UPF_TRUSTED_PROXIES"); ok {
		c.TrustedProxies = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.TrustedProxies = append(c.TrustedProxies, p)
			}
		}
	}
	if v, ok := os.LookupEnv("UPF_API_RETRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: UPF_API_RETRIES: %w", err)
		}
		c.API.Retries = n
	}
	durs := map[string]*time.Duration{
		"UPF_API_TIMEOUT":          &c.API.Timeout,
		"UPF_API_BACKOFF":          &c.API.Backoff,
		"UPF_VARIANT_OPTS_TIMEOUT": &c.Lot.VariantOptionsTimeout,
	}
	for k, p := range durs {
		if v, ok := os.LookupEnv(k); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("config: %s: %w", k, err)
			}
			*p = d
		}
	}
	return nil
}

// Validate rejects configurations the console cannot run with.
func (c Config) Validate() error {
	var errs []error
	u, err := url.Parse(c.API.BaseURL)
	if c.API.BaseURL == "" || err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("api.base_url %q is not an absolute URL", c.API.BaseURL))
	}
	if c.API.Timeout <= 0 {
		errs = append(errs, errors.New("api.timeout must be positive"))
	}
	if c.API.Retries < 0 {
		errs = append(errs, errors.New("api.retries must not be negative"))
	}
	if c.API.Backoff < 0 {
		errs = append(errs, errors.New("api.backoff must not be negative"))
	}
	if c.Lot.VariantOptionsTimeout <= 0 {
		errs = append(errs, errors.New("production_lot.variant_options_timeout must be positive"))
	}
	if c.Listen == "" {
		errs = append(errs, errors.New("listen must not be empty"))
	}
	if c.LoginPath == "" || c.LoginPath[0] != '/' {
		errs = append(errs, fmt.Errorf("login_path %q must be an absolute path", c.LoginPath))
	}
	if _, err := c.ProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ProxyPrefixes parses TrustedProxies. A bare address is a single-host
// prefix.
func (c Config) ProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted_proxies: %q is not an address or CIDR range", raw)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}
