// Package config loads runtime settings from the environment and the
// optional YAML pricing file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/shehryarbajwa/webgrab/pkg/models"
)

// Browser launch modes.
const (
	BrowserDocker = "docker"
	BrowserRemote = "remote"
	BrowserLocal  = "local"
)

// APIKey binds a static key to a principal.
type APIKey struct {
	Key    string
	UserID string
	Plan   string
}

type Config struct {
	Addr      string
	LogLevel  string
	LogFormat string
	DataDir   string
	PublicURL string

	JWTSecret string
	APIKeys   []APIKey

	RedisURL string

	BrowserMode    string
	BrowserWS      string
	BrowserImage   string
	BrowserBin     string
	MaxBrowsers    int
	NavTimeout     time.Duration
	NavAttempts    int
	HealthTimeout  time.Duration
	OpTimeout      time.Duration
	ActorIdle      time.Duration
	ArtifactGrace  time.Duration
	MailboxSize    int
	GeminiAPIKey   string
	GeminiModel    string
	SearXNGURL     string
	DuckDuckGoURL  string
	RatePerHour    int
	RateBurst      int
	PricingFile    string
	Pricing        Pricing
	ShutdownPeriod time.Duration
}

// Pricing holds per-kind costs and cache TTLs, and per-plan rate limits.
type Pricing struct {
	Costs map[models.Kind]int64         `yaml:"costs"`
	TTL   map[models.Kind]time.Duration `yaml:"ttl"`
	Plans map[string]PlanLimit          `yaml:"plans"`
}

type PlanLimit struct {
	RequestsPerHour int `yaml:"requestsPerHour"`
	Burst           int `yaml:"burst"`
}

// DefaultPricing is used for any kind the pricing file leaves out.
func DefaultPricing() Pricing {
	return Pricing{
		Costs: map[models.Kind]int64{
			models.KindScreenshot: 1,
			models.KindPDF:        1,
			models.KindMarkdown:   1,
			models.KindContent:    1,
			models.KindScrape:     1,
			models.KindLinks:      1,
			models.KindSearch:     1,
			models.KindJSON:       3,
		},
		TTL: map[models.Kind]time.Duration{
			models.KindScreenshot: 12 * time.Hour,
			models.KindPDF:        12 * time.Hour,
			models.KindJSON:       30 * time.Minute,
			models.KindMarkdown:   30 * time.Minute,
			models.KindLinks:      30 * time.Minute,
			models.KindContent:    30 * time.Minute,
			models.KindScrape:     10 * time.Minute,
			models.KindSearch:     10 * time.Minute,
		},
		Plans: map[string]PlanLimit{},
	}
}

// Cost returns the credit cost of kind.
func (p Pricing) Cost(kind models.Kind) int64 {
	return p.Costs[kind]
}

// TTLFor returns the cache TTL class of kind.
func (p Pricing) TTLFor(kind models.Kind) time.Duration {
	return p.TTL[kind]
}

// Load reads .env (if present), the environment and the pricing file.
func Load() (*Config, error) {
	// A missing .env is normal in containers.
	_ = godotenv.Load()

	cfg := &Config{
		Addr:           getEnv("WEBGRAB_ADDR", ":8080"),
		LogLevel:       getEnv("WEBGRAB_LOG_LEVEL", "info"),
		LogFormat:      getEnv("WEBGRAB_LOG_FORMAT", "json"),
		DataDir:        getEnv("WEBGRAB_DATA_DIR", "./data"),
		PublicURL:      strings.TrimRight(getEnv("WEBGRAB_PUBLIC_URL", "http://localhost:8080"), "/"),
		JWTSecret:      os.Getenv("WEBGRAB_JWT_SECRET"),
		RedisURL:       os.Getenv("WEBGRAB_REDIS_URL"),
		BrowserMode:    getEnv("WEBGRAB_BROWSER_MODE", BrowserDocker),
		BrowserWS:      os.Getenv("WEBGRAB_BROWSER_WS"),
		BrowserImage:   getEnv("WEBGRAB_BROWSER_IMAGE", "browserless/chrome:latest"),
		BrowserBin:     os.Getenv("WEBGRAB_BROWSER_BIN"),
		GeminiAPIKey:   os.Getenv("WEBGRAB_GEMINI_API_KEY"),
		GeminiModel:    getEnv("WEBGRAB_GEMINI_MODEL", "gemini-2.5-flash"),
		SearXNGURL:     os.Getenv("WEBGRAB_SEARXNG_URL"),
		DuckDuckGoURL:  getEnv("WEBGRAB_DUCKDUCKGO_URL", "https://html.duckduckgo.com/html/"),
		PricingFile:    os.Getenv("WEBGRAB_PRICING_FILE"),
		Pricing:        DefaultPricing(),
		ShutdownPeriod: 10 * time.Second,
	}

	var err error
	if cfg.MaxBrowsers, err = getInt("WEBGRAB_MAX_BROWSERS", 20); err != nil {
		return nil, err
	}
	if cfg.NavAttempts, err = getInt("WEBGRAB_NAV_ATTEMPTS", 2); err != nil {
		return nil, err
	}
	if cfg.MailboxSize, err = getInt("WEBGRAB_MAILBOX_SIZE", 32); err != nil {
		return nil, err
	}
	if cfg.RatePerHour, err = getInt("WEBGRAB_RATE_PER_HOUR", 1000); err != nil {
		return nil, err
	}
	if cfg.RateBurst, err = getInt("WEBGRAB_RATE_BURST", 20); err != nil {
		return nil, err
	}
	if cfg.NavTimeout, err = getDuration("WEBGRAB_NAV_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.HealthTimeout, err = getDuration("WEBGRAB_HEALTH_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.OpTimeout, err = getDuration("WEBGRAB_OP_TIMEOUT", 90*time.Second); err != nil {
		return nil, err
	}
	if cfg.ActorIdle, err = getDuration("WEBGRAB_ACTOR_IDLE", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ArtifactGrace, err = getDuration("WEBGRAB_ARTIFACT_GRACE", 1500*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.APIKeys, err = ParseAPIKeys(os.Getenv("WEBGRAB_API_KEYS")); err != nil {
		return nil, err
	}

	if cfg.PricingFile != "" {
		if err := cfg.Pricing.LoadFile(cfg.PricingFile); err != nil {
			return nil, err
		}
	}

	return cfg, cfg.Validate()
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.BrowserMode {
	case BrowserDocker, BrowserLocal:
	case BrowserRemote:
		if c.BrowserWS == "" {
			return fmt.Errorf("WEBGRAB_BROWSER_WS is required in remote browser mode")
		}
	default:
		return fmt.Errorf("unknown browser mode %q", c.BrowserMode)
	}
	if c.NavAttempts < 1 {
		return fmt.Errorf("WEBGRAB_NAV_ATTEMPTS must be at least 1")
	}
	if c.MaxBrowsers < 1 {
		return fmt.Errorf("WEBGRAB_MAX_BROWSERS must be at least 1")
	}
	if c.JWTSecret == "" && len(c.APIKeys) == 0 {
		return fmt.Errorf("configure WEBGRAB_JWT_SECRET or WEBGRAB_API_KEYS")
	}
	return nil
}

// DatabasePath is the SQLite file holding the ledger and artifact index.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "webgrab.db")
}

// ObjectsDir is the root of the filesystem object store.
func (c *Config) ObjectsDir() string {
	return filepath.Join(c.DataDir, "objects")
}

// UsersDir is the root of per-user workspaces.
func (c *Config) UsersDir() string {
	return filepath.Join(c.DataDir, "users")
}

// LoadFile overlays the YAML pricing file onto p.
func (p *Pricing) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pricing file: %w", err)
	}
	var file Pricing
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse pricing file: %w", err)
	}
	for kind, cost := range file.Costs {
		if _, ok := models.NewOperation(kind); !ok {
			return fmt.Errorf("pricing file: unknown operation %q", kind)
		}
		if cost < 0 {
			return fmt.Errorf("pricing file: negative cost for %q", kind)
		}
		p.Costs[kind] = cost
	}
	for kind, ttl := range file.TTL {
		if _, ok := models.NewOperation(kind); !ok {
			return fmt.Errorf("pricing file: unknown operation %q", kind)
		}
		p.TTL[kind] = ttl
	}
	if p.Plans == nil {
		p.Plans = map[string]PlanLimit{}
	}
	for plan, limit := range file.Plans {
		p.Plans[plan] = limit
	}
	return nil
}

// ParseAPIKeys parses "key:user:plan" entries separated by commas.
func ParseAPIKeys(raw string) ([]APIKey, error) {
	var keys []APIKey
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid API key entry %q, want key:user[:plan]", entry)
		}
		k := APIKey{Key: parts[0], UserID: parts[1], Plan: "free"}
		if len(parts) == 3 && parts[2] != "" {
			k.Plan = parts[2]
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
