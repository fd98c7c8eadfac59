package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration. It is a value type: loaded once
// at startup and passed down explicitly, never re-read from disk at call sites.
type Config struct {
	DatabasePath string `yaml:"database_path"`
	LogLevel     string `yaml:"log_level"`
	Listen       string `yaml:"listen"`

	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Timeouts    TimeoutConfig     `yaml:"timeouts"`
	Retry       RetryConfig       `yaml:"retry"`
	Scraper     ScraperConfig     `yaml:"scraper"`
	LLM         LLMConfig         `yaml:"llm"`
	Models      ModelConfig       `yaml:"models"`
	Presets     PresetConfig      `yaml:"presets"`
	Summary     SummaryLimits     `yaml:"summary"`
	Video       VideoConfig       `yaml:"video"`
	Lock        LockConfig        `yaml:"lock"`
	Language    string            `yaml:"preferred_lang"` // auto|en|ru|...
}

type ConcurrencyConfig struct {
	MaxConcurrentExternal int `yaml:"max_concurrent_external"`
	MaxConcurrentPerUser  int `yaml:"max_concurrent_per_user"`
	MaxConcurrentBatch    int `yaml:"max_concurrent_batch"`
}

type TimeoutConfig struct {
	RequestSec int `yaml:"request_timeout_sec"`
	ScraperSec int `yaml:"scraper_timeout_sec"`
	LLMSec     int `yaml:"llm_timeout_sec"`
}

type RetryConfig struct {
	Attempts    int     `yaml:"retry_attempts"`
	BaseDelayMS int     `yaml:"retry_base_delay_ms"`
	MaxDelayMS  int     `yaml:"retry_max_delay_ms"`
	JitterRatio float64 `yaml:"retry_jitter_ratio"`
	// RateLimitCooldownSec floors the pause after an upstream 429 before any
	// further batch submissions go out.
	RateLimitCooldownSec int `yaml:"rate_limit_cooldown_sec"`
}

type ScraperConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// Optional extra formats beyond markdown+metadata.
	WantHTML       bool `yaml:"want_html"`
	WantStructured bool `yaml:"want_structured"`
	WantScreenshot bool `yaml:"want_screenshot"`
	// Quality gate thresholds.
	MinWords         int     `yaml:"min_words"`
	MinAlnumRatio    float64 `yaml:"min_alnum_ratio"`
	MinUniqueTokenPt float64 `yaml:"min_unique_token_ratio"`
	// Free-text scan cap, characters. Inputs beyond it produce a truncation notice.
	ScanCapChars int `yaml:"scan_cap_chars"`
}

type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

type ModelConfig struct {
	Primary        string   `yaml:"primary_model"`
	Fallbacks      []string `yaml:"fallback_models"`
	LongContext    string   `yaml:"long_context_model"`
	ContextTokens  int      `yaml:"context_tokens"`   // primary model window
	ChunkCapTokens int      `yaml:"chunk_cap_tokens"` // per-chunk budget
	MaxChunks      int      `yaml:"max_chunks"`
}

type PresetConfig struct {
	TempStrict  float64 `yaml:"temp_strict"`
	TempRelaxed float64 `yaml:"temp_relaxed"`
	TempJSON    float64 `yaml:"temp_json"`
	TopPStrict  float64 `yaml:"top_p_strict"`
	TopPRelaxed float64 `yaml:"top_p_relaxed"`
	TopPJSON    float64 `yaml:"top_p_json"`
}

type SummaryLimits struct {
	ShortChars   int `yaml:"short_chars"`
	LongChars    int `yaml:"long_chars"`
	KeyIdeasMin  int `yaml:"key_ideas_min"`
	KeyIdeasMax  int `yaml:"key_ideas_max"`
	TagsMin      int `yaml:"tags_min"`
	TagsMax      int `yaml:"tags_max"`
	KeywordsMin  int `yaml:"keywords_min"`
	KeywordsMax  int `yaml:"keywords_max"`
	AgentRetries int `yaml:"agent_retries"`
}

type VideoConfig struct {
	StorageRoot      string   `yaml:"storage_root"`
	MaxVideoMB       int      `yaml:"max_video_mb"`
	MaxStorageGB     int      `yaml:"max_storage_gb"`
	PreferredQuality string   `yaml:"preferred_quality"` // e.g. "1080"
	SubtitleLangs    []string `yaml:"subtitle_langs"`
	AutoCleanupDays  int      `yaml:"auto_cleanup_days"`
	CleanupTriggerPc int      `yaml:"cleanup_trigger_pct"`
	// Optional rotating proxy for the transcript client.
	ProxyUsername string `yaml:"proxy_username"`
	ProxyPassword string `yaml:"proxy_password"`
}

type LockConfig struct {
	Backend   string `yaml:"backend"` // "memory" or "redis"
	RedisAddr string `yaml:"redis_addr"`
	Required  bool   `yaml:"required"` // fail loud when redis unreachable
	TTLSec    int    `yaml:"ttl_sec"`
}

// Default returns the configuration with every knob at its documented default.
func Default() Config {
	return Config{
		DatabasePath: "distillo.db",
		LogLevel:     "info",
		Listen:       ":8640",
		Concurrency: ConcurrencyConfig{
			MaxConcurrentExternal: 5,
			MaxConcurrentPerUser:  3,
			MaxConcurrentBatch:    5,
		},
		Timeouts: TimeoutConfig{RequestSec: 600, ScraperSec: 60, LLMSec: 120},
		Retry:    RetryConfig{Attempts: 3, BaseDelayMS: 500, MaxDelayMS: 5000, JitterRatio: 0.2, RateLimitCooldownSec: 60},
		Scraper: ScraperConfig{
			MinWords:         40,
			MinAlnumRatio:    0.45,
			MinUniqueTokenPt: 0.2,
			ScanCapChars:     50000,
		},
		Models: ModelConfig{
			Primary:        "gpt-4o-mini",
			LongContext:    "gpt-4o-mini",
			ContextTokens:  120000,
			ChunkCapTokens: 24000,
			MaxChunks:      8,
		},
		Presets: PresetConfig{
			TempStrict:  0.2,
			TempRelaxed: 0.5,
			TempJSON:    0.1,
			TopPStrict:  0.9,
			TopPRelaxed: 0.95,
			TopPJSON:    0.8,
		},
		Summary: SummaryLimits{
			ShortChars:   250,
			LongChars:    1000,
			KeyIdeasMin:  3,
			KeyIdeasMax:  8,
			TagsMin:      3,
			TagsMax:      10,
			KeywordsMin:  3,
			KeywordsMax:  10,
			AgentRetries: 3,
		},
		Video: VideoConfig{
			StorageRoot:      "videos",
			MaxVideoMB:       2048,
			MaxStorageGB:     50,
			PreferredQuality: "1080",
			SubtitleLangs:    []string{"en", "ru"},
			AutoCleanupDays:  30,
			CleanupTriggerPc: 90,
		},
		Lock:     LockConfig{Backend: "memory", TTLSec: 300},
		Language: "auto",
	}
}

// Load reads a YAML config file on top of the defaults. A missing file is
// not an error: the defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		path = defaultConfigPath()
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.DatabasePath = ExpandPath(cfg.DatabasePath)
	cfg.Video.StorageRoot = ExpandPath(cfg.Video.StorageRoot)
	return cfg, nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "distillo", "config.yaml")
}

// ExpandPath expands a leading ~ and environment variables in a filesystem path.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			if p == "~" {
				p = home
			} else if strings.HasPrefix(p, "~/") {
				p = filepath.Join(home, p[2:])
			}
		}
	}
	return p
}
