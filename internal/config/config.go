// Package config loads forgeloop's configuration: defaults, then an
// optional TOML file, then environment variables (env wins).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type WorkspaceConfig struct {
	Root         string `toml:"root"`
	ArtifactsDir string `toml:"artifacts_dir"`
	ZipDir       string `toml:"zip_dir"`
}

type BanditConfig struct {
	StorePath string  `toml:"store_path"`
	Epsilon   float64 `toml:"epsilon"`
	PostgresDSN string `toml:"postgres_dsn"`
}

type StrategyConfig struct {
	ForceDuel           bool `toml:"force_duel"`
	CandidateTimeoutSec int  `toml:"candidate_timeout_sec"`
	DuelTimeoutSec      int  `toml:"duel_timeout_sec"`
	TotBeamWidth        int  `toml:"tot_beam_width"`
	TotMaxDepth         int  `toml:"tot_max_depth"`
}

type SSEConfig struct {
	FinalWaitSeconds int `toml:"final_wait_seconds"`
	DBPollIntervalMs int `toml:"db_poll_interval_ms"`
	HeartbeatSeconds int `toml:"heartbeat_seconds"`
}

type OllamaConfig struct {
	Host         string `toml:"host"`
	Autopull     bool   `toml:"autopull"`
	TagCacheTTLS int    `toml:"tag_cache_ttl_seconds"`
}

type RateLimitConfig struct {
	RPS   float64 `toml:"rps"`
	Burst int     `toml:"burst"`
}

type ZipConfig struct {
	MaxFiles     int      `toml:"max_files"`
	MaxBytes     int64    `toml:"max_bytes"`
	MaxFileBytes int64    `toml:"max_file_bytes"`
	SkipSegments []string `toml:"skip_segments"`
	SkipSuffixes []string `toml:"skip_suffixes"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type Config struct {
	Workspace   WorkspaceConfig `toml:"workspace"`
	Bandit      BanditConfig    `toml:"bandit"`
	Strategy    StrategyConfig  `toml:"strategy"`
	SSE         SSEConfig       `toml:"sse"`
	Ollama      OllamaConfig    `toml:"ollama"`
	RateLimit   RateLimitConfig `toml:"rate_limit"`
	Zip         ZipConfig       `toml:"zip"`
	Database    DatabaseConfig  `toml:"database"`
	StatusGuard string          `toml:"status_guard_mode"`
}

// Default returns a Config with every field set to its default.
func Default() Config {
	return Config{
		Workspace: WorkspaceConfig{
			Root:         "./workspace",
			ArtifactsDir: "./workspace/artifacts",
			ZipDir:       "./workspace/zips",
		},
		Bandit: BanditConfig{
			StorePath: "./workspace/bandit.jsonl",
			Epsilon:   0.1,
		},
		Strategy: StrategyConfig{
			CandidateTimeoutSec: 120,
			DuelTimeoutSec:      180,
			TotBeamWidth:        2,
			TotMaxDepth:         3,
		},
		SSE: SSEConfig{
			FinalWaitSeconds: 10,
			DBPollIntervalMs: 500,
			HeartbeatSeconds: 15,
		},
		Ollama: OllamaConfig{
			Host:         "http://localhost:11434",
			TagCacheTTLS: 30,
		},
		RateLimit: RateLimitConfig{
			RPS:   5,
			Burst: 10,
		},
		Zip: ZipConfig{
			MaxFiles:     2000,
			MaxBytes:     200 * 1024 * 1024,
			MaxFileBytes: 20 * 1024 * 1024,
			SkipSegments: []string{".git", "node_modules", ".duel", "__pycache__", "target", "build"},
			SkipSuffixes: []string{".class", ".pyc", ".DS_Store"},
		},
		Database: DatabaseConfig{
			Path: "./workspace/forgeloop.db",
		},
		StatusGuard: "fix",
	}
}

// Load reads config: defaults -> TOML file (if path exists) -> env vars.
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "forgeloop.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_, _ = toml.Decode(string(data), &cfg)
	}

	applyEnv(&cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("WORKSPACE_ROOT"); v != "" {
		cfg.Workspace.Root = v
	}
	if v := os.Getenv("ARTIFACTS_DIR"); v != "" {
		cfg.Workspace.ArtifactsDir = v
	}
	if v := os.Getenv("ZIP_DIR"); v != "" {
		cfg.Workspace.ZipDir = v
	}
	if v := os.Getenv("BANDIT_STORE_PATH"); v != "" {
		cfg.Bandit.StorePath = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("BANDIT_EPSILON"), 64); err == nil {
		cfg.Bandit.Epsilon = v
	}
	if v := os.Getenv("FORCE_DUEL"); v != "" {
		cfg.Strategy.ForceDuel = isTruthy(v)
	}
	if v, err := strconv.Atoi(os.Getenv("CANDIDATE_TIMEOUT_SEC")); err == nil {
		cfg.Strategy.CandidateTimeoutSec = v
	}
	if v, err := strconv.Atoi(os.Getenv("DUEL_TIMEOUT_SEC")); err == nil {
		cfg.Strategy.DuelTimeoutSec = v
	}
	if v, err := strconv.Atoi(os.Getenv("TOT_BEAM_WIDTH")); err == nil {
		cfg.Strategy.TotBeamWidth = v
	}
	if v, err := strconv.Atoi(os.Getenv("TOT_MAX_DEPTH")); err == nil {
		cfg.Strategy.TotMaxDepth = v
	}
	if v, err := strconv.Atoi(os.Getenv("SSE_FINAL_WAIT_SECONDS")); err == nil {
		cfg.SSE.FinalWaitSeconds = v
	}
	if v, err := strconv.Atoi(os.Getenv("SSE_DB_POLL_INTERVAL")); err == nil {
		cfg.SSE.DBPollIntervalMs = v
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		cfg.Ollama.Host = v
	}
	if v := os.Getenv("OLLAMA_AUTOPULL"); v != "" {
		cfg.Ollama.Autopull = isTruthy(v)
	}
	if v, err := strconv.Atoi(os.Getenv("OLLAMA_TAG_CACHE_TTL")); err == nil {
		cfg.Ollama.TagCacheTTLS = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("RL_RPS"), 64); err == nil {
		cfg.RateLimit.RPS = v
	}
	if v, err := strconv.Atoi(os.Getenv("RL_BURST")); err == nil {
		cfg.RateLimit.Burst = v
	}
	if v := os.Getenv("STATUS_GUARD_MODE"); v != "" {
		cfg.StatusGuard = v
	}
	if v, err := strconv.Atoi(os.Getenv("ZIP_MAX_FILES")); err == nil {
		cfg.Zip.MaxFiles = v
	}
	if v, err := strconv.ParseInt(os.Getenv("ZIP_MAX_BYTES"), 10, 64); err == nil {
		cfg.Zip.MaxBytes = v
	}
	if v, err := strconv.ParseInt(os.Getenv("ZIP_MAX_FILE_BYTES"), 10, 64); err == nil {
		cfg.Zip.MaxFileBytes = v
	}
	if v := os.Getenv("ZIP_SKIP_SEGMENTS"); v != "" {
		cfg.Zip.SkipSegments = strings.Split(v, ",")
	}
	if v := os.Getenv("ZIP_SKIP_SUFFIXES"); v != "" {
		cfg.Zip.SkipSuffixes = strings.Split(v, ",")
	}
}

func isTruthy(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

// CandidateTimeout and DuelTimeout return the configured budgets as
// time.Duration for direct use by the queue package.
func (c Config) CandidateTimeout() time.Duration {
	return time.Duration(c.Strategy.CandidateTimeoutSec) * time.Second
}

func (c Config) DuelTimeout() time.Duration {
	return time.Duration(c.Strategy.DuelTimeoutSec) * time.Second
}

func (c Config) TagCacheTTL() time.Duration {
	return time.Duration(c.Ollama.TagCacheTTLS) * time.Second
}

func (c Config) FinalWait() time.Duration {
	return time.Duration(c.SSE.FinalWaitSeconds) * time.Second
}

func (c Config) DBPollInterval() time.Duration {
	return time.Duration(c.SSE.DBPollIntervalMs) * time.Millisecond
}

func (c Config) Heartbeat() time.Duration {
	return time.Duration(c.SSE.HeartbeatSeconds) * time.Second
}
