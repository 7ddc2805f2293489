// Package config provides configuration loading for agtown.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config is the full agtown configuration.
type Config struct {
	World   WorldConfig   `toml:"world"`
	LLM     LLMConfig     `toml:"llm"`
	Planner PlannerConfig `toml:"planner"`
	Sim     SimConfig     `toml:"sim"`
	Storage StorageConfig `toml:"storage"`
	Metrics MetricsConfig `toml:"metrics"`
	Log     LogConfig     `toml:"log"`
	Bus     BusConfig     `toml:"bus"`
}

// WorldConfig names the world and where its seed comes from.
type WorldConfig struct {
	ID       string `toml:"id"`
	SeedFile string `toml:"seed_file"` // empty = embedded seed
}

// LLMConfig selects the chat and embedding tiers. Credentials stay in the
// environment ({TIER}_API_KEY falling back to OPENAI_API_KEY).
type LLMConfig struct {
	Tier      string   `toml:"tier"`       // env prefix for chat, e.g. "PLANNER"
	EmbedTier string   `toml:"embed_tier"` // env prefix for embeddings
	Model     string   `toml:"model"`      // overrides {TIER}_MODEL when set
	MaxTokens int      `toml:"max_tokens"`
	Timeout   Duration `toml:"timeout"`

	// Retries on HTTP 429/5xx, starting at RetryBackoff and doubling.
	Retries      int      `toml:"retries"`
	RetryBackoff Duration `toml:"retry_backoff"`
}

// PlannerConfig tunes the recursive expander.
type PlannerConfig struct {
	MaxDepth          int    `toml:"max_depth"`
	MaxRoots          int    `toml:"max_roots"`
	MaxRetries        int    `toml:"max_retries"`
	Format            string `toml:"format"` // json | xml
	Fallback          bool   `toml:"fallback"`
	MemoriesPerTask   int    `toml:"memories_per_task"`
	MemoryConcurrency int    `toml:"memory_concurrency"`
	Company           string `toml:"company"`
}

// SimConfig holds engine and worker timing.
type SimConfig struct {
	Tick                 Duration `toml:"tick"`
	Lease                Duration `toml:"lease"`
	ConversationLength   Duration `toml:"conversation_length"`
	ConversationCooldown Duration `toml:"conversation_cooldown"`
	ActivityCooldown     Duration `toml:"activity_cooldown"`
	TravelPerTile        Duration `toml:"travel_per_tile"`
	SubmitJitter         Duration `toml:"submit_jitter"`
	Motivation           float64  `toml:"motivation"`
	Seed                 uint64   `toml:"seed"` // 0 = time based
}

// StorageConfig locates persistent state. Relative paths are resolved
// against Dir.
type StorageConfig struct {
	Dir       string `toml:"dir"`
	PlansDB   string `toml:"plans_db"`  // SQLite file; ":memory:" keeps plans in process
	MemoryDB  string `toml:"memory_db"` // LevelDB directory
	TaskLogs  string `toml:"task_logs"` // per-cycle JSONL directory; empty disables
	AuditFile string `toml:"audit_file"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `toml:"listen"` // empty disables
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `toml:"level"`  // debug | info | warn | error
	Format string `toml:"format"` // text | json
	File   string `toml:"file"`   // empty = stderr
}

// BusConfig enables the NATS bridge for finish inputs.
type BusConfig struct {
	NATSURL       string `toml:"nats_url"` // empty = in-process only
	SubjectPrefix string `toml:"subject_prefix"`
}

// Duration decodes TOML strings such as "500ms" or "5m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// New returns a config with defaults.
func New() *Config {
	return &Config{
		World: WorldConfig{ID: "nard"},
		LLM: LLMConfig{
			Tier:      "PLANNER",
			EmbedTier: "EMBED",
			MaxTokens:    2048,
			Timeout:      Duration{2 * time.Minute},
			Retries:      3,
			RetryBackoff: Duration{time.Second},
		},
		Planner: PlannerConfig{
			MaxDepth:          2,
			MaxRoots:          5,
			MaxRetries:        3,
			Format:            "json",
			Fallback:          true,
			MemoriesPerTask:   3,
			MemoryConcurrency: 4,
			Company:           "Nard AI",
		},
		Sim: SimConfig{
			Tick:                 Duration{time.Second},
			Lease:                Duration{5 * time.Minute},
			ConversationLength:   Duration{20 * time.Second},
			ConversationCooldown: Duration{15 * time.Second},
			ActivityCooldown:     Duration{10 * time.Second},
			TravelPerTile:        Duration{500 * time.Millisecond},
			SubmitJitter:         Duration{time.Second},
			Motivation:           0.3,
		},
		Storage: StorageConfig{
			Dir:       "~/.agtown",
			PlansDB:   "plans.db",
			MemoryDB:  "memory",
			TaskLogs:  "tasks",
			AuditFile: "audit.jsonl",
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Bus: BusConfig{SubjectPrefix: "agtown"},
	}
}

// LoadFile reads path over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		slog.Warn("[CONFIG] unknown keys ignored", "file", path, "keys", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load loads .env from the working directory when present, then the TOML file
// at path. An empty path or a missing agtown.toml returns the defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("[CONFIG] could not read .env", "error", err)
	}
	if path == "" {
		path = "agtown.toml"
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return New(), nil
		}
	}
	return LoadFile(path)
}

// Validate reports values the rest of the program cannot work with.
func (c *Config) Validate() error {
	var problems []string
	if c.World.ID == "" {
		problems = append(problems, "world.id is empty")
	}
	switch c.Planner.Format {
	case "json", "xml":
	default:
		problems = append(problems, fmt.Sprintf("planner.format %q is not json or xml", c.Planner.Format))
	}
	if c.LLM.Retries < 0 {
		problems = append(problems, "llm.retries is negative")
	}
	if c.Planner.MaxDepth < 0 {
		problems = append(problems, "planner.max_depth is negative")
	}
	if c.Sim.Motivation < 0 || c.Sim.Motivation > 1 {
		problems = append(problems, fmt.Sprintf("sim.motivation %v is outside [0, 1]", c.Sim.Motivation))
	}
	if c.Sim.Tick.Duration <= 0 {
		problems = append(problems, "sim.tick must be positive")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q is not text or json", c.Log.Format))
	}
	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Path resolves p against the storage directory, expanding a leading "~".
// Absolute paths and ":memory:" are returned unchanged.
func (c *Config) Path(p string) string {
	if p == "" || p == ":memory:" {
		return p
	}
	p = expandHome(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(expandHome(c.Storage.Dir), p)
}

// SlogLevel maps log.level to a slog.Level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
