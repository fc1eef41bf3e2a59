package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/nidhogg/chronicle/internal/compaction"
	ctxasm "github.com/nidhogg/chronicle/internal/context"
	"github.com/nidhogg/chronicle/internal/memory"
	"github.com/nidhogg/chronicle/internal/provider"
	"github.com/nidhogg/chronicle/internal/scenario"
	"github.com/nidhogg/chronicle/internal/session"
)

// Config is the top-level configuration structure.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Context    ContextConfig    `json:"context"`
	Memory     MemoryConfig     `json:"memory"`
	Compaction CompactionConfig `json:"compaction"`
	Providers  []ProviderConfig `json:"providers"`
	Database   DatabaseConfig   `json:"database"`
	Scenario   scenario.Profile `json:"scenario"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type ContextConfig struct {
	MaxTokens            int     `json:"max_tokens"`
	ReserveRatio         float64 `json:"reserve_ratio"`
	RecentMinEntries     int     `json:"recent_min_entries"`
	RecentMinTokens      int     `json:"recent_min_tokens"`
	SpillImportanceFloor float64 `json:"spill_importance_floor"`
	MemoryMinImportance  float64 `json:"memory_min_importance"`
	MemoryLimit          int     `json:"memory_limit"`
	SummaryLimit         int     `json:"summary_limit"`
}

type MemoryConfig struct {
	RetentionThreshold   float64 `json:"retention_threshold"`
	NeverForgetThreshold float64 `json:"never_forget_threshold"`
	HalfLifeHours        float64 `json:"half_life_hours"`
	MinRecencyWeight     float64 `json:"min_recency_weight"`
	Dedupe               bool    `json:"dedupe"`
}

type CompactionConfig struct {
	AgeThreshold        Duration `json:"age_threshold"`
	ImportanceThreshold float64  `json:"importance_threshold"`
	ProtectedWindow     Duration `json:"protected_window"`
	FootprintCeiling    int      `json:"footprint_ceiling"`
	Schedule            string   `json:"schedule"`
	MinGroupSize        int      `json:"min_group_size"`
	MaxGroupRecords     int      `json:"max_group_records"`
	IncludeSummaries    bool     `json:"include_summaries"`
	Concurrency         int      `json:"concurrency"`
}

type ProviderConfig struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Name     string   `json:"name"`
	Endpoint string   `json:"endpoint"`
	APIKey   string   `json:"api_key"`
	Model    string   `json:"model"`
	Timeout  Duration `json:"timeout,omitempty"`
}

type DatabaseConfig struct {
	Persistence string         `json:"persistence"` // postgres, redis or none
	Postgres    PostgresConfig `json:"postgres"`
	Redis       RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN           string `json:"dsn"`
	MigrationsDir string `json:"migrations_dir"`
}

type RedisConfig struct {
	URL    string   `json:"url"`
	Prefix string   `json:"prefix"`
	TTL    Duration `json:"ttl"`
}

// Duration is a time.Duration written as a Go duration string ("24h").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Default returns the configuration used for any field the file omits.
func Default() Config {
	cc := ctxasm.DefaultConfig()
	mc := memory.DefaultConfig()
	p := compaction.DefaultPolicy()
	return Config{
		Server: ServerConfig{Port: 8080, LogLevel: "info"},
		Context: ContextConfig{
			MaxTokens:            cc.MaxTokens,
			ReserveRatio:         cc.ReserveRatio,
			RecentMinEntries:     cc.RecentMinEntries,
			RecentMinTokens:      cc.RecentMinTokens,
			SpillImportanceFloor: cc.SpillImportanceFloor,
			MemoryLimit:          50,
			SummaryLimit:         20,
		},
		Memory: MemoryConfig{
			RetentionThreshold:   session.DefaultConfig().RetentionThreshold,
			NeverForgetThreshold: mc.NeverForgetThreshold,
			HalfLifeHours:        mc.Decay.HalfLifeHours,
			MinRecencyWeight:     mc.Decay.MinWeight,
			Dedupe:               mc.Dedupe,
		},
		Compaction: CompactionConfig{
			AgeThreshold:        Duration(p.AgeThreshold),
			ImportanceThreshold: p.ImportanceThreshold,
			ProtectedWindow:     Duration(p.ProtectedWindow),
			FootprintCeiling:    p.FootprintCeiling,
			Schedule:            "@every 15m",
			MinGroupSize:        p.MinGroupSize,
			MaxGroupRecords:     p.MaxGroupRecords,
			IncludeSummaries:    p.IncludeSummaries,
			Concurrency:         p.Concurrency,
		},
		Database: DatabaseConfig{
			Persistence: "none",
			Postgres:    PostgresConfig{MigrationsDir: "migrations"},
		},
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})

	cfg := Default()
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	for i := range cfg.Providers {
		if cfg.Providers[i].Type == "" {
			cfg.Providers[i].Type = "openai"
		}
		if cfg.Providers[i].ID == "" {
			cfg.Providers[i].ID = fmt.Sprintf("provider-%d", i)
		}
	}
	cfg.Database.Persistence = strings.ToLower(cfg.Database.Persistence)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	unit := func(name string, v float64) {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be in [0,1], got %v", name, v))
		}
	}
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}

	positive("context.max_tokens", c.Context.MaxTokens)
	if c.Context.ReserveRatio < 0 || c.Context.ReserveRatio >= 1 {
		errs = append(errs, fmt.Errorf("context.reserve_ratio must be in [0,1), got %v", c.Context.ReserveRatio))
	}
	if c.Context.RecentMinEntries < 0 || c.Context.RecentMinTokens < 0 {
		errs = append(errs, errors.New("context.recent_min_entries and recent_min_tokens must not be negative"))
	}
	if c.Context.MemoryLimit < 0 || c.Context.SummaryLimit < 0 {
		errs = append(errs, errors.New("context.memory_limit and summary_limit must not be negative"))
	}
	unit("context.spill_importance_floor", c.Context.SpillImportanceFloor)
	unit("context.memory_min_importance", c.Context.MemoryMinImportance)

	unit("memory.retention_threshold", c.Memory.RetentionThreshold)
	unit("memory.never_forget_threshold", c.Memory.NeverForgetThreshold)
	unit("memory.min_recency_weight", c.Memory.MinRecencyWeight)
	if c.Memory.HalfLifeHours <= 0 {
		errs = append(errs, fmt.Errorf("memory.half_life_hours must be positive, got %v", c.Memory.HalfLifeHours))
	}

	unit("compaction.importance_threshold", c.Compaction.ImportanceThreshold)
	positive("compaction.footprint_ceiling", c.Compaction.FootprintCeiling)
	positive("compaction.concurrency", c.Compaction.Concurrency)
	positive("compaction.max_group_records", c.Compaction.MaxGroupRecords)
	if c.Compaction.MinGroupSize < 2 {
		errs = append(errs, fmt.Errorf("compaction.min_group_size must be at least 2, got %d", c.Compaction.MinGroupSize))
	}
	if c.Compaction.AgeThreshold < 0 || c.Compaction.ProtectedWindow < 0 {
		errs = append(errs, errors.New("compaction durations must not be negative"))
	}
	if c.Compaction.Schedule != "" {
		if err := compaction.ValidateSchedule(c.Compaction.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("compaction.schedule: %w", err))
		}
	}

	for i, p := range c.Providers {
		if p.Type != "openai" {
			errs = append(errs, fmt.Errorf("providers[%d].type %q is not supported", i, p.Type))
		}
	}

	switch c.Database.Persistence {
	case "none", "":
	case "postgres":
		if c.Database.Postgres.DSN == "" {
			errs = append(errs, errors.New("database.postgres.dsn is required for postgres persistence"))
		}
	case "redis":
		if c.Database.Redis.URL == "" {
			errs = append(errs, errors.New("database.redis.url is required for redis persistence"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.persistence %q is unknown", c.Database.Persistence))
	}
	return errors.Join(errs...)
}

// SessionConfig maps the context and memory sections onto session settings.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		Context: ctxasm.Config{
			MaxTokens:            c.Context.MaxTokens,
			ReserveRatio:         c.Context.ReserveRatio,
			RecentMinEntries:     c.Context.RecentMinEntries,
			RecentMinTokens:      c.Context.RecentMinTokens,
			SpillImportanceFloor: c.Context.SpillImportanceFloor,
			MemoryMinImportance:  c.Context.MemoryMinImportance,
			MemoryLimit:          c.Context.MemoryLimit,
			SummaryLimit:         c.Context.SummaryLimit,
		},
		Memory: memory.Config{
			NeverForgetThreshold: c.Memory.NeverForgetThreshold,
			Decay: memory.DecayConfig{
				HalfLifeHours: c.Memory.HalfLifeHours,
				MinWeight:     c.Memory.MinRecencyWeight,
			},
			Dedupe: c.Memory.Dedupe,
		},
		RetentionThreshold: c.Memory.RetentionThreshold,
	}
}

// Policy maps the compaction section onto a compaction policy.
func (c CompactionConfig) Policy() compaction.Policy {
	return compaction.Policy{
		AgeThreshold:        time.Duration(c.AgeThreshold),
		ImportanceThreshold: c.ImportanceThreshold,
		ProtectedWindow:     time.Duration(c.ProtectedWindow),
		FootprintCeiling:    c.FootprintCeiling,
		MinGroupSize:        c.MinGroupSize,
		MaxGroupRecords:     c.MaxGroupRecords,
		IncludeSummaries:    c.IncludeSummaries,
		Concurrency:         c.Concurrency,
	}
}

// Transport converts to the provider package configuration.
func (p ProviderConfig) Transport() provider.ProviderConfig {
	return provider.ProviderConfig{
		ID:       p.ID,
		Name:     p.Name,
		Endpoint: p.Endpoint,
		APIKey:   p.APIKey,
		Model:    p.Model,
		Timeout:  time.Duration(p.Timeout),
	}
}
