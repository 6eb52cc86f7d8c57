package memory

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnrichmentMode selects how AddNote writes to LTM.
type EnrichmentMode string

const (
	// EnrichSync runs deep processing and the LTM write inside AddNote and
	// returns their errors.
	EnrichSync EnrichmentMode = "sync"

	// EnrichAsync hands the LTM write to the background worker pool. AddNote
	// returns once STM is written; LTM failures are only logged.
	EnrichAsync EnrichmentMode = "async"
)

// SearchStrategy selects how LTM applies metadata filters.
type SearchStrategy string

const (
	// StrategyAuto pre-filters when the index supports it, otherwise over-fetches.
	StrategyAuto      SearchStrategy = "auto"
	StrategyPrefilter SearchStrategy = "prefilter"
	StrategyOverfetch SearchStrategy = "overfetch"
)

// Config holds Manager configuration.
type Config struct {
	// Enabled toggles the whole memory system. A disabled manager accepts
	// calls and returns empty results.
	Enabled bool `mapstructure:"enabled"`

	// Dimensions is the embedding size. 0 takes it from the Embedder.
	Dimensions int `mapstructure:"dimensions"`

	// STMCapacity caps notes per UserKey in short-term memory.
	STMCapacity int `mapstructure:"stm_capacity"`

	// MaxContentBytes rejects larger notes with ErrInvalidInput.
	MaxContentBytes int `mapstructure:"max_content_bytes"`

	EnrichmentMode EnrichmentMode `mapstructure:"enrichment_mode"`
	Workers        int            `mapstructure:"workers"`
	QueueSize      int            `mapstructure:"queue_size"`
	EmbedTimeout   time.Duration  `mapstructure:"embed_timeout"`
	DeepTimeout    time.Duration  `mapstructure:"deep_timeout"`

	SearchStrategy  SearchStrategy `mapstructure:"search_strategy"`
	OverfetchFactor int            `mapstructure:"overfetch_factor"`

	// KeywordWeight blends keyword overlap into the LTM hybrid score [0,1].
	KeywordWeight float64 `mapstructure:"keyword_weight"`

	// TemporalWeight blends recency into the final ranking [0,1].
	TemporalWeight float64 `mapstructure:"temporal_weight"`

	// HalfLife is the age at which the recency score halves.
	HalfLife time.Duration `mapstructure:"half_life"`

	// LinkThreshold and LinkCandidates control link derivation during
	// enrichment. LinkCandidates of 0 disables links.
	LinkThreshold  float64 `mapstructure:"link_threshold"`
	LinkCandidates int     `mapstructure:"link_candidates"`

	// DuplicateThreshold skips RecordInteraction when an STM note is at
	// least this similar.
	DuplicateThreshold float64 `mapstructure:"duplicate_threshold"`

	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`

	// CompactionInterval runs LTM compaction periodically. 0 disables it.
	CompactionInterval time.Duration `mapstructure:"compaction_interval"`

	// Retention expires LTM notes older than this during compaction.
	// 0 keeps notes forever.
	Retention time.Duration `mapstructure:"retention"`
}

// DefaultConfig returns sensible defaults for local use.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		STMCapacity:        100,
		MaxContentBytes:    64 << 10,
		EnrichmentMode:     EnrichAsync,
		Workers:            4,
		QueueSize:          64,
		EmbedTimeout:       10 * time.Second,
		DeepTimeout:        30 * time.Second,
		SearchStrategy:     StrategyAuto,
		OverfetchFactor:    3,
		KeywordWeight:      0.2,
		TemporalWeight:     0.2,
		HalfLife:           7 * 24 * time.Hour,
		LinkThreshold:      0.75,
		LinkCandidates:     3,
		DuplicateThreshold: 0.95,
		BreakerThreshold:   10,
		BreakerCooldown:    60 * time.Second,
	}
}

// Validate reports every bad field, joined under ErrConfig.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Dimensions >= 0, "dimensions must be >= 0, got %d", c.Dimensions)
	check(c.STMCapacity >= 1, "stm_capacity must be >= 1, got %d", c.STMCapacity)
	check(c.MaxContentBytes >= 1, "max_content_bytes must be >= 1, got %d", c.MaxContentBytes)
	check(c.EnrichmentMode == EnrichSync || c.EnrichmentMode == EnrichAsync,
		"enrichment_mode must be %q or %q, got %q", EnrichSync, EnrichAsync, c.EnrichmentMode)
	if c.EnrichmentMode == EnrichAsync {
		check(c.Workers >= 1, "workers must be >= 1, got %d", c.Workers)
		check(c.QueueSize >= 1, "queue_size must be >= 1, got %d", c.QueueSize)
	}
	check(c.EmbedTimeout > 0, "embed_timeout must be positive")
	check(c.DeepTimeout > 0, "deep_timeout must be positive")
	switch c.SearchStrategy {
	case StrategyAuto, StrategyPrefilter, StrategyOverfetch:
	default:
		errs = append(errs, fmt.Errorf("unknown search_strategy %q", c.SearchStrategy))
	}
	check(c.OverfetchFactor >= 1, "overfetch_factor must be >= 1, got %d", c.OverfetchFactor)
	check(c.KeywordWeight >= 0 && c.KeywordWeight <= 1, "keyword_weight must be in [0,1], got %v", c.KeywordWeight)
	check(c.TemporalWeight >= 0 && c.TemporalWeight <= 1, "temporal_weight must be in [0,1], got %v", c.TemporalWeight)
	check(c.HalfLife > 0, "half_life must be positive")
	check(c.LinkCandidates >= 0, "link_candidates must be >= 0, got %d", c.LinkCandidates)
	check(c.DuplicateThreshold > 0 && c.DuplicateThreshold <= 1, "duplicate_threshold must be in (0,1], got %v", c.DuplicateThreshold)
	check(c.BreakerThreshold >= 1, "breaker_threshold must be >= 1, got %d", c.BreakerThreshold)
	check(c.BreakerCooldown > 0, "breaker_cooldown must be positive")
	check(c.CompactionInterval >= 0, "compaction_interval must be >= 0")
	check(c.Retention >= 0, "retention must be >= 0")

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConfig, errors.Join(errs...))
}

// LoadConfig reads configuration from an optional YAML file and NIM_MEMORY_*
// environment variables, layered over DefaultConfig. An empty path reads
// the environment only.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NIM_MEMORY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := DefaultConfig()
	v.SetDefault("enabled", def.Enabled)
	v.SetDefault("dimensions", def.Dimensions)
	v.SetDefault("stm_capacity", def.STMCapacity)
	v.SetDefault("max_content_bytes", def.MaxContentBytes)
	v.SetDefault("enrichment_mode", string(def.EnrichmentMode))
	v.SetDefault("workers", def.Workers)
	v.SetDefault("queue_size", def.QueueSize)
	v.SetDefault("embed_timeout", def.EmbedTimeout)
	v.SetDefault("deep_timeout", def.DeepTimeout)
	v.SetDefault("search_strategy", string(def.SearchStrategy))
	v.SetDefault("overfetch_factor", def.OverfetchFactor)
	v.SetDefault("keyword_weight", def.KeywordWeight)
	v.SetDefault("temporal_weight", def.TemporalWeight)
	v.SetDefault("half_life", def.HalfLife)
	v.SetDefault("link_threshold", def.LinkThreshold)
	v.SetDefault("link_candidates", def.LinkCandidates)
	v.SetDefault("duplicate_threshold", def.DuplicateThreshold)
	v.SetDefault("breaker_threshold", def.BreakerThreshold)
	v.SetDefault("breaker_cooldown", def.BreakerCooldown)
	v.SetDefault("compaction_interval", def.CompactionInterval)
	v.SetDefault("retention", def.Retention)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("%w: read config %s: %w", ErrConfig, path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: decode config: %w", ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
