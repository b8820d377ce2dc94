package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [LoadFromReader] for keys the file omits.
const (
	DefaultDimension      = 1024
	DefaultBatchSize      = 32
	DefaultMaxConcurrency = 8
	DefaultTimeout        = 10 * time.Second
	DefaultPoolSize       = 16
	DefaultTopK           = 10
	DefaultMaxTopK        = 100
	DefaultRRFK           = 60
	DefaultBatchWindow    = 100
	DefaultSyncWorkers    = 4
	DefaultMinSimilarity  = 0.5
	DefaultRecallK        = 3
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults, and validates
// the result. Unknown keys are rejected so typos surface at startup instead
// of silently falling back to defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	fillDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fillDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = ProviderHTTPEmbed
	}
	if cfg.Embedding.Dimension == 0 {
		cfg.Embedding.Dimension = DefaultDimension
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = DefaultBatchSize
	}
	if cfg.Embedding.MaxConcurrency == 0 {
		cfg.Embedding.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.Embedding.Timeout == 0 {
		cfg.Embedding.Timeout = Duration(DefaultTimeout)
	}
	if cfg.Store.PoolSize == 0 {
		cfg.Store.PoolSize = DefaultPoolSize
	}
	if cfg.Search.DefaultTopK == 0 {
		cfg.Search.DefaultTopK = DefaultTopK
	}
	if cfg.Search.MaxTopK == 0 {
		cfg.Search.MaxTopK = DefaultMaxTopK
	}
	if cfg.Search.RRFK == 0 {
		cfg.Search.RRFK = DefaultRRFK
	}
	if cfg.Sync.BatchWindow == 0 {
		cfg.Sync.BatchWindow = DefaultBatchWindow
	}
	if cfg.Sync.Workers == 0 {
		cfg.Sync.Workers = DefaultSyncWorkers
	}
	if cfg.Memory.MinSimilarity == 0 {
		cfg.Memory.MinSimilarity = DefaultMinSimilarity
	}
	if cfg.Memory.RecallK == 0 {
		cfg.Memory.RecallK = DefaultRecallK
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if !cfg.Embedding.Provider.IsValid() {
		errs = append(errs, fmt.Errorf("embedding.provider %q is invalid; valid values: httpembed, openai, mock", cfg.Embedding.Provider))
	}
	if cfg.Embedding.Provider == ProviderHTTPEmbed && cfg.Embedding.EndpointURL == "" {
		errs = append(errs, errors.New("embedding.endpoint_url is required for the httpembed provider"))
	}
	if cfg.Embedding.Provider != ProviderMock && cfg.Embedding.ModelTag == "" {
		errs = append(errs, errors.New("embedding.model_tag is required"))
	}
	if cfg.Embedding.Dimension < 1 {
		errs = append(errs, fmt.Errorf("embedding.dimension %d must be positive", cfg.Embedding.Dimension))
	}
	if cfg.Embedding.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("embedding.batch_size %d must be positive", cfg.Embedding.BatchSize))
	}
	if cfg.Embedding.MaxConcurrency < 1 {
		errs = append(errs, fmt.Errorf("embedding.max_concurrency %d must be positive", cfg.Embedding.MaxConcurrency))
	}
	if cfg.Embedding.Timeout < 0 {
		errs = append(errs, fmt.Errorf("embedding.timeout %s must not be negative", cfg.Embedding.Timeout.Std()))
	}

	if cfg.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if cfg.Store.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("store.pool_size %d must be positive", cfg.Store.PoolSize))
	}

	if cfg.Search.DefaultTopK < 1 {
		errs = append(errs, fmt.Errorf("search.default_top_k %d must be positive", cfg.Search.DefaultTopK))
	}
	if cfg.Search.MaxTopK < cfg.Search.DefaultTopK {
		errs = append(errs, fmt.Errorf("search.max_top_k %d must be >= search.default_top_k %d", cfg.Search.MaxTopK, cfg.Search.DefaultTopK))
	}
	if cfg.Search.RRFK < 1 {
		errs = append(errs, fmt.Errorf("search.rrf_k %d must be positive", cfg.Search.RRFK))
	}

	if cfg.Sync.BatchWindow < 1 {
		errs = append(errs, fmt.Errorf("sync.batch_window %d must be positive", cfg.Sync.BatchWindow))
	}
	if cfg.Sync.Workers < 1 {
		errs = append(errs, fmt.Errorf("sync.workers %d must be positive", cfg.Sync.Workers))
	}

	if cfg.Memory.MinSimilarity < 0 || cfg.Memory.MinSimilarity > 1 {
		errs = append(errs, fmt.Errorf("memory.min_similarity %g must be in [0, 1]", cfg.Memory.MinSimilarity))
	}
	if cfg.Memory.RecallK < 1 {
		errs = append(errs, fmt.Errorf("memory.recall_k %d must be positive", cfg.Memory.RecallK))
	}

	return errors.Join(errs...)
}
