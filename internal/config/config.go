package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Cache         CacheConfig         `yaml:"cache"`
	Queue         QueueConfig         `yaml:"queue"`
	Storage       StorageConfig       `yaml:"storage"`
	Publisher     PublisherConfig     `yaml:"publisher"`
	Consumer      ConsumerConfig      `yaml:"consumer"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Pricing       PricingConfig       `yaml:"pricing"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type CacheConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

type QueueConfig struct {
	URL           string `yaml:"url"`
	Password      string `yaml:"password"`
	Stream        string `yaml:"stream"`
	ConsumerGroup string `yaml:"consumer_group"`
	BlockMS       int    `yaml:"block_ms"`
	MaxAttempts   int    `yaml:"max_attempts"`
	LeaseMS       int    `yaml:"lease_ms"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type PublisherConfig struct {
	SnapshotTTLSeconds int `yaml:"snapshot_ttl_seconds"`
}

type ConsumerConfig struct {
	// BatchSize bounds how many queued records one invocation drains. Too
	// large a batch risks exceeding the invocation deadline while the
	// transaction is open.
	BatchSize           int `yaml:"batch_size"`
	InvocationTimeoutMS int `yaml:"invocation_timeout_ms"`
	PollIntervalMS      int `yaml:"poll_interval_ms"`
	CleanupIntervalMS   int `yaml:"cleanup_interval_ms"`
}

type IdempotencyConfig struct {
	TTLSeconds    int `yaml:"ttl_seconds"`
	WaitTimeoutMS int `yaml:"wait_timeout_ms"`
}

type ModelPriceConfig struct {
	InputUSDPer1K  float64 `yaml:"input_usd_per_1k"`
	OutputUSDPer1K float64 `yaml:"output_usd_per_1k"`
}

type PricingConfig struct {
	Models  map[string]ModelPriceConfig `yaml:"models"`
	Default ModelPriceConfig            `yaml:"default"`
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

const (
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "radiant-pipeline"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		Cache: CacheConfig{
			URL: "redis://localhost:6379/0",
		},
		Queue: QueueConfig{
			URL:           "redis://localhost:6379/0",
			Stream:        "writes:v1:records",
			ConsumerGroup: "pipeline-writers",
			BlockMS:       5000,
			MaxAttempts:   3,
			LeaseMS:       30000,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "./data/pipeline.db",
		},
		Publisher: PublisherConfig{
			SnapshotTTLSeconds: 3600,
		},
		Consumer: ConsumerConfig{
			BatchSize:           100,
			InvocationTimeoutMS: 30000,
			PollIntervalMS:      1000,
			CleanupIntervalMS:   300000,
		},
		Idempotency: IdempotencyConfig{
			TTLSeconds:    86400,
			WaitTimeoutMS: 10000,
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			// Reject multi-document configs to keep runtime configuration
			// unambiguous and avoid hidden trailing documents.
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Cache.URL) == "" {
		return errors.New("cache.url must not be empty")
	}
	if strings.TrimSpace(cfg.Queue.URL) == "" {
		return errors.New("queue.url must not be empty")
	}
	if strings.TrimSpace(cfg.Queue.Stream) == "" {
		return errors.New("queue.stream must not be empty")
	}
	if cfg.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive (got %d)", cfg.Queue.MaxAttempts)
	}

	driver := strings.TrimSpace(cfg.Storage.Driver)
	switch driver {
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be one of sqlite, postgres (got %q)", cfg.Storage.Driver)
	}

	if cfg.Publisher.SnapshotTTLSeconds <= 0 {
		return fmt.Errorf("publisher.snapshot_ttl_seconds must be positive (got %d)", cfg.Publisher.SnapshotTTLSeconds)
	}
	if cfg.Consumer.BatchSize <= 0 {
		return fmt.Errorf("consumer.batch_size must be positive (got %d)", cfg.Consumer.BatchSize)
	}
	if cfg.Consumer.InvocationTimeoutMS <= 0 {
		return fmt.Errorf("consumer.invocation_timeout_ms must be positive (got %d)", cfg.Consumer.InvocationTimeoutMS)
	}
	if cfg.Idempotency.TTLSeconds <= 0 {
		return fmt.Errorf("idempotency.ttl_seconds must be positive (got %d)", cfg.Idempotency.TTLSeconds)
	}

	for model, price := range cfg.Pricing.Models {
		if price.InputUSDPer1K < 0 || price.OutputUSDPer1K < 0 {
			return fmt.Errorf("pricing.models[%q] rates must not be negative", model)
		}
	}

	if cfg.Observability.OTel.Enabled {
		if err := validateOTelConfig(cfg.Observability.OTel); err != nil {
			return err
		}
	}

	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint must not be empty when enabled")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name must not be empty when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be within [0, 1] (got %v)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be positive (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be positive (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if value, ok := os.LookupEnv("RADIANT_CACHE_URL"); ok {
		cfg.Cache.URL = value
	}
	if value, ok := os.LookupEnv("RADIANT_CACHE_PASSWORD"); ok {
		cfg.Cache.Password = value
	}
	if value, ok := os.LookupEnv("RADIANT_QUEUE_URL"); ok {
		cfg.Queue.URL = value
	}
	if value, ok := os.LookupEnv("RADIANT_QUEUE_PASSWORD"); ok {
		cfg.Queue.Password = value
	}
	if value, ok := os.LookupEnv("RADIANT_QUEUE_STREAM"); ok {
		cfg.Queue.Stream = value
	}
	if value, ok := os.LookupEnv("RADIANT_QUEUE_MAX_ATTEMPTS"); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("parse RADIANT_QUEUE_MAX_ATTEMPTS: %w", err)
		}
		cfg.Queue.MaxAttempts = parsed
	}
	if value, ok := os.LookupEnv("RADIANT_STORAGE_DRIVER"); ok {
		cfg.Storage.Driver = value
	}
	if value, ok := os.LookupEnv("RADIANT_STORAGE_PATH"); ok {
		cfg.Storage.Path = value
	}
	if value, ok := os.LookupEnv("RADIANT_STORAGE_DSN"); ok {
		cfg.Storage.DSN = value
	}
	if value, ok := os.LookupEnv("RADIANT_OTEL_ENABLED"); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("parse RADIANT_OTEL_ENABLED: %w", err)
		}
		cfg.Observability.OTel.Enabled = parsed
	}
	if value, ok := os.LookupEnv("RADIANT_OTEL_ENDPOINT"); ok {
		cfg.Observability.OTel.Endpoint = value
	}
	return nil
}
