package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the sentinel engine.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Postgres     PostgresConfig     `yaml:"postgres"`
	Redis        RedisConfig        `yaml:"redis"`
	Storage      StorageConfig      `yaml:"storage"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Notify       NotifyConfig       `yaml:"notify"`
	Logging      LoggingConfig      `yaml:"logging"`
	Thresholds   ThresholdConfig    `yaml:"thresholds"`
	Health       HealthConfig       `yaml:"health"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Detector     DetectorConfig     `yaml:"detector"`
	Recovery     RecoveryConfig     `yaml:"recovery"`
	Queues       []QueueConfig      `yaml:"queues"`
}

// ServerConfig controls the HTTP API listener.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// PostgresConfig configures the metrics store connection pool.
type PostgresConfig struct {
	URL            string        `yaml:"url"`
	MaxConns       int           `yaml:"maxConns"`
	MinConns       int           `yaml:"minConns"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
}

// RedisConfig configures the shared cache and queue backend connection.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	PoolSize     int           `yaml:"poolSize"`
	QueuePrefix  string        `yaml:"queuePrefix"`
	CachePrefix  string        `yaml:"cachePrefix"`
}

// StorageConfig configures the object storage probe and upload housekeeping.
type StorageConfig struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UploadPrefix string `yaml:"uploadPrefix"`
}

// OrchestratorConfig configures the worker orchestrator API client.
type OrchestratorConfig struct {
	BaseURL     string        `yaml:"baseURL"`
	WorkersPath string        `yaml:"workersPath"`
	RestartPath string        `yaml:"restartPath"`
	ScalePath   string        `yaml:"scalePath"`
	Timeout     time.Duration `yaml:"timeout"`
}

// NotifyConfig configures the administrator notification webhook.
type NotifyConfig struct {
	WebhookURL string        `yaml:"webhookURL"`
	Timeout    time.Duration `yaml:"timeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// ThresholdConfig holds the static alarm thresholds. Loaded once at startup
// and immutable thereafter. DegradedRatio sets where the degraded band
// starts, as a fraction of each unhealthy threshold.
type ThresholdConfig struct {
	CPUUsagePct    float64 `yaml:"cpuUsagePct"`
	MemoryUsagePct float64 `yaml:"memoryUsagePct"`
	DiskUsagePct   float64 `yaml:"diskUsagePct"`
	QueueLength    int64   `yaml:"queueLength"`
	ErrorRate      float64 `yaml:"errorRate"`
	DegradedRatio  float64 `yaml:"degradedRatio"`
}

// HealthConfig controls the prober.
type HealthConfig struct {
	ProbeTimeout time.Duration `yaml:"probeTimeout"`
	HistorySize  int           `yaml:"historySize"`
	DiskPath     string        `yaml:"diskPath"`
}

// SchedulerConfig sets the three monitoring cadences.
type SchedulerConfig struct {
	FastInterval   time.Duration `yaml:"fastInterval"`
	MediumInterval time.Duration `yaml:"mediumInterval"`
	ReportInterval time.Duration `yaml:"reportInterval"`
}

// DetectorConfig tunes statistical detection. SigmaFactor widens or narrows
// the anomaly band; EMAAlpha weights recent samples in the forecast.
type DetectorConfig struct {
	SigmaFactor   float64 `yaml:"sigmaFactor"`
	EMAAlpha      float64 `yaml:"emaAlpha"`
	PatternWindow int     `yaml:"patternWindow"`
	JobsPerWorker int64   `yaml:"jobsPerWorker"`
}

// RecoveryConfig tunes the remediation routines.
type RecoveryConfig struct {
	MemoryHardPct       float64       `yaml:"memoryHardPct"`
	WorkerMemoryLimitMB uint64        `yaml:"workerMemoryLimitMB"`
	TempDir             string        `yaml:"tempDir"`
	LogDir              string        `yaml:"logDir"`
	LogRetention        time.Duration `yaml:"logRetention"`
	UploadMaxAge        time.Duration `yaml:"uploadMaxAge"`
	CompletedRetention  time.Duration `yaml:"completedRetention"`
	CompressAfter       time.Duration `yaml:"compressAfter"`
	StuckActiveShort    time.Duration `yaml:"stuckActiveShort"`
	StuckActiveLong     time.Duration `yaml:"stuckActiveLong"`
}

// QueueConfig names a monitored queue. Class selects the staleness threshold
// applied to stuck active jobs: "short" for minute-scale jobs, "long" for
// jobs expected to run up to an hour.
type QueueConfig struct {
	Name    string `yaml:"name"`
	Class   string `yaml:"class"`
	Workers int    `yaml:"workers"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("SENTINEL_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the built-in defaults without reading any file or
// environment overrides.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8090",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Postgres: PostgresConfig{
			MaxConns:       8,
			MinConns:       1,
			ConnectTimeout: 5 * time.Second,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			PoolSize:     8,
			QueuePrefix:  "bull",
			CachePrefix:  "cache:",
		},
		Storage: StorageConfig{
			UploadPrefix: "uploads/tmp/",
		},
		Orchestrator: OrchestratorConfig{
			WorkersPath: "/api/v1/workers",
			RestartPath: "/api/v1/workers/restart",
			ScalePath:   "/api/v1/workers/scale",
			Timeout:     5 * time.Second,
		},
		Notify:  NotifyConfig{Timeout: 5 * time.Second},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Thresholds: ThresholdConfig{
			CPUUsagePct:    80,
			MemoryUsagePct: 85,
			DiskUsagePct:   90,
			QueueLength:    1000,
			ErrorRate:      0.1,
			DegradedRatio:  0.5,
		},
		Health: HealthConfig{
			ProbeTimeout: 5 * time.Second,
			HistorySize:  100,
			DiskPath:     "/",
		},
		Scheduler: SchedulerConfig{
			FastInterval:   time.Minute,
			MediumInterval: 10 * time.Minute,
			ReportInterval: 24 * time.Hour,
		},
		Detector: DetectorConfig{
			SigmaFactor:   2.0,
			EMAAlpha:      0.2,
			PatternWindow: 10,
			JobsPerWorker: 50,
		},
		Recovery: RecoveryConfig{
			MemoryHardPct:       85,
			WorkerMemoryLimitMB: 512,
			TempDir:             os.TempDir(),
			LogDir:              "logs",
			LogRetention:        7 * 24 * time.Hour,
			UploadMaxAge:        24 * time.Hour,
			CompletedRetention:  24 * time.Hour,
			CompressAfter:       72 * time.Hour,
			StuckActiveShort:    5 * time.Minute,
			StuckActiveLong:     time.Hour,
		},
		Queues: []QueueConfig{
			{Name: "notifications", Class: "short", Workers: 2},
			{Name: "reports", Class: "long", Workers: 1},
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SENTINEL_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("SENTINEL_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("SENTINEL_POSTGRES_URL"); v != "" {
		cfg.Postgres.URL = v
	}
	if v := os.Getenv("SENTINEL_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("SENTINEL_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SENTINEL_S3_BUCKET"); v != "" {
		cfg.Storage.Bucket = v
	}
	if v := os.Getenv("SENTINEL_S3_REGION"); v != "" {
		cfg.Storage.Region = v
	}
	if v := os.Getenv("SENTINEL_S3_ENDPOINT"); v != "" {
		cfg.Storage.Endpoint = v
	}
	if v := os.Getenv("SENTINEL_ORCHESTRATOR_URL"); v != "" {
		cfg.Orchestrator.BaseURL = v
	}
	if v := os.Getenv("SENTINEL_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
	if v := os.Getenv("SENTINEL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SENTINEL_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
}

func validate(cfg *Config) error {
	if cfg.Thresholds.DegradedRatio <= 0 || cfg.Thresholds.DegradedRatio >= 1 {
		return fmt.Errorf("thresholds.degradedRatio must be in (0,1), got %v", cfg.Thresholds.DegradedRatio)
	}
	if cfg.Detector.EMAAlpha <= 0 || cfg.Detector.EMAAlpha > 1 {
		return fmt.Errorf("detector.emaAlpha must be in (0,1], got %v", cfg.Detector.EMAAlpha)
	}
	if cfg.Detector.SigmaFactor <= 0 {
		return fmt.Errorf("detector.sigmaFactor must be positive, got %v", cfg.Detector.SigmaFactor)
	}
	for _, q := range cfg.Queues {
		if q.Name == "" {
			return fmt.Errorf("queue entries require a name")
		}
		if q.Class != "" && q.Class != "short" && q.Class != "long" {
			return fmt.Errorf("queue %s: class must be short or long, got %q", q.Name, q.Class)
		}
	}
	return nil
}
