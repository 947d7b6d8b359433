package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the orchestration engine.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Triage      TriageConfig      `yaml:"triage"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Store       StoreConfig       `yaml:"store"`
	Bus         BusConfig         `yaml:"bus"`
	Agents      AgentsConfig      `yaml:"agents"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig controls the admin HTTP listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// SchedulerConfig bounds the workflow scheduler.
type SchedulerConfig struct {
	MaxConcurrentWorkflows int           `yaml:"maxConcurrentWorkflows"`
	MaxPendingQueue        int           `yaml:"maxPendingQueue"`
	TimeoutHorizon         time.Duration `yaml:"timeoutHorizon"`
	StallThreshold         time.Duration `yaml:"stallThreshold"`
	AutoApproveThreshold   float64       `yaml:"autoApproveThreshold"`
	SweepInterval          time.Duration `yaml:"sweepInterval"`
}

// TriageConfig tunes incident priority scoring.
type TriageConfig struct {
	HighRiskAnomalies []string `yaml:"highRiskAnomalies"`
}

// CoordinatorConfig controls system-mode handling and agent health checks.
type CoordinatorConfig struct {
	HealthCheckInterval time.Duration `yaml:"healthCheckInterval"`
	EmergencyThreshold  int           `yaml:"emergencyThreshold"`
	DetectionInterval   time.Duration `yaml:"detectionInterval"`
	RecoveryErrorLimit  int           `yaml:"recoveryErrorLimit"`
	PerformanceWindow   int           `yaml:"performanceWindow"`
}

// StoreConfig selects and configures the workflow document store backend.
type StoreConfig struct {
	Backend    string        `yaml:"backend"`
	MaxRetries int           `yaml:"maxRetries"`
	RetryDelay time.Duration `yaml:"retryDelay"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig holds connection parameters for the Redis-compatible backend.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
}

// BusConfig selects the stage-event transport.
type BusConfig struct {
	Kind   string     `yaml:"kind"`
	Buffer int        `yaml:"buffer"`
	NATS   NATSConfig `yaml:"nats"`
}

// NATSConfig holds NATS connection parameters.
type NATSConfig struct {
	URL            string        `yaml:"url"`
	Name           string        `yaml:"name"`
	ReconnectWait  time.Duration `yaml:"reconnectWait"`
	MaxReconnects  int           `yaml:"maxReconnects"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
}

// AgentsConfig configures worker agent endpoints for health probing.
type AgentsConfig struct {
	Endpoints    map[string]string `yaml:"endpoints"`
	ProbeTimeout time.Duration     `yaml:"probeTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("SENTINEL_SOAR_CONFIG")
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
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentWorkflows: 5,
			MaxPendingQueue:        1000,
			TimeoutHorizon:         2 * time.Hour,
			StallThreshold:         30 * time.Minute,
			AutoApproveThreshold:   0.7,
			SweepInterval:          30 * time.Second,
		},
		Triage: TriageConfig{
			HighRiskAnomalies: []string{
				"privilege_escalation",
				"lateral_movement",
				"data_exfiltration",
				"persistence_mechanism",
			},
		},
		Coordinator: CoordinatorConfig{
			HealthCheckInterval: 30 * time.Second,
			EmergencyThreshold:  10,
			DetectionInterval:   time.Minute,
			RecoveryErrorLimit:  3,
			PerformanceWindow:   100,
		},
		Store: StoreConfig{
			Backend:    "memory",
			MaxRetries: 2,
			RetryDelay: 200 * time.Millisecond,
			Redis: RedisConfig{
				DialTimeout:  2 * time.Second,
				ReadTimeout:  500 * time.Millisecond,
				WriteTimeout: 500 * time.Millisecond,
				MaxRetries:   2,
			},
		},
		Bus: BusConfig{
			Kind:   "inproc",
			Buffer: 256,
			NATS: NATSConfig{
				Name:           "sentinel-soar",
				ReconnectWait:  2 * time.Second,
				MaxReconnects:  10,
				ConnectTimeout: 5 * time.Second,
			},
		},
		Agents: AgentsConfig{
			ProbeTimeout: 3 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SENTINEL_SOAR_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("SENTINEL_SOAR_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("SENTINEL_SOAR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SENTINEL_SOAR_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("SENTINEL_SOAR_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Scheduler.MaxConcurrentWorkflows = n
		}
	}
	if v := os.Getenv("SENTINEL_SOAR_MAX_PENDING"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Scheduler.MaxPendingQueue = n
		}
	}
	if v := os.Getenv("SENTINEL_SOAR_TIMEOUT_HORIZON"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.TimeoutHorizon = d
		}
	}
	if v := os.Getenv("SENTINEL_SOAR_STALL_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.StallThreshold = d
		}
	}
	if v := os.Getenv("SENTINEL_SOAR_AUTO_APPROVE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Scheduler.AutoApproveThreshold = f
		}
	}
	if v := os.Getenv("SENTINEL_SOAR_EMERGENCY_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Coordinator.EmergencyThreshold = n
		}
	}
	if v := os.Getenv("SENTINEL_SOAR_HEALTH_CHECK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Coordinator.HealthCheckInterval = d
		}
	}
	if v := os.Getenv("SENTINEL_SOAR_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("SENTINEL_SOAR_REDIS_ADDR"); v != "" {
		cfg.Store.Redis.Addr = v
	}
	if v := os.Getenv("SENTINEL_SOAR_REDIS_PASSWORD"); v != "" {
		cfg.Store.Redis.Password = v
	}
	if v := os.Getenv("SENTINEL_SOAR_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Store.Redis.DB = db
		}
	}
	if v := os.Getenv("SENTINEL_SOAR_REDIS_TLS"); strings.EqualFold(v, "true") || v == "1" {
		cfg.Store.Redis.TLS = true
	}
	if v := os.Getenv("SENTINEL_SOAR_BUS_KIND"); v != "" {
		cfg.Bus.Kind = strings.ToLower(v)
	}
	if v := os.Getenv("SENTINEL_SOAR_NATS_URL"); v != "" {
		cfg.Bus.NATS.URL = v
	}
}
