package config

import (
	"fmt"
	"os"
	"strconv"

	units "github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Limits are the per-sandbox resource limits.
type Limits struct {
	MemoryMB     int `yaml:"memory_mb"`
	CPUPercent   int `yaml:"cpu_percent"`
	DiskMB       int `yaml:"disk_mb"`
	MaxProcesses int `yaml:"max_processes"`
}

type Config struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	DataDir     string `yaml:"data_dir"`
	DatabaseURL string `yaml:"database_url"`
	Mode        string `yaml:"mode"` // standalone | coordinator
	BridgeEntry string `yaml:"bridge_entry"`

	MaxSandboxes     int `yaml:"max_sandboxes"`
	IdleTimeoutMs    int `yaml:"idle_timeout_ms"`
	ColdCleanupTTLMs int `yaml:"cold_cleanup_ttl_ms"`

	APIKey         string `yaml:"api_key"`
	InternalSecret string `yaml:"internal_secret"`

	RunnerID            string `yaml:"runner_id"`
	RunnerPort          int    `yaml:"runner_port"`
	RunnerAdvertiseHost string `yaml:"runner_advertise_host"`
	ServerURL           string `yaml:"server_url"`

	SnapshotURL string `yaml:"snapshot_url"` // file:// (s3:// and gs:// are reserved)

	SSEWriteTimeoutMs       int `yaml:"sse_write_timeout_ms"`
	RunnerLivenessTimeoutMs int `yaml:"runner_liveness_timeout_ms"`
	HeartbeatIntervalMs     int `yaml:"heartbeat_interval_ms"`

	DebugTiming bool `yaml:"debug_timing"`

	Limits Limits `yaml:"limits"`
}

const (
	ModeStandalone  = "standalone"
	ModeCoordinator = "coordinator"
)

func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Host:                    "127.0.0.1",
		Port:                    7420,
		DataDir:                 "./data",
		Mode:                    ModeStandalone,
		BridgeEntry:             "ash-bridge",
		MaxSandboxes:            8,
		IdleTimeoutMs:           5 * 60 * 1000,
		ColdCleanupTTLMs:        24 * 60 * 60 * 1000,
		RunnerPort:              7421,
		SSEWriteTimeoutMs:       30_000,
		RunnerLivenessTimeoutMs: 30_000,
		HeartbeatIntervalMs:     10_000,
		Limits: Limits{
			MemoryMB:     2048,
			CPUPercent:   100,
			DiskMB:       1024,
			MaxProcesses: 64,
		},
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if cfg.Mode != ModeStandalone && cfg.Mode != ModeCoordinator {
		return nil, fmt.Errorf("invalid mode: %s", cfg.Mode)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("ASH_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("ASH_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("ASH_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("ASH_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("ASH_MODE"); v != "" {
		cfg.Mode = v
	}
	if v := os.Getenv("ASH_BRIDGE_ENTRY"); v != "" {
		cfg.BridgeEntry = v
	}
	if v := os.Getenv("ASH_MAX_SANDBOXES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSandboxes = n
		}
	}
	if v := os.Getenv("ASH_IDLE_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.IdleTimeoutMs = n
		}
	}
	if v := os.Getenv("ASH_COLD_CLEANUP_TTL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ColdCleanupTTLMs = n
		}
	}
	if v := os.Getenv("ASH_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("ASH_INTERNAL_SECRET"); v != "" {
		cfg.InternalSecret = v
	}
	if v := os.Getenv("ASH_RUNNER_ID"); v != "" {
		cfg.RunnerID = v
	}
	if v := os.Getenv("ASH_RUNNER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RunnerPort = n
		}
	}
	if v := os.Getenv("ASH_RUNNER_ADVERTISE_HOST"); v != "" {
		cfg.RunnerAdvertiseHost = v
	}
	if v := os.Getenv("ASH_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("ASH_SNAPSHOT_URL"); v != "" {
		cfg.SnapshotURL = v
	}
	if v := os.Getenv("ASH_SSE_WRITE_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SSEWriteTimeoutMs = n
		}
	}
	if v := os.Getenv("ASH_RUNNER_LIVENESS_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RunnerLivenessTimeoutMs = n
		}
	}
	if v := os.Getenv("ASH_HEARTBEAT_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HeartbeatIntervalMs = n
		}
	}
	if v := os.Getenv("ASH_DEBUG_TIMING"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DebugTiming = b
		}
	}

	// Size-style limits accept human-readable values ("2gb", "512mb").
	if v := os.Getenv("ASH_SANDBOX_MEMORY"); v != "" {
		n, err := units.RAMInBytes(v)
		if err != nil {
			return fmt.Errorf("parsing ASH_SANDBOX_MEMORY: %w", err)
		}
		cfg.Limits.MemoryMB = int(n / units.MiB)
	}
	if v := os.Getenv("ASH_SANDBOX_DISK"); v != "" {
		n, err := units.RAMInBytes(v)
		if err != nil {
			return fmt.Errorf("parsing ASH_SANDBOX_DISK: %w", err)
		}
		cfg.Limits.DiskMB = int(n / units.MiB)
	}
	if v := os.Getenv("ASH_SANDBOX_CPU_PERCENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.CPUPercent = n
		}
	}
	if v := os.Getenv("ASH_SANDBOX_MAX_PROCESSES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.MaxProcesses = n
		}
	}
	return nil
}
