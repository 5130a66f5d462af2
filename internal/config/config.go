package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	Role       string `envconfig:"ROLE" yaml:"role"`
	ListenAddr string `envconfig:"LISTEN_ADDR" yaml:"listen_addr"`
	ProxyAddr  string `envconfig:"PROXY_ADDR" yaml:"proxy_addr"`
	DataPath   string `envconfig:"DATA_PATH" yaml:"data_path"`
	LogPath    string `envconfig:"LOG_PATH" yaml:"log_path"`

	DatabasePath string `envconfig:"DATABASE_PATH" yaml:"database_path"`

	// Proxy identity: the single user this proxy instance serves.
	UserID         string `envconfig:"USER_ID" yaml:"user_id"`
	ContainerToken string `envconfig:"CONTAINER_TOKEN" yaml:"container_token"`
	ContainerID    string `envconfig:"CONTAINER_ID" yaml:"container_id"`

	RegistryURL string `envconfig:"REGISTRY_URL" yaml:"registry_url"`
	CloudURL    string `envconfig:"CLOUD_URL" yaml:"cloud_url"`

	// Registry-side lifecycle.
	TunnelTimeout time.Duration `envconfig:"TUNNEL_TIMEOUT" yaml:"tunnel_timeout"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" yaml:"sweep_interval"`

	// Proxy-side discovery.
	DiscoveryInterval   time.Duration `envconfig:"DISCOVERY_INTERVAL" yaml:"discovery_interval"`
	HealthCheckInterval time.Duration `envconfig:"HEALTH_CHECK_INTERVAL" yaml:"health_check_interval"`
	DiscoveryTimeout    time.Duration `envconfig:"DISCOVERY_TIMEOUT" yaml:"discovery_timeout"`
	ProbeTimeout        time.Duration `envconfig:"PROBE_TIMEOUT" yaml:"probe_timeout"`
	CacheStaleness      time.Duration `envconfig:"CACHE_STALENESS" yaml:"cache_staleness"`

	// Session handling.
	IdleTimeout  time.Duration `envconfig:"IDLE_TIMEOUT" yaml:"idle_timeout"`
	ReapInterval time.Duration `envconfig:"REAP_INTERVAL" yaml:"reap_interval"`
}

var Cfg Settings

// defaultSettings holds the baseline values. Defaults live here, not in
// struct tags: envconfig applies tag defaults for every absent env var,
// which would overwrite values already read from the overlay file.
func defaultSettings() Settings {
	return Settings{
		Role:                "all",
		ListenAddr:          ":8000",
		ProxyAddr:           ":8001",
		DataPath:            "/app/data",
		DatabasePath:        "/app/data/relay.db",
		RegistryURL:         "http://localhost:8000",
		CloudURL:            "https://api.cloudtolocalllm.online",
		TunnelTimeout:       5 * time.Minute,
		SweepInterval:       time.Minute,
		DiscoveryInterval:   30 * time.Second,
		HealthCheckInterval: 15 * time.Second,
		DiscoveryTimeout:    10 * time.Second,
		ProbeTimeout:        5 * time.Second,
		CacheStaleness:      5 * time.Minute,
		IdleTimeout:         5 * time.Minute,
		ReapInterval:        time.Minute,
	}
}

// Load populates Cfg in precedence order: defaults, then an optional YAML
// overlay read from RELAY_CONFIG_FILE, then RELAY_* environment variables.
func Load() {
	Cfg = defaultSettings()
	if path := os.Getenv("RELAY_CONFIG_FILE"); path != "" {
		if err := loadFile(path, &Cfg); err != nil {
			log.Fatalf("failed to load config file: %v", err)
		}
	}
	if err := envconfig.Process("RELAY", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

func loadFile(path string, s *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
