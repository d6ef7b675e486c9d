package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config carries every tunable the fleet needs, with named, typed fields.
// It is loaded once by the supervisor and once by each spawned worker.
type Config struct {
	BaseURL     string // scheduler endpoint for job polling
	SignalURL   string // scheduler endpoint for reload signals
	ManifestURL string // where the model manifest is fetched from
	RuntimeURL  string // local inference sidecar

	NumDevices int
	Version    string

	SleepDuration     time.Duration // idle sleep when no job was received
	ReloadInterval    time.Duration // minimum gap between reload signals
	HeartbeatInterval time.Duration // minimum gap between hardware heartbeats
	DisplayInterval   time.Duration // dashboard refresh cadence
	MinDeadline       int           // seconds, sent with every job request

	ExcludeSDXL   bool
	SkipChecksum  bool
	SkipPreflight bool

	LogPath      string
	LogLevel     string
	ModelDir     string
	ExporterAddr string // empty disables the metrics exporter
}

// Load reads config.yaml (explicit path, working directory, or
// $HOME/.sd-fleet) plus matching environment variables, and loads .env so
// MINER_ID_<i> entries are visible to the process.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".sd-fleet"))
		}
	}

	v.SetDefault("base_url", "http://localhost:8080")
	v.SetDefault("signal_url", "http://localhost:8080")
	v.SetDefault("manifest_url", "")
	v.SetDefault("runtime_url", "http://127.0.0.1:8001")
	v.SetDefault("num_devices", 1)
	v.SetDefault("version", "sd-v1.3.1")
	v.SetDefault("sleep_duration", "2s")
	v.SetDefault("reload_interval", "10m")
	v.SetDefault("heartbeat_interval", "60s")
	v.SetDefault("display_interval", "10s")
	v.SetDefault("min_deadline", 60)
	v.SetDefault("exclude_sdxl", false)
	v.SetDefault("skip_checksum", false)
	v.SetDefault("skip_preflight", false)
	v.SetDefault("log_path", "sd-fleet.log")
	v.SetDefault("log_level", "INFO")
	v.SetDefault("model_dir", defaultModelDir())
	v.SetDefault("exporter_addr", "")

	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine, defaults and env cover it.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return nil, fmt.Errorf("failed to read config %s: %w", cfgFile, err)
		}
	}

	// Make MINER_ID_<i> entries from .env visible, matching how operators
	// provision identities. Absence of .env is not an error.
	_ = gotenv.Load()

	cfg := &Config{
		BaseURL:           v.GetString("base_url"),
		SignalURL:         v.GetString("signal_url"),
		ManifestURL:       v.GetString("manifest_url"),
		RuntimeURL:        v.GetString("runtime_url"),
		NumDevices:        v.GetInt("num_devices"),
		Version:           v.GetString("version"),
		SleepDuration:     v.GetDuration("sleep_duration"),
		ReloadInterval:    v.GetDuration("reload_interval"),
		HeartbeatInterval: v.GetDuration("heartbeat_interval"),
		DisplayInterval:   v.GetDuration("display_interval"),
		MinDeadline:       v.GetInt("min_deadline"),
		ExcludeSDXL:       v.GetBool("exclude_sdxl"),
		SkipChecksum:      v.GetBool("skip_checksum"),
		SkipPreflight:     v.GetBool("skip_preflight"),
		LogPath:           v.GetString("log_path"),
		LogLevel:          v.GetString("log_level"),
		ModelDir:          v.GetString("model_dir"),
		ExporterAddr:      v.GetString("exporter_addr"),
	}

	if cfg.NumDevices < 1 {
		return nil, fmt.Errorf("num_devices must be at least 1, got %d", cfg.NumDevices)
	}

	return cfg, nil
}

func defaultModelDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./models"
	}
	return filepath.Join(home, ".sd-fleet", "models")
}
