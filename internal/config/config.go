package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Config holds all runtime configuration for the relay. It is read once at
// startup and threaded through construction; nothing mutates it afterwards.
type Config struct {
	Host string
	Port int

	MaxSessions        int
	SessionTimeout     time.Duration
	SessionMaxLifetime time.Duration

	OutputBufferMaxBytes int
	EventQueueMax        int

	DAPTimeout       time.Duration
	DAPLaunchTimeout time.Duration

	DataDir    string
	LogLevel   string
	PythonPath string
}

// Load reads configuration from viper, which merges flag values, DAPRELAY_*
// env vars, and defaults (set up by the cobra command in cmd/daprelay).
func Load() Config {
	dataDir := viper.GetString("data_dir")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		dataDir = filepath.Join(home, ".daprelay")
	}

	return Config{
		Host:                 viper.GetString("host"),
		Port:                 viper.GetInt("port"),
		MaxSessions:          viper.GetInt("max_sessions"),
		SessionTimeout:       time.Duration(viper.GetInt("session_timeout_seconds")) * time.Second,
		SessionMaxLifetime:   time.Duration(viper.GetInt("session_max_lifetime_seconds")) * time.Second,
		OutputBufferMaxBytes: viper.GetInt("output_buffer_max_bytes"),
		EventQueueMax:        viper.GetInt("event_queue_max"),
		DAPTimeout:           time.Duration(viper.GetInt("dap_timeout_seconds")) * time.Second,
		DAPLaunchTimeout:     time.Duration(viper.GetInt("dap_launch_timeout_seconds")) * time.Second,
		DataDir:              dataDir,
		LogLevel:             viper.GetString("log_level"),
		PythonPath:           viper.GetString("python_path"),
	}
}
