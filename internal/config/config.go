// Package config loads the agent configuration from agent.yaml, PARENTAL_*
// environment variables and an optional .env file.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. PARENTAL_LOG_LEVEL.
const EnvPrefix = "PARENTAL"

type Config struct {
	LogLevel         string `mapstructure:"log_level"`
	LogFormat        string `mapstructure:"log_format"`
	LogFile          string `mapstructure:"log_file"`
	LogMaxSizeMB     int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups    int    `mapstructure:"log_max_backups"`
	EventLogEnabled  bool   `mapstructure:"event_log_enabled"`
	EventLogMinLevel string `mapstructure:"event_log_min_level"`

	PollIntervalSeconds     int `mapstructure:"poll_interval_seconds"`
	HeartbeatTimeoutSeconds int `mapstructure:"heartbeat_timeout_seconds"`

	HelperPath           string `mapstructure:"helper_path"`
	HelperTimeoutSeconds int    `mapstructure:"helper_timeout_seconds"`
	HelperAttempts       int    `mapstructure:"helper_attempts"`
	HelperBackoffMs      int    `mapstructure:"helper_backoff_ms"`

	StateBackend string `mapstructure:"state_backend"`
	RegistryPath string `mapstructure:"registry_path"`
	StateFile    string `mapstructure:"state_file"`

	// Timezone is an IANA name used for schedule evaluation; empty means
	// the host's local zone.
	Timezone string `mapstructure:"timezone"`

	StatusEnabled bool   `mapstructure:"status_enabled"`
	StatusSocket  string `mapstructure:"status_socket"`

	AuditEnabled    bool   `mapstructure:"audit_enabled"`
	AuditFile       string `mapstructure:"audit_file"`
	AuditMaxSizeMB  int    `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups int    `mapstructure:"audit_max_backups"`
}

func Default() *Config {
	backend := "file"
	if runtime.GOOS == "windows" {
		backend = "registry"
	}
	return &Config{
		LogLevel:                "info",
		LogFormat:               "text",
		LogMaxSizeMB:            10,
		LogMaxBackups:           5,
		EventLogEnabled:         true,
		EventLogMinLevel:        "warn",
		PollIntervalSeconds:     5,
		HeartbeatTimeoutSeconds: 3,
		HelperTimeoutSeconds:    3,
		HelperAttempts:          3,
		HelperBackoffMs:         500,
		StateBackend:            backend,
		RegistryPath:            `SOFTWARE\Parental`,
		StateFile:               filepath.Join(GetDataDir(), "state.json"),
		StatusEnabled:           true,
		AuditEnabled:            true,
		AuditFile:               filepath.Join(GetDataDir(), "audit.jsonl"),
		AuditMaxSizeMB:          10,
		AuditMaxBackups:         3,
	}
}

// setDefaults registers every key so AutomaticEnv can override keys that
// are absent from the file.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("log_max_size_mb", cfg.LogMaxSizeMB)
	v.SetDefault("log_max_backups", cfg.LogMaxBackups)
	v.SetDefault("event_log_enabled", cfg.EventLogEnabled)
	v.SetDefault("event_log_min_level", cfg.EventLogMinLevel)
	v.SetDefault("poll_interval_seconds", cfg.PollIntervalSeconds)
	v.SetDefault("heartbeat_timeout_seconds", cfg.HeartbeatTimeoutSeconds)
	v.SetDefault("helper_path", cfg.HelperPath)
	v.SetDefault("helper_timeout_seconds", cfg.HelperTimeoutSeconds)
	v.SetDefault("helper_attempts", cfg.HelperAttempts)
	v.SetDefault("helper_backoff_ms", cfg.HelperBackoffMs)
	v.SetDefault("state_backend", cfg.StateBackend)
	v.SetDefault("registry_path", cfg.RegistryPath)
	v.SetDefault("state_file", cfg.StateFile)
	v.SetDefault("timezone", cfg.Timezone)
	v.SetDefault("status_enabled", cfg.StatusEnabled)
	v.SetDefault("status_socket", cfg.StatusSocket)
	v.SetDefault("audit_enabled", cfg.AuditEnabled)
	v.SetDefault("audit_file", cfg.AuditFile)
	v.SetDefault("audit_max_size_mb", cfg.AuditMaxSizeMB)
	v.SetDefault("audit_max_backups", cfg.AuditMaxBackups)
}

// Load reads cfgFile, or agent.yaml from the config directory and the
// working directory when cfgFile is empty. A missing file is not an error.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	// Development convenience; the service itself runs without a .env.
	_ = godotenv.Load(filepath.Join(ConfigDir(), ".env"))
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("agent")
		v.SetConfigType("yaml")
		v.AddConfigPath(ConfigDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(cfgFile != "" && os.IsNotExist(err)) {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ConfigDir is where agent.yaml lives.
func ConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(programData(), "Parental")
	case "darwin":
		return "/Library/Application Support/Parental"
	default:
		return "/etc/parental"
	}
}

// GetDataDir holds the state file and audit log.
func GetDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(programData(), "Parental", "data")
	case "darwin":
		return "/Library/Application Support/Parental/data"
	default:
		return "/var/lib/parental"
	}
}

func programData() string {
	if dir := os.Getenv("ProgramData"); dir != "" {
		return dir
	}
	return `C:\ProgramData`
}
