// Package config loads chatstore settings from defaults, a YAML file, a .env
// file, CHATSTORE_* environment variables and command-line flags, in that
// order of increasing precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "CHATSTORE_"

// Config is the full runtime configuration.
type Config struct {
	DBPath  string        `yaml:"db_path"`
	NoSync  bool          `yaml:"no_sync"`
	Log     LogConfig     `yaml:"log"`
	Server  ServerConfig  `yaml:"server"`
	History HistoryConfig `yaml:"history"`
	Backup  BackupConfig  `yaml:"backup"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type ServerConfig struct {
	// Addr is a host:port or a unix:// socket path.
	Addr        string `yaml:"addr"`
	MetricsPort int    `yaml:"metrics_port"`
	// MaxMessageBytes bounds gRPC request and response sizes.
	MaxMessageBytes int `yaml:"max_message_bytes"`
}

type HistoryConfig struct {
	MaxEntries int `yaml:"max_entries"`
}

// BackupConfig drives the scheduled export job. An empty Schedule disables it.
type BackupConfig struct {
	Schedule string `yaml:"schedule"`
	Dir      string `yaml:"dir"`
	Keep     int    `yaml:"keep"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		DBPath: "chatstore.db",
		Log:    LogConfig{Level: "info"},
		Server: ServerConfig{
			Addr:            "127.0.0.1:50051",
			MetricsPort:     9090,
			MaxMessageBytes: 100 * 1024 * 1024,
		},
		History: HistoryConfig{MaxEntries: 500},
		Backup:  BackupConfig{Dir: "backups", Keep: 7},
	}
}

// Load builds a Config from defaults, then file (if non-empty), then envFile
// (if it exists), then the process environment. Variables already set in the
// process win over the same names in envFile.
func Load(file, envFile string) (*Config, error) {
	cfg := Default()
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", file, err)
		}
	}

	env := map[string]string{}
	if envFile != "" {
		vals, err := godotenv.Read(envFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read env file: %w", err)
		}
		for k, v := range vals {
			env[k] = v
		}
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, EnvPrefix) {
			env[k] = v
		}
	}
	if err := cfg.applyEnv(env); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(env map[string]string) error {
	strs := map[string]*string{
		"DB_PATH":         &c.DBPath,
		"LOG_LEVEL":       &c.Log.Level,
		"ADDR":            &c.Server.Addr,
		"BACKUP_SCHEDULE": &c.Backup.Schedule,
		"BACKUP_DIR":      &c.Backup.Dir,
	}
	ints := map[string]*int{
		"METRICS_PORT":        &c.Server.MetricsPort,
		"MAX_MESSAGE_BYTES":   &c.Server.MaxMessageBytes,
		"HISTORY_MAX_ENTRIES": &c.History.MaxEntries,
		"BACKUP_KEEP":         &c.Backup.Keep,
	}
	bools := map[string]*bool{
		"NO_SYNC":    &c.NoSync,
		"LOG_PRETTY": &c.Log.Pretty,
	}

	for name, dst := range strs {
		if v, ok := env[EnvPrefix+name]; ok {
			*dst = v
		}
	}
	for name, dst := range ints {
		if v, ok := env[EnvPrefix+name]; ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*dst = n
		}
	}
	for name, dst := range bools {
		if v, ok := env[EnvPrefix+name]; ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*dst = b
		}
	}
	return nil
}

// RegisterFlags binds the common settings to fs. Values already in c are the
// flag defaults, so parsing fs after Load gives flags the last word.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.DBPath, "db", c.DBPath, "Database file path")
	fs.BoolVar(&c.NoSync, "no-sync", c.NoSync, "Skip fsync on commit")
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "Log level (debug, info, warn, error)")
	fs.BoolVar(&c.Log.Pretty, "log-pretty", c.Log.Pretty, "Human-readable console logs")
}

// RegisterServerFlags binds the serve-only settings to fs.
func (c *Config) RegisterServerFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Server.Addr, "addr", c.Server.Addr, "gRPC listen address (host:port or unix:///path)")
	fs.IntVar(&c.Server.MetricsPort, "metrics-port", c.Server.MetricsPort, "Observability HTTP port, 0 to disable")
	fs.StringVar(&c.Backup.Schedule, "backup-schedule", c.Backup.Schedule, "Cron schedule for backups, empty to disable")
	fs.StringVar(&c.Backup.Dir, "backup-dir", c.Backup.Dir, "Backup directory")
	fs.IntVar(&c.Backup.Keep, "backup-keep", c.Backup.Keep, "Backups to keep")
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.DBPath == "":
		return errors.New("config: db_path is required")
	case c.Server.Addr == "":
		return errors.New("config: server.addr is required")
	case c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535:
		return fmt.Errorf("config: server.metrics_port %d out of range", c.Server.MetricsPort)
	case c.Server.MaxMessageBytes <= 0:
		return errors.New("config: server.max_message_bytes must be positive")
	case c.History.MaxEntries < 0:
		return errors.New("config: history.max_entries must not be negative")
	case c.Backup.Schedule != "" && c.Backup.Dir == "":
		return errors.New("config: backup.dir is required when backups are scheduled")
	case c.Backup.Keep < 0:
		return errors.New("config: backup.keep must not be negative")
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	return nil
}
