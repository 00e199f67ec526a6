package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "chatstore.db", cfg.DBPath)
	assert.Equal(t, 500, cfg.History.MaxEntries)
	assert.Empty(t, cfg.Backup.Schedule)
}

func TestYAMLOverridesDefaults(t *testing.T) {
	file := writeFile(t, "chatstore.yaml", `
db_path: /var/lib/chat.db
log:
  level: debug
server:
  metrics_port: 0
backup:
  schedule: "@daily"
  keep: 3
`)
	cfg, err := Load(file, "")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/chat.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 0, cfg.Server.MetricsPort)
	assert.Equal(t, "@daily", cfg.Backup.Schedule)
	assert.Equal(t, 3, cfg.Backup.Keep)
	// Untouched keys keep their defaults.
	assert.Equal(t, "backups", cfg.Backup.Dir)
	assert.Equal(t, "127.0.0.1:50051", cfg.Server.Addr)
}

func TestEnvironmentOverridesFiles(t *testing.T) {
	file := writeFile(t, "chatstore.yaml", "db_path: from-yaml.db\nhistory:\n  max_entries: 10\n")
	envFile := writeFile(t, ".env", "CHATSTORE_DB_PATH=from-dotenv.db\nCHATSTORE_BACKUP_KEEP=2\n")
	t.Setenv("CHATSTORE_DB_PATH", "from-env.db")
	t.Setenv("CHATSTORE_NO_SYNC", "true")

	cfg, err := Load(file, envFile)
	require.NoError(t, err)
	assert.Equal(t, "from-env.db", cfg.DBPath)
	assert.True(t, cfg.NoSync)
	assert.Equal(t, 2, cfg.Backup.Keep)
	assert.Equal(t, 10, cfg.History.MaxEntries)
}

func TestMissingEnvFileIsIgnored(t *testing.T) {
	_, err := Load("", filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
}

func TestMissingConfigFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), "")
	require.Error(t, err)
}

func TestBadEnvironmentValue(t *testing.T) {
	t.Setenv("CHATSTORE_METRICS_PORT", "ninety")
	_, err := Load("", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHATSTORE_METRICS_PORT")
}

func TestFlagsWin(t *testing.T) {
	t.Setenv("CHATSTORE_DB_PATH", "from-env.db")
	cfg, err := Load("", "")
	require.NoError(t, err)

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	cfg.RegisterServerFlags(fs)
	require.NoError(t, fs.Parse([]string{"-db", "from-flag.db", "-backup-keep", "9"}))
	assert.Equal(t, "from-flag.db", cfg.DBPath)
	assert.Equal(t, 9, cfg.Backup.Keep)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"empty db path":     func(c *Config) { c.DBPath = "" },
		"port out of range": func(c *Config) { c.Server.MetricsPort = 70000 },
		"negative keep":     func(c *Config) { c.Backup.Keep = -1 },
		"backup without dir": func(c *Config) {
			c.Backup.Schedule = "@hourly"
			c.Backup.Dir = ""
		},
		"bad log level": func(c *Config) { c.Log.Level = "loud" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
