package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// isolate runs the test from an empty directory so no stray .env is read.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, *domain.DefaultConfig(), *cfg)
}

func TestLoadProTier(t *testing.T) {
	isolate(t)
	t.Setenv(TierVar, "pro")
	t.Setenv("KESTREL_REPOSITORY__POSTGRES_HOST", "db.internal")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, domain.TierPro, cfg.Tier)
	assert.Equal(t, "postgres", cfg.Repository.Driver)
	assert.Equal(t, "db.internal", cfg.Repository.PostgresHost)
	assert.Equal(t, "redis", cfg.Cache.Type)
	assert.Equal(t, 16, cfg.Worker.Concurrency)
}

func TestLoadFileThenEnvironment(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "kestrel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
queue:
  type: memory
  default_backoff: 5s
detection:
  rules:
    fraud_threshold: 0.6
scheduler:
  goal_sweep: "0 */6 * * *"
`), 0o600))

	t.Setenv(FileVar, path)
	t.Setenv("KESTREL_SERVER__PORT", "9090")
	t.Setenv("KESTREL_WORKER__RAPID_FIRE_GAP", "45s")
	t.Setenv("KESTREL_LOGGING__FORMAT", "text")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port, "environment wins over the file")
	assert.Equal(t, "memory", cfg.Queue.Type)
	assert.Equal(t, 5*time.Second, cfg.Queue.DefaultBackoff)
	assert.InDelta(t, 0.6, cfg.Detection.Rules.FraudThreshold, 1e-9)
	assert.Equal(t, "0 */6 * * *", cfg.Scheduler.GoalSweep)
	assert.Equal(t, 45*time.Second, cfg.Worker.RapidFireGap)
	assert.Equal(t, "text", cfg.Logging.Format)

	// untouched values keep their defaults
	assert.Equal(t, 3, cfg.Queue.DefaultAttempts)
	assert.Equal(t, "0 3 * * *", cfg.Scheduler.ProfileRefresh)
}

func TestLoadDotEnv(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, EnvFile), []byte("KESTREL_CACHE__LOCAL_MAX_SIZE=42\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("KESTREL_CACHE__LOCAL_MAX_SIZE") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Cache.LocalMaxSize)
}

func TestLoadMissingFile(t *testing.T) {
	dir := isolate(t)
	t.Setenv(FileVar, filepath.Join(dir, "absent.yaml"))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absent.yaml")
}

func TestLoadRejectsInvalid(t *testing.T) {
	isolate(t)
	t.Setenv("KESTREL_REPOSITORY__DRIVER", "mysql")

	_, err := Load()
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Contains(t, err.Error(), "Driver")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.Config)
		want   string
	}{
		{"default", func(*domain.Config) {}, ""},
		{"bad port", func(c *domain.Config) { c.Server.Port = 70000 }, "Port"},
		{"bad queue", func(c *domain.Config) { c.Queue.Type = "kafka" }, "Type"},
		{"zero workers", func(c *domain.Config) { c.Worker.Concurrency = 0 }, "Concurrency"},
		{"bad sample rate", func(c *domain.Config) { c.Tracing.SampleRate = 2 }, "SampleRate"},
		{"risk weights", func(c *domain.Config) { c.Detection.Risk.Weights.Location = 0.5 }, "risk weights"},
		{"rule weights", func(c *domain.Config) { c.Detection.Rules.MeanWeight = 0.5 }, "mean weights"},
		{"goal gaps", func(c *domain.Config) { c.Worker.GoalGapHigh = 0.8 }, "goal gap"},
		{"day hours", func(c *domain.Config) { c.Detection.Risk.DayStartHour = 23 }, "day hours"},
		{"postgres host", func(c *domain.Config) {
			c.Repository.Driver = "postgres"
			c.Repository.PostgresHost = ""
		}, "postgres_host"},
		{"pro defaults", func(c *domain.Config) { *c = *domain.ProConfig() }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := domain.DefaultConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, domain.ErrInvalidInput)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "detection.rules.bonus_cap", envKey("KESTREL_DETECTION__RULES__BONUS_CAP"))
	assert.Equal(t, "tier", envKey("KESTREL_TIER"))
}
