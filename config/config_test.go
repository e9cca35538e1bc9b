package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func missingEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(missingEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, "fern-importer", cfg.AppName)
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, 1, cfg.Importer.Threads)
	assert.Equal(t, 1000, cfg.Importer.MaxQueue)
	assert.Equal(t, 3, cfg.Importer.CatalogueKey)
	assert.Zero(t, cfg.Importer.MaxDuration)
	assert.Equal(t, 3, cfg.Download.RetryMax)
	assert.Equal(t, 30*time.Minute, cfg.Download.Timeout)
	assert.False(t, cfg.Continuous.Enabled)
	assert.Equal(t, "@every 1m", cfg.Continuous.Schedule)
	assert.Equal(t, 7, cfg.Continuous.Frequency)
	assert.False(t, cfg.RedisEnabled())
	assert.Empty(t, cfg.Kafka().Brokers)
	assert.Empty(t, cfg.Tracing().Endpoint)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("IMPORTER_THREADS", "4")
	t.Setenv("IMPORTER_MAX_DURATION", "2h")
	t.Setenv("IMPORTER_BATCH_SIZE", "500")
	t.Setenv("IMPORTER_USER_KEY", "12")
	t.Setenv("CONTINUOUS_IMPORT_ENABLED", "true")
	t.Setenv("CONTINUOUS_IMPORT_SCHEDULE", "*/5 * * * *")
	t.Setenv("REDIS_HOST", "redis")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
	t.Setenv("OTLP_ENABLED", "true")
	t.Setenv("OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTLP_PROTOCOL", "http")

	cfg, err := Load(missingEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Importer.Threads)
	assert.Equal(t, 2*time.Hour, cfg.Importer.MaxDuration)
	assert.True(t, cfg.Continuous.Enabled)
	assert.Equal(t, "*/5 * * * *", cfg.Continuous.Schedule)
	assert.Equal(t, 500, cfg.Loader().BatchSize)
	assert.Equal(t, 12, cfg.Loader().UserKey)

	assert.True(t, cfg.RedisEnabled())
	assert.Equal(t, "redis", cfg.Redis().Host)
	assert.Equal(t, 6379, cfg.Redis().Port)

	kafkaCfg := cfg.Kafka()
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, kafkaCfg.Brokers)
	assert.Equal(t, "dataset-imports", kafkaCfg.EventTopic)

	tracingCfg := cfg.Tracing()
	assert.Equal(t, "collector:4318", tracingCfg.Endpoint)
	assert.Equal(t, "http", tracingCfg.Protocol)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("DB_NAME=catalog\nIMPORTER_MAX_QUEUE=5\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("DB_NAME")
		os.Unsetenv("IMPORTER_MAX_QUEUE")
	})

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "catalog", cfg.DatabaseName)
	assert.Equal(t, 5, cfg.Importer.MaxQueue)
	assert.Contains(t, cfg.DatabaseDSN(), "dbname=catalog")
}

func TestMigration(t *testing.T) {
	cfg, err := Load(missingEnvFile(t))
	require.NoError(t, err)

	migration := cfg.Migration()
	assert.Equal(t, "db/pg", migration.MigrationFolderPath)
	assert.True(t, migration.AutoRollback)
}
