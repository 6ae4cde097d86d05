package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, StorePostgres, cfg.Store.Driver)
	assert.Equal(t, 2, cfg.Store.SnapshotEvery)
	assert.Equal(t, 3, cfg.Command.MaxRetries)
	assert.Equal(t, "skip", cfg.Command.UnknownEventPolicy)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Broker.KafkaBrokers)
	assert.Equal(t, 100*time.Millisecond, cfg.Projection.BackoffInitial)
	assert.Equal(t, cfg.Store.DatabaseURL, cfg.ReadDatabaseURL())
	assert.Equal(t, "notifier", cfg.Notifier.ConsumerGroup)
	assert.Equal(t, "1025", cfg.Notifier.SMTPPort)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("EVENT_STORE", "sqlite")
	t.Setenv("BROKER", "redis")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("SNAPSHOT_EVERY", "5")
	t.Setenv("CONSUMER_GROUP", "activity-service")
	t.Setenv("READ_DATABASE_URL", "postgres://read")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, StoreSQLite, cfg.Store.Driver)
	assert.Equal(t, BrokerRedis, cfg.Broker.Driver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Broker.KafkaBrokers)
	assert.Equal(t, 5, cfg.Store.SnapshotEvery)
	assert.Equal(t, "activity-service", cfg.Broker.ConsumerGroup)
	assert.Equal(t, "postgres://read", cfg.ReadDatabaseURL())
}

func TestLoad_RejectsInvalid(t *testing.T) {
	tests := map[string][2]string{
		"unknown store":    {"EVENT_STORE", "cassandra"},
		"unknown broker":   {"BROKER", "nats"},
		"zero snapshot":    {"SNAPSHOT_EVERY", "0"},
		"negative retries": {"COMMAND_MAX_RETRIES", "-1"},
		"bad policy":       {"UNKNOWN_EVENT_POLICY", "panic"},
		"zero attempts":    {"PROJECTION_MAX_ATTEMPTS", "0"},
	}
	for name, kv := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
