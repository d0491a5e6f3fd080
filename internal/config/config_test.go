package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 15*time.Minute, cfg.Reservation.HoldDuration)
	assert.Equal(t, "adaptive", cfg.Reservation.LockStrategy)
	assert.Equal(t, 2, cfg.Reservation.MaxRetries)
	assert.Equal(t, 15*time.Second, cfg.Reclaimer.Interval)
	assert.Equal(t, 5*time.Minute, cfg.Availability.CacheTTL)
	assert.Equal(t, 2*time.Second, cfg.Kafka.PublishTimeout)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("HOLD_DURATION", "90s")
	t.Setenv("LOCK_STRATEGY", "Pessimistic")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("RECLAIM_BATCH_SIZE", "not-a-number")
	t.Setenv("AVAILABILITY_CACHE", "memory")
	t.Setenv("KAFKA_PUBLISH_TIMEOUT", "750ms")

	cfg := Load()

	assert.Equal(t, 90*time.Second, cfg.Reservation.HoldDuration)
	assert.Equal(t, "pessimistic", cfg.Reservation.LockStrategy)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 500, cfg.Reclaimer.BatchSize, "invalid values fall back to the default")
	assert.Equal(t, "memory", cfg.Availability.Cache)
	assert.Equal(t, 750*time.Millisecond, cfg.Kafka.PublishTimeout)
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(c *Config){
		"strategy":      func(c *Config) { c.Reservation.LockStrategy = "yolo" },
		"driver":        func(c *Config) { c.Database.Driver = "oracle" },
		"cache":         func(c *Config) { c.Availability.Cache = "disk" },
		"redis cache":   func(c *Config) { c.Redis.Enabled = false },
		"hold duration": func(c *Config) { c.Reservation.HoldDuration = 0 },
		"retries":       func(c *Config) { c.Reservation.MaxRetries = -1 },
		"batch":         func(c *Config) { c.Reclaimer.BatchSize = 0 },
		"brokers":       func(c *Config) { c.Kafka.Brokers = nil },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Load()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
