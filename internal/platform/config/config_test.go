package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 24, cfg.Batch.Capacity)
	assert.Equal(t, 7*24*time.Hour, cfg.Batch.PaymentWindow)
	assert.Equal(t, 180*24*time.Hour, cfg.Batch.PatienceWindow)
	assert.Equal(t, int64(100), cfg.Batch.PenaltyBps)
	assert.Equal(t, 2*time.Hour, cfg.Retrieval.TokenTTL)
	assert.Equal(t, 50*time.Millisecond, cfg.Retrieval.CandidateTimeout)
	assert.Equal(t, 5, cfg.Retrieval.VerifyMaxFailures)
	assert.Equal(t, ".pdf", cfg.ObjectStore.ResultFileExt)
	assert.Empty(t, cfg.Database.URL)
	assert.Empty(t, cfg.Server.TrustedProxies)
	assert.Empty(t, cfg.Audit.SubjectKey)
	assert.True(t, cfg.UsesDevSigningKey())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("COHORT_ADDR", ":9090")
	t.Setenv("COHORT_BATCH_CAPACITY", "3")
	t.Setenv("COHORT_PAYMENT_WINDOW", "1h")
	t.Setenv("COHORT_TOKEN_SIGNING_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("COHORT_DATABASE_URL", "postgres://cohort@localhost/cohort")
	t.Setenv("COHORT_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("COHORT_S3_BUCKET", "results")
	t.Setenv("COHORT_AUDIT_KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("COHORT_TRUSTED_PROXIES", "10.0.0.0/8,192.0.2.50")
	t.Setenv("COHORT_AUDIT_SUBJECT_KEY", "fedcba9876543210fedcba9876543210")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 3, cfg.Batch.Capacity)
	assert.Equal(t, time.Hour, cfg.Batch.PaymentWindow)
	assert.False(t, cfg.UsesDevSigningKey())
	assert.Equal(t, "postgres://cohort@localhost/cohort", cfg.Database.URL)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, "results", cfg.ObjectStore.Bucket)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Audit.KafkaBrokers)
	assert.Equal(t, []string{"10.0.0.0/8", "192.0.2.50"}, cfg.Server.TrustedProxies)
	assert.Equal(t, "fedcba9876543210fedcba9876543210", cfg.Audit.SubjectKey)
}

func TestFromEnvErrors(t *testing.T) {
	t.Run("unparseable duration", func(t *testing.T) {
		t.Setenv("COHORT_TOKEN_TTL", "two hours")
		_, err := FromEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parse env:")
	})

	t.Run("short signing key", func(t *testing.T) {
		t.Setenv("COHORT_TOKEN_SIGNING_KEY", "short")
		_, err := FromEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least 32 bytes")
	})

	t.Run("malformed trusted proxy", func(t *testing.T) {
		t.Setenv("COHORT_TRUSTED_PROXIES", "10.0.0.0/8,edge-lb")
		_, err := FromEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "COHORT_TRUSTED_PROXIES")
	})

	t.Run("short audit subject key", func(t *testing.T) {
		t.Setenv("COHORT_AUDIT_SUBJECT_KEY", "tiny")
		_, err := FromEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "COHORT_AUDIT_SUBJECT_KEY")
	})
}
