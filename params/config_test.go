package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"SYMBOL", "TICK_INTERVAL_MS", "LIQUIDATION_THRESHOLD_BPS", "MAKER_BPS", "TAKER_BPS",
	"DEFAULT_TTL_SECS", "INITIAL_MARK", "CHAIN_TIMEOUT_MS", "API_ADDR", "EVENT_BUFFER",
	"ORACLE_JITTER", "ORACLE_INTERVAL_MS", "JOURNAL_PATH", "KAFKA_BROKERS", "KAFKA_TOPIC",
	"LOG_LEVEL", "LOG_FILE", "ARBITRUM_RPC", "PRIVATE_KEY", "CONTRACT_ADDRESS", "CHAIN_ID",
}

// clearEnv registers every key with t.Setenv so values loaded from a .env
// file are restored after the test, then unsets them.
func clearEnv(t *testing.T) {
	for _, k := range envKeys {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))

	assert.Equal(t, Default().Engine, cfg.Engine)
	assert.Equal(t, "0.0.0.0:8787", cfg.Server.Addr)
	assert.True(t, cfg.Oracle.Jitter)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.False(t, cfg.Chain.Active())
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("TICK_INTERVAL_MS", "50")
	t.Setenv("LIQUIDATION_THRESHOLD_BPS", "2500")
	t.Setenv("MAKER_BPS", "0")
	t.Setenv("TAKER_BPS", "10")
	t.Setenv("DEFAULT_TTL_SECS", "60")
	t.Setenv("ORACLE_JITTER", "false")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")

	cfg := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	assert.Equal(t, 50*time.Millisecond, cfg.Engine.TickInterval)
	assert.Equal(t, int64(2500), cfg.Engine.LiquidationThresholdBps)
	assert.Equal(t, uint64(0), cfg.Engine.MakerBps)
	assert.Equal(t, uint64(10), cfg.Engine.TakerBps)
	assert.Equal(t, time.Minute, cfg.Engine.DefaultTTL)
	assert.False(t, cfg.Oracle.Jitter)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestMalformedValuesFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("TICK_INTERVAL_MS", "fast")
	t.Setenv("INITIAL_MARK", "1e3")

	cfg := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	assert.Equal(t, 300*time.Millisecond, cfg.Engine.TickInterval)
	assert.Equal(t, int64(100), cfg.Engine.InitialMark)
}

func TestDotEnvFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("API_ADDR=127.0.0.1:9999\nLOG_LEVEL=debug\n"), 0o600))
	t.Setenv("LOG_LEVEL", "warn")

	cfg := LoadFromEnv(path)
	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Addr)
	// process environment wins over the file
	assert.Equal(t, "warn", cfg.Log.Level)
}
