package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/uhyunpark/zeroday/pkg/chain"
)

type Engine struct {
	Symbol string
	// TickInterval paces the matching loop; each tick makes at most one trade
	TickInterval            time.Duration
	LiquidationThresholdBps int64
	MakerBps                uint64
	TakerBps                uint64
	DefaultTTL              time.Duration
	InitialMark             int64
	// ChainTimeout bounds a single on-chain match proposal
	ChainTimeout time.Duration
}

type Server struct {
	Addr string
	// EventBuffer is the per-subscriber queue depth on the event bus
	EventBuffer int
}

type Oracle struct {
	Jitter   bool
	Interval time.Duration
}

type Journal struct {
	// Path of the pebble journal; empty keeps events in memory only
	Path string
}

type Kafka struct {
	Brokers []string
	Topic   string
}

type Log struct {
	Level string
	File  string
}

type Config struct {
	Engine  Engine
	Server  Server
	Oracle  Oracle
	Journal Journal
	Kafka   Kafka
	Log     Log
	Chain   chain.Config
}

func Default() Config {
	return Config{
		Engine: Engine{
			Symbol:                  "$singu",
			TickInterval:            300 * time.Millisecond,
			LiquidationThresholdBps: 5_000,
			MakerBps:                2,
			TakerBps:                5,
			DefaultTTL:              24 * time.Hour,
			InitialMark:             100,
			ChainTimeout:            5 * time.Second,
		},
		Server: Server{
			Addr:        "0.0.0.0:8787",
			EventBuffer: 256,
		},
		Oracle: Oracle{
			Jitter:   true,
			Interval: 1500 * time.Millisecond,
		},
		Kafka: Kafka{Topic: "zeroday.events"},
		Log:   Log{Level: "info"},
		Chain: chain.Config{ChainID: chain.DefaultChainID, ProductID: chain.DefaultProductID},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Engine.Symbol = getEnv("SYMBOL", cfg.Engine.Symbol)
	cfg.Engine.TickInterval = getMillis("TICK_INTERVAL_MS", cfg.Engine.TickInterval)
	cfg.Engine.LiquidationThresholdBps = getInt("LIQUIDATION_THRESHOLD_BPS", cfg.Engine.LiquidationThresholdBps)
	cfg.Engine.MakerBps = getUint("MAKER_BPS", cfg.Engine.MakerBps)
	cfg.Engine.TakerBps = getUint("TAKER_BPS", cfg.Engine.TakerBps)
	if secs := getInt("DEFAULT_TTL_SECS", 0); secs > 0 {
		cfg.Engine.DefaultTTL = time.Duration(secs) * time.Second
	}
	cfg.Engine.InitialMark = getInt("INITIAL_MARK", cfg.Engine.InitialMark)
	cfg.Engine.ChainTimeout = getMillis("CHAIN_TIMEOUT_MS", cfg.Engine.ChainTimeout)

	cfg.Server.Addr = getEnv("API_ADDR", cfg.Server.Addr)
	cfg.Server.EventBuffer = int(getInt("EVENT_BUFFER", int64(cfg.Server.EventBuffer)))

	if v := os.Getenv("ORACLE_JITTER"); v != "" {
		cfg.Oracle.Jitter = v == "true" || v == "1"
	}
	cfg.Oracle.Interval = getMillis("ORACLE_INTERVAL_MS", cfg.Oracle.Interval)

	cfg.Journal.Path = getEnv("JOURNAL_PATH", cfg.Journal.Path)

	// Brokers from comma-separated list, e.g. "kafka1:9092,kafka2:9092"
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = nil
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.Kafka.Brokers = append(cfg.Kafka.Brokers, b)
			}
		}
	}
	cfg.Kafka.Topic = getEnv("KAFKA_TOPIC", cfg.Kafka.Topic)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)

	cfg.Chain = chain.ConfigFromEnv()

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int64) int64 {
	if v, err := strconv.ParseInt(os.Getenv(key), 10, 64); err == nil {
		return v
	}
	return defaultValue
}

func getUint(key string, defaultValue uint64) uint64 {
	if v, err := strconv.ParseUint(os.Getenv(key), 10, 64); err == nil {
		return v
	}
	return defaultValue
}

func getMillis(key string, defaultValue time.Duration) time.Duration {
	if ms, err := strconv.Atoi(os.Getenv(key)); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
