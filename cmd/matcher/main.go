package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/zeroday/params"
	"github.com/uhyunpark/zeroday/pkg/api"
	"github.com/uhyunpark/zeroday/pkg/chain"
	"github.com/uhyunpark/zeroday/pkg/crypto"
	"github.com/uhyunpark/zeroday/pkg/engine"
	"github.com/uhyunpark/zeroday/pkg/events"
	"github.com/uhyunpark/zeroday/pkg/metrics"
	"github.com/uhyunpark/zeroday/pkg/oracle"
	"github.com/uhyunpark/zeroday/pkg/storage"
	"github.com/uhyunpark/zeroday/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	// Setup logging (console, plus a file when LOG_FILE is set)
	level := util.ParseLevel(cfg.Log.Level)
	var logger *zap.Logger
	var err error
	if cfg.Log.File != "" {
		logger, err = util.NewLoggerWithFile(cfg.Log.File, level)
	} else {
		logger, err = util.NewLogger(level)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "level", level.String(), "log_file", cfg.Log.File)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Metrics & event bus ----
	m := metrics.New()
	bus := events.NewBus(sugar.Named("bus"))
	bus.OnDrop = func(uint64) { m.EventDropped() }

	// ---- Engine ----
	eng := engine.NewEngine(engine.Config{
		Symbol:                  cfg.Engine.Symbol,
		TickInterval:            cfg.Engine.TickInterval,
		LiquidationThresholdBps: cfg.Engine.LiquidationThresholdBps,
		DefaultTTL:              cfg.Engine.DefaultTTL,
		InitialMark:             cfg.Engine.InitialMark,
		Fees:                    engine.FeeConfig{MakerBps: cfg.Engine.MakerBps, TakerBps: cfg.Engine.TakerBps},
		ChainTimeout:            cfg.Engine.ChainTimeout,
		Domain:                  crypto.DefaultDomain(),
	}, bus)
	eng.Logger = sugar.Named("engine")
	eng.Metrics = m
	m.SetMark(cfg.Engine.InitialMark)

	// ---- Chain (optional) ----
	// Enabled only when ARBITRUM_RPC, PRIVATE_KEY and CONTRACT_ADDRESS are all set
	var chainClient *chain.Client
	var mirror api.Mirror
	if cfg.Chain.Active() {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		chainClient, err = chain.Dial(dialCtx, cfg.Chain)
		cancel()
		if err != nil {
			sugar.Warnw("chain_disabled", "err", err)
			chainClient = nil
		} else {
			chainClient.Logger = sugar.Named("chain")
			eng.Submitter = chainClient
			mirror = chainClient
			sugar.Infow("chain_enabled", "contract", chainClient.Address().Hex(), "chain_id", cfg.Chain.ChainID)
		}
	} else {
		sugar.Info("chain_disabled - matches commit off-chain")
	}

	var wg sync.WaitGroup

	// Orders are placed on chain one at a time; matches wait for their contract ids
	if chainClient != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			chainClient.Run(ctx)
		}()
	}

	// ---- Event journal ----
	var journal storage.Store
	if cfg.Journal.Path != "" {
		pj, err := storage.OpenJournal(cfg.Journal.Path, nil)
		if err != nil {
			sugar.Fatalw("journal_open_failed", "path", cfg.Journal.Path, "err", err)
		}
		defer func() {
			if err := pj.Flush(); err != nil {
				sugar.Warnw("journal_flush_failed", "err", err)
			}
			pj.Close()
		}()
		if last, ok, err := pj.Last(); err == nil && ok {
			// sequence numbers restart at 1; old records are overwritten
			sugar.Warnw("journal_not_empty", "path", cfg.Journal.Path, "last_seq", last)
		}
		journal = pj
	} else {
		journal = storage.NewMemoryJournal()
	}
	journalSub := bus.Subscribe(cfg.Server.EventBuffer)
	wg.Add(1)
	go func() {
		defer wg.Done()
		storage.Follow(ctx, journal, journalSub, sugar.Named("journal"))
	}()

	// ---- Kafka (optional) ----
	if len(cfg.Kafka.Brokers) > 0 {
		sink := events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, sugar.Named("kafka"))
		defer sink.Close()
		kafkaSub := bus.Subscribe(cfg.Server.EventBuffer)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink.Follow(ctx, kafkaSub)
		}()
		sugar.Infow("kafka_enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	// ---- Oracle feed (optional) ----
	// Disable with ORACLE_JITTER=false and drive the mark via POST /oracle
	if cfg.Oracle.Jitter {
		feed := oracle.NewJitter(oracle.DefaultStart)
		feed.Interval = cfg.Oracle.Interval
		feed.Logger = sugar.Named("oracle")
		wg.Add(1)
		go func() {
			defer wg.Done()
			feed.Run(ctx, func(price int64) {
				if err := eng.SetOraclePrice(price); err != nil {
					sugar.Warnw("oracle_update_rejected", "price", price, "err", err)
					return
				}
				if chainClient != nil {
					go func() {
						cctx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ChainTimeout)
						defer cancel()
						if _, err := chainClient.UpdateOracle(cctx, price); err != nil {
							sugar.Debugw("chain_update_oracle_failed", "price", price, "err", err)
						}
					}()
				}
			})
		}()
	}

	// ---- API Server ----
	apiServer := api.NewServer(eng, api.Options{
		Journal:         journal,
		Chain:           mirror,
		ContractAddress: cfg.Chain.ContractAddress,
		Metrics:         m,
		Logger:          sugar.Named("api"),
		EventBuffer:     cfg.Server.EventBuffer,
	})
	go func() {
		if err := apiServer.Start(cfg.Server.Addr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	// ---- Matching loop ----
	wg.Add(1)
	go func() {
		defer wg.Done()
		eng.Run(ctx)
	}()

	sugar.Infow("matcher_starting",
		"symbol", cfg.Engine.Symbol,
		"tick_ms", cfg.Engine.TickInterval.Milliseconds(),
		"liquidation_threshold_bps", cfg.Engine.LiquidationThresholdBps,
		"api_addr", cfg.Server.Addr)

	// Progress logging loop
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sugar.Info("shutting_down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := apiServer.Shutdown(shutdownCtx); err != nil {
				sugar.Warnw("api_shutdown_failed", "err", err)
			}
			cancel()
			wg.Wait()
			bus.Close()
			return
		case <-ticker.C:
			snap := eng.Snapshot()
			sugar.Infow("engine_progress",
				"seq", snap.Sequence,
				"mark", snap.Mark,
				"open_buys", snap.OpenBuys,
				"open_sells", snap.OpenSells,
				"traders", len(snap.Traders),
				"accrued_fees", snap.AccruedFees)
		}
	}
}
