package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/clearmap/watchtower/internal/authority"
	"github.com/clearmap/watchtower/internal/bus"
	"github.com/clearmap/watchtower/internal/clock"
	"github.com/clearmap/watchtower/internal/config"
	"github.com/clearmap/watchtower/internal/dispatch"
	"github.com/clearmap/watchtower/internal/event"
	"github.com/clearmap/watchtower/internal/ingest"
	"github.com/clearmap/watchtower/internal/llm"
	"github.com/clearmap/watchtower/internal/metrics"
	"github.com/clearmap/watchtower/internal/pipeline"
	"github.com/clearmap/watchtower/internal/store"
	"github.com/clearmap/watchtower/internal/transport"
)

// runWatch wires the whole pipeline and blocks until SIGINT/SIGTERM.
func runWatch() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("create data dir", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.System{}
	counters := metrics.New()

	st, err := store.Open(cfg.DatabasePath(), store.WithLogger(logger))
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.Init(ctx); err != nil {
		logger.Error("init store", "error", err)
		os.Exit(1)
	}

	sourceChannels, err := config.LoadChannelList(cfg.SourceListPath())
	if err != nil {
		logger.Error("load source channel list", "error", err)
		os.Exit(1)
	}
	smartChannels, err := config.LoadChannelList(cfg.SmartListPath())
	if err != nil {
		logger.Error("load smart channel list", "error", err)
		os.Exit(1)
	}
	logger.Info("channel lists loaded", "source", len(sourceChannels), "smart", len(smartChannels))

	auth := authority.New(st, clk, cfg.Authority.SourceDefault, cfg.Authority.SmartDefault, logger)
	if err := auth.Load(ctx, sourceChannels, smartChannels); err != nil {
		logger.Error("load authority scores", "error", err)
		os.Exit(1)
	}

	pool := event.NewPool(st, clk, cfg.Pipeline.MatchThreshold, logger)
	if err := pool.Restore(ctx); err != nil {
		logger.Error("restore event pool", "error", err)
		os.Exit(1)
	}
	logger.Info("event pool restored", "pending", pool.Len())

	ai := llm.New(llm.Config{
		URL:          cfg.LLM.URL,
		APIKey:       cfg.LLM.APIKey,
		BudgetHourly: cfg.LLM.BudgetHourly,
		InFlight:     int64(cfg.LLM.InFlight),
		Timeout:      cfg.LLM.Timeout(),
	}, clk, logger)

	// The data-dir override file rotates the primary credential without a
	// config rewrite.
	token := cfg.Telegram.Token
	if s := cfg.ResolveSession(); s != "" {
		token = s
	}
	primary, err := transport.NewBot(token, "session-0", logger)
	if err != nil {
		logger.Error("connect primary session", "error", err)
		os.Exit(1)
	}
	sessions := []transport.Session{primary}
	for i, r := range cfg.Telegram.Readers {
		name := r.Name
		if name == "" {
			name = "reader-" + strconv.Itoa(i+1)
		}
		reader, err := transport.NewBot(r.Token, name, logger)
		if err != nil {
			logger.Warn("connect reader session failed", "session", name, "error", err)
			continue
		}
		sessions = append(sessions, reader)
	}

	disp := dispatch.New(primary, auth, cfg.Chats.Output, cfg.Chats.Digest, cfg.Chats.CreditLink, logger)
	queue := bus.NewQueue(cfg.Ingest.QueueSize)

	pipe := pipeline.New(pipeline.Config{
		BatchSize:              cfg.Pipeline.BatchSize,
		MaxBatchAge:            cfg.Pipeline.MaxBatchAge(),
		SummaryMinInterval:     cfg.Pipeline.SummaryMinInterval(),
		EventMergeWindow:       cfg.Pipeline.EventMergeWindow(),
		MinSources:             cfg.Pipeline.MinSources,
		FlushEvery:             cfg.Pipeline.FlushEvery(),
		HighAuthorityThreshold: cfg.Pipeline.HighAuthorityThreshold,
		Retention:              cfg.Pipeline.Retention(),
		MediaThreshold:         cfg.Pipeline.MediaThreshold,
	}, st, ai, auth, pool, disp, clk, counters, logger)

	fanIn := ingest.New(sessions, primary, queue, clk, ingest.Options{
		SmartChat:         cfg.Chats.Smart,
		BlockPhrases:      cfg.Ingest.BlockPhrases,
		ScanBatchLimit:    cfg.Ingest.ScanBatchLimit,
		RequestsPerMinute: cfg.Ingest.MaxRequestsPerMinute,
	}, logger)

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		pipe.Run(ctx, queue)
	}()
	go func() {
		defer wg.Done()
		pipe.AggregatorLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		pipe.MaintenanceLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		err := config.WatchChannelLists(ctx, logger, func() {
			logger.Info("channel list updated; additions apply on next start")
		}, cfg.SourceListPath(), cfg.SmartListPath())
		if err != nil && ctx.Err() == nil {
			logger.Warn("channel list watcher stopped", "error", err)
		}
	}()

	logger.Info("watchtower running", "sessions", len(sessions), "version", Version)
	if err := fanIn.Run(ctx, sourceChannels, smartChannels); err != nil && ctx.Err() == nil {
		logger.Error("fan-in stopped", "error", err)
	}

	wg.Wait()
	logger.Info("watchtower stopped")
}
