package server

import (
	"context"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/maxsam4/polygon-dashboard-sub001/heimdall"
	"github.com/maxsam4/polygon-dashboard-sub001/rpcpool"
	"github.com/maxsam4/polygon-dashboard-sub001/store"
	"github.com/maxsam4/polygon-dashboard-sub001/workers"
)

// Server wires the store, the RPC pools and every worker together, and hosts
// the status and metrics endpoints.
type Server struct {
	config   *Config
	store    *store.Store
	el       *rpcpool.Client
	cl       *heimdall.Client
	registry *workers.Registry

	http   *http.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer opens the database, applies migrations, dials both layers and
// starts all workers. Any startup failure is fatal; a half-started indexer is
// worse than none.
func NewServer(config *Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	setupLogging(config)

	st, err := store.Open(config.DatabaseURL, config.compressionThreshold())
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(); err != nil {
		st.Close()
		return nil, err
	}

	poolCfg := rpcpool.Config{
		RequestTimeout:       config.rpcTimeout(),
		MaxConsecutiveErrors: uint32(config.RPCMaxConsecutiveErrors),
		Cooldown:             config.rpcCooldown(),
	}

	el, err := rpcpool.DialClient(config.ELEndpoints, config.ExpectedChainID, config.RPCParallelism, poolCfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	// Best-effort probe; per-endpoint verification enforces the chain id on
	// first use, so a cold pool at startup is not fatal.
	if chainID, err := el.ChainID(context.Background()); err != nil {
		log.Warn("Execution layer unreachable at startup", "err", err)
	} else {
		log.Info("Connected to execution layer", "chainId", chainID)
	}

	cl, err := heimdall.NewClient(config.CLEndpoints, poolCfg)
	if err != nil {
		el.Close()
		st.Close()

		return nil, err
	}

	s := &Server{
		config:   config,
		store:    st,
		el:       el,
		cl:       cl,
		registry: workers.NewRegistry(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.startWorkers(ctx)
	s.startHTTP()

	log.Info("Indexer started", "listen", config.ListenAddr,
		"elEndpoints", len(config.ELEndpoints), "clEndpoints", len(config.CLEndpoints))

	return s, nil
}

func (s *Server) startWorkers(ctx context.Context) {
	cfg := s.config

	run := func(w interface{ Run(context.Context) }) {
		s.wg.Add(1)

		go func() {
			defer s.wg.Done()
			w.Run(ctx)
		}()
	}

	run(workers.NewTipFollower(s.el, s.cl, s.store, s.registry, cfg.tipPollInterval()))
	run(workers.NewBlockBackfiller(s.el, s.store, s.registry, cfg.BlockBackfillTarget, cfg.BackfillBatchSize))
	run(workers.NewMilestoneBackfiller(s.cl, s.store, s.registry, cfg.MilestoneBackfillTarget, cfg.BackfillBatchSize))
	run(workers.NewGapAnalyzer(s.store, s.registry, cfg.gapAnalyzerInterval(), cfg.GapAnalyzerBatch, cfg.GapAnalyzerBuffer))
	run(workers.NewGapFiller(s.el, s.cl, s.store, s.registry, cfg.gapFillerInterval(), cfg.RPCParallelism))
	run(workers.NewFinalityReconciler(s.store, s.registry, cfg.finalityInterval()))
	run(workers.NewPriorityFeeRecomputer(s.el, s.store, s.registry, cfg.PriorityFeeBatch, cfg.RPCParallelism))
	run(workers.NewStatsRefresher(s.store, s.registry, cfg.statsRefreshInterval()))
}

func (s *Server) startHTTP() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/api/status", s.handleStatus)
	r.Handle("/metrics", promhttp.Handler())

	s.http = &http.Server{Addr: s.config.ListenAddr, Handler: r}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Status listener failed", "err", err)
		}
	}()
}

// Stop cancels every worker, shuts the listener down and closes the clients.
// Workers finish their current transaction; the grace period bounds the wait.
func (s *Server) Stop() {
	log.Info("Shutting down", "grace", s.config.shutdownGrace())

	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.shutdownGrace())
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		log.Warn("Status listener shutdown incomplete", "err", err)
	}

	done := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("Shutdown grace period elapsed with workers still running")
	}

	s.el.Close()

	if err := s.store.Close(); err != nil {
		log.Warn("Database close failed", "err", err)
	}

	log.Info("Shutdown complete")
}

func setupLogging(config *Config) {
	var out io.Writer = os.Stderr

	if config.LogFile != "" {
		out = &lumberjack.Logger{
			Filename:   config.LogFile,
			MaxSize:    config.LogMaxSizeMB,
			MaxBackups: config.LogMaxBackups,
			MaxAge:     config.LogMaxAgeDays,
			Compress:   true,
		}
	}

	level := log.LevelInfo

	switch config.LogLevel {
	case "trace":
		level = log.LevelTrace
	case "debug":
		level = log.LevelDebug
	case "warn":
		level = log.LevelWarn
	case "error":
		level = log.LevelError
	}

	useColor := config.LogFile == ""
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(out, level, useColor)))
}
