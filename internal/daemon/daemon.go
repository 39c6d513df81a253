// Package daemon orchestrates the two long-running processes described
// in §9: the API process (HTTP admission boundary, WebSocket hub, event
// bus bridge) and the worker process (analysis consumers, diff consumer,
// expiry scheduler, alert consumer). Logger setup, the PID-file guard,
// the config-watcher hot-reload, and the signal-driven graceful-shutdown
// sequence are adapted line for line from the teacher's single-process
// Run; everything behind that scaffolding wires the new domain stack
// instead of the teacher's proxy pipeline.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lexai-io/contract-intel/internal/admission"
	"github.com/lexai-io/contract-intel/internal/cache"
	"github.com/lexai-io/contract-intel/internal/config"
	"github.com/lexai-io/contract-intel/internal/dispatch"
	"github.com/lexai-io/contract-intel/internal/docstore"
	"github.com/lexai-io/contract-intel/internal/eventbus"
	"github.com/lexai-io/contract-intel/internal/httpapi"
	"github.com/lexai-io/contract-intel/internal/kv"
	"github.com/lexai-io/contract-intel/internal/llm"
	"github.com/lexai-io/contract-intel/internal/lock"
	"github.com/lexai-io/contract-intel/internal/metrics"
	"github.com/lexai-io/contract-intel/internal/quota"
	"github.com/lexai-io/contract-intel/internal/queue"
	"github.com/lexai-io/contract-intel/internal/scheduler"
	"github.com/lexai-io/contract-intel/internal/tracing"
	"github.com/lexai-io/contract-intel/internal/vault"
	"github.com/lexai-io/contract-intel/internal/version"
	"github.com/lexai-io/contract-intel/internal/worker"
	"github.com/lexai-io/contract-intel/internal/ws"
)

// setupLogger wires the file+console multi-writer the teacher's Run uses,
// scoped to dataDir/{name}.log.
func setupLogger(dataDir, name string, foreground bool) (zerolog.Logger, *os.File, error) {
	logPath := filepath.Join(dataDir, name+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("opening log file %s: %w", logPath, err)
	}

	writers := []io.Writer{logFile}
	if foreground {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"})
	}
	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Str("service", name).Logger()
	return logger, logFile, nil
}

// startConfigWatcher mirrors the teacher's hot-reload wiring: watch the
// loaded config file (or the default path, if none was loaded), re-apply
// the log level on change, and invoke any process-specific callbacks
// (quota plan table, scheduler alert thresholds) with the reloaded
// config. Returns nil if no config file is on disk to watch.
func startConfigWatcher(dataDir string, logger zerolog.Logger, extra ...config.OnReload) *config.Watcher {
	configFile := config.ConfigFilePath()
	if configFile == "" {
		configFile = filepath.Join(dataDir, config.DefaultConfigFilename)
	}
	if _, err := os.Stat(configFile); err != nil {
		return nil
	}
	w, err := config.Watch(configFile)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to start config watcher; continuing without hot-reload")
		return nil
	}
	w.OnChange(func(old, newCfg *config.Config) {
		logger.Info().Msg("configuration reloaded")
		zerolog.SetGlobalLevel(parseLogLevel(newCfg.Server.LogLevel))
	})
	for _, fn := range extra {
		w.OnChange(fn)
	}
	logger.Info().Str("file", configFile).Msg("config watcher started")
	return w
}

// waitForShutdown blocks until SIGINT/SIGTERM or a fatal error arrives on
// errCh, exactly as the teacher's Run does. On a signal it runs a bounded
// graceful shutdown across every provided closer and returns nil; on a
// fatal error it returns that error without running the closers.
func waitForShutdown(logger zerolog.Logger, errCh <-chan error, shutdownTimeout time.Duration, closers ...func(context.Context) error) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("fatal error")
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	logger.Info().Msg("shutting down...")
	for _, closer := range closers {
		if closer == nil {
			continue
		}
		if err := closer(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown error")
		}
	}
	return nil
}

// resolveModel turns an LLMConfig model entry into an llm.Model, pulling
// its API key through the vault.
func resolveModel(v *vault.Vault, m config.ModelConfig, logger zerolog.Logger) llm.Model {
	if m.Name == "" {
		return llm.Model{}
	}
	key, err := v.ResolveKeyRef(m.KeyRef)
	if err != nil {
		logger.Warn().Err(err).Str("model", m.Name).Msg("failed to resolve model API key; model will fail at call time")
	}
	return llm.Model{Name: m.Name, BaseURL: m.BaseURL, APIKey: key}
}

// RunAPI starts the API process: admission over HTTP, the WebSocket hub,
// and the event bus bridge that fans worker-published events out to
// locally-connected sockets (§4.8, §4.9).
func RunAPI(cfg *config.Config, foreground bool) error {
	dataDir := expandHome(cfg.Server.DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	zerolog.SetGlobalLevel(parseLogLevel(cfg.Server.LogLevel))

	logger, logFile, err := setupLogger(dataDir, "contract-intel-api", foreground)
	if err != nil {
		return err
	}
	defer logFile.Close()
	log.Logger = logger

	logger.Info().Str("version", version.Version).Bool("foreground", foreground).Msg("contract-intel api starting")

	if IsRunning(dataDir, "api") {
		return fmt.Errorf("contract-intel api is already running (PID file exists at %s)", filepath.Join(dataDir, "api.pid"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := docstore.Open(ctx, docstore.Config{URI: cfg.Mongo.URI, Database: cfg.Mongo.Database})
	if err != nil {
		return fmt.Errorf("opening document store: %w", err)
	}
	defer store.Close(context.Background())
	if err := store.EnsureIndexes(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to ensure document store indexes")
	}

	kvStore := kv.Open(kv.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer kvStore.Close()

	amqpClient := queue.New(cfg.Queue.URI, logger)
	if err := amqpClient.Start(ctx); err != nil {
		return fmt.Errorf("starting queue client: %w", err)
	}
	defer amqpClient.Close()

	if err := WritePID(dataDir, "api"); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer func() {
		if err := RemovePID(dataDir, "api"); err != nil {
			logger.Error().Err(err).Msg("failed to remove PID file")
		}
	}()

	var tracingShutdown func(context.Context) error
	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Init(ctx, cfg.Tracing.ServiceName, version.Version, cfg.Tracing.Exporter, cfg.Tracing.Endpoint, cfg.Tracing.SampleRate, cfg.Tracing.Insecure)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to start tracing; continuing without it")
		} else {
			tracingShutdown = shutdown
		}
	}

	mcol := metrics.NewCollector(prometheus.DefaultRegisterer)

	c := cache.New(kvStore, logger)
	c.SetMetrics(mcol)
	l := lock.New(kvStore)
	l.SetMetrics(mcol)
	q := quota.New(kvStore, cfg.Quota.Plans)
	amqpClient.SetMetrics(mcol)
	enqueuer := amqpClient

	admit := admission.New(store.Contracts, store.Analyses, c, l, q, enqueuer, func(j admission.Job) ([]byte, error) {
		return json.Marshal(j)
	}, logger)
	admit.SetMetrics(mcol)

	if watcher := startConfigWatcher(dataDir, logger, func(old, newCfg *config.Config) {
		q.SetPlans(newCfg.Quota.Plans)
	}); watcher != nil {
		defer watcher.Close()
	}

	hub := ws.NewHub(devTokenAuthenticator{}, logger)
	hub.SetMetrics(mcol)
	bridge := eventbus.NewBridge(kvStore, hub, logger)
	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("eventbus bridge stopped unexpectedly")
		}
	}()

	ready := httpapi.Ready(func(ctx context.Context) error {
		if err := store.Ping(ctx); err != nil {
			return err
		}
		return kvStore.Ping(ctx)
	})

	router := httpapi.Router(admit, store.Contracts, amqpClient, hub, ready, cfg.Tracing.Enabled, logger)
	wrapped := principalHeaderMiddleware(logger)(router)

	addr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      wrapped,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("api server starting")
		if cfg.Server.TLSEnabled {
			if err := server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("api server: %w", err)
			}
			return
		}
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if foreground {
		fmt.Printf("\n  contract-intel api is running on %s\n\n", addr)
	}

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	runErr := waitForShutdown(logger, errCh, shutdownTimeout,
		func(c context.Context) error { return server.Shutdown(c) },
	)
	cancel()
	<-bridgeDone
	if tracingShutdown != nil {
		_ = tracingShutdown(context.Background())
	}
	logger.Info().Msg("contract-intel api stopped")
	return runErr
}

// RunWorker starts the worker process: N analysis/diff consumers, the
// expiry scheduler, and its alert consumer (§4.6, §4.7, §4.10).
func RunWorker(cfg *config.Config, foreground bool) error {
	dataDir := expandHome(cfg.Server.DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	zerolog.SetGlobalLevel(parseLogLevel(cfg.Server.LogLevel))

	logger, logFile, err := setupLogger(dataDir, "contract-intel-worker", foreground)
	if err != nil {
		return err
	}
	defer logFile.Close()
	log.Logger = logger

	logger.Info().Str("version", version.Version).Bool("foreground", foreground).Msg("contract-intel worker starting")

	if IsRunning(dataDir, "worker") {
		return fmt.Errorf("contract-intel worker is already running (PID file exists at %s)", filepath.Join(dataDir, "worker.pid"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := docstore.Open(ctx, docstore.Config{URI: cfg.Mongo.URI, Database: cfg.Mongo.Database})
	if err != nil {
		return fmt.Errorf("opening document store: %w", err)
	}
	defer store.Close(context.Background())

	kvStore := kv.Open(kv.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer kvStore.Close()

	amqpClient := queue.New(cfg.Queue.URI, logger)
	if err := amqpClient.Start(ctx); err != nil {
		return fmt.Errorf("starting queue client: %w", err)
	}
	defer amqpClient.Close()

	if err := WritePID(dataDir, "worker"); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer func() {
		if err := RemovePID(dataDir, "worker"); err != nil {
			logger.Error().Err(err).Msg("failed to remove PID file")
		}
	}()

	var tracingShutdown func(context.Context) error
	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Init(ctx, cfg.Tracing.ServiceName, version.Version, cfg.Tracing.Exporter, cfg.Tracing.Endpoint, cfg.Tracing.SampleRate, cfg.Tracing.Insecure)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to start tracing; continuing without it")
		} else {
			tracingShutdown = shutdown
		}
	}

	mcol := metrics.NewCollector(prometheus.DefaultRegisterer)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		addr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port)
		logger.Info().Str("addr", addr).Msg("worker metrics server starting")
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			logger.Warn().Err(err).Msg("worker metrics server stopped")
		}
	}()

	c := cache.New(kvStore, logger)
	c.SetMetrics(mcol)
	l := lock.New(kvStore)
	l.SetMetrics(mcol)
	amqpClient.SetMetrics(mcol)
	events := eventbus.NewPublisher(kvStore, logger)

	v := vault.New(vault.DefaultProviders...)
	primary := resolveModel(v, cfg.LLM.Primary, logger)
	fallback := resolveModel(v, cfg.LLM.Fallback, logger)
	llmClient := llm.New(primary, fallback, logger)
	llmClient.SetMetrics(mcol)

	svc := worker.New(store.Contracts, store.Analyses, c, l, llmClient, events, amqpClient, cfg.Worker.MaxRetries, logger)
	svc.SetMetrics(mcol)

	mail := dispatch.New(noopMailer{log: logger}, noopAuditLogger{log: logger}, 256, logger)
	mailCtx, mailCancel := context.WithCancel(context.Background())
	go mail.Run(mailCtx)

	alertWorker := scheduler.NewAlertWorker(amqpClient, singleMemberDirectory{}, events, mail, logger)
	sched := scheduler.New(store.Contracts, amqpClient, cfg.Scheduler.CronExpr, cfg.Scheduler.DefaultAlertDays, logger)
	sched.SetMetrics(mcol)
	if err := sched.Start(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to start expiry scheduler")
	}

	if watcher := startConfigWatcher(dataDir, logger, func(old, newCfg *config.Config) {
		sched.SetDefaultAlertDays(newCfg.Scheduler.DefaultAlertDays)
	}); watcher != nil {
		defer watcher.Close()
	}

	concurrency := cfg.Worker.Concurrency
	if concurrency <= 0 {
		concurrency = cfg.Queue.ConsumerWorkers
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	errCh := make(chan error, concurrency+1)
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			tag := fmt.Sprintf("analysis-worker-%d", n)
			if err := svc.Run(ctx, amqpClient, queue.AnalysisQueue, tag); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("analysis consumer %s: %w", tag, err)
			}
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := alertWorker.Run(ctx, queue.AlertQueue, "alert-worker-0"); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("alert consumer: %w", err)
		}
	}()

	if foreground {
		fmt.Printf("\n  contract-intel worker is running (%d analysis consumers)\n\n", concurrency)
	}

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	runErr := waitForShutdown(logger, errCh, shutdownTimeout)
	cancel()
	sched.Stop()
	mailCancel()
	wg.Wait()
	if tracingShutdown != nil {
		_ = tracingShutdown(context.Background())
	}
	logger.Info().Msg("contract-intel worker stopped")
	return runErr
}

// Stop reads the PID file for the named process ("api" or "worker") and
// sends SIGTERM, polling briefly for exit.
func Stop(name string) error {
	dataDir := expandHome(config.Get().Server.DataDir)

	pid, err := ReadPID(dataDir, name)
	if err != nil {
		return fmt.Errorf("contract-intel %s does not appear to be running: %w", name, err)
	}

	if !isProcessAlive(pid) {
		if rmErr := RemovePID(dataDir, name); rmErr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to remove stale PID file: %v\n", rmErr)
		}
		return fmt.Errorf("contract-intel %s is not running (stale PID file removed)", name)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM to process %d: %w", pid, err)
	}
	fmt.Printf("Sent SIGTERM to contract-intel %s (PID %d)\n", name, pid)

	for i := 0; i < 30; i++ {
		time.Sleep(100 * time.Millisecond)
		if !isProcessAlive(pid) {
			return nil
		}
	}
	return nil
}

// Status reports whether the named process is running and, for the api
// process, probes its readyz endpoint.
func Status(name string) error {
	cfg := config.Get()
	dataDir := expandHome(cfg.Server.DataDir)

	if !IsRunning(dataDir, name) {
		fmt.Printf("contract-intel %s is not running\n", name)
		return nil
	}

	pid, _ := ReadPID(dataDir, name)
	fmt.Printf("contract-intel %s is running (PID %d)\n", name, pid)

	if name != "api" {
		return nil
	}

	url := fmt.Sprintf("http://%s:%d/readyz", "localhost", cfg.Server.Port)
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Println("  (readyz unreachable)")
		return nil
	}
	defer resp.Body.Close()
	fmt.Printf("  readyz: %s\n", resp.Status)
	return nil
}

// parseLogLevel converts a string log level to a zerolog.Level.
func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
