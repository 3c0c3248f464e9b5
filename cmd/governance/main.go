package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/domaindetermine/governance/pkg/api"
	"github.com/domaindetermine/governance/pkg/config"
	"github.com/domaindetermine/governance/pkg/eventlog"
	"github.com/domaindetermine/governance/pkg/gate"
	"github.com/domaindetermine/governance/pkg/jobs"
	"github.com/domaindetermine/governance/pkg/lineage"
	"github.com/domaindetermine/governance/pkg/publish"
	"github.com/domaindetermine/governance/pkg/quota"
	"github.com/domaindetermine/governance/pkg/registry"
	"github.com/domaindetermine/governance/pkg/signer"
	"github.com/domaindetermine/governance/pkg/telemetry"
	"github.com/domaindetermine/governance/pkg/waiver"

	_ "github.com/lib/pq" // postgres driver
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; it is the entrypoint for tests too.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(stderr)
	case "gate":
		return runGateCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if strings.HasPrefix(args[1], "-") {
			return runServe(stderr)
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "governance - artifact registry and release control plane")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  governance <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  serve    Run the governance server (default)")
	fmt.Fprintln(w, "  gate     Evaluate a release against a policy pack (exit 0 approve, 1 reject, 2 error)")
	fmt.Fprintln(w, "  verify   Verify a tenant's event chain")
	fmt.Fprintln(w, "  health   Check server health over HTTP")
	fmt.Fprintln(w, "  help     Show this help")
}

func logLevel(name string) slog.Level {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

//nolint:gocognit // sequential wiring
func runServe(stderr io.Writer) int {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 2
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	tel, err := telemetry.New(ctx, &telemetry.Config{
		ServiceName:    "governance-core",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.TelemetryEnabled,
		Insecure:       cfg.Environment == "development",
	})
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		return 2
	}

	// Event journal: postgres when DATABASE_URL is set, file otherwise.
	mac, err := signer.NewEventMAC(cfg.EventSecret)
	if err != nil {
		logger.Error("event mac init failed", "error", err)
		return 2
	}
	var (
		journal eventlog.Log
		db      *sql.DB
	)
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Error("postgres open failed", "error", err)
			return 2
		}
		defer func() { _ = db.Close() }()
		if err := db.PingContext(ctx); err != nil {
			logger.Error("postgres ping failed", "error", err)
			return 2
		}
		pl := eventlog.NewPostgresLog(db, mac)
		if err := pl.Init(ctx); err != nil {
			logger.Error("event journal init failed", "error", err)
			return 2
		}
		journal = pl
		logger.Info("event journal: postgres")
	} else {
		fl, err := eventlog.NewFileLog(filepath.Join(cfg.StoreRoot, "events"), mac)
		if err != nil {
			logger.Error("event journal init failed", "error", err)
			return 2
		}
		defer func() { _ = fl.Close() }()
		journal = fl
		logger.Info("event journal: file", "dir", filepath.Join(cfg.StoreRoot, "events"))
	}

	// Signing keys.
	keys := signer.NewKeyRing()
	if err := keys.Generate(cfg.SigningKeyID); err != nil {
		logger.Error("signing key init failed", "error", err)
		return 2
	}

	// Artifact registry.
	validator, err := registry.NewValidator()
	if err != nil {
		logger.Error("schema validator init failed", "error", err)
		return 2
	}
	blobs, err := registry.NewBlobStoreFromEnv(ctx)
	if err != nil {
		logger.Error("blob store init failed", "error", err)
		return 2
	}
	manifests, err := registry.NewManifestStore(filepath.Join(cfg.StoreRoot, "store"))
	if err != nil {
		logger.Error("manifest store init failed", "error", err)
		return 2
	}
	status, err := registry.NewStatusStore(filepath.Join(cfg.StoreRoot, "status.db"))
	if err != nil {
		logger.Error("status store init failed", "error", err)
		return 2
	}
	defer func() { _ = status.Close() }()
	reg := registry.New(validator, blobs, manifests, status)

	// Lineage graph, rebuilt from the manifests on disk.
	graph := lineage.NewGraph()
	all, err := reg.All(ctx)
	if err != nil {
		logger.Error("lineage rebuild failed", "error", err)
		return 2
	}
	if err := graph.Rebuild(ctx, all); err != nil {
		logger.Error("lineage rebuild failed", "error", err)
		return 2
	}
	logger.Info("lineage graph ready", "artifacts", len(all))

	// Waivers with the daily sweeper.
	waiverStore, err := waiver.NewStore(filepath.Join(cfg.StoreRoot, "waivers.db"))
	if err != nil {
		logger.Error("waiver store init failed", "error", err)
		return 2
	}
	defer func() { _ = waiverStore.Close() }()
	waivers := waiver.NewManager(waiverStore, journal, logger).WithTelemetry(tel)

	pipeline := publish.NewPipeline(reg, graph, keys, cfg.SigningKeyID, journal, logger).
		WithWaivers(waivers).
		WithTelemetry(tel)

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go waivers.RunSweeper(sweepCtx, 24*time.Hour)

	gateEval, err := gate.NewEvaluator(waivers, journal, logger)
	if err != nil {
		logger.Error("gate evaluator init failed", "error", err)
		return 2
	}

	// Quotas.
	var window quota.WindowLimiter
	if cfg.RedisURL != "" {
		rl := quota.NewRedisWindowLimiter(cfg.RedisURL, "", 0)
		defer func() { _ = rl.Close() }()
		window = rl
		logger.Info("rate window: redis")
	} else {
		window = quota.NewLocalWindowLimiter()
	}
	quotas := quota.NewManager(quota.Limits{
		MaxConcurrentJobs: cfg.MaxConcurrentJobsDefault,
		RatePerMinute:     cfg.RatePerMinuteDefault,
		RateBurst:         cfg.RateBurstDefault,
		DailyCostBudget:   cfg.DailyCostBudgetDefault,
	}, window)

	// Job service with crash recovery.
	jobStore, err := jobs.NewRecordStore(filepath.Join(cfg.StoreRoot, "jobs.db"))
	if err != nil {
		logger.Error("job store init failed", "error", err)
		return 2
	}
	defer func() { _ = jobStore.Close() }()
	jobSvc := jobs.NewService(jobStore, quotas, journal, logger, jobs.Config{
		Workers:   cfg.Workers,
		CostTable: cfg.JobCostTable,
	}).WithTelemetry(tel)
	if err := jobSvc.Recover(ctx); err != nil {
		logger.Error("job recovery failed", "error", err)
		return 2
	}
	jobCtx, stopJobs := context.WithCancel(ctx)
	defer stopJobs()
	jobSvc.Start(jobCtx)

	srv := api.NewServer(reg, graph, pipeline, waivers, gateEval, jobSvc, quotas, journal, logger).WithTelemetry(tel)
	limiter := api.NewGlobalRateLimiter(50, 100)
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           limiter.Middleware(srv.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("governance server listening", "port", cfg.Port)
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server failed", "error", err)
		return 2
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	stopSweeper()
	jobSvc.Stop()
	_ = tel.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
	return 0
}

func runHealthCmd(out, errOut io.Writer) int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	resp, err := http.Get("http://localhost:" + port + "/healthz")
	if err != nil {
		fmt.Fprintf(errOut, "health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(out, "OK")
	return 0
}
