package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Lllllllleong/documentmerger/internal/config"
	"github.com/Lllllllleong/documentmerger/internal/dedupe"
	"github.com/Lllllllleong/documentmerger/internal/logger"
	"github.com/Lllllllleong/documentmerger/internal/services"
	"github.com/Lllllllleong/documentmerger/internal/store"
	"github.com/Lllllllleong/documentmerger/internal/telemetry"
)

const usage = `usage: merger <command> [flags]

commands:
  run     process input folders (-once for a single pass)
  status  print pending, merged and quarantined counts
  audit   check inputs and store for duplicates, misfiled and ghost records
  report  reconcile every known order and print one JSON line per order`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configFile := fs.String("config", "", "path to config file")
	dbPath := fs.String("db", "", "override storage.db_path")
	once := fs.Bool("once", false, "run a single pass and exit")
	interval := fs.Duration("interval", 0, "override pipeline.interval")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.Storage.DBPath = *dbPath
	}
	if *interval > 0 {
		cfg.Pipeline.Interval = *interval
	}

	log, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "run":
		err = run(ctx, cfg, log, *once)
	case "status":
		err = status(ctx, cfg, log)
	case "audit":
		err = audit(ctx, cfg, log)
	case "report":
		err = report(ctx, cfg, log)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Error("command failed", "command", cmd, "error", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger, once bool) error {
	shutdown := telemetry.Init(ctx, cfg.Telemetry, cfg.App.Env, log)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			log.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	app, err := services.Bootstrap(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.Close()

	if once {
		sum := app.Orchestrator.RunPass(ctx)
		log.Info("single pass finished", "passId", sum.PassID, "merged", sum.Merged, "duration", sum.Duration)
		return nil
	}
	log.Info("starting pipeline loop", "interval", cfg.Pipeline.Interval)
	return app.Orchestrator.Run(ctx, cfg.Pipeline.Interval)
}

func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (store.Store, error) {
	st, err := services.OpenStore(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return st, nil
}

func status(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	counts, err := st.Counts(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("pending: %d\nmerged: %d\nquarantined: %d\n", counts.Pending, counts.Merged, counts.Quarantined)
	return nil
}

func audit(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	actuator, _ := services.NewLocalActuator(cfg, log)
	rep, err := dedupe.NewAuditor(actuator.Roots(), st, log).Run(ctx)
	if err != nil {
		return err
	}
	if rep.Clean() {
		log.Info("audit clean", "filesScanned", rep.FilesScanned)
		return nil
	}
	for _, group := range rep.Duplicates {
		log.Warn("duplicate content", "files", group)
	}
	for _, m := range rep.Misclassified {
		log.Warn("misclassified record", "path", m.Path, "folderType", m.FolderType, "storedType", m.StoredType)
	}
	for _, g := range rep.Ghosts {
		log.Warn("ghost record: succeeded without line items", "file", g)
	}
	return nil
}

func report(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	ids, err := st.OrderIDs(ctx)
	if err != nil {
		return err
	}
	engine, closeEngine, err := services.NewReportEngine(ctx, cfg, st, log)
	if err != nil {
		return err
	}
	defer closeEngine()
	enc := json.NewEncoder(os.Stdout)
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res, err := engine.ReconcileOrder(ctx, id)
		if err != nil {
			log.Error("reconciliation failed", "orderId", id, "error", err)
			continue
		}
		if err := enc.Encode(res); err != nil {
			return err
		}
	}
	return nil
}
