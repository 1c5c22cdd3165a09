// Command tourneyd runs the validator-side tournament engine: it loads a
// tournament configuration, drives the phase machine via the orchestrator,
// and exposes the one administrative control-surface route (spec.md §6).
// Flag and App conventions follow the teacher's cmd/utils urfave/cli/v2
// idiom.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/flowtrace/tourneyd/internal/config"
	"github.com/flowtrace/tourneyd/internal/log"
	"github.com/flowtrace/tourneyd/internal/metrics"
	"github.com/flowtrace/tourneyd/orchestrator"
	"github.com/flowtrace/tourneyd/queue"
	"github.com/flowtrace/tourneyd/sandbox"
	"github.com/flowtrace/tourneyd/store"
	"github.com/flowtrace/tourneyd/submission"
	"github.com/flowtrace/tourneyd/types"
	"github.com/flowtrace/tourneyd/validate"
)

var (
	configFlag = &cli.StringFlag{Name: "config", Usage: "path to the TOML tournament configuration", Required: true}
	dataDir    = &cli.StringFlag{Name: "datadir", Usage: "root directory for the tournament state store", Value: "./data/store"}
	datasetDir = &cli.StringFlag{Name: "dataset-dir", Usage: "root directory of on-disk dataset artifacts", Value: "./data/datasets"}
	outputDir  = &cli.StringFlag{Name: "output-dir", Usage: "root directory for sandboxed run output artifacts", Value: "./data/outputs"}
	workDir    = &cli.StringFlag{Name: "workdir", Usage: "root directory for per-submission clone workspaces", Value: "./data/work"}
	manifest   = &cli.StringFlag{Name: "manifest", Usage: "path to the participant offer manifest (stand-in for the P2P submission protocol)", Value: "./data/submissions.json"}
	listenAddr = &cli.StringFlag{Name: "listen", Usage: "control-surface HTTP listen address", Value: "127.0.0.1:8645"}
	featureCol = &cli.StringSliceFlag{Name: "feature-column", Usage: "declared feature column name (repeatable)"}
)

func main() {
	app := &cli.App{
		Name:  "tourneyd",
		Usage: "validator-side tournament engine",
		Flags: []cli.Flag{configFlag, dataDir, datasetDir, outputDir, workDir, manifest, listenAddr, featureCol},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Error("tourneyd exited with error", "err", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger := log.New(os.Stderr)

	cfg, err := config.LoadFile(c.String(configFlag.Name))
	if err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	if metrics.DefaultConfig.Enabled {
		go func() {
			addr := metrics.DefaultConfig.HTTP + ":" + strconv.Itoa(metrics.DefaultConfig.Port)
			logger.Info("metrics endpoint listening", "addr", addr)
			if err := http.ListenAndServe(addr, reg.Handler()); err != nil {
				logger.Error("metrics endpoint failed", "err", err)
			}
		}()
	}

	st, err := store.Open(c.String(dataDir.Name), reg)
	if err != nil {
		return err
	}
	defer st.Close()

	runner, err := sandbox.NewRunner(logger)
	if err != nil {
		return err
	}
	defer runner.Close()

	if err := os.MkdirAll(c.String(workDir.Name), 0o755); err != nil {
		return err
	}
	peers := newManifestPeers(c.String(manifest.Name))
	builder := newDockerCLIBuilder()
	processor := submission.NewProcessor(peers, builder, c.String(workDir.Name), logger)

	q := queue.New(st)

	schema := validate.DeclaredSchema{FeatureColumns: c.StringSlice(featureCol.Name)}
	orch := orchestrator.New(st, q, processor, runner, c.String(datasetDir.Name), c.String(outputDir.Name), schema, logger, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.ScheduleMode == types.ScheduleDaily {
		go runDailySchedule(ctx, orch, cfg, logger)
	}

	srv := &http.Server{Addr: c.String(listenAddr.Name), Handler: controlSurface(ctx, orch, cfg, logger)}
	go func() {
		logger.Info("control surface listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("control surface failed", "err", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	cancel()
	return srv.Shutdown(context.Background())
}
