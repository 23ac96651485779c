// The scheduler binary runs the planner and its control plane: /health,
// /run, /submit and Prometheus metrics on one listener. Planning cycles are
// triggered through POST /run, normally by an external daily timer.
package main

import (
	"context"
	goflag "flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/catalog"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/config"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/controlplane"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/deployer"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/forecast"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/normalize"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/oracle"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/plancache"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/planner"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/registry"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/store"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/telemetry"
)

func main() {
	cmd := &cobra.Command{
		Use:          "carbon-scheduler",
		Short:        "Carbon-aware serverless planner and control plane",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	klogFlags := goflag.NewFlagSet("klog", goflag.ExitOnError)
	klog.InitFlags(klogFlags)
	cmd.Flags().AddGoFlagSet(klogFlags)
	flag.CommandLine = cmd.Flags()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		klog.ErrorS(err, "Scheduler exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}

	bucket, err := store.New(ctx, cfg.Store)
	if err != nil {
		return err
	}

	events, err := telemetry.NewStore(cfg.Telemetry.DatabasePath, cfg.Telemetry.ScenarioTag)
	if err != nil {
		return err
	}
	defer events.Close()

	cat, err := catalog.Load(ctx, bucket)
	if err != nil {
		return err
	}

	llm := oracle.NewClient(cfg.Oracle)
	defer llm.Close()

	extractor := normalize.NewExtractor(llm, cat)
	reg := registry.New(bucket, cat, extractor)
	fetcher := forecast.NewClient(cfg.Forecast, forecast.WithRecorder(events))
	cache := plancache.New(bucket, nil)

	opts := []planner.Option{planner.WithRecorder(events)}
	if cfg.Oracle.RankingEnabled {
		opts = append(opts, planner.WithRanker(planner.NewOracleRanker(llm)))
		klog.V(2).InfoS("Oracle ranking enabled", "model", cfg.Oracle.Model)
	}
	plan := planner.New(cfg.Planner, cfg.Forecast.Mode, bucket, cat, reg, fetcher, cache, opts...)

	deploy := deployer.NewOrchestrator(
		deployer.NewClient(cfg.Deployer, deployer.WithRecorder(events)),
		bucket,
		cfg.Deployer.DeployRegions,
		deployer.WithOrchestratorRecorder(events),
	)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	controlplane.New(cfg, bucket, cat, plan, deploy).Register(engine)

	server := &http.Server{
		Addr:    cfg.Planner.ListenAddr,
		Handler: engine,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			klog.ErrorS(err, "Server shutdown failed")
		}
	}()

	klog.InfoS("Scheduler listening", "addr", cfg.Planner.ListenAddr, "mode", cfg.Forecast.Mode)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
