// The dispatcher binary serves POST /dispatch/:function_id: per request it
// consults the function's active schedule and either forwards immediately
// or defers through the delayed-task queue.
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

	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/config"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/dispatch"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/store"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/taskqueue"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/telemetry"
)

func main() {
	cmd := &cobra.Command{
		Use:          "carbon-dispatcher",
		Short:        "Schedule-aware request dispatcher",
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
		klog.ErrorS(err, "Dispatcher exited with error")
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

	var queue taskqueue.Queue
	switch cfg.TaskQueue.Backend {
	case "memory":
		queue = taskqueue.NewMemoryQueue()
	default:
		queue = taskqueue.NewHTTPQueue(cfg.TaskQueue, taskqueue.WithRecorder(events))
	}

	d := dispatch.New(cfg.Dispatcher, bucket, queue, dispatch.WithRecorder(events))

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/healthz", func(c *gin.Context) {
		if err := bucket.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	d.Register(engine)

	server := &http.Server{
		Addr:    cfg.Dispatcher.ListenAddr,
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

	klog.InfoS("Dispatcher listening", "addr", cfg.Dispatcher.ListenAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
