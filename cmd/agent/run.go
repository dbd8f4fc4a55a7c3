package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/pipeline-foundation/azure-pipelines-agent/internal/agentlog"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/config"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/dispatcher"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/executor"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/featureflag"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/metrics"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/model"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/notify"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/orchestration"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/process"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/report"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/workerchannel"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Wire the dispatch core and process jobs until signalled to stop",
	RunE:  runAgent,
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("agent: %w", err)
	}

	log := agentlog.New("agent")

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Metrics.Port), Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("metrics server stopped: %v", err)
			}
		}()
		defer srv.Close()
	}

	orchClient, err := orchestration.NewGRPCClient(cfg.Pool.Address)
	if err != nil {
		return fmt.Errorf("agent: dialing orchestration service: %w", err)
	}
	defer orchClient.Close()

	sink := notify.NewLogSink(log)
	flags := featureflag.NewStatic(cfg.Features)
	reporter := report.New(orchClient, log, m)

	deps := executor.Deps{
		Orchestration:      orchClient,
		Reporter:           reporter,
		FeatureFlags:       flags,
		Notify:             sink,
		Telemetry:          sink,
		Metrics:            m,
		Log:                log,
		ExitTranslation:    model.DefaultExitTranslation(),
		ChannelTimeout:     cfg.Worker.ChannelTimeout,
		LeaseRenewInterval: cfg.Lease.RenewInterval,
		Pool:               cfg.Pool.Name,
		Spawn: func(cancelToken context.Context) workerchannel.SpawnFunc {
			inv := &process.Invoker{BinDir: cfg.Worker.BinDir, CancelToken: cancelToken}
			return inv.Spawn
		},
	}
	disp := dispatcher.New(deps)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The message-queue long-poll loop that would normally deliver job
	// messages is an external collaborator, out of this core's scope
	// (§1). In its place, a minimal in-process feed demonstrates the
	// wiring end to end: if the config names a pool, dispatch one
	// synthetic job to it; otherwise just hold the metrics endpoint open
	// until signalled.
	var fatalErr error
	if job, ok := demoJobFromConfig(cfg); ok {
		log.Printf("dispatching %s", job.String())
		disp.Run(ctx, job, true, func(err error) { fatalErr = err })
		idleCtx, cancelIdle := context.WithTimeout(ctx, cfg.Worker.ChannelTimeout+cfg.Lease.RenewInterval)
		if err := disp.WaitUntilIdle(idleCtx); err != nil {
			log.Printf("wait_until_idle: %v", err)
		}
		cancelIdle()
	} else {
		<-ctx.Done()
	}

	disp.Shutdown()
	if fatalErr != nil {
		return fmt.Errorf("agent: %w", fatalErr)
	}
	return nil
}

// demoJobFromConfig builds the single synthetic JobRequest the
// in-process feed dispatches, when the config names a pool to target.
// A production deployment replaces this entirely with the real
// message-queue poll loop.
func demoJobFromConfig(cfg *config.Config) (model.JobRequest, bool) {
	if cfg.Pool.Name == "" {
		return model.JobRequest{}, false
	}
	return model.JobRequest{
		JobID:     fmt.Sprintf("startup-%d", time.Now().UnixNano()),
		RequestID: 1,
		Plan:      model.JobPlan{Type: "Build", Version: "1.0"},
		Variables: map[string]string{},
		Endpoints: []model.Endpoint{{Name: "SystemVssConnection", URL: cfg.Pool.Address, Token: ""}},
	}, true
}
