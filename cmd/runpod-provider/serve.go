package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/podscale/runpod-node-provider/pkg/health"
)

// shutdownTimeout bounds the graceful shutdown of the HTTP servers
const shutdownTimeout = 10 * time.Second

func (a *app) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Keep the node cache fresh and serve metrics and health probes",
		Long: `serve periodically refreshes the cluster's nodes and exposes the result as
Prometheus metrics and /healthz and /readyz probes. It is a monitoring process:
no API is served and nothing else in the process uses the node cache, so an
autoscaling controller must embed the provider package itself.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

// serve runs until ctx is done
func (a *app) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p, err := a.newProvider(ctx)
	if err != nil {
		return err
	}

	a.logger.Info("Starting RunPod node provider",
		zap.String("version", Version),
		zap.String("commit", Commit),
		zap.Duration("refreshInterval", a.opts.RefreshInterval),
		zap.String("metricsAddr", a.opts.MetricsAddr),
		zap.String("healthAddr", a.opts.HealthProbeAddr),
	)
	a.audit.LogProviderStarted(ctx, a.opts.ClusterName, map[string]interface{}{
		"version":         Version,
		"region":          a.opts.Region,
		"refreshInterval": a.opts.RefreshInterval.String(),
	})

	checker := health.NewHealthChecker(p, a.opts.RefreshInterval, a.logger)

	servers := []*http.Server{
		newServer(a.opts.HealthProbeAddr, checker.Handler()),
	}
	if a.opts.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(ctrlmetrics.Registry, promhttp.HandlerOpts{}))
		servers = append(servers, newServer(a.opts.MetricsAddr, mux))
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			a.logger.Info("Listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("server on %s failed: %w", srv.Addr, err)
			}
		}(srv)
	}

	checker.Start(ctx)

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Received shutdown signal, stopping provider")
	case runErr = <-errCh:
		a.logger.Error("Server failed, stopping provider", zap.Error(runErr))
	}

	cancel()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancelShutdown()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("Failed to shut down server", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}

	a.audit.LogProviderStopped(shutdownCtx, a.opts.ClusterName)
	a.logger.Info("Provider stopped gracefully")
	return runErr
}

func newServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
