package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/LuthienResearch/luthien-proxy-sub000/internal/config"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/controlplane"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/db"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/events"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/obs"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/policy"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/pubsub"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/ratelimit"
)

// sseRateLimit guards the live SSE endpoints: events per window per client.
const (
	sseRateEvents = 20
	sseRateWindow = time.Minute
)

func controlPlaneCommand() *cobra.Command {
	var metricsEnabled bool
	cmd := &cobra.Command{
		Use:   "control-plane",
		Short: "Run the policy control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runControlPlane(cmd.Context(), metricsEnabled)
		},
	}
	cmd.Flags().BoolVar(&metricsEnabled, "metrics", false, "emit OTEL metrics to stdout")
	return cmd
}

func runControlPlane(ctx context.Context, metricsEnabled bool) error {
	env := config.FromEnv()
	fileCfg, err := config.LoadFile(env.ConfigFile)
	if err != nil {
		return err
	}

	pol, err := policy.New(fileCfg.Policy.Name, fileCfg.Policy.Options)
	if err != nil {
		return err
	}
	logrus.Infof("Active policy: %s", pol.Name())

	store, err := db.NewStore(env.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	broker, err := openBroker(ctx, env.RedisURL)
	if err != nil {
		return err
	}
	defer broker.Close()
	publisher := pubsub.NewPublisher(broker)

	meter, err := obs.NewMeterSetup(metricsEnabled, time.Minute)
	if err != nil {
		return err
	}
	defer func() {
		if err := meter.Shutdown(context.Background()); err != nil {
			logrus.Warnf("Metrics shutdown: %v", err)
		}
	}()

	builder := events.NewBuilder(events.NewChunkIndexStore())
	dispatcher := controlplane.NewDispatcher(pol, builder, store, publisher, meter.Metrics())

	watcher, err := config.NewWatcher(env.ConfigFile)
	if err != nil {
		return err
	}
	watcher.AddCallback(func(f *config.File) {
		p, err := policy.New(f.Policy.Name, f.Policy.Options)
		if err != nil {
			logrus.Errorf("Rejected policy %q from reloaded config: %v", f.Policy.Name, err)
			return
		}
		dispatcher.SetPolicy(p)
	})
	if err := watcher.Start(); err != nil {
		logrus.Warnf("Config hot-reload unavailable: %v", err)
	}
	defer watcher.Stop()

	limiter := ratelimit.New(sseRateEvents, sseRateWindow)
	server := controlplane.NewServer(dispatcher, store, publisher, limiter)

	httpServer := &http.Server{Addr: env.ControlPlaneAddr, Handler: server.Handler()}
	return serveUntilSignal(ctx, httpServer, "control plane", func(shutdownCtx context.Context) {
		if err := dispatcher.Stop(shutdownCtx); err != nil {
			logrus.Warnf("Queue drain: %v", err)
		}
	})
}

func openBroker(ctx context.Context, redisURL string) (pubsub.Broker, error) {
	if redisURL == "" {
		logrus.Info("REDIS_URL not set, using in-process event broker")
		return pubsub.NewMemoryBroker(), nil
	}
	return pubsub.NewRedisBroker(ctx, redisURL)
}

// serveUntilSignal runs the HTTP server until SIGINT/SIGTERM, then shuts
// down gracefully and runs the extra cleanup.
func serveUntilSignal(ctx context.Context, srv *http.Server, name string, cleanup func(context.Context)) error {
	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("Starting %s on %s", name, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	case sig := <-sigCh:
		logrus.Infof("Received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.Warnf("HTTP shutdown: %v", err)
	}
	if cleanup != nil {
		cleanup(shutdownCtx)
	}
	return nil
}
