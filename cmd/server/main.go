package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"trail-svr/internal/api"
	"trail-svr/internal/config"
	"trail-svr/internal/dispatcher"
	"trail-svr/internal/grpcclient"
	"trail-svr/internal/link"
	"trail-svr/internal/observability"
	"trail-svr/internal/playback"
	"trail-svr/internal/render"
	"trail-svr/internal/scheduler"
	"trail-svr/internal/server"
	"trail-svr/internal/store"
	"trail-svr/internal/utilities"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "trail.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("Starting trail-svr...", "tcp", cfg.TCPPort, "http", cfg.HTTPPort, "uplink", cfg.Dispatch.Uplink)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("trail-svr stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	// Redis comes up before any listener.
	rdb, err := store.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer rdb.Close()
	feed := store.NewFeed(rdb, store.FeedOptions{
		MaxSamples: int64(cfg.Redis.FeedMax),
		TTL:        cfg.Redis.FeedTTL.D(),
		Logger:     logger,
	})

	// The link outlives the servers so the final flushes on shutdown can
	// still go out over it.
	linkCtx, stopLink := context.WithCancel(context.WithoutCancel(ctx))
	defer stopLink()
	var d *dispatcher.Dispatcher
	var proxy *link.Client
	linkDone := make(chan struct{})
	if cfg.ProxyAddr != "" {
		proxy = link.NewClient(cfg.ProxyAddr, logger, func(cmd link.Command) { d.HandleCommand(cmd) })
	}

	var uplink scheduler.Uplink
	switch cfg.Dispatch.Uplink {
	case config.UplinkLink:
		if proxy == nil {
			return fmt.Errorf("uplink %q needs proxy_addr", cfg.Dispatch.Uplink)
		}
		uplink = proxy
	default:
		gc, err := grpcclient.NewClient(cfg.GRPCServer, logger)
		if err != nil {
			return err
		}
		defer gc.Close()
		uplink = gc
	}

	opts := dispatcher.Options{
		Identity:        cfg.Identity,
		IntervalSeconds: cfg.Dispatch.IntervalSeconds,
		SendTimeout:     cfg.Dispatch.SendTimeout.D(),
		ClearFeedOnEnd:  cfg.Dispatch.ClearFeedOnEnd,
		Logger:          logger,
	}
	if proxy != nil {
		opts.Events = proxy
	}
	d = dispatcher.New(uplink, feed, opts)

	if proxy != nil {
		go func() {
			defer close(linkDone)
			_ = proxy.Run(linkCtx)
		}()
	} else {
		close(linkDone)
	}

	tcp := server.New(d, server.Options{
		FrameLog: utilities.NewFrameLog(cfg.FrameLogDir),
		Logger:   logger,
	})
	ws := render.NewHandler(func(id string) playback.SampleSource { return feed.Source(id) }, playback.Options{
		Window:          cfg.Playback.Window,
		SegmentDuration: cfg.Playback.SegmentDuration.D(),
		FrameInterval:   cfg.Playback.FrameInterval.D(),
	}, logger)
	httpSrv := api.NewServer(":"+cfg.HTTPPort, api.NewDeviceHandler(d, feed, logger), ws)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tcp.ListenAndServe(gctx, ":"+cfg.TCPPort) })
	g.Go(func() error { return api.Serve(gctx, httpSrv, logger) })
	g.Go(func() error { return observability.StartMetricsServer(gctx, cfg.MetricsPort, logger) })
	err = g.Wait()

	// TCP sessions were ended as their sockets closed; this flushes the rest.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	d.Shutdown(shutdownCtx)
	stopLink()
	<-linkDone
	logger.Info("trail-svr stopped")
	return err
}
