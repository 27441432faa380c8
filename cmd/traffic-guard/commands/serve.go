package commands

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/config"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/alert"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/api"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/bootstrap"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/events"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/syslog"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/traffic"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/uptime"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the guard with the services enabled in the environment",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	var wg sync.WaitGroup

	// Root context for shutdown
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Shutdown hook
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stopChan
		zap.L().Info("Received termination signal, shutting down...")
		rootCancel()
	}()

	cfg := loadConfig("")
	zap.L().Info("Traffic Guard starting up...",
		zap.String("adminListenAddr", cfg.AdminListenAddr),
		zap.Bool("sniffTraffic", cfg.SniffTraffic),
		zap.Bool("runSyslog", cfg.RunSyslog),
		zap.String("defaultPolicy", cfg.Detection.DefaultPolicy),
	)

	sys, err := bootstrap.Build(cfg)
	if err != nil {
		zap.L().Fatal("Startup failed", zap.Error(err))
	}
	if err := sys.InitializeSystem(rootCtx); err != nil {
		sys.Close()
		zap.L().Fatal("Startup failed", zap.Error(err))
	}

	sys.Pipeline.Start(rootCtx)
	startServices(rootCtx, cfg, sys, &wg)

	<-rootCtx.Done()
	zap.L().Info("Shutdown signal received, waiting for goroutines...")
	wg.Wait()
	sys.Shutdown()
	zap.L().Info("All goroutines finished, exiting")
	return nil
}

func startServices(ctx context.Context, cfg *config.Config, sys *bootstrap.System, wg *sync.WaitGroup) {
	ingest := sys.Pipeline.ProcessPacket

	if cfg.AdminListenAddr != "" {
		server := api.NewServer(sys.Pipeline, cfg.AuthSecret, cfg.WsKeepalivePeriod)
		bootstrap.Go(wg, "admin-api", func() error { return server.Run(ctx, cfg.AdminListenAddr) })
	}

	if cfg.FeedUrl != "" {
		bootstrap.Go(wg, "feed-sync", func() error {
			sys.RunFeedSync(ctx)
			return nil
		})
		reporter := alert.NewReporter(utils.NewAPIClient(cfg), cfg.AttackCacheSize)
		bootstrap.Go(wg, "alerts", func() error {
			reporter.Run(ctx, sys.Bus)
			return nil
		})
	}

	if cfg.ConfigFile != "" {
		watcher, err := config.NewWatcher(cfg.ConfigFile, sys.Live)
		if err != nil {
			zap.L().Error("Failed to watch config file", zap.String("path", cfg.ConfigFile), zap.Error(err))
		} else {
			bootstrap.Go(wg, "config-watcher", func() error {
				watcher.Run(ctx)
				return nil
			})
		}
	}

	if cfg.NatsUrl != "" {
		publisher, err := events.NewNATSPublisher(cfg.NatsUrl, cfg.NatsSubject, cfg.GuardName)
		if err != nil {
			zap.L().Error("Event forwarding disabled", zap.Error(err))
		} else {
			bootstrap.Go(wg, "nats", func() error {
				publisher.Run(ctx, sys.Bus)
				return nil
			})
		}
	}

	if cfg.SniffTraffic {
		bootstrap.Go(wg, "capture", func() error { return traffic.MonitorInterfaces(ctx, cfg.CaptureInterfaces, ingest) })
	}

	if cfg.RunSyslog {
		bootstrap.Go(wg, "syslog", func() error {
			return syslog.StartSyslogServer(ctx, cfg.SyslogListenAddr, cfg.SyslogPort, ingest)
		})
	}

	// Start sending heartbeats
	if cfg.HeartbeatUrl != "" {
		hb := uptime.NewHeartbeat(cfg.HeartbeatUrl, cfg.HeartbeatIdentifier, cfg.AuthSecret, cfg.GuardName)
		bootstrap.Go(wg, "heartbeat", func() error {
			hb.Run(ctx, time.Minute, sys.Pipeline.Statistics)
			zap.L().Info("Heartbeat loop exiting")
			return nil
		})
	}
}
