package bootstrap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/config"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/analysis"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/blocklist"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/conntrack"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/ddos"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/events"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/firewall"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/metrics"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/pipeline"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/sqlite"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/whitelist"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/utils"
	"go.uber.org/zap"
)

// System holds the long-lived components of one guard process.
type System struct {
	Cfg       *config.Config
	Live      *config.Live
	Bus       *events.Bus
	Store     *sqlite.Store // nil when SqliteDbPath is empty
	Whitelist *whitelist.Manager
	Registry  *blocklist.Registry
	Metrics   *metrics.Metrics
	Pipeline  *pipeline.Pipeline
}

// Build wires every component from cfg. An empty SqliteDbPath keeps attack
// history and the score baseline in memory; an empty RulesFile does the same
// for rules.
func Build(cfg *config.Config) (*System, error) {
	live, err := config.NewLive(cfg.Detection)
	if err != nil {
		return nil, fmt.Errorf("invalid detection settings: %w", err)
	}
	s := &System{
		Cfg:       cfg,
		Live:      live,
		Bus:       events.NewBus(),
		Whitelist: whitelist.NewManager(),
		Metrics:   metrics.New(),
	}

	var (
		archiver  ddos.Archiver
		baseline  analysis.BaselineStore
		snapshots pipeline.Snapshotter
	)
	if cfg.SqliteDbPath != "" {
		store, err := sqlite.Open(cfg.SqliteDbPath, cfg.AttackCacheSize)
		if err != nil {
			return nil, fmt.Errorf("DB init failed: %w", err)
		}
		s.Store = store
		archiver, baseline, snapshots = store, store, store
	}

	if err := s.wire(archiver, baseline, snapshots); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *System) wire(archiver ddos.Archiver, baseline analysis.BaselineStore, snapshots pipeline.Snapshotter) error {
	var ruleStore firewall.Store = firewall.NewMemoryStore(nil)
	if s.Cfg.RulesFile != "" {
		ruleStore = firewall.NewFileStore(s.Cfg.RulesFile)
	}

	s.Registry = blocklist.NewRegistry(s.Whitelist, s.Bus)
	conns, err := conntrack.New(s.Cfg.MaxConnections)
	if err != nil {
		return err
	}
	engine, err := firewall.NewEngine(ruleStore, conns, s.Live, s.Bus)
	if err != nil {
		return fmt.Errorf("failed to load firewall rules: %w", err)
	}
	analyzer, err := analysis.NewAnalyzer(s.Live, baseline)
	if err != nil {
		return err
	}

	s.Pipeline, err = pipeline.New(pipeline.Options{
		Live:             s.Live,
		Bus:              s.Bus,
		Registry:         s.Registry,
		Conns:            conns,
		Rules:            engine,
		Detector:         ddos.NewDetector(s.Live, s.Registry, archiver, s.Bus, s.Cfg.AttackCacheSize),
		Analyzer:         analyzer,
		Snapshots:        snapshots,
		Metrics:          s.Metrics,
		SweepInterval:    s.Cfg.SweepInterval,
		SnapshotInterval: s.Cfg.SnapshotInterval,
	})
	return err
}

// InitializeSystem pulls the whitelist and blocklist feeds once before traffic
// is processed. Without a FeedUrl there is nothing to pull.
func (s *System) InitializeSystem(ctx context.Context) error {
	if s.Cfg.FeedUrl == "" {
		zap.L().Info("No feed configured, skipping initial sync")
		return nil
	}
	if err := s.syncFeeds(ctx, utils.NewAPIClient(s.Cfg)); err != nil {
		return err
	}
	zap.L().Info("Traffic Guard bootstrapped successfully.")
	return nil
}

func (s *System) syncFeeds(ctx context.Context, client *utils.APIClient) error {
	// Pull whitelist first so feed blocks on whitelisted addresses are refused
	if err := s.Registry.SyncWhitelist(ctx, client); err != nil {
		return fmt.Errorf("failed to sync whitelist: %w", err)
	}
	if err := s.Registry.Sync(ctx, client); err != nil {
		return fmt.Errorf("failed to sync blocklist: %w", err)
	}
	return nil
}

// RunFeedSync refreshes the feeds every FeedSyncInterval until ctx is canceled.
func (s *System) RunFeedSync(ctx context.Context) {
	client := utils.NewAPIClient(s.Cfg)
	interval := s.Cfg.FeedSyncInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			zap.L().Info("Feed sync loop exiting")
			return
		case <-ticker.C:
			if err := s.syncFeeds(ctx, client); err != nil {
				zap.L().Error("Failed to sync feeds", zap.Error(err))
			}
		}
	}
}

// Go runs fn on wg, logging a returned error under name.
func Go(wg *sync.WaitGroup, name string, fn func() error) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := fn(); err != nil {
			zap.L().Error("Service stopped with error", zap.String("service", name), zap.Error(err))
		}
	}()
}

// Shutdown stops maintenance, writes the final report and closes the store.
func (s *System) Shutdown() {
	s.Pipeline.Stop()
	if s.Cfg.ReportFile != "" {
		if err := s.Pipeline.SaveReport(s.Cfg.ReportFile); err != nil {
			zap.L().Error("Failed to save report", zap.String("path", s.Cfg.ReportFile), zap.Error(err))
		} else {
			zap.L().Info("Report saved", zap.String("path", s.Cfg.ReportFile))
		}
	}
	s.Close()
}

func (s *System) Close() {
	if s.Store == nil {
		return
	}
	if err := s.Store.Close(); err != nil {
		zap.L().Warn("Failed to close database", zap.Error(err))
	}
}
