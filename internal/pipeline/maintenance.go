package pipeline

import (
	"context"
	"time"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/analysis"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/events"
	"go.uber.org/zap"
)

// Start launches the sweep, connection and snapshot loops. Calling Start on a
// running pipeline is a no-op.
func (p *Pipeline) Start(ctx context.Context) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(3)
	go func() {
		defer p.wg.Done()
		p.every(ctx, p.sweepInterval, p.Sweep)
	}()
	go func() {
		defer p.wg.Done()
		p.conns.Run(ctx, p.connSweepInterval, func() time.Duration { return p.live.Get().IdleTimeout() })
	}()
	go func() {
		defer p.wg.Done()
		p.every(ctx, p.snapshotInterval, p.Snapshot)
	}()

	zap.L().Info("Pipeline maintenance started",
		zap.Duration("sweepInterval", p.sweepInterval),
		zap.Duration("connSweepInterval", p.connSweepInterval),
		zap.Duration("snapshotInterval", p.snapshotInterval),
	)
}

// Stop cancels the maintenance loops and waits for them to return.
func (p *Pipeline) Stop() {
	p.runMu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
	zap.L().Info("Pipeline maintenance stopped")
}

func (p *Pipeline) every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Sweep expires blocks, resolves finished attacks, retries a failed rules
// save and refreshes the gauges.
func (p *Pipeline) Sweep() {
	now := p.now()
	if expired := p.registry.Sweep(now); len(expired) > 0 {
		zap.L().Debug("Block entries expired", zap.Int("count", len(expired)))
	}
	p.detector.Sweep(now)
	if err := p.rules.Flush(); err != nil {
		zap.L().Warn("Firewall rules still not persisted", zap.Error(err))
	}
	p.metrics.SetStatistics(p.Statistics(), p.bus.Dropped())
}

// Snapshot persists the current statistics, reports traffic patterns and
// folds the sample history into the anomaly baseline.
func (p *Pipeline) Snapshot() {
	st := p.Statistics()
	if p.snapshots != nil {
		if err := p.snapshots.InsertSnapshot(st); err != nil {
			zap.L().Error("Failed to store statistics snapshot", zap.Error(err))
		}
	}

	for _, pat := range p.analyzer.Patterns() {
		p.publishPattern(pat, st.LastUpdateTime)
	}

	updated, err := p.analyzer.UpdateBaseline()
	if err != nil {
		zap.L().Error("Failed to update anomaly baseline", zap.Error(err))
	} else if updated {
		zap.L().Debug("Anomaly baseline updated")
	}

	zap.L().Debug("Statistics snapshot",
		zap.Uint64("totalPackets", st.TotalPackets),
		zap.Int("activeConnections", st.ActiveConnections),
		zap.Int("blockedIps", st.BlockedIps),
		zap.String("threatLevel", string(st.ThreatLevel)),
	)
}

func (p *Pipeline) publishPattern(pat analysis.Pattern, at time.Time) {
	details := map[string]any{
		"pattern":  pat.Type,
		"count":    pat.Count,
		"maxValue": pat.MaxValue,
	}
	if pat.Type == analysis.PatternTrend {
		details["slope"] = pat.Slope
	}
	p.bus.Publish(events.Event{Type: events.PatternDetected, Time: at, Details: details})
}
