package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/config"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/analysis"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/blocklist"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/conntrack"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/ddos"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/events"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/firewall"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/metrics"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/types"
	"go.uber.org/zap"
)

// Reasons attached to packet events.
const (
	ReasonWhitelisted   = "WHITELISTED"
	ReasonBlocked       = "BLOCKED"
	ReasonRuleMatch     = "RULE_MATCH"
	ReasonDefaultPolicy = "DEFAULT_POLICY"
	ReasonAutoBlocked   = "AUTO_BLOCKED"
)

// Snapshotter stores periodic statistics snapshots.
type Snapshotter interface {
	InsertSnapshot(st types.Statistics) error
}

// Options carries the components a Pipeline owns. Live, Bus, Registry, Conns,
// Rules, Detector and Analyzer are required.
type Options struct {
	Live     *config.Live
	Bus      *events.Bus
	Registry *blocklist.Registry
	Conns    *conntrack.Table
	Rules    *firewall.Engine
	Detector *ddos.Detector
	Analyzer *analysis.Analyzer

	Snapshots Snapshotter      // optional
	Metrics   *metrics.Metrics // optional

	SweepInterval     time.Duration
	ConnSweepInterval time.Duration
	SnapshotInterval  time.Duration

	Clock func() time.Time
}

// Pipeline decides every packet through the chain whitelist, blocklist,
// rules, flood checks and connection update.
type Pipeline struct {
	live      *config.Live
	bus       *events.Bus
	registry  *blocklist.Registry
	conns     *conntrack.Table
	rules     *firewall.Engine
	detector  *ddos.Detector
	analyzer  *analysis.Analyzer
	snapshots Snapshotter
	metrics   *metrics.Metrics
	now       func() time.Time

	sweepInterval     time.Duration
	connSweepInterval time.Duration
	snapshotInterval  time.Duration

	total   atomic.Uint64
	allowed atomic.Uint64
	denied  atomic.Uint64
	dropped atomic.Uint64

	sampleMu     sync.Mutex
	sampleSecond time.Time
	sampleCount  float64

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) (*Pipeline, error) {
	if opts.Live == nil || opts.Registry == nil || opts.Conns == nil || opts.Rules == nil || opts.Detector == nil || opts.Analyzer == nil {
		return nil, errors.New("pipeline: missing required component")
	}
	p := &Pipeline{
		live:              opts.Live,
		bus:               opts.Bus,
		registry:          opts.Registry,
		conns:             opts.Conns,
		rules:             opts.Rules,
		detector:          opts.Detector,
		analyzer:          opts.Analyzer,
		snapshots:         opts.Snapshots,
		metrics:           opts.Metrics,
		now:               opts.Clock,
		sweepInterval:     opts.SweepInterval,
		connSweepInterval: opts.ConnSweepInterval,
		snapshotInterval:  opts.SnapshotInterval,
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.sweepInterval <= 0 {
		p.sweepInterval = time.Second
	}
	if p.connSweepInterval <= 0 {
		p.connSweepInterval = 30 * time.Second
	}
	if p.snapshotInterval <= 0 {
		p.snapshotInterval = time.Minute
	}

	p.applySeeds(nil, p.live.Get())
	p.live.OnChange(p.applySeeds)
	return p, nil
}

// applySeeds installs whitelist and blacklist entries that are new in
// updated. Seeded blocks do not expire.
func (p *Pipeline) applySeeds(old, updated *config.Settings) {
	known := func(list []string) map[string]struct{} {
		m := make(map[string]struct{}, len(list))
		for _, e := range list {
			m[e] = struct{}{}
		}
		return m
	}
	var oldWhite, oldBlack map[string]struct{}
	if old != nil {
		oldWhite, oldBlack = known(old.WhitelistIPs), known(old.BlacklistIPs)
	}

	for _, e := range updated.WhitelistIPs {
		if _, seen := oldWhite[e]; seen {
			continue
		}
		if _, _, err := p.registry.AddToWhitelist(e); err != nil {
			zap.L().Warn("Ignoring invalid whitelist seed", zap.String("entry", e), zap.Error(err))
		}
	}
	for _, e := range updated.BlacklistIPs {
		if _, seen := oldBlack[e]; seen {
			continue
		}
		if _, _, err := p.registry.Block(e, blocklist.ReasonSeed, 0); err != nil {
			zap.L().Warn("Ignoring invalid blacklist seed", zap.String("entry", e), zap.Error(err))
		}
	}
}

// sanitize normalizes packets from in-process sources. An unknown protocol is
// treated as ANY and a negative size as zero.
func sanitize(pkt *types.Packet) {
	if err := pkt.Normalize(); err == nil {
		return
	}
	zap.L().Debug("Sanitizing malformed packet", zap.String("source", pkt.SourceIP),
		zap.String("protocol", string(pkt.Protocol)), zap.Int("size", pkt.Size))
	if _, ok := types.ParseProtocol(string(pkt.Protocol)); !ok {
		pkt.Protocol = types.ProtocolAny
	}
	if pkt.Size < 0 {
		pkt.Size = 0
	}
	_ = pkt.Normalize()
}

// ProcessPacket returns the decision for pkt. With the guard disabled every
// packet is allowed and nothing is counted.
func (p *Pipeline) ProcessPacket(pkt types.Packet) types.Decision {
	start := time.Now()
	s := p.live.Get()
	if !s.Enabled {
		return types.DecisionAllow
	}
	if pkt.Timestamp.IsZero() {
		pkt.Timestamp = p.now()
	}
	sanitize(&pkt)

	p.total.Add(1)
	p.sample(pkt.Timestamp)

	var (
		decision types.Decision
		reason   string
		matched  *types.Rule
	)
	switch {
	case p.registry.IsWhitelisted(pkt.SourceIP):
		decision, reason = types.DecisionAllow, ReasonWhitelisted
	case p.registry.IsBlocked(pkt.SourceIP):
		decision, reason = types.DecisionDrop, ReasonBlocked
	default:
		v := p.rules.Evaluate(pkt)
		decision, matched = v.Decision, v.Rule
		reason = ReasonDefaultPolicy
		if matched != nil {
			reason = ReasonRuleMatch
		}

		for _, a := range p.detector.Observe(pkt) {
			p.metrics.AttackDetected(a.Type)
		}
		if p.registry.IsBlocked(pkt.SourceIP) {
			decision, reason = types.DecisionDrop, ReasonAutoBlocked
		}
	}

	if decision == types.DecisionAllow {
		p.conns.Touch(pkt)
	}
	p.count(decision)

	p.bus.Publish(events.Event{
		Type:   packetEvent(decision),
		Time:   pkt.Timestamp,
		IP:     pkt.SourceIP,
		Reason: reason,
		Packet: &pkt,
		Rule:   matched,
	})
	p.metrics.ObserveDecision(decision, time.Since(start))
	return decision
}

func (p *Pipeline) count(d types.Decision) {
	switch d {
	case types.DecisionAllow:
		p.allowed.Add(1)
	case types.DecisionDeny:
		p.denied.Add(1)
	default:
		p.dropped.Add(1)
	}
}

func packetEvent(d types.Decision) events.Type {
	switch d {
	case types.DecisionAllow:
		return events.PacketAllowed
	case types.DecisionDeny:
		return events.PacketDenied
	}
	return events.PacketDropped
}

// sample counts packets per second of packet time and feeds each completed
// second to the analyzer.
func (p *Pipeline) sample(at time.Time) {
	second := at.Truncate(time.Second)

	p.sampleMu.Lock()
	if p.sampleSecond.IsZero() {
		p.sampleSecond = second
	}
	if !second.After(p.sampleSecond) {
		p.sampleCount++
		p.sampleMu.Unlock()
		return
	}
	done, count := p.sampleSecond, p.sampleCount
	p.sampleSecond, p.sampleCount = second, 1
	p.sampleMu.Unlock()

	p.observeVolume(done, count)
}

func (p *Pipeline) observeVolume(at time.Time, count float64) {
	v := p.analyzer.Observe(at, count)
	p.metrics.AnomalyScore(v.Score)
	if v.IsAnomaly {
		zap.L().Info("Traffic anomaly detected",
			zap.Float64("score", v.Score),
			zap.String("level", string(v.Level)),
			zap.Float64("packetsPerSecond", count),
		)
		p.bus.Publish(events.Event{
			Type:  events.TrafficAnomaly,
			Time:  at,
			Score: v.Score,
			Details: map[string]any{
				"level":    v.Level,
				"features": v.Features,
				"value":    count,
			},
		})
	}
}

// Statistics merges the firewall, flood and registry counters.
func (p *Pipeline) Statistics() types.Statistics {
	level := p.detector.ThreatLevel()
	if a := p.analyzer.Last().Level; a.Severity() > level.Severity() {
		level = a
	}
	return types.Statistics{
		TotalPackets:      p.total.Load(),
		AllowedPackets:    p.allowed.Load(),
		DeniedPackets:     p.denied.Load(),
		DroppedPackets:    p.dropped.Load(),
		ActiveConnections: p.conns.Len(),
		TotalConnections:  p.conns.Total(),
		RulesEvaluated:    p.rules.RulesEvaluated(),
		AttacksDetected:   p.detector.AttacksDetected(),
		ActiveAttacks:     len(p.detector.ActiveAttacks()),
		IpsBlocked:        p.registry.IpsBlocked(),
		BlockedIps:        p.registry.Len(),
		WhitelistedIps:    len(p.registry.Whitelisted()),
		ThreatLevel:       level,
		LastUpdateTime:    p.now(),
	}
}

// ClearStatistics zeroes the cumulative counters. Tracked state such as
// blocks, connections and attacks is kept.
func (p *Pipeline) ClearStatistics() {
	p.total.Store(0)
	p.allowed.Store(0)
	p.denied.Store(0)
	p.dropped.Store(0)
	p.conns.ResetTotal()
	p.rules.ResetCounters()
	p.detector.ResetCounters()
	p.registry.ResetCounters()

	zap.L().Info("Statistics cleared")
	p.bus.Publish(events.Event{Type: events.StatisticsCleared, Time: p.now()})
}

func (p *Pipeline) Bus() *events.Bus {
	return p.bus
}

func (p *Pipeline) Metrics() *metrics.Metrics {
	return p.metrics
}
