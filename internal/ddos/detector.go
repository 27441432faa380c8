package ddos

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/config"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/events"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/types"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

const shardCount = 32

// Intensity bands for the threat level of active attacks.
const (
	warningIntensity   = 100
	criticalIntensity  = 200
	emergencyIntensity = 500
)

// Blocker is the part of the block registry the detector drives.
type Blocker interface {
	IsBlocked(ip string) bool
	Block(ip, reason string, d time.Duration) (types.BlockEntry, bool, error)
}

// Archiver stores resolved attacks.
type Archiver interface {
	ArchiveAttacks(attacks []types.AttackPattern) error
}

type attackKey struct {
	ip  string
	typ types.AttackType
}

// Detector keeps per-source sliding windows and turns threshold breaches into
// attack patterns. Windows are measured in packet time.
type Detector struct {
	live     *config.Live
	blocker  Blocker
	archiver Archiver
	bus      *events.Bus

	shards [shardCount]*ipShard

	mu          sync.Mutex
	active      map[attackKey]*types.AttackPattern
	history     []types.AttackPattern // resolved, oldest first
	historySize int

	attacksDetected atomic.Uint64
}

type ipShard struct {
	mu      sync.Mutex
	sources map[string]*sourceWindow
}

// NewDetector keeps up to historySize resolved attacks in memory. A nil
// archiver drops them once they fall out of that history.
func NewDetector(live *config.Live, blocker Blocker, archiver Archiver, bus *events.Bus, historySize int) *Detector {
	if historySize <= 0 {
		historySize = 1000
	}
	d := &Detector{
		live:        live,
		blocker:     blocker,
		archiver:    archiver,
		bus:         bus,
		active:      make(map[attackKey]*types.AttackPattern),
		historySize: historySize,
	}
	for i := range d.shards {
		d.shards[i] = &ipShard{sources: make(map[string]*sourceWindow)}
	}
	return d
}

func (d *Detector) shardFor(ip string) *ipShard {
	h := fnv.New32a()
	h.Write([]byte(ip))
	return d.shards[h.Sum32()%shardCount]
}

type breach struct {
	typ       types.AttackType
	intensity float64
}

// Observe records p and runs the six flood checks for its source. It returns
// the attacks newly detected by this packet.
func (d *Detector) Observe(p types.Packet) []types.AttackPattern {
	s := d.live.Get()
	if !s.RateLimitEnabled {
		return nil
	}

	at := p.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	shard := d.shardFor(p.SourceIP)
	shard.mu.Lock()
	w, ok := shard.sources[p.SourceIP]
	if !ok {
		w = newSourceWindow()
		shard.sources[p.SourceIP] = w
	}
	w.add(p, at)
	w.prune(at.Add(-s.Window()), at.Add(-time.Duration(s.SynFloodWindow)*time.Second))
	st := w.stats()
	shard.mu.Unlock()

	var breaches []breach
	if st.packets > s.ThresholdPackets {
		breaches = append(breaches, breach{types.AttackPacketFlood, float64(st.packets)})
	}
	if st.connections > s.ThresholdConnections {
		breaches = append(breaches, breach{types.AttackConnectionFlood, float64(st.connections)})
	}
	if st.bytes > s.ThresholdBytes {
		breaches = append(breaches, breach{types.AttackByteFlood, float64(st.bytes)})
	}
	if p.Protocol == types.ProtocolTCP && p.HasFlag("SYN") && st.syns > s.SynFloodThreshold {
		breaches = append(breaches, breach{types.AttackSynFlood, float64(st.syns)})
	}
	if p.Protocol == types.ProtocolUDP && float64(st.udp) > float64(s.ThresholdPackets)*s.UDPFloodRatio {
		breaches = append(breaches, breach{types.AttackUDPFlood, float64(st.udp)})
	}
	if p.Protocol == types.ProtocolICMP && st.icmp > s.ICMPFloodThreshold {
		breaches = append(breaches, breach{types.AttackICMPFlood, float64(st.icmp)})
	}

	var detected []types.AttackPattern
	for _, b := range breaches {
		if a, isNew := d.DetectAttack(p.SourceIP, b.typ, b.intensity, st.packets, st.bytes, at); isNew {
			detected = append(detected, a)
		}
	}
	return detected
}

// DetectAttack creates or refreshes the active pattern for (ip, typ). Sources
// that are already blocked are ignored. A new pattern is counted, published
// and, with autoBlock on, blocks the source.
func (d *Detector) DetectAttack(ip string, typ types.AttackType, intensity float64, packets int, bytes int64, at time.Time) (types.AttackPattern, bool) {
	if d.blocker != nil && d.blocker.IsBlocked(ip) {
		return types.AttackPattern{}, false
	}
	s := d.live.Get()

	d.mu.Lock()
	key := attackKey{ip: ip, typ: typ}
	if a, ok := d.active[key]; ok {
		if intensity > a.Intensity {
			a.Intensity = intensity
		}
		if at.After(a.EndTime) {
			a.EndTime = at
		}
		a.PacketCount = packets
		a.ByteCount = bytes
		d.mu.Unlock()
		return *a, false
	}

	a := &types.AttackPattern{
		Type:        typ,
		SourceIP:    ip,
		StartTime:   at,
		EndTime:     at,
		PacketCount: packets,
		ByteCount:   bytes,
		Intensity:   intensity,
		Status:      types.AttackActive,
	}
	d.active[key] = a
	d.attacksDetected.Add(1)
	detected := *a
	d.bus.Publish(events.Event{Type: events.AttackDetected, Time: at, IP: ip, Attack: &detected})
	d.mu.Unlock()

	zap.L().Warn("DDoS attack detected",
		zap.String("type", string(typ)),
		zap.String("ip", ip),
		zap.Float64("intensity", intensity),
		zap.Int("packets", packets),
		zap.String("bytes", humanize.Bytes(uint64(bytes))),
	)

	if s.AutoBlock && d.blocker != nil {
		if _, _, err := d.blocker.Block(ip, string(typ), s.BlockFor()); err != nil {
			zap.L().Error("Failed to auto-block attacker", zap.String("ip", ip), zap.Error(err))
		}
	}
	return detected, true
}

// Sweep resolves active attacks whose last breach is outside the detection
// window and forgets idle sources. Resolved attacks are archived.
func (d *Detector) Sweep(now time.Time) []types.AttackPattern {
	s := d.live.Get()
	cutoff := now.Add(-s.Window())
	synCutoff := now.Add(-time.Duration(s.SynFloodWindow) * time.Second)

	for _, shard := range d.shards {
		shard.mu.Lock()
		for ip, w := range shard.sources {
			w.prune(cutoff, synCutoff)
			if w.empty() {
				delete(shard.sources, ip)
			}
		}
		shard.mu.Unlock()
	}

	d.mu.Lock()
	var resolved []types.AttackPattern
	for key, a := range d.active {
		if a.EndTime.After(cutoff) {
			continue
		}
		a.Status = types.AttackResolved
		delete(d.active, key)
		resolved = append(resolved, *a)
	}
	sortAttacks(resolved)
	for i := range resolved {
		r := resolved[i]
		d.bus.Publish(events.Event{Type: events.AttackResolved, Time: now, IP: r.SourceIP, Attack: &r})
	}
	d.history = append(d.history, resolved...)
	if over := len(d.history) - d.historySize; over > 0 {
		d.history = append(d.history[:0], d.history[over:]...)
	}
	d.mu.Unlock()

	if len(resolved) > 0 {
		zap.L().Info("Attacks resolved", zap.Int("count", len(resolved)))
		if d.archiver != nil {
			if err := d.archiver.ArchiveAttacks(resolved); err != nil {
				zap.L().Error("Failed to archive resolved attacks", zap.Error(err))
			}
		}
	}
	return resolved
}

func sortAttacks(attacks []types.AttackPattern) {
	sort.Slice(attacks, func(i, j int) bool {
		a, b := attacks[i], attacks[j]
		if !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.Before(b.StartTime)
		}
		if a.SourceIP != b.SourceIP {
			return a.SourceIP < b.SourceIP
		}
		return a.Type < b.Type
	})
}

func (d *Detector) ActiveAttacks() []types.AttackPattern {
	d.mu.Lock()
	out := make([]types.AttackPattern, 0, len(d.active))
	for _, a := range d.active {
		out = append(out, *a)
	}
	d.mu.Unlock()
	sortAttacks(out)
	return out
}

// AttackHistory returns resolved attacks still held in memory followed by the active ones.
func (d *Detector) AttackHistory() []types.AttackPattern {
	d.mu.Lock()
	out := append([]types.AttackPattern(nil), d.history...)
	d.mu.Unlock()
	return append(out, d.ActiveAttacks()...)
}

// ThreatLevel grades the strongest active attack.
func (d *Detector) ThreatLevel() types.ThreatLevel {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.active) == 0 {
		return types.ThreatNormal
	}
	peak := 0.0
	for _, a := range d.active {
		if a.Intensity > peak {
			peak = a.Intensity
		}
	}
	switch {
	case peak > emergencyIntensity:
		return types.ThreatEmergency
	case peak > criticalIntensity:
		return types.ThreatCritical
	case peak > warningIntensity:
		return types.ThreatWarning
	default:
		return types.ThreatNotice
	}
}

func (d *Detector) AttacksDetected() uint64 {
	return d.attacksDetected.Load()
}

func (d *Detector) ResetCounters() {
	d.attacksDetected.Store(0)
}

// TrackedSources is the number of sources with a live window.
func (d *Detector) TrackedSources() int {
	n := 0
	for _, shard := range d.shards {
		shard.mu.Lock()
		n += len(shard.sources)
		shard.mu.Unlock()
	}
	return n
}
