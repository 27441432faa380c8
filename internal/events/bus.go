package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/types"
)

type Type string

const (
	PacketAllowed      Type = "packet-allowed"
	PacketDenied       Type = "packet-denied"
	PacketDropped      Type = "packet-dropped"
	RuleAdded          Type = "rule-added"
	RuleUpdated        Type = "rule-updated"
	RuleDeleted        Type = "rule-deleted"
	IPBlocked          Type = "ip-blocked"
	IPUnblocked        Type = "ip-unblocked"
	IPWhitelisted      Type = "ip-whitelisted"
	IPWhitelistRemoved Type = "ip-whitelist-removed"
	AttackDetected     Type = "attack-detected"
	AttackResolved     Type = "attack-resolved"
	TrafficAnomaly     Type = "traffic-anomaly"
	PatternDetected    Type = "pattern-detected"
	ConfigUpdated      Type = "config-updated"
	StatisticsCleared  Type = "statistics-cleared"
)

// IsPacketEvent reports whether the event is one of the per-packet verdict events.
func (t Type) IsPacketEvent() bool {
	return t == PacketAllowed || t == PacketDenied || t == PacketDropped
}

type Event struct {
	Type    Type                 `json:"type"`
	Time    time.Time            `json:"time"`
	IP      string               `json:"ip,omitempty"`
	Reason  string               `json:"reason,omitempty"`
	Packet  *types.Packet        `json:"packet,omitempty"`
	Rule    *types.Rule          `json:"rule,omitempty"`
	Attack  *types.AttackPattern `json:"attack,omitempty"`
	Score   float64              `json:"score,omitempty"`
	Details map[string]any       `json:"details,omitempty"`
}

// Bus fans events out to subscriber channels. Publish never blocks: a
// subscriber whose buffer is full misses the event and the drop is counted.
// Each subscriber sees events in publish order.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	nextID  uint64
	dropped atomic.Uint64
}

type subscription struct {
	ch     chan Event
	filter func(Event) bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*subscription)}
}

// Subscribe returns a receive channel and a cancel func that closes it.
// A nil filter receives everything.
func (b *Bus) Subscribe(buffer int, filter func(Event) bool) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	sub := &subscription{ch: make(chan Event, buffer), filter: filter}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped is the number of deliveries skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Recorder keeps every published event in memory; meant for tests and replay.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Record(bus *Bus) func() {
	ch, cancel := bus.Subscribe(4096, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ch {
			r.mu.Lock()
			r.events = append(r.events, e)
			r.mu.Unlock()
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many recorded events have the given type.
func (r *Recorder) Count(t Type) int {
	n := 0
	for _, e := range r.Events() {
		if e.Type == t {
			n++
		}
	}
	return n
}
