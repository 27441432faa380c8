package conntrack

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const shardCount = 16

// Table tracks flows keyed by their 5-tuple. Both directions of a flow map
// to the same entry. Each shard is a bounded LRU, so a full table evicts its
// least recently seen flows first.
type Table struct {
	shards [shardCount]*shard
	total  atomic.Uint64
}

type shard struct {
	mu    sync.Mutex
	conns *lru.Cache[types.ConnectionKey, *types.Connection]
}

func New(maxConnections int) (*Table, error) {
	perShard := maxConnections / shardCount
	if perShard < 1 {
		perShard = 1
	}
	t := &Table{}
	for i := range t.shards {
		cache, err := lru.New[types.ConnectionKey, *types.Connection](perShard)
		if err != nil {
			return nil, fmt.Errorf("failed to create connection shard: %w", err)
		}
		t.shards[i] = &shard{conns: cache}
	}
	return t, nil
}

// flowKey normalizes so A->B and B->A hash to the same shard
func flowKey(k types.ConnectionKey) string {
	src, dst := k.SourceIP, k.DestinationIP
	srcPort, dstPort := k.SourcePort, k.DestinationPort
	if src > dst || (src == dst && srcPort > dstPort) {
		src, dst = dst, src
		srcPort, dstPort = dstPort, srcPort
	}
	return fmt.Sprintf("%s:%s:%d-%s:%d", k.Protocol, src, srcPort, dst, dstPort)
}

func (t *Table) shardFor(k types.ConnectionKey) *shard {
	h := fnv.New32a()
	h.Write([]byte(flowKey(k)))
	return t.shards[h.Sum32()%shardCount]
}

// caller holds s.mu
func (s *shard) find(k types.ConnectionKey) (*types.Connection, bool) {
	if c, ok := s.conns.Get(k); ok {
		return c, true
	}
	return s.conns.Get(k.Reverse())
}

// Touch records p against its flow, creating the entry on the first packet.
// It returns a copy of the updated connection and whether it was new.
func (t *Table) Touch(p types.Packet) (types.Connection, bool) {
	key := types.KeyOf(p)
	s := t.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.find(key); ok {
		c.LastSeen = p.Timestamp
		c.PacketCount++
		c.ByteCount += uint64(p.Size)
		c.State = nextState(c.State, p)
		return *c, false
	}

	c := &types.Connection{
		ConnectionKey: key,
		State:         initialState(p),
		StartTime:     p.Timestamp,
		LastSeen:      p.Timestamp,
		PacketCount:   1,
		ByteCount:     uint64(p.Size),
	}
	s.conns.Add(key, c)
	t.total.Add(1)
	return *c, true
}

func initialState(p types.Packet) types.ConnectionState {
	if p.Protocol == types.ProtocolTCP && p.HasFlag("SYN") && !p.HasFlag("ACK") {
		return types.StateSynSent
	}
	return types.StateEstablished
}

func nextState(cur types.ConnectionState, p types.Packet) types.ConnectionState {
	if p.Protocol != types.ProtocolTCP {
		return cur
	}
	switch {
	case p.HasFlag("RST"):
		return types.StateClosed
	case p.HasFlag("FIN"):
		if cur == types.StateFinWait {
			return types.StateCloseWait
		}
		return types.StateFinWait
	case p.HasFlag("SYN") && p.HasFlag("ACK") && cur == types.StateSynSent:
		return types.StateSynRecv
	case p.HasFlag("ACK") && (cur == types.StateSynSent || cur == types.StateSynRecv):
		return types.StateEstablished
	}
	return cur
}

// Lookup finds the flow for k in either direction.
func (t *Table) Lookup(k types.ConnectionKey) (types.Connection, bool) {
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.find(k)
	if !ok {
		return types.Connection{}, false
	}
	return *c, true
}

// ConnState reports the tracked state of the flow k belongs to.
func (t *Table) ConnState(k types.ConnectionKey) (types.ConnectionState, bool) {
	c, ok := t.Lookup(k)
	return c.State, ok
}

// Snapshot returns copies of every tracked connection.
func (t *Table) Snapshot() []types.Connection {
	var out []types.Connection
	for _, s := range t.shards {
		s.mu.Lock()
		for _, k := range s.conns.Keys() {
			if c, ok := s.conns.Peek(k); ok {
				out = append(out, *c)
			}
		}
		s.mu.Unlock()
	}
	return out
}

func (t *Table) Len() int {
	n := 0
	for _, s := range t.shards {
		n += s.conns.Len()
	}
	return n
}

// Total is the number of flows ever created since start or the last ResetTotal.
func (t *Table) Total() uint64 {
	return t.total.Load()
}

func (t *Table) ResetTotal() {
	t.total.Store(0)
}

// Sweep evicts flows idle longer than idle, and closed flows, returning how many went.
func (t *Table) Sweep(now time.Time, idle time.Duration) int {
	expired := 0
	for _, s := range t.shards {
		s.mu.Lock()
		for _, k := range s.conns.Keys() {
			c, ok := s.conns.Peek(k)
			if !ok {
				continue
			}
			if c.State == types.StateClosed || now.Sub(c.LastSeen) > idle {
				s.conns.Remove(k)
				expired++
			}
		}
		s.mu.Unlock()
	}
	return expired
}

// Run sweeps on every tick until ctx is done. idle is read on each tick so
// connectionTimeout changes apply without a restart.
func (t *Table) Run(ctx context.Context, interval time.Duration, idle func() time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Debug("Connection table sweep stopping")
			return
		case now := <-ticker.C:
			if expired := t.Sweep(now, idle()); expired > 0 {
				zap.L().Debug("Cleaned up expired connections",
					zap.Int("expired", expired),
					zap.Int("remaining", t.Len()))
			}
		}
	}
}
