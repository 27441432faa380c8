package blocklist

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/events"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/types"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/whitelist"
	"go.uber.org/zap"
	"inet.af/netaddr"
)

var ErrInvalidIP = errors.New("invalid IP address")

const (
	ReasonOperator    = "operator"
	ReasonExpired     = "expired"
	ReasonWhitelisted = "whitelisted"
	ReasonFeed        = "feed"
	ReasonSeed        = "blacklist"
)

// Registry is the single owner of the blocked set and the whitelist. Every
// mutation of either runs under one lock, so an address is never whitelisted
// and blocked at the same time.
type Registry struct {
	mu        sync.Mutex
	whitelist *whitelist.Manager
	blocked   map[netaddr.IP]*blockEntry
	expiry    expiryHeap
	gen       uint64
	feed      map[netaddr.IP]struct{}

	ipsBlocked atomic.Uint64
	bus        *events.Bus
	now        func() time.Time
}

type blockEntry struct {
	types.BlockEntry
	gen uint64
}

type Option func(*Registry)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(wl *whitelist.Manager, bus *events.Bus, opts ...Option) *Registry {
	r := &Registry{
		whitelist: wl,
		blocked:   make(map[netaddr.IP]*blockEntry),
		feed:      make(map[netaddr.IP]struct{}),
		bus:       bus,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func parseIP(s string) (netaddr.IP, error) {
	ip, err := netaddr.ParseIP(s)
	if err != nil {
		return netaddr.IP{}, fmt.Errorf("%w: %q", ErrInvalidIP, s)
	}
	return ip.Unmap(), nil
}

// Block adds ip to the blocked set for d; d <= 0 blocks until unblocked.
// Blocking a whitelisted or already blocked address changes nothing and
// returns false.
func (r *Registry) Block(ipStr, reason string, d time.Duration) (types.BlockEntry, bool, error) {
	ip, err := parseIP(ipStr)
	if err != nil {
		return types.BlockEntry{}, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.block(ip, reason, d)
}

// caller holds r.mu
func (r *Registry) block(ip netaddr.IP, reason string, d time.Duration) (types.BlockEntry, bool, error) {
	if r.whitelist.ContainsIP(ip) {
		zap.L().Info("Not blocking whitelisted IP", zap.String("ip", ip.String()), zap.String("reason", reason))
		return types.BlockEntry{}, false, nil
	}

	now := r.now()
	if e, ok := r.blocked[ip]; ok {
		if !expired(e.BlockEntry, now) {
			return e.BlockEntry, false, nil
		}
		// expired but not swept yet
		r.unblock(ip, ReasonExpired)
	}

	r.gen++
	e := &blockEntry{
		BlockEntry: types.BlockEntry{IP: ip.String(), Reason: reason, BlockedAt: now},
		gen:        r.gen,
	}
	if d > 0 {
		e.ExpiresAt = now.Add(d)
		heap.Push(&r.expiry, expiryItem{ip: ip, at: e.ExpiresAt, gen: e.gen})
	}
	r.blocked[ip] = e
	r.ipsBlocked.Add(1)

	zap.L().Info("Blocked IP",
		zap.String("ip", e.IP),
		zap.String("reason", reason),
		zap.Duration("duration", d),
	)
	r.bus.Publish(events.Event{Type: events.IPBlocked, Time: now, IP: e.IP, Reason: reason})
	return e.BlockEntry, true, nil
}

// Unblock removes ip. Unblocking an address that is not blocked returns false.
func (r *Registry) Unblock(ipStr string) (bool, error) {
	ip, err := parseIP(ipStr)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unblock(ip, ReasonOperator), nil
}

// caller holds r.mu. Any pending expiry for ip goes stale through the
// generation check in Sweep.
func (r *Registry) unblock(ip netaddr.IP, reason string) bool {
	if _, ok := r.blocked[ip]; !ok {
		return false
	}
	delete(r.blocked, ip)
	delete(r.feed, ip)

	zap.L().Info("Unblocked IP", zap.String("ip", ip.String()), zap.String("reason", reason))
	r.bus.Publish(events.Event{Type: events.IPUnblocked, Time: r.now(), IP: ip.String(), Reason: reason})
	return true
}

// Sweep releases every block whose expiry is at or before now.
func (r *Registry) Sweep(now time.Time) []types.BlockEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var released []types.BlockEntry
	for r.expiry.Len() > 0 && !r.expiry[0].at.After(now) {
		item := heap.Pop(&r.expiry).(expiryItem)
		e, ok := r.blocked[item.ip]
		if !ok || e.gen != item.gen {
			continue
		}
		released = append(released, e.BlockEntry)
		r.unblock(item.ip, ReasonExpired)
	}
	return released
}

func expired(e types.BlockEntry, now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// IsBlocked reports whether ip is currently blocked. An entry past its expiry
// counts as released even if the sweep has not run yet.
func (r *Registry) IsBlocked(ipStr string) bool {
	ip, err := parseIP(ipStr)
	if err != nil {
		return false
	}
	r.mu.Lock()
	e, ok := r.blocked[ip]
	r.mu.Unlock()
	return ok && !expired(e.BlockEntry, r.now())
}

func (r *Registry) IsWhitelisted(ip string) bool {
	return r.whitelist.Contains(ip)
}

// AddToWhitelist whitelists an address or network and releases any block it covers.
func (r *Registry) AddToWhitelist(entry string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	canon, added, err := r.whitelist.Add(entry)
	if err != nil || !added {
		return canon, added, err
	}
	r.releaseWhitelisted()
	r.bus.Publish(events.Event{Type: events.IPWhitelisted, Time: r.now(), IP: canon})
	return canon, true, nil
}

func (r *Registry) RemoveFromWhitelist(entry string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	canon, removed, err := r.whitelist.Remove(entry)
	if err != nil || !removed {
		return canon, removed, err
	}
	r.bus.Publish(events.Event{Type: events.IPWhitelistRemoved, Time: r.now(), IP: canon})
	return canon, true, nil
}

// ReplaceWhitelistFeed swaps the synced whitelist networks.
func (r *Registry) ReplaceWhitelistFeed(cidrs []string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.whitelist.ReplaceFeed(cidrs)
	r.releaseWhitelisted()
	return n
}

// caller holds r.mu
func (r *Registry) releaseWhitelisted() {
	for ip := range r.blocked {
		if r.whitelist.ContainsIP(ip) {
			r.unblock(ip, ReasonWhitelisted)
		}
	}
}

// ReplaceFeed installs the synced blocklist. Feed blocks never expire;
// addresses dropped from the feed are released unless blocked for another reason.
func (r *Registry) ReplaceFeed(ips []string) int {
	next := make(map[netaddr.IP]struct{}, len(ips))
	for _, s := range ips {
		ip, err := parseIP(s)
		if err != nil {
			zap.L().Warn("Invalid IP in blocklist feed", zap.String("ip", s))
			continue
		}
		next[ip] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for ip := range r.feed {
		if _, keep := next[ip]; !keep {
			if e, ok := r.blocked[ip]; ok && e.Reason == ReasonFeed {
				r.unblock(ip, ReasonFeed)
			}
		}
	}
	r.feed = make(map[netaddr.IP]struct{}, len(next))
	for ip := range next {
		if _, _, err := r.block(ip, ReasonFeed, 0); err == nil && r.blocked[ip] != nil {
			r.feed[ip] = struct{}{}
		}
	}
	return len(r.feed)
}

// Blocked returns the active entries ordered by block time.
func (r *Registry) Blocked() []types.BlockEntry {
	now := r.now()
	r.mu.Lock()
	out := make([]types.BlockEntry, 0, len(r.blocked))
	for _, e := range r.blocked {
		if !expired(e.BlockEntry, now) {
			out = append(out, e.BlockEntry)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockedAt.Equal(out[j].BlockedAt) {
			return out[i].IP < out[j].IP
		}
		return out[i].BlockedAt.Before(out[j].BlockedAt)
	})
	return out
}

func (r *Registry) Whitelisted() []string {
	return r.whitelist.List()
}

func (r *Registry) Len() int {
	return len(r.Blocked())
}

// IpsBlocked counts blocks ever placed; unblocking does not decrement it.
func (r *Registry) IpsBlocked() uint64 {
	return r.ipsBlocked.Load()
}

func (r *Registry) ResetCounters() {
	r.ipsBlocked.Store(0)
}

type expiryItem struct {
	ip  netaddr.IP
	at  time.Time
	gen uint64
}

// expiryHeap is a min-heap on expiry time.
type expiryHeap []expiryItem

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x any)        { *h = append(*h, x.(expiryItem)) }
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
