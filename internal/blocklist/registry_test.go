package blocklist

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/config"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/events"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/types"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/whitelist"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newRegistry(t *testing.T) (*Registry, *fakeClock, *events.Recorder, func()) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	bus := events.NewBus()
	rec := &events.Recorder{}
	stop := rec.Record(bus)
	return NewRegistry(whitelist.NewManager(), bus, WithClock(clock.Now)), clock, rec, stop
}

func TestBlockIsIdempotent(t *testing.T) {
	r, _, rec, stop := newRegistry(t)

	e, changed, err := r.Block("9.9.9.9", ReasonOperator, time.Hour)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "9.9.9.9", e.IP)

	_, changed, err = r.Block("9.9.9.9", ReasonOperator, time.Hour)
	require.NoError(t, err)
	assert.False(t, changed)

	removed, err := r.Unblock("9.9.9.9")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = r.Unblock("9.9.9.9")
	require.NoError(t, err)
	assert.False(t, removed)
	stop()

	assert.Equal(t, 1, rec.Count(events.IPBlocked))
	assert.Equal(t, 1, rec.Count(events.IPUnblocked))
	assert.Equal(t, uint64(1), r.IpsBlocked())
}

func TestBlockRejectsInvalidIP(t *testing.T) {
	r, _, _, stop := newRegistry(t)
	defer stop()

	_, _, err := r.Block("not-an-ip", ReasonOperator, time.Hour)
	assert.ErrorIs(t, err, ErrInvalidIP)
	_, err = r.Unblock("300.0.0.1")
	assert.ErrorIs(t, err, ErrInvalidIP)
}

func TestWhitelistedIPIsNeverBlocked(t *testing.T) {
	r, _, _, stop := newRegistry(t)
	defer stop()

	_, _, err := r.AddToWhitelist("10.0.0.0/8")
	require.NoError(t, err)

	_, changed, err := r.Block("10.1.2.3", ReasonOperator, time.Hour)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.False(t, r.IsBlocked("10.1.2.3"))
	assert.True(t, r.IsWhitelisted("10.1.2.3"))
}

func TestWhitelistReleasesBlock(t *testing.T) {
	r, _, rec, stop := newRegistry(t)

	_, _, _ = r.Block("192.0.2.7", ReasonOperator, 0)
	require.True(t, r.IsBlocked("192.0.2.7"))

	_, added, err := r.AddToWhitelist("192.0.2.7")
	require.NoError(t, err)
	assert.True(t, added)
	stop()

	assert.False(t, r.IsBlocked("192.0.2.7"))
	for _, ip := range []string{"192.0.2.7"} {
		assert.False(t, r.IsBlocked(ip) && r.IsWhitelisted(ip))
	}
	evs := rec.Events()
	require.Len(t, evs, 3)
	assert.Equal(t, events.IPUnblocked, evs[1].Type)
	assert.Equal(t, ReasonWhitelisted, evs[1].Reason)
	assert.Equal(t, events.IPWhitelisted, evs[2].Type)
}

func TestExpiryReleasesOnce(t *testing.T) {
	r, clock, rec, stop := newRegistry(t)

	_, _, _ = r.Block("9.9.9.9", "SYN_FLOOD", time.Hour)
	assert.Empty(t, r.Sweep(clock.Now().Add(59*time.Minute)))

	clock.Advance(time.Hour)
	assert.False(t, r.IsBlocked("9.9.9.9"), "expired entries count as released before the sweep")

	released := r.Sweep(clock.Now())
	require.Len(t, released, 1)
	assert.Equal(t, "9.9.9.9", released[0].IP)
	assert.Empty(t, r.Sweep(clock.Now().Add(time.Hour)))
	stop()

	assert.Equal(t, 1, rec.Count(events.IPUnblocked))
}

func TestOperatorUnblockCancelsExpiry(t *testing.T) {
	r, clock, rec, stop := newRegistry(t)

	_, _, _ = r.Block("9.9.9.9", "SYN_FLOOD", time.Hour)
	_, err := r.Unblock("9.9.9.9")
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	assert.Empty(t, r.Sweep(clock.Now()))
	stop()

	assert.Equal(t, 1, rec.Count(events.IPUnblocked))
}

func TestReblockAfterUnblockKeepsNewExpiry(t *testing.T) {
	r, clock, _, stop := newRegistry(t)
	defer stop()

	_, _, _ = r.Block("9.9.9.9", "SYN_FLOOD", time.Hour)
	_, _ = r.Unblock("9.9.9.9")
	clock.Advance(30 * time.Minute)
	_, _, _ = r.Block("9.9.9.9", "SYN_FLOOD", time.Hour)

	// the first block's expiry has passed but belongs to a stale generation
	clock.Advance(45 * time.Minute)
	assert.Empty(t, r.Sweep(clock.Now()))
	assert.True(t, r.IsBlocked("9.9.9.9"))

	clock.Advance(15 * time.Minute)
	assert.Len(t, r.Sweep(clock.Now()), 1)
}

func TestPermanentBlock(t *testing.T) {
	r, clock, _, stop := newRegistry(t)
	defer stop()

	_, _, _ = r.Block("198.51.100.1", ReasonSeed, 0)
	clock.Advance(1000 * time.Hour)
	assert.Empty(t, r.Sweep(clock.Now()))
	assert.True(t, r.IsBlocked("198.51.100.1"))
	assert.True(t, r.Blocked()[0].ExpiresAt.IsZero())
}

func TestReplaceFeed(t *testing.T) {
	r, _, _, stop := newRegistry(t)
	defer stop()

	_, _, _ = r.Block("203.0.113.2", ReasonOperator, 0)
	assert.Equal(t, 2, r.ReplaceFeed([]string{"203.0.113.1", "203.0.113.2", "junk"}))
	assert.True(t, r.IsBlocked("203.0.113.1"))

	r.ReplaceFeed(nil)
	assert.False(t, r.IsBlocked("203.0.113.1"))
	assert.True(t, r.IsBlocked("203.0.113.2"), "operator blocks survive feed changes")
}

func TestWhitelistFeedReleasesBlocks(t *testing.T) {
	r, _, _, stop := newRegistry(t)
	defer stop()

	_, _, _ = r.Block("8.8.8.8", ReasonOperator, 0)
	r.ReplaceWhitelistFeed([]string{"8.8.8.0/24"})
	assert.False(t, r.IsBlocked("8.8.8.8"))
	assert.Empty(t, r.Blocked())
}

func TestCanonicalKeys(t *testing.T) {
	r, _, _, stop := newRegistry(t)
	defer stop()

	_, _, _ = r.Block("2001:db8::0001", ReasonOperator, 0)
	assert.True(t, r.IsBlocked("2001:db8::1"))
}

func TestReblockExpiredEntryReleasesFirst(t *testing.T) {
	r, clock, rec, stop := newRegistry(t)

	_, _, _ = r.Block("9.9.9.9", "SYN_FLOOD", time.Hour)
	clock.Advance(2 * time.Hour)
	_, added, err := r.Block("9.9.9.9", "UDP_FLOOD", time.Hour)
	require.NoError(t, err)
	assert.True(t, added)
	stop()

	var seq []events.Type
	for _, e := range rec.Events() {
		seq = append(seq, e.Type)
	}
	assert.Equal(t, []events.Type{events.IPBlocked, events.IPUnblocked, events.IPBlocked}, seq)
	assert.Equal(t, ReasonExpired, rec.Events()[1].Reason)

	// the first block's heap item is stale
	assert.Empty(t, r.Sweep(clock.Now()))
	assert.True(t, r.IsBlocked("9.9.9.9"))
}

func TestMappedAddressSharesKey(t *testing.T) {
	r, _, _, stop := newRegistry(t)
	defer stop()

	_, _, _ = r.Block("::ffff:203.0.113.5", ReasonOperator, 0)
	assert.True(t, r.IsBlocked("203.0.113.5"))
	assert.Equal(t, "203.0.113.5", r.Blocked()[0].IP)
}

func TestSyncWhitelistReleasesCoveredBlocks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/sync/whitelist", req.URL.Path)
		assert.Equal(t, "secret", req.Header.Get("X_AUTH_KEY"))
		_ = json.NewEncoder(w).Encode(types.WhitelistResponse{CIDRs: []string{"203.0.113.0/24"}})
	}))
	defer srv.Close()

	r, _, rec, stop := newRegistry(t)
	_, _, _ = r.Block("203.0.113.9", ReasonOperator, 0)
	_, _, _ = r.Block("198.51.100.1", ReasonOperator, 0)

	cfg := &config.Config{FeedUrl: srv.URL, AuthSecret: "secret", GuardName: "test"}
	require.NoError(t, r.SyncWhitelist(context.Background(), utils.NewAPIClient(cfg)))
	stop()

	assert.True(t, r.IsWhitelisted("203.0.113.9"))
	assert.False(t, r.IsBlocked("203.0.113.9"))
	assert.True(t, r.IsBlocked("198.51.100.1"))
	assert.Equal(t, 1, rec.Count(events.IPUnblocked))
}
