package whitelist

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/config"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/types"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddExactAndCIDR(t *testing.T) {
	wm := NewManager()

	canon, added, err := wm.Add("10.0.0.1")
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, "10.0.0.1", canon)

	canon, added, err = wm.Add("192.168.1.77/24")
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, "192.168.1.0/24", canon)

	assert.True(t, wm.Contains("10.0.0.1"))
	assert.True(t, wm.Contains("192.168.1.200"))
	assert.False(t, wm.Contains("192.168.2.1"))
	assert.False(t, wm.Contains("not-an-ip"))
	assert.Equal(t, []string{"10.0.0.1", "192.168.1.0/24"}, wm.List())
}

func TestAddIsIdempotent(t *testing.T) {
	wm := NewManager()
	_, _, err := wm.Add("10.0.0.1/32")
	require.NoError(t, err)

	canon, added, err := wm.Add("10.0.0.1")
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, "10.0.0.1", canon)
	assert.Equal(t, 1, wm.Len())
}

func TestAddRejectsGarbage(t *testing.T) {
	wm := NewManager()
	_, _, err := wm.Add("999.1.1.1")
	assert.ErrorIs(t, err, ErrInvalidEntry)
	_, _, err = wm.Add("10.0.0.0/99")
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestRemove(t *testing.T) {
	wm := NewManager()
	_, _, _ = wm.Add("10.0.0.0/8")

	_, removed, err := wm.Remove("10.0.0.0/8")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, wm.Contains("10.1.2.3"))

	_, removed, err = wm.Remove("10.0.0.0/8")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestReplaceFeedKeepsOperatorEntries(t *testing.T) {
	wm := NewManager()
	_, _, _ = wm.Add("172.16.0.0/12")

	assert.Equal(t, 2, wm.ReplaceFeed([]string{"8.8.8.0/24", "bogus", "1.1.1.1"}))
	assert.True(t, wm.Contains("8.8.8.8"))
	assert.True(t, wm.Contains("1.1.1.1"))
	assert.True(t, wm.Contains("172.16.5.5"))

	wm.ReplaceFeed(nil)
	assert.False(t, wm.Contains("8.8.8.8"))
	assert.True(t, wm.Contains("172.16.5.5"))
	assert.Equal(t, []string{"172.16.0.0/12"}, wm.List())
}

func TestContainsMappedAddress(t *testing.T) {
	wm := NewManager()
	_, _, err := wm.Add("10.0.0.0/8")
	require.NoError(t, err)
	_, _, err = wm.Add("::ffff:192.0.2.7")
	require.NoError(t, err)

	assert.True(t, wm.Contains("::ffff:10.0.0.5"))
	assert.True(t, wm.Contains("192.0.2.7"))
	assert.False(t, wm.Contains("::ffff:11.0.0.5"))
}

func TestFetchFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sync/whitelist", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X_AUTH_KEY"))
		_ = json.NewEncoder(w).Encode(types.WhitelistResponse{CIDRs: []string{"203.0.113.0/24"}})
	}))
	defer srv.Close()

	cfg := &config.Config{FeedUrl: srv.URL, AuthSecret: "secret", GuardName: "test"}
	cidrs, err := FetchFeed(context.Background(), utils.NewAPIClient(cfg))
	require.NoError(t, err)
	assert.Equal(t, []string{"203.0.113.0/24"}, cidrs)
}
