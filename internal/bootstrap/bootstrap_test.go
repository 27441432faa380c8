package bootstrap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/config"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/pipeline"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		GuardName:       "test-guard",
		AuthSecret:      "secret",
		SqliteDbPath:    filepath.Join(dir, "guard.db"),
		RulesFile:       filepath.Join(dir, "rules", "rules.json"),
		ReportFile:      filepath.Join(dir, "report.json"),
		AttackCacheSize: 10,
		MaxConnections:  160,
		Detection:       config.DefaultSettings(),
	}
}

func TestBuildAndShutdown(t *testing.T) {
	zap.ReplaceGlobals(zaptest.NewLogger(t))
	cfg := testConfig(t)

	s, err := Build(cfg)
	require.NoError(t, err)
	require.NotNil(t, s.Store)

	assert.Equal(t, types.DecisionAllow, s.Pipeline.ProcessPacket(types.Packet{
		SourceIP: "127.0.0.1", DestinationIP: "127.0.0.1", Protocol: types.ProtocolTCP,
	}))
	_, err = os.Stat(cfg.RulesFile)
	require.NoError(t, err, "default rules are persisted on first start")

	s.Shutdown()

	raw, err := os.ReadFile(cfg.ReportFile)
	require.NoError(t, err)
	var report pipeline.Report
	require.NoError(t, json.Unmarshal(raw, &report))
	assert.Equal(t, uint64(1), report.Statistics.TotalPackets)
	assert.Len(t, report.Rules, 3)
}

func TestBuildInMemory(t *testing.T) {
	zap.ReplaceGlobals(zaptest.NewLogger(t))
	cfg := testConfig(t)
	cfg.SqliteDbPath = ""
	cfg.RulesFile = ""

	s, err := Build(cfg)
	require.NoError(t, err)
	assert.Nil(t, s.Store)
	assert.Len(t, s.Pipeline.Rules(), 3)
	s.Close()
}

func TestBuildRejectsInvalidSettings(t *testing.T) {
	zap.ReplaceGlobals(zaptest.NewLogger(t))
	cfg := testConfig(t)
	cfg.Detection.DefaultPolicy = "MAYBE"

	_, err := Build(cfg)
	assert.Error(t, err)
}

func TestInitializeSystemSyncsFeeds(t *testing.T) {
	zap.ReplaceGlobals(zaptest.NewLogger(t))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X_AUTH_KEY") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/sync/whitelist":
			json.NewEncoder(w).Encode(types.WhitelistResponse{CIDRs: []string{"10.0.0.0/8"}})
		case "/sync/blocklist":
			json.NewEncoder(w).Encode(types.BlocklistResponse{IPs: []string{"203.0.113.9", "10.1.2.3"}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.FeedUrl = srv.URL
	s, err := Build(cfg)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.InitializeSystem(context.Background()))
	assert.True(t, s.Registry.IsBlocked("203.0.113.9"))
	assert.False(t, s.Registry.IsBlocked("10.1.2.3"), "whitelisted feed entries are never blocked")
	assert.Equal(t, types.DecisionDrop, s.Pipeline.ProcessPacket(types.Packet{
		SourceIP: "203.0.113.9", DestinationIP: "10.0.0.1", Protocol: types.ProtocolTCP,
	}))
}

func TestInitializeSystemWithoutFeed(t *testing.T) {
	zap.ReplaceGlobals(zaptest.NewLogger(t))
	cfg := testConfig(t)
	cfg.SqliteDbPath = ""

	s, err := Build(cfg)
	require.NoError(t, err)
	assert.NoError(t, s.InitializeSystem(context.Background()))
}
