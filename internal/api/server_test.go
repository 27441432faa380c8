package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
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
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/types"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/whitelist"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func newTestServer(t *testing.T, secret string) *Server {
	t.Helper()
	zap.ReplaceGlobals(zaptest.NewLogger(t))

	live, err := config.NewLive(config.DefaultSettings())
	require.NoError(t, err)
	bus := events.NewBus()
	reg := blocklist.NewRegistry(whitelist.NewManager(), bus)
	conns, err := conntrack.New(160)
	require.NoError(t, err)
	engine, err := firewall.NewEngine(firewall.NewFileStore(filepath.Join(t.TempDir(), "rules.json")), conns, live, bus)
	require.NoError(t, err)
	analyzer, err := analysis.NewAnalyzer(live, nil)
	require.NoError(t, err)

	p, err := pipeline.New(pipeline.Options{
		Live: live, Bus: bus, Registry: reg, Conns: conns, Rules: engine,
		Detector: ddos.NewDetector(live, reg, nil, bus, 10),
		Analyzer: analyzer,
		Metrics:  metrics.New(),
	})
	require.NoError(t, err)
	return NewServer(p, secret, time.Second)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestRuleLifecycle(t *testing.T) {
	s := newTestServer(t, "")

	rr := do(t, s, http.MethodGet, "/api/v1/rules", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var rules []types.Rule
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rules))
	assert.Len(t, rules, 3)

	rr = do(t, s, http.MethodPost, "/api/v1/rules", `{"name":"Block SSH","action":"deny","destinationPort":"22","priority":500,"enabled":true}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	var added types.Rule
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &added))
	assert.NotEmpty(t, added.ID)
	assert.Equal(t, types.DecisionDeny, added.Action)

	rr = do(t, s, http.MethodPut, "/api/v1/rules/"+added.ID, `{"name":"Block SSH","action":"DROP","destinationPort":"22","priority":500,"enabled":true}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, s, http.MethodGet, "/api/v1/rules/"+added.ID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"action":"DROP"`)

	rr = do(t, s, http.MethodDelete, "/api/v1/rules/"+added.ID, "")
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = do(t, s, http.MethodDelete, "/api/v1/rules/"+added.ID, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRuleValidationErrors(t *testing.T) {
	s := newTestServer(t, "")

	rr := do(t, s, http.MethodPost, "/api/v1/rules", `{"name":"x","action":"REJECT"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, s, http.MethodPost, "/api/v1/rules", `{"name":"x","action":"ALLOW","colour":"red"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, s, http.MethodPut, "/api/v1/rules", `[{"name":"only","action":"ALLOW","priority":1,"enabled":true}]`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"imported":1}`, rr.Body.String())
}

func TestBlockAndWhitelistEndpoints(t *testing.T) {
	s := newTestServer(t, "")

	rr := do(t, s, http.MethodPost, "/api/v1/blocked", `{"ip":"203.0.113.5"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	rr = do(t, s, http.MethodPost, "/api/v1/blocked", `{"ip":"203.0.113.5"}`)
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = do(t, s, http.MethodPost, "/api/v1/blocked", `{"ip":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, s, http.MethodDelete, "/api/v1/blocked/203.0.113.5", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"removed":true}`, rr.Body.String())

	rr = do(t, s, http.MethodPost, "/api/v1/whitelist", `{"entry":"10.0.0.0/24"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	rr = do(t, s, http.MethodGet, "/api/v1/whitelist", "")
	assert.JSONEq(t, `["10.0.0.0/24"]`, rr.Body.String())

	rr = do(t, s, http.MethodDelete, "/api/v1/whitelist/10.0.0.0/24", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"entry":"10.0.0.0/24","removed":true}`, rr.Body.String())
}

func TestConfigPatch(t *testing.T) {
	s := newTestServer(t, "")

	rr := do(t, s, http.MethodPatch, "/api/v1/config", `{"thresholdPackets":5000,"autoBlock":false}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var got config.Settings
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, 5000, got.ThresholdPackets)
	assert.False(t, got.AutoBlock)

	rr = do(t, s, http.MethodPatch, "/api/v1/config", `{"thresholdPackets":1,"madeUp":1}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = do(t, s, http.MethodGet, "/api/v1/config", "")
	assert.Contains(t, rr.Body.String(), `"thresholdPackets":5000`)
}

func TestPacketIngest(t *testing.T) {
	s := newTestServer(t, "")

	rr := do(t, s, http.MethodPost, "/api/v1/packets",
		`{"sourceIp":"127.0.0.1","destinationIp":"127.0.0.1","destinationPort":80,"protocol":"TCP","size":60}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"decision":"ALLOW"}`, rr.Body.String())

	rr = do(t, s, http.MethodPost, "/api/v1/packets",
		`[{"sourceIp":"0.0.0.0","destinationIp":"10.0.0.1","protocol":"UDP","size":60,"direction":"INBOUND"},
		  {"sourceIp":"8.8.8.8","destinationIp":"10.0.0.1","protocol":"UDP","size":60}]`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[{"decision":"DENY"},{"decision":"DENY"}]`, rr.Body.String())

	rr = do(t, s, http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var st types.Statistics
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.Equal(t, uint64(3), st.TotalPackets)
	assert.Equal(t, uint64(2), st.DeniedPackets)

	rr = do(t, s, http.MethodDelete, "/api/v1/stats", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = do(t, s, http.MethodPost, "/api/v1/packets", `{"sourceIp":`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestReportAndListings(t *testing.T) {
	s := newTestServer(t, "")

	for _, path := range []string{"/api/v1/connections", "/api/v1/attacks", "/api/v1/attacks?active=true", "/api/v1/blocked"} {
		rr := do(t, s, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, rr.Code, path)
	}

	rr := do(t, s, http.MethodGet, "/api/v1/report", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var report map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	assert.Contains(t, report, "statistics")
	assert.Contains(t, report, "config")
}

func TestAuthKeyRequired(t *testing.T) {
	s := newTestServer(t, "s3cret")

	rr := do(t, s, http.MethodGet, "/api/v1/stats", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	req.Header.Set("X_AUTH_KEY", "s3cret")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// metrics stay open for scrapers
	rr = do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "traffic_guard_packets_total")
}

func TestEventStream(t *testing.T) {
	s := newTestServer(t, "")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events?types=ip-blocked"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// the subscription is registered after the upgrade; retry until it lands
	var got events.Event
	deadline := time.Now().Add(2 * time.Second)
	received := make(chan error, 1)
	go func() {
		conn.SetReadDeadline(deadline)
		received <- conn.ReadJSON(&got)
	}()

	for i := 0; time.Now().Before(deadline); i++ {
		body := bytes.NewBufferString(`{"ip":"198.51.100.` + string(rune('1'+i%9)) + `"}`)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/blocked", body)
		s.Handler().ServeHTTP(httptest.NewRecorder(), req)

		select {
		case err := <-received:
			require.NoError(t, err)
			assert.Equal(t, events.IPBlocked, got.Type)
			assert.True(t, strings.HasPrefix(got.IP, "198.51.100."))
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	t.Fatal("no event received")
}

func TestPacketIngestNormalizesProtocol(t *testing.T) {
	s := newTestServer(t, "")

	pkts := make([]string, 0, 60)
	for i := 0; i < 60; i++ {
		pkts = append(pkts, `{"sourceIp":"9.9.9.9","sourcePort":40000,"destinationIp":"10.0.0.1","destinationPort":80,"protocol":"tcp","size":60,"flags":["SYN"]}`)
	}
	rr := do(t, s, http.MethodPost, "/api/v1/packets", "["+strings.Join(pkts, ",")+"]")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, s, http.MethodGet, "/api/v1/attacks?active=true", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var attacks []types.AttackPattern
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &attacks))
	require.Len(t, attacks, 1)
	assert.Equal(t, types.AttackSynFlood, attacks[0].Type)
}

func TestPacketIngestRejectsInvalidPackets(t *testing.T) {
	s := newTestServer(t, "")

	rr := do(t, s, http.MethodPost, "/api/v1/packets",
		`{"sourceIp":"9.9.9.9","destinationIp":"10.0.0.1","protocol":"TCP","size":-10000}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, s, http.MethodPost, "/api/v1/packets",
		`[{"sourceIp":"9.9.9.9","destinationIp":"10.0.0.1","protocol":"TCP","size":60},
		  {"sourceIp":"9.9.9.9","destinationIp":"10.0.0.1","protocol":"SCTP","size":60}]`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, s, http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var st types.Statistics
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.Zero(t, st.TotalPackets, "a rejected batch is not processed")
}
