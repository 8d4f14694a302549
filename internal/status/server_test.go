package status

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pump-roadmap-bot/internal/analytics"
	"pump-roadmap-bot/internal/logger"
	"pump-roadmap-bot/internal/market"
	"pump-roadmap-bot/internal/position"
)

func newTestServer(t *testing.T, cfg Config, summary func() logger.TradeSummary) (*Server, *position.Tracker) {
	t.Helper()
	log, err := logger.NewLogger(logger.LogConfig{Level: "error", Output: io.Discard})
	require.NoError(t, err)

	tracker := position.NewTracker()
	tracker.Put(position.Token{Mint: "OpenMint", IsTraded: true, History: []analytics.EnrichedTradeEvent{
		{TradeEvent: market.TradeEvent{Signature: "s1", Mint: "OpenMint"}},
	}})
	tracker.Put(position.Token{Mint: "CheckedMint", IsChecked: true})

	stats := map[string]StatsFunc{
		"worker": func() map[string]interface{} { return map[string]interface{}{"cycles": 2} },
	}
	return NewServer(cfg, tracker, stats, summary, log), tracker
}

func get(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, Config{}, nil)
	rec, body := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestPositions(t *testing.T) {
	s, _ := newTestServer(t, Config{}, nil)

	rec, body := get(t, s, "/positions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2.0, body["count"])
	list := body["positions"].([]interface{})
	first := list[0].(map[string]interface{})
	assert.Equal(t, "CheckedMint", first["mint"])
	second := list[1].(map[string]interface{})
	assert.Equal(t, 1.0, second["trades"])
	assert.Nil(t, second["history"])

	_, body = get(t, s, "/positions?open=true&history=true")
	assert.Equal(t, 1.0, body["count"])
	only := body["positions"].([]interface{})[0].(map[string]interface{})
	assert.Len(t, only["history"], 1)
}

func TestPositionByMint(t *testing.T) {
	s, _ := newTestServer(t, Config{}, nil)

	rec, body := get(t, s, "/positions/OpenMint")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OpenMint", body["mint"])

	rec, _ = get(t, s, "/positions/Nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsAndSummary(t *testing.T) {
	s, _ := newTestServer(t, Config{}, func() logger.TradeSummary {
		return logger.TradeSummary{TotalBuys: 3}
	})

	_, body := get(t, s, "/stats")
	worker := body["worker"].(map[string]interface{})
	assert.Equal(t, 2.0, worker["cycles"])

	_, body = get(t, s, "/summary")
	assert.Equal(t, 3.0, body["total_buys"])

	noJournal, _ := newTestServer(t, Config{}, nil)
	rec, _ := get(t, noJournal, "/summary")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimit(t *testing.T) {
	s, _ := newTestServer(t, Config{RequestsPerSecond: 0.001, Burst: 1}, nil)

	rec, _ := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, body := get(t, s, "/health")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate limit exceeded", body["error"])
}
