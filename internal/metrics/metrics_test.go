package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveHTTP("GET", "/", 200, 0.1)
		m.IncAuthFailure("api")
		m.IncQuota(false)
		m.IncChatThrottled()
		m.ObservePayment("success", 10)
		m.ObserveIngest("csv", 1, 2)
		m.IncStoreConflict("postgres")
		m.IncChatTurn("ok")
		m.ObserveModelCall(0.5)
		m.IncToolCall("queryBill", "ok")
		m.IncJournalRecords()
		m.SetJournalBuffer(3)
		m.ObserveJournalFlush(0.01, nil)
		m.RegisterDBPoolCollector(func() DBPoolStats { return DBPoolStats{Total: 1, Idle: 1} })
	})
}

func TestSummarize(t *testing.T) {
	m := New()
	m.ObserveHTTP("GET", "/api/v1/bills/query", 200, 0.01)
	m.ObserveHTTP("GET", "/api/v1/bills/query", 500, 0.02)
	m.IncQuota(true)
	m.IncQuota(true)
	m.IncQuota(false)
	m.ObservePayment("success", 40)
	m.ObservePayment("not_found", 0)
	m.ObserveIngest("csv", 3, 1)
	m.IncToolCall("queryBill", "ok")
	m.IncToolCall("cancelBill", "unknown")
	m.IncJournalRecords()
	m.ObserveJournalFlush(0.01, errors.New("boom"))
	m.RegisterDBPoolCollector(func() DBPoolStats {
		return DBPoolStats{Total: 4, Idle: 3, Acquired: 1, Max: 4, EmptyAcquires: 7, AcquireWait: 1500 * time.Millisecond}
	})

	s, err := m.Summarize()
	require.NoError(t, err)

	assert.Equal(t, 2.0, s.HTTP.TotalRequests)
	assert.InDelta(t, 0.5, s.HTTP.ErrorRate, 1e-9)
	assert.Equal(t, 2.0, s.Quota.Allowed)
	assert.Equal(t, 1.0, s.Quota.Rejected)
	assert.Equal(t, 1.0, s.Payments.Succeeded)
	assert.Equal(t, 1.0, s.Payments.Failed)
	assert.Equal(t, 40.0, s.Payments.Amount)
	assert.Equal(t, 3.0, s.Ingest.Written)
	assert.Equal(t, 1.0, s.Ingest.Skipped)
	assert.Equal(t, 2.0, s.Chat.ToolCalls)
	assert.Equal(t, 1.0, s.Chat.UnknownTools)
	assert.Equal(t, 1.0, s.Journal.Records)
	assert.Equal(t, 1.0, s.Journal.FlushErrors)
	assert.Equal(t, 4.0, s.DB.TotalConns)
	assert.Equal(t, 1.0, s.DB.AcquiredConns)
	assert.Equal(t, 4.0, s.DB.MaxConns)
	assert.Equal(t, 7.0, s.DB.EmptyAcquires)
	assert.InDelta(t, 1.5, s.DB.AcquireWaitSeconds, 1e-9)
	assert.Greater(t, s.Server.StartTime, 0.0)
}

func TestHandler(t *testing.T) {
	m := New()
	m.IncChatTurn("ok")

	rec := httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest(http.MethodGet, "/admin/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var s Summary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&s))
	assert.Equal(t, 1.0, s.Chat.Turns)
}
