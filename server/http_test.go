package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/key-registry/registry"
	"github.com/wolfeidau/key-registry/store"
	"github.com/wolfeidau/key-registry/telemetry"
)

// clock is a settable time source.
type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time {
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.now = t
}

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*Server, *clock) {
	t.Helper()
	c := &clock{now: testNow}
	reg := registry.New(store.NewMemory(),
		registry.WithClock(c.Now),
		registry.WithBackendName("memory"),
	)
	return New(reg, Config{CORSOrigin: "*"}), c
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestAddKey(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/add",
		`{"api_key":"abc","expired_time":"2099-01-01T00:00:00Z"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decodeBody(t, rec)
	require.Equal(t, "abc", body["key"])
	require.Equal(t, "2099-01-01T00:00:00Z", body["expired"])
}

func TestAddKeyValidation(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "missing api_key", body: `{"expired_time":"2099-01-01T00:00:00Z"}`},
		{name: "missing expired_time", body: `{"api_key":"abc"}`},
		{name: "bad timestamp", body: `{"api_key":"abc","expired_time":"soon"}`},
		{name: "malformed json", body: `{"api_key"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, s, http.MethodPost, "/add", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Equal(t, "validation_error", decodeBody(t, rec)["status"])
		})
	}
}

func TestAddKeyConflict(t *testing.T) {
	s, _ := newTestServer(t)
	body := `{"api_key":"abc","expired_time":"2099-01-01T00:00:00Z"}`

	rec := doRequest(t, s, http.MethodPost, "/add", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/add", body)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "conflict", decodeBody(t, rec)["status"])
}

func TestGetKeyLifecycle(t *testing.T) {
	s, c := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/add",
		`{"api_key":"abc","expired_time":"2099-01-01T00:00:00Z"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	// Before the expiry: valid.
	rec = doRequest(t, s, http.MethodGet, "/get/abc", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "valid", body["status"])
	require.Equal(t, "2099-01-01T00:00:00Z", body["expired_time"])
	require.NotEmpty(t, body["created_at"])

	// After the expiry: expired.
	c.Set(time.Date(2099, 1, 1, 0, 0, 1, 0, time.UTC))
	rec = doRequest(t, s, http.MethodGet, "/get/abc", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	require.Equal(t, "expired", body["status"])
	require.Equal(t, true, body["expired"])

	// Soft delete wins over any expiry computation.
	c.Set(testNow)
	rec = doRequest(t, s, http.MethodPost, "/deleted/abc", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/get/abc", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	require.Equal(t, "deleted", body["status"])
	require.Equal(t, true, body["deleted"])
}

func TestGetKeyUnknown(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/get/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "invalid", decodeBody(t, rec)["status"])
}

func TestMarkDeletedNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/deleted/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "not_found", decodeBody(t, rec)["status"])
}

func TestHardDelete(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/add",
		`{"api_key":"abc","expired_time":"2099-01-01T00:00:00Z"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, s, http.MethodDelete, "/delete/abc", "")
	require.Equal(t, http.StatusOK, rec.Code)

	// Hard delete resolves to invalid, not deleted.
	rec = doRequest(t, s, http.MethodGet, "/get/abc", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "invalid", decodeBody(t, rec)["status"])

	// The key can be registered again.
	rec = doRequest(t, s, http.MethodPost, "/add",
		`{"api_key":"abc","expired_time":"2099-01-01T00:00:00Z"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestHardDeleteNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodDelete, "/delete/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "not_found", decodeBody(t, rec)["status"])
}

func TestListKeys(t *testing.T) {
	s, _ := newTestServer(t)

	for _, key := range []string{"a", "b"} {
		rec := doRequest(t, s, http.MethodPost, "/add",
			`{"api_key":"`+key+`","expired_time":"2099-01-01T00:00:00Z"}`)
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec := doRequest(t, s, http.MethodPost, "/deleted/b", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/keys", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]struct {
		ExpiresAt string `json:"expired"`
		CreatedAt string `json:"created_at"`
		Deleted   bool   `json:"deleted"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 2)
	require.False(t, body["a"].Deleted)
	require.True(t, body["b"].Deleted)
	require.Equal(t, "2099-01-01T00:00:00Z", body["a"].ExpiresAt)
}

func TestLogs(t *testing.T) {
	s, c := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/add",
		`{"api_key":"abc","expired_time":"2099-01-01T00:00:00Z"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	c.Set(testNow.Add(time.Minute))
	rec = doRequest(t, s, http.MethodPost, "/deleted/abc", "")
	require.Equal(t, http.StatusOK, rec.Code)

	c.Set(testNow.Add(2 * time.Minute))
	rec = doRequest(t, s, http.MethodDelete, "/delete/abc", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/logs", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var logs []struct {
		Action string `json:"action"`
		Key    string `json:"api_key"`
		Time   string `json:"time"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logs))
	require.Len(t, logs, 3)

	// Most recent first.
	require.Equal(t, "delete", logs[0].Action)
	require.Equal(t, "deleted", logs[1].Action)
	require.Equal(t, "add", logs[2].Action)
	for _, entry := range logs {
		require.Equal(t, "abc", entry.Key)
		require.NotEmpty(t, entry.Time)
	}
}

func TestLogsEmpty(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/logs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, "[]", rec.Body.String())
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestStats(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/add",
		`{"api_key":"abc","expired_time":"2099-01-01T00:00:00Z"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	require.Equal(t, float64(1), body["total_keys"])
	require.Equal(t, float64(1), body["valid"])
	require.Equal(t, float64(1), body["log_entries"])
	require.Equal(t, "memory", body["backend"])
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodOptions, "/add", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSHeaderOnResponses(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/health", "")
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

// Metrics initialised after the server is constructed must still be served:
// the handler is resolved per request, not captured at route registration.
func TestMetricsServedWhenInitialisedAfterServer(t *testing.T) {
	s, _ := newTestServer(t)

	shutdown, err := telemetry.InitMetrics(context.Background(), telemetry.MetricsConfig{
		ServiceName:      "key-registry-test",
		EnablePrometheus: true,
	})
	require.NoError(t, err)
	defer func() { _ = shutdown(context.Background()) }()

	rec := doRequest(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
}
