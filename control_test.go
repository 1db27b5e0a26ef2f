package offlinecache

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func post(w *Worker, path, body string) *httptest.ResponseRecorder {
	return serve(w, httptest.NewRequest("POST", path, strings.NewReader(body)))
}

func TestControlInstall(t *testing.T) {
	w, _ := newTestWorker(t, testConfig(), nil)

	rr := post(w, "/_worker/install", "")

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, StateActive, w.State())
}

func TestControlActivateBeforeInstall(t *testing.T) {
	w, _ := newTestWorker(t, testConfig(), nil)

	rr := post(w, "/_worker/activate", "")

	assert.Equal(t, http.StatusConflict, rr.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "CONFLICT", body["code"])
}

func TestControlMessage(t *testing.T) {
	w, _ := newActiveWorker(t)

	rr := post(w, "/_worker/message", `{"action":"clearCache"}`)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	status, err := w.Status(httptest.NewRequest("GET", "/", nil).Context())
	require.NoError(t, err)
	assert.Empty(t, status.Partitions)
}

func TestControlMessageInvalidJSON(t *testing.T) {
	w, _ := newActiveWorker(t)
	rr := post(w, "/_worker/message", `{"action":`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestControlNotificationClick(t *testing.T) {
	w, _ := newActiveWorker(t)

	rr := post(w, "/_worker/notificationclick", `{"action":"open"}`)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"openUrl":"/dashboard"}`, rr.Body.String())

	rr = post(w, "/_worker/notificationclick", "")
	assert.JSONEq(t, `{"openUrl":"/dashboard"}`, rr.Body.String())
}

func TestControlSync(t *testing.T) {
	w, _ := newActiveWorker(t)

	rr := post(w, "/_worker/sync/background-sync-reports", "")

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"tag":"background-sync-reports","synced":0,"failed":0}`, rr.Body.String())
}

func TestControlPush(t *testing.T) {
	w, _ := newActiveWorker(t)
	rr := post(w, "/_worker/push", `{"title":"Nova obra"}`)
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestControlStatus(t *testing.T) {
	w, _ := newActiveWorker(t)

	rr := get(w, "/_worker/status")

	require.Equal(t, http.StatusOK, rr.Code)
	var status Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, "active", status.State)
	assert.True(t, status.Claimed)
	assert.Equal(t, "v1.2.0", status.Version)
	assert.Equal(t, []string{"elp-static-v1.2.0", "elp-dynamic-v1.2.0"}, status.Partitions)
	assert.Equal(t, 0, status.Queue["pending"])
}

func TestMetricsEndpoint(t *testing.T) {
	w, transport := newActiveWorker(t)
	transport.RegisterResponder("GET", testOrigin+"/api/reports", httpmock.NewStringResponder(200, "reports"))
	get(w, "/api/reports")
	get(w, "/static/app.js")

	rr := get(w, "/metrics")

	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, `offline_cache_requests_total{source="network",strategy="network-first"} 1`)
	assert.Contains(t, body, `offline_cache_requests_total{source="fallback",strategy="cache-first"} 1`)
	assert.Contains(t, body, "offline_cache_lifecycle_state 4")
}
