package offlinecache

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errOffline = errors.New("network is down")

func TestNetworkFirstStoresOkResponse(t *testing.T) {
	w, transport := newActiveWorker(t)
	transport.RegisterResponder("GET", testOrigin+"/api/reports", httpmock.NewStringResponder(200, "reports"))

	rr := get(w, "/api/reports")

	assert.Equal(t, "reports", rr.Body.String())
	assert.Equal(t, "Offline-Cache; fwd=request; stored", rr.Header().Get("Cache-Status"))
	assert.Equal(t, "reports", cachedBody(t, w, w.config.DynamicCacheName(), "/api/reports"))
	assert.Equal(t, 1, transport.GetTotalCallCount())
}

func TestNetworkFirstAlwaysAsksNetwork(t *testing.T) {
	w, transport := newActiveWorker(t)
	putCached(t, w, w.config.DynamicCacheName(), "/api/reports", "old")
	transport.RegisterResponder("GET", testOrigin+"/api/reports", httpmock.NewStringResponder(200, "new"))

	rr := get(w, "/api/reports")

	assert.Equal(t, "new", rr.Body.String())
	assert.Equal(t, "new", cachedBody(t, w, w.config.DynamicCacheName(), "/api/reports"))
}

func TestNetworkFirstDoesNotStoreErrorResponses(t *testing.T) {
	w, transport := newActiveWorker(t)
	transport.RegisterResponder("GET", testOrigin+"/api/reports", httpmock.NewStringResponder(500, "boom"))

	rr := get(w, "/api/reports")

	assert.Equal(t, 500, rr.Code)
	assert.Equal(t, "boom", rr.Body.String())
	assert.Equal(t, "", cachedBody(t, w, w.config.DynamicCacheName(), "/api/reports"))
}

func TestNetworkFirstUsesCacheWhenOffline(t *testing.T) {
	w, transport := newActiveWorker(t)
	putCached(t, w, w.config.StaticCacheName(), "/api/reports", "stored")
	transport.RegisterResponder("GET", testOrigin+"/api/reports", httpmock.NewErrorResponder(errOffline))

	rr := get(w, "/api/reports")

	assert.Equal(t, 200, rr.Code)
	assert.Equal(t, "stored", rr.Body.String())
	assert.Equal(t, "Offline-Cache; hit; detail=offline", rr.Header().Get("Cache-Status"))
}

func TestNetworkFirstBeatsStaticSuffix(t *testing.T) {
	w, transport := newActiveWorker(t)
	putCached(t, w, w.config.StaticCacheName(), "/api/bundle.js", "stored")
	transport.RegisterResponder("GET", testOrigin+"/api/bundle.js", httpmock.NewStringResponder(200, "fresh"))

	rr := get(w, "/api/bundle.js")

	assert.Equal(t, "fresh", rr.Body.String())
	assert.Equal(t, 1, transport.GetTotalCallCount())
}

func TestCacheFirstHitMakesNoNetworkCall(t *testing.T) {
	w, transport := newActiveWorker(t)
	putCached(t, w, w.config.StaticCacheName(), "/static/js/app.js", "console.log(1)")
	transport.RegisterResponder("GET", testOrigin+"/static/js/app.js", httpmock.NewStringResponder(200, "console.log(2)"))

	rr := get(w, "/static/js/app.js")

	assert.Equal(t, "console.log(1)", rr.Body.String())
	assert.Equal(t, "Offline-Cache; hit", rr.Header().Get("Cache-Status"))
	assert.Equal(t, 0, transport.GetTotalCallCount())
}

func TestCacheFirstMissStoresInStaticPartition(t *testing.T) {
	w, transport := newActiveWorker(t)
	transport.RegisterResponder("GET", testOrigin+"/img/logo.png", httpmock.NewStringResponder(200, "png"))

	first := get(w, "/img/logo.png")
	second := get(w, "/img/logo.png")

	assert.Equal(t, "Offline-Cache; fwd=uri-miss; stored", first.Header().Get("Cache-Status"))
	assert.Equal(t, "png", second.Body.String())
	assert.Equal(t, "png", cachedBody(t, w, w.config.StaticCacheName(), "/img/logo.png"))
	assert.Equal(t, 1, transport.GetTotalCallCount())
}

func TestCacheFirstDoesNotStoreNotFound(t *testing.T) {
	w, transport := newActiveWorker(t)
	transport.RegisterResponder("GET", testOrigin+"/static/missing.css", httpmock.NewStringResponder(404, "not found"))

	rr := get(w, "/static/missing.css")

	assert.Equal(t, 404, rr.Code)
	assert.Equal(t, "", cachedBody(t, w, w.config.StaticCacheName(), "/static/missing.css"))
}

func TestStaleWhileRevalidateReturnsCachedWithoutWaiting(t *testing.T) {
	w, transport := newActiveWorker(t)
	putCached(t, w, w.config.DynamicCacheName(), "/dashboard", "cached dashboard")

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	transport.RegisterResponder("GET", testOrigin+"/dashboard", func(r *http.Request) (*http.Response, error) {
		<-release
		return httpmock.NewStringResponse(200, "fresh dashboard"), nil
	})

	done := make(chan string)
	go func() {
		done <- get(w, "/dashboard").Body.String()
	}()
	select {
	case body := <-done:
		assert.Equal(t, "cached dashboard", body)
	case <-time.After(5 * time.Second):
		t.Fatal("Response waited for the network")
	}
}

func TestStaleWhileRevalidateRefreshesInBackground(t *testing.T) {
	w, transport := newActiveWorker(t)
	putCached(t, w, w.config.DynamicCacheName(), "/dashboard", "old")
	transport.RegisterResponder("GET", testOrigin+"/dashboard", httpmock.NewStringResponder(200, "new"))

	rr := get(w, "/dashboard")
	w.refreshes.Wait()

	assert.Equal(t, "old", rr.Body.String())
	assert.Equal(t, "Offline-Cache; hit", rr.Header().Get("Cache-Status"))
	assert.Equal(t, "new", cachedBody(t, w, w.config.DynamicCacheName(), "/dashboard"))
	assert.Equal(t, "new", get(w, "/dashboard").Body.String())
}

func TestStaleWhileRevalidateRefreshFailureIsSwallowed(t *testing.T) {
	w, transport := newActiveWorker(t)
	putCached(t, w, w.config.DynamicCacheName(), "/dashboard", "old")
	transport.RegisterResponder("GET", testOrigin+"/dashboard", httpmock.NewErrorResponder(errOffline))

	rr := get(w, "/dashboard")
	w.refreshes.Wait()

	assert.Equal(t, 200, rr.Code)
	assert.Equal(t, "old", rr.Body.String())
	assert.Equal(t, "old", cachedBody(t, w, w.config.DynamicCacheName(), "/dashboard"))
}

func TestStaleWhileRevalidateMissWaitsForNetwork(t *testing.T) {
	w, transport := newActiveWorker(t)
	transport.RegisterResponder("GET", testOrigin+"/projects", httpmock.NewStringResponder(200, "projects"))

	rr := get(w, "/projects")

	assert.Equal(t, "projects", rr.Body.String())
	assert.Equal(t, "Offline-Cache; fwd=uri-miss; stored", rr.Header().Get("Cache-Status"))
	assert.Equal(t, "projects", cachedBody(t, w, w.config.DynamicCacheName(), "/projects"))
}

func TestOfflineNavigationGetsOfflineDocument(t *testing.T) {
	w, _ := newActiveWorker(t)

	rr := navigate(w, "/reports")

	assert.Equal(t, 200, rr.Code)
	assert.Equal(t, "text/html", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Body.String(), "Sem Conexão")
	assert.Equal(t, "Offline-Cache; hit; detail=fallback", rr.Header().Get("Cache-Status"))
}

func TestOfflineNavigationWithoutDocumentGets503(t *testing.T) {
	w, _ := newTestWorker(t, testConfig(), nil)
	req, _ := http.NewRequest("GET", "/reports", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")

	res := w.Fetch(context.Background(), req)
	defer res.Body.Close()

	require.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, "text/plain", res.Header.Get("Content-Type"))
	body := make([]byte, 16)
	n, _ := res.Body.Read(body)
	assert.Equal(t, "Offline", string(body[:n]))
}

func TestOfflineAssetGets503(t *testing.T) {
	w, _ := newActiveWorker(t)

	rr := get(w, "/static/js/unknown.js")

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "Offline", rr.Body.String())
	assert.Equal(t, "Offline-Cache; fwd=miss; detail=fallback", rr.Header().Get("Cache-Status"))
}

func TestIsNavigation(t *testing.T) {
	tests := []struct {
		name   string
		mode   string
		accept string
		want   bool
	}{
		{"fetch metadata navigate", "navigate", "", true},
		{"fetch metadata cors", "cors", "text/html", false},
		{"html accept without metadata", "", "text/html,*/*", true},
		{"json accept without metadata", "", "application/json", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest("GET", "/", nil)
			if tt.mode != "" {
				req.Header.Set("Sec-Fetch-Mode", tt.mode)
			}
			if tt.accept != "" {
				req.Header.Set("Accept", tt.accept)
			}
			assert.Equal(t, tt.want, isNavigation(req))
		})
	}
}

func TestCrossOriginRequestKeepsHost(t *testing.T) {
	w, transport := newActiveWorker(t)
	transport.RegisterResponder("GET", "https://cdn.jsdelivr.net/npm/lib.css", httpmock.NewStringResponder(200, "css"))

	res := w.Fetch(context.Background(), mustRequest(t, "https://cdn.jsdelivr.net/npm/lib.css"))
	res.Body.Close()

	assert.Equal(t, 200, res.StatusCode)
	assert.True(t, strings.HasSuffix(res.Header.Get("Cache-Status"), "stored"))
	assert.Equal(t, "css", cachedBody(t, w, w.config.StaticCacheName(), "https://cdn.jsdelivr.net/npm/lib.css"))
}

func mustRequest(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest("GET", url, nil)
	require.NoError(t, err)
	return req
}

func TestPartialContentIsNotStored(t *testing.T) {
	w, transport := newActiveWorker(t)
	transport.RegisterResponder("GET", testOrigin+"/static/img/obra.jpg", func(r *http.Request) (*http.Response, error) {
		if r.Header.Get("Range") != "" {
			return httpmock.NewStringResponse(http.StatusPartialContent, "PART"), nil
		}
		return httpmock.NewStringResponse(http.StatusOK, "FULL-IMAGE"), nil
	})

	req := mustRequest(t, "/static/img/obra.jpg")
	req.Header.Set("Range", "bytes=0-3")
	rr := serve(w, req)
	assert.Equal(t, http.StatusPartialContent, rr.Code)
	assert.Equal(t, "PART", rr.Body.String())
	assert.Equal(t, "Offline-Cache; fwd=uri-miss", rr.Header().Get("Cache-Status"))
	assert.Equal(t, "", cachedBody(t, w, w.config.StaticCacheName(), "/static/img/obra.jpg"))

	rr = get(w, "/static/img/obra.jpg")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "FULL-IMAGE", rr.Body.String())
	assert.Equal(t, "FULL-IMAGE", cachedBody(t, w, w.config.StaticCacheName(), "/static/img/obra.jpg"))
}

func TestStaleWhileRevalidateRefreshIsUnconditional(t *testing.T) {
	w, transport := newActiveWorker(t)
	putCached(t, w, w.config.DynamicCacheName(), "/dashboard", "old")
	transport.RegisterResponder("GET", testOrigin+"/dashboard", func(r *http.Request) (*http.Response, error) {
		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" || r.Header.Get("Range") != "" {
			return httpmock.NewStringResponse(http.StatusNotModified, ""), nil
		}
		return httpmock.NewStringResponse(http.StatusOK, "new"), nil
	})

	req := mustRequest(t, "/dashboard")
	req.Header.Set("If-None-Match", `"v1"`)
	req.Header.Set("If-Modified-Since", "Mon, 19 Oct 2026 10:00:00 GMT")
	rr := serve(w, req)
	w.refreshes.Wait()

	assert.Equal(t, "old", rr.Body.String())
	assert.Equal(t, "new", cachedBody(t, w, w.config.DynamicCacheName(), "/dashboard"))
}

func TestClosedWorkerStartsNoRefresh(t *testing.T) {
	w, transport := newActiveWorker(t)
	putCached(t, w, w.config.DynamicCacheName(), "/dashboard", "old")
	transport.RegisterResponder("GET", testOrigin+"/dashboard", httpmock.NewStringResponder(200, "new"))
	require.NoError(t, w.Close())

	rr := get(w, "/dashboard")
	w.refreshes.Wait()

	assert.Equal(t, "old", rr.Body.String())
	assert.Equal(t, 0, transport.GetTotalCallCount())
	assert.NoError(t, w.Close())
}
