package offlinecache

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"net/http"
	"strings"
)

//go:embed offline.html
var offlineDocument string

// OfflineFallback is the last resort when a strategy fails.
// Navigation requests get the stored offline document, other requests
// any stored response for the exact request, and otherwise a plain 503.
func (w *Worker) OfflineFallback(ctx context.Context, req *http.Request) (*http.Response, CacheStatus) {
	cs := CacheStatus{}
	if isNavigation(req) {
		if res, err := w.registry.MatchURL(ctx, w.config.OfflinePage); err == nil {
			cs.Hit()
			cs.Detail(CacheStatusDetailFallback)
			return res, cs
		}
	}
	if res, err := w.registry.Match(ctx, req); err == nil {
		cs.Hit()
		cs.Detail(CacheStatusDetailOffline)
		return res, cs
	}
	cs.Forward(CacheStatusFwdMiss)
	cs.Detail(CacheStatusDetailFallback)
	return offlineResponse(req), cs
}

// isNavigation reports whether the request loads a document.
// Browsers send Sec-Fetch-Mode; older clients are recognized by asking for HTML.
func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return (r.Method == http.MethodGet || r.Method == "") &&
		strings.Contains(r.Header.Get("Accept"), "text/html")
}

func offlineResponse(req *http.Request) *http.Response {
	return newResponse(req, http.StatusServiceUnavailable, "text/plain", "Offline")
}

// offlineDocumentResponse is the page stored at install for offline navigations.
func offlineDocumentResponse() *http.Response {
	return newResponse(nil, http.StatusOK, "text/html", offlineDocument)
}

func newResponse(req *http.Request, status int, contentType, body string) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{contentType}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
