package offlinecache

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httputil"

	"github.com/jmgilman/go/errors"

	tee "github.com/always-cache/offline-cache/pkg/response-writer-tee"
	"github.com/always-cache/offline-cache/syncqueue"
)

// Submissions larger than this are passed through but never queued.
const maxQueuedBody = 16 << 20

type submissionKey struct{}

// pendingSubmission is a request body kept around in case the origin
// cannot be reached and the submission has to be queued.
type pendingSubmission struct {
	tag      string
	body     []byte
	queuedID string
}

func originTransport(config Config, transport http.RoundTripper) http.RoundTripper {
	if transport != nil {
		return transport
	}
	if config.OriginHost != "" {
		return &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: config.OriginHost,
			},
		}
	}
	return http.DefaultTransport
}

func (w *Worker) newReverseProxy(transport http.RoundTripper) *httputil.ReverseProxy {
	origin := w.config.OriginURL()
	host := origin.Host
	hostHeader := host
	if w.config.OriginHost != "" {
		hostHeader = w.config.OriginHost
	}
	return &httputil.ReverseProxy{
		Director:     createDirector(origin.Scheme, host, hostHeader),
		Transport:    transport,
		ErrorHandler: w.proxyError,
	}
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}

// passthrough sends the request to the origin untouched.
// Submissions to sync routes are queued if the origin cannot be reached.
func (w *Worker) passthrough(rw http.ResponseWriter, r *http.Request, reason CacheStatusFwdReason) {
	logger := w.getLogger(r)
	logger.Trace().Msgf("proxying %s %s", r.Method, r.URL.String())

	var pending *pendingSubmission
	if tag, ok := w.config.SyncTagFor(r.URL.Path); ok && r.Method != http.MethodGet && r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxQueuedBody+1))
		if err != nil {
			logger.Error().Err(err).Msg("Could not read request body")
			http.Error(rw, "Could not read request", http.StatusBadRequest)
			return
		}
		if len(body) > maxQueuedBody {
			r.Body = struct {
				io.Reader
				io.Closer
			}{io.MultiReader(bytes.NewReader(body), r.Body), r.Body}
		} else {
			pending = &pendingSubmission{tag: tag, body: body}
			r.Body = io.NopCloser(bytes.NewReader(body))
			r = r.WithContext(context.WithValue(r.Context(), submissionKey{}, pending))
		}
	}

	// set cache-status on the client response only
	cs := CacheStatus{}
	cs.Forward(reason)
	rw.Header().Set("Cache-Status", cs.String())

	rwtee := tee.NewResponseSaver(rw, 0)
	w.reverseproxy.ServeHTTP(rwtee, r)

	source := sourcePassthrough
	if pending != nil && pending.queuedID != "" {
		source = sourceQueued
		cs.Detail(CacheStatusDetailQueued)
	}
	w.metrics.request("passthrough", source)
	w.logRequest(r, "passthrough", rwtee.StatusCode(), cs)
}

// proxyError is called by the reverse proxy when the origin could not be reached.
func (w *Worker) proxyError(rw http.ResponseWriter, r *http.Request, err error) {
	logger := w.getLogger(r)
	pending, ok := r.Context().Value(submissionKey{}).(*pendingSubmission)
	if ok && !errors.Is(err, context.Canceled) {
		submission, qerr := w.queue.Enqueue(context.WithoutCancel(r.Context()), syncqueue.Submission{
			Tag:         pending.tag,
			Method:      r.Method,
			URL:         w.network.Resolve(r.URL).String(),
			ContentType: r.Header.Get("Content-Type"),
			Body:        pending.body,
		})
		if qerr == nil {
			pending.queuedID = submission.ID
			logger.Info().Err(err).Str("id", submission.ID).Str("tag", pending.tag).Msg("Origin unavailable, submission queued")
			cs := CacheStatus{}
			cs.Forward(CacheStatusFwdMethod)
			cs.Detail(CacheStatusDetailQueued)
			rw.Header().Set("Cache-Status", cs.String())
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusAccepted)
			json.NewEncoder(rw).Encode(map[string]string{"queued": submission.ID})
			return
		}
		logger.Error().Err(qerr).Msg("Could not queue submission")
	}
	logger.Error().Err(err).Str("url", r.URL.String()).Msg("Could not get response")
	http.Error(rw, "Could not get response", http.StatusBadGateway)
}
