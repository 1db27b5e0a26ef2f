package offlinecache

import (
	"context"
	"net/http"

	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/pkg/route"
)

// Fetch answers an intercepted GET request. It never fails: when the
// strategy cannot produce a response the offline fallback is returned.
// The response carries a Cache-Status header.
func (w *Worker) Fetch(ctx context.Context, req *http.Request) *http.Response {
	res, _, _ := w.fetch(ctx, req)
	return res
}

func (w *Worker) fetch(ctx context.Context, req *http.Request) (*http.Response, route.Strategy, CacheStatus) {
	logger := w.getLogger(req)
	strategy := w.classifier.Classify(req.URL.Path)
	logger.Trace().Str("url", req.URL.String()).Str("strategy", strategy.String()).Msg("Handling request")

	var res *http.Response
	var cs CacheStatus
	var err error
	switch strategy {
	case route.NetworkFirst:
		res, cs, err = w.networkFirst(ctx, req, logger)
	case route.CacheFirst:
		res, cs, err = w.cacheFirst(ctx, req, logger)
	default:
		res, cs, err = w.staleWhileRevalidate(ctx, req, logger)
	}

	source := sourceNetwork
	if err != nil {
		logger.Debug().Err(err).Str("url", req.URL.String()).Msg("Fetch failed, using offline fallback")
		res, cs = w.OfflineFallback(ctx, req)
		source = sourceFallback
	} else if cs.IsHit() {
		source = sourceCache
	}
	w.metrics.request(strategy.String(), source)

	if res.Header == nil {
		res.Header = http.Header{}
	}
	res.Header.Set("Cache-Status", cs.String())
	return res, strategy, cs
}

// networkFirst goes to the network and stores ok responses in the dynamic partition.
// If the network is unavailable, a response stored in any partition is used.
func (w *Worker) networkFirst(ctx context.Context, req *http.Request, logger *zerolog.Logger) (*http.Response, CacheStatus, error) {
	cs := CacheStatus{}
	cs.Forward(CacheStatusFwdRequest)

	res, err := w.network.Fetch(ctx, req)
	if err != nil {
		cached, cacheErr := w.registry.Match(ctx, req)
		if cacheErr == nil {
			cs.Hit()
			cs.Detail(CacheStatusDetailOffline)
			return cached, cs, nil
		}
		if !errors.Is(cacheErr, cache.ErrCacheMiss) {
			logger.Error().Err(cacheErr).Msg("Could not retrieve from cache")
		}
		return nil, cs, err
	}
	if isStorable(req, res) && w.store(ctx, w.config.DynamicCacheName(), req, res, logger) {
		cs.Stored()
	}
	return res, cs, nil
}

// cacheFirst answers from any partition without touching the network.
// On a miss the response is fetched and, if ok, stored in the static partition.
func (w *Worker) cacheFirst(ctx context.Context, req *http.Request, logger *zerolog.Logger) (*http.Response, CacheStatus, error) {
	cs := CacheStatus{}
	cached, err := w.registry.Match(ctx, req)
	if err == nil {
		cs.Hit()
		return cached, cs, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		logger.Error().Err(err).Msg("Could not retrieve from cache")
	}

	cs.Forward(CacheStatusFwdUriMiss)
	res, err := w.network.Fetch(ctx, req)
	if err != nil {
		return nil, cs, err
	}
	if isStorable(req, res) && w.store(ctx, w.config.StaticCacheName(), req, res, logger) {
		cs.Stored()
	}
	return res, cs, nil
}

// staleWhileRevalidate returns the stored response right away and refreshes
// it in the background. Without a stored response it waits for the network.
func (w *Worker) staleWhileRevalidate(ctx context.Context, req *http.Request, logger *zerolog.Logger) (*http.Response, CacheStatus, error) {
	cs := CacheStatus{}
	cached, err := w.registry.Match(ctx, req)
	if err == nil {
		cs.Hit()
		w.refresh(ctx, req, logger)
		return cached, cs, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		logger.Error().Err(err).Msg("Could not retrieve from cache")
	}

	cs.Forward(CacheStatusFwdUriMiss)
	res, err := w.network.Fetch(ctx, req)
	if err != nil {
		return nil, cs, err
	}
	if isStorable(req, res) && w.store(ctx, w.config.DynamicCacheName(), req, res, logger) {
		cs.Stored()
	}
	return res, cs, nil
}

// refresh fetches the request again in a detached goroutine and stores an ok
// response in the dynamic partition. It is never awaited by the response path;
// failures are logged and dropped.
func (w *Worker) refresh(ctx context.Context, req *http.Request, logger *zerolog.Logger) {
	ctx = context.WithoutCancel(ctx)
	// the server may reuse the incoming request once the handler returns
	r := req.Clone(ctx)
	r.Body = http.NoBody
	// the refresh replaces the stored entry, so it must ask for a full response
	for _, h := range partialHeaders {
		r.Header.Del(h)
	}
	log := logger.With().Str("url", r.URL.String()).Logger()

	w.refreshMutex.Lock()
	defer w.refreshMutex.Unlock()
	if w.closed {
		log.Debug().Msg("Worker closed, skipping background refresh")
		return
	}
	w.refreshes.Add(1)
	go func() {
		defer w.refreshes.Done()
		res, err := w.network.Fetch(ctx, r)
		if err != nil {
			log.Debug().Err(err).Msg("Background refresh failed")
			return
		}
		defer res.Body.Close()
		if !isStorable(r, res) {
			log.Debug().Int("status", res.StatusCode).Msg("Background refresh not storable, keeping stored response")
			return
		}
		w.store(ctx, w.config.DynamicCacheName(), r, res, &log)
	}()
}

// store puts a snapshot of the response into the named partition.
// Storage failures are logged, the response is still usable by the caller.
func (w *Worker) store(ctx context.Context, name string, req *http.Request, res *http.Response, logger *zerolog.Logger) bool {
	partition, err := w.registry.Open(ctx, name)
	if err == nil {
		err = partition.Put(ctx, req, res)
	}
	if err != nil {
		logger.Error().Err(err).Str("partition", name).Str("url", req.URL.String()).Msg("Could not write to cache")
		return false
	}
	return true
}

// isOk mirrors the fetch "ok" flag: any 2xx status.
func isOk(res *http.Response) bool {
	return res.StatusCode >= 200 && res.StatusCode <= 299
}

// Request headers that make the origin answer with less than the full resource.
var partialHeaders = []string{
	"Range",
	"If-Range",
	"If-Match",
	"If-None-Match",
	"If-Modified-Since",
	"If-Unmodified-Since",
}

// isStorable reports whether the response can be stored under the request's key.
// Partial content is never stored, it would be served for plain requests later.
func isStorable(req *http.Request, res *http.Response) bool {
	return isOk(res) && res.StatusCode != http.StatusPartialContent && req.Header.Get("Range") == ""
}
