// Package offlinecache is an offline-first caching worker that sits between
// browser sessions and an application origin.
//
// Intercepted GET requests are answered by one of three strategies
// (network-first, cache-first, stale-while-revalidate) chosen by path,
// and fall back to a stored offline page or a synthesized 503 when both
// network and cache fail. Other requests are passed through to the origin;
// submissions to sync routes are queued when the origin cannot be reached
// and replayed on background sync.
package offlinecache

import (
	"io"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/notify"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	"github.com/always-cache/offline-cache/pkg/network"
	"github.com/always-cache/offline-cache/pkg/route"
	"github.com/always-cache/offline-cache/syncqueue"
)

type Options struct {
	Config Config
	// Storage for cache partitions. An in-memory provider is used if nil.
	Provider cache.Provider
	// Queue for submissions made while offline. An in-memory queue is opened if nil.
	Queue *syncqueue.Queue
	// Transport for origin and CDN requests. If nil, http.DefaultTransport is
	// used (with the TLS server name set when Config.OriginHost is given).
	Transport http.RoundTripper
	// Where push notifications go. If nil, notifications are logged and,
	// when Config.Notifiers is set, sent through shoutrrr.
	Notifier notify.Notifier
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

type Worker struct {
	config       Config
	provider     cache.Provider
	registry     *cache.Registry
	keyer        cachekey.CacheKeyer
	network      *network.Client
	classifier   route.Classifier
	queue        *syncqueue.Queue
	dispatcher   *syncqueue.Dispatcher
	notifier     notify.Notifier
	metrics      *metrics
	log          zerolog.Logger
	reverseproxy *httputil.ReverseProxy
	router       chi.Router

	lifecycleMutex sync.Mutex
	state          atomic.Int32
	claimed        atomic.Bool

	// detached stale-while-revalidate refreshes; none start once closed
	refreshes    sync.WaitGroup
	refreshMutex sync.Mutex
	closed       bool

	ownProvider bool
	ownQueue    bool
}

// New creates a worker. Nothing is intercepted until the worker has been
// installed and activated (see Start).
func New(opts Options) (*Worker, error) {
	config := opts.Config
	if err := config.Validate(); err != nil {
		return nil, err
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if opts.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *opts.Logger
	}
	logger = logger.With().
		Str("origin", config.Origin).
		Logger()

	w := &Worker{
		config:     config,
		provider:   opts.Provider,
		keyer:      cachekey.NewCacheKeyer(config.OriginURL()),
		classifier: route.NewClassifier(config.Routes),
		queue:      opts.Queue,
		notifier:   opts.Notifier,
		metrics:    newMetrics(),
		log:        logger,
	}

	if w.provider == nil {
		w.provider = cache.NewMemoryProvider()
		w.ownProvider = true
	}
	w.registry = cache.NewRegistry(w.provider, w.keyer, logger)

	if w.queue == nil {
		queue, err := syncqueue.Open("", logger)
		if err != nil {
			return nil, err
		}
		w.queue = queue
		w.ownQueue = true
	}

	if w.notifier == nil {
		notifiers := notify.Multi{notify.NewLogNotifier(logger)}
		if len(config.Notifiers) > 0 {
			sender, err := notify.NewShoutrrrNotifier(config.Notifiers...)
			if err != nil {
				w.Close()
				return nil, err
			}
			notifiers = append(notifiers, sender)
		}
		w.notifier = notifiers
	}

	transport := originTransport(config, opts.Transport)
	w.network = network.NewClient(config.OriginURL(), config.OriginHost, transport)
	w.reverseproxy = w.newReverseProxy(transport)

	w.dispatcher = syncqueue.NewDispatcher(w.queue, w.network, logger)
	w.dispatcher.OnResult = w.metrics.syncResult

	w.router = w.routes()
	w.setState(StateIdle)
	return w, nil
}

// Close waits for background refreshes to finish and closes what the worker opened itself.
func (w *Worker) Close() error {
	w.refreshMutex.Lock()
	if w.closed {
		w.refreshMutex.Unlock()
		return nil
	}
	w.closed = true
	w.refreshMutex.Unlock()
	w.refreshes.Wait()
	var err error
	if w.ownQueue {
		err = w.queue.Close()
	}
	if w.ownProvider {
		if perr := w.provider.Close(); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

// Registry gives access to the cache partitions.
func (w *Worker) Registry() *cache.Registry {
	return w.registry
}

// Queue gives access to the background sync queue.
func (w *Worker) Queue() *syncqueue.Queue {
	return w.queue
}

func (w *Worker) Config() Config {
	return w.config
}

// ServeHTTP implements the http.Handler interface.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	w.router.ServeHTTP(rw, r)
}

func (w *Worker) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(w.log))
	r.Use(hlog.RequestIDHandler("reqId", "Request-Id"))

	r.Route("/_worker", func(r chi.Router) {
		r.Post("/install", w.handleInstall)
		r.Post("/activate", w.handleActivate)
		r.Post("/message", w.handleMessage)
		r.Post("/push", w.handlePush)
		r.Post("/sync/{tag}", w.handleSync)
		r.Post("/periodicsync/{tag}", w.handlePeriodicSync)
		r.Post("/notificationclick", w.handleNotificationClick)
		r.Get("/status", w.handleStatus)
	})
	r.Method(http.MethodGet, "/metrics", w.metrics.handler())
	r.HandleFunc("/*", w.intercept)
	return r
}

// intercept answers claimed GET requests from the strategies
// and passes everything else through to the origin.
func (w *Worker) intercept(rw http.ResponseWriter, r *http.Request) {
	if reason := w.bypassReason(r); reason != "" {
		w.passthrough(rw, r, reason)
		return
	}
	res, strategy, cs := w.fetch(r.Context(), r)
	w.sendResponse(rw, r, res, strategy, cs)
}

func (w *Worker) bypassReason(r *http.Request) CacheStatusFwdReason {
	if r.Method != http.MethodGet {
		return CacheStatusFwdMethod
	}
	if !isHTTP(r) || !w.claimed.Load() {
		return CacheStatusFwdBypass
	}
	return ""
}

// isHTTP checks the request scheme; requests received by the server carry none.
func isHTTP(r *http.Request) bool {
	switch strings.ToLower(r.URL.Scheme) {
	case "", "http", "https":
		return true
	}
	return false
}

func (w *Worker) sendResponse(rw http.ResponseWriter, r *http.Request, res *http.Response, strategy route.Strategy, cs CacheStatus) {
	logger := w.getLogger(r)
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(rw.Header(), res.Header)
	rw.WriteHeader(res.StatusCode)
	if res.Body != nil {
		bytesWritten, err := io.Copy(rw, res.Body)
		if err != nil {
			logger.Error().Err(err).Msg("Could not write response body to client")
		}
		logger.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
	}
	w.logRequest(r, strategy.String(), res.StatusCode, cs)
}

func (w *Worker) logRequest(r *http.Request, strategy string, status int, cs CacheStatus) {
	w.getLogger(r).Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("strategy", strategy).
		Int("status", status).
		Str("cache", cs.String()).
		Msg("Sending response to client")
}

// getLogger returns the logger from the request context.
// If no logger is found, it will return the worker logger.
func (w *Worker) getLogger(r *http.Request) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		return &w.log
	}
	return logger
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	ip := ipAndPort[:portSepIdx]
	return ip
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// headers added by an upstream proxy are not passed on
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
