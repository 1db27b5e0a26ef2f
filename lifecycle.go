package offlinecache

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"

	"github.com/always-cache/offline-cache/cache"
)

// State is the lifecycle state of the worker.
type State int32

const (
	StateIdle State = iota
	StateInstalling
	StateWaiting
	StateActivating
	StateActive
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	default:
		return "idle"
	}
}

// InstallReport lists what the precache step did.
type InstallReport struct {
	Precached int      `json:"precached"`
	Failed    []string `json:"failed"`
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

// Claimed reports whether the worker intercepts traffic.
func (w *Worker) Claimed() bool {
	return w.claimed.Load()
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
	w.metrics.lifecycleState.Set(float64(s))
}

// Start installs and activates the worker. There is no retry; the caller
// decides what to do when it fails.
func (w *Worker) Start(ctx context.Context) error {
	_, err := w.Install(ctx)
	return err
}

// Install precaches the manifest and the offline document and then skips
// waiting, i.e. activates right away.
func (w *Worker) Install(ctx context.Context) (InstallReport, error) {
	report, err := w.Precache(ctx)
	if err != nil {
		return report, err
	}
	return report, w.SkipWaiting(ctx)
}

// Precache runs the install step only and leaves the worker waiting.
// Manifest entries that cannot be fetched are logged and skipped;
// storage errors abort the install.
func (w *Worker) Precache(ctx context.Context) (InstallReport, error) {
	w.lifecycleMutex.Lock()
	defer w.lifecycleMutex.Unlock()

	previous := w.State()
	w.setState(StateInstalling)
	w.log.Info().Str("version", w.config.Version).Msg("Installing")

	report, err := w.precache(ctx)
	if err != nil {
		if previous == StateActive {
			w.setState(StateActive)
		} else {
			w.setState(StateIdle)
		}
		w.log.Error().Err(err).Msg("Install failed")
		return report, err
	}
	w.setState(StateWaiting)
	w.log.Info().Int("precached", report.Precached).Int("failed", len(report.Failed)).Msg("Installation complete")
	return report, nil
}

func (w *Worker) precache(ctx context.Context) (InstallReport, error) {
	report := InstallReport{Failed: make([]string, 0)}
	static, err := w.registry.Open(ctx, w.config.StaticCacheName())
	if err != nil {
		return report, err
	}
	dynamic, err := w.registry.Open(ctx, w.config.DynamicCacheName())
	if err != nil {
		return report, err
	}

	var mutex sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	if w.config.InstallConcurrency > 0 {
		// one extra slot for the offline document
		g.SetLimit(w.config.InstallConcurrency + 1)
	}
	g.Go(func() error {
		return dynamic.PutURL(gctx, w.config.OfflinePage, offlineDocumentResponse())
	})
	for _, u := range w.config.Precache {
		g.Go(func() error {
			err := w.precacheOne(gctx, static, u)
			if err != nil && !isPrecacheFailure(err) {
				return err
			}
			mutex.Lock()
			defer mutex.Unlock()
			if err != nil {
				w.log.Warn().Err(err).Str("url", u).Msg("Could not precache resource")
				w.metrics.precacheFailures.Inc()
				report.Failed = append(report.Failed, u)
				return nil
			}
			report.Precached++
			return nil
		})
	}
	return report, g.Wait()
}

// precacheOne fetches a manifest entry and stores it whatever the status.
// Fetch failures are returned as CodeUnavailable errors and tolerated by the caller;
// any other error comes from storage.
func (w *Worker) precacheOne(ctx context.Context, partition *cache.Partition, raw string) error {
	u, err := w.keyer.Resolve(raw)
	if err != nil {
		return precacheFailure(err, raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return precacheFailure(err, raw)
	}
	res, err := w.network.Fetch(ctx, req)
	if err != nil {
		return precacheFailure(err, raw)
	}
	defer res.Body.Close()
	// read the body here so that a broken transfer counts as a fetch failure
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return precacheFailure(err, raw)
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	return partition.Put(ctx, req, res)
}

func precacheFailure(err error, url string) error {
	return errors.WrapWithContext(err, errors.CodeUnavailable, "Could not precache resource",
		map[string]interface{}{"url": url})
}

func isPrecacheFailure(err error) bool {
	return errors.GetCode(err) == errors.CodeUnavailable
}

// SkipWaiting activates a worker that is waiting; otherwise it does nothing.
func (w *Worker) SkipWaiting(ctx context.Context) error {
	if w.State() != StateWaiting {
		w.log.Debug().Str("state", w.State().String()).Msg("Nothing waiting to activate")
		return nil
	}
	return w.Activate(ctx)
}

// Activate deletes every partition but the current static and dynamic ones
// and then claims all sessions: from now on GET requests are intercepted.
func (w *Worker) Activate(ctx context.Context) error {
	w.lifecycleMutex.Lock()
	defer w.lifecycleMutex.Unlock()

	state := w.State()
	if state != StateWaiting && state != StateActive {
		return errors.Newf(errors.CodeConflict, "Cannot activate while %s", state)
	}
	w.setState(StateActivating)
	w.log.Info().Msg("Activating")

	deleted, err := w.registry.DeleteAllExcept(ctx, w.config.CurrentCacheNames()...)
	if err != nil {
		w.setState(state)
		w.log.Error().Err(err).Msg("Activation failed")
		return err
	}
	w.claimed.Store(true)
	w.setState(StateActive)
	w.log.Info().Strs("deleted", deleted).Msg("Activation complete")
	return nil
}
