package offlinecache

import (
	"context"
	"net/http"

	"github.com/jmgilman/go/errors"
)

// Message is sent by the page to the worker.
type Message struct {
	Action string `json:"action"`
	URL    string `json:"url,omitempty"`
}

const (
	ActionSkipWaiting = "skipWaiting"
	ActionCachePage   = "cachePage"
	ActionClearCache  = "clearCache"
)

// HandleMessage runs the registry operation a message asks for.
// Messages without or with an unknown action are ignored.
func (w *Worker) HandleMessage(ctx context.Context, m Message) error {
	switch m.Action {
	case ActionSkipWaiting:
		return w.SkipWaiting(ctx)
	case ActionCachePage:
		return w.CachePage(ctx, m.URL)
	case ActionClearCache:
		deleted, err := w.registry.DeleteAll(ctx)
		if err != nil {
			return err
		}
		w.log.Info().Strs("deleted", deleted).Msg("Cleared all caches")
		return nil
	case "":
		w.log.Debug().Msg("Ignoring message without action")
	default:
		w.log.Warn().Str("action", m.Action).Msg("Ignoring unknown message")
	}
	return nil
}

// CachePage fetches a page and stores it in the dynamic partition.
// Unlike the strategies it fails on a non-ok response.
func (w *Worker) CachePage(ctx context.Context, raw string) error {
	if raw == "" {
		return errors.New(errors.CodeInvalidInput, "cachePage needs a url")
	}
	u, err := w.keyer.Resolve(raw)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return errors.Wrap(err, errors.CodeInvalidInput, "Could not create request")
	}
	res, err := w.network.Fetch(ctx, req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if !isStorable(req, res) {
		return errors.WrapWithContext(
			errors.Newf(errors.CodeUnavailable, "Request failed with status %d", res.StatusCode),
			errors.CodeUnavailable, "Could not cache page",
			map[string]interface{}{"url": u.String()},
		)
	}
	partition, err := w.registry.Open(ctx, w.config.DynamicCacheName())
	if err != nil {
		return err
	}
	if err := partition.Put(ctx, req, res); err != nil {
		return err
	}
	w.log.Debug().Str("url", u.String()).Msg("Cached page")
	return nil
}
