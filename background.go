package offlinecache

import (
	"context"
	"net/http"

	"github.com/always-cache/offline-cache/notify"
	"github.com/always-cache/offline-cache/syncqueue"
)

// Sync replays the queued submissions of a background sync tag.
// Unknown tags are ignored.
func (w *Worker) Sync(ctx context.Context, tag string) (syncqueue.Report, error) {
	if !w.isSyncTag(tag) {
		w.log.Debug().Str("tag", tag).Msg("Ignoring unknown sync tag")
		return syncqueue.Report{Tag: tag}, nil
	}
	w.log.Info().Str("tag", tag).Msg("Background sync triggered")
	return w.dispatcher.Sync(ctx, tag)
}

func (w *Worker) isSyncTag(tag string) bool {
	for _, sr := range w.config.SyncRoutes {
		if sr.Tag == tag {
			return true
		}
	}
	return false
}

// PeriodicSync refreshes the URL configured for the tag into the dynamic partition.
// Failures are only logged.
func (w *Worker) PeriodicSync(ctx context.Context, tag string) error {
	raw, ok := w.config.PeriodicFetch[tag]
	if !ok {
		w.log.Debug().Str("tag", tag).Msg("Ignoring unknown periodic sync tag")
		return nil
	}
	logger := w.log.With().Str("tag", tag).Str("url", raw).Logger()
	u, err := w.keyer.Resolve(raw)
	if err != nil {
		logger.Warn().Err(err).Msg("Periodic sync failed")
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		logger.Warn().Err(err).Msg("Periodic sync failed")
		return nil
	}
	res, err := w.network.Fetch(ctx, req)
	if err != nil {
		logger.Warn().Err(err).Msg("Periodic sync failed")
		return nil
	}
	defer res.Body.Close()
	if !isStorable(req, res) {
		logger.Warn().Int("status", res.StatusCode).Msg("Periodic sync failed")
		return nil
	}
	if w.store(ctx, w.config.DynamicCacheName(), req, res, &logger) {
		logger.Debug().Msg("Periodic sync stored response")
	}
	return nil
}

// Push shows a notification built from the push payload.
func (w *Worker) Push(ctx context.Context, payload []byte) error {
	n := notify.Merge(w.config.Notification, payload, w.log)
	return w.notifier.Notify(ctx, n)
}

// NotificationClick returns the URL to open for a notification action,
// or "" when the notification is just dismissed.
func (w *Worker) NotificationClick(action string) string {
	target := notify.ClickTarget(action, w.config.OpenURL)
	w.log.Debug().Str("action", action).Str("open", target).Msg("Notification clicked")
	return target
}
