package syncqueue

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"

	"github.com/always-cache/offline-cache/pkg/network"
)

// Report summarizes one sync run.
type Report struct {
	Tag    string `json:"tag"`
	Synced int    `json:"synced"`
	Failed int    `json:"failed"`
}

// Dispatcher replays queued submissions when a sync event arrives.
// There is no retry loop; failed submissions wait for the next Sync.
type Dispatcher struct {
	queue   *Queue
	fetcher network.Fetcher
	log     zerolog.Logger
	// OnResult is called after each replay attempt, if set.
	OnResult func(tag string, err error)
}

func NewDispatcher(queue *Queue, fetcher network.Fetcher, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		fetcher: fetcher,
		log:     logger.With().Str("component", "sync").Logger(),
	}
}

// Sync replays the pending submissions of a tag, oldest first.
// Per-item failures are recorded on the item and do not stop the run;
// only queue storage errors are returned.
func (d *Dispatcher) Sync(ctx context.Context, tag string) (Report, error) {
	report := Report{Tag: tag}
	items, err := d.queue.Pending(ctx, tag)
	if err != nil {
		return report, err
	}
	d.log.Debug().Str("tag", tag).Int("pending", len(items)).Msg("Starting sync")
	// state changes are recorded even when ctx is cancelled mid replay,
	// otherwise the item would be stuck in syncing
	stateCtx := context.WithoutCancel(ctx)
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			d.log.Info().Err(err).Str("tag", tag).Msg("Sync interrupted")
			return report, err
		}
		if err := d.queue.MarkSyncing(stateCtx, item.ID); err != nil {
			return report, err
		}
		replayErr := d.replay(ctx, item)
		if d.OnResult != nil {
			d.OnResult(tag, replayErr)
		}
		if replayErr != nil {
			report.Failed++
			d.log.Warn().Err(replayErr).Str("id", item.ID).Str("url", item.URL).Msg("Could not sync submission")
			if err := d.queue.MarkFailed(stateCtx, item.ID, replayErr); err != nil {
				return report, err
			}
			continue
		}
		report.Synced++
		if err := d.queue.MarkSynced(stateCtx, item.ID); err != nil {
			return report, err
		}
	}
	d.log.Info().Str("tag", tag).Int("synced", report.Synced).Int("failed", report.Failed).Msg("Sync finished")
	return report, nil
}

func (d *Dispatcher) replay(ctx context.Context, item Submission) error {
	req, err := http.NewRequestWithContext(ctx, item.Method, item.URL, bytes.NewReader(item.Body))
	if err != nil {
		return errors.Wrap(err, errors.CodeInvalidInput, "Could not recreate submission")
	}
	if item.ContentType != "" {
		req.Header.Set("Content-Type", item.ContentType)
	}
	res, err := d.fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return errors.WrapWithContext(
			errors.Newf(errors.CodeUnavailable, "Origin responded with %d", res.StatusCode),
			errors.CodeUnavailable, "Sync dispatch failed",
			map[string]interface{}{"url": item.URL, "status": res.StatusCode},
		)
	}
	return nil
}

// IsRetryable reports whether a dispatch error leaves the submission for a later sync.
func IsRetryable(err error) bool {
	return errors.IsRetryable(err)
}
