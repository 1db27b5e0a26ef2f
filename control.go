package offlinecache

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jmgilman/go/errors"

	"github.com/always-cache/offline-cache/syncqueue"
)

// Max size of control request bodies (messages, push payloads).
const maxControlBody = 64 << 10

// Status is served at /_worker/status.
type Status struct {
	State      string                  `json:"state"`
	Claimed    bool                    `json:"claimed"`
	Version    string                  `json:"version"`
	Current    []string                `json:"current"`
	Partitions []string                `json:"partitions"`
	Queue      map[syncqueue.State]int `json:"queue"`
}

func (w *Worker) handleInstall(rw http.ResponseWriter, r *http.Request) {
	o := w.HandleEvent(r.Context(), Event{Kind: EventInstall})
	w.writeOutcome(rw, r, o, nil)
}

func (w *Worker) handleActivate(rw http.ResponseWriter, r *http.Request) {
	o := w.HandleEvent(r.Context(), Event{Kind: EventActivate})
	w.writeOutcome(rw, r, o, nil)
}

func (w *Worker) handleMessage(rw http.ResponseWriter, r *http.Request) {
	var m Message
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&m); err != nil {
		w.writeError(rw, r, errors.Wrap(err, errors.CodeInvalidInput, "Could not parse message"))
		return
	}
	o := w.HandleEvent(r.Context(), Event{Kind: EventMessage, Message: m})
	w.writeOutcome(rw, r, o, nil)
}

func (w *Worker) handlePush(rw http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		w.writeError(rw, r, errors.Wrap(err, errors.CodeInvalidInput, "Could not read push payload"))
		return
	}
	o := w.HandleEvent(r.Context(), Event{Kind: EventPush, Payload: payload})
	w.writeOutcome(rw, r, o, nil)
}

func (w *Worker) handleSync(rw http.ResponseWriter, r *http.Request) {
	o := w.HandleEvent(r.Context(), Event{Kind: EventSync, Tag: chi.URLParam(r, "tag")})
	w.writeOutcome(rw, r, o, func() interface{} {
		return o.SyncReport()
	})
}

func (w *Worker) handlePeriodicSync(rw http.ResponseWriter, r *http.Request) {
	o := w.HandleEvent(r.Context(), Event{Kind: EventPeriodicSync, Tag: chi.URLParam(r, "tag")})
	w.writeOutcome(rw, r, o, nil)
}

func (w *Worker) handleNotificationClick(rw http.ResponseWriter, r *http.Request) {
	var click struct {
		Action string `json:"action"`
	}
	// an empty body is a click on the notification itself
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&click); err != nil && err != io.EOF {
		w.writeError(rw, r, errors.Wrap(err, errors.CodeInvalidInput, "Could not parse notification click"))
		return
	}
	o := w.HandleEvent(r.Context(), Event{Kind: EventNotificationClick, Action: click.Action})
	w.writeOutcome(rw, r, o, func() interface{} {
		return map[string]string{"openUrl": o.OpenURL()}
	})
}

func (w *Worker) handleStatus(rw http.ResponseWriter, r *http.Request) {
	status, err := w.Status(r.Context())
	if err != nil {
		w.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, status)
}

// Status describes lifecycle, partitions and queue.
func (w *Worker) Status(ctx context.Context) (Status, error) {
	names, err := w.registry.Names(ctx)
	if err != nil {
		return Status{}, err
	}
	counts, err := w.queue.Counts(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		State:      w.State().String(),
		Claimed:    w.Claimed(),
		Version:    w.config.Version,
		Current:    w.config.CurrentCacheNames(),
		Partitions: names,
		Queue:      counts,
	}, nil
}

// writeOutcome waits for the event and writes its result:
// the body returned by result, or 204 if there is none.
func (w *Worker) writeOutcome(rw http.ResponseWriter, r *http.Request, o *Outcome, result func() interface{}) {
	if _, err := o.Wait(r.Context()); err != nil {
		w.writeError(rw, r, err)
		return
	}
	if result == nil {
		rw.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(rw, http.StatusOK, result())
}

func (w *Worker) writeError(rw http.ResponseWriter, r *http.Request, err error) {
	w.getLogger(r).Warn().Err(err).Str("path", r.URL.Path).Msg("Control request failed")
	writeJSON(rw, httpStatus(err), errors.ToJSON(err))
}

func httpStatus(err error) int {
	switch errors.GetCode(err) {
	case errors.CodeInvalidInput:
		return http.StatusBadRequest
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeConflict:
		return http.StatusConflict
	case errors.CodeNetwork, errors.CodeUnavailable:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(rw http.ResponseWriter, status int, v interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
