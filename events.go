package offlinecache

import (
	"context"
	"net/http"

	"github.com/jmgilman/go/errors"

	"github.com/always-cache/offline-cache/syncqueue"
)

type EventKind string

const (
	EventInstall           EventKind = "install"
	EventActivate          EventKind = "activate"
	EventFetch             EventKind = "fetch"
	EventMessage           EventKind = "message"
	EventSync              EventKind = "sync"
	EventPeriodicSync      EventKind = "periodicsync"
	EventPush              EventKind = "push"
	EventNotificationClick EventKind = "notificationclick"
)

// Event is something the host asks the worker to handle.
// Which fields are used depends on the kind.
type Event struct {
	Kind EventKind
	// fetch
	Request *http.Request
	// message
	Message Message
	// sync and periodicsync
	Tag string
	// push
	Payload []byte
	// notificationclick
	Action string
}

// Outcome is the pending result of an event. The host must Wait for it
// before it moves on (e.g. before serving traffic after an install).
type Outcome struct {
	done     chan struct{}
	response *http.Response
	report   syncqueue.Report
	openURL  string
	err      error
}

// Wait blocks until the event has been handled or ctx is done.
// Fetch outcomes of intercepted GET requests carry a response unless ctx is done first;
// requests that are not intercepted have none when the network fails.
func (o *Outcome) Wait(ctx context.Context) (*http.Response, error) {
	select {
	case <-o.done:
		return o.response, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the event has been handled.
func (o *Outcome) Done() <-chan struct{} {
	return o.done
}

// SyncReport is the result of a sync event; valid after Wait.
func (o *Outcome) SyncReport() syncqueue.Report {
	return o.report
}

// OpenURL is the URL a notification click wants opened, empty if none; valid after Wait.
func (o *Outcome) OpenURL() string {
	return o.openURL
}

// HandleEvent starts handling an event on its own goroutine.
func (w *Worker) HandleEvent(ctx context.Context, ev Event) *Outcome {
	o := &Outcome{done: make(chan struct{})}
	go func() {
		defer close(o.done)
		w.dispatch(ctx, ev, o)
	}()
	return o
}

func (w *Worker) dispatch(ctx context.Context, ev Event, o *Outcome) {
	switch ev.Kind {
	case EventInstall:
		_, o.err = w.Install(ctx)
	case EventActivate:
		o.err = w.Activate(ctx)
	case EventFetch:
		o.response, o.err = w.handleFetchEvent(ctx, ev.Request)
	case EventMessage:
		o.err = w.HandleMessage(ctx, ev.Message)
	case EventSync:
		o.report, o.err = w.Sync(ctx, ev.Tag)
	case EventPeriodicSync:
		o.err = w.PeriodicSync(ctx, ev.Tag)
	case EventPush:
		o.err = w.Push(ctx, ev.Payload)
	case EventNotificationClick:
		o.openURL = w.NotificationClick(ev.Action)
	default:
		o.err = errors.Newf(errors.CodeInvalidInput, "Unknown event %q", ev.Kind)
	}
}

// handleFetchEvent answers intercepted requests like ServeHTTP does;
// requests that are not intercepted go straight to the network.
func (w *Worker) handleFetchEvent(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New(errors.CodeInvalidInput, "Fetch event without request")
	}
	if w.bypassReason(req) != "" {
		return w.network.Fetch(ctx, req)
	}
	return w.Fetch(ctx, req), nil
}
