package syncqueue

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/always-cache/offline-cache/pkg/network"
)

func newDispatcher(t *testing.T, q *Queue) (*Dispatcher, *httpmock.MockTransport) {
	t.Helper()
	transport := httpmock.NewMockTransport()
	origin, _ := url.Parse("http://origin.test")
	return NewDispatcher(q, network.NewClient(origin, "", transport), zerolog.Nop()), transport
}

func TestSyncReplaysSubmissions(t *testing.T) {
	q := openQueue(t)
	ctx := context.Background()
	d, transport := newDispatcher(t, q)

	var received string
	transport.RegisterResponder("POST", "http://origin.test/reports/create",
		func(r *http.Request) (*http.Response, error) {
			body, _ := io.ReadAll(r.Body)
			received = string(body)
			assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
			return httpmock.NewStringResponse(http.StatusCreated, ""), nil
		})

	s, err := q.Enqueue(ctx, Submission{
		Tag:         "background-sync-reports",
		URL:         "http://origin.test/reports/create",
		ContentType: "application/x-www-form-urlencoded",
		Body:        []byte("title=Laje"),
	})
	require.NoError(t, err)

	report, err := d.Sync(ctx, "background-sync-reports")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, "title=Laje", received)

	stored, err := q.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSynced, stored.State)
}

func TestSyncFailureKeepsSubmissionRetryable(t *testing.T) {
	q := openQueue(t)
	ctx := context.Background()
	d, transport := newDispatcher(t, q)

	var results []error
	d.OnResult = func(tag string, err error) {
		results = append(results, err)
	}
	transport.RegisterResponder("POST", "http://origin.test/upload_photo/1",
		httpmock.NewStringResponder(http.StatusInternalServerError, "boom"))
	// unregistered url: the mock transport answers with an error, like a dead network

	failing, _ := q.Enqueue(ctx, Submission{Tag: "background-sync-photos", URL: "http://origin.test/upload_photo/1"})
	offline, _ := q.Enqueue(ctx, Submission{Tag: "background-sync-photos", URL: "http://origin.test/upload_photo/2"})

	report, err := d.Sync(ctx, "background-sync-photos")
	require.NoError(t, err)
	assert.Equal(t, 0, report.Synced)
	assert.Equal(t, 2, report.Failed)
	require.Len(t, results, 2)
	for _, err := range results {
		assert.True(t, IsRetryable(err), "%v", err)
	}

	for _, id := range []string{failing.ID, offline.ID} {
		stored, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StateRetrying, stored.State)
		assert.Equal(t, 1, stored.Attempts)
		assert.NotEmpty(t, stored.LastError)
	}

	// the next sync picks them up again
	transport.RegisterResponder("POST", "http://origin.test/upload_photo/1",
		httpmock.NewStringResponder(http.StatusOK, ""))
	transport.RegisterResponder("POST", "http://origin.test/upload_photo/2",
		httpmock.NewStringResponder(http.StatusOK, ""))
	report, err = d.Sync(ctx, "background-sync-photos")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Synced)
}

func TestSyncWithEmptyQueue(t *testing.T) {
	q := openQueue(t)
	d, transport := newDispatcher(t, q)

	report, err := d.Sync(context.Background(), "background-sync-reports")
	require.NoError(t, err)
	assert.Equal(t, Report{Tag: "background-sync-reports"}, report)
	assert.Equal(t, 0, transport.GetTotalCallCount())
}

type fetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f fetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

func TestCancelledSyncLeavesSubmissionRetryable(t *testing.T) {
	q := openQueue(t)
	s, err := q.Enqueue(context.Background(), Submission{Tag: "background-sync-reports", URL: "http://origin.test/reports/create"})
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), Submission{Tag: "background-sync-reports", URL: "http://origin.test/reports/create?n=2"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0
	d := NewDispatcher(q, fetcherFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		calls++
		// the client went away while the submission was being sent
		cancel()
		return nil, ctx.Err()
	}), zerolog.Nop())

	report, err := d.Sync(ctx, "background-sync-reports")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, report.Failed)

	stored, err := q.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRetrying, stored.State)

	pending, err := q.Pending(context.Background(), "background-sync-reports")
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}
