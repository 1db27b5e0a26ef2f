package notify

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeKeepsDefaultsForMissingFields(t *testing.T) {
	n := Merge(Defaults(), []byte(`{"title":"Novo relatório","requireInteraction":true}`), zerolog.Nop())
	assert.Equal(t, "Novo relatório", n.Title)
	assert.Equal(t, "Nova notificação disponível", n.Body)
	assert.Equal(t, "/static/icons/icon-192.png", n.Icon)
	assert.True(t, n.RequireInteraction)
	assert.Len(t, n.Actions, 2)
}

func TestMergeWithInvalidPayloadUsesDefaults(t *testing.T) {
	var buf bytes.Buffer
	n := Merge(Defaults(), []byte("not json"), zerolog.New(&buf))
	assert.Equal(t, Defaults(), n)
	assert.Contains(t, buf.String(), "Could not parse push payload")
}

func TestMergeWithEmptyPayload(t *testing.T) {
	assert.Equal(t, Defaults(), Merge(Defaults(), nil, zerolog.Nop()))
}

func TestClickTarget(t *testing.T) {
	assert.Equal(t, "", ClickTarget(ActionClose, "/dashboard"))
	assert.Equal(t, "/dashboard", ClickTarget(ActionOpen, "/dashboard"))
	assert.Equal(t, "/dashboard", ClickTarget("", "/dashboard"))
}

type fakeSender struct {
	messages []string
	params   []types.Params
	errs     []error
}

func (f *fakeSender) Send(message string, params *types.Params) []error {
	f.messages = append(f.messages, message)
	f.params = append(f.params, *params)
	return f.errs
}

func TestShoutrrrNotifierSendsTitleAndBody(t *testing.T) {
	fake := &fakeSender{errs: []error{nil}}
	s := &ShoutrrrNotifier{sender: fake, urls: 1}

	require.NoError(t, s.Notify(context.Background(), Defaults()))
	require.Len(t, fake.messages, 1)
	assert.Equal(t, "Nova notificação disponível", fake.messages[0])
	assert.Equal(t, "ELP Obras", fake.params[0]["title"])
}

func TestShoutrrrNotifierReportsFailures(t *testing.T) {
	fake := &fakeSender{errs: []error{nil, errors.New("unreachable")}}
	s := &ShoutrrrNotifier{sender: fake, urls: 2}
	err := s.Notify(context.Background(), Defaults())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")
}

func TestNewShoutrrrNotifierNeedsUrls(t *testing.T) {
	_, err := NewShoutrrrNotifier()
	assert.Error(t, err)
}

type countingNotifier struct {
	calls int
	err   error
}

func (c *countingNotifier) Notify(ctx context.Context, n Notification) error {
	c.calls++
	return c.err
}

func TestMultiNotifiesAll(t *testing.T) {
	a := &countingNotifier{err: errors.New("down")}
	b := &countingNotifier{}
	err := Multi{a, b, NewLogNotifier(zerolog.Nop())}.Notify(context.Background(), Defaults())
	assert.EqualError(t, err, "down")
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
}
