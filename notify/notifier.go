package notify

import (
	"context"
	"fmt"

	"github.com/jmgilman/go/errors"
	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/rs/zerolog"
)

// Notifier shows a notification somewhere.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) LogNotifier {
	return LogNotifier{log: logger.With().Str("component", "notify").Logger()}
}

func (l LogNotifier) Notify(ctx context.Context, n Notification) error {
	l.log.Info().
		Str("title", n.Title).
		Str("body", n.Body).
		Str("tag", n.Tag).
		Bool("requireInteraction", n.RequireInteraction).
		Msg("Showing notification")
	return nil
}

type sender interface {
	Send(message string, params *types.Params) []error
}

// ShoutrrrNotifier forwards notifications to shoutrrr service URLs
// (ntfy://, gotify://, telegram://, ...).
type ShoutrrrNotifier struct {
	sender sender
	urls   int
}

func NewShoutrrrNotifier(urls ...string) (*ShoutrrrNotifier, error) {
	if len(urls) == 0 {
		return nil, errors.New(errors.CodeInvalidConfig, "No notifier urls configured")
	}
	s, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "Could not create notification sender")
	}
	return &ShoutrrrNotifier{sender: s, urls: len(urls)}, nil
}

func (s *ShoutrrrNotifier) Notify(ctx context.Context, n Notification) error {
	params := types.Params{
		"title": n.Title,
	}
	if n.Tag != "" {
		params["tags"] = n.Tag
	}
	var failed []error
	for _, err := range s.sender.Send(n.Body, &params) {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) > 0 {
		return errors.WrapWithContext(failed[0], errors.CodeUnavailable,
			fmt.Sprintf("Could not deliver notification (%d of %d services failed)", len(failed), s.urls),
			map[string]interface{}{"tag": n.Tag})
	}
	return nil
}

// Multi delivers to every notifier and returns the first error.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var first error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}
