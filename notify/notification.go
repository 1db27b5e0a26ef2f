// Package notify builds push notifications and delivers them to the configured sinks.
package notify

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"
)

// Notification is what gets shown for a push message.
type Notification struct {
	Title              string   `json:"title" yaml:"title"`
	Body               string   `json:"body" yaml:"body"`
	Icon               string   `json:"icon" yaml:"icon"`
	Badge              string   `json:"badge" yaml:"badge"`
	Tag                string   `json:"tag" yaml:"tag"`
	RequireInteraction bool     `json:"requireInteraction" yaml:"requireInteraction"`
	Actions            []Action `json:"actions" yaml:"actions"`
}

type Action struct {
	Action string `json:"action" yaml:"action"`
	Title  string `json:"title" yaml:"title"`
}

const (
	ActionOpen  = "open"
	ActionClose = "close"
)

// Defaults returns the notification shown when a push has no (usable) payload.
func Defaults() Notification {
	return Notification{
		Title: "ELP Obras",
		Body:  "Nova notificação disponível",
		Icon:  "/static/icons/icon-192.png",
		Badge: "/static/icons/badge-72.png",
		Tag:   "elp-notification",
		Actions: []Action{
			{Action: ActionOpen, Title: "Abrir App"},
			{Action: ActionClose, Title: "Fechar"},
		},
	}
}

// Merge overlays a JSON push payload on the defaults.
// Fields missing from the payload keep their default value.
// An empty or unparsable payload yields the defaults; parse errors are logged.
func Merge(defaults Notification, payload []byte, logger zerolog.Logger) Notification {
	n := defaults
	n.Actions = append([]Action(nil), defaults.Actions...)
	if len(strings.TrimSpace(string(payload))) == 0 {
		return n
	}
	merged := n
	merged.Actions = append([]Action(nil), n.Actions...)
	if err := json.Unmarshal(payload, &merged); err != nil {
		logger.Warn().Err(err).Msg("Could not parse push payload, using defaults")
		return n
	}
	return merged
}

// ClickTarget returns the URL to open for a notification click,
// or "" when the action dismisses the notification.
func ClickTarget(action, openURL string) string {
	if action == ActionClose {
		return ""
	}
	return openURL
}
