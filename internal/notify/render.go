package notify

import (
	"errors"
	"fmt"
	"strings"
)

// EventExpired is raised when a user's group subscription runs out.
const EventExpired = "expired"

// ErrUnknownEvent is returned for event types without a renderer.
var ErrUnknownEvent = errors.New("notify: unknown event type")

// Context describes the subscription and user a notification is about.
type Context struct {
	SubscriptionID   string `json:"subscription_id"`
	SubscriptionName string `json:"subscription_name"`
	UserID           string `json:"user_id"`
	UserEmail        string `json:"user_email,omitempty"`
	BoardURL         string `json:"board_url,omitempty"`
}

// Notification is the rendered, user-facing form of an event.
type Notification struct {
	Type          string
	Title         string
	Reference     string
	EmailTemplate string
	EmailVars     map[string]string
}

// Option is the preference metadata users see for a notification type.
type Option struct {
	Lang  string
	Group string
}

type renderer struct {
	typeName string
	option   Option
	render   func(Context) Notification
}

var renderers = map[string]renderer{
	EventExpired: {
		typeName: "groupsub.notification.type.expired",
		option:   Option{Lang: "GROUPSUB_NOTIFICATION_TYPE_EXPIRED", Group: "GROUPSUB_NOTIFICATION_GROUP"},
		render: func(c Context) Notification {
			return Notification{
				Title:         "Subscription expired",
				Reference:     fmt.Sprintf("Your subscription to \"%s\" has expired", c.SubscriptionName),
				EmailTemplate: "@groupsub/subscription_expired",
				EmailVars: map[string]string{
					"SUB_NAME":   c.SubscriptionName,
					"U_VIEW_SUB": subscriptionURL(c),
				},
			}
		},
	},
}

// Render produces the title, reference and email template data for an event.
func Render(eventType string, c Context) (Notification, error) {
	r, ok := renderers[strings.ToLower(strings.TrimSpace(eventType))]
	if !ok {
		return Notification{}, fmt.Errorf("%w: %q", ErrUnknownEvent, eventType)
	}
	n := r.render(c)
	n.Type = r.typeName
	return n, nil
}

// OptionFor returns the preference metadata of an event type.
func OptionFor(eventType string) (Option, bool) {
	r, ok := renderers[strings.ToLower(strings.TrimSpace(eventType))]
	return r.option, ok
}

func subscriptionURL(c Context) string {
	return strings.TrimRight(c.BoardURL, "/") + "/groupsub/" + c.SubscriptionID
}
