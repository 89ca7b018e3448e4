package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/groupsub/internal/common"
	"github.com/noah-isme/groupsub/internal/obs"
)

// EmailNotifier renders queued notifications and mails them to the user.
type EmailNotifier struct {
	Mail     common.EmailSender
	Enabled  bool
	BoardURL string
	Logger   zerolog.Logger
}

// Deliver decodes a scheduled notification task and sends it. Tasks without a
// recipient are dropped.
func (n EmailNotifier) Deliver(_ context.Context, payload []byte) error {
	var task Task
	if err := json.Unmarshal(payload, &task); err != nil {
		return fmt.Errorf("email notify: decode task: %w", err)
	}
	result := "skipped"
	defer func() {
		if obs.NotificationsSentTotal != nil {
			obs.NotificationsSentTotal.WithLabelValues(task.Event, result).Inc()
		}
	}()
	if !n.Enabled || n.Mail == nil {
		return nil
	}
	to := strings.TrimSpace(task.Context.UserEmail)
	if to == "" {
		n.Logger.Debug().Str("event", task.Event).Str("user_id", task.Context.UserID).Msg("notification_without_recipient")
		return nil
	}
	if task.Context.BoardURL == "" {
		task.Context.BoardURL = n.BoardURL
	}
	rendered, err := Render(task.Event, task.Context)
	if err != nil {
		result = "error"
		if errors.Is(err, ErrUnknownEvent) {
			n.Logger.Warn().Err(err).Msg("notification_dropped")
			return nil
		}
		return err
	}
	if err := n.Mail.Send(to, rendered.Title, emailBody(rendered)); err != nil {
		result = "error"
		return fmt.Errorf("email notify: send: %w", err)
	}
	result = "sent"
	return nil
}

func emailBody(n Notification) string {
	var b strings.Builder
	b.WriteString(n.Reference)
	b.WriteString(".\n")
	keys := make([]string, 0, len(n.EmailVars))
	for k := range n.EmailVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, n.EmailVars[k])
	}
	return b.String()
}
