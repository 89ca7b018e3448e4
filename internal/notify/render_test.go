package notify_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/groupsub/internal/notify"
)

func TestRenderExpired(t *testing.T) {
	n, err := notify.Render(notify.EventExpired, notify.Context{
		SubscriptionID:   "7",
		SubscriptionName: "Gold Members",
		UserID:           "42",
		BoardURL:         "https://forum.example.com/",
	})
	require.NoError(t, err)
	require.Equal(t, "groupsub.notification.type.expired", n.Type)
	require.Equal(t, "Subscription expired", n.Title)
	require.Equal(t, `Your subscription to "Gold Members" has expired`, n.Reference)
	require.Equal(t, "@groupsub/subscription_expired", n.EmailTemplate)
	require.Equal(t, map[string]string{
		"SUB_NAME":   "Gold Members",
		"U_VIEW_SUB": "https://forum.example.com/groupsub/7",
	}, n.EmailVars)
}

func TestRenderNormalisesEventName(t *testing.T) {
	_, err := notify.Render(" Expired ", notify.Context{})
	require.NoError(t, err)
}

func TestRenderUnknownEvent(t *testing.T) {
	_, err := notify.Render("renewed", notify.Context{})
	require.ErrorIs(t, err, notify.ErrUnknownEvent)

	_, ok := notify.OptionFor("renewed")
	require.False(t, ok)
}

func TestOptionForExpired(t *testing.T) {
	opt, ok := notify.OptionFor(notify.EventExpired)
	require.True(t, ok)
	require.Equal(t, "GROUPSUB_NOTIFICATION_TYPE_EXPIRED", opt.Lang)
	require.Equal(t, "GROUPSUB_NOTIFICATION_GROUP", opt.Group)
}

func TestRenderKeepsNameVerbatim(t *testing.T) {
	n, err := notify.Render(notify.EventExpired, notify.Context{SubscriptionID: "7", SubscriptionName: `Gold "VIP" \ Plan`})
	require.NoError(t, err)
	require.Equal(t, `Your subscription to "Gold "VIP" \ Plan" has expired`, n.Reference)
	require.Equal(t, `Gold "VIP" \ Plan`, n.EmailVars["SUB_NAME"])
}
