package ipn

import "context"

// Notification is a PayPal notification whose fields PayPal confirmed.
type Notification struct {
	Fields  Fields
	Sandbox bool
}

// TxnID returns the transaction identifier of the notification.
func (n Notification) TxnID() string {
	return n.Fields.Value("txn_id")
}

type notificationKey struct{}

// WithNotification stores a verified notification on the context.
func WithNotification(ctx context.Context, n Notification) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, notificationKey{}, n)
}

// NotificationFromContext returns the verified notification, if any.
func NotificationFromContext(ctx context.Context) (Notification, bool) {
	if ctx == nil {
		return Notification{}, false
	}
	n, ok := ctx.Value(notificationKey{}).(Notification)
	return n, ok
}
