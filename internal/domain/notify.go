package domain

import "context"

// PushTransport delivers a push notification to a user's devices.
// Delivery is best effort.
type PushTransport interface {
	Send(ctx context.Context, userID, title, body string, data map[string]any) error
}

// PushMessage is the wire form of a push notification on the event bus.
type PushMessage struct {
	UserID string         `json:"userId"`
	Title  string         `json:"title"`
	Body   string         `json:"body"`
	Data   map[string]any `json:"data,omitempty"`
}

// AccountSyncer refreshes an account from its banking provider.
type AccountSyncer interface {
	SyncAccount(ctx context.Context, account *Account) error
}
