package notify

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"riskline/internal/clock"
	"riskline/internal/domain"
)

// InboxStore persists notifications for later reading.
type InboxStore interface {
	InsertNotification(ctx context.Context, n domain.Notification) error
}

// Inbox stores each message as an unread notification row for its user.
type Inbox struct {
	Store InboxStore
	Clock clock.Clock
}

func (in Inbox) Notify(ctx context.Context, msg Message) error {
	if msg.UserID == "" {
		return fmt.Errorf("notification %q has no recipient", msg.Kind)
	}
	var clk clock.Clock = clock.System{}
	if in.Clock != nil {
		clk = in.Clock
	}
	return in.Store.InsertNotification(ctx, domain.Notification{
		ID:        uuid.NewString(),
		UserID:    msg.UserID,
		Kind:      msg.Kind,
		Title:     msg.Title,
		Message:   msg.Body,
		Link:      msg.Link,
		CreatedAt: clk.Now(),
	})
}
