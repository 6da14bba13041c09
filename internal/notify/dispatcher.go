package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kirmas/dealradar/internal/store"
)

// Message is what the delivery channel receives. ImageURL is optional.
type Message struct {
	Text     string
	ImageURL string
}

// Transport pushes a message to a recipient. The dispatcher does not
// know delivery-channel specifics.
type Transport interface {
	Deliver(ctx context.Context, chatID int64, msg Message) error
}

// Dispatcher persists accepted events and pushes them out. An event is
// durably recorded before any delivery attempt, so failed pushes stay
// queryable as unread notifications.
type Dispatcher struct {
	store     store.Store
	transport Transport
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher. transport may be nil, in which
// case events are persisted without a push.
func NewDispatcher(s store.Store, transport Transport, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{store: s, transport: transport, logger: logger}
}

// Dispatch records the event as an unread notification, then attempts
// delivery. Rich delivery degrades to text-only before giving up;
// delivery failure never rolls back the persisted row.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	notification := &store.Notification{
		UserID:    ev.UserID,
		ProductID: ev.ProductID,
		QueryID:   ev.QueryID,
		Type:      ev.Type,
	}
	if err := d.store.CreateNotification(ctx, notification); err != nil {
		return fmt.Errorf("persist notification: %w", err)
	}

	if d.transport == nil {
		return nil
	}

	user, err := d.store.GetUser(ctx, ev.UserID)
	if err != nil {
		d.logger.Error("notification recipient lookup failed",
			"user_id", ev.UserID, "error", err)
		return nil
	}

	msg := Format(ev)
	if err := d.transport.Deliver(ctx, user.ChatID, msg); err != nil {
		if msg.ImageURL != "" {
			d.logger.Warn("rich delivery failed, retrying text-only",
				"user_id", ev.UserID, "notification_id", notification.ID, "error", err)
			if err := d.transport.Deliver(ctx, user.ChatID, Message{Text: msg.Text}); err == nil {
				return nil
			}
		}
		d.logger.Error("notification delivery failed",
			"user_id", ev.UserID, "notification_id", notification.ID, "error", err)
	}
	return nil
}

// Format renders the user-facing message for an event.
func Format(ev Event) Message {
	p := ev.Product
	var b strings.Builder

	switch ev.Type {
	case store.NotifyPriceDrop:
		fmt.Fprintf(&b, "Price drop -%d%%: %s\n", ev.PercentDrop, p.Title)
		fmt.Fprintf(&b, "%.2f → %.2f %s\n", ev.PreviousPrice, p.Price, p.Currency)
	default:
		fmt.Fprintf(&b, "New listing: %s\n", p.Title)
		if p.Price > 0 {
			fmt.Fprintf(&b, "%.2f %s\n", p.Price, p.Currency)
		}
	}

	if p.Location != "" {
		fmt.Fprintf(&b, "%s\n", p.Location)
	}
	if p.ProductURL != "" {
		b.WriteString(p.ProductURL)
	}

	return Message{Text: strings.TrimRight(b.String(), "\n"), ImageURL: p.ImageURL}
}
