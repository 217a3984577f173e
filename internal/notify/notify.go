// Package notify dispatches side-channel notifications: user-facing notices
// over NATS JetStream and an admin live feed over WebSocket. Dispatch is
// best-effort; no caller rolls back state because a notification failed.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Notification types.
const (
	TypeDepositSettled     = "deposit_settled"
	TypePositionLiquidated = "position_liquidated"
	TypePositionStopped    = "position_stopped"
	TypeWaitlistClaim      = "waitlist_claim"
	TypeClaimExpired       = "claim_expired"
	TypeTickCompleted      = "tick_completed"
)

// Notification is one message for a user or for the live feed.
type Notification struct {
	ID        string            `json:"id"` // dedupe key for the bus
	Type      string            `json:"type"`
	UserID    string            `json:"user_id,omitempty"`
	Subject   string            `json:"subject,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

// Fanout delivers to every notifier and joins their errors.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range f {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Send notifies and logs a failure at WARN instead of returning it.
func Send(ctx context.Context, nt Notifier, n Notification) {
	if nt == nil {
		return
	}
	if err := nt.Notify(ctx, n); err != nil {
		slog.Warn("notification failed", "type", n.Type, "id", n.ID, "user", n.UserID, "err", err)
	}
}

// Recorder keeps every notification in memory. Used for testing.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
	Err  error // returned from Notify when set
}

func (r *Recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.sent = append(r.sent, n)
	return nil
}

// Sent returns the notifications of the given type, or all when typ is empty.
func (r *Recorder) Sent(typ string) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.sent {
		if typ == "" || n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}
