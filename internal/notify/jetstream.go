package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// SubjectPrefix roots every notification subject:
// settlement.notify.{type}
const SubjectPrefix = "settlement.notify"

// JetStreamNotifier publishes notifications to a JetStream stream. The
// notification id is sent as Nats-Msg-Id so the stream drops redeliveries
// of the same notice inside its duplicate window.
type JetStreamNotifier struct {
	js jetstream.JetStream
}

func NewJetStreamNotifier(js jetstream.JetStream) *JetStreamNotifier {
	return &JetStreamNotifier{js: js}
}

func (j *JetStreamNotifier) Notify(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	msg := &nats.Msg{
		Subject: fmt.Sprintf("%s.%s", SubjectPrefix, n.Type),
		Data:    data,
		Header:  nats.Header{},
	}
	if n.ID != "" {
		msg.Header.Set(jetstream.MsgIDHeader, n.ID)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := j.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// EnsureStream creates or updates the notification stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name string) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       name,
		Subjects:   []string{SubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 24 * time.Hour,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create notify stream: %w", err)
	}
	slog.Info("ensured notify stream", "stream", name)
	return nil
}
