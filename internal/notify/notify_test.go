package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia/settlement-engine/internal/notify"
)

func TestFanout_JoinsErrors(t *testing.T) {
	ok := &notify.Recorder{}
	bad := &notify.Recorder{Err: errors.New("bus down")}

	err := notify.Fanout{ok, bad}.Notify(context.Background(), notify.Notification{Type: notify.TypeDepositSettled})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus down")
	assert.Len(t, ok.Sent(""), 1, "healthy notifier still receives the message")
}

func TestSend_SwallowsFailure(t *testing.T) {
	bad := &notify.Recorder{Err: errors.New("bus down")}
	notify.Send(context.Background(), bad, notify.Notification{Type: notify.TypeWaitlistClaim})
	notify.Send(context.Background(), nil, notify.Notification{Type: notify.TypeWaitlistClaim})
}

func TestRecorder_FiltersByType(t *testing.T) {
	r := &notify.Recorder{}
	ctx := context.Background()
	_ = r.Notify(ctx, notify.Notification{Type: notify.TypeDepositSettled})
	_ = r.Notify(ctx, notify.Notification{Type: notify.TypeClaimExpired})
	_ = r.Notify(ctx, notify.Notification{Type: notify.TypeDepositSettled})

	assert.Len(t, r.Sent(notify.TypeDepositSettled), 2)
	assert.Len(t, r.Sent(""), 3)
}

func TestHub_BroadcastsToClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := notify.NewHub()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Notify(ctx, notify.Notification{
		ID:     "n1",
		Type:   notify.TypePositionLiquidated,
		UserID: "u1",
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got notify.Notification
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, notify.TypePositionLiquidated, got.Type)
	assert.Equal(t, "u1", got.UserID)
}
