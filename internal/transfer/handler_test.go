package transfer_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia/settlement-engine/internal/model"
	"github.com/custodia/settlement-engine/internal/transfer"
)

func newRouter(svc *transfer.Service) chi.Router {
	r := chi.NewRouter()
	h := transfer.NewHandler(svc)
	h.Routes(r)
	h.InternalRoutes(r)
	return r
}

func post(t *testing.T, r chi.Router, path string, body any) (*httptest.ResponseRecorder, model.Transaction) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", path, bytes.NewReader(raw)))

	var tx model.Transaction
	if w.Code < 300 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tx), w.Body.String())
	}
	return w, tx
}

func TestHandler_Transfer(t *testing.T) {
	svc, ms := newTestEnv(t)
	r := newRouter(svc)
	req := transfer.TransferRequest{
		FromUserID: "u1", ToUserID: "u2", AssetID: "USDT", Amount: d(40), CorrelationKey: "t-1",
	}

	w, tx := post(t, r, "/api/v1/transfers", req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, model.TxCompleted, tx.Status)
	assert.Equal(t, "u2", tx.CounterpartyID)

	w, replay := post(t, r, "/api/v1/transfers", req)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, tx.ID, replay.ID)

	assert.True(t, balance(t, ms, "u1").Balance.Equal(d(60)))
	assert.True(t, balance(t, ms, "u2").Balance.Equal(d(40)), "moved once")
}

func TestHandler_TransferErrors(t *testing.T) {
	tests := []struct {
		name string
		body any
		want int
	}{
		{"bad body", "not json", http.StatusBadRequest},
		{"to self", transfer.TransferRequest{
			FromUserID: "u1", ToUserID: "u1", AssetID: "USDT", Amount: d(1), CorrelationKey: "t-1",
		}, http.StatusBadRequest},
		{"missing key", transfer.TransferRequest{
			FromUserID: "u1", ToUserID: "u2", AssetID: "USDT", Amount: d(1),
		}, http.StatusBadRequest},
		{"zero amount", transfer.TransferRequest{
			FromUserID: "u1", ToUserID: "u2", AssetID: "USDT", CorrelationKey: "t-2",
		}, http.StatusBadRequest},
		{"insufficient", transfer.TransferRequest{
			FromUserID: "u1", ToUserID: "u2", AssetID: "USDT", Amount: d(150), CorrelationKey: "t-3",
		}, http.StatusConflict},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc, ms := newTestEnv(t)
			w, _ := post(t, newRouter(svc), "/api/v1/transfers", tc.body)
			assert.Equal(t, tc.want, w.Code, w.Body.String())
			assert.True(t, balance(t, ms, "u1").Balance.Equal(d(100)))
		})
	}
}

func TestHandler_WithdrawalPaidOut(t *testing.T) {
	svc, ms := newTestEnv(t)
	r := newRouter(svc)

	w, tx := post(t, r, "/api/v1/withdrawals", transfer.WithdrawalRequest{
		UserID: "u1", AssetID: "USDT", Amount: d(30), CorrelationKey: "w-1", Notes: "to TXYZ",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, model.TxPending, tx.Status)
	assert.True(t, tx.LockedAmount.Equal(d(30)))
	assert.True(t, balance(t, ms, "u1").Available().Equal(d(70)))

	w, tx = post(t, r, "/internal/withdrawals/w-1/settle", transfer.SettleRequest{Approved: true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.TxCompleted, tx.Status)

	w, tx = post(t, r, "/internal/withdrawals/w-1/settle", transfer.SettleRequest{Approved: false})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.TxCompleted, tx.Status, "settled withdrawals do not move again")

	acct := balance(t, ms, "u1")
	assert.True(t, acct.Balance.Equal(d(70)))
	assert.True(t, acct.LockedBalance.IsZero())
}

func TestHandler_WithdrawalRejected(t *testing.T) {
	svc, ms := newTestEnv(t)
	r := newRouter(svc)

	w, _ := post(t, r, "/api/v1/withdrawals", transfer.WithdrawalRequest{
		UserID: "u1", AssetID: "USDT", Amount: d(30), CorrelationKey: "w-1",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w, tx := post(t, r, "/internal/withdrawals/w-1/settle", transfer.SettleRequest{})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.TxFailed, tx.Status)

	acct := balance(t, ms, "u1")
	assert.True(t, acct.Balance.Equal(d(100)))
	assert.True(t, acct.LockedBalance.IsZero())
}

func TestHandler_WithdrawalErrors(t *testing.T) {
	svc, _ := newTestEnv(t)
	r := newRouter(svc)

	w, _ := post(t, r, "/api/v1/withdrawals", transfer.WithdrawalRequest{
		UserID: "u1", AssetID: "USDT", Amount: d(101), CorrelationKey: "w-1",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = post(t, r, "/internal/withdrawals/missing/settle", transfer.SettleRequest{Approved: true})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = post(t, r, "/api/v1/transfers", transfer.TransferRequest{
		FromUserID: "u1", ToUserID: "u2", AssetID: "USDT", Amount: d(5), CorrelationKey: "t-1",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	w, _ = post(t, r, "/internal/withdrawals/t-1/settle", transfer.SettleRequest{Approved: true})
	assert.Equal(t, http.StatusBadRequest, w.Code, "a transfer is not a withdrawal")
}
