package gateway_test

import (
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia/settlement-engine/internal/apperr"
	"github.com/custodia/settlement-engine/internal/gateway"
	"github.com/custodia/settlement-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestNowPayments_ParseNumberAndStringFields(t *testing.T) {
	np := gateway.NewNowPayments("secret")

	ev, err := np.Parse([]byte(`{"payment_id":5077125051,"payment_status":"finished",
		"actually_paid":"5.2","pay_amount":5,"pay_currency":"usdttrc20","order_id":"WLT-u1-USDT-0001"}`))
	require.NoError(t, err)
	assert.Equal(t, "nowpayments:5077125051", ev.CorrelationKey)
	assert.Equal(t, gateway.ClassSettled, ev.Class)
	assert.Equal(t, model.RouteInvoice, ev.RouteKind)
	assert.Equal(t, "5077125051", ev.RouteKey)
	assert.True(t, ev.Amount.Equal(d(5.2)))
	assert.Equal(t, "WLT-u1-USDT-0001", ev.OrderRef)
}

func TestNowPayments_AmountFallsBackToPayAmount(t *testing.T) {
	np := gateway.NewNowPayments("secret")
	ev, err := np.Parse([]byte(`{"payment_id":"p1","payment_status":"confirmed","actually_paid":0,"pay_amount":"3.5"}`))
	require.NoError(t, err)
	assert.Equal(t, gateway.ClassConfirmed, ev.Class)
	assert.True(t, ev.Amount.Equal(d(3.5)))
}

func TestNowPayments_StatusVocabulary(t *testing.T) {
	np := gateway.NewNowPayments("secret")
	cases := map[string]gateway.Class{
		"waiting":        gateway.ClassPending,
		"confirming":     gateway.ClassPending,
		"sending":        gateway.ClassConfirmed,
		"partially_paid": gateway.ClassIgnored,
		"expired":        gateway.ClassFailed,
		"refunded":       gateway.ClassFailed,
		"something_new":  gateway.ClassIgnored,
	}
	for status, want := range cases {
		ev, err := np.Parse([]byte(`{"payment_id":"p1","payment_status":"` + status + `","pay_amount":1}`))
		require.NoError(t, err, status)
		assert.Equal(t, want, ev.Class, status)
	}
}

func TestNowPayments_ParseRejectsMalformed(t *testing.T) {
	np := gateway.NewNowPayments("secret")
	for _, body := range []string{
		`not json`,
		`{"payment_status":"finished"}`,
		`{"payment_id":"p1"}`,
		`{"payment_id":"p1","payment_status":"finished"}`,
		`{"payment_id":"p1","payment_status":"finished","pay_amount":"abc"}`,
	} {
		_, err := np.Parse([]byte(body))
		assert.ErrorIs(t, err, apperr.ErrValidation, body)
	}
}

func TestNowPayments_Verify(t *testing.T) {
	np := gateway.NewNowPayments("secret")
	body := []byte(`{"payment_status":"finished","payment_id":7,"order_id":"a<b>&c"}`)

	sig, err := np.Sign(body)
	require.NoError(t, err)

	h := http.Header{}
	h.Set(gateway.NowPaymentsSigHeader, sig)
	assert.NoError(t, np.Verify(body, h))

	// Key order in the delivered body does not matter.
	reordered := []byte(`{"order_id":"a<b>&c","payment_id":7,"payment_status":"finished"}`)
	assert.NoError(t, np.Verify(reordered, h))

	tampered := []byte(`{"payment_status":"finished","payment_id":8,"order_id":"a<b>&c"}`)
	assert.ErrorIs(t, np.Verify(tampered, h), apperr.ErrAuth)

	assert.ErrorIs(t, np.Verify(body, http.Header{}), apperr.ErrAuth)
	assert.ErrorIs(t, gateway.NewNowPayments("other").Verify(body, h), apperr.ErrAuth)
}

func TestCryptomus_Parse(t *testing.T) {
	c := gateway.NewCryptomus("key")
	ev, err := c.Parse([]byte(`{"uuid":"9f1c","order_id":"WLT-u1-USDT-0001","status":"paid_over",
		"address":"TXYZ","payment_amount":"10.5","currency":"usdt","network":"tron"}`))
	require.NoError(t, err)
	assert.Equal(t, "cryptomus:9f1c", ev.CorrelationKey)
	assert.Equal(t, gateway.ClassSettled, ev.Class)
	assert.Equal(t, model.RouteAddress, ev.RouteKind)
	assert.Equal(t, "TXYZ", ev.RouteKey)
	assert.Equal(t, "tron", ev.Network)
	assert.Equal(t, "USDT", ev.Currency)
	assert.True(t, ev.Amount.Equal(d(10.5)))
}

func TestCryptomus_ParseRejectsMissingAddress(t *testing.T) {
	c := gateway.NewCryptomus("key")
	_, err := c.Parse([]byte(`{"uuid":"9f1c","status":"paid","payment_amount":"1"}`))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestCryptomus_Verify(t *testing.T) {
	c := gateway.NewCryptomus("key")
	signed, err := c.Sign([]byte(`{"uuid":"9f1c","status":"paid","address":"T/1","payment_amount":"1"}`))
	require.NoError(t, err)

	assert.NoError(t, c.Verify(signed, nil))
	assert.ErrorIs(t, gateway.NewCryptomus("wrong").Verify(signed, nil), apperr.ErrAuth)
	assert.ErrorIs(t, c.Verify([]byte(`{"uuid":"9f1c","status":"paid"}`), nil), apperr.ErrAuth)
}

func TestAmount_NullAndEmpty(t *testing.T) {
	np := gateway.NewNowPayments("secret")
	ev, err := np.Parse([]byte(`{"payment_id":"p1","payment_status":"waiting","actually_paid":null,"pay_amount":""}`))
	require.NoError(t, err)
	assert.True(t, ev.Amount.IsZero())
}
