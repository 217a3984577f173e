package gateway

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/custodia/settlement-engine/internal/apperr"
	"github.com/custodia/settlement-engine/internal/model"
)

// NowPaymentsName is the gateway name of the invoice-based provider.
const NowPaymentsName = "nowpayments"

// NowPaymentsSigHeader carries the hex HMAC-SHA512 of the sorted-key body.
const NowPaymentsSigHeader = "x-nowpayments-sig"

var nowPaymentsClasses = map[string]Class{
	"waiting":        ClassPending,
	"confirming":     ClassPending,
	"confirmed":      ClassConfirmed,
	"sending":        ClassConfirmed,
	"finished":       ClassSettled,
	"partially_paid": ClassIgnored,
	"failed":         ClassFailed,
	"expired":        ClassFailed,
	"refunded":       ClassFailed,
}

type nowPaymentsPayload struct {
	PaymentID     ID     `json:"payment_id"`
	PaymentStatus string `json:"payment_status"`
	PayAddress    string `json:"pay_address"`
	PayCurrency   string `json:"pay_currency"`
	Network       string `json:"network"`
	ActuallyPaid  Amount `json:"actually_paid"`
	PayAmount     Amount `json:"pay_amount"`
	OutcomeAmount Amount `json:"outcome_amount"`
	OrderID       string `json:"order_id"`
}

// NowPayments handles single-use payment records. Each payment id is one
// deposit attempt, routed through an invoice.
type NowPayments struct {
	ipnSecret string
}

// NewNowPayments returns the adapter keyed by the IPN secret.
func NewNowPayments(ipnSecret string) *NowPayments {
	return &NowPayments{ipnSecret: ipnSecret}
}

func (n *NowPayments) Name() string { return NowPaymentsName }

func (n *NowPayments) Parse(body []byte) (*Event, error) {
	var p nowPaymentsPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, validationf("nowpayments: malformed payload: %v", err)
	}
	if p.PaymentID == "" || p.PaymentStatus == "" {
		return nil, validationf("nowpayments: payment_id and payment_status are required")
	}

	status := strings.ToLower(p.PaymentStatus)
	class, ok := nowPaymentsClasses[status]
	if !ok {
		class = ClassIgnored
	}

	amount := p.ActuallyPaid
	if !amount.Valid || !amount.Value.IsPositive() {
		amount = p.PayAmount
	}
	if (class == ClassConfirmed || class == ClassSettled) && !amount.Value.IsPositive() {
		return nil, validationf("nowpayments: payment %s has no positive amount", p.PaymentID)
	}

	return &Event{
		Gateway:        NowPaymentsName,
		CorrelationKey: CorrelationKey(NowPaymentsName, string(p.PaymentID)),
		ExternalID:     string(p.PaymentID),
		RawStatus:      status,
		Class:          class,
		RouteKind:      model.RouteInvoice,
		RouteKey:       string(p.PaymentID),
		Network:        p.Network,
		Currency:       strings.ToUpper(p.PayCurrency),
		Amount:         amount.Value,
		OrderRef:       p.OrderID,
	}, nil
}

func (n *NowPayments) Verify(body []byte, header http.Header) error {
	sig := header.Get(NowPaymentsSigHeader)
	if sig == "" {
		return fmt.Errorf("nowpayments: missing %s header: %w", NowPaymentsSigHeader, apperr.ErrAuth)
	}
	if n.ipnSecret == "" {
		return fmt.Errorf("nowpayments: ipn secret not configured: %w", apperr.ErrAuth)
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("nowpayments: signature is not hex: %w", apperr.ErrAuth)
	}
	canonical, _, err := canonicalJSON(body)
	if err != nil {
		return fmt.Errorf("nowpayments: cannot canonicalize body: %w", apperr.ErrValidation)
	}
	if !hmac.Equal(n.sign(canonical), want) {
		return fmt.Errorf("nowpayments: signature mismatch: %w", apperr.ErrAuth)
	}
	return nil
}

func (n *NowPayments) sign(canonical []byte) []byte {
	h := hmac.New(sha512.New, []byte(n.ipnSecret))
	h.Write(canonical)
	return h.Sum(nil)
}

// Sign returns the header value the provider would send for body.
func (n *NowPayments) Sign(body []byte) (string, error) {
	canonical, _, err := canonicalJSON(body)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(n.sign(canonical)), nil
}
