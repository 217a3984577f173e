package gateway

import (
	"bytes"
	"crypto/md5"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/custodia/settlement-engine/internal/apperr"
	"github.com/custodia/settlement-engine/internal/model"
)

// CryptomusName is the gateway name of the static-wallet provider.
const CryptomusName = "cryptomus"

var cryptomusClasses = map[string]Class{
	"check":         ClassPending,
	"process":       ClassPending,
	"confirm_check": ClassConfirmed,
	"paid":          ClassSettled,
	"paid_over":     ClassSettled,
	"fail":          ClassFailed,
	"cancel":        ClassFailed,
	"system_fail":   ClassFailed,
	"refund_paid":   ClassFailed,
	"wrong_amount":  ClassFailed,
}

type cryptomusPayload struct {
	UUID          string `json:"uuid"`
	OrderID       string `json:"order_id"`
	Status        string `json:"status"`
	Address       string `json:"address"`
	PaymentAmount Amount `json:"payment_amount"`
	Amount        Amount `json:"amount"`
	Currency      string `json:"currency"`
	Network       string `json:"network"`
	TxID          string `json:"txid"`
	IsFinal       bool   `json:"is_final"`
	Sign          string `json:"sign"`
}

// Cryptomus handles permanent deposit addresses. Many payments arrive on
// one address; each is identified by its uuid.
type Cryptomus struct {
	apiKey string
}

// NewCryptomus returns the adapter keyed by the payment API key.
func NewCryptomus(apiKey string) *Cryptomus {
	return &Cryptomus{apiKey: apiKey}
}

func (c *Cryptomus) Name() string { return CryptomusName }

func (c *Cryptomus) Parse(body []byte) (*Event, error) {
	var p cryptomusPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, validationf("cryptomus: malformed payload: %v", err)
	}
	if p.UUID == "" || p.Status == "" || p.Address == "" {
		return nil, validationf("cryptomus: uuid, status and address are required")
	}

	status := strings.ToLower(p.Status)
	class, ok := cryptomusClasses[status]
	if !ok {
		class = ClassIgnored
	}

	amount := p.PaymentAmount
	if !amount.Valid {
		amount = p.Amount
	}
	if (class == ClassConfirmed || class == ClassSettled) && !amount.Value.IsPositive() {
		return nil, validationf("cryptomus: payment %s has no positive amount", p.UUID)
	}

	return &Event{
		Gateway:        CryptomusName,
		CorrelationKey: CorrelationKey(CryptomusName, p.UUID),
		ExternalID:     p.UUID,
		RawStatus:      status,
		Class:          class,
		RouteKind:      model.RouteAddress,
		RouteKey:       p.Address,
		Network:        p.Network,
		Currency:       strings.ToUpper(p.Currency),
		Amount:         amount.Value,
		OrderRef:       p.OrderID,
	}, nil
}

func (c *Cryptomus) Verify(body []byte, _ http.Header) error {
	if c.apiKey == "" {
		return fmt.Errorf("cryptomus: api key not configured: %w", apperr.ErrAuth)
	}
	_, obj, err := canonicalJSON(body)
	if err != nil {
		return fmt.Errorf("cryptomus: cannot decode body: %w", apperr.ErrValidation)
	}
	got, _ := obj["sign"].(string)
	if got == "" {
		return fmt.Errorf("cryptomus: missing sign: %w", apperr.ErrAuth)
	}
	delete(obj, "sign")
	want, err := c.sign(obj)
	if err != nil {
		return fmt.Errorf("cryptomus: %v: %w", err, apperr.ErrValidation)
	}
	if subtle.ConstantTimeCompare([]byte(strings.ToLower(got)), []byte(want)) != 1 {
		return fmt.Errorf("cryptomus: signature mismatch: %w", apperr.ErrAuth)
	}
	return nil
}

// sign is md5(base64(json) + apiKey) with forward slashes escaped the way
// the provider's encoder writes them.
func (c *Cryptomus) sign(obj map[string]any) (string, error) {
	data, err := encode(obj)
	if err != nil {
		return "", err
	}
	data = bytes.ReplaceAll(data, []byte("/"), []byte(`\/`))
	sum := md5.Sum([]byte(base64.StdEncoding.EncodeToString(data) + c.apiKey))
	return hex.EncodeToString(sum[:]), nil
}

// Sign returns body with a valid sign field added, as the provider sends it.
func (c *Cryptomus) Sign(body []byte) ([]byte, error) {
	_, obj, err := canonicalJSON(body)
	if err != nil {
		return nil, err
	}
	delete(obj, "sign")
	sig, err := c.sign(obj)
	if err != nil {
		return nil, err
	}
	obj["sign"] = sig
	return encode(obj)
}
