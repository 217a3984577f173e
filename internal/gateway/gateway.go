// Package gateway normalizes payment-gateway callbacks into a single Event
// type. Each adapter owns its provider's payload shape, signature scheme and
// status vocabulary; nothing past this package branches on raw payloads.
package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/custodia/settlement-engine/internal/apperr"
	"github.com/custodia/settlement-engine/internal/model"
)

// Class is the internal status set every provider vocabulary maps onto.
type Class string

const (
	ClassPending   Class = "pending"
	ClassConfirmed Class = "confirmed"
	ClassSettled   Class = "settled"
	ClassFailed    Class = "failed"
	ClassIgnored   Class = "ignored"
)

// Event is one normalized gateway callback.
type Event struct {
	Gateway        string
	CorrelationKey string // gateway-prefixed, unique across gateways
	ExternalID     string
	RawStatus      string
	Class          Class
	RouteKind      model.RouteKind
	RouteKey       string // address or payment id, depending on RouteKind
	Network        string
	Currency       string
	Amount         decimal.Decimal
	OrderRef       string
}

// Adapter is implemented once per gateway.
type Adapter interface {
	// Name is the path segment and correlation-key prefix for the gateway.
	Name() string

	// Parse validates the payload shape and normalizes it. Malformed input
	// fails with apperr.ErrValidation.
	Parse(body []byte) (*Event, error)

	// Verify checks the provider signature over the raw body. A bad or
	// missing signature fails with apperr.ErrAuth.
	Verify(body []byte, header http.Header) error
}

// CorrelationKey prefixes an external id with its gateway.
func CorrelationKey(gateway, externalID string) string {
	return gateway + ":" + externalID
}

func validationf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, apperr.ErrValidation)...)
}

// Amount decodes a JSON number or string into a decimal. Empty strings and
// null decode to zero with Valid unset.
type Amount struct {
	Value decimal.Decimal
	Valid bool
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	s = strings.Trim(s, `"`)
	if s == "" {
		return nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("amount %q: %w", s, err)
	}
	a.Value, a.Valid = v, true
	return nil
}

// ID decodes an identifier sent as either a JSON number or string.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*id = ID(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// canonicalJSON re-encodes body with object keys sorted at every level,
// numbers kept verbatim and HTML characters unescaped.
func canonicalJSON(body []byte) ([]byte, map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, nil, err
	}
	out, err := encode(obj)
	return out, obj, err
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
