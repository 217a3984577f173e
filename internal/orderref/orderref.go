// Package orderref handles the order references the platform embeds in
// gateway payments. A reference names the account that initiated the
// payment, which reconciliation checks against the owner of the route the
// payment arrived on.
package orderref

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Supported reference prefixes.
const (
	PrefixDeposit    = "WLT"
	PrefixWithdrawal = "WDR"
)

var validPrefixes = map[string]bool{
	PrefixDeposit:    true,
	PrefixWithdrawal: true,
}

// refRegex matches: {prefix}-{userID}-{assetID}-{nonce}
// Example: WLT-7c9e6679-7425-40de-944b-e07fc1f90ae7-USDT-1718035200
// The user id may itself contain dashes, so asset and nonce are taken from
// the right.
var refRegex = regexp.MustCompile(
	`^([A-Z]{3})-([A-Za-z0-9][A-Za-z0-9_-]*)-([A-Z0-9]{2,12})-([A-Za-z0-9]{4,40})$`,
)

var (
	ErrInvalidRef    = errors.New("orderref: invalid order reference")
	ErrInvalidPrefix = errors.New("orderref: unsupported reference prefix")
)

// Ref is a parsed order reference.
type Ref struct {
	Raw     string `json:"raw"`
	Prefix  string `json:"prefix"`
	UserID  string `json:"user_id"`
	AssetID string `json:"asset_id"`
	Nonce   string `json:"nonce"`
}

// Parse validates a reference string and extracts its fields.
// Format: {WLT|WDR}-{userID}-{assetID}-{nonce}
func Parse(raw string) (*Ref, error) {
	matches := refRegex.FindStringSubmatch(strings.TrimSpace(raw))
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected WLT-{user}-{asset}-{nonce})", ErrInvalidRef, raw)
	}
	if !validPrefixes[matches[1]] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPrefix, matches[1])
	}
	return &Ref{
		Raw:     matches[0],
		Prefix:  matches[1],
		UserID:  matches[2],
		AssetID: matches[3],
		Nonce:   matches[4],
	}, nil
}

// Build formats a reference. It does not validate; Parse does.
func Build(prefix, userID, assetID, nonce string) string {
	return fmt.Sprintf("%s-%s-%s-%s", prefix, userID, strings.ToUpper(assetID), nonce)
}
