package orderref

import (
	"errors"
	"testing"
)

func TestParse_Valid(t *testing.T) {
	r, err := Parse("WLT-user42-USDT-1718035200")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Prefix != PrefixDeposit {
		t.Errorf("expected prefix=WLT, got %s", r.Prefix)
	}
	if r.UserID != "user42" {
		t.Errorf("expected user=user42, got %s", r.UserID)
	}
	if r.AssetID != "USDT" {
		t.Errorf("expected asset=USDT, got %s", r.AssetID)
	}
	if r.Nonce != "1718035200" {
		t.Errorf("expected nonce=1718035200, got %s", r.Nonce)
	}
}

func TestParse_UUIDUser(t *testing.T) {
	r, err := Parse("WLT-7c9e6679-7425-40de-944b-e07fc1f90ae7-BTC-a1b2c3d4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.UserID != "7c9e6679-7425-40de-944b-e07fc1f90ae7" {
		t.Errorf("unexpected user id %s", r.UserID)
	}
	if r.AssetID != "BTC" {
		t.Errorf("expected asset=BTC, got %s", r.AssetID)
	}
}

func TestParse_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"INVALID",
		"WLT-user42",
		"WLT-user42-USDT",
		"WLT-user42-usdt-1718035200", // lowercase asset
		"WLT--USDT-1718035200",       // empty user
		"WLT-user42-USDT-12",         // nonce too short
		"wlt-user42-USDT-1718035200", // lowercase prefix
	}
	for _, ref := range tests {
		_, err := Parse(ref)
		if !errors.Is(err, ErrInvalidRef) {
			t.Errorf("expected ErrInvalidRef for %q, got %v", ref, err)
		}
	}
}

func TestParse_InvalidPrefix(t *testing.T) {
	_, err := Parse("ABC-user42-USDT-1718035200")
	if !errors.Is(err, ErrInvalidPrefix) {
		t.Errorf("expected ErrInvalidPrefix, got %v", err)
	}
}

func TestBuild_RoundTrip(t *testing.T) {
	raw := Build(PrefixWithdrawal, "u-1", "eth", "nonce99")
	if raw != "WDR-u-1-ETH-nonce99" {
		t.Fatalf("unexpected reference %s", raw)
	}
	r, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.UserID != "u-1" || r.AssetID != "ETH" {
		t.Errorf("unexpected fields %+v", r)
	}
}
