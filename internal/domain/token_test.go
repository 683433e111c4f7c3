package domain_test

import (
	"testing"
	"time"

	"github.com/boddenberg/ob-client-go/internal/domain"
)

func TestToken_ExpiringSoonBoundary(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		remaining time.Duration
		soon      bool
	}{
		{10 * time.Minute, false},
		{5 * time.Minute, false},
		{5*time.Minute - time.Nanosecond, true},
		{time.Minute, true},
		{-time.Minute, true},
	}
	for _, tc := range cases {
		tok := &domain.AuthenticationToken{AccessToken: "at", ExpiresAt: now.Add(tc.remaining)}
		if got := tok.ExpiringSoonAt(now); got != tc.soon {
			t.Errorf("remaining %s: ExpiringSoonAt = %v, want %v", tc.remaining, got, tc.soon)
		}
	}
}

func TestToken_ValidAt(t *testing.T) {
	now := time.Now()

	var nilTok *domain.AuthenticationToken
	if nilTok.ValidAt(now) {
		t.Error("nil token must be invalid")
	}
	if (&domain.AuthenticationToken{ExpiresAt: now.Add(time.Hour)}).ValidAt(now) {
		t.Error("token without access token must be invalid")
	}
	if (&domain.AuthenticationToken{AccessToken: "at", ExpiresAt: now}).ValidAt(now) {
		t.Error("token at its expiry instant must be invalid")
	}
	if !(&domain.AuthenticationToken{AccessToken: "at", ExpiresAt: now.Add(time.Second)}).ValidAt(now) {
		t.Error("unexpired token must be valid")
	}
}
