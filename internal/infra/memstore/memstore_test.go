package memstore_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/boddenberg/ob-client-go/internal/domain"
	"github.com/boddenberg/ob-client-go/internal/infra/memstore"
)

func TestTokenStore_RoundTrip(t *testing.T) {
	s, err := memstore.NewTokenStore(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("NewTokenStore: %v", err)
	}
	ctx := context.Background()

	got, err := s.LoadToken(ctx, "user")
	if err != nil || got != nil {
		t.Fatalf("expected (nil, nil) for missing token, got %v %v", got, err)
	}

	exp := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	if err := s.SaveToken(ctx, "user", &domain.AuthenticationToken{AccessToken: "at", RefreshToken: "rt", ExpiresAt: exp}); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	got, err = s.LoadToken(ctx, "user")
	if err != nil {
		t.Fatalf("LoadToken: %v", err)
	}
	if got.AccessToken != "at" || got.RefreshToken != "rt" || !got.ExpiresAt.Equal(exp) {
		t.Errorf("unexpected token %+v", got)
	}

	if err := s.DeleteToken(ctx, "user"); err != nil {
		t.Fatalf("DeleteToken: %v", err)
	}
	if got, _ := s.LoadToken(ctx, "user"); got != nil {
		t.Error("expected token to be deleted")
	}
}

func TestNewTokenStore_RejectsShortKey(t *testing.T) {
	if _, err := memstore.NewTokenStore([]byte("short")); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestConsentStore_CopiesRecords(t *testing.T) {
	s := memstore.NewConsentStore()
	ctx := context.Background()

	c := &domain.Consent{ID: "c-1", Status: domain.ConsentAwaitingAuthorization, Permissions: []domain.Permission{domain.PermReadBalances}}
	if err := s.Create(ctx, c); err != nil {
		t.Fatalf("Create: %v", err)
	}
	c.Permissions[0] = domain.PermReadAccountsBasic

	got, err := s.Get(ctx, "c-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Permissions[0] != domain.PermReadBalances {
		t.Error("store must not alias caller slices")
	}

	if err := s.Create(ctx, c); !domain.IsKind(err, domain.KindInvalidState) {
		t.Errorf("expected duplicate create to fail, got %v", err)
	}
	if _, err := s.Get(ctx, "missing"); !domain.IsKind(err, domain.KindNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
	if err := s.Update(ctx, &domain.Consent{ID: "missing"}); !domain.IsKind(err, domain.KindNotFound) {
		t.Errorf("expected NotFound on update, got %v", err)
	}
}

func TestAuditLog_SequencesPerConsent(t *testing.T) {
	l := memstore.NewAuditLog()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Append(ctx, &domain.ConsentAuditEntry{ConsentID: "c-1", Action: domain.AuditPermissionGranted})
		}()
	}
	wg.Wait()
	_ = l.Append(ctx, &domain.ConsentAuditEntry{ConsentID: "c-2", Action: domain.AuditCreated})

	entries, _ := l.List(ctx, "c-1")
	if len(entries) != 50 {
		t.Fatalf("expected 50 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Sequence != int64(i+1) {
			t.Fatalf("entry %d has sequence %d", i, e.Sequence)
		}
	}
	other, _ := l.List(ctx, "c-2")
	if len(other) != 1 || other[0].Sequence != 1 {
		t.Errorf("expected independent sequence for c-2, got %+v", other)
	}
}
