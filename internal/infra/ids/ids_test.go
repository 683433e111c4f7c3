package ids_test

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/boddenberg/ob-client-go/internal/infra/ids"
)

func TestNew_IsMonotonic(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	prev := ids.NewAt(at)
	for i := 0; i < 1000; i++ {
		next := ids.NewAt(at)
		if next <= prev {
			t.Fatalf("expected %s > %s", next, prev)
		}
		prev = next
	}
}

func TestNew_Length(t *testing.T) {
	if got := ids.New(); len(got) != 26 {
		t.Errorf("expected 26-char ULID, got %q", got)
	}
}

func TestInteraction_IsUUID(t *testing.T) {
	if _, err := uuid.Parse(ids.Interaction()); err != nil {
		t.Errorf("expected uuid: %v", err)
	}
}
