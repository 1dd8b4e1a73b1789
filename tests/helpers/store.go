package helpers

import (
	"testing"
	"time"

	"github.com/xiaot623/gogo/sessionsync/internal/ephemeral"
	"github.com/xiaot623/gogo/sessionsync/internal/repository"
)

func NewTestArchiveStore(t *testing.T) *repository.Store {
	t.Helper()

	s, err := repository.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to create archive store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

func NewTestEphemeralStore(t *testing.T) *ephemeral.Store {
	t.Helper()

	s := ephemeral.NewMemoryStore(time.Hour)

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}
