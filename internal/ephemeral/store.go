// Package ephemeral provides the TTL'd, mutable tier of session storage:
// one record per live session plus a per-ticket active session pointer.
//
// Every mutating call resets the key's sliding TTL, so a session nobody
// writes to anymore (for example after a crash mid-poll) expires by itself.
package ephemeral

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/xiaot623/gogo/sessionsync/internal/domain"
)

// DefaultTTL is the sliding expiry applied when callers pass a zero TTL.
const DefaultTTL = time.Hour

const (
	sessionPrefix = "session:"
	ticketPrefix  = "ticket:"
	pointerSuffix = ":active"
)

func sessionKey(sessionID string) string { return sessionPrefix + sessionID }

func pointerKey(ticketID string) string { return ticketPrefix + ticketID + pointerSuffix }

// backend is a key/value map with per-key sliding expiry. Expired keys are
// invisible to every read.
type backend interface {
	set(ctx context.Context, key string, value []byte, ttl time.Duration, now time.Time) error
	get(ctx context.Context, key string, now time.Time) ([]byte, error)
	touch(ctx context.Context, key string, now time.Time) error
	del(ctx context.Context, key string) error
	delIf(ctx context.Context, key string, value []byte, now time.Time) (bool, error)
	scan(ctx context.Context, prefix string, now time.Time) (map[string][]byte, error)
	cleanup(ctx context.Context, now time.Time) (int, error)
	close() error
}

// Store is the ephemeral session tier.
type Store struct {
	backend backend
	ttl     time.Duration
	now     func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func newStore(b backend, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{backend: b, ttl: ttl, now: time.Now}
}

// Open selects a backend from url: "memory" for the in-process map,
// anything else is a SQLite DSN.
func Open(url string, ttl time.Duration) (*Store, error) {
	if url == "" || url == "memory" {
		return NewMemoryStore(ttl), nil
	}
	return NewSQLiteStore(url, ttl)
}

// TTL returns the default sliding expiry.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

func (s *Store) effectiveTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return s.ttl
	}
	return ttl
}

// Put writes the session record and resets its expiry to ttl.
func (s *Store) Put(ctx context.Context, sessionID string, state *domain.SessionState, ttl time.Duration) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}
	if err := s.backend.set(ctx, sessionKey(sessionID), data, s.effectiveTTL(ttl), s.now()); err != nil {
		return fmt.Errorf("failed to put session %s: %w", sessionID, err)
	}
	return nil
}

// Get returns the session record. Returns nil, nil if absent or expired.
func (s *Store) Get(ctx context.Context, sessionID string) (*domain.SessionState, error) {
	data, err := s.backend.get(ctx, sessionKey(sessionID), s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", sessionID, err)
	}
	if data == nil {
		return nil, nil
	}
	var state domain.SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", sessionID, err)
	}
	return &state, nil
}

// RefreshTTL extends the session record by its TTL without rewriting it.
func (s *Store) RefreshTTL(ctx context.Context, sessionID string) error {
	if err := s.backend.touch(ctx, sessionKey(sessionID), s.now()); err != nil {
		return fmt.Errorf("failed to refresh session %s: %w", sessionID, err)
	}
	return nil
}

// Delete removes the session record.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.backend.del(ctx, sessionKey(sessionID)); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return nil
}

// SetActivePointer points ticketID at sessionID.
func (s *Store) SetActivePointer(ctx context.Context, ticketID, sessionID string, ttl time.Duration) error {
	if err := s.backend.set(ctx, pointerKey(ticketID), []byte(sessionID), s.effectiveTTL(ttl), s.now()); err != nil {
		return fmt.Errorf("failed to set active pointer for ticket %s: %w", ticketID, err)
	}
	return nil
}

// GetActivePointer returns the session the ticket points at, or "" if none.
func (s *Store) GetActivePointer(ctx context.Context, ticketID string) (string, error) {
	data, err := s.backend.get(ctx, pointerKey(ticketID), s.now())
	if err != nil {
		return "", fmt.Errorf("failed to get active pointer for ticket %s: %w", ticketID, err)
	}
	return string(data), nil
}

// DeleteActivePointer removes the ticket's pointer unconditionally.
func (s *Store) DeleteActivePointer(ctx context.Context, ticketID string) error {
	if err := s.backend.del(ctx, pointerKey(ticketID)); err != nil {
		return fmt.Errorf("failed to delete active pointer for ticket %s: %w", ticketID, err)
	}
	return nil
}

// DeleteActivePointerIf removes the ticket's pointer only while it still
// points at sessionID, so a pointer reassigned to a newer session survives.
func (s *Store) DeleteActivePointerIf(ctx context.Context, ticketID, sessionID string) (bool, error) {
	deleted, err := s.backend.delIf(ctx, pointerKey(ticketID), []byte(sessionID), s.now())
	if err != nil {
		return false, fmt.Errorf("failed to delete active pointer for ticket %s: %w", ticketID, err)
	}
	return deleted, nil
}

// ScanActivePointers lists every live ticket pointer.
func (s *Store) ScanActivePointers(ctx context.Context) ([]domain.ActivePointer, error) {
	entries, err := s.backend.scan(ctx, ticketPrefix, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to scan active pointers: %w", err)
	}
	pointers := make([]domain.ActivePointer, 0, len(entries))
	for key, value := range entries {
		if !strings.HasSuffix(key, pointerSuffix) {
			continue
		}
		ticketID := strings.TrimSuffix(strings.TrimPrefix(key, ticketPrefix), pointerSuffix)
		pointers = append(pointers, domain.ActivePointer{TicketID: ticketID, SessionID: string(value)})
	}
	return pointers, nil
}

// ScanSessions lists every live session record. Records that fail to decode
// are logged and skipped.
func (s *Store) ScanSessions(ctx context.Context) ([]*domain.SessionState, error) {
	entries, err := s.backend.scan(ctx, sessionPrefix, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}
	states := make([]*domain.SessionState, 0, len(entries))
	for key, value := range entries {
		var state domain.SessionState
		if err := json.Unmarshal(value, &state); err != nil {
			log.Printf("WARN: skipping undecodable ephemeral record %s: %v", key, err)
			continue
		}
		states = append(states, &state)
	}
	return states, nil
}

// Cleanup removes expired keys and returns how many were reclaimed.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	n, err := s.backend.cleanup(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up ephemeral store: %w", err)
	}
	return n, nil
}

// StartCleanupRoutine starts a background goroutine that periodically removes
// expired keys. The goroutine is stopped when Close is called.
func (s *Store) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Cleanup(ctx); err != nil {
					log.Printf("WARN: ephemeral cleanup failed: %v", err)
				}
			}
		}
	}()
}

// Close stops the cleanup goroutine and releases the backend.
// It is safe to call Close even if StartCleanupRoutine was never called.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.cancel = nil
	}
	return s.backend.close()
}
