// Package archive promotes finished sessions from the ephemeral tier to the
// durable archive.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/xiaot623/gogo/sessionsync/internal/domain"
)

// ErrNotTerminal is returned when promoting a session that is still live.
var ErrNotTerminal = errors.New("session is not terminal")

// DurableStore is the append-only archive.
type DurableStore interface {
	ArchiveSession(ctx context.Context, rec *domain.ArchivedSession) (bool, error)
	RecordRecommendation(ctx context.Context, rec *domain.Recommendation) (bool, error)
}

// EphemeralStore is the part of the ephemeral tier the archiver cleans up.
type EphemeralStore interface {
	Delete(ctx context.Context, sessionID string) error
	DeleteActivePointerIf(ctx context.Context, ticketID, sessionID string) (bool, error)
}

// Result reports what a promote did.
type Result struct {
	Archived       bool
	Recommended    bool
	PointerCleared bool
}

// Archiver runs the promote operation.
type Archiver struct {
	durable   DurableStore
	ephemeral EphemeralStore
	now       func() time.Time
}

// New creates an archiver.
func New(durable DurableStore, ephemeral EphemeralStore) *Archiver {
	return &Archiver{durable: durable, ephemeral: ephemeral, now: time.Now}
}

// Promote writes the durable record, records the recommendation for ask
// sessions and then removes the ephemeral state. Each step runs only if the
// previous one succeeded, so a failed durable write leaves the ephemeral
// record in place for a retry. Promoting the same session again is safe.
func (a *Archiver) Promote(ctx context.Context, state *domain.SessionState) (*Result, error) {
	if !state.Status.IsTerminal() {
		return nil, fmt.Errorf("failed to promote session %s: %w", state.SessionID, ErrNotTerminal)
	}

	res := &Result{}
	rec := domain.NewArchivedSession(state, a.now())
	created, err := a.durable.ArchiveSession(ctx, rec)
	if err != nil {
		log.Printf("ERROR: failed to archive session %s, keeping ephemeral state: %v", state.SessionID, err)
		return res, fmt.Errorf("failed to archive session %s: %w", state.SessionID, err)
	}
	res.Archived = created
	if !created {
		log.Printf("INFO: session %s already archived", state.SessionID)
	}

	if state.SessionType == domain.SessionTypeAsk {
		if summary := strings.TrimSpace(state.AssistantText()); summary != "" {
			recorded, err := a.durable.RecordRecommendation(ctx, &domain.Recommendation{
				SessionID: state.SessionID,
				TicketID:  state.TicketID,
				Summary:   summary,
				CreatedAt: rec.CompletedAt,
			})
			if err != nil {
				log.Printf("ERROR: failed to record recommendation for session %s: %v", state.SessionID, err)
				return res, fmt.Errorf("failed to record recommendation for session %s: %w", state.SessionID, err)
			}
			res.Recommended = recorded
		}
	}

	if err := a.ephemeral.Delete(ctx, state.SessionID); err != nil {
		return res, fmt.Errorf("failed to delete ephemeral session %s: %w", state.SessionID, err)
	}
	if state.TicketID != "" {
		cleared, err := a.ephemeral.DeleteActivePointerIf(ctx, state.TicketID, state.SessionID)
		if err != nil {
			return res, fmt.Errorf("failed to clear active pointer for ticket %s: %w", state.TicketID, err)
		}
		res.PointerCleared = cleared
	}

	log.Printf("INFO: promoted session %s (status=%s, messages=%d)", state.SessionID, state.Status, len(state.Messages))
	return res, nil
}
