package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xiaot623/gogo/sessionsync/internal/domain"
)

var (
	// ErrSessionNotFound is returned when neither tier knows the session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSubscriberDropped is returned when the hub dropped a subscriber
	// that could not keep up.
	ErrSubscriberDropped = errors.New("subscriber dropped")
)

// SnapshotSource returns the current state of a session, from the ephemeral
// tier or the archive. Returns nil, nil if the session is unknown.
type SnapshotSource interface {
	GetSnapshot(ctx context.Context, sessionID string) (*domain.SessionState, error)
}

// EmitFunc writes one serialized state to the client.
type EmitFunc func(data []byte) error

// Bridge connects a client stream to the hub.
type Bridge struct {
	hub    *Hub
	source SnapshotSource
}

// NewBridge creates a bridge.
func NewBridge(h *Hub, source SnapshotSource) *Bridge {
	return &Bridge{hub: h, source: source}
}

type stateHeader struct {
	Status    domain.SessionStatus `json:"status"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

// Stream emits the current snapshot of sessionID, then every published
// update, until ctx is done or a terminal state has been emitted. It returns
// nil only after a terminal state and ctx.Err() on cancellation. The
// subscription is taken before the snapshot is read so no update is missed;
// queued updates older than what was already emitted are skipped.
func (b *Bridge) Stream(ctx context.Context, sessionID string, emit EmitFunc) error {
	sub := b.hub.Subscribe(SessionTopic(sessionID))
	defer b.hub.Unsubscribe(sub)

	snap, err := b.source.GetSnapshot(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	if snap == nil {
		return ErrSessionNotFound
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := emit(data); err != nil {
		return err
	}
	if snap.Status.IsTerminal() {
		return nil
	}
	last := snap.UpdatedAt

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-sub.Send:
			if !ok {
				return ErrSubscriberDropped
			}
			var hdr stateHeader
			if err := json.Unmarshal(data, &hdr); err != nil {
				continue
			}
			if hdr.UpdatedAt.Before(last) {
				continue
			}
			last = hdr.UpdatedAt
			if err := emit(data); err != nil {
				return err
			}
			if hdr.Status.IsTerminal() {
				return nil
			}
		}
	}
}

// StreamAll forwards every published state of every session until ctx is
// done, then returns ctx.Err().
func (b *Bridge) StreamAll(ctx context.Context, emit EmitFunc) error {
	sub := b.hub.Subscribe(GlobalTopic)
	defer b.hub.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-sub.Send:
			if !ok {
				return ErrSubscriberDropped
			}
			if err := emit(data); err != nil {
				return err
			}
		}
	}
}
