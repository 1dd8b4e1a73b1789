package service

import (
	"context"

	"github.com/xiaot623/gogo/sessionsync/internal/hub"
)

// Subscribe streams the snapshot of sessionID followed by its updates to
// emit. It returns nil after a terminal state was emitted.
func (s *Service) Subscribe(ctx context.Context, sessionID string, emit hub.EmitFunc) error {
	return s.bridge.Stream(ctx, sessionID, emit)
}

// SubscribeAll streams every session update until ctx is done.
func (s *Service) SubscribeAll(ctx context.Context, emit hub.EmitFunc) error {
	return s.bridge.StreamAll(ctx, emit)
}
