package service

import (
	"context"

	"github.com/xiaot623/gogo/sessionsync/internal/domain"
	"github.com/xiaot623/gogo/sessionsync/internal/repository"
)

func (s *Service) ListArchivedSessions(ctx context.Context, filter repository.ArchiveFilter) ([]domain.ArchivedSession, error) {
	return s.durable.ListArchivedSessions(ctx, filter)
}

func (s *Service) GetArchivedSession(ctx context.Context, sessionID string) (*domain.ArchivedSession, error) {
	return s.durable.GetArchivedSession(ctx, sessionID)
}

func (s *Service) ListRecommendations(ctx context.Context, ticketID string) ([]domain.Recommendation, error) {
	return s.durable.ListRecommendations(ctx, ticketID)
}
