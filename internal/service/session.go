package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/xiaot623/gogo/sessionsync/internal/domain"
	"github.com/xiaot623/gogo/sessionsync/internal/poller"
)

// StartPollingFor registers a poller for an upstream session. It returns
// false when the session is already being polled.
func (s *Service) StartPollingFor(ctx context.Context, sessionID, ticketID string, sessionType domain.SessionType) (bool, error) {
	started, err := s.scheduler.Start(ctx, poller.Registration{
		SessionID:   sessionID,
		TicketID:    ticketID,
		SessionType: sessionType,
	})
	if errors.Is(err, poller.ErrSessionTerminal) {
		return false, ErrSessionFinished
	}
	return started, err
}

// StopPolling stops the poller without archiving. It returns false when no
// poller was running.
func (s *Service) StopPolling(sessionID string) bool {
	return s.scheduler.Stop(sessionID)
}

// GetSnapshot returns the live state of a session, falling back to the
// archived record. Returns nil, nil if neither tier knows the session.
func (s *Service) GetSnapshot(ctx context.Context, sessionID string) (*domain.SessionState, error) {
	state, err := s.ephemeral.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if state != nil {
		return state, nil
	}

	rec, err := s.durable.GetArchivedSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return rec.Snapshot(), nil
}

// ListPendingByTicket returns the live ask session of each ticket. Tickets
// whose session is gone, finished or stale are omitted, and a dangling or
// stale pointer is cleared on the way.
func (s *Service) ListPendingByTicket(ctx context.Context, ticketIDs []string) (map[string]*domain.SessionState, error) {
	out := make(map[string]*domain.SessionState)
	for _, ticketID := range ticketIDs {
		ticketID = strings.TrimSpace(ticketID)
		if ticketID == "" {
			continue
		}
		state, err := s.liveSessionForTicket(ctx, ticketID)
		if err != nil {
			return nil, err
		}
		if state != nil {
			out[ticketID] = state
		}
	}
	return out, nil
}

func (s *Service) liveSessionForTicket(ctx context.Context, ticketID string) (*domain.SessionState, error) {
	sessionID, err := s.ephemeral.GetActivePointer(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		return nil, nil
	}

	state, err := s.ephemeral.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	switch {
	case state == nil:
		s.clearPointer(ctx, ticketID, sessionID, "dangling")
		return nil, nil
	case state.Status.IsTerminal():
		return nil, nil
	case state.IsStale(s.now(), s.config.StaleAfter):
		s.clearPointer(ctx, ticketID, sessionID, "stale")
		return nil, nil
	}
	return state, nil
}

func (s *Service) clearPointer(ctx context.Context, ticketID, sessionID, reason string) {
	cleared, err := s.ephemeral.DeleteActivePointerIf(ctx, ticketID, sessionID)
	if err != nil {
		log.Printf("WARN: failed to clear %s pointer of ticket %s: %v", reason, ticketID, err)
		return
	}
	if cleared {
		log.Printf("INFO: cleared %s pointer of ticket %s (session %s)", reason, ticketID, sessionID)
	}
}

// StartSessionRequest describes a new upstream session.
type StartSessionRequest struct {
	TicketID    string             `json:"ticket_id,omitempty"`
	SessionType domain.SessionType `json:"session_type"`
	Title       string             `json:"title,omitempty"`
	Prompt      string             `json:"prompt,omitempty"`
}

// StartSession creates an upstream session, polls it and sends the first
// prompt. For ask sessions a ticket runs at most one live session: the
// existing one is returned together with ErrDuplicateRun.
func (s *Service) StartSession(ctx context.Context, req StartSessionRequest) (*domain.SessionState, error) {
	if req.SessionType == "" {
		req.SessionType = domain.SessionTypeChat
	}
	if !req.SessionType.Valid() {
		return nil, fmt.Errorf("invalid session type %q", req.SessionType)
	}

	if req.SessionType == domain.SessionTypeAsk && req.TicketID != "" {
		existing, err := s.liveSessionForTicket(ctx, req.TicketID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, ErrDuplicateRun
		}
	}

	title := req.Title
	if title == "" {
		title = string(req.SessionType)
		if req.TicketID != "" {
			title += " " + req.TicketID
		}
	}
	sessionID, err := s.agentClient.CreateSession(ctx, title)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream session: %w", err)
	}

	if _, err := s.StartPollingFor(ctx, sessionID, req.TicketID, req.SessionType); err != nil {
		return nil, err
	}

	if req.Prompt != "" {
		if err := s.agentClient.SendMessageAsync(ctx, sessionID, req.Prompt); err != nil {
			return nil, fmt.Errorf("failed to send prompt: %w", err)
		}
	}

	return s.GetSnapshot(ctx, sessionID)
}

// SendMessage forwards a user turn and makes sure the session is polled.
func (s *Service) SendMessage(ctx context.Context, sessionID, text string) error {
	state, err := s.ephemeral.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if state == nil {
		rec, err := s.durable.GetArchivedSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if rec != nil {
			return ErrSessionFinished
		}
		return ErrSessionNotFound
	}
	if state.Status.IsTerminal() {
		return ErrSessionFinished
	}

	if err := s.agentClient.SendMessageAsync(ctx, sessionID, text); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	if _, err := s.StartPollingFor(ctx, sessionID, state.TicketID, state.SessionType); err != nil {
		return err
	}
	return nil
}

// EndSession is the explicit end-of-session action: stop polling, mark the
// session completed and archive it. Ending an archived session returns the
// archived snapshot.
func (s *Service) EndSession(ctx context.Context, sessionID string) (*domain.SessionState, error) {
	if err := s.scheduler.StopAndWait(ctx, sessionID); err != nil {
		return nil, err
	}

	state, err := s.ephemeral.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		snap, err := s.GetSnapshot(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if snap == nil {
			return nil, ErrSessionNotFound
		}
		return snap, nil
	}

	if !state.Status.IsTerminal() {
		// A session ended before its first poll has to pass through running.
		if state.Status == domain.SessionStatusPending {
			if err := state.Transition(domain.SessionStatusRunning, s.now()); err != nil {
				return nil, err
			}
		}
		if err := state.Transition(domain.SessionStatusCompleted, s.now()); err != nil {
			return nil, err
		}
		if err := s.ephemeral.Put(ctx, sessionID, state, s.config.SessionTTL); err != nil {
			return nil, err
		}
		if err := s.publisher.PublishState(state); err != nil {
			log.Printf("WARN: failed to publish ended session %s: %v", sessionID, err)
		}
	}

	shouldArchive, err := s.policy.ShouldArchive(ctx, state.SessionType, false, true)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate archive policy: %w", err)
	}
	if !shouldArchive {
		log.Printf("INFO: policy keeps ended session %s in the ephemeral tier", sessionID)
		return state, nil
	}
	if _, err := s.archiver.Promote(ctx, state); err != nil {
		return state, err
	}
	return state, nil
}
