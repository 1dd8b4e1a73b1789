package domain

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrInvalidTransition is returned when a status change would violate the
// pending -> running -> {completed|error} ordering.
var ErrInvalidTransition = errors.New("invalid session status transition")

// Message is one turn of a conversation.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	SessionID string    `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt"`
	Model     string    `json:"model,omitempty"`
	Parts     []Part    `json:"parts"`
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	out.Parts = make([]Part, len(m.Parts))
	for i, p := range m.Parts {
		out.Parts[i] = p.Clone()
	}
	return out
}

// SessionState is the unit of synchronization: one record per active session.
type SessionState struct {
	SessionID        string        `json:"sessionId"`
	TicketID         string        `json:"ticketId,omitempty"`
	SessionType      SessionType   `json:"sessionType"`
	Status           SessionStatus `json:"status"`
	Messages         []Message     `json:"messages"`
	CurrentToolCalls []Part        `json:"currentToolCalls"`
	Error            string        `json:"error,omitempty"`
	StartedAt        time.Time     `json:"startedAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// NewSessionState returns a freshly registered, pending session.
func NewSessionState(sessionID, ticketID string, sessionType SessionType, now time.Time) *SessionState {
	return &SessionState{
		SessionID:        sessionID,
		TicketID:         ticketID,
		SessionType:      sessionType,
		Status:           SessionStatusPending,
		Messages:         []Message{},
		CurrentToolCalls: []Part{},
		StartedAt:        now,
		UpdatedAt:        now,
	}
}

// Clone returns a deep copy of the state.
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		out.Messages[i] = m.Clone()
	}
	out.CurrentToolCalls = make([]Part, len(s.CurrentToolCalls))
	for i, p := range s.CurrentToolCalls {
		out.CurrentToolCalls[i] = p.Clone()
	}
	return &out
}

// CanTransition reports whether from -> to is an allowed status change.
// Staying in the same status is allowed; nothing leaves a terminal status.
// A pending session may fail but only completes after it has run.
func CanTransition(from, to SessionStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case SessionStatusPending:
		return to == SessionStatusRunning || to == SessionStatusError
	case SessionStatusRunning:
		return to == SessionStatusCompleted || to == SessionStatusError
	}
	return false
}

// Transition moves the session to status to, refreshing UpdatedAt.
func (s *SessionState) Transition(to SessionStatus, now time.Time) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}
	s.Status = to
	s.UpdatedAt = now
	return nil
}

// Fail moves the session to the error status with the given message.
func (s *SessionState) Fail(msg string, now time.Time) error {
	if err := s.Transition(SessionStatusError, now); err != nil {
		return err
	}
	s.Error = msg
	return nil
}

// IsStale reports whether a pending/running session has not been updated
// within threshold. Terminal sessions are never stale.
func (s *SessionState) IsStale(now time.Time, threshold time.Duration) bool {
	if s.Status.IsTerminal() {
		return false
	}
	return now.Sub(s.UpdatedAt) > threshold
}

// LastMessage returns the most recent message, or nil.
func (s *SessionState) LastMessage() *Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return &s.Messages[len(s.Messages)-1]
}

// RecomputeToolCalls rebuilds CurrentToolCalls from the pending/running tool
// parts of all messages.
func (s *SessionState) RecomputeToolCalls() {
	calls := []Part{}
	for _, m := range s.Messages {
		for _, p := range m.Parts {
			if p.Type == PartTypeTool && p.ToolStatus().IsActive() {
				calls = append(calls, p.Clone())
			}
		}
	}
	s.CurrentToolCalls = calls
}

// AssistantText concatenates the non-empty text parts of assistant messages,
// separated by a blank line.
func (s *SessionState) AssistantText() string {
	var out string
	for _, m := range s.Messages {
		if m.Role != RoleAssistant {
			continue
		}
		for _, p := range m.Parts {
			if !p.HasText() {
				continue
			}
			if out != "" {
				out += "\n\n"
			}
			out += p.Text
		}
	}
	return out
}

// SortMessages orders messages by id, which is chronological for the
// upstream's monotonic identifiers.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
}
