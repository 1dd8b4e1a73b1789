package domain

import "time"

// ArchivedSession is the durable, append-only record of a finished session.
type ArchivedSession struct {
	SessionID    string        `json:"sessionId" yaml:"sessionId"`
	TicketID     string        `json:"ticketId,omitempty" yaml:"ticketId,omitempty"`
	SessionType  SessionType   `json:"sessionType" yaml:"sessionType"`
	Status       SessionStatus `json:"status" yaml:"status"`
	Messages     []Message     `json:"messages,omitempty" yaml:"messages,omitempty"`
	MessageCount int           `json:"messageCount" yaml:"messageCount"`
	StartedAt    time.Time     `json:"startedAt" yaml:"startedAt"`
	CompletedAt  time.Time     `json:"completedAt" yaml:"completedAt"`
	ErrorMessage string        `json:"errorMessage,omitempty" yaml:"errorMessage,omitempty"`
}

// NewArchivedSession builds the durable record for a terminal state.
func NewArchivedSession(s *SessionState, completedAt time.Time) *ArchivedSession {
	return &ArchivedSession{
		SessionID:    s.SessionID,
		TicketID:     s.TicketID,
		SessionType:  s.SessionType,
		Status:       s.Status,
		Messages:     s.Clone().Messages,
		MessageCount: len(s.Messages),
		StartedAt:    s.StartedAt,
		CompletedAt:  completedAt,
		ErrorMessage: s.Error,
	}
}

// Snapshot converts an archived record back to a terminal SessionState so
// late subscribers see the same shape as live ones.
func (a *ArchivedSession) Snapshot() *SessionState {
	msgs := a.Messages
	if msgs == nil {
		msgs = []Message{}
	}
	return &SessionState{
		SessionID:        a.SessionID,
		TicketID:         a.TicketID,
		SessionType:      a.SessionType,
		Status:           a.Status,
		Messages:         msgs,
		CurrentToolCalls: []Part{},
		Error:            a.ErrorMessage,
		StartedAt:        a.StartedAt,
		UpdatedAt:        a.CompletedAt,
	}
}

// Recommendation is the summary artifact derived from a finished ask session.
type Recommendation struct {
	ID        string    `json:"id" yaml:"id"`
	SessionID string    `json:"sessionId" yaml:"sessionId"`
	TicketID  string    `json:"ticketId,omitempty" yaml:"ticketId,omitempty"`
	Summary   string    `json:"summary" yaml:"summary"`
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
}

// ActivePointer is a ticket-scoped reference to its running ask session.
type ActivePointer struct {
	TicketID  string `json:"ticketId"`
	SessionID string `json:"sessionId"`
}
