// Package domain defines the core domain models for session synchronization.
package domain

// SessionType governs the auto-archival policy of a session.
type SessionType string

const (
	SessionTypeChat  SessionType = "chat"
	SessionTypeAsk   SessionType = "ask"
	SessionTypeAdmin SessionType = "admin"
)

// Valid reports whether t is a known session type.
func (t SessionType) Valid() bool {
	switch t {
	case SessionTypeChat, SessionTypeAsk, SessionTypeAdmin:
		return true
	}
	return false
}

// SessionStatus represents the status of a synchronized session.
type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusError     SessionStatus = "error"
)

// IsTerminal reports whether no further transition is allowed.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusError
}

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType discriminates the Part union.
type PartType string

const (
	PartTypeText       PartType = "text"
	PartTypeReasoning  PartType = "reasoning"
	PartTypeTool       PartType = "tool"
	PartTypeStepStart  PartType = "step-start"
	PartTypeStepFinish PartType = "step-finish"
	PartTypeFile       PartType = "file"
)

// ToolStatus represents the status of a tool call.
type ToolStatus string

const (
	ToolStatusPending   ToolStatus = "pending"
	ToolStatusRunning   ToolStatus = "running"
	ToolStatusCompleted ToolStatus = "completed"
	ToolStatusError     ToolStatus = "error"
)

// IsTerminal reports whether the tool call has finished.
func (s ToolStatus) IsTerminal() bool {
	return s == ToolStatusCompleted || s == ToolStatusError
}

// IsActive reports whether the tool call is still in flight.
func (s ToolStatus) IsActive() bool {
	return s == ToolStatusPending || s == ToolStatusRunning
}

// UpstreamStatus is the session status reported by the agent API.
type UpstreamStatus string

const (
	UpstreamStatusIdle    UpstreamStatus = "idle"
	UpstreamStatusRunning UpstreamStatus = "running"
	UpstreamStatusPending UpstreamStatus = "pending"
	UpstreamStatusRetry   UpstreamStatus = "retry"
)
