// Package completion decides whether a polled session has finished.
//
// Two independent signals exist: the upstream's authoritative session status
// and a local heuristic over the transcript. Both are pure functions;
// Decide combines them with a single precedence rule so each can be tested
// in isolation.
package completion

import (
	"context"

	"github.com/xiaot623/gogo/sessionsync/internal/domain"
)

// Source names the signal that produced a decision.
type Source string

const (
	SourceAuthoritative Source = "authoritative"
	SourceHeuristic     Source = "heuristic"
)

// Authority is the outcome of the upstream status query.
type Authority struct {
	Available bool
	Status    domain.UpstreamStatus
}

// Authoritative reports whether an upstream status means the session is done.
func Authoritative(status domain.UpstreamStatus) bool {
	return status == domain.UpstreamStatusIdle
}

// Heuristic reports whether the transcript looks finished: the last message
// is from the assistant, none of its tool calls is still pending or running,
// and one of its text parts is non-empty.
func Heuristic(state *domain.SessionState) bool {
	if state == nil {
		return false
	}
	last := state.LastMessage()
	if last == nil || last.Role != domain.RoleAssistant {
		return false
	}

	hasText := false
	for _, p := range last.Parts {
		if p.ToolStatus().IsActive() {
			return false
		}
		if p.HasText() {
			hasText = true
		}
	}
	return hasText
}

// Decide prefers the authoritative signal and falls back to the heuristic
// only when the upstream status could not be obtained.
func Decide(auth Authority, heuristic bool) (bool, Source) {
	if auth.Available {
		return Authoritative(auth.Status), SourceAuthoritative
	}
	return heuristic, SourceHeuristic
}

// StatusSource fetches the authoritative session status.
type StatusSource interface {
	GetStatus(ctx context.Context, sessionID string) (domain.UpstreamStatus, error)
}

// Result is the outcome of Detect.
type Result struct {
	Complete bool
	Source   Source
	// StatusErr is set when the authoritative query failed and the
	// heuristic was used instead.
	StatusErr error
}

// Detector combines both signals for a live session.
type Detector struct {
	status StatusSource
}

// NewDetector creates a detector backed by the given status source. A nil
// source always falls back to the heuristic.
func NewDetector(status StatusSource) *Detector {
	return &Detector{status: status}
}

// Detect queries upstream status and applies Decide.
func (d *Detector) Detect(ctx context.Context, state *domain.SessionState) Result {
	var auth Authority
	var statusErr error
	if d.status != nil {
		status, err := d.status.GetStatus(ctx, state.SessionID)
		if err == nil {
			auth = Authority{Available: true, Status: status}
		} else {
			statusErr = err
		}
	}
	complete, source := Decide(auth, Heuristic(state))
	return Result{Complete: complete, Source: source, StatusErr: statusErr}
}
