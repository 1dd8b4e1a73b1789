package domain

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to SessionStatus
		ok       bool
	}{
		{SessionStatusPending, SessionStatusRunning, true},
		{SessionStatusRunning, SessionStatusCompleted, true},
		{SessionStatusRunning, SessionStatusError, true},
		{SessionStatusPending, SessionStatusError, true},
		{SessionStatusPending, SessionStatusCompleted, false},
		{SessionStatusRunning, SessionStatusRunning, true},
		{SessionStatusRunning, SessionStatusPending, false},
		{SessionStatusCompleted, SessionStatusRunning, false},
		{SessionStatusCompleted, SessionStatusError, false},
		{SessionStatusError, SessionStatusCompleted, false},
		{SessionStatusError, SessionStatusPending, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestTransitionRejectsLeavingTerminal(t *testing.T) {
	now := time.Now()
	s := NewSessionState("s1", "t1", SessionTypeAsk, now)
	if err := s.Transition(SessionStatusRunning, now); err != nil {
		t.Fatalf("pending -> running: %v", err)
	}
	if err := s.Transition(SessionStatusCompleted, now); err != nil {
		t.Fatalf("running -> completed: %v", err)
	}
	err := s.Transition(SessionStatusRunning, now)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if s.Status != SessionStatusCompleted {
		t.Fatalf("status changed on rejected transition: %s", s.Status)
	}
}

func TestFailRecordsError(t *testing.T) {
	now := time.Now()
	s := NewSessionState("s1", "", SessionTypeChat, now)
	if err := s.Fail("boom", now); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if s.Status != SessionStatusError || s.Error != "boom" {
		t.Fatalf("unexpected state: %+v", s)
	}
	if err := s.Fail("again", now); err != nil {
		t.Fatalf("error -> error should be a no-op transition: %v", err)
	}
}

func TestIsStale(t *testing.T) {
	now := time.Now()
	s := NewSessionState("s1", "t1", SessionTypeAsk, now.Add(-10*time.Minute))
	s.Status = SessionStatusRunning
	if !s.IsStale(now, 5*time.Minute) {
		t.Fatalf("expected 10 minute old running session to be stale")
	}
	s.UpdatedAt = now.Add(-time.Minute)
	if s.IsStale(now, 5*time.Minute) {
		t.Fatalf("expected fresh session not to be stale")
	}
	s.UpdatedAt = now.Add(-time.Hour)
	s.Status = SessionStatusCompleted
	if s.IsStale(now, 5*time.Minute) {
		t.Fatalf("terminal sessions are never stale")
	}
}

func TestRecomputeToolCallsAndAssistantText(t *testing.T) {
	s := NewSessionState("s1", "", SessionTypeAsk, time.Now())
	s.Messages = []Message{
		{ID: "m1", Role: RoleUser, Parts: []Part{{ID: "p1", Type: PartTypeText, Text: "question"}}},
		{ID: "m2", Role: RoleAssistant, Parts: []Part{
			{ID: "p2", Type: PartTypeTool, CallID: "c1", State: &ToolState{Status: ToolStatusRunning}},
			{ID: "p3", Type: PartTypeTool, CallID: "c2", State: &ToolState{Status: ToolStatusCompleted}},
			{ID: "p4", Type: PartTypeText, Text: "first"},
			{ID: "p5", Type: PartTypeText, Text: ""},
			{ID: "p6", Type: PartTypeText, Text: "second"},
		}},
	}
	s.RecomputeToolCalls()
	if len(s.CurrentToolCalls) != 1 || s.CurrentToolCalls[0].CallID != "c1" {
		t.Fatalf("unexpected tool calls: %+v", s.CurrentToolCalls)
	}
	if got := s.AssistantText(); got != "first\n\nsecond" {
		t.Fatalf("unexpected assistant text: %q", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	delta := "x"
	s := NewSessionState("s1", "", SessionTypeAsk, time.Now())
	s.Messages = []Message{{ID: "m1", Parts: []Part{{ID: "p1", Type: PartTypeText, Text: "a", Delta: &delta}}}}
	c := s.Clone()
	c.Messages[0].Parts[0].Text = "changed"
	*c.Messages[0].Parts[0].Delta = "y"
	if s.Messages[0].Parts[0].Text != "a" || *s.Messages[0].Parts[0].Delta != "x" {
		t.Fatalf("clone shares memory with original")
	}
}
