package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xiaot623/gogo/sessionsync/internal/config"
	"github.com/xiaot623/gogo/sessionsync/internal/domain"
	"github.com/xiaot623/gogo/sessionsync/internal/ephemeral"
	"github.com/xiaot623/gogo/sessionsync/internal/hub"
	"github.com/xiaot623/gogo/sessionsync/internal/policy"
	"github.com/xiaot623/gogo/sessionsync/internal/repository"
	"github.com/xiaot623/gogo/sessionsync/tests/helpers"
)

type testEnv struct {
	svc     *Service
	agent   *helpers.FakeAgent
	eph     *ephemeral.Store
	durable *repository.Store
	hub     *hub.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	agent := helpers.NewFakeAgent(t)
	eph := helpers.NewTestEphemeralStore(t)
	durable := helpers.NewTestArchiveStore(t)
	cfg := &config.Config{
		AgentAPIURL:        agent.Server.URL,
		AgentTimeout:       time.Second,
		PollInterval:       10 * time.Millisecond,
		PollErrorThreshold: 5,
		SessionTTL:         time.Hour,
		PointerTTL:         time.Hour,
		StaleAfter:         5 * time.Minute,
		SweepInterval:      time.Minute,
		SubscriberBuffer:   64,
	}

	policyEngine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	svc := Assemble(cfg, eph, durable, policyEngine)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	return &testEnv{svc: svc, agent: agent, eph: eph, durable: durable, hub: svc.hub}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func answer(sessionID, text string) []domain.Message {
	return []domain.Message{
		{ID: "msg_1", Role: domain.RoleUser, SessionID: sessionID,
			Parts: []domain.Part{{ID: "prt_1", Type: domain.PartTypeText, Text: "question"}}},
		{ID: "msg_2", Role: domain.RoleAssistant, SessionID: sessionID,
			Parts: []domain.Part{{ID: "prt_2", Type: domain.PartTypeText, Text: text}}},
	}
}

func TestStartSessionAskRunsToArchive(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	state, err := env.svc.StartSession(ctx, StartSessionRequest{TicketID: "T1", SessionType: domain.SessionTypeAsk, Prompt: "why?"})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	id := state.SessionID
	if got := env.agent.Prompts(id); len(got) != 1 || got[0] != "why?" {
		t.Fatalf("unexpected prompts: %v", got)
	}

	pending, err := env.svc.ListPendingByTicket(ctx, []string{"T1"})
	if err != nil {
		t.Fatalf("ListPendingByTicket failed: %v", err)
	}
	if pending["T1"] == nil || pending["T1"].SessionID != id {
		t.Fatalf("expected T1 to point at %s, got %+v", id, pending)
	}

	env.agent.SetMessages(id, answer(id, "Because."))
	env.agent.SetStatus(id, "idle")

	waitFor(t, "archive", func() bool {
		rec, _ := env.durable.GetArchivedSession(ctx, id)
		return rec != nil
	})

	recs, err := env.svc.ListRecommendations(ctx, "T1")
	if err != nil {
		t.Fatalf("ListRecommendations failed: %v", err)
	}
	if len(recs) != 1 || recs[0].Summary != "Because." {
		t.Fatalf("unexpected recommendations: %+v", recs)
	}

	snap, err := env.svc.GetSnapshot(ctx, id)
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if snap == nil || snap.Status != domain.SessionStatusCompleted {
		t.Fatalf("expected archived completed snapshot, got %+v", snap)
	}
}

func TestStartSessionDuplicateRun(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	first, err := env.svc.StartSession(ctx, StartSessionRequest{TicketID: "T1", SessionType: domain.SessionTypeAsk})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	again, err := env.svc.StartSession(ctx, StartSessionRequest{TicketID: "T1", SessionType: domain.SessionTypeAsk})
	if !errors.Is(err, ErrDuplicateRun) {
		t.Fatalf("expected ErrDuplicateRun, got %v", err)
	}
	if again == nil || again.SessionID != first.SessionID {
		t.Fatalf("expected existing session %s, got %+v", first.SessionID, again)
	}

	// Chat sessions are not deduplicated.
	if _, err := env.svc.StartSession(ctx, StartSessionRequest{TicketID: "T1", SessionType: domain.SessionTypeChat}); err != nil {
		t.Fatalf("chat StartSession failed: %v", err)
	}

	if _, err := env.svc.StartSession(ctx, StartSessionRequest{SessionType: "bogus"}); err == nil {
		t.Fatalf("expected invalid session type error")
	}
}

func TestListPendingByTicketExcludesStale(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	now := time.Now()

	stale := domain.NewSessionState("S1", "T1", domain.SessionTypeAsk, now.Add(-20*time.Minute))
	stale.Status = domain.SessionStatusRunning
	stale.UpdatedAt = now.Add(-10 * time.Minute)
	fresh := domain.NewSessionState("S2", "T2", domain.SessionTypeAsk, now)
	fresh.Status = domain.SessionStatusRunning

	for _, st := range []*domain.SessionState{stale, fresh} {
		if err := env.eph.Put(ctx, st.SessionID, st, 0); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := env.eph.SetActivePointer(ctx, st.TicketID, st.SessionID, 0); err != nil {
			t.Fatalf("SetActivePointer failed: %v", err)
		}
	}
	if err := env.eph.SetActivePointer(ctx, "T3", "gone", 0); err != nil {
		t.Fatalf("SetActivePointer failed: %v", err)
	}

	got, err := env.svc.ListPendingByTicket(ctx, []string{"T1", "T2", "T3", "T4", " "})
	if err != nil {
		t.Fatalf("ListPendingByTicket failed: %v", err)
	}
	if len(got) != 1 || got["T2"] == nil {
		t.Fatalf("expected only T2, got %+v", got)
	}

	for _, ticket := range []string{"T1", "T3"} {
		ptr, err := env.eph.GetActivePointer(ctx, ticket)
		if err != nil {
			t.Fatalf("GetActivePointer failed: %v", err)
		}
		if ptr != "" {
			t.Fatalf("expected pointer of %s cleared, got %q", ticket, ptr)
		}
	}
}

func TestEndSessionArchivesChat(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	state, err := env.svc.StartSession(ctx, StartSessionRequest{SessionType: domain.SessionTypeChat, Prompt: "hi"})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	id := state.SessionID
	env.agent.SetMessages(id, answer(id, "hello"))
	env.agent.SetStatus(id, "idle")

	waitFor(t, "assistant reply", func() bool {
		st, _ := env.eph.Get(ctx, id)
		return st != nil && len(st.Messages) == 2
	})

	// Idle chat sessions stay live until ended.
	if rec, _ := env.durable.GetArchivedSession(ctx, id); rec != nil {
		t.Fatalf("chat session archived without explicit end")
	}

	ended, err := env.svc.EndSession(ctx, id)
	if err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if ended.Status != domain.SessionStatusCompleted {
		t.Fatalf("expected completed, got %s", ended.Status)
	}
	if env.svc.scheduler.IsPolling(id) {
		t.Fatalf("poller still running after EndSession")
	}

	rec, err := env.durable.GetArchivedSession(ctx, id)
	if err != nil || rec == nil {
		t.Fatalf("expected archived record, got %v %v", rec, err)
	}
	if len(rec.Messages) != 2 {
		t.Fatalf("expected 2 archived messages, got %d", len(rec.Messages))
	}
	if st, _ := env.eph.Get(ctx, id); st != nil {
		t.Fatalf("ephemeral record should be deleted")
	}

	// Ending again returns the archived snapshot.
	again, err := env.svc.EndSession(ctx, id)
	if err != nil || again.Status != domain.SessionStatusCompleted {
		t.Fatalf("second EndSession = %+v, %v", again, err)
	}

	if _, err := env.svc.EndSession(ctx, "unknown"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestEndSessionCompletesNeverPolledSession(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	st := domain.NewSessionState("S-idle", "", domain.SessionTypeChat, time.Now())
	if err := env.eph.Put(ctx, st.SessionID, st, 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	ended, err := env.svc.EndSession(ctx, "S-idle")
	if err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if ended.Status != domain.SessionStatusCompleted {
		t.Fatalf("expected completed, got %s", ended.Status)
	}
	rec, err := env.durable.GetArchivedSession(ctx, "S-idle")
	if err != nil || rec == nil || rec.Status != domain.SessionStatusCompleted {
		t.Fatalf("expected archived completed session, got %+v %v", rec, err)
	}
}

func TestSendMessage(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	if err := env.svc.SendMessage(ctx, "unknown", "hi"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	state, err := env.svc.StartSession(ctx, StartSessionRequest{SessionType: domain.SessionTypeChat})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	id := state.SessionID
	env.svc.StopPolling(id)
	waitFor(t, "poller stop", func() bool { return !env.svc.scheduler.IsPolling(id) })

	if err := env.svc.SendMessage(ctx, id, "next turn"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if got := env.agent.Prompts(id); len(got) != 1 || got[0] != "next turn" {
		t.Fatalf("unexpected prompts: %v", got)
	}
	if !env.svc.scheduler.IsPolling(id) {
		t.Fatalf("SendMessage should resume polling")
	}

	if _, err := env.svc.EndSession(ctx, id); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if err := env.svc.SendMessage(ctx, id, "late"); !errors.Is(err, ErrSessionFinished) {
		t.Fatalf("expected ErrSessionFinished, got %v", err)
	}
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	created, err := env.svc.agentClient.CreateSession(ctx, "live")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	live := domain.NewSessionState(created, "T1", domain.SessionTypeAsk, time.Now())
	done := domain.NewSessionState("S-done", "T2", domain.SessionTypeAsk, time.Now())
	if err := done.Fail("boom", time.Now()); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	for _, st := range []*domain.SessionState{live, done} {
		if err := env.eph.Put(ctx, st.SessionID, st, 0); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := env.eph.SetActivePointer(ctx, st.TicketID, st.SessionID, 0); err != nil {
			t.Fatalf("SetActivePointer failed: %v", err)
		}
	}
	if err := env.eph.SetActivePointer(ctx, "T3", "vanished", 0); err != nil {
		t.Fatalf("SetActivePointer failed: %v", err)
	}

	report, err := env.svc.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if report.Resumed != 1 || report.Promoted != 1 || report.Dropped != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if !env.svc.scheduler.IsPolling(created) {
		t.Fatalf("live session should be polled again")
	}
	rec, err := env.durable.GetArchivedSession(ctx, "S-done")
	if err != nil || rec == nil || rec.Status != domain.SessionStatusError {
		t.Fatalf("expected archived error session, got %+v %v", rec, err)
	}
}

func TestSweepArchivePromotesLeftovers(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	done := domain.NewSessionState("S1", "", domain.SessionTypeChat, time.Now())
	if err := done.Transition(domain.SessionStatusRunning, time.Now()); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if err := done.Transition(domain.SessionStatusCompleted, time.Now()); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	live := domain.NewSessionState("S2", "", domain.SessionTypeChat, time.Now())
	for _, st := range []*domain.SessionState{done, live} {
		if err := env.eph.Put(ctx, st.SessionID, st, 0); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	if n := env.svc.sweepArchive(ctx); n != 1 {
		t.Fatalf("expected 1 promoted session, got %d", n)
	}
	if rec, _ := env.durable.GetArchivedSession(ctx, "S1"); rec == nil {
		t.Fatalf("S1 should be archived")
	}
	if st, _ := env.eph.Get(ctx, "S2"); st == nil {
		t.Fatalf("live S2 must stay")
	}
}

func TestHealth(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	if _, err := env.svc.StartSession(ctx, StartSessionRequest{SessionType: domain.SessionTypeChat}); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	sub := env.hub.Subscribe(hub.GlobalTopic)
	defer env.hub.Unsubscribe(sub)

	h := env.svc.Health()
	if h.Status != "ok" || h.Pollers != 1 || h.Subscribers != 1 || h.Topics != 1 {
		t.Fatalf("unexpected health: %+v", h)
	}
}
