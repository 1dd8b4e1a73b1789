package poller

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/sessionsync/internal/adapter/agentclient"
	"github.com/xiaot623/gogo/sessionsync/internal/archive"
	"github.com/xiaot623/gogo/sessionsync/internal/completion"
	"github.com/xiaot623/gogo/sessionsync/internal/domain"
	"github.com/xiaot623/gogo/sessionsync/internal/ephemeral"
	"github.com/xiaot623/gogo/sessionsync/internal/hub"
	"github.com/xiaot623/gogo/sessionsync/internal/policy"
	"github.com/xiaot623/gogo/sessionsync/internal/repository"
)

type sourceFunc func(ctx context.Context, call int) ([]domain.Message, error)

type funcSource struct {
	calls atomic.Int64
	fn    sourceFunc
}

func (s *funcSource) ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	n := int(s.calls.Add(1))
	return s.fn(ctx, n)
}

type statusFunc func(call int) (domain.UpstreamStatus, error)

type funcStatus struct {
	calls atomic.Int64
	fn    statusFunc
}

func (s *funcStatus) GetStatus(ctx context.Context, sessionID string) (domain.UpstreamStatus, error) {
	return s.fn(int(s.calls.Add(1)))
}

type countingStore struct {
	*ephemeral.Store
	puts     atomic.Int64
	refreshs atomic.Int64
}

func (c *countingStore) Put(ctx context.Context, id string, st *domain.SessionState, ttl time.Duration) error {
	c.puts.Add(1)
	return c.Store.Put(ctx, id, st, ttl)
}

func (c *countingStore) RefreshTTL(ctx context.Context, id string) error {
	c.refreshs.Add(1)
	return c.Store.RefreshTTL(ctx, id)
}

type fixture struct {
	sched   *Scheduler
	store   *countingStore
	durable *repository.Store
	hub     *hub.Hub
}

func newFixture(t *testing.T, source MessageSource, status completion.StatusSource, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()

	eph := &countingStore{Store: ephemeral.NewMemoryStore(time.Hour)}
	durable, err := repository.Open(":memory:")
	require.NoError(t, err)
	engine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	require.NoError(t, err)
	h := hub.NewHub(64)

	sched := NewScheduler(Deps{
		Source:    source,
		Store:     eph,
		Publisher: hub.NewPublisher(h),
		Detector:  completion.NewDetector(status),
		Policy:    engine,
		Archiver:  archive.New(durable, eph),
	}, cfg)

	t.Cleanup(func() {
		_ = sched.Shutdown(context.Background())
		_ = durable.Close()
		_ = eph.Close()
	})
	return &fixture{sched: sched, store: eph, durable: durable, hub: h}
}

func userMsg(sessionID string) domain.Message {
	return domain.Message{
		ID: "msg_1", Role: domain.RoleUser, SessionID: sessionID,
		Parts: []domain.Part{{ID: "prt_0", Type: domain.PartTypeText, Text: "How do I fix the build?"}},
	}
}

func assistantWithTool(sessionID string, status domain.ToolStatus, output string) domain.Message {
	return domain.Message{
		ID: "msg_2", Role: domain.RoleAssistant, SessionID: sessionID,
		Parts: []domain.Part{{
			ID: "prt_1", Type: domain.PartTypeTool, CallID: "c1", Tool: "bash",
			State: &domain.ToolState{Status: status, Input: json.RawMessage(`{"cmd":"make"}`), Output: output},
		}},
	}
}

func TestEndToEnd_AskSessionThreeTicks(t *testing.T) {
	ctx := context.Background()
	source := &funcSource{fn: func(_ context.Context, call int) ([]domain.Message, error) {
		switch call {
		case 1:
			return []domain.Message{userMsg("s1")}, nil
		case 2:
			return []domain.Message{userMsg("s1"), assistantWithTool("s1", domain.ToolStatusRunning, "")}, nil
		default:
			done := assistantWithTool("s1", domain.ToolStatusCompleted, "ok")
			done.Parts = append(done.Parts, domain.Part{ID: "prt_2", Type: domain.PartTypeText, Text: "Done."})
			return []domain.Message{userMsg("s1"), done}, nil
		}
	}}
	status := &funcStatus{fn: func(call int) (domain.UpstreamStatus, error) {
		if call == 1 {
			return domain.UpstreamStatusRunning, nil
		}
		return domain.UpstreamStatusIdle, nil
	}}
	f := newFixture(t, source, status, Config{})

	p, err := f.sched.newPoller(ctx, Registration{SessionID: "s1", TicketID: "t1", SessionType: domain.SessionTypeAsk})
	require.NoError(t, err)
	ptr, err := f.store.GetActivePointer(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "s1", ptr)

	// Tick 1: only the user message, still running.
	require.False(t, p.tick(ctx))
	st, err := f.store.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, domain.SessionStatusRunning, st.Status)
	assert.Len(t, st.Messages, 1)

	// Tick 2: tool call running.
	require.False(t, p.tick(ctx))
	st, err = f.store.Get(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, st.CurrentToolCalls, 1)
	assert.Equal(t, "c1", st.CurrentToolCalls[0].CallID)

	// Tick 3: tool completed with a final answer.
	require.True(t, p.tick(ctx))

	st, err = f.store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, st, "ephemeral record deleted")
	ptr, err = f.store.GetActivePointer(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, ptr, "ticket pointer deleted")

	rec, err := f.durable.GetArchivedSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.SessionStatusCompleted, rec.Status)
	require.Len(t, rec.Messages, 2)
	assert.Equal(t, "ok", rec.Messages[1].Parts[0].State.Output)

	recs, err := f.durable.ListRecommendations(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Done.", recs[0].Summary)
}

func TestTick_HeuristicFallbackWhenStatusFails(t *testing.T) {
	ctx := context.Background()
	source := &funcSource{fn: func(context.Context, int) ([]domain.Message, error) {
		done := assistantWithTool("s1", domain.ToolStatusCompleted, "ok")
		done.Parts = append(done.Parts, domain.Part{ID: "prt_2", Type: domain.PartTypeText, Text: "Done."})
		return []domain.Message{userMsg("s1"), done}, nil
	}}
	status := &funcStatus{fn: func(int) (domain.UpstreamStatus, error) {
		return "", errors.New("status endpoint down")
	}}
	f := newFixture(t, source, status, Config{})

	p, err := f.sched.newPoller(ctx, Registration{SessionID: "s1", TicketID: "t1", SessionType: domain.SessionTypeAsk})
	require.NoError(t, err)
	require.True(t, p.tick(ctx))

	rec, err := f.durable.GetArchivedSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, rec)
}

func TestTick_ChatSessionIsNotArchivedOnIdle(t *testing.T) {
	ctx := context.Background()
	source := &funcSource{fn: func(context.Context, int) ([]domain.Message, error) {
		return []domain.Message{userMsg("s1"), {ID: "msg_2", Role: domain.RoleAssistant, SessionID: "s1",
			Parts: []domain.Part{{ID: "prt_2", Type: domain.PartTypeText, Text: "Hi"}}}}, nil
	}}
	status := &funcStatus{fn: func(int) (domain.UpstreamStatus, error) { return domain.UpstreamStatusIdle, nil }}
	f := newFixture(t, source, status, Config{})

	p, err := f.sched.newPoller(ctx, Registration{SessionID: "s1", SessionType: domain.SessionTypeChat})
	require.NoError(t, err)
	assert.False(t, p.tick(ctx))
	assert.False(t, p.tick(ctx))
	assert.Equal(t, int64(0), status.calls.Load(), "detector not consulted for chat")

	st, err := f.store.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, domain.SessionStatusRunning, st.Status)
}

func TestTick_UnchangedFingerprintSkipsWrite(t *testing.T) {
	ctx := context.Background()
	source := &funcSource{fn: func(context.Context, int) ([]domain.Message, error) {
		return []domain.Message{userMsg("s1")}, nil
	}}
	f := newFixture(t, source, nil, Config{})

	p, err := f.sched.newPoller(ctx, Registration{SessionID: "s1", SessionType: domain.SessionTypeChat})
	require.NoError(t, err)
	sub := f.hub.Subscribe(hub.SessionTopic("s1"))
	putsBefore := f.store.puts.Load()

	require.False(t, p.tick(ctx))
	require.False(t, p.tick(ctx))
	require.False(t, p.tick(ctx))

	assert.Equal(t, putsBefore+1, f.store.puts.Load())
	assert.Len(t, sub.Send, 1, "one publication for three identical polls")
}

func TestTick_UnchangedSessionRefreshesTTL(t *testing.T) {
	ctx := context.Background()
	source := &funcSource{fn: func(context.Context, int) ([]domain.Message, error) {
		return []domain.Message{userMsg("s1")}, nil
	}}
	f := newFixture(t, source, nil, Config{SessionTTL: time.Hour})
	now := time.Now()
	f.sched.now = func() time.Time { return now }

	p, err := f.sched.newPoller(ctx, Registration{SessionID: "s1", SessionType: domain.SessionTypeChat})
	require.NoError(t, err)
	require.False(t, p.tick(ctx))
	require.False(t, p.tick(ctx))
	assert.Equal(t, int64(0), f.store.refreshs.Load())

	now = now.Add(20 * time.Minute)
	require.False(t, p.tick(ctx))
	assert.Equal(t, int64(1), f.store.refreshs.Load())
}

func TestTick_ErrorThresholdFailsAndArchives(t *testing.T) {
	ctx := context.Background()
	source := &funcSource{fn: func(context.Context, int) ([]domain.Message, error) {
		return nil, &agentclient.StatusError{StatusCode: 502, Body: "bad gateway"}
	}}
	f := newFixture(t, source, nil, Config{ErrorThreshold: 3})

	p, err := f.sched.newPoller(ctx, Registration{SessionID: "s1", TicketID: "t1", SessionType: domain.SessionTypeAsk})
	require.NoError(t, err)

	assert.False(t, p.tick(ctx))
	assert.False(t, p.tick(ctx))
	assert.True(t, p.tick(ctx))

	rec, err := f.durable.GetArchivedSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.SessionStatusError, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "502")
}

func TestTick_SuccessResetsErrorCount(t *testing.T) {
	ctx := context.Background()
	source := &funcSource{fn: func(_ context.Context, call int) ([]domain.Message, error) {
		if call%2 == 1 {
			return nil, &agentclient.MalformedPayloadError{Reason: "expected a message array"}
		}
		return []domain.Message{userMsg("s1")}, nil
	}}
	f := newFixture(t, source, nil, Config{ErrorThreshold: 2})

	p, err := f.sched.newPoller(ctx, Registration{SessionID: "s1", SessionType: domain.SessionTypeChat})
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		require.False(t, p.tick(ctx), "tick %d", i+1)
	}
}

func TestTick_NotFoundStopsWithoutArchiving(t *testing.T) {
	ctx := context.Background()
	source := &funcSource{fn: func(context.Context, int) ([]domain.Message, error) {
		return nil, agentclient.ErrSessionNotFound
	}}
	f := newFixture(t, source, nil, Config{})

	p, err := f.sched.newPoller(ctx, Registration{SessionID: "s1", TicketID: "t1", SessionType: domain.SessionTypeAsk})
	require.NoError(t, err)
	require.True(t, p.tick(ctx))

	ptr, err := f.store.GetActivePointer(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, ptr)
	rec, err := f.durable.GetArchivedSession(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestScheduler_StartTwiceRunsOnePoller(t *testing.T) {
	ctx := context.Background()
	source := &funcSource{fn: func(context.Context, int) ([]domain.Message, error) {
		return []domain.Message{}, nil
	}}
	f := newFixture(t, source, nil, Config{Interval: time.Hour})
	reg := Registration{SessionID: "s1", TicketID: "t1", SessionType: domain.SessionTypeAsk}

	started, err := f.sched.Start(ctx, reg)
	require.NoError(t, err)
	assert.True(t, started)
	started, err = f.sched.Start(ctx, reg)
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, 1, f.sched.Count())

	assert.True(t, f.sched.Stop("s1"))
	assert.False(t, f.sched.Stop("s1"), "stop is idempotent")
	require.NoError(t, f.sched.StopAndWait(ctx, "s1"))
	assert.Equal(t, 0, f.sched.Count())

	started, err = f.sched.Start(ctx, reg)
	require.NoError(t, err)
	assert.True(t, started)
}

func TestScheduler_StartWaitsForStoppingPoller(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	var once sync.Once
	source := &funcSource{fn: func(_ context.Context, call int) ([]domain.Message, error) {
		if call == 1 {
			<-release
		}
		return []domain.Message{}, nil
	}}
	f := newFixture(t, source, nil, Config{Interval: time.Hour})
	reg := Registration{SessionID: "s1", SessionType: domain.SessionTypeChat}

	started, err := f.sched.Start(ctx, reg)
	require.NoError(t, err)
	require.True(t, started)
	require.Eventually(t, func() bool { return source.calls.Load() == 1 }, time.Second, time.Millisecond)

	require.True(t, f.sched.Stop("s1"))
	assert.False(t, f.sched.IsPolling("s1"))

	restarted := make(chan bool, 1)
	go func() {
		ok, _ := f.sched.Start(ctx, reg)
		restarted <- ok
	}()

	select {
	case <-restarted:
		t.Fatal("Start returned while the old poller was still running")
	case <-time.After(30 * time.Millisecond):
	}

	once.Do(func() { close(release) })
	select {
	case ok := <-restarted:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Start did not resume after the old poller exited")
	}
	assert.True(t, f.sched.IsPolling("s1"))
}

func TestScheduler_StartRejectsTerminalSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &funcSource{fn: func(context.Context, int) ([]domain.Message, error) { return nil, nil }}, nil, Config{})

	st := domain.NewSessionState("s1", "", domain.SessionTypeChat, time.Now())
	require.NoError(t, st.Transition(domain.SessionStatusRunning, time.Now()))
	require.NoError(t, st.Transition(domain.SessionStatusCompleted, time.Now()))
	require.NoError(t, f.store.Put(ctx, "s1", st, 0))

	started, err := f.sched.Start(ctx, Registration{SessionID: "s1"})
	assert.False(t, started)
	assert.ErrorIs(t, err, ErrSessionTerminal)
	assert.Equal(t, 0, f.sched.Count())

	_, err = f.sched.Start(ctx, Registration{SessionID: "s2", SessionType: "bogus"})
	assert.Error(t, err)
}

func TestComputeFingerprint(t *testing.T) {
	base := []domain.Message{userMsg("s1"), assistantWithTool("s1", domain.ToolStatusRunning, "")}
	same := []domain.Message{userMsg("s1"), assistantWithTool("s1", domain.ToolStatusRunning, "")}
	assert.Equal(t, ComputeFingerprint(base), ComputeFingerprint(same))

	toolDone := []domain.Message{userMsg("s1"), assistantWithTool("s1", domain.ToolStatusCompleted, "ok")}
	assert.NotEqual(t, ComputeFingerprint(base), ComputeFingerprint(toolDone))

	grown := []domain.Message{userMsg("s1")}
	grown[0].Parts[0].Text += " Please."
	assert.NotEqual(t, ComputeFingerprint([]domain.Message{userMsg("s1")}), ComputeFingerprint(grown))

	assert.NotEqual(t, ComputeFingerprint(nil), ComputeFingerprint(base))
}

func TestTick_RepeatedDeltaIsMergedEveryPoll(t *testing.T) {
	ctx := context.Background()
	ha := "ha"
	source := &funcSource{fn: func(context.Context, int) ([]domain.Message, error) {
		return []domain.Message{{ID: "msg_2", Role: domain.RoleAssistant, SessionID: "s1",
			Parts: []domain.Part{{ID: "prt_1", Type: domain.PartTypeText, Delta: &ha}}}}, nil
	}}
	f := newFixture(t, source, nil, Config{})

	p, err := f.sched.newPoller(ctx, Registration{SessionID: "s1", SessionType: domain.SessionTypeChat})
	require.NoError(t, err)
	require.False(t, p.tick(ctx))
	require.False(t, p.tick(ctx))

	st, err := f.store.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, st)
	require.Len(t, st.Messages, 1)
	assert.Equal(t, "haha", st.Messages[0].Parts[0].Text)
}

func TestTick_ArchivesTranscriptFinishedBeforeIdleStatus(t *testing.T) {
	ctx := context.Background()
	status := &funcStatus{fn: func(int) (domain.UpstreamStatus, error) { return domain.UpstreamStatusIdle, nil }}
	source := &funcSource{fn: func(_ context.Context, call int) ([]domain.Message, error) {
		if call == 1 {
			return []domain.Message{userMsg("s1"), assistantWithTool("s1", domain.ToolStatusRunning, "")}, nil
		}
		// The agent finished between the transcript read and the status read.
		done := assistantWithTool("s1", domain.ToolStatusCompleted, "ok")
		done.Parts = append(done.Parts, domain.Part{ID: "prt_2", Type: domain.PartTypeText, Text: "Done."})
		return []domain.Message{userMsg("s1"), done}, nil
	}}
	f := newFixture(t, source, status, Config{})

	p, err := f.sched.newPoller(ctx, Registration{SessionID: "s1", TicketID: "t1", SessionType: domain.SessionTypeAsk})
	require.NoError(t, err)
	require.True(t, p.tick(ctx))

	rec, err := f.durable.GetArchivedSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.SessionStatusCompleted, rec.Status)
	require.Len(t, rec.Messages, 2)
	require.Len(t, rec.Messages[1].Parts, 2)
	assert.Equal(t, domain.ToolStatusCompleted, rec.Messages[1].Parts[0].State.Status)
	assert.Equal(t, "Done.", rec.Messages[1].Parts[1].Text)

	recs, err := f.durable.ListRecommendations(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Done.", recs[0].Summary)
}
