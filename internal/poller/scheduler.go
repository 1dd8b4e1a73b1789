// Package poller drives one polling loop per session: fetch the upstream
// transcript, merge it into the ephemeral state, publish, and archive once
// the session is complete.
package poller

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/xiaot623/gogo/sessionsync/internal/archive"
	"github.com/xiaot623/gogo/sessionsync/internal/completion"
	"github.com/xiaot623/gogo/sessionsync/internal/domain"
)

// MessageSource fetches the full message list of a session.
type MessageSource interface {
	ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error)
}

// StateStore is the ephemeral tier as seen by a poller.
type StateStore interface {
	Get(ctx context.Context, sessionID string) (*domain.SessionState, error)
	Put(ctx context.Context, sessionID string, state *domain.SessionState, ttl time.Duration) error
	RefreshTTL(ctx context.Context, sessionID string) error
	SetActivePointer(ctx context.Context, ticketID, sessionID string, ttl time.Duration) error
	GetActivePointer(ctx context.Context, ticketID string) (string, error)
	DeleteActivePointerIf(ctx context.Context, ticketID, sessionID string) (bool, error)
}

// Publisher fans a written state out to subscribers.
type Publisher interface {
	PublishState(state *domain.SessionState) error
}

// Detector decides completion of a live session.
type Detector interface {
	Detect(ctx context.Context, state *domain.SessionState) completion.Result
}

// ArchivePolicy decides whether a session type is archived.
type ArchivePolicy interface {
	ShouldArchive(ctx context.Context, sessionType domain.SessionType, idle, explicit bool) (bool, error)
}

// Promoter archives a terminal session.
type Promoter interface {
	Promote(ctx context.Context, state *domain.SessionState) (*archive.Result, error)
}

// Config tunes the pollers.
type Config struct {
	Interval       time.Duration
	ErrorThreshold int
	SessionTTL     time.Duration
	PointerTTL     time.Duration
	// Debug logs every skipped tick.
	Debug bool
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 500 * time.Millisecond
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 5
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = time.Hour
	}
	if c.PointerTTL <= 0 {
		c.PointerTTL = time.Hour
	}
	return c
}

// Registration identifies the session to poll.
type Registration struct {
	SessionID   string
	TicketID    string
	SessionType domain.SessionType
}

// Deps are the collaborators shared by all pollers.
type Deps struct {
	Source    MessageSource
	Store     StateStore
	Publisher Publisher
	Detector  Detector
	Policy    ArchivePolicy
	Archiver  Promoter
}

type handle struct {
	cancel   context.CancelFunc
	done     chan struct{}
	stopping bool
}

// Scheduler owns the sessionID -> poller registry.
type Scheduler struct {
	deps Deps
	cfg  Config
	now  func() time.Time

	mu      sync.Mutex
	pollers map[string]*handle
}

// NewScheduler creates a scheduler.
func NewScheduler(deps Deps, cfg Config) *Scheduler {
	return &Scheduler{
		deps:    deps,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		pollers: make(map[string]*handle),
	}
}

// Start begins polling reg.SessionID. It returns false when a poller for the
// session is already running. If a poller for the same id is still shutting
// down, Start waits for it to exit first.
func (s *Scheduler) Start(ctx context.Context, reg Registration) (bool, error) {
	if reg.SessionType == "" {
		reg.SessionType = domain.SessionTypeChat
	}
	if !reg.SessionType.Valid() {
		return false, fmt.Errorf("invalid session type %q", reg.SessionType)
	}

	var h *handle
	for {
		s.mu.Lock()
		existing, ok := s.pollers[reg.SessionID]
		if !ok {
			pctx, cancel := context.WithCancel(context.Background())
			h = &handle{cancel: cancel, done: make(chan struct{})}
			s.pollers[reg.SessionID] = h
			s.mu.Unlock()

			p, err := s.newPoller(ctx, reg)
			if err != nil {
				s.release(reg.SessionID, h)
				cancel()
				close(h.done)
				return false, err
			}
			go s.run(pctx, h, p)
			log.Printf("INFO: started polling session %s (type=%s, ticket=%s)", reg.SessionID, reg.SessionType, reg.TicketID)
			return true, nil
		}
		if !existing.stopping {
			s.mu.Unlock()
			return false, nil
		}
		s.mu.Unlock()

		select {
		case <-existing.done:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// Stop cancels the poller for sessionID. It returns false when no poller was
// running.
func (s *Scheduler) Stop(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.pollers[sessionID]
	if !ok || h.stopping {
		return false
	}
	h.stopping = true
	h.cancel()
	return true
}

// StopAndWait stops the poller and waits until its goroutine has exited.
func (s *Scheduler) StopAndWait(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	h, ok := s.pollers[sessionID]
	if ok && !h.stopping {
		h.stopping = true
		h.cancel()
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsPolling reports whether a live poller exists for sessionID.
func (s *Scheduler) IsPolling(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.pollers[sessionID]
	return ok && !h.stopping
}

// Count returns the number of live pollers.
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, h := range s.pollers {
		if !h.stopping {
			n++
		}
	}
	return n
}

// Shutdown stops every poller and waits for them to exit.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	handles := make([]*handle, 0, len(s.pollers))
	for _, h := range s.pollers {
		h.stopping = true
		h.cancel()
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Scheduler) release(sessionID string, h *handle) {
	s.mu.Lock()
	if s.pollers[sessionID] == h {
		delete(s.pollers, sessionID)
	}
	s.mu.Unlock()
}

func (s *Scheduler) run(ctx context.Context, h *handle, p *poller) {
	defer func() {
		s.release(p.reg.SessionID, h)
		close(h.done)
	}()

	if p.tick(ctx) {
		return
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("INFO: stopped polling session %s", p.reg.SessionID)
			return
		case <-ticker.C:
			if p.tick(ctx) {
				return
			}
		}
	}
}
