package poller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/xiaot623/gogo/sessionsync/internal/adapter/agentclient"
	"github.com/xiaot623/gogo/sessionsync/internal/completion"
	"github.com/xiaot623/gogo/sessionsync/internal/domain"
	"github.com/xiaot623/gogo/sessionsync/internal/merge"
)

// ErrSessionTerminal is returned by Start when the stored session has already
// finished.
var ErrSessionTerminal = errors.New("session already finished")

// poller is the per-session state machine. It is only touched by its own
// goroutine once started.
type poller struct {
	s   *Scheduler
	reg Registration

	state         *domain.SessionState
	archiveOnIdle bool

	errCount    int
	lastErr     error
	fingerprint Fingerprint
	hasPrint    bool
	lastWrite   time.Time
}

// newPoller loads or creates the session record, points the ticket at it and
// publishes the initial state.
func (s *Scheduler) newPoller(ctx context.Context, reg Registration) (*poller, error) {
	now := s.now()
	state, err := s.deps.Store.Get(ctx, reg.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", reg.SessionID, err)
	}

	if state == nil {
		state = domain.NewSessionState(reg.SessionID, reg.TicketID, reg.SessionType, now)
		if err := s.deps.Store.Put(ctx, reg.SessionID, state, s.cfg.SessionTTL); err != nil {
			return nil, err
		}
	} else {
		if state.Status.IsTerminal() {
			return nil, fmt.Errorf("failed to start polling session %s: %w", reg.SessionID, ErrSessionTerminal)
		}
		reg.TicketID = state.TicketID
		reg.SessionType = state.SessionType
	}

	if reg.SessionType == domain.SessionTypeAsk && reg.TicketID != "" {
		if err := s.deps.Store.SetActivePointer(ctx, reg.TicketID, reg.SessionID, s.cfg.PointerTTL); err != nil {
			return nil, err
		}
	}

	if err := s.deps.Publisher.PublishState(state); err != nil {
		log.Printf("WARN: failed to publish initial state of session %s: %v", reg.SessionID, err)
	}

	archiveOnIdle := false
	if s.deps.Policy != nil {
		archiveOnIdle, err = s.deps.Policy.ShouldArchive(ctx, reg.SessionType, true, false)
		if err != nil {
			log.Printf("WARN: archive policy failed for session %s, polling without auto-archive: %v", reg.SessionID, err)
			archiveOnIdle = false
		}
	}

	return &poller{
		s:             s,
		reg:           reg,
		state:         state,
		archiveOnIdle: archiveOnIdle,
		lastWrite:     now,
	}, nil
}

// tick runs one poll cycle and reports whether the poller should stop.
func (p *poller) tick(ctx context.Context) bool {
	id := p.reg.SessionID
	msgs, err := p.s.deps.Source.ListMessages(ctx, id)
	if ctx.Err() != nil {
		return true
	}
	if err != nil {
		return p.handleError(ctx, err)
	}
	p.errCount = 0
	p.lastErr = nil

	if err := p.apply(ctx, msgs); err != nil {
		log.Printf("ERROR: failed to write session %s: %v", id, err)
		return false
	}

	// Before the first assistant message an idle upstream only means the
	// prompt has not been picked up yet.
	if !p.archiveOnIdle || !hasAssistantMessage(p.state) {
		return false
	}

	res := p.s.deps.Detector.Detect(ctx, p.state)
	if ctx.Err() != nil {
		return true
	}
	if res.StatusErr != nil {
		log.Printf("WARN: status query for session %s failed, used %s signal: %v", id, res.Source, res.StatusErr)
	}
	if !res.Complete {
		return false
	}
	if res.Source == completion.SourceAuthoritative {
		// The transcript above predates the idle status. Read it again so
		// the archive holds everything emitted before the agent stopped.
		msgs, err := p.s.deps.Source.ListMessages(ctx, id)
		if ctx.Err() != nil {
			return true
		}
		if err != nil {
			return p.handleError(ctx, err)
		}
		if err := p.apply(ctx, msgs); err != nil {
			log.Printf("ERROR: failed to write session %s: %v", id, err)
			return false
		}
	}

	done := p.state.Clone()
	if err := done.Transition(domain.SessionStatusCompleted, p.s.now()); err != nil {
		log.Printf("ERROR: session %s: %v", id, err)
		return true
	}
	if err := p.write(ctx, done); err != nil {
		log.Printf("ERROR: failed to write completed session %s: %v", id, err)
		return false
	}
	log.Printf("INFO: session %s completed (%s signal)", id, res.Source)
	p.promote(ctx)
	return true
}

// apply merges msgs into the current state, or only keeps the session alive
// when the poll matches the previous one.
func (p *poller) apply(ctx context.Context, msgs []domain.Message) error {
	fp := ComputeFingerprint(msgs)
	if p.hasPrint && fp == p.fingerprint && !hasDelta(msgs) {
		if p.s.cfg.Debug {
			log.Printf("DEBUG: session %s unchanged, skipping merge", p.reg.SessionID)
		}
		p.keepAlive(ctx)
		return nil
	}
	next := merge.Apply(p.state, msgs, p.s.now())
	if err := p.write(ctx, next); err != nil {
		return err
	}
	p.fingerprint = fp
	p.hasPrint = true
	return nil
}

func (p *poller) handleError(ctx context.Context, err error) bool {
	id := p.reg.SessionID

	if errors.Is(err, agentclient.ErrSessionNotFound) {
		log.Printf("WARN: session %s not found upstream, stopping poller", id)
		if p.reg.TicketID != "" {
			if _, derr := p.s.deps.Store.DeleteActivePointerIf(ctx, p.reg.TicketID, id); derr != nil {
				log.Printf("ERROR: failed to clear pointer of ticket %s: %v", p.reg.TicketID, derr)
			}
		}
		return true
	}

	p.errCount++
	p.lastErr = err
	var malformed *agentclient.MalformedPayloadError
	if errors.As(err, &malformed) {
		log.Printf("WARN: malformed payload for session %s (%d/%d): %v", id, p.errCount, p.s.cfg.ErrorThreshold, err)
	} else {
		log.Printf("WARN: poll of session %s failed (%d/%d): %v", id, p.errCount, p.s.cfg.ErrorThreshold, err)
	}
	if p.errCount < p.s.cfg.ErrorThreshold {
		return false
	}

	failed := p.state.Clone()
	if ferr := failed.Fail(p.lastErr.Error(), p.s.now()); ferr != nil {
		log.Printf("ERROR: session %s: %v", id, ferr)
		return true
	}
	if werr := p.write(ctx, failed); werr != nil {
		log.Printf("ERROR: failed to write failed session %s: %v", id, werr)
		return true
	}
	log.Printf("ERROR: session %s exceeded error threshold: %v", id, p.lastErr)
	p.promote(ctx)
	return true
}

// write stores next, publishes it and makes it the poller's current state.
func (p *poller) write(ctx context.Context, next *domain.SessionState) error {
	if err := p.s.deps.Store.Put(ctx, p.reg.SessionID, next, p.s.cfg.SessionTTL); err != nil {
		return err
	}
	p.state = next
	p.lastWrite = p.s.now()
	if err := p.s.deps.Publisher.PublishState(next); err != nil {
		log.Printf("WARN: failed to publish session %s: %v", p.reg.SessionID, err)
	}
	return nil
}

// keepAlive slides the TTLs of an unchanged session, at most every quarter
// TTL.
func (p *poller) keepAlive(ctx context.Context) {
	now := p.s.now()
	if now.Sub(p.lastWrite) < p.s.cfg.SessionTTL/4 {
		return
	}
	if err := p.s.deps.Store.RefreshTTL(ctx, p.reg.SessionID); err != nil {
		log.Printf("WARN: failed to refresh session %s: %v", p.reg.SessionID, err)
		return
	}
	if p.reg.SessionType == domain.SessionTypeAsk && p.reg.TicketID != "" {
		// Never take back a pointer that was reassigned to a newer session.
		current, err := p.s.deps.Store.GetActivePointer(ctx, p.reg.TicketID)
		if err != nil {
			log.Printf("WARN: failed to read pointer of ticket %s: %v", p.reg.TicketID, err)
			return
		}
		if current == p.reg.SessionID {
			if err := p.s.deps.Store.SetActivePointer(ctx, p.reg.TicketID, p.reg.SessionID, p.s.cfg.PointerTTL); err != nil {
				log.Printf("WARN: failed to refresh pointer of ticket %s: %v", p.reg.TicketID, err)
				return
			}
		}
	}
	p.lastWrite = now
}

func (p *poller) promote(ctx context.Context) {
	if p.s.deps.Archiver == nil {
		return
	}
	if _, err := p.s.deps.Archiver.Promote(ctx, p.state); err != nil {
		log.Printf("ERROR: failed to promote session %s, left for the archive sweeper: %v", p.reg.SessionID, err)
	}
}

func hasAssistantMessage(state *domain.SessionState) bool {
	for _, m := range state.Messages {
		if m.Role == domain.RoleAssistant {
			return true
		}
	}
	return false
}
