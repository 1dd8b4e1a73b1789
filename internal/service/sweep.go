package service

import (
	"context"
	"log"
	"time"
)

// RecoverReport summarizes a Recover pass.
type RecoverReport struct {
	Resumed  int `json:"resumed"`
	Promoted int `json:"promoted"`
	Dropped  int `json:"dropped"`
}

// Recover resumes work left by a previous process: dangling ticket pointers
// are dropped, live sessions are polled again and finished sessions that
// were never archived are promoted.
func (s *Service) Recover(ctx context.Context) (*RecoverReport, error) {
	report := &RecoverReport{}

	pointers, err := s.ephemeral.ScanActivePointers(ctx)
	if err != nil {
		return nil, err
	}
	for _, ptr := range pointers {
		state, err := s.ephemeral.Get(ctx, ptr.SessionID)
		if err != nil {
			log.Printf("WARN: recover: failed to load session %s: %v", ptr.SessionID, err)
			continue
		}
		if state == nil {
			if cleared, _ := s.ephemeral.DeleteActivePointerIf(ctx, ptr.TicketID, ptr.SessionID); cleared {
				report.Dropped++
			}
		}
	}

	states, err := s.ephemeral.ScanSessions(ctx)
	if err != nil {
		return nil, err
	}
	for _, state := range states {
		if state.Status.IsTerminal() {
			if _, err := s.archiver.Promote(ctx, state); err != nil {
				log.Printf("WARN: recover: failed to promote session %s: %v", state.SessionID, err)
				continue
			}
			report.Promoted++
			continue
		}
		started, err := s.StartPollingFor(ctx, state.SessionID, state.TicketID, state.SessionType)
		if err != nil {
			log.Printf("WARN: recover: failed to resume session %s: %v", state.SessionID, err)
			continue
		}
		if started {
			report.Resumed++
		}
	}

	log.Printf("INFO: recovery resumed=%d promoted=%d dropped=%d", report.Resumed, report.Promoted, report.Dropped)
	return report, nil
}

// RunArchiveSweeper periodically re-promotes terminal sessions whose archival
// failed, until ctx is done.
func (s *Service) RunArchiveSweeper(ctx context.Context) {
	interval := s.config.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepArchive(ctx)
		}
	}
}

func (s *Service) sweepArchive(ctx context.Context) int {
	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	states, err := s.ephemeral.ScanSessions(sweepCtx)
	if err != nil {
		log.Printf("WARN: archive sweep failed: %v", err)
		return 0
	}

	promoted := 0
	for _, state := range states {
		if !state.Status.IsTerminal() || s.scheduler.IsPolling(state.SessionID) {
			continue
		}
		if _, err := s.archiver.Promote(sweepCtx, state); err != nil {
			log.Printf("WARN: archive sweep: session %s still not archived: %v", state.SessionID, err)
			continue
		}
		promoted++
	}
	return promoted
}
