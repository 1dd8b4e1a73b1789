package service

import (
	"context"

	"github.com/xiaot623/gogo/sessionsync/internal/adapter/agentclient"
	"github.com/xiaot623/gogo/sessionsync/internal/archive"
	"github.com/xiaot623/gogo/sessionsync/internal/completion"
	"github.com/xiaot623/gogo/sessionsync/internal/config"
	"github.com/xiaot623/gogo/sessionsync/internal/ephemeral"
	"github.com/xiaot623/gogo/sessionsync/internal/hub"
	"github.com/xiaot623/gogo/sessionsync/internal/policy"
	"github.com/xiaot623/gogo/sessionsync/internal/poller"
	"github.com/xiaot623/gogo/sessionsync/internal/repository"
)

// Assemble wires the agent client, hub, archiver and poll scheduler around
// the two storage tiers.
func Assemble(cfg *config.Config, eph *ephemeral.Store, durable *repository.Store, policyEngine *policy.Engine) *Service {
	client := agentclient.NewClient(cfg.AgentAPIURL, cfg.AgentTimeout)
	h := hub.NewHub(cfg.SubscriberBuffer)
	arch := archive.New(durable, eph)
	sched := poller.NewScheduler(poller.Deps{
		Source:    client,
		Store:     eph,
		Publisher: hub.NewPublisher(h),
		Detector:  completion.NewDetector(client),
		Policy:    policyEngine,
		Archiver:  arch,
	}, poller.Config{
		Interval:       cfg.PollInterval,
		ErrorThreshold: cfg.PollErrorThreshold,
		SessionTTL:     cfg.SessionTTL,
		PointerTTL:     cfg.PointerTTL,
		Debug:          cfg.Debug(),
	})
	return New(eph, durable, client, sched, arch, h, policyEngine, cfg)
}

// Shutdown stops every poller and waits for them to exit.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.scheduler.Shutdown(ctx)
}
