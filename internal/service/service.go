package service

import (
	"errors"
	"time"

	"github.com/xiaot623/gogo/sessionsync/internal/adapter/agentclient"
	"github.com/xiaot623/gogo/sessionsync/internal/archive"
	"github.com/xiaot623/gogo/sessionsync/internal/config"
	"github.com/xiaot623/gogo/sessionsync/internal/ephemeral"
	"github.com/xiaot623/gogo/sessionsync/internal/hub"
	"github.com/xiaot623/gogo/sessionsync/internal/policy"
	"github.com/xiaot623/gogo/sessionsync/internal/poller"
	"github.com/xiaot623/gogo/sessionsync/internal/repository"
)

var (
	// ErrSessionNotFound is returned when neither tier knows a session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrDuplicateRun is returned by StartSession when the ticket already has
	// a live ask session.
	ErrDuplicateRun = errors.New("ticket already has a running session")
	// ErrSessionFinished is returned when driving a session that has ended.
	ErrSessionFinished = errors.New("session already finished")
)

type Service struct {
	ephemeral   *ephemeral.Store
	durable     *repository.Store
	agentClient *agentclient.Client
	scheduler   *poller.Scheduler
	archiver    *archive.Archiver
	hub         *hub.Hub
	publisher   *hub.Publisher
	bridge      *hub.Bridge
	policy      *policy.Engine
	config      *config.Config
	now         func() time.Time
}

func New(eph *ephemeral.Store, durable *repository.Store, agentClient *agentclient.Client, scheduler *poller.Scheduler, archiver *archive.Archiver, h *hub.Hub, policyEngine *policy.Engine, cfg *config.Config) *Service {
	s := &Service{
		ephemeral:   eph,
		durable:     durable,
		agentClient: agentClient,
		scheduler:   scheduler,
		archiver:    archiver,
		hub:         h,
		publisher:   hub.NewPublisher(h),
		policy:      policyEngine,
		config:      cfg,
		now:         time.Now,
	}
	s.bridge = hub.NewBridge(h, s)
	return s
}

// Health reports live counters.
type Health struct {
	Status      string `json:"status"`
	Pollers     int    `json:"pollers"`
	Topics      int    `json:"topics"`
	Subscribers int    `json:"subscribers"`
}

func (s *Service) Health() Health {
	return Health{
		Status:      "ok",
		Pollers:     s.scheduler.Count(),
		Topics:      s.hub.TopicCount(),
		Subscribers: s.hub.SubscriberCount(),
	}
}
