package rpc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"strings"
	"sync"

	"github.com/xiaot623/gogo/sessionsync/internal/domain"
	"github.com/xiaot623/gogo/sessionsync/internal/service"
)

// ServiceName is the name the session handler is registered under.
const ServiceName = "Sessions"

// Server exposes internal RPC endpoints for ticketing and other backends.
type Server struct {
	mu        sync.Mutex
	listener  net.Listener
	rpcServer *rpc.Server
	done      chan struct{}
}

// NewServer creates a new RPC server bound to the session service.
func NewServer(svc *service.Service) (*Server, error) {
	rpcServer := rpc.NewServer()
	handler := &Handler{service: svc}
	if err := rpcServer.RegisterName(ServiceName, handler); err != nil {
		return nil, fmt.Errorf("register rpc handler: %w", err)
	}

	return &Server{
		rpcServer: rpcServer,
		done:      make(chan struct{}),
	}, nil
}

// Start begins accepting RPC connections on the given address.
func (s *Server) Start(addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	return s.Serve()
}

// Listen binds the listener without accepting connections yet.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("rpc server is not listening")
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			log.Printf("RPC accept error: %v", err)
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	if err := ln.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements the Sessions RPC methods.
type Handler struct {
	service *service.Service
}

// StartPollingArgs registers a poller for an upstream session.
type StartPollingArgs struct {
	SessionID   string             `json:"session_id"`
	TicketID    string             `json:"ticket_id,omitempty"`
	SessionType domain.SessionType `json:"session_type,omitempty"`
}

// StartPollingReply reports whether a new poller was started.
type StartPollingReply struct {
	Started bool `json:"started"`
}

// SessionArgs identifies a session.
type SessionArgs struct {
	SessionID string `json:"session_id"`
}

// SnapshotReply carries a session snapshot. Found is false when neither
// tier knows the session.
type SnapshotReply struct {
	Found   bool                 `json:"found"`
	Session *domain.SessionState `json:"session,omitempty"`
}

// PendingArgs lists tickets to resolve.
type PendingArgs struct {
	TicketIDs []string `json:"ticket_ids"`
}

// PendingReply maps ticket IDs to their live ask session.
type PendingReply struct {
	Sessions map[string]*domain.SessionState `json:"sessions"`
}

// StartPolling registers a poller for an existing upstream session.
func (h *Handler) StartPolling(req *StartPollingArgs, resp *StartPollingReply) error {
	if req == nil || strings.TrimSpace(req.SessionID) == "" {
		return errors.New("session_id is required")
	}
	if req.SessionType != "" && !req.SessionType.Valid() {
		return errors.New("session_type must be chat, ask or admin")
	}

	started, err := h.service.StartPollingFor(context.Background(), req.SessionID, req.TicketID, req.SessionType)
	if err != nil {
		return err
	}
	if resp != nil {
		resp.Started = started
	}
	return nil
}

// GetSnapshot returns the live or archived snapshot of a session.
func (h *Handler) GetSnapshot(req *SessionArgs, resp *SnapshotReply) error {
	if req == nil || strings.TrimSpace(req.SessionID) == "" {
		return errors.New("session_id is required")
	}

	state, err := h.service.GetSnapshot(context.Background(), req.SessionID)
	if err != nil {
		return err
	}
	if resp != nil {
		resp.Found = state != nil
		resp.Session = state
	}
	return nil
}

// ListPendingByTicket resolves the live ask session of each ticket.
func (h *Handler) ListPendingByTicket(req *PendingArgs, resp *PendingReply) error {
	if req == nil || len(req.TicketIDs) == 0 {
		return errors.New("ticket_ids is required")
	}

	sessions, err := h.service.ListPendingByTicket(context.Background(), req.TicketIDs)
	if err != nil {
		return err
	}
	if resp != nil {
		resp.Sessions = sessions
	}
	return nil
}

// EndSession marks a session completed and archives it.
func (h *Handler) EndSession(req *SessionArgs, resp *SnapshotReply) error {
	if req == nil || strings.TrimSpace(req.SessionID) == "" {
		return errors.New("session_id is required")
	}

	state, err := h.service.EndSession(context.Background(), req.SessionID)
	if err != nil {
		return err
	}
	if resp != nil {
		resp.Found = true
		resp.Session = state
	}
	return nil
}
