package rpc

import (
	"context"
	"fmt"
	"net"
	"net/rpc/jsonrpc"
	"net/url"
	"strings"
	"time"

	"github.com/xiaot623/gogo/sessionsync/internal/domain"
)

// Client calls the Sessions RPC service over JSON-RPC.
type Client struct {
	addr        string
	dialTimeout time.Duration
	callTimeout time.Duration
}

// NewClient accepts a host:port or a URL whose host is used.
func NewClient(addr string) *Client {
	return &Client{
		addr:        resolveRPCAddr(addr),
		dialTimeout: 5 * time.Second,
		callTimeout: 30 * time.Second,
	}
}

func (c *Client) StartPolling(ctx context.Context, args StartPollingArgs) (bool, error) {
	var reply StartPollingReply
	if err := c.call(ctx, ServiceName+".StartPolling", &args, &reply); err != nil {
		return false, fmt.Errorf("failed to start polling: %w", err)
	}
	return reply.Started, nil
}

// GetSnapshot returns nil, nil when the session is unknown.
func (c *Client) GetSnapshot(ctx context.Context, sessionID string) (*domain.SessionState, error) {
	var reply SnapshotReply
	if err := c.call(ctx, ServiceName+".GetSnapshot", &SessionArgs{SessionID: sessionID}, &reply); err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	if !reply.Found {
		return nil, nil
	}
	return reply.Session, nil
}

func (c *Client) ListPendingByTicket(ctx context.Context, ticketIDs []string) (map[string]*domain.SessionState, error) {
	var reply PendingReply
	if err := c.call(ctx, ServiceName+".ListPendingByTicket", &PendingArgs{TicketIDs: ticketIDs}, &reply); err != nil {
		return nil, fmt.Errorf("failed to list pending sessions: %w", err)
	}
	if reply.Sessions == nil {
		reply.Sessions = map[string]*domain.SessionState{}
	}
	return reply.Sessions, nil
}

func (c *Client) EndSession(ctx context.Context, sessionID string) (*domain.SessionState, error) {
	var reply SnapshotReply
	if err := c.call(ctx, ServiceName+".EndSession", &SessionArgs{SessionID: sessionID}, &reply); err != nil {
		return nil, fmt.Errorf("failed to end session: %w", err)
	}
	return reply.Session, nil
}

func (c *Client) call(ctx context.Context, method string, args, reply interface{}) error {
	conn, err := net.DialTimeout("tcp", c.addr, c.dialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if c.callTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.callTimeout))
	}

	client := jsonrpc.NewClient(conn)
	call := client.Go(method, args, reply, nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-call.Done:
		return call.Error
	}
}

func resolveRPCAddr(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "://") {
		parsed, err := url.Parse(raw)
		if err == nil && parsed.Host != "" {
			return parsed.Host
		}
	}
	return raw
}
