// Package agentclient is the HTTP client for the upstream agent API that owns
// the conversations being synchronized.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xiaot623/gogo/sessionsync/internal/domain"
)

// ErrSessionNotFound is returned when the upstream no longer knows a session.
var ErrSessionNotFound = errors.New("upstream session not found")

const maxErrorBody = 4 << 10

// StatusError is returned for unexpected non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agent api returned status %d: %s", e.StatusCode, e.Body)
}

// MalformedPayloadError is returned when a 2xx body does not have the
// expected shape, including error envelopes sent with a success status.
type MalformedPayloadError struct {
	Reason string
	Body   string
}

func (e *MalformedPayloadError) Error() string {
	return "malformed agent payload: " + e.Reason
}

// Client talks to the agent API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new agent API client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type wireMessage struct {
	Info struct {
		ID        string `json:"id"`
		Role      string `json:"role"`
		SessionID string `json:"sessionID"`
		ModelID   string `json:"modelID"`
		Time      struct {
			Created int64 `json:"created"`
		} `json:"time"`
	} `json:"info"`
	Parts []domain.Part `json:"parts"`
}

func (w wireMessage) toDomain() domain.Message {
	msg := domain.Message{
		ID:        w.Info.ID,
		Role:      domain.Role(w.Info.Role),
		SessionID: w.Info.SessionID,
		Model:     w.Info.ModelID,
		Parts:     w.Parts,
	}
	if w.Info.Time.Created > 0 {
		msg.CreatedAt = time.UnixMilli(w.Info.Time.Created).UTC()
	}
	if msg.Parts == nil {
		msg.Parts = []domain.Part{}
	}
	return msg
}

// ListMessages fetches the full message list of a session.
func (c *Client) ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	body, err := c.do(ctx, http.MethodGet, "/session/"+url.PathEscape(sessionID)+"/message", nil)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, malformed(trimmed)
	}

	var wire []wireMessage
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return nil, &MalformedPayloadError{Reason: err.Error(), Body: truncate(trimmed)}
	}

	msgs := make([]domain.Message, 0, len(wire))
	for _, w := range wire {
		msgs = append(msgs, w.toDomain())
	}
	return msgs, nil
}

// GetStatus returns the upstream activity status of a session. A session
// missing from the status map is idle.
func (c *Client) GetStatus(ctx context.Context, sessionID string) (domain.UpstreamStatus, error) {
	body, err := c.do(ctx, http.MethodGet, "/session/status", nil)
	if err != nil {
		return "", err
	}

	var statuses map[string]struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &statuses); err != nil {
		return "", &MalformedPayloadError{Reason: err.Error(), Body: truncate(body)}
	}

	st, ok := statuses[sessionID]
	if !ok {
		return domain.UpstreamStatusIdle, nil
	}
	return normalizeStatus(st.Type), nil
}

func normalizeStatus(raw string) domain.UpstreamStatus {
	switch raw {
	case "idle", "":
		return domain.UpstreamStatusIdle
	case "pending":
		return domain.UpstreamStatusPending
	case "retry":
		return domain.UpstreamStatusRetry
	default:
		// busy, running and anything unknown count as activity.
		return domain.UpstreamStatusRunning
	}
}

// CreateSession creates an upstream session and returns its id.
func (c *Client) CreateSession(ctx context.Context, title string) (string, error) {
	body, err := c.do(ctx, http.MethodPost, "/session", map[string]string{"title": title})
	if err != nil {
		return "", err
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return "", &MalformedPayloadError{Reason: err.Error(), Body: truncate(body)}
	}
	if created.ID == "" {
		return "", &MalformedPayloadError{Reason: "missing session id", Body: truncate(body)}
	}
	return created.ID, nil
}

type promptRequest struct {
	Parts []promptPart `json:"parts"`
}

type promptPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func newPrompt(text string) promptRequest {
	return promptRequest{Parts: []promptPart{{Type: string(domain.PartTypeText), Text: text}}}
}

// SendMessage sends a user turn and waits for the assistant reply.
func (c *Client) SendMessage(ctx context.Context, sessionID, text string) (*domain.Message, error) {
	body, err := c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/message", newPrompt(text))
	if err != nil {
		return nil, err
	}

	var w wireMessage
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, &MalformedPayloadError{Reason: err.Error(), Body: truncate(body)}
	}
	msg := w.toDomain()
	return &msg, nil
}

// SendMessageAsync queues a user turn; the reply is picked up by polling.
func (c *Client) SendMessageAsync(ctx context.Context, sessionID, text string) error {
	_, err := c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/prompt_async", newPrompt(text))
	return err
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call agent api: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent api response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, ErrSessionNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(body)}
	}
	return body, nil
}

// malformed classifies a non-array body, recognizing the {error} and
// {name, data} envelopes the upstream uses for in-band failures.
func malformed(body []byte) error {
	var envelope struct {
		Error json.RawMessage `json:"error"`
		Name  string          `json:"name"`
		Data  json.RawMessage `json:"data"`
	}
	if len(body) > 0 && body[0] == '{' && json.Unmarshal(body, &envelope) == nil {
		switch {
		case len(envelope.Error) > 0:
			return &MalformedPayloadError{Reason: "error envelope: " + string(envelope.Error), Body: truncate(body)}
		case envelope.Name != "" && len(envelope.Data) > 0:
			return &MalformedPayloadError{Reason: "error envelope: " + envelope.Name, Body: truncate(body)}
		}
	}
	return &MalformedPayloadError{Reason: "expected a message array", Body: truncate(body)}
}

func truncate(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody])
	}
	return string(body)
}
