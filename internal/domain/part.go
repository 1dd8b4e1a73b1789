package domain

import "encoding/json"

// Part is a typed fragment of a message. Type selects which fields are
// meaningful: Text for text/reasoning, CallID/Tool/State for tool, Reason/
// Cost/Tokens for step-finish and Mime/URL/Filename for file.
type Part struct {
	ID        string   `json:"id"`
	SessionID string   `json:"sessionId,omitempty"`
	MessageID string   `json:"messageId,omitempty"`
	Type      PartType `json:"type"`

	Text string `json:"text,omitempty"`
	// Delta is an incremental token fragment. It is only set on incoming
	// parts and never persisted.
	Delta *string `json:"delta,omitempty"`

	CallID string     `json:"callID,omitempty"`
	Tool   string     `json:"tool,omitempty"`
	State  *ToolState `json:"state,omitempty"`

	Reason string      `json:"reason,omitempty"`
	Cost   float64     `json:"cost,omitempty"`
	Tokens *TokenUsage `json:"tokens,omitempty"`

	Mime     string `json:"mime,omitempty"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// ToolState is the state machine of a single tool call.
type ToolState struct {
	Status   ToolStatus      `json:"status"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   string          `json:"output,omitempty"`
	Title    string          `json:"title,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Error    string          `json:"error,omitempty"`
	Time     *ToolTime       `json:"time,omitempty"`
}

// ToolTime holds start/end of a finished tool call in unix milliseconds.
type ToolTime struct {
	Start int64 `json:"start"`
	End   int64 `json:"end,omitempty"`
}

// TokenUsage is reported by step-finish parts.
type TokenUsage struct {
	Input     int         `json:"input"`
	Output    int         `json:"output"`
	Reasoning int         `json:"reasoning,omitempty"`
	Cache     *CacheUsage `json:"cache,omitempty"`
}

// CacheUsage is the prompt cache portion of TokenUsage.
type CacheUsage struct {
	Read  int `json:"read"`
	Write int `json:"write"`
}

// HasText reports whether the part carries non-empty text.
func (p *Part) HasText() bool {
	return p.Type == PartTypeText && p.Text != ""
}

// ToolStatus returns the tool status of a tool part, or "" for any other part.
func (p *Part) ToolStatus() ToolStatus {
	if p.Type != PartTypeTool || p.State == nil {
		return ""
	}
	return p.State.Status
}

// Clone returns a deep copy of the part.
func (p Part) Clone() Part {
	out := p
	if p.Delta != nil {
		d := *p.Delta
		out.Delta = &d
	}
	if p.State != nil {
		st := *p.State
		st.Input = cloneRaw(p.State.Input)
		st.Metadata = cloneRaw(p.State.Metadata)
		if p.State.Time != nil {
			tm := *p.State.Time
			st.Time = &tm
		}
		out.State = &st
	}
	if p.Tokens != nil {
		tk := *p.Tokens
		if p.Tokens.Cache != nil {
			c := *p.Tokens.Cache
			tk.Cache = &c
		}
		out.Tokens = &tk
	}
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
