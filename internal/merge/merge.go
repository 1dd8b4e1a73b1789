// Package merge reconciles a batch of polled upstream messages with the
// stored session state.
package merge

import (
	"strconv"
	"time"

	"github.com/xiaot623/gogo/sessionsync/internal/domain"
)

// Apply merges incoming into existing and returns the updated state.
// existing is never mutated; a nil existing starts a new pending session
// keyed by the session id carried on the incoming messages.
//
// Text and reasoning parts accumulate streamed deltas, tool parts take the
// incoming state wholesale, and messages missing from the batch are kept so
// the transcript never shrinks while the session is live.
func Apply(existing *domain.SessionState, incoming []domain.Message, now time.Time) *domain.SessionState {
	var out *domain.SessionState
	if existing == nil {
		sessionID := ""
		if len(incoming) > 0 {
			sessionID = incoming[0].SessionID
		}
		out = domain.NewSessionState(sessionID, "", domain.SessionTypeChat, now)
	} else {
		out = existing.Clone()
	}

	index := make(map[string]int, len(out.Messages))
	for i, m := range out.Messages {
		index[m.ID] = i
	}

	for _, in := range incoming {
		if i, ok := index[in.ID]; ok {
			mergeMessage(&out.Messages[i], in)
			continue
		}
		msg := domain.Message{
			ID:        in.ID,
			Role:      in.Role,
			SessionID: in.SessionID,
			CreatedAt: in.CreatedAt,
			Model:     in.Model,
			Parts:     []domain.Part{},
		}
		if msg.SessionID == "" {
			msg.SessionID = out.SessionID
		}
		mergeMessage(&msg, in)
		out.Messages = append(out.Messages, msg)
		index[in.ID] = len(out.Messages) - 1
	}

	domain.SortMessages(out.Messages)
	out.RecomputeToolCalls()
	if out.Status == domain.SessionStatusPending && len(out.Messages) > 0 {
		out.Status = domain.SessionStatusRunning
	}
	out.UpdatedAt = now
	return out
}

func mergeMessage(dst *domain.Message, in domain.Message) {
	if in.Role != "" {
		dst.Role = in.Role
	}
	if dst.CreatedAt.IsZero() {
		dst.CreatedAt = in.CreatedAt
	}
	if in.Model != "" {
		dst.Model = in.Model
	}

	index := make(map[string]int, len(dst.Parts))
	for i, p := range dst.Parts {
		index[partKey(p, i)] = i
	}
	for i, p := range in.Parts {
		key := partKey(p, i)
		if j, ok := index[key]; ok {
			dst.Parts[j] = mergePart(dst.Parts[j], p)
			continue
		}
		dst.Parts = append(dst.Parts, newPart(p))
		index[key] = len(dst.Parts) - 1
	}
}

// partKey identifies a part inside its message. Upstream parts always carry
// an id; positional keys only cover malformed batches.
func partKey(p domain.Part, pos int) string {
	if p.ID != "" {
		return p.ID
	}
	if p.CallID != "" {
		return "call:" + p.CallID
	}
	return "#" + strconv.Itoa(pos)
}

func newPart(in domain.Part) domain.Part {
	out := in.Clone()
	if out.Text == "" && in.Delta != nil {
		out.Text = *in.Delta
	}
	out.Delta = nil
	return out
}

func mergePart(old, in domain.Part) domain.Part {
	switch in.Type {
	case domain.PartTypeText, domain.PartTypeReasoning:
		out := in.Clone()
		switch {
		case in.Delta != nil && isTextual(old.Type):
			out.Text = old.Text + *in.Delta
		case in.Text != "":
			out.Text = in.Text
		default:
			out.Text = old.Text
		}
		out.Delta = nil
		return out

	case domain.PartTypeTool:
		out := in.Clone()
		if old.State != nil && old.State.Status.IsTerminal() &&
			(in.State == nil || !in.State.Status.IsTerminal()) {
			st := old.Clone().State
			out.State = st
		}
		if out.State == nil && old.State != nil {
			out.State = old.Clone().State
		}
		out.Delta = nil
		return out
	}

	out := in.Clone()
	out.Delta = nil
	return out
}

func isTextual(t domain.PartType) bool {
	return t == domain.PartTypeText || t == domain.PartTypeReasoning
}
