package poller

import (
	"encoding/binary"
	"io"

	"github.com/zeebo/blake3"

	"github.com/xiaot623/gogo/sessionsync/internal/domain"
)

// Fingerprint is a cheap digest of the parts of a message list that a merge
// can change: message ids and part counts, tool call statuses and text
// lengths. Two polls with equal fingerprints and no deltas merge to the same
// state. Polls carrying deltas are merged regardless, since each merge
// appends them.
type Fingerprint [32]byte

// ComputeFingerprint digests msgs.
func ComputeFingerprint(msgs []domain.Message) Fingerprint {
	h := blake3.New()
	var buf [8]byte
	writeInt := func(n int) {
		binary.LittleEndian.PutUint64(buf[:], uint64(n))
		_, _ = h.Write(buf[:])
	}
	writeString := func(s string) {
		writeInt(len(s))
		_, _ = io.WriteString(h, s)
	}

	writeInt(len(msgs))
	for _, m := range msgs {
		writeString(m.ID)
		writeInt(len(m.Parts))
		for _, p := range m.Parts {
			writeString(p.ID)
			writeString(string(p.Type))
			switch p.Type {
			case domain.PartTypeTool:
				writeString(p.CallID)
				writeString(string(p.ToolStatus()))
			case domain.PartTypeText, domain.PartTypeReasoning:
				writeInt(len(p.Text))
				if p.Delta != nil {
					writeString(*p.Delta)
				}
			}
		}
	}

	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}

// hasDelta reports whether any part of msgs carries a streamed fragment.
func hasDelta(msgs []domain.Message) bool {
	for _, m := range msgs {
		for _, p := range m.Parts {
			if p.Delta != nil {
				return true
			}
		}
	}
	return false
}
