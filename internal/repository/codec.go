package repository

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/xiaot623/gogo/sessionsync/internal/domain"
)

// Encoder and decoder are safe for concurrent EncodeAll/DecodeAll calls.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("repository: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("repository: zstd decoder initialization failed: " + err.Error())
	}
}

func encodeMessages(msgs []domain.Message) ([]byte, error) {
	if msgs == nil {
		msgs = []domain.Message{}
	}
	raw, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal messages: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

func decodeMessages(data []byte) ([]domain.Message, error) {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	msgs := []domain.Message{}
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal messages: %w", err)
	}
	return msgs, nil
}
