package publisher

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Codec encodes work items as zstd-compressed JSON.
type Codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewCodec creates a codec. EncodeAll and DecodeAll are safe for concurrent use.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Codec{enc: enc, dec: dec}, nil
}

// Encode serializes item.
func (c *Codec) Encode(item WorkItem) ([]byte, error) {
	raw, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("marshal work item: %w", err)
	}
	return c.enc.EncodeAll(raw, nil), nil
}

// Decode reverses Encode.
func (c *Codec) Decode(msg []byte) (WorkItem, error) {
	raw, err := c.dec.DecodeAll(msg, nil)
	if err != nil {
		return WorkItem{}, fmt.Errorf("zstd decompress: %w", err)
	}
	var item WorkItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return WorkItem{}, fmt.Errorf("unmarshal work item: %w", err)
	}
	return item, nil
}

// Close releases encoder and decoder resources.
func (c *Codec) Close() {
	c.enc.Close()
	c.dec.Close()
}
