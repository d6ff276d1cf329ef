package coldstorage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/parquet-go/parquet-go"
)

// Row is the parquet layout of an archived command.
type Row struct {
	CommandID   string    `parquet:"command_id"`
	CommandType string    `parquet:"command_type"`
	SubjectType string    `parquet:"subject_type"`
	Timestamp   time.Time `parquet:"timestamp,timestamp(millisecond)"`
	Payload     []byte    `parquet:"payload"`
}

// entry is a decoded segment record with the fields used for window filtering.
type entry struct {
	commandType string
	subjectType string
	data        []byte
}

type header struct {
	CommandType string `json:"commandType"`
	SubjectType string `json:"subjectType"`
}

// decoder turns segment objects into entries.
type decoder struct {
	zstd *zstd.Decoder
}

func newDecoder() (*decoder, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &decoder{zstd: dec}, nil
}

func (d *decoder) Close() {
	if d.zstd != nil {
		d.zstd.Close()
	}
}

func isSegment(key string) bool {
	return strings.HasSuffix(key, ".jsonl.zst") || strings.HasSuffix(key, ".jsonl") || strings.HasSuffix(key, ".parquet")
}

func (d *decoder) decode(key string, data []byte) ([]entry, error) {
	switch {
	case strings.HasSuffix(key, ".jsonl.zst"):
		raw, err := d.zstd.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress %s: %w", key, err)
		}
		return decodeJSONL(raw)
	case strings.HasSuffix(key, ".jsonl"):
		return decodeJSONL(data)
	case strings.HasSuffix(key, ".parquet"):
		return decodeParquet(data)
	default:
		return nil, fmt.Errorf("unsupported segment %s", key)
	}
}

// decodeJSONL keeps every non-empty line, even unparseable ones, so that record offsets
// stay stable and the filter can count them.
func decodeJSONL(raw []byte) ([]entry, error) {
	var out []entry
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var h header
		_ = json.Unmarshal(line, &h)
		out = append(out, entry{
			commandType: h.CommandType,
			subjectType: h.SubjectType,
			data:        bytes.Clone(line),
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan jsonl: %w", err)
	}
	return out, nil
}

func decodeParquet(data []byte) ([]entry, error) {
	rows, err := parquet.Read[Row](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("read parquet: %w", err)
	}
	out := make([]entry, len(rows))
	for i, r := range rows {
		out[i] = entry{commandType: r.CommandType, subjectType: r.SubjectType, data: r.Payload}
	}
	return out, nil
}
