package coldstorage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver

	"github.com/withObsrvr/privacy-replay/internal/command"
	"github.com/withObsrvr/privacy-replay/internal/logging"
)

// OpenBucket opens a gocloud bucket URL.
// Examples: file:///var/lib/archive, gs://bucket, s3://bucket?region=us-east-1.
func OpenBucket(ctx context.Context, url string) (*blob.Bucket, error) {
	b, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", url, err)
	}
	return b, nil
}

// BlobReader reads hourly command segments from a bucket laid out as
// <prefix>YYYY/MM/DD/HH/<segment>.
type BlobReader struct {
	bucket   *blob.Bucket
	prefix   string
	pageSize int
	decoder  *decoder
	log      *slog.Logger
}

// NewBlobReader wraps an open bucket. The reader owns the bucket.
func NewBlobReader(bucket *blob.Bucket, prefix string, pageSize int) (*BlobReader, error) {
	if pageSize <= 0 {
		pageSize = 1000
	}
	dec, err := newDecoder()
	if err != nil {
		return nil, err
	}
	return &BlobReader{
		bucket:   bucket,
		prefix:   prefix,
		pageSize: pageSize,
		decoder:  dec,
		log:      logging.Component("coldstorage"),
	}, nil
}

// Close releases the decoder and the bucket.
func (r *BlobReader) Close() error {
	r.decoder.Close()
	return r.bucket.Close()
}

// GetCommandsForWindow implements Reader.
func (r *BlobReader) GetCommandsForWindow(ctx context.Context, w Window, cursor string) (Page, error) {
	if !w.End.After(w.Start) {
		return Page{}, nil
	}

	keys, err := r.segments(ctx, w)
	if err != nil {
		return Page{}, err
	}

	startKey, offset := "", 0
	if cursor != "" {
		startKey, offset, err = ParseCursor(cursor)
		if err != nil {
			return Page{}, err
		}
	}

	var page Page
	for ki, key := range keys {
		if key < startKey {
			continue
		}
		from := 0
		if key == startKey {
			from = offset
		}

		data, err := r.bucket.ReadAll(ctx, key)
		if err != nil {
			return Page{}, fmt.Errorf("read segment %s: %w", key, err)
		}
		entries, err := r.decoder.decode(key, data)
		if err != nil {
			return Page{}, err
		}

		for i := from; i < len(entries); i++ {
			e := entries[i]
			if !matches(w, e) {
				continue
			}
			page.Records = append(page.Records, Record{Object: key, Offset: i, Data: e.data})
			if len(page.Records) < r.pageSize {
				continue
			}
			switch {
			case i+1 < len(entries):
				page.NextCursor = FormatCursor(key, i+1)
			case ki+1 < len(keys):
				page.NextCursor = FormatCursor(keys[ki+1], 0)
			}
			return page, nil
		}
	}

	r.log.Debug("window exhausted",
		"start", w.Start.Format(time.RFC3339),
		"records", len(page.Records))
	return page, nil
}

// segments lists segment objects for every hour in the window, in key order.
func (r *BlobReader) segments(ctx context.Context, w Window) ([]string, error) {
	var keys []string
	for h := w.Start.UTC().Truncate(time.Hour); h.Before(w.End); h = h.Add(time.Hour) {
		iter := r.bucket.List(&blob.ListOptions{Prefix: HourPrefix(r.prefix, h)})
		for {
			obj, err := iter.Next(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("list %s: %w", HourPrefix(r.prefix, h), err)
			}
			if obj.IsDir || !isSegment(obj.Key) {
				continue
			}
			keys = append(keys, obj.Key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// matches applies the window's subject and export filters. Records whose header could
// not be read pass through so that the filter can count them as unparseable.
func matches(w Window, e entry) bool {
	if e.commandType == "" {
		return true
	}
	if !w.IncludeExport && e.commandType == string(command.TypeExport) {
		return false
	}
	if w.SubjectType != "" && e.subjectType != "" && e.subjectType != w.SubjectType {
		return false
	}
	return true
}
