// Package coldstorage pages historical privacy commands out of hourly archive segments.
package coldstorage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned when a continuation cursor cannot be parsed.
var ErrInvalidCursor = errors.New("invalid cursor")

// Window selects the commands to page through.
type Window struct {
	Start         time.Time
	End           time.Time
	SubjectType   string
	IncludeExport bool
}

// Record is one raw command as archived.
type Record struct {
	Object string
	Offset int
	Data   []byte
}

// Page is a slice of the window's records. NextCursor is empty once the window is exhausted.
type Page struct {
	Records    []Record
	NextCursor string
}

// Reader fetches command pages for a window.
type Reader interface {
	GetCommandsForWindow(ctx context.Context, w Window, cursor string) (Page, error)
}

// HourPrefix is the object prefix for the archive hour containing t.
func HourPrefix(prefix string, t time.Time) string {
	return prefix + t.UTC().Format("2006/01/02/15") + "/"
}

// FormatCursor encodes a resume position.
func FormatCursor(key string, offset int) string {
	return key + "#" + strconv.Itoa(offset)
}

// ParseCursor decodes a cursor produced by FormatCursor.
func ParseCursor(cursor string) (key string, offset int, err error) {
	i := strings.LastIndexByte(cursor, '#')
	if i <= 0 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidCursor, cursor)
	}
	offset, err = strconv.Atoi(cursor[i+1:])
	if err != nil || offset < 0 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidCursor, cursor)
	}
	return cursor[:i], offset, nil
}
