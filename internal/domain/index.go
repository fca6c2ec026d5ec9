package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// IndexEntry is one line of a fin.ffl frame list.
type IndexEntry struct {
	Path     string
	Start    int64
	Duration int64
	Flag1    int
	Flag2    int
}

func (e IndexEntry) End() int64 {
	return e.Start + e.Duration
}

// String renders the entry without a trailing newline.
func (e IndexEntry) String() string {
	return fmt.Sprintf("%s %d %d %d %d", e.Path, e.Start, e.Duration, e.Flag1, e.Flag2)
}

// ParseIndexEntry parses a whitespace separated frame-list line. Only the path and start are
// required; missing trailing fields are left zero.
func ParseIndexEntry(line string) (IndexEntry, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return IndexEntry{}, fmt.Errorf("%w: expected at least 2 fields, got %d in %q", ErrMalformedIndex, len(fields), line)
	}
	entry := IndexEntry{Path: fields[0]}

	start, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return IndexEntry{}, fmt.Errorf("%w: invalid start %q", ErrMalformedIndex, fields[1])
	}
	entry.Start = start

	if len(fields) > 2 {
		if entry.Duration, err = strconv.ParseInt(fields[2], 10, 64); err != nil {
			return IndexEntry{}, fmt.Errorf("%w: invalid duration %q", ErrMalformedIndex, fields[2])
		}
	}
	if len(fields) > 3 {
		if entry.Flag1, err = strconv.Atoi(fields[3]); err != nil {
			return IndexEntry{}, fmt.Errorf("%w: invalid flag %q", ErrMalformedIndex, fields[3])
		}
	}
	if len(fields) > 4 {
		if entry.Flag2, err = strconv.Atoi(fields[4]); err != nil {
			return IndexEntry{}, fmt.Errorf("%w: invalid flag %q", ErrMalformedIndex, fields[4])
		}
	}
	return entry, nil
}
