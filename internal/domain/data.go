package domain

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
)

// RawData is a time series already materialized in the frame format, together with the GPS
// interval it actually covers.
type RawData struct {
	Data  []byte
	Start int64
	End   int64
}

// RemoteFileRef points at one remote frame file that still has to be downloaded.
type RemoteFileRef struct {
	URL      string
	Name     string
	Start    int64
	Duration int64
}

func (r RemoteFileRef) End() int64 {
	return r.Start + r.Duration
}

// ParseFrameFileName extracts the start and duration embedded in a LIGO-style frame file
// name such as "H-H1_GWOSC_4KHZ_R1-1126256640-4096.gwf".
func ParseFrameFileName(name string) (start, duration int64, err error) {
	base := path.Base(name)
	if i := strings.IndexByte(base, '?'); i >= 0 {
		base = base[:i]
	}
	base = strings.TrimSuffix(base, path.Ext(base))
	parts := strings.Split(base, "-")
	if len(parts) < 3 {
		return 0, 0, fmt.Errorf("frame file name %q: expected OBS-TAG-START-DURATION", name)
	}
	start, err = strconv.ParseInt(parts[len(parts)-2], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("frame file name %q: invalid start: %w", name, err)
	}
	duration, err = strconv.ParseInt(parts[len(parts)-1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("frame file name %q: invalid duration: %w", name, err)
	}
	if duration <= 0 {
		return 0, 0, fmt.Errorf("frame file name %q: non-positive duration", name)
	}
	return start, duration, nil
}

// FetchResult is what a DataSource hands back: exactly one of Raw or Files is set.
type FetchResult struct {
	Raw   *RawData
	Files []RemoteFileRef
}

// Gaps returns the sub-intervals of [start, end) not covered by the given intervals, which
// need not be sorted.
func Gaps(start, end int64, covered [][2]int64) [][2]int64 {
	sorted := append([][2]int64(nil), covered...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i][0] < sorted[j][0] })

	var gaps [][2]int64
	cursor := start
	for _, iv := range sorted {
		if iv[0] > cursor && cursor < end {
			gaps = append(gaps, [2]int64{cursor, min(iv[0], end)})
		}
		if iv[1] > cursor {
			cursor = iv[1]
		}
	}
	if cursor < end {
		gaps = append(gaps, [2]int64{cursor, end})
	}
	return gaps
}
