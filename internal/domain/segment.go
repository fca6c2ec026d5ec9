package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Segment identifies a single fetch unit: one channel over [Start, End) in GPS seconds.
type Segment struct {
	Channel string
	Start   int64
	End     int64
}

// NewSegment validates start < end and a non-blank channel.
func NewSegment(channel string, start, end int64) (Segment, error) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return Segment{}, Validationf("new segment", "channel is required")
	}
	if start >= end {
		return Segment{}, Validationf("new segment", "invalid range %d_%d: start must be before end", start, end)
	}
	return Segment{Channel: channel, Start: start, End: end}, nil
}

// Key is the directory name used for the segment: "{start}_{end}".
func (s Segment) Key() string {
	return fmt.Sprintf("%d_%d", s.Start, s.End)
}

func (s Segment) Duration() int64 {
	return s.End - s.Start
}

func (s Segment) String() string {
	return fmt.Sprintf("%s %s", s.Channel, s.Key())
}

// SanitizeChannel maps a channel identifier to its directory name.
func SanitizeChannel(channel string) string {
	return strings.ReplaceAll(channel, ":", "_")
}

// TimeRange is a GPS interval supplied by the user, before it is bound to a channel.
type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

func (r TimeRange) Valid() bool {
	return r.Start < r.End
}

// ParseTimeRangeKey parses the "{start}_{end}" form used for segment directories.
func ParseTimeRangeKey(key string) (TimeRange, error) {
	parts := strings.Split(strings.TrimSpace(key), "_")
	if len(parts) != 2 {
		return TimeRange{}, Validationf("parse range", "invalid segment format %q", key)
	}
	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return TimeRange{}, Validationf("parse range", "invalid start in %q", key)
	}
	end, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return TimeRange{}, Validationf("parse range", "invalid end in %q", key)
	}
	r := TimeRange{Start: start, End: end}
	if !r.Valid() {
		return TimeRange{}, Validationf("parse range", "invalid range %q: start must be before end", key)
	}
	return r, nil
}

// SegmentRequest is the cross product of channels and time ranges for one run.
type SegmentRequest struct {
	Channels []string    `json:"channels"`
	Ranges   []TimeRange `json:"ranges"`
}

// NewSegmentRequest drops blank channels, duplicate channels and invalid ranges, returning one
// warning per dropped row. It fails only when nothing usable is left on either axis.
func NewSegmentRequest(channels []string, ranges []TimeRange) (SegmentRequest, []string, error) {
	var (
		req      SegmentRequest
		warnings []string
		seen     = make(map[string]struct{}, len(channels))
	)

	for _, ch := range channels {
		ch = strings.TrimSpace(ch)
		if ch == "" {
			warnings = append(warnings, "skipping blank channel")
			continue
		}
		if _, dup := seen[ch]; dup {
			warnings = append(warnings, fmt.Sprintf("skipping duplicate channel %s", ch))
			continue
		}
		seen[ch] = struct{}{}
		req.Channels = append(req.Channels, ch)
	}

	for _, r := range ranges {
		if !r.Valid() {
			warnings = append(warnings, fmt.Sprintf("skipping invalid segment %d_%d (start >= end)", r.Start, r.End))
			continue
		}
		req.Ranges = append(req.Ranges, r)
	}

	if len(req.Channels) == 0 {
		return SegmentRequest{}, warnings, Validationf("segment request", "at least one channel is required")
	}
	if len(req.Ranges) == 0 {
		return SegmentRequest{}, warnings, Validationf("segment request", "no valid time ranges")
	}
	return req, warnings, nil
}

// Expand flattens the request channel-major, keeping range order as given.
func (r SegmentRequest) Expand() []*FetchTask {
	tasks := make([]*FetchTask, 0, len(r.Channels)*len(r.Ranges))
	for _, ch := range r.Channels {
		for _, tr := range r.Ranges {
			tasks = append(tasks, &FetchTask{
				Segment: Segment{Channel: ch, Start: tr.Start, End: tr.End},
				Status:  TaskStatusPending,
			})
		}
	}
	return tasks
}
