// Package csvimport reads the channel and time-range lists users prepare as spreadsheets.
package csvimport

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gwfetch/internal/domain"
)

// Channel is one row of a channel list.
type Channel struct {
	Name string
	// SampleRate is zero when the list has no rate column.
	SampleRate float64
}

// ReadTimeRanges parses GPS ranges. The header may be GPSstart,GPSend or Start,End in any
// column position, or absent. Rows that are not two integers with start < end are dropped
// and reported as warnings.
func ReadTimeRanges(r io.Reader) ([]domain.TimeRange, []string, error) {
	rows, err := readAll(r)
	if err != nil {
		return nil, nil, err
	}
	if len(rows) == 0 {
		return nil, nil, domain.Validationf("read time ranges", "file is empty")
	}

	startCol, endCol := 0, 1
	body := rows
	if !looksNumeric(rows[0]) {
		startCol, endCol = rangeColumns(rows[0])
		body = rows[1:]
	}

	var (
		ranges   []domain.TimeRange
		warnings []string
	)
	for i, row := range body {
		line := i + 1
		if len(rows) != len(body) {
			line++
		}
		if isBlank(row) {
			continue
		}
		if len(row) <= max(startCol, endCol) {
			warnings = append(warnings, fmt.Sprintf("line %d: expected start and end columns", line))
			continue
		}
		start, errStart := strconv.ParseInt(strings.TrimSpace(row[startCol]), 10, 64)
		end, errEnd := strconv.ParseInt(strings.TrimSpace(row[endCol]), 10, 64)
		if errStart != nil || errEnd != nil {
			warnings = append(warnings, fmt.Sprintf("line %d: non-numeric GPS time %q,%q", line, row[startCol], row[endCol]))
			continue
		}
		tr := domain.TimeRange{Start: start, End: end}
		if !tr.Valid() {
			warnings = append(warnings, fmt.Sprintf("line %d: skipping invalid segment %d_%d (start >= end)", line, start, end))
			continue
		}
		ranges = append(ranges, tr)
	}
	return ranges, warnings, nil
}

// ReadChannels parses a channel list. The first row is always a header; the first column is
// the channel name and an optional second column its sample rate.
func ReadChannels(r io.Reader) ([]Channel, []string, error) {
	rows, err := readAll(r)
	if err != nil {
		return nil, nil, err
	}
	if len(rows) <= 1 {
		return nil, nil, domain.Validationf("read channels", "no channels listed")
	}

	var (
		channels []Channel
		warnings []string
	)
	for i, row := range rows[1:] {
		line := i + 2
		if isBlank(row) {
			continue
		}
		ch := Channel{Name: strings.TrimSpace(row[0])}
		if ch.Name == "" {
			warnings = append(warnings, fmt.Sprintf("line %d: blank channel name", line))
			continue
		}
		if len(row) > 1 && strings.TrimSpace(row[1]) != "" {
			rate, err := strconv.ParseFloat(strings.TrimSpace(row[1]), 64)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("line %d: ignoring sample rate %q for %s", line, row[1], ch.Name))
			} else {
				ch.SampleRate = rate
			}
		}
		channels = append(channels, ch)
	}
	return channels, warnings, nil
}

// ChannelNames flattens a channel list.
func ChannelNames(channels []Channel) []string {
	names := make([]string, len(channels))
	for i, ch := range channels {
		names[i] = ch.Name
	}
	return names
}

func ReadTimeRangesFile(path string) ([]domain.TimeRange, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open time ranges: %w", err)
	}
	defer f.Close()
	return ReadTimeRanges(f)
}

func ReadChannelsFile(path string) ([]Channel, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open channel list: %w", err)
	}
	defer f.Close()
	return ReadChannels(f)
}

func readAll(r io.Reader) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'
	rows, err := cr.ReadAll()
	if err != nil {
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			return nil, domain.Validationf("read csv", "%v", parseErr)
		}
		return nil, fmt.Errorf("read csv: %w", err)
	}
	return rows, nil
}

func rangeColumns(header []string) (int, int) {
	startCol, endCol := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "gpsstart", "start":
			startCol = i
		case "gpsend", "end":
			endCol = i
		}
	}
	if startCol < 0 || endCol < 0 {
		return 0, 1
	}
	return startCol, endCol
}

func looksNumeric(row []string) bool {
	if len(row) == 0 {
		return false
	}
	_, err := strconv.ParseInt(strings.TrimSpace(row[0]), 10, 64)
	return err == nil
}

func isBlank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
