package domain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSegment(t *testing.T) {
	seg, err := NewSegment(" H1:GDS-CALIB_STRAIN ", 1000, 1010)
	require.NoError(t, err)
	assert.Equal(t, "H1:GDS-CALIB_STRAIN", seg.Channel)
	assert.Equal(t, "1000_1010", seg.Key())
	assert.Equal(t, int64(10), seg.Duration())

	_, err = NewSegment("H1:TEST", 1010, 1010)
	assert.Equal(t, KindValidation, KindOf(err))

	_, err = NewSegment("", 1, 2)
	assert.Error(t, err)
}

func TestSanitizeChannel(t *testing.T) {
	assert.Equal(t, "H1_GDS-CALIB_STRAIN", SanitizeChannel("H1:GDS-CALIB_STRAIN"))
	assert.NotContains(t, SanitizeChannel("L1:a:b"), ":")
}

func TestNewSegmentRequestDropsInvalidRows(t *testing.T) {
	req, warnings, err := NewSegmentRequest(
		[]string{"H1:A", " ", "H1:A", "L1:B"},
		[]TimeRange{{1000, 1010}, {20, 10}, {5, 5}, {2000, 2010}},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"H1:A", "L1:B"}, req.Channels)
	assert.Equal(t, []TimeRange{{1000, 1010}, {2000, 2010}}, req.Ranges)
	assert.Len(t, warnings, 4)
}

func TestNewSegmentRequestRejectsEmptyAxes(t *testing.T) {
	_, _, err := NewSegmentRequest(nil, []TimeRange{{1, 2}})
	assert.Equal(t, KindValidation, KindOf(err))

	_, warnings, err := NewSegmentRequest([]string{"H1:A"}, []TimeRange{{3, 2}})
	assert.Error(t, err)
	assert.Len(t, warnings, 1)
}

func TestExpandIsChannelMajor(t *testing.T) {
	req := SegmentRequest{
		Channels: []string{"H1:A", "L1:B"},
		Ranges:   []TimeRange{{10, 20}, {30, 40}},
	}
	tasks := req.Expand()
	require.Len(t, tasks, 4)

	var got []string
	for _, task := range tasks {
		assert.Equal(t, TaskStatusPending, task.Status)
		got = append(got, task.String())
	}
	assert.Equal(t, []string{"H1:A 10_20", "H1:A 30_40", "L1:B 10_20", "L1:B 30_40"}, got)
}

func TestParseTimeRangeKey(t *testing.T) {
	r, err := ParseTimeRangeKey("1126256640_1126260736")
	require.NoError(t, err)
	assert.Equal(t, TimeRange{1126256640, 1126260736}, r)

	for _, bad := range []string{"", "12", "a_b", "20_10", "1_2_3"} {
		_, err := ParseTimeRangeKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestIndexEntryRoundTrip(t *testing.T) {
	entry := IndexEntry{Path: "./GWFout/H1_A/1000_1010/H1_A_1000_1010.gwf", Start: 1000, Duration: 10}
	line := entry.String()
	assert.Equal(t, "./GWFout/H1_A/1000_1010/H1_A_1000_1010.gwf 1000 10 0 0", line)

	parsed, err := ParseIndexEntry(line + "\n")
	require.NoError(t, err)
	assert.Equal(t, entry, parsed)
	assert.Equal(t, int64(1010), parsed.End())
}

func TestParseIndexEntryMalformed(t *testing.T) {
	for _, line := range []string{"", "./only-path", "./p notanumber 10 0 0", "./p 10 x"} {
		_, err := ParseIndexEntry(line)
		assert.ErrorIs(t, err, ErrMalformedIndex, line)
	}

	entry, err := ParseIndexEntry("./p 1000")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), entry.Start)
	assert.Zero(t, entry.Duration)
}

func TestParseFrameFileName(t *testing.T) {
	start, dur, err := ParseFrameFileName("https://osdf.example/gwdata/O1/H-H1_GWOSC_O1_4KHZ_R1-1126256640-4096.gwf")
	require.NoError(t, err)
	assert.Equal(t, int64(1126256640), start)
	assert.Equal(t, int64(4096), dur)

	_, _, err = ParseFrameFileName("garbage.gwf")
	assert.Error(t, err)
	_, _, err = ParseFrameFileName("H-TAG-100-0.gwf")
	assert.Error(t, err)
}

func TestGaps(t *testing.T) {
	assert.Empty(t, Gaps(0, 10, [][2]int64{{0, 10}}))
	assert.Equal(t, [][2]int64{{5, 10}}, Gaps(0, 10, [][2]int64{{0, 5}}))
	assert.Equal(t, [][2]int64{{0, 2}, {4, 6}, {8, 10}}, Gaps(0, 10, [][2]int64{{6, 8}, {2, 4}}))
	assert.Equal(t, [][2]int64{{0, 10}}, Gaps(0, 10, nil))
	assert.Empty(t, Gaps(5, 10, [][2]int64{{0, 100}}))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(nil))
	assert.Equal(t, KindTransport, KindOf(fmt.Errorf("read body: %w", io.ErrUnexpectedEOF)))
	assert.Equal(t, KindTransport, KindOf(&net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}))
	assert.Equal(t, KindTransport, KindOf(fmt.Errorf("wrapped: %w", syscall.ECONNRESET)))
	assert.Equal(t, KindRemote, KindOf(errors.New("server said no")))
	assert.Equal(t, KindIO, KindOf(IOError("write", errors.New("disk full"))))

	retry := RemoteError("download", ErrSizeMismatch, true)
	assert.Equal(t, KindRemote, KindOf(fmt.Errorf("outer: %w", retry)))
	assert.True(t, IsRetryable(retry))
	assert.ErrorIs(t, retry, ErrSizeMismatch)
	assert.False(t, IsRetryable(RemoteError("lookup", ErrNoData, false)))
}

func TestSummarize(t *testing.T) {
	tasks := []*FetchTask{
		{Status: TaskStatusSucceeded},
		{Status: TaskStatusSkippedExisting},
		{Status: TaskStatusFailed},
		{Status: TaskStatusCancelled},
		{Status: TaskStatusPending},
	}
	assert.Equal(t, Summary{Total: 5, Succeeded: 1, Skipped: 1, Failed: 1, Cancelled: 2}, Summarize(tasks))
}

func TestDeadlineIsRetryableRemote(t *testing.T) {
	err := fmt.Errorf("fetch: %w", context.DeadlineExceeded)
	assert.Equal(t, KindRemote, KindOf(err))
	assert.True(t, IsRetryable(err))
}

func TestClientErrorsAreNotTransport(t *testing.T) {
	_, err := http.Get("osdf:///gwdata/O3b/H-H1_GWOSC_O3b_4KHZ_R1-1256652800-4096.gwf")
	require.Error(t, err)
	assert.False(t, IsNetworkError(err))
	assert.Equal(t, KindRemote, KindOf(err))
	assert.False(t, IsRetryable(err))

	refused := fmt.Errorf("get: %w", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED})
	assert.True(t, IsNetworkError(refused))
	assert.True(t, IsNetworkError(&net.DNSError{Err: "no such host", Name: "datafind.example"}))
}
