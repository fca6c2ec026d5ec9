package segindex

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwfetch/internal/domain"
)

func newTestIndex(t *testing.T) (*Index, string) {
	t.Helper()
	work := t.TempDir()
	idx, err := New(Options{Root: filepath.Join(work, "GWFout"), WorkDir: work})
	require.NoError(t, err)
	return idx, work
}

func TestOutputPathLayout(t *testing.T) {
	idx, work := newTestIndex(t)
	seg := domain.Segment{Channel: "H1:GDS-CALIB_STRAIN", Start: 1000, End: 1010}

	want := filepath.Join(work, "GWFout", "H1_GDS-CALIB_STRAIN", "1000_1010", "H1_GDS-CALIB_STRAIN_1000_1010.gwf")
	assert.Equal(t, want, idx.OutputPath(seg))
	assert.NotContains(t, filepath.Base(idx.ChannelDir(seg.Channel)), ":")
	assert.Equal(t, filepath.Join(work, "GWFout", "H1_GDS-CALIB_STRAIN", "fin.ffl"), idx.FrameListPath(seg.Channel))
}

func TestFilePathNamesStartAndDuration(t *testing.T) {
	idx, work := newTestIndex(t)
	seg := domain.Segment{Channel: "H1:TEST", Start: 1000, End: 9000}

	want := filepath.Join(work, "GWFout", "H1_TEST", "1000_9000", "H1_TEST_4096_4096.gwf")
	assert.Equal(t, want, idx.FilePath(seg, 4096, 4096))
	assert.NotEqual(t, idx.OutputPath(seg), idx.FilePath(seg, seg.Start, seg.Duration()))
}

func TestNewRejectsRootOutsideWorkDir(t *testing.T) {
	parent := t.TempDir()
	work := filepath.Join(parent, "work")
	require.NoError(t, os.MkdirAll(work, 0o755))

	_, err := New(Options{Root: filepath.Join(parent, "elsewhere"), WorkDir: work})
	assert.ErrorContains(t, err, "must be inside working directory")

	_, err = New(Options{Root: work, WorkDir: work})
	assert.NoError(t, err)
}

func TestAlreadyFetchedRequiresNonEmptyFile(t *testing.T) {
	idx, _ := newTestIndex(t)
	seg := domain.Segment{Channel: "H1:TEST", Start: 1000, End: 1010}

	ok, err := idx.AlreadyFetched(seg)
	require.NoError(t, err)
	assert.False(t, ok)

	path := idx.OutputPath(seg)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	ok, err = idx.AlreadyFetched(seg)
	require.NoError(t, err)
	assert.False(t, ok, "empty file must not count as fetched")

	require.NoError(t, os.WriteFile(path, []byte("frame"), 0o644))
	ok, err = idx.AlreadyFetched(seg)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAppendWritesRelativeLine(t *testing.T) {
	idx, work := newTestIndex(t)
	seg := domain.Segment{Channel: "H1:GDS-CALIB_STRAIN", Start: 1000, End: 1010}
	path := idx.OutputPath(seg)

	entry, err := idx.Append(seg.Channel, seg.Start, seg.Duration(), path)
	require.NoError(t, err)
	assert.Equal(t, "./GWFout/H1_GDS-CALIB_STRAIN/1000_1010/H1_GDS-CALIB_STRAIN_1000_1010.gwf", entry.Path)

	data, err := os.ReadFile(idx.FrameListPath(seg.Channel))
	require.NoError(t, err)
	assert.Equal(t, entry.Path+" 1000 10 0 0\n", string(data))

	resolved := filepath.Join(work, filepath.FromSlash(strings.TrimPrefix(entry.Path, "./")))
	assert.Equal(t, path, resolved)
}

func TestAppendRejectsPathOutsideWorkDir(t *testing.T) {
	idx, _ := newTestIndex(t)
	_, err := idx.Append("H1:TEST", 1, 1, filepath.Join(os.TempDir(), "elsewhere", "x.gwf"))
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestAppendIsAppendOnly(t *testing.T) {
	idx, _ := newTestIndex(t)
	seg := domain.Segment{Channel: "L1:X", Start: 10, End: 20}
	for i := 0; i < 3; i++ {
		_, err := idx.Append(seg.Channel, seg.Start, seg.Duration(), idx.OutputPath(seg))
		require.NoError(t, err)
	}
	entries, bad, err := idx.Entries(seg.Channel)
	require.NoError(t, err)
	assert.Empty(t, bad)
	assert.Len(t, entries, 3)
}

func TestConcurrentAppendsKeepLinesIntact(t *testing.T) {
	idx, _ := newTestIndex(t)
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seg := domain.Segment{Channel: "H1:TEST", Start: int64(i * 10), End: int64(i*10 + 10)}
			_, err := idx.Append(seg.Channel, seg.Start, seg.Duration(), idx.OutputPath(seg))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	entries, bad, err := idx.Entries("H1:TEST")
	require.NoError(t, err)
	assert.Empty(t, bad)
	assert.Len(t, entries, n)
}

func TestFirstAndLastSegment(t *testing.T) {
	idx, _ := newTestIndex(t)
	for _, tr := range []domain.TimeRange{{Start: 1000, End: 1010}, {Start: 1010, End: 1020}, {Start: 1100, End: 1164}} {
		seg := domain.Segment{Channel: "H1:TEST", Start: tr.Start, End: tr.End}
		_, err := idx.Append(seg.Channel, seg.Start, seg.Duration(), idx.OutputPath(seg))
		require.NoError(t, err)
	}

	first, last, err := idx.FirstAndLastSegment("H1:TEST")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), first.Start)
	assert.Equal(t, int64(1100), last.Start)
	assert.Equal(t, int64(1164), last.End())
}

func TestFirstAndLastSegmentMissing(t *testing.T) {
	idx, _ := newTestIndex(t)
	_, _, err := idx.FirstAndLastSegment("H1:NONE")
	assert.ErrorIs(t, err, domain.ErrIndexNotFound)

	require.NoError(t, os.MkdirAll(idx.ChannelDir("H1:EMPTY"), 0o755))
	require.NoError(t, os.WriteFile(idx.FrameListPath("H1:EMPTY"), []byte("\n  \n"), 0o644))
	_, _, err = idx.FirstAndLastSegment("H1:EMPTY")
	assert.ErrorIs(t, err, domain.ErrIndexNotFound)
}

func TestReadBoundsMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fin.ffl")

	require.NoError(t, os.WriteFile(path, []byte("./only-one-field\n"), 0o644))
	_, _, err := ReadBounds(path)
	assert.ErrorIs(t, err, domain.ErrMalformedIndex)

	require.NoError(t, os.WriteFile(path, []byte("./a 1000 10 0 0\n\n./b\n"), 0o644))
	_, _, err = ReadBounds(path)
	assert.ErrorIs(t, err, domain.ErrMalformedIndex)

	require.NoError(t, os.WriteFile(path, []byte("./a 1000 10 0 0\n./b 2000 10 0 0\n\n"), 0o644))
	first, last, err := ReadBounds(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), first.Start)
	assert.Equal(t, int64(2000), last.Start)
}
