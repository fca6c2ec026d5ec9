// Package segindex owns the on-disk channel directory layout and the append-only fin.ffl frame
// list that records which local files satisfy which segments.
package segindex

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gwfetch/internal/domain"
)

// FrameListName is the per-channel index file consumed by Omicron.
const FrameListName = "fin.ffl"

type Options struct {
	// Root is the output directory holding one subdirectory per channel.
	Root string
	// WorkDir is the directory index paths are written relative to. Defaults to the process
	// working directory.
	WorkDir string
	// Ext is the frame file extension, without the dot.
	Ext string
}

// Index maps segments to their deterministic output paths and appends provenance lines.
type Index struct {
	root    string
	workDir string
	ext     string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(opts Options) (*Index, error) {
	if strings.TrimSpace(opts.Root) == "" {
		return nil, errors.New("output root is required")
	}
	if opts.Ext == "" {
		opts.Ext = "gwf"
	}
	if opts.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		opts.WorkDir = wd
	}

	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve output root: %w", err)
	}
	workDir, err := filepath.Abs(opts.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	// frame list lines are "./"-relative to workDir, so the root has to live below it
	if rel, err := filepath.Rel(workDir, root); err != nil || rel == ".." || strings.HasPrefix(filepath.ToSlash(rel), "../") {
		return nil, fmt.Errorf("output root %s must be inside working directory %s", root, workDir)
	}

	return &Index{
		root:    root,
		workDir: workDir,
		ext:     strings.TrimPrefix(opts.Ext, "."),
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

func (x *Index) Root() string    { return x.root }
func (x *Index) WorkDir() string { return x.workDir }

func (x *Index) ChannelDir(channel string) string {
	return filepath.Join(x.root, domain.SanitizeChannel(channel))
}

func (x *Index) FrameListPath(channel string) string {
	return filepath.Join(x.ChannelDir(channel), FrameListName)
}

func (x *Index) SegmentDir(seg domain.Segment) string {
	return filepath.Join(x.ChannelDir(seg.Channel), seg.Key())
}

// OutputPath is where a single-file segment is written:
// {root}/{chan}/{start}_{end}/{chan}_{start}_{end}.{ext}
func (x *Index) OutputPath(seg domain.Segment) string {
	name := fmt.Sprintf("%s_%d_%d.%s", domain.SanitizeChannel(seg.Channel), seg.Start, seg.End, x.ext)
	return filepath.Join(x.SegmentDir(seg), name)
}

// FilePath names one of several remote files saved into a segment directory. Unlike
// OutputPath the name carries the file's GPS start and duration, as in the remote file name:
// {root}/{chan}/{start}_{end}/{chan}_{fileStart}_{fileDuration}.{ext}
func (x *Index) FilePath(seg domain.Segment, start, duration int64) string {
	name := fmt.Sprintf("%s_%d_%d.%s", domain.SanitizeChannel(seg.Channel), start, duration, x.ext)
	return filepath.Join(x.SegmentDir(seg), name)
}

// AlreadyFetched reports whether the segment's output file exists and is non-empty. The
// filesystem is the oracle; the frame list is not consulted.
func (x *Index) AlreadyFetched(seg domain.Segment) (bool, error) {
	return nonEmptyFile(x.OutputPath(seg))
}

// Exists reports whether path is a non-empty regular file.
func Exists(path string) (bool, error) {
	return nonEmptyFile(path)
}

func nonEmptyFile(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, domain.IOError("stat output", err)
	}
	return info.Mode().IsRegular() && info.Size() > 0, nil
}

// RelativePath converts an absolute file path into the "./..." form stored in the frame list.
func (x *Index) RelativePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", domain.Validationf("relative path", "resolve %s: %v", path, err)
	}
	rel, err := filepath.Rel(x.workDir, abs)
	if err != nil {
		return "", domain.Validationf("relative path", "%s is not reachable from %s", abs, x.workDir)
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") || filepath.IsAbs(rel) {
		return "", domain.Validationf("relative path", "%s is outside working directory %s", abs, x.workDir)
	}
	return "./" + rel, nil
}

// Append writes one line for a file covering [start, start+duration) to the channel's frame
// list, creating the channel directory and list as needed. Lines are only ever appended.
func (x *Index) Append(channel string, start, duration int64, path string) (domain.IndexEntry, error) {
	rel, err := x.RelativePath(path)
	if err != nil {
		return domain.IndexEntry{}, err
	}
	entry := domain.IndexEntry{Path: rel, Start: start, Duration: duration}

	lock := x.channelLock(channel)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(x.ChannelDir(channel), 0o755); err != nil {
		return domain.IndexEntry{}, domain.IOError("create channel dir", err)
	}
	f, err := os.OpenFile(x.FrameListPath(channel), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return domain.IndexEntry{}, domain.IOError("open frame list", err)
	}
	if _, err := f.WriteString(entry.String() + "\n"); err != nil {
		_ = f.Close()
		return domain.IndexEntry{}, domain.IOError("append frame list", err)
	}
	if err := f.Close(); err != nil {
		return domain.IndexEntry{}, domain.IOError("close frame list", err)
	}
	return entry, nil
}

// Entries returns every parseable line of the channel's frame list, in file order. Malformed
// lines are reported through the second return value rather than aborting the read.
func (x *Index) Entries(channel string) ([]domain.IndexEntry, []error, error) {
	lock := x.channelLock(channel)
	lock.Lock()
	defer lock.Unlock()

	lines, err := readLines(x.FrameListPath(channel))
	if err != nil {
		return nil, nil, err
	}
	var (
		entries []domain.IndexEntry
		bad     []error
	)
	for i, line := range lines {
		entry, err := domain.ParseIndexEntry(line)
		if err != nil {
			bad = append(bad, fmt.Errorf("line %d: %w", i+1, err))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, bad, nil
}

// FirstAndLastSegment returns the first and last entries of the channel's frame list.
func (x *Index) FirstAndLastSegment(channel string) (domain.IndexEntry, domain.IndexEntry, error) {
	lock := x.channelLock(channel)
	lock.Lock()
	defer lock.Unlock()
	return ReadBounds(x.FrameListPath(channel))
}

// ReadBounds parses the first and last non-blank lines of a frame list. It assumes the list
// was written in time order and does not sort.
func ReadBounds(path string) (domain.IndexEntry, domain.IndexEntry, error) {
	lines, err := readLines(path)
	if err != nil {
		return domain.IndexEntry{}, domain.IndexEntry{}, err
	}
	if len(lines) == 0 {
		return domain.IndexEntry{}, domain.IndexEntry{}, fmt.Errorf("%w: %s has no entries", domain.ErrIndexNotFound, path)
	}
	first, err := domain.ParseIndexEntry(lines[0])
	if err != nil {
		return domain.IndexEntry{}, domain.IndexEntry{}, fmt.Errorf("first line of %s: %w", path, err)
	}
	last, err := domain.ParseIndexEntry(lines[len(lines)-1])
	if err != nil {
		return domain.IndexEntry{}, domain.IndexEntry{}, fmt.Errorf("last line of %s: %w", path, err)
	}
	return first, last, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrIndexNotFound, path)
		}
		return nil, domain.IOError("open frame list", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, domain.IOError("read frame list", err)
	}
	return lines, nil
}

func (x *Index) channelLock(channel string) *sync.Mutex {
	key := domain.SanitizeChannel(channel)
	x.mu.Lock()
	defer x.mu.Unlock()
	lock, ok := x.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		x.locks[key] = lock
	}
	return lock
}
