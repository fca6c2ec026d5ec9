package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"gwfetch/internal/domain"
	"gwfetch/internal/downloader"
	"gwfetch/internal/segindex"
	"gwfetch/internal/source"
)

// FileDownloader transfers one remote file to a local path.
type FileDownloader interface {
	Download(ctx context.Context, ref domain.RemoteFileRef, dest string, progress downloader.ProgressFunc) (int64, error)
}

// Connectivity is the part of connectivity.Monitor the worker needs.
type Connectivity interface {
	WaitUntilReachable(ctx context.Context, onWait func(attempt int)) error
	RecordDisconnect(seg domain.Segment, at time.Time) error
}

type WorkerConfig struct {
	Source       source.DataSource
	Downloader   FileDownloader
	Connectivity Connectivity
	// MaxAttempts bounds counted attempts per task. Transport failures are never counted.
	MaxAttempts int
	// FetchTimeout caps each source call. Remote calls are detached from run cancellation so a
	// stop request never aborts one midway. File downloads are not capped here; the downloader
	// limits header and idle time itself.
	FetchTimeout time.Duration
	// RetryDelay is the pause before a counted retry.
	RetryDelay time.Duration
	Space      SpaceChecker
	// MinFreeBytes must remain free after a write.
	MinFreeBytes uint64
	Logger       *logrus.Logger
}

// Worker processes the tasks of one batch strictly in order.
type Worker struct {
	cfg WorkerConfig
}

var errStopped = errors.New("stopped by user")

func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Source == nil {
		return nil, errors.New("data source is required")
	}
	if cfg.Connectivity == nil {
		return nil, errors.New("connectivity monitor is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 120 * time.Second
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Worker{cfg: cfg}, nil
}

// Run drives every task to a terminal state, or leaves the remainder pending once the run is
// cancelled. It always ends with a summary event.
func (w *Worker) Run(rc *RunContext, tasks []*domain.FetchTask) domain.Summary {
	rc.emit(domain.Event{
		Level:   domain.LevelInfo,
		Kind:    domain.EventRunStarted,
		Message: fmt.Sprintf("processing %d segments", len(tasks)),
	})

	for _, task := range tasks {
		if rc.Cancelled() {
			break
		}
		w.runTask(rc, task)
		if task.Status == domain.TaskStatusCancelled {
			break
		}
	}

	// a stop that lands after the last task finished changes nothing and is not reported
	summary := domain.Summarize(tasks)
	if summary.Cancelled > 0 {
		rc.emit(domain.Event{Level: domain.LevelWarning, Kind: domain.EventStopped, Message: "fetch stopped by user"})
	}
	rc.emit(domain.Event{
		Level: domain.LevelInfo,
		Kind:  domain.EventSummary,
		Message: fmt.Sprintf("%d succeeded, %d skipped, %d failed, %d cancelled",
			summary.Succeeded, summary.Skipped, summary.Failed, summary.Cancelled),
		Summary: &summary,
	})
	return summary
}

func (w *Worker) runTask(rc *RunContext, task *domain.FetchTask) {
	seg := task.Segment
	base := domain.Event{Channel: seg.Channel, Start: seg.Start, End: seg.End}

	done, err := rc.Index.AlreadyFetched(seg)
	if err != nil {
		w.fail(rc, task, err)
		return
	}
	if done {
		task.Status = domain.TaskStatusSkippedExisting
		task.Files = []string{rc.Index.OutputPath(seg)}
		ev := base
		ev.Level, ev.Kind = domain.LevelInfo, domain.EventSkip
		ev.Path = rc.Index.OutputPath(seg)
		ev.Message = fmt.Sprintf("data for %s already exists, skipping", seg)
		rc.emit(ev)
		return
	}

	task.Status = domain.TaskStatusInProgress
	ev := base
	ev.Level, ev.Kind = domain.LevelInfo, domain.EventFetching
	ev.Message = fmt.Sprintf("fetching %s", seg)
	rc.emit(ev)

	for {
		err := w.attempt(rc, task)
		if errors.Is(err, errStopped) {
			task.Status = domain.TaskStatusCancelled
			task.LastError = err
			return
		}
		kind := domain.KindOf(err)
		if kind != domain.KindTransport {
			task.Attempts++
		}
		if err == nil {
			task.Status = domain.TaskStatusSucceeded
			task.LastError = nil
			ev := base
			ev.Level, ev.Kind = domain.LevelSuccess, domain.EventSucceeded
			ev.Message = fmt.Sprintf("fetched %s (%d files)", seg, len(task.Files))
			rc.emit(ev)
			return
		}
		task.LastError = err

		switch {
		case kind == domain.KindTransport:
			if !w.awaitConnectivity(rc, task, err) {
				task.Status = domain.TaskStatusCancelled
				return
			}
		case kind == domain.KindRemote && errors.Is(err, domain.ErrNoData):
			task.Status = domain.TaskStatusFailed
			ev := base
			ev.Level, ev.Kind = domain.LevelWarning, domain.EventNoData
			ev.Message = fmt.Sprintf("no data available for %s: %v", seg, err)
			rc.emit(ev)
			return
		case kind == domain.KindRemote && domain.IsRetryable(err) && task.Attempts < w.cfg.MaxAttempts:
			ev := base
			ev.Level, ev.Kind = domain.LevelWarning, domain.EventRetry
			ev.Message = fmt.Sprintf("attempt %d/%d for %s failed: %v, retrying", task.Attempts, w.cfg.MaxAttempts, seg, err)
			rc.emit(ev)
			if !sleep(rc.Context(), w.cfg.RetryDelay) {
				task.Status = domain.TaskStatusCancelled
				return
			}
		default:
			w.fail(rc, task, err)
			return
		}
	}
}

// awaitConnectivity handles a transport failure: discard partial output, record the
// disconnection and block until the network is back. It returns false if the run was
// cancelled while waiting.
func (w *Worker) awaitConnectivity(rc *RunContext, task *domain.FetchTask, cause error) bool {
	seg := task.Segment
	base := domain.Event{Channel: seg.Channel, Start: seg.Start, End: seg.End}

	w.removePartials(rc, seg)
	ev := base
	ev.Level, ev.Kind = domain.LevelError, domain.EventDisconnected
	ev.Message = fmt.Sprintf("connection lost while fetching %s: %v", seg, cause)
	rc.emit(ev)
	if err := w.cfg.Connectivity.RecordDisconnect(seg, time.Now().UTC()); err != nil {
		w.cfg.Logger.WithField("run_id", rc.ID).Warnf("record disconnection: %v", err)
	}

	err := w.cfg.Connectivity.WaitUntilReachable(rc.Context(), func(attempt int) {
		ev := base
		ev.Level, ev.Kind = domain.LevelWarning, domain.EventWaiting
		ev.Message = fmt.Sprintf("network unreachable, waiting to retry %s (check %d)", seg, attempt)
		rc.emit(ev)
	})
	if err != nil {
		task.LastError = err
		return false
	}

	ev = base
	ev.Level, ev.Kind = domain.LevelInfo, domain.EventReconnected
	ev.Message = fmt.Sprintf("network reachable, retrying %s", seg)
	rc.emit(ev)
	return true
}

// attempt performs one remote fetch and persists whatever it returned.
func (w *Worker) attempt(rc *RunContext, task *domain.FetchTask) error {
	seg := task.Segment
	ctx, cancel := w.callContext(rc)
	res, err := w.cfg.Source.Fetch(ctx, seg)
	cancel()
	if err != nil {
		return err
	}

	switch {
	case res.Raw != nil:
		return w.storeRaw(rc, task, *res.Raw)
	case len(res.Files) > 0:
		return w.storeFiles(rc, task, res.Files)
	default:
		return domain.RemoteError("fetch", fmt.Errorf("%w: source returned nothing for %s", domain.ErrNoData, seg), false)
	}
}

func (w *Worker) callContext(rc *RunContext) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(rc.Context()), w.cfg.FetchTimeout)
}

func (w *Worker) storeRaw(rc *RunContext, task *domain.FetchTask, raw domain.RawData) error {
	seg := task.Segment
	start, end := raw.Start, raw.End
	if start == 0 && end == 0 {
		start, end = seg.Start, seg.End
	}
	start, end = max(start, seg.Start), min(end, seg.End)
	if start >= end || len(raw.Data) == 0 {
		return domain.RemoteError("fetch", fmt.Errorf("%w: empty coverage for %s", domain.ErrNoData, seg), false)
	}
	w.reportGaps(rc, seg, [][2]int64{{start, end}})

	path := rc.Index.OutputPath(seg)
	if _, err := rc.Index.RelativePath(path); err != nil {
		return err
	}
	if err := w.ensureSpace(path, uint64(len(raw.Data))); err != nil {
		return err
	}
	if err := writeFileAtomic(path, raw.Data); err != nil {
		return err
	}
	return w.index(rc, task, start, end-start, path, int64(len(raw.Data)))
}

func (w *Worker) storeFiles(rc *RunContext, task *domain.FetchTask, refs []domain.RemoteFileRef) error {
	seg := task.Segment
	if w.cfg.Downloader == nil {
		return domain.Validationf("fetch", "source returned remote files but no downloader is configured")
	}

	sorted := append([]domain.RemoteFileRef(nil), refs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	covered := make([][2]int64, len(sorted))
	for i, ref := range sorted {
		covered[i] = [2]int64{ref.Start, ref.End()}
	}
	w.reportGaps(rc, seg, covered)

	if len(sorted) > 1 {
		rc.emit(domain.Event{
			Level: domain.LevelInfo, Kind: domain.EventFetching,
			Channel: seg.Channel, Start: seg.Start, End: seg.End,
			Message: fmt.Sprintf("%d files cover %s, saving each separately", len(sorted), seg),
		})
	}

	for i, ref := range sorted {
		if i > 0 && rc.Cancelled() {
			return errStopped
		}
		path := rc.Index.FilePath(seg, ref.Start, ref.Duration)
		present, err := segindex.Exists(path)
		if err != nil {
			return err
		}
		if present {
			task.Files = appendUnique(task.Files, path)
			rc.emit(domain.Event{
				Level: domain.LevelInfo, Kind: domain.EventFileSkipped,
				Channel: seg.Channel, Start: ref.Start, End: ref.End(), Path: path,
				Message: fmt.Sprintf("%s already downloaded, skipping", filepath.Base(path)),
			})
			continue
		}
		if _, err := rc.Index.RelativePath(path); err != nil {
			return err
		}
		if err := w.ensureSpace(path, 0); err != nil {
			return err
		}

		logger := w.cfg.Logger.WithFields(logrus.Fields{"run_id": rc.ID, "file": ref.Name})
		n, err := w.cfg.Downloader.Download(context.WithoutCancel(rc.Context()), ref, path, newProgressLogger(logger))
		if err != nil {
			return err
		}
		if err := w.index(rc, task, ref.Start, ref.Duration, path, n); err != nil {
			return err
		}
	}
	return nil
}

// index records a finalized file in the frame list. A file that could not be indexed is
// removed, otherwise the next run would take it as already fetched and it would never get a
// frame list line.
func (w *Worker) index(rc *RunContext, task *domain.FetchTask, start, duration int64, path string, size int64) error {
	seg := task.Segment
	entry, err := rc.Index.Append(seg.Channel, start, duration, path)
	if err != nil {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			w.cfg.Logger.WithField("run_id", rc.ID).Errorf("remove unindexed file %s: %v", path, rmErr)
		}
		return err
	}
	task.Files = appendUnique(task.Files, path)
	rc.emit(domain.Event{
		Level: domain.LevelSuccess, Kind: domain.EventFileSaved,
		Channel: seg.Channel, Start: start, End: start + duration,
		Path: entry.Path, Bytes: size,
		Message: fmt.Sprintf("saved %s (%s)", entry.Path, humanize.IBytes(uint64(size))),
	})
	return nil
}

func (w *Worker) reportGaps(rc *RunContext, seg domain.Segment, covered [][2]int64) {
	for _, gap := range domain.Gaps(seg.Start, seg.End, covered) {
		rc.emit(domain.Event{
			Level: domain.LevelWarning, Kind: domain.EventGap,
			Channel: seg.Channel, Start: gap[0], End: gap[1],
			Message: fmt.Sprintf("gap in coverage for %s: %d to %d", seg, gap[0], gap[1]),
		})
	}
}

func (w *Worker) ensureSpace(path string, need uint64) error {
	if w.cfg.Space == nil {
		return nil
	}
	free, err := w.cfg.Space.Free(filepath.Dir(path))
	if err != nil {
		w.cfg.Logger.Warnf("check free space for %s: %v", path, err)
		return nil
	}
	if free < need+w.cfg.MinFreeBytes {
		return domain.IOError("check free space", fmt.Errorf("only %s free under %s, need %s",
			humanize.IBytes(free), filepath.Dir(path), humanize.IBytes(need+w.cfg.MinFreeBytes)))
	}
	return nil
}

// removePartials deletes leftovers of interrupted writes so they are never mistaken for
// complete output.
func (w *Worker) removePartials(rc *RunContext, seg domain.Segment) {
	matches, _ := filepath.Glob(filepath.Join(rc.Index.SegmentDir(seg), "*.part"))
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			w.cfg.Logger.Warnf("remove partial file %s: %v", m, err)
		}
	}
}

func (w *Worker) fail(rc *RunContext, task *domain.FetchTask, err error) {
	task.Status = domain.TaskStatusFailed
	task.LastError = err
	seg := task.Segment
	rc.emit(domain.Event{
		Level: domain.LevelError, Kind: domain.EventFailed,
		Channel: seg.Channel, Start: seg.Start, End: seg.End,
		Message: fmt.Sprintf("error fetching %s (%s): %v", seg, domain.KindOf(err), err),
	})
}

// writeFileAtomic writes through a temp file in the same directory and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return domain.IOError("create segment dir", err)
	}
	partial := path + ".part"
	if err := os.WriteFile(partial, data, 0o644); err != nil {
		_ = os.Remove(partial)
		return domain.IOError("write output", err)
	}
	if err := os.Rename(partial, path); err != nil {
		_ = os.Remove(partial)
		return domain.IOError("finalize output", err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

func newProgressLogger(logger *logrus.Entry) downloader.ProgressFunc {
	return func(done, total int64) {
		if total <= 0 {
			logger.Debugf("download progress: %s", humanize.IBytes(uint64(done)))
			return
		}
		logger.Debugf("download progress: %.1f%% (%s/%s)", float64(done)/float64(total)*100,
			humanize.IBytes(uint64(done)), humanize.IBytes(uint64(total)))
	}
}
