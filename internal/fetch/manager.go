package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"gwfetch/internal/domain"
	"gwfetch/internal/segindex"
	"gwfetch/internal/service"
	"gwfetch/internal/storage"
)

// Manager runs fetch batches in the background and keeps their records up to date.
type Manager interface {
	Start(ctx context.Context) error
	Shutdown()
	Submit(ctx context.Context, req domain.SegmentRequest) (*domain.Run, error)
	Resume(ctx context.Context) error
	Cancel(ctx context.Context, runID string) error
	Wait(ctx context.Context, runID string) (*domain.Run, error)
}

// HistoryRecorder remembers which channels have produced data.
type HistoryRecorder interface {
	AddChannels(channels []string) error
}

type ManagerConfig struct {
	MaxConcurrentRuns int
	// Archive is used when a bucket is set and a storage service was given.
	Archive storage.UploadOptions
	// Sinks receive every event in addition to the log and the run store.
	Sinks  []Sink
	Logger *logrus.Logger
}

var ErrManagerNotStarted = errors.New("fetch manager not started")

type manager struct {
	cfg     ManagerConfig
	worker  *Worker
	index   *segindex.Index
	runs    service.RunService
	storage storage.Service
	history HistoryRecorder

	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	active map[string]*runHandle
}

type runHandle struct {
	rc   *RunContext
	done chan struct{}
}

// NewManager wires a worker to the run store. store and history may be nil.
func NewManager(cfg ManagerConfig, worker *Worker, index *segindex.Index, runs service.RunService, store storage.Service, history HistoryRecorder) Manager {
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &manager{
		cfg:     cfg,
		worker:  worker,
		index:   index,
		runs:    runs,
		storage: store,
		history: history,
		sem:     make(chan struct{}, cfg.MaxConcurrentRuns),
		active:  make(map[string]*runHandle),
	}
}

func (m *manager) Start(ctx context.Context) error {
	if err := os.MkdirAll(m.index.Root(), 0o755); err != nil {
		return fmt.Errorf("create output root: %w", err)
	}
	m.mu.Lock()
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()
	m.cfg.Logger.Infof("fetch manager started, output root: %s", m.index.Root())
	return nil
}

// Shutdown stops every active run at its next task boundary and waits for their records to
// be written. Runs still waiting for a slot stay queued and are picked up by Resume.
func (m *manager) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.cfg.Logger.Info("fetch manager stopped")
}

func (m *manager) Submit(ctx context.Context, req domain.SegmentRequest) (*domain.Run, error) {
	if !m.started() {
		return nil, ErrManagerNotStarted
	}
	run, err := m.runs.CreateRun(ctx, req)
	if err != nil {
		return nil, err
	}
	m.spawnRun(*run)
	return run, nil
}

// Resume restarts runs left queued or running by a previous process. Segments already on
// disk are skipped by the worker, so a resumed run only fetches what is missing.
func (m *manager) Resume(ctx context.Context) error {
	if !m.started() {
		return ErrManagerNotStarted
	}
	runs, err := m.runs.ListByStatuses(ctx, domain.RunStatusQueued, domain.RunStatusRunning)
	if err != nil {
		return err
	}
	for i := range runs {
		if _, ok := m.handle(runs[i].ID); ok {
			continue
		}
		m.cfg.Logger.WithField("run_id", runs[i].ID).Info("resuming run")
		m.spawnRun(runs[i])
	}
	return nil
}

func (m *manager) Cancel(ctx context.Context, runID string) error {
	handle, ok := m.handle(runID)
	if !ok {
		_, err := m.runs.GetRun(ctx, runID)
		return err
	}

	handle.rc.Cancel()

	select {
	case <-handle.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the run is no longer active and returns its stored record.
func (m *manager) Wait(ctx context.Context, runID string) (*domain.Run, error) {
	if handle, ok := m.handle(runID); ok {
		select {
		case <-handle.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.runs.GetRun(ctx, runID)
}

func (m *manager) started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx != nil
}

func (m *manager) spawnRun(run domain.Run) {
	rc := NewRunContext(m.ctx, run.ID, m.index, m.sinkFor(run.ID))
	handle := &runHandle{rc: rc, done: make(chan struct{})}
	m.register(run.ID, handle)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.unregister(run.ID)
			close(handle.done)
		}()

		// a run cancelled while queued still executes so it is recorded as stopped
		select {
		case m.sem <- struct{}{}:
			defer func() { <-m.sem }()
		case <-rc.Context().Done():
		}
		if m.ctx.Err() != nil {
			m.cfg.Logger.WithField("run_id", run.ID).Info("manager stopping, run left queued")
			return
		}
		m.execute(rc, &run)
	}()
}

func (m *manager) register(id string, handle *runHandle) {
	m.mu.Lock()
	m.active[id] = handle
	m.mu.Unlock()
}

func (m *manager) unregister(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

func (m *manager) handle(id string) (*runHandle, bool) {
	m.mu.Lock()
	handle, ok := m.active[id]
	m.mu.Unlock()
	return handle, ok
}

func (m *manager) sinkFor(runID string) Sink {
	sinks := MultiSink{
		LogSink{Logger: m.cfg.Logger},
		recordingSink{runs: m.runs, logger: m.cfg.Logger.WithField("run_id", runID)},
	}
	return append(sinks, m.cfg.Sinks...)
}

func (m *manager) execute(rc *RunContext, run *domain.Run) {
	logger := m.cfg.Logger.WithField("run_id", run.ID)
	// records must be written even when the run itself was cancelled
	ctx := context.WithoutCancel(rc.Context())

	tasks := run.Request.Expand()
	if len(tasks) == 0 {
		m.failRun(ctx, run.ID, errors.New("run has no segments to fetch"))
		return
	}
	if err := m.runs.MarkStarted(ctx, run.ID); err != nil {
		logger.Errorf("mark run started: %v", err)
		return
	}

	started := time.Now()
	summary := m.worker.Run(rc, tasks)
	logger.Infof("run finished in %s", time.Since(started).Round(time.Millisecond))

	m.recordHistory(logger, tasks)
	m.archive(rc, tasks)

	outcomes := make([]domain.TaskOutcome, len(tasks))
	for i, task := range tasks {
		outcomes[i] = domain.OutcomeOf(run.ID, task)
	}
	status, errMsg := finalStatus(summary)
	if err := m.runs.FinishRun(ctx, run.ID, status, summary, outcomes, errMsg); err != nil {
		logger.Errorf("persist run outcome: %v", err)
	}
}

// finalStatus derives the run status from its task counts. Cancelled tasks only exist when
// the run was stopped.
func finalStatus(s domain.Summary) (domain.RunStatus, string) {
	switch {
	case s.Cancelled > 0:
		return domain.RunStatusStopped, ""
	case s.Failed > 0 && s.Succeeded+s.Skipped == 0:
		return domain.RunStatusFailed, fmt.Sprintf("all %d segments failed", s.Failed)
	default:
		return domain.RunStatusCompleted, ""
	}
}

func (m *manager) recordHistory(logger *logrus.Entry, tasks []*domain.FetchTask) {
	if m.history == nil {
		return
	}
	channels := channelsWhere(tasks, func(t *domain.FetchTask) bool {
		return t.Status == domain.TaskStatusSucceeded || t.Status == domain.TaskStatusSkippedExisting
	})
	if len(channels) == 0 {
		return
	}
	if err := m.history.AddChannels(channels); err != nil {
		logger.Warnf("update channel history: %v", err)
	}
}

// archive mirrors every channel directory that received new data this run.
func (m *manager) archive(rc *RunContext, tasks []*domain.FetchTask) {
	if m.storage == nil || m.cfg.Archive.Bucket == "" {
		return
	}
	channels := channelsWhere(tasks, func(t *domain.FetchTask) bool {
		return t.Status == domain.TaskStatusSucceeded
	})
	for _, channel := range channels {
		logger := m.cfg.Logger.WithFields(logrus.Fields{"run_id": rc.ID, "channel": channel})
		opts := m.cfg.Archive
		opts.KeyPrefix = storage.ChannelPrefix(m.cfg.Archive.KeyPrefix, channel)
		opts.Skip = storage.SkipPartials
		opts.ProgressCallback = newUploadProgressLogger(logger)

		// a user stop does not abort the upload; shutdown does
		dest, err := m.storage.UploadDirectory(m.ctx, m.index.ChannelDir(channel), opts)
		if err != nil {
			rc.emit(domain.Event{
				Level: domain.LevelError, Kind: domain.EventArchived, Channel: channel,
				Message: fmt.Sprintf("archive %s failed: %v", channel, err),
			})
			continue
		}
		rc.emit(domain.Event{
			Level: domain.LevelSuccess, Kind: domain.EventArchived, Channel: channel, Path: dest,
			Message: fmt.Sprintf("archived %s to %s", channel, dest),
		})
	}
}

func (m *manager) failRun(ctx context.Context, runID string, failErr error) {
	msg := failErr.Error()
	if err := m.runs.FailRun(ctx, runID, msg); err != nil {
		m.cfg.Logger.WithField("run_id", runID).Errorf("persist failure status: %v", err)
	}
	m.cfg.Logger.WithField("run_id", runID).Error(msg)
}

func channelsWhere(tasks []*domain.FetchTask, keep func(*domain.FetchTask) bool) []string {
	var channels []string
	for _, t := range tasks {
		if keep(t) {
			channels = appendUnique(channels, t.Channel)
		}
	}
	return channels
}

// recordingSink persists events to the run store. Failures are logged and otherwise ignored
// so a store hiccup never stalls a fetch.
type recordingSink struct {
	runs   service.RunService
	logger *logrus.Entry
}

func (s recordingSink) Emit(ev domain.Event) {
	if err := s.runs.RecordEvent(context.Background(), &ev); err != nil {
		s.logger.Warnf("record event: %v", err)
	}
}

func newUploadProgressLogger(logger *logrus.Entry) func(done, total int64) {
	var lastLog time.Time
	return func(done, total int64) {
		now := time.Now()
		if now.Sub(lastLog) < 500*time.Millisecond && done != total {
			return
		}
		lastLog = now
		if total == 0 {
			logger.Infof("upload progress: %s uploaded", humanize.IBytes(uint64(done)))
			return
		}
		logger.Infof("upload progress: %.1f%% (%s/%s)", float64(done)/float64(total)*100,
			humanize.IBytes(uint64(done)), humanize.IBytes(uint64(total)))
	}
}

var _ Manager = (*manager)(nil)
