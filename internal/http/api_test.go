package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwfetch/internal/domain"
	"gwfetch/internal/omicron"
	"gwfetch/internal/repository/sqlite"
	"gwfetch/internal/segindex"
	"gwfetch/internal/service"
	"gwfetch/internal/storage"
)

type fakeManager struct {
	runs service.RunService

	mu        sync.Mutex
	cancelled []string
}

func (m *fakeManager) Start(context.Context) error  { return nil }
func (m *fakeManager) Shutdown()                    {}
func (m *fakeManager) Resume(context.Context) error { return nil }

func (m *fakeManager) Submit(ctx context.Context, req domain.SegmentRequest) (*domain.Run, error) {
	return m.runs.CreateRun(ctx, req)
}

func (m *fakeManager) Cancel(ctx context.Context, runID string) error {
	m.mu.Lock()
	m.cancelled = append(m.cancelled, runID)
	m.mu.Unlock()
	_, err := m.runs.GetRun(ctx, runID)
	return err
}

func (m *fakeManager) Wait(ctx context.Context, runID string) (*domain.Run, error) {
	return m.runs.GetRun(ctx, runID)
}

type fakeStorage struct {
	deleted []string
	objects []storage.ObjectInfo
}

func (s *fakeStorage) UploadDirectory(context.Context, string, storage.UploadOptions) (string, error) {
	return "", nil
}

func (s *fakeStorage) ListObjects(_ context.Context, _ string, prefix string) ([]storage.ObjectInfo, error) {
	var out []storage.ObjectInfo
	for _, o := range s.objects {
		if len(o.Key) >= len(prefix) && o.Key[:len(prefix)] == prefix {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *fakeStorage) DeletePrefix(_ context.Context, _ string, prefix string) error {
	s.deleted = append(s.deleted, prefix)
	return nil
}

type apiFixture struct {
	router  *gin.Engine
	runs    service.RunService
	manager *fakeManager
	index   *segindex.Index
	store   *fakeStorage
	work    string
}

func newAPIFixture(t *testing.T, mutate func(*Options)) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repos, err := sqlite.NewRepositories(context.Background(), db)
	require.NoError(t, err)
	runs := service.NewRunService(repos.Runs, repos.Tasks, repos.Events)

	work := t.TempDir()
	index, err := segindex.New(segindex.Options{Root: filepath.Join(work, "GWFout"), WorkDir: work})
	require.NoError(t, err)

	f := &apiFixture{
		runs:    runs,
		manager: &fakeManager{runs: runs},
		index:   index,
		store:   &fakeStorage{},
		work:    work,
	}
	opts := Options{
		Runs:      runs,
		Manager:   f.manager,
		Index:     index,
		Storage:   f.store,
		Bucket:    "frames",
		KeyPrefix: "gwfetch",
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.router = gin.New()
	NewHandler(opts).RegisterRoutes(f.router)
	return f
}

func (f *apiFixture) do(t *testing.T, method, target string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, nil)
	w := f.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateRunQueuesValidatedRequest(t *testing.T) {
	f := newAPIFixture(t, nil)

	w := f.do(t, http.MethodPost, "/api/runs", gin.H{
		"channels": []string{"H1:A", "H1:A", "L1:B"},
		"ranges":   []gin.H{{"start": 1000, "end": 1010}, {"start": 5, "end": 5}},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	resp := decode[struct {
		Run      RunResponse `json:"run"`
		Warnings []string    `json:"warnings"`
	}](t, w)
	assert.Equal(t, domain.RunStatusQueued, resp.Run.Status)
	assert.Equal(t, []string{"H1:A", "L1:B"}, resp.Run.Channels)
	assert.Equal(t, []domain.TimeRange{{Start: 1000, End: 1010}}, resp.Run.Ranges)
	assert.Equal(t, 2, resp.Run.Summary.Total)
	assert.Len(t, resp.Warnings, 2)

	stored, err := f.runs.GetRun(context.Background(), resp.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusQueued, stored.Status)

	w = f.do(t, http.MethodGet, "/api/runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]RunResponse](t, w), 1)
}

func TestCreateRunRejectsUnusableRequest(t *testing.T) {
	f := newAPIFixture(t, nil)

	w := f.do(t, http.MethodPost, "/api/runs", gin.H{
		"channels": []string{"H1:A"},
		"ranges":   []gin.H{{"start": 20, "end": 10}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "no valid time ranges")

	w = f.do(t, http.MethodPost, "/api/runs", gin.H{"ranges": []gin.H{{"start": 1, "end": 2}}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetRunAndEvents(t *testing.T) {
	f := newAPIFixture(t, nil)
	ctx := context.Background()

	w := f.do(t, http.MethodGet, "/api/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	run, err := f.runs.CreateRun(ctx, domain.SegmentRequest{Channels: []string{"H1:A"}, Ranges: []domain.TimeRange{{Start: 1, End: 2}}})
	require.NoError(t, err)
	for _, kind := range []domain.EventKind{domain.EventRunStarted, domain.EventFetching, domain.EventSucceeded} {
		require.NoError(t, f.runs.RecordEvent(ctx, &domain.Event{RunID: run.ID, Time: time.Now(), Level: domain.LevelInfo, Kind: kind, Message: string(kind)}))
	}

	w = f.do(t, http.MethodGet, "/api/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, run.ID, decode[RunResponse](t, w).ID)

	w = f.do(t, http.MethodGet, "/api/runs/"+run.ID+"/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	events := decode[[]domain.Event](t, w)
	require.Len(t, events, 3)
	assert.Equal(t, domain.EventRunStarted, events[0].Kind)

	w = f.do(t, http.MethodGet, "/api/runs/"+run.ID+"/events?after="+strconv.FormatInt(events[0].ID, 10)+"&limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[[]domain.Event](t, w)
	require.Len(t, page, 1)
	assert.Equal(t, domain.EventFetching, page[0].Kind)

	w = f.do(t, http.MethodGet, "/api/runs/"+run.ID+"/events?after=x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteRunCancelsActiveRun(t *testing.T) {
	f := newAPIFixture(t, nil)
	run, err := f.runs.CreateRun(context.Background(), domain.SegmentRequest{Channels: []string{"H1:A"}, Ranges: []domain.TimeRange{{Start: 1, End: 2}}})
	require.NoError(t, err)

	w := f.do(t, http.MethodDelete, "/api/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{run.ID}, f.manager.cancelled)

	w = f.do(t, http.MethodGet, "/api/runs/"+run.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelRun(t *testing.T) {
	f := newAPIFixture(t, nil)
	run, err := f.runs.CreateRun(context.Background(), domain.SegmentRequest{Channels: []string{"H1:A"}, Ranges: []domain.TimeRange{{Start: 1, End: 2}}})
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/api/runs/"+run.ID+"/cancel", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/api/runs/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestChannelIndex(t *testing.T) {
	f := newAPIFixture(t, nil)
	seg := domain.Segment{Channel: "H1:A", Start: 1000, End: 1010}
	_, err := f.index.Append(seg.Channel, 1000, 10, f.index.OutputPath(seg))
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/api/channels/H1:A/index", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[IndexResponse](t, w)
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, int64(1000), resp.Entries[0].Start)
	assert.Equal(t, int64(1010), resp.Entries[0].End)

	w = f.do(t, http.MethodGet, "/api/channels/L1:NONE/index", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestArchiveEndpoints(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.store.objects = []storage.ObjectInfo{{Key: "gwfetch/H1_A/1_2/x.gwf", Size: 10}, {Key: "gwfetch/L1_B/fin.ffl", Size: 3}}

	w := f.do(t, http.MethodGet, "/api/archive/objects?channel=H1:A", nil)
	require.Equal(t, http.StatusOK, w.Code)
	objects := decode[[]storage.ObjectInfo](t, w)
	require.Len(t, objects, 1)
	assert.Equal(t, "gwfetch/H1_A/1_2/x.gwf", objects[0].Key)

	w = f.do(t, http.MethodDelete, "/api/archive/H1:A", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"gwfetch/H1_A"}, f.store.deleted)

	bare := newAPIFixture(t, func(o *Options) { o.Storage = nil })
	w = bare.do(t, http.MethodGet, "/api/archive/objects", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestOmicronEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)
	bin := filepath.Join(f.work, "omicron")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\necho \"span $1 $2\"\necho psd >&2\n"), 0o755))
	runner := omicron.NewRunner(omicron.Config{Binary: bin, WorkDir: f.work, ParamFile: filepath.Join(f.work, "config.txt")})

	f.router = gin.New()
	NewHandler(Options{Runs: f.runs, Manager: f.manager, Index: f.index, Omicron: runner}).RegisterRoutes(f.router)

	for _, start := range []int64{1000, 2000} {
		seg := domain.Segment{Channel: "H1:A", Start: start, End: start + 10}
		_, err := f.index.Append(seg.Channel, start, 10, f.index.OutputPath(seg))
		require.NoError(t, err)
	}

	w := f.do(t, http.MethodPost, "/api/omicron", gin.H{"channel": "H1:A"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[struct {
		Status omicron.ExitStatus `json:"status"`
		Output []OutputLine       `json:"output"`
	}](t, w)
	assert.Equal(t, int64(1000), resp.Status.First)
	assert.Equal(t, int64(2000), resp.Status.Last)
	assert.Contains(t, resp.Output, OutputLine{Stream: omicron.StreamStdout, Text: "span 1000 2000"})
	assert.Contains(t, resp.Output, OutputLine{Stream: omicron.StreamStderr, Text: "psd"})

	w = f.do(t, http.MethodPost, "/api/omicron", gin.H{"channel": "L1:NONE"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuthProtectsRoutes(t *testing.T) {
	hash, err := service.HashPassword("correct horse")
	require.NoError(t, err)
	auth := service.NewAuthService(service.AuthConfig{Username: "operator", PasswordHash: hash, JWTSecret: "test-secret"})
	f := newAPIFixture(t, func(o *Options) { o.Auth = auth })

	w := f.do(t, http.MethodGet, "/api/runs", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/api/auth/token", gin.H{"username": "operator", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, "/api/auth/token", gin.H{"username": "operator", "password": "correct horse"})
	require.Equal(t, http.StatusOK, w.Code)
	token := decode[struct {
		Token string `json:"token"`
	}](t, w).Token
	require.NotEmpty(t, token)

	w = f.do(t, http.MethodGet, "/api/runs", nil, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/runs", nil, "Authorization", "Bearer not-a-token")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTokenRouteAbsentWithoutAuth(t *testing.T) {
	f := newAPIFixture(t, nil)
	w := f.do(t, http.MethodPost, "/api/auth/token", gin.H{"username": "a", "password": "b"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
