package downloader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwfetch/internal/domain"
)

func TestDownloadWritesFile(t *testing.T) {
	payload := []byte("frame-bytes-0123456789")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "seg", "file.gwf")
	var lastDone int64
	d := New(Config{})
	n, err := d.Download(context.Background(), domain.RemoteFileRef{URL: srv.URL + "/H-H1-1000-10.gwf"}, dest,
		func(done, total int64) { lastDone = done })
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, int64(len(payload)), lastDone)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.NoFileExists(t, dest+".part")
}

func TestDownloadSizeMismatchIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "100")
			return
		}
		_, _ = w.Write([]byte("short"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "file.gwf")
	_, err := New(Config{}).Download(context.Background(), domain.RemoteFileRef{URL: srv.URL}, dest, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSizeMismatch)
	assert.Equal(t, domain.KindRemote, domain.KindOf(err))
	assert.True(t, domain.IsRetryable(err))
	assert.NoFileExists(t, dest)
	assert.NoFileExists(t, dest+".part")
}

func TestDownloadStatusClassification(t *testing.T) {
	cases := []struct {
		code      int
		retryable bool
		noData    bool
	}{
		{http.StatusNotFound, false, true},
		{http.StatusForbidden, false, false},
		{http.StatusBadGateway, true, false},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.code)
			}))
			defer srv.Close()

			_, err := New(Config{}).Download(context.Background(), domain.RemoteFileRef{URL: srv.URL},
				filepath.Join(t.TempDir(), "f.gwf"), nil)
			require.Error(t, err)
			assert.Equal(t, domain.KindRemote, domain.KindOf(err))
			assert.Equal(t, tc.retryable, domain.IsRetryable(err))
			assert.Equal(t, tc.noData, errors.Is(err, domain.ErrNoData))
		})
	}
}

func TestDownloadConnectionRefusedIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(Config{}).Download(context.Background(), domain.RemoteFileRef{URL: url},
		filepath.Join(t.TempDir(), "f.gwf"), nil)
	require.Error(t, err)
	assert.Equal(t, domain.KindTransport, domain.KindOf(err))
}

// trickle serves size bytes, one per interval, flushing each so the client sees steady progress.
func trickle(size int, interval, stallAfterFirst time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(size))
		if r.Method == http.MethodHead {
			return
		}
		flusher := w.(http.Flusher)
		for i := 0; i < size; i++ {
			if _, err := w.Write([]byte{'x'}); err != nil {
				return
			}
			flusher.Flush()
			pause := interval
			if i == 0 && stallAfterFirst > 0 {
				pause = stallAfterFirst
			}
			select {
			case <-r.Context().Done():
				return
			case <-time.After(pause):
			}
		}
	}
}

func TestSlowTransferOutlastingTimeoutCompletes(t *testing.T) {
	srv := httptest.NewServer(trickle(8, 40*time.Millisecond, 0))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "f.gwf")
	started := time.Now()
	n, err := New(Config{Timeout: 150 * time.Millisecond}).Download(context.Background(),
		domain.RemoteFileRef{URL: srv.URL}, dest, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)
	assert.Greater(t, time.Since(started), 150*time.Millisecond, "transfer must take longer than the timeout")
	assert.FileExists(t, dest)
}

func TestStalledTransferIsRetryableRemote(t *testing.T) {
	srv := httptest.NewServer(trickle(4, time.Millisecond, 2*time.Second))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "f.gwf")
	_, err := New(Config{Timeout: 100 * time.Millisecond}).Download(context.Background(),
		domain.RemoteFileRef{URL: srv.URL}, dest, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errStalled)
	assert.Equal(t, domain.KindRemote, domain.KindOf(err))
	assert.True(t, domain.IsRetryable(err))
	assert.NoFileExists(t, dest)
	assert.NoFileExists(t, dest+".part")
}

func TestUnsupportedSchemeIsPermanent(t *testing.T) {
	_, err := New(Config{}).Download(context.Background(),
		domain.RemoteFileRef{URL: "osdf:///gwdata/H-H1_X-1000-10.gwf"}, filepath.Join(t.TempDir(), "f.gwf"), nil)
	require.Error(t, err)
	assert.Equal(t, domain.KindRemote, domain.KindOf(err))
	assert.False(t, domain.IsRetryable(err))
}
