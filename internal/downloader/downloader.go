// Package downloader transfers remote frame files to local disk with size verification.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"gwfetch/internal/domain"
)

type Config struct {
	HTTPClient  *http.Client
	UserAgent   string
	HeadTimeout time.Duration
	// Timeout bounds the wait for response headers and every gap between body reads. The
	// transfer as a whole is not limited, so a large frame on a slow link still completes.
	Timeout time.Duration
	// Pace is the minimum spacing between consecutive downloads.
	Pace   time.Duration
	Logger *logrus.Logger
}

// Downloader fetches one remote file at a time. The shared limiter spaces requests out so the
// remote service is not hammered.
type Downloader struct {
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config) *Downloader {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.HeadTimeout <= 0 {
		cfg.HeadTimeout = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "gwfetch/1.0"
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	limit := rate.Inf
	if cfg.Pace > 0 {
		limit = rate.Every(cfg.Pace)
	}
	return &Downloader{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// ProgressFunc receives bytes written so far and the expected total (0 when unknown).
type ProgressFunc func(done, total int64)

// Download writes ref to dest and returns the number of bytes saved. The file only appears at
// dest once it is complete and its size matches what the server advertised.
func (d *Downloader) Download(ctx context.Context, ref domain.RemoteFileRef, dest string, progress ProgressFunc) (int64, error) {
	logger := d.cfg.Logger.WithField("url", ref.URL)

	if err := d.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	expected, err := d.head(ctx, ref.URL)
	if err != nil {
		return 0, err
	}
	logger.Debugf("remote file available, expected size %d bytes", expected)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return 0, domain.Validationf("download", "build request for %s: %v", ref.URL, err)
	}
	req.Header.Set("User-Agent", d.cfg.UserAgent)

	headerTimer := time.AfterFunc(d.cfg.Timeout, func() {
		cancel(fmt.Errorf("%w: no response from %s within %s", errStalled, ref.URL, d.cfg.Timeout))
	})
	resp, err := d.cfg.HTTPClient.Do(req)
	headerTimer.Stop()
	if err != nil {
		return 0, failure(ctx, "download", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, statusError("download", ref.URL, resp.StatusCode)
	}
	if expected <= 0 && resp.ContentLength > 0 {
		expected = resp.ContentLength
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, domain.IOError("create segment dir", err)
	}
	partial := dest + ".part"
	out, err := os.Create(partial)
	if err != nil {
		return 0, domain.IOError("create output", err)
	}

	idle := newIdleReader(resp.Body, d.cfg.Timeout, func() {
		cancel(fmt.Errorf("%w: no data from %s for %s", errStalled, ref.URL, d.cfg.Timeout))
	})
	var body io.Reader = idle
	if progress != nil {
		body = io.TeeReader(idle, newProgressWriter(expected, progress))
	}
	written, copyErr := io.Copy(out, body)
	idle.stop()
	closeErr := out.Close()
	if copyErr != nil {
		_ = os.Remove(partial)
		return 0, failure(ctx, "download", copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(partial)
		return 0, domain.IOError("close output", closeErr)
	}

	if expected > 0 && written != expected {
		_ = os.Remove(partial)
		return 0, domain.RemoteError("download",
			fmt.Errorf("%w for %s: expected %d, got %d", domain.ErrSizeMismatch, ref.URL, expected, written), true)
	}
	if err := os.Rename(partial, dest); err != nil {
		_ = os.Remove(partial)
		return 0, domain.IOError("finalize output", err)
	}

	logger.Infof("downloaded %s to %s", humanize.IBytes(uint64(written)), dest)
	return written, nil
}

// head checks availability and returns the advertised Content-Length, or 0 if none.
func (d *Downloader) head(ctx context.Context, url string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.HeadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, domain.Validationf("check availability", "build request for %s: %v", url, err)
	}
	req.Header.Set("User-Agent", d.cfg.UserAgent)

	resp, err := d.cfg.HTTPClient.Do(req)
	if err != nil {
		return 0, classify("check availability", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, statusError("check availability", url, resp.StatusCode)
	}
	if resp.ContentLength < 0 {
		return 0, nil
	}
	return resp.ContentLength, nil
}

func statusError(op, url string, code int) error {
	err := fmt.Errorf("%s returned status %d", url, code)
	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		return domain.RemoteError(op, fmt.Errorf("%w: %v", domain.ErrNoData, err), false)
	case code >= 500 || code == http.StatusTooManyRequests:
		return domain.RemoteError(op, err, true)
	default:
		return domain.RemoteError(op, err, false)
	}
}

// errStalled marks a transfer cut off because the server went quiet for longer than Timeout.
var errStalled = errors.New("transfer stalled")

// failure classifies err, reporting a stall as a retryable remote failure rather than the
// context cancellation it was implemented with.
func failure(ctx context.Context, op string, err error) error {
	if cause := context.Cause(ctx); errors.Is(cause, errStalled) {
		return domain.RemoteError(op, cause, true)
	}
	return classify(op, err)
}

func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if domain.IsNetworkError(err) {
		return domain.TransportError(op, err)
	}
	return domain.RemoteError(op, err, domain.IsRetryable(err))
}

// idleReader fires onIdle when no bytes arrive for timeout.
type idleReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
}

func newIdleReader(r io.Reader, timeout time.Duration, onIdle func()) *idleReader {
	return &idleReader{r: r, timeout: timeout, timer: time.AfterFunc(timeout, onIdle)}
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.timer.Reset(r.timeout)
	}
	return n, err
}

func (r *idleReader) stop() { r.timer.Stop() }

type progressWriter struct {
	total    int64
	done     int64
	cb       ProgressFunc
	mu       sync.Mutex
	lastFire time.Time
}

func newProgressWriter(total int64, cb ProgressFunc) *progressWriter {
	return &progressWriter{total: total, cb: cb}
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done += int64(len(b))
	now := time.Now()
	if now.Sub(p.lastFire) >= 500*time.Millisecond || p.done == p.total {
		p.lastFire = now
		p.cb(p.done, p.total)
	}
	return len(b), nil
}
