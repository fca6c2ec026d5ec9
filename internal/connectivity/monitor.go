package connectivity

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gwfetch/internal/domain"
)

// Prober performs one reachability check.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// DialProber considers the network reachable when a TCP connection to Address succeeds.
type DialProber struct {
	Address string
	Timeout time.Duration
}

func (p DialProber) Probe(ctx context.Context) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return err
	}
	return conn.Close()
}

type Config struct {
	Prober       Prober
	PollInterval time.Duration
	// RecordPath is the disconnection log file. Empty disables it.
	RecordPath string
	Logger     *logrus.Logger
}

// Monitor answers "is the network up" and blocks until it is.
type Monitor struct {
	cfg Config
	mu  sync.Mutex
}

func NewMonitor(cfg Config) *Monitor {
	if cfg.Prober == nil {
		cfg.Prober = DialProber{Address: "google.com:443", Timeout: 5 * time.Second}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Monitor{cfg: cfg}
}

func (m *Monitor) PollInterval() time.Duration {
	return m.cfg.PollInterval
}

// IsReachable runs a single probe. Any failure, timeouts included, reads as unreachable.
func (m *Monitor) IsReachable(ctx context.Context) bool {
	if err := m.cfg.Prober.Probe(ctx); err != nil {
		m.cfg.Logger.Debugf("connectivity probe failed: %v", err)
		return false
	}
	return true
}

// WaitUntilReachable blocks until a probe succeeds, calling onWait before each sleep. It
// returns ctx.Err() if ctx is cancelled while waiting.
func (m *Monitor) WaitUntilReachable(ctx context.Context, onWait func(attempt int)) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.IsReachable(ctx) {
			return nil
		}
		if onWait != nil {
			onWait(attempt)
		}

		timer := time.NewTimer(m.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RecordDisconnect appends one line describing the interrupted segment to the disconnection
// log.
func (m *Monitor) RecordDisconnect(seg domain.Segment, at time.Time) error {
	if m.cfg.RecordPath == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.OpenFile(m.cfg.RecordPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open disconnection log: %w", err)
	}
	_, err = fmt.Fprintf(f, "%s: connectivity lost while fetching %s from %d to %d\n",
		at.Format(time.RFC3339), seg.Channel, seg.Start, seg.End)
	closeErr := f.Close()
	if err != nil {
		return fmt.Errorf("write disconnection log: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("close disconnection log: %w", closeErr)
	}
	return nil
}
