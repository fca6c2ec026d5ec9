package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"gwfetch/internal/domain"
)

// Exit codes a helper uses to tell the worker how to treat a failure. Any other non-zero
// exit is a retryable remote failure.
const (
	ExitNoData      = 3
	ExitUnreachable = 4
)

type CommandConfig struct {
	// Path is the helper executable.
	Path string
	// Args are argument templates; {channel}, {start}, {end} and {output} are substituted.
	Args []string
	// TempDir receives the helper's output before it is handed to the worker.
	TempDir string
	Logger  *logrus.Logger
}

// Command obtains frame data by running a helper process (for example a gwpy script talking
// to NDS) that writes one frame file for the requested segment. The helper may print a line
// "coverage <start> <end>" when the data it produced covers less than requested.
type Command struct {
	cfg CommandConfig
}

func NewCommand(cfg CommandConfig) (*Command, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("helper command path is required")
	}
	if len(cfg.Args) == 0 {
		cfg.Args = []string{"{channel}", "{start}", "{end}", "{output}"}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Command{cfg: cfg}, nil
}

func (c *Command) Fetch(ctx context.Context, seg domain.Segment) (domain.FetchResult, error) {
	tmp, err := os.CreateTemp(c.cfg.TempDir, "gwfetch-*.gwf")
	if err != nil {
		return domain.FetchResult{}, domain.IOError("create helper output", err)
	}
	output := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(output)

	replacer := strings.NewReplacer(
		"{channel}", seg.Channel,
		"{start}", strconv.FormatInt(seg.Start, 10),
		"{end}", strconv.FormatInt(seg.End, 10),
		"{output}", output,
	)
	args := make([]string, len(c.cfg.Args))
	for i, a := range c.cfg.Args {
		args[i] = replacer.Replace(a)
	}

	cmd := exec.CommandContext(ctx, c.cfg.Path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.cfg.Logger.WithField("channel", seg.Channel).Debugf("running %s %s", filepath.Base(c.cfg.Path), strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		return domain.FetchResult{}, c.classify(ctx, err, stderr.String())
	}

	data, err := os.ReadFile(output)
	if err != nil {
		return domain.FetchResult{}, domain.IOError("read helper output", err)
	}
	if len(data) == 0 {
		return domain.FetchResult{}, domain.RemoteError("run helper",
			fmt.Errorf("%w: helper produced no data for %s", domain.ErrNoData, seg), false)
	}

	start, end, err := parseCoverage(stdout.Bytes(), seg)
	if err != nil {
		return domain.FetchResult{}, domain.RemoteError("run helper", err, false)
	}
	return domain.FetchResult{Raw: &domain.RawData{Data: data, Start: start, End: end}}, nil
}

func (c *Command) classify(ctx context.Context, err error, stderr string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return domain.RemoteError("run helper", ctxErr, errors.Is(ctxErr, context.DeadlineExceeded))
	}
	msg := strings.TrimSpace(stderr)
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return domain.Validationf("run helper", "launch %s: %v", c.cfg.Path, err)
	}
	switch exitErr.ExitCode() {
	case ExitNoData:
		return domain.RemoteError("run helper", fmt.Errorf("%w: %s", domain.ErrNoData, msg), false)
	case ExitUnreachable:
		return domain.TransportError("run helper", fmt.Errorf("helper could not reach data server: %s", msg))
	default:
		return domain.RemoteError("run helper", fmt.Errorf("helper exited with %d: %s", exitErr.ExitCode(), msg), true)
	}
}

// parseCoverage reads the last "coverage S E" line, clamped to seg. Without one the helper is
// taken to have covered the whole segment.
func parseCoverage(stdout []byte, seg domain.Segment) (int64, int64, error) {
	start, end := seg.Start, seg.End
	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 3 || fields[0] != "coverage" {
			continue
		}
		s, err1 := strconv.ParseInt(fields[1], 10, 64)
		e, err2 := strconv.ParseInt(fields[2], 10, 64)
		if err1 != nil || err2 != nil {
			return 0, 0, fmt.Errorf("invalid coverage line %q", scanner.Text())
		}
		start, end = max(s, seg.Start), min(e, seg.End)
	}
	if start >= end {
		return 0, 0, fmt.Errorf("%w: reported coverage is empty for %s", domain.ErrNoData, seg)
	}
	return start, end, nil
}
