// Package omicron launches the Omicron trigger generator over a channel's frame list, locally,
// inside a conda environment, or through WSL.
package omicron

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"gwfetch/internal/domain"
	"gwfetch/internal/segindex"
)

const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// LineSink receives the tool's output one line at a time, tagged with its stream. Stdout and
// stderr are read concurrently, so Line must be safe for concurrent use.
type LineSink interface {
	Line(stream, text string)
}

type LineFunc func(stream, text string)

func (f LineFunc) Line(stream, text string) { f(stream, text) }

// NonZeroExitError reports that the tool ran but exited unsuccessfully.
type NonZeroExitError struct {
	Code int
}

func (e *NonZeroExitError) Error() string {
	return fmt.Sprintf("omicron exited with status %d", e.Code)
}

// ExitStatus describes a completed invocation.
type ExitStatus struct {
	Code       int      `json:"code"`
	First      int64    `json:"first"`
	Last       int64    `json:"last"`
	Command    []string `json:"command"`
	OutputFile string   `json:"output_file,omitempty"`
}

type Config struct {
	// Binary is the Omicron executable name or path.
	Binary string
	// ParamFile is the parameter file passed to Omicron. It is created with defaults when
	// missing and updated with the frame list before each run.
	ParamFile string
	// CondaEnv, when set, activates that environment before running.
	CondaEnv string
	// UseWSL runs through the Windows Subsystem for Linux. It is implied on Windows.
	UseWSL  bool
	WSLUser string
	// WSLBinary is the launcher used for WSL, "wsl" by default.
	WSLBinary string
	// OutputFile receives a copy of everything the tool prints. Empty disables the copy.
	OutputFile string
	WorkDir    string
	Logger     *logrus.Logger
}

type Runner struct {
	cfg Config
}

func NewRunner(cfg Config) *Runner {
	if cfg.Binary == "" {
		cfg.Binary = "omicron"
	}
	if cfg.ParamFile == "" {
		cfg.ParamFile = "./config.txt"
	}
	if cfg.WSLBinary == "" {
		cfg.WSLBinary = "wsl"
	}
	if runtime.GOOS == "windows" {
		cfg.UseWSL = true
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Runner{cfg: cfg}
}

// Run analyses the GPS span covered by frameListPath. Output lines are streamed to sink as
// they arrive. A tool that cannot be launched yields ErrToolUnavailable; one that exits
// non-zero yields *NonZeroExitError along with the populated status.
func (r *Runner) Run(ctx context.Context, frameListPath string, sink LineSink) (ExitStatus, error) {
	first, last, err := segindex.ReadBounds(frameListPath)
	if err != nil {
		return ExitStatus{}, err
	}
	status := ExitStatus{First: first.Start, Last: last.Start, OutputFile: r.cfg.OutputFile}

	if err := r.prepareParams(frameListPath); err != nil {
		return status, err
	}

	argv, err := r.command(ctx, first.Start, last.Start)
	if err != nil {
		return status, err
	}
	status.Command = argv

	logger := r.cfg.Logger.WithField("frame_list", frameListPath)
	logger.Infof("running %s", strings.Join(argv, " "))

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = r.cfg.WorkDir
	// the tee goes first: pipes opened before a failed return would never be closed by Wait
	tee, closeTee, err := r.openOutput()
	if err != nil {
		return status, err
	}
	defer closeTee()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return status, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		return status, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return status, fmt.Errorf("%w: start %s: %v", domain.ErrToolUnavailable, argv[0], err)
		}
		return status, fmt.Errorf("start omicron: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); pump(stdout, StreamStdout, sink, tee) }()
	go func() { defer wg.Done(); pump(stderr, StreamStderr, sink, tee) }()
	wg.Wait()

	err = cmd.Wait()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		logger.Info("omicron completed successfully")
		return status, nil
	case errors.As(err, &exitErr):
		status.Code = exitErr.ExitCode()
		logger.Warnf("omicron exited with status %d", status.Code)
		return status, &NonZeroExitError{Code: status.Code}
	default:
		return status, fmt.Errorf("wait for omicron: %w", err)
	}
}

func (r *Runner) prepareParams(frameListPath string) error {
	params, err := LoadParams(r.paramPath())
	if err != nil {
		return err
	}
	params.SetFrameList(r.relativeToWorkDir(frameListPath), ChannelFromDir(filepath.Dir(frameListPath)))
	return params.Save(r.paramPath())
}

func (r *Runner) paramPath() string {
	if filepath.IsAbs(r.cfg.ParamFile) || r.cfg.WorkDir == "" {
		return r.cfg.ParamFile
	}
	return filepath.Join(r.cfg.WorkDir, r.cfg.ParamFile)
}

func (r *Runner) relativeToWorkDir(p string) string {
	base := r.cfg.WorkDir
	if base == "" {
		base = "."
	}
	absBase, err1 := filepath.Abs(base)
	absPath, err2 := filepath.Abs(p)
	if err1 != nil || err2 != nil {
		return p
	}
	rel, err := filepath.Rel(absBase, absPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(absPath)
	}
	return "./" + filepath.ToSlash(rel)
}

// command builds the argv for the configured launch mode.
func (r *Runner) command(ctx context.Context, first, last int64) ([]string, error) {
	invocation := fmt.Sprintf("%s %d %d %s", r.cfg.Binary, first, last, filepath.ToSlash(r.cfg.ParamFile))

	switch {
	case r.cfg.UseWSL:
		return r.wslCommand(ctx, invocation)
	case r.cfg.CondaEnv != "":
		script := fmt.Sprintf(`eval "$(conda shell.bash hook)" && conda activate %s && %s`, r.cfg.CondaEnv, invocation)
		return []string{"bash", "-lc", script}, nil
	default:
		return []string{r.cfg.Binary, strconv.FormatInt(first, 10), strconv.FormatInt(last, 10), r.cfg.ParamFile}, nil
	}
}

func (r *Runner) wslCommand(ctx context.Context, invocation string) ([]string, error) {
	wsl := r.cfg.WSLBinary
	if _, err := r.output(ctx, wsl, "--list", "--all"); err != nil {
		return nil, fmt.Errorf("%w: wsl not available: %v", domain.ErrToolUnavailable, err)
	}

	user := strings.TrimSpace(r.cfg.WSLUser)
	if user == "" {
		passwd, err := r.output(ctx, wsl, "cat", "/etc/passwd")
		if err != nil {
			return nil, fmt.Errorf("%w: read wsl accounts: %v", domain.ErrToolUnavailable, err)
		}
		if user = firstHomeUser(passwd); user == "" {
			return nil, fmt.Errorf("%w: no wsl user with a home directory", domain.ErrToolUnavailable)
		}
	}

	condaPath, err := r.output(ctx, wsl, "--user", user, "bash", "-lic", "which conda")
	condaPath = strings.TrimSpace(condaPath)
	if err != nil || condaPath == "" {
		return nil, fmt.Errorf("%w: conda not found for wsl user %s", domain.ErrToolUnavailable, user)
	}
	condaInit := path.Join(path.Dir(path.Dir(condaPath)), "etc", "profile.d", "conda.sh")

	env := r.cfg.CondaEnv
	if env == "" {
		env = "base"
	}
	script := fmt.Sprintf("source %s && conda activate %s && %s", condaInit, env, invocation)
	return []string{wsl, "--user", user, "bash", "-lic", script}, nil
}

func (r *Runner) output(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.cfg.WorkDir
	out, err := cmd.Output()
	return string(out), err
}

func (r *Runner) openOutput() (io.Writer, func(), error) {
	if r.cfg.OutputFile == "" {
		return nil, func() {}, nil
	}
	p := r.cfg.OutputFile
	if !filepath.IsAbs(p) && r.cfg.WorkDir != "" {
		p = filepath.Join(r.cfg.WorkDir, p)
	}
	f, err := os.Create(p)
	if err != nil {
		return nil, nil, domain.IOError("create omicron output", err)
	}
	return &lockedWriter{w: f}, func() { _ = f.Close() }, nil
}

// firstHomeUser picks the first account in passwd content that lives under /home, skipping
// root and nobody.
func firstHomeUser(passwd string) string {
	for _, line := range strings.Split(passwd, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "root:") || strings.HasPrefix(line, "nobody:") {
			continue
		}
		if strings.Contains(line, "/home/") {
			name, _, _ := strings.Cut(line, ":")
			return name
		}
	}
	return ""
}

func pump(r io.Reader, stream string, sink LineSink, tee io.Writer) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if sink != nil {
			sink.Line(stream, line)
		}
		if tee != nil {
			_, _ = io.WriteString(tee, line+"\n")
		}
	}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
