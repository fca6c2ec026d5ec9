package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"gwfetch/internal/config"
	"gwfetch/internal/csvimport"
	"gwfetch/internal/domain"
	apphttp "gwfetch/internal/http"
	"gwfetch/internal/omicron"
	"gwfetch/internal/service"
)

const usage = `usage: gwfetch <command> [flags]

commands:
  serve          run the HTTP control API and resume unfinished runs
  fetch          fetch the segments listed in CSV files and exit
  omicron        run Omicron over a channel's frame list
  hash-password  print a bcrypt hash for auth.passwordhash
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var code int
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "serve":
		code = serve(ctx, args)
	case "fetch":
		code = fetchCmd(ctx, args)
	case "omicron":
		code = omicronCmd(ctx, args)
	case "hash-password":
		code = hashPasswordCmd(args)
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		code = 2
	}
	stop()
	os.Exit(code)
}

// loadConfig parses args into fs, which already carries the command's own flags.
func loadConfig(fs *pflag.FlagSet, args []string) (config.Config, *logrus.Logger, bool) {
	config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return config.Config{}, nil, false
		}
		fmt.Fprintln(os.Stderr, err)
		return config.Config{}, nil, false
	}
	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return config.Config{}, nil, false
	}
	return cfg, newLogger(cfg.Log.Level), true
}

func serve(ctx context.Context, args []string) int {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	cfg, logger, ok := loadConfig(fs, args)
	if !ok {
		return 2
	}

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Errorf("startup: %v", err)
		return 1
	}
	defer a.Close()

	if !a.auth.Enabled() {
		logger.Warn("auth is not configured, the API is open to anyone who can reach it")
	}

	if err := a.manager.Start(ctx); err != nil {
		logger.Errorf("start manager: %v", err)
		return 1
	}
	if err := a.manager.Resume(ctx); err != nil {
		logger.Warnf("resume runs: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(apphttp.Options{
		Runs:      a.runs,
		Manager:   a.manager,
		Index:     a.index,
		Omicron:   a.omicron,
		Storage:   a.storage,
		Bucket:    cfg.Storage.Bucket,
		KeyPrefix: cfg.Storage.KeyPrefix,
		Auth:      a.auth,
		Logger:    logger,
	})
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s (output root %s)", cfg.Server.Addr, a.index.Root())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	code := 0
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Errorf("http server: %v", err)
			code = 1
		}
	}
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	a.manager.Shutdown()

	logger.Info("bye")
	return code
}

func fetchCmd(ctx context.Context, args []string) int {
	fs := pflag.NewFlagSet("fetch", pflag.ContinueOnError)
	channelsFile := fs.String("channels", "", "CSV file of channels (header row, channel in the first column)")
	timesFile := fs.String("times", "", "CSV file of GPS start/end pairs")
	channelArgs := fs.StringSlice("channel", nil, "channel to fetch, may be repeated")
	cfg, logger, ok := loadConfig(fs, args)
	if !ok {
		return 2
	}

	var warnings []string
	channels := append([]string(nil), *channelArgs...)
	if *channelsFile != "" {
		list, warn, err := csvimport.ReadChannelsFile(*channelsFile)
		if err != nil {
			logger.Errorf("read channels: %v", err)
			return 2
		}
		warnings = append(warnings, warn...)
		channels = append(channels, csvimport.ChannelNames(list)...)
	}
	if *timesFile == "" {
		logger.Error("--times is required")
		return 2
	}
	ranges, warn, err := csvimport.ReadTimeRangesFile(*timesFile)
	if err != nil {
		logger.Errorf("read time ranges: %v", err)
		return 2
	}
	warnings = append(warnings, warn...)

	req, warn, err := domain.NewSegmentRequest(channels, ranges)
	warnings = append(warnings, warn...)
	for _, w := range warnings {
		logger.Warn(w)
	}
	if err != nil {
		logger.Errorf("nothing to fetch: %v", err)
		return 2
	}

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Errorf("startup: %v", err)
		return 1
	}
	defer a.Close()

	if err := a.manager.Start(ctx); err != nil {
		logger.Errorf("start manager: %v", err)
		return 1
	}
	defer a.manager.Shutdown()

	run, err := a.manager.Submit(ctx, req)
	if err != nil {
		logger.Errorf("submit run: %v", err)
		return 1
	}

	// an interrupt cancels the manager context; the run still records itself as stopped
	final, err := a.manager.Wait(context.Background(), run.ID)
	if err != nil {
		logger.Errorf("wait for run: %v", err)
		return 1
	}

	s := final.Summary
	logger.WithFields(logrus.Fields{
		"run_id":    final.ID,
		"status":    final.Status,
		"succeeded": s.Succeeded,
		"skipped":   s.Skipped,
		"failed":    s.Failed,
		"cancelled": s.Cancelled,
	}).Info("run finished")

	switch final.Status {
	case domain.RunStatusCompleted:
		if s.Failed > 0 {
			return 1
		}
		return 0
	case domain.RunStatusStopped:
		return 130
	default:
		return 1
	}
}

func omicronCmd(ctx context.Context, args []string) int {
	fs := pflag.NewFlagSet("omicron", pflag.ContinueOnError)
	frameList := fs.String("frame-list", "", "frame list to analyse")
	channel := fs.String("channel", "", "analyse this channel's frame list under the output root")
	cfg, logger, ok := loadConfig(fs, args)
	if !ok {
		return 2
	}

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Errorf("startup: %v", err)
		return 1
	}
	defer a.Close()

	path := *frameList
	if path == "" {
		if strings.TrimSpace(*channel) == "" {
			logger.Error("--frame-list or --channel is required")
			return 2
		}
		path = a.index.FrameListPath(*channel)
	}

	var mu sync.Mutex
	sink := omicron.LineFunc(func(stream, text string) {
		mu.Lock()
		defer mu.Unlock()
		if stream == omicron.StreamStderr {
			fmt.Fprintln(os.Stderr, text)
			return
		}
		fmt.Fprintln(os.Stdout, text)
	})

	status, err := a.omicron.Run(ctx, path, sink)
	var exitErr *omicron.NonZeroExitError
	switch {
	case err == nil:
		logger.WithFields(logrus.Fields{"first": status.First, "last": status.Last}).Info("omicron finished")
		return 0
	case errors.As(err, &exitErr):
		logger.Errorf("omicron exited with status %d", exitErr.Code)
		return exitErr.Code
	default:
		logger.Errorf("omicron: %v", err)
		return 1
	}
}

func hashPasswordCmd(args []string) int {
	fs := pflag.NewFlagSet("hash-password", pflag.ContinueOnError)
	password := fs.String("password", "", "password to hash; read from stdin when empty")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	pw := *password
	if pw == "" {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintf(os.Stderr, "read password: %v\n", err)
			return 1
		}
		pw = strings.TrimRight(line, "\r\n")
	}

	hash, err := service.HashPassword(pw)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println(hash)
	return 0
}
