package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"gwfetch/internal/config"
	"gwfetch/internal/connectivity"
	"gwfetch/internal/downloader"
	"gwfetch/internal/fetch"
	"gwfetch/internal/omicron"
	"gwfetch/internal/repository/sqlite"
	"gwfetch/internal/segindex"
	"gwfetch/internal/service"
	"gwfetch/internal/source"
	"gwfetch/internal/storage"
)

// app is every long-lived component, built once from configuration.
type app struct {
	cfg     config.Config
	logger  *logrus.Logger
	db      *sql.DB
	index   *segindex.Index
	runs    service.RunService
	manager fetch.Manager
	omicron *omicron.Runner
	storage storage.Service
	auth    service.AuthService
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logger.Warnf("unknown log level %q, using info", level)
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

func buildApp(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*app, error) {
	index, err := segindex.New(segindex.Options{
		Root:    cfg.Output.Root,
		WorkDir: cfg.Output.WorkDir,
		Ext:     cfg.Output.Ext,
	})
	if err != nil {
		return nil, fmt.Errorf("setup segment index: %w", err)
	}

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	repos, err := sqlite.NewRepositories(ctx, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init repositories: %w", err)
	}
	runs := service.NewRunService(repos.Runs, repos.Tasks, repos.Events)

	src, err := buildSource(cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	monitor := connectivity.NewMonitor(connectivity.Config{
		Prober:       connectivity.DialProber{Address: cfg.Connectivity.ProbeAddress, Timeout: 5 * time.Second},
		PollInterval: cfg.Connectivity.PollInterval,
		RecordPath:   cfg.Connectivity.LogPath,
		Logger:       logger,
	})

	worker, err := fetch.NewWorker(fetch.WorkerConfig{
		Source: src,
		Downloader: downloader.New(downloader.Config{
			UserAgent: cfg.Fetch.UserAgent,
			Timeout:   cfg.Fetch.Timeout,
			Pace:      cfg.Fetch.Pace,
			Logger:    logger,
		}),
		Connectivity: monitor,
		MaxAttempts:  cfg.Fetch.MaxAttempts,
		FetchTimeout: cfg.Fetch.Timeout,
		RetryDelay:   cfg.Fetch.RetryDelay,
		Space:        fetch.DiskSpace{},
		MinFreeBytes: cfg.Output.MinFreeBytes,
		Logger:       logger,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("setup worker: %w", err)
	}

	var store storage.Service
	if cfg.Storage.Bucket != "" {
		s3Svc, err := buildStorage(ctx, cfg, logger)
		if err != nil {
			db.Close()
			return nil, err
		}
		store = s3Svc
	}

	history := &config.HistoryFile{Path: cfg.History.Path, OutputRoot: cfg.Output.Root}
	manager := fetch.NewManager(fetch.ManagerConfig{
		MaxConcurrentRuns: cfg.Fetch.MaxConcurrentRuns,
		Archive: storage.UploadOptions{
			Bucket:    cfg.Storage.Bucket,
			KeyPrefix: cfg.Storage.KeyPrefix,
		},
		Logger: logger,
	}, worker, index, runs, store, history)

	runner := omicron.NewRunner(omicron.Config{
		Binary:     cfg.Omicron.Binary,
		ParamFile:  cfg.Omicron.ParamFile,
		CondaEnv:   cfg.Omicron.CondaEnv,
		UseWSL:     cfg.Omicron.UseWSL,
		WSLUser:    cfg.Omicron.WSLUser,
		OutputFile: cfg.Omicron.OutputFile,
		WorkDir:    index.WorkDir(),
		Logger:     logger,
	})

	auth := service.NewAuthService(service.AuthConfig{
		Username:     cfg.Auth.Username,
		PasswordHash: cfg.Auth.PasswordHash,
		JWTSecret:    cfg.Auth.JWTSecret,
		TokenTTL:     cfg.Auth.TokenTTL,
	})

	return &app{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		index:   index,
		runs:    runs,
		manager: manager,
		omicron: runner,
		storage: store,
		auth:    auth,
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warnf("close database: %v", err)
	}
}

func buildSource(cfg config.Config, logger *logrus.Logger) (source.DataSource, error) {
	switch cfg.Fetch.Source {
	case config.SourceCommand:
		cmd, err := source.NewCommand(source.CommandConfig{
			Path:    cfg.Helper.Path,
			Args:    cfg.Helper.Args,
			TempDir: cfg.Helper.TempDir,
			Logger:  logger,
		})
		if err != nil {
			return nil, fmt.Errorf("setup helper command: %w", err)
		}
		logger.Infof("fetching through helper %s", cfg.Helper.Path)
		return cmd, nil
	default:
		logger.Infof("fetching through datafind at %s", cfg.Datafind.Host)
		return source.NewDatafind(source.DatafindConfig{
			Host:        cfg.Datafind.Host,
			Observatory: cfg.Datafind.Observatory,
			FrameType:   cfg.Datafind.FrameType,
			URLType:     cfg.Datafind.URLType,
			OSDFBase:    cfg.Datafind.OSDFBase,
			HTTPClient:  &http.Client{Timeout: cfg.Fetch.Timeout},
			Logger:      logger,
		}), nil
	}
}

func buildStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*storage.S3Service, error) {
	client, err := storage.NewS3Client(ctx, storage.ClientConfig{
		Region:   cfg.Storage.Region,
		Profile:  cfg.AWS.Profile,
		Endpoint: cfg.Storage.Endpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("setup storage: %w", err)
	}
	logger.Infof("archiving to s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	return storage.NewS3Service(client), nil
}
