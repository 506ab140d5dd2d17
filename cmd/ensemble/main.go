package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"ensemble/internal/config"
	"ensemble/internal/connection"
	"ensemble/internal/database"
	"ensemble/internal/library"
	"ensemble/internal/player"
	"ensemble/internal/room"
	"ensemble/internal/server"
	"ensemble/internal/session"
	"ensemble/internal/syncer"

	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "./ensemble.toml", "path to the TOML configuration file")
	envPath := flag.String("env", ".env", "optional dotenv file with overrides")
	flag.Parse()

	// Initialize basic logger for startup
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	cfg, err := config.LoadConfig(*configPath, *envPath)
	if err != nil {
		logger.WithError(err).Fatal("Error loading configuration")
	}

	logFile, err := configureLogger(logger, cfg.Logging)
	if err != nil {
		logger.WithError(err).Fatal("Error configuring logging")
	}
	if logFile != nil {
		defer logFile.Close()
	}

	db, err := database.NewDatabase(cfg.Database.Path, logger)
	if err != nil {
		logger.WithError(err).Fatal("Error initializing database")
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := session.NewStore(db, cfg.Server.SessionGrace.Duration)
	dialer := connection.NewWebsocketDialer(cfg.Server.DialTimeout.Duration, cfg.Server.WriteTimeout.Duration)
	conn := connection.New(connection.Config{
		URL:            cfg.Server.URL,
		PingInterval:   cfg.Server.PingInterval.Duration,
		DialTimeout:    cfg.Server.DialTimeout.Duration,
		InitialBackoff: cfg.Server.InitialBackoff.Duration,
		MaxBackoff:     cfg.Server.MaxBackoff.Duration,
		MaxAttempts:    cfg.Server.MaxReconnectAttempts,
	}, dialer, store, logger)

	machine := room.NewMachine(conn, logger)
	conn.SetHandler(machine.Handle)
	connEvents, stopConnEvents := conn.Subscribe()
	defer stopConnEvents()

	engine := player.NewPlayer(player.DefaultPrepareDelay)
	defer engine.Close()

	lib := library.New(library.Options{
		Path:             cfg.Library.Path,
		SupportedFormats: cfg.Library.SupportedFormats,
		CacheTTL:         cfg.Library.CacheTTL.Duration,
		Fallback:         true,
	}, db, logger)
	defer lib.Close()

	var wg sync.WaitGroup
	startLibrary(ctx, &wg, lib, cfg.Library, logger)

	roomEvents, stopRoomEvents := machine.Subscribe(64)
	defer stopRoomEvents()
	synchronizer := syncer.New(syncer.Config{
		PositionTolerance:     cfg.Sync.PositionTolerance.Duration,
		EchoHold:              cfg.Sync.EchoHold.Duration,
		HeartbeatInterval:     cfg.Sync.HeartbeatInterval.Duration,
		QueueDebounce:         cfg.Sync.QueueDebounce.Duration,
		ReadyPollInterval:     cfg.Sync.ReadyPollInterval.Duration,
		ReadyPollAttempts:     cfg.Sync.ReadyPollAttempts,
		BufferCompleteTimeout: cfg.Sync.BufferCompleteTimeout.Duration,
	}, engine, machine, lib, roomEvents, engine.Subscribe(), logger)

	wg.Add(2)
	go func() {
		defer wg.Done()
		machine.Watch(ctx, connEvents)
	}()
	go func() {
		defer wg.Done()
		synchronizer.Run(ctx)
	}()

	if cfg.Status.Enabled {
		srv := server.New(server.Options{
			Addr:            cfg.StatusAddress(),
			EnableCORS:      true,
			RequestLogging:  cfg.Logging.Level == "debug",
			DefaultUsername: cfg.Client.Username,
		}, server.Deps{
			Room:       machine,
			Connection: conn,
			Player:     engine,
			Syncer:     synchronizer,
			Library:    lib,
			DB:         db,
		}, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				logger.WithError(err).Error("Status server failed")
				stop()
			}
		}()
	}

	logger.WithFields(logrus.Fields{
		"server":   cfg.Server.URL,
		"username": cfg.Client.Username,
	}).Info("Starting ensemble client")
	conn.Connect()

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	// The persisted session survives so the next start resumes the room.
	conn.Close()
	wg.Wait()
	logger.Info("Shutdown complete")
}

// configureLogger applies level, format and output settings. The returned
// file, if any, must be closed by the caller.
func configureLogger(logger *logrus.Logger, cfg config.LoggingConfig) (*os.File, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	if cfg.File == "" {
		return nil, nil
	}
	file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	logger.SetOutput(file)
	return file, nil
}

// startLibrary scans the library and starts the watcher in the background.
// A missing library directory is not fatal: tracks from the room then play
// as metadata-only items.
func startLibrary(ctx context.Context, wg *sync.WaitGroup, lib *library.Library, cfg config.LibraryConfig, logger *logrus.Logger) {
	if _, err := os.Stat(cfg.Path); errors.Is(err, fs.ErrNotExist) {
		logger.WithField("library_path", cfg.Path).Warn("Music directory does not exist, local playback disabled")
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		if cfg.ScanOnStartup {
			count, err := lib.Scan(ctx)
			if err != nil {
				logger.WithError(err).Error("Error scanning music library")
			} else if count == 0 {
				logger.WithField("supported_formats", cfg.SupportedFormats).Warn("No supported audio files found in music directory")
			}
		}

		if !cfg.WatchForChanges {
			return
		}
		watcher, err := library.NewWatcher(lib)
		if err != nil {
			logger.WithError(err).Error("Error starting library watcher")
			return
		}
		watcher.Run(ctx)
	}()
}
