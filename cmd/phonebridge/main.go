package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/procomm/phonebridge/internal/api"
	"github.com/procomm/phonebridge/internal/audio"
	"github.com/procomm/phonebridge/internal/config"
	"github.com/procomm/phonebridge/internal/database"
	"github.com/procomm/phonebridge/internal/engine"
	"github.com/procomm/phonebridge/internal/media"
	"github.com/procomm/phonebridge/internal/metrics"
	"github.com/procomm/phonebridge/internal/notify"
	"github.com/procomm/phonebridge/internal/sip"
)

func main() {
	if err := run(); err != nil {
		slog.Error("phonebridge exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	startTime := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	// Configure structured logging.
	logOut, logCloser := cfg.LogOutput()
	defer logCloser.Close()
	logger := slog.New(cfg.SlogHandler(logOut))
	slog.SetDefault(logger)

	logger.Info("starting phonebridge",
		"sip_mode", cfg.SIPMode,
		"sip_server", cfg.SIPServer,
		"sip_port", cfg.SIPPort,
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"channels", len(cfg.Channels),
	)

	// Call log.
	db, err := database.Open(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	callLog := database.NewCallRecordRepository(db)

	// Audio: channel sinks, router and notifier.
	outputs, err := audio.DialUDPOutputs(cfg.Channels)
	if err != nil {
		return fmt.Errorf("opening channel outputs: %w", err)
	}
	defer outputs.Close()

	notifier := notify.New(cfg.NotifyQueue, logger)
	router := audio.NewRouter(notifier, outputs.Writers, audio.ToneConfig{
		FrequencyHz: cfg.ToneFrequency,
		LevelDBFS:   cfg.ToneLevel,
	}, logger)

	// Signaling.
	ports, err := media.NewPortPool(net.IPv4zero, cfg.RTPPortMin, cfg.RTPPortMax, logger)
	if err != nil {
		return fmt.Errorf("creating rtp port pool: %w", err)
	}
	agent, err := sip.NewAgent(cfg, ports, router, logger)
	if err != nil {
		return fmt.Errorf("creating sip agent: %w", err)
	}

	eng, err := engine.New(engine.Options{
		Signaler:       agent,
		Router:         router,
		Notifier:       notifier,
		Recorder:       callLog,
		Logger:         logger,
		DialRate:       cfg.DialRate,
		DialBurst:      cfg.DialBurst,
		RetryBaseDelay: cfg.SIPRetryBase,
	})
	if err != nil {
		return fmt.Errorf("creating call engine: %w", err)
	}

	// Log every state and route change at debug.
	eventLog := logger.With("subsystem", "events")
	eng.Subscribe(func(ev notify.Event) {
		eventLog.Debug("line event",
			"seq", ev.Seq,
			"type", ev.Type,
			"line", ev.LineID,
			"old_state", ev.OldState,
			"new_state", ev.NewState,
			"channel", ev.Channel,
		)
	})

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	if err := agent.Start(appCtx, eng); err != nil {
		return fmt.Errorf("starting sip agent: %w", err)
	}
	if err := eng.Start(appCtx); err != nil {
		agent.Stop()
		return fmt.Errorf("starting call engine: %w", err)
	}

	// Ops HTTP server with metrics.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(eng, router, callLog, logger, startTime),
	)
	handler := api.NewServer(eng, callLog, registry, logger)
	go handler.Run(appCtx)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		runErr = fmt.Errorf("http server: %w", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger.Info("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	eng.Shutdown(ctx)
	agent.Stop()
	appCancel()

	logger.Info("phonebridge stopped", "uptime", time.Since(startTime).Round(time.Second))
	return runErr
}
