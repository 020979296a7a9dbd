package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dgnsrekt/tv_relay/internal/api"
	"github.com/dgnsrekt/tv_relay/internal/cdp"
	"github.com/dgnsrekt/tv_relay/internal/config"
	"github.com/dgnsrekt/tv_relay/internal/controller"
	"github.com/dgnsrekt/tv_relay/internal/hub"
	"github.com/dgnsrekt/tv_relay/internal/netutil"
	"github.com/dgnsrekt/tv_relay/internal/notify"
	"github.com/dgnsrekt/tv_relay/internal/probe"
	"github.com/dgnsrekt/tv_relay/internal/session"
	"github.com/dgnsrekt/tv_relay/internal/uploads"
	"github.com/dgnsrekt/tv_relay/internal/watch"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("tv_relay config loaded",
		"cdp_address", cfg.CDPAddress,
		"cdp_ports", cfg.CDPPorts,
		"app_filter", cfg.AppFilter,
		"bind_addr", cfg.BindAddr,
		"poll_interval", cfg.PollInterval,
		"failure_threshold", cfg.FailureThreshold,
		"max_connect_attempts", cfg.MaxConnectAttempts,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	bindAddr, err := netutil.SelectBindAddr(cfg.BindAddr, cfg.BindCandidates, cfg.BindAutoFallback)
	if err != nil {
		slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}

	endpoints := make([]cdp.Endpoint, 0, len(cfg.CDPPorts))
	for _, port := range cfg.CDPPorts {
		endpoints = append(endpoints, cdp.Endpoint{Host: cfg.CDPAddress, Port: port})
	}
	discoverer := cdp.NewDiscoverer(endpoints, cfg.AppFilter, cfg.DiscoveryTimeout)

	manager := session.NewManager(discoverer, session.Config{
		MaxAttempts:      cfg.MaxConnectAttempts,
		RetryDelay:       cfg.RetryDelay,
		CallTimeout:      cfg.CallTimeout,
		InitWaitAttempts: cfg.InitWaitAttempts,
		InitWaitInterval: cfg.InitWaitInterval,
	})
	if cfg.NotifyEndpoint != "" {
		manager.OnExhausted = func(cause error) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := notify.SendSessionLost(ctx, nil, cfg.NotifyEndpoint, cfg.MaxConnectAttempts, cause); err != nil {
				slog.Warn("session lost notification failed", "error", err)
			}
		}
	}

	probeCfg, err := loadProbeConfig(cfg.ProbeConfigPath)
	if err != nil {
		slog.Error("failed to load probe config", "path", cfg.ProbeConfigPath, "error", err)
		os.Exit(1)
	}

	uploadStore, err := uploads.NewStore(cfg.UploadDir, cfg.UploadMaxCount, cfg.UploadMaxAge)
	if err != nil {
		slog.Error("failed to create upload store", "dir", cfg.UploadDir, "error", err)
		os.Exit(1)
	}

	broker := hub.NewBroker()
	clients := hub.NewHub()

	var svc *controller.Service
	watcher := watch.New(manager, probe.WidgetCapture(probeCfg), func(evt watch.ChangeEvent) {
		svc.PublishChange(evt)
	}, watch.Config{
		Interval:         cfg.PollInterval,
		CaptureTimeout:   cfg.CaptureTimeout,
		FailureThreshold: cfg.FailureThreshold,
	})
	manager.OnInstalled = watcher.ResetFailures
	svc = controller.NewService(manager, watcher, discoverer, broker, clients, uploadStore, probeCfg)

	h := api.NewServer(svc, broker, clients)
	srv := &http.Server{Addr: bindAddr, Handler: h}

	watchCtx, stopWatch := context.WithCancel(context.Background())
	go watcher.Run(watchCtx)

	go func() {
		slog.Info("tv_relay listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("tv_relay server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stopWatch()
	manager.Teardown()
	clients.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("tv_relay shutdown failed", "error", err)
	}
}

func loadProbeConfig(path string) (*probe.Config, error) {
	if path == "" {
		return probe.DefaultConfig(), nil
	}
	return probe.LoadConfig(path)
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
