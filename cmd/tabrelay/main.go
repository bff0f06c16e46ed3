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

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/tabrelay/internal/audit"
	"github.com/dgnsrekt/tabrelay/internal/config"
	"github.com/dgnsrekt/tabrelay/internal/netutil"
	"github.com/dgnsrekt/tabrelay/internal/notify"
	"github.com/dgnsrekt/tabrelay/internal/relay"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load relay config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("tabrelay config loaded",
		"bind_addr", cfg.BindAddr,
		"port_auto_fallback", cfg.PortAutoFallback,
		"port_candidates", cfg.PortCandidates,
		"discovery_port", cfg.DiscoveryPort,
		"pairing_required", cfg.PairingToken != "",
		"token_generated", cfg.TokenGenerated,
		"extension_ids", cfg.ExtensionIDs,
		"cdp_allowlist", len(cfg.CDPAllowlist),
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
		"audit_dir", cfg.AuditDir,
	)

	ln, err := netutil.Listen(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to bind relay address", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}

	broker := relay.NewBroker()
	if cfg.AuditDir != "" {
		rec := audit.NewRecorder(broker, cfg.AuditDir)
		defer func() {
			if err := rec.Close(); err != nil {
				slog.Debug("audit recorder close failed", "error", err)
			}
		}()
	}
	if cfg.NotifyURL != "" {
		alerter := notify.NewAlerter(broker, &http.Client{Timeout: 10 * time.Second}, cfg.NotifyURL)
		defer alerter.Close()
	}

	r := relay.New(relay.Options{
		PairingToken:      cfg.PairingToken,
		ExtensionIDs:      cfg.ExtensionIDs,
		CDPAllowlist:      cfg.CDPAllowlist,
		HandshakeRateMax:  cfg.HandshakeRateMax,
		HTTPRateMax:       cfg.HTTPRateMax,
		RateWindow:        cfg.RateWindow(),
		AnnotationTimeout: cfg.AnnotationTimeout(),
		MaxPayloadBytes:   cfg.MaxPayloadBytes,
		KeepaliveInterval: cfg.KeepaliveInterval(),
		DiscoveryPort:     cfg.DiscoveryPort,
	}, broker)
	if err := r.StartListener(ln); err != nil {
		slog.Error("relay start failed", "addr", ln.Addr().String(), "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		slog.Error("tabrelay shutdown failed", "error", err)
	}
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
