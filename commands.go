package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"printerstatus/internal/api"
	"printerstatus/internal/cert"
	"printerstatus/internal/config"
	"printerstatus/internal/history"
	"printerstatus/internal/logger"
	"printerstatus/internal/metrics"
	"printerstatus/internal/watcher"
)

// setup loads the configuration and installs the default logger.
func setup(global *GlobalFlags) (*config.Config, *slog.Logger, io.Closer, error) {
	cfg, err := config.Load(global.ConfigPath, global.EnvFiles...)
	if err != nil {
		return nil, nil, nil, err
	}
	log, closer, err := logger.New(cfg.Log, os.Stdout)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("logger: %w", err)
	}
	slog.SetDefault(log)
	return cfg, log, closer, nil
}

// prepareCertificates points the session at the client key pair, creating a
// self-signed one when signing is required and none is configured.
func prepareCertificates(cfg *config.Config, log *slog.Logger) error {
	if strings.EqualFold(cfg.OPCUA.SecurityMode, "None") {
		return nil
	}
	certFile, keyFile := cfg.CertPaths()
	cfg.OPCUA.CertFile, cfg.OPCUA.KeyFile = certFile, keyFile
	if cfg.OPCUA.AutoGenerateCert {
		created, err := cert.EnsureSelfSigned(cert.DefaultConfig(cfg.OPCUA.ApplicationURI, ""), certFile, keyFile)
		if err != nil {
			return fmt.Errorf("client certificate: %w", err)
		}
		if created {
			log.Info("generated client certificate", "cert", certFile, "key", keyFile)
		}
	}
	return cfg.OPCUA.EnsureCertificates()
}

func runServe(ctx context.Context, global *GlobalFlags) error {
	cfg, log, closer, err := setup(global)
	if err != nil {
		return err
	}
	defer closer.Close()

	if err := prepareCertificates(cfg, log); err != nil {
		return err
	}
	reg, err := cfg.Registry()
	if err != nil {
		return err
	}
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	w, err := watcher.New(watcher.Options{
		Registry:         reg,
		Dial:             watcher.OPCDialer(cfg.OPCUA.Config, log),
		Retry:            cfg.Retry,
		LivenessInterval: cfg.Liveness.Interval,
		LivenessTimeout:  cfg.Liveness.Timeout,
		ReadTimeout:      cfg.OPCUA.ReadTimeout,
		QueueSize:        cfg.Stream.QueueSize,
		Logger:           log,
	})
	if err != nil {
		return err
	}
	if cfg.Metrics.Enabled {
		defer w.Subscribe(metrics.ObserveSnapshot)()
	}

	opts := api.Options{
		Endpoint:  cfg.Endpoint,
		KeepAlive: cfg.Stream.KeepAlive,
		Metrics:   cfg.Metrics.Enabled,
		Logger:    log,
	}
	if cfg.History.Enabled {
		sink, err := history.Open(cfg.History.DSN, log)
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		defer sink.Close()
		defer w.Subscribe(sink.Observe)()
		opts.History = sink
	}

	settings := config.NewAppStore(cfg.DataDir, log)
	app, err := settings.Load()
	if err != nil {
		return fmt.Errorf("settings: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if ip := strings.TrimSpace(app.Network.PrinterIP); ip != "" {
		go w.Start(ctx, cfg.Endpoint(ip))
	} else {
		log.Warn("no printer IP configured yet", "settings", settings.Path())
	}

	router := api.NewRouter(w, settings, opts)
	_, errc := api.StartServer(ctx, cfg.HTTP.Addr, router.Handler(), cfg.HTTP.ShutdownTimeout, log)

	var serveErr error
	select {
	case serveErr = <-errc:
		stop()
	case <-ctx.Done():
		serveErr = <-errc
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := w.Close(closeCtx); err != nil {
		log.Warn("closing watcher", "error", err)
	}
	log.Info("stopped")
	return serveErr
}

func runProbe(ctx context.Context, global *GlobalFlags, flags ProbeFlags, out io.Writer) error {
	cfg, log, closer, err := setup(global)
	if err != nil {
		return err
	}
	defer closer.Close()

	ip := strings.TrimSpace(flags.IP)
	if ip == "" {
		app, err := config.NewAppStore(cfg.DataDir, log).Load()
		if err != nil {
			return err
		}
		ip = app.Network.PrinterIP
	}
	if ip != "" && !config.ValidIPv4(ip) {
		return fmt.Errorf("%w: %q", config.ErrInvalidIPv4, ip)
	}
	endpoint := cfg.Endpoint(ip)
	if endpoint == "" {
		return errors.New("no printer IP: pass --ip or set it in the settings")
	}

	if err := prepareCertificates(cfg, log); err != nil {
		return err
	}
	reg, err := cfg.Registry()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.OPCUA.DialTimeout+cfg.OPCUA.ReadTimeout)
	defer cancel()
	snap, probeErr := watcher.Probe(ctx, watcher.OPCDialer(cfg.OPCUA.Config, log), reg, endpoint)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return err
	}
	return probeErr
}

func runGenCert(global *GlobalFlags, flags GenCertFlags, out io.Writer) error {
	outDir := flags.OutDir
	appURI := flags.AppURI
	if outDir == "" || appURI == "" {
		cfg, err := config.Load(global.ConfigPath, global.EnvFiles...)
		if err != nil {
			return err
		}
		if outDir == "" {
			outDir = filepath.Join(cfg.DataDir, "pki")
		}
		if appURI == "" {
			appURI = cfg.OPCUA.ApplicationURI
		}
	}
	certFile := filepath.Join(outDir, "client.crt")
	keyFile := filepath.Join(outDir, "client.key")

	certCfg := cert.DefaultConfig(appURI, flags.Hostname)
	if flags.Force {
		if err := cert.GenerateSelfSigned(certCfg, certFile, keyFile); err != nil {
			return err
		}
	} else {
		created, err := cert.EnsureSelfSigned(certCfg, certFile, keyFile)
		if err != nil {
			return err
		}
		if !created {
			_, _ = fmt.Fprintf(out, "key pair already exists in %s (use --force to replace)\n", outDir)
		}
	}

	info, err := cert.Info(certFile)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "certificate: %s\nkey: %s\n%s", certFile, keyFile, info)
	return nil
}
