package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sipserv/sipserv/internal/admission"
	"github.com/sipserv/sipserv/internal/aftermath"
	"github.com/sipserv/sipserv/internal/api"
	"github.com/sipserv/sipserv/internal/config"
	"github.com/sipserv/sipserv/internal/dtmf"
	"github.com/sipserv/sipserv/internal/email"
	"github.com/sipserv/sipserv/internal/metrics"
	"github.com/sipserv/sipserv/internal/orchestrator"
	"github.com/sipserv/sipserv/internal/recording"
	"github.com/sipserv/sipserv/internal/shell"
	"github.com/sipserv/sipserv/internal/sip"
	"github.com/sipserv/sipserv/internal/tts"
)

// errStartup marks failures that have already been logged.
var errStartup = errors.New("startup failed")

func runServe(ctx context.Context, cfg *config.Config) error {
	startTime := time.Now()
	slog.SetDefault(slog.New(cfg.SlogHandler(os.Stderr)))

	app, err := config.LoadApp(cfg.ConfigFile)
	if err != nil {
		return err
	}
	if app.Silent && cfg.Silent == 0 {
		cfg.Silent = 1
		slog.SetDefault(slog.New(cfg.SlogHandler(os.Stderr)))
	}
	for _, w := range app.Warnings {
		slog.Warn("config file", "path", cfg.ConfigFile, "warning", w)
	}

	slog.Info("starting sipserv",
		"version", Version,
		"account", app.User+"@"+app.Domain,
		"sip_port", cfg.SIPPort,
		"sip_transport", cfg.SIPTransport,
		"digits", len(app.ActiveDigits()),
		"record_calls", app.RecordCalls,
	)

	runner := shell.NewInvoker(cfg.CommandTimeout)
	synth := tts.NewRenderer(runner, cfg.EspeakBinary)

	// The intro is rendered once; without it there is nothing to play.
	introPath := app.AnnouncementFile
	if !app.AnnouncementMode() {
		introPath = tts.IntroFile
		if err := synth.Render(ctx, app.IntroText(), app.Language, introPath); err != nil {
			slog.Error("failed to render intro", "path", introPath, "error", err)
			return errStartup
		}
	} else if _, err := os.Stat(introPath); err != nil {
		slog.Error("failed to open announcement file", "path", introPath, "error", err)
		return errStartup
	}

	sipSrv, err := sip.NewServer(cfg, sip.Account{
		Domain:   app.Domain,
		User:     app.User,
		Password: app.Password,
		Expiry:   cfg.RegisterExpiry,
	})
	if err != nil {
		slog.Error("failed to create sip server", "error", err)
		return errStartup
	}

	if err := os.MkdirAll(cfg.RecordingsDir, 0o755); err != nil {
		slog.Error("failed to create recordings directory", "dir", cfg.RecordingsDir, "error", err)
		return errStartup
	}
	recordings := recording.NewManager(sipSrv, cfg.RecordingsDir, app.RecordCalls)

	hook := aftermath.NewHook(app.AftermathCommand, shell.NewInvoker(cfg.AftermathTimeout))
	if app.Mail.Enabled() {
		hook.WithMail(email.NewSender(slog.Default()), smtpConfig(app.Mail), app.Mail.To, app.Mail.Subject)
		slog.Info("recording notifications enabled", "to", app.Mail.To)
	}

	orch := orchestrator.New(orchestrator.Options{
		Stack:            sipSrv,
		Admission:        admission.NewController(app.AdmissionCommand, runner),
		Recordings:       recordings,
		Deriver:          recording.NewDeriver(),
		Aftermath:        hook,
		IntroPath:        introPath,
		AdmissionTimeout: cfg.CommandTimeout,
		AftermathTimeout: cfg.AftermathTimeout,
	})
	dispatcher := dtmf.NewDispatcher(app.Digits, runner, synth, orch, app.Language, tts.AnswerFile)
	orch.SetDigitHandler(dispatcher)
	sipSrv.SetHandler(orch)

	appCtx, appCancel := context.WithCancel(ctx)
	defer appCancel()

	orchDone := make(chan struct{})
	go func() {
		defer close(orchDone)
		orch.Run(appCtx)
	}()

	if err := sipSrv.Start(appCtx); err != nil {
		slog.Error("failed to start sip server", "error", err)
		orch.Shutdown()
		return errStartup
	}

	if cfg.RetentionDays > 0 {
		sched, err := recording.ParseSchedule(cfg.RetentionSchedule)
		if err != nil {
			slog.Error("failed to parse retention schedule", "error", err)
			orch.Shutdown()
			sipSrv.Stop()
			return errStartup
		}
		recording.StartRetention(appCtx, cfg.RecordingsDir, cfg.RetentionDays, sched, recordings.Recording)
		slog.Info("recording retention enabled", "days", cfg.RetentionDays, "schedule", cfg.RetentionSchedule)
	}

	var srv *http.Server
	httpErr := make(chan error, 1)
	if cfg.HTTPAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.NewCollector(orch, dispatcher, sipSrv, startTime))

		srv = &http.Server{
			Addr: cfg.HTTPAddr,
			Handler: api.NewServer(api.Options{
				Calls:         orch,
				SIP:           sipSrv,
				RecordingsDir: cfg.RecordingsDir,
				Metrics:       promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				Version:       Version,
				StartTime:     startTime,
			}),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		go func() {
			slog.Info("http server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				httpErr <- err
			}
		}()
	}

	// Wait for interrupt or a fatal stack error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-sipSrv.Err():
		slog.Error("sip server error", "error", err)
		runErr = errStartup
	case err := <-httpErr:
		slog.Error("http server error", "error", err)
		runErr = errStartup
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	orch.Shutdown()
	orch.Wait()
	appCancel()
	<-orchDone
	sipSrv.Stop()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", "error", err)
		}
	}

	slog.Info("sipserv stopped")
	return runErr
}

func smtpConfig(m config.MailConfig) email.SMTPConfig {
	return email.SMTPConfig{
		Host:     m.Host,
		Port:     m.Port,
		From:     m.From,
		Username: m.Username,
		Password: m.Password,
		TLS:      m.TLS,
	}
}
