// Package aftermath runs the post-call hook once a recording is finalized.
package aftermath

import (
	"context"
	"log/slog"
	"time"

	"github.com/sipserv/sipserv/internal/email"
	"github.com/sipserv/sipserv/internal/media"
	"github.com/sipserv/sipserv/internal/shell"
)

// Mailer sends recording notifications.
type Mailer interface {
	SendRecordingNotification(ctx context.Context, cfg email.SMTPConfig, notif email.RecordingNotification) error
}

// Hook runs the configured command with the local account, caller number
// and recording path as $1, $2 and $3, and optionally mails the recording.
type Hook struct {
	command string
	runner  shell.Runner
	logger  *slog.Logger

	mailer  Mailer
	smtp    email.SMTPConfig
	mailTo  string
	subject string

	now func() time.Time
}

// NewHook creates a hook for command. An empty command runs nothing.
func NewHook(command string, runner shell.Runner) *Hook {
	return &Hook{
		command: command,
		runner:  runner,
		logger:  slog.Default().With("component", "aftermath"),
		now:     time.Now,
	}
}

// WithMail enables mailing each recording to the given address.
func (h *Hook) WithMail(m Mailer, cfg email.SMTPConfig, to, subject string) *Hook {
	h.mailer = m
	h.smtp = cfg
	h.mailTo = to
	h.subject = subject
	return h
}

// Configured reports whether invoking the hook does anything.
func (h *Hook) Configured() bool {
	return h.command != "" || h.mailer != nil
}

// Invoke runs the hook for a finished recording. Failures are logged.
func (h *Hook) Invoke(ctx context.Context, localInfo, callerNumber, recordingPath string) {
	if h.command != "" {
		cmd := h.command + ` "$1" "$2" "$3"`
		res, err := h.runner.Run(ctx, cmd, localInfo, callerNumber, recordingPath)
		if err != nil {
			h.logger.Error("aftermath command failed",
				"command", h.command,
				"recording", recordingPath,
				"error", err,
			)
		} else {
			h.logger.Info("aftermath command finished",
				"recording", recordingPath,
				"output", res.Output,
				"duration", res.Duration,
			)
		}
	}

	if h.mailer != nil {
		h.mail(ctx, localInfo, callerNumber, recordingPath)
	}
}

func (h *Hook) mail(ctx context.Context, localInfo, callerNumber, recordingPath string) {
	secs := 0
	if d, err := media.WAVDuration(recordingPath); err == nil {
		secs = int(d.Round(time.Second) / time.Second)
	} else {
		h.logger.Warn("cannot read recording duration", "recording", recordingPath, "error", err)
	}

	notif := email.RecordingNotification{
		To:           h.mailTo,
		Subject:      h.subject,
		LocalInfo:    localInfo,
		CallerNumber: callerNumber,
		Timestamp:    h.now(),
		DurationSecs: secs,
		AudioFile:    recordingPath,
		AttachAudio:  true,
	}
	if err := h.mailer.SendRecordingNotification(ctx, h.smtp, notif); err != nil {
		h.logger.Error("failed to mail recording", "recording", recordingPath, "error", err)
	}
}
