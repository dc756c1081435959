package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/sipserv/sipserv/internal/config"
	"github.com/sipserv/sipserv/internal/email"
	"github.com/sipserv/sipserv/internal/media"
)

func newMailCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "mail <local-info> <number> <file> | mail <text> <file>",
		Short: "Mail a recording using the mail settings of the config file",
		Long: "Sends a recording as an attachment. With three arguments it matches the aftermath " +
			"command signature: am=sipserv mail --config-file=sipserv.conf",
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile == "" {
				return &config.ConfigError{Msg: "config-file is required"}
			}
			app, err := config.LoadApp(configFile)
			if err != nil {
				return err
			}
			notif := mailNotification(app.Mail, args, time.Now())
			return sendMail(cmd, email.NewSender(slog.Default()), app.Mail, notif)
		},
	}

	cmd.Flags().StringVar(&configFile, "config-file", "", "application config file with mail.* settings")
	return cmd
}

// mailNotification builds the notification for the mail arguments.
func mailNotification(m config.MailConfig, args []string, now time.Time) email.RecordingNotification {
	notif := email.RecordingNotification{
		To:          m.To,
		Subject:     m.Subject,
		Timestamp:   now,
		AudioFile:   args[len(args)-1],
		AttachAudio: true,
	}
	if len(args) == 3 {
		notif.LocalInfo = args[0]
		notif.CallerNumber = args[1]
	} else {
		notif.Text = args[0]
	}
	if d, err := media.WAVDuration(notif.AudioFile); err == nil {
		notif.DurationSecs = int(d.Round(time.Second) / time.Second)
	}
	return notif
}

type recordingMailer interface {
	SendRecordingNotification(ctx context.Context, cfg email.SMTPConfig, notif email.RecordingNotification) error
}

func sendMail(cmd *cobra.Command, mailer recordingMailer, m config.MailConfig, notif email.RecordingNotification) error {
	if !m.Enabled() {
		return &config.ConfigError{Msg: "mail.host, mail.from and mail.to must be set"}
	}
	if err := mailer.SendRecordingNotification(cmd.Context(), smtpConfig(m), notif); err != nil {
		return fmt.Errorf("sending %s: %w", notif.AudioFile, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "mailed %s to %s\n", notif.AudioFile, notif.To)
	return nil
}
