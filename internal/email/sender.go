// Package email mails call recordings to the owner of the line.
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultSubject is used when a notification has no subject.
const DefaultSubject = "Message from your answering machine"

const (
	dialTimeout = 10 * time.Second
	// base64LineLen is the RFC 2045 maximum encoded line length.
	base64LineLen = 76
)

// SMTPConfig holds the SMTP server settings.
type SMTPConfig struct {
	Host     string
	Port     string // 25, 587 or 465
	From     string
	Username string // empty disables AUTH
	Password string
	TLS      string // "none", "starttls", "tls"
}

// Valid returns true if the minimum required fields are set.
func (c SMTPConfig) Valid() bool {
	return c.Host != "" && c.Port != "" && c.From != ""
}

// RecordingNotification describes a call recording to be mailed.
type RecordingNotification struct {
	To           string
	Subject      string // defaults to DefaultSubject
	Text         string // body; generated from the call details when empty
	LocalInfo    string // local account the call came in on
	CallerNumber string
	Timestamp    time.Time
	DurationSecs int
	AudioFile    string
	AttachAudio  bool
}

// Sender delivers notifications over SMTP.
type Sender struct {
	logger *slog.Logger
	// dial is replaced in tests.
	dial func(ctx context.Context, addr string, tlsConfig *tls.Config, tlsMode string) (smtpClient, error)
}

// smtpClient is the subset of *smtp.Client used by Sender.
type smtpClient interface {
	Hello(localName string) error
	Extension(ext string) (bool, string)
	StartTLS(config *tls.Config) error
	Auth(a smtp.Auth) error
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Quit() error
	Close() error
}

// NewSender creates a Sender logging to logger.
func NewSender(logger *slog.Logger) *Sender {
	return &Sender{
		logger: logger.With("component", "email"),
		dial:   dialSMTP,
	}
}

// SendRecordingNotification mails notif. An unreadable recording is
// logged and the mail is sent without the attachment.
func (s *Sender) SendRecordingNotification(ctx context.Context, cfg SMTPConfig, notif RecordingNotification) error {
	if !cfg.Valid() {
		return fmt.Errorf("smtp not configured")
	}
	if notif.To == "" {
		return fmt.Errorf("no recipient email address")
	}

	msg := s.compose(cfg, notif)
	raw, err := msg.bytes()
	if err != nil {
		return fmt.Errorf("building email message: %w", err)
	}

	if err := s.deliver(ctx, cfg, notif.To, raw); err != nil {
		return err
	}

	s.logger.Info("recording notification email sent",
		"to", notif.To,
		"caller", notif.CallerNumber,
		"attachment", msg.attachmentName,
	)
	return nil
}

// deliver runs one SMTP session sending raw to rcpt.
func (s *Sender) deliver(ctx context.Context, cfg SMTPConfig, rcpt string, raw []byte) error {
	tlsConfig := &tls.Config{ServerName: cfg.Host}

	client, err := s.dial(ctx, net.JoinHostPort(cfg.Host, cfg.Port), tlsConfig, cfg.TLS)
	if err != nil {
		return fmt.Errorf("connecting to smtp server: %w", err)
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("smtp hello: %w", err)
	}
	if strings.EqualFold(cfg.TLS, "starttls") {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return fmt.Errorf("smtp server %s does not offer STARTTLS", cfg.Host)
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if cfg.Username != "" {
		if err := client.Auth(smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(cfg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(rcpt); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}

	if err := client.Quit(); err != nil {
		s.logger.Warn("smtp quit error (non-fatal)", "error", err)
	}
	return nil
}

// dialSMTP connects with implicit TLS for mode "tls" and plain TCP
// otherwise.
func dialSMTP(ctx context.Context, addr string, tlsConfig *tls.Config, tlsMode string) (smtpClient, error) {
	d := &net.Dialer{Timeout: dialTimeout}

	var conn net.Conn
	var err error
	if strings.EqualFold(tlsMode, "tls") {
		conn, err = (&tls.Dialer{NetDialer: d, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}

	host, _, _ := net.SplitHostPort(addr)
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// message is a composed mail before MIME encoding.
type message struct {
	from, to, subject, body string
	date                    time.Time

	attachment     []byte
	attachmentName string
}

func (s *Sender) compose(cfg SMTPConfig, notif RecordingNotification) message {
	msg := message{
		from:    cfg.From,
		to:      notif.To,
		subject: notif.Subject,
		body:    notif.Text,
		date:    time.Now(),
	}
	if msg.subject == "" {
		msg.subject = DefaultSubject
	}
	if msg.body == "" {
		msg.body = summary(notif)
	}

	if notif.AttachAudio && notif.AudioFile != "" {
		data, err := os.ReadFile(notif.AudioFile)
		if err != nil {
			s.logger.Warn("cannot read recording, mailing without attachment", "path", notif.AudioFile, "error", err)
		} else {
			msg.attachment = data
			msg.attachmentName = filepath.Base(notif.AudioFile)
		}
	}
	return msg
}

// summary is the generated body for a notification without text.
func summary(notif RecordingNotification) string {
	caller := notif.CallerNumber
	if caller == "" {
		caller = "unknown caller"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "New message from %s.\n\n", caller)
	if notif.LocalInfo != "" {
		fmt.Fprintf(&b, "Line: %s\n", notif.LocalInfo)
	}
	fmt.Fprintf(&b, "Date: %s\n", notif.Timestamp.Format("Mon, 02 Jan 2006 15:04"))
	fmt.Fprintf(&b, "Duration: %s\n", formatDuration(notif.DurationSecs))
	return b.String()
}

// bytes renders the message as RFC 5322 text; with an attachment it is
// multipart/mixed.
func (m message) bytes() ([]byte, error) {
	var buf bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }

	header("From", m.from)
	header("To", m.to)
	header("Subject", mime.QEncoding.Encode("utf-8", m.subject))
	header("Date", m.date.Format(time.RFC1123Z))
	header("MIME-Version", "1.0")

	if m.attachment == nil {
		header("Content-Type", "text/plain; charset=utf-8")
		buf.WriteString("\r\n")
		buf.WriteString(m.body)
		return buf.Bytes(), nil
	}

	mw := multipart.NewWriter(&buf)
	header("Content-Type", "multipart/mixed; boundary="+mw.Boundary())
	buf.WriteString("\r\n")

	text, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"text/plain; charset=utf-8"},
	})
	if err != nil {
		return nil, fmt.Errorf("creating text part: %w", err)
	}
	if _, err := io.WriteString(text, m.body); err != nil {
		return nil, fmt.Errorf("writing text part: %w", err)
	}

	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {mime.FormatMediaType("audio/wav", map[string]string{"name": m.attachmentName})},
		"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": m.attachmentName})},
		"Content-Transfer-Encoding": {"base64"},
	})
	if err != nil {
		return nil, fmt.Errorf("creating attachment part: %w", err)
	}
	if err := writeBase64Lines(part, m.attachment); err != nil {
		return nil, fmt.Errorf("encoding attachment: %w", err)
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart writer: %w", err)
	}
	return buf.Bytes(), nil
}

// writeBase64Lines writes data base64-encoded in CRLF-terminated lines.
func writeBase64Lines(w io.Writer, data []byte) error {
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > 0 {
		n := min(base64LineLen, len(enc))
		if _, err := io.WriteString(w, enc[:n]+"\r\n"); err != nil {
			return err
		}
		enc = enc[n:]
	}
	return nil
}

// formatDuration converts seconds into a string like "2m 15s".
func formatDuration(secs int) string {
	d := time.Duration(secs) * time.Second
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs%60 == 0:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), secs%60)
	}
}
