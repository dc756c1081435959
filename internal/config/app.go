package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// MaxDigits is the number of configurable digit actions (keys 1 to 9).
const MaxDigits = 9

// DigitAction binds a keypad digit to a shell command whose output is
// spoken back to the caller.
type DigitAction struct {
	Digit       int    `yaml:"-"`
	Active      bool   `yaml:"active"`
	Description string `yaml:"description"`
	Intro       string `yaml:"intro"`
	Answer      string `yaml:"answer"` // "%s" receives the command output
	Command     string `yaml:"command"`
}

// MailConfig holds optional SMTP settings for mailing recordings.
type MailConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
	Username string `yaml:"user"`
	Password string `yaml:"password"`
	TLS      string `yaml:"tls"` // "none", "starttls", "tls"
	Subject  string `yaml:"subject"`
}

// Enabled returns true when recordings should be mailed in-process.
func (m MailConfig) Enabled() bool {
	return m.Host != "" && m.From != "" && m.To != ""
}

// AppConfig is the application configuration read from the config file.
type AppConfig struct {
	Domain           string
	User             string
	Password         string
	Language         string
	TTS              string
	RecordCalls      bool
	AnnouncementFile string
	AdmissionCommand string
	AftermathCommand string
	Silent           bool
	Digits           [MaxDigits]DigitAction
	Mail             MailConfig

	// Warnings collects non-fatal problems found while parsing.
	Warnings []string
}

// ConfigError reports a configuration problem that prevents startup.
type ConfigError struct {
	Path string
	Msg  string
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Msg)
}

// IsConfigError reports whether err is or wraps a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

const (
	defaultMailPort    = "587"
	defaultMailTLS     = "starttls"
	defaultMailSubject = "Message from your answering machine"
)

func newAppConfig() *AppConfig {
	app := &AppConfig{
		Mail: MailConfig{
			Port:    defaultMailPort,
			TLS:     defaultMailTLS,
			Subject: defaultMailSubject,
		},
	}
	for i := range app.Digits {
		app.Digits[i].Digit = i + 1
	}
	return app
}

// LoadApp reads and validates the application config file. Files ending in
// .yaml or .yml are parsed as YAML; anything else uses the key=value format.
func LoadApp(path string) (*AppConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Msg: fmt.Sprintf("cannot open config file: %v", err)}
	}
	defer f.Close()

	var app *AppConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		app, err = ParseYAML(f)
	default:
		app, err = ParseKeyValue(f)
	}
	if err != nil {
		return nil, &ConfigError{Path: path, Msg: err.Error()}
	}

	if err := app.Validate(); err != nil {
		var ce *ConfigError
		if errors.As(err, &ce) {
			ce.Path = path
		}
		return nil, err
	}
	return app, nil
}

// ParseKeyValue reads the key=value format. Lines starting with '#' are
// comments; keys are case-insensitive; the value is everything after the
// first '='.
func ParseKeyValue(r io.Reader) (*AppConfig, error) {
	app := newAppConfig()

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" || line[0] == '#' {
			continue
		}
		key, val, found := strings.Cut(line, "=")
		if !found {
			app.warnf("Warning: Unknown configuration with arg '%s' and val '%s'", line, "")
			continue
		}
		app.set(strings.TrimSpace(key), strings.TrimSpace(val))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return app, nil
}

func (a *AppConfig) set(key, val string) {
	switch strings.ToLower(key) {
	case "sd":
		a.Domain = val
	case "su":
		a.User = val
	case "sp":
		a.Password = val
	case "ln":
		a.Language = val
	case "rc":
		a.RecordCalls = atoi(val) != 0
	case "af":
		a.AnnouncementFile = val
	case "cmd":
		a.AdmissionCommand = val
	case "am":
		a.AftermathCommand = val
	case "s":
		a.Silent = atoi(val) != 0
	case "tts":
		a.TTS = val
	default:
		if a.setDigit(key, val) || a.setMail(key, val) {
			return
		}
		a.warnf("Warning: Unknown configuration with arg '%s' and val '%s'", key, val)
	}
}

// setDigit handles dtmf.N.<setting> keys.
func (a *AppConfig) setDigit(key, val string) bool {
	parts := strings.SplitN(key, ".", 3)
	if len(parts) != 3 || !strings.EqualFold(parts[0], "dtmf") {
		return false
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil || n < 1 || n > MaxDigits {
		a.warnf("Warning: Ignoring dtmf setting '%s' for digit outside 1..%d", key, MaxDigits)
		return true
	}
	d := &a.Digits[n-1]
	switch strings.ToLower(parts[2]) {
	case "active":
		d.Active = atoi(val) != 0
	case "description":
		d.Description = val
	case "tts-intro":
		d.Intro = val
	case "tts-answer":
		d.Answer = val
	case "cmd":
		d.Command = val
	default:
		return false
	}
	return true
}

// setMail handles mail.<setting> keys.
func (a *AppConfig) setMail(key, val string) bool {
	name, ok := strings.CutPrefix(strings.ToLower(key), "mail.")
	if !ok {
		return false
	}
	switch name {
	case "host":
		a.Mail.Host = val
	case "port":
		a.Mail.Port = val
	case "from":
		a.Mail.From = val
	case "to":
		a.Mail.To = val
	case "user":
		a.Mail.Username = val
	case "password":
		a.Mail.Password = val
	case "tls":
		a.Mail.TLS = val
	case "subject":
		a.Mail.Subject = val
	default:
		return false
	}
	return true
}

// yamlFile mirrors AppConfig for the YAML format.
type yamlFile struct {
	SIP struct {
		Domain   string `yaml:"domain"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
	} `yaml:"sip"`
	Language         string              `yaml:"language"`
	TTS              string              `yaml:"tts"`
	RecordCalls      bool                `yaml:"record_calls"`
	AnnouncementFile string              `yaml:"announcement_file"`
	AdmissionCommand string              `yaml:"admission_command"`
	AftermathCommand string              `yaml:"aftermath_command"`
	Silent           bool                `yaml:"silent"`
	Digits           map[int]DigitAction `yaml:"digits"`
	Mail             *MailConfig         `yaml:"mail"`
}

// ParseYAML reads the YAML format.
func ParseYAML(r io.Reader) (*AppConfig, error) {
	var doc yamlFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}

	app := newAppConfig()
	app.Domain = doc.SIP.Domain
	app.User = doc.SIP.User
	app.Password = doc.SIP.Password
	app.Language = doc.Language
	app.TTS = doc.TTS
	app.RecordCalls = doc.RecordCalls
	app.AnnouncementFile = doc.AnnouncementFile
	app.AdmissionCommand = doc.AdmissionCommand
	app.AftermathCommand = doc.AftermathCommand
	app.Silent = doc.Silent

	for n, d := range doc.Digits {
		if n < 1 || n > MaxDigits {
			app.warnf("Warning: Ignoring dtmf setting for digit %d outside 1..%d", n, MaxDigits)
			continue
		}
		d.Digit = n
		app.Digits[n-1] = d
	}

	if doc.Mail != nil {
		m := *doc.Mail
		if m.Port == "" {
			m.Port = defaultMailPort
		}
		if m.TLS == "" {
			m.TLS = defaultMailTLS
		}
		if m.Subject == "" {
			m.Subject = defaultMailSubject
		}
		app.Mail = m
	}
	return app, nil
}

// Validate checks mandatory settings and the announcement file.
func (a *AppConfig) Validate() error {
	var missing []string
	if a.Domain == "" {
		missing = append(missing, "sd")
	}
	if a.User == "" {
		missing = append(missing, "su")
	}
	if a.Password == "" {
		missing = append(missing, "sp")
	}
	if a.Language == "" {
		missing = append(missing, "ln")
	}
	if len(missing) > 0 {
		return &ConfigError{Msg: "missing mandatory items in config file: " + strings.Join(missing, ", ")}
	}

	if a.AnnouncementFile != "" {
		if _, err := os.Stat(a.AnnouncementFile); err != nil {
			return &ConfigError{Msg: fmt.Sprintf("announcement file %q: %v", a.AnnouncementFile, err)}
		}
	}

	for _, d := range a.Digits {
		if d.Active && d.Command == "" {
			a.warnf("Warning: dtmf.%d is active but has no cmd", d.Digit)
		}
	}
	return nil
}

// AnnouncementMode reports whether a pre-recorded file replaces the
// synthesized intro.
func (a *AppConfig) AnnouncementMode() bool {
	return a.AnnouncementFile != ""
}

// IntroText returns the startup intro: the TTS text followed by the intro
// of every active digit, each followed by a space.
func (a *AppConfig) IntroText() string {
	var b strings.Builder
	b.WriteString(a.TTS)
	b.WriteByte(' ')
	for _, d := range a.Digits {
		if d.Active {
			b.WriteString(d.Intro)
			b.WriteByte(' ')
		}
	}
	return b.String()
}

// ActiveDigits returns the configured digits that have an action.
func (a *AppConfig) ActiveDigits() []DigitAction {
	var out []DigitAction
	for _, d := range a.Digits {
		if d.Active {
			out = append(out, d)
		}
	}
	return out
}

func (a *AppConfig) warnf(format string, args ...any) {
	a.Warnings = append(a.Warnings, fmt.Sprintf(format, args...))
}

func atoi(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}

// Usage describes the command line and config file format.
const Usage = `Usage:
  sipserv [options]

Commandline:
Mandatory options:
  --config-file=string   Set config file

Optional options:
  -s=int       Silent mode (hide info messages) (0||1)

Config file:
Mandatory options:
  sd=string   Set sip provider domain.
  su=string   Set sip username.
  sp=string   Set sip password.
  ln=string   Language identifier for espeak TTS (e.g. en = English or de = German)

 and at least one dtmf configuration (X = dtmf-key index):
  dtmf.X.active=int           Set dtmf-setting active (0||1).
  dtmf.X.description=string   Set description.
  dtmf.X.tts-intro=string     Set tts intro.
  dtmf.X.tts-answer=string    Set tts answer.
  dtmf.X.cmd=string           Set dtmf command.

Optional options:
  rc=int      Record call (0||1)
  af=string   announcement wav file to play; tts will not be read, if this parameter is given.
  cmd=string  command to check if the call should be taken
              should return a "1" as first char, if yes.
              the wildcard # will be replaced with the calling phone number in the command
  am=string   aftermath: command to be executed after call ends.
              Called with $1 = local account, $2 = phone number, $3 = recorded file name
  tts=string  text spoken before the digit intros
  s=int       Silent mode (0||1)
  mail.host, mail.port, mail.from, mail.to, mail.user, mail.password,
  mail.tls, mail.subject   mail recordings after each call
`
