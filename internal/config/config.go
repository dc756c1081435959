package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Config holds the process-level runtime configuration for sipserv.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	ConfigFile        string
	Silent            int
	LogLevel          string
	LogFormat         string // log output format: "text" or "json"
	SIPPort           int
	SIPTransport      string // "udp" or "tcp"
	SIPLog            string // SIP message tracing: "off", "headers" or "full"
	ExternalIP        string // IP advertised in SDP and Contact
	RTPPortMin        int
	RTPPortMax        int
	RecordingsDir     string
	HTTPAddr          string // status API and metrics; empty disables
	EspeakBinary      string
	CommandTimeout    time.Duration
	AftermathTimeout  time.Duration
	RingTimeout       time.Duration
	RegisterExpiry    int // seconds
	RetentionDays     int
	RetentionSchedule string
}

// defaults
const (
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
	defaultSIPPort           = 5060
	defaultSIPTransport      = "udp"
	defaultSIPLog            = "off"
	defaultRTPPortMin        = 10000
	defaultRTPPortMax        = 20000
	defaultRecordingsDir     = "."
	defaultHTTPAddr          = ":8080"
	defaultEspeakBinary      = "espeak"
	defaultCommandTimeout    = 30 * time.Second
	defaultAftermathTimeout  = 5 * time.Minute
	defaultRingTimeout       = 30 * time.Second
	defaultRegisterExpiry    = 3600
	defaultRetentionSchedule = "@hourly"
)

// envPrefix is the prefix for all sipserv environment variables.
const envPrefix = "SIPSERV_"

// BindFlags registers every process setting on fs.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config-file", "", "application config file (key=value or .yaml)")
	fs.IntVarP(&c.Silent, "silent", "s", 0, "silent mode, hide info messages (0 or 1)")
	fs.StringVar(&c.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&c.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.IntVar(&c.SIPPort, "sip-port", defaultSIPPort, "SIP listen port")
	fs.StringVar(&c.SIPTransport, "sip-transport", defaultSIPTransport, "SIP transport (udp, tcp)")
	fs.StringVar(&c.SIPLog, "sip-log", defaultSIPLog, "trace SIP messages at debug level (off, headers, full)")
	fs.StringVar(&c.ExternalIP, "external-ip", "", "IP address advertised in SDP and Contact (auto-detected if empty)")
	fs.IntVar(&c.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "minimum UDP port for RTP media")
	fs.IntVar(&c.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "maximum UDP port for RTP media")
	fs.StringVar(&c.RecordingsDir, "recordings-dir", defaultRecordingsDir, "directory for call recordings")
	fs.StringVar(&c.HTTPAddr, "http-addr", defaultHTTPAddr, "listen address for the status API and metrics (empty disables)")
	fs.StringVar(&c.EspeakBinary, "espeak", defaultEspeakBinary, "espeak binary used for speech synthesis")
	fs.DurationVar(&c.CommandTimeout, "command-timeout", defaultCommandTimeout, "timeout for admission, dtmf and synthesis commands")
	fs.DurationVar(&c.AftermathTimeout, "aftermath-timeout", defaultAftermathTimeout, "timeout for the post-call command")
	fs.DurationVar(&c.RingTimeout, "ring-timeout", defaultRingTimeout, "time an unanswered call may ring before it is rejected")
	fs.IntVar(&c.RegisterExpiry, "register-expiry", defaultRegisterExpiry, "requested SIP registration expiry in seconds")
	fs.IntVar(&c.RetentionDays, "retention-days", 0, "delete recordings older than this many days (0 keeps all)")
	fs.StringVar(&c.RetentionSchedule, "retention-schedule", defaultRetentionSchedule, "cron schedule for recording retention")
}

// Load parses configuration from args and environment variables.
func Load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := pflag.NewFlagSet("sipserv", pflag.ContinueOnError)
	cfg.BindFlags(fs)

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}
	if err := cfg.Finish(fs); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Finish applies env overrides for flags on fs that were not set on the
// command line and validates the result.
func (c *Config) Finish(fs *pflag.FlagSet) error {
	if err := applyEnvOverrides(fs); err != nil {
		return err
	}
	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// EnvVar returns the environment variable consulted for a flag.
func EnvVar(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line.
func applyEnvOverrides(fs *pflag.FlagSet) error {
	var firstErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed || firstErr != nil {
			return
		}
		val, ok := os.LookupEnv(EnvVar(f.Name))
		if !ok || val == "" {
			return
		}
		if err := fs.Set(f.Name, val); err != nil {
			firstErr = fmt.Errorf("invalid value %q for %s: %w", val, EnvVar(f.Name), err)
		}
	})
	return firstErr
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.ConfigFile == "" {
		return fmt.Errorf("config-file is required")
	}
	if c.Silent != 0 && c.Silent != 1 {
		return fmt.Errorf("silent must be 0 or 1, got %d", c.Silent)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	c.SIPTransport = strings.ToLower(c.SIPTransport)
	if c.SIPTransport != "udp" && c.SIPTransport != "tcp" {
		return fmt.Errorf("sip-transport must be one of udp, tcp; got %q", c.SIPTransport)
	}
	if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
		return fmt.Errorf("rtp-port-min must be between 1024 and 65534, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin+2 || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp-port-max must be between rtp-port-min+2 and 65535, got %d", c.RTPPortMax)
	}
	// RTP ports must be even (RTP uses even ports, RTCP uses the next odd port).
	if c.RTPPortMin%2 != 0 {
		return fmt.Errorf("rtp-port-min must be even, got %d", c.RTPPortMin)
	}
	c.SIPLog = strings.ToLower(c.SIPLog)
	if c.SIPLog != "off" && c.SIPLog != "headers" && c.SIPLog != "full" {
		return fmt.Errorf("sip-log must be one of off, headers, full; got %q", c.SIPLog)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.CommandTimeout <= 0 || c.AftermathTimeout <= 0 || c.RingTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.RegisterExpiry < 60 {
		return fmt.Errorf("register-expiry must be at least 60 seconds, got %d", c.RegisterExpiry)
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("retention-days must not be negative, got %d", c.RetentionDays)
	}
	return nil
}

// SIPHost returns the hostname to use for the SIP User-Agent.
func (c *Config) SIPHost() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return hostname
}

// MediaIP returns the IP address to use in SDP and Contact headers.
// If ExternalIP is configured, it is returned directly. Otherwise the
// function attempts to detect the machine's primary non-loopback IPv4 address.
// Falls back to "127.0.0.1" if detection fails.
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log
// level. Silent mode hides info and debug messages.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if c.Silent == 1 && level < slog.LevelWarn {
		level = slog.LevelWarn
	}
	return level
}
