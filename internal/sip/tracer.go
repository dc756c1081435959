package sip

import (
	"log/slog"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// TraceMode selects how much of each SIP message is logged.
type TraceMode uint32

const (
	TraceOff TraceMode = iota
	TraceHeaders
	TraceFull
)

var traceModeNames = [...]string{"off", "headers", "full"}

// ParseTraceMode maps the sip-log setting to a mode. Unknown values
// disable tracing.
func ParseTraceMode(s string) TraceMode {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range traceModeNames {
		if s == name {
			return TraceMode(i)
		}
	}
	return TraceOff
}

func (m TraceMode) String() string {
	if int(m) < len(traceModeNames) {
		return traceModeNames[m]
	}
	return "off"
}

// Tracer writes SIP traffic to the debug log. A nil *Tracer is a no-op.
type Tracer struct {
	logger *slog.Logger
	mode   TraceMode
}

func NewTracer(logger *slog.Logger, mode TraceMode) *Tracer {
	return &Tracer{logger: logger.With("subsystem", "sip-trace"), mode: mode}
}

// Recv traces a request as it arrives.
func (t *Tracer) Recv(req *sip.Request) {
	t.log("recv", req.Transport(), req.Source(), req)
}

// Send traces msg as it leaves for peer.
func (t *Tracer) Send(msg sip.Message, transport, peer string) {
	t.log("send", transport, peer, msg)
}

func (t *Tracer) log(dir, transport, peer string, msg sip.Message) {
	if t == nil || t.mode == TraceOff {
		return
	}
	t.logger.Debug("sip "+dir,
		"transport", transport,
		"peer", peer,
		"message", clip(msg.String(), t.mode),
	)
}

// clip drops the body in TraceHeaders mode.
func clip(raw string, mode TraceMode) string {
	if mode == TraceHeaders {
		head, _, _ := strings.Cut(raw, "\r\n\r\n")
		return head
	}
	return raw
}
