package media

import (
	"encoding/binary"
	"errors"
	"mime"
	"strconv"
	"strings"

	"github.com/pion/rtp"
)

// PayloadTelephoneEvent is offered for RFC 4733 telephone-event when the
// caller's SDP names none.
const PayloadTelephoneEvent = 101

// dtmfSignals indexes telephone-event codes 0-15.
const dtmfSignals = "0123456789*#ABCD"

// telephoneEvent is a decoded RFC 4733 payload:
//
//	event(8) | E(1) R(1) volume(6) | duration(16)
type telephoneEvent struct {
	code     uint8
	end      bool
	volume   uint8
	duration uint16
}

func decodeTelephoneEvent(b []byte) (telephoneEvent, bool) {
	if len(b) < 4 {
		return telephoneEvent{}, false
	}
	return telephoneEvent{
		code:     b[0],
		end:      b[1]&0x80 != 0,
		volume:   b[1] & 0x3f,
		duration: binary.BigEndian.Uint16(b[2:4]),
	}, true
}

// signal is the keypad symbol of the event, or "" for codes above 15.
func (e telephoneEvent) signal() string {
	if int(e.code) >= len(dtmfSignals) {
		return ""
	}
	return dtmfSignals[e.code : e.code+1]
}

// DigitValue maps a DTMF signal to a keypad digit.
// Only 0-9 are digits; *, # and A-D report false.
func DigitValue(signal string) (int, bool) {
	if len(signal) != 1 || signal[0] < '0' || signal[0] > '9' {
		return 0, false
	}
	return int(signal[0] - '0'), true
}

// DTMFInfo is a key press carried in a SIP INFO body.
type DTMFInfo struct {
	Signal   string
	Duration int // ms, 0 when absent
}

// ErrInvalidDTMFInfo is returned for INFO bodies that carry no DTMF.
var ErrInvalidDTMFInfo = errors.New("invalid dtmf info body")

// ParseSIPInfoDTMF reads an application/dtmf-relay ("Signal=5\r\nDuration=160")
// or application/dtmf ("5") body.
func ParseSIPInfoDTMF(contentType string, body []byte) (*DTMFInfo, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, ErrInvalidDTMFInfo
	}

	var info DTMFInfo
	switch mediaType {
	case "application/dtmf":
		info.Signal = strings.TrimSpace(string(body))
	case "application/dtmf-relay":
		for _, line := range strings.FieldsFunc(string(body), func(r rune) bool { return r == '\r' || r == '\n' }) {
			key, value, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			value = strings.TrimSpace(value)
			switch strings.ToLower(strings.TrimSpace(key)) {
			case "signal":
				info.Signal = value
			case "duration":
				if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
					info.Duration = ms
				}
			}
		}
	default:
		return nil, ErrInvalidDTMFInfo
	}

	info.Signal = strings.ToUpper(info.Signal)
	if len(info.Signal) != 1 || !strings.Contains(dtmfSignals, info.Signal) {
		return nil, ErrInvalidDTMFInfo
	}
	return &info, nil
}

// DTMFDetector turns a stream of RFC 4733 RTP packets into key presses.
//
// A sender repeats the event with growing duration and retransmits the
// final End packet up to three times. A digit is reported once, on the
// first End packet of each (event, timestamp).
// Not safe for concurrent use; the stream's receive loop owns it.
type DTMFDetector struct {
	payloadType uint8
	seen        bool
	lastCode    uint8
	lastTS      uint32
}

// NewDTMFDetector creates a detector for the negotiated telephone-event
// payload type.
func NewDTMFDetector(payloadType int) *DTMFDetector {
	return &DTMFDetector{payloadType: uint8(payloadType)}
}

// Detect inspects pkt and returns the signal when it completes a key
// press. Packets of other payload types are ignored.
func (d *DTMFDetector) Detect(pkt *rtp.Packet) (string, bool) {
	if pkt.PayloadType != d.payloadType {
		return "", false
	}
	ev, ok := decodeTelephoneEvent(pkt.Payload)
	if !ok || !ev.end {
		return "", false
	}
	if d.seen && ev.code == d.lastCode && pkt.Timestamp == d.lastTS {
		return "", false
	}
	d.seen, d.lastCode, d.lastTS = true, ev.code, pkt.Timestamp

	sig := ev.signal()
	return sig, sig != ""
}
