package media

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// ErrNoSupportedCodec is returned when an offer carries no G.711 audio.
var ErrNoSupportedCodec = errors.New("no supported audio codec in offer")

// Codec describes an RTP payload format from an SDP rtpmap.
type Codec struct {
	PayloadType int
	Name        string
	ClockRate   int
}

func (c Codec) String() string {
	return fmt.Sprintf("%d %s/%d", c.PayloadType, c.Name, c.ClockRate)
}

// Static payload types have implicit rtpmaps.
var staticCodecs = map[int]Codec{
	PayloadPCMU: {PayloadType: PayloadPCMU, Name: "PCMU", ClockRate: 8000},
	PayloadPCMA: {PayloadType: PayloadPCMA, Name: "PCMA", ClockRate: 8000},
}

// Offer is the audio part of a caller's SDP offer.
type Offer struct {
	Address string // connection address for RTP
	Port    int
	Codecs  []Codec // in offer preference order
	// DTMFPayloadType is the telephone-event payload type, or -1.
	DTMFPayloadType int
}

// ParseOffer extracts the first audio stream from an SDP body.
func ParseOffer(body []byte) (*Offer, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("parsing sdp: %w", err)
	}

	var md *sdp.MediaDescription
	for _, m := range sd.MediaDescriptions {
		if m.MediaName.Media == "audio" && m.MediaName.Port.Value != 0 {
			md = m
			break
		}
	}
	if md == nil {
		return nil, errors.New("sdp has no active audio stream")
	}

	offer := &Offer{Port: md.MediaName.Port.Value, DTMFPayloadType: -1}

	// Media-level c= overrides session-level.
	switch {
	case md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil:
		offer.Address = md.ConnectionInformation.Address.Address
	case sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil:
		offer.Address = sd.ConnectionInformation.Address.Address
	}
	if offer.Address == "" {
		return nil, errors.New("sdp has no connection address")
	}

	rtpmaps := make(map[int]Codec)
	for _, a := range md.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		if c, err := parseRtpmap(a.Value); err == nil {
			rtpmaps[c.PayloadType] = c
		}
	}

	for _, f := range md.MediaName.Formats {
		pt, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		c, ok := rtpmaps[pt]
		if !ok {
			c, ok = staticCodecs[pt]
		}
		if !ok {
			continue
		}
		if strings.EqualFold(c.Name, "telephone-event") {
			if offer.DTMFPayloadType < 0 {
				offer.DTMFPayloadType = pt
			}
			continue
		}
		offer.Codecs = append(offer.Codecs, c)
	}
	return offer, nil
}

// SelectCodec returns the first G.711 codec in the caller's preference order.
func (o *Offer) SelectCodec() (Codec, error) {
	for _, c := range o.Codecs {
		if c.ClockRate != 8000 {
			continue
		}
		switch strings.ToUpper(c.Name) {
		case "PCMU":
			return Codec{PayloadType: c.PayloadType, Name: "PCMU", ClockRate: 8000}, nil
		case "PCMA":
			return Codec{PayloadType: c.PayloadType, Name: "PCMA", ClockRate: 8000}, nil
		}
	}
	return Codec{}, ErrNoSupportedCodec
}

// BuildAnswer renders the SDP answer for a single audio stream at ip:port.
// dtmfPT < 0 omits telephone-event.
func BuildAnswer(ip string, port int, codec Codec, dtmfPT int, sessionID uint64) ([]byte, error) {
	formats := []string{strconv.Itoa(codec.PayloadType)}
	attrs := []sdp.Attribute{
		{Key: "rtpmap", Value: fmt.Sprintf("%d %s/%d", codec.PayloadType, codec.Name, codec.ClockRate)},
	}
	if dtmfPT >= 0 {
		formats = append(formats, strconv.Itoa(dtmfPT))
		attrs = append(attrs,
			sdp.Attribute{Key: "rtpmap", Value: fmt.Sprintf("%d telephone-event/8000", dtmfPT)},
			sdp.Attribute{Key: "fmtp", Value: fmt.Sprintf("%d 0-15", dtmfPT)},
		)
	}
	attrs = append(attrs,
		sdp.Attribute{Key: "ptime", Value: "20"},
		sdp.Attribute{Key: "sendrecv"},
	)

	addrType := "IP4"
	if strings.Contains(ip, ":") {
		addrType = "IP6"
	}

	sd := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "sipserv",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: ip,
		},
		SessionName: "sipserv",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &sdp.Address{Address: ip},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: attrs,
			},
		},
	}
	return sd.Marshal()
}

// parseRtpmap parses "<pt> <name>/<rate>[/<channels>]".
func parseRtpmap(value string) (Codec, error) {
	ptStr, rest, ok := strings.Cut(strings.TrimSpace(value), " ")
	if !ok {
		return Codec{}, fmt.Errorf("invalid rtpmap %q", value)
	}
	pt, err := strconv.Atoi(ptStr)
	if err != nil {
		return Codec{}, fmt.Errorf("invalid rtpmap payload type %q", ptStr)
	}
	parts := strings.Split(strings.TrimSpace(rest), "/")
	if len(parts) < 2 {
		return Codec{}, fmt.Errorf("invalid rtpmap encoding %q", rest)
	}
	rate, err := strconv.Atoi(parts[1])
	if err != nil {
		return Codec{}, fmt.Errorf("invalid rtpmap clock rate %q", parts[1])
	}
	return Codec{PayloadType: pt, Name: parts[0], ClockRate: rate}, nil
}
