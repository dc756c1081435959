package media

import (
	"errors"
	"strings"
	"testing"

	"github.com/pion/sdp/v3"
)

// Typical SDP offer from a SIP phone with audio codecs.
const testSDPOffer = "v=0\r\n" +
	"o=alice 2890844526 2890844526 IN IP4 192.168.1.100\r\n" +
	"s=Phone Call\r\n" +
	"c=IN IP4 192.168.1.100\r\n" +
	"t=0 0\r\n" +
	"m=audio 49170 RTP/AVP 111 8 0 101\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=fmtp:111 minptime=10;useinbandfec=1\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n" +
	"a=fmtp:101 0-16\r\n" +
	"a=sendrecv\r\n"

func TestParseOffer(t *testing.T) {
	offer, err := ParseOffer([]byte(testSDPOffer))
	if err != nil {
		t.Fatalf("ParseOffer failed: %v", err)
	}

	if offer.Address != "192.168.1.100" {
		t.Errorf("address = %q, want 192.168.1.100", offer.Address)
	}
	if offer.Port != 49170 {
		t.Errorf("port = %d, want 49170", offer.Port)
	}
	if offer.DTMFPayloadType != 101 {
		t.Errorf("dtmf payload type = %d, want 101", offer.DTMFPayloadType)
	}
	if len(offer.Codecs) != 3 {
		t.Fatalf("codecs = %v, want 3 entries", offer.Codecs)
	}

	c, err := offer.SelectCodec()
	if err != nil {
		t.Fatalf("SelectCodec: %v", err)
	}
	if c.PayloadType != PayloadPCMA || c.Name != "PCMA" {
		t.Errorf("selected %v, want PCMA (first G.711 in caller order)", c)
	}
}

func TestParseOfferStaticPayloadWithoutRtpmap(t *testing.T) {
	body := "v=0\r\n" +
		"o=- 1 1 IN IP4 10.0.0.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"m=audio 4000 RTP/AVP 0\r\n" +
		"c=IN IP4 10.0.0.2\r\n"

	offer, err := ParseOffer([]byte(body))
	if err != nil {
		t.Fatalf("ParseOffer failed: %v", err)
	}
	if offer.Address != "10.0.0.2" {
		t.Errorf("address = %q, want media-level 10.0.0.2", offer.Address)
	}
	if offer.DTMFPayloadType != -1 {
		t.Errorf("dtmf payload type = %d, want -1", offer.DTMFPayloadType)
	}
	c, err := offer.SelectCodec()
	if err != nil || c.PayloadType != PayloadPCMU {
		t.Errorf("SelectCodec = %v, %v; want PCMU", c, err)
	}
}

func TestParseOfferNoG711(t *testing.T) {
	body := "v=0\r\n" +
		"o=- 1 1 IN IP4 10.0.0.1\r\n" +
		"s=-\r\n" +
		"c=IN IP4 10.0.0.1\r\n" +
		"t=0 0\r\n" +
		"m=audio 4000 RTP/AVP 111\r\n" +
		"a=rtpmap:111 opus/48000/2\r\n"

	offer, err := ParseOffer([]byte(body))
	if err != nil {
		t.Fatalf("ParseOffer failed: %v", err)
	}
	if _, err := offer.SelectCodec(); !errors.Is(err, ErrNoSupportedCodec) {
		t.Errorf("SelectCodec err = %v, want ErrNoSupportedCodec", err)
	}
}

func TestParseOfferErrors(t *testing.T) {
	tests := map[string]string{
		"garbage": "not sdp at all",
		"no audio": "v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\nc=IN IP4 10.0.0.1\r\nt=0 0\r\n" +
			"m=video 5000 RTP/AVP 96\r\n",
		"no address": "v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\nt=0 0\r\n" +
			"m=audio 5000 RTP/AVP 0\r\n",
	}
	for name, body := range tests {
		if _, err := ParseOffer([]byte(body)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestBuildAnswer(t *testing.T) {
	body, err := BuildAnswer("203.0.113.5", 10000, Codec{PayloadType: 0, Name: "PCMU", ClockRate: 8000}, 101, 42)
	if err != nil {
		t.Fatalf("BuildAnswer: %v", err)
	}

	text := string(body)
	for _, want := range []string{
		"c=IN IP4 203.0.113.5",
		"m=audio 10000 RTP/AVP 0 101",
		"a=rtpmap:0 PCMU/8000",
		"a=rtpmap:101 telephone-event/8000",
		"a=fmtp:101 0-15",
		"a=ptime:20",
		"a=sendrecv",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("answer missing %q:\n%s", want, text)
		}
	}

	// The answer must round-trip through the parser.
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		t.Fatalf("answer does not parse: %v", err)
	}
	offer, err := ParseOffer(body)
	if err != nil {
		t.Fatalf("ParseOffer(answer): %v", err)
	}
	if offer.Port != 10000 || offer.DTMFPayloadType != 101 {
		t.Errorf("parsed answer = %+v", offer)
	}
}

func TestBuildAnswerWithoutDTMF(t *testing.T) {
	body, err := BuildAnswer("10.0.0.1", 12000, Codec{PayloadType: 8, Name: "PCMA", ClockRate: 8000}, -1, 1)
	if err != nil {
		t.Fatalf("BuildAnswer: %v", err)
	}
	if strings.Contains(string(body), "telephone-event") {
		t.Errorf("answer should not offer telephone-event:\n%s", body)
	}
	if !strings.Contains(string(body), "m=audio 12000 RTP/AVP 8") {
		t.Errorf("unexpected media line:\n%s", body)
	}
}

func TestParseRtpmap(t *testing.T) {
	c, err := parseRtpmap("111 opus/48000/2")
	if err != nil {
		t.Fatalf("parseRtpmap: %v", err)
	}
	if c.PayloadType != 111 || c.Name != "opus" || c.ClockRate != 48000 {
		t.Errorf("parseRtpmap = %+v", c)
	}
	for _, bad := range []string{"", "x PCMU/8000", "0 PCMU", "0 PCMU/abc"} {
		if _, err := parseRtpmap(bad); err == nil {
			t.Errorf("parseRtpmap(%q) expected error", bad)
		}
	}
}
