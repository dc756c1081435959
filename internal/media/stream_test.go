package media

import (
	"bytes"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/zaf/g711"
)

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readPacket(t *testing.T, conn *net.UDPConn) *rtp.Packet {
	t.Helper()
	buf := make([]byte, maxRTPPacket)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("reading rtp: %v", err)
	}
	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf[:n]); err != nil {
		t.Fatalf("unmarshal rtp: %v", err)
	}
	return &pkt
}

func TestStreamSendsSilenceWithoutPlayer(t *testing.T) {
	local := listenLoopback(t)
	phone := listenLoopback(t)

	s := NewStream(StreamConfig{
		Conn:            local,
		Remote:          phone.LocalAddr().(*net.UDPAddr),
		Codec:           Codec{PayloadType: PayloadPCMU, Name: "PCMU", ClockRate: 8000},
		DTMFPayloadType: -1,
		Logger:          testLogger(),
	})
	s.Start()
	defer s.Stop()

	first := readPacket(t, phone)
	second := readPacket(t, phone)

	if first.PayloadType != PayloadPCMU {
		t.Errorf("payload type = %d, want %d", first.PayloadType, PayloadPCMU)
	}
	if !first.Marker || second.Marker {
		t.Errorf("marker = %v, %v; want only the first packet marked", first.Marker, second.Marker)
	}
	if second.SequenceNumber != first.SequenceNumber+1 {
		t.Errorf("sequence %d -> %d", first.SequenceNumber, second.SequenceNumber)
	}
	if second.Timestamp-first.Timestamp != samplesPerPacket {
		t.Errorf("timestamp step = %d, want %d", second.Timestamp-first.Timestamp, samplesPerPacket)
	}
	if first.SSRC != second.SSRC {
		t.Error("SSRC changed between packets")
	}
	if len(first.Payload) != samplesPerPacket || first.Payload[0] != g711.EncodeUlawFrame(0) {
		t.Errorf("payload is not u-law silence: len %d, first byte %#x", len(first.Payload), first.Payload[0])
	}
}

func TestStreamPlaysFileInPCMA(t *testing.T) {
	local := listenLoopback(t)
	phone := listenLoopback(t)

	data := bytes.Repeat([]byte{g711.EncodeUlawFrame(5000)}, 8000)
	p, err := OpenPlayer(writeRawWAV(t, wavFormatPCMU, 8000, 1, 8, data))
	if err != nil {
		t.Fatalf("OpenPlayer: %v", err)
	}

	s := NewStream(StreamConfig{
		Conn:            local,
		Remote:          phone.LocalAddr().(*net.UDPAddr),
		Codec:           Codec{PayloadType: PayloadPCMA, Name: "PCMA", ClockRate: 8000},
		DTMFPayloadType: -1,
		Logger:          testLogger(),
	})
	s.SetPlayer(p)
	s.Start()
	defer s.Stop()

	pkt := readPacket(t, phone)
	if pkt.PayloadType != PayloadPCMA {
		t.Fatalf("payload type = %d, want %d", pkt.PayloadType, PayloadPCMA)
	}
	want := g711.EncodeAlawFrame(g711.DecodeUlawFrame(data[0]))
	if pkt.Payload[0] != want {
		t.Errorf("payload byte = %#x, want %#x", pkt.Payload[0], want)
	}
}

func TestStreamRecordsAndDetectsDigits(t *testing.T) {
	local := listenLoopback(t)
	phone := listenLoopback(t)

	rec, err := NewRecorder(filepath.Join(t.TempDir(), "call.wav"), testLogger())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	var mu sync.Mutex
	var digits []string
	gotDigit := make(chan struct{}, 4)

	s := NewStream(StreamConfig{
		Conn:            local,
		Remote:          &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}, // replaced by symmetric rtp
		Codec:           Codec{PayloadType: PayloadPCMU, Name: "PCMU", ClockRate: 8000},
		DTMFPayloadType: PayloadTelephoneEvent,
		OnDigit: func(name string) {
			mu.Lock()
			digits = append(digits, name)
			mu.Unlock()
			gotDigit <- struct{}{}
		},
		Logger: testLogger(),
	})
	s.SetRecorder(rec)
	s.Start()

	dst := local.LocalAddr().(*net.UDPAddr)
	audioPkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: PayloadPCMU, SequenceNumber: 1, Timestamp: 160, SSRC: 7},
		Payload: bytes.Repeat([]byte{g711.EncodeUlawFrame(2500)}, samplesPerPacket),
	}
	for i := 0; i < 5; i++ {
		raw, _ := audioPkt.Marshal()
		if _, err := phone.WriteToUDP(raw, dst); err != nil {
			t.Fatalf("send audio: %v", err)
		}
		audioPkt.SequenceNumber++
		audioPkt.Timestamp += samplesPerPacket
	}

	for i := 0; i < 3; i++ {
		raw, _ := eventPacket(PayloadTelephoneEvent, 4, true, 5000).Marshal()
		if _, err := phone.WriteToUDP(raw, dst); err != nil {
			t.Fatalf("send dtmf: %v", err)
		}
	}

	select {
	case <-gotDigit:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for digit")
	}

	// Outgoing audio now goes to the learned address.
	deadline := time.Now().Add(2 * time.Second)
	for !s.RemoteAddr().IP.Equal(phone.LocalAddr().(*net.UDPAddr).IP) || s.RemoteAddr().Port != phone.LocalAddr().(*net.UDPAddr).Port {
		if time.Now().After(deadline) {
			t.Fatalf("remote address not learned: %v", s.RemoteAddr())
		}
		time.Sleep(10 * time.Millisecond)
	}
	readPacket(t, phone)

	s.Stop()
	s.Stop()
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mu.Lock()
	if len(digits) != 1 || digits[0] != "4" {
		t.Errorf("digits = %v, want [4]", digits)
	}
	mu.Unlock()

	samples, err := LoadPCM(rec.Path())
	if err != nil {
		t.Fatalf("LoadPCM: %v", err)
	}
	if len(samples) != 5*samplesPerPacket {
		t.Errorf("recorded %d samples, want %d", len(samples), 5*samplesPerPacket)
	}

	_, received := s.PacketCounts()
	if received != 8 {
		t.Errorf("received = %d, want 8", received)
	}
}
