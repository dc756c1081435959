package media

import (
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/zaf/g711"
)

const (
	// RTP payload types for G.711.
	PayloadPCMU = 0
	PayloadPCMA = 8

	maxRTPPacket = 1500

	// readTimeout bounds each socket read so the loop notices Stop.
	readTimeout = 100 * time.Millisecond
)

// atomicAddr stores the far end's address. It starts as the address from
// the SDP offer and is replaced by the source of the first valid RTP packet
// (symmetric RTP), which is what gets through NAT.
type atomicAddr struct {
	v atomic.Pointer[net.UDPAddr]
}

func newAtomicAddr(addr *net.UDPAddr) *atomicAddr {
	a := &atomicAddr{}
	a.v.Store(addr)
	return a
}

func (a *atomicAddr) load() *net.UDPAddr {
	return a.v.Load()
}

// update replaces the stored address and reports whether it changed.
func (a *atomicAddr) update(addr *net.UDPAddr) bool {
	old := a.v.Load()
	if old != nil && old.IP.Equal(addr.IP) && old.Port == addr.Port {
		return false
	}
	a.v.Store(addr)
	return true
}

// StreamConfig describes one negotiated audio stream.
type StreamConfig struct {
	Conn            *net.UDPConn
	Remote          *net.UDPAddr
	Codec           Codec
	DTMFPayloadType int               // -1 when telephone-event was not negotiated
	OnDigit         func(name string) // called from the receive loop
	Logger          *slog.Logger
}

// Stream runs the RTP side of a call: a receive loop that feeds the
// recorder and detects DTMF, and a send loop that paces the current
// player's audio (or silence) every 20ms.
type Stream struct {
	conn     *net.UDPConn
	remote   *atomicAddr
	codec    Codec
	pcma     bool
	detector *DTMFDetector
	onDigit  func(string)
	logger   *slog.Logger

	player   atomic.Pointer[FilePlayer]
	recorder atomic.Pointer[WAVRecorder]

	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewStream prepares a stream. Call Start to begin sending and receiving.
func NewStream(cfg StreamConfig) *Stream {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stream{
		conn:    cfg.Conn,
		remote:  newAtomicAddr(cfg.Remote),
		codec:   cfg.Codec,
		pcma:    strings.EqualFold(cfg.Codec.Name, "PCMA"),
		onDigit: cfg.OnDigit,
		logger:  logger.With("subsystem", "rtp-stream", "codec", cfg.Codec.Name),
		stop:    make(chan struct{}),
	}
	if cfg.DTMFPayloadType >= 0 {
		s.detector = NewDTMFDetector(cfg.DTMFPayloadType)
	}
	return s
}

// Start launches the send and receive goroutines.
func (s *Stream) Start() {
	s.wg.Add(2)
	go s.receiveLoop()
	go s.sendLoop()
	s.logger.Debug("rtp stream started",
		"local", s.conn.LocalAddr().String(),
		"remote", s.remote.load().String(),
	)
}

// Stop ends both loops and waits for them. The socket is left open for
// its owner to release. Safe to call more than once.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		s.logger.Debug("rtp stream stopped",
			"packets_sent", s.packetsSent.Load(),
			"packets_received", s.packetsReceived.Load(),
		)
	})
}

// SetPlayer makes p the audio source; nil sends silence.
func (s *Stream) SetPlayer(p *FilePlayer) { s.player.Store(p) }

// SetRecorder makes r the sink for received audio; nil stops feeding.
func (s *Stream) SetRecorder(r *WAVRecorder) { s.recorder.Store(r) }

// RemoteAddr returns the current destination for outgoing RTP.
func (s *Stream) RemoteAddr() *net.UDPAddr { return s.remote.load() }

// PacketCounts returns the number of RTP packets sent and received.
func (s *Stream) PacketCounts() (sent, received uint64) {
	return s.packetsSent.Load(), s.packetsReceived.Load()
}

func (s *Stream) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Stream) receiveLoop() {
	defer s.wg.Done()

	buf := make([]byte, maxRTPPacket)
	learned := false
	recordPT := PayloadPCMU
	if s.pcma {
		recordPT = PayloadPCMA
	}

	for !s.stopped() {
		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) || s.stopped() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Debug("rtp read error", "error", err)
			continue
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		s.packetsReceived.Add(1)

		if !learned {
			if s.remote.update(src) {
				s.logger.Info("symmetric rtp: learned remote address", "address", src.String())
			}
			learned = true
		}

		if s.detector != nil {
			if name, ok := s.detector.Detect(&pkt); ok {
				s.logger.Debug("dtmf digit detected", "digit", name)
				if s.onDigit != nil {
					s.onDigit(name)
				}
				continue
			}
			if pkt.PayloadType == s.detector.payloadType {
				continue
			}
		}

		if int(pkt.PayloadType) != s.codec.PayloadType {
			continue
		}
		if rec := s.recorder.Load(); rec != nil {
			rec.Feed(pkt.Payload, recordPT)
		}
	}
}

func (s *Stream) sendLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(packetDuration)
	defer ticker.Stop()

	frame := make([]int16, samplesPerPacket)
	payload := make([]byte, samplesPerPacket)
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         true,
			PayloadType:    uint8(s.codec.PayloadType),
			SequenceNumber: uint16(rand.Uint32()),
			Timestamp:      rand.Uint32(),
			SSRC:           rand.Uint32(),
		},
		Payload: payload,
	}

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		if p := s.player.Load(); p == nil || !p.ReadFrame(frame) {
			clear(frame)
		}
		for i, v := range frame {
			if s.pcma {
				payload[i] = g711.EncodeAlawFrame(v)
			} else {
				payload[i] = g711.EncodeUlawFrame(v)
			}
		}

		raw, err := pkt.Marshal()
		if err != nil {
			s.logger.Error("marshaling rtp packet", "error", err)
			return
		}
		if _, err := s.conn.WriteToUDP(raw, s.remote.load()); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Debug("rtp write error", "error", err)
		} else {
			s.packetsSent.Add(1)
		}

		pkt.Marker = false
		pkt.SequenceNumber++
		pkt.Timestamp += samplesPerPacket
	}
}
