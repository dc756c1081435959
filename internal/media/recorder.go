package media

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/zaf/g711"
)

const (
	// recorderChanSize holds about 2.5 seconds of 20ms packets.
	recorderChanSize = 128

	// recorderFlushSize is one second of samples at 8 kHz.
	recorderFlushSize = 8000
)

// rtpPayload is a copy of an RTP payload queued for recording.
type rtpPayload struct {
	data        []byte
	payloadType int
}

// WAVRecorder writes the caller's audio to a 16-bit 8 kHz mono WAV file.
// A dedicated goroutine decodes queued G.711 payloads and appends them to
// the file.
//
// Feed never blocks: if the goroutine falls behind, packets are dropped
// rather than stalling the receive loop. Close may be called any number
// of times.
type WAVRecorder struct {
	path   string
	file   *os.File
	enc    *wav.Encoder
	logger *slog.Logger

	mu      sync.Mutex
	samples int
	closed  bool
	dropped int

	packets chan rtpPayload
	done    chan struct{}
}

// NewRecorder creates the WAV file at path and starts the write goroutine.
// Parent directories are created if needed.
func NewRecorder(path string, logger *slog.Logger) (*WAVRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating recording directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating recording file: %w", err)
	}

	enc := wav.NewEncoder(f, SampleRate, 16, 1, wavFormatPCM)
	// An empty write emits the header so Close can always patch sizes.
	if err := enc.Write(newIntBuffer(nil)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("writing wav header: %w", err)
	}

	r := &WAVRecorder{
		path:    path,
		file:    f,
		enc:     enc,
		logger:  logger.With("subsystem", "recorder", "file", path),
		packets: make(chan rtpPayload, recorderChanSize),
		done:    make(chan struct{}),
	}
	go r.writeLoop()

	r.logger.Info("recording started")
	return r, nil
}

// Path returns the file being written.
func (r *WAVRecorder) Path() string { return r.path }

// Feed queues a G.711 payload for recording. The payload is copied so the
// caller's buffer can be reused. Unsupported payload types and packets
// arriving after Close are ignored.
func (r *WAVRecorder) Feed(payload []byte, payloadType int) {
	if len(payload) == 0 || (payloadType != PayloadPCMU && payloadType != PayloadPCMA) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)

	select {
	case r.packets <- rtpPayload{data: buf, payloadType: payloadType}:
	default:
		r.dropped++
	}
}

// Close drains queued audio, finalizes the WAV header and closes the file.
func (r *WAVRecorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.packets)
	r.mu.Unlock()

	<-r.done

	encErr := r.enc.Close()
	fileErr := r.file.Close()

	r.mu.Lock()
	samples, dropped := r.samples, r.dropped
	r.mu.Unlock()

	r.logger.Info("recording stopped",
		"duration", time.Duration(samples)*time.Second/SampleRate,
		"dropped_packets", dropped,
	)

	if encErr != nil {
		return fmt.Errorf("finalizing wav: %w", encErr)
	}
	return fileErr
}

func (r *WAVRecorder) writeLoop() {
	defer close(r.done)

	pending := make([]int, 0, recorderFlushSize)

	flush := func() {
		if len(pending) == 0 {
			return
		}
		if err := r.enc.Write(newIntBuffer(pending)); err != nil {
			r.logger.Error("failed to write recording data", "error", err)
		} else {
			r.mu.Lock()
			r.samples += len(pending)
			r.mu.Unlock()
		}
		pending = pending[:0]
	}

	for pkt := range r.packets {
		for _, b := range pkt.data {
			if pkt.payloadType == PayloadPCMA {
				pending = append(pending, int(g711.DecodeAlawFrame(b)))
			} else {
				pending = append(pending, int(g711.DecodeUlawFrame(b)))
			}
		}
		if len(pending) >= recorderFlushSize {
			flush()
		}
	}
	flush()
}

func newIntBuffer(data []int) *audio.IntBuffer {
	return &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
}
