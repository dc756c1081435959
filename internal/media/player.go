package media

import (
	"errors"
	"sync/atomic"
	"time"
)

// ErrPlayerClosed is returned by Rewind after Close.
var ErrPlayerClosed = errors.New("player closed")

// FilePlayer holds a decoded WAV file and hands it out in 20ms frames.
// The stream's send loop reads frames while the call flow may rewind or
// close the player from another goroutine.
type FilePlayer struct {
	path    string
	samples []int16
	pos     atomic.Int64
	closed  atomic.Bool
}

// OpenPlayer decodes the WAV file at path into memory.
func OpenPlayer(path string) (*FilePlayer, error) {
	samples, err := LoadPCM(path)
	if err != nil {
		return nil, err
	}
	return &FilePlayer{path: path, samples: samples}, nil
}

// Path returns the file being played.
func (p *FilePlayer) Path() string { return p.path }

// Duration returns the playing time of the whole file.
func (p *FilePlayer) Duration() time.Duration {
	return time.Duration(len(p.samples)) * time.Second / SampleRate
}

// Rewind restarts playback from the beginning.
func (p *FilePlayer) Rewind() error {
	if p.closed.Load() {
		return ErrPlayerClosed
	}
	p.pos.Store(0)
	return nil
}

// Close stops playback. It is safe to call more than once.
func (p *FilePlayer) Close() error {
	p.closed.Store(true)
	return nil
}

// Done reports whether the file has been played to the end or closed.
func (p *FilePlayer) Done() bool {
	return p.closed.Load() || p.pos.Load() >= int64(len(p.samples))
}

// ReadFrame fills frame with the next samples, padding the tail of the
// file with silence. It returns false once the file is exhausted or the
// player is closed.
func (p *FilePlayer) ReadFrame(frame []int16) bool {
	if p.closed.Load() {
		return false
	}
	n := int64(len(frame))
	start := p.pos.Add(n) - n
	if start >= int64(len(p.samples)) {
		return false
	}
	copied := copy(frame, p.samples[start:])
	clear(frame[copied:])
	return true
}
