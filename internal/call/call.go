// Package call defines the boundary between the call orchestrator and the
// SIP/media stack: the events the stack reports and the operations it offers.
package call

import (
	"time"

	"github.com/google/uuid"
)

// EventKind identifies a signaling or media occurrence on the line.
type EventKind int

const (
	EventIncoming EventKind = iota + 1
	EventMediaActive
	EventConfirmed
	EventDisconnected
	EventDigit
)

func (k EventKind) String() string {
	switch k {
	case EventIncoming:
		return "incoming"
	case EventMediaActive:
		return "media_active"
	case EventConfirmed:
		return "confirmed"
	case EventDisconnected:
		return "disconnected"
	case EventDigit:
		return "digit"
	default:
		return "unknown"
	}
}

// Event is reported by the stack for the call identified by CallID.
// RemoteInfo and LocalInfo are only set for EventIncoming; Digit is only
// set for EventDigit.
type Event struct {
	Kind       EventKind
	CallID     string
	RemoteInfo string
	LocalInfo  string
	Digit      int
}

// Session is the per-call state derived from the incoming call.
type Session struct {
	ID          string
	CallID      string
	RemoteInfo  string
	LocalInfo   string
	DisplayName string
	Number      string
	Filename    string
	CreatedAt   time.Time
}

// NewSession creates a session for an incoming call with a fresh ID.
func NewSession(callID, remoteInfo, localInfo string, now time.Time) *Session {
	return &Session{
		ID:         uuid.NewString(),
		CallID:     callID,
		RemoteInfo: remoteInfo,
		LocalInfo:  localInfo,
		CreatedAt:  now,
	}
}

// Player streams a WAV file into the call.
type Player interface {
	// Rewind restarts playback from the first sample.
	Rewind() error
	Close() error
}

// Recorder captures the caller's audio into a WAV file. Close finalizes
// the file.
type Recorder interface {
	Close() error
}

// Stack is the signaling/media stack as seen by the orchestrator.
type Stack interface {
	Answer(callID string, status int) error
	CreatePlayer(callID, path string) (Player, error)
	CreateRecorder(callID, path string) (Recorder, error)
	HangupAll()
}

// Handler receives events from the stack.
type Handler interface {
	HandleEvent(ev Event)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ev Event)

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(ev Event) { f(ev) }
