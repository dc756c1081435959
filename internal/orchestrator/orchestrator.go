// Package orchestrator drives the lifecycle of the single call on the line:
// screening, answering, playback, recording, digit actions and teardown.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/sipserv/sipserv/internal/call"
	"github.com/sipserv/sipserv/internal/recording"
)

// Lifecycle states.
const (
	StateIdle          = "idle"
	StateScreening     = "screening"
	StateAnswered      = "answered"
	StateMediaActive   = "media_active"
	StateConfirmed     = "confirmed"
	StateDisconnecting = "disconnecting"
)

// State machine events.
const (
	evIncoming   = "incoming"
	evApprove    = "approve"
	evMedia      = "media"
	evConfirm    = "confirm"
	evDisconnect = "disconnect"
	evReset      = "reset"
)

// DefaultEventBuffer is the capacity of the event channel.
const DefaultEventBuffer = 64

// ErrSessionGone is returned when media is requested for a call that is no
// longer current.
var ErrSessionGone = errors.New("session is no longer active")

// Admission decides whether a caller is answered.
type Admission interface {
	ShouldAccept(ctx context.Context, number string) bool
}

// DigitHandler runs digit actions.
type DigitHandler interface {
	HandleDigit(ctx context.Context, sess *call.Session, digit int)
}

// Aftermath runs after a call that produced a recording.
type Aftermath interface {
	Configured() bool
	Invoke(ctx context.Context, localInfo, callerNumber, recordingPath string)
}

// Options configures an Orchestrator.
type Options struct {
	Stack      call.Stack
	Admission  Admission
	Recordings *recording.Manager
	Deriver    *recording.Deriver
	Aftermath  Aftermath

	// IntroPath is the WAV file played when media becomes active.
	IntroPath string

	EventBuffer      int
	AdmissionTimeout time.Duration
	AftermathTimeout time.Duration
}

// Stats holds call counters.
type Stats struct {
	Incoming       uint64
	Accepted       uint64
	Rejected       uint64
	Busy           uint64
	Completed      uint64
	AftermathRuns  uint64
	EventsDropped  uint64
	DigitsReceived uint64
}

// Status is a snapshot of the current call.
type Status struct {
	State       string    `json:"state"`
	SessionID   string    `json:"session_id,omitempty"`
	CallID      string    `json:"call_id,omitempty"`
	Number      string    `json:"number,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	Since       time.Time `json:"since,omitempty"`
	Recording   bool      `json:"recording"`
}

type message struct {
	ev        call.Event
	admission *admissionResult
}

type admissionResult struct {
	sessionID string
	accepted  bool
}

// Orchestrator owns the single active call. Events are consumed by one
// loop, the only writer of the state machine; blocking work runs on worker
// goroutines that report back through the event channel.
type Orchestrator struct {
	opts   Options
	digits DigitHandler
	logger *slog.Logger

	events chan message
	done   chan struct{}
	fsm    *fsm.FSM

	// baseCtx parents worker contexts; set by Run.
	baseCtx context.Context

	mu      sync.Mutex
	session *call.Session
	player  call.Player

	workers      sync.WaitGroup
	shutdownOnce sync.Once

	incoming, accepted, rejected, busy atomic.Uint64
	completed, aftermathRuns           atomic.Uint64
	dropped, digitsReceived            atomic.Uint64
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}
	if opts.AdmissionTimeout <= 0 {
		opts.AdmissionTimeout = time.Minute
	}
	if opts.AftermathTimeout <= 0 {
		opts.AftermathTimeout = 5 * time.Minute
	}
	if opts.Deriver == nil {
		opts.Deriver = recording.NewDeriver()
	}
	if opts.Recordings == nil {
		opts.Recordings = recording.NewManager(opts.Stack, ".", false)
	}

	o := &Orchestrator{
		opts:    opts,
		logger:  slog.Default().With("component", "orchestrator"),
		events:  make(chan message, opts.EventBuffer),
		done:    make(chan struct{}),
		baseCtx: context.Background(),
	}
	o.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: evIncoming, Src: []string{StateIdle}, Dst: StateScreening},
			{Name: evApprove, Src: []string{StateScreening}, Dst: StateAnswered},
			{Name: evMedia, Src: []string{StateAnswered}, Dst: StateMediaActive},
			{Name: evConfirm, Src: []string{StateMediaActive}, Dst: StateConfirmed},
			{Name: evDisconnect, Src: []string{StateScreening, StateAnswered, StateMediaActive, StateConfirmed}, Dst: StateDisconnecting},
			{Name: evReset, Src: []string{StateDisconnecting}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				o.logger.Debug("call state changed", "from", e.Src, "to", e.Dst)
			},
		},
	)
	return o
}

// SetDigitHandler installs the digit action handler. It must be called
// before Run.
func (o *Orchestrator) SetDigitHandler(h DigitHandler) {
	o.digits = h
}

// HandleEvent queues an event from the stack. Lifecycle events block while
// the queue is full; digits are dropped instead. It returns immediately once
// the orchestrator has shut down.
func (o *Orchestrator) HandleEvent(ev call.Event) {
	select {
	case <-o.done:
		o.dropped.Add(1)
		o.logger.Debug("event after shutdown dropped", "event", ev.Kind.String(), "call_id", ev.CallID)
		return
	default:
	}
	if ev.Kind == call.EventDigit {
		select {
		case o.events <- message{ev: ev}:
		default:
			o.dropped.Add(1)
			o.logger.Warn("event queue full, dropping digit", "call_id", ev.CallID, "digit", ev.Digit)
		}
		return
	}
	select {
	case o.events <- message{ev: ev}:
	case <-o.done:
		o.dropped.Add(1)
	}
}

// Run consumes events until ctx is cancelled or Shutdown is called. A
// cancelled ctx triggers Shutdown.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.baseCtx = ctx
	o.logger.Info("call orchestrator started", "intro", o.opts.IntroPath)

	for {
		select {
		case <-ctx.Done():
			o.Shutdown()
			return nil
		case <-o.done:
			return nil
		case m := <-o.events:
			if m.admission != nil {
				o.onAdmission(ctx, *m.admission)
				continue
			}
			o.dispatch(ctx, m.ev)
		}
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, ev call.Event) {
	switch ev.Kind {
	case call.EventIncoming:
		o.onIncoming(ctx, ev)
	case call.EventMediaActive:
		o.onMediaActive(ctx, ev)
	case call.EventConfirmed:
		o.onConfirmed(ctx, ev)
	case call.EventDisconnected:
		o.onDisconnected(ctx, ev)
	case call.EventDigit:
		o.onDigit(ev)
	default:
		o.logger.Warn("unknown event", "kind", int(ev.Kind))
	}
}

func (o *Orchestrator) onIncoming(ctx context.Context, ev call.Event) {
	o.incoming.Add(1)

	o.mu.Lock()
	busy := o.session != nil
	o.mu.Unlock()
	if busy || !o.fsm.Is(StateIdle) {
		o.busy.Add(1)
		o.logger.Info("ignoring incoming call while busy", "call_id", ev.CallID)
		return
	}

	sess := call.NewSession(ev.CallID, ev.RemoteInfo, ev.LocalInfo, time.Now())
	sess.Filename, sess.Number = o.opts.Deriver.DeriveFilename(ev.RemoteInfo)
	sess.DisplayName = recording.DisplayName(ev.RemoteInfo)

	if !o.transition(ctx, evIncoming) {
		return
	}
	o.mu.Lock()
	o.session = sess
	o.mu.Unlock()

	o.logger.Info("incoming call",
		"call_id", sess.CallID,
		"number", sess.Number,
		"name", sess.DisplayName,
		"local", sess.LocalInfo,
	)

	o.goWorker(func() {
		actx, cancel := context.WithTimeout(o.baseCtx, o.opts.AdmissionTimeout)
		defer cancel()

		accepted := true
		if o.opts.Admission != nil {
			accepted = o.opts.Admission.ShouldAccept(actx, sess.Number)
		}
		o.post(message{admission: &admissionResult{sessionID: sess.ID, accepted: accepted}})
	})
}

func (o *Orchestrator) onAdmission(ctx context.Context, res admissionResult) {
	sess := o.current()
	if sess == nil || sess.ID != res.sessionID || !o.fsm.Is(StateScreening) {
		o.logger.Debug("stale admission result ignored", "session_id", res.sessionID)
		return
	}

	if !res.accepted {
		o.rejected.Add(1)
		o.logger.Info("will not take call", "call_id", sess.CallID, "number", sess.Number)
		return
	}

	if !o.transition(ctx, evApprove) {
		return
	}
	o.accepted.Add(1)
	if err := o.opts.Stack.Answer(sess.CallID, 200); err != nil {
		o.logger.Error("failed to answer call", "call_id", sess.CallID, "error", err)
	}
}

func (o *Orchestrator) onMediaActive(ctx context.Context, ev call.Event) {
	sess := o.match(ev)
	if sess == nil || !o.transition(ctx, evMedia) {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.opts.IntroPath != "" {
		p, err := o.opts.Stack.CreatePlayer(sess.CallID, o.opts.IntroPath)
		if err != nil {
			o.logger.Error("failed to start playback", "call_id", sess.CallID, "path", o.opts.IntroPath, "error", err)
		} else {
			o.player = p
		}
	}
	if err := o.opts.Recordings.StartIfEnabled(sess); err != nil {
		o.logger.Error("failed to start recording", "call_id", sess.CallID, "error", err)
	}
}

func (o *Orchestrator) onConfirmed(ctx context.Context, ev call.Event) {
	sess := o.match(ev)
	if sess == nil || !o.transition(ctx, evConfirm) {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.player != nil {
		if err := o.player.Rewind(); err != nil {
			o.logger.Warn("failed to rewind player", "call_id", sess.CallID, "error", err)
		}
	}
}

func (o *Orchestrator) onDisconnected(ctx context.Context, ev call.Event) {
	sess := o.match(ev)
	if sess == nil || !o.transition(ctx, evDisconnect) {
		return
	}

	o.mu.Lock()
	stopped := o.releaseLocked()
	o.session = nil
	o.mu.Unlock()

	// Only a recorder still running at disconnect hands its file to the
	// aftermath hook. One released earlier by a DTMF answer does not.
	path, recorded := o.opts.Recordings.Collect()

	o.completed.Add(1)
	o.logger.Info("call disconnected",
		"call_id", sess.CallID,
		"duration", time.Since(sess.CreatedAt).Round(time.Second),
	)

	if stopped && recorded && o.opts.Aftermath != nil && o.opts.Aftermath.Configured() {
		o.aftermathRuns.Add(1)
		o.goWorker(func() {
			actx, cancel := context.WithTimeout(o.baseCtx, o.opts.AftermathTimeout)
			defer cancel()
			o.opts.Aftermath.Invoke(actx, sess.LocalInfo, sess.Number, path)
		})
	}

	o.transition(ctx, evReset)
}

func (o *Orchestrator) onDigit(ev call.Event) {
	o.digitsReceived.Add(1)

	sess := o.match(ev)
	if sess == nil {
		return
	}
	if !o.fsm.Is(StateMediaActive) && !o.fsm.Is(StateConfirmed) {
		o.logger.Debug("digit outside active media ignored", "digit", ev.Digit, "state", o.fsm.Current())
		return
	}
	if o.digits == nil {
		return
	}

	o.logger.Info("dtmf digit received", "call_id", sess.CallID, "digit", ev.Digit)
	o.goWorker(func() {
		o.digits.HandleDigit(o.baseCtx, sess, ev.Digit)
	})
}

// ReleaseMedia closes the player and recorder of sess if it is still the
// current call.
func (o *Orchestrator) ReleaseMedia(sess *call.Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session != sess {
		return
	}
	o.releaseLocked()
}

// Play replaces the current playback of sess with the file at path.
func (o *Orchestrator) Play(sess *call.Session, path string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session != sess {
		return ErrSessionGone
	}
	if o.player != nil {
		if err := o.player.Close(); err != nil {
			o.logger.Warn("failed to close player", "call_id", sess.CallID, "error", err)
		}
		o.player = nil
	}
	p, err := o.opts.Stack.CreatePlayer(sess.CallID, path)
	if err != nil {
		return err
	}
	o.player = p
	return nil
}

// Shutdown stops event processing, releases the player and recorder and
// hangs up all calls. Only the first call has any effect.
func (o *Orchestrator) Shutdown() {
	o.shutdownOnce.Do(func() {
		o.logger.Info("shutting down call orchestrator")
		close(o.done)

		o.mu.Lock()
		o.releaseLocked()
		o.mu.Unlock()

		o.opts.Stack.HangupAll()
	})
}

// Wait blocks until all worker goroutines have returned.
func (o *Orchestrator) Wait() {
	o.workers.Wait()
}

// Done is closed once Shutdown has been called.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() string {
	return o.fsm.Current()
}

// Status returns a snapshot of the current call.
func (o *Orchestrator) Status() Status {
	st := Status{State: o.fsm.Current(), Recording: o.opts.Recordings.Active()}
	if sess := o.current(); sess != nil {
		st.SessionID = sess.ID
		st.CallID = sess.CallID
		st.Number = sess.Number
		st.DisplayName = sess.DisplayName
		st.Since = sess.CreatedAt
	}
	return st
}

// Stats returns a snapshot of the call counters.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Incoming:       o.incoming.Load(),
		Accepted:       o.accepted.Load(),
		Rejected:       o.rejected.Load(),
		Busy:           o.busy.Load(),
		Completed:      o.completed.Load(),
		AftermathRuns:  o.aftermathRuns.Load(),
		EventsDropped:  o.dropped.Load(),
		DigitsReceived: o.digitsReceived.Load(),
	}
}

// releaseLocked closes the player and stops the recorder. It reports
// whether a recorder was running. o.mu must be held.
func (o *Orchestrator) releaseLocked() bool {
	if o.player != nil {
		if err := o.player.Close(); err != nil {
			o.logger.Warn("failed to close player", "error", err)
		}
		o.player = nil
	}
	return o.opts.Recordings.Stop()
}

func (o *Orchestrator) current() *call.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

// match returns the current session when ev belongs to it.
func (o *Orchestrator) match(ev call.Event) *call.Session {
	sess := o.current()
	if sess == nil || sess.CallID != ev.CallID {
		o.logger.Debug("event for unknown call ignored", "event", ev.Kind.String(), "call_id", ev.CallID)
		return nil
	}
	return sess
}

func (o *Orchestrator) transition(ctx context.Context, event string) bool {
	if err := o.fsm.Event(ctx, event); err != nil {
		o.logger.Warn("invalid call state transition", "event", event, "state", o.fsm.Current(), "error", err)
		return false
	}
	return true
}

func (o *Orchestrator) post(m message) {
	select {
	case o.events <- m:
	case <-o.done:
	}
}

func (o *Orchestrator) goWorker(fn func()) {
	o.workers.Add(1)
	go func() {
		defer o.workers.Done()
		fn()
	}()
}
