// Package dtmf runs the command bound to a keypad digit and speaks its
// result back to the caller.
package dtmf

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sipserv/sipserv/internal/call"
	"github.com/sipserv/sipserv/internal/config"
	"github.com/sipserv/sipserv/internal/shell"
	"github.com/sipserv/sipserv/internal/tts"
)

// Playback replaces the media of the current call.
type Playback interface {
	// ReleaseMedia closes the player and recorder of sess.
	ReleaseMedia(sess *call.Session)
	// Play starts a new player for sess on the WAV file at path.
	Play(sess *call.Session, path string) error
}

// Stats holds dispatcher counters.
type Stats struct {
	Dispatched uint64
	Dropped    uint64
	Failed     uint64
}

type slot struct {
	action     config.DigitAction
	processing atomic.Bool
}

// Dispatcher handles digit events. Each digit has a processing flag; a
// digit pressed again while its command is still running is dropped.
type Dispatcher struct {
	slots      [config.MaxDigits]slot
	runner     shell.Runner
	synth      tts.Synthesizer
	playback   Playback
	language   string
	answerPath string
	logger     *slog.Logger

	// renderMu serializes writes of the shared answer file.
	renderMu sync.Mutex

	dispatched atomic.Uint64
	dropped    atomic.Uint64
	failed     atomic.Uint64
}

// NewDispatcher creates a dispatcher for the given digit actions.
func NewDispatcher(actions [config.MaxDigits]config.DigitAction, runner shell.Runner, synth tts.Synthesizer, playback Playback, language, answerPath string) *Dispatcher {
	if answerPath == "" {
		answerPath = tts.AnswerFile
	}
	d := &Dispatcher{
		runner:     runner,
		synth:      synth,
		playback:   playback,
		language:   language,
		answerPath: answerPath,
		logger:     slog.Default().With("component", "dtmf"),
	}
	for i := range actions {
		d.slots[i].action = actions[i]
	}
	return d
}

// HandleDigit runs the action bound to digit for sess. Digits outside 1..9
// are ignored.
func (d *Dispatcher) HandleDigit(ctx context.Context, sess *call.Session, digit int) {
	if digit < 1 || digit > config.MaxDigits {
		d.logger.Debug("ignoring digit", "digit", digit)
		return
	}
	s := &d.slots[digit-1]

	if !s.processing.CompareAndSwap(false, true) {
		d.dropped.Add(1)
		d.logger.Info("dtmf key already processing, dropped", "digit", digit)
		return
	}
	defer s.processing.Store(false)

	if !s.action.Active {
		d.logger.Info("no active command for dtmf key", "digit", digit)
		return
	}

	d.dispatched.Add(1)
	log := d.logger.With("digit", digit, "call_id", sess.CallID)
	log.Info("running dtmf command", "description", s.action.Description)

	out, err := shell.Capture(ctx, d.runner, s.action.Command)
	if err != nil {
		d.failed.Add(1)
		log.Error("dtmf command failed", "command", s.action.Command, "error", err)
		return
	}

	d.playback.ReleaseMedia(sess)

	text := FormatAnswer(s.action.Answer, strings.TrimSpace(out))

	d.renderMu.Lock()
	defer d.renderMu.Unlock()

	if err := d.synth.Render(ctx, text, d.language, d.answerPath); err != nil {
		d.failed.Add(1)
		log.Error("failed to synthesize dtmf answer", "error", err)
		return
	}
	if err := d.playback.Play(sess, d.answerPath); err != nil {
		log.Warn("failed to play dtmf answer", "error", err)
	}
}

// Processing reports whether digit's command is currently running.
func (d *Dispatcher) Processing(digit int) bool {
	if digit < 1 || digit > config.MaxDigits {
		return false
	}
	return d.slots[digit-1].processing.Load()
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched: d.dispatched.Load(),
		Dropped:    d.dropped.Load(),
		Failed:     d.failed.Load(),
	}
}

// FormatAnswer substitutes the first "%s" in template with result.
func FormatAnswer(template, result string) string {
	before, after, found := strings.Cut(template, "%s")
	if !found {
		return template
	}
	return before + result + after
}
