package dtmf

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipserv/sipserv/internal/call"
	"github.com/sipserv/sipserv/internal/config"
	"github.com/sipserv/sipserv/internal/shell"
)

type fakeSynth struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (f *fakeSynth) Render(_ context.Context, text, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return f.err
}

type fakePlayback struct {
	mu       sync.Mutex
	released int
	played   []string
}

func (f *fakePlayback) ReleaseMedia(*call.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
}

func (f *fakePlayback) Play(_ *call.Session, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.played = append(f.played, path)
	return nil
}

func actions() [config.MaxDigits]config.DigitAction {
	var a [config.MaxDigits]config.DigitAction
	for i := range a {
		a[i].Digit = i + 1
	}
	a[0] = config.DigitAction{Digit: 1, Active: true, Answer: "Your balance is %s euro.", Command: "balance"}
	a[2] = config.DigitAction{Digit: 3, Active: false, Command: "never"}
	return a
}

type countingRunner struct {
	calls  atomic.Int32
	output string
	err    error
	block  chan struct{}
}

func (r *countingRunner) Run(ctx context.Context, _ string, _ ...string) (shell.Result, error) {
	r.calls.Add(1)
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
		}
	}
	return shell.Result{Output: r.output}, r.err
}

var sess = &call.Session{CallID: "call-1"}

func TestHandleDigitSuccess(t *testing.T) {
	runner := &countingRunner{output: "42\r"}
	synth := &fakeSynth{}
	pb := &fakePlayback{}
	d := NewDispatcher(actions(), runner, synth, pb, "en", "ans.wav")

	d.HandleDigit(context.Background(), sess, 1)

	assert.EqualValues(t, 1, runner.calls.Load())
	assert.Equal(t, 1, pb.released)
	require.Len(t, synth.texts, 1)
	assert.Equal(t, "Your balance is 42 euro.", synth.texts[0])
	assert.Equal(t, []string{"ans.wav"}, pb.played)
	assert.False(t, d.Processing(1))
	assert.Equal(t, Stats{Dispatched: 1}, d.Stats())
}

func TestHandleDigitOutOfRange(t *testing.T) {
	runner := &countingRunner{output: "1"}
	pb := &fakePlayback{}
	d := NewDispatcher(actions(), runner, &fakeSynth{}, pb, "en", "")

	for _, digit := range []int{0, -1, 10, 11} {
		d.HandleDigit(context.Background(), sess, digit)
	}
	assert.Zero(t, runner.calls.Load())
	assert.Zero(t, pb.released)
	assert.Equal(t, Stats{}, d.Stats())
}

func TestHandleDigitInactive(t *testing.T) {
	runner := &countingRunner{output: "1"}
	pb := &fakePlayback{}
	d := NewDispatcher(actions(), runner, &fakeSynth{}, pb, "en", "")

	d.HandleDigit(context.Background(), sess, 3)

	assert.Zero(t, runner.calls.Load(), "inactive digit must not spawn a process")
	assert.Zero(t, pb.released)
	assert.False(t, d.Processing(3))
}

func TestHandleDigitCommandFailure(t *testing.T) {
	for _, tc := range []struct {
		name   string
		runner *countingRunner
	}{
		{"non-zero exit", &countingRunner{err: shell.ErrCommandFailed}},
		{"empty output", &countingRunner{output: ""}},
		{"timeout", &countingRunner{err: shell.ErrTimeout}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			synth := &fakeSynth{}
			pb := &fakePlayback{}
			d := NewDispatcher(actions(), tc.runner, synth, pb, "en", "")

			d.HandleDigit(context.Background(), sess, 1)

			assert.Zero(t, pb.released, "media must stay untouched on failure")
			assert.Empty(t, synth.texts)
			assert.False(t, d.Processing(1))
			assert.EqualValues(t, 1, d.Stats().Failed)
		})
	}
}

func TestHandleDigitSynthesisFailure(t *testing.T) {
	synth := &fakeSynth{err: errors.New("espeak missing")}
	pb := &fakePlayback{}
	d := NewDispatcher(actions(), &countingRunner{output: "7"}, synth, pb, "en", "")

	d.HandleDigit(context.Background(), sess, 1)

	assert.Equal(t, 1, pb.released)
	assert.Empty(t, pb.played, "no playback after a failed synthesis")
	assert.False(t, d.Processing(1))
}

func TestHandleDigitDropsWhileProcessing(t *testing.T) {
	runner := &countingRunner{output: "1", block: make(chan struct{})}
	d := NewDispatcher(actions(), runner, &fakeSynth{}, &fakePlayback{}, "en", "")

	done := make(chan struct{})
	go func() {
		d.HandleDigit(context.Background(), sess, 1)
		close(done)
	}()

	require.Eventually(t, func() bool { return d.Processing(1) }, time.Second, 5*time.Millisecond)

	// Same digit while the first is running: dropped, not queued.
	d.HandleDigit(context.Background(), sess, 1)
	d.HandleDigit(context.Background(), sess, 1)

	close(runner.block)
	<-done

	assert.EqualValues(t, 1, runner.calls.Load())
	assert.EqualValues(t, 2, d.Stats().Dropped)
	assert.False(t, d.Processing(1))

	// Flag cleared: a later press runs again.
	d.HandleDigit(context.Background(), sess, 1)
	assert.EqualValues(t, 2, runner.calls.Load())
}

func TestFormatAnswer(t *testing.T) {
	assert.Equal(t, "It is 21 degrees.", FormatAnswer("It is %s degrees.", "21"))
	assert.Equal(t, "Done.", FormatAnswer("Done.", "21"))
	assert.Equal(t, "a 1 b %s", FormatAnswer("a %s b %s", "1"))
}
