package aftermath

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sipserv/sipserv/internal/email"
	"github.com/sipserv/sipserv/internal/shell"
)

type runCall struct {
	command string
	args    []string
}

func recorder(calls *[]runCall, err error) shell.Runner {
	return shell.RunnerFunc(func(_ context.Context, command string, args ...string) (shell.Result, error) {
		*calls = append(*calls, runCall{command: command, args: args})
		return shell.Result{Output: "ok"}, err
	})
}

type fakeMailer struct {
	notifs []email.RecordingNotification
	err    error
}

func (m *fakeMailer) SendRecordingNotification(_ context.Context, _ email.SMTPConfig, n email.RecordingNotification) error {
	m.notifs = append(m.notifs, n)
	return m.err
}

func TestInvokePassesPositionalArgs(t *testing.T) {
	var calls []runCall
	h := NewHook("/usr/local/bin/notify", recorder(&calls, nil))

	if !h.Configured() {
		t.Fatal("Configured() = false")
	}
	path := "/rec/2024-05-01 10-00-00 491701234567 Jane Doe.wav"
	h.Invoke(context.Background(), "<sip:alice@example.com>", "491701234567", path)

	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if calls[0].command != `/usr/local/bin/notify "$1" "$2" "$3"` {
		t.Errorf("command = %q", calls[0].command)
	}
	want := []string{"<sip:alice@example.com>", "491701234567", path}
	for i, a := range want {
		if calls[0].args[i] != a {
			t.Errorf("arg %d = %q, want %q", i+1, calls[0].args[i], a)
		}
	}
}

func TestInvokeFailureIsLogged(t *testing.T) {
	var calls []runCall
	h := NewHook("false", recorder(&calls, shell.ErrCommandFailed))

	// Must not panic or block.
	h.Invoke(context.Background(), "l", "n", "p.wav")
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
}

func TestNotConfigured(t *testing.T) {
	var calls []runCall
	h := NewHook("", recorder(&calls, nil))

	if h.Configured() {
		t.Fatal("Configured() = true without command or mail")
	}
	h.Invoke(context.Background(), "l", "n", "p.wav")
	if len(calls) != 0 {
		t.Errorf("command ran without configuration")
	}
}

func TestInvokeMailsRecording(t *testing.T) {
	var calls []runCall
	m := &fakeMailer{err: errors.New("smtp down")}
	ts := time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC)
	h := NewHook("", recorder(&calls, nil)).
		WithMail(m, email.SMTPConfig{Host: "smtp", Port: "587", From: "a@b"}, "owner@example.com", "subject")
	h.now = func() time.Time { return ts }

	path := filepath.Join(t.TempDir(), "rec.wav")
	if err := os.WriteFile(path, []byte("not a wav"), 0o644); err != nil {
		t.Fatal(err)
	}
	h.Invoke(context.Background(), "<sip:alice@example.com>", "100", path)

	if len(calls) != 0 {
		t.Errorf("no command configured, got %d runs", len(calls))
	}
	if len(m.notifs) != 1 {
		t.Fatalf("notifications = %d, want 1", len(m.notifs))
	}
	n := m.notifs[0]
	if n.To != "owner@example.com" || n.CallerNumber != "100" || n.AudioFile != path || !n.AttachAudio {
		t.Errorf("notification = %+v", n)
	}
	if !n.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v", n.Timestamp)
	}
	if n.DurationSecs != 0 {
		t.Errorf("DurationSecs = %d for an unreadable file", n.DurationSecs)
	}
}

func TestInvokeRealShell(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")
	h := NewHook("printf '%s|%s|%s' >"+out, shell.NewInvoker(5*time.Second))

	h.Invoke(context.Background(), "local", "123", "a b.wav")

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if string(data) != "local|123|a b.wav" {
		t.Errorf("output = %q", data)
	}
}
