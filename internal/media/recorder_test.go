package media

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zaf/g711"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRecorderBasic(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "test.wav")

	rec, err := NewRecorder(fp, testLogger())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	if rec.Path() != fp {
		t.Errorf("Path = %q, want %q", rec.Path(), fp)
	}

	payload := bytes.Repeat([]byte{g711.EncodeUlawFrame(3000)}, samplesPerPacket)
	for i := 0; i < 50; i++ {
		rec.Feed(payload, PayloadPCMU)
	}

	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	samples, err := LoadPCM(fp)
	if err != nil {
		t.Fatalf("recording does not decode: %v", err)
	}
	// 50 packets × 160 samples = 1 second.
	if len(samples) != 8000 {
		t.Errorf("samples = %d, want 8000", len(samples))
	}
	if samples[0] != g711.DecodeUlawFrame(payload[0]) {
		t.Errorf("sample = %d, want %d", samples[0], g711.DecodeUlawFrame(payload[0]))
	}

	d, err := WAVDuration(fp)
	if err != nil {
		t.Fatalf("WAVDuration: %v", err)
	}
	if diff := d - time.Second; diff < -50*time.Millisecond || diff > 50*time.Millisecond {
		t.Errorf("duration = %v, want ~1s", d)
	}
}

func TestRecorderPCMA(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "alaw.wav")
	rec, err := NewRecorder(fp, testLogger())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	payload := bytes.Repeat([]byte{g711.EncodeAlawFrame(-1500)}, samplesPerPacket)
	rec.Feed(payload, PayloadPCMA)
	rec.Close()

	samples, err := LoadPCM(fp)
	if err != nil {
		t.Fatalf("LoadPCM: %v", err)
	}
	if len(samples) != samplesPerPacket {
		t.Fatalf("samples = %d, want %d", len(samples), samplesPerPacket)
	}
	if samples[0] != g711.DecodeAlawFrame(payload[0]) {
		t.Errorf("sample = %d, want %d", samples[0], g711.DecodeAlawFrame(payload[0]))
	}
}

func TestRecorderIgnoresUnsupportedAndEmpty(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "empty.wav")
	rec, err := NewRecorder(fp, testLogger())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	rec.Feed(nil, PayloadPCMU)
	rec.Feed([]byte{1, 2, 3}, 111)
	rec.Close()

	samples, err := LoadPCM(fp)
	if err != nil {
		t.Fatalf("LoadPCM: %v", err)
	}
	if len(samples) != 0 {
		t.Errorf("samples = %d, want 0", len(samples))
	}
}

func TestRecorderDoubleClose(t *testing.T) {
	rec, err := NewRecorder(filepath.Join(t.TempDir(), "x.wav"), testLogger())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	// Feeding after close must not panic.
	rec.Feed([]byte{0xFF}, PayloadPCMU)
}

func TestRecorderCreatesDirectories(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "a", "b", "rec.wav")
	rec, err := NewRecorder(fp, testLogger())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	rec.Close()

	if _, err := os.Stat(fp); err != nil {
		t.Errorf("recording not created: %v", err)
	}
}
