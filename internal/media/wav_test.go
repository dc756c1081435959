package media

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/zaf/g711"
)

// writeRawWAV writes a minimal WAV file with a 16-byte fmt chunk and the
// given data chunk. Returns the path to the temporary file.
func writeRawWAV(t *testing.T, format uint16, sampleRate uint32, channels uint16, bitsPerSample uint16, data []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.wav")

	var fmtBuf bytes.Buffer
	binary.Write(&fmtBuf, binary.LittleEndian, format)
	binary.Write(&fmtBuf, binary.LittleEndian, channels)
	binary.Write(&fmtBuf, binary.LittleEndian, sampleRate)
	byteRate := sampleRate * uint32(channels) * uint32(bitsPerSample) / 8
	binary.Write(&fmtBuf, binary.LittleEndian, byteRate)
	blockAlign := channels * bitsPerSample / 8
	binary.Write(&fmtBuf, binary.LittleEndian, blockAlign)
	binary.Write(&fmtBuf, binary.LittleEndian, bitsPerSample)

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(4+8+fmtBuf.Len()+8+len(data)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(fmtBuf.Len()))
	buf.Write(fmtBuf.Bytes())
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// writePCMWAV writes 16-bit PCM samples through the go-audio encoder.
func writePCMWAV(t *testing.T, sampleRate, channels int, samples []int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "pcm.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, channels, wavFormatPCM)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadPCM_Ulaw(t *testing.T) {
	data := bytes.Repeat([]byte{g711.EncodeUlawFrame(1000)}, 1600) // 200ms
	path := writeRawWAV(t, wavFormatPCMU, 8000, 1, 8, data)

	samples, err := LoadPCM(path)
	if err != nil {
		t.Fatalf("LoadPCM: %v", err)
	}
	if len(samples) != 1600 {
		t.Fatalf("len = %d, want 1600", len(samples))
	}
	want := g711.DecodeUlawFrame(data[0])
	if samples[0] != want || samples[1599] != want {
		t.Errorf("samples = %d..%d, want %d", samples[0], samples[1599], want)
	}
}

func TestLoadPCM_Alaw(t *testing.T) {
	data := bytes.Repeat([]byte{g711.EncodeAlawFrame(-2000)}, 800)
	path := writeRawWAV(t, wavFormatPCMA, 8000, 1, 8, data)

	samples, err := LoadPCM(path)
	if err != nil {
		t.Fatalf("LoadPCM: %v", err)
	}
	if len(samples) != 800 {
		t.Fatalf("len = %d, want 800", len(samples))
	}
	if samples[0] != g711.DecodeAlawFrame(data[0]) {
		t.Errorf("sample = %d, want %d", samples[0], g711.DecodeAlawFrame(data[0]))
	}
}

func TestLoadPCM_8BitUnsigned(t *testing.T) {
	path := writeRawWAV(t, wavFormatPCM, 8000, 1, 8, []byte{128, 255, 0})

	samples, err := LoadPCM(path)
	if err != nil {
		t.Fatalf("LoadPCM: %v", err)
	}
	want := []int16{0, 127 << 8, -128 << 8}
	for i := range want {
		if samples[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, samples[i], want[i])
		}
	}
}

func TestLoadPCM_StereoDownmix(t *testing.T) {
	// Interleaved L/R pairs.
	path := writePCMWAV(t, 8000, 2, []int{1000, 3000, -500, 500, 200, 200})

	samples, err := LoadPCM(path)
	if err != nil {
		t.Fatalf("LoadPCM: %v", err)
	}
	want := []int16{2000, 0, 200}
	if len(samples) != len(want) {
		t.Fatalf("len = %d, want %d", len(samples), len(want))
	}
	for i := range want {
		if samples[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, samples[i], want[i])
		}
	}
}

func TestLoadPCM_Resamples(t *testing.T) {
	// espeak renders 22050 Hz; one second must come out as one second.
	in := make([]int, 22050)
	for i := range in {
		in[i] = 1234
	}
	path := writePCMWAV(t, 22050, 1, in)

	samples, err := LoadPCM(path)
	if err != nil {
		t.Fatalf("LoadPCM: %v", err)
	}
	if len(samples) != 8000 {
		t.Fatalf("len = %d, want 8000", len(samples))
	}
	if samples[0] != 1234 || samples[7999] != 1234 {
		t.Errorf("constant signal changed: %d, %d", samples[0], samples[7999])
	}
}

func TestLoadPCM_Unsupported(t *testing.T) {
	// IEEE float.
	path := writeRawWAV(t, 3, 8000, 1, 32, make([]byte, 64))
	if _, err := LoadPCM(path); !errors.Is(err, ErrUnsupportedWAV) {
		t.Errorf("err = %v, want ErrUnsupportedWAV", err)
	}

	// 16-bit u-law is not a thing.
	path = writeRawWAV(t, wavFormatPCMU, 8000, 1, 16, make([]byte, 64))
	if _, err := LoadPCM(path); !errors.Is(err, ErrUnsupportedWAV) {
		t.Errorf("err = %v, want ErrUnsupportedWAV", err)
	}
}

func TestLoadPCM_NotWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.wav")
	os.WriteFile(path, []byte("not a wav file at all"), 0644)

	if _, err := LoadPCM(path); err == nil {
		t.Error("expected error for non-RIFF file")
	}
	if _, err := LoadPCM(filepath.Join(t.TempDir(), "missing.wav")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestWAVDuration(t *testing.T) {
	path := writeRawWAV(t, wavFormatPCMU, 8000, 1, 8, make([]byte, 8000))

	d, err := WAVDuration(path)
	if err != nil {
		t.Fatalf("WAVDuration: %v", err)
	}
	if diff := d - time.Second; diff < -50*time.Millisecond || diff > 50*time.Millisecond {
		t.Errorf("duration = %v, want ~1s", d)
	}
}

func TestResample(t *testing.T) {
	in := []int16{0, 100, 200, 300}

	if got := resample(in, 8000, 8000); len(got) != 4 {
		t.Errorf("same-rate resample changed length to %d", len(got))
	}

	up := resample(in, 8000, 16000)
	if len(up) != 8 {
		t.Fatalf("upsampled len = %d, want 8", len(up))
	}
	if up[1] != 50 || up[2] != 100 {
		t.Errorf("interpolation = %v", up)
	}
	if up[7] != 300 {
		t.Errorf("tail sample = %d, want 300", up[7])
	}
}
