package media

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/go-audio/wav"
	"github.com/zaf/g711"
)

// WAV format codes understood by the loader.
const (
	wavFormatPCM  = 1
	wavFormatPCMA = 6 // G.711 a-law
	wavFormatPCMU = 7 // G.711 u-law

	// SampleRate is the rate of every stream we send and record.
	SampleRate = 8000

	// samplesPerPacket is 20ms of audio at 8 kHz.
	samplesPerPacket = 160

	packetDuration = 20 * time.Millisecond
)

// ErrUnsupportedWAV is returned for WAV encodings the loader cannot decode.
var ErrUnsupportedWAV = errors.New("unsupported wav encoding")

// LoadPCM reads a WAV file and returns its audio as 8 kHz mono linear PCM.
// PCM (8/16/24/32 bit), a-law and u-law inputs at any rate and channel
// count are accepted; channels are averaged and the rate is converted by
// linear interpolation.
func LoadPCM(path string) ([]int16, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return nil, fmt.Errorf("reading wav header %s: %w", path, err)
	}
	if dec.NumChans < 1 || dec.SampleRate == 0 {
		return nil, fmt.Errorf("%s: %w: %d channels at %d Hz", path, ErrUnsupportedWAV, dec.NumChans, dec.SampleRate)
	}

	convert, err := sampleConverter(dec.WavAudioFormat, dec.BitDepth)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decoding wav %s: %w", path, err)
	}

	mono := downmix(buf.Data, int(dec.NumChans), convert)
	return resample(mono, int(dec.SampleRate), SampleRate), nil
}

// WAVDuration returns the playing time of a WAV file.
func WAVDuration(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening wav: %w", err)
	}
	defer f.Close()

	d, err := wav.NewDecoder(f).Duration()
	if err != nil {
		return 0, fmt.Errorf("reading wav duration %s: %w", path, err)
	}
	return d, nil
}

// sampleConverter returns a function mapping a raw decoded sample to
// 16-bit linear PCM.
func sampleConverter(format, bitDepth uint16) (func(int) int16, error) {
	switch format {
	case wavFormatPCMU:
		if bitDepth != 8 {
			return nil, fmt.Errorf("%w: %d-bit u-law", ErrUnsupportedWAV, bitDepth)
		}
		return func(v int) int16 { return g711.DecodeUlawFrame(uint8(v)) }, nil
	case wavFormatPCMA:
		if bitDepth != 8 {
			return nil, fmt.Errorf("%w: %d-bit a-law", ErrUnsupportedWAV, bitDepth)
		}
		return func(v int) int16 { return g711.DecodeAlawFrame(uint8(v)) }, nil
	case wavFormatPCM:
		switch bitDepth {
		case 8:
			// 8-bit PCM is unsigned around 128.
			return func(v int) int16 { return int16((v - 128) << 8) }, nil
		case 16:
			return func(v int) int16 { return int16(v) }, nil
		case 24:
			return func(v int) int16 { return int16(v >> 8) }, nil
		case 32:
			return func(v int) int16 { return int16(v >> 16) }, nil
		}
	}
	return nil, fmt.Errorf("%w: format %d, %d bits", ErrUnsupportedWAV, format, bitDepth)
}

func downmix(data []int, channels int, convert func(int) int16) []int16 {
	out := make([]int16, len(data)/channels)
	for i := range out {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += int(convert(data[i*channels+c]))
		}
		out[i] = int16(sum / channels)
	}
	return out
}

func resample(in []int16, from, to int) []int16 {
	if from == to || len(in) == 0 {
		return in
	}
	n := int(int64(len(in)) * int64(to) / int64(from))
	out := make([]int16, n)
	step := float64(from) / float64(to)
	last := len(in) - 1
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= last {
			out[i] = in[last]
			continue
		}
		frac := pos - float64(j)
		out[i] = int16(math.Round(float64(in[j])*(1-frac) + float64(in[j+1])*frac))
	}
	return out
}
