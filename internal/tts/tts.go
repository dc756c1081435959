// Package tts renders text to WAV files with the espeak speech synthesizer.
package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sipserv/sipserv/internal/shell"
)

// Fixed voice parameters passed to espeak.
const (
	Amplitude     = 100
	CapitalsPitch = 20
	Speed         = 120
	Pitch         = 75
)

// Well-known output files in the working directory.
const (
	IntroFile  = "play.wav"
	AnswerFile = "ans.wav"
)

// ErrSynthesisFailed is returned when the synthesizer exits unsuccessfully.
var ErrSynthesisFailed = errors.New("speech synthesis failed")

// Synthesizer renders text in a language into a WAV file at path.
type Synthesizer interface {
	Render(ctx context.Context, text, language, path string) error
}

// Renderer invokes espeak through a shell runner.
type Renderer struct {
	runner  shell.Runner
	command string
	logger  *slog.Logger
}

// NewRenderer creates a renderer calling binary (default "espeak").
func NewRenderer(runner shell.Runner, binary string) *Renderer {
	if binary == "" {
		binary = "espeak"
	}
	return &Renderer{
		runner:  runner,
		command: Command(binary),
		logger:  slog.Default().With("component", "tts"),
	}
}

// Command returns the shell command line for binary. Language, output path
// and text are passed as $1, $2 and $3.
func Command(binary string) string {
	return fmt.Sprintf(`%s -v"$1" -a%d -k%d -s%d -p%d -w "$2" "$3"`,
		binary, Amplitude, CapitalsPitch, Speed, Pitch)
}

// Render synthesizes text into path.
func (r *Renderer) Render(ctx context.Context, text, language, path string) error {
	r.logger.Debug("rendering speech", "language", language, "path", path, "text", text)

	if _, err := r.runner.Run(ctx, r.command, language, path, text); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSynthesisFailed, path, err)
	}
	return nil
}
