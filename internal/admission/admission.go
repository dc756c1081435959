// Package admission decides whether an incoming call is answered.
package admission

import (
	"context"
	"log/slog"
	"strings"

	"github.com/sipserv/sipserv/internal/shell"
)

// Placeholder in the command template that receives the caller number.
const Placeholder = "#"

// Controller screens callers with an operator-supplied command. The command
// approves a caller by printing '1' as the very first byte of its output.
type Controller struct {
	template string
	runner   shell.Runner
	logger   *slog.Logger
}

// NewController creates a controller. An empty template accepts every call.
func NewController(template string, runner shell.Runner) *Controller {
	return &Controller{
		template: template,
		runner:   runner,
		logger:   slog.Default().With("component", "admission"),
	}
}

// ShouldAccept reports whether the call from number should be answered.
// Command failures reject the call.
func (c *Controller) ShouldAccept(ctx context.Context, number string) bool {
	if c.template == "" {
		return true
	}

	command := BuildCommand(c.template, number)
	res, err := c.runner.Run(ctx, command)
	if err != nil {
		c.logger.Warn("admission check failed", "number", number, "command", command, "error", err)
		return false
	}
	if !Accepted(res.Output) {
		c.logger.Info("will not take call", "number", number, "result", res.Output)
		return false
	}

	c.logger.Info("call accepted by admission command", "number", number)
	return true
}

// Accepted applies the admission contract to captured output.
func Accepted(output string) bool {
	return len(output) > 0 && output[0] == '1'
}

// BuildCommand replaces the first placeholder in template with number. The
// template is returned unchanged when it has no placeholder. Numbers with
// characters outside [A-Za-z0-9+._-] are single-quoted for the shell.
func BuildCommand(template, number string) string {
	before, after, found := strings.Cut(template, Placeholder)
	if !found {
		return template
	}
	return before + quote(number) + after
}

func quote(s string) string {
	safe := s != ""
	for _, r := range s {
		if !isSafe(r) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func isSafe(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '+', r == '.', r == '_', r == '-':
		return true
	}
	return false
}
