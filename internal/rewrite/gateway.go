// Package rewrite wraps the external text-rewrite service behind a
// fail-open gateway: callers always get usable text back.
package rewrite

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bryan-buckman/newsrelay/internal/logging"
)

// ErrNotConfigured is reported when no generator is available.
var ErrNotConfigured = errors.New("rewrite service not configured")

// ErrEmptyResponse is reported when the service returns no text.
var ErrEmptyResponse = errors.New("rewrite service returned empty text")

// Generator produces text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Result is the outcome of a rewrite. Text is always usable: on failure it
// is the original text and Err explains why.
type Result struct {
	Text string
	Err  error
}

// Failed reports whether the rewrite fell back to the original text.
func (r Result) Failed() bool {
	return r.Err != nil
}

// Gateway applies the house rules and the fail-open policy around a Generator.
type Gateway struct {
	gen        Generator
	houseRules string
	logger     *logging.Logger
}

// NewGateway creates a gateway. gen may be nil, in which case every rewrite
// falls back to the original text.
func NewGateway(gen Generator, houseRules string, logger *logging.Logger) *Gateway {
	return &Gateway{
		gen:        gen,
		houseRules: houseRules,
		logger:     logger.WithComponent("rewrite"),
	}
}

// Rewrite asks the service to revise rawText following instruction.
// It never returns an error; failures come back as Result.Err with the raw text.
func (g *Gateway) Rewrite(ctx context.Context, rawText, instruction, sourceID string) Result {
	if g.gen == nil {
		g.logger.Warn("rewrite skipped", "error", ErrNotConfigured)
		return Result{Text: rawText, Err: ErrNotConfigured}
	}

	prompt := BuildPrompt(g.houseRules, rawText, instruction, sourceID)
	g.logger.Debug("sending rewrite request", "source_id", sourceID, "prompt_len", len(prompt))

	out, err := g.gen.Generate(ctx, prompt)
	if err != nil {
		g.logger.Error("rewrite failed", "source_id", sourceID, "error", err)
		return Result{Text: rawText, Err: fmt.Errorf("generate: %w", err)}
	}
	out = cleanOutput(out)
	if out == "" {
		g.logger.Warn("rewrite returned empty text", "source_id", sourceID)
		return Result{Text: rawText, Err: ErrEmptyResponse}
	}
	g.logger.Info("rewrite completed", "source_id", sourceID, "chars", len(out))
	return Result{Text: out}
}

// BuildPrompt assembles the request sent to the rewrite service.
func BuildPrompt(houseRules, rawText, instruction, sourceID string) string {
	var sb strings.Builder
	if houseRules != "" {
		sb.WriteString(strings.TrimSpace(houseRules))
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "Text: %s\n\n", rawText)
	if sourceID != "" {
		fmt.Fprintf(&sb, "Source: %s\n\n", sourceID)
	}
	fmt.Fprintf(&sb, "Moderator comment: %s\n\n", instruction)
	sb.WriteString("Return only the final version of the text.")
	return sb.String()
}

// cleanOutput trims whitespace and a surrounding markdown code fence.
func cleanOutput(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") && strings.HasSuffix(s, "```") && len(s) >= 6 {
		s = strings.TrimSuffix(s, "```")
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.ContainsAny(s[:nl], " \t") {
			// drop a language tag such as ```text
			s = s[nl+1:]
		}
	}
	return strings.TrimSpace(s)
}
