// Package assistant – continuation.go drives generation with automatic
// continuation: when the model stops on a length limit the prompt is
// re-issued with the tail of the output so far and the new chunk is merged
// onto the accumulated text via overlap detection.
package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	// maxGenerationCalls caps the total number of model calls per request,
	// including the initial one.
	maxGenerationCalls = 4

	// continuationTailLimit is how much of the accumulated output is fed
	// back into the continuation prompt.
	continuationTailLimit = 1400

	// Overlap window bounds for deduplicating the seam between chunks.
	// overlapMax caps the scan region; overlapMin is the shortest suffix
	// still treated as a real seam rather than a coincidence.
	overlapMax = 280
	overlapMin = 4
)

// ContinuationHandler wraps a Generator with length-truncation recovery.
type ContinuationHandler struct {
	gen       Generator
	maxTokens int
	timeout   time.Duration
	logger    *slog.Logger
}

// NewContinuationHandler builds a handler around gen.
func NewContinuationHandler(gen Generator, maxTokens int, timeout time.Duration, logger *slog.Logger) *ContinuationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContinuationHandler{gen: gen, maxTokens: maxTokens, timeout: timeout, logger: logger}
}

// Generate runs the prompt to completion, issuing up to maxGenerationCalls
// model calls. Cancellation is checked before each call; the caller gets
// either a complete result or the context error, never a half-merged string
// presented as final.
func (h *ContinuationHandler) Generate(ctx context.Context, prompt string) (*GenResult, error) {
	var (
		accumulated string
		usage       Usage
	)

	for call := 0; call < maxGenerationCalls; call++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		callPrompt := prompt
		if call > 0 {
			callPrompt = continuationPrompt(prompt, accumulated)
		}

		result, err := h.gen.Generate(ctx, callPrompt, h.maxTokens, h.timeout)
		if err != nil {
			if accumulated != "" && ctx.Err() == nil {
				// Keep what we have: a truncated answer beats losing the turn.
				h.logger.Warn("continuation call failed, returning partial output", "call", call+1, "error", err)
				return &GenResult{Text: accumulated, FinishReason: "length", Usage: usage}, nil
			}
			return nil, err
		}

		usage.Add(result.Usage)
		if call == 0 {
			accumulated = result.Text
		} else {
			accumulated = mergeWithOverlap(accumulated, result.Text)
		}

		if result.FinishReason != "length" {
			return &GenResult{Text: accumulated, FinishReason: result.FinishReason, Usage: usage}, nil
		}
		h.logger.Debug("output truncated by length, continuing", "call", call+1, "accumulated_len", len(accumulated))
	}

	return &GenResult{Text: accumulated, FinishReason: "length", Usage: usage}, nil
}

// continuationPrompt embeds the original prompt plus the tail of the output
// so far and an instruction to continue seamlessly.
func continuationPrompt(original, accumulated string) string {
	tail := accumulated
	if len(tail) > continuationTailLimit {
		cut := len(tail) - continuationTailLimit
		for cut < len(tail) && !utf8RuneStart(tail[cut]) {
			cut++
		}
		tail = tail[cut:]
	}

	var b strings.Builder
	b.WriteString(original)
	b.WriteString("\n\n---\nYour previous answer was cut off. It ended with:\n\n")
	b.WriteString(tail)
	b.WriteString("\n\nContinue exactly where it stopped. Do not repeat what was already written and do not restart any numbering.")
	return b.String()
}

// mergeWithOverlap appends incoming onto existing, stripping a duplicated
// seam. Window sizes are scanned from large to small so the longest overlap
// wins; with no overlap found the chunks are joined by a newline.
func mergeWithOverlap(existing, incoming string) string {
	if existing == "" {
		return incoming
	}
	if incoming == "" {
		return existing
	}

	maxWindow := overlapMax
	if len(existing) < maxWindow {
		maxWindow = len(existing)
	}
	if len(incoming) < maxWindow {
		maxWindow = len(incoming)
	}

	for window := maxWindow; window >= overlapMin; window-- {
		if strings.HasPrefix(incoming, existing[len(existing)-window:]) {
			return existing + incoming[window:]
		}
	}
	return existing + "\n" + incoming
}

func utf8RuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// FormatUsage renders usage counters for logs and the chat status line.
func FormatUsage(u Usage) string {
	return fmt.Sprintf("%d prompt + %d output = %d tokens", u.PromptTokens, u.OutputTokens, u.TotalTokens)
}
