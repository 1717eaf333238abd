// Package trimmer bounds a conversation history to a token budget for
// prompting. Trimming happens on a read-side copy only; stored history is
// never rewritten.
package trimmer

import (
	"unicode/utf8"

	"github.com/miam-bot/miam/internal/models"
)

// Tokenizer reports the token cost of a single message for the target model.
type Tokenizer interface {
	CountTokens(msg models.Message) int
}

// Trim selects a suffix of messages whose combined cost fits budget.
//
// A leading system message is always kept and costs nothing against the
// budget. The remaining messages are accumulated newest-first; the oldest
// ones that no longer fit are dropped. Relative order of kept messages is
// preserved. If even the single most recent message exceeds the budget it is
// kept alone so the model always sees the latest input.
func Trim(messages []models.Message, budget int, tok Tokenizer) []models.Message {
	if len(messages) == 0 {
		return nil
	}

	var system []models.Message
	rest := messages
	if messages[0].Role == models.RoleSystem {
		system = messages[:1]
		rest = messages[1:]
	}

	if len(rest) == 0 {
		return append([]models.Message(nil), system...)
	}

	total := 0
	start := len(rest)
	for i := len(rest) - 1; i >= 0; i-- {
		cost := tok.CountTokens(rest[i])
		if total+cost > budget {
			break
		}
		total += cost
		start = i
	}

	// Overflow policy: the most recent message alone blew the budget. Keep
	// it rather than return an empty window.
	if start == len(rest) {
		start = len(rest) - 1
	}

	out := make([]models.Message, 0, len(system)+len(rest)-start)
	out = append(out, system...)
	out = append(out, rest[start:]...)
	return out
}

// Estimator approximates token counts at roughly four characters per token,
// plus a fixed per-message overhead for role framing. Used when no model
// tokenizer is wired in.
type Estimator struct {
	// PerMessage is the framing overhead added to every message.
	PerMessage int
}

// NewEstimator returns an Estimator with the default per-message overhead.
func NewEstimator() Estimator {
	return Estimator{PerMessage: 4}
}

func (e Estimator) CountTokens(msg models.Message) int {
	n := utf8.RuneCountInString(msg.Content)
	return e.PerMessage + (n+3)/4
}
