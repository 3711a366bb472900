// Package tokenizer selects a deterministic per-model tokenizer for usage
// accounting (§4.6 point 4, §9 "Token accounting"), grounded on
// SnapdragonPartners-maestro's pkg/utils.TokenCounter. Unlike that fake-name
// reference, model-name-to-codec resolution here covers the model families
// named in the expanded spec's alias table (internal/agentrunner/models.go)
// rather than defaulting everything to GPT-4.
package tokenizer

import (
	"strings"

	"github.com/tiktoken-go/tokenizer"
)

// Count is the result of counting tokens for one piece of text: the count
// itself, and whether it was computed with a real codec or the documented
// word-count fallback.
type Count struct {
	Tokens      int
	Approximate bool
}

// Counter counts tokens for one resolved model name.
type Counter struct {
	codec tokenizer.Codec
}

// modelPrefixes maps a model-name prefix to the tiktoken model family whose
// codec approximates it. Anything unmatched falls back to the word-count
// heuristic and is flagged approximate, per §9.
var modelPrefixes = []struct {
	prefix string
	model  tokenizer.Model
}{
	{"gpt-4", tokenizer.GPT4},
	{"gpt-3.5", tokenizer.GPT4},
	{"o1", tokenizer.GPT4},
	{"o3", tokenizer.GPT4},
	{"claude", tokenizer.GPT4}, // no native Claude BPE in this library; GPT-4 BPE is the closest available approximation
	{"gemini", tokenizer.GPT4},
}

// ForModel resolves a Counter for modelName. The lookup is deterministic: the
// same modelName always resolves to the same codec (or the same fallback
// behavior) for the lifetime of the process.
func ForModel(modelName string) *Counter {
	lower := strings.ToLower(modelName)
	for _, m := range modelPrefixes {
		if strings.HasPrefix(lower, m.prefix) {
			if codec, err := tokenizer.ForModel(m.model); err == nil {
				return &Counter{codec: codec}
			}
			break
		}
	}
	return &Counter{}
}

// Count returns the token count for text, using the resolved codec when
// available or the word-count × 1.3 fallback documented in §9 otherwise.
func (c *Counter) Count(text string) Count {
	if c.codec != nil {
		if n, err := c.codec.Count(text); err == nil {
			return Count{Tokens: n}
		}
	}
	words := len(strings.Fields(text))
	return Count{Tokens: int(float64(words)*1.3 + 0.5), Approximate: true}
}
