package stream

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// shortCircuitLen is the point past which exact BPE tokenization is
// skipped in favor of a byte-length estimate, trading accuracy for
// latency on very large prompts.
const shortCircuitLen = 20000

var (
	tokenizerOnce sync.Once
	sharedCodec   tokenizer.Codec
	tokenizerErr  error
)

func codec() (tokenizer.Codec, error) {
	tokenizerOnce.Do(func() {
		sharedCodec, tokenizerErr = tokenizer.Get(tokenizer.O200kBase)
	})
	return sharedCodec, tokenizerErr
}

// TokenCounter estimates token counts with a configurable multiplier,
// applied to account for the systematic difference between the
// tiktoken BPE count and the upstream's own (undisclosed) tokenizer.
type TokenCounter struct {
	multiplier float64
}

// NewTokenCounter constructs a counter. multiplier must be in (0, 10];
// values outside that range fall back to 1.0.
func NewTokenCounter(multiplier float64) *TokenCounter {
	if multiplier <= 0 || multiplier > 10 {
		multiplier = 1.0
	}
	return &TokenCounter{multiplier: multiplier}
}

// Count returns the estimated token count for text.
func (c *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}

	var base int
	if len(text) > shortCircuitLen {
		base = estimateByByteLength(text)
	} else {
		enc, err := codec()
		if err != nil {
			base = estimateByByteLength(text)
		} else {
			_, tokens, encErr := enc.Encode(text)
			if encErr != nil {
				base = estimateByByteLength(text)
			} else {
				base = len(tokens)
			}
		}
	}

	scaled := int(float64(base) * c.multiplier)
	if scaled == 0 && base > 0 {
		scaled = 1
	}
	return scaled
}

// CountAll sums Count across every string in texts.
func (c *TokenCounter) CountAll(texts []string) int {
	total := 0
	for _, t := range texts {
		total += c.Count(t)
	}
	return total
}

func estimateByByteLength(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// CompressIfNeeded truncates text to approximately the configured
// threshold of characters when it exceeds it, keeping the head and
// tail and marking the gap, for requests whose context would otherwise
// blow the upstream's window.
func CompressIfNeeded(text string, thresholdChars int) string {
	if thresholdChars <= 0 || len(text) <= thresholdChars {
		return text
	}
	half := thresholdChars / 2
	var b strings.Builder
	b.WriteString(text[:half])
	b.WriteString("\n...[truncated]...\n")
	b.WriteString(text[len(text)-half:])
	return b.String()
}
