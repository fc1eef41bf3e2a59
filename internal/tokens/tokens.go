package tokens

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// Counter returns the token cost of a piece of text. Implementations must be
// deterministic for identical input; they may block or fail.
type Counter interface {
	Count(ctx context.Context, text string) (int, error)
}

// CounterFunc adapts a plain function to the Counter interface.
type CounterFunc func(ctx context.Context, text string) (int, error)

// Count implements Counter.
func (f CounterFunc) Count(ctx context.Context, text string) (int, error) {
	return f(ctx, text)
}

// Estimator is a local heuristic counter that never fails.
// It takes the larger of a word-based estimate (~1.33 tokens per word) and
// a character-based estimate (~4 chars per token, rounded up), which keeps
// code and CJK text from being undercounted.
type Estimator struct{}

// Count implements Counter.
func (Estimator) Count(_ context.Context, text string) (int, error) {
	return Estimate(text), nil
}

// Estimate is the heuristic used by Estimator.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	words := int(float64(len(strings.Fields(text))) * 1.33)
	chars := (len(text) + 3) / 4
	if words > chars {
		return words
	}
	return chars
}

// Tiktoken counts tokens with a BPE encoding.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

// NewTiktoken loads the named encoding (e.g. "cl100k_base").
func NewTiktoken(encoding string) (*Tiktoken, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", encoding, err)
	}
	return &Tiktoken{enc: enc}, nil
}

// Count implements Counter.
func (t *Tiktoken) Count(ctx context.Context, text string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if text == "" {
		return 0, nil
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

// Fallback tries Primary and falls back to Secondary when it fails.
// Failures of the primary counter are treated as transient.
type Fallback struct {
	Primary   Counter
	Secondary Counter
	Logger    *zap.Logger
}

// Count implements Counter.
func (f *Fallback) Count(ctx context.Context, text string) (int, error) {
	n, err := f.Primary.Count(ctx, text)
	if err == nil {
		return n, nil
	}
	if f.Logger != nil {
		f.Logger.Warn("token counter failed, using fallback", zap.Error(err))
	}
	secondary := f.Secondary
	if secondary == nil {
		secondary = Estimator{}
	}
	return secondary.Count(ctx, text)
}

// Sum counts every text and returns the total.
func Sum(ctx context.Context, c Counter, texts ...string) (int, error) {
	total := 0
	for _, t := range texts {
		n, err := c.Count(ctx, t)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}
