// Package summarizer condenses groups of memory texts into a single summary.
package summarizer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// ErrEmptyInput is returned when there is nothing to summarize.
var ErrEmptyInput = errors.New("summarizer: empty input")

// Summarizer turns a sequence of texts into one shorter text.
// Participants are hints; implementations may ignore them.
type Summarizer interface {
	Summarize(ctx context.Context, texts []string, participants []string) (string, error)
}

// Func adapts a plain function to Summarizer.
type Func func(ctx context.Context, texts []string, participants []string) (string, error)

func (f Func) Summarize(ctx context.Context, texts []string, participants []string) (string, error) {
	return f(ctx, texts, participants)
}

// Extractive builds a summary without a model: the head of each text as a
// key event, then the characters involved, truncated to TargetLength runes.
type Extractive struct {
	MaxEvents    int // default 5
	EventLength  int // default 100 runes
	TargetLength int // default 500 runes
}

func (e Extractive) Summarize(ctx context.Context, texts []string, participants []string) (string, error) {
	texts = nonEmpty(texts)
	if len(texts) == 0 {
		return "", ErrEmptyInput
	}
	maxEvents := e.MaxEvents
	if maxEvents <= 0 {
		maxEvents = 5
	}
	eventLen := e.EventLength
	if eventLen <= 0 {
		eventLen = 100
	}
	target := e.TargetLength
	if target <= 0 {
		target = 500
	}

	var b strings.Builder
	b.WriteString("Key events:")
	for i, t := range texts {
		if i == maxEvents {
			fmt.Fprintf(&b, "\n- (+%d more)", len(texts)-maxEvents)
			break
		}
		b.WriteString("\n- ")
		b.WriteString(truncate(strings.Join(strings.Fields(t), " "), eventLen))
	}
	if ps := sortedUnique(participants); len(ps) > 0 {
		b.WriteString("\n\nCharacters involved: ")
		b.WriteString(strings.Join(ps, ", "))
	}
	return truncate(b.String(), target), nil
}

// Chain tries each summarizer in order and returns the first success.
type Chain struct {
	Summarizers []Summarizer
	Logger      *zap.Logger
}

func (c Chain) Summarize(ctx context.Context, texts []string, participants []string) (string, error) {
	if len(nonEmpty(texts)) == 0 {
		return "", ErrEmptyInput
	}
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var errs []error
	for i, s := range c.Summarizers {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		out, err := s.Summarize(ctx, texts, participants)
		if err == nil && strings.TrimSpace(out) != "" {
			return out, nil
		}
		if err == nil {
			err = errors.New("blank summary")
		}
		logger.Warn("summarizer failed, trying next", zap.Int("index", i), zap.Error(err))
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", errors.New("summarizer: chain is empty")
	}
	return "", fmt.Errorf("all summarizers failed: %w", errors.Join(errs...))
}

func nonEmpty(texts []string) []string {
	out := make([]string, 0, len(texts))
	for _, t := range texts {
		if strings.TrimSpace(t) != "" {
			out = append(out, t)
		}
	}
	return out
}

func sortedUnique(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	if n <= 3 {
		return string([]rune(s)[:n])
	}
	return string([]rune(s)[:n-3]) + "..."
}
