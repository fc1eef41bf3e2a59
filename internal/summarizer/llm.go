package summarizer

import (
	"context"
	"fmt"
	"strings"

	"github.com/nidhogg/chronicle/internal/provider"
)

const llmPrompt = `Condense the following story memories into one short summary.
Keep names, decisions, promises, injuries and changes in relationships.
Drop filler and repeated detail. Reply with the summary only.%s

%s`

// LLM summarizes through a chat provider routed for PurposeSummarize.
type LLM struct {
	router    *provider.Router
	maxTokens int
}

// NewLLM creates an LLM summarizer. maxTokens bounds the reply (default 512).
func NewLLM(router *provider.Router, maxTokens int) *LLM {
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &LLM{router: router, maxTokens: maxTokens}
}

func (l *LLM) Summarize(ctx context.Context, texts []string, participants []string) (string, error) {
	texts = nonEmpty(texts)
	if len(texts) == 0 {
		return "", ErrEmptyInput
	}
	if l.router == nil {
		return "", fmt.Errorf("no router available for summarization")
	}

	var hint string
	if ps := sortedUnique(participants); len(ps) > 0 {
		hint = "\nCharacters: " + strings.Join(ps, ", ")
	}
	var body strings.Builder
	for i, t := range texts {
		fmt.Fprintf(&body, "%d. %s\n", i+1, strings.TrimSpace(t))
	}

	resp, err := l.router.Route(ctx, provider.PurposeSummarize, &provider.ChatRequest{
		Messages: []provider.Message{
			{Role: provider.RoleUser, Content: fmt.Sprintf(llmPrompt, hint, body.String())},
		},
		MaxTokens: l.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	out := strings.TrimSpace(resp.Content)
	if out == "" {
		return "", fmt.Errorf("summarize: provider returned an empty summary")
	}
	return out, nil
}
