package session

import (
	"context"
	"fmt"
	"strings"

	ctxasm "github.com/nidhogg/chronicle/internal/context"
	"github.com/nidhogg/chronicle/internal/memory"
	"github.com/nidhogg/chronicle/internal/provider"
	"go.uber.org/zap"
)

// Generation is the output of a generation call.
type Generation struct {
	Text       string
	Importance *float64 // hint for the new turn; nil lets the scenario score it
}

// Generator turns an assembled payload into the next reply.
type Generator interface {
	Generate(ctx context.Context, p *ctxasm.Payload) (Generation, error)
}

// GeneratorFunc adapts a plain function to Generator.
type GeneratorFunc func(ctx context.Context, p *ctxasm.Payload) (Generation, error)

func (f GeneratorFunc) Generate(ctx context.Context, p *ctxasm.Payload) (Generation, error) {
	return f(ctx, p)
}

// TurnResult is the outcome of one turn.
type TurnResult struct {
	Input      memory.MessageEntry `json:"input"`
	Reply      memory.MessageEntry `json:"reply"`
	Payload    *ctxasm.Payload     `json:"payload"`
	Compacting bool                `json:"compacting"`
}

// Turn runs one full exchange: the input is scored and logged, the context
// is assembled (spilling old log entries first), the generator is called
// and its reply is logged in turn. Memories the payload used are marked as
// accessed only after the reply is recorded, so an aborted turn leaves them
// untouched. When the raw memory footprint is above the compaction ceiling
// a background compaction is started.
func (s *Session) Turn(ctx context.Context, gen Generator, input string, opts ...MessageOption) (*TurnResult, error) {
	in, err := s.AddMessage(ctx, provider.RoleUser, input, opts...)
	if err != nil {
		return nil, err
	}

	payload, err := s.BuildContext(ctx)
	if err != nil {
		return nil, err
	}

	out, err := gen.Generate(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerate, err)
	}

	var replyOpts []MessageOption
	if out.Importance != nil {
		replyOpts = append(replyOpts, WithImportance(*out.Importance))
	}
	reply, err := s.AddMessage(ctx, provider.RoleAssistant, out.Text, replyOpts...)
	if err != nil {
		return nil, fmt.Errorf("record reply: %w", err)
	}

	s.Commit(payload)

	res := &TurnResult{Input: in, Reply: reply, Payload: payload}
	if s.compactor != nil {
		res.Compacting = s.compactor.Trigger(s.id, s.store)
	}
	s.logger.Debug("turn complete",
		zap.Int("context_tokens", payload.TotalTokens),
		zap.Int("spilled", len(payload.Spilled)),
		zap.Bool("compacting", res.Compacting))
	return res, nil
}

// ProviderGenerator generates replies through a chat provider routed for
// PurposeGenerate.
type ProviderGenerator struct {
	router      *provider.Router
	maxTokens   int
	temperature float64
}

// NewProviderGenerator creates a generator backed by router.
func NewProviderGenerator(router *provider.Router, maxTokens int, temperature float64) *ProviderGenerator {
	return &ProviderGenerator{router: router, maxTokens: maxTokens, temperature: temperature}
}

// Generate sends every segment except the recent log as one system message,
// followed by the recent log as chat turns.
func (g *ProviderGenerator) Generate(ctx context.Context, p *ctxasm.Payload) (Generation, error) {
	resp, err := g.router.Route(ctx, provider.PurposeGenerate, &provider.ChatRequest{
		Messages:    Messages(p),
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
	})
	if err != nil {
		return Generation{}, err
	}
	return Generation{Text: resp.Content}, nil
}

// Messages converts a payload to chat messages.
func Messages(p *ctxasm.Payload) []provider.Message {
	var system []string
	var msgs []provider.Message
	for _, seg := range p.Segments {
		if seg.Name != ctxasm.SegmentRecentLog {
			system = append(system, fmt.Sprintf("## %s\n\n%s", seg.Name, seg.Content()))
			continue
		}
		for _, it := range seg.Items {
			role := it.Role
			if role != provider.RoleAssistant && role != provider.RoleSystem {
				role = provider.RoleUser
			}
			msgs = append(msgs, provider.Message{Role: role, Content: it.Content})
		}
	}
	if len(system) > 0 {
		msgs = append([]provider.Message{{Role: provider.RoleSystem, Content: strings.Join(system, "\n\n")}}, msgs...)
	}
	return msgs
}
