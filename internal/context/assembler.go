package context

import (
	"context"
	"sort"

	"github.com/nidhogg/chronicle/internal/memory"
	"github.com/nidhogg/chronicle/internal/tokens"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Assembler builds per-turn context payloads under a token budget.
type Assembler struct {
	config  Config
	store   *memory.Store
	counter tokens.Counter
	logger  *zap.Logger

	tokensHist metric.Int64Histogram
	spilled    metric.Int64Counter
}

// NewAssembler creates an assembler drawing memories from store. A failing
// counter degrades to the heuristic estimate.
func NewAssembler(cfg Config, store *memory.Store, counter tokens.Counter, logger *zap.Logger) *Assembler {
	d := DefaultConfig()
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = d.MaxTokens
	}
	if cfg.ReserveRatio < 0 || cfg.ReserveRatio >= 1 {
		cfg.ReserveRatio = d.ReserveRatio
	}
	if cfg.RecentMinEntries < 0 {
		cfg.RecentMinEntries = 0
	}
	if cfg.RecentMinTokens < 0 {
		cfg.RecentMinTokens = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if counter == nil {
		counter = tokens.Estimator{}
	}

	meter := otel.Meter("github.com/nidhogg/chronicle/internal/context")
	hist, err := meter.Int64Histogram("chronicle.context.tokens",
		metric.WithDescription("Tokens in assembled context payloads"))
	if err != nil {
		logger.Warn("context metrics unavailable", zap.Error(err))
	}
	spilled, err := meter.Int64Counter("chronicle.context.spilled",
		metric.WithDescription("Log entries spilled into long-term memory"))
	if err != nil {
		logger.Warn("context metrics unavailable", zap.Error(err))
	}

	return &Assembler{
		config:     cfg,
		store:      store,
		counter:    &tokens.Fallback{Primary: counter, Logger: logger},
		logger:     logger,
		tokensHist: hist,
		spilled:    spilled,
	}
}

// Config returns the assembler configuration.
func (a *Assembler) Config() Config { return a.config }

// Build assembles the payload for one turn.
//
// The system prompt, character sheets and world state are always included
// in full; if one of them cannot fit, Build fails with a
// BudgetExceededError. The remaining budget goes to the recent log, then to
// important memories, then to summaries. Log entries that fall outside the
// recent window are spilled into the memory store and removed from the
// returned live log. Build never touches existing records.
func (a *Assembler) Build(ctx context.Context, in Input, budget TokenBudget) (*Payload, error) {
	p := &Payload{Budget: budget}
	remaining := budget.MaxTokens

	mandatory := []struct {
		name  SegmentName
		texts []string
	}{
		{SegmentSystem, []string{in.SystemPrompt}},
		{SegmentCharacterSheets, in.CharacterSheets},
		{SegmentWorldState, []string{in.WorldState}},
	}
	for _, m := range mandatory {
		seg := Segment{Name: m.name}
		for _, text := range m.texts {
			if text == "" {
				continue
			}
			n, _ := a.counter.Count(ctx, text)
			seg.Items = append(seg.Items, Item{Content: text, Tokens: n, Importance: 1})
		}
		cost := seg.Tokens()
		if cost > remaining {
			return nil, &BudgetExceededError{Segment: m.name, Need: cost, Available: remaining}
		}
		remaining -= cost
		p.add(seg)
	}

	if remaining <= 0 {
		a.logger.Debug("no budget left after mandatory segments, skipping log and memories")
		p.Log = append([]memory.MessageEntry(nil), in.Log...)
		return a.finish(ctx, p), nil
	}

	kept, spill := a.window(in.Log, remaining)
	p.Log = a.spill(ctx, p, spill)
	recent := Segment{Name: SegmentRecentLog}
	for _, e := range kept {
		recent.Items = append(recent.Items, Item{
			ID: e.ID, Role: e.Role, Content: e.Content, Tokens: e.TokenCount, Importance: e.Importance,
		})
	}
	p.Log = append(p.Log, kept...)
	remaining -= recent.Tokens()
	p.add(recent)

	if a.store != nil {
		memories := a.store.Query(memory.Filter{
			Participants:  in.Participants,
			Kind:          memory.KindRaw,
			MinImportance: a.config.MemoryMinImportance,
			Limit:         a.config.MemoryLimit,
		})
		seg, left := fill(SegmentImportantMemories, memories, remaining)
		remaining = left
		p.add(seg)

		summaries := a.store.Query(memory.Filter{
			Participants: in.Participants,
			Kind:         memory.KindSummary,
			Limit:        a.config.SummaryLimit,
		})
		seg, _ = fill(SegmentSummaries, summaries, remaining)
		p.add(seg)
	}

	return a.finish(ctx, p), nil
}

// window splits the log into the entries kept in the recent segment and the
// older entries to spill. The kept suffix is the larger of the last
// RecentMinEntries entries and the shortest suffix holding at least
// RecentMinTokens tokens, with its oldest entries dropped until it fits the
// remaining budget.
func (a *Assembler) window(log []memory.MessageEntry, remaining int) (kept, spill []memory.MessageEntry) {
	n := len(log)
	byCount := min(a.config.RecentMinEntries, n)

	byTokens, sum := 0, 0
	for i := n - 1; i >= 0 && sum < a.config.RecentMinTokens; i-- {
		sum += log[i].TokenCount
		byTokens++
	}

	start := n - max(byCount, byTokens)
	total := 0
	for _, e := range log[start:] {
		total += e.TokenCount
	}
	for start < n && total > remaining {
		total -= log[start].TokenCount
		start++
	}
	return log[start:], log[:start]
}

// spill moves entries into the memory store. Entries already promoted, or
// duplicating an existing record, are simply dropped from the log. Entries the store rejects stay in the live
// log; the returned slice holds them.
func (a *Assembler) spill(ctx context.Context, p *Payload, entries []memory.MessageEntry) []memory.MessageEntry {
	if len(entries) == 0 {
		return nil
	}
	if a.store == nil {
		return append([]memory.MessageEntry(nil), entries...)
	}
	var retained []memory.MessageEntry
	for _, e := range entries {
		if e.MemoryID != "" {
			continue
		}
		rec, created, err := a.store.Put(ctx, e.Content, e.Participants,
			max(e.Importance, a.config.SpillImportanceFloor),
			memory.At(e.Timestamp), memory.WithEmotions(e.Emotions...))
		if err != nil {
			a.logger.Warn("spill failed, keeping entry in live log", zap.String("entry", e.ID), zap.Error(err))
			retained = append(retained, e)
			continue
		}
		// A duplicate is already remembered; the entry just leaves the log.
		if created {
			p.Spilled = append(p.Spilled, rec)
		}
	}
	if len(p.Spilled) > 0 {
		a.logger.Info("spilled log entries to memory", zap.Int("entries", len(p.Spilled)))
		if a.spilled != nil {
			a.spilled.Add(ctx, int64(len(p.Spilled)))
		}
	}
	return retained
}

// fill greedily adds records in score order, skipping any that do not fit.
func fill(name SegmentName, recs []memory.Record, remaining int) (Segment, int) {
	seg := Segment{Name: name}
	for _, r := range recs {
		if r.TokenCount > remaining {
			continue
		}
		seg.Items = append(seg.Items, Item{ID: r.ID, Content: r.Content, Tokens: r.TokenCount, Importance: r.Importance})
		remaining -= r.TokenCount
	}
	return seg, remaining
}

func (p *Payload) add(seg Segment) {
	if len(seg.Items) > 0 {
		p.Segments = append(p.Segments, seg)
	}
}

// finish enforces the budget, records memory ids and totals.
func (a *Assembler) finish(ctx context.Context, p *Payload) *Payload {
	p.TotalTokens = 0
	for _, s := range p.Segments {
		p.TotalTokens += s.Tokens()
	}
	if p.TotalTokens > p.Budget.MaxTokens {
		a.evict(p)
	}

	p.MemoryIDs = nil
	for _, s := range p.Segments {
		if s.Name == SegmentImportantMemories || s.Name == SegmentSummaries {
			for _, it := range s.Items {
				p.MemoryIDs = append(p.MemoryIDs, it.ID)
			}
		}
	}

	if a.tokensHist != nil {
		a.tokensHist.Record(ctx, int64(p.TotalTokens))
	}
	a.logger.Debug("context assembled",
		zap.Int("tokens", p.TotalTokens),
		zap.Int("budget", p.Budget.MaxTokens),
		zap.Int("segments", len(p.Segments)))
	return p
}

// evict drops items until the payload fits, lowest-priority segment first
// and lowest importance first within a segment. Mandatory segments are
// never touched.
func (a *Assembler) evict(p *Payload) {
	for i := len(p.Segments) - 1; i >= 0 && p.TotalTokens > p.Budget.MaxTokens; i-- {
		seg := &p.Segments[i]
		if seg.Name.Mandatory() {
			break
		}
		order := make([]int, len(seg.Items))
		for j := range order {
			order[j] = j
		}
		sort.SliceStable(order, func(x, y int) bool {
			return seg.Items[order[x]].Importance < seg.Items[order[y]].Importance
		})
		drop := make(map[int]bool)
		for _, j := range order {
			if p.TotalTokens <= p.Budget.MaxTokens {
				break
			}
			drop[j] = true
			p.TotalTokens -= seg.Items[j].Tokens
			a.logger.Debug("evicted item", zap.String("segment", string(seg.Name)), zap.String("id", seg.Items[j].ID))
		}
		items := seg.Items[:0]
		for j, it := range seg.Items {
			if !drop[j] {
				items = append(items, it)
			}
		}
		seg.Items = items
	}

	segs := p.Segments[:0]
	for _, s := range p.Segments {
		if len(s.Items) > 0 {
			segs = append(segs, s)
		}
	}
	p.Segments = segs
}
