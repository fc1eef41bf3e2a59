package compaction

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/chronicle/internal/memory"
	"github.com/nidhogg/chronicle/internal/summarizer"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Group outcomes, also used as the metric "outcome" attribute.
const (
	OutcomeCompacted  = "compacted"
	OutcomeClaimed    = "claimed"
	OutcomeSummarizer = "summarizer_error"
	OutcomeInvariant  = "invariant"
	OutcomeStale      = "stale"
)

// Result describes one compaction run.
type Result struct {
	Selected     int            `json:"selected"`
	Groups       int            `json:"groups"`
	Compacted    int            `json:"compacted"`
	Skipped      int            `json:"skipped"`
	TokensBefore int            `json:"tokens_before"`
	TokensAfter  int            `json:"tokens_after"`
	Outcomes     map[string]int `json:"outcomes,omitempty"`
}

// Job runs compaction passes over memory stores.
type Job struct {
	policy     Policy
	summarizer summarizer.Summarizer
	logger     *zap.Logger
	groups     metric.Int64Counter
}

// NewJob creates a compaction job.
func NewJob(policy Policy, s summarizer.Summarizer, logger *zap.Logger) *Job {
	if logger == nil {
		logger = zap.NewNop()
	}
	if s == nil {
		s = summarizer.Extractive{}
	}
	groups, err := otel.Meter("github.com/nidhogg/chronicle/internal/compaction").Int64Counter(
		"chronicle.compaction.groups",
		metric.WithDescription("Compaction groups processed, by outcome"),
	)
	if err != nil {
		logger.Warn("compaction metrics unavailable", zap.Error(err))
	}
	return &Job{
		policy:     policy.normalized(),
		summarizer: s,
		logger:     logger,
		groups:     groups,
	}
}

// Policy returns the job's policy.
func (j *Job) Policy() Policy { return j.policy }

// Due reports whether the raw footprint of store exceeds the ceiling.
func (j *Job) Due(store *memory.Store) bool {
	return j.policy.FootprintCeiling > 0 && store.Footprint(memory.KindRaw) > j.policy.FootprintCeiling
}

// Plan returns the groups a run at now would attempt.
func (j *Job) Plan(store *memory.Store, now time.Time) [][]memory.Record {
	selected := store.Select(func(r memory.Record) bool { return j.policy.Eligible(r, now) })
	return j.policy.Group(selected)
}

// Run performs one compaction pass. Groups are summarized concurrently and
// swapped into the store one at a time; a failing group is skipped and left
// untouched. The only error returned is context cancellation.
func (j *Job) Run(ctx context.Context, store *memory.Store) (Result, error) {
	now := store.Now()
	groups := j.Plan(store, now)

	res := Result{Groups: len(groups), Outcomes: make(map[string]int)}
	for _, g := range groups {
		res.Selected += len(g)
	}
	if len(groups) == 0 {
		return res, ctx.Err()
	}

	var mu sync.Mutex
	var eg errgroup.Group
	eg.SetLimit(j.policy.Concurrency)
	for _, g := range groups {
		eg.Go(func() error {
			outcome, before, after := j.compactGroup(ctx, store, g)
			mu.Lock()
			defer mu.Unlock()
			res.Outcomes[outcome]++
			if outcome == OutcomeCompacted {
				res.Compacted++
				res.TokensBefore += before
				res.TokensAfter += after
			} else {
				res.Skipped++
			}
			return nil
		})
	}
	_ = eg.Wait()

	j.logger.Info("compaction finished",
		zap.Int("groups", res.Groups),
		zap.Int("compacted", res.Compacted),
		zap.Int("skipped", res.Skipped),
		zap.Int("tokens_before", res.TokensBefore),
		zap.Int("tokens_after", res.TokensAfter))
	return res, ctx.Err()
}

func (j *Job) compactGroup(ctx context.Context, store *memory.Store, group []memory.Record) (outcome string, before, after int) {
	defer func() {
		if j.groups != nil {
			j.groups.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
		}
	}()

	ids := make([]string, len(group))
	texts := make([]string, len(group))
	participants := make([][]string, len(group))
	emotions := make([][]string, len(group))
	tags := make([][]string, len(group))
	importance := 0.0
	created := group[0].CreatedAt
	for i, r := range group {
		ids[i] = r.ID
		texts[i] = r.Content
		participants[i] = r.Participants
		emotions[i] = r.Emotions
		tags[i] = r.Tags
		before += r.TokenCount
		importance = max(importance, r.Importance)
		if r.CreatedAt.Before(created) {
			created = r.CreatedAt
		}
	}

	if !store.Claim(ids) {
		j.logger.Debug("compaction group already claimed", zap.Strings("ids", ids))
		return OutcomeClaimed, before, 0
	}
	defer store.Release(ids)

	union := memory.Union(participants...)
	text, err := j.summarizer.Summarize(ctx, texts, union)
	if err == nil && strings.TrimSpace(text) == "" {
		err = summarizer.ErrEmptyInput
	}
	if err != nil {
		j.logger.Warn("summarizer failed, skipping group",
			zap.Int("records", len(group)), zap.Error(err))
		return OutcomeSummarizer, before, 0
	}

	after, err = store.Count(ctx, text)
	if err != nil {
		j.logger.Warn("token count failed, skipping group", zap.Error(err))
		return OutcomeSummarizer, before, 0
	}
	if after > before {
		j.logger.Warn("skipping compaction group",
			zap.Error(&InvariantError{GroupSize: len(group), Before: before, After: after}))
		return OutcomeInvariant, before, after
	}

	summary := memory.Record{
		ID:             uuid.New().String(),
		Content:        text,
		TokenCount:     after,
		Participants:   union,
		Importance:     importance,
		CreatedAt:      created,
		LastAccessedAt: store.Now(),
		Kind:           memory.KindSummary,
		Emotions:       memory.Union(emotions...),
		Tags:           memory.Union(tags...),
		Sources:        ids,
	}
	if err := store.ReplaceGroup(group, summary); err != nil {
		if errors.Is(err, memory.ErrFootprintGrew) || errors.Is(err, memory.ErrImportanceLost) {
			return OutcomeInvariant, before, after
		}
		j.logger.Debug("compaction group changed, skipping", zap.Error(err))
		return OutcomeStale, before, 0
	}

	j.logger.Debug("compacted group",
		zap.String("summary", summary.ID),
		zap.Int("records", len(group)),
		zap.Int("before", before),
		zap.Int("after", after))
	return OutcomeCompacted, before, after
}
