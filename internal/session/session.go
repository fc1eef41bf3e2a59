// Package session holds the explicit per-session state the context engine
// operates on: the live log, the memory store and the active cast.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/chronicle/internal/compaction"
	ctxasm "github.com/nidhogg/chronicle/internal/context"
	"github.com/nidhogg/chronicle/internal/memory"
	"github.com/nidhogg/chronicle/internal/scenario"
	"github.com/nidhogg/chronicle/internal/tokens"
	"go.uber.org/zap"
)

// ErrNoCompactor is returned by Compact when the session has no compactor.
var ErrNoCompactor = errors.New("session has no compactor")

// ErrGenerate wraps generator failures in Turn. The log keeps the input
// entry; no memory is touched.
var ErrGenerate = errors.New("generate reply")

// Config holds session settings.
type Config struct {
	Context            ctxasm.Config
	Memory             memory.Config
	RetentionThreshold float64 // log entries at or above this are promoted to memory
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Context:            ctxasm.DefaultConfig(),
		Memory:             memory.DefaultConfig(),
		RetentionThreshold: 0.7,
	}
}

// Compactor runs compaction for a session's store.
type Compactor interface {
	Run(ctx context.Context, session string, store *memory.Store) (compaction.Result, error)
	Trigger(session string, store *memory.Store) bool
}

// Session is one running story. Turns against a session are expected to be
// sequential; the mutex only protects readers such as the operator API.
type Session struct {
	id        string
	config    Config
	store     *memory.Store
	assembler *ctxasm.Assembler
	counter   tokens.Counter
	scorer    *scenario.Scorer
	compactor Compactor
	logger    *zap.Logger

	mu           sync.RWMutex
	systemPrompt string
	sheets       map[string]string
	worldState   string
	participants []string
	log          []memory.MessageEntry
	lastBuild    *BuildStats
	createdAt    time.Time
	updatedAt    time.Time
}

// Option customises a Session.
type Option func(*options)

type options struct {
	counter   tokens.Counter
	profile   scenario.Profile
	compactor Compactor
	now       func() time.Time
}

// WithCounter sets the token counter.
func WithCounter(c tokens.Counter) Option {
	return func(o *options) { o.counter = c }
}

// WithScenario sets the scenario profile used for scoring and the default
// system prompt.
func WithScenario(p scenario.Profile) Option {
	return func(o *options) { o.profile = p }
}

// WithCompactor attaches a compactor.
func WithCompactor(c Compactor) Option {
	return func(o *options) { o.compactor = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates an empty session.
func New(id string, cfg Config, logger *zap.Logger, opts ...Option) *Session {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("session", id))
	var counter tokens.Counter = tokens.Estimator{}
	if o.counter != nil {
		counter = &tokens.Fallback{Primary: o.counter, Logger: logger}
	}

	store := memory.NewStore(cfg.Memory, counter, logger, memory.WithClock(o.now))
	now := store.Now()
	return &Session{
		id:           id,
		config:       cfg,
		store:        store,
		assembler:    ctxasm.NewAssembler(cfg.Context, store, counter, logger),
		counter:      counter,
		scorer:       scenario.NewScorer(o.profile),
		compactor:    o.compactor,
		logger:       logger,
		systemPrompt: o.profile.Prompt(),
		sheets:       make(map[string]string),
		createdAt:    now,
		updatedAt:    now,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Store returns the session's memory store.
func (s *Session) Store() *memory.Store { return s.store }

// Scenario returns the scenario profile.
func (s *Session) Scenario() scenario.Profile { return s.scorer.Profile() }

// SetSystemPrompt replaces the system prompt.
func (s *Session) SetSystemPrompt(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.systemPrompt = prompt
	s.touchLocked()
}

// SetCharacterSheet stores the sheet for a character. An empty sheet
// removes it.
func (s *Session) SetCharacterSheet(name, sheet string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sheet == "" {
		delete(s.sheets, name)
	} else {
		s.sheets[name] = sheet
	}
	s.touchLocked()
}

// SetWorldState replaces the world-state snapshot.
func (s *Session) SetWorldState(state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.worldState = state
	s.touchLocked()
}

// SetParticipants sets the active characters.
func (s *Session) SetParticipants(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants = dedupe(names)
	s.touchLocked()
}

// Participants returns the active characters.
func (s *Session) Participants() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.participants...)
}

// Log returns a copy of the live log.
func (s *Session) Log() []memory.MessageEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]memory.MessageEntry(nil), s.log...)
}

// MessageOption customises AddMessage.
type MessageOption func(*messageParams)

type messageParams struct {
	importance   *float64
	participants []string
	emotions     []string
	retain       bool
}

// WithImportance sets the importance instead of scoring the content.
func WithImportance(v float64) MessageOption {
	return func(p *messageParams) { p.importance = &v }
}

// WithParticipants overrides the active characters for this entry.
func WithParticipants(names ...string) MessageOption {
	return func(p *messageParams) { p.participants = names }
}

// WithMessageEmotions attaches emotion labels.
func WithMessageEmotions(emotions ...string) MessageOption {
	return func(p *messageParams) { p.emotions = emotions }
}

// Retain marks the entry for long-term retention regardless of importance.
func Retain() MessageOption {
	return func(p *messageParams) { p.retain = true }
}

// AddMessage scores and appends content to the live log. Entries at or
// above the retention threshold, or marked with Retain, are also promoted
// into the memory store. Invalid input leaves the session untouched.
func (s *Session) AddMessage(ctx context.Context, role, content string, opts ...MessageOption) (memory.MessageEntry, error) {
	if strings.TrimSpace(content) == "" {
		return memory.MessageEntry{}, fmt.Errorf("%w: empty content", memory.ErrInvalidInput)
	}
	var p messageParams
	for _, o := range opts {
		o(&p)
	}
	importance := s.scorer.Score(role, content)
	if p.importance != nil {
		importance = *p.importance
	}
	if math.IsNaN(importance) || importance < 0 || importance > 1 {
		return memory.MessageEntry{}, fmt.Errorf("%w: importance %v outside [0,1]", memory.ErrInvalidInput, importance)
	}

	n, err := s.counter.Count(ctx, content)
	if err != nil {
		return memory.MessageEntry{}, fmt.Errorf("count tokens: %w", err)
	}

	participants := p.participants
	if participants == nil {
		participants = s.Participants()
	}
	entry := memory.MessageEntry{
		ID:           uuid.New().String(),
		Role:         role,
		Content:      content,
		TokenCount:   n,
		Importance:   importance,
		Timestamp:    s.store.Now(),
		Participants: dedupe(participants),
		Emotions:     dedupe(p.emotions),
		Retain:       p.retain,
	}

	if entry.Retain || importance >= s.config.RetentionThreshold {
		rec, err := s.store.Add(ctx, content, entry.Participants, importance,
			memory.At(entry.Timestamp), memory.WithEmotions(entry.Emotions...))
		if err != nil {
			return memory.MessageEntry{}, fmt.Errorf("promote message: %w", err)
		}
		entry.MemoryID = rec.ID
		s.logger.Debug("promoted message to memory", zap.String("memory", rec.ID), zap.Float64("importance", importance))
	}

	s.mu.Lock()
	s.log = append(s.log, entry)
	s.touchLocked()
	s.mu.Unlock()
	return entry, nil
}

// AddMemory writes directly to the memory store.
func (s *Session) AddMemory(ctx context.Context, content string, participants []string, importance float64, opts ...memory.AddOption) (memory.Record, error) {
	rec, err := s.store.Add(ctx, content, participants, importance, opts...)
	if err == nil {
		s.mu.Lock()
		s.touchLocked()
		s.mu.Unlock()
	}
	return rec, err
}

// BuildContext assembles the payload for the next generation call. Log
// entries that age out of the recent window are spilled into memory and
// removed from the live log before it returns.
func (s *Session) BuildContext(ctx context.Context) (*ctxasm.Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in := ctxasm.Input{
		SystemPrompt:    s.systemPrompt,
		CharacterSheets: s.activeSheetsLocked(),
		WorldState:      s.worldState,
		Log:             s.log,
		Participants:    s.participants,
	}
	budget := s.assembler.Config().Budget()
	p, err := s.assembler.Build(ctx, in, budget)
	if err != nil {
		s.logger.Error("context assembly failed", zap.Error(err))
		return nil, err
	}

	s.log = p.Log
	stats := &BuildStats{
		At:          s.store.Now(),
		Budget:      p.Budget.MaxTokens,
		TotalTokens: p.TotalTokens,
		Segments:    make(map[string]int, len(p.Segments)),
		Spilled:     len(p.Spilled),
	}
	if p.Budget.MaxTokens > 0 {
		stats.Utilization = float64(p.TotalTokens) / float64(p.Budget.MaxTokens)
	}
	for _, seg := range p.Segments {
		stats.Segments[string(seg.Name)] = seg.Tokens()
	}
	s.lastBuild = stats
	if len(p.Spilled) > 0 {
		s.touchLocked()
	}
	return p, nil
}

// Commit marks the memories a payload drew on as accessed. Call it once
// the payload has been used.
func (s *Session) Commit(p *ctxasm.Payload) {
	if p == nil || len(p.MemoryIDs) == 0 {
		return
	}
	s.store.Touch(p.MemoryIDs...)
}

// Compact runs compaction now.
func (s *Session) Compact(ctx context.Context) (compaction.Result, error) {
	if s.compactor == nil {
		return compaction.Result{}, ErrNoCompactor
	}
	res, err := s.compactor.Run(ctx, s.id, s.store)
	if err == nil && res.Compacted > 0 {
		s.mu.Lock()
		s.touchLocked()
		s.mu.Unlock()
	}
	return res, err
}

// activeSheetsLocked returns the sheets of active characters in
// participant order, or every sheet by name when nobody is active.
func (s *Session) activeSheetsLocked() []string {
	names := s.participants
	if len(names) == 0 {
		names = make([]string, 0, len(s.sheets))
		for n := range s.sheets {
			names = append(names, n)
		}
		sort.Strings(names)
	}
	var out []string
	for _, n := range names {
		if sheet, ok := s.sheets[n]; ok {
			out = append(out, sheet)
		}
	}
	return out
}

func (s *Session) touchLocked() {
	s.updatedAt = s.store.Now()
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
