package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/chronicle/internal/tokens"
	"go.uber.org/zap"
)

// Config holds memory store settings.
type Config struct {
	NeverForgetThreshold float64 // records above this keep identity and importance floor forever
	Decay                DecayConfig
	Dedupe               bool // identical content, participants and dedupe context return the existing record
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		NeverForgetThreshold: 0.9,
		Decay:                DefaultDecayConfig(),
		Dedupe:               true,
	}
}

// Store is the in-process memory index for one session.
//
// The store lock is only held for map reads and single-record or
// single-group mutations. Blocking work (token counting, summarization)
// happens outside it, so a compaction group swap never blocks retrieval
// for longer than the swap itself.
type Store struct {
	config  Config
	counter tokens.Counter
	now     func() time.Time
	logger  *zap.Logger

	mu      sync.RWMutex
	records map[string]*Record
	aliases map[string]string   // compacted id -> absorbing summary id
	hashes  map[string]string   // content hash -> record id
	claims  map[string]struct{} // ids currently held by a compaction group
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store.
func NewStore(cfg Config, counter tokens.Counter, logger *zap.Logger, opts ...Option) *Store {
	cfg.Decay = cfg.Decay.normalized()
	if counter == nil {
		counter = tokens.Estimator{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		config:  cfg,
		counter: counter,
		now:     time.Now,
		logger:  logger,
		records: make(map[string]*Record),
		aliases: make(map[string]string),
		hashes:  make(map[string]string),
		claims:  make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Config returns the store configuration.
func (s *Store) Config() Config { return s.config }

// Now returns the store clock's current time, truncated to microseconds so
// that timestamps survive every persistence backend unchanged.
func (s *Store) Now() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Count returns the token cost of text as measured by the store's counter.
func (s *Store) Count(ctx context.Context, text string) (int, error) {
	return s.counter.Count(ctx, text)
}

// AddOption customises a single Add call.
type AddOption func(*addParams)

type addParams struct {
	emotions  []string
	tags      []string
	dedupeCtx string
	createdAt time.Time
}

// WithEmotions attaches emotion labels.
func WithEmotions(emotions ...string) AddOption {
	return func(p *addParams) { p.emotions = emotions }
}

// WithTags attaches explicit tags in addition to the extracted ones.
func WithTags(tags ...string) AddOption {
	return func(p *addParams) { p.tags = tags }
}

// WithDedupeContext mixes extra text into the duplicate-detection hash.
func WithDedupeContext(c string) AddOption {
	return func(p *addParams) { p.dedupeCtx = c }
}

// At sets the creation time instead of now. Used when spilling log entries
// so the record keeps the age of the message it came from.
func At(t time.Time) AddOption {
	return func(p *addParams) { p.createdAt = t.UTC().Truncate(time.Microsecond) }
}

// Add stores a new raw record. Token cost is computed before the store lock
// is taken; a counter failure aborts the write without mutating anything.
//
// With dedupe enabled, a write whose content, participants and dedupe
// context match an existing record of at least the same importance returns
// that record instead.
func (s *Store) Add(ctx context.Context, content string, participants []string, importance float64, opts ...AddOption) (Record, error) {
	rec, _, err := s.Put(ctx, content, participants, importance, opts...)
	return rec, err
}

// Put is Add that also reports whether a new record was created.
func (s *Store) Put(ctx context.Context, content string, participants []string, importance float64, opts ...AddOption) (Record, bool, error) {
	if strings.TrimSpace(content) == "" {
		return Record{}, false, fmt.Errorf("%w: empty content", ErrInvalidInput)
	}
	if math.IsNaN(importance) || importance < 0 || importance > 1 {
		return Record{}, false, fmt.Errorf("%w: importance %v outside [0,1]", ErrInvalidInput, importance)
	}

	var p addParams
	for _, o := range opts {
		o(&p)
	}

	count, err := s.counter.Count(ctx, content)
	if err != nil {
		return Record{}, false, fmt.Errorf("count tokens: %w", err)
	}

	parts := normalizeSet(participants)
	now := s.Now()
	created := now
	if !p.createdAt.IsZero() {
		created = p.createdAt
	}
	rec := &Record{
		ID:             uuid.New().String(),
		Content:        content,
		TokenCount:     count,
		Participants:   parts,
		Importance:     importance,
		CreatedAt:      created,
		LastAccessedAt: now,
		Kind:           KindRaw,
		Emotions:       normalizeSet(p.emotions),
		Tags:           Union(ExtractTags(content), p.tags),
		ContentHash:    contentHash(content, parts, p.dedupeCtx),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.Dedupe {
		if id, ok := s.hashes[rec.ContentHash]; ok {
			// A duplicate only absorbs writes that are no more important than
			// itself; anything higher gets a record of its own.
			if existing, ok := s.records[id]; ok && existing.Importance >= importance {
				s.logger.Debug("skipping duplicate memory", zap.String("id", id))
				return existing.clone(), false, nil
			}
		}
	}

	s.insertLocked(rec)
	s.logger.Debug("added memory",
		zap.String("id", rec.ID),
		zap.Int("tokens", rec.TokenCount),
		zap.Float64("importance", rec.Importance))
	return rec.clone(), true, nil
}

func (s *Store) insertLocked(rec *Record) {
	s.records[rec.ID] = rec
	if rec.ContentHash != "" {
		s.hashes[rec.ContentHash] = rec.ID
	}
}

// Get returns a record by id. Ids absorbed by compaction resolve to the
// summary that replaced them.
func (s *Store) Get(id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := 0
	for {
		if r, ok := s.records[id]; ok {
			return r.clone(), nil
		}
		next, ok := s.aliases[id]
		if !ok || seen > len(s.aliases) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		id = next
		seen++
	}
}

// Retrieve returns records matching every supplied criterion, ordered by
// composite score, and marks them as accessed.
func (s *Store) Retrieve(f Filter) []Record {
	out := s.Query(f)
	ids := make([]string, len(out))
	for i, r := range out {
		ids[i] = r.ID
	}
	now := s.Touch(ids...)
	for i := range out {
		out[i].LastAccessedAt = now
	}
	return out
}

// Query is Retrieve without the access side effect.
func (s *Store) Query(f Filter) []Record {
	now := s.Now()

	s.mu.RLock()
	var out []Record
	for _, r := range s.records {
		if s.matches(r, f, now) {
			out = append(out, r.clone())
		}
	}
	s.mu.RUnlock()

	s.Sort(out, now)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Sort orders records by composite score descending, then importance, then
// most recent access, then id.
func (s *Store) Sort(recs []Record, now time.Time) {
	decay := s.config.Decay
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		sa, sb := decay.Score(a, now), decay.Score(b, now)
		if sa != sb {
			return sa > sb
		}
		if a.Importance != b.Importance {
			return a.Importance > b.Importance
		}
		if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
			return a.LastAccessedAt.After(b.LastAccessedAt)
		}
		return a.ID < b.ID
	})
}

func (s *Store) matches(r *Record, f Filter, now time.Time) bool {
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if r.Importance < f.MinImportance {
		return false
	}
	if f.MaxAge > 0 && now.Sub(r.CreatedAt) > f.MaxAge {
		return false
	}
	if len(f.Participants) > 0 {
		if r.Global() {
			if f.ExcludeGlobal {
				return false
			}
		} else if !Intersects(r.Participants, f.Participants) {
			return false
		}
	}
	if len(f.Tags) > 0 && !Intersects(r.Tags, f.Tags) {
		return false
	}
	if len(f.Emotions) > 0 && !Intersects(r.Emotions, f.Emotions) {
		return false
	}
	if f.Query != "" && !strings.Contains(strings.ToLower(r.Content), strings.ToLower(f.Query)) {
		return false
	}
	return true
}

// Touch marks records as accessed now and returns the timestamp used.
// Unknown ids are ignored.
func (s *Store) Touch(ids ...string) time.Time {
	now := s.Now()
	if len(ids) == 0 {
		return now
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if r, ok := s.records[id]; ok {
			r.LastAccessedAt = now
		}
	}
	return now
}

// Select returns copies of every record for which keep returns true,
// oldest first.
func (s *Store) Select(keep func(Record) bool) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectLocked(keep)
}

func (s *Store) selectLocked(keep func(Record) bool) []Record {
	var out []Record
	for _, r := range s.records {
		c := r.clone()
		if keep(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Claim reserves ids for a compaction group. It fails if any id is already
// claimed or no longer present.
func (s *Store) Claim(ids []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if _, held := s.claims[id]; held {
			return false
		}
		if _, ok := s.records[id]; !ok {
			return false
		}
	}
	for _, id := range ids {
		s.claims[id] = struct{}{}
	}
	return true
}

// Release drops claims taken by Claim.
func (s *Store) Release(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.claims, id)
	}
}

// ReplaceGroup atomically swaps group for replacement. Readers observe
// either every member of the group or the replacement, never a mix.
//
// The swap is refused when a member disappeared or was accessed after it
// was selected (the selection is stale), when the replacement costs more
// tokens than the group, or when it is less important than a never-forget
// member.
func (s *Store) ReplaceGroup(group []Record, replacement Record) error {
	before := 0
	for _, r := range group {
		before += r.TokenCount
	}
	if replacement.TokenCount > before {
		return fmt.Errorf("%w: %d > %d", ErrFootprintGrew, replacement.TokenCount, before)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, g := range group {
		cur, ok := s.records[g.ID]
		if !ok || !cur.LastAccessedAt.Equal(g.LastAccessedAt) {
			return fmt.Errorf("%w: %s", ErrGroupChanged, g.ID)
		}
		if s.NeverForget(*cur) && replacement.Importance < cur.Importance {
			return fmt.Errorf("%w: %s %.2f > %.2f", ErrImportanceLost, g.ID, cur.Importance, replacement.Importance)
		}
	}

	rep := replacement.clone()
	for _, g := range group {
		if cur := s.records[g.ID]; cur.ContentHash != "" && s.hashes[cur.ContentHash] == g.ID {
			delete(s.hashes, cur.ContentHash)
		}
		delete(s.records, g.ID)
		delete(s.claims, g.ID)
		s.aliases[g.ID] = rep.ID
	}
	s.insertLocked(&rep)
	return nil
}

// Footprint returns the total token cost of records of the given kind, or
// of every record when kind is empty.
func (s *Store) Footprint(kind Kind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, r := range s.records {
		if kind == "" || r.Kind == kind {
			total += r.TokenCount
		}
	}
	return total
}

// Len returns the number of live records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Stats summarises the store.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Participants: make(map[string]int), Aliases: len(s.aliases)}
	for _, r := range s.records {
		switch r.Kind {
		case KindSummary:
			st.Summaries++
			st.SummaryTokens += r.TokenCount
		default:
			st.Raw++
			st.RawTokens += r.TokenCount
		}
		for _, p := range r.Participants {
			st.Participants[p]++
		}
	}
	return st
}

// Snapshot returns a deep copy of the store state ordered by creation time.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	aliases := make(map[string]string, len(s.aliases))
	for k, v := range s.aliases {
		aliases[k] = v
	}
	return Snapshot{
		Records: s.selectLocked(func(Record) bool { return true }),
		Aliases: aliases,
	}
}

// Restore replaces the store contents with snap.
func (s *Store) Restore(snap Snapshot) {
	records := make(map[string]*Record, len(snap.Records))
	hashes := make(map[string]string, len(snap.Records))
	for _, r := range snap.Records {
		c := r.clone()
		records[c.ID] = &c
		if c.ContentHash != "" {
			hashes[c.ContentHash] = c.ID
		}
	}
	aliases := make(map[string]string, len(snap.Aliases))
	for k, v := range snap.Aliases {
		aliases[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = records
	s.aliases = aliases
	s.hashes = hashes
	s.claims = make(map[string]struct{})
	s.logger.Info("memory store restored",
		zap.Int("records", len(records)),
		zap.Int("aliases", len(aliases)))
}

// NeverForget reports whether r is protected by the never-forget threshold.
func (s *Store) NeverForget(r Record) bool {
	return r.Importance > s.config.NeverForgetThreshold
}

func (r *Record) clone() Record {
	c := *r
	c.Participants = cloneStrings(r.Participants)
	c.Emotions = cloneStrings(r.Emotions)
	c.Tags = cloneStrings(r.Tags)
	c.Sources = cloneStrings(r.Sources)
	return c
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func contentHash(content string, participants []string, extra string) string {
	h := sha256.New()
	h.Write([]byte(content))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(participants, "\x1f")))
	h.Write([]byte{0})
	h.Write([]byte(extra))
	return hex.EncodeToString(h.Sum(nil))
}
