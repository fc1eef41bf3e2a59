package memory

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeClock is a manually advanced time source.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewStore(DefaultConfig(), nil, zap.NewNop(), WithClock(clk.Now)), clk
}

func TestAddRejectsInvalidInput(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name       string
		content    string
		importance float64
	}{
		{"empty", "", 0.5},
		{"blank", "   \n", 0.5},
		{"negative", "text", -0.1},
		{"above one", "text", 1.01},
		{"nan", "text", math.NaN()},
	}
	for _, tc := range cases {
		_, err := s.Add(ctx, tc.content, nil, tc.importance)
		assert.ErrorIs(t, err, ErrInvalidInput, tc.name)
	}
	assert.Equal(t, 0, s.Len())
}

func TestAddAssignsFields(t *testing.T) {
	s, clk := newTestStore(t)

	rec, err := s.Add(context.Background(), "Mira swore an oath to fight for the keep", []string{"mira", "mira", " "}, 0.6,
		WithEmotions("resolve"))
	require.NoError(t, err)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, KindRaw, rec.Kind)
	assert.Equal(t, []string{"mira"}, rec.Participants)
	assert.True(t, rec.CreatedAt.Equal(clk.Now()))
	assert.True(t, rec.LastAccessedAt.Equal(clk.Now()))
	assert.Greater(t, rec.TokenCount, 0)
	assert.Equal(t, []string{"combat"}, rec.Tags)
	assert.Equal(t, []string{"resolve"}, rec.Emotions)
}

func TestAddDeduplicates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	a, err := s.Add(ctx, "The bridge collapsed.", nil, 0.8)
	require.NoError(t, err)
	b, created, err := s.Put(ctx, "The bridge collapsed.", nil, 0.4)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, 0.8, b.Importance)

	c, created, err := s.Put(ctx, "The bridge collapsed.", nil, 0.4, WithDedupeContext("second telling"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, a.ID, c.ID)
	assert.Equal(t, 2, s.Len())
}

func TestAddKeepsMoreImportantDuplicate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	low, err := s.Add(ctx, "The gate opened.", []string{"alice"}, 0.2)
	require.NoError(t, err)
	high, created, err := s.Put(ctx, "The gate opened.", []string{"alice"}, 0.95)
	require.NoError(t, err)

	assert.True(t, created)
	assert.NotEqual(t, low.ID, high.ID)
	assert.Equal(t, 0.95, high.Importance)
	assert.Len(t, s.Query(Filter{MinImportance: 0.9}), 1)

	// Later copies collapse onto the more important record.
	again, err := s.Add(ctx, "The gate opened.", []string{"alice"}, 0.5)
	require.NoError(t, err)
	assert.Equal(t, high.ID, again.ID)
	assert.Equal(t, 2, s.Len())
}

func TestAddSeparatesParticipants(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	alice, err := s.Add(ctx, "The gate opened.", []string{"alice"}, 0.5)
	require.NoError(t, err)
	bob, err := s.Add(ctx, "The gate opened.", []string{"bob"}, 0.5)
	require.NoError(t, err)
	assert.NotEqual(t, alice.ID, bob.ID)
	assert.Equal(t, []string{"bob"}, bob.Participants)

	got := s.Query(Filter{Participants: []string{"bob"}})
	require.Len(t, got, 1)
	assert.Equal(t, bob.ID, got[0].ID)

	// Participant order and repeats do not matter.
	pair, _ := s.Add(ctx, "They shook hands.", []string{"bob", "alice"}, 0.5)
	same, _ := s.Add(ctx, "They shook hands.", []string{"alice", "bob", "alice"}, 0.5)
	assert.Equal(t, pair.ID, same.ID)
}

func TestRetrieveFilters(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	old, _ := s.Add(ctx, "old alliance between ana and bo", []string{"ana", "bo"}, 0.9)
	clk.Advance(48 * time.Hour)
	world, _ := s.Add(ctx, "the moon turned red", nil, 0.5)
	cy, _ := s.Add(ctx, "cy stole the map", []string{"cy"}, 0.3)
	bo, _ := s.Add(ctx, "bo lost a duel", []string{"bo"}, 0.2)

	ids := func(recs []Record) []string {
		out := make([]string, len(recs))
		for i, r := range recs {
			out[i] = r.ID
		}
		return out
	}

	got := s.Query(Filter{Participants: []string{"bo"}})
	assert.ElementsMatch(t, []string{old.ID, world.ID, bo.ID}, ids(got))

	got = s.Query(Filter{Participants: []string{"bo"}, ExcludeGlobal: true})
	assert.ElementsMatch(t, []string{old.ID, bo.ID}, ids(got))

	got = s.Query(Filter{MinImportance: 0.3})
	assert.ElementsMatch(t, []string{old.ID, world.ID, cy.ID}, ids(got))

	got = s.Query(Filter{MaxAge: 24 * time.Hour})
	assert.ElementsMatch(t, []string{world.ID, cy.ID, bo.ID}, ids(got))

	got = s.Query(Filter{Limit: 2})
	assert.Len(t, got, 2)

	got = s.Query(Filter{Query: "DUEL"})
	assert.Equal(t, []string{bo.ID}, ids(got))

	got = s.Query(Filter{Kind: KindSummary})
	assert.Empty(t, got)
}

func TestRetrieveOrdersByCompositeScore(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	ancient, _ := s.Add(ctx, "the founding of the order", nil, 1.0)
	clk.Advance(24 * 365 * time.Hour)
	fresh, _ := s.Add(ctx, "breakfast was bread", nil, 0.04)
	mid, _ := s.Add(ctx, "the gate was sealed", nil, 0.6)

	got := s.Query(Filter{})
	require.Len(t, got, 3)
	assert.Equal(t, mid.ID, got[0].ID)
	// a year-old record of maximal importance still outranks a trivial fresh one
	assert.Equal(t, ancient.ID, got[1].ID)
	assert.Equal(t, fresh.ID, got[2].ID)
}

func TestRetrieveTouchesReturnedRecords(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	a, _ := s.Add(ctx, "ana found the key", []string{"ana"}, 0.5)
	b, _ := s.Add(ctx, "bo found the door", []string{"bo"}, 0.5)
	clk.Advance(time.Hour)

	s.Query(Filter{})
	got, _ := s.Get(a.ID)
	assert.True(t, got.LastAccessedAt.Equal(a.LastAccessedAt), "Query must not touch")

	res := s.Retrieve(Filter{Participants: []string{"ana"}, ExcludeGlobal: true})
	require.Len(t, res, 1)
	assert.True(t, res[0].LastAccessedAt.Equal(clk.Now()))

	got, _ = s.Get(a.ID)
	assert.True(t, got.LastAccessedAt.Equal(clk.Now()))
	got, _ = s.Get(b.ID)
	assert.True(t, got.LastAccessedAt.Equal(b.LastAccessedAt))
}

func TestRecencyWeight(t *testing.T) {
	d := DefaultDecayConfig()
	prev := d.RecencyWeight(0)
	assert.InDelta(t, 1.0, prev, 1e-9)
	for _, h := range []float64{1, 24, 168, 1000, 1e5} {
		w := d.RecencyWeight(time.Duration(h * float64(time.Hour)))
		assert.Less(t, w, prev)
		assert.Greater(t, w, 0.0)
		prev = w
	}
	assert.InDelta(t, 0.525, d.RecencyWeight(168*time.Hour), 1e-9)
	assert.Equal(t, d.RecencyWeight(0), d.RecencyWeight(-time.Hour))
}

func TestReplaceGroup(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	a, _ := s.Add(ctx, "ana met bo at the well and they talked for hours", []string{"ana", "bo"}, 0.3)
	b, _ := s.Add(ctx, "bo gave ana a small carved bird as a keepsake", []string{"bo"}, 0.95)
	group := []Record{a, b}

	big := Record{ID: "sum-big", Content: "x", TokenCount: a.TokenCount + b.TokenCount + 1, Kind: KindSummary}
	assert.ErrorIs(t, s.ReplaceGroup(group, big), ErrFootprintGrew)
	assert.Equal(t, 2, s.Len())

	sum := Record{
		ID:           "sum-1",
		Content:      "ana and bo bonded",
		TokenCount:   5,
		Participants: []string{"ana", "bo"},
		Importance:   0.95,
		Kind:         KindSummary,
		Sources:      []string{a.ID, b.ID},
	}
	require.NoError(t, s.ReplaceGroup(group, sum))
	assert.Equal(t, 1, s.Len())

	got, err := s.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, "sum-1", got.ID)
	assert.Equal(t, 0.95, got.Importance)

	// members are gone, so a second swap with the same group is stale
	assert.ErrorIs(t, s.ReplaceGroup(group, Record{ID: "sum-2", TokenCount: 1}), ErrGroupChanged)
}

func TestReplaceGroupRejectsTouchedMembers(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	a, _ := s.Add(ctx, "first", []string{"ana"}, 0.1)
	b, _ := s.Add(ctx, "second", []string{"ana"}, 0.1)
	clk.Advance(time.Minute)
	s.Touch(a.ID)

	err := s.ReplaceGroup([]Record{a, b}, Record{ID: "s", TokenCount: 1})
	assert.ErrorIs(t, err, ErrGroupChanged)
	assert.Equal(t, 2, s.Len())
}

func TestReplaceGroupKeepsNeverForgetImportance(t *testing.T) {
	ctx := context.Background()
	group := func(s *Store) []Record {
		a, _ := s.Add(ctx, "ana spoke of the flood", []string{"ana"}, 0.6)
		b, _ := s.Add(ctx, "ana mended the nets", []string{"ana"}, 0.2)
		return []Record{a, b}
	}
	summary := Record{ID: "sum", Content: "flood", TokenCount: 1, Participants: []string{"ana"}, Importance: 0.4, Kind: KindSummary}

	// 0.6 is below the default threshold, so the swap goes through.
	s, _ := newTestStore(t)
	require.NoError(t, s.ReplaceGroup(group(s), summary))

	cfg := DefaultConfig()
	cfg.NeverForgetThreshold = 0.5
	strict := NewStore(cfg, nil, zap.NewNop())
	g := group(strict)
	assert.True(t, strict.NeverForget(g[0]))
	assert.False(t, strict.NeverForget(g[1]))
	assert.ErrorIs(t, strict.ReplaceGroup(g, summary), ErrImportanceLost)
	assert.Equal(t, 2, strict.Len())

	summary.Importance = 0.6
	require.NoError(t, strict.ReplaceGroup(g, summary))
	got, err := strict.Get(g[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 0.6, got.Importance)
}

func TestClaim(t *testing.T) {
	s, _ := newTestStore(t)
	a, _ := s.Add(context.Background(), "first", nil, 0.1)

	assert.True(t, s.Claim([]string{a.ID}))
	assert.False(t, s.Claim([]string{a.ID}))
	s.Release([]string{a.ID})
	assert.True(t, s.Claim([]string{a.ID}))
	assert.False(t, s.Claim([]string{"missing"}))
}

func TestSnapshotRoundTrip(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	a, _ := s.Add(ctx, "ana found the key", []string{"ana"}, 0.5, WithEmotions("joy"))
	clk.Advance(3 * time.Hour)
	b, _ := s.Add(ctx, "a storm hit the coast", nil, 0.7)
	clk.Advance(time.Hour)
	_, _ = s.Add(ctx, "bo sang badly", []string{"bo"}, 0.2)
	require.NoError(t, s.ReplaceGroup([]Record{a}, Record{
		ID: "sum-a", Content: "key found", TokenCount: 1, Participants: []string{"ana"},
		Importance: 0.5, CreatedAt: a.CreatedAt, LastAccessedAt: clk.Now(), Kind: KindSummary,
		Sources: []string{a.ID},
	}))

	data, err := json.Marshal(s.Snapshot())
	require.NoError(t, err)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	restored := NewStore(DefaultConfig(), nil, zap.NewNop(), WithClock(clk.Now))
	restored.Restore(snap)

	filters := []Filter{
		{},
		{Participants: []string{"ana"}},
		{Participants: []string{"bo"}, ExcludeGlobal: true},
		{MinImportance: 0.5},
		{MaxAge: 2 * time.Hour},
		{Kind: KindSummary},
		{Emotions: []string{"joy"}},
		{Limit: 1},
	}
	for _, f := range filters {
		assert.Equal(t, s.Query(f), restored.Query(f), "filter %+v", f)
	}

	got, err := restored.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "sum-a", got.ID)
	got, err = restored.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.Content, got.Content)
	assert.Equal(t, s.Stats(), restored.Stats())
}

func TestExtractTags(t *testing.T) {
	assert.Equal(t, []string{"fear", "magic"}, ExtractTags("She was afraid of the spell."))
	assert.Nil(t, ExtractTags("Nothing notable."))
	// whole words only
	assert.Nil(t, ExtractTags("godlike madness"))
}
