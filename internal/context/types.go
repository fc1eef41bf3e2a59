package context

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nidhogg/chronicle/internal/memory"
)

// SegmentName identifies a slice of the assembled payload.
type SegmentName string

// Segments in payload order, highest priority first.
const (
	SegmentSystem            SegmentName = "system"
	SegmentCharacterSheets   SegmentName = "characterSheets"
	SegmentWorldState        SegmentName = "worldState"
	SegmentRecentLog         SegmentName = "recentLog"
	SegmentImportantMemories SegmentName = "importantMemories"
	SegmentSummaries         SegmentName = "summaries"
)

// Order lists every segment from highest to lowest priority.
var Order = []SegmentName{
	SegmentSystem,
	SegmentCharacterSheets,
	SegmentWorldState,
	SegmentRecentLog,
	SegmentImportantMemories,
	SegmentSummaries,
}

// Priority ranks a segment; higher survives budget pressure longer.
func (n SegmentName) Priority() int {
	for i, s := range Order {
		if s == n {
			return len(Order) - i
		}
	}
	return 0
}

// Mandatory reports whether the segment is always included in full.
func (n SegmentName) Mandatory() bool {
	return n == SegmentSystem || n == SegmentCharacterSheets || n == SegmentWorldState
}

// ErrBudgetExceeded matches any BudgetExceededError.
var ErrBudgetExceeded = errors.New("context budget exceeded")

// BudgetExceededError reports a mandatory segment that cannot fit. It means
// the configuration cannot work at all.
type BudgetExceededError struct {
	Segment   SegmentName
	Need      int
	Available int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("segment %s needs %d tokens but only %d are available", e.Segment, e.Need, e.Available)
}

func (e *BudgetExceededError) Is(target error) bool { return target == ErrBudgetExceeded }

// TokenBudget is the per-build token ceiling.
type TokenBudget struct {
	MaxTokens int `json:"max_tokens"`
}

// Item is one unit of a segment: a sheet, a log entry or a memory.
type Item struct {
	ID         string  `json:"id,omitempty"`
	Role       string  `json:"role,omitempty"`
	Content    string  `json:"content"`
	Tokens     int     `json:"tokens"`
	Importance float64 `json:"importance"`
}

// Segment is a named slice of the payload. Its cost is the sum of its
// items' costs.
type Segment struct {
	Name  SegmentName `json:"name"`
	Items []Item      `json:"items"`
}

// Tokens returns the segment cost.
func (s Segment) Tokens() int {
	total := 0
	for _, it := range s.Items {
		total += it.Tokens
	}
	return total
}

// Content renders the segment as text.
func (s Segment) Content() string {
	parts := make([]string, len(s.Items))
	for i, it := range s.Items {
		if it.Role != "" {
			parts[i] = it.Role + ": " + it.Content
		} else {
			parts[i] = it.Content
		}
	}
	return strings.Join(parts, "\n\n")
}

// Payload is the assembled context for one turn.
type Payload struct {
	Segments    []Segment             `json:"segments"` // non-empty segments in priority order
	TotalTokens int                   `json:"total_tokens"`
	Budget      TokenBudget           `json:"budget"`
	Spilled     []memory.Record       `json:"spilled,omitempty"`    // records created from the live log
	MemoryIDs   []string              `json:"memory_ids,omitempty"` // memories included, for access tracking
	Log         []memory.MessageEntry `json:"-"`                    // live log after spilling
}

// Segment returns the named segment, if included.
func (p *Payload) Segment(name SegmentName) (Segment, bool) {
	for _, s := range p.Segments {
		if s.Name == name {
			return s, true
		}
	}
	return Segment{}, false
}

// Tokens returns the cost of the named segment, zero if absent.
func (p *Payload) Tokens(name SegmentName) int {
	s, _ := p.Segment(name)
	return s.Tokens()
}

// Text is the ordered concatenation of every included segment.
func (p *Payload) Text() string {
	parts := make([]string, 0, len(p.Segments))
	for _, s := range p.Segments {
		parts = append(parts, s.Content())
	}
	return strings.Join(parts, "\n\n")
}

// Input is the live state a build draws from.
type Input struct {
	SystemPrompt    string
	CharacterSheets []string
	WorldState      string
	Log             []memory.MessageEntry // arrival order
	Participants    []string              // currently active characters
}

// Config holds assembler settings.
type Config struct {
	MaxTokens            int     // model's context window
	ReserveRatio         float64 // fraction held back for the response
	RecentMinEntries     int     // log floor by count
	RecentMinTokens      int     // log floor by tokens
	SpillImportanceFloor float64 // minimum importance of spilled entries
	MemoryMinImportance  float64
	MemoryLimit          int // 0 = no limit
	SummaryLimit         int // 0 = no limit
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxTokens:            950000,
		ReserveRatio:         0.05,
		RecentMinEntries:     20,
		RecentMinTokens:      30000,
		SpillImportanceFloor: 0.5,
	}
}

// Budget returns the token budget left after the response reserve.
func (c Config) Budget() TokenBudget {
	return TokenBudget{MaxTokens: int(float64(c.MaxTokens) * (1 - c.ReserveRatio))}
}
