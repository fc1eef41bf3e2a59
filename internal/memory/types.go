package memory

import (
	"errors"
	"time"
)

var (
	// ErrInvalidInput is returned when a write carries empty content or an
	// importance outside [0, 1]. Nothing is mutated.
	ErrInvalidInput = errors.New("invalid memory input")
	// ErrNotFound is returned when a record id does not resolve.
	ErrNotFound = errors.New("memory not found")
	// ErrGroupChanged is returned by ReplaceGroup when a member of the group
	// was removed or touched after it was selected.
	ErrGroupChanged = errors.New("compaction group changed")
	// ErrFootprintGrew is returned by ReplaceGroup when the replacement costs
	// more tokens than the records it replaces.
	ErrFootprintGrew = errors.New("replacement increases token footprint")
	// ErrImportanceLost is returned by ReplaceGroup when the replacement is
	// less important than a never-forget member of the group.
	ErrImportanceLost = errors.New("replacement lowers never-forget importance")
)

// Kind distinguishes original records from compaction output.
type Kind string

const (
	KindRaw     Kind = "raw"
	KindSummary Kind = "summary"
)

// Record is a unit of long-term memory.
type Record struct {
	ID             string    `json:"id"`
	Content        string    `json:"content"`
	TokenCount     int       `json:"token_count"`
	Participants   []string  `json:"participants"` // empty = global
	Importance     float64   `json:"importance"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	Kind           Kind      `json:"kind"`
	Emotions       []string  `json:"emotions,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
	Sources        []string  `json:"sources,omitempty"` // ids folded into a summary
	ContentHash    string    `json:"content_hash,omitempty"`
}

// Global reports whether the record is not tied to any participant.
func (r Record) Global() bool { return len(r.Participants) == 0 }

// MessageEntry is one item of the live session log. Entries are immutable
// once appended.
type MessageEntry struct {
	ID           string    `json:"id"`
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	TokenCount   int       `json:"token_count"`
	Importance   float64   `json:"importance"`
	Timestamp    time.Time `json:"timestamp"`
	Participants []string  `json:"participants,omitempty"`
	Emotions     []string  `json:"emotions,omitempty"`
	Retain       bool      `json:"retain,omitempty"`    // explicitly tagged for long-term retention
	MemoryID     string    `json:"memory_id,omitempty"` // record the entry was promoted to
}

// Filter selects records in Retrieve and Query. Zero values disable a
// criterion.
type Filter struct {
	Participants  []string
	ExcludeGlobal bool
	MinImportance float64
	MaxAge        time.Duration
	Kind          Kind
	Tags          []string
	Emotions      []string
	Query         string
	Limit         int
}

// Snapshot is the lossless serializable state of a Store.
type Snapshot struct {
	Records []Record          `json:"records"`
	Aliases map[string]string `json:"aliases,omitempty"`
}

// Stats summarises the store contents.
type Stats struct {
	Raw           int            `json:"raw"`
	Summaries     int            `json:"summaries"`
	RawTokens     int            `json:"raw_tokens"`
	SummaryTokens int            `json:"summary_tokens"`
	Aliases       int            `json:"aliases"`
	Participants  map[string]int `json:"participants"`
}
