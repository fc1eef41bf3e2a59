// Package compaction folds aging, low-importance memories into summaries.
package compaction

import (
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/chronicle/internal/memory"
)

// ErrInvariant matches any InvariantError.
var ErrInvariant = errors.New("compaction invariant violated")

// InvariantError reports a summary that would cost more than its inputs.
type InvariantError struct {
	GroupSize int
	Before    int
	After     int
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("compaction of %d records would grow footprint from %d to %d tokens",
		e.GroupSize, e.Before, e.After)
}

func (e *InvariantError) Is(target error) bool { return target == ErrInvariant }

// Policy selects and groups records for compaction.
type Policy struct {
	AgeThreshold        time.Duration // only records older than this
	ImportanceThreshold float64       // only records strictly below this
	ProtectedWindow     time.Duration // records accessed within this window are skipped
	FootprintCeiling    int           // raw token footprint that triggers a run
	MinGroupSize        int
	MaxGroupRecords     int
	IncludeSummaries    bool // summaries may be re-compacted
	Concurrency         int  // groups summarized in parallel
}

// DefaultPolicy returns sensible defaults.
func DefaultPolicy() Policy {
	return Policy{
		AgeThreshold:        7 * 24 * time.Hour,
		ImportanceThreshold: 0.7,
		ProtectedWindow:     24 * time.Hour,
		FootprintCeiling:    200000,
		MinGroupSize:        2,
		MaxGroupRecords:     20,
		IncludeSummaries:    true,
		Concurrency:         4,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MinGroupSize < 2 {
		p.MinGroupSize = d.MinGroupSize
	}
	if p.MaxGroupRecords < p.MinGroupSize {
		p.MaxGroupRecords = max(d.MaxGroupRecords, p.MinGroupSize)
	}
	if p.Concurrency <= 0 {
		p.Concurrency = d.Concurrency
	}
	return p
}

// Eligible reports whether r may be compacted at now.
func (p Policy) Eligible(r memory.Record, now time.Time) bool {
	if r.Kind == memory.KindSummary && !p.IncludeSummaries {
		return false
	}
	if now.Sub(r.CreatedAt) <= p.AgeThreshold {
		return false
	}
	if r.Importance >= p.ImportanceThreshold {
		return false
	}
	return now.Sub(r.LastAccessedAt) > p.ProtectedWindow
}

// Group partitions records (oldest first) into merge groups. A record joins
// the first open group in which it shares a participant with every member.
// Global records only group with other global records. Groups smaller than
// MinGroupSize are dropped.
func (p Policy) Group(recs []memory.Record) [][]memory.Record {
	p = p.normalized()
	var groups [][]memory.Record
	for _, r := range recs {
		placed := false
		for i, g := range groups {
			if len(g) < p.MaxGroupRecords && joins(g, r) {
				groups[i] = append(g, r)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, []memory.Record{r})
		}
	}

	out := groups[:0]
	for _, g := range groups {
		if len(g) >= p.MinGroupSize {
			out = append(out, g)
		}
	}
	return out
}

func joins(g []memory.Record, r memory.Record) bool {
	for _, m := range g {
		if m.Global() != r.Global() {
			return false
		}
		if !r.Global() && !memory.Intersects(m.Participants, r.Participants) {
			return false
		}
	}
	return true
}
