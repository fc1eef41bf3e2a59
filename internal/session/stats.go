package session

import (
	"strings"
	"time"

	"github.com/nidhogg/chronicle/internal/memory"
)

// BuildStats describes the most recent context build.
type BuildStats struct {
	At          time.Time      `json:"at"`
	Budget      int            `json:"budget"`
	TotalTokens int            `json:"total_tokens"`
	Utilization float64        `json:"utilization"`
	Segments    map[string]int `json:"segments"`
	Spilled     int            `json:"spilled"`
}

// Stats summarises a session.
type Stats struct {
	ID           string       `json:"id"`
	Scenario     string       `json:"scenario,omitempty"`
	Participants []string     `json:"participants"`
	LogEntries   int          `json:"log_entries"`
	LogTokens    int          `json:"log_tokens"`
	Memory       memory.Stats `json:"memory"`
	LastBuild    *BuildStats  `json:"last_build,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Stats returns a summary of the session.
func (s *Session) Stats() Stats {
	mem := s.store.Stats()

	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		ID:           s.id,
		Scenario:     s.scorer.Profile().Name,
		Participants: append([]string(nil), s.participants...),
		LogEntries:   len(s.log),
		Memory:       mem,
		CreatedAt:    s.createdAt,
		UpdatedAt:    s.updatedAt,
	}
	for _, e := range s.log {
		st.LogTokens += e.TokenCount
	}
	if s.lastBuild != nil {
		b := *s.lastBuild
		b.Segments = make(map[string]int, len(s.lastBuild.Segments))
		for k, v := range s.lastBuild.Segments {
			b.Segments[k] = v
		}
		st.LastBuild = &b
	}
	return st
}

// CharacterView is everything the session knows about one character.
type CharacterView struct {
	Name     string                `json:"name"`
	Active   bool                  `json:"active"`
	Sheet    string                `json:"sheet,omitempty"`
	Memories []memory.Record       `json:"memories"`
	Mentions []memory.MessageEntry `json:"mentions"`
}

// CharacterContext returns the character's sheet, their strongest memories
// and the most recent log entries involving or naming them.
func (s *Session) CharacterContext(name string, memoryLimit, mentionLimit int) CharacterView {
	if memoryLimit <= 0 {
		memoryLimit = 10
	}
	if mentionLimit <= 0 {
		mentionLimit = 5
	}
	view := CharacterView{
		Name: name,
		Memories: s.store.Query(memory.Filter{
			Participants:  []string{name},
			ExcludeGlobal: true,
			Limit:         memoryLimit,
		}),
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	view.Sheet = s.sheets[name]
	for _, p := range s.participants {
		if p == name {
			view.Active = true
		}
	}
	lower := strings.ToLower(name)
	for i := len(s.log) - 1; i >= 0 && len(view.Mentions) < mentionLimit; i-- {
		e := s.log[i]
		if memory.Intersects(e.Participants, []string{name}) || strings.Contains(strings.ToLower(e.Content), lower) {
			view.Mentions = append(view.Mentions, e)
		}
	}
	return view
}
