package session

import (
	"time"

	"github.com/nidhogg/chronicle/internal/memory"
	"github.com/nidhogg/chronicle/internal/scenario"
)

// Snapshot is the durable state of a session. Saving and loading a
// snapshot reproduces identical retrieval results.
type Snapshot struct {
	ID              string                `json:"id"`
	Scenario        scenario.Profile      `json:"scenario"`
	SystemPrompt    string                `json:"system_prompt"`
	CharacterSheets map[string]string     `json:"character_sheets,omitempty"`
	WorldState      string                `json:"world_state"`
	Participants    []string              `json:"participants,omitempty"`
	Log             []memory.MessageEntry `json:"log"`
	Memory          memory.Snapshot       `json:"memory"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// Snapshot captures the session state.
func (s *Session) Snapshot() *Snapshot {
	mem := s.store.Snapshot()

	s.mu.RLock()
	defer s.mu.RUnlock()
	sheets := make(map[string]string, len(s.sheets))
	for k, v := range s.sheets {
		sheets[k] = v
	}
	return &Snapshot{
		ID:              s.id,
		Scenario:        s.scorer.Profile(),
		SystemPrompt:    s.systemPrompt,
		CharacterSheets: sheets,
		WorldState:      s.worldState,
		Participants:    append([]string(nil), s.participants...),
		Log:             append([]memory.MessageEntry(nil), s.log...),
		Memory:          mem,
		CreatedAt:       s.createdAt,
		UpdatedAt:       s.updatedAt,
	}
}

// Restore replaces the session state with snap. The scenario profile is
// kept from construction; snap.Scenario is informational.
func (s *Session) Restore(snap *Snapshot) {
	s.store.Restore(snap.Memory)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.systemPrompt = snap.SystemPrompt
	s.sheets = make(map[string]string, len(snap.CharacterSheets))
	for k, v := range snap.CharacterSheets {
		s.sheets[k] = v
	}
	s.worldState = snap.WorldState
	s.participants = append([]string(nil), snap.Participants...)
	s.log = append([]memory.MessageEntry(nil), snap.Log...)
	s.lastBuild = nil
	if !snap.CreatedAt.IsZero() {
		s.createdAt = snap.CreatedAt
	}
	s.updatedAt = snap.UpdatedAt
}
