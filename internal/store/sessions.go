package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/chronicle/internal/memory"
	"github.com/nidhogg/chronicle/internal/session"
	"go.uber.org/zap"
)

var (
	messageColumns = []string{
		"session_id", "seq", "id", "role", "content", "token_count", "importance",
		"ts", "participants", "emotions", "retain", "memory_id",
	}
	recordColumns = []string{
		"session_id", "id", "kind", "content", "token_count", "importance",
		"participants", "emotions", "tags", "sources", "content_hash",
		"created_at", "last_accessed_at",
	}
	aliasColumns = []string{"session_id", "alias", "target"}
)

// Save replaces the stored state of a session with snap in one transaction.
func (s *Store) Save(ctx context.Context, snap *session.Snapshot) (err error) {
	scenario, err := json.Marshal(snap.Scenario)
	if err != nil {
		return fmt.Errorf("marshal scenario: %w", err)
	}
	sheets, err := json.Marshal(snap.CharacterSheets)
	if err != nil {
		return fmt.Errorf("marshal character sheets: %w", err)
	}
	messages := messageRows(snap)
	records := recordRows(snap)
	var aliases [][]any
	for alias, target := range snap.Memory.Aliases {
		aliases = append(aliases, []any{snap.ID, alias, target})
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `
		INSERT INTO sessions (id, scenario, system_prompt, character_sheets, world_state, participants, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			scenario = EXCLUDED.scenario,
			system_prompt = EXCLUDED.system_prompt,
			character_sheets = EXCLUDED.character_sheets,
			world_state = EXCLUDED.world_state,
			participants = EXCLUDED.participants,
			updated_at = EXCLUDED.updated_at`,
		snap.ID, scenario, snap.SystemPrompt, sheets, snap.WorldState,
		jsonStrings(snap.Participants), snap.CreatedAt, snap.UpdatedAt,
	); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	for _, table := range []string{"messages", "memory_records", "memory_aliases"} {
		if _, err = tx.Exec(ctx, "DELETE FROM "+table+" WHERE session_id = $1", snap.ID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	copies := []struct {
		table   string
		columns []string
		rows    [][]any
	}{
		{"messages", messageColumns, messages},
		{"memory_records", recordColumns, records},
		{"memory_aliases", aliasColumns, aliases},
	}
	for _, c := range copies {
		if len(c.rows) == 0 {
			continue
		}
		if _, err = tx.CopyFrom(ctx, pgx.Identifier{c.table}, c.columns, pgx.CopyFromRows(c.rows)); err != nil {
			return fmt.Errorf("copy %s: %w", c.table, err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	s.logger.Debug("session saved",
		zap.String("session", snap.ID),
		zap.Int("messages", len(messages)),
		zap.Int("records", len(records)))
	return nil
}

func messageRows(snap *session.Snapshot) [][]any {
	rows := make([][]any, 0, len(snap.Log))
	for i, e := range snap.Log {
		rows = append(rows, []any{
			snap.ID, i, e.ID, e.Role, e.Content, e.TokenCount, e.Importance,
			e.Timestamp, jsonStrings(e.Participants), jsonStrings(e.Emotions), e.Retain, e.MemoryID,
		})
	}
	return rows
}

func recordRows(snap *session.Snapshot) [][]any {
	rows := make([][]any, 0, len(snap.Memory.Records))
	for _, r := range snap.Memory.Records {
		rows = append(rows, []any{
			snap.ID, r.ID, string(r.Kind), r.Content, r.TokenCount, r.Importance,
			jsonStrings(r.Participants), jsonStrings(r.Emotions), jsonStrings(r.Tags), jsonStrings(r.Sources),
			r.ContentHash, r.CreatedAt, r.LastAccessedAt,
		})
	}
	return rows
}

// Load reads a session snapshot. It returns session.ErrNotFound when the
// session was never saved.
func (s *Store) Load(ctx context.Context, id string) (*session.Snapshot, error) {
	snap := &session.Snapshot{ID: id}
	var scenario, sheets, participants []byte
	err := s.db.QueryRow(ctx, `
		SELECT scenario, system_prompt, character_sheets, world_state, participants, created_at, updated_at
		FROM sessions
		WHERE id = $1`, id,
	).Scan(&scenario, &snap.SystemPrompt, &sheets, &snap.WorldState, &participants, &snap.CreatedAt, &snap.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", session.ErrNotFound, id)
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	snap.CreatedAt = snap.CreatedAt.UTC()
	snap.UpdatedAt = snap.UpdatedAt.UTC()
	if err := unmarshalAll(
		field{"scenario", scenario, &snap.Scenario},
		field{"character_sheets", sheets, &snap.CharacterSheets},
		field{"participants", participants, &snap.Participants},
	); err != nil {
		return nil, err
	}

	if snap.Log, err = s.loadMessages(ctx, id); err != nil {
		return nil, err
	}
	if snap.Memory.Records, err = s.loadRecords(ctx, id); err != nil {
		return nil, err
	}
	if snap.Memory.Aliases, err = s.loadAliases(ctx, id); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Store) loadMessages(ctx context.Context, id string) ([]memory.MessageEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, role, content, token_count, importance, ts, participants, emotions, retain, memory_id
		FROM messages
		WHERE session_id = $1
		ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var out []memory.MessageEntry
	for rows.Next() {
		var e memory.MessageEntry
		var participants, emotions []byte
		if err := rows.Scan(&e.ID, &e.Role, &e.Content, &e.TokenCount, &e.Importance,
			&e.Timestamp, &participants, &emotions, &e.Retain, &e.MemoryID); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		if err := unmarshalAll(
			field{"participants", participants, &e.Participants},
			field{"emotions", emotions, &e.Emotions},
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func (s *Store) loadRecords(ctx context.Context, id string) ([]memory.Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, kind, content, token_count, importance, participants, emotions, tags, sources,
			content_hash, created_at, last_accessed_at
		FROM memory_records
		WHERE session_id = $1
		ORDER BY created_at ASC, id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("load memory records: %w", err)
	}
	defer rows.Close()

	var out []memory.Record
	for rows.Next() {
		var r memory.Record
		var kind string
		var participants, emotions, tags, sources []byte
		if err := rows.Scan(&r.ID, &kind, &r.Content, &r.TokenCount, &r.Importance,
			&participants, &emotions, &tags, &sources, &r.ContentHash,
			&r.CreatedAt, &r.LastAccessedAt); err != nil {
			return nil, fmt.Errorf("scan memory record: %w", err)
		}
		r.Kind = memory.Kind(kind)
		r.CreatedAt = r.CreatedAt.UTC()
		r.LastAccessedAt = r.LastAccessedAt.UTC()
		if err := unmarshalAll(
			field{"participants", participants, &r.Participants},
			field{"emotions", emotions, &r.Emotions},
			field{"tags", tags, &r.Tags},
			field{"sources", sources, &r.Sources},
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory records: %w", err)
	}
	return out, nil
}

func (s *Store) loadAliases(ctx context.Context, id string) (map[string]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT alias, target FROM memory_aliases WHERE session_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("load memory aliases: %w", err)
	}
	defer rows.Close()

	var out map[string]string
	for rows.Next() {
		var alias, target string
		if err := rows.Scan(&alias, &target); err != nil {
			return nil, fmt.Errorf("scan memory alias: %w", err)
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[alias] = target
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory aliases: %w", err)
	}
	return out, nil
}

// Delete removes a session and everything stored under it.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// List returns the ids of stored sessions.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM sessions ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// jsonStrings encodes a string set for a JSONB column; nil stays NULL.
func jsonStrings(v []string) []byte {
	if v == nil {
		return nil
	}
	b, _ := json.Marshal(v)
	return b
}

type field struct {
	name string
	data []byte
	dest any
}

func unmarshalAll(fields ...field) error {
	for _, f := range fields {
		if len(f.data) == 0 {
			continue
		}
		if err := json.Unmarshal(f.data, f.dest); err != nil {
			return fmt.Errorf("unmarshal %s: %w", f.name, err)
		}
	}
	return nil
}

var _ session.Persister = (*Store)(nil)
