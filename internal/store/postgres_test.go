package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/chronicle/internal/memory"
	"github.com/nidhogg/chronicle/internal/scenario"
	"github.com/nidhogg/chronicle/internal/session"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleSnapshot() *session.Snapshot {
	return &session.Snapshot{
		ID:              "s1",
		Scenario:        scenario.Profile{Name: "Harbor", Description: "A foggy port town."},
		SystemPrompt:    "Scenario: Harbor",
		CharacterSheets: map[string]string{"Mira": "A smuggler."},
		WorldState:      "Night, low tide.",
		Participants:    []string{"Mira"},
		Log: []memory.MessageEntry{{
			ID: "m1", Role: "user", Content: "Mira lights a lantern.", TokenCount: 4,
			Importance: 0.5, Timestamp: t0, Participants: []string{"Mira"},
		}},
		Memory: memory.Snapshot{
			Records: []memory.Record{{
				ID: "r1", Content: "Mira owes the harbormaster.", TokenCount: 4,
				Participants: []string{"Mira"}, Importance: 0.8, CreatedAt: t0,
				LastAccessedAt: t0, Kind: memory.KindRaw, Tags: []string{"debt"},
			}},
			Aliases: map[string]string{"old": "r1"},
		},
		CreatedAt: t0,
		UpdatedAt: t0.Add(time.Hour),
	}
}

func TestSaveWritesSessionInOneTransaction(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	st := NewWithPool(mock, nil)
	snap := sampleSnapshot()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sessions")).
		WithArgs(snap.ID, pgxmock.AnyArg(), snap.SystemPrompt, pgxmock.AnyArg(), snap.WorldState,
			pgxmock.AnyArg(), snap.CreatedAt, snap.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	for _, table := range []string{"messages", "memory_records", "memory_aliases"} {
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM "+table+" WHERE session_id = $1")).
			WithArgs(snap.ID).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
	}
	mock.ExpectCopyFrom(pgx.Identifier{"messages"}, messageColumns).WillReturnResult(1)
	mock.ExpectCopyFrom(pgx.Identifier{"memory_records"}, recordColumns).WillReturnResult(1)
	mock.ExpectCopyFrom(pgx.Identifier{"memory_aliases"}, aliasColumns).WillReturnResult(1)
	mock.ExpectCommit()

	require.NoError(t, st.Save(context.Background(), snap))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveSkipsEmptyTablesAndRollsBackOnError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	st := NewWithPool(mock, nil)
	snap := sampleSnapshot()
	snap.Memory = memory.Snapshot{}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sessions")).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	for _, table := range []string{"messages", "memory_records", "memory_aliases"} {
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM " + table)).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
	}
	mock.ExpectCopyFrom(pgx.Identifier{"messages"}, messageColumns).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = st.Save(context.Background(), snap)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "copy messages")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadRebuildsSnapshot(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	st := NewWithPool(mock, nil)
	want := sampleSnapshot()
	local := time.FixedZone("local", 3600)

	mock.ExpectQuery(regexp.QuoteMeta("FROM sessions")).
		WithArgs("s1").
		WillReturnRows(pgxmock.NewRows([]string{
			"scenario", "system_prompt", "character_sheets", "world_state", "participants", "created_at", "updated_at",
		}).AddRow(
			[]byte(`{"name":"Harbor","description":"A foggy port town."}`), want.SystemPrompt,
			[]byte(`{"Mira":"A smuggler."}`), want.WorldState, []byte(`["Mira"]`),
			want.CreatedAt.In(local), want.UpdatedAt.In(local),
		))
	mock.ExpectQuery(regexp.QuoteMeta("FROM messages")).
		WithArgs("s1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "role", "content", "token_count", "importance", "ts", "participants", "emotions", "retain", "memory_id",
		}).AddRow("m1", "user", "Mira lights a lantern.", 4, 0.5, t0.In(local), []byte(`["Mira"]`), []byte(nil), false, ""))
	mock.ExpectQuery(regexp.QuoteMeta("FROM memory_records")).
		WithArgs("s1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "kind", "content", "token_count", "importance", "participants", "emotions", "tags", "sources",
			"content_hash", "created_at", "last_accessed_at",
		}).AddRow("r1", "raw", "Mira owes the harbormaster.", 4, 0.8, []byte(`["Mira"]`), []byte(nil),
			[]byte(`["debt"]`), []byte(nil), "", t0, t0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM memory_aliases")).
		WithArgs("s1").
		WillReturnRows(pgxmock.NewRows([]string{"alias", "target"}).AddRow("old", "r1"))

	got, err := st.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadMissingSession(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	st := NewWithPool(mock, nil)

	mock.ExpectQuery(regexp.QuoteMeta("FROM sessions")).
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	_, err = st.Load(context.Background(), "ghost")
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListAndDelete(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	st := NewWithPool(mock, nil)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM sessions ORDER BY id ASC")).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("a").AddRow("b"))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM sessions WHERE id = $1")).
		WithArgs("a").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	ids, err := st.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
	require.NoError(t, st.Delete(context.Background(), "a"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
