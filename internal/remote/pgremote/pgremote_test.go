package pgremote

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trellosync/internal/model"
	"trellosync/internal/realtime"
)

func TestBuildUpdate(t *testing.T) {
	due := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		row    model.Row
		fields model.Field
		query  string
		args   []any
	}{
		{
			name:   "card title and position",
			row:    model.Card{ID: "c1", Title: "t", Position: "V"},
			fields: model.FieldTitle | model.FieldPosition,
			query:  "update cards set title=$1, position=$2 where id=$3 returning " + cardCols,
			args:   []any{"t", "V", "c1"},
		},
		{
			name:   "card move across lists",
			row:    model.Card{ID: "c1", Position: "k", ListID: "l2", DueDate: &due},
			fields: model.FieldPosition | model.FieldParent,
			query:  "update cards set position=$1, list_id=$2 where id=$3 returning " + cardCols,
			args:   []any{"k", "l2", "c1"},
		},
		{
			name:   "board archive sets both columns",
			row:    model.Board{ID: "b1", IsArchived: true, ArchivedAt: &due},
			fields: model.FieldArchived,
			query:  "update boards set is_archived=$1, archived_at=$2 where id=$3 returning " + boardCols,
			args:   []any{true, &due, "b1"},
		},
		{
			name:   "list rename",
			row:    model.List{ID: "l1", Title: "Done"},
			fields: model.FieldTitle,
			query:  "update lists set title=$1 where id=$2 returning " + listCols,
			args:   []any{"Done", "l1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, args := buildUpdate(tt.row, tt.fields)
			assert.Equal(t, tt.query, q)
			assert.Equal(t, tt.args, args)
		})
	}
}

func TestBuildUpdateWithoutColumns(t *testing.T) {
	q, args := buildUpdate(model.List{ID: "l1"}, model.FieldDescription)
	assert.Empty(t, q)
	assert.Nil(t, args)
}

func TestMapErr(t *testing.T) {
	assert.ErrorIs(t, mapErr(sql.ErrNoRows), model.ErrNotFound)
	assert.ErrorIs(t, mapErr(fmt.Errorf("scan: %w", &pgconn.PgError{Code: "23503", ConstraintName: "cards_list_id_fkey"})), model.ErrNotFound)

	other := &pgconn.PgError{Code: "23514"}
	assert.Same(t, other, mapErr(other))
	boom := errors.New("boom")
	assert.Equal(t, boom, mapErr(boom))
}

func TestSchemaSQLInjectsChannel(t *testing.T) {
	s := schemaSQL("board_events")
	assert.Contains(t, s, "pg_notify('board_events', body)")
	assert.Contains(t, s, "> 7900 then")
	assert.NotContains(t, s, "{{")
}

func TestValidChannel(t *testing.T) {
	assert.NoError(t, validChannel(DefaultChannel))
	assert.Error(t, validChannel("Changes"))
	assert.Error(t, validChannel("x'; drop table boards; --"))
	assert.Error(t, validChannel(strings.Repeat("a", 64)))

	_, err := New(nil, Options{Channel: "bad channel"})
	assert.Error(t, err)
}

func TestDecodeNotification(t *testing.T) {
	full := `{"commit_timestamp":"2024-03-01T10:00:00.123456Z","eventType":"UPDATE","schema":"public","table":"cards",
		"new":{"id":"c1","title":"t","description":null,"position":"V","due_date":null,"list_id":"l1",
		"created_at":"2024-03-01T09:00:00+00:00","updated_at":"2024-03-01T10:00:00.123456+00:00"},
		"old":{"id":"c1","title":"s","description":null,"position":"K","due_date":null,"list_id":"l1",
		"created_at":"2024-03-01T09:00:00+00:00","updated_at":"2024-03-01T09:30:00+00:00"}}`
	p, truncated, err := decodeNotification([]byte(full))
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t, "V", p.New.(model.Card).Position)
	assert.Equal(t, "K", p.Old.(model.Card).Position)

	cut := `{"commit_timestamp":"2024-03-01T10:00:00Z","eventType":"INSERT","schema":"public","table":"cards",
		"new":{"id":"c2"},"old":{},"truncated":true}`
	p, truncated, err = decodeNotification([]byte(cut))
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.Equal(t, "c2", p.ID())

	_, _, err = decodeNotification([]byte(`not json`))
	assert.ErrorIs(t, err, realtime.ErrBadPayload)
}
