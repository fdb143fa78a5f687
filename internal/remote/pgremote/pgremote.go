// Package pgremote is a Remote backed by Postgres. Row changes are published
// by triggers through NOTIFY and consumed with LISTEN.
package pgremote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"trellosync/internal/model"
	"trellosync/internal/remote"
)

type Options struct {
	Logger  *slog.Logger
	Channel string
	// RetryDelay is the pause before a broken LISTEN connection is re-established.
	RetryDelay time.Duration
}

type Remote struct {
	db         *sql.DB
	log        *slog.Logger
	channel    string
	retryDelay time.Duration
}

var _ remote.Remote = (*Remote)(nil)

// Open connects to dsn with the pgx driver and verifies the connection.
func Open(ctx context.Context, dsn string, opts Options) (*Remote, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	r, err := New(db, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func New(db *sql.DB, opts Options) (*Remote, error) {
	r := &Remote{db: db, log: opts.Logger, channel: opts.Channel, retryDelay: opts.RetryDelay}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.channel == "" {
		r.channel = DefaultChannel
	}
	if r.retryDelay <= 0 {
		r.retryDelay = time.Second
	}
	if err := validChannel(r.channel); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Remote) Close() error { return r.db.Close() }

// Migrate creates tables, indexes and change triggers. It is idempotent.
func (r *Remote) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, schemaSQL(r.channel))
	return err
}

const (
	boardCols = `id, title, background, owner_id, is_archived, archived_at, created_at, updated_at`
	listCols  = `id, title, position, board_id, created_at, updated_at`
	cardCols  = `id, title, description, position, due_date, list_id, created_at, updated_at`
)

type scanner interface {
	Scan(dest ...any) error
}

func scanBoard(s scanner) (model.Board, error) {
	var b model.Board
	err := s.Scan(&b.ID, &b.Title, &b.Background, &b.OwnerID, &b.IsArchived, &b.ArchivedAt, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

func scanList(s scanner) (model.List, error) {
	var l model.List
	err := s.Scan(&l.ID, &l.Title, &l.Position, &l.BoardID, &l.CreatedAt, &l.UpdatedAt)
	return l, err
}

func scanCard(s scanner) (model.Card, error) {
	var c model.Card
	err := s.Scan(&c.ID, &c.Title, &c.Description, &c.Position, &c.DueDate, &c.ListID, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func scanRow(table model.Table, s scanner) (model.Row, error) {
	switch table {
	case model.TableBoards:
		return scanBoard(s)
	case model.TableLists:
		return scanList(s)
	case model.TableCards:
		return scanCard(s)
	}
	return nil, fmt.Errorf("scan %s: unsupported table", table)
}

func columnsOf(table model.Table) string {
	switch table {
	case model.TableBoards:
		return boardCols
	case model.TableLists:
		return listCols
	case model.TableCards:
		return cardCols
	}
	return ""
}

// mapErr turns driver errors into model errors where the meaning is clear.
func mapErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, model.ErrNotFound)
	}
	return err
}

func (r *Remote) Insert(ctx context.Context, row model.Row) (model.Row, error) {
	var (
		out model.Row
		err error
	)
	switch v := row.(type) {
	case model.Board:
		var archivedAt *time.Time
		if v.IsArchived {
			archivedAt = v.ArchivedAt
			if archivedAt == nil {
				now := time.Now().UTC()
				archivedAt = &now
			}
		}
		out, err = scanBoard(r.db.QueryRowContext(ctx,
			`insert into boards(title, background, owner_id, is_archived, archived_at) values($1,$2,$3,$4,$5) returning `+boardCols,
			v.Title, v.Background, v.OwnerID, v.IsArchived, archivedAt))
	case model.List:
		// only boards that are not archived accept new lists
		out, err = scanList(r.db.QueryRowContext(ctx,
			`insert into lists(title, position, board_id) select $1, $2, id from boards where id=$3 and not is_archived returning `+listCols,
			v.Title, v.Position, v.BoardID))
	case model.Card:
		out, err = scanCard(r.db.QueryRowContext(ctx,
			`insert into cards(title, description, position, due_date, list_id) values($1,$2,$3,$4,$5) returning `+cardCols,
			v.Title, v.Description, v.Position, v.DueDate, v.ListID))
	default:
		err = fmt.Errorf("insert %s: unsupported table", row.Table())
	}
	if err != nil {
		return nil, remote.WriteError("insert", row.Table(), row.RowID(), mapErr(err))
	}
	return out, nil
}

// buildUpdate renders the UPDATE statement for the given fields of row.
// It returns an empty query when no persisted column is touched.
func buildUpdate(row model.Row, fields model.Field) (string, []any) {
	set := []string{}
	args := []any{}
	add := func(col string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	switch v := row.(type) {
	case model.Board:
		if fields.Has(model.FieldTitle) {
			add("title", v.Title)
		}
		if fields.Has(model.FieldBackground) {
			add("background", v.Background)
		}
		if fields.Has(model.FieldArchived) {
			add("is_archived", v.IsArchived)
			add("archived_at", v.ArchivedAt)
		}
	case model.List:
		if fields.Has(model.FieldTitle) {
			add("title", v.Title)
		}
		if fields.Has(model.FieldPosition) {
			add("position", v.Position)
		}
		if fields.Has(model.FieldParent) {
			add("board_id", v.BoardID)
		}
	case model.Card:
		if fields.Has(model.FieldTitle) {
			add("title", v.Title)
		}
		if fields.Has(model.FieldDescription) {
			add("description", v.Description)
		}
		if fields.Has(model.FieldPosition) {
			add("position", v.Position)
		}
		if fields.Has(model.FieldDueDate) {
			add("due_date", v.DueDate)
		}
		if fields.Has(model.FieldParent) {
			add("list_id", v.ListID)
		}
	}
	if len(set) == 0 {
		return "", nil
	}
	args = append(args, row.RowID())
	q := fmt.Sprintf("update %s set %s where id=$%d returning %s",
		row.Table(), strings.Join(set, ", "), len(args), columnsOf(row.Table()))
	return q, args
}

func (r *Remote) Update(ctx context.Context, row model.Row, fields model.Field) (model.Row, error) {
	q, args := buildUpdate(row, fields)
	if q == "" {
		out, err := r.get(ctx, row.Table(), row.RowID())
		if err != nil {
			return nil, remote.WriteError("update", row.Table(), row.RowID(), err)
		}
		return out, nil
	}
	out, err := scanRow(row.Table(), r.db.QueryRowContext(ctx, q, args...))
	if err != nil {
		return nil, remote.WriteError("update", row.Table(), row.RowID(), mapErr(err))
	}
	return out, nil
}

func (r *Remote) Delete(ctx context.Context, table model.Table, id string) error {
	if columnsOf(table) == "" {
		return remote.WriteError("delete", table, id, fmt.Errorf("unsupported table"))
	}
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`delete from %s where id=$1`, table), id)
	if err != nil {
		return remote.WriteError("delete", table, id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return remote.WriteError("delete", table, id, model.ErrNotFound)
	}
	return nil
}

func (r *Remote) get(ctx context.Context, table model.Table, id string) (model.Row, error) {
	cols := columnsOf(table)
	if cols == "" {
		return nil, fmt.Errorf("get %s: unsupported table", table)
	}
	row, err := scanRow(table, r.db.QueryRowContext(ctx, fmt.Sprintf(`select %s from %s where id=$1`, cols, table), id))
	if err != nil {
		return nil, mapErr(err)
	}
	return row, nil
}

func (r *Remote) Snapshot(ctx context.Context) ([]model.Row, error) {
	var out []model.Row
	queries := []struct {
		table model.Table
		q     string
	}{
		{model.TableBoards, `select ` + boardCols + ` from boards order by created_at, id`},
		{model.TableLists, `select ` + listCols + ` from lists order by board_id, position, id`},
		{model.TableCards, `select ` + cardCols + ` from cards order by list_id, position, id`},
	}
	for _, q := range queries {
		rows, err := r.db.QueryContext(ctx, q.q)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", q.table, err)
		}
		for rows.Next() {
			row, err := scanRow(q.table, rows)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("snapshot %s: %w", q.table, err)
			}
			out = append(out, row)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", q.table, err)
		}
	}
	return out, nil
}
