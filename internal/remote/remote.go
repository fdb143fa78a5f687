// Package remote defines the row store the board client writes through and
// the change feed it listens to.
package remote

import (
	"context"
	"errors"

	"trellosync/internal/model"
	"trellosync/internal/realtime"
)

var (
	// ErrRemoteWriteFailed wraps any failure of a remote insert, update or delete.
	ErrRemoteWriteFailed = errors.New("remote write failed")
	// ErrFeedClosed is reported when a change feed ends unexpectedly.
	ErrFeedClosed = errors.New("change feed closed")
)

// Remote is a row store with per-row CRUD. Implementations assign ids and
// timestamps on insert and return the persisted row.
type Remote interface {
	Insert(ctx context.Context, row model.Row) (model.Row, error)
	// Update persists the given fields of row; other fields are left untouched.
	Update(ctx context.Context, row model.Row, fields model.Field) (model.Row, error)
	Delete(ctx context.Context, table model.Table, id string) error
	// Snapshot returns every board, list and card currently stored.
	Snapshot(ctx context.Context) ([]model.Row, error)
	// Subscribe opens a change feed for the given tables, or all tables when none are given.
	Subscribe(ctx context.Context, tables ...model.Table) (Feed, error)
}

// Feed delivers change events until closed. Both channels are closed when the
// feed ends; errors are non-fatal and delivery continues after them.
type Feed interface {
	Events() <-chan realtime.Payload
	Errors() <-chan error
	Close() error
}

// WriteError wraps err so that errors.Is(err, ErrRemoteWriteFailed) holds.
func WriteError(op string, table model.Table, id string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRemoteWriteFailed) {
		return err
	}
	return &writeError{op: op, table: table, id: id, err: err}
}

type writeError struct {
	op    string
	table model.Table
	id    string
	err   error
}

func (e *writeError) Error() string {
	return ErrRemoteWriteFailed.Error() + ": " + e.op + " " + string(e.table) + "/" + e.id + ": " + e.err.Error()
}

func (e *writeError) Unwrap() []error { return []error{ErrRemoteWriteFailed, e.err} }

// WithFeed replaces the change feed of r with the one opened by sub, keeping
// r's row operations. It is used to route events through a relay.
func WithFeed(r Remote, sub func(ctx context.Context, tables ...model.Table) (Feed, error)) Remote {
	return &feedOverride{Remote: r, sub: sub}
}

type feedOverride struct {
	Remote
	sub func(ctx context.Context, tables ...model.Table) (Feed, error)
}

func (f *feedOverride) Subscribe(ctx context.Context, tables ...model.Table) (Feed, error) {
	return f.sub(ctx, tables...)
}

// Wants reports whether table is selected by a Subscribe table filter.
func Wants(tables []model.Table, table model.Table) bool {
	if len(tables) == 0 {
		return true
	}
	for _, t := range tables {
		if t == table {
			return true
		}
	}
	return false
}
