// Package memory is an in-process Remote with a change feed. It backs tests,
// demos and the server's --remote=memory mode.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"trellosync/internal/model"
	"trellosync/internal/realtime"
	"trellosync/internal/remote"
)

type Options struct {
	Logger *slog.Logger
	Now    func() time.Time
	NewID  func() string
	// FeedBuffer sizes the outbound channel of each feed.
	FeedBuffer int
}

type Remote struct {
	log    *slog.Logger
	now    func() time.Time
	newID  func() string
	buffer int

	mu     sync.Mutex
	boards map[string]model.Board
	lists  map[string]model.List
	cards  map[string]model.Card
	last   time.Time
	fail   []error
	gate   chan struct{}
	feeds  map[*feed]struct{}
}

var _ remote.Remote = (*Remote)(nil)

func New(opts Options) *Remote {
	r := &Remote{
		log:    opts.Logger,
		now:    opts.Now,
		newID:  opts.NewID,
		buffer: opts.FeedBuffer,
		boards: map[string]model.Board{},
		lists:  map[string]model.List{},
		cards:  map[string]model.Card{},
		feeds:  map[*feed]struct{}{},
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	if r.buffer <= 0 {
		r.buffer = 64
	}
	return r
}

// FailNext makes the next write return err.
func (r *Remote) FailNext(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = append(r.fail, err)
}

// Pause blocks all writes until the returned release func is called.
func (r *Remote) Pause() (release func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gate == nil {
		r.gate = make(chan struct{})
	}
	gate := r.gate
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if r.gate == gate {
				r.gate = nil
			}
			r.mu.Unlock()
			close(gate)
		})
	}
}

// Publish delivers p to every open feed as if another writer had produced it.
// Stored rows are not changed.
func (r *Remote) Publish(p realtime.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emit(p)
}

// begin waits for an open gate, then locks r and pops an injected failure.
func (r *Remote) begin(ctx context.Context) error {
	r.mu.Lock()
	for r.gate != nil {
		gate := r.gate
		r.mu.Unlock()
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
		r.mu.Lock()
	}
	if len(r.fail) > 0 {
		err := r.fail[0]
		r.fail = r.fail[1:]
		r.mu.Unlock()
		return err
	}
	return nil
}

// tick returns a commit timestamp strictly after the previous one.
func (r *Remote) tick() time.Time {
	ts := r.now().UTC()
	if !ts.After(r.last) {
		ts = r.last.Add(time.Microsecond)
	}
	r.last = ts
	return ts
}

func (r *Remote) Insert(ctx context.Context, row model.Row) (model.Row, error) {
	if err := r.begin(ctx); err != nil {
		return nil, remote.WriteError("insert", row.Table(), row.RowID(), err)
	}
	defer r.mu.Unlock()

	if err := r.checkParent(row); err != nil {
		return nil, remote.WriteError("insert", row.Table(), row.RowID(), err)
	}
	ts := r.tick()
	id := r.newID()
	var out model.Row
	switch v := row.(type) {
	case model.Board:
		v.ID, v.CreatedAt, v.UpdatedAt = id, ts, ts
		if v.IsArchived && v.ArchivedAt == nil {
			v.Archive(ts)
		}
		r.boards[id] = v
		out = v
	case model.List:
		v.ID, v.CreatedAt, v.UpdatedAt = id, ts, ts
		r.lists[id] = v
		out = v
	case model.Card:
		v.ID, v.CreatedAt, v.UpdatedAt = id, ts, ts
		r.cards[id] = v
		out = v
	default:
		return nil, remote.WriteError("insert", row.Table(), row.RowID(), realtime.ErrUnknownTable)
	}
	r.emit(realtime.Payload{CommitTimestamp: ts, EventType: realtime.EventInsert, New: out, Schema: "public", Table: out.Table()})
	return out, nil
}

func (r *Remote) Update(ctx context.Context, row model.Row, fields model.Field) (model.Row, error) {
	if err := r.begin(ctx); err != nil {
		return nil, remote.WriteError("update", row.Table(), row.RowID(), err)
	}
	defer r.mu.Unlock()

	old, ok := r.get(row.Table(), row.RowID())
	if !ok {
		return nil, remote.WriteError("update", row.Table(), row.RowID(), model.ErrNotFound)
	}
	if fields.Has(model.FieldParent) {
		if err := r.checkParent(row); err != nil {
			return nil, remote.WriteError("update", row.Table(), row.RowID(), err)
		}
	}
	ts := r.tick()
	out := model.Merge(row, old, fields)
	switch v := out.(type) {
	case model.Board:
		v.UpdatedAt = ts
		r.boards[v.ID] = v
		out = v
	case model.List:
		v.UpdatedAt = ts
		r.lists[v.ID] = v
		out = v
	case model.Card:
		v.UpdatedAt = ts
		r.cards[v.ID] = v
		out = v
	}
	r.emit(realtime.Payload{CommitTimestamp: ts, EventType: realtime.EventUpdate, New: out, Old: old, Schema: "public", Table: out.Table()})
	return out, nil
}

// Delete removes a row. Children of a deleted board or list go with it and
// produce no events of their own.
func (r *Remote) Delete(ctx context.Context, table model.Table, id string) error {
	if err := r.begin(ctx); err != nil {
		return remote.WriteError("delete", table, id, err)
	}
	defer r.mu.Unlock()

	old, ok := r.get(table, id)
	if !ok {
		return remote.WriteError("delete", table, id, model.ErrNotFound)
	}
	switch table {
	case model.TableBoards:
		delete(r.boards, id)
		for lid, l := range r.lists {
			if l.BoardID == id {
				r.dropList(lid)
			}
		}
	case model.TableLists:
		r.dropList(id)
	case model.TableCards:
		delete(r.cards, id)
	}
	ts := r.tick()
	r.emit(realtime.Payload{CommitTimestamp: ts, EventType: realtime.EventDelete, Old: old, Schema: "public", Table: table})
	return nil
}

func (r *Remote) dropList(id string) {
	delete(r.lists, id)
	for cid, c := range r.cards {
		if c.ListID == id {
			delete(r.cards, cid)
		}
	}
}

func (r *Remote) Snapshot(ctx context.Context) ([]model.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.Row, 0, len(r.boards)+len(r.lists)+len(r.cards))
	for _, b := range r.boards {
		out = append(out, b)
	}
	for _, l := range r.lists {
		out = append(out, l)
	}
	for _, c := range r.cards {
		out = append(out, c)
	}
	rank := map[model.Table]int{model.TableBoards: 0, model.TableLists: 1, model.TableCards: 2}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if rank[a.Table()] != rank[b.Table()] {
			return rank[a.Table()] < rank[b.Table()]
		}
		return a.RowID() < b.RowID()
	})
	return out, nil
}

// Len reports the number of stored rows in table.
func (r *Remote) Len(table model.Table) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch table {
	case model.TableBoards:
		return len(r.boards)
	case model.TableLists:
		return len(r.lists)
	case model.TableCards:
		return len(r.cards)
	}
	return 0
}

// Get returns a stored row.
func (r *Remote) Get(table model.Table, id string) (model.Row, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(table, id)
}

func (r *Remote) get(table model.Table, id string) (model.Row, bool) {
	switch table {
	case model.TableBoards:
		b, ok := r.boards[id]
		return b, ok
	case model.TableLists:
		l, ok := r.lists[id]
		return l, ok
	case model.TableCards:
		c, ok := r.cards[id]
		return c, ok
	}
	return nil, false
}

func (r *Remote) checkParent(row model.Row) error {
	switch v := row.(type) {
	case model.List:
		b, ok := r.boards[v.BoardID]
		if !ok {
			return fmt.Errorf("board %q: %w", v.BoardID, model.ErrNotFound)
		}
		if b.IsArchived {
			return fmt.Errorf("board %q is archived", v.BoardID)
		}
	case model.Card:
		if _, ok := r.lists[v.ListID]; !ok {
			return fmt.Errorf("list %q: %w", v.ListID, model.ErrNotFound)
		}
	}
	return nil
}
