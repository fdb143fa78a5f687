package board

import (
	"context"
	"errors"
	"fmt"

	"trellosync/internal/model"
)

type writeOp int

const (
	opInsert writeOp = iota
	opUpdate
	opDelete
)

func (o writeOp) String() string {
	switch o {
	case opInsert:
		return "insert"
	case opUpdate:
		return "update"
	}
	return "delete"
}

// write is one remote mutation. Writes for the same row run one at a time in
// issue order; id is the row id when the write was issued and may be a
// temporary id resolved at dispatch time.
type write struct {
	op     writeOp
	table  model.Table
	id     string
	row    model.Row
	fields model.Field
	seq    uint64
	// before is the row prior to the optimistic change, nil for inserts.
	before  model.Row
	started bool
}

type writeResult struct {
	w   *write
	row model.Row
	err error
}

func (c *Client) enqueue(w *write) {
	k := entityKey{w.table, w.id}
	c.queues[k] = append(c.queues[k], w)
	if len(c.queues[k]) == 1 {
		c.dispatch(w)
	}
}

func (c *Client) dispatch(w *write) {
	if w.started {
		return
	}
	w.started = true
	c.send(w)
}

// send issues w unless it needs a parent whose own insert is still in
// flight; such writes are parked until that insert is acknowledged.
func (c *Client) send(w *write) {
	id := c.rec.Resolve(w.table, w.id)
	row := w.row
	if row != nil {
		row = model.WithID(row, id)
		if pt := model.ParentTable(w.table); pt != "" {
			pid := c.rec.Resolve(pt, row.ParentID())
			if c.rec.Created(pt, pid) && (w.op == opInsert || w.fields.Has(model.FieldParent)) {
				pk := entityKey{pt, pid}
				c.parked[pk] = append(c.parked[pk], w)
				c.log.Debug("write waits for parent", "table", w.table, "id", id, "parent", pid)
				return
			}
			row = model.WithParent(row, pid)
		}
	}

	ctx := c.runCtx
	go func() {
		res := writeResult{w: w}
		switch w.op {
		case opInsert:
			res.row, res.err = c.remote.Insert(ctx, row)
		case opUpdate:
			res.row, res.err = c.remote.Update(ctx, row, w.fields)
		case opDelete:
			res.err = c.remote.Delete(ctx, w.table, id)
		}
		select {
		case c.results <- res:
		case <-c.done:
		}
	}()
}

// complete folds a write result into the cache and starts the next write
// queued for the same row.
func (c *Client) complete(res writeResult) {
	w := res.w
	id := c.rec.Resolve(w.table, w.id)
	k := entityKey{w.table, w.id}
	if q := c.queues[k]; len(q) == 0 || q[0] != w {
		// queue was moved to the server id
		k = entityKey{w.table, id}
	}

	if res.err != nil {
		if errors.Is(res.err, context.Canceled) && c.runCtx.Err() != nil {
			return
		}
		c.fail(k, id, res.err)
		return
	}

	switch w.op {
	case opInsert:
		serverID := c.rec.Acknowledge(w.table, id, w.seq, res.row)
		c.log.Debug("insert acknowledged", "table", w.table, "local_id", id, "id", serverID)
		c.pop(k)
		if serverID != id {
			if rest := c.queues[k]; len(rest) > 0 {
				sk := entityKey{w.table, serverID}
				c.queues[sk] = append(c.queues[sk], rest...)
			}
			delete(c.queues, k)
			k = entityKey{w.table, serverID}
		}
		parked := c.parked[entityKey{w.table, id}]
		delete(c.parked, entityKey{w.table, id})
		for _, child := range parked {
			c.send(child)
		}
	case opUpdate:
		c.rec.Acknowledge(w.table, id, w.seq, res.row)
		c.pop(k)
	case opDelete:
		c.rec.AcknowledgeDelete(w.table, id)
		c.pop(k)
	}
	if q := c.queues[k]; len(q) > 0 {
		c.dispatch(q[0])
	}
}

func (c *Client) pop(k entityKey) {
	q := c.queues[k]
	if len(q) <= 1 {
		delete(c.queues, k)
		return
	}
	c.queues[k] = q[1:]
}

// fail rolls back the head write of queue k. A failed insert takes every
// later write for the row and every write waiting on it as a parent with it.
func (c *Client) fail(k entityKey, id string, err error) {
	q := c.queues[k]
	if len(q) == 0 {
		return
	}
	w := q[0]
	c.log.Error("remote write failed", "op", w.op, "table", w.table, "id", id, "err", err)
	boardID := ""
	if row, ok := c.store.Get(w.table, id); ok {
		boardID = c.store.BoardOf(row)
	} else if w.before != nil {
		boardID = c.store.BoardOf(w.before)
	}
	c.failed[entityKey{w.table, id}] = w
	c.advise(Advisory{Kind: AdvisoryWriteFailed, Table: w.table, ID: id, BoardID: boardID, Err: err})

	if w.op != opInsert {
		c.rec.Rollback(w.table, id, w.seq, w.before)
		c.pop(k)
		if q := c.queues[k]; len(q) > 0 {
			c.dispatch(q[0])
		}
		return
	}
	c.abandon(k, id)
}

// abandon drops all writes for a row whose insert failed, rolling each back,
// and recursively abandons rows parked on it.
func (c *Client) abandon(k entityKey, id string) {
	q := c.queues[k]
	delete(c.queues, k)
	for i := len(q) - 1; i >= 0; i-- {
		c.rec.Rollback(q[i].table, id, q[i].seq, q[i].before)
	}
	pk := entityKey{k.table, id}
	children := c.parked[pk]
	delete(c.parked, pk)
	for _, child := range children {
		cid := c.rec.Resolve(child.table, child.id)
		ck := entityKey{child.table, child.id}
		if child.op == opInsert {
			c.log.Warn("dropping write for row under failed parent", "table", child.table, "id", cid)
			c.abandon(ck, cid)
			continue
		}
		// a move into the failed parent: undo it and carry on with the row
		c.rec.Rollback(child.table, cid, child.seq, child.before)
		c.pop(ck)
		if q := c.queues[ck]; len(q) > 0 {
			c.dispatch(q[0])
		}
	}
}

// Retry reissues the failed write reported by a write_failed advisory,
// reapplying its optimistic change first.
func (c *Client) Retry(ctx context.Context, a Advisory) error {
	return c.do(ctx, func() error {
		k := entityKey{a.Table, a.ID}
		w, ok := c.failed[k]
		if !ok {
			return fmt.Errorf("no failed write for %s %s: %w", a.Table, a.ID, model.ErrNotFound)
		}
		delete(c.failed, k)
		return c.reissue(w, a.ID)
	})
}

func (c *Client) reissue(w *write, id string) error {
	switch w.op {
	case opInsert:
		row := model.WithID(w.row, id)
		if pt := model.ParentTable(w.table); pt != "" {
			pid := c.rec.Resolve(pt, row.ParentID())
			if err := c.checkParent(w.table, pid); err != nil {
				return err
			}
			row = model.WithParent(row, pid)
		}
		c.create(row)
	case opUpdate:
		cur, ok := c.store.Get(w.table, id)
		if !ok {
			return fmt.Errorf("%s %s: %w", w.table, id, model.ErrNotFound)
		}
		c.edit(model.Merge(w.row, cur, w.fields), w.fields)
	case opDelete:
		return c.remove(w.table, id)
	}
	return nil
}
