package board

import (
	"context"
	"fmt"
	"strings"
	"time"

	"trellosync/internal/model"
	"trellosync/internal/position"
)

type BoardInput struct {
	Title      string `json:"title"`
	Background string `json:"background"`
}

type CardInput struct {
	Title       string     `json:"title"`
	Description *string    `json:"description,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	// AfterID places the card after this sibling; empty appends.
	AfterID string `json:"after_id,omitempty"`
}

// CardPatch lists the card fields to change; nil leaves a field as is.
type CardPatch struct {
	Title            *string    `json:"title,omitempty"`
	Description      *string    `json:"description,omitempty"`
	ClearDescription bool       `json:"clear_description,omitempty"`
	DueDate          *time.Time `json:"due_date,omitempty"`
	ClearDueDate     bool       `json:"clear_due_date,omitempty"`
}

// MoveTarget says where a list or card goes. ParentID defaults to the current
// parent. AfterID names the new predecessor and BeforeID the new successor;
// when both are set AfterID wins, when neither is set the item is appended.
type MoveTarget struct {
	ParentID string `json:"parent_id,omitempty"`
	BeforeID string `json:"before_id,omitempty"`
	AfterID  string `json:"after_id,omitempty"`
}

func (c *Client) CreateBoard(ctx context.Context, in BoardInput) (model.Board, error) {
	var out model.Board
	err := c.do(ctx, func() error {
		title := strings.TrimSpace(in.Title)
		if title == "" {
			return fmt.Errorf("%w: board title is required", ErrInvalidInput)
		}
		now := c.opts.Now().UTC()
		out = model.Board{
			ID:         c.opts.NewID(),
			Title:      title,
			Background: in.Background,
			OwnerID:    c.opts.OwnerID,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		c.create(out)
		return nil
	})
	return out, err
}

// CreateList appends a list to a board, or places it right after afterID.
func (c *Client) CreateList(ctx context.Context, boardID, title, afterID string) (model.List, error) {
	var out model.List
	err := c.do(ctx, func() error {
		title = strings.TrimSpace(title)
		if title == "" {
			return fmt.Errorf("%w: list title is required", ErrInvalidInput)
		}
		boardID = c.rec.Resolve(model.TableBoards, boardID)
		if err := c.checkParent(model.TableLists, boardID); err != nil {
			return err
		}
		siblings := c.store.Siblings(model.TableLists, boardID)
		index, err := c.indexAfter(siblings, model.TableLists, afterID)
		if err != nil {
			return err
		}
		now := c.opts.Now().UTC()
		out = model.List{
			ID:        c.opts.NewID(),
			Title:     title,
			BoardID:   boardID,
			Position:  c.place(model.TableLists, boardID, siblings, index),
			CreatedAt: now,
			UpdatedAt: now,
		}
		c.create(out)
		return nil
	})
	return out, err
}

func (c *Client) CreateCard(ctx context.Context, listID string, in CardInput) (model.Card, error) {
	var out model.Card
	err := c.do(ctx, func() error {
		title := strings.TrimSpace(in.Title)
		if title == "" {
			return fmt.Errorf("%w: card title is required", ErrInvalidInput)
		}
		listID = c.rec.Resolve(model.TableLists, listID)
		if err := c.checkParent(model.TableCards, listID); err != nil {
			return err
		}
		siblings := c.store.Siblings(model.TableCards, listID)
		index, err := c.indexAfter(siblings, model.TableCards, in.AfterID)
		if err != nil {
			return err
		}
		now := c.opts.Now().UTC()
		out = model.Card{
			ID:          c.opts.NewID(),
			Title:       title,
			Description: in.Description,
			DueDate:     in.DueDate,
			ListID:      listID,
			Position:    c.place(model.TableCards, listID, siblings, index),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		c.create(out)
		return nil
	})
	return out, err
}

func (c *Client) MoveList(ctx context.Context, id string, to MoveTarget) (model.List, error) {
	var out model.List
	err := c.do(ctx, func() error {
		row, err := c.move(model.TableLists, id, to)
		if err != nil {
			return err
		}
		out = row.(model.List)
		return nil
	})
	return out, err
}

func (c *Client) MoveCard(ctx context.Context, id string, to MoveTarget) (model.Card, error) {
	var out model.Card
	err := c.do(ctx, func() error {
		row, err := c.move(model.TableCards, id, to)
		if err != nil {
			return err
		}
		out = row.(model.Card)
		return nil
	})
	return out, err
}

func (c *Client) move(table model.Table, id string, to MoveTarget) (model.Row, error) {
	id = c.rec.Resolve(table, id)
	cur, ok := c.store.Get(table, id)
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", table, id, model.ErrNotFound)
	}
	parent := cur.ParentID()
	if to.ParentID != "" {
		parent = c.rec.Resolve(model.ParentTable(table), to.ParentID)
		if err := c.checkParent(table, parent); err != nil {
			return nil, err
		}
	}
	var siblings []model.Row
	for _, s := range c.store.Siblings(table, parent) {
		if s.RowID() != id {
			siblings = append(siblings, s)
		}
	}
	var index int
	var err error
	switch {
	case to.AfterID != "":
		index, err = c.indexAfter(siblings, table, to.AfterID)
	case to.BeforeID != "":
		index, err = c.indexOf(siblings, table, to.BeforeID)
	default:
		index = len(siblings)
	}
	if err != nil {
		return nil, err
	}
	fields := model.FieldPosition
	if parent != cur.ParentID() {
		fields |= model.FieldParent
	}
	key := c.place(table, parent, siblings, index)
	next := model.WithPosition(model.WithParent(cur, parent), key)
	c.edit(next, fields)
	return next, nil
}

func (c *Client) UpdateCard(ctx context.Context, id string, patch CardPatch) (model.Card, error) {
	var out model.Card
	err := c.do(ctx, func() error {
		id = c.rec.Resolve(model.TableCards, id)
		card, ok := c.store.Card(id)
		if !ok {
			return fmt.Errorf("card %s: %w", id, model.ErrNotFound)
		}
		var fields model.Field
		if patch.Title != nil {
			title := strings.TrimSpace(*patch.Title)
			if title == "" {
				return fmt.Errorf("%w: card title is required", ErrInvalidInput)
			}
			card.Title = title
			fields |= model.FieldTitle
		}
		switch {
		case patch.ClearDescription:
			card.Description = nil
			fields |= model.FieldDescription
		case patch.Description != nil:
			d := *patch.Description
			card.Description = &d
			fields |= model.FieldDescription
		}
		switch {
		case patch.ClearDueDate:
			card.DueDate = nil
			fields |= model.FieldDueDate
		case patch.DueDate != nil:
			d := patch.DueDate.UTC()
			card.DueDate = &d
			fields |= model.FieldDueDate
		}
		out = card
		if fields != model.FieldNone {
			c.edit(card, fields)
		}
		return nil
	})
	return out, err
}

func (c *Client) RenameList(ctx context.Context, id, title string) (model.List, error) {
	var out model.List
	err := c.do(ctx, func() error {
		title = strings.TrimSpace(title)
		if title == "" {
			return fmt.Errorf("%w: list title is required", ErrInvalidInput)
		}
		id = c.rec.Resolve(model.TableLists, id)
		l, ok := c.store.List(id)
		if !ok {
			return fmt.Errorf("list %s: %w", id, model.ErrNotFound)
		}
		l.Title = title
		out = l
		c.edit(l, model.FieldTitle)
		return nil
	})
	return out, err
}

// ArchiveBoard hides a board from default views. Its lists and cards are kept.
func (c *Client) ArchiveBoard(ctx context.Context, id string) (model.Board, error) {
	return c.setArchived(ctx, id, true)
}

func (c *Client) RestoreBoard(ctx context.Context, id string) (model.Board, error) {
	return c.setArchived(ctx, id, false)
}

func (c *Client) setArchived(ctx context.Context, id string, archived bool) (model.Board, error) {
	var out model.Board
	err := c.do(ctx, func() error {
		id = c.rec.Resolve(model.TableBoards, id)
		b, ok := c.store.Board(id)
		if !ok {
			return fmt.Errorf("board %s: %w", id, model.ErrNotFound)
		}
		out = b
		if b.IsArchived == archived {
			return nil
		}
		if archived {
			b.Archive(c.opts.Now())
		} else {
			b.Restore()
		}
		out = b
		c.edit(b, model.FieldArchived)
		return nil
	})
	return out, err
}

func (c *Client) DeleteBoard(ctx context.Context, id string) error {
	return c.do(ctx, func() error { return c.remove(model.TableBoards, id) })
}

func (c *Client) DeleteList(ctx context.Context, id string) error {
	return c.do(ctx, func() error { return c.remove(model.TableLists, id) })
}

func (c *Client) DeleteCard(ctx context.Context, id string) error {
	return c.do(ctx, func() error { return c.remove(model.TableCards, id) })
}

func (c *Client) remove(table model.Table, id string) error {
	id = c.rec.Resolve(table, id)
	before, ok := c.store.Get(table, id)
	if !ok {
		return fmt.Errorf("%s %s: %w", table, id, model.ErrNotFound)
	}
	c.store.Remove(table, id)
	seq := c.rec.LocalEdit(table, id, model.FieldNone)
	c.enqueue(&write{op: opDelete, table: table, id: id, seq: seq, before: before})
	return nil
}

// checkParent verifies that rows of table may be attached to parentID.
func (c *Client) checkParent(table model.Table, parentID string) error {
	switch table {
	case model.TableLists:
		b, ok := c.store.Board(parentID)
		if !ok {
			return fmt.Errorf("%w: board %s: %w", ErrInvalidParent, parentID, model.ErrNotFound)
		}
		if b.IsArchived {
			return fmt.Errorf("%w: board %s is archived", ErrInvalidParent, parentID)
		}
	case model.TableCards:
		if _, ok := c.store.List(parentID); !ok {
			return fmt.Errorf("%w: list %s: %w", ErrInvalidParent, parentID, model.ErrNotFound)
		}
	}
	return nil
}

func (c *Client) indexOf(siblings []model.Row, table model.Table, id string) (int, error) {
	id = c.rec.Resolve(table, id)
	for i, s := range siblings {
		if s.RowID() == id {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%s %s is not a sibling: %w", table, id, model.ErrNotFound)
}

func (c *Client) indexAfter(siblings []model.Row, table model.Table, afterID string) (int, error) {
	if afterID == "" {
		return len(siblings), nil
	}
	i, err := c.indexOf(siblings, table, afterID)
	if err != nil {
		return 0, err
	}
	return i + 1, nil
}

// place returns the ordering key for slot index among siblings. When the
// neighbours leave no room the group is renumbered and every changed sibling
// is written back.
func (c *Client) place(table model.Table, parentID string, siblings []model.Row, index int) string {
	keys := make([]string, len(siblings))
	for i, s := range siblings {
		keys[i] = model.PositionOf(s)
	}
	p := position.Place(keys, index)
	if !p.Rebalanced {
		return p.Key
	}
	for i, s := range siblings {
		if keys[i] != p.Keys[i] {
			c.edit(model.WithPosition(s, p.Keys[i]), model.FieldPosition)
		}
	}
	boardID := parentID
	if table == model.TableCards {
		if l, ok := c.store.List(parentID); ok {
			boardID = l.BoardID
		}
	}
	c.log.Info("sibling group rebalanced", "table", table, "parent", parentID, "size", len(siblings)+1)
	c.advise(Advisory{Kind: AdvisoryRebalanced, Table: table, ID: parentID, BoardID: boardID})
	return p.Key
}

func (c *Client) create(row model.Row) {
	c.store.Upsert(row)
	seq := c.rec.LocalCreate(row.Table(), row.RowID())
	c.enqueue(&write{op: opInsert, table: row.Table(), id: row.RowID(), row: row, fields: model.FieldsOf(row.Table()), seq: seq})
}

func (c *Client) edit(row model.Row, fields model.Field) {
	before, _ := c.store.Get(row.Table(), row.RowID())
	c.store.Upsert(row)
	seq := c.rec.LocalEdit(row.Table(), row.RowID(), fields)
	c.enqueue(&write{op: opUpdate, table: row.Table(), id: row.RowID(), row: row, fields: fields, seq: seq, before: before})
}
