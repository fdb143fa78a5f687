// Package store is the in-memory entity cache behind the board client.
//
// A Store is owned by a single goroutine and is not safe for concurrent use.
// Subscribers are invoked synchronously on that goroutine after each mutation.
package store

import (
	"fmt"
	"sort"

	"trellosync/internal/model"
)

type Op string

const (
	OpUpsert Op = "upsert"
	OpRemove Op = "remove"
)

// Change describes one store mutation.
type Change struct {
	Op      Op          `json:"op"`
	Table   model.Table `json:"table"`
	ID      string      `json:"id"`
	BoardID string      `json:"board_id,omitempty"`
}

type Store struct {
	boards map[string]model.Board
	lists  map[string]model.List
	cards  map[string]model.Card
	// first-insertion order of boards
	order []string

	subs    map[string]map[int]func(Change)
	all     map[int]func(Change)
	nextSub int
}

func New() *Store {
	return &Store{
		boards: map[string]model.Board{},
		lists:  map[string]model.List{},
		cards:  map[string]model.Card{},
		subs:   map[string]map[int]func(Change){},
		all:    map[int]func(Change){},
	}
}

// Upsert inserts or replaces row by id. Duplicate upserts are harmless. A row
// that changes board is reported as removed from the board it left.
func (s *Store) Upsert(row model.Row) {
	prev := ""
	if old, ok := s.Get(row.Table(), row.RowID()); ok {
		prev = s.boardOf(old)
	}
	switch r := row.(type) {
	case model.Board:
		if _, ok := s.boards[r.ID]; !ok {
			s.order = append(s.order, r.ID)
		}
		s.boards[r.ID] = r
	case model.List:
		s.lists[r.ID] = r
	case model.Card:
		s.cards[r.ID] = r
	default:
		return
	}
	boardID := s.boardOf(row)
	if prev != "" && prev != boardID {
		s.notify(Change{Op: OpRemove, Table: row.Table(), ID: row.RowID(), BoardID: prev})
	}
	s.notify(Change{Op: OpUpsert, Table: row.Table(), ID: row.RowID(), BoardID: boardID})
}

// Remove deletes one row. Descendants stay cached but drop out of the derived
// views because those join through the removed parent.
func (s *Store) Remove(table model.Table, id string) bool {
	row, ok := s.Get(table, id)
	if !ok {
		return false
	}
	boardID := s.boardOf(row)
	switch table {
	case model.TableBoards:
		delete(s.boards, id)
		for i, bid := range s.order {
			if bid == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	case model.TableLists:
		delete(s.lists, id)
	case model.TableCards:
		delete(s.cards, id)
	}
	s.notify(Change{Op: OpRemove, Table: table, ID: id, BoardID: boardID})
	return true
}

// Rekey moves the row at oldID to newID and repoints its children. A row
// already stored under newID is replaced.
func (s *Store) Rekey(table model.Table, oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	row, ok := s.Get(table, oldID)
	if !ok {
		return fmt.Errorf("rekey %s %s: %w", table, oldID, model.ErrNotFound)
	}
	switch table {
	case model.TableBoards:
		delete(s.boards, oldID)
		_, exists := s.boards[newID]
		for i, bid := range s.order {
			if bid == oldID {
				if exists {
					s.order = append(s.order[:i], s.order[i+1:]...)
				} else {
					s.order[i] = newID
				}
				break
			}
		}
		s.boards[newID] = model.WithID(row, newID).(model.Board)
		for id, l := range s.lists {
			if l.BoardID == oldID {
				l.BoardID = newID
				s.lists[id] = l
			}
		}
	case model.TableLists:
		delete(s.lists, oldID)
		s.lists[newID] = model.WithID(row, newID).(model.List)
		for id, c := range s.cards {
			if c.ListID == oldID {
				c.ListID = newID
				s.cards[id] = c
			}
		}
	case model.TableCards:
		delete(s.cards, oldID)
		s.cards[newID] = model.WithID(row, newID).(model.Card)
	}
	boardID := s.boardOf(model.WithID(row, newID))
	s.notify(Change{Op: OpRemove, Table: table, ID: oldID, BoardID: boardID})
	s.notify(Change{Op: OpUpsert, Table: table, ID: newID, BoardID: boardID})
	return nil
}

func (s *Store) Get(table model.Table, id string) (model.Row, bool) {
	switch table {
	case model.TableBoards:
		b, ok := s.boards[id]
		return b, ok
	case model.TableLists:
		l, ok := s.lists[id]
		return l, ok
	case model.TableCards:
		c, ok := s.cards[id]
		return c, ok
	}
	return nil, false
}

func (s *Store) Board(id string) (model.Board, bool) {
	b, ok := s.boards[id]
	return b, ok
}

func (s *Store) List(id string) (model.List, bool) {
	l, ok := s.lists[id]
	return l, ok
}

func (s *Store) Card(id string) (model.Card, bool) {
	c, ok := s.cards[id]
	return c, ok
}

// Boards returns boards in first-insertion order.
func (s *Store) Boards() []model.Board {
	out := make([]model.Board, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.boards[id])
	}
	return out
}

// ListsOf returns the lists of a board sorted by position, then id.
func (s *Store) ListsOf(boardID string) []model.List {
	var out []model.List
	for _, l := range s.lists {
		if l.BoardID == boardID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CardsOf returns the cards of a list sorted by position, then id.
func (s *Store) CardsOf(listID string) []model.Card {
	var out []model.Card
	for _, c := range s.cards {
		if c.ListID == listID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Siblings returns the rows sharing parentID in table, in display order.
func (s *Store) Siblings(table model.Table, parentID string) []model.Row {
	var out []model.Row
	switch table {
	case model.TableLists:
		for _, l := range s.ListsOf(parentID) {
			out = append(out, l)
		}
	case model.TableCards:
		for _, c := range s.CardsOf(parentID) {
			out = append(out, c)
		}
	}
	return out
}

// BoardWithDetails assembles the nested view of a board. Archived boards are
// reported as not found unless includeArchived is set.
func (s *Store) BoardWithDetails(boardID string, includeArchived bool) (model.BoardWithDetails, error) {
	b, ok := s.boards[boardID]
	if !ok || (b.IsArchived && !includeArchived) {
		return model.BoardWithDetails{}, fmt.Errorf("board %s: %w", boardID, model.ErrNotFound)
	}
	out := model.BoardWithDetails{Board: b, Lists: []model.ListWithCards{}}
	for _, l := range s.ListsOf(boardID) {
		cards := s.CardsOf(l.ID)
		if cards == nil {
			cards = []model.Card{}
		}
		out.Lists = append(out.Lists, model.ListWithCards{List: l, Cards: cards})
	}
	return out, nil
}

// BoardOf resolves the board a row belongs to, "" when its parent is unknown.
func (s *Store) BoardOf(row model.Row) string { return s.boardOf(row) }

func (s *Store) boardOf(row model.Row) string {
	switch r := row.(type) {
	case model.Board:
		return r.ID
	case model.List:
		return r.BoardID
	case model.Card:
		if l, ok := s.lists[r.ListID]; ok {
			return l.BoardID
		}
	}
	return ""
}

// Subscribe registers fn for changes on one board and returns its cancel func.
func (s *Store) Subscribe(boardID string, fn func(Change)) (cancel func()) {
	id := s.nextSub
	s.nextSub++
	if s.subs[boardID] == nil {
		s.subs[boardID] = map[int]func(Change){}
	}
	s.subs[boardID][id] = fn
	return func() {
		if subs, ok := s.subs[boardID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(s.subs, boardID)
			}
		}
	}
}

// SubscribeAll registers fn for every change.
func (s *Store) SubscribeAll(fn func(Change)) (cancel func()) {
	id := s.nextSub
	s.nextSub++
	s.all[id] = fn
	return func() { delete(s.all, id) }
}

func (s *Store) notify(ch Change) {
	for _, fn := range s.all {
		fn(ch)
	}
	if ch.BoardID == "" {
		return
	}
	for _, fn := range s.subs[ch.BoardID] {
		fn(ch)
	}
}
