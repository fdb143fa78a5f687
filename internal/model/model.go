package model

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// Table names the remote table a row belongs to.
type Table string

const (
	TableProfiles Table = "profiles"
	TableBoards   Table = "boards"
	TableLists    Table = "lists"
	TableCards    Table = "cards"
)

// Row is implemented by every entity the sync core can cache.
type Row interface {
	Table() Table
	RowID() string
	// ParentID is the id of the owning row (board for lists, list for cards).
	ParentID() string
	Updated() time.Time
}

// Profile is owned by the auth collaborator and read-only here.
type Profile struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FullName  *string   `json:"full_name"`
	AvatarURL *string   `json:"avatar_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Board struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Background string     `json:"background"`
	OwnerID    string     `json:"owner_id"`
	IsArchived bool       `json:"is_archived"`
	ArchivedAt *time.Time `json:"archived_at"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

type List struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	// Position orders lists within a board by byte comparison.
	Position  string    `json:"position"`
	BoardID   string    `json:"board_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Card struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description *string    `json:"description"`
	Position    string     `json:"position"`
	DueDate     *time.Time `json:"due_date"`
	ListID      string     `json:"list_id"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// BoardWithDetails is a derived view: never persisted, lists sorted by position.
type BoardWithDetails struct {
	Board
	Lists []ListWithCards `json:"lists"`
}

type ListWithCards struct {
	List
	Cards []Card `json:"cards"`
}

func (p Profile) Table() Table       { return TableProfiles }
func (p Profile) RowID() string      { return p.ID }
func (p Profile) ParentID() string   { return "" }
func (p Profile) Updated() time.Time { return p.UpdatedAt }

func (b Board) Table() Table       { return TableBoards }
func (b Board) RowID() string      { return b.ID }
func (b Board) ParentID() string   { return "" }
func (b Board) Updated() time.Time { return b.UpdatedAt }

func (l List) Table() Table       { return TableLists }
func (l List) RowID() string      { return l.ID }
func (l List) ParentID() string   { return l.BoardID }
func (l List) Updated() time.Time { return l.UpdatedAt }

func (c Card) Table() Table       { return TableCards }
func (c Card) RowID() string      { return c.ID }
func (c Card) ParentID() string   { return c.ListID }
func (c Card) Updated() time.Time { return c.UpdatedAt }

// Archive sets both archival fields together so is_archived and archived_at never disagree.
func (b *Board) Archive(at time.Time) {
	b.IsArchived = true
	t := at.UTC()
	b.ArchivedAt = &t
}

func (b *Board) Restore() {
	b.IsArchived = false
	b.ArchivedAt = nil
}

// ParentTable returns the table holding the parent of rows in t, or "" for roots.
func ParentTable(t Table) Table {
	switch t {
	case TableLists:
		return TableBoards
	case TableCards:
		return TableLists
	}
	return ""
}
