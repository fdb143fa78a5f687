package model

import "strings"

// Field is a bit set of mutable row fields. Local edits are tracked per field so
// a remote row can be merged without discarding newer local values.
type Field uint16

const (
	FieldTitle Field = 1 << iota
	FieldBackground
	FieldArchived
	FieldPosition
	FieldParent
	FieldDescription
	FieldDueDate

	FieldNone Field = 0
	FieldAll  Field = FieldTitle | FieldBackground | FieldArchived | FieldPosition | FieldParent | FieldDescription | FieldDueDate
)

var fieldNames = []struct {
	f    Field
	name string
}{
	{FieldTitle, "title"},
	{FieldBackground, "background"},
	{FieldArchived, "archived"},
	{FieldPosition, "position"},
	{FieldParent, "parent"},
	{FieldDescription, "description"},
	{FieldDueDate, "due_date"},
}

func (f Field) Has(o Field) bool { return f&o == o && o != 0 }

// Each calls fn for every single field in the set.
func (f Field) Each(fn func(Field)) {
	for _, n := range fieldNames {
		if f&n.f != 0 {
			fn(n.f)
		}
	}
}

func (f Field) String() string {
	if f == FieldNone {
		return "none"
	}
	var parts []string
	for _, n := range fieldNames {
		if f&n.f != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// FieldsOf returns the fields that apply to rows of table t.
func FieldsOf(t Table) Field {
	switch t {
	case TableBoards:
		return FieldTitle | FieldBackground | FieldArchived
	case TableLists:
		return FieldTitle | FieldPosition | FieldParent
	case TableCards:
		return FieldTitle | FieldPosition | FieldParent | FieldDescription | FieldDueDate
	}
	return FieldNone
}

// Merge returns remote with the fields in keep taken from local. Identity and
// timestamps always come from remote. Rows of different tables return remote.
func Merge(local, remote Row, keep Field) Row {
	if local == nil || keep == FieldNone {
		return remote
	}
	switch r := remote.(type) {
	case Board:
		l, ok := local.(Board)
		if !ok {
			return remote
		}
		if keep.Has(FieldTitle) {
			r.Title = l.Title
		}
		if keep.Has(FieldBackground) {
			r.Background = l.Background
		}
		if keep.Has(FieldArchived) {
			r.IsArchived, r.ArchivedAt = l.IsArchived, l.ArchivedAt
		}
		return r
	case List:
		l, ok := local.(List)
		if !ok {
			return remote
		}
		if keep.Has(FieldTitle) {
			r.Title = l.Title
		}
		if keep.Has(FieldPosition) {
			r.Position = l.Position
		}
		if keep.Has(FieldParent) {
			r.BoardID = l.BoardID
		}
		return r
	case Card:
		l, ok := local.(Card)
		if !ok {
			return remote
		}
		if keep.Has(FieldTitle) {
			r.Title = l.Title
		}
		if keep.Has(FieldPosition) {
			r.Position = l.Position
		}
		if keep.Has(FieldParent) {
			r.ListID = l.ListID
		}
		if keep.Has(FieldDescription) {
			r.Description = l.Description
		}
		if keep.Has(FieldDueDate) {
			r.DueDate = l.DueDate
		}
		return r
	}
	return remote
}

// WithID returns a copy of row carrying a different id.
func WithID(row Row, id string) Row {
	switch r := row.(type) {
	case Board:
		r.ID = id
		return r
	case List:
		r.ID = id
		return r
	case Card:
		r.ID = id
		return r
	case Profile:
		r.ID = id
		return r
	}
	return row
}

// WithParent returns a copy of row pointing at a different parent.
func WithParent(row Row, parentID string) Row {
	switch r := row.(type) {
	case List:
		r.BoardID = parentID
		return r
	case Card:
		r.ListID = parentID
		return r
	}
	return row
}

// PositionOf returns the ordering key of lists and cards, "" otherwise.
func PositionOf(row Row) string {
	switch r := row.(type) {
	case List:
		return r.Position
	case Card:
		return r.Position
	}
	return ""
}

// WithPosition returns a copy of a list or card carrying a new ordering key.
func WithPosition(row Row, pos string) Row {
	switch r := row.(type) {
	case List:
		r.Position = pos
		return r
	case Card:
		r.Position = pos
		return r
	}
	return row
}
