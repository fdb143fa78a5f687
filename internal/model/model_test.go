package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func strPtr(s string) *string { return &s }

func TestMergeKeepsLocalFields(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	local := Card{ID: "tmp-1", Title: "local title", Position: "a", ListID: "l1", Description: strPtr("local")}
	remote := Card{ID: "card-42", Title: "remote title", Position: "b", ListID: "l2", Description: strPtr("remote"), UpdatedAt: t0}

	merged := Merge(local, remote, FieldTitle|FieldPosition).(Card)

	assert.Equal(t, "card-42", merged.ID)
	assert.Equal(t, t0, merged.UpdatedAt)
	assert.Equal(t, "local title", merged.Title)
	assert.Equal(t, "a", merged.Position)
	assert.Equal(t, "l2", merged.ListID)
	assert.Equal(t, "remote", *merged.Description)
}

func TestMergeMismatchedTablesReturnsRemote(t *testing.T) {
	remote := List{ID: "l1", Title: "remote"}
	assert.Equal(t, remote, Merge(Card{ID: "c1", Title: "x"}, remote, FieldAll))
	assert.Equal(t, remote, Merge(nil, remote, FieldAll))
}

func TestBoardArchiveKeepsFieldsConsistent(t *testing.T) {
	var b Board
	b.Archive(time.Now())
	assert.True(t, b.IsArchived)
	assert.NotNil(t, b.ArchivedAt)

	b.Restore()
	assert.False(t, b.IsArchived)
	assert.Nil(t, b.ArchivedAt)
}

func TestFieldString(t *testing.T) {
	assert.Equal(t, "none", FieldNone.String())
	assert.Equal(t, "title|position", (FieldPosition | FieldTitle).String())

	var seen []Field
	FieldsOf(TableLists).Each(func(f Field) { seen = append(seen, f) })
	assert.Equal(t, []Field{FieldTitle, FieldPosition, FieldParent}, seen)
}

func TestRowHelpers(t *testing.T) {
	c := Card{ID: "c1", ListID: "l1", Position: "V"}
	assert.Equal(t, "l1", c.ParentID())
	assert.Equal(t, TableLists, ParentTable(c.Table()))

	moved := WithParent(WithPosition(c, "X"), "l2").(Card)
	assert.Equal(t, "X", PositionOf(moved))
	assert.Equal(t, "l2", moved.ListID)
	assert.Equal(t, "c9", WithID(moved, "c9").RowID())
	assert.Equal(t, "", PositionOf(Board{ID: "b1"}))
}
