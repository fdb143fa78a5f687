package printer

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trellosync/internal/model"
	"trellosync/internal/reconcile"
)

func plain(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })
}

func TestError(t *testing.T) {
	t.Run("returns error with title", func(t *testing.T) {
		err := Error("Test Error", "This is a test error", []string{})
		require.Error(t, err)
		require.Equal(t, "Test Error", err.Error())
	})

	t.Run("returns error with title for multiple suggestions", func(t *testing.T) {
		err := Error("Test Error", "Explanation", []string{"First option", "Second option"})
		require.Error(t, err)
		require.Equal(t, "Test Error", err.Error())
	})
}

func TestSuccessAndWarningPrefixes(t *testing.T) {
	plain(t)
	var buf bytes.Buffer
	Success(&buf, "saved %d rows\n", 3)
	Success(&buf, "✓ already prefixed\n")
	Warning(&buf, "careful\n")
	assert.Equal(t, "✓ saved 3 rows\n✓ already prefixed\n⚠️  careful\n", buf.String())
}

func TestBoard(t *testing.T) {
	plain(t)
	due := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	v := model.BoardWithDetails{
		Board: model.Board{ID: "b1", Title: "Roadmap", IsArchived: true},
		Lists: []model.ListWithCards{
			{
				List:  model.List{ID: "l1", Title: "Todo", Position: "V"},
				Cards: []model.Card{{ID: "c1", Title: "Ship", Position: "V", DueDate: &due}},
			},
			{List: model.List{ID: "l2", Title: "Done", Position: "k"}, Cards: []model.Card{}},
		},
	}
	var buf bytes.Buffer
	Board(&buf, v)
	out := buf.String()
	assert.Contains(t, out, "Roadmap  (b1)  archived\n")
	assert.Contains(t, out, "  Todo  [V] 1 cards\n")
	assert.Contains(t, out, "    • Ship  due 2025-03-01  [V]\n")
	assert.Contains(t, out, "  Done  [k] 0 cards\n")

	buf.Reset()
	Board(&buf, model.BoardWithDetails{Board: model.Board{ID: "b2", Title: "Empty"}})
	assert.Contains(t, buf.String(), "no lists")
}

func TestAdvisory(t *testing.T) {
	plain(t)
	var buf bytes.Buffer
	Advisory(&buf, reconcile.Advisory{
		Kind:  reconcile.AdvisoryWriteFailed,
		Table: model.TableCards,
		ID:    "c1",
		Err:   errors.New("timeout"),
	})
	assert.Equal(t, "write_failed cards/c1: timeout\n", buf.String())
}
