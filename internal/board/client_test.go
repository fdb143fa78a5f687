package board

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trellosync/internal/model"
	"trellosync/internal/realtime"
	"trellosync/internal/reconcile"
	"trellosync/internal/remote"
	"trellosync/internal/remote/memory"
	"trellosync/internal/store"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newRemote() *memory.Remote {
	var mu sync.Mutex
	n := 0
	return memory.New(memory.Options{
		Logger: quietLogger(),
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("srv-%d", n)
		},
	})
}

func startClient(t *testing.T, r *memory.Remote, opts Options) *Client {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := New(r, opts)
	go func() { _ = c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-c.Done()
	})
	select {
	case <-c.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("client never became ready")
	}
	return c
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond, msg)
}

func nextAdvisory(t *testing.T, c *Client, kind reconcile.AdvisoryKind) Advisory {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case a := <-c.Advisories():
			if a.Kind == kind {
				return a
			}
		case <-deadline:
			t.Fatalf("no %s advisory", kind)
		}
	}
}

func view(t *testing.T, c *Client, boardID string) model.BoardWithDetails {
	t.Helper()
	v, err := c.GetBoardWithDetails(context.Background(), boardID, true)
	require.NoError(t, err)
	return v
}

// peek is view for Eventually conditions, which run off the test goroutine.
func peek(c *Client, boardID string) (model.BoardWithDetails, bool) {
	v, err := c.GetBoardWithDetails(context.Background(), boardID, true)
	return v, err == nil
}

func deleteEvent(table model.Table, row model.Row) realtime.Payload {
	return realtime.Payload{
		CommitTimestamp: time.Now().Add(time.Second).UTC(),
		EventType:       realtime.EventDelete,
		Table:           table,
		Old:             row,
		Schema:          "public",
	}
}

func boardIDs(c *Client) []string {
	bs, _ := c.Boards(context.Background(), true)
	var ids []string
	for _, b := range bs {
		ids = append(ids, b.ID)
	}
	return ids
}

// synced waits until every row in the client carries a server id and the
// remote holds the same number of rows.
func synced(t *testing.T, c *Client, r *memory.Remote, boards, lists, cards int) {
	t.Helper()
	waitFor(t, func() bool {
		if r.Len(model.TableBoards) != boards || r.Len(model.TableLists) != lists || r.Len(model.TableCards) != cards {
			return false
		}
		bs, err := c.Boards(context.Background(), true)
		if err != nil || len(bs) != boards {
			return false
		}
		nl, nc := 0, 0
		for _, b := range bs {
			if strings.HasPrefix(b.ID, TempPrefix) {
				return false
			}
			v, err := c.GetBoardWithDetails(context.Background(), b.ID, true)
			if err != nil {
				return false
			}
			for _, l := range v.Lists {
				if strings.HasPrefix(l.ID, TempPrefix) {
					return false
				}
				nl++
				for _, card := range l.Cards {
					if strings.HasPrefix(card.ID, TempPrefix) {
						return false
					}
					nc++
				}
			}
		}
		return nl == lists && nc == cards
	}, "client and remote never converged")
}

func TestCreateBoardListCardConverges(t *testing.T) {
	ctx := context.Background()
	r := newRemote()
	c := startClient(t, r, Options{OwnerID: "u1"})

	b, err := c.CreateBoard(ctx, BoardInput{Title: "Launch"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(b.ID, TempPrefix))
	l, err := c.CreateList(ctx, b.ID, "Todo", "")
	require.NoError(t, err)
	card, err := c.CreateCard(ctx, l.ID, CardInput{Title: "Write docs"})
	require.NoError(t, err)

	// optimistic state is visible immediately
	v := view(t, c, b.ID)
	require.Len(t, v.Lists, 1)
	require.Len(t, v.Lists[0].Cards, 1)
	assert.Equal(t, card.ID, v.Lists[0].Cards[0].ID)

	synced(t, c, r, 1, 1, 1)

	ids := boardIDs(c)
	require.Len(t, ids, 1)
	v = view(t, c, ids[0])
	assert.Equal(t, "Launch", v.Title)
	assert.Equal(t, "u1", v.OwnerID)
	assert.Equal(t, "Write docs", v.Lists[0].Cards[0].Title)

	serverCard := v.Lists[0].Cards[0].ID
	resolved, err := c.Resolve(ctx, model.TableCards, card.ID)
	require.NoError(t, err)
	assert.Equal(t, serverCard, resolved)
	waitFor(t, func() bool {
		st, _ := c.SyncState(ctx, model.TableCards, serverCard)
		return st == reconcile.StateConfirmed
	}, "card never confirmed")
}

func TestEditBeforeInsertAckIsKept(t *testing.T) {
	ctx := context.Background()
	r := newRemote()
	c := startClient(t, r, Options{})

	b, _ := c.CreateBoard(ctx, BoardInput{Title: "B"})
	l, _ := c.CreateList(ctx, b.ID, "L", "")
	synced(t, c, r, 1, 1, 0)

	release := r.Pause()
	card, err := c.CreateCard(ctx, l.ID, CardInput{Title: "draft"})
	require.NoError(t, err)
	title := "final"
	_, err = c.UpdateCard(ctx, card.ID, CardPatch{Title: &title})
	require.NoError(t, err)
	release()

	synced(t, c, r, 1, 1, 1)
	waitFor(t, func() bool {
		v, ok := peek(c, boardIDs(c)[0])
		if !ok || len(v.Lists) != 1 || len(v.Lists[0].Cards) != 1 {
			return false
		}
		got := v.Lists[0].Cards[0]
		stored, ok := r.Get(model.TableCards, got.ID)
		return ok && got.Title == "final" && stored.(model.Card).Title == "final"
	}, "edit made before the insert ack was lost")
}

func TestMoveCardAcrossLists(t *testing.T) {
	ctx := context.Background()
	r := newRemote()
	c := startClient(t, r, Options{})

	b, _ := c.CreateBoard(ctx, BoardInput{Title: "B"})
	todo, _ := c.CreateList(ctx, b.ID, "Todo", "")
	done, _ := c.CreateList(ctx, b.ID, "Done", todo.ID)
	c1, _ := c.CreateCard(ctx, todo.ID, CardInput{Title: "one"})
	c2, _ := c.CreateCard(ctx, todo.ID, CardInput{Title: "two"})
	c3, _ := c.CreateCard(ctx, todo.ID, CardInput{Title: "three"})

	_, err := c.MoveCard(ctx, c3.ID, MoveTarget{ParentID: done.ID})
	require.NoError(t, err)
	_, err = c.MoveCard(ctx, c1.ID, MoveTarget{ParentID: done.ID, BeforeID: c3.ID})
	require.NoError(t, err)
	_, err = c.MoveCard(ctx, c2.ID, MoveTarget{AfterID: ""})
	require.NoError(t, err)

	titles := func(l model.ListWithCards) []string {
		var out []string
		for _, card := range l.Cards {
			out = append(out, card.Title)
		}
		return out
	}
	v := view(t, c, b.ID)
	require.Len(t, v.Lists, 2)
	assert.Equal(t, "Todo", v.Lists[0].Title)
	assert.Equal(t, []string{"two"}, titles(v.Lists[0]))
	assert.Equal(t, []string{"one", "three"}, titles(v.Lists[1]))

	synced(t, c, r, 1, 2, 3)
	ids := boardIDs(c)
	v = view(t, c, ids[0])
	assert.Equal(t, []string{"two"}, titles(v.Lists[0]))
	assert.Equal(t, []string{"one", "three"}, titles(v.Lists[1]))
	for _, card := range v.Lists[1].Cards {
		waitFor(t, func() bool {
			stored, ok := r.Get(model.TableCards, card.ID)
			return ok && stored.(model.Card).ListID == v.Lists[1].ID && stored.(model.Card).Position == card.Position
		}, "move not persisted")
	}
}

func TestMoveListBeforeAndAfter(t *testing.T) {
	ctx := context.Background()
	r := newRemote()
	c := startClient(t, r, Options{})

	b, _ := c.CreateBoard(ctx, BoardInput{Title: "B"})
	a, _ := c.CreateList(ctx, b.ID, "A", "")
	bl, _ := c.CreateList(ctx, b.ID, "B", "")
	cl, _ := c.CreateList(ctx, b.ID, "C", "")

	_, err := c.MoveList(ctx, cl.ID, MoveTarget{BeforeID: a.ID})
	require.NoError(t, err)
	_, err = c.MoveList(ctx, a.ID, MoveTarget{AfterID: bl.ID, BeforeID: cl.ID})
	require.NoError(t, err)

	v := view(t, c, b.ID)
	var order []string
	for _, l := range v.Lists {
		order = append(order, l.Title)
	}
	assert.Equal(t, []string{"C", "B", "A"}, order)

	_, err = c.MoveList(ctx, a.ID, MoveTarget{AfterID: "nope"})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestFailedWriteRollsBackAndRetries(t *testing.T) {
	ctx := context.Background()
	r := newRemote()
	c := startClient(t, r, Options{})

	b, _ := c.CreateBoard(ctx, BoardInput{Title: "B"})
	l, _ := c.CreateList(ctx, b.ID, "Todo", "")
	synced(t, c, r, 1, 1, 0)
	listID, _ := c.Resolve(ctx, model.TableLists, l.ID)

	boom := errors.New("service unavailable")
	r.FailNext(boom)
	renamed, err := c.RenameList(ctx, listID, "Doing")
	require.NoError(t, err)
	assert.Equal(t, "Doing", renamed.Title)

	a := nextAdvisory(t, c, AdvisoryWriteFailed)
	assert.Equal(t, listID, a.ID)
	assert.ErrorIs(t, a.Err, boom)
	waitFor(t, func() bool {
		v, ok := peek(c, b.ID)
		return ok && v.Lists[0].Title == "Todo"
	}, "failed rename not rolled back")

	require.NoError(t, c.Retry(ctx, a))
	waitFor(t, func() bool {
		stored, ok := r.Get(model.TableLists, listID)
		return ok && stored.(model.List).Title == "Doing"
	}, "retried rename never persisted")
	assert.Equal(t, "Doing", view(t, c, b.ID).Lists[0].Title)

	err = c.Retry(ctx, a)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestFailedCreateDropsChildren(t *testing.T) {
	ctx := context.Background()
	r := newRemote()
	c := startClient(t, r, Options{})

	release := r.Pause()
	b, err := c.CreateBoard(ctx, BoardInput{Title: "doomed"})
	require.NoError(t, err)
	l, err := c.CreateList(ctx, b.ID, "child", "")
	require.NoError(t, err)
	_, err = c.CreateCard(ctx, l.ID, CardInput{Title: "grandchild"})
	require.NoError(t, err)
	r.FailNext(errors.New("boom"))
	release()

	a := nextAdvisory(t, c, AdvisoryWriteFailed)
	assert.Equal(t, b.ID, a.ID)
	waitFor(t, func() bool { return len(boardIDs(c)) == 0 }, "failed board still cached")
	_, err = c.GetBoardWithDetails(ctx, b.ID, true)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Zero(t, r.Len(model.TableLists))
	assert.Zero(t, r.Len(model.TableCards))

	// retrying recreates the board itself
	require.NoError(t, c.Retry(ctx, a))
	synced(t, c, r, 1, 0, 0)
}

func TestRemoteChangesReachTheCache(t *testing.T) {
	ctx := context.Background()
	r := newRemote()
	seed, err := r.Insert(ctx, model.Board{Title: "Shared"})
	require.NoError(t, err)
	c := startClient(t, r, Options{ReorderWindow: 20 * time.Millisecond})

	// hydrated from the snapshot
	assert.Equal(t, "Shared", view(t, c, seed.RowID()).Title)

	l, err := r.Insert(ctx, model.List{Title: "From elsewhere", BoardID: seed.RowID(), Position: "V"})
	require.NoError(t, err)
	waitFor(t, func() bool {
		v, ok := peek(c, seed.RowID())
		return ok && len(v.Lists) == 1
	}, "remote insert not applied")

	_, err = r.Update(ctx, model.List{ID: l.RowID(), Title: "Renamed elsewhere"}, model.FieldTitle)
	require.NoError(t, err)
	waitFor(t, func() bool {
		v, ok := peek(c, seed.RowID())
		return ok && len(v.Lists) == 1 && v.Lists[0].Title == "Renamed elsewhere"
	}, "remote update not applied")

	require.NoError(t, r.Delete(ctx, model.TableBoards, seed.RowID()))
	waitFor(t, func() bool {
		_, err := c.GetBoardWithDetails(ctx, seed.RowID(), true)
		return errors.Is(err, model.ErrNotFound)
	}, "remote board delete not applied")
}

func TestRemoteDeleteOfEditedCardAdvises(t *testing.T) {
	ctx := context.Background()
	r := newRemote()
	c := startClient(t, r, Options{})

	b, _ := c.CreateBoard(ctx, BoardInput{Title: "B"})
	l, _ := c.CreateList(ctx, b.ID, "L", "")
	card, _ := c.CreateCard(ctx, l.ID, CardInput{Title: "x"})
	synced(t, c, r, 1, 1, 1)
	cardID, _ := c.Resolve(ctx, model.TableCards, card.ID)

	release := r.Pause()
	title := "mine"
	_, err := c.UpdateCard(ctx, cardID, CardPatch{Title: &title})
	require.NoError(t, err)
	// a delete from another writer lands while our update is held
	r.Publish(deleteEvent(model.TableCards, model.Card{ID: cardID}))
	a := nextAdvisory(t, c, AdvisoryStaleEdit)
	assert.Equal(t, cardID, a.ID)
	release()

	v := view(t, c, b.ID)
	assert.Empty(t, v.Lists[0].Cards)
}

func TestArchiveAndRestoreBoard(t *testing.T) {
	ctx := context.Background()
	r := newRemote()
	c := startClient(t, r, Options{})

	b, _ := c.CreateBoard(ctx, BoardInput{Title: "B"})
	archived, err := c.ArchiveBoard(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, archived.IsArchived)
	assert.NotNil(t, archived.ArchivedAt)

	_, err = c.GetBoardWithDetails(ctx, b.ID, false)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = c.CreateList(ctx, b.ID, "late", "")
	assert.ErrorIs(t, err, ErrInvalidParent)

	restored, err := c.RestoreBoard(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, restored.IsArchived)
	assert.Nil(t, restored.ArchivedAt)

	synced(t, c, r, 1, 0, 0)
	id := boardIDs(c)[0]
	waitFor(t, func() bool {
		stored, ok := r.Get(model.TableBoards, id)
		return ok && !stored.(model.Board).IsArchived
	}, "restore not persisted")
}

func TestInputValidation(t *testing.T) {
	ctx := context.Background()
	c := startClient(t, newRemote(), Options{})

	_, err := c.CreateBoard(ctx, BoardInput{Title: "  "})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = c.CreateList(ctx, "missing", "L", "")
	assert.ErrorIs(t, err, ErrInvalidParent)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = c.CreateCard(ctx, "missing", CardInput{Title: "c"})
	assert.ErrorIs(t, err, ErrInvalidParent)

	_, err = c.MoveCard(ctx, "missing", MoveTarget{})
	assert.ErrorIs(t, err, model.ErrNotFound)

	assert.ErrorIs(t, c.DeleteList(ctx, "missing"), model.ErrNotFound)
}

func TestDeleteListHidesItsCards(t *testing.T) {
	ctx := context.Background()
	r := newRemote()
	c := startClient(t, r, Options{})

	b, _ := c.CreateBoard(ctx, BoardInput{Title: "B"})
	l, _ := c.CreateList(ctx, b.ID, "L", "")
	_, _ = c.CreateCard(ctx, l.ID, CardInput{Title: "c"})
	synced(t, c, r, 1, 1, 1)

	boardID := boardIDs(c)[0]
	listID := view(t, c, boardID).Lists[0].ID
	require.NoError(t, c.DeleteList(ctx, listID))
	assert.Empty(t, view(t, c, boardID).Lists)
	waitFor(t, func() bool { return r.Len(model.TableLists) == 0 && r.Len(model.TableCards) == 0 }, "delete not persisted")
}

func TestRebalanceWritesBackPositions(t *testing.T) {
	ctx := context.Background()
	r := newRemote()
	b, _ := r.Insert(ctx, model.Board{Title: "B"})
	l, _ := r.Insert(ctx, model.List{Title: "L", BoardID: b.RowID(), Position: "V"})
	first, _ := r.Insert(ctx, model.Card{Title: "first", ListID: l.RowID(), Position: "1"})
	// no key of legal length fits between these two
	_, _ = r.Insert(ctx, model.Card{Title: "last", ListID: l.RowID(), Position: "1" + strings.Repeat("0", 46) + "1"})

	c := startClient(t, r, Options{})
	_, err := c.CreateCard(ctx, l.RowID(), CardInput{Title: "middle", AfterID: first.RowID()})
	require.NoError(t, err)

	a := nextAdvisory(t, c, AdvisoryRebalanced)
	assert.Equal(t, l.RowID(), a.ID)
	assert.Equal(t, b.RowID(), a.BoardID)

	synced(t, c, r, 1, 1, 3)
	v := view(t, c, b.RowID())
	var titles []string
	prev := ""
	for _, card := range v.Lists[0].Cards {
		titles = append(titles, card.Title)
		assert.Greater(t, card.Position, prev)
		prev = card.Position
		waitFor(t, func() bool {
			stored, ok := r.Get(model.TableCards, card.ID)
			return ok && stored.(model.Card).Position == card.Position
		}, "rebalanced position not written back")
	}
	assert.Equal(t, []string{"first", "middle", "last"}, titles)
}

func TestSubscribeDeliversNotices(t *testing.T) {
	ctx := context.Background()
	r := newRemote()
	c := startClient(t, r, Options{})
	_, _ = c.CreateBoard(ctx, BoardInput{Title: "B"})
	synced(t, c, r, 1, 0, 0)
	boardID := boardIDs(c)[0]

	notices := make(chan Notice, 32)
	unsubscribe, err := c.Subscribe(ctx, boardID, func(n Notice) { notices <- n })
	require.NoError(t, err)

	l, err := c.CreateList(ctx, boardID, "L", "")
	require.NoError(t, err)
	select {
	case n := <-notices:
		assert.True(t, n.Found)
		assert.Equal(t, model.TableLists, n.Change.Table)
		assert.Equal(t, l.ID, n.Change.ID)
		assert.Len(t, n.Board.Lists, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("no notice")
	}
	synced(t, c, r, 1, 1, 0)

	unsubscribe()
	for len(notices) > 0 {
		<-notices
	}
	_, err = c.RenameList(ctx, l.ID, "again")
	require.NoError(t, err)
	select {
	case n := <-notices:
		t.Fatalf("notice after unsubscribe: %+v", n.Change)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClosedClient(t *testing.T) {
	r := newRemote()
	ctx, cancel := context.WithCancel(context.Background())
	c := New(r, Options{Logger: quietLogger()})
	go func() { _ = c.Run(ctx) }()
	<-c.Ready()
	cancel()
	<-c.Done()

	_, err := c.CreateBoard(context.Background(), BoardInput{Title: "late"})
	assert.ErrorIs(t, err, ErrClosed)
}

// removal waits for an OpRemove notice for id, skipping upserts.
func removal(t *testing.T, notices <-chan Notice, id string) Notice {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-notices:
			if n.Change.Op == store.OpRemove && n.Change.ID == id {
				return n
			}
		case <-deadline:
			t.Fatalf("no remove notice for %s", id)
		}
	}
}

func TestMoveAcrossBoardsNotifiesBothBoards(t *testing.T) {
	ctx := context.Background()
	r := newRemote()
	c := startClient(t, r, Options{})

	from, _ := c.CreateBoard(ctx, BoardInput{Title: "From"})
	_, _ = c.CreateBoard(ctx, BoardInput{Title: "To"})
	l, _ := c.CreateList(ctx, from.ID, "Moving", "")
	stay, _ := c.CreateList(ctx, from.ID, "Staying", l.ID)
	card, _ := c.CreateCard(ctx, l.ID, CardInput{Title: "x"})
	synced(t, c, r, 2, 2, 1)
	ids := boardIDs(c)
	fromID, toID := ids[0], ids[1]
	listID, _ := c.Resolve(ctx, model.TableLists, l.ID)
	stayID, _ := c.Resolve(ctx, model.TableLists, stay.ID)
	cardID, _ := c.Resolve(ctx, model.TableCards, card.ID)

	left := make(chan Notice, 64)
	unsubLeft, err := c.Subscribe(ctx, fromID, func(n Notice) { left <- n })
	require.NoError(t, err)
	defer unsubLeft()
	right := make(chan Notice, 64)
	unsubRight, err := c.Subscribe(ctx, toID, func(n Notice) { right <- n })
	require.NoError(t, err)
	defer unsubRight()

	t.Run("list", func(t *testing.T) {
		_, err := c.MoveList(ctx, listID, MoveTarget{ParentID: toID})
		require.NoError(t, err)

		n := removal(t, left, listID)
		assert.Equal(t, model.TableLists, n.Change.Table)
		assert.Equal(t, fromID, n.Change.BoardID)
		require.True(t, n.Found)
		require.Len(t, n.Board.Lists, 1)
		assert.Equal(t, "Staying", n.Board.Lists[0].Title)

		v := view(t, c, toID)
		require.Len(t, v.Lists, 1)
		assert.Len(t, v.Lists[0].Cards, 1)
		waitFor(t, func() bool {
			stored, ok := r.Get(model.TableLists, listID)
			return ok && stored.(model.List).BoardID == toID
		}, "list move not persisted")
	})

	t.Run("card", func(t *testing.T) {
		_, err := c.MoveCard(ctx, cardID, MoveTarget{ParentID: stayID})
		require.NoError(t, err)

		n := removal(t, right, cardID)
		assert.Equal(t, model.TableCards, n.Change.Table)
		assert.Equal(t, toID, n.Change.BoardID)
		require.Len(t, n.Board.Lists, 1)
		assert.Empty(t, n.Board.Lists[0].Cards)

		v := view(t, c, fromID)
		require.Len(t, v.Lists, 1)
		require.Len(t, v.Lists[0].Cards, 1)
		assert.Equal(t, cardID, v.Lists[0].Cards[0].ID)
	})
}

func TestRemoteDeleteBeforeInsertAckDropsRow(t *testing.T) {
	ctx := context.Background()
	r := newRemote()
	c := startClient(t, r, Options{})
	_, _ = c.CreateBoard(ctx, BoardInput{Title: "B"})
	synced(t, c, r, 1, 0, 0)
	boardID := boardIDs(c)[0]

	release := r.Pause()
	l, err := c.CreateList(ctx, boardID, "L", "")
	require.NoError(t, err)

	// another writer deletes the list, which will be stored as srv-2, before
	// our insert is acknowledged
	r.Publish(deleteEvent(model.TableLists, model.List{ID: "srv-2", BoardID: boardID}))
	r.Publish(realtime.Payload{
		CommitTimestamp: time.Now().Add(2 * time.Second).UTC(),
		EventType:       realtime.EventUpdate,
		Table:           model.TableBoards,
		New:             model.Board{ID: boardID, Title: "seen"},
		Schema:          "public",
	})
	waitFor(t, func() bool {
		v, ok := peek(c, boardID)
		return ok && v.Title == "seen"
	}, "remote events not applied")
	release()

	waitFor(t, func() bool {
		id, err := c.Resolve(ctx, model.TableLists, l.ID)
		return err == nil && id == "srv-2"
	}, "insert never acknowledged")
	assert.Empty(t, view(t, c, boardID).Lists)
	st, err := c.SyncState(ctx, model.TableLists, "srv-2")
	require.NoError(t, err)
	assert.Equal(t, reconcile.StateUnknown, st)
}

type stubFeed struct {
	events chan realtime.Payload
	errs   chan error
	once   sync.Once
}

func newStubFeed() *stubFeed {
	return &stubFeed{events: make(chan realtime.Payload), errs: make(chan error)}
}

func (f *stubFeed) Events() <-chan realtime.Payload { return f.events }
func (f *stubFeed) Errors() <-chan error            { return f.errs }

func (f *stubFeed) Close() error {
	f.once.Do(func() {
		close(f.events)
		close(f.errs)
	})
	return nil
}

func TestResubscribeReloadsSnapshot(t *testing.T) {
	ctx := context.Background()
	r := newRemote()
	kept, err := r.Insert(ctx, model.Board{Title: "Kept"})
	require.NoError(t, err)
	dropped, err := r.Insert(ctx, model.Board{Title: "Dropped"})
	require.NoError(t, err)

	first := newStubFeed()
	var mu sync.Mutex
	opened := 0
	wrapped := remote.WithFeed(r, func(ctx context.Context, tables ...model.Table) (remote.Feed, error) {
		mu.Lock()
		opened++
		n := opened
		mu.Unlock()
		if n == 1 {
			return first, nil
		}
		return r.Subscribe(ctx, tables...)
	})

	runCtx, cancel := context.WithCancel(ctx)
	c := New(wrapped, Options{Logger: quietLogger(), ResubscribeDelay: 10 * time.Millisecond})
	go func() { _ = c.Run(runCtx) }()
	t.Cleanup(func() {
		cancel()
		<-c.Done()
	})
	select {
	case <-c.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("client never became ready")
	}
	assert.ElementsMatch(t, []string{kept.RowID(), dropped.RowID()}, boardIDs(c))

	// nothing reaches the client while its feed is down
	require.NoError(t, r.Delete(ctx, model.TableBoards, dropped.RowID()))
	_, err = r.Update(ctx, model.Board{ID: kept.RowID(), Title: "Renamed"}, model.FieldTitle)
	require.NoError(t, err)
	first.Close()

	waitFor(t, func() bool {
		ids := boardIDs(c)
		return len(ids) == 1 && ids[0] == kept.RowID()
	}, "board deleted during the outage is still cached")
	assert.Equal(t, "Renamed", view(t, c, kept.RowID()).Title)

	_, err = r.Insert(ctx, model.List{Title: "After", BoardID: kept.RowID(), Position: "V"})
	require.NoError(t, err)
	waitFor(t, func() bool {
		v, ok := peek(c, kept.RowID())
		return ok && len(v.Lists) == 1
	}, "event on the new feed not applied")
	mu.Lock()
	assert.Equal(t, 2, opened)
	mu.Unlock()
}
