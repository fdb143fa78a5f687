// Package board is the consumer-facing sync client for one task board
// workspace. A Client owns the entity store and the reconciler on a single
// goroutine (Run). Every public method is funneled through that goroutine
// and returns as soon as the optimistic change is visible in the store; the
// matching remote write is dispatched asynchronously.
package board

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"trellosync/internal/model"
	"trellosync/internal/reconcile"
	"trellosync/internal/remote"
	"trellosync/internal/store"
)

var (
	ErrClosed        = errors.New("board client closed")
	ErrInvalidParent = errors.New("invalid parent")
	ErrInvalidInput  = errors.New("invalid input")
	ErrConflictStale = reconcile.ErrConflictStale
)

type Advisory = reconcile.Advisory

const (
	AdvisoryStaleEdit     = reconcile.AdvisoryStaleEdit
	AdvisoryConflictStale = reconcile.AdvisoryConflictStale
	AdvisoryWriteFailed   = reconcile.AdvisoryWriteFailed
	AdvisoryRebalanced    = reconcile.AdvisoryRebalanced
)

// TempPrefix marks ids minted locally for rows the remote has not stored yet.
const TempPrefix = "tmp-"

type Options struct {
	Logger *slog.Logger
	// ReorderWindow is how long change events are buffered before being
	// applied in commit order. Zero applies each event on arrival.
	ReorderWindow time.Duration
	// ResubscribeDelay is the wait before reopening a change feed that ended.
	ResubscribeDelay time.Duration
	// OwnerID is stamped on boards created by this client.
	OwnerID        string
	AdvisoryBuffer int
	Now            func() time.Time
	NewID          func() string
}

// DefaultReorderWindow is used when Options.ReorderWindow is negative.
const DefaultReorderWindow = 50 * time.Millisecond

// Notice is passed to subscribers after each store mutation touching a board.
// Board holds the board's view after the change, archived or not; Found is
// false once the board is gone.
type Notice struct {
	Change store.Change
	Board  model.BoardWithDetails
	Found  bool
}

type Client struct {
	remote remote.Remote
	log    *slog.Logger
	opts   Options

	store *store.Store
	rec   *reconcile.Reconciler

	ops        chan func()
	results    chan writeResult
	advisories chan Advisory
	ready      chan struct{}
	done       chan struct{}

	// owned by the Run goroutine
	runCtx context.Context
	queues map[entityKey][]*write
	parked map[entityKey][]*write
	failed map[entityKey]*write
}

type entityKey struct {
	table model.Table
	id    string
}

func New(r remote.Remote, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return TempPrefix + uuid.NewString() }
	}
	if opts.ReorderWindow < 0 {
		opts.ReorderWindow = DefaultReorderWindow
	}
	if opts.ResubscribeDelay <= 0 {
		opts.ResubscribeDelay = time.Second
	}
	if opts.AdvisoryBuffer <= 0 {
		opts.AdvisoryBuffer = 64
	}
	c := &Client{
		remote:     r,
		log:        opts.Logger,
		opts:       opts,
		store:      store.New(),
		ops:        make(chan func()),
		results:    make(chan writeResult),
		advisories: make(chan Advisory, opts.AdvisoryBuffer),
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
		queues:     map[entityKey][]*write{},
		parked:     map[entityKey][]*write{},
		failed:     map[entityKey]*write{},
	}
	c.rec = reconcile.New(c.store, reconcile.Options{
		Logger: opts.Logger,
		Now:    opts.Now,
		Advise: c.advise,
	})
	return c
}

// Advisories delivers non-fatal notices: failed writes (retryable with
// Retry), discarded stale edits and rebalanced sibling groups. Notices are
// dropped when the buffer is full.
func (c *Client) Advisories() <-chan Advisory { return c.advisories }

// Ready is closed once the initial snapshot has been loaded.
func (c *Client) Ready() <-chan struct{} { return c.ready }

// Done is closed when Run has returned.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) advise(a Advisory) {
	if a.At.IsZero() {
		a.At = c.opts.Now()
	}
	c.log.Warn("advisory", "kind", a.Kind, "table", a.Table, "id", a.ID, "board_id", a.BoardID, "err", a.Err)
	select {
	case c.advisories <- a:
	default:
		c.log.Warn("advisory dropped", "kind", a.Kind, "id", a.ID)
	}
}

// Run subscribes to the change feed, loads the remote snapshot and then
// serves calls, write results and change events until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.done)
	c.runCtx = ctx

	feed, err := c.remote.Subscribe(ctx, model.TableBoards, model.TableLists, model.TableCards)
	if err != nil {
		return fmt.Errorf("subscribe change feed: %w", err)
	}
	defer func() { feed.Close() }()

	if err := c.hydrate(ctx); err != nil {
		return err
	}
	close(c.ready)
	c.log.Info("board client ready", "boards", len(c.store.Boards()))

	window := c.opts.ReorderWindow
	flush := time.NewTimer(time.Hour)
	flush.Stop()
	defer flush.Stop()
	armed := false

	events, errs := feed.Events(), feed.Errors()
	var resubscribe <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			c.log.Info("board client stopping", "buffered", c.rec.Buffered())
			return nil
		case op := <-c.ops:
			op()
		case res := <-c.results:
			c.complete(res)
		case p, ok := <-events:
			if !ok {
				c.log.Warn("change feed ended, resubscribing", "delay", c.opts.ResubscribeDelay)
				feed.Close()
				events, errs = nil, nil
				resubscribe = time.After(c.opts.ResubscribeDelay)
				continue
			}
			if window == 0 {
				c.rec.Apply(p)
				continue
			}
			c.rec.Enqueue(p)
			if !armed {
				flush.Reset(window)
				armed = true
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			c.log.Warn("change feed error", "err", err)
		case <-flush.C:
			armed = false
			c.rec.Flush()
		case <-resubscribe:
			resubscribe = nil
			next, err := c.remote.Subscribe(ctx, model.TableBoards, model.TableLists, model.TableCards)
			if err != nil {
				c.log.Error("resubscribe change feed", "err", err)
				resubscribe = time.After(c.opts.ResubscribeDelay)
				continue
			}
			feed = next
			events, errs = feed.Events(), feed.Errors()
			if err := c.hydrate(ctx); err != nil {
				c.log.Error("reload snapshot", "err", err)
			}
		}
	}
}

func (c *Client) hydrate(ctx context.Context) error {
	rows, err := c.remote.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	removed := c.rec.Reload(rows)
	c.log.Debug("snapshot loaded", "rows", len(rows), "removed", removed)
	return nil
}

// do runs fn on the Run goroutine and returns its error.
func (c *Client) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	select {
	case c.ops <- func() { errc <- fn() }:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-c.done:
		select {
		case err := <-errc:
			return err
		default:
			return ErrClosed
		}
	}
}

// Subscribe calls fn on the client goroutine after every change touching
// boardID. fn must not call back into the Client. The returned func
// unsubscribes.
func (c *Client) Subscribe(ctx context.Context, boardID string, fn func(Notice)) (func(), error) {
	var cancel func()
	err := c.do(ctx, func() error {
		id := c.rec.Resolve(model.TableBoards, boardID)
		cancel = c.store.Subscribe(id, func(ch store.Change) { fn(c.notice(ch)) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c.unsubscriber(cancel), nil
}

// SubscribeAll is Subscribe for every board.
func (c *Client) SubscribeAll(ctx context.Context, fn func(Notice)) (func(), error) {
	var cancel func()
	err := c.do(ctx, func() error {
		cancel = c.store.SubscribeAll(func(ch store.Change) { fn(c.notice(ch)) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c.unsubscriber(cancel), nil
}

func (c *Client) unsubscriber(cancel func()) func() {
	return func() {
		_ = c.do(context.Background(), func() error {
			cancel()
			return nil
		})
	}
}

func (c *Client) notice(ch store.Change) Notice {
	n := Notice{Change: ch}
	if ch.BoardID == "" {
		return n
	}
	view, err := c.store.BoardWithDetails(ch.BoardID, true)
	if err == nil {
		n.Board, n.Found = view, true
	}
	return n
}

// GetBoardWithDetails returns the nested view of a board. Archived boards are
// model.ErrNotFound unless includeArchived is set.
func (c *Client) GetBoardWithDetails(ctx context.Context, id string, includeArchived bool) (model.BoardWithDetails, error) {
	var out model.BoardWithDetails
	err := c.do(ctx, func() error {
		var err error
		out, err = c.store.BoardWithDetails(c.rec.Resolve(model.TableBoards, id), includeArchived)
		return err
	})
	return out, err
}

// Boards lists cached boards in the order they were first seen.
func (c *Client) Boards(ctx context.Context, includeArchived bool) ([]model.Board, error) {
	var out []model.Board
	err := c.do(ctx, func() error {
		for _, b := range c.store.Boards() {
			if includeArchived || !b.IsArchived {
				out = append(out, b)
			}
		}
		return nil
	})
	return out, err
}

// SyncState reports the reconciliation state of one row.
func (c *Client) SyncState(ctx context.Context, table model.Table, id string) (reconcile.State, error) {
	var st reconcile.State
	err := c.do(ctx, func() error {
		st = c.rec.State(table, id)
		return nil
	})
	return st, err
}

// Resolve maps a temporary id to the server id it was stored under, if known.
func (c *Client) Resolve(ctx context.Context, table model.Table, id string) (string, error) {
	var out string
	err := c.do(ctx, func() error {
		out = c.rec.Resolve(table, id)
		return nil
	})
	return out, err
}
