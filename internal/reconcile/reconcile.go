// Package reconcile merges remote change events into the entity store while
// local optimistic edits are in flight.
//
// Every cached row has a sync state. Local edits stamp the fields they touch
// with a sequence number and a local time ("shadow" fields). Remote snapshots
// are merged field by field: a shadowed field keeps its local value while the
// local edit is newer than the remote commit, or until the write carrying it
// is acknowledged.
//
// A Reconciler shares its owner's goroutine with the store and is not safe
// for concurrent use.
package reconcile

import (
	"errors"
	"log/slog"
	"sort"
	"time"

	"trellosync/internal/model"
	"trellosync/internal/realtime"
	"trellosync/internal/store"
)

type State int

const (
	StateUnknown State = iota
	StateLocalOptimistic
	StateConfirmed
	StateRemoteStaleIgnored
)

func (s State) String() string {
	switch s {
	case StateLocalOptimistic:
		return "local-optimistic"
	case StateConfirmed:
		return "confirmed"
	case StateRemoteStaleIgnored:
		return "remote-stale-ignored"
	}
	return "unknown"
}

// ErrConflictStale marks a remote edit for a row that is already deleted.
var ErrConflictStale = errors.New("edit for deleted entity")

type AdvisoryKind string

const (
	// AdvisoryStaleEdit: a remote delete discarded pending local edits.
	AdvisoryStaleEdit AdvisoryKind = "stale_edit"
	// AdvisoryConflictStale: a remote edit arrived for a deleted row and was dropped.
	AdvisoryConflictStale AdvisoryKind = "conflict_stale"
	AdvisoryWriteFailed   AdvisoryKind = "write_failed"
	AdvisoryRebalanced    AdvisoryKind = "rebalanced"
)

// Advisory is a non-fatal notice for the caller; nothing in it needs handling
// for the cache to stay consistent.
type Advisory struct {
	Kind    AdvisoryKind `json:"kind"`
	Table   model.Table  `json:"table"`
	ID      string       `json:"id"`
	BoardID string       `json:"board_id,omitempty"`
	Err     error        `json:"-"`
	At      time.Time    `json:"at"`
}

type key struct {
	table model.Table
	id    string
}

type shadowEdit struct {
	seq uint64
	at  time.Time
}

type entry struct {
	state State
	// applied is the commit timestamp of the last applied remote event.
	applied time.Time
	// known is the newest remote time seen, from events or write acks.
	known    time.Time
	shadow   map[model.Field]shadowEdit
	inflight int
	queued   []realtime.Payload
	created  bool
}

func (e *entry) keepNewerThan(ts time.Time) model.Field {
	var f model.Field
	for field, s := range e.shadow {
		if s.at.After(ts) {
			f |= field
		}
	}
	return f
}

func (e *entry) keepAll() model.Field {
	var f model.Field
	for field := range e.shadow {
		f |= field
	}
	return f
}

func (e *entry) dropShadowThrough(seq uint64) {
	for field, s := range e.shadow {
		if s.seq <= seq {
			delete(e.shadow, field)
		}
	}
}

func (e *entry) pending() bool {
	return e.inflight > 0 || len(e.shadow) > 0 || len(e.queued) > 0
}

// tombstone remembers a deleted row. commit is the remote commit time of the
// delete, zero while it is unknown; events for the row are dropped until the
// feed reports the delete or the tombstone expires.
type tombstone struct {
	commit   time.Time
	recorded time.Time
}

type buffered struct {
	p        realtime.Payload
	received time.Time
}

type Options struct {
	Logger *slog.Logger
	// Now supplies local edit times; defaults to time.Now.
	Now func() time.Time
	// Advise receives advisories; nil drops them after logging.
	Advise func(Advisory)
	// TombstoneTTL bounds how long deleted ids are remembered.
	TombstoneTTL time.Duration
}

type Reconciler struct {
	store      *store.Store
	log        *slog.Logger
	now        func() time.Time
	advise     func(Advisory)
	ttl        time.Duration
	entries    map[key]*entry
	tombstones map[key]tombstone
	aliases    map[key]string
	buffer     []buffered
	seq        uint64
}

func New(s *store.Store, opts Options) *Reconciler {
	r := &Reconciler{
		store:      s,
		log:        opts.Logger,
		now:        opts.Now,
		advise:     opts.Advise,
		ttl:        opts.TombstoneTTL,
		entries:    map[key]*entry{},
		tombstones: map[key]tombstone{},
		aliases:    map[key]string{},
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.ttl <= 0 {
		r.ttl = 10 * time.Minute
	}
	return r
}

// State reports the sync state of a row.
func (r *Reconciler) State(table model.Table, id string) State {
	if e := r.entries[key{table, r.Resolve(table, id)}]; e != nil {
		return e.state
	}
	return StateUnknown
}

// Resolve maps an acknowledged temporary id to its server id.
func (r *Reconciler) Resolve(table model.Table, id string) string {
	for i := 0; i < 4; i++ {
		next, ok := r.aliases[key{table, id}]
		if !ok {
			break
		}
		id = next
	}
	return id
}

// Pending reports whether a row still has unacknowledged local writes.
func (r *Reconciler) Pending(table model.Table, id string) bool {
	e := r.entries[key{table, r.Resolve(table, id)}]
	return e != nil && e.inflight > 0
}

// Created reports whether a row was created locally and its insert is not yet acknowledged.
func (r *Reconciler) Created(table model.Table, id string) bool {
	e := r.entries[key{table, id}]
	return e != nil && e.created
}

// Seed records a row loaded from a remote snapshot as confirmed.
func (r *Reconciler) Seed(row model.Row) {
	k := key{row.Table(), row.RowID()}
	if e := r.entries[k]; e != nil && (e.pending() || e.created) {
		return
	}
	r.store.Upsert(row)
	r.entries[k] = &entry{state: StateConfirmed, known: row.Updated()}
}

// Reload seeds a full remote snapshot and removes the confirmed rows it no
// longer contains, as their delete events were missed. Rows with local writes
// outstanding are left alone. It returns the number of rows removed.
func (r *Reconciler) Reload(rows []model.Row) int {
	present := make(map[key]bool, len(rows))
	for _, row := range rows {
		present[key{row.Table(), row.RowID()}] = true
		r.Seed(row)
	}
	var gone []key
	for k, e := range r.entries {
		if present[k] || e.pending() || e.created {
			continue
		}
		if _, ok := r.store.Get(k.table, k.id); ok {
			gone = append(gone, k)
		}
	}
	// children first, so each removal still resolves its board
	sort.Slice(gone, func(i, j int) bool { return depth(gone[i].table) > depth(gone[j].table) })
	for _, k := range gone {
		r.log.Info("removing row missing from snapshot", "table", k.table, "id", k.id)
		r.store.Remove(k.table, k.id)
		delete(r.entries, k)
		r.tombstones[k] = tombstone{recorded: r.now()}
	}
	return len(gone)
}

func depth(t model.Table) int {
	switch t {
	case model.TableLists:
		return 1
	case model.TableCards:
		return 2
	}
	return 0
}

func (r *Reconciler) entry(k key) *entry {
	e := r.entries[k]
	if e == nil {
		e = &entry{shadow: map[model.Field]shadowEdit{}}
		r.entries[k] = e
	}
	if e.shadow == nil {
		e.shadow = map[model.Field]shadowEdit{}
	}
	return e
}

// LocalEdit records an optimistic edit of fields whose write is about to be
// dispatched and returns the sequence number identifying that write.
func (r *Reconciler) LocalEdit(table model.Table, id string, fields model.Field) uint64 {
	r.seq++
	e := r.entry(key{table, id})
	at := r.now()
	fields.Each(func(f model.Field) {
		e.shadow[f] = shadowEdit{seq: r.seq, at: at}
	})
	e.inflight++
	e.state = StateLocalOptimistic
	return r.seq
}

// LocalCreate records an optimistic insert under a temporary id.
func (r *Reconciler) LocalCreate(table model.Table, id string) uint64 {
	seq := r.LocalEdit(table, id, model.FieldsOf(table))
	r.entries[key{table, id}].created = true
	return seq
}

// Acknowledge merges the persisted row returned for write seq. For inserts the
// local row is re-keyed to the server id, folding in a row the change feed may
// already have delivered under that id. It returns the server id.
func (r *Reconciler) Acknowledge(table model.Table, localID string, seq uint64, row model.Row) string {
	serverID := row.RowID()
	lk := key{table, localID}
	e := r.entries[lk]
	if e == nil {
		// deleted or rolled back while the write was in flight
		return serverID
	}
	local, cached := r.store.Get(table, localID)
	base := row
	sk := lk
	if serverID != localID {
		sk = key{table, serverID}
		if _, gone := r.tombstones[sk]; gone {
			r.dropDeleted(lk, e, seq, local, cached, serverID)
			return serverID
		}
		if existing, ok := r.store.Get(table, serverID); ok && existing.Updated().After(row.Updated()) {
			base = existing
		}
		if se := r.entries[sk]; se != nil {
			e.applied = maxTime(e.applied, se.applied)
			e.known = maxTime(e.known, se.known)
			e.queued = append(e.queued, se.queued...)
		}
		if cached {
			if err := r.store.Rekey(table, localID, serverID); err != nil {
				r.log.Error("rekey acknowledged row", "table", table, "id", localID, "err", err)
			}
			local = model.WithID(local, serverID)
		}
		delete(r.entries, lk)
		r.entries[sk] = e
		r.aliases[lk] = serverID
	}
	if e.inflight > 0 {
		e.inflight--
	}
	e.dropShadowThrough(seq)
	e.created = false
	e.known = maxTime(e.known, base.Updated())
	if cached {
		r.store.Upsert(model.Merge(local, base, e.keepAll()))
	}
	r.settle(sk, e)
	return serverID
}

// dropDeleted discards a locally created row whose server id was deleted
// remotely before the insert was acknowledged.
func (r *Reconciler) dropDeleted(lk key, e *entry, seq uint64, local model.Row, cached bool, serverID string) {
	boardID := ""
	if cached {
		boardID = r.store.BoardOf(local)
		r.store.Remove(lk.table, lk.id)
	}
	delete(r.entries, lk)
	r.aliases[lk] = serverID
	e.dropShadowThrough(seq)
	r.log.Warn("insert acknowledged for a row already deleted", "table", lk.table, "local_id", lk.id, "id", serverID)
	if len(e.shadow) > 0 {
		r.notify(Advisory{Kind: AdvisoryStaleEdit, Table: lk.table, ID: serverID, BoardID: boardID, Err: ErrConflictStale})
	}
}

// AcknowledgeDelete completes a local delete. The id is tombstoned so late
// events for it are dropped until the feed reports the delete itself.
func (r *Reconciler) AcknowledgeDelete(table model.Table, id string) {
	k := key{table, id}
	delete(r.entries, k)
	if _, ok := r.tombstones[k]; !ok {
		r.tombstones[k] = tombstone{recorded: r.now()}
	}
}

// Rollback undoes the optimistic effect of write seq after it failed. before is
// the row as it was prior to the edit (nil for creates). Fields overwritten by
// a later local edit keep that later value.
func (r *Reconciler) Rollback(table model.Table, id string, seq uint64, before model.Row) {
	k := key{table, id}
	e := r.entries[k]
	if e == nil {
		return
	}
	if e.created {
		r.store.Remove(table, id)
		delete(r.entries, k)
		return
	}
	if e.inflight > 0 {
		e.inflight--
	}
	var restore model.Field
	for field, s := range e.shadow {
		if s.seq == seq {
			restore |= field
			delete(e.shadow, field)
		}
	}
	cur, ok := r.store.Get(table, id)
	switch {
	case before == nil:
	case !ok:
		// a failed local delete: bring the row back
		r.store.Upsert(before)
	default:
		r.store.Upsert(model.Merge(before, cur, restore))
	}
	r.settle(k, e)
}

// Forget drops all sync state for a row without touching the store.
func (r *Reconciler) Forget(table model.Table, id string) {
	delete(r.entries, key{table, id})
}

// settle drains queued remote events once no local write is in flight and
// recomputes the row's state.
func (r *Reconciler) settle(k key, e *entry) {
	if e.inflight > 0 {
		e.state = StateLocalOptimistic
		return
	}
	if len(e.shadow) == 0 {
		e.state = StateConfirmed
	} else {
		e.state = StateLocalOptimistic
	}
	queued := e.queued
	e.queued = nil
	sort.SliceStable(queued, func(i, j int) bool {
		return queued[i].CommitTimestamp.Before(queued[j].CommitTimestamp)
	})
	for _, p := range queued {
		if r.entries[k] != e {
			return
		}
		r.apply(p)
	}
}

// Enqueue buffers a remote event until the next Flush.
func (r *Reconciler) Enqueue(p realtime.Payload) {
	r.buffer = append(r.buffer, buffered{p: p, received: r.now()})
}

// Buffered reports the number of events waiting for Flush.
func (r *Reconciler) Buffered() int { return len(r.buffer) }

// Flush applies buffered events in commit timestamp order.
func (r *Reconciler) Flush() {
	batch := r.buffer
	r.buffer = nil
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].p.CommitTimestamp.Before(batch[j].p.CommitTimestamp)
	})
	now := r.now()
	for _, b := range batch {
		r.log.Debug("applying remote event", "event", b.p.String(), "lag", now.Sub(b.received))
		r.apply(b.p)
	}
	r.pruneTombstones()
}

// Apply merges one remote event immediately.
func (r *Reconciler) Apply(p realtime.Payload) { r.apply(p) }

func (r *Reconciler) apply(p realtime.Payload) {
	k := key{p.Table, p.ID()}
	ts := p.CommitTimestamp
	if tomb, ok := r.tombstones[k]; ok {
		if tomb.commit.IsZero() && p.EventType == realtime.EventDelete {
			tomb.commit = ts
			r.tombstones[k] = tomb
			return
		}
		if tomb.commit.IsZero() || !ts.After(tomb.commit) {
			if p.EventType != realtime.EventDelete {
				r.log.Warn("dropping edit for deleted entity", "table", p.Table, "id", k.id, "err", ErrConflictStale)
				r.notify(Advisory{Kind: AdvisoryConflictStale, Table: p.Table, ID: k.id, Err: ErrConflictStale})
			}
			return
		}
		delete(r.tombstones, k)
	}
	e := r.entries[k]
	if e != nil && !e.applied.IsZero() && !ts.After(e.applied) {
		r.log.Debug("dropping replayed event", "event", p.String())
		return
	}
	switch p.EventType {
	case realtime.EventDelete:
		r.applyDelete(k, e, p)
	case realtime.EventInsert, realtime.EventUpdate:
		if p.New == nil {
			r.log.Warn("event without new row", "event", p.String())
			return
		}
		r.applyUpsert(k, e, p)
	}
}

func (r *Reconciler) applyUpsert(k key, e *entry, p realtime.Payload) {
	ts := p.CommitTimestamp
	local, cached := r.store.Get(k.table, k.id)
	if e != nil && e.inflight > 0 && (p.EventType == realtime.EventUpdate || !cached) {
		// re-applied once the in-flight write is acknowledged
		e.queued = append(e.queued, p)
		return
	}
	if e == nil || !cached {
		r.store.Upsert(p.New)
		r.entries[k] = &entry{state: StateConfirmed, applied: ts, known: maxTime(ts, p.New.Updated())}
		return
	}
	if ts.Before(e.known) {
		e.state = StateRemoteStaleIgnored
		r.log.Debug("ignoring stale remote event", "event", p.String(), "known", e.known)
		return
	}
	keep := e.keepNewerThan(ts)
	if e.inflight > 0 {
		// the remote cannot have seen fields whose write is still in flight
		keep |= e.keepAll()
	}
	r.store.Upsert(model.Merge(local, p.New, keep))
	e.applied = ts
	e.known = ts
	if e.inflight == 0 && len(e.shadow) == 0 {
		e.state = StateConfirmed
	} else {
		e.state = StateLocalOptimistic
	}
}

func (r *Reconciler) applyDelete(k key, e *entry, p realtime.Payload) {
	boardID := ""
	if row, ok := r.store.Get(k.table, k.id); ok {
		boardID = r.store.BoardOf(row)
	}
	r.store.Remove(k.table, k.id)
	delete(r.entries, k)
	r.tombstones[k] = tombstone{commit: p.CommitTimestamp, recorded: r.now()}
	if e != nil && len(e.shadow) > 0 {
		r.log.Warn("remote delete discarded local edits", "table", k.table, "id", k.id)
		r.notify(Advisory{Kind: AdvisoryStaleEdit, Table: k.table, ID: k.id, BoardID: boardID, Err: ErrConflictStale})
	}
}

func (r *Reconciler) notify(a Advisory) {
	if a.At.IsZero() {
		a.At = r.now()
	}
	if r.advise != nil {
		r.advise(a)
	}
}

func (r *Reconciler) pruneTombstones() {
	cutoff := r.now().Add(-r.ttl)
	for k, tomb := range r.tombstones {
		if tomb.recorded.Before(cutoff) {
			delete(r.tombstones, k)
		}
	}
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
