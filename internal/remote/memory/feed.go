package memory

import (
	"context"
	"sync"

	"trellosync/internal/model"
	"trellosync/internal/realtime"
	"trellosync/internal/remote"
)

// feed queues events without bound so emit never blocks a writer holding
// the remote's lock.
type feed struct {
	tables []model.Table
	events chan realtime.Payload
	errors chan error
	wake   chan struct{}
	done   chan struct{}
	detach func()
	once   sync.Once

	mu    sync.Mutex
	queue []realtime.Payload
}

func (f *feed) Events() <-chan realtime.Payload { return f.events }
func (f *feed) Errors() <-chan error            { return f.errors }

func (f *feed) Close() error {
	f.once.Do(func() {
		f.detach()
		close(f.done)
	})
	return nil
}

func (f *feed) push(p realtime.Payload) {
	f.mu.Lock()
	f.queue = append(f.queue, p)
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *feed) run(ctx context.Context) {
	defer close(f.events)
	defer close(f.errors)
	for {
		f.mu.Lock()
		batch := f.queue
		f.queue = nil
		f.mu.Unlock()
		for _, p := range batch {
			select {
			case f.events <- p:
			case <-f.done:
				return
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-f.wake:
		case <-f.done:
			return
		case <-ctx.Done():
			f.Close()
			return
		}
	}
}

// Subscribe opens a feed that sees every write committed after it returns.
func (r *Remote) Subscribe(ctx context.Context, tables ...model.Table) (remote.Feed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f := &feed{
		tables: tables,
		events: make(chan realtime.Payload, r.buffer),
		errors: make(chan error, 1),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	f.detach = func() {
		r.mu.Lock()
		delete(r.feeds, f)
		r.mu.Unlock()
	}
	r.mu.Lock()
	r.feeds[f] = struct{}{}
	r.mu.Unlock()
	go f.run(ctx)
	return f, nil
}

// emit must be called with r.mu held.
func (r *Remote) emit(p realtime.Payload) {
	for f := range r.feeds {
		if remote.Wants(f.tables, p.Table) {
			f.push(p)
		}
	}
}
