package pgremote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"trellosync/internal/model"
	"trellosync/internal/realtime"
	"trellosync/internal/remote"
)

type feed struct {
	events chan realtime.Payload
	errors chan error
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

func (f *feed) Events() <-chan realtime.Payload { return f.events }
func (f *feed) Errors() <-chan error            { return f.errors }

func (f *feed) Close() error {
	f.once.Do(f.cancel)
	<-f.done
	return nil
}

// Subscribe LISTENs on the change channel on a dedicated connection. A broken
// connection is reported on Errors and re-established after RetryDelay.
func (r *Remote) Subscribe(ctx context.Context, tables ...model.Table) (remote.Feed, error) {
	conn, err := r.listen(ctx)
	if err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(ctx)
	f := &feed{
		events: make(chan realtime.Payload, 64),
		errors: make(chan error, 8),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(f.done)
		defer close(f.events)
		defer close(f.errors)
		for {
			err := r.pump(subCtx, conn, tables, f)
			r.release(conn)
			if subCtx.Err() != nil {
				return
			}
			r.log.Warn("change feed connection lost", "channel", r.channel, "err", err)
			f.report(subCtx, fmt.Errorf("%w: %v", remote.ErrFeedClosed, err))
			for {
				select {
				case <-subCtx.Done():
					return
				case <-time.After(r.retryDelay):
				}
				if conn, err = r.listen(subCtx); err == nil {
					break
				}
				f.report(subCtx, err)
			}
		}
	}()
	return f, nil
}

func (f *feed) report(ctx context.Context, err error) {
	select {
	case f.errors <- err:
	case <-ctx.Done():
	default:
	}
}

func (r *Remote) listen(ctx context.Context) (*sql.Conn, error) {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "listen "+pgx.Identifier{r.channel}.Sanitize()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("listen %s: %w", r.channel, err)
	}
	return conn, nil
}

// release returns conn to the pool without its LISTEN registration.
func (r *Remote) release(conn *sql.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = conn.ExecContext(ctx, "unlisten *")
	conn.Close()
}

func (r *Remote) pump(ctx context.Context, conn *sql.Conn, tables []model.Table, f *feed) error {
	for {
		var payload string
		err := conn.Raw(func(driverConn any) error {
			c, ok := driverConn.(*stdlib.Conn)
			if !ok {
				return errors.New("listen: not a pgx connection")
			}
			n, err := c.Conn().WaitForNotification(ctx)
			if err != nil {
				return err
			}
			payload = n.Payload
			return nil
		})
		if err != nil {
			return err
		}
		p, truncated, err := decodeNotification([]byte(payload))
		if err != nil {
			f.report(ctx, err)
			continue
		}
		if !remote.Wants(tables, p.Table) {
			continue
		}
		if truncated && p.EventType != realtime.EventDelete {
			row, err := r.get(ctx, p.Table, p.ID())
			if err != nil {
				// deleted since; its DELETE follows on the channel
				r.log.Debug("refetch truncated row", "table", p.Table, "id", p.ID(), "err", err)
				continue
			}
			p.New = row
		}
		select {
		case f.events <- p:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// decodeNotification parses a trigger payload, reporting whether its row
// images were cut down to ids.
func decodeNotification(data []byte) (realtime.Payload, bool, error) {
	var head struct {
		Truncated bool `json:"truncated"`
	}
	if err := sonic.Unmarshal(data, &head); err != nil {
		return realtime.Payload{}, false, fmt.Errorf("%w: %v", realtime.ErrBadPayload, err)
	}
	p, err := realtime.Decode(data)
	if err != nil {
		return realtime.Payload{}, false, err
	}
	return p, head.Truncated, nil
}
