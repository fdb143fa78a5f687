// Package redisfeed relays change events over Redis Pub/Sub so several
// processes can share one upstream change feed.
package redisfeed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"trellosync/internal/model"
	"trellosync/internal/realtime"
	"trellosync/internal/remote"
)

// DefaultChannel is used when New is given an empty channel name.
const DefaultChannel = "trellosync:changes"

// Relay publishes encoded payloads to one Redis channel and opens feeds on it.
// It is safe for concurrent use.
type Relay struct {
	rdb     *redis.Client
	channel string
	log     *slog.Logger
}

func New(opts *redis.Options, channel string, log *slog.Logger) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = slog.Default()
	}
	return &Relay{rdb: redis.NewClient(opts), channel: channel, log: log}
}

// FromURL builds a Relay from a redis:// URL.
func FromURL(url, channel string, log *slog.Logger) (*Relay, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return New(opts, channel, log), nil
}

func (r *Relay) Channel() string { return r.channel }

func (r *Relay) Close() error { return r.rdb.Close() }

func (r *Relay) Ping(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }

// Publish sends p to every relay subscriber.
func (r *Relay) Publish(ctx context.Context, p realtime.Payload) error {
	data, err := realtime.Encode(p)
	if err != nil {
		return fmt.Errorf("encode %s: %w", p, err)
	}
	if err := r.rdb.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", p, err)
	}
	return nil
}

// Forward publishes every event from src until src ends or ctx is cancelled.
// Errors from src and failed publishes are logged and skipped.
func (r *Relay) Forward(ctx context.Context, src remote.Feed) error {
	events, errs := src.Events(), src.Errors()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			r.log.Warn("upstream feed error", "err", err)
		case p, ok := <-events:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				return remote.ErrFeedClosed
			}
			if err := r.Publish(ctx, p); err != nil {
				r.log.Error("relay publish", "event", p.String(), "err", err)
			}
		}
	}
}

// Subscription is a Feed over the relay channel. Close must be called when done.
type Subscription struct {
	events <-chan realtime.Payload
	errors <-chan error
	cancel func()
	once   sync.Once
}

func (s *Subscription) Events() <-chan realtime.Payload { return s.events }

// Errors carries payloads that failed to decode. They are skipped.
func (s *Subscription) Errors() <-chan error { return s.errors }

// Close is safe to call more than once.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so events
// published afterwards are delivered. Delivery is at most once.
func (r *Relay) Subscribe(ctx context.Context, tables ...model.Table) (remote.Feed, error) {
	pubsub := r.rdb.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	eventsChan := make(chan realtime.Payload, 64)
	errorsChan := make(chan error, 10)
	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				p, err := realtime.Decode([]byte(msg.Payload))
				if err != nil {
					select {
					case errorsChan <- fmt.Errorf("decode relayed event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}
				if !remote.Wants(tables, p.Table) {
					continue
				}
				select {
				case eventsChan <- p:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{events: eventsChan, errors: errorsChan, cancel: cancel}, nil
}
