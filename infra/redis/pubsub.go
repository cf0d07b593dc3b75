package redis

import (
	"context"
	"log/slog"
	"sync"
)

// Handler receives one pub/sub delivery. channel is the concrete
// channel the message arrived on (not the pattern), payload the body.
type Handler func(channel, payload string)

// Subscription is a live pub/sub binding. Close is idempotent.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// SubscribeKeyspace subscribes to a channel pattern (keyspace
// notifications included) and invokes handler for every delivery on a
// dedicated executor goroutine. go-redis re-subscribes automatically
// after reconnects; the receive loop only ends when the subscription
// is closed.
func (c *Cluster) SubscribeKeyspace(ctx context.Context, pattern string, handler Handler) *Subscription {
	subCtx, cancel := context.WithCancel(ctx)
	ps := c.client.PSubscribe(subCtx, pattern)

	sub := &Subscription{cancel: cancel, done: make(chan struct{})}

	// Deliveries are handed to a single executor channel so a slow
	// handler cannot stall the pub/sub read loop long enough to drop
	// the connection.
	deliveries := make(chan [2]string, 1024)

	go func() {
		defer close(deliveries)
		ch := ps.Channel()
		for {
			select {
			case <-subCtx.Done():
				_ = ps.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case deliveries <- [2]string{msg.Channel, msg.Payload}:
				default:
					c.logger.Warn("pubsub delivery dropped, executor saturated",
						slog.String("channel", msg.Channel))
				}
			}
		}
	}()

	go func() {
		defer close(sub.done)
		for d := range deliveries {
			handler(d[0], d[1])
		}
	}()

	return sub
}

// SubscribeChannel is SubscribeKeyspace for a single exact channel.
func (c *Cluster) SubscribeChannel(ctx context.Context, channel string, handler Handler) *Subscription {
	subCtx, cancel := context.WithCancel(ctx)
	ps := c.client.Subscribe(subCtx, channel)

	sub := &Subscription{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		ch := ps.Channel()
		for {
			select {
			case <-subCtx.Done():
				_ = ps.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(msg.Channel, msg.Payload)
			}
		}
	}()

	return sub
}
