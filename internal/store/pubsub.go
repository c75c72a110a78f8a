package store

import (
	"context"
)

// Publish sends payload on a pub/sub channel. Used for cluster-wide lobby
// fan-out; every node receives every published message once.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	return wrap("publish", c.pick().Publish(ctx, channel, payload).Err())
}

// Subscribe delivers every message published on channel to handler from a
// dedicated goroutine until ctx is cancelled. The underlying subscription
// reconnects on transient failures.
func (c *Client) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) {
	sub := c.pick().Subscribe(ctx, channel)

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()
}
