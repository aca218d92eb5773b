// Package redisbus carries bridge frames over Redis pub/sub, for a Content
// Surface running in a different process or machine than its host.
//
// Each session uses two channels, one per direction:
//
//	<prefix>:<session>:h2s   host → surface
//	<prefix>:<session>:s2h   surface → host
//
// Pub/sub is fire-and-forget: a frame published while the other side is not
// subscribed is lost, which matches the bridge delivery contract.
package redisbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/hazyhaar/liveedit/bridge"
)

// DefaultPrefix namespaces channel names.
const DefaultPrefix = "liveedit"

// Bus opens per-session transports on a Redis client.
type Bus struct {
	rdb    redis.UniversalClient
	prefix string
}

// New creates a Bus. An empty prefix means DefaultPrefix.
func New(rdb redis.UniversalClient, prefix string) *Bus {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Bus{rdb: rdb, prefix: prefix}
}

// Channel returns the channel name for one direction of a session.
func (b *Bus) Channel(session, dir string) string {
	return b.prefix + ":" + session + ":" + dir
}

// Host opens the host side of session.
func (b *Bus) Host(ctx context.Context, session string) (bridge.Transport, error) {
	return b.open(ctx, b.Channel(session, "s2h"), b.Channel(session, "h2s"))
}

// Surface opens the surface side of session.
func (b *Bus) Surface(ctx context.Context, session string) (bridge.Transport, error) {
	return b.open(ctx, b.Channel(session, "h2s"), b.Channel(session, "s2h"))
}

func (b *Bus) open(ctx context.Context, in, out string) (*conn, error) {
	sub := b.rdb.Subscribe(ctx, in)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("redisbus: subscribe %s: %w", in, err)
	}
	return &conn{
		rdb:    b.rdb,
		out:    out,
		sub:    sub,
		ch:     sub.Channel(),
		closed: make(chan struct{}),
	}, nil
}

type conn struct {
	rdb  redis.UniversalClient
	out  string
	sub  *redis.PubSub
	ch   <-chan *redis.Message
	once sync.Once

	closed chan struct{}
}

func (c *conn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return bridge.ErrClosed
	default:
	}
	if err := c.rdb.Publish(ctx, c.out, frame).Err(); err != nil {
		return fmt.Errorf("redisbus: publish %s: %w", c.out, err)
	}
	return nil
}

func (c *conn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-c.ch:
		if !ok {
			return nil, bridge.ErrClosed
		}
		return []byte(msg.Payload), nil
	case <-c.closed:
		return nil, bridge.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.sub.Close()
	})
	return err
}
