package natsbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"southwinds.dev/lockbox"
)

const DefaultRequestTimeout = 5 * time.Second

// ClientConfig configures a Client
type ClientConfig struct {
	Conn   *nats.Conn
	Store  string
	Prefix string

	// Timeout bounds requests whose context carries no deadline
	Timeout time.Duration
}

// Client reaches a Server over NATS. It implements lockbox.Backend and
// lockbox.ReadySource, so a client.Cache can sit on top of it.
type Client struct {
	conn    *nats.Conn
	store   string
	prefix  string
	timeout time.Duration

	mu     sync.Mutex
	subs   map[*nats.Subscription]struct{}
	closed bool
}

var (
	_ lockbox.Backend     = (*Client)(nil)
	_ lockbox.ReadySource = (*Client)(nil)
)

// NewClient creates a client for one store
func NewClient(config ClientConfig) (*Client, error) {
	if config.Conn == nil {
		return nil, fmt.Errorf("NATS connection is required")
	}
	if config.Prefix == "" {
		config.Prefix = DefaultPrefix
	}
	if err := validateToken("store", config.Store); err != nil {
		return nil, err
	}
	if err := validateToken("prefix", config.Prefix); err != nil {
		return nil, err
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultRequestTimeout
	}
	return &Client{
		conn:    config.Conn,
		store:   config.Store,
		prefix:  config.Prefix,
		timeout: config.Timeout,
		subs:    make(map[*nats.Subscription]struct{}),
	}, nil
}

func (c *Client) Get(ctx context.Context, q lockbox.Query) (lockbox.Values, error) {
	res, err := c.request(ctx, OpGet, queryToWire(q))
	if err != nil {
		return lockbox.Values{}, err
	}
	return fromWire(res.Values), nil
}

func (c *Client) Set(ctx context.Context, items lockbox.Values) (bool, error) {
	res, err := c.request(ctx, OpSet, request{Items: toWire(items)})
	if err != nil {
		return false, err
	}
	return res.OK, nil
}

func (c *Client) Remove(ctx context.Context, keys ...string) (bool, error) {
	res, err := c.request(ctx, OpRemove, request{Keys: keys})
	if err != nil {
		return false, err
	}
	return res.OK, nil
}

func (c *Client) Clear(ctx context.Context) (bool, error) {
	res, err := c.request(ctx, OpClear, request{})
	if err != nil {
		return false, err
	}
	return res.OK, nil
}

func (c *Client) Has(ctx context.Context, key string) (bool, error) {
	res, err := c.request(ctx, OpHas, request{Keys: []string{key}})
	if err != nil {
		return false, err
	}
	return res.OK, nil
}

func (c *Client) Keys(ctx context.Context) ([]string, error) {
	res, err := c.request(ctx, OpKeys, request{})
	if err != nil {
		return nil, err
	}
	if res.Keys == nil {
		return []string{}, nil
	}
	return res.Keys, nil
}

// Subscribe delivers change records in the order the server published them
func (c *Client) Subscribe(fn func(lockbox.Changes)) (func(), error) {
	return c.listen(EvChanged, func(data []byte) error {
		var changes map[string]wireChange
		if err := decode(data, &changes); err != nil {
			return err
		}
		fn(changesFromWire(changes))
		return nil
	})
}

// OnReady delivers the server's ready announcements and heartbeats
func (c *Client) OnReady(fn func(lockbox.Ready)) func() {
	remove, err := c.listen(EvReady, func(data []byte) error {
		var ready wireReady
		if err := decode(data, &ready); err != nil {
			return err
		}
		fn(lockbox.Ready{InstanceID: ready.InstanceID, StartedAt: ready.StartedAt})
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("store", c.store).Msg("cannot follow storage gateway restarts")
		return func() {}
	}
	return remove
}

// OnQuotaExceeded delivers writes the server rejected for size
func (c *Client) OnQuotaExceeded(fn func(lockbox.QuotaEvent)) (func(), error) {
	return c.listen(EvQuota, func(data []byte) error {
		var event wireQuota
		if err := decode(data, &event); err != nil {
			return err
		}
		fn(lockbox.QuotaEvent{
			Store:        event.Store,
			CurrentSize:  event.CurrentSize,
			ProposedSize: event.ProposedSize,
			Limit:        event.Limit,
		})
		return nil
	})
}

// Close drops every subscription made by the client. The NATS connection
// stays open.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil
	return nil
}

func (c *Client) request(ctx context.Context, op string, req request) (reply, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return reply{}, lockbox.ErrClosed
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	data, err := encode(req)
	if err != nil {
		return reply{}, err
	}
	subject := Subject(c.prefix, c.store, op)
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return reply{}, fmt.Errorf("%s request failed: %w", op, err)
	}

	var res reply
	if err = decode(msg.Data, &res); err != nil {
		return reply{}, err
	}
	if err = replyError(res); err != nil {
		return reply{}, err
	}
	return res, nil
}

func (c *Client) listen(event string, handle func([]byte) error) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, lockbox.ErrClosed
	}

	subject := Subject(c.prefix, c.store, event)
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		if err := handle(msg.Data); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed event")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	c.subs[sub] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, sub)
			c.mu.Unlock()
			_ = sub.Unsubscribe()
		})
	}, nil
}
