// Package bus adapts the Redis Streams transport to the courier's pull-based,
// one-message-at-a-time contract. Offset tracking and redelivery are the
// bus's concern: messages stay in the consumer group's pending list until
// explicitly acknowledged.
package bus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/courierd/core/logx"
	"github.com/gaspardpetit/courierd/core/reconnect"
)

const (
	fieldEvent   = "event"
	fieldPayload = "payload"

	defaultBlockInterval = 2 * time.Second
)

var (
	ErrClosed       = errors.New("bus consumer closed")
	ErrNotConnected = errors.New("not connected to bus")
)

// Message is one delivery from the stream. ID is the bus-assigned stream
// entry ID; Payload is opaque to the courier.
type Message struct {
	ID      string
	Payload []byte
}

// Options configures a Consumer.
type Options struct {
	// RedisAddr is a host:port string or a redis:// URL.
	RedisAddr string

	// Stream is the stream key to consume from and publish to.
	Stream string

	// Event filters deliveries to entries carrying this event field.
	// Entries with other events are acknowledged and dropped.
	// Empty accepts all events.
	Event string

	// Group is the consumer group name (the subscription identity).
	Group string

	// Consumer is this instance's name within the group.
	Consumer string

	// BufferSize is the delivery channel capacity. Default is 1 to keep
	// exactly one message in flight.
	BufferSize int

	// BlockInterval bounds each XREADGROUP block. Mostly tuned down in tests.
	BlockInterval time.Duration
}

// Consumer reads one entry at a time from a Redis stream under a consumer
// group and hands deliveries to the courier over a bounded channel.
type Consumer struct {
	client redis.UniversalClient
	opts   Options
	log    zerolog.Logger

	messages chan *Message

	mu      sync.Mutex
	closed  bool
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Consumer for the given options. The Redis connection is not
// established until Connect.
func New(opts Options) (*Consumer, error) {
	if opts.Stream == "" {
		return nil, errors.New("bus: stream is required")
	}
	if opts.Group == "" {
		return nil, errors.New("bus: group is required")
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1
	}
	if opts.BlockInterval <= 0 {
		opts.BlockInterval = defaultBlockInterval
	}

	ropts, err := parseRedisAddr(opts.RedisAddr)
	if err != nil {
		return nil, err
	}

	return &Consumer{
		client:   redis.NewUniversalClient(ropts),
		opts:     opts,
		log:      logx.Log.With().Str("component", "bus").Str("stream", opts.Stream).Logger(),
		messages: make(chan *Message, opts.BufferSize),
		done:     make(chan struct{}),
	}, nil
}

// parseRedisAddr parses addr into UniversalOptions supporting single,
// cluster, and sentinel deployments. A plain host:port is used as-is.
func parseRedisAddr(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}

	opts := &redis.UniversalOptions{}
	if u.User != nil {
		opts.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		}
	}
	opts.Addrs = strings.Split(u.Host, ",")

	q := u.Query()
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	switch u.Scheme {
	case "redis", "rediss":
		if u.Path != "" && u.Path != "/" {
			if db, err := strconv.Atoi(strings.TrimPrefix(u.Path, "/")); err == nil {
				opts.DB = db
			} else {
				return nil, fmt.Errorf("redis: invalid db: %v", err)
			}
		} else if dbStr := q.Get("db"); dbStr != "" {
			if db, err := strconv.Atoi(dbStr); err == nil {
				opts.DB = db
			} else {
				return nil, fmt.Errorf("redis: invalid db: %v", err)
			}
		}
		if u.Scheme == "rediss" {
			opts.TLSConfig = tlsCfg
		}
	case "redis-sentinel", "rediss-sentinel":
		opts.MasterName = strings.TrimPrefix(u.Path, "/")
		if dbStr := q.Get("db"); dbStr != "" {
			if db, err := strconv.Atoi(dbStr); err == nil {
				opts.DB = db
			} else {
				return nil, fmt.Errorf("redis: invalid db: %v", err)
			}
		}
		if v := q.Get("sentinel_username"); v != "" {
			opts.SentinelUsername = v
		}
		if v := q.Get("sentinel_password"); v != "" {
			opts.SentinelPassword = v
		}
		if u.Scheme == "rediss-sentinel" {
			opts.TLSConfig = tlsCfg
		}
	default:
		return nil, fmt.Errorf("redis: invalid URL scheme: %s", u.Scheme)
	}

	return opts, nil
}

// Connect verifies the Redis connection, ensures the consumer group exists,
// and starts the read pump.
func (c *Consumer) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}

	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("bus ping: %w", err)
	}

	// $ so only entries newer than the group's creation are delivered.
	err := c.client.XGroupCreateMkStream(ctx, c.opts.Stream, c.opts.Group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	if err == nil {
		c.log.Info().Str("group", c.opts.Group).Msg("created consumer group")
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.started = true
	go c.pump(pumpCtx)

	c.log.Info().Str("group", c.opts.Group).Str("consumer", c.opts.Consumer).Msg("subscribed")
	return nil
}

// pump reads one entry at a time and delivers it over the bounded channel.
// The channel send blocks while the courier is busy, which is what holds the
// one-in-flight line: the next XREADGROUP does not happen until the previous
// delivery was taken.
func (c *Consumer) pump(ctx context.Context) {
	defer close(c.done)
	defer close(c.messages)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.opts.Group,
			Consumer: c.opts.Consumer,
			Streams:  []string{c.opts.Stream, ">"},
			Count:    1,
			Block:    c.opts.BlockInterval,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				attempt = 0
				continue
			}
			if ctx.Err() != nil {
				return
			}
			c.log.Warn().Err(err).Msg("stream read failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnect.Delay(attempt)):
			}
			attempt++
			continue
		}
		attempt = 0

		for _, stream := range res {
			for _, entry := range stream.Messages {
				msg, ok := c.decode(ctx, entry)
				if !ok {
					continue
				}
				select {
				case c.messages <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// decode extracts a Message from a stream entry. Entries that do not carry
// the expected event are acknowledged in place so they never come back.
func (c *Consumer) decode(ctx context.Context, entry redis.XMessage) (*Message, bool) {
	event, _ := entry.Values[fieldEvent].(string)
	if c.opts.Event != "" && event != c.opts.Event {
		c.log.Debug().Str("id", entry.ID).Str("event", event).Msg("skipping foreign event")
		if err := c.client.XAck(ctx, c.opts.Stream, c.opts.Group, entry.ID).Err(); err != nil {
			c.log.Warn().Err(err).Str("id", entry.ID).Msg("ack of skipped entry failed")
		}
		return nil, false
	}

	payload, _ := entry.Values[fieldPayload].(string)
	c.log.Debug().Str("id", entry.ID).Int("payload_len", len(payload)).Msg("received message")
	return &Message{ID: entry.ID, Payload: []byte(payload)}, true
}

// Receive returns the delivery channel. Its capacity is the configured
// buffer size; with the default of 1 at most one undelivered message exists.
func (c *Consumer) Receive() <-chan *Message {
	return c.messages
}

// Publish appends an event to the stream.
func (c *Consumer) Publish(ctx context.Context, event string, payload []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	return c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.opts.Stream,
		Values: map[string]any{fieldEvent: event, fieldPayload: payload},
	}).Err()
}

// Ack marks a delivery as handled so the group will not redeliver it.
func (c *Consumer) Ack(ctx context.Context, messageID string) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	return c.client.XAck(ctx, c.opts.Stream, c.opts.Group, messageID).Err()
}

// Close stops the read pump and releases the Redis client. Safe to call
// multiple times.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	if started {
		<-c.done
	}
	c.log.Info().Msg("bus consumer closed")
	return c.client.Close()
}
