// Package daemon provides the client side of the courier's control socket:
// one persistent unix-socket connection to the local daemon, with a
// synchronous request/response call correlated by effect ID.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/courierd/core/logx"
	"github.com/gaspardpetit/courierd/core/reconnect"
	"github.com/gaspardpetit/courierd/internal/wire"
)

const (
	// MaxDialAttempts bounds one Connect call; delays follow the shared
	// reconnect schedule.
	MaxDialAttempts = 3

	readChunkSize = 4096
)

var (
	ErrConnectFailed    = errors.New("failed to connect to daemon")
	ErrTimeout          = errors.New("daemon response timeout")
	ErrEffectIDMismatch = errors.New("effect id mismatch in response")
)

// Response is the daemon's verdict for one forwarded payload.
type Response struct {
	EffectID uuid.UUID
	Status   wire.PublishStatus
	Result   []byte
}

// Client owns a single connection to the daemon. At most one SendAndWait may
// be outstanding at a time; the courier's one-in-flight loop guarantees that.
type Client struct {
	socketPath string
	timeout    time.Duration
	log        zerolog.Logger

	mu   sync.Mutex
	conn net.Conn
	buf  []byte
}

// New creates a client for the daemon socket at socketPath. timeout bounds
// each SendAndWait call.
func New(socketPath string, timeout time.Duration) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    timeout,
		log:        logx.Log.With().Str("component", "daemon").Logger(),
		buf:        make([]byte, 0, readChunkSize),
	}
}

// Connect dials the daemon socket. It is a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < MaxDialAttempts; attempt++ {
		c.log.Debug().Str("socket", c.socketPath).Int("attempt", attempt+1).Msg("dialing daemon")

		dialer := net.Dialer{}
		conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
		if err == nil {
			c.conn = conn
			c.buf = c.buf[:0]
			c.log.Info().Str("socket", c.socketPath).Msg("connected to daemon")
			return nil
		}

		lastErr = err
		c.log.Warn().Err(err).Int("attempt", attempt+1).Msg("daemon dial failed")
		if attempt+1 < MaxDialAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(reconnect.Delay(attempt)):
			}
		}
	}

	return fmt.Errorf("%w: %v", ErrConnectFailed, lastErr)
}

// IsConnected reports whether a connection is currently held.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// SendAndWait forwards payload as a SideEffectFrame under a fresh effect ID
// and blocks until the matching PublishAckFrame arrives, the per-call timeout
// expires (ErrTimeout), or ctx is cancelled. The returned effect ID is valid
// even when the call fails, so callers can reference it in their own acks.
//
// Any error drops the connection; the next call reconnects.
func (c *Client) SendAndWait(ctx context.Context, payload []byte) (uuid.UUID, *Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		if err := c.connectLocked(ctx); err != nil {
			return uuid.Nil, nil, err
		}
	}

	effectID := uuid.New()
	c.log.Debug().Str("effect_id", effectID.String()).Int("payload_len", len(payload)).Msg("forwarding side effect")

	frame := &wire.SideEffectFrame{EffectID: effectID, Payload: payload}
	if err := c.writeAll(frame.Encode()); err != nil {
		c.closeLocked()
		return effectID, nil, fmt.Errorf("send side effect: %w", err)
	}

	resp, err := c.readAck(ctx, effectID)
	if err != nil {
		c.closeLocked()
		return effectID, nil, err
	}

	c.log.Debug().Str("effect_id", effectID.String()).Stringer("status", resp.Status).Msg("daemon verdict received")
	return effectID, resp, nil
}

func (c *Client) writeAll(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	for written := 0; written < len(data); {
		n, err := c.conn.Write(data[written:])
		if err != nil {
			return err
		}
		written += n
	}
	return nil
}

// readAck accumulates bytes from the connection until one complete
// PublishAckFrame is parsed, then verifies it correlates to expectedID.
func (c *Client) readAck(ctx context.Context, expectedID uuid.UUID) (*Response, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, err
	}

	chunk := make([]byte, readChunkSize)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		body, consumed, err := wire.ReadFrame(c.buf)
		if err == nil {
			ack, err := wire.ParsePublishAck(body)
			if err != nil {
				return nil, fmt.Errorf("parse publish ack: %w", err)
			}
			c.buf = c.buf[consumed:]

			if ack.EffectID != expectedID {
				return nil, fmt.Errorf("%w: expected %s, got %s", ErrEffectIDMismatch, expectedID, ack.EffectID)
			}

			return &Response{
				EffectID: ack.EffectID,
				Status:   ack.Status,
				Result:   []byte(ack.ErrorMessage),
			}, nil
		}
		if !errors.Is(err, wire.ErrIncompleteFrame) {
			return nil, fmt.Errorf("read frame: %w", err)
		}

		n, err := c.conn.Read(chunk)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, ErrTimeout
			}
			return nil, fmt.Errorf("socket read: %w", err)
		}
		c.buf = append(c.buf, chunk[:n]...)
	}
}

// Close releases the connection. Safe to call multiple times.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *Client) closeLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.buf = c.buf[:0]
		c.log.Debug().Msg("daemon connection closed")
	}
}
