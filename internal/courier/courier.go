// Package courier implements the relay loop at the heart of courierd:
// receive one message from the bus, forward it to the local daemon, wait for
// the verdict, publish a command ack, repeat.
//
// Invariants:
//
//   - One-in-flight: at most one message is under processing at any time,
//     enforced by the consumer's buffer of 1 and the sequential loop.
//   - ACK-gated: a message is handled once a verdict (accepted, rejected, or
//     timeout) was produced and published; daemon unreachability is not a
//     verdict and leaves the message to bus redelivery.
//   - Fail-open: a daemon timeout counts as handled. Duplicate processing is
//     preferred over a stalled pipeline.
//   - Content-agnostic: payload bytes pass through untouched.
package courier

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/courierd/core/logx"
	"github.com/gaspardpetit/courierd/internal/bus"
	"github.com/gaspardpetit/courierd/internal/daemon"
	"github.com/gaspardpetit/courierd/internal/wire"
)

const (
	// ErrorDelay paces the loop after a failed message so a persistent
	// fault does not become a hot loop.
	ErrorDelay = 100 * time.Millisecond

	// RemoteCommandAckEvent is the bus event carrying command acks.
	RemoteCommandAckEvent = "remote.command.ack.v1"
)

const (
	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"
	AckStatusTimeout  = "timeout"
)

var (
	ErrShutdown       = errors.New("courier shutdown")
	ErrAlreadyRunning = errors.New("courier already running")
)

// BusConsumer is the slice of the bus transport the courier uses.
type BusConsumer interface {
	Connect(ctx context.Context) error
	Receive() <-chan *bus.Message
	Publish(ctx context.Context, event string, payload []byte) error
	Ack(ctx context.Context, messageID string) error
	Close() error
}

// DaemonCaller is the slice of the daemon client the courier uses.
type DaemonCaller interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	SendAndWait(ctx context.Context, payload []byte) (uuid.UUID, *daemon.Response, error)
	Close() error
}

// Config carries the courier's own knobs; transport configuration lives with
// the consumer and daemon client.
type Config struct {
	// AckEvent overrides the published ack event name. Default is
	// RemoteCommandAckEvent.
	AckEvent string

	// ErrorDelay overrides the pacing delay after a failed message.
	// Mostly tuned down in tests.
	ErrorDelay time.Duration
}

type commandAckPayload struct {
	SchemaVersion int    `json:"schema_version"`
	CommandID     string `json:"command_id"`
	Status        string `json:"status"`
	CreatedAtMS   int64  `json:"created_at_ms"`
	ResultB64     string `json:"result_b64,omitempty"`
}

// Courier owns its consumer and daemon client for its whole lifetime.
type Courier struct {
	cfg      Config
	consumer BusConsumer
	daemon   DaemonCaller
	log      zerolog.Logger

	mu       sync.Mutex
	running  bool
	cancelFn context.CancelFunc
}

// New creates a Courier over the given transports.
func New(cfg Config, consumer BusConsumer, daemonClient DaemonCaller) *Courier {
	if cfg.AckEvent == "" {
		cfg.AckEvent = RemoteCommandAckEvent
	}
	if cfg.ErrorDelay <= 0 {
		cfg.ErrorDelay = ErrorDelay
	}
	return &Courier{
		cfg:      cfg,
		consumer: consumer,
		daemon:   daemonClient,
		log:      logx.Log.With().Str("component", "courier").Logger(),
	}
}

// Run blocks until ctx is cancelled. A second concurrent Run fails with
// ErrAlreadyRunning without disturbing the first.
func (c *Courier) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	ctx, cancel := context.WithCancel(ctx)
	c.cancelFn = cancel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.cancelFn = nil
		c.mu.Unlock()
	}()

	if err := c.consumer.Connect(ctx); err != nil {
		return err
	}
	defer c.consumer.Close()

	if err := c.daemon.Connect(ctx); err != nil {
		// Not fatal; each message retries the connection.
		c.log.Warn().Err(err).Msg("initial daemon connection failed, will retry per message")
	}
	defer c.daemon.Close()

	c.log.Info().Msg("courier running")
	return c.runLoop(ctx)
}

func (c *Courier) runLoop(ctx context.Context) error {
	messages := c.consumer.Receive()

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("courier shutting down")
			return ErrShutdown

		case msg, ok := <-messages:
			if !ok {
				c.log.Info().Msg("delivery channel closed")
				return ErrShutdown
			}

			if err := c.processMessage(ctx, msg); err != nil {
				c.log.Error().Err(err).Str("message_id", msg.ID).Msg("message processing failed")
				messagesTotal.WithLabelValues("error").Inc()

				select {
				case <-ctx.Done():
					return ErrShutdown
				case <-time.After(c.cfg.ErrorDelay):
				}
			}
		}
	}
}

// processMessage forwards one message and settles its disposition. A nil
// return means the message is handled; an error leaves it to bus redelivery.
func (c *Courier) processMessage(ctx context.Context, msg *bus.Message) error {
	inflight.Set(1)
	defer inflight.Set(0)

	c.log.Debug().Str("message_id", msg.ID).Int("payload_len", len(msg.Payload)).Msg("processing message")

	if !c.daemon.IsConnected() {
		c.log.Debug().Msg("reconnecting to daemon")
		if err := c.daemon.Connect(ctx); err != nil {
			return err
		}
		daemonReconnects.Inc()
	}

	effectID, resp, err := c.daemon.SendAndWait(ctx, msg.Payload)
	if err != nil {
		if errors.Is(err, daemon.ErrTimeout) {
			// Fail-open: the daemon may have processed the command and
			// failed to answer; duplicates beat a stalled pipeline.
			c.log.Warn().Str("message_id", msg.ID).Msg("daemon timeout, applying fail-open")
			c.publishAck(ctx, effectID, msg.ID, AckStatusTimeout, nil)
			c.settle(ctx, msg, AckStatusTimeout)
			return nil
		}
		return err
	}

	switch resp.Status {
	case wire.Success:
		c.log.Info().Str("message_id", msg.ID).Msg("daemon accepted message")
		c.publishAck(ctx, resp.EffectID, msg.ID, AckStatusAccepted, resp.Result)
		c.settle(ctx, msg, AckStatusAccepted)

	case wire.Failed:
		// Rejection is terminal; the message is still settled at the bus.
		c.log.Warn().Str("message_id", msg.ID).Msg("daemon rejected message")
		c.publishAck(ctx, resp.EffectID, msg.ID, AckStatusRejected, resp.Result)
		c.settle(ctx, msg, AckStatusRejected)
	}

	return nil
}

// settle acknowledges the message at the bus and counts the outcome. Ack
// failures are logged and swallowed: the worst case is one redelivery, which
// at-least-once semantics already admit.
func (c *Courier) settle(ctx context.Context, msg *bus.Message, status string) {
	messagesTotal.WithLabelValues(status).Inc()
	if err := c.consumer.Ack(ctx, msg.ID); err != nil {
		c.log.Warn().Err(err).Str("message_id", msg.ID).Msg("bus ack failed")
	}
}

// publishAck emits the command ack event. Best-effort: failures never fail
// the loop or un-handle the message.
func (c *Courier) publishAck(ctx context.Context, effectID uuid.UUID, messageID, status string, result []byte) {
	if effectID == uuid.Nil {
		c.log.Warn().Str("message_id", messageID).Str("status", status).Msg("skipping ack publish, no command id")
		return
	}

	payload := commandAckPayload{
		SchemaVersion: 1,
		CommandID:     effectID.String(),
		Status:        status,
		CreatedAtMS:   time.Now().UnixMilli(),
	}
	if len(result) > 0 {
		payload.ResultB64 = base64.StdEncoding.EncodeToString(result)
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		c.log.Warn().Err(err).Str("command_id", payload.CommandID).Msg("encode command ack failed")
		return
	}

	if err := c.consumer.Publish(ctx, c.cfg.AckEvent, encoded); err != nil {
		c.log.Warn().Err(err).Str("command_id", payload.CommandID).Str("status", status).Msg("publish command ack failed")
	}
}

// Stop cancels a running courier. Idempotent.
func (c *Courier) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelFn != nil {
		c.log.Info().Msg("stopping courier")
		c.cancelFn()
	}
}

// IsRunning reports whether the run loop is active.
func (c *Courier) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Status is a point-in-time view served by the status endpoint.
type Status struct {
	Running         bool `json:"running"`
	DaemonConnected bool `json:"daemon_connected"`
}

// Snapshot returns the current courier status.
func (c *Courier) Snapshot() Status {
	return Status{
		Running:         c.IsRunning(),
		DaemonConnected: c.daemon.IsConnected(),
	}
}
