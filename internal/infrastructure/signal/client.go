package signal

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/infrastructure/capture"
	"mediarelay/internal/infrastructure/transfer"
	"mediarelay/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ClientConfig tunes the endpoint side of a signaling connection.
type ClientConfig struct {
	URL          string
	Header       http.Header
	WriteTimeout time.Duration
	PongTimeout  time.Duration
	SendBuffer   int
	Retry        retry.Config
}

// Client is an endpoint's signaling connection to the relay. Decoded
// events arrive on Events; the channel closes when the connection ends.
type Client struct {
	conn   *websocket.Conn
	cfg    ClientConfig
	logger *zap.SugaredLogger

	send      chan []byte
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

var (
	_ transfer.Emitter    = (*Client)(nil)
	_ capture.FrameSender = (*Client)(nil)
)

// Dial connects to the relay, retrying with backoff per cfg.Retry.
func Dial(ctx context.Context, cfg ClientConfig, logger *zap.SugaredLogger) (*Client, error) {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 45 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}

	dialer := *websocket.DefaultDialer
	policy := cfg.Retry
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		logger.Debugw("dial relay failed", "url", cfg.URL, "attempt", attempt, "retry_in", wait, "error", err)
	}
	conn, err := retry.DoValue(ctx, policy, func(ctx context.Context) (*websocket.Conn, error) {
		conn, resp, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil && resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// the relay answered and refused the upgrade
			return nil, retry.Permanent(fmt.Errorf("%w: status %d", err, resp.StatusCode))
		}
		return conn, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay %s: %w", cfg.URL, err)
	}

	c := &Client{
		conn:   conn,
		cfg:    cfg,
		logger: logger,
		send:   make(chan []byte, cfg.SendBuffer),
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	logger.Infow("connected to relay", "url", cfg.URL)
	return c, nil
}

func (c *Client) Events() <-chan Event { return c.events }

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.conn.Close()
	})
	return nil
}

// Send queues ev, waiting for buffer space until ctx is done.
func (c *Client) Send(ctx context.Context, ev Event) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer close(c.events)
	defer c.Close()

	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.conn.SetPingHandler(func(appData string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.cfg.WriteTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Infow("relay connection lost", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

		ev, err := Decode(data)
		if err != nil {
			c.logger.Warnw("ignoring malformed relay message", "error", err)
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writeLoop() {
	defer c.Close()
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debugw("signaling write failed", "error", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// EmitChunk sends one transfer chunk. The payload is encoded before
// returning, so the caller may reuse its buffer.
func (c *Client) EmitChunk(ctx context.Context, ch domain.Chunk) error {
	return c.Send(ctx, Chunk{
		Filename:        ch.Filename,
		PayloadB64:      transfer.EncodePayload(ch.Payload),
		Offset:          ch.Offset,
		TotalSize:       ch.TotalSize,
		UnknownLength:   ch.UnknownLength,
		DestinationPath: ch.DestinationPath,
	})
}

func (c *Client) EmitEnd(ctx context.Context, filename string) error {
	return c.Send(ctx, ChunkEnd{Filename: filename})
}

// SendFrame sends a media frame over signaling for codecs without an RTP
// track.
func (c *Client) SendFrame(ctx context.Context, f capture.EncodedFrame) error {
	return c.Send(ctx, Frame{
		AgentID:   string(f.AgentID),
		Kind:      string(f.Kind),
		Codec:     string(f.Codec),
		Timestamp: f.Timestamp.UnixMilli(),
		Key:       f.Key,
		DataB64:   transfer.EncodePayload(f.Data),
	})
}
