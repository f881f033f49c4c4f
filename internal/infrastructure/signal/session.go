package signal

import (
	"context"
	"errors"
	"sync"
	"time"

	"mediarelay/internal/core/domain"
	apperrors "mediarelay/pkg/errors"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrSessionClosed  = errors.New("session closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

type inbound struct {
	ev  Event
	err error
}

type sessionConfig struct {
	pingInterval   time.Duration
	pongTimeout    time.Duration
	writeTimeout   time.Duration
	sendBuffer     int
	maxMessageSize int64
}

// Session is one signaling connection. A reader goroutine decodes frames
// into the inbound channel, a writer goroutine owns all writes to the
// socket, and the dispatch loop runs on the goroutine that calls run.
type Session struct {
	handle  domain.ConnectionHandle
	conn    *websocket.Conn
	cfg     sessionConfig
	limiter *rate.Limiter
	logger  *zap.SugaredLogger

	send      chan []byte
	inbound   chan inbound
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu   sync.RWMutex
	role domain.ConnectionRole
	id   string
}

func newSession(handle domain.ConnectionHandle, conn *websocket.Conn, cfg sessionConfig, limiter *rate.Limiter, logger *zap.SugaredLogger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		handle:  handle,
		conn:    conn,
		cfg:     cfg,
		limiter: limiter,
		logger:  logger.With("connection_id", handle),
		send:    make(chan []byte, cfg.sendBuffer),
		inbound: make(chan inbound, 16),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Session) Handle() domain.ConnectionHandle { return s.handle }

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context { return s.ctx }

// Identity returns the role and endpoint id bound to the session, or empty
// values before the first connect-publish or subscribe.
func (s *Session) Identity() (domain.ConnectionRole, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role, s.id
}

func (s *Session) bind(role domain.ConnectionRole, id string) {
	s.mu.Lock()
	s.role, s.id = role, id
	s.mu.Unlock()
}

// Send queues ev for the writer. It never blocks: a full buffer fails the
// send instead of stalling the caller.
func (s *Session) Send(ev Event) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	select {
	case <-s.ctx.Done():
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	case <-s.ctx.Done():
		return ErrSessionClosed
	default:
		s.logger.Warnw("send buffer full, dropping event", "type", ev.Type())
		return ErrSendBufferFull
	}
}

// Close tears the connection down. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close()
	})
}

func (s *Session) readLoop() {
	defer close(s.inbound)
	defer s.Close()

	if s.cfg.maxMessageSize > 0 {
		s.conn.SetReadLimit(s.cfg.maxMessageSize)
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.pongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.pongTimeout))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("signaling read failed", "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.pongTimeout))

		var msg inbound
		if s.limiter != nil && !s.limiter.Allow() {
			rateErr := apperrors.RateLimited()
			_ = s.Send(Error{Code: string(rateErr.Code), Message: rateErr.Message})
			continue
		}
		msg.ev, msg.err = Decode(data)

		select {
		case s.inbound <- msg:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(s.cfg.pingInterval)
	defer ticker.Stop()
	defer s.Close()

	for {
		select {
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debugw("signaling write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debugw("ping failed", "error", err)
				return
			}
		case <-s.ctx.Done():
			deadline := time.Now().Add(s.cfg.writeTimeout)
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

// run starts the reader and writer and dispatches inbound events until the
// connection ends.
func (s *Session) run(dispatch func(*Session, Event) error) {
	go s.readLoop()
	go s.writeLoop()

	for msg := range s.inbound {
		if msg.err != nil {
			s.logger.Debugw("rejected signaling message", "error", msg.err)
			_ = s.Send(ErrorEvent(msg.err, ""))
			continue
		}
		if err := dispatch(s, msg.ev); err != nil {
			s.logger.Infow("signaling event failed",
				"type", msg.ev.Type(),
				"error", err,
			)
			_ = s.Send(ErrorEvent(err, msg.ev.Type()))
		}
	}
}
