package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

var (
	ErrSendBufferFull   = errors.New("send buffer full")
	ErrConnectionClosed = errors.New("connection closed")
	ErrStaleConnection  = errors.New("no pong within timeout")
)

// callback executed when a message is received.
type MessageHandler func(ctx context.Context, connId uuid.UUID, msg []byte)

type OnCloseHandler func(connId uuid.UUID, err error)

// callback executed on every heartbeat tick, after the transport ping.
type HeartbeatHandler func(connId uuid.UUID)

type ConnectionConfig struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	// the connection is reaped when no pong arrives within
	// PingInterval * PongTimeoutMultiple.
	PongTimeoutMultiple int
	SendBuffer          int
	MaxMessageBytes     int64
}

func (c ConnectionConfig) pongTimeout() time.Duration {
	multiple := c.PongTimeoutMultiple
	if multiple <= 0 {
		multiple = 2
	}
	return c.PingInterval * time.Duration(multiple)
}

// CloseError asks for a specific websocket close code.
type CloseError struct {
	Code   websocket.StatusCode
	Reason string
}

func (e *CloseError) Error() string {
	return "closed with status " + e.Code.String() + ": " + e.Reason
}

// Connection represents a single, thread-safe WebSocket connection.
type Connection struct {
	id       uuid.UUID
	conn     *websocket.Conn
	config   ConnectionConfig
	send     chan []byte
	closeReq chan *CloseError

	onMessage   MessageHandler
	onClose     OnCloseHandler
	onHeartbeat HeartbeatHandler

	lastPong atomic.Int64
	running  atomic.Bool

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	closeOnce sync.Once
	cancel    context.CancelFunc

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, onMessage MessageHandler, onClose OnCloseHandler, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	connLogger := logger.With(slog.String("connID", id.String()))
	buffer := config.SendBuffer
	if buffer <= 0 {
		buffer = 256
	}

	c := &Connection{
		id:        id,
		conn:      conn,
		logger:    connLogger,
		config:    config,
		onMessage: onMessage,
		send:      make(chan []byte, buffer),
		closeReq:  make(chan *CloseError, 1),
		done:      make(chan struct{}),
		ctx:       connCtx,
		cancel:    cancel,
		onClose:   onClose,
		wg:        wg,
	}
	c.Touch()
	return c
}

func (c *Connection) Run() {
	if c.wg != nil {
		c.wg.Add(1)
	}
	c.running.Store(true)
	if c.config.MaxMessageBytes > 0 {
		c.conn.SetReadLimit(c.config.MaxMessageBytes)
	}
	go c.readPump()
	go c.writePump()
	if c.config.PingInterval > 0 {
		go c.heartbeat()
	}

	c.logger.Info("connection established")
}

// readPump pumps messages from the WebSocket connection to the message handler.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		readCtx, cancelRead := c.ctx, context.CancelFunc(func() {})
		if c.config.ReadTimeout > 0 {
			readCtx, cancelRead = context.WithTimeout(c.ctx, c.config.ReadTimeout)
		}
		typ, r, err := c.conn.Reader(readCtx)
		if err != nil {
			readErr = err
			cancelRead()
			return
		}
		// Read the full message. Use io.ReadAll for safety.
		message, err := io.ReadAll(r)
		cancelRead()
		if err != nil {
			c.logger.Warn("Connection readpump failed", slog.Any("error", err))
			readErr = err
			return
		}
		// Ensure we are only handling text or binary messages.
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}
		c.Touch()
		if c.onMessage != nil {
			// Pass a connection-scoped context to the handler.
			c.onMessage(c.ctx, c.id, message)
		}
	}
}

// writePump pumps messages from the send channel to the WebSocket connection.
func (c *Connection) writePump() {
	var writeErr error

	defer func() {
		c.Close(writeErr)
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				writeErr = err
				return
			}
		case req := <-c.closeReq:
			// flush whatever was queued before the close was requested
			for drained := false; !drained; {
				select {
				case message := <-c.send:
					if err := c.write(message); err != nil {
						drained = true
					}
				default:
					drained = true
				}
			}
			writeErr = req
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) write(message []byte) error {
	ctx, cancel := c.ctx, context.CancelFunc(func() {})
	if c.config.WriteTimeout > 0 {
		ctx, cancel = context.WithTimeout(c.ctx, c.config.WriteTimeout)
	}
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, message)
}

// heartbeat pings the peer on a fixed interval and reaps the connection
// once no pong has been seen for the configured timeout.
func (c *Connection) heartbeat() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		if since := time.Since(c.LastPong()); since > c.config.pongTimeout() {
			c.logger.Warn("Reaping stale connection", slog.Duration("sinceLastPong", since))
			c.Close(ErrStaleConnection)
			return
		}

		if c.onHeartbeat != nil {
			c.onHeartbeat(c.id)
		}
		go func() {
			pingCtx, cancel := context.WithTimeout(c.ctx, c.config.PingInterval)
			defer cancel()
			if err := c.conn.Ping(pingCtx); err == nil {
				c.Touch()
			}
		}()
	}
}

// sends a message to the client without blocking. It is safe for
// concurrent use; a full buffer is reported instead of waited on.
func (c *Connection) Send(message []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- message:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// CloseWithStatus flushes queued messages, then closes with the given code.
func (c *Connection) CloseWithStatus(code websocket.StatusCode, reason string) {
	select {
	case c.closeReq <- &CloseError{Code: code, Reason: reason}:
	default:
	}
}

// gracefully shuts down the connection and its resources.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		status := websocket.CloseStatus(err)
		c.logger.Info("Transport connection closing", slog.Any("reason", err), slog.String("status", status.String()))

		// close the socket before cancelling so the peer sees our code
		// rather than the one a cancelled read would produce.
		if c.conn != nil {
			var ce *CloseError
			if errors.As(err, &ce) {
				c.conn.Close(ce.Code, ce.Reason)
			} else if errors.Is(err, ErrStaleConnection) {
				c.conn.Close(websocket.StatusGoingAway, "stale connection")
			} else {
				c.conn.Close(websocket.StatusNormalClosure, "")
			}
		}
		c.cancel() // Signal goroutines to stop.
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		if c.wg != nil && c.running.Load() {
			c.wg.Done()
		}
		close(c.done)
		c.logger.Info("Connection closed")
	})
}

// Touch records liveness. Transport pongs and application-level pongs both
// count.
func (c *Connection) Touch() {
	c.lastPong.Store(time.Now().UnixNano())
}

func (c *Connection) LastPong() time.Time {
	return time.Unix(0, c.lastPong.Load())
}

// returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}
func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.onClose = handler
}
func (c *Connection) SetOnHeartbeatHandler(handler HeartbeatHandler) {
	c.onHeartbeat = handler
}
