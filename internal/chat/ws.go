package chat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/envo/internal/observability"
	"github.com/ent0n29/envo/internal/protocol"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 5 * time.Second
	wsCloseWaitTimeout = 5 * time.Second
	wsReadLimit        = 4 << 20
	clientName         = "envo"
)

// WSClient speaks the bridge frame protocol over a websocket.
type WSClient struct {
	url     string
	session string
	version string
	dialer  websocket.Dialer
	logger  *zap.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  map[string]chan protocol.Frame
	finished bool
	err      error

	writeMu sync.Mutex

	msgs       chan Message
	done       chan struct{}
	closing    chan struct{}
	finishOnce sync.Once
	closeOnce  sync.Once
	closeErr   error
}

func NewWSClient(url, session, version string, logger *zap.Logger, metrics *observability.Metrics) (*WSClient, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("chat bridge url is required")
	}
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		return nil, fmt.Errorf("chat bridge url must use ws:// or wss:// (got %q)", url)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSClient{
		url:     url,
		session: session,
		version: version,
		dialer: websocket.Dialer{
			HandshakeTimeout: wsHandshakeTimeout,
		},
		logger:  logger.Named("chat"),
		metrics: metrics,
		pending: make(map[string]chan protocol.Frame),
		msgs:    make(chan Message, 64),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}, nil
}

func (c *WSClient) Messages() <-chan Message { return c.msgs }

func (c *WSClient) Done() <-chan struct{} { return c.done }

func (c *WSClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Connect dials the bridge, authenticates with the session string and
// resolves the logged-in identity.
func (c *WSClient) Connect(ctx context.Context) (Identity, error) {
	c.mu.Lock()
	if c.conn != nil || c.finished {
		c.mu.Unlock()
		return Identity{}, errors.New("chat client already used")
	}
	c.mu.Unlock()

	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil {
			return Identity{}, fmt.Errorf("chat bridge dial failed (%s): %w", resp.Status, err)
		}
		return Identity{}, fmt.Errorf("chat bridge dial failed: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop(conn)

	params := protocol.ConnectParams{Session: c.session, Client: clientName, Version: c.version}
	if err := c.call(ctx, protocol.MethodConnect, params, nil); err != nil {
		c.abort()
		return Identity{}, fmt.Errorf("chat bridge connect: %w", err)
	}
	var ident Identity
	if err := c.call(ctx, protocol.MethodSelf, nil, &ident); err != nil {
		c.abort()
		return Identity{}, fmt.Errorf("chat bridge self: %w", err)
	}
	c.logger.Info("chat bridge connected", zap.String("identity", ident.String()))
	return ident, nil
}

func (c *WSClient) EditMessage(ctx context.Context, chatID, messageID int64, text string) error {
	return c.call(ctx, protocol.MethodEditMessage, protocol.EditMessageParams{
		ChatID:    chatID,
		MessageID: messageID,
		Text:      text,
	}, nil)
}

func (c *WSClient) SendMessage(ctx context.Context, chatID int64, text string) (int64, error) {
	var res protocol.SendMessageResult
	err := c.call(ctx, protocol.MethodSendMessage, protocol.SendMessageParams{ChatID: chatID, Text: text}, &res)
	return res.MessageID, err
}

// Close performs the websocket close handshake, waiting for the peer's close
// frame until ctx expires. Safe to call more than once.
func (c *WSClient) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		close(c.closing)

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			c.finish(nil)
			return
		}

		deadline := time.Now().Add(wsCloseWaitTimeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown")
		if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err == nil {
			timer := time.NewTimer(time.Until(deadline))
			select {
			case <-c.done:
			case <-ctx.Done():
				c.closeErr = ctx.Err()
			case <-timer.C:
				c.closeErr = errors.New("chat bridge close handshake timed out")
			}
			timer.Stop()
		}
		_ = conn.Close()
		<-c.done
	})
	return c.closeErr
}

func (c *WSClient) abort() {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
			<-c.done
		}
	})
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	var readErr error
	defer func() { c.finish(readErr) }()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			return
		}
		frame, err := protocol.ParseFrame(data)
		if err != nil {
			c.logger.Warn("dropping malformed bridge frame", zap.Error(err))
			continue
		}
		c.metrics.ObserveChatFrame("in", string(frame.Type))

		switch frame.Type {
		case protocol.TypeResponse:
			c.resolve(frame)
		case protocol.TypeEvent:
			if frame.Event != protocol.EventMessage {
				continue
			}
			msg, err := protocol.DecodeMessageEvent(frame)
			if err != nil {
				c.logger.Warn("dropping invalid message event", zap.Error(err))
				continue
			}
			select {
			case c.msgs <- msg:
			case <-c.closing:
			}
		}
	}
}

func (c *WSClient) resolve(frame protocol.Frame) {
	c.mu.Lock()
	ch, ok := c.pending[frame.ID]
	delete(c.pending, frame.ID)
	c.mu.Unlock()
	if ok {
		ch <- frame
	}
}

func (c *WSClient) finish(readErr error) {
	c.finishOnce.Do(func() {
		requested := false
		select {
		case <-c.closing:
			requested = true
		default:
		}

		c.mu.Lock()
		c.finished = true
		if readErr != nil && !(requested && isExpectedCloseError(readErr)) {
			c.err = fmt.Errorf("%w: %v", ErrClosed, readErr)
		}
		pending := c.pending
		c.pending = make(map[string]chan protocol.Frame)
		c.mu.Unlock()

		for _, ch := range pending {
			close(ch)
		}
		close(c.msgs)
		close(c.done)
	})
}

func isExpectedCloseError(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, net.ErrClosed)
}

func (c *WSClient) call(ctx context.Context, method string, params, out any) error {
	id := uuid.NewString()
	frame, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return err
	}

	ch := make(chan protocol.Frame, 1)
	c.mu.Lock()
	switch {
	case c.finished:
		c.mu.Unlock()
		return ErrClosed
	case c.conn == nil:
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(conn, frame); err != nil {
		return fmt.Errorf("%s write: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		if err := res.Err(); err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
		if out != nil {
			return res.DecodePayload(out)
		}
		return nil
	}
}

func (c *WSClient) write(conn *websocket.Conn, frame protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	if err := conn.WriteJSON(frame); err != nil {
		return err
	}
	c.metrics.ObserveChatFrame("out", string(frame.Type))
	return nil
}
