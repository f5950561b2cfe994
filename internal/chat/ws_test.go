package chat

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ent0n29/envo/internal/protocol"
)

type fakeBridge struct {
	t        *testing.T
	session  string
	events   []protocol.MessageEvent
	dropSelf bool

	mu    sync.Mutex
	edits []protocol.EditMessageParams
}

func (b *fakeBridge) Edits() []protocol.EditMessageParams {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]protocol.EditMessageParams(nil), b.edits...)
}

func (b *fakeBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := protocol.ParseFrame(data)
		if err != nil || frame.Type != protocol.TypeRequest {
			continue
		}

		var res protocol.Frame
		switch frame.Method {
		case protocol.MethodConnect:
			var params protocol.ConnectParams
			_ = frame.DecodePayload(&params)
			if params.Session != b.session {
				_ = conn.WriteJSON(protocol.NewErrorResponse(frame.ID, "unauthorized", "invalid session"))
				continue
			}
			res, _ = protocol.NewResponse(frame.ID, map[string]bool{"ok": true})
		case protocol.MethodSelf:
			if b.dropSelf {
				return
			}
			res, _ = protocol.NewResponse(frame.ID, protocol.Identity{UserID: 77, Username: "partner"})
			if err := conn.WriteJSON(res); err != nil {
				return
			}
			for _, ev := range b.events {
				out, _ := protocol.NewEvent(protocol.EventMessage, ev)
				if err := conn.WriteJSON(out); err != nil {
					return
				}
			}
			continue
		case protocol.MethodEditMessage:
			var params protocol.EditMessageParams
			_ = frame.DecodePayload(&params)
			b.mu.Lock()
			b.edits = append(b.edits, params)
			b.mu.Unlock()
			res, _ = protocol.NewResponse(frame.ID, nil)
		case protocol.MethodSendMessage:
			res, _ = protocol.NewResponse(frame.ID, protocol.SendMessageResult{MessageID: 501})
		default:
			res = protocol.NewErrorResponse(frame.ID, "unknown_method", frame.Method)
		}
		if err := conn.WriteJSON(res); err != nil {
			return
		}
	}
}

func startBridge(t *testing.T, b *fakeBridge) string {
	t.Helper()
	b.t = t
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSClientConnectMessagesAndClose(t *testing.T) {
	bridge := &fakeBridge{
		session: "secret-session",
		events:  []protocol.MessageEvent{{ChatID: 42, MessageID: 9, FromSelf: true, Text: ".ask hi"}},
	}
	url := startBridge(t, bridge)

	c, err := NewWSClient(url, "secret-session", "test", zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ident, err := c.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(77), ident.UserID)

	select {
	case msg := <-c.Messages():
		assert.Equal(t, int64(42), msg.ChatID)
		assert.Equal(t, ".ask hi", msg.Text)
		assert.True(t, msg.FromSelf)
	case <-ctx.Done():
		t.Fatal("timed out waiting for message event")
	}

	require.NoError(t, c.EditMessage(ctx, 42, 9, "Envo is thinking..."))
	id, err := c.SendMessage(ctx, 42, "hello")
	require.NoError(t, err)
	assert.Equal(t, int64(501), id)
	require.Len(t, bridge.Edits(), 1)
	assert.Equal(t, "Envo is thinking...", bridge.Edits()[0].Text)

	require.NoError(t, c.Close(ctx))
	require.NoError(t, c.Close(ctx))
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
	assert.NoError(t, c.Err())
	assert.ErrorIs(t, c.EditMessage(ctx, 42, 9, "late"), ErrClosed)
}

func TestWSClientConnectRejectsBadSession(t *testing.T) {
	url := startBridge(t, &fakeBridge{session: "right"})
	c, err := NewWSClient(url, "wrong", "test", zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = c.Connect(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")

	select {
	case <-c.Done():
	case <-ctx.Done():
		t.Fatal("client not torn down after failed connect")
	}
}

func TestWSClientReportsAbnormalTermination(t *testing.T) {
	url := startBridge(t, &fakeBridge{session: "s", dropSelf: true})
	c, err := NewWSClient(url, "s", "test", zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = c.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrClosed), "err = %v", err)
}

func TestWSClientDetectsDroppedConnection(t *testing.T) {
	var serverConn *websocket.Conn
	ready := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frame, _ := protocol.ParseFrame(data)
			res, _ := protocol.NewResponse(frame.ID, protocol.Identity{UserID: 1})
			_ = conn.WriteJSON(res)
			if frame.Method == protocol.MethodSelf {
				serverConn = conn
				close(ready)
				return
			}
		}
	}))
	defer srv.Close()

	c, err := NewWSClient("ws"+strings.TrimPrefix(srv.URL, "http"), "s", "test", zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = c.Connect(ctx)
	require.NoError(t, err)

	<-ready
	_ = serverConn.Close()

	select {
	case <-c.Done():
	case <-ctx.Done():
		t.Fatal("Done not closed after peer dropped")
	}
	assert.ErrorIs(t, c.Err(), ErrClosed)
	assert.NoError(t, c.Close(ctx))
}

func TestNewWSClientValidatesURL(t *testing.T) {
	_, err := NewWSClient("", "s", "v", nil, nil)
	assert.Error(t, err)
	_, err = NewWSClient("http://example.test", "s", "v", nil, nil)
	assert.Error(t, err)
}

func TestCloseBeforeConnect(t *testing.T) {
	c, err := NewWSClient("ws://127.0.0.1:1/bridge", "s", "v", nil, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close(context.Background()))
	<-c.Done()
	_, err = c.Connect(context.Background())
	assert.Error(t, err)
}
