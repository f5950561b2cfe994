package chat

import (
	"context"
	"errors"

	"github.com/ent0n29/envo/internal/protocol"
)

var (
	ErrClosed       = errors.New("chat connection closed")
	ErrNotConnected = errors.New("chat connection not established")
)

type (
	Identity = protocol.Identity
	Message  = protocol.MessageEvent
)

// Messenger is the outbound half of a chat connection.
type Messenger interface {
	EditMessage(ctx context.Context, chatID, messageID int64, text string) error
	SendMessage(ctx context.Context, chatID int64, text string) (int64, error)
}

// Handler consumes inbound messages. Implementations must not block the
// caller for the duration of an AI exchange.
type Handler interface {
	HandleMessage(ctx context.Context, m Messenger, msg Message)
}

type HandlerFunc func(ctx context.Context, m Messenger, msg Message)

func (f HandlerFunc) HandleMessage(ctx context.Context, m Messenger, msg Message) {
	f(ctx, m, msg)
}

// Client is a persistent connection to the chat network.
//
// Done is closed when the connection terminates, and Err then reports nil for
// a requested close or the cause of an abnormal termination. Messages may be
// closed at the same time; consumers should watch Done.
type Client interface {
	Messenger
	Connect(ctx context.Context) (Identity, error)
	Messages() <-chan Message
	Done() <-chan struct{}
	Err() error
	Close(ctx context.Context) error
}
