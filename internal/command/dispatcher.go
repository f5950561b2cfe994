package command

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ent0n29/envo/internal/ai"
	"github.com/ent0n29/envo/internal/botapi"
	"github.com/ent0n29/envo/internal/chat"
	"github.com/ent0n29/envo/internal/observability"
	"github.com/ent0n29/envo/internal/policy"
	"github.com/ent0n29/envo/internal/session"
)

const (
	DefaultPrefix      = "."
	DefaultConcurrency = 8

	ThinkingMessage = "Envo is thinking..."
	ForgetMessage   = "My memory of this conversation has been cleared."

	// MaxMessageLength is the longest text a single edit may carry.
	MaxMessageLength = botapi.MaxMessageLength

	editTimeout = 15 * time.Second
)

type Name string

const (
	NameAsk    Name = "ask"
	NameForget Name = "forget"
)

type Command struct {
	Name Name
	Args string
}

// Parse recognizes "<prefix>ask <prompt>" and "<prefix>forget". Command
// names are case-insensitive; anything else is not a command.
func Parse(text, prefix string) (Command, bool) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	text = strings.TrimLeftFunc(text, unicode.IsSpace)
	if !strings.HasPrefix(text, prefix) {
		return Command{}, false
	}
	rest := text[len(prefix):]

	word, args := rest, ""
	if i := strings.IndexFunc(rest, unicode.IsSpace); i >= 0 {
		word, args = rest[:i], strings.TrimSpace(rest[i:])
	}

	switch Name(strings.ToLower(word)) {
	case NameAsk:
		return Command{Name: NameAsk, Args: args}, true
	case NameForget:
		return Command{Name: NameForget}, true
	default:
		return Command{}, false
	}
}

// UsageMessage is the reply for an ask command without a prompt.
func UsageMessage(prefix string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return fmt.Sprintf("Usage: %sask <your question>", prefix)
}

// Responder answers a prompt within a conversation session.
type Responder interface {
	Respond(ctx context.Context, sess *session.Session, prompt ai.Prompt) string
}

type Config struct {
	Prefix      string
	Concurrency int
}

// Dispatcher routes self-authored chat commands. Every message is handled on
// its own goroutine; at most Concurrency of them run at once.
type Dispatcher struct {
	prefix   string
	sessions *session.Store
	gateway  Responder
	sem      *semaphore.Weighted
	logger   *zap.Logger
	metrics  *observability.Metrics
	wg       sync.WaitGroup
}

func NewDispatcher(cfg Config, sessions *session.Store, gateway Responder, logger *zap.Logger, metrics *observability.Metrics) *Dispatcher {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		prefix:   cfg.Prefix,
		sessions: sessions,
		gateway:  gateway,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		logger:   logger.Named("dispatch"),
		metrics:  metrics,
	}
}

func (d *Dispatcher) HandleMessage(ctx context.Context, m chat.Messenger, msg chat.Message) {
	if !msg.FromSelf {
		return
	}
	cmd, ok := Parse(msg.Text, d.prefix)
	if !ok {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.sem.Acquire(ctx, 1); err != nil {
			d.metrics.ObserveCommand(string(cmd.Name), "dropped")
			return
		}
		defer d.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				d.metrics.ObserveCommand(string(cmd.Name), "panic")
				d.logger.Error("command handler panic",
					zap.String("command", string(cmd.Name)),
					zap.Int64("chat_id", msg.ChatID),
					zap.Any("panic", r),
				)
			}
		}()
		d.execute(ctx, m, msg, cmd)
	}()
}

// Wait blocks until in-flight commands finish or ctx expires.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) execute(ctx context.Context, m chat.Messenger, msg chat.Message, cmd Command) {
	key := strconv.FormatInt(msg.ChatID, 10)
	switch cmd.Name {
	case NameAsk:
		if cmd.Args == "" {
			d.edit(ctx, m, msg, UsageMessage(d.prefix))
			d.metrics.ObserveCommand(string(cmd.Name), "usage")
			return
		}
		d.edit(ctx, m, msg, ThinkingMessage)
		d.logger.Debug("ask",
			zap.String("conversation_key", key),
			zap.String("prompt_preview", policy.Preview(cmd.Args, 80)),
		)
		sess := d.sessions.GetOrCreate(key)
		d.metrics.SetActiveSessions(d.sessions.Len())
		reply := d.gateway.Respond(ctx, sess, ai.TextPrompt(cmd.Args))
		d.metrics.ObserveCommand(string(cmd.Name), d.deliver(ctx, m, msg, reply))
	case NameForget:
		existed := d.sessions.Forget(key)
		d.metrics.SetActiveSessions(d.sessions.Len())
		d.metrics.ObserveSessionEvent("forget")
		d.logger.Info("conversation forgotten", zap.String("conversation_key", key), zap.Bool("existed", existed))
		outcome := "ok"
		if !d.edit(ctx, m, msg, ForgetMessage) {
			outcome = "edit_error"
		}
		d.metrics.ObserveCommand(string(cmd.Name), outcome)
	}
}

// deliver puts reply in place of the command message. Text beyond the edit
// limit follows as new messages. If the reply cannot be edited in, the
// message is replaced with the apology so it never stays on the thinking
// placeholder.
func (d *Dispatcher) deliver(ctx context.Context, m chat.Messenger, msg chat.Message, reply string) string {
	chunks := botapi.SplitText(reply, MaxMessageLength)
	if !d.edit(ctx, m, msg, chunks[0]) {
		d.edit(ctx, m, msg, ai.ApologyMessage)
		return "edit_error"
	}
	for _, chunk := range chunks[1:] {
		sendCtx, cancel := context.WithTimeout(ctx, editTimeout)
		_, err := m.SendMessage(sendCtx, msg.ChatID, chunk)
		cancel()
		if err != nil {
			d.logger.Warn("send reply continuation failed",
				zap.Int64("chat_id", msg.ChatID),
				zap.Error(err),
			)
			return "send_error"
		}
	}
	return "ok"
}

// edit replaces the command message text. Failures are logged only.
func (d *Dispatcher) edit(ctx context.Context, m chat.Messenger, msg chat.Message, text string) bool {
	editCtx, cancel := context.WithTimeout(ctx, editTimeout)
	defer cancel()
	if err := m.EditMessage(editCtx, msg.ChatID, msg.MessageID, text); err != nil {
		d.logger.Warn("edit message failed",
			zap.Int64("chat_id", msg.ChatID),
			zap.Int64("message_id", msg.MessageID),
			zap.Error(err),
		)
		return false
	}
	return true
}
