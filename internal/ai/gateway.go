package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ent0n29/envo/internal/memory"
	"github.com/ent0n29/envo/internal/observability"
	"github.com/ent0n29/envo/internal/policy"
	"github.com/ent0n29/envo/internal/reliability"
	"github.com/ent0n29/envo/internal/session"
)

const (
	DefaultMaxPromptLength = 4096
	DefaultTimeout         = 60 * time.Second

	ApologyMessage     = "Sorry, an error occurred with Envo."
	EmptyPromptMessage = "Error: Prompt is empty."
)

var (
	ErrEmptyPrompt   = errors.New("prompt is empty")
	ErrPromptTooLong = errors.New("prompt exceeds maximum length")
)

// Prompt is the user input for one exchange: text and optional media parts.
type Prompt []session.Part

func TextPrompt(text string) Prompt {
	return Prompt{session.TextPart(text)}
}

// Text joins the text parts of the prompt.
func (p Prompt) Text() string {
	text, _ := splitParts(p)
	return text
}

func (p Prompt) empty() bool {
	for _, part := range p {
		if part.IsText() && strings.TrimSpace(part.Text) != "" {
			return false
		}
		if !part.IsText() && len(part.Data) > 0 {
			return false
		}
	}
	return true
}

// LengthErrorMessage is the reply for prompts longer than max runes.
func LengthErrorMessage(max int) string {
	return fmt.Sprintf("Error: Prompt exceeds the maximum length of %d characters.", max)
}

type GatewayConfig struct {
	MaxPromptLength int
	Timeout         time.Duration
}

// Gateway performs one backend call per exchange and turns every failure
// into a user-facing string.
type Gateway struct {
	backend   Backend
	history   memory.Store
	persona   session.Persona
	keys      *session.KeyMutex
	logger    *zap.Logger
	metrics   *observability.Metrics
	maxLength int
	timeout   time.Duration
}

func NewGateway(
	backend Backend,
	history memory.Store,
	persona session.Persona,
	cfg GatewayConfig,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Gateway {
	if cfg.MaxPromptLength <= 0 {
		cfg.MaxPromptLength = DefaultMaxPromptLength
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if history == nil {
		history = memory.NewInMemoryStore()
	}
	return &Gateway{
		backend:   backend,
		history:   history,
		persona:   persona,
		keys:      session.NewKeyMutex(),
		logger:    logger.Named("ai"),
		metrics:   metrics,
		maxLength: cfg.MaxPromptLength,
		timeout:   cfg.Timeout,
	}
}

func (g *Gateway) BackendName() string { return g.backend.Name() }

func (g *Gateway) MaxPromptLength() int { return g.maxLength }

// Validate reports ErrEmptyPrompt or ErrPromptTooLong. Length counts runes of
// the text parts only.
func (g *Gateway) Validate(prompt Prompt) error {
	if prompt.empty() {
		return ErrEmptyPrompt
	}
	if utf8.RuneCountInString(prompt.Text()) > g.maxLength {
		return ErrPromptTooLong
	}
	return nil
}

func (g *Gateway) rejection(prompt Prompt) (string, bool) {
	switch err := g.Validate(prompt); {
	case err == nil:
		return "", false
	case errors.Is(err, ErrPromptTooLong):
		return LengthErrorMessage(g.maxLength), true
	default:
		return EmptyPromptMessage, true
	}
}

// Respond runs one exchange against an in-memory session. On success the user
// turn and the model turn are appended; on any failure the session is left
// unchanged and an apology is returned.
func (g *Gateway) Respond(ctx context.Context, sess *session.Session, prompt Prompt) string {
	if msg, rejected := g.rejection(prompt); rejected {
		return msg
	}
	start := time.Now()
	var reply string
	err := sess.Exchange(func(history []session.Turn) ([]session.Turn, error) {
		out, err := g.generate(ctx, sess.Key, history, prompt)
		if err != nil {
			return nil, err
		}
		reply = out
		return exchangeTurns(prompt, out), nil
	})
	g.metrics.ObserveStage(observability.StageExchangeTotal, time.Since(start))
	if err != nil {
		g.metrics.ObserveOutcome("backend_error")
		return ApologyMessage
	}
	g.metrics.ObserveOutcome("ok")
	return reply
}

// RespondPersisted runs one exchange against the durable history for key.
// Exchanges for the same key are serialized within this process; concurrent
// writers in other processes follow last-write-wins.
func (g *Gateway) RespondPersisted(ctx context.Context, key string, prompt Prompt) string {
	if msg, rejected := g.rejection(prompt); rejected {
		return msg
	}
	unlock := g.keys.Lock(key)
	defer unlock()

	start := time.Now()
	defer func() { g.metrics.ObserveStage(observability.StageExchangeTotal, time.Since(start)) }()

	stored, err := g.history.Load(ctx, key)
	if err != nil {
		g.logger.Error("load conversation history failed",
			zap.String("conversation_key", key),
			zap.String("store", g.history.Mode()),
			zap.Error(err),
		)
		g.metrics.ObserveOutcome("store_error")
		return ApologyMessage
	}

	history := append(g.persona.Turns(), stored...)
	reply, err := g.generate(ctx, key, history, prompt)
	if err != nil {
		g.metrics.ObserveOutcome("backend_error")
		return ApologyMessage
	}

	stored = append(stored, exchangeTurns(withoutMedia(prompt), reply)...)
	if err := g.history.Save(ctx, key, stored); err != nil {
		g.logger.Error("save conversation history failed",
			zap.String("conversation_key", key),
			zap.String("store", g.history.Mode()),
			zap.Error(err),
		)
		g.metrics.ObserveOutcome("store_error")
		return reply
	}
	g.metrics.ObserveOutcome("ok")
	return reply
}

// ForgetPersisted deletes the durable history for key.
func (g *Gateway) ForgetPersisted(ctx context.Context, key string) (bool, error) {
	unlock := g.keys.Lock(key)
	defer unlock()
	existed, err := g.history.Delete(ctx, key)
	if err != nil {
		return false, fmt.Errorf("forget %s: %w", key, err)
	}
	return existed, nil
}

func (g *Gateway) generate(ctx context.Context, key string, history []session.Turn, prompt Prompt) (reply string, err error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ai backend panic: %v", r)
		}
		elapsed := time.Since(start)
		g.metrics.ObserveBackendLatency(elapsed)
		if err == nil {
			g.logger.Debug("ai reply generated",
				zap.String("conversation_key", key),
				zap.String("backend", g.backend.Name()),
				zap.Duration("elapsed", elapsed),
			)
			return
		}
		kind := reliability.Classify(err)
		g.metrics.ObserveBackendError(g.backend.Name(), string(kind))
		g.logger.Error("ai backend call failed",
			zap.String("conversation_key", key),
			zap.String("backend", g.backend.Name()),
			zap.String("kind", string(kind)),
			zap.String("prompt_preview", policy.Preview(prompt.Text(), 80)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
	}()

	reply, err = g.backend.Generate(callCtx, history, prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(reply) == "" {
		return "", ErrEmptyReply
	}
	return reply, nil
}

func exchangeTurns(prompt Prompt, reply string) []session.Turn {
	return []session.Turn{
		{Role: session.RoleUser, Parts: append([]session.Part(nil), prompt...)},
		session.TextTurn(session.RoleModel, reply),
	}
}

// withoutMedia swaps attached bytes for a short text note so durable history
// does not resend every earlier image or voice clip.
func withoutMedia(prompt Prompt) Prompt {
	out := make(Prompt, 0, len(prompt))
	for _, p := range prompt {
		if p.IsText() {
			out = append(out, p)
			continue
		}
		out = append(out, session.TextPart(fmt.Sprintf("[earlier %s attachment, %d bytes]", p.MIMEType, len(p.Data))))
	}
	return out
}
