package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ent0n29/envo/internal/ai"
	"github.com/ent0n29/envo/internal/botapi"
	"github.com/ent0n29/envo/internal/command"
	"github.com/ent0n29/envo/internal/observability"
	"github.com/ent0n29/envo/internal/session"
)

const (
	SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

	defaultVoiceMIME = "audio/ogg"
	photoMIME        = "image/jpeg"
	limiterIdleTTL   = 30 * time.Minute
)

// PersistedResponder runs exchanges against durable per-chat history.
type PersistedResponder interface {
	RespondPersisted(ctx context.Context, key string, prompt ai.Prompt) string
	ForgetPersisted(ctx context.Context, key string) (bool, error)
}

// BotAPI is the outbound surface of the bot platform.
type BotAPI interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	DownloadByID(ctx context.Context, fileID string) ([]byte, error)
}

type WebhookConfig struct {
	Secret        string
	RatePerMinute int
	Burst         int
}

type chatLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Webhook handles Bot API updates delivered over HTTP.
type Webhook struct {
	responder PersistedResponder
	bot       BotAPI
	secret    string
	limit     rate.Limit
	burst     int
	logger    *zap.Logger
	metrics   *observability.Metrics

	mu       sync.Mutex
	limiters map[int64]*chatLimiter
	now      func() time.Time
}

func NewWebhook(cfg WebhookConfig, responder PersistedResponder, bot BotAPI, logger *zap.Logger, metrics *observability.Metrics) *Webhook {
	if logger == nil {
		logger = zap.NewNop()
	}
	perMinute := cfg.RatePerMinute
	if perMinute <= 0 {
		perMinute = 20
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}
	return &Webhook{
		responder: responder,
		bot:       bot,
		secret:    strings.TrimSpace(cfg.Secret),
		limit:     rate.Limit(float64(perMinute) / 60),
		burst:     burst,
		logger:    logger.Named("webhook"),
		metrics:   metrics,
		limiters:  make(map[int64]*chatLimiter),
		now:       time.Now,
	}
}

func (h *Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.secret != "" {
		got := r.Header.Get(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			h.metrics.ObserveWebhookUpdate("unknown", "unauthorized")
			respondError(w, http.StatusUnauthorized, "unauthorized", "invalid secret token")
			return
		}
	}

	var update botapi.Update
	if err := decodeJSON(r, &update); err != nil {
		h.metrics.ObserveWebhookUpdate("unknown", "bad_request")
		respondJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "error": "invalid update payload"})
		return
	}

	msg := update.Message
	if msg == nil {
		h.metrics.ObserveWebhookUpdate("ignored", "ok")
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	kind := updateKind(msg)

	if !h.allow(msg.Chat.ID) {
		h.metrics.ObserveWebhookUpdate(kind, "rate_limited")
		respondJSON(w, http.StatusTooManyRequests, map[string]string{"status": "error", "error": "rate limited"})
		return
	}

	if err := h.handle(r.Context(), msg, kind); err != nil {
		h.metrics.ObserveWebhookUpdate(kind, "error")
		h.logger.Error("webhook update failed",
			zap.Int64("update_id", update.UpdateID),
			zap.Int64("chat_id", msg.Chat.ID),
			zap.String("kind", kind),
			zap.Error(err),
		)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
		return
	}
	h.metrics.ObserveWebhookUpdate(kind, "ok")
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Webhook) handle(ctx context.Context, msg *botapi.Message, kind string) error {
	start := time.Now()
	defer func() { h.metrics.ObserveStage(observability.StageWebhookTotal, time.Since(start)) }()

	key := strconv.FormatInt(msg.Chat.ID, 10)
	switch kind {
	case "ignored":
		return nil
	case "forget":
		if _, err := h.responder.ForgetPersisted(ctx, key); err != nil {
			return err
		}
		return h.bot.SendMessage(ctx, msg.Chat.ID, command.ForgetMessage)
	}

	prompt, err := h.buildPrompt(ctx, msg)
	if err != nil {
		return err
	}
	reply := h.responder.RespondPersisted(ctx, key, prompt)
	if err := h.bot.SendMessage(ctx, msg.Chat.ID, reply); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

func (h *Webhook) buildPrompt(ctx context.Context, msg *botapi.Message) (ai.Prompt, error) {
	var prompt ai.Prompt
	if text := messageText(msg); text != "" {
		prompt = append(prompt, session.TextPart(text))
	}
	if photo, ok := msg.LargestPhoto(); ok {
		data, err := h.bot.DownloadByID(ctx, photo.FileID)
		if err != nil {
			return nil, fmt.Errorf("download photo: %w", err)
		}
		prompt = append(prompt, session.BlobPart(photoMIME, data))
	}
	if msg.Voice != nil {
		data, err := h.bot.DownloadByID(ctx, msg.Voice.FileID)
		if err != nil {
			return nil, fmt.Errorf("download voice: %w", err)
		}
		mime := strings.TrimSpace(msg.Voice.MIMEType)
		if mime == "" {
			mime = defaultVoiceMIME
		}
		prompt = append(prompt, session.BlobPart(mime, data))
	}
	if len(prompt) == 0 {
		return nil, errors.New("update carries no usable content")
	}
	return prompt, nil
}

func (h *Webhook) allow(chatID int64) bool {
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()

	cl, ok := h.limiters[chatID]
	if !ok {
		h.pruneLocked(now)
		cl = &chatLimiter{limiter: rate.NewLimiter(h.limit, h.burst)}
		h.limiters[chatID] = cl
	}
	cl.lastSeen = now
	return cl.limiter.AllowN(now, 1)
}

func (h *Webhook) pruneLocked(now time.Time) {
	for id, cl := range h.limiters {
		if now.Sub(cl.lastSeen) > limiterIdleTTL {
			delete(h.limiters, id)
		}
	}
}

func messageText(msg *botapi.Message) string {
	if t := strings.TrimSpace(msg.Text); t != "" {
		return t
	}
	return strings.TrimSpace(msg.Caption)
}

func updateKind(msg *botapi.Message) string {
	text := messageText(msg)
	switch {
	case isForget(text):
		return "forget"
	case len(msg.Photo) > 0:
		return "photo"
	case msg.Voice != nil:
		return "voice"
	case text != "":
		return "text"
	default:
		return "ignored"
	}
}

// isForget matches /forget and /forget@botname.
func isForget(text string) bool {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false
	}
	cmd, _, _ := strings.Cut(strings.ToLower(fields[0]), "@")
	return cmd == "/forget"
}
