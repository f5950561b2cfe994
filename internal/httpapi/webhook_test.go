package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ent0n29/envo/internal/ai"
	"github.com/ent0n29/envo/internal/command"
)

type recordingResponder struct {
	mu      sync.Mutex
	keys    []string
	prompts []ai.Prompt
	forgot  []string
}

func (r *recordingResponder) RespondPersisted(_ context.Context, key string, prompt ai.Prompt) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	r.prompts = append(r.prompts, prompt)
	return "reply to " + prompt.Text()
}

func (r *recordingResponder) ForgetPersisted(_ context.Context, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forgot = append(r.forgot, key)
	return true, nil
}

type fakeBot struct {
	mu      sync.Mutex
	sent    map[int64][]string
	files   map[string][]byte
	sendErr error
}

func (b *fakeBot) SendMessage(_ context.Context, chatID int64, text string) error {
	if b.sendErr != nil {
		return b.sendErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sent == nil {
		b.sent = make(map[int64][]string)
	}
	b.sent[chatID] = append(b.sent[chatID], text)
	return nil
}

func (b *fakeBot) DownloadByID(_ context.Context, fileID string) ([]byte, error) {
	data, ok := b.files[fileID]
	if !ok {
		return nil, errors.New("file not found")
	}
	return data, nil
}

func postUpdate(t *testing.T, h http.Handler, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func newTestWebhook(t *testing.T, cfg WebhookConfig, bot *fakeBot) (*Webhook, *recordingResponder) {
	t.Helper()
	responder := &recordingResponder{}
	return NewWebhook(cfg, responder, bot, zaptest.NewLogger(t), nil), responder
}

func TestWebhookTextUpdate(t *testing.T) {
	bot := &fakeBot{}
	h, responder := newTestWebhook(t, WebhookConfig{}, bot)

	rec := postUpdate(t, h, `{"update_id":1,"message":{"message_id":5,"chat":{"id":42},"text":"hello"}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, []string{"42"}, responder.keys)
	assert.Equal(t, []string{"reply to hello"}, bot.sent[42])
}

func TestWebhookPhotoWithCaption(t *testing.T) {
	bot := &fakeBot{files: map[string][]byte{"big": {1, 2, 3}}}
	h, responder := newTestWebhook(t, WebhookConfig{}, bot)

	body := `{"update_id":2,"message":{"message_id":6,"chat":{"id":9},"caption":"what is this",
		"photo":[{"file_id":"small","width":90,"height":90},{"file_id":"big","width":800,"height":600}]}}`
	rec := postUpdate(t, h, body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, responder.prompts, 1)
	prompt := responder.prompts[0]
	require.Len(t, prompt, 2)
	assert.Equal(t, "what is this", prompt[0].Text)
	assert.Equal(t, "image/jpeg", prompt[1].MIMEType)
	assert.Equal(t, []byte{1, 2, 3}, prompt[1].Data)
}

func TestWebhookVoiceDefaultsMIME(t *testing.T) {
	bot := &fakeBot{files: map[string][]byte{"v1": {9}}}
	h, responder := newTestWebhook(t, WebhookConfig{}, bot)

	rec := postUpdate(t, h, `{"update_id":3,"message":{"message_id":1,"chat":{"id":1},"voice":{"file_id":"v1"}}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, responder.prompts, 1)
	assert.Equal(t, "audio/ogg", responder.prompts[0][0].MIMEType)
}

func TestWebhookForget(t *testing.T) {
	bot := &fakeBot{}
	h, responder := newTestWebhook(t, WebhookConfig{}, bot)

	rec := postUpdate(t, h, `{"update_id":4,"message":{"message_id":1,"chat":{"id":77},"text":"/forget@envo_bot"}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"77"}, responder.forgot)
	assert.Empty(t, responder.prompts)
	assert.Equal(t, []string{command.ForgetMessage}, bot.sent[77])
}

func TestWebhookRejectsBadInput(t *testing.T) {
	h, _ := newTestWebhook(t, WebhookConfig{Secret: "s3cret"}, &fakeBot{})

	rec := postUpdate(t, h, `{"update_id":1}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postUpdate(t, h, `{not json`, map[string]string{SecretHeader: "s3cret"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postUpdate(t, h, `{"update_id":1}`, map[string]string{SecretHeader: "s3cret"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookFailuresReturn500(t *testing.T) {
	bot := &fakeBot{sendErr: errors.New("bot api down")}
	h, _ := newTestWebhook(t, WebhookConfig{}, bot)

	rec := postUpdate(t, h, `{"update_id":1,"message":{"message_id":1,"chat":{"id":1},"text":"hi"}}`, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"error"`)

	bot.sendErr = nil
	rec = postUpdate(t, h, `{"update_id":2,"message":{"message_id":1,"chat":{"id":1},"photo":[{"file_id":"gone","width":1,"height":1}]}}`, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWebhookRateLimitsPerChat(t *testing.T) {
	bot := &fakeBot{}
	h, _ := newTestWebhook(t, WebhookConfig{RatePerMinute: 1, Burst: 2}, bot)
	now := time.Unix(1_700_000_000, 0)
	h.now = func() time.Time { return now }

	update := `{"update_id":1,"message":{"message_id":1,"chat":{"id":5},"text":"hi"}}`
	assert.Equal(t, http.StatusOK, postUpdate(t, h, update, nil).Code)
	assert.Equal(t, http.StatusOK, postUpdate(t, h, update, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, postUpdate(t, h, update, nil).Code)

	other := `{"update_id":2,"message":{"message_id":1,"chat":{"id":6},"text":"hi"}}`
	assert.Equal(t, http.StatusOK, postUpdate(t, h, other, nil).Code)

	now = now.Add(time.Minute)
	assert.Equal(t, http.StatusOK, postUpdate(t, h, update, nil).Code)
}

func TestWebhookMountedOnRouter(t *testing.T) {
	bot := &fakeBot{}
	h, _ := newTestWebhook(t, WebhookConfig{}, bot)
	srv := New(Options{Webhook: h})

	rec := postUpdate(t, srv.Router(), `{"update_id":1,"message":{"message_id":1,"chat":{"id":3},"text":"ping"}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"reply to ping"}, bot.sent[3])
}
