package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ent0n29/envo/internal/ai"
	"github.com/ent0n29/envo/internal/httpapi"
	"github.com/ent0n29/envo/internal/observability"
)

type echoResponder struct{ metrics *observability.Metrics }

func (e echoResponder) RespondPersisted(_ context.Context, _ string, p ai.Prompt) string {
	e.metrics.ObserveStage(observability.StageBackendCall, 5*time.Millisecond)
	return "echo: " + p.Text()
}

func (echoResponder) ForgetPersisted(context.Context, string) (bool, error) { return true, nil }

type nopBot struct{ sent atomic.Int64 }

func (b *nopBot) SendMessage(context.Context, int64, string) error {
	b.sent.Add(1)
	return nil
}

func (*nopBot) DownloadByID(context.Context, string) ([]byte, error) { return nil, nil }

func TestRunAgainstWebhook(t *testing.T) {
	metrics := observability.NewMetrics("test_perfrelay", nil)
	bot := &nopBot{}
	hook := httpapi.NewWebhook(httpapi.WebhookConfig{Secret: "s", RatePerMinute: 600, Burst: 10}, echoResponder{metrics}, bot, nil, metrics)
	srv := httptest.NewServer(httpapi.New(httpapi.Options{Metrics: metrics, Webhook: hook}).Router())
	defer srv.Close()

	var out bytes.Buffer
	err := run(context.Background(), options{
		baseURL:     srv.URL,
		secret:      "s",
		chatID:      1,
		turns:       3,
		turnTimeout: 5 * time.Second,
		texts:       []string{"a", "b"},
	}, &out)
	if err != nil {
		t.Fatalf("run() error = %v\n%s", err, out.String())
	}
	if got := bot.sent.Load(); got != 3 {
		t.Fatalf("replies sent = %d, want 3", got)
	}
	if !strings.Contains(out.String(), "server backend_call samples=3") {
		t.Fatalf("output missing server stage line:\n%s", out.String())
	}
}

func TestRunReportsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := run(context.Background(), options{baseURL: srv.URL, turns: 2, turnTimeout: time.Second, texts: defaultPrompts}, &out)
	if err == nil {
		t.Fatalf("run() expected error for rejected updates")
	}
}

func TestSinkCountsReplies(t *testing.T) {
	var replies atomic.Int64
	srv := httptest.NewServer(sinkHandler(&replies))
	defer srv.Close()

	res, err := http.Post(srv.URL+"/botTOKEN/sendMessage", "application/json", strings.NewReader(`{"chat_id":1,"text":"x"}`))
	if err != nil {
		t.Fatalf("POST sink error = %v", err)
	}
	res.Body.Close()
	if replies.Load() != 1 {
		t.Fatalf("replies = %d, want 1", replies.Load())
	}
}

func TestSummarize(t *testing.T) {
	lat := []time.Duration{30 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	s := summarize(lat, 1)
	if s.Turns != 5 || s.Failed != 1 {
		t.Fatalf("turns/failed = %d/%d, want 5/1", s.Turns, s.Failed)
	}
	if s.P50MS != 20 || s.P95MS != 40 || s.MaxMS != 40 {
		t.Fatalf("summary = %+v, want p50=20 p95=40 max=40", s)
	}
	if got := summarize(nil, 2); got.P95MS != 0 || got.Turns != 2 {
		t.Fatalf("empty summary = %+v", got)
	}
}

func TestSplitTexts(t *testing.T) {
	got := splitTexts(" one | |two ")
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Fatalf("splitTexts() = %q", got)
	}
	if len(splitTexts("| |")) != len(defaultPrompts) {
		t.Fatalf("blank input should fall back to defaults")
	}
}
