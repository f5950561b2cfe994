package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/envo/internal/botapi"
	"github.com/ent0n29/envo/internal/httpapi"
	"github.com/ent0n29/envo/internal/observability"
)

type options struct {
	baseURL     string
	secret      string
	chatID      int64
	turns       int
	interTurn   time.Duration
	turnTimeout time.Duration
	sinkAddr    string
	texts       []string
	verbose     bool
}

type summary struct {
	Turns  int
	Failed int
	P50MS  float64
	P95MS  float64
	MaxMS  float64
}

var defaultPrompts = []string{
	"Reply in three words: latency bottleneck?",
	"Reply in three words: next optimization?",
	"Reply in three words: what did I ask first?",
	"Reply in three words: top risk?",
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "perfrelay: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	var textsRaw string
	cmd := &cobra.Command{
		Use:   "perfrelay",
		Short: "Replay synthetic webhook updates against a running envo and report latency",
		Long: `perfrelay posts Bot API updates to envo's /webhook, timing each round trip,
then prints the server-side latency window from /v1/perf/latency.

Replies are sent by envo to BOTAPI_BASE_URL. Point it at the sink perfrelay
starts on --sink-addr so no real messages are delivered.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.baseURL = strings.TrimRight(strings.TrimSpace(opts.baseURL), "/")
			if opts.baseURL == "" {
				return fmt.Errorf("base-url is required")
			}
			if opts.turns <= 0 {
				return fmt.Errorf("turns must be > 0")
			}
			opts.texts = defaultPrompts
			if strings.TrimSpace(textsRaw) != "" {
				opts.texts = splitTexts(textsRaw)
			}
			return run(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.baseURL, "base-url", "http://127.0.0.1:8080", "envo base URL")
	f.StringVar(&opts.secret, "secret", os.Getenv("WEBHOOK_SECRET"), "webhook secret token")
	f.Int64Var(&opts.chatID, "chat-id", 900001, "synthetic chat id")
	f.IntVar(&opts.turns, "turns", 10, "number of updates to replay")
	f.DurationVar(&opts.interTurn, "inter-turn", 200*time.Millisecond, "delay between updates")
	f.DurationVar(&opts.turnTimeout, "turn-timeout", 90*time.Second, "timeout per update")
	f.StringVar(&opts.sinkAddr, "sink-addr", "127.0.0.1:8099", "address for the Bot API sink (empty disables it)")
	f.StringVar(&textsRaw, "texts", "", "prompts separated by '|' (optional)")
	f.BoolVar(&opts.verbose, "verbose", true, "print replay progress")
	return cmd
}

func run(ctx context.Context, opts options, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var replies atomic.Int64
	if opts.sinkAddr != "" {
		stop, err := startSink(opts.sinkAddr, &replies)
		if err != nil {
			return fmt.Errorf("start bot api sink: %w", err)
		}
		defer stop()
		fmt.Fprintf(out, "perfrelay: bot api sink on http://%s (set BOTAPI_BASE_URL to it)\n", opts.sinkAddr)
	}

	client := &http.Client{Timeout: opts.turnTimeout}
	latencies := make([]time.Duration, 0, opts.turns)
	failed := 0
	for i := 0; i < opts.turns; i++ {
		text := opts.texts[i%len(opts.texts)]
		elapsed, err := postUpdate(ctx, client, opts, int64(i+1), text)
		if err != nil {
			failed++
			fmt.Fprintf(out, "perfrelay: turn %d/%d failed: %v\n", i+1, opts.turns, err)
		} else {
			latencies = append(latencies, elapsed)
			if opts.verbose {
				fmt.Fprintf(out, "perfrelay: turn %d/%d %q %s\n", i+1, opts.turns, text, elapsed.Round(time.Millisecond))
			}
		}
		if opts.interTurn > 0 && i < opts.turns-1 {
			time.Sleep(opts.interTurn)
		}
	}

	s := summarize(latencies, failed)
	fmt.Fprintf(out, "perfrelay: turns=%d failed=%d replies=%d p50=%.1fms p95=%.1fms max=%.1fms\n",
		s.Turns, s.Failed, replies.Load(), s.P50MS, s.P95MS, s.MaxMS)

	snap, err := fetchLatency(ctx, client, opts.baseURL)
	if err != nil {
		return fmt.Errorf("fetch server latency: %w", err)
	}
	for _, st := range snap.Stages {
		fmt.Fprintf(out, "perfrelay: server %s samples=%d p50=%.1fms p95=%.1fms target_p95=%.0fms\n",
			st.Stage, st.Samples, st.P50MS, st.P95MS, st.TargetP95MS)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d updates failed", failed, opts.turns)
	}
	return nil
}

func postUpdate(ctx context.Context, client *http.Client, opts options, updateID int64, text string) (time.Duration, error) {
	update := botapi.Update{
		UpdateID: updateID,
		Message: &botapi.Message{
			MessageID: updateID,
			Chat:      botapi.Chat{ID: opts.chatID, Type: "private"},
			Text:      text,
		},
	}
	body, err := json.Marshal(update)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.baseURL+"/webhook", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if opts.secret != "" {
		req.Header.Set(httpapi.SecretHeader, opts.secret)
	}

	start := time.Now()
	res, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
	elapsed := time.Since(start)
	if res.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(raw)))
	}
	return elapsed, nil
}

func fetchLatency(ctx context.Context, client *http.Client, baseURL string) (observability.LatencySnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/perf/latency", nil)
	if err != nil {
		return observability.LatencySnapshot{}, err
	}
	res, err := client.Do(req)
	if err != nil {
		return observability.LatencySnapshot{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return observability.LatencySnapshot{}, fmt.Errorf("status %d", res.StatusCode)
	}
	var snap observability.LatencySnapshot
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		return observability.LatencySnapshot{}, err
	}
	return snap, nil
}

// startSink serves just enough of the Bot API to accept envo's replies.
func startSink(addr string, replies *atomic.Int64) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: sinkHandler(replies), ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func sinkHandler(replies *atomic.Int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/sendMessage") {
			replies.Add(1)
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1}}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":false,"error_code":404,"description":"Not Found"}`))
	})
}

func summarize(latencies []time.Duration, failed int) summary {
	s := summary{Turns: len(latencies) + failed, Failed: failed}
	if len(latencies) == 0 {
		return s
	}
	ms := make([]float64, len(latencies))
	for i, d := range latencies {
		ms[i] = float64(d.Microseconds()) / 1000
	}
	sort.Float64s(ms)
	s.P50MS = percentile(ms, 0.50)
	s.P95MS = percentile(ms, 0.95)
	s.MaxMS = ms[len(ms)-1]
	return s
}

// percentile uses nearest-rank on sorted input.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q*float64(len(sorted))+0.999999) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func splitTexts(raw string) []string {
	var out []string
	for _, t := range strings.Split(raw, "|") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return defaultPrompts
	}
	return out
}
