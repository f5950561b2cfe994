package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ent0n29/envo/internal/observability"
	"github.com/ent0n29/envo/internal/supervisor"
)

const (
	LivenessUpMessage   = "Envo Userbot is connected and running."
	LivenessDownMessage = "Envo Userbot is not connected."
)

// StatusSource is anything that can report the runtime lifecycle.
type StatusSource interface {
	Status() supervisor.Status
}

// Liveness is the externally visible health of the chat runtime.
type Liveness struct {
	Ready    bool   `json:"ready"`
	State    string `json:"state"`
	Detail   string `json:"detail"`
	Identity string `json:"identity,omitempty"`
}

// Reporter turns the supervisor status into a liveness answer. It only
// reads the status snapshot and never blocks.
type Reporter struct {
	source StatusSource
}

func NewReporter(source StatusSource) *Reporter {
	return &Reporter{source: source}
}

func (r *Reporter) Status() Liveness {
	if r == nil || r.source == nil {
		return Liveness{State: string(supervisor.StateCreated), Detail: "runtime not configured"}
	}
	st := r.source.Status()
	out := Liveness{
		Ready:  st.Ready(),
		State:  string(st.State),
		Detail: st.String(),
	}
	if st.Ready() {
		out.Identity = st.Identity.String()
	}
	return out
}

// RuntimeInfo describes the wiring for the status endpoint.
type RuntimeInfo struct {
	Version        string
	ChatMode       string
	AIBackend      string
	StoreMode      string
	WebhookEnabled bool
	ActiveSessions func() int
}

type Options struct {
	Reporter *Reporter
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
	Webhook  http.Handler
	Info     RuntimeInfo
	Logger   *zap.Logger
}

type Server struct {
	reporter *Reporter
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	webhook  http.Handler
	info     RuntimeInfo
	logger   *zap.Logger
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		reporter: opts.Reporter,
		metrics:  opts.Metrics,
		gatherer: opts.Gatherer,
		webhook:  opts.Webhook,
		info:     opts.Info,
		logger:   logger.Named("httpapi"),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleLiveness)
	r.Head("/", s.handleLiveness)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler(s.gatherer).ServeHTTP(w, r)
	})
	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	if s.webhook != nil {
		r.Method(http.MethodPost, "/webhook", s.webhook)
	}
	return r
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	live := s.reporter.Status()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if live.Ready {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(LivenessUpMessage))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(LivenessDownMessage + "\n" + live.Detail))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": s.info.StoreMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	live := s.reporter.Status()
	status := http.StatusOK
	label := "ready"
	if !live.Ready {
		status = http.StatusServiceUnavailable
		label = "not_ready"
	}
	respondJSON(w, status, map[string]any{
		"status":   label,
		"ready":    live.Ready,
		"detail":   live.Detail,
		"identity": live.Identity,
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
