package relay

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaycore/tv-delta-relay/internal/cache"
	"github.com/relaycore/tv-delta-relay/internal/chain"
	"github.com/relaycore/tv-delta-relay/internal/metrics"
	"github.com/relaycore/tv-delta-relay/internal/queue"
)

// Server wires the webhook dispatcher (C7) to the per-key queue (C5)
// and the chain coordinator (C6), and exposes the HTTP routes named in
// spec §6 (component C8 in SPEC_FULL.md). Routing stays on the
// standard library ServeMux, the teacher's own choice in main.go for
// its (smaller) route set.
type Server struct {
	log            zerolog.Logger
	queue          *queue.Manager
	chainMgr       *chain.Manager
	seen           *cache.SeenSet
	webhookToken   string
	strictSequence bool
	dispatchWait   time.Duration
}

func NewServer(log zerolog.Logger, q *queue.Manager, c *chain.Manager, seen *cache.SeenSet, webhookToken string, strictSequence bool) *Server {
	return &Server{
		log:            log.With().Str("component", "relay.server").Logger(),
		queue:          q,
		chainMgr:       c,
		seen:           seen,
		webhookToken:   webhookToken,
		strictSequence: strictSequence,
		dispatchWait:   60 * time.Second,
	}
}

// Routes builds the ServeMux the teacher's main.go installs onto its
// http.Server.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/tv", s.handleWebhook)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/debug/seen", s.handleDebugSeen)
	mux.HandleFunc("/debug/chain", s.handleDebugChain)
	return mux
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.New().String()
	log := s.log.With().Str("request_id", reqID).Logger()

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.webhookToken != "" {
		got := r.Header.Get("x-webhook-token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.webhookToken)) != 1 {
			metrics.WebhookRequestsTotal.WithLabelValues("unauthorized").Inc()
			w.WriteHeader(http.StatusUnauthorized)
			writeJSON(w, map[string]any{"ok": false, "error": "unauthorized"})
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		metrics.WebhookRequestsTotal.WithLabelValues("error").Inc()
		writeStatus(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "could not read body"})
		return
	}

	msg, err := ParseMessage(body, s.strictSequence)
	if err != nil {
		var ignored *ignoredMessage
		var drop *chain.SequencingDrop
		var validation *chain.ValidationError
		switch {
		case errors.As(err, &ignored):
			metrics.WebhookRequestsTotal.WithLabelValues("ignored").Inc()
			writeJSON(w, map[string]any{"ok": true, "ignored": ignored.reason})
		case errors.As(err, &drop):
			metrics.WebhookRequestsTotal.WithLabelValues("ignored").Inc()
			writeJSON(w, map[string]any{"ok": true, "ignored": drop.Reason})
		case errors.As(err, &validation):
			metrics.WebhookRequestsTotal.WithLabelValues("error").Inc()
			writeStatus(w, http.StatusBadRequest, map[string]any{"ok": false, "error": validation.Error()})
		default:
			metrics.WebhookRequestsTotal.WithLabelValues("error").Inc()
			writeStatus(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		}
		return
	}

	key := queueKey(msg)
	log.Debug().Str("queue_key", key).Str("action", string(msg.Action)).Str("sig_id", msg.SigID).Msg("dispatching")

	resultCh := make(chan chain.Result, 1)
	s.queue.Enqueue(key, func() {
		ctx, cancel := newDispatchContext(s.dispatchWait)
		defer cancel()
		resultCh <- s.chainMgr.Dispatch(ctx, msg)
	})

	select {
	case <-r.Context().Done():
		writeStatus(w, http.StatusGatewayTimeout, map[string]any{"ok": false, "error": "client disconnected"})
	case result := <-resultCh:
		s.respondResult(w, result)
	}
}

func (s *Server) respondResult(w http.ResponseWriter, result chain.Result) {
	for _, step := range result.Progressed {
		metrics.ChainStepsTotal.WithLabelValues(step).Inc()
	}

	if result.Err != nil {
		metrics.WebhookRequestsTotal.WithLabelValues("error").Inc()
		writeStatus(w, http.StatusBadRequest, map[string]any{"ok": false, "error": result.Err.Error()})
		return
	}

	switch result.Status {
	case "dedup":
		metrics.WebhookRequestsTotal.WithLabelValues("dedup").Inc()
		writeJSON(w, map[string]any{"ok": true, "dedup": true})
	case "queued":
		metrics.WebhookRequestsTotal.WithLabelValues("queued").Inc()
		writeJSON(w, map[string]any{"ok": true, "queued": result.Queued, "have": result.Have, "did": result.Did, "progressed": result.Progressed})
	default:
		metrics.WebhookRequestsTotal.WithLabelValues("ok").Inc()
		writeJSON(w, map[string]any{
			"ok":         true,
			"status":     result.Status,
			"have":       result.Have,
			"did":        result.Did,
			"progressed": result.Progressed,
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"ok": true})
}

func (s *Server) handleDebugSeen(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"seen": s.seen.Snapshot(), "count": s.seen.Len()})
}

func (s *Server) handleDebugChain(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"chains": s.chainMgr.Snapshot()})
}

// queueKey implements spec §4.5's key derivation.
func queueKey(msg chain.Message) string {
	if msg.Scope == "ALL" || msg.CloseAll {
		return "GLOBAL"
	}
	return "SYM:" + msg.ProductSymbol
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
