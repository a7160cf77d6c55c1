// Package api is the thin HTTP binding over the Request Coordinator's
// Submit/Stream/Fetch surface (spec.md §6, "Surface exposed to the
// outside"). The wire protocol itself — auth, rate limiting, the
// rendering layer a caller sits behind — is explicitly out of scope
// (spec.md §1); this package only turns the three named operations into
// HTTP, the same minimal-binding role the teacher's proxy.go plays for its
// own request path.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ai-privacy-router/internal/coordinator"
	"ai-privacy-router/internal/logger"
	"ai-privacy-router/internal/model"
)

// Server exposes Submit/Stream/Fetch over HTTP.
type Server struct {
	cfg   Config
	coord *coordinator.Coordinator
	log   *logger.Logger
}

// Config carries the process-wide defaults a Submit request falls back to
// when it omits its own policy (spec.md §6's configuration table).
type Config struct {
	BindAddress string
	Port        int
	Policy      coordinator.Policy
}

// New returns a Server wrapping coord.
func New(cfg Config, coord *coordinator.Coordinator, log *logger.Logger) *Server {
	return &Server{cfg: cfg, coord: coord, log: log}
}

// Handler returns the HTTP handler for the external query surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/query", s.handleSubmit)
	mux.HandleFunc("/v1/requests/", s.handleRequestPath)
	return mux
}

// ListenAndServe starts the external query API.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.Port)
	s.log.Infof("api_listen", "listening on %s", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

type submitRequest struct {
	Query  string          `json:"query"`
	Policy *policyOverride `json:"policy,omitempty"`
}

// policyOverride lets a caller narrow select policy knobs per-request
// without re-stating every field in Config.Policy (spec.md §6: "Submit:
// accepts {query, policy?}").
type policyOverride struct {
	MaxFragments    *int    `json:"maxFragments,omitempty"`
	MaxInFlight     *int    `json:"maxInFlight,omitempty"`
	TotalDeadlineMs *int64  `json:"totalDeadlineMs,omitempty"`
	Retries         *int    `json:"retries,omitempty"`
	PrivacyLevel    *string `json:"privacyLevel,omitempty"`
}

type submitResponse struct {
	RequestID string `json:"requestId"`
}

// handleSubmit implements Submit: accepts {query, policy?}, returns
// {requestId} immediately — the Coordinator runs asynchronously.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 64*1024)
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Query) == "" {
		http.Error(w, `invalid request: need {"query":"..."}`, http.StatusBadRequest)
		return
	}

	policy := applyOverride(s.cfg.Policy, req.Policy)
	requestID := s.coord.Submit(context.Background(), req.Query, policy)
	writeJSON(w, http.StatusAccepted, submitResponse{RequestID: requestID})
}

func applyOverride(base coordinator.Policy, o *policyOverride) coordinator.Policy {
	if o == nil {
		return base
	}
	p := base
	if o.MaxFragments != nil {
		p.MaxFragments = *o.MaxFragments
	}
	if o.MaxInFlight != nil {
		p.MaxInFlight = *o.MaxInFlight
	}
	if o.TotalDeadlineMs != nil {
		p.TotalDeadline = time.Duration(*o.TotalDeadlineMs) * time.Millisecond
	}
	if o.Retries != nil {
		p.Retries = *o.Retries
	}
	return p
}

// handleRequestPath dispatches /v1/requests/{id} (Fetch) and
// /v1/requests/{id}/stream (Stream) by path suffix, avoiding a router
// dependency for two routes — the same bare-ServeMux style the teacher's
// management.go uses.
func (s *Server) handleRequestPath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/requests/")
	if rest == "" {
		http.NotFound(w, r)
		return
	}
	if id, ok := strings.CutSuffix(rest, "/stream"); ok {
		s.handleStream(w, r, id)
		return
	}
	s.handleFetch(w, r, rest)
}

type fetchResponse struct {
	Status     string                    `json:"status"`
	Result     *model.AggregatedResponse `json:"result,omitempty"`
	OK         *bool                     `json:"ok,omitempty"`
	ErrorKind  model.ErrorKind           `json:"errorKind,omitempty"`
	ErrorMsg   string                    `json:"errorMessage,omitempty"`
}

// handleFetch implements Fetch: given requestId, returns the
// AggregatedResponse once available; before that it returns a "still
// processing" status.
func (s *Server) handleFetch(w http.ResponseWriter, _ *http.Request, requestID string) {
	agg, terminal, ok := s.coord.Fetch(requestID)
	if !ok {
		http.Error(w, "unknown request id", http.StatusNotFound)
		return
	}
	if terminal == nil {
		writeJSON(w, http.StatusOK, fetchResponse{Status: "PROCESSING"})
		return
	}
	resp := fetchResponse{Status: "COMPLETE", OK: &terminal.OK}
	if terminal.OK {
		resp.Result = agg
	} else {
		resp.Status = "FAILED"
		if terminal.Error != nil {
			resp.ErrorKind = terminal.Error.Kind
			resp.ErrorMsg = terminal.Error.Message
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStream implements Stream over Server-Sent Events: given requestId,
// streams ProgressEvents until a terminal event. Reconnecting clients
// receive buffered events up to the Bus's maxReplay, matching spec.md §6.
// The event-framing shape (event: TYPE\ndata: JSON\n\n, explicit Flush per
// event) is grounded on itsneelabh-gomind/ui/transports/sse/sse.go.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, requestID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sub := s.coord.Subscribe(requestID)
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case ev, open := <-sub.Events:
			if !open {
				return
			}
			if err := writeSSEEvent(w, flusher, ev); err != nil {
				return
			}
			if ev.Stage == model.StageComplete || ev.Stage == model.StageFailed {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, ev model.ProgressEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Stage, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
