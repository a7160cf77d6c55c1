// Package management provides a lightweight HTTP API for runtime inspection
// and configuration of the running router.
//
// Endpoints:
//
//	GET  /status            - router status, uptime, registered providers
//	GET  /metrics           - Prometheus exposition (delegates to internal/metrics)
//	GET  /providers         - list registered providers and their live state
//	POST /providers/add     - register a provider {"id":"...","capabilities":["general","code"]}
//	POST /providers/remove  - deregister a provider {"id":"..."}
//	POST /providers/health  - force a provider's health {"id":"...","healthy":true|false}, or
//	                          {"id":"...","healthy":null} to clear the override
package management

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"ai-privacy-router/internal/config"
	"ai-privacy-router/internal/logger"
	"ai-privacy-router/internal/metrics"
	"ai-privacy-router/internal/providerrouter"
)

// Server is the management API server, generalized from the teacher's
// AI-domain add/remove surface (management.go's DomainRegistry) to
// provider-registry add/remove/health-override — the same bearer-token auth
// and atomic persist-to-disk shape, applied to a different mutable set.
type Server struct {
	cfg         *config.Config
	startTime   time.Time
	registry    *providerrouter.Registry
	persistPath string
	token       string
	log         *logger.Logger
}

// persistedProvider is the on-disk shape for one registered provider,
// mirroring the teacher's plain-JSON domain list (management.go's
// loadFromDisk/persist) generalized from a bare string to one record per
// provider.
type persistedProvider struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities"`
}

// New creates a management server wrapping registry. If cfg.ProvidersPersistPath
// is non-empty and the file exists, its contents are loaded into registry
// before the server starts serving — the same "persisted overrides win over
// config defaults" rule the teacher's NewDomainRegistry applies.
func New(cfg *config.Config, registry *providerrouter.Registry, log *logger.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		startTime:   time.Now(),
		registry:    registry,
		persistPath: cfg.ProvidersPersistPath,
		token:       cfg.ManagementToken,
		log:         log,
	}
	if s.persistPath != "" {
		if providers, err := loadProvidersFromDisk(s.persistPath); err == nil {
			for _, p := range providers {
				registry.Add(providerrouter.Provider{ID: p.ID, Capabilities: p.Capabilities})
			}
			log.Infof("providers_load", "loaded %d providers from %s", len(providers), s.persistPath)
		} else if !os.IsNotExist(err) {
			log.Warnf("providers_load", "failed to load %s: %v (starting with an empty registry)", s.persistPath, err)
		}
	}
	if s.token != "" {
		log.Info("management_auth", "bearer token authentication enabled")
	}
	return s
}

func loadProvidersFromDisk(path string) ([]persistedProvider, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G703: path is a controlled config value, not user input
	if err != nil {
		return nil, err
	}
	var providers []persistedProvider
	if err := json.Unmarshal(data, &providers); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return providers, nil
}

// persist writes the registry's current provider list to disk atomically —
// temp file then rename, the same durability shape as the teacher's
// management.go persist.
func (s *Server) persist() {
	if s.persistPath == "" {
		return
	}
	snapshot := s.registry.Snapshot()
	providers := make([]persistedProvider, 0, len(snapshot))
	for _, snap := range snapshot {
		providers = append(providers, persistedProvider{ID: snap.Provider.ID, Capabilities: snap.Provider.Capabilities})
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i].ID < providers[j].ID })

	data, err := json.MarshalIndent(providers, "", "  ")
	if err != nil {
		s.log.Errorf("providers_persist", "marshal error: %v", err)
		return
	}

	dir := filepath.Dir(s.persistPath)
	tmp, err := os.CreateTemp(dir, ".providers-*.tmp")
	if err != nil {
		s.log.Errorf("providers_persist", "create temp: %v", err)
		return
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()        //nolint:errcheck // best-effort cleanup
		os.Remove(tmpName) //nolint:errcheck // #nosec G703 -- tmpName from os.CreateTemp, not user input
		s.log.Errorf("providers_persist", "write: %v", err)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName) //nolint:errcheck // #nosec G703 -- tmpName from os.CreateTemp, not user input
		s.log.Errorf("providers_persist", "close: %v", err)
		return
	}
	if err := os.Rename(tmpName, s.persistPath); err != nil { // #nosec G703 -- paths from trusted config
		os.Remove(tmpName) //nolint:errcheck // #nosec G703 -- tmpName from os.CreateTemp, not user input
		s.log.Errorf("providers_persist", "rename: %v", err)
		return
	}
}

// Handler returns the HTTP handler for the management API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/providers", s.handleListProviders)
	mux.HandleFunc("/providers/add", s.handleAddProvider)
	mux.HandleFunc("/providers/remove", s.handleRemoveProvider)
	mux.HandleFunc("/providers/health", s.handleSetHealth)
	return s.authMiddleware(mux)
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			s.log.Warnf("management_auth", "unauthorized access attempt from %s to %s", r.RemoteAddr, r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// validProviderID restricts provider IDs to a safe, log-friendly charset —
// the same defensive validation the teacher applies to domain names
// (validDomain), generalized from a DNS hostname shape to an opaque
// identifier shape.
func validProviderID(id string) bool {
	if len(id) == 0 || len(id) > 63 {
		return false
	}
	for i, r := range id {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if i == 0 && !isAlnum {
			return false
		}
		if !isAlnum && r != '_' && r != '-' {
			return false
		}
	}
	return true
}

type providerView struct {
	ID             string        `json:"id"`
	Capabilities   []string      `json:"capabilities"`
	Healthy        bool          `json:"healthy"`
	RollingLatency time.Duration `json:"rollingLatencyNs"`
	RollingCost    float64       `json:"rollingCost"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.registry.Snapshot()
	type response struct {
		Status    string `json:"status"`
		Uptime    string `json:"uptime"`
		APIPort   int    `json:"apiPort"`
		Providers int    `json:"registeredProviders"`
	}
	writeJSON(w, http.StatusOK, response{
		Status:    "running",
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		APIPort:   s.cfg.APIPort,
		Providers: len(snapshot),
	})
}

func (s *Server) handleListProviders(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.registry.Snapshot()
	out := make([]providerView, 0, len(snapshot))
	for _, snap := range snapshot {
		out = append(out, providerView{
			ID:             snap.Provider.ID,
			Capabilities:   snap.Provider.Capabilities,
			Healthy:        snap.Healthy,
			RollingLatency: snap.RollingLatency,
			RollingCost:    snap.RollingCost,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAddProvider(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 4096)
	var req struct {
		ID           string   `json:"id"`
		Capabilities []string `json:"capabilities"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		http.Error(w, `invalid request: need {"id":"...","capabilities":["..."]}`, http.StatusBadRequest)
		return
	}
	if !validProviderID(req.ID) {
		http.Error(w, "invalid provider id", http.StatusBadRequest)
		return
	}
	s.registry.Add(providerrouter.Provider{ID: req.ID, Capabilities: req.Capabilities})
	s.persist()
	s.log.Infof("management_provider_add", "added provider %s capabilities=%v", req.ID, req.Capabilities)
	writeJSON(w, http.StatusOK, map[string]string{"added": req.ID})
}

func (s *Server) handleRemoveProvider(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1024)
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		http.Error(w, `invalid request: need {"id":"..."}`, http.StatusBadRequest)
		return
	}
	s.registry.Remove(req.ID)
	s.persist()
	s.log.Infof("management_provider_remove", "removed provider %s", req.ID)
	writeJSON(w, http.StatusOK, map[string]string{"removed": req.ID})
}

func (s *Server) handleSetHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1024)
	var req struct {
		ID      string `json:"id"`
		Healthy *bool  `json:"healthy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		http.Error(w, `invalid request: need {"id":"...","healthy":true|false|null}`, http.StatusBadRequest)
		return
	}
	if err := s.registry.SetHealthOverride(req.ID, req.Healthy); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.log.Infof("management_provider_health", "set health override for %s: %v", req.ID, req.Healthy)
	writeJSON(w, http.StatusOK, map[string]string{"id": req.ID, "status": "updated"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	metrics.Handler().ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Response already started; nothing more to do beyond logging the
		// encode failure to stderr via the standard logger would need a
		// reference this function deliberately doesn't carry — callers log
		// domain-specific context instead.
		_ = err
	}
}

// ListenAndServe starts the management HTTP server.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.ManagementPort)
	s.log.Infof("management_listen", "listening on %s", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
