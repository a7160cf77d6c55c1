package management

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ai-privacy-router/internal/config"
	"ai-privacy-router/internal/logger"
	"ai-privacy-router/internal/providerrouter"
)

func testConfig() *config.Config {
	return &config.Config{
		APIPort:        8090,
		ManagementPort: 8091,
		BindAddress:    "127.0.0.1",
	}
}

func newTestServer(token string) (*Server, *providerrouter.Registry) {
	cfg := testConfig()
	cfg.ManagementToken = token
	log := logger.New("TEST", "error")
	reg := providerrouter.NewRegistry(log)
	reg.Add(providerrouter.Provider{ID: "p1", Capabilities: []string{"general"}})
	srv := New(cfg, reg, log)
	return srv, reg
}

func TestStatus_OK(t *testing.T) {
	srv, _ := newTestServer("")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if resp["status"] != "running" {
		t.Errorf("expected status=running, got %v", resp["status"])
	}
	if resp["registeredProviders"] != float64(1) {
		t.Errorf("expected registeredProviders=1, got %v", resp["registeredProviders"])
	}
}

func TestAuth_NoToken_PassThrough(t *testing.T) {
	srv, _ := newTestServer("")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with no token configured, got %d", w.Code)
	}
}

func TestAuth_ValidToken(t *testing.T) {
	srv, _ := newTestServer("secret123")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer secret123")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with valid token, got %d", w.Code)
	}
}

func TestAuth_InvalidToken(t *testing.T) {
	srv, _ := newTestServer("secret123")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong token, got %d", w.Code)
	}
}

func TestAuth_MissingToken(t *testing.T) {
	srv, _ := newTestServer("secret123")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with missing token, got %d", w.Code)
	}
}

func TestAddProvider_OK(t *testing.T) {
	srv, reg := newTestServer("")
	body := `{"id":"p2","capabilities":["code"]}`
	req := httptest.NewRequest(http.MethodPost, "/providers/add", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	found := false
	for _, s := range reg.Snapshot() {
		if s.Provider.ID == "p2" {
			found = true
		}
	}
	if !found {
		t.Error("provider was not added to registry")
	}
}

func TestAddProvider_InvalidID(t *testing.T) {
	srv, _ := newTestServer("")
	body := `{"id":"bad id!","capabilities":["general"]}`
	req := httptest.NewRequest(http.MethodPost, "/providers/add", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid provider id, got %d", w.Code)
	}
}

func TestAddProvider_EmptyID(t *testing.T) {
	srv, _ := newTestServer("")
	body := `{"id":"","capabilities":["general"]}`
	req := httptest.NewRequest(http.MethodPost, "/providers/add", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty id, got %d", w.Code)
	}
}

func TestAddProvider_WrongMethod(t *testing.T) {
	srv, _ := newTestServer("")
	req := httptest.NewRequest(http.MethodGet, "/providers/add", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", w.Code)
	}
}

func TestRemoveProvider_OK(t *testing.T) {
	srv, reg := newTestServer("")
	body := `{"id":"p1"}`
	req := httptest.NewRequest(http.MethodPost, "/providers/remove", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(reg.Snapshot()) != 0 {
		t.Error("provider was not removed from registry")
	}
}

func TestSetHealth_Override(t *testing.T) {
	srv, reg := newTestServer("")
	body := `{"id":"p1","healthy":false}`
	req := httptest.NewRequest(http.MethodPost, "/providers/health", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	snapshot := reg.Snapshot()
	if len(snapshot) != 1 || snapshot[0].Healthy {
		t.Errorf("expected p1 forced unhealthy, got %+v", snapshot)
	}
}

func TestSetHealth_UnknownProvider(t *testing.T) {
	srv, _ := newTestServer("")
	body := `{"id":"nonexistent","healthy":false}`
	req := httptest.NewRequest(http.MethodPost, "/providers/health", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown provider, got %d", w.Code)
	}
}

func TestListProviders_OK(t *testing.T) {
	srv, _ := newTestServer("")
	req := httptest.NewRequest(http.MethodGet, "/providers", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var out []providerView
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if len(out) != 1 || out[0].ID != "p1" {
		t.Errorf("expected [p1], got %+v", out)
	}
}

func TestPersistence_SurvivesReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.json")

	cfg := testConfig()
	cfg.ProvidersPersistPath = path
	log := logger.New("TEST", "error")

	reg1 := providerrouter.NewRegistry(log)
	srv1 := New(cfg, reg1, log)
	body := `{"id":"p9","capabilities":["general"]}`
	req := httptest.NewRequest(http.MethodPost, "/providers/add", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv1.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("add failed: %d %s", w.Code, w.Body.String())
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("persist file not created: %v", err)
	}

	reg2 := providerrouter.NewRegistry(log)
	New(cfg, reg2, log)
	found := false
	for _, s := range reg2.Snapshot() {
		if s.Provider.ID == "p9" {
			found = true
		}
	}
	if !found {
		t.Error("expected p9 reloaded from persisted file")
	}
}

func TestValidProviderID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"openai-gpt4", true},
		{"anthropic_claude", true},
		{"p1", true},
		{"", false},
		{"-invalid", false},
		{"has space", false},
		{strings.Repeat("a", 64), false},
	}
	for _, tt := range tests {
		if got := validProviderID(tt.id); got != tt.valid {
			t.Errorf("validProviderID(%q) = %v, want %v", tt.id, got, tt.valid)
		}
	}
}
