package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func get(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestServer_Health(t *testing.T) {
	tests := []struct {
		name      string
		config    func(t *testing.T) Config
		wantState string
	}{
		{
			name:   "without controller",
			config: func(*testing.T) Config { return Config{} },
		},
		{
			name:      "reports controller state",
			config:    func(t *testing.T) Config { return Config{Controller: newTestController(t)} },
			wantState: "stopped",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, New(tt.config(t)), http.MethodGet, "/api/health")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}

			var body struct {
				Status string `json:"status"`
				Uptime string `json:"uptime"`
				State  string `json:"state"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Status != "ok" || body.Uptime == "" {
				t.Errorf("body = %+v", body)
			}
			if body.State != tt.wantState {
				t.Errorf("state = %q, want %q", body.State, tt.wantState)
			}
		})
	}
}

func TestServer_HealthMethods(t *testing.T) {
	s := New(Config{})
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		if rec := get(t, s, method, "/api/health"); rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: status = %d, want %d", method, rec.Code, http.StatusMethodNotAllowed)
		}
	}
}

func TestServer_Routes(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>preview</html>"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		config Config
		path   string
		want   int
		body   string
	}{
		{name: "static index", config: Config{StaticDir: dir}, path: "/", want: http.StatusOK, body: "<html>preview</html>"},
		{name: "missing static file", config: Config{StaticDir: dir}, path: "/app.js", want: http.StatusNotFound},
		{name: "no static dir", config: Config{}, path: "/", want: http.StatusNotFound},
		{name: "unknown api path", config: Config{}, path: "/api/nonexistent", want: http.StatusNotFound},
		{name: "controller routes absent without controller", config: Config{}, path: "/api/status", want: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, New(tt.config), http.MethodGet, tt.path)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.body != "" && rec.Body.String() != tt.body {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.body)
			}
		})
	}
}

func TestServer_ListenAndServeShutsDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(Config{}).ListenAndServe(ctx, addr) }()

	var resp *http.Response
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if resp, err = http.Get("http://" + addr + "/api/health"); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never answered: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ListenAndServe() = %v, want nil after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ListenAndServe did not return after cancel")
	}
}

func TestServer_ListenAndServeBadAddr(t *testing.T) {
	err := New(Config{}).ListenAndServe(context.Background(), "256.0.0.1:bad")
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		t.Errorf("ListenAndServe() = %v, want a listen error", err)
	}
}
