package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"gocv.io/x/gocv"

	"github.com/ayusman/posecam/internal/app"
	"github.com/ayusman/posecam/internal/capture"
	"github.com/ayusman/posecam/internal/detector"
	"github.com/ayusman/posecam/internal/sched"
)

func newTestController(t *testing.T) *app.Controller {
	t.Helper()
	backend := detector.NewMockBackend()
	backend.SetDetections([]detector.Detection{detector.StandingPose()})

	opener := capture.NewFakeOpener(nil)
	ctrl, err := app.New(opener, opener, backend, app.Config{
		Preset: capture.Medium,
		Source: sched.Interval(5 * time.Millisecond),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("app.New() error = %v", err)
	}
	t.Cleanup(func() { ctrl.Close() })
	return ctrl
}

func TestServer_ControllerRoutes(t *testing.T) {
	ctrl := newTestController(t)
	s := New(Config{Controller: ctrl})

	for _, path := range []string{"/api/status", "/api/presets", "/api/devices", "/api/settings"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			if rec.Code != http.StatusOK {
				t.Errorf("GET %s = %d, want 200", path, rec.Code)
			}
		})
	}

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	var health map[string]any
	json.NewDecoder(rec.Body).Decode(&health)
	if health["state"] != "stopped" {
		t.Errorf("health state = %v, want stopped", health["state"])
	}
}

func TestStreamHandler_ServesJPEGParts(t *testing.T) {
	ctrl := newTestController(t)
	if err := ctrl.Enable(context.Background()); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}

	ts := httptest.NewServer(New(Config{Controller: ctrl, StreamInterval: 10 * time.Millisecond}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stream", nil)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("GET /api/stream error = %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Fatalf("Content-Type = %q", ct)
	}

	mr := multipart.NewReader(resp.Body, "frame")
	for i := 0; i < 2; i++ {
		part, err := mr.NextPart()
		if err != nil {
			t.Fatalf("NextPart() %d error = %v", i, err)
		}
		if ct := part.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("part Content-Type = %q", ct)
		}
		data, err := io.ReadAll(part)
		if err != nil {
			t.Fatalf("read part: %v", err)
		}
		if !bytes.HasPrefix(data, []byte{0xFF, 0xD8}) {
			t.Errorf("part %d is not a JPEG", i)
		}
	}
}

func TestServer_ShutdownEndsStreams(t *testing.T) {
	ctrl := newTestController(t)
	if err := ctrl.Enable(context.Background()); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	srv := New(Config{Controller: ctrl, StreamInterval: 10 * time.Millisecond})
	go func() { done <- srv.ListenAndServe(ctx, addr) }()

	var resp *http.Response
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if resp, err = http.Get("http://" + addr + "/api/stream"); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("stream never answered: %v", err)
	}
	defer resp.Body.Close()
	if _, err := multipart.NewReader(resp.Body, "frame").NextPart(); err != nil {
		t.Fatalf("NextPart() error = %v", err)
	}

	start := time.Now()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ListenAndServe() = %v, want nil", err)
		}
	case <-time.After(4 * time.Second):
		t.Fatal("ListenAndServe waited on the open stream")
	}
	if d := time.Since(start); d > 2*time.Second {
		t.Errorf("shutdown took %s with a stream open", d)
	}
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		t.Logf("stream body ended with %v", err)
	}
}

func TestStreamHandler_EndsWhenDone(t *testing.T) {
	ctrl := newTestController(t)
	if err := ctrl.Enable(context.Background()); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}

	done := make(chan struct{})
	h := NewStreamHandler(ctrl, 10*time.Millisecond, done)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/stream", nil))
	}()

	select {
	case <-finished:
		t.Fatal("stream ended before done was closed")
	case <-time.After(50 * time.Millisecond):
	}
	close(done)
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("stream kept running after done was closed")
	}
}

func TestStreamHandler_MethodNotAllowed(t *testing.T) {
	h := NewStreamHandler(newTestController(t), 0, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/stream", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestDrawSkeleton(t *testing.T) {
	img := gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3)
	defer img.Close()

	pose := detector.StandingPose()
	wrist, ok := pose.Keypoint("left_wrist")
	if !ok {
		t.Fatal("left_wrist missing from fixture")
	}

	DrawSkeleton(&img, []detector.Detection{pose})

	px := img.GetVecbAt(int(wrist.Y), int(wrist.X))
	if px[0] == 0 && px[1] == 0 && px[2] == 0 {
		t.Error("expected keypoint drawn at left wrist")
	}
	if px := img.GetVecbAt(5, 5); px[0] != 0 || px[1] != 0 || px[2] != 0 {
		t.Error("expected corner left untouched")
	}
}

func TestEventsHandler_PushesSnapshots(t *testing.T) {
	ctrl := newTestController(t)
	ts := httptest.NewServer(New(Config{Controller: ctrl}))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snap struct {
		State string `json:"state"`
	}
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if snap.State != "stopped" {
		t.Errorf("first snapshot state = %q, want stopped", snap.State)
	}

	if err := ctrl.Enable(context.Background()); err != nil {
		t.Fatal(err)
	}
	for snap.State != "running" {
		if err := conn.ReadJSON(&snap); err != nil {
			t.Fatalf("waiting for running snapshot: %v", err)
		}
	}

	// Closing the controller ends the stream with a close frame.
	ctrl.Close()
	for {
		if err := conn.ReadJSON(&snap); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
				t.Errorf("read error = %v, want going-away close", err)
			}
			break
		}
	}
}
