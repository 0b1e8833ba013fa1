package e2e

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ayusman/posecam/internal/app"
	"github.com/ayusman/posecam/internal/capture"
	"github.com/ayusman/posecam/internal/detector"
	"github.com/ayusman/posecam/internal/sched"
	"github.com/ayusman/posecam/internal/server"
	"github.com/ayusman/posecam/internal/store"
)

type status struct {
	State      string               `json:"state"`
	Preset     capture.Resolution   `json:"preset"`
	DeviceID   string               `json:"device_id"`
	Detections []detector.Detection `json:"detections"`
}

func newController(t *testing.T, s *store.Store, opener *capture.FakeOpener, backend *detector.MockBackend) *app.Controller {
	t.Helper()
	ctrl, err := app.New(opener, opener, backend, app.Config{
		Preset:      capture.Medium,
		Source:      sched.Interval(5 * time.Millisecond),
		Preferences: s.Preferences(),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("app.New() error = %v", err)
	}
	return ctrl
}

func getStatus(t *testing.T, client *http.Client, url string) status {
	t.Helper()
	resp, err := client.Get(url + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status error = %v", err)
	}
	defer resp.Body.Close()

	var st status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return st
}

func send(t *testing.T, client *http.Client, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, url, err)
	}
	resp.Body.Close()
	return resp
}

func TestE2E_CompleteWorkflow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test")
	}

	dbPath := filepath.Join(t.TempDir(), "data.db")
	s, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	defer s.Close()

	opener := capture.NewFakeOpener(nil)
	backend := detector.NewMockBackend()
	ctrl := newController(t, s, opener, backend)
	defer ctrl.Close()

	ts := httptest.NewServer(server.New(server.Config{Controller: ctrl, StreamInterval: 10 * time.Millisecond}))
	defer ts.Close()
	client := ts.Client()

	t.Run("Health", func(t *testing.T) {
		resp, err := client.Get(ts.URL + "/api/health")
		if err != nil {
			t.Fatalf("health error = %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
	})

	t.Run("ChooseResolutionWhileStopped", func(t *testing.T) {
		resp := send(t, client, http.MethodPut, ts.URL+"/api/resolution", `{"label": "`+capture.Low.Label+`"}`)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if st := getStatus(t, client, ts.URL); st.State != "stopped" || st.Preset != capture.Low {
			t.Errorf("status = %+v", st)
		}
	})

	t.Run("Enable", func(t *testing.T) {
		resp := send(t, client, http.MethodPost, ts.URL+"/api/enable", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		st := getStatus(t, client, ts.URL)
		if st.State != "running" || st.Preset != capture.Low || st.DeviceID != "0" {
			t.Errorf("status = %+v", st)
		}
		if reqs := opener.Requests(); reqs[len(reqs)-1].Resolution != capture.Low {
			t.Errorf("camera opened at %v", reqs[len(reqs)-1].Resolution)
		}
	})

	t.Run("DetectionsReachSubscribers", func(t *testing.T) {
		backend.SetDetections([]detector.Detection{detector.StandingPose()})

		wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("dial error = %v", err)
		}
		defer conn.Close()

		deadline := time.Now().Add(5 * time.Second)
		conn.SetReadDeadline(deadline)
		for {
			var st status
			if err := conn.ReadJSON(&st); err != nil {
				t.Fatalf("no snapshot with detections before deadline: %v", err)
			}
			if len(st.Detections) == 1 {
				break
			}
		}
	})

	t.Run("Stream", func(t *testing.T) {
		resp, err := client.Get(ts.URL + "/api/stream")
		if err != nil {
			t.Fatalf("stream error = %v", err)
		}
		defer resp.Body.Close()
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
			t.Errorf("Content-Type = %q", ct)
		}
	})

	t.Run("Disable", func(t *testing.T) {
		resp := send(t, client, http.MethodPost, ts.URL+"/api/disable", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if st := getStatus(t, client, ts.URL); st.State != "stopped" {
			t.Errorf("state = %q", st.State)
		}
		if open := opener.OpenHandles(); len(open) != 0 {
			t.Errorf("%d handles left open", len(open))
		}
	})
}

func TestE2E_PreferencesSurviveRestart(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test")
	}

	dbPath := filepath.Join(t.TempDir(), "data.db")
	opener := capture.NewFakeOpener(nil)
	opener.SetDevices([]capture.Device{{ID: "0", Label: "Front"}, {ID: "1", Label: "Back"}})

	s, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	ctrl := newController(t, s, opener, detector.NewMockBackend())
	ts := httptest.NewServer(server.New(server.Config{Controller: ctrl}))

	send(t, ts.Client(), http.MethodPut, ts.URL+"/api/resolution", `{"label": "`+capture.High.Label+`"}`)
	send(t, ts.Client(), http.MethodPut, ts.URL+"/api/device", `{"id": "1"}`)

	ts.Close()
	ctrl.Close()
	s.Close()

	s, err = store.New(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer s.Close()
	ctrl = newController(t, s, opener, detector.NewMockBackend())
	defer ctrl.Close()

	snap := ctrl.Snapshot()
	if snap.Preset != capture.High || snap.DeviceID != "1" {
		t.Errorf("restored preset %v on device %q, want %v on device 1", snap.Preset, snap.DeviceID, capture.High)
	}
}
