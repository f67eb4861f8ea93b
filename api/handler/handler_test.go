package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	clocktesting "k8s.io/utils/clock/testing"

	"deploywatch/api/health"
	"deploywatch/api/hub"
	"deploywatch/api/session"
	"deploywatch/api/telemetry"
	"deploywatch/backend"
	"deploywatch/progress"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type nopSource struct{}

func (nopSource) Subscribe(deploymentID, userID string, sub backend.Subscriber) (string, error) {
	return "sub-" + deploymentID, nil
}

func (nopSource) Unsubscribe(string) {}

type stubBackend struct{}

func (stubBackend) Health(ctx context.Context) (string, error) { return "ok", nil }

func snapshotFetcher(ctx context.Context, id string) (*progress.Snapshot, error) {
	if id == "missing" {
		return nil, errors.New("HTTP 404: deployment not found")
	}
	return &progress.Snapshot{
		ID:     progress.ID(id),
		Status: "running",
		Stages: map[string]progress.StageFragment{
			"commit": {Status: "success", Duration: ptr(8.0)},
			"build":  {Status: "pending", Progress: ptr(50.0), StartedAt: base.Add(-20 * time.Second).Format(time.RFC3339)},
		},
	}, nil
}

func ptr[T any](v T) *T { return &v }

// newTestServer wires a handler with a live hub and session manager but no
// backend connection.
func newTestServer(t *testing.T) (*httptest.Server, *session.Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	ws := hub.New(nil, nil)
	go ws.Run(ctx)

	metrics, err := telemetry.New(prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	fetcher := progress.FetcherFunc(snapshotFetcher)
	sessions := session.NewManager(fetcher, nopSource{}, ws, metrics, session.WithPollInterval(time.Minute))

	h := New(fetcher, sessions, ws, &health.Poller{Backend: stubBackend{}}, "1.2.3", nil)
	h.clock = clocktesting.NewFakePassiveClock(base)

	r := chi.NewRouter()
	h.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		sessions.Shutdown()
		cancel()
	})
	return srv, sessions
}

func TestProgress(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/deployments/42/progress")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var v progress.View
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	if v.ID != "42" || v.Status != progress.StatusRunning {
		t.Errorf("view = %s/%s, want 42/running", v.ID, v.Status)
	}
	if want := 100.0/3 + 0.5*100.0/3; v.Progress < want-0.01 || v.Progress > want+0.01 {
		t.Errorf("progress = %.2f, want %.2f", v.Progress, want)
	}
	if got := v.Stages[1].ElapsedSeconds; got != 20 {
		t.Errorf("build elapsed = %d, want 20", got)
	}
	if v.Poll != progress.PollIdle {
		t.Errorf("poll = %s, want idle", v.Poll)
	}
}

func TestProgressUpstreamError(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/deployments/missing/progress")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if body["error"] != "HTTP 404: deployment not found" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestProgressInvalidID(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/deployments/bad!id/progress")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestWatch(t *testing.T) {
	srv, sessions := newTestServer(t)

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?deployment=42"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var evt struct {
			Type         string        `json:"type"`
			DeploymentID string        `json:"deploymentId"`
			Payload      progress.View `json:"payload"`
		}
		if err := conn.ReadJSON(&evt); err != nil {
			t.Fatalf("read: %v", err)
		}
		if evt.Type != session.EventProgress || evt.DeploymentID != "42" {
			t.Fatalf("event = %s/%s", evt.Type, evt.DeploymentID)
		}
		if evt.Payload.Status == progress.StatusRunning {
			break
		}
	}
	if n := sessions.Active(); n != 1 {
		t.Errorf("active sessions = %d, want 1", n)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for sessions.Active() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session not released after viewer left")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWatchRequiresDeployment(t *testing.T) {
	srv, sessions := newTestServer(t)

	resp, err := http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if sessions.Active() != 0 {
		t.Error("rejected viewer must not start a session")
	}
}

func TestWatchPlainHTTPReleases(t *testing.T) {
	srv, sessions := newTestServer(t)

	// Not a websocket handshake: the upgrade fails after Acquire.
	resp, err := http.Get(srv.URL + "/ws?deployment=42")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if sessions.Active() != 0 {
		t.Error("failed upgrade must release its session")
	}
}

func TestVersionAndHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/version")
	if err != nil {
		t.Fatal(err)
	}
	var version map[string]string
	json.NewDecoder(resp.Body).Decode(&version)
	resp.Body.Close()
	if version["version"] != "1.2.3" {
		t.Errorf("version = %q", version["version"])
	}

	resp, err = http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	var report health.Report
	json.NewDecoder(resp.Body).Decode(&report)
	resp.Body.Close()
	if report.Status != health.StatusHealthy {
		t.Errorf("health = %q, want healthy", report.Status)
	}
}
