package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"riskline/internal/clock"
	"riskline/internal/config"
	"riskline/internal/db"
	"riskline/internal/engine"
	"riskline/internal/migrate"
	"riskline/internal/risk"
)

var now = time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("riskline")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg, engine.WithClock(clock.NewManual(now)))
	if _, err := e.InitProject(context.Background(), cfg.Project.ID, ""); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createTask(t *testing.T, srv *testServer, body map[string]any) TaskResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/riskline/tasks", body, map[string]string{"X-Actor-Id": "tester"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var created TaskResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	return created
}

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestCompleteHandsOutNextTask(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	first := createTask(t, srv, map[string]any{"title": "Ship feature", "order": 1})
	second := createTask(t, srv, map[string]any{"title": "Write docs", "order": 2})
	if first.Status != "todo" || first.RiskLevel != "low" {
		t.Fatalf("unexpected defaults: %+v", first)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+first.ID+"/complete", nil, map[string]string{"X-Actor-Id": "alice"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	var completion CompletionResponse
	if err := json.Unmarshal(data, &completion); err != nil {
		t.Fatalf("unmarshal completion: %v", err)
	}
	if completion.Task.Status != "done" || completion.NextTask == nil || completion.NextTask.ID != second.ID {
		t.Fatalf("unexpected completion: %+v", completion)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+second.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get task status %d: %s", res.StatusCode, string(data))
	}
	var fetched TaskResponse
	_ = json.Unmarshal(data, &fetched)
	if fetched.AssigneeID != "alice" || fetched.Status != "in_progress" {
		t.Fatalf("next task not assigned: %+v", fetched)
	}
}

func TestCompleteErrors(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/missing/complete", nil, map[string]string{"X-Actor-Id": "alice"})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("unexpected error code %q", envelope.Error.Code)
	}

	task := createTask(t, srv, map[string]any{"title": "No actor"})
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/complete", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without actor, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/complete", map[string]any{"actor_id": "bob"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected actor from body to work, got %d %s", res.StatusCode, string(data))
	}
}

func TestUpdateTaskValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	task := createTask(t, srv, map[string]any{"title": "Progress me"})

	res, data := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/tasks/"+task.ID, map[string]any{"progress_percentage": 60}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch status %d: %s", res.StatusCode, string(data))
	}
	var updated TaskResponse
	_ = json.Unmarshal(data, &updated)
	if updated.ProgressPercentage != 60 {
		t.Fatalf("progress not applied: %+v", updated)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/tasks/"+task.ID, map[string]any{"progress_percentage": 150}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for out of range progress, got %d %s", res.StatusCode, string(data))
	}
}

func TestScanAndProjectRisks(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	overdue := createTask(t, srv, map[string]any{
		"title":       "Late",
		"assignee_id": "bob",
		"due_date":    now.Add(-2 * time.Hour).Format(time.RFC3339),
	})
	createTask(t, srv, map[string]any{
		"title":               "Fine",
		"due_date":            now.Add(40 * 24 * time.Hour).Format(time.RFC3339),
		"progress_percentage": 100,
	})

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/risk/scan", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("scan status %d: %s", res.StatusCode, string(data))
	}
	var summary risk.ScanSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if summary.Scanned != 2 || summary.High != 1 || summary.Notified != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/riskline/risks", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("risks status %d: %s", res.StatusCode, string(data))
	}
	var report risk.ProjectRisk
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if report.High != 1 || len(report.AtRiskTasks) != 1 || report.AtRiskTasks[0].TaskID != overdue.ID {
		t.Fatalf("unexpected report: %+v", report)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/unknown/risks", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown project, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/users/bob/notifications?unread=true", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("notifications status %d: %s", res.StatusCode, string(data))
	}
	var inbox notificationList
	if err := json.Unmarshal(data, &inbox); err != nil {
		t.Fatalf("unmarshal notifications: %v", err)
	}
	var atRiskID string
	for _, n := range inbox.Items {
		if n.Kind == "task_at_risk" {
			atRiskID = n.ID
		}
	}
	if atRiskID == "" {
		t.Fatalf("expected an at-risk notification, got %+v", inbox.Items)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/users/bob/notifications/"+atRiskID+"/read", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("read status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+overdue.ID+"/events", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var evts eventList
	_ = json.Unmarshal(data, &evts)
	if len(evts.Items) == 0 || evts.Items[0].Type != "task.risk_changed" {
		t.Fatalf("expected latest event to be the risk change, got %+v", evts.Items)
	}
}

func TestCORSPreflight(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default("riskline"), engine.WithClock(clock.NewManual(now)))
	handler, err := New(Config{Engine: e, CORSOrigins: []string{"https://board.example.com"}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}

	req := httptest.NewRequest(http.MethodOptions, "/v0/tasks/abc/complete", nil)
	req.Header.Set("Origin", "https://board.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "X-Actor-Id")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://board.example.com" {
		t.Fatalf("unexpected allow origin %q (status %d)", got, rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v0/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("foreign origin allowed: %q", got)
	}
}
