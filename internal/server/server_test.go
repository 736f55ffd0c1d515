package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"slothify/internal/artifacts"
	"slothify/internal/pipeline"
	"slothify/internal/stage"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	orch := pipeline.NewOrchestrator(log, nil, nil, nil, nil)
	exec := pipeline.NewExecutor(context.Background(), 1, log, nil, orch)
	t.Cleanup(exec.Stop)
	arts := artifacts.NewStore(log, nil, nil)
	return New(":0", nil, arts, exec, stage.DefaultOptions(), t.TempDir(), log)
}

func TestHandleHealth(t *testing.T) {
	s := testServer(t)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestHandleProcessRejectsBadBody(t *testing.T) {
	s := testServer(t)
	rec := httptest.NewRecorder()
	s.handleProcess(rec, httptest.NewRequest(http.MethodPost, "/process", strings.NewReader("{oops")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got %d", rec.Code)
	}
}

func TestHandleProcessRejectsEmptyInputs(t *testing.T) {
	s := testServer(t)
	rec := httptest.NewRecorder()
	s.handleProcess(rec, httptest.NewRequest(http.MethodPost, "/process", strings.NewReader("{}")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got %d", rec.Code)
	}
}

func TestHandleProcessRejectsBadBackground(t *testing.T) {
	s := testServer(t)
	body := `{"input": "/photos/a.png", "background": "chartreuse"}`
	rec := httptest.NewRecorder()
	s.handleProcess(rec, httptest.NewRequest(http.MethodPost, "/process", strings.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleProcessRejectsInvalidOptions(t *testing.T) {
	s := testServer(t)
	body := `{"input": "/photos/a.png", "width": 0}`
	rec := httptest.NewRecorder()
	s.handleProcess(rec, httptest.NewRequest(http.MethodPost, "/process", strings.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleProcessAcceptsSubmission(t *testing.T) {
	s := testServer(t)
	body := `{"inputs": ["/photos/a.png", "/photos/b.png"], "remove_background": true, "background": "white"}`
	rec := httptest.NewRecorder()
	s.handleProcess(rec, httptest.NewRequest(http.MethodPost, "/process", strings.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("got %d: %s", rec.Code, rec.Body.String())
	}

	var resp processResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.ItemIDs) != 2 {
		t.Fatalf("got %d item ids", len(resp.ItemIDs))
	}
}

func TestHandleArtifacts(t *testing.T) {
	s := testServer(t)
	rec := httptest.NewRecorder()
	s.handleArtifacts(rec, httptest.NewRequest(http.MethodGet, "/artifacts", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type %s", ct)
	}
}
