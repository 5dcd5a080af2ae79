package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/use-agent/gatecrash/config"
	"github.com/use-agent/gatecrash/models"
)

func testClient(baseURL string, maxWait time.Duration) *Client {
	return NewClient(config.CaptchaConfig{
		BaseURL:      baseURL,
		ClientKey:    "test-key",
		PollInterval: 5 * time.Millisecond,
		MaxWait:      maxWait,
	}, nil)
}

func TestSolve_PollsUntilReady(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/createTask":
			var req createTaskRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode createTask: %v", err)
			}
			if req.ClientKey != "test-key" {
				t.Errorf("clientKey = %q", req.ClientKey)
			}
			if req.Task.Type != "AntiTurnstileTaskProxyLess" {
				t.Errorf("task type = %q", req.Task.Type)
			}
			if req.Task.WebsiteKey != "0x4AAAAAAA" || req.Task.WebsiteURL != "https://blocked.example/page" {
				t.Errorf("task params = %+v", req.Task)
			}
			json.NewEncoder(w).Encode(map[string]any{"errorId": 0, "taskId": "task-1"})
		case "/getTaskResult":
			if polls.Add(1) < 3 {
				json.NewEncoder(w).Encode(map[string]any{"errorId": 0, "status": "processing"})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"errorId": 0, "status": "ready",
				"solution": map[string]string{"token": "tok-abc"},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := testClient(srv.URL, 5*time.Second)
	sol, err := c.Solve(context.Background(), &Task{
		Kind:    "turnstile",
		SiteKey: "0x4AAAAAAA",
		PageURL: "https://blocked.example/page",
		Action:  "managed",
	})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if sol.Token != "tok-abc" {
		t.Errorf("token = %q, want tok-abc", sol.Token)
	}
	if polls.Load() < 3 {
		t.Errorf("expected at least 3 polls, got %d", polls.Load())
	}
}

func TestSolve_OracleRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"errorId":          1,
			"errorCode":        "ERROR_KEY_DENIED",
			"errorDescription": "invalid client key",
		})
	}))
	defer srv.Close()

	c := testClient(srv.URL, 5*time.Second)
	_, err := c.Solve(context.Background(), &Task{Kind: "turnstile"})
	var se *models.ScrapeError
	if !errors.As(err, &se) || se.Code != models.ErrCodeCaptchaFailure {
		t.Fatalf("expected %s, got %v", models.ErrCodeCaptchaFailure, err)
	}
	if !strings.Contains(se.Message, "ERROR_KEY_DENIED") {
		t.Errorf("error should carry the oracle code, got %q", se.Message)
	}
}

func TestSolve_TimesOutWhileProcessing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/createTask":
			json.NewEncoder(w).Encode(map[string]any{"errorId": 0, "taskId": "task-2"})
		default:
			json.NewEncoder(w).Encode(map[string]any{"errorId": 0, "status": "processing"})
		}
	}))
	defer srv.Close()

	c := testClient(srv.URL, 50*time.Millisecond)
	_, err := c.Solve(context.Background(), &Task{Kind: "turnstile"})
	var se *models.ScrapeError
	if !errors.As(err, &se) || se.Code != models.ErrCodeCaptchaTimeout {
		t.Fatalf("expected %s, got %v", models.ErrCodeCaptchaTimeout, err)
	}
}

func TestSolve_ReadyWithoutToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/createTask":
			json.NewEncoder(w).Encode(map[string]any{"errorId": 0, "taskId": "task-3"})
		default:
			json.NewEncoder(w).Encode(map[string]any{"errorId": 0, "status": "ready"})
		}
	}))
	defer srv.Close()

	c := testClient(srv.URL, time.Second)
	_, err := c.Solve(context.Background(), &Task{Kind: "turnstile"})
	var se *models.ScrapeError
	if !errors.As(err, &se) || se.Code != models.ErrCodeCaptchaFailure {
		t.Fatalf("expected %s, got %v", models.ErrCodeCaptchaFailure, err)
	}
}

func TestTaskType(t *testing.T) {
	tests := []struct {
		kind string
		want string
	}{
		{"", "AntiTurnstileTaskProxyLess"},
		{"turnstile", "AntiTurnstileTaskProxyLess"},
		{"recaptcha", "ReCaptchaV2TaskProxyLess"},
		{"CustomTask", "CustomTask"},
	}
	for _, tt := range tests {
		if got := taskType(tt.kind); got != tt.want {
			t.Errorf("taskType(%q) = %q, want %q", tt.kind, got, tt.want)
		}
	}
}
