package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/use-agent/gatecrash/config"
	"github.com/use-agent/gatecrash/models"
)

// Client is a createTask/getTaskResult oracle client speaking the
// capsolver wire format over plain HTTP.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	clientKey    string
	pollInterval time.Duration
	maxWait      time.Duration
}

// NewClient creates an oracle client. Pass nil to use a default
// http.Client.
func NewClient(cfg config.CaptchaConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		httpClient:   httpClient,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		clientKey:    cfg.ClientKey,
		pollInterval: cfg.PollInterval,
		maxWait:      cfg.MaxWait,
	}
}

type createTaskRequest struct {
	ClientKey string   `json:"clientKey"`
	Task      taskSpec `json:"task"`
}

type taskSpec struct {
	Type       string            `json:"type"`
	WebsiteURL string            `json:"websiteURL"`
	WebsiteKey string            `json:"websiteKey"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type createTaskResponse struct {
	ErrorID          int    `json:"errorId"`
	ErrorCode        string `json:"errorCode"`
	ErrorDescription string `json:"errorDescription"`
	TaskID           string `json:"taskId"`
}

type getResultRequest struct {
	ClientKey string `json:"clientKey"`
	TaskID    string `json:"taskId"`
}

type getResultResponse struct {
	ErrorID          int    `json:"errorId"`
	ErrorCode        string `json:"errorCode"`
	ErrorDescription string `json:"errorDescription"`
	Status           string `json:"status"` // "idle", "processing", "ready"
	Solution         struct {
		Token string `json:"token"`
	} `json:"solution"`
}

// Solve submits the task and polls until the oracle reports a token.
// The whole round-trip is bounded by the configured max wait.
func (c *Client) Solve(ctx context.Context, task *Task) (*Solution, error) {
	ctx, cancel := context.WithTimeout(ctx, c.maxWait)
	defer cancel()

	taskID, err := c.createTask(ctx, task)
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, c.timeoutError(ctx, task)
		case <-time.After(c.pollInterval):
		}

		res, err := c.getResult(ctx, taskID)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return nil, c.timeoutError(ctx, task)
			}
			return nil, err
		}
		if res.Status != "ready" {
			continue
		}
		if res.Solution.Token == "" {
			return nil, models.NewScrapeError(models.ErrCodeCaptchaFailure, "oracle reported ready without a token", nil)
		}
		return &Solution{Token: res.Solution.Token}, nil
	}
}

func (c *Client) createTask(ctx context.Context, task *Task) (string, error) {
	spec := taskSpec{
		Type:       taskType(task.Kind),
		WebsiteURL: task.PageURL,
		WebsiteKey: task.SiteKey,
	}
	if task.Action != "" || len(task.Data) > 0 {
		spec.Metadata = make(map[string]string, len(task.Data)+1)
		for k, v := range task.Data {
			spec.Metadata[k] = v
		}
		if task.Action != "" {
			spec.Metadata["action"] = task.Action
		}
	}

	var resp createTaskResponse
	if err := c.post(ctx, "/createTask", createTaskRequest{ClientKey: c.clientKey, Task: spec}, &resp); err != nil {
		return "", err
	}
	if resp.ErrorID != 0 {
		return "", models.NewScrapeError(models.ErrCodeCaptchaFailure,
			fmt.Sprintf("oracle rejected task: %s: %s", resp.ErrorCode, resp.ErrorDescription), nil)
	}
	if resp.TaskID == "" {
		return "", models.NewScrapeError(models.ErrCodeCaptchaFailure, "oracle returned no task id", nil)
	}
	return resp.TaskID, nil
}

func (c *Client) getResult(ctx context.Context, taskID string) (*getResultResponse, error) {
	var resp getResultResponse
	if err := c.post(ctx, "/getTaskResult", getResultRequest{ClientKey: c.clientKey, TaskID: taskID}, &resp); err != nil {
		return nil, err
	}
	if resp.ErrorID != 0 {
		return nil, models.NewScrapeError(models.ErrCodeCaptchaFailure,
			fmt.Sprintf("oracle task failed: %s: %s", resp.ErrorCode, resp.ErrorDescription), nil)
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("captcha: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("captcha: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return err
		}
		return models.NewScrapeError(models.ErrCodeCaptchaFailure, "oracle request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.NewScrapeError(models.ErrCodeCaptchaFailure, "failed to read oracle response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return models.NewScrapeError(models.ErrCodeCaptchaFailure,
			fmt.Sprintf("oracle returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))), nil)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return models.NewScrapeError(models.ErrCodeCaptchaFailure, "failed to parse oracle response", err)
	}
	return nil
}

func (c *Client) timeoutError(ctx context.Context, task *Task) error {
	return models.NewScrapeError(models.ErrCodeCaptchaTimeout,
		fmt.Sprintf("oracle did not solve %s challenge within %s", task.Kind, c.maxWait), ctx.Err())
}

// taskType maps a widget family to the oracle's task type name.
func taskType(kind string) string {
	switch kind {
	case "", "turnstile":
		return "AntiTurnstileTaskProxyLess"
	case "recaptcha":
		return "ReCaptchaV2TaskProxyLess"
	default:
		return kind
	}
}
