package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Mirrored bodies larger than this are cut off before they reach the
// model; raw HTML for a single page rarely needs more.
const maxToolBody = 256 * 1024

// apiEnvelope mirrors the Gatecrash API response wrapper.
type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// egressPoint mirrors the registry's point model.
type egressPoint struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Location string `json:"location,omitempty"`
	Endpoint string `json:"endpoint"`
	Active   bool   `json:"active"`
}

// egressHealth mirrors one entry of GET /egress/status.
type egressHealth struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Location  string    `json:"location,omitempty"`
	Endpoint  string    `json:"endpoint"`
	Active    bool      `json:"active"`
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"last_check"`
}

func main() {
	apiURL := os.Getenv("GATECRASH_API_URL")
	if apiURL == "" {
		apiURL = "http://127.0.0.1:8080"
	}
	// Empty is fine when the server runs with auth disabled.
	apiKey := os.Getenv("GATECRASH_API_KEY")

	s := server.NewMCPServer(
		"gatecrash",
		"0.1.0",
		server.WithToolCapabilities(false),
	)

	scrapeURLTool := mcp.NewTool("scrape_url",
		mcp.WithDescription("Fetch a web page through the Gatecrash orchestrator. Renders JavaScript in a headless browser, solves bot challenges, and reroutes around rate limits; returns the page's raw HTML with the upstream status."),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The URL of the web page to fetch"),
		),
		mcp.WithBoolean("scroll",
			mcp.Description("Scroll to the bottom of the page to trigger lazy-loaded content before returning it"),
		),
		mcp.WithNumber("scroll_iterations",
			mcp.Description("Maximum number of scroll passes when scroll is set (default: 10, max: 50)"),
		),
		mcp.WithBoolean("wait_network_idle",
			mcp.Description("Wait for network traffic to settle before capturing the page"),
		),
		mcp.WithBoolean("light",
			mcp.Description("Skip the browser and fetch over plain HTTP; faster but no JavaScript and no challenge recovery"),
		),
		mcp.WithString("location",
			mcp.Description("Preferred egress location code (e.g. 'de', 'us-east') when rerouting around a rate limit"),
		),
		mcp.WithNumber("timeout",
			mcp.Description("Per-request timeout in seconds (default: 60, max: 120)"),
		),
	)
	s.AddTool(scrapeURLTool, handleScrapeURL(apiURL, apiKey))

	listEgressTool := mcp.NewTool("list_egress",
		mcp.WithDescription("List the registered egress points (VPN exits) with their locations and which one is active."),
	)
	s.AddTool(listEgressTool, handleListEgress(apiURL, apiKey))

	egressStatusTool := mcp.NewTool("egress_status",
		mcp.WithDescription("Show per-point health for all registered egress points: reachability, last probe time, and the active point."),
	)
	s.AddTool(egressStatusTool, handleEgressStatus(apiURL, apiKey))

	connectEgressTool := mcp.NewTool("connect_egress",
		mcp.WithDescription("Bring up the tunnel for a specific egress point, replacing whatever is currently active."),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("The egress point id, as returned by list_egress"),
		),
	)
	s.AddTool(connectEgressTool, handleConnectEgress(apiURL, apiKey))

	disconnectEgressTool := mcp.NewTool("disconnect_egress",
		mcp.WithDescription("Tear down the active egress tunnel and return to the direct network path."),
	)
	s.AddTool(disconnectEgressTool, handleDisconnectEgress(apiURL, apiKey))

	registerEgressTool := mcp.NewTool("register_egress",
		mcp.WithDescription("Register a new egress point from tunnel configuration text. The point becomes available for failover but is not connected."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Display name for the point; its slug becomes the id"),
		),
		mcp.WithString("conf",
			mcp.Required(),
			mcp.Description("WireGuard configuration text ([Interface] and [Peer] sections)"),
		),
		mcp.WithString("location",
			mcp.Description("Location code for the point (e.g. 'de', 'us-east')"),
		),
	)
	s.AddTool(registerEgressTool, handleRegisterEgress(apiURL, apiKey))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

// apiDo sends one request to the Gatecrash API and returns the parsed
// envelope. Non-envelope bodies come back as errors.
func apiDo(ctx context.Context, client *http.Client, method, apiURL, apiKey, path string, payload interface{}) (*apiEnvelope, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, apiURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxToolBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unexpected response (%d): %s", resp.StatusCode, raw)
	}
	return &env, nil
}

// envelopeError formats an unsuccessful envelope for a tool result.
func envelopeError(env *apiEnvelope, fallback string) string {
	if env.Error != nil {
		return fmt.Sprintf("[%s] %s", env.Error.Code, env.Error.Message)
	}
	return fallback
}

func handleScrapeURL(apiURL, apiKey string) server.ToolHandlerFunc {
	client := &http.Client{Timeout: 180 * time.Second}

	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		target, err := request.RequireString("url")
		if err != nil {
			return mcp.NewToolResultError("url is required"), nil
		}

		q := url.Values{}
		q.Set("url", target)
		if request.GetBool("scroll", false) {
			q.Set("scroll", "true")
			if n := request.GetInt("scroll_iterations", 0); n > 0 {
				q.Set("scroll_iterations", strconv.Itoa(n))
			}
		}
		if request.GetBool("wait_network_idle", false) {
			q.Set("wait_network_idle", "true")
		}
		if request.GetBool("light", false) {
			q.Set("light", "true")
		}
		if loc := request.GetString("location", ""); loc != "" {
			q.Set("location", loc)
		}
		if secs := request.GetInt("timeout", 0); secs > 0 {
			q.Set("timeout", strconv.Itoa(secs))
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL+"/scrape?"+q.Encode(), nil)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to create request: %v", err)), nil
		}
		if apiKey != "" {
			httpReq.Header.Set("X-API-Key", apiKey)
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("API request failed: %v", err)), nil
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxToolBody))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to read response: %v", err)), nil
		}

		// Orchestrator errors arrive as JSON envelopes; upstream pages
		// are mirrored as-is, error statuses included.
		if resp.StatusCode >= 400 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
			var env apiEnvelope
			if err := json.Unmarshal(body, &env); err == nil && !env.Success && env.Error != nil {
				return mcp.NewToolResultError(envelopeError(&env, "scrape failed")), nil
			}
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "Status: %d\n", resp.StatusCode)
		if v := resp.Header.Get("X-Gatecrash-Final-Url"); v != "" {
			fmt.Fprintf(&sb, "Final URL: %s\n", v)
		}
		if v := resp.Header.Get("X-Gatecrash-Egress"); v != "" {
			fmt.Fprintf(&sb, "Egress: %s\n", v)
		}
		if v := resp.Header.Get("X-Gatecrash-Duration-Ms"); v != "" {
			fmt.Fprintf(&sb, "Duration: %s ms\n", v)
		}
		sb.WriteString("\n")
		sb.Write(body)

		return mcp.NewToolResultText(sb.String()), nil
	}
}

func handleListEgress(apiURL, apiKey string) server.ToolHandlerFunc {
	client := &http.Client{Timeout: 30 * time.Second}

	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		env, err := apiDo(ctx, client, http.MethodGet, apiURL, apiKey, "/api/v1/egress", nil)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if !env.Success {
			return mcp.NewToolResultError(envelopeError(env, "listing egress points failed")), nil
		}

		var points []egressPoint
		if err := json.Unmarshal(env.Data, &points); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to parse points: %v", err)), nil
		}

		if len(points) == 0 {
			return mcp.NewToolResultText("No egress points registered."), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "%d egress points:\n\n", len(points))
		for _, p := range points {
			marker := " "
			if p.Active {
				marker = "*"
			}
			fmt.Fprintf(&sb, "%s %s  %s", marker, p.ID, p.Name)
			if p.Location != "" {
				fmt.Fprintf(&sb, "  [%s]", p.Location)
			}
			fmt.Fprintf(&sb, "  %s\n", p.Endpoint)
		}
		sb.WriteString("\n* = active")

		return mcp.NewToolResultText(sb.String()), nil
	}
}

func handleEgressStatus(apiURL, apiKey string) server.ToolHandlerFunc {
	client := &http.Client{Timeout: 30 * time.Second}

	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		env, err := apiDo(ctx, client, http.MethodGet, apiURL, apiKey, "/api/v1/egress/status", nil)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if !env.Success {
			return mcp.NewToolResultError(envelopeError(env, "egress status failed")), nil
		}

		var entries []egressHealth
		if err := json.Unmarshal(env.Data, &entries); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to parse status: %v", err)), nil
		}

		if len(entries) == 0 {
			return mcp.NewToolResultText("No egress points registered."), nil
		}

		var sb strings.Builder
		for _, e := range entries {
			state := "unhealthy"
			if e.Healthy {
				state = "healthy"
			}
			if e.Active {
				state += ", active"
			}
			fmt.Fprintf(&sb, "%s (%s): %s", e.ID, e.Endpoint, state)
			if !e.LastCheck.IsZero() {
				fmt.Fprintf(&sb, ", last checked %s", e.LastCheck.Format(time.RFC3339))
			}
			sb.WriteString("\n")
		}

		return mcp.NewToolResultText(sb.String()), nil
	}
}

func handleConnectEgress(apiURL, apiKey string) server.ToolHandlerFunc {
	client := &http.Client{Timeout: 60 * time.Second}

	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError("id is required"), nil
		}

		env, err := apiDo(ctx, client, http.MethodPost, apiURL, apiKey, "/api/v1/egress/"+url.PathEscape(id)+"/connect", nil)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if !env.Success {
			return mcp.NewToolResultError(envelopeError(env, "connect failed")), nil
		}

		var p egressPoint
		if err := json.Unmarshal(env.Data, &p); err != nil || p.ID == "" {
			return mcp.NewToolResultText("Connected to " + id + "."), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Connected to %s (%s, endpoint %s).", p.ID, p.Name, p.Endpoint)), nil
	}
}

func handleDisconnectEgress(apiURL, apiKey string) server.ToolHandlerFunc {
	client := &http.Client{Timeout: 60 * time.Second}

	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		env, err := apiDo(ctx, client, http.MethodPost, apiURL, apiKey, "/api/v1/egress/disconnect", nil)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if !env.Success {
			return mcp.NewToolResultError(envelopeError(env, "disconnect failed")), nil
		}
		return mcp.NewToolResultText("Disconnected; traffic now takes the direct path."), nil
	}
}

func handleRegisterEgress(apiURL, apiKey string) server.ToolHandlerFunc {
	client := &http.Client{Timeout: 30 * time.Second}

	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := request.RequireString("name")
		if err != nil {
			return mcp.NewToolResultError("name is required"), nil
		}
		conf, err := request.RequireString("conf")
		if err != nil {
			return mcp.NewToolResultError("conf is required"), nil
		}

		payload := map[string]string{
			"name": name,
			"conf": conf,
		}
		if loc := request.GetString("location", ""); loc != "" {
			payload["location"] = loc
		}

		env, err := apiDo(ctx, client, http.MethodPost, apiURL, apiKey, "/api/v1/egress", payload)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if !env.Success {
			return mcp.NewToolResultError(envelopeError(env, "registration failed")), nil
		}

		var p egressPoint
		if err := json.Unmarshal(env.Data, &p); err != nil || p.ID == "" {
			return mcp.NewToolResultText("Registered " + name + "."), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Registered %s as %s (endpoint %s).", p.Name, p.ID, p.Endpoint)), nil
	}
}
