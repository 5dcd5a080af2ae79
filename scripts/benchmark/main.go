package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

// CLI flags
var (
	apiURL = flag.String("api-url", "http://localhost:8080", "Gatecrash API base URL")
	apiKey = flag.String("api-key", "", "API key for authenticated requests")
	runs   = flag.Int("runs", 3, "Number of runs per URL and mode for averaging")
	output = flag.String("output", "benchmark-results.json", "JSON output file path")
)

// Test URLs covering 5 site types.
var testURLs = []struct {
	Label string
	URL   string
}{
	{"Static", "https://example.com"},
	{"Blog", "https://go.dev/blog/go1.21"},
	{"Docs", "https://go.dev/doc/effective_go"},
	{"News", "https://www.bbc.com/news"},
	{"Complex", "https://github.com/go-rod/rod"},
}

// errorEnvelope mirrors the API's error wrapper.
type errorEnvelope struct {
	Success bool `json:"success"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Benchmark result types ---

type runResult struct {
	Run        int    `json:"run"`
	WallMs     int64  `json:"wall_ms"`
	ServerMs   int64  `json:"server_ms"`
	StatusCode int    `json:"status_code"`
	BodyBytes  int    `json:"body_bytes"`
	Egress     string `json:"egress,omitempty"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

type modeAverages struct {
	WallMs    float64 `json:"wall_ms"`
	ServerMs  float64 `json:"server_ms"`
	BodyBytes float64 `json:"body_bytes"`
}

type urlResult struct {
	URL           string        `json:"url"`
	Label         string        `json:"label"`
	Rendered      []runResult   `json:"rendered"`
	Light         []runResult   `json:"light"`
	RenderedAvg   *modeAverages `json:"rendered_avg,omitempty"`
	LightAvg      *modeAverages `json:"light_avg,omitempty"`
	RenderedRatio float64       `json:"rendered_over_light,omitempty"`
}

type benchmarkReport struct {
	Timestamp  string      `json:"timestamp"`
	APIURL     string      `json:"api_url"`
	RunsPerURL int         `json:"runs_per_url"`
	Results    []urlResult `json:"results"`
}

func main() {
	flag.Parse()

	fmt.Println("=== Gatecrash Benchmark Suite ===")
	fmt.Printf("API URL:   %s\n", *apiURL)
	fmt.Printf("Runs/URL:  %d (per mode)\n", *runs)
	fmt.Printf("Output:    %s\n", *output)
	fmt.Println()

	// Quick connectivity check.
	if err := checkAPI(*apiURL); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach API at %s: %v\n", *apiURL, err)
		fmt.Fprintf(os.Stderr, "Make sure Gatecrash is running (e.g. make run)\n")
		os.Exit(1)
	}

	report := benchmarkReport{
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		APIURL:     *apiURL,
		RunsPerURL: *runs,
	}

	for _, t := range testURLs {
		fmt.Printf("Benchmarking [%s] %s ...\n", t.Label, t.URL)
		ur := urlResult{URL: t.URL, Label: t.Label}

		for i := 1; i <= *runs; i++ {
			fmt.Printf("  Rendered %d/%d ... ", i, *runs)
			rr := benchmarkURL(t.URL, false, i)
			printRun(rr)
			ur.Rendered = append(ur.Rendered, rr)
		}
		for i := 1; i <= *runs; i++ {
			fmt.Printf("  Light    %d/%d ... ", i, *runs)
			rr := benchmarkURL(t.URL, true, i)
			printRun(rr)
			ur.Light = append(ur.Light, rr)
		}

		ur.RenderedAvg = computeAverages(ur.Rendered)
		ur.LightAvg = computeAverages(ur.Light)
		if ur.RenderedAvg != nil && ur.LightAvg != nil && ur.LightAvg.WallMs > 0 {
			ur.RenderedRatio = ur.RenderedAvg.WallMs / ur.LightAvg.WallMs
		}
		report.Results = append(report.Results, ur)
		fmt.Println()
	}

	// Print summary table.
	printTable(report.Results)

	// Write JSON report.
	if err := writeJSON(*output, report); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing JSON output: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nDetailed results written to %s\n", *output)
}

func printRun(rr runResult) {
	if rr.Success {
		fmt.Printf("OK  %dms  %s  status %d\n", rr.WallMs, formatInt(rr.BodyBytes), rr.StatusCode)
	} else {
		fmt.Printf("FAILED: %s\n", rr.Error)
	}
}

func checkAPI(baseURL string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(baseURL + "/api/v1/health")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func benchmarkURL(target string, light bool, run int) runResult {
	rr := runResult{Run: run}

	q := url.Values{}
	q.Set("url", target)
	q.Set("timeout", "60")
	if light {
		q.Set("light", "true")
	}

	req, err := http.NewRequest("GET", *apiURL+"/scrape?"+q.Encode(), nil)
	if err != nil {
		rr.Error = fmt.Sprintf("request error: %v", err)
		return rr
	}
	if *apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+*apiKey)
	}

	client := &http.Client{Timeout: 90 * time.Second}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		rr.Error = fmt.Sprintf("request failed: %v", err)
		return rr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	rr.WallMs = time.Since(start).Milliseconds()
	if err != nil {
		rr.Error = fmt.Sprintf("read error: %v", err)
		return rr
	}

	rr.StatusCode = resp.StatusCode
	rr.BodyBytes = len(body)
	rr.Egress = resp.Header.Get("X-Gatecrash-Egress")
	if v := resp.Header.Get("X-Gatecrash-Duration-Ms"); v != "" {
		rr.ServerMs, _ = strconv.ParseInt(v, 10, 64)
	}

	// Orchestrator errors come back as JSON envelopes; mirrored upstream
	// statuses (even 4xx) count as successful round trips.
	if resp.StatusCode >= 400 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var env errorEnvelope
		if json.Unmarshal(body, &env) == nil && !env.Success && env.Error != nil {
			rr.Error = fmt.Sprintf("[%s] %s", env.Error.Code, env.Error.Message)
			return rr
		}
	}

	rr.Success = true
	return rr
}

func computeAverages(runs []runResult) *modeAverages {
	var successCount int
	var avg modeAverages

	for _, r := range runs {
		if !r.Success {
			continue
		}
		successCount++
		avg.WallMs += float64(r.WallMs)
		avg.ServerMs += float64(r.ServerMs)
		avg.BodyBytes += float64(r.BodyBytes)
	}

	if successCount == 0 {
		return nil
	}

	n := float64(successCount)
	avg.WallMs /= n
	avg.ServerMs /= n
	avg.BodyBytes /= n
	return &avg
}

func printTable(results []urlResult) {
	fmt.Println(strings.Repeat("─", 85))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "URL\tRendered\tLight\tRatio\tBody\tStatus\n")
	fmt.Fprintf(w, "───\t────────\t─────\t─────\t────\t──────\n")

	for _, r := range results {
		if r.RenderedAvg == nil && r.LightAvg == nil {
			fmt.Fprintf(w, "%s\tFAILED\tFAILED\t-\t-\t-\n", truncateURL(r.URL, 40))
			continue
		}

		rendered, light, ratio := "-", "-", "-"
		if r.RenderedAvg != nil {
			rendered = fmt.Sprintf("%dms", int64(r.RenderedAvg.WallMs))
		}
		if r.LightAvg != nil {
			light = fmt.Sprintf("%dms", int64(r.LightAvg.WallMs))
		}
		if r.RenderedRatio > 0 {
			ratio = fmt.Sprintf("%.1fx", r.RenderedRatio)
		}

		body := "-"
		if r.RenderedAvg != nil {
			body = formatInt(int(r.RenderedAvg.BodyBytes))
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			truncateURL(r.URL, 40),
			rendered,
			light,
			ratio,
			body,
			dominantStatus(r.Rendered),
		)
	}

	w.Flush()
	fmt.Println(strings.Repeat("─", 85))
}

func dominantStatus(runs []runResult) int {
	counts := map[int]int{}
	for _, r := range runs {
		if r.Success {
			counts[r.StatusCode]++
		}
	}
	best, bestCount := 0, 0
	for code, count := range counts {
		if count > bestCount {
			best = code
			bestCount = count
		}
	}
	return best
}

func truncateURL(u string, max int) string {
	if len(u) <= max {
		return u
	}
	return u[:max-3] + "..."
}

func formatInt(n int) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var result []byte
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}

func writeJSON(path string, report benchmarkReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
