package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/gatecrash/models"
)

type fakeService struct {
	result  *models.ScrapeResult
	err     error
	lastReq *models.ScrapeRequest
}

func (f *fakeService) Scrape(_ context.Context, req *models.ScrapeRequest) (*models.ScrapeResult, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func scrapeRouter(svc Scraper) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/scrape", Scrape(svc))
	return r
}

func TestScrape_MirrorsUpstream(t *testing.T) {
	svc := &fakeService{result: &models.ScrapeResult{
		Status:     200,
		StatusText: "OK",
		Headers: map[string]string{
			"Content-Type":      "text/html; charset=iso-8859-1",
			"X-Upstream":        "yes",
			"Content-Length":    "9999",
			"Transfer-Encoding": "chunked",
		},
		Body:     []byte("<html>mirrored</html>"),
		FinalURL: "https://example.com/landing",
		Egress:   &models.EgressPoint{ID: "berlin-de"},
		Duration: 1500 * time.Millisecond,
	}}

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/scrape?url=https://example.com", nil)
	scrapeRouter(svc).ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if w.Body.String() != "<html>mirrored</html>" {
		t.Errorf("body = %q", w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=iso-8859-1" {
		t.Errorf("Content-Type = %q", ct)
	}
	if w.Header().Get("X-Upstream") != "yes" {
		t.Error("upstream header not mirrored")
	}
	if w.Header().Get("Transfer-Encoding") != "" {
		t.Error("hop-by-hop header leaked through")
	}
	if got := w.Header().Get("X-Gatecrash-Duration-Ms"); got != "1500" {
		t.Errorf("X-Gatecrash-Duration-Ms = %q", got)
	}
	if got := w.Header().Get("X-Gatecrash-Final-Url"); got != "https://example.com/landing" {
		t.Errorf("X-Gatecrash-Final-Url = %q", got)
	}
	if got := w.Header().Get("X-Gatecrash-Egress"); got != "berlin-de" {
		t.Errorf("X-Gatecrash-Egress = %q", got)
	}
}

func TestScrape_MirrorsBlockedStatus(t *testing.T) {
	svc := &fakeService{result: &models.ScrapeResult{
		Status:     429,
		StatusText: "Too Many Requests",
		Headers:    map[string]string{"Retry-After": "30"},
		Body:       []byte("slow down"),
	}}

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/scrape?url=https://example.com", nil)
	scrapeRouter(svc).ServeHTTP(w, req)

	if w.Code != 429 {
		t.Errorf("status = %d, want the upstream 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "30" {
		t.Error("Retry-After not mirrored")
	}
}

func TestScrape_BindsQueryParameters(t *testing.T) {
	svc := &fakeService{result: &models.ScrapeResult{Status: 200, Body: []byte("x")}}

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET",
		"/scrape?url=https://example.com&scroll=true&wait_network_idle=true&location=de&timeout=30", nil)
	scrapeRouter(svc).ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	got := svc.lastReq
	if got.URL != "https://example.com" || !got.Scroll || !got.WaitNetworkIdle {
		t.Errorf("bound request = %+v", got)
	}
	if got.Location != "de" || got.Timeout != 30 {
		t.Errorf("bound request = %+v", got)
	}
}

func TestScrape_MissingURLRejected(t *testing.T) {
	svc := &fakeService{result: &models.ScrapeResult{Status: 200}}

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/scrape", nil)
	scrapeRouter(svc).ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var resp models.APIResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad envelope: %v", err)
	}
	if resp.Success || resp.Error == nil || resp.Error.Code != models.ErrCodeInvalidInput {
		t.Errorf("envelope = %+v", resp)
	}
}

func TestScrape_ScreenshotResponse(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G', '\r', '\n'}
	svc := &fakeService{result: &models.ScrapeResult{Status: 200, Screenshot: png}}

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/scrape?url=https://example.com&screenshot=true", nil)
	scrapeRouter(svc).ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}
	if w.Body.String() != string(png) {
		t.Error("screenshot bytes not returned verbatim")
	}
}

func TestScrape_ErrorStatusMapping(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{models.ErrCodeTimeout, http.StatusGatewayTimeout},
		{models.ErrCodeNavigation, http.StatusBadGateway},
		{models.ErrCodeMaxAttempts, http.StatusBadGateway},
		{models.ErrCodeSessionCreate, http.StatusServiceUnavailable},
		{models.ErrCodeInvalidInput, http.StatusBadRequest},
		{models.ErrCodeEgressUnknown, http.StatusNotFound},
		{models.ErrCodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			svc := &fakeService{err: models.NewScrapeError(tt.code, "boom", nil)}

			w := httptest.NewRecorder()
			req := httptest.NewRequest("GET", "/scrape?url=https://example.com", nil)
			scrapeRouter(svc).ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			var resp models.APIResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("bad envelope: %v", err)
			}
			if resp.Error == nil || resp.Error.Code != tt.code {
				t.Errorf("envelope error = %+v", resp.Error)
			}
		})
	}
}

func TestSanitizeHeaderValue(t *testing.T) {
	if got := sanitizeHeaderValue("plain"); got != "plain" {
		t.Errorf("got %q", got)
	}
	if got := sanitizeHeaderValue("evil\r\nX-Injected: 1"); got != "evil  X-Injected: 1" {
		t.Errorf("got %q", got)
	}
}
