package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/gatecrash/models"
)

// Scraper runs one scrape request end to end.
type Scraper interface {
	Scrape(ctx context.Context, req *models.ScrapeRequest) (*models.ScrapeResult, error)
}

// Scrape returns the handler for GET /scrape.
//
// On success the upstream response is mirrored: its status code, its
// headers minus hop-by-hop fields, and its payload untouched, so the
// caller sees exactly what the site answered. A surviving 403 or 429
// is mirrored the same way. Failures use the JSON envelope instead.
func Scrape(svc Scraper) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.ScrapeRequest
		if err := c.ShouldBindQuery(&req); err != nil {
			c.JSON(http.StatusBadRequest, models.APIResponse{
				Success: false,
				Error: &models.ErrorDetail{
					Code:    models.ErrCodeInvalidInput,
					Message: err.Error(),
				},
			})
			return
		}

		result, err := svc.Scrape(c.Request.Context(), &req)
		if err != nil {
			respondError(c, err)
			return
		}

		c.Header("X-Gatecrash-Duration-Ms", strconv.FormatInt(result.Duration.Milliseconds(), 10))
		if result.FinalURL != "" {
			c.Header("X-Gatecrash-Final-Url", sanitizeHeaderValue(result.FinalURL))
		}
		if result.Egress != nil {
			c.Header("X-Gatecrash-Egress", result.Egress.ID)
		}

		if req.Screenshot {
			c.Data(result.Status, "image/png", result.Screenshot)
			return
		}

		contentType := "text/html; charset=utf-8"
		for k, v := range result.Headers {
			if skipMirroredHeader(k) {
				continue
			}
			if strings.EqualFold(k, "Content-Type") {
				contentType = v
				continue
			}
			c.Header(k, sanitizeHeaderValue(v))
		}
		c.Data(result.Status, contentType, result.Body)
	}
}

// Hop-by-hop and framing headers must not be mirrored: the body was
// already decoded and re-framed, and connection semantics belong to
// our own server.
var skippedHeaders = map[string]struct{}{
	"connection":         {},
	"keep-alive":         {},
	"transfer-encoding":  {},
	"content-length":     {},
	"content-encoding":   {},
	"trailer":            {},
	"upgrade":            {},
	"proxy-authenticate": {},
	"proxy-connection":   {},
}

func skipMirroredHeader(key string) bool {
	_, ok := skippedHeaders[strings.ToLower(key)]
	return ok
}

// sanitizeHeaderValue strips CR and LF so upstream values cannot
// inject response headers.
func sanitizeHeaderValue(v string) string {
	if !strings.ContainsAny(v, "\r\n") {
		return v
	}
	v = strings.ReplaceAll(v, "\r", " ")
	return strings.ReplaceAll(v, "\n", " ")
}

// respondError maps a ScrapeError to the correct HTTP status code and
// writes a structured JSON error response.
func respondError(c *gin.Context, err error) {
	var scrapeErr *models.ScrapeError
	if !errors.As(err, &scrapeErr) {
		scrapeErr = models.NewScrapeError(models.ErrCodeInternal, err.Error(), err)
	}

	c.JSON(mapErrorToStatus(scrapeErr), models.APIResponse{
		Success: false,
		Error:   scrapeErr.ToDetail(),
	})
}

// mapErrorToStatus translates error codes to HTTP status codes.
func mapErrorToStatus(e *models.ScrapeError) int {
	switch e.Code {
	case models.ErrCodeTimeout:
		return http.StatusGatewayTimeout // 504
	case models.ErrCodeNavigation, models.ErrCodeMaxAttempts:
		return http.StatusBadGateway // 502
	case models.ErrCodeInvalidInput, models.ErrCodeEgressConfig:
		return http.StatusBadRequest // 400
	case models.ErrCodeEgressUnknown:
		return http.StatusNotFound // 404
	case models.ErrCodeSessionCreate:
		return http.StatusServiceUnavailable // 503
	case models.ErrCodeRateLimited:
		return http.StatusTooManyRequests // 429
	case models.ErrCodeUnauthorized:
		return http.StatusUnauthorized // 401
	default:
		return http.StatusInternalServerError // 500
	}
}
