package handler

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/gatecrash/models"
)

// EgressManager is the slice of the egress registry the handlers use.
type EgressManager interface {
	Add(name, location, confText string) (*models.EgressPoint, error)
	Remove(ctx context.Context, id string) (bool, error)
	Connect(ctx context.Context, id string) error
	Disconnect(ctx context.Context) error
	List() []models.EgressPoint
	HealthStatus() []models.EgressHealth
	Active() *models.EgressPoint
}

// ListEgress returns the handler for GET /api/v1/egress.
func ListEgress(m EgressManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, models.APIResponse{Success: true, Data: m.List()})
	}
}

// EgressStatus returns the handler for GET /api/v1/egress/status.
func EgressStatus(m EgressManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, models.APIResponse{Success: true, Data: m.HealthStatus()})
	}
}

// ActiveEgress returns the handler for GET /api/v1/egress/active.
// Data is null when no point is connected.
func ActiveEgress(m EgressManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, models.APIResponse{Success: true, Data: m.Active()})
	}
}

// RegisterEgress returns the handler for POST /api/v1/egress.
func RegisterEgress(m EgressManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.RegisterEgressRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, models.APIResponse{
				Success: false,
				Error:   &models.ErrorDetail{Code: models.ErrCodeInvalidInput, Message: err.Error()},
			})
			return
		}

		point, err := m.Add(req.Name, req.Location, req.Conf)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, models.APIResponse{Success: true, Data: point})
	}
}

// bulkEntry is the per-point outcome of a bulk or upload registration.
// Registration keeps going past individual failures.
type bulkEntry struct {
	Name  string              `json:"name"`
	Point *models.EgressPoint `json:"point,omitempty"`
	Error *models.ErrorDetail `json:"error,omitempty"`
}

func registerEach(m EgressManager, reqs []models.RegisterEgressRequest) ([]bulkEntry, int) {
	entries := make([]bulkEntry, 0, len(reqs))
	registered := 0
	for _, r := range reqs {
		entry := bulkEntry{Name: r.Name}
		point, err := m.Add(r.Name, r.Location, r.Conf)
		if err != nil {
			entry.Error = errorDetail(err)
		} else {
			entry.Point = point
			registered++
		}
		entries = append(entries, entry)
	}
	return entries, registered
}

func errorDetail(err error) *models.ErrorDetail {
	var scrapeErr *models.ScrapeError
	if errors.As(err, &scrapeErr) {
		return scrapeErr.ToDetail()
	}
	return &models.ErrorDetail{Code: models.ErrCodeInternal, Message: err.Error()}
}

// BulkRegisterEgress returns the handler for POST /api/v1/egress/bulk.
func BulkRegisterEgress(m EgressManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.BulkRegisterEgressRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, models.APIResponse{
				Success: false,
				Error:   &models.ErrorDetail{Code: models.ErrCodeInvalidInput, Message: err.Error()},
			})
			return
		}

		entries, registered := registerEach(m, req.Points)
		c.JSON(http.StatusOK, models.APIResponse{Success: true, Data: gin.H{
			"registered": registered,
			"points":     entries,
		}})
	}
}

// UploadEgress returns the handler for POST /api/v1/egress/upload.
// Each multipart file under "files" becomes one point named after the
// file; an optional "location" form field applies to all of them.
func UploadEgress(m EgressManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, models.APIResponse{
				Success: false,
				Error:   &models.ErrorDetail{Code: models.ErrCodeInvalidInput, Message: err.Error()},
			})
			return
		}
		files := form.File["files"]
		if len(files) == 0 {
			c.JSON(http.StatusBadRequest, models.APIResponse{
				Success: false,
				Error:   &models.ErrorDetail{Code: models.ErrCodeInvalidInput, Message: "no files in upload, use form field 'files'"},
			})
			return
		}
		location := c.PostForm("location")

		reqs := make([]models.RegisterEgressRequest, 0, len(files))
		for _, fh := range files {
			name := strings.TrimSuffix(filepath.Base(fh.Filename), ".conf")
			conf, rerr := readUpload(fh)
			if rerr != nil {
				reqs = append(reqs, models.RegisterEgressRequest{Name: name}) // empty conf fails validation with a clear error
				continue
			}
			reqs = append(reqs, models.RegisterEgressRequest{Name: name, Location: location, Conf: conf})
		}

		entries, registered := registerEach(m, reqs)
		c.JSON(http.StatusOK, models.APIResponse{Success: true, Data: gin.H{
			"registered": registered,
			"points":     entries,
		}})
	}
}

func readUpload(fh *multipart.FileHeader) (string, error) {
	f, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer f.Close()
	raw, err := io.ReadAll(io.LimitReader(f, 1<<20))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// ConnectEgress returns the handler for POST /api/v1/egress/:id/connect.
func ConnectEgress(m EgressManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := m.Connect(c.Request.Context(), id); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, models.APIResponse{Success: true, Data: m.Active()})
	}
}

// DisconnectEgress returns the handler for POST /api/v1/egress/disconnect.
// Disconnecting with nothing active is a no-op success.
func DisconnectEgress(m EgressManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := m.Disconnect(c.Request.Context()); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, models.APIResponse{Success: true})
	}
}

// RemoveEgress returns the handler for DELETE /api/v1/egress/:id.
func RemoveEgress(m EgressManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		found, err := m.Remove(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		if !found {
			c.JSON(http.StatusNotFound, models.APIResponse{
				Success: false,
				Error:   &models.ErrorDetail{Code: models.ErrCodeEgressUnknown, Message: "no egress point with id " + id},
			})
			return
		}
		c.JSON(http.StatusOK, models.APIResponse{Success: true})
	}
}
