package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/gatecrash/models"
)

type fakeManager struct {
	points     map[string]*models.EgressPoint
	active     *models.EgressPoint
	addErr     map[string]error // keyed by name
	connectErr error
	removed    []string
	connects   []string
}

func newFakeManager() *fakeManager {
	return &fakeManager{points: map[string]*models.EgressPoint{}, addErr: map[string]error{}}
}

func (f *fakeManager) Add(name, location, confText string) (*models.EgressPoint, error) {
	if err := f.addErr[name]; err != nil {
		return nil, err
	}
	if confText == "" {
		return nil, models.NewScrapeError(models.ErrCodeEgressConfig, "empty configuration", nil)
	}
	id := strings.ToLower(strings.ReplaceAll(name, " ", "-"))
	p := &models.EgressPoint{ID: id, Name: name, Location: location}
	f.points[id] = p
	return p, nil
}

func (f *fakeManager) Remove(_ context.Context, id string) (bool, error) {
	f.removed = append(f.removed, id)
	if _, ok := f.points[id]; !ok {
		return false, nil
	}
	delete(f.points, id)
	return true, nil
}

func (f *fakeManager) Connect(_ context.Context, id string) error {
	f.connects = append(f.connects, id)
	if f.connectErr != nil {
		return f.connectErr
	}
	p, ok := f.points[id]
	if !ok {
		return models.NewScrapeError(models.ErrCodeEgressUnknown, "no egress point with id "+id, nil)
	}
	f.active = p
	return nil
}

func (f *fakeManager) Disconnect(context.Context) error {
	f.active = nil
	return nil
}

func (f *fakeManager) List() []models.EgressPoint {
	out := make([]models.EgressPoint, 0, len(f.points))
	for _, p := range f.points {
		out = append(out, *p)
	}
	return out
}

func (f *fakeManager) HealthStatus() []models.EgressHealth {
	out := make([]models.EgressHealth, 0, len(f.points))
	for _, p := range f.points {
		out = append(out, models.EgressHealth{ID: p.ID, Name: p.Name, Healthy: true})
	}
	return out
}

func (f *fakeManager) Active() *models.EgressPoint { return f.active }

func egressRouter(m EgressManager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/egress", ListEgress(m))
	r.GET("/egress/status", EgressStatus(m))
	r.GET("/egress/active", ActiveEgress(m))
	r.POST("/egress", RegisterEgress(m))
	r.POST("/egress/bulk", BulkRegisterEgress(m))
	r.POST("/egress/upload", UploadEgress(m))
	r.POST("/egress/:id/connect", ConnectEgress(m))
	r.POST("/egress/disconnect", DisconnectEgress(m))
	r.DELETE("/egress/:id", RemoveEgress(m))
	return r
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad envelope: %v (body %s)", err, w.Body.String())
	}
	return resp
}

func TestRegisterEgress(t *testing.T) {
	m := newFakeManager()
	r := egressRouter(m)

	payload := `{"name":"Berlin DE","location":"de","conf":"[Interface]..."}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/egress", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decodeEnvelope(t, w)
	if !resp.Success {
		t.Errorf("envelope = %+v", resp)
	}
	if len(m.points) != 1 {
		t.Errorf("points registered = %d, want 1", len(m.points))
	}
}

func TestRegisterEgress_MissingFields(t *testing.T) {
	m := newFakeManager()
	r := egressRouter(m)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/egress", strings.NewReader(`{"location":"de"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if resp := decodeEnvelope(t, w); resp.Error == nil || resp.Error.Code != models.ErrCodeInvalidInput {
		t.Errorf("envelope = %+v", resp)
	}
}

func TestRegisterEgress_InvalidConfMapsTo400(t *testing.T) {
	m := newFakeManager()
	r := egressRouter(m)

	payload := `{"name":"Broken","conf":""}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/egress", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	// binding rejects the empty conf before the registry sees it
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestBulkRegisterEgress_ContinuesPastFailures(t *testing.T) {
	m := newFakeManager()
	m.addErr["Bad Point"] = models.NewScrapeError(models.ErrCodeEgressConfig, "missing [Peer] section", nil)
	r := egressRouter(m)

	payload := `{"points":[
		{"name":"One","conf":"[Interface]..."},
		{"name":"Bad Point","conf":"[Interface]..."},
		{"name":"Two","location":"us","conf":"[Interface]..."}
	]}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/egress/bulk", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			Registered int         `json:"registered"`
			Points     []bulkEntry `json:"points"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if resp.Data.Registered != 2 {
		t.Errorf("registered = %d, want 2", resp.Data.Registered)
	}
	if len(resp.Data.Points) != 3 {
		t.Fatalf("entries = %d, want 3", len(resp.Data.Points))
	}
	if resp.Data.Points[1].Error == nil || resp.Data.Points[1].Error.Code != models.ErrCodeEgressConfig {
		t.Errorf("failed entry = %+v", resp.Data.Points[1])
	}
	if resp.Data.Points[0].Error != nil || resp.Data.Points[2].Error != nil {
		t.Error("good entries carry errors")
	}
}

func TestUploadEgress(t *testing.T) {
	m := newFakeManager()
	r := egressRouter(m)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("location", "nl")
	for _, name := range []string{"amsterdam-1.conf", "amsterdam-2.conf"} {
		part, err := mw.CreateFormFile("files", name)
		if err != nil {
			t.Fatal(err)
		}
		fmt.Fprintf(part, "[Interface]\nPrivateKey = x\n[Peer]\nEndpoint = 1.2.3.4:51820\n")
	}
	mw.Close()

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/egress/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if len(m.points) != 2 {
		t.Fatalf("points = %d, want 2", len(m.points))
	}
	for _, p := range m.points {
		if p.Location != "nl" {
			t.Errorf("location = %q, want nl", p.Location)
		}
		if strings.HasSuffix(p.Name, ".conf") {
			t.Errorf("name %q kept the file extension", p.Name)
		}
	}
}

func TestUploadEgress_NoFiles(t *testing.T) {
	m := newFakeManager()
	r := egressRouter(m)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("location", "nl")
	mw.Close()

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/egress/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestConnectEgress(t *testing.T) {
	m := newFakeManager()
	m.points["berlin-de"] = &models.EgressPoint{ID: "berlin-de", Name: "Berlin DE"}
	r := egressRouter(m)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/egress/berlin-de/connect", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if m.active == nil || m.active.ID != "berlin-de" {
		t.Errorf("active = %+v", m.active)
	}
}

func TestConnectEgress_UnknownIs404(t *testing.T) {
	m := newFakeManager()
	r := egressRouter(m)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/egress/ghost/connect", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if resp := decodeEnvelope(t, w); resp.Error == nil || resp.Error.Code != models.ErrCodeEgressUnknown {
		t.Errorf("envelope = %+v", resp)
	}
}

func TestDisconnectEgress_Idempotent(t *testing.T) {
	m := newFakeManager()
	r := egressRouter(m)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/egress/disconnect", nil)
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("attempt %d: status = %d", i+1, w.Code)
		}
	}
}

func TestRemoveEgress(t *testing.T) {
	m := newFakeManager()
	m.points["old"] = &models.EgressPoint{ID: "old"}
	r := egressRouter(m)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("DELETE", "/egress/old", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("DELETE", "/egress/old", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", w.Code)
	}
}

func TestListAndStatusAndActive(t *testing.T) {
	m := newFakeManager()
	m.points["a"] = &models.EgressPoint{ID: "a", Name: "A"}
	m.active = m.points["a"]
	r := egressRouter(m)

	for _, path := range []string{"/egress", "/egress/status", "/egress/active"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", path, nil)
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("%s: status = %d", path, w.Code)
		}
		if resp := decodeEnvelope(t, w); !resp.Success {
			t.Errorf("%s: envelope = %+v", path, resp)
		}
	}
}
