package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kwv/massing/massing"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// redPlanRequest returns a request body with one red block over a tiny box.
func redPlanRequest(t *testing.T) string {
	t.Helper()
	r := massing.NewRaster(20, 20)
	r.FillRect(4, 4, 16, 16, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, r.Image()); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return fmt.Sprintf(`{"image": %q, "bbox": [0, 0, 0.001, 0.001], "seed": 3}`,
		base64.StdEncoding.EncodeToString(buf.Bytes()))
}

func newTestServer(t *testing.T) (http.Handler, *massing.Service) {
	t.Helper()
	svc := massing.NewService(nil, nil, nil)
	preview, err := massing.NewPreviewRenderer(nil)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	return newHTTPServer(svc, preview, 0), svc
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ---------------------------------------------------------------------------
// endpoints
// ---------------------------------------------------------------------------

func TestHealth(t *testing.T) {
	h, _ := newTestServer(t)
	rec := do(h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Status    string `json:"status"`
		Generator bool   `json:"generator"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Generator {
		t.Errorf("unexpected health body %+v", body)
	}
}

func TestVectorise(t *testing.T) {
	h, svc := newTestServer(t)
	rec := do(h, http.MethodPost, "/vectorise", redPlanRequest(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/geo+json" {
		t.Errorf("expected application/geo+json, got %s", ct)
	}
	id := rec.Header().Get("X-Job-ID")
	if id == "" {
		t.Fatal("expected X-Job-ID header")
	}

	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			Properties map[string]interface{} `json:"properties"`
		} `json:"features"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &fc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fc.Type != "FeatureCollection" || len(fc.Features) != 1 {
		t.Fatalf("expected one feature, got %+v", fc)
	}
	if _, ok := fc.Features[0].Properties["levels"]; !ok {
		t.Error("expected a levels property")
	}

	if job, ok := svc.Jobs().Get(id); !ok || job.Status != massing.JobDone {
		t.Errorf("expected a finished job, got %+v", job)
	}
}

func TestVectorise_BadRequests(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		body      string
		wantField string
	}{
		{"not json", "/vectorise", "{", "body"},
		{"missing bbox", "/vectorise", `{"image": "aGVsbG8="}`, "bbox"},
		{"bad image", "/geojsonify", `{"image": "aGVsbG8=", "bbox": [0, 0, 1, 1]}`, "image"},
		{"bad use mix", "/parcel/parse", `{"image": "", "bbox": [0, 0, 1, 1], "use_mix": [-1, 1, 1]}`, "use_mix"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestServer(t)
			rec := do(h, http.MethodPost, tt.path, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
			var body errorBody
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Field != tt.wantField {
				t.Errorf("expected field %s, got %s (%s)", tt.wantField, body.Field, body.Error)
			}
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h, _ := newTestServer(t)
	rec := do(h, http.MethodGet, "/vectorise", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestGenerate_NoGenerator(t *testing.T) {
	h, _ := newTestServer(t)
	for _, path := range []string{"/parcel/generate", "/plan/generate"} {
		rec := do(h, http.MethodPost, path, `{}`)
		if rec.Code != http.StatusNotImplemented {
			t.Errorf("%s: expected 501, got %d", path, rec.Code)
		}
		if rec.Header().Get("X-Job-ID") == "" {
			t.Errorf("%s: expected the failed job to be recorded", path)
		}
	}
}

func TestJobs(t *testing.T) {
	h, _ := newTestServer(t)
	first := do(h, http.MethodPost, "/vectorise", redPlanRequest(t))
	id := first.Header().Get("X-Job-ID")

	rec := do(h, http.MethodGet, "/jobs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var jobs []massing.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &jobs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != id {
		t.Fatalf("expected job %s, got %+v", id, jobs)
	}

	rec = do(h, http.MethodGet, "/jobs/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var job massing.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.Features != 1 || job.Source != "http" {
		t.Errorf("unexpected job %+v", job)
	}

	rec = do(h, http.MethodGet, "/jobs/unknown", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestPreview(t *testing.T) {
	h, _ := newTestServer(t)
	fc := `{"type": "FeatureCollection", "features": [{"type": "Feature",
		"properties": {"type": "Residential", "levels": 10},
		"geometry": {"type": "Polygon", "coordinates": [[[0, 0], [0.001, 0], [0.001, 0.001], [0, 0.001], [0, 0]]]}}]}`

	tests := []struct {
		path        string
		contentType string
	}{
		{"/preview.svg", "image/svg+xml"},
		{"/preview.png", "image/png"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := do(h, http.MethodPost, tt.path, fc)
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
			}
			if ct := rec.Header().Get("Content-Type"); ct != tt.contentType {
				t.Errorf("expected %s, got %s", tt.contentType, ct)
			}
			if rec.Body.Len() == 0 {
				t.Error("expected a non-empty preview")
			}
		})
	}

	rec := do(h, http.MethodPost, "/preview.svg", "not geojson")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestWriteError_StatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"rate limit", &massing.GenerationError{Category: massing.CategoryRateLimit, Err: errors.New("429")}, http.StatusTooManyRequests},
		{"timeout", &massing.GenerationError{Category: massing.CategoryTimeout, Err: errors.New("504")}, http.StatusGatewayTimeout},
		{"unavailable", &massing.GenerationError{Category: massing.CategoryUnavailable, Err: errors.New("503")}, http.StatusServiceUnavailable},
		{"api error", &massing.GenerationError{Category: massing.CategoryFatal, Err: errors.New("400")}, http.StatusBadGateway},
		{"input", &massing.InputError{Field: "bbox", Err: massing.ErrMissingBBox}, http.StatusBadRequest},
		{"no generator", massing.ErrNoGenerator, http.StatusNotImplemented},
		{"quality check", fmt.Errorf("wrapped: %w", massing.ErrQualityCheck), http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeError(rec, tt.err)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}
