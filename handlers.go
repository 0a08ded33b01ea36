package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/kwv/massing/massing"
	"github.com/paulmach/orb/geojson"
)

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(svc *massing.Service, preview *massing.PreviewRenderer, maxBody int64) http.Handler {
	if maxBody <= 0 {
		maxBody = massing.DefaultMaxBodyBytes
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		writeJSON(w, http.StatusOK, struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			Generator bool      `json:"generator"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Generator: svc.CanGenerate(),
		})
	})

	vectorise := func(v massing.Variant) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			req, err := decodeRequest(w, r, maxBody)
			if err != nil {
				writeError(w, err)
				return
			}
			id, fc, err := svc.Vectorise(r.Context(), v, req, "http")
			writeCollection(w, id, fc, err)
		}
	}
	mux.HandleFunc("POST /vectorise", vectorise(massing.VariantVectorise))
	mux.HandleFunc("POST /geojsonify", vectorise(massing.VariantGeojsonify))
	mux.HandleFunc("POST /parcel/parse", vectorise(massing.VariantParse))
	mux.HandleFunc("POST /parcel/vectorise", vectorise(massing.VariantParcel))

	generate := func(fn func(context.Context, *massing.Request, string) (string, *geojson.FeatureCollection, error)) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			req, err := decodeRequest(w, r, maxBody)
			if err != nil {
				writeError(w, err)
				return
			}
			id, fc, err := fn(r.Context(), req, "http")
			writeCollection(w, id, fc, err)
		}
	}
	mux.HandleFunc("POST /parcel/generate", generate(svc.GenerateParcel))
	mux.HandleFunc("POST /plan/generate", generate(svc.GeneratePlan))

	previewHandler := func(svg bool) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
			if err != nil {
				writeError(w, &massing.InputError{Field: "body", Err: err})
				return
			}
			fc, err := geojson.UnmarshalFeatureCollection(body)
			if err != nil {
				writeError(w, &massing.InputError{Field: "body", Err: err})
				return
			}
			var buf bytes.Buffer
			if err := renderPreview(preview, &buf, fc, svg); err != nil {
				log.Printf("[HTTP] preview: %v", err)
				writeError(w, err)
				return
			}
			if svg {
				w.Header().Set("Content-Type", "image/svg+xml")
			} else {
				w.Header().Set("Content-Type", "image/png")
			}
			w.Header().Set("Cache-Control", "no-cache")
			if _, err := w.Write(buf.Bytes()); err != nil {
				log.Printf("[HTTP] error writing preview: %v", err)
			}
		}
	}
	mux.HandleFunc("POST /preview.svg", previewHandler(true))
	mux.HandleFunc("POST /preview.png", previewHandler(false))

	mux.HandleFunc("GET /jobs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Jobs().List())
	})
	mux.HandleFunc("GET /jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		job, ok := svc.Jobs().Get(r.PathValue("id"))
		if !ok {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "job not found"})
			return
		}
		writeJSON(w, http.StatusOK, job)
	})

	return mux
}

func decodeRequest(w http.ResponseWriter, r *http.Request, maxBody int64) (*massing.Request, error) {
	var req massing.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(&req); err != nil {
		return nil, &massing.InputError{Field: "body", Err: err}
	}
	return &req, nil
}

func writeCollection(w http.ResponseWriter, id string, fc *geojson.FeatureCollection, err error) {
	if id != "" {
		w.Header().Set("X-Job-ID", id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(fc); err != nil {
		log.Printf("[HTTP] error encoding GeoJSON: %v", err)
	}
}

type errorBody struct {
	Error    string `json:"error"`
	Field    string `json:"field,omitempty"`
	Category string `json:"category,omitempty"`
}

// writeError maps err onto a status code. Generation failures are checked
// first since they may wrap an undecodable generated image.
func writeError(w http.ResponseWriter, err error) {
	if cat, ok := massing.GenerationCategoryOf(err); ok {
		writeJSON(w, generationStatus(cat), errorBody{Error: err.Error(), Category: string(cat)})
		return
	}
	if field, ok := massing.IsInputError(err); ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Field: field})
		return
	}
	switch {
	case errors.Is(err, massing.ErrNoGenerator):
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: err.Error()})
	case errors.Is(err, massing.ErrQualityCheck):
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, errorBody{Error: "timed out"})
	default:
		log.Printf("[HTTP] internal error: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func generationStatus(cat massing.GenerationCategory) int {
	switch cat {
	case massing.CategoryRateLimit:
		return http.StatusTooManyRequests
	case massing.CategoryTimeout:
		return http.StatusGatewayTimeout
	case massing.CategoryUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] error encoding response: %v", err)
	}
}
