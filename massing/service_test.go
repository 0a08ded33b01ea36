package massing

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redRequest(t *testing.T) *Request {
	t.Helper()
	r := NewRaster(20, 20)
	r.FillRect(4, 4, 16, 16, red)
	return &Request{Image: pngBase64(t, r), BBox: json.RawMessage(`[0, 0, 0.001, 0.001]`)}
}

func TestService_Vectorise(t *testing.T) {
	s := NewService(nil, nil, nil)
	req := redRequest(t)
	req.ID = "caller-id"

	id, fc, err := s.Vectorise(context.Background(), VariantGeojsonify, req, "http")
	require.NoError(t, err)
	assert.Equal(t, "caller-id", id)
	require.Len(t, fc.Features, 1)
	assert.Contains(t, fc.Features[0].Properties, "usetype")

	job, ok := s.Jobs().Get(id)
	require.True(t, ok)
	assert.Equal(t, JobDone, job.Status)
	assert.Equal(t, 1, job.Features)
	assert.Equal(t, VariantGeojsonify, job.Variant)
	assert.Equal(t, "http", job.Source)
}

func TestService_VectoriseBadInput(t *testing.T) {
	s := NewService(nil, nil, nil)
	req := redRequest(t)
	req.BBox = json.RawMessage(`[1, 2, 3]`)

	id, _, err := s.Vectorise(context.Background(), VariantVectorise, req, "http")
	require.Error(t, err)
	job, _ := s.Jobs().Get(id)
	assert.Equal(t, JobFailed, job.Status)
	assert.Equal(t, "invalid_bbox", job.Category)
}

func TestService_ConfiguredOverrides(t *testing.T) {
	cfg := DefaultConfig()
	tol := 0.5
	cfg.Pipeline.SimplifyTolerance = &tol

	s := NewService(cfg, nil, nil)
	p, err := s.Params(VariantVectorise, &Request{})
	require.NoError(t, err)
	assert.Equal(t, 0.5, p.SimplifyTolerance)

	reqTol := 3.0
	p, err = s.Params(VariantVectorise, &Request{SimplifyTolerance: &reqTol})
	require.NoError(t, err)
	assert.Equal(t, 3.0, p.SimplifyTolerance, "the request wins over the config")
}

func TestService_Handle(t *testing.T) {
	tests := []struct {
		name         string
		variant      string
		wantStatus   JobStatus
		wantVariant  Variant
		wantCategory string
	}{
		{"default variant", "", JobDone, VariantVectorise, ""},
		{"alias", "parcel/vectorise", JobDone, VariantParcel, ""},
		{"unknown variant", "extrude", JobFailed, Variant("extrude"), "invalid_variant"},
		{"generate without a generator", "parcel/generate", JobFailed, JobParcelGenerate, ""},
		{"plan without a generator", "plan/generate", JobFailed, JobPlanGenerate, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewService(nil, nil, nil)
			req := redRequest(t)
			req.Variant = tt.variant

			res := s.Handle(context.Background(), req, "mqtt")
			require.NotEmpty(t, res.ID)
			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Equal(t, tt.wantVariant, res.Variant)
			assert.Equal(t, tt.wantCategory, res.Category)
			if tt.wantStatus == JobFailed {
				assert.NotEmpty(t, res.Error)
				assert.Nil(t, res.GeoJSON)
			} else {
				assert.NotNil(t, res.GeoJSON)
			}

			job, ok := s.Jobs().Get(res.ID)
			require.True(t, ok)
			assert.Equal(t, tt.wantStatus, job.Status)
		})
	}
}

func TestService_GenerateWithoutGenerator(t *testing.T) {
	s := NewService(nil, nil, nil)
	assert.False(t, s.CanGenerate())

	_, _, err := s.GenerateParcel(context.Background(), &Request{}, "http")
	assert.ErrorIs(t, err, ErrNoGenerator)
	_, _, err = s.GeneratePlan(context.Background(), redRequest(t), "http")
	assert.ErrorIs(t, err, ErrNoGenerator)
}

func TestService_GenerateParcel(t *testing.T) {
	gen := &fakeGenerator{}
	s := NewService(nil, nil, NewParcelGenerator(gen))
	assert.True(t, s.CanGenerate())

	parcel, err := json.Marshal(map[string]interface{}{
		"type":        "Polygon",
		"coordinates": parcelSquare(0.0015),
	})
	require.NoError(t, err)

	id, fc, err := s.GenerateParcel(context.Background(), &Request{Parcel: parcel}, "http")
	require.NoError(t, err)
	assert.Len(t, fc.Features, 5)

	qc, ok := fc.ExtraMembers["qc"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 1, qc["attempts"])
	assert.Equal(t, true, qc["passed"])
	assert.InDelta(t, 166.8, qc["side_m"], 0.5)

	job, _ := s.Jobs().Get(id)
	assert.Equal(t, JobParcelGenerate, job.Variant)
	assert.Equal(t, 5, job.Features)
}

func TestService_GenerateParcelTooSmall(t *testing.T) {
	s := NewService(nil, nil, NewParcelGenerator(&fakeGenerator{}))
	parcel, err := json.Marshal(map[string]interface{}{
		"type":        "Polygon",
		"coordinates": parcelSquare(0.0005),
	})
	require.NoError(t, err)

	_, _, err = s.GenerateParcel(context.Background(), &Request{Parcel: parcel}, "http")
	field, ok := IsInputError(err)
	assert.True(t, ok)
	assert.Equal(t, "parcel", field)
	assert.ErrorIs(t, err, ErrParcelTooSmall)
}

func TestService_PublishesStatus(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	s := NewService(nil, nil, nil)
	s.SetPublisher(NewPublisher(mock, "city"))

	id, _, err := s.Vectorise(context.Background(), VariantVectorise, redRequest(t), "mqtt")
	require.NoError(t, err)

	msgs := mock.GetPublishedMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "city/status", msgs[0].Topic)
	assert.True(t, msgs[0].Retain)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &got))
	assert.Equal(t, id, got["id"])
	assert.Equal(t, "done", got["status"])
}

func TestService_PublisherOfflineIsIgnored(t *testing.T) {
	s := NewService(nil, nil, nil)
	s.SetPublisher(NewPublisher(NewMockClient(), ""))

	_, _, err := s.Vectorise(context.Background(), VariantVectorise, redRequest(t), "mqtt")
	assert.NoError(t, err)
}
