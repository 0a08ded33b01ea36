package massing

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/paulmach/orb/geojson"
)

// Job kinds that call the image generator rather than a single pipeline run.
const (
	JobParcelGenerate Variant = "parcel/generate"
	JobPlanGenerate   Variant = "plan/generate"
)

// Service runs requests arriving on any surface and records each as a job.
type Service struct {
	config    *Config
	jobs      *JobTracker
	parcels   *ParcelGenerator
	publisher *Publisher
}

// NewService wires the service. parcels may be nil when no generator is
// configured; generate requests then fail with ErrNoGenerator.
func NewService(config *Config, jobs *JobTracker, parcels *ParcelGenerator) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if jobs == nil {
		jobs = NewJobTracker(DefaultJobHistory)
	}
	return &Service{config: config, jobs: jobs, parcels: parcels}
}

// SetPublisher publishes the status of every finished job through p.
func (s *Service) SetPublisher(p *Publisher) {
	s.publisher = p
}

// Jobs returns the job tracker.
func (s *Service) Jobs() *JobTracker {
	return s.jobs
}

// CanGenerate reports whether an image generator is configured.
func (s *Service) CanGenerate() bool {
	return s.parcels != nil
}

// Params returns the defaults of v with the configured overrides and the
// request's fields applied.
func (s *Service) Params(v Variant, req *Request) (Params, error) {
	return req.Params(s.config.Pipeline.Apply(DefaultParams(v)))
}

// Vectorise runs req through the pipeline variant v.
func (s *Service) Vectorise(ctx context.Context, v Variant, req *Request, source string) (string, *geojson.FeatureCollection, error) {
	id := s.jobs.Start(req.ID, v, source)
	fc, err := s.vectorise(ctx, v, req)
	s.finish(id, fc, err)
	return id, fc, err
}

func (s *Service) vectorise(ctx context.Context, v Variant, req *Request) (*geojson.FeatureCollection, error) {
	p, err := NewPipeline(v)
	if err != nil {
		return nil, inputErr("variant", err)
	}
	params, err := s.Params(v, req)
	if err != nil {
		return nil, err
	}
	raster, b, err := req.Decode()
	if err != nil {
		return nil, err
	}
	res, err := p.Run(ctx, raster, b, params)
	if err != nil {
		return nil, err
	}
	return res.Collection, nil
}

// GenerateParcel fills the parcel geometry of req with generated buildings.
// The collection carries a "qc" member with the attempt count, IoU and
// whether the shape check passed.
func (s *Service) GenerateParcel(ctx context.Context, req *Request, source string) (string, *geojson.FeatureCollection, error) {
	id := s.jobs.Start(req.ID, JobParcelGenerate, source)
	fc, err := s.generateParcel(ctx, req)
	s.finish(id, fc, err)
	return id, fc, err
}

func (s *Service) generateParcel(ctx context.Context, req *Request) (*geojson.FeatureCollection, error) {
	if s.parcels == nil {
		return nil, ErrNoGenerator
	}
	parcel, err := req.ParcelPolygon()
	if err != nil {
		return nil, err
	}
	params, err := s.Params(VariantParcel, req)
	if err != nil {
		return nil, err
	}
	res, err := s.parcels.Generate(ctx, parcel, params.Zone, params)
	if err != nil {
		if errors.Is(err, ErrParcelTooSmall) {
			return nil, inputErr("parcel", err)
		}
		return nil, err
	}
	fc := res.Collection
	fc.ExtraMembers["qc"] = map[string]interface{}{
		"attempts": res.Attempts,
		"iou":      res.IoU,
		"passed":   res.QCPassed,
		"side_m":   res.Parcel.SideM,
	}
	return fc, nil
}

// GeneratePlan fills every commercial and residential parcel of a parcel
// plan. The collection carries a "stats" member.
func (s *Service) GeneratePlan(ctx context.Context, req *Request, source string) (string, *geojson.FeatureCollection, error) {
	id := s.jobs.Start(req.ID, JobPlanGenerate, source)
	fc, err := s.generatePlan(ctx, req)
	s.finish(id, fc, err)
	return id, fc, err
}

func (s *Service) generatePlan(ctx context.Context, req *Request) (*geojson.FeatureCollection, error) {
	if s.parcels == nil {
		return nil, ErrNoGenerator
	}
	params, err := s.Params(VariantParse, req)
	if err != nil {
		return nil, err
	}
	raster, b, err := req.Decode()
	if err != nil {
		return nil, err
	}
	fc, stats, err := s.parcels.GeneratePlan(ctx, raster, b, params)
	if err != nil {
		return nil, err
	}
	fc.ExtraMembers["stats"] = stats
	return fc, nil
}

// Handle dispatches req on its variant name and returns the message to
// publish. An empty variant means vectorise.
func (s *Service) Handle(ctx context.Context, req *Request, source string) JobResult {
	name := req.Variant
	if name == "" {
		name = string(VariantVectorise)
	}

	var (
		id  string
		fc  *geojson.FeatureCollection
		err error
	)
	switch Variant(name) {
	case JobParcelGenerate:
		id, fc, err = s.GenerateParcel(ctx, req, source)
	case JobPlanGenerate:
		id, fc, err = s.GeneratePlan(ctx, req, source)
	default:
		v, ok := ParseVariant(name)
		if !ok {
			id = s.jobs.Start(req.ID, Variant(name), source)
			err = inputErr("variant", fmt.Errorf("unknown variant %q", name))
			s.finish(id, nil, err)
			break
		}
		id, fc, err = s.Vectorise(ctx, v, req, source)
	}

	job, _ := s.jobs.Get(id)
	res := JobResult{ID: id, Variant: job.Variant, Status: job.Status, GeoJSON: fc}
	if err != nil {
		res.Status = JobFailed
		res.Error = err.Error()
		res.Category = job.Category
	}
	return res
}

func (s *Service) finish(id string, fc *geojson.FeatureCollection, err error) {
	n := 0
	if fc != nil {
		n = len(fc.Features)
	}
	s.jobs.Finish(id, n, err)
	if err != nil {
		log.Printf("[PIPELINE] job %s failed: %v", id, err)
	} else {
		log.Printf("[PIPELINE] job %s produced %d features", id, n)
	}

	if s.publisher == nil {
		return
	}
	job, ok := s.jobs.Get(id)
	if !ok {
		return
	}
	if perr := s.publisher.PublishStatus(job); perr != nil && !errors.Is(perr, ErrNotConnected) {
		log.Printf("[MQTT] error publishing status for %s: %v", id, perr)
	}
}
