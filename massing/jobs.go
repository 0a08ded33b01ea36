package massing

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultJobHistory is how many finished jobs a tracker remembers.
const DefaultJobHistory = 100

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Job summarises one pipeline run.
type Job struct {
	ID        string    `json:"id"`
	Variant   Variant   `json:"variant"`
	Source    string    `json:"source"` // http or mqtt
	Status    JobStatus `json:"status"`
	Features  int       `json:"features"`
	Error     string    `json:"error,omitempty"`
	Category  string    `json:"category,omitempty"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished,omitempty"`
	ElapsedMS int64     `json:"elapsedMs,omitempty"`
}

// JobTracker keeps the most recent jobs for the status endpoints.
type JobTracker struct {
	mu        sync.RWMutex
	jobs      map[string]*Job
	order     []string // oldest first
	limit     int
	cachePath string // empty disables persistence
}

// NewJobTracker creates a tracker remembering up to limit jobs.
func NewJobTracker(limit int) *JobTracker {
	if limit <= 0 {
		limit = DefaultJobHistory
	}
	return &JobTracker{jobs: make(map[string]*Job), limit: limit}
}

// NewJobTrackerWithCache creates a tracker that persists its history to
// cachePath and reloads it if the file exists.
func NewJobTrackerWithCache(limit int, cachePath string) *JobTracker {
	jt := NewJobTracker(limit)
	jt.cachePath = cachePath
	if cachePath == "" {
		return jt
	}
	jobs, err := LoadJobHistory(cachePath)
	if err != nil {
		return jt
	}
	for _, j := range jobs {
		jt.insert(j)
	}
	return jt
}

// Start records a running job. An empty id gets a fresh UUID.
func (jt *JobTracker) Start(id string, v Variant, source string) string {
	if id == "" {
		id = uuid.NewString()
	}
	jt.mu.Lock()
	defer jt.mu.Unlock()
	jt.insert(&Job{ID: id, Variant: v, Source: source, Status: JobRunning, Started: time.Now()})
	return id
}

// insert adds j, evicting the oldest job beyond the limit. Callers hold mu.
func (jt *JobTracker) insert(j *Job) {
	if _, ok := jt.jobs[j.ID]; !ok {
		jt.order = append(jt.order, j.ID)
	}
	jt.jobs[j.ID] = j
	for len(jt.order) > jt.limit {
		delete(jt.jobs, jt.order[0])
		jt.order = jt.order[1:]
	}
}

// Finish marks id done with its feature count, or failed when err is set.
func (jt *JobTracker) Finish(id string, features int, err error) {
	jt.mu.Lock()
	j, ok := jt.jobs[id]
	if !ok {
		jt.mu.Unlock()
		return
	}
	j.Finished = time.Now()
	j.ElapsedMS = j.Finished.Sub(j.Started).Milliseconds()
	j.Features = features
	j.Status = JobDone
	if err != nil {
		j.Status = JobFailed
		j.Error = err.Error()
		if c, ok := GenerationCategoryOf(err); ok {
			j.Category = string(c)
		} else if field, ok := IsInputError(err); ok {
			j.Category = "invalid_" + field
		}
	}
	snapshot := jt.snapshot()
	cachePath := jt.cachePath
	jt.mu.Unlock()

	if cachePath != "" {
		if err := SaveJobHistory(snapshot, cachePath); err != nil {
			log.Printf("warning: failed to save job history: %v", err)
		}
	}
}

// Get returns a copy of one job.
func (jt *JobTracker) Get(id string) (Job, bool) {
	jt.mu.RLock()
	defer jt.mu.RUnlock()
	j, ok := jt.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// List returns copies of the remembered jobs, newest first.
func (jt *JobTracker) List() []Job {
	jt.mu.RLock()
	defer jt.mu.RUnlock()
	out := jt.snapshot()
	sort.SliceStable(out, func(a, b int) bool { return out[a].Started.After(out[b].Started) })
	return out
}

// snapshot copies the jobs oldest first. Callers hold mu.
func (jt *JobTracker) snapshot() []Job {
	out := make([]Job, 0, len(jt.order))
	for _, id := range jt.order {
		out = append(out, *jt.jobs[id])
	}
	return out
}

// SaveJobHistory writes jobs to disk as JSON.
func SaveJobHistory(jobs []Job, path string) error {
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job history: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write job history: %w", err)
	}
	return nil
}

// LoadJobHistory reads jobs written by SaveJobHistory.
func LoadJobHistory(path string) ([]*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job history: %w", err)
	}
	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("unmarshal job history: %w", err)
	}
	return jobs, nil
}
