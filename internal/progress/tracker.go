// Package progress keeps in-memory statistics for running migration jobs and fans
// snapshots out to subscribers such as the management API and the MQTT publisher.
package progress

import (
	"cmp"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/buildpulse/crmsync/internal/datastore/entities"
	"github.com/buildpulse/crmsync/internal/logger"
)

// windowSize is the number of recent batch durations averaged for the ETA
const windowSize = 10

// DefaultSubscriberBuffer is the channel capacity used when Subscribe gets a non-positive buffer
const DefaultSubscriberBuffer = 16

// Recorder receives derived statistics. It is implemented by metrics.MigrationMetrics.
type Recorder interface {
	RecordBatch(objectType string, processed, succeeded, failed int, duration time.Duration)
	SetStatus(objectType, status string)
	SetProgress(objectType string, percent, throughput, etaSeconds float64)
}

// BatchResult is the outcome of one processed batch
type BatchResult struct {
	BatchIndex     int                 `json:"batchIndex"`
	ProcessedCount int                 `json:"processedCount"`
	SuccessCount   int                 `json:"successCount"`
	FailureCount   int                 `json:"failureCount"`
	Errors         []entities.JobError `json:"errors,omitempty"`
	Duration       time.Duration       `json:"-"`
}

// Snapshot is a point-in-time copy of one job's statistics
type Snapshot struct {
	ObjectType       string             `json:"objectType"`
	Status           entities.JobStatus `json:"status"`
	TotalRecords     int64              `json:"totalRecords"`
	BatchSize        int                `json:"batchSize"`
	TotalBatches     int                `json:"totalBatches"`
	CompletedBatches int                `json:"completedBatches"`
	ProcessedRecords int64              `json:"processedRecords"`
	SuccessCount     int64              `json:"successCount"`
	FailureCount     int64              `json:"failureCount"`
	Percent          float64            `json:"percent"`
	ErrorRate        float64            `json:"errorRate"`
	AvgBatchMs       float64            `json:"avgBatchMs"`
	Throughput       float64            `json:"throughput"`     // records per second, last batch
	PeakThroughput   float64            `json:"peakThroughput"` // records per second
	AvgThroughput    float64            `json:"avgThroughput"`  // records per second since start
	ETASeconds       float64            `json:"etaSeconds"`
	ElapsedMs        int64              `json:"elapsedMs"`
	StartedAt        time.Time          `json:"startedAt"`
	UpdatedAt        time.Time          `json:"updatedAt"`
	FinishedAt       *time.Time         `json:"finishedAt,omitempty"`
	SuccessRate      *float64           `json:"successRate,omitempty"` // set once finished with records processed
	Frozen           bool               `json:"frozen"`
}

type jobProgress struct {
	snap      Snapshot
	durations []time.Duration
	busy      time.Duration // sum of batch durations
}

type subscriber struct {
	objectType string // empty receives every type
	ch         chan Snapshot
}

// Tracker derives per-job statistics from batch results. Only the orchestrator writes to it.
type Tracker struct {
	mu       sync.RWMutex
	jobs     map[string]*jobProgress
	subs     map[int]*subscriber
	nextSub  int
	now      func() time.Time
	recorder Recorder
	log      logger.Logger
}

// Option configures a Tracker
type Option func(*Tracker)

// WithClock replaces time.Now, used by tests
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithRecorder forwards statistics to a metrics recorder
func WithRecorder(r Recorder) Option {
	return func(t *Tracker) { t.recorder = r }
}

// NewTracker creates an empty tracker
func NewTracker(log logger.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		jobs: make(map[string]*jobProgress),
		subs: make(map[int]*subscriber),
		now:  time.Now,
		log:  log,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Initialize starts tracking a fresh run of objectType, replacing any previous instance
func (t *Tracker) Initialize(objectType string, totalRecords int64, batchSize int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	totalBatches := 0
	if batchSize > 0 {
		totalBatches = int((totalRecords + int64(batchSize) - 1) / int64(batchSize))
	}

	t.jobs[objectType] = &jobProgress{
		snap: Snapshot{
			ObjectType:   objectType,
			Status:       entities.JobStatusNotStarted,
			TotalRecords: totalRecords,
			BatchSize:    batchSize,
			TotalBatches: totalBatches,
			StartedAt:    now,
			UpdatedAt:    now,
		},
	}

	t.log.Debug("tracking job",
		logger.ObjectType(objectType),
		logger.Int64("total_records", totalRecords),
		logger.Int("total_batches", totalBatches))

	t.publishLocked(objectType)
}

// Seed carries counters of a resumed job into a freshly initialized instance
func (t *Tracker) Seed(objectType string, completedBatches int, processed, succeeded, failed int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	jp, ok := t.jobs[objectType]
	if !ok || jp.snap.Frozen {
		return
	}
	jp.snap.CompletedBatches = completedBatches
	jp.snap.ProcessedRecords = processed
	jp.snap.SuccessCount = succeeded
	jp.snap.FailureCount = failed
	t.deriveLocked(jp)
	t.publishLocked(objectType)
}

// UpdateBatch folds one batch result into the job statistics
func (t *Tracker) UpdateBatch(objectType string, res BatchResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	jp, ok := t.jobs[objectType]
	if !ok {
		t.log.Warn("batch update for untracked job", logger.ObjectType(objectType))
		return
	}
	if jp.snap.Frozen {
		t.log.Warn("batch update for finished job ignored",
			logger.ObjectType(objectType),
			logger.Int("batch_index", res.BatchIndex))
		return
	}

	jp.snap.CompletedBatches = res.BatchIndex + 1
	jp.snap.ProcessedRecords += int64(res.ProcessedCount)
	jp.snap.SuccessCount += int64(res.SuccessCount)
	jp.snap.FailureCount += int64(res.FailureCount)

	jp.durations = append(jp.durations, res.Duration)
	if len(jp.durations) > windowSize {
		jp.durations = jp.durations[len(jp.durations)-windowSize:]
	}
	jp.busy += res.Duration

	jp.snap.Throughput = 0
	if res.Duration > 0 {
		jp.snap.Throughput = float64(res.ProcessedCount) / res.Duration.Seconds()
	}
	jp.snap.PeakThroughput = math.Max(jp.snap.PeakThroughput, jp.snap.Throughput)

	t.deriveLocked(jp)

	if t.recorder != nil {
		t.recorder.RecordBatch(objectType, res.ProcessedCount, res.SuccessCount, res.FailureCount, res.Duration)
	}
	t.publishLocked(objectType)
}

// SetStatus records a status change. Terminal statuses finalize and freeze the instance.
func (t *Tracker) SetStatus(objectType string, status entities.JobStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()

	jp, ok := t.jobs[objectType]
	if !ok || jp.snap.Frozen {
		return
	}

	jp.snap.Status = status
	jp.snap.UpdatedAt = t.now()

	if status.IsTerminal() {
		finished := jp.snap.UpdatedAt
		jp.snap.FinishedAt = &finished
		jp.snap.ETASeconds = 0
		jp.snap.Frozen = true
		if jp.snap.ProcessedRecords > 0 {
			rate := float64(jp.snap.SuccessCount) / float64(jp.snap.ProcessedRecords)
			jp.snap.SuccessRate = &rate
		}
	}
	t.deriveLocked(jp)

	if t.recorder != nil {
		t.recorder.SetStatus(objectType, string(status))
	}
	t.publishLocked(objectType)
}

// deriveLocked recomputes rates, averages and the ETA
func (t *Tracker) deriveLocked(jp *jobProgress) {
	s := &jp.snap
	if !s.Frozen {
		s.UpdatedAt = t.now()
	}

	end := s.UpdatedAt
	if s.FinishedAt != nil {
		end = *s.FinishedAt
	}
	s.ElapsedMs = end.Sub(s.StartedAt).Milliseconds()

	s.ErrorRate = 0
	if s.ProcessedRecords > 0 {
		s.ErrorRate = float64(s.FailureCount) / float64(s.ProcessedRecords)
	}

	s.Percent = 0
	switch {
	case s.TotalBatches > 0:
		s.Percent = math.Min(100, float64(s.CompletedBatches)/float64(s.TotalBatches)*100)
	case s.Frozen:
		s.Percent = 100
	}

	var avg time.Duration
	if len(jp.durations) > 0 {
		var sum time.Duration
		for _, d := range jp.durations {
			sum += d
		}
		avg = sum / time.Duration(len(jp.durations))
	}
	s.AvgBatchMs = float64(avg) / float64(time.Millisecond)

	s.AvgThroughput = 0
	if jp.busy > 0 {
		s.AvgThroughput = float64(s.ProcessedRecords) / jp.busy.Seconds()
	}

	if !s.Frozen {
		remaining := max(s.TotalBatches-s.CompletedBatches, 0)
		s.ETASeconds = (time.Duration(remaining) * avg).Seconds()
	}

	if t.recorder != nil {
		t.recorder.SetProgress(s.ObjectType, s.Percent, s.Throughput, s.ETASeconds)
	}
}

// Snapshot returns the statistics of objectType
func (t *Tracker) Snapshot(objectType string) (Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	jp, ok := t.jobs[objectType]
	if !ok {
		return Snapshot{}, false
	}
	return jp.snap, true
}

// Snapshots returns the statistics of all tracked jobs ordered by object type
func (t *Tracker) Snapshots() []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Snapshot, 0, len(t.jobs))
	for _, jp := range t.jobs {
		out = append(out, jp.snap)
	}
	slices.SortFunc(out, func(a, b Snapshot) int { return cmp.Compare(a.ObjectType, b.ObjectType) })
	return out
}

// Reset forgets objectType
func (t *Tracker) Reset(objectType string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, objectType)
}

// Subscribe returns a channel receiving snapshots of objectType, or of every type when
// objectType is empty. Slow subscribers miss updates rather than blocking the orchestrator.
// The returned function unsubscribes and closes the channel.
func (t *Tracker) Subscribe(objectType string, buffer int) (<-chan Snapshot, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextSub
	t.nextSub++
	sub := &subscriber{objectType: objectType, ch: make(chan Snapshot, buffer)}
	t.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			delete(t.subs, id)
			close(sub.ch)
		})
	}
}

// publishLocked delivers the current snapshot without blocking
func (t *Tracker) publishLocked(objectType string) {
	jp, ok := t.jobs[objectType]
	if !ok {
		return
	}
	snap := jp.snap

	for _, sub := range t.subs {
		if sub.objectType != "" && sub.objectType != objectType {
			continue
		}
		select {
		case sub.ch <- snap:
		default:
			t.log.Trace("subscriber full, snapshot dropped", logger.ObjectType(objectType))
		}
	}
}
