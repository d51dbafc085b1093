package progress

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildpulse/crmsync/internal/datastore/entities"
	"github.com/buildpulse/crmsync/internal/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordedBatch struct {
	objectType                   string
	processed, succeeded, failed int
}

type fakeRecorder struct {
	mu       sync.Mutex
	batches  []recordedBatch
	statuses []string
	percent  float64
}

func (r *fakeRecorder) RecordBatch(objectType string, processed, succeeded, failed int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, recordedBatch{objectType, processed, succeeded, failed})
}

func (r *fakeRecorder) SetStatus(_, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *fakeRecorder) SetProgress(_ string, percent, _, _ float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.percent = percent
}

func newTestTracker(t *testing.T, opts ...Option) (*Tracker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewTracker(logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC), opts...), clock
}

func batch(index, processed, failed int, d time.Duration) BatchResult {
	return BatchResult{
		BatchIndex:     index,
		ProcessedCount: processed,
		SuccessCount:   processed - failed,
		FailureCount:   failed,
		Duration:       d,
	}
}

func TestInitializeComputesBatches(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker(t)
	tr.Initialize("deal", 237, 50)

	snap, ok := tr.Snapshot("deal")
	require.True(t, ok)
	assert.Equal(t, 5, snap.TotalBatches)
	assert.Equal(t, entities.JobStatusNotStarted, snap.Status)
	assert.Zero(t, snap.Percent)
}

func TestUpdateBatchDerivesStatistics(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	tr, clock := newTestTracker(t, WithRecorder(rec))
	tr.Initialize("deal", 200, 50)
	tr.SetStatus("deal", entities.JobStatusRunning)

	clock.Advance(time.Second)
	tr.UpdateBatch("deal", batch(0, 50, 0, time.Second))
	clock.Advance(2 * time.Second)
	tr.UpdateBatch("deal", batch(1, 50, 5, 2*time.Second))

	snap, ok := tr.Snapshot("deal")
	require.True(t, ok)

	assert.Equal(t, 2, snap.CompletedBatches)
	assert.EqualValues(t, 100, snap.ProcessedRecords)
	assert.EqualValues(t, 95, snap.SuccessCount)
	assert.EqualValues(t, 5, snap.FailureCount)
	assert.InDelta(t, 50.0, snap.Percent, 0.001)
	assert.InDelta(t, 0.05, snap.ErrorRate, 0.0001)
	assert.InDelta(t, 1500.0, snap.AvgBatchMs, 0.001)
	assert.InDelta(t, 25.0, snap.Throughput, 0.001)
	assert.InDelta(t, 50.0, snap.PeakThroughput, 0.001)
	assert.InDelta(t, 100.0/3.0, snap.AvgThroughput, 0.001)
	assert.InDelta(t, 3.0, snap.ETASeconds, 0.001) // 2 remaining batches x 1.5s
	assert.EqualValues(t, 3000, snap.ElapsedMs)

	require.Len(t, rec.batches, 2)
	assert.Equal(t, recordedBatch{"deal", 50, 45, 5}, rec.batches[1])
	assert.InDelta(t, 50.0, rec.percent, 0.001)
}

func TestRollingWindowKeepsLastTenBatches(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker(t)
	tr.Initialize("site", 2000, 100)

	for i := range 10 {
		tr.UpdateBatch("site", batch(i, 100, 0, 10*time.Second))
	}
	for i := 10; i < 15; i++ {
		tr.UpdateBatch("site", batch(i, 100, 0, time.Second))
	}

	snap, _ := tr.Snapshot("site")
	// window holds five 10s and five 1s batches
	assert.InDelta(t, 5500.0, snap.AvgBatchMs, 0.001)
	assert.InDelta(t, 5*5.5, snap.ETASeconds, 0.001)
}

func TestTerminalStatusFreezes(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	tr, clock := newTestTracker(t, WithRecorder(rec))
	tr.Initialize("ticket", 10, 10)
	tr.SetStatus("ticket", entities.JobStatusRunning)
	tr.UpdateBatch("ticket", batch(0, 10, 0, time.Second))
	clock.Advance(5 * time.Second)
	tr.SetStatus("ticket", entities.JobStatusCompleted)

	frozen, _ := tr.Snapshot("ticket")
	require.True(t, frozen.Frozen)
	require.NotNil(t, frozen.FinishedAt)
	assert.InDelta(t, 100.0, frozen.Percent, 0.001)
	assert.Zero(t, frozen.ETASeconds)

	clock.Advance(time.Minute)
	tr.UpdateBatch("ticket", batch(1, 10, 10, time.Second))
	tr.SetStatus("ticket", entities.JobStatusFailed)

	after, _ := tr.Snapshot("ticket")
	assert.Equal(t, frozen, after)
	assert.Equal(t, []string{"running", "completed"}, rec.statuses)

	// a new run replaces the frozen instance
	tr.Initialize("ticket", 20, 10)
	fresh, _ := tr.Snapshot("ticket")
	assert.False(t, fresh.Frozen)
	assert.Equal(t, 2, fresh.TotalBatches)
}

func TestFinishedJobReportsSuccessRate(t *testing.T) {
	t.Parallel()

	tr, clock := newTestTracker(t)
	tr.Initialize("deal", 20, 10)
	tr.SetStatus("deal", entities.JobStatusRunning)
	tr.UpdateBatch("deal", batch(0, 10, 0, time.Second))
	tr.UpdateBatch("deal", batch(1, 10, 3, time.Second))

	running, _ := tr.Snapshot("deal")
	assert.Nil(t, running.SuccessRate)

	clock.Advance(time.Second)
	tr.SetStatus("deal", entities.JobStatusCompletedWithErrors)
	done, _ := tr.Snapshot("deal")
	require.NotNil(t, done.SuccessRate)
	assert.InDelta(t, 0.85, *done.SuccessRate, 0.0001)

	tr.Initialize("site", 0, 10)
	tr.SetStatus("site", entities.JobStatusCompleted)
	empty, _ := tr.Snapshot("site")
	assert.Nil(t, empty.SuccessRate)
}

func TestSeedCarriesResumedCounters(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker(t)
	tr.Initialize("deal", 500, 50)
	tr.Seed("deal", 3, 150, 140, 10)

	snap, _ := tr.Snapshot("deal")
	assert.Equal(t, 3, snap.CompletedBatches)
	assert.InDelta(t, 30.0, snap.Percent, 0.001)

	tr.UpdateBatch("deal", batch(3, 50, 0, time.Second))
	snap, _ = tr.Snapshot("deal")
	assert.Equal(t, 4, snap.CompletedBatches)
	assert.EqualValues(t, 200, snap.ProcessedRecords)
}

func TestSubscribeFiltersAndDrops(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker(t)
	deals, unsubDeals := tr.Subscribe("deal", 1)
	all, unsubAll := tr.Subscribe("", 8)
	defer unsubAll()

	tr.Initialize("deal", 100, 50)
	tr.Initialize("site", 100, 50)
	tr.UpdateBatch("deal", batch(0, 50, 0, time.Second)) // dropped for the full deal channel

	first := <-deals
	assert.Equal(t, "deal", first.ObjectType)
	assert.Zero(t, first.CompletedBatches)
	select {
	case extra := <-deals:
		t.Fatalf("unexpected snapshot %+v", extra)
	default:
	}

	assert.Len(t, all, 3)

	unsubDeals()
	unsubDeals()
	_, open := <-deals
	assert.False(t, open)

	tr.UpdateBatch("deal", batch(1, 50, 0, time.Second))
	assert.Len(t, all, 4)
}

func TestSnapshotsSortedAndReset(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker(t)
	tr.Initialize("ticket", 1, 1)
	tr.Initialize("activity", 1, 1)
	tr.Initialize("deal", 1, 1)

	snaps := tr.Snapshots()
	require.Len(t, snaps, 3)
	assert.Equal(t, "activity", snaps[0].ObjectType)
	assert.Equal(t, "ticket", snaps[2].ObjectType)

	tr.Reset("deal")
	_, ok := tr.Snapshot("deal")
	assert.False(t, ok)
	assert.Len(t, tr.Snapshots(), 2)
}

func TestUpdateForUntrackedJobIsIgnored(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker(t)
	tr.UpdateBatch("deal", batch(0, 1, 0, time.Second))
	tr.SetStatus("deal", entities.JobStatusRunning)

	_, ok := tr.Snapshot("deal")
	assert.False(t, ok)
}
