package scheduling

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"automation-hub/backend/internal/lease"
	"automation-hub/backend/internal/repository"
	"automation-hub/backend/pkg/models"
)

// Monday 2026-03-02 10:30 UTC.
var monday = time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)

type counter struct {
	n   atomic.Int32
	err error
}

func (c *counter) TriggerJob(context.Context, *models.ScheduledExecution) error {
	c.n.Add(1)
	return c.err
}

func setup(t *testing.T, job Job) (*repository.MemoryStore, *Jobs) {
	t.Helper()
	jobs := NewJobs()
	require.NoError(t, jobs.Register("count", job))
	return repository.NewMemoryStore(), jobs
}

func schedule(t *testing.T, store *repository.MemoryStore, at time.Time, mutate func(*models.ScheduledExecution)) *models.ScheduledExecution {
	t.Helper()
	se := models.NewScheduledExecution("t1", "a1", "count")
	require.NoError(t, se.SetScheduledTime(at, at.Add(-time.Hour)))
	if mutate != nil {
		mutate(se)
	}
	require.NoError(t, store.CreateSchedule(context.Background(), se))
	return se
}

func TestSweep_OneShotFiresOnce(t *testing.T) {
	job := &counter{}
	store, jobs := setup(t, job)
	se := schedule(t, store, monday.Add(-time.Minute), nil)
	s := NewSweeper(store, jobs)

	res, err := s.Sweep(context.Background(), monday)
	require.NoError(t, err)
	assert.Equal(t, Result{Claimed: 1, Fired: 1}, res)

	got, err := store.GetSchedule(context.Background(), se.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ScheduledTime)
	assert.Equal(t, 1, got.RunCount)

	res, err = s.Sweep(context.Background(), monday.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)
	assert.EqualValues(t, 1, job.n.Load())
}

func TestSweep_RecurringAdvances(t *testing.T) {
	store, jobs := setup(t, &counter{})
	due := monday.Add(-time.Minute)
	se := schedule(t, store, due, func(se *models.ScheduledExecution) {
		require.NoError(t, se.SetRecurrence(60))
	})

	_, err := NewSweeper(store, jobs).Sweep(context.Background(), monday)
	require.NoError(t, err)

	got, err := store.GetSchedule(context.Background(), se.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ScheduledTime)
	assert.Equal(t, due.Add(time.Hour), *got.ScheduledTime)
	assert.True(t, got.IsRecurring)
}

func TestSweep_RecurringClampsToNow(t *testing.T) {
	store, jobs := setup(t, &counter{})
	se := schedule(t, store, monday.Add(-3*time.Hour), func(se *models.ScheduledExecution) {
		require.NoError(t, se.SetRecurrence(30))
	})

	_, err := NewSweeper(store, jobs).Sweep(context.Background(), monday)
	require.NoError(t, err)

	got, err := store.GetSchedule(context.Background(), se.ID)
	require.NoError(t, err)
	assert.Equal(t, monday, *got.ScheduledTime)
}

func TestSweep_MaxRunsDisarms(t *testing.T) {
	job := &counter{}
	store, jobs := setup(t, job)
	se := schedule(t, store, monday.Add(-time.Minute), func(se *models.ScheduledExecution) {
		require.NoError(t, se.SetRecurrence(1))
		se.MaxRuns = 2
	})
	s := NewSweeper(store, jobs)

	for i := 0; i < 4; i++ {
		_, err := s.Sweep(context.Background(), monday.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}

	got, err := store.GetSchedule(context.Background(), se.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, job.n.Load())
	assert.Equal(t, 2, got.RunCount)
	assert.Nil(t, got.ScheduledTime)
	assert.False(t, got.IsRecurring)
}

func TestSweep_WaitsForActiveWindow(t *testing.T) {
	job := &counter{}
	store, jobs := setup(t, job)
	schedule(t, store, monday.Add(-2*time.Hour), func(se *models.ScheduledExecution) {
		require.NoError(t, se.SetActiveHours([]int{14, 15}))
		require.NoError(t, se.SetActiveDays([]int{0, 1, 2, 3, 4}))
	})
	s := NewSweeper(store, jobs)

	res, err := s.Sweep(context.Background(), monday)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)

	res, err = s.Sweep(context.Background(), monday.Add(4*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fired)
	assert.EqualValues(t, 1, job.n.Load())
}

func TestSweep_EvaluatesWindowInLocation(t *testing.T) {
	store, jobs := setup(t, &counter{})
	schedule(t, store, monday.Add(-time.Minute), func(se *models.ScheduledExecution) {
		require.NoError(t, se.SetActiveHours([]int{5}))
	})
	est := time.FixedZone("EST", -5*3600)

	res, err := NewSweeper(store, jobs, WithLocation(est)).Sweep(context.Background(), monday)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fired)
}

func TestSweep_FailedJobRecordsError(t *testing.T) {
	store, jobs := setup(t, &counter{err: errors.New("crm down")})
	se := schedule(t, store, monday.Add(-time.Minute), func(se *models.ScheduledExecution) {
		require.NoError(t, se.SetRecurrence(10))
	})

	res, err := NewSweeper(store, jobs).Sweep(context.Background(), monday)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	got, err := store.GetSchedule(context.Background(), se.ID)
	require.NoError(t, err)
	assert.Equal(t, "crm down", got.LastError)
	assert.NotNil(t, got.ScheduledTime, "a failed recurring job keeps its schedule")
}

func TestSweep_StopDisarms(t *testing.T) {
	store, jobs := setup(t, &counter{err: ErrStop})
	se := schedule(t, store, monday.Add(-time.Minute), func(se *models.ScheduledExecution) {
		require.NoError(t, se.SetRecurrence(10))
	})

	res, err := NewSweeper(store, jobs).Sweep(context.Background(), monday)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fired)

	got, err := store.GetSchedule(context.Background(), se.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ScheduledTime)
	assert.Empty(t, got.LastError)
}

func TestSweep_UnknownJob(t *testing.T) {
	store, jobs := setup(t, &counter{})
	se := schedule(t, store, monday.Add(-time.Minute), func(se *models.ScheduledExecution) {
		se.Job = "missing"
	})

	res, err := NewSweeper(store, jobs).Sweep(context.Background(), monday)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	got, err := store.GetSchedule(context.Background(), se.ID)
	require.NoError(t, err)
	assert.Contains(t, got.LastError, "missing")
}

func TestSweep_ConcurrentSweepsFireOnce(t *testing.T) {
	var mu sync.Mutex
	release := make(chan struct{})
	fired := 0
	job := JobFunc(func(context.Context, *models.ScheduledExecution) error {
		mu.Lock()
		fired++
		mu.Unlock()
		<-release
		return nil
	})
	store, jobs := setup(t, job)
	schedule(t, store, monday.Add(-time.Minute), nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := NewSweeper(store, jobs).Sweep(context.Background(), monday)
			assert.NoError(t, err)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, fired)
}

func TestSweep_SlowJobKeepsItsClaim(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	job := JobFunc(func(context.Context, *models.ScheduledExecution) error {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return nil
	})
	store, jobs := setup(t, job)
	se := schedule(t, store, monday.Add(-time.Minute), nil)

	var clock atomic.Int64
	clock.Store(monday.UnixNano())
	now := func() time.Time { return time.Unix(0, clock.Load()).UTC() }

	done := make(chan Result, 1)
	go func() {
		res, err := NewSweeper(store, jobs, WithClock(now), WithHeartbeat(5*time.Millisecond)).Sweep(ctx, monday)
		assert.NoError(t, err)
		done <- res
	}()
	<-started

	// The job outlives the original five minute lease.
	later := monday.Add(6 * time.Minute)
	clock.Store(later.UnixNano())
	require.Eventually(t, func() bool {
		got, err := store.GetSchedule(ctx, se.ID)
		return err == nil && got.ClaimedUntil != nil && got.ClaimedUntil.After(later)
	}, time.Second, 5*time.Millisecond)

	res, err := NewSweeper(store, jobs, WithClock(now)).Sweep(ctx, later)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)

	close(release)
	assert.Equal(t, Result{Claimed: 1, Fired: 1}, <-done)
	assert.EqualValues(t, 1, calls.Load())

	got, err := store.GetSchedule(ctx, se.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ClaimedUntil)
	assert.Equal(t, 1, got.RunCount)
}

func TestSweep_LapsedClaimCannotCompleteRow(t *testing.T) {
	ctx := context.Background()
	job := &counter{}
	store, jobs := setup(t, job)
	se := schedule(t, store, monday.Add(-time.Minute), nil)

	stale, err := store.ClaimDueSchedules(ctx, monday, monday.Hour(), models.Weekday(monday), monday.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	res, err := NewSweeper(store, jobs).Sweep(ctx, monday.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, Result{Claimed: 1, Fired: 1}, res)

	// The first claimer can neither extend nor overwrite the newer state.
	assert.ErrorIs(t, store.ExtendScheduleClaim(ctx, stale[0], monday.Add(time.Hour)), repository.ErrClaimLost)
	stale[0].RunCount = 99
	assert.ErrorIs(t, store.CompleteSchedule(ctx, stale[0]), repository.ErrClaimLost)

	got, err := store.GetSchedule(ctx, se.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RunCount)
	assert.EqualValues(t, 1, job.n.Load())
}

func TestSweep_SkipsWhenLeaseHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	locker := lease.NewRedisLocker(client, "test:")

	job := &counter{}
	store, jobs := setup(t, job)
	schedule(t, store, monday.Add(-time.Minute), nil)

	held, err := locker.Acquire(context.Background(), sweepLeaseName, time.Minute)
	require.NoError(t, err)

	s := NewSweeper(store, jobs, WithLocker(locker))
	res, err := s.Sweep(context.Background(), monday)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, job.n.Load())

	require.NoError(t, held.Release(context.Background()))
	res, err = s.Sweep(context.Background(), monday)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fired)
	assert.False(t, mr.Exists("test:"+sweepLeaseName))
}

func TestJobs_DuplicateRejected(t *testing.T) {
	jobs := NewJobs()
	require.NoError(t, jobs.Register("a", &counter{}))
	assert.Error(t, jobs.Register("a", &counter{}))
	assert.Equal(t, []string{"a"}, jobs.Names())
}
