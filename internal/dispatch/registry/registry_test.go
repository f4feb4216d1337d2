package registry

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2023, 1, 10, 12, 0, 0, 0, time.UTC)

func TestStartSync_FromMissingRecord(t *testing.T) {
	withRegistry(t, func(r *RedisRegistryRepository) {
		started, err := r.StartSync("job-archive", "res-1", now)
		require.NoError(t, err)
		assert.True(t, started)

		record, err := r.GetRecord("job-archive", "res-1")
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, StateStarted, record.State)
		require.NotNil(t, record.LastSyncedAt)
		assert.Equal(t, now.UnixMilli(), record.LastSyncedAt.UnixMilli())
	})
}

func TestStartSync_RefusedWhileStarted(t *testing.T) {
	withRegistry(t, func(r *RedisRegistryRepository) {
		started, err := r.StartSync("job-archive", "res-1", now)
		require.NoError(t, err)
		require.True(t, started)

		started, err = r.StartSync("job-archive", "res-1", now)
		require.NoError(t, err)
		assert.False(t, started)
	})
}

func TestFailSync_SchedulesRetryWithBackoff(t *testing.T) {
	withRegistry(t, func(r *RedisRegistryRepository) {
		_, err := r.StartSync("job-archive", "res-1", now)
		require.NoError(t, err)

		record, err := r.FailSync("job-archive", "res-1", "connection refused", now)
		require.NoError(t, err)
		assert.Equal(t, StateFailed, record.State)
		assert.Equal(t, 1, record.RetryCount)
		assert.Equal(t, "connection refused", record.LastSyncFailure)
		require.NotNil(t, record.RetryAt)
		assert.True(t, record.RetryAt.After(now))

		// Not due before the retry time.
		due, err := r.DueRecords("job-archive", 10, now, nil)
		require.NoError(t, err)
		assert.Empty(t, due)

		due, err = r.DueRecords("job-archive", 10, record.RetryAt.Add(time.Second), nil)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "res-1", due[0].ResourceId)
	})
}

func TestResourceUpdated_ResetsRetryBookkeeping(t *testing.T) {
	withRegistry(t, func(r *RedisRegistryRepository) {
		_, err := r.StartSync("job-archive", "res-1", now)
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			_, err = r.FailSync("job-archive", "res-1", "boom", now)
			require.NoError(t, err)
		}

		record, err := r.GetRecord("job-archive", "res-1")
		require.NoError(t, err)
		assert.Equal(t, 3, record.RetryCount)

		require.NoError(t, r.ResourceUpdated("job-archive", "res-1"))

		record, err = r.GetRecord("job-archive", "res-1")
		require.NoError(t, err)
		assert.Equal(t, StatePending, record.State)
		assert.Equal(t, 0, record.RetryCount)
		assert.Nil(t, record.RetryAt)

		// Pending records are immediately due.
		due, err := r.DueRecords("job-archive", 10, now, nil)
		require.NoError(t, err)
		require.Len(t, due, 1)
	})
}

func TestFinishSync_CommitsFromStarted(t *testing.T) {
	withRegistry(t, func(r *RedisRegistryRepository) {
		_, err := r.StartSync("job-archive", "res-1", now)
		require.NoError(t, err)

		finished, err := r.FinishSync("job-archive", "res-1")
		require.NoError(t, err)
		assert.True(t, finished)

		record, err := r.GetRecord("job-archive", "res-1")
		require.NoError(t, err)
		assert.Equal(t, StateSynced, record.State)
		assert.Equal(t, 0, record.RetryCount)
		assert.Nil(t, record.RetryAt)
	})
}

func TestFinishSync_ReportsNoChangeAfterConcurrentUpdate(t *testing.T) {
	withRegistry(t, func(r *RedisRegistryRepository) {
		_, err := r.StartSync("job-archive", "res-1", now)
		require.NoError(t, err)

		// The resource changes while the sync is in flight.
		require.NoError(t, r.ResourceUpdated("job-archive", "res-1"))

		finished, err := r.FinishSync("job-archive", "res-1")
		require.NoError(t, err)
		assert.False(t, finished)

		// The record stays pending and must be rescheduled.
		record, err := r.GetRecord("job-archive", "res-1")
		require.NoError(t, err)
		assert.Equal(t, StatePending, record.State)
	})
}

func TestDueRecords_NeverAttemptedFirst(t *testing.T) {
	withRegistry(t, func(r *RedisRegistryRepository) {
		// res-old was attempted and failed; res-new never was.
		_, err := r.StartSync("job-archive", "res-old", now)
		require.NoError(t, err)
		_, err = r.FailSync("job-archive", "res-old", "boom", now)
		require.NoError(t, err)
		require.NoError(t, r.ResourceUpdated("job-archive", "res-new"))

		due, err := r.DueRecords("job-archive", 10, now.Add(24*time.Hour), nil)
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.Equal(t, "res-new", due[0].ResourceId)
		assert.Equal(t, "res-old", due[1].ResourceId)
	})
}

func TestDueRecords_ExceptIds(t *testing.T) {
	withRegistry(t, func(r *RedisRegistryRepository) {
		require.NoError(t, r.ResourceUpdated("job-archive", "res-1"))
		require.NoError(t, r.ResourceUpdated("job-archive", "res-2"))

		due, err := r.DueRecords("job-archive", 10, now, map[string]bool{"res-1": true})
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "res-2", due[0].ResourceId)
	})
}

func TestDeleteRecords(t *testing.T) {
	withRegistry(t, func(r *RedisRegistryRepository) {
		require.NoError(t, r.ResourceUpdated("job-archive", "res-1"))
		require.NoError(t, r.DeleteRecords("job-archive", []string{"res-1"}))

		record, err := r.GetRecord("job-archive", "res-1")
		require.NoError(t, err)
		assert.Nil(t, record)

		due, err := r.DueRecords("job-archive", 10, now, nil)
		require.NoError(t, err)
		assert.Empty(t, due)
	})
}

func TestBackoffPolicy_GrowsAndCaps(t *testing.T) {
	policy := BackoffPolicy{BaseDelay: time.Minute, MaxDelay: time.Hour}

	first := policy.NextRetryTime(1, now)
	assert.True(t, first.Sub(now) >= time.Minute)
	assert.True(t, first.Sub(now) <= time.Minute+time.Minute/2)

	third := policy.NextRetryTime(3, now)
	assert.True(t, third.Sub(now) >= 4*time.Minute)
	assert.True(t, third.Sub(now) <= 4*time.Minute+2*time.Minute)

	huge := policy.NextRetryTime(30, now)
	assert.True(t, huge.Sub(now) <= time.Hour+30*time.Minute)
}

func withRegistry(t *testing.T, action func(r *RedisRegistryRepository)) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	action(NewRedisRegistryRepository(client, BackoffPolicy{
		BaseDelay: time.Minute,
		MaxDelay:  time.Hour,
	}))
}
