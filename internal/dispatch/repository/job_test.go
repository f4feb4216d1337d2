package repository

import (
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchproject/dispatch/internal/common/util"
	"github.com/dispatchproject/dispatch/pkg/api"
)

func TestAddJob_ValidatesAtEnqueueTime(t *testing.T) {
	withJobRepository(t, func(r *RedisJobRepository) {
		job := testJob()
		job.NamespaceId = ""
		err := r.AddJob(job, true)

		var invalid *ErrInvalidJob
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, job.Id, invalid.JobId)
	})
}

func TestAddJob_RejectsUntaggedJobWhenDisallowed(t *testing.T) {
	withJobRepository(t, func(r *RedisJobRepository) {
		job := testJob()
		job.Tags = nil

		var invalid *ErrInvalidJob
		require.ErrorAs(t, r.AddJob(job, false), &invalid)

		assert.NoError(t, r.AddJob(job, true))
	})
}

func TestPeekQueue_FifoOrder(t *testing.T) {
	withJobRepository(t, func(r *RedisJobRepository) {
		j2 := testJob()
		j2.Created = baseTime.Add(2 * time.Second)
		j1 := testJob()
		j1.Created = baseTime.Add(1 * time.Second)

		require.NoError(t, r.AddJob(j2, true))
		require.NoError(t, r.AddJob(j1, true))

		jobs, err := r.PeekQueue("shared", 10, nil)
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, j1.Id, jobs[0].Id)
		assert.Equal(t, j2.Id, jobs[1].Id)
	})
}

func TestPeekQueue_ProtectedLaneFirst(t *testing.T) {
	withJobRepository(t, func(r *RedisJobRepository) {
		regular := testJob()
		regular.Created = baseTime
		protected := testJob()
		protected.Created = baseTime.Add(time.Hour)
		protected.Protected = true
		protected.Environment = "production"

		require.NoError(t, r.AddJob(regular, true))
		require.NoError(t, r.AddJob(protected, true))

		jobs, err := r.PeekQueue("shared", 10, nil)
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, protected.Id, jobs[0].Id)
	})
}

func TestPeekQueue_TiebreaksByPriorityThenId(t *testing.T) {
	withJobRepository(t, func(r *RedisJobRepository) {
		low := testJob()
		low.Priority = 1
		high := testJob()
		high.Priority = 5

		require.NoError(t, r.AddJob(low, true))
		require.NoError(t, r.AddJob(high, true))

		jobs, err := r.PeekQueue("shared", 10, nil)
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, high.Id, jobs[0].Id)
		assert.Equal(t, low.Id, jobs[1].Id)

		// Identical priority falls back to id ascending.
		a := testJob()
		b := testJob()
		require.True(t, a.Id < b.Id)
		withJobRepositoryNamed(t, func(r2 *RedisJobRepository) {
			require.NoError(t, r2.AddJob(b, true))
			require.NoError(t, r2.AddJob(a, true))
			ordered, err := r2.PeekQueue("shared", 10, nil)
			require.NoError(t, err)
			require.Len(t, ordered, 2)
			assert.Equal(t, a.Id, ordered[0].Id)
		})
	})
}

func TestPeekQueue_ExcludesTriedIds(t *testing.T) {
	withJobRepository(t, func(r *RedisJobRepository) {
		j1 := testJob()
		j1.Created = baseTime
		j2 := testJob()
		j2.Created = baseTime.Add(time.Second)

		require.NoError(t, r.AddJob(j1, true))
		require.NoError(t, r.AddJob(j2, true))

		jobs, err := r.PeekQueue("shared", 1, map[string]bool{j1.Id: true})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, j2.Id, jobs[0].Id)
	})
}

func TestTryStartJob_ClaimsPendingJob(t *testing.T) {
	withJobRepository(t, func(r *RedisJobRepository) {
		job := testJob()
		require.NoError(t, r.AddJob(job, true))

		claimed, err := r.TryStartJob(job, "runner-1")
		require.NoError(t, err)
		assert.True(t, claimed)

		status, err := r.GetJobStatus(job)
		require.NoError(t, err)
		assert.Equal(t, api.JobRunning, status)

		// The job is gone from the backlog.
		jobs, err := r.PeekQueue("shared", 10, nil)
		require.NoError(t, err)
		assert.Empty(t, jobs)
	})
}

func TestTryStartJob_SecondClaimLoses(t *testing.T) {
	withJobRepository(t, func(r *RedisJobRepository) {
		job := testJob()
		require.NoError(t, r.AddJob(job, true))

		claimed, err := r.TryStartJob(job, "runner-1")
		require.NoError(t, err)
		require.True(t, claimed)

		claimed, err = r.TryStartJob(job, "runner-2")
		require.NoError(t, err)
		assert.False(t, claimed)
	})
}

func TestTryStartJob_AtMostOneWinnerUnderContention(t *testing.T) {
	withJobRepository(t, func(r *RedisJobRepository) {
		job := testJob()
		require.NoError(t, r.AddJob(job, true))

		const runners = 20
		var wg sync.WaitGroup
		results := make(chan bool, runners)
		for i := 0; i < runners; i++ {
			wg.Add(1)
			go func(runnerId string) {
				defer wg.Done()
				claimed, err := r.TryStartJob(job, runnerId)
				assert.NoError(t, err)
				results <- claimed
			}(util.NewULID())
		}
		wg.Wait()
		close(results)

		winners := 0
		for claimed := range results {
			if claimed {
				winners++
			}
		}
		assert.Equal(t, 1, winners)
	})
}

func TestFailJob_IsTerminalAndInvisible(t *testing.T) {
	withJobRepository(t, func(r *RedisJobRepository) {
		job := testJob()
		require.NoError(t, r.AddJob(job, true))

		claimed, err := r.TryStartJob(job, "runner-1")
		require.NoError(t, err)
		require.True(t, claimed)

		require.NoError(t, r.FailJob(job, api.FailureReasonSecretsProviderNotFound))

		status, err := r.GetJobStatus(job)
		require.NoError(t, err)
		assert.Equal(t, api.JobFailed, status)

		jobs, err := r.PeekQueue("shared", 10, nil)
		require.NoError(t, err)
		assert.Empty(t, jobs)

		// A failed job cannot be claimed again.
		claimed, err = r.TryStartJob(job, "runner-2")
		require.NoError(t, err)
		assert.False(t, claimed)
	})
}

func TestCancelJob_WhilePending(t *testing.T) {
	withJobRepository(t, func(r *RedisJobRepository) {
		job := testJob()
		require.NoError(t, r.AddJob(job, true))
		require.NoError(t, r.CancelJob(job))

		status, err := r.GetJobStatus(job)
		require.NoError(t, err)
		assert.Equal(t, api.JobCanceled, status)

		claimed, err := r.TryStartJob(job, "runner-1")
		require.NoError(t, err)
		assert.False(t, claimed)
	})
}

func TestReturnLease_RequeuesOwnAssignmentOnly(t *testing.T) {
	withJobRepository(t, func(r *RedisJobRepository) {
		job := testJob()
		require.NoError(t, r.AddJob(job, true))

		claimed, err := r.TryStartJob(job, "runner-1")
		require.NoError(t, err)
		require.True(t, claimed)

		returned, err := r.ReturnLease(job, "other-runner")
		require.NoError(t, err)
		assert.False(t, returned)

		returned, err = r.ReturnLease(job, "runner-1")
		require.NoError(t, err)
		assert.True(t, returned)

		status, err := r.GetJobStatus(job)
		require.NoError(t, err)
		assert.Equal(t, api.JobPending, status)
	})
}

func TestGetRunningAssignments(t *testing.T) {
	withJobRepository(t, func(r *RedisJobRepository) {
		job := testJob()
		require.NoError(t, r.AddJob(job, true))
		claimed, err := r.TryStartJob(job, "runner-1")
		require.NoError(t, err)
		require.True(t, claimed)

		assignments, err := r.GetRunningAssignments("shared")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{job.Id: "runner-1"}, assignments)
	})
}

func TestGetQueueSizes(t *testing.T) {
	withJobRepository(t, func(r *RedisJobRepository) {
		regular := testJob()
		protected := testJob()
		protected.Protected = true
		require.NoError(t, r.AddJob(regular, true))
		require.NoError(t, r.AddJob(protected, true))

		queues, err := r.GetActiveQueues()
		require.NoError(t, err)
		assert.Equal(t, []string{"shared"}, queues)

		sizes, err := r.GetQueueSizes(queues)
		require.NoError(t, err)
		assert.Equal(t, int64(2), sizes["shared"])
	})
}

var baseTime = time.Date(2023, 1, 10, 12, 0, 0, 0, time.UTC)

func testJob() *api.Job {
	return &api.Job{
		Id:          util.NewULID(),
		PipelineId:  "pipeline-1",
		ProjectId:   "project-1",
		NamespaceId: "namespace-1",
		Scope:       api.ScopeShared,
		Tags:        []string{"docker"},
		Visibility:  api.VisibilityPrivate,
		Created:     baseTime,
	}
}

func withJobRepository(t *testing.T, action func(r *RedisJobRepository)) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	action(NewRedisJobRepository(client))
}

// withJobRepositoryNamed exists so a test can spin up a second, clean
// backlog mid-test.
func withJobRepositoryNamed(t *testing.T, action func(r *RedisJobRepository)) {
	withJobRepository(t, action)
}
