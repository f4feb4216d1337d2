package repository

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis"
	"github.com/hashicorp/go-multierror"

	"github.com/dispatchproject/dispatch/pkg/api"
)

const (
	jobObjectPrefix         = "Job:"
	jobQueuePrefix          = "Job:Queue:"
	jobProtectedQueuePrefix = "Job:Queue:Protected:"
	jobRunningPrefix        = "Job:Running:"
	jobRunnerMapKey         = "Job:Runner"
	jobStatusMapKey         = "Job:Status"
	jobFailureMapKey        = "Job:FailureReason"
	jobQueueIndexKey        = "Job:Queues"
)

// JobRepository is the durable backlog of jobs. Pending jobs live on
// per-scope sorted sets (a protected lane and a regular one), ordered by
// creation time. Claiming a job is a single conditional move executed
// server-side, so at most one caller can ever win a given job.
type JobRepository interface {
	AddJob(job *api.Job, allowUntagged bool) error
	GetJobsByIds(ids []string) ([]*api.Job, error)
	PeekQueue(queue string, limit int64, excludedIds map[string]bool) ([]*api.Job, error)
	TryStartJob(job *api.Job, runnerId string) (bool, error)
	FailJob(job *api.Job, reason api.FailureReason) error
	FinishJob(job *api.Job) error
	CancelJob(job *api.Job) error
	ReturnLease(job *api.Job, runnerId string) (bool, error)
	GetRunningAssignments(queue string) (map[string]string, error)
	GetJobStatus(job *api.Job) (api.JobStatus, error)
	GetActiveQueues() ([]string, error)
	GetQueueSizes(queues []string) (map[string]int64, error)
}

type RedisJobRepository struct {
	db redis.UniversalClient
}

func NewRedisJobRepository(db redis.UniversalClient) *RedisJobRepository {
	return &RedisJobRepository{db: db}
}

// AddJob validates the job and inserts it in pending state.
func (r *RedisJobRepository) AddJob(job *api.Job, allowUntagged bool) error {
	if err := validateJob(job, allowUntagged); err != nil {
		return &ErrInvalidJob{JobId: job.Id, Reason: err}
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("[RedisJobRepository.AddJob] error marshalling job: %s", err)
	}

	queue := job.QueueName()
	pipe := r.db.TxPipeline()
	pipe.ZAdd(pendingKey(queue, job.Protected), redis.Z{
		Member: job.Id,
		Score:  createdScore(job.Created),
	})
	pipe.Set(jobObjectPrefix+job.Id, data, 0)
	pipe.SAdd(jobQueueIndexKey, queue)

	if _, err := pipe.Exec(); err != nil {
		return fmt.Errorf("[RedisJobRepository.AddJob] error writing to database: %s", err)
	}
	return nil
}

func validateJob(job *api.Job, allowUntagged bool) error {
	var result *multierror.Error
	if job.Id == "" {
		result = multierror.Append(result, fmt.Errorf("job id is required"))
	}
	if job.ProjectId == "" {
		result = multierror.Append(result, fmt.Errorf("project id is required"))
	}
	if job.NamespaceId == "" {
		result = multierror.Append(result, fmt.Errorf("namespace id is required"))
	}
	if job.Created.IsZero() {
		result = multierror.Append(result, fmt.Errorf("creation timestamp is required"))
	}
	switch job.Scope {
	case api.ScopeShared:
	case api.ScopeGroup, api.ScopeProject:
		if job.TargetId == "" {
			result = multierror.Append(result, fmt.Errorf("target id is required for %s scope", job.Scope))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown scope %q", job.Scope))
	}
	if len(job.Tags) == 0 && !allowUntagged {
		result = multierror.Append(result, fmt.Errorf("the project does not allow untagged jobs"))
	}
	return result.ErrorOrNil()
}

func (r *RedisJobRepository) GetJobsByIds(ids []string) ([]*api.Job, error) {
	pipe := r.db.Pipeline()
	cmds := make([]*redis.StringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.Get(jobObjectPrefix+id))
	}
	if _, err := pipe.Exec(); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("[RedisJobRepository.GetJobsByIds] error reading from database: %s", err)
	}

	jobs := make([]*api.Job, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err == redis.Nil {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("[RedisJobRepository.GetJobsByIds] error reading from database: %s", err)
		}
		job := &api.Job{}
		if err := json.Unmarshal(data, job); err != nil {
			return nil, fmt.Errorf("[RedisJobRepository.GetJobsByIds] error unmarshalling job: %s", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// PeekQueue returns up to limit pending jobs from the given queue in
// matching order: the protected lane first, then regular jobs by ascending
// creation time; jobs created in the same millisecond are ordered by
// descending priority weight, then by id. Jobs listed in excludedIds are
// skipped, which lets callers continue a scan without re-reading candidates
// they have already tried.
func (r *RedisJobRepository) PeekQueue(queue string, limit int64, excludedIds map[string]bool) ([]*api.Job, error) {
	fetch := limit + int64(len(excludedIds))

	pipe := r.db.Pipeline()
	protectedCmd := pipe.ZRange(jobProtectedQueuePrefix+queue, 0, fetch-1)
	regularCmd := pipe.ZRange(jobQueuePrefix+queue, 0, fetch-1)
	if _, err := pipe.Exec(); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("[RedisJobRepository.PeekQueue] error reading from database: %s", err)
	}

	ids := make([]string, 0, fetch)
	for _, id := range protectedCmd.Val() {
		if !excludedIds[id] {
			ids = append(ids, id)
		}
	}
	for _, id := range regularCmd.Val() {
		if !excludedIds[id] {
			ids = append(ids, id)
		}
	}

	jobs, err := r.GetJobsByIds(ids)
	if err != nil {
		return nil, err
	}
	sortCandidates(jobs)
	if int64(len(jobs)) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// sortCandidates orders jobs for matching: protected first, then creation
// time ascending, priority weight descending, id ascending.
func sortCandidates(jobs []*api.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		a, b := jobs[i], jobs[j]
		if a.Protected != b.Protected {
			return a.Protected
		}
		am, bm := a.Created.UnixMilli(), b.Created.UnixMilli()
		if am != bm {
			return am < bm
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.Id < b.Id
	})
}

// tryStartScript conditionally moves a job from a pending lane to the
// running set and records its assigned runner. The whole transition is a
// single server-side script, which is what guarantees at-most-one
// assignment: the ZREM only succeeds for one caller.
const tryStartScript = `
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 0 then
	removed = redis.call('ZREM', KEYS[2], ARGV[1])
end
if removed == 0 then
	return 0
end
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
redis.call('HSET', KEYS[4], ARGV[1], ARGV[2])
return 1
`

// TryStartJob attempts the atomic pending → running claim. It returns
// false, without error, if another runner already claimed the job or the
// job is no longer pending.
func (r *RedisJobRepository) TryStartJob(job *api.Job, runnerId string) (bool, error) {
	queue := job.QueueName()
	result, err := r.db.Eval(tryStartScript,
		[]string{
			jobQueuePrefix + queue,
			jobProtectedQueuePrefix + queue,
			jobRunningPrefix + queue,
			jobRunnerMapKey,
		},
		job.Id, runnerId, float64(time.Now().UnixMilli()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("[RedisJobRepository.TryStartJob] error updating database: %s", err)
	}
	return result > 0, nil
}

const terminateScript = `
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('HSET', KEYS[5], ARGV[1], ARGV[2])
if ARGV[3] ~= '' then
	redis.call('HSET', KEYS[6], ARGV[1], ARGV[3])
end
return 1
`

// FailJob transitions a job to the terminal failed state with the given
// reason, regardless of whether it is pending or running. The job is not
// re-enqueued.
func (r *RedisJobRepository) FailJob(job *api.Job, reason api.FailureReason) error {
	return r.terminate(job, api.JobFailed, string(reason))
}

// FinishJob records successful completion, signalled by the external
// build-completion path.
func (r *RedisJobRepository) FinishJob(job *api.Job) error {
	return r.terminate(job, api.JobSuccess, "")
}

// CancelJob flips a pending or running job to canceled. Signalling the
// assigned runner for running jobs happens out of band.
func (r *RedisJobRepository) CancelJob(job *api.Job) error {
	return r.terminate(job, api.JobCanceled, "")
}

func (r *RedisJobRepository) terminate(job *api.Job, status api.JobStatus, reason string) error {
	queue := job.QueueName()
	_, err := r.db.Eval(terminateScript,
		[]string{
			jobQueuePrefix + queue,
			jobProtectedQueuePrefix + queue,
			jobRunningPrefix + queue,
			jobRunnerMapKey,
			jobStatusMapKey,
			jobFailureMapKey,
		},
		job.Id, string(status), reason,
	).Result()
	if err != nil {
		return fmt.Errorf("[RedisJobRepository.terminate] error updating database: %s", err)
	}
	return nil
}

// returnLeaseScript requeues a running job, but only if it is still
// assigned to the runner the caller saw. A job claimed by someone else in
// the meantime is left alone.
const returnLeaseScript = `
local assigned = redis.call('HGET', KEYS[3], ARGV[1])
if assigned ~= ARGV[2] then
	return 0
end
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 0 then
	return 0
end
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`

// ReturnLease moves a running job back to its pending lane, conditional on
// it still being assigned to runnerId. Returns whether the job was requeued.
func (r *RedisJobRepository) ReturnLease(job *api.Job, runnerId string) (bool, error) {
	queue := job.QueueName()
	result, err := r.db.Eval(returnLeaseScript,
		[]string{
			jobRunningPrefix + queue,
			pendingKey(queue, job.Protected),
			jobRunnerMapKey,
		},
		job.Id, runnerId, createdScore(job.Created),
	).Int()
	if err != nil {
		return false, fmt.Errorf("[RedisJobRepository.ReturnLease] error updating database: %s", err)
	}
	return result > 0, nil
}

// GetRunningAssignments returns jobId → runnerId for all running jobs on
// the given queue.
func (r *RedisJobRepository) GetRunningAssignments(queue string) (map[string]string, error) {
	ids, err := r.db.ZRange(jobRunningPrefix+queue, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("[RedisJobRepository.GetRunningAssignments] error reading from database: %s", err)
	}
	if len(ids) == 0 {
		return map[string]string{}, nil
	}

	pipe := r.db.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(ids))
	for _, id := range ids {
		cmds[id] = pipe.HGet(jobRunnerMapKey, id)
	}
	if _, err := pipe.Exec(); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("[RedisJobRepository.GetRunningAssignments] error reading from database: %s", err)
	}

	assignments := make(map[string]string, len(ids))
	for id, cmd := range cmds {
		runnerId, err := cmd.Result()
		if err == redis.Nil {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("[RedisJobRepository.GetRunningAssignments] error reading from database: %s", err)
		}
		assignments[id] = runnerId
	}
	return assignments, nil
}

// GetJobStatus derives a job's status from queue membership and the
// terminal status map.
func (r *RedisJobRepository) GetJobStatus(job *api.Job) (api.JobStatus, error) {
	queue := job.QueueName()

	pipe := r.db.Pipeline()
	terminalCmd := pipe.HGet(jobStatusMapKey, job.Id)
	runningCmd := pipe.ZScore(jobRunningPrefix+queue, job.Id)
	pendingCmd := pipe.ZScore(jobQueuePrefix+queue, job.Id)
	protectedCmd := pipe.ZScore(jobProtectedQueuePrefix+queue, job.Id)
	if _, err := pipe.Exec(); err != nil && err != redis.Nil {
		return "", fmt.Errorf("[RedisJobRepository.GetJobStatus] error reading from database: %s", err)
	}

	if status, err := terminalCmd.Result(); err == nil {
		return api.JobStatus(status), nil
	}
	if runningCmd.Err() == nil {
		return api.JobRunning, nil
	}
	if pendingCmd.Err() == nil || protectedCmd.Err() == nil {
		return api.JobPending, nil
	}
	return "", &ErrNotFound{ResourceNames: []string{fmt.Sprintf("job %q", job.Id)}}
}

func (r *RedisJobRepository) GetActiveQueues() ([]string, error) {
	queues, err := r.db.SMembers(jobQueueIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("[RedisJobRepository.GetActiveQueues] error reading from database: %s", err)
	}
	return queues, nil
}

func (r *RedisJobRepository) GetQueueSizes(queues []string) (map[string]int64, error) {
	pipe := r.db.Pipeline()
	regular := make(map[string]*redis.IntCmd, len(queues))
	protected := make(map[string]*redis.IntCmd, len(queues))
	for _, queue := range queues {
		regular[queue] = pipe.ZCard(jobQueuePrefix + queue)
		protected[queue] = pipe.ZCard(jobProtectedQueuePrefix + queue)
	}
	if _, err := pipe.Exec(); err != nil {
		return nil, fmt.Errorf("[RedisJobRepository.GetQueueSizes] error reading from database: %s", err)
	}

	sizes := make(map[string]int64, len(queues))
	for _, queue := range queues {
		sizes[queue] = regular[queue].Val() + protected[queue].Val()
	}
	return sizes, nil
}

func pendingKey(queue string, protected bool) string {
	if protected {
		return jobProtectedQueuePrefix + queue
	}
	return jobQueuePrefix + queue
}

// createdScore orders pending lanes by creation time. Millisecond
// resolution keeps the score within float64 integer precision.
func createdScore(created time.Time) float64 {
	return float64(created.UnixMilli())
}
