package registry

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis"
)

// State is the sync/assignment lifecycle state of a registry record.
type State string

const (
	StatePending State = "pending"
	StateStarted State = "started"
	StateSynced  State = "synced"
	StateFailed  State = "failed"
)

// Record tracks the replication/assignment lifecycle of a single resource.
// Records are created lazily on the first attempt and only ever mutated
// through the repository's state transitions.
type Record struct {
	ResourceType string
	ResourceId   string
	State        State
	RetryCount   int
	// RetryAt is nil while the record has no scheduled retry.
	RetryAt *time.Time
	// LastSyncedAt is set whenever an attempt starts.
	LastSyncedAt    *time.Time
	LastSyncFailure string
}

type RegistryRepository interface {
	GetRecord(resourceType, resourceId string) (*Record, error)
	// StartSync transitions pending/synced/failed (or a missing record)
	// to started. Returns false if the record is already started.
	StartSync(resourceType, resourceId string, now time.Time) (bool, error)
	// ResourceUpdated resets the record to pending, invalidating any
	// in-flight attempt. Retry bookkeeping is cleared.
	ResourceUpdated(resourceType, resourceId string) error
	// FailSync moves the record to failed, bumps the retry count and
	// schedules the next attempt according to the backoff policy.
	FailSync(resourceType, resourceId, message string, now time.Time) (*Record, error)
	// FinishSync clears retry bookkeeping and transitions started →
	// synced. Returns false if the record was no longer started (a
	// concurrent ResourceUpdated won); callers must reschedule then.
	FinishSync(resourceType, resourceId string) (bool, error)
	// DueRecords lists records due for (re)sync at now: pending ones and
	// failed ones whose retry time has passed, least-recently-attempted
	// first. Records in exceptIds are skipped.
	DueRecords(resourceType string, limit int64, now time.Time, exceptIds map[string]bool) ([]*Record, error)
	// DeleteRecords removes records in bulk when the owning resources
	// are deleted.
	DeleteRecords(resourceType string, resourceIds []string) error
}

const (
	registryKeyPrefix    = "Registry:"
	registryDueKeyPrefix = "Registry:Due:"
)

type RedisRegistryRepository struct {
	db      redis.UniversalClient
	backoff BackoffPolicy
}

func NewRedisRegistryRepository(db redis.UniversalClient, backoff BackoffPolicy) *RedisRegistryRepository {
	return &RedisRegistryRepository{db: db, backoff: backoff}
}

func recordKey(resourceType, resourceId string) string {
	return registryKeyPrefix + resourceType + ":" + resourceId
}

func dueKey(resourceType string) string {
	return registryDueKeyPrefix + resourceType
}

func (r *RedisRegistryRepository) GetRecord(resourceType, resourceId string) (*Record, error) {
	fields, err := r.db.HGetAll(recordKey(resourceType, resourceId)).Result()
	if err != nil {
		return nil, fmt.Errorf("[RedisRegistryRepository.GetRecord] error reading from database: %s", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return parseRecord(resourceType, resourceId, fields)
}

func parseRecord(resourceType, resourceId string, fields map[string]string) (*Record, error) {
	record := &Record{
		ResourceType:    resourceType,
		ResourceId:      resourceId,
		State:           StatePending,
		LastSyncFailure: fields["last_sync_failure"],
	}
	if state, ok := fields["state"]; ok {
		record.State = State(state)
	}
	if count, ok := fields["retry_count"]; ok {
		parsed, err := strconv.Atoi(count)
		if err != nil {
			return nil, fmt.Errorf("[RedisRegistryRepository] error parsing retry_count: %s", err)
		}
		record.RetryCount = parsed
	}
	if at, ok := fields["retry_at"]; ok {
		t, err := parseMillis(at)
		if err != nil {
			return nil, err
		}
		record.RetryAt = t
	}
	if at, ok := fields["last_synced_at"]; ok {
		t, err := parseMillis(at)
		if err != nil {
			return nil, err
		}
		record.LastSyncedAt = t
	}
	return record, nil
}

func parseMillis(value string) (*time.Time, error) {
	millis, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("[RedisRegistryRepository] error parsing timestamp: %s", err)
	}
	t := time.UnixMilli(millis)
	return &t, nil
}

// startSyncScript refuses to start a record that is already started;
// everything else (including a missing record, created here lazily) moves
// to started with a fresh activity timestamp.
const startSyncScript = `
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'started' then
	return 0
end
redis.call('HSET', KEYS[1], 'state', 'started')
redis.call('HSET', KEYS[1], 'last_synced_at', ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[2])
return 1
`

func (r *RedisRegistryRepository) StartSync(resourceType, resourceId string, now time.Time) (bool, error) {
	result, err := r.db.Eval(startSyncScript,
		[]string{recordKey(resourceType, resourceId), dueKey(resourceType)},
		now.UnixMilli(), resourceId,
	).Int()
	if err != nil {
		return false, fmt.Errorf("[RedisRegistryRepository.StartSync] error updating database: %s", err)
	}
	return result > 0, nil
}

// resourceUpdatedScript resets retry bookkeeping on re-entering pending,
// which is what invalidates a concurrent in-flight attempt: FinishSync
// only commits from started.
const resourceUpdatedScript = `
redis.call('HSET', KEYS[1], 'state', 'pending')
redis.call('HSET', KEYS[1], 'retry_count', 0)
redis.call('HDEL', KEYS[1], 'retry_at')
redis.call('ZADD', KEYS[2], 0, ARGV[1])
return 1
`

func (r *RedisRegistryRepository) ResourceUpdated(resourceType, resourceId string) error {
	err := r.db.Eval(resourceUpdatedScript,
		[]string{recordKey(resourceType, resourceId), dueKey(resourceType)},
		resourceId,
	).Err()
	if err != nil {
		return fmt.Errorf("[RedisRegistryRepository.ResourceUpdated] error updating database: %s", err)
	}
	return nil
}

func (r *RedisRegistryRepository) FailSync(resourceType, resourceId, message string, now time.Time) (*Record, error) {
	record, err := r.GetRecord(resourceType, resourceId)
	if err != nil {
		return nil, err
	}
	if record == nil {
		record = &Record{ResourceType: resourceType, ResourceId: resourceId, State: StatePending}
	}

	newRetryCount := record.RetryCount + 1
	retryAt := r.backoff.NextRetryTime(newRetryCount, now)

	pipe := r.db.TxPipeline()
	pipe.HMSet(recordKey(resourceType, resourceId), map[string]interface{}{
		"state":             string(StateFailed),
		"retry_count":       newRetryCount,
		"retry_at":          retryAt.UnixMilli(),
		"last_sync_failure": message,
	})
	pipe.ZAdd(dueKey(resourceType), redis.Z{Member: resourceId, Score: float64(retryAt.UnixMilli())})
	if _, err := pipe.Exec(); err != nil {
		return nil, fmt.Errorf("[RedisRegistryRepository.FailSync] error updating database: %s", err)
	}

	record.State = StateFailed
	record.RetryCount = newRetryCount
	record.RetryAt = &retryAt
	record.LastSyncFailure = message
	return record, nil
}

// finishSyncScript clears retry bookkeeping unconditionally, then commits
// started → synced only if the record is still started. A zero result
// means a concurrent ResourceUpdated reset the record mid-flight and the
// sync must be redone; it is not an error.
const finishSyncScript = `
redis.call('HSET', KEYS[1], 'retry_count', 0)
redis.call('HDEL', KEYS[1], 'retry_at')
redis.call('HDEL', KEYS[1], 'last_sync_failure')
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'started' then
	redis.call('HSET', KEYS[1], 'state', 'synced')
	redis.call('ZREM', KEYS[2], ARGV[1])
	return 1
end
return 0
`

func (r *RedisRegistryRepository) FinishSync(resourceType, resourceId string) (bool, error) {
	result, err := r.db.Eval(finishSyncScript,
		[]string{recordKey(resourceType, resourceId), dueKey(resourceType)},
		resourceId,
	).Int()
	if err != nil {
		return false, fmt.Errorf("[RedisRegistryRepository.FinishSync] error updating database: %s", err)
	}
	return result > 0, nil
}

func (r *RedisRegistryRepository) DueRecords(resourceType string, limit int64, now time.Time, exceptIds map[string]bool) ([]*Record, error) {
	ids, err := r.db.ZRangeByScore(dueKey(resourceType), redis.ZRangeBy{
		Min:   "0",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit + int64(len(exceptIds)),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("[RedisRegistryRepository.DueRecords] error reading from database: %s", err)
	}

	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		if exceptIds[id] {
			continue
		}
		record, err := r.GetRecord(resourceType, id)
		if err != nil {
			return nil, err
		}
		if record == nil {
			record = &Record{ResourceType: resourceType, ResourceId: id, State: StatePending}
		}
		records = append(records, record)
	}

	// Never-attempted records first, then least recently attempted.
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i].LastSyncedAt, records[j].LastSyncedAt
		if a == nil {
			return b != nil
		}
		if b == nil {
			return false
		}
		return a.Before(*b)
	})

	if int64(len(records)) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (r *RedisRegistryRepository) DeleteRecords(resourceType string, resourceIds []string) error {
	if len(resourceIds) == 0 {
		return nil
	}
	pipe := r.db.TxPipeline()
	members := make([]interface{}, 0, len(resourceIds))
	for _, id := range resourceIds {
		pipe.Del(recordKey(resourceType, id))
		members = append(members, id)
	}
	pipe.ZRem(dueKey(resourceType), members...)
	if _, err := pipe.Exec(); err != nil {
		return fmt.Errorf("[RedisRegistryRepository.DeleteRecords] error deleting records: %s", err)
	}
	return nil
}
