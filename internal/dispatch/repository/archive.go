package repository

import (
	"fmt"

	"github.com/go-redis/redis"
)

const jobArchiveKey = "Job:Archive"

// JobArchive is the secondary store terminal job records are replicated
// into, driven by the registry state machine. Other subsystems read the
// archive directly, so records are kept independently queryable.
type JobArchive interface {
	ArchiveJob(jobId string) error
	GetArchivedJob(jobId string) (string, error)
}

type RedisJobArchive struct {
	db redis.UniversalClient
}

func NewRedisJobArchive(db redis.UniversalClient) *RedisJobArchive {
	return &RedisJobArchive{db: db}
}

// ArchiveJob copies the job blob and its terminal status into the archive
// hash. Archiving is idempotent.
func (a *RedisJobArchive) ArchiveJob(jobId string) error {
	pipe := a.db.Pipeline()
	blobCmd := pipe.Get(jobObjectPrefix + jobId)
	statusCmd := pipe.HGet(jobStatusMapKey, jobId)
	if _, err := pipe.Exec(); err != nil && err != redis.Nil {
		return fmt.Errorf("[RedisJobArchive.ArchiveJob] error reading from database: %s", err)
	}

	blob, err := blobCmd.Result()
	if err == redis.Nil {
		return &ErrNotFound{ResourceNames: []string{fmt.Sprintf("job %q", jobId)}}
	} else if err != nil {
		return fmt.Errorf("[RedisJobArchive.ArchiveJob] error reading from database: %s", err)
	}

	status := statusCmd.Val()
	entry := fmt.Sprintf(`{"status":%q,"job":%s}`, status, blob)
	if err := a.db.HSet(jobArchiveKey, jobId, entry).Err(); err != nil {
		return fmt.Errorf("[RedisJobArchive.ArchiveJob] error writing to database: %s", err)
	}
	return nil
}

func (a *RedisJobArchive) GetArchivedJob(jobId string) (string, error) {
	entry, err := a.db.HGet(jobArchiveKey, jobId).Result()
	if err == redis.Nil {
		return "", &ErrNotFound{ResourceNames: []string{fmt.Sprintf("archived job %q", jobId)}}
	} else if err != nil {
		return "", fmt.Errorf("[RedisJobArchive.GetArchivedJob] error reading from database: %s", err)
	}
	return entry, nil
}
