package repository

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-redis/redis"

	"github.com/dispatchproject/dispatch/pkg/api"
)

const (
	namespaceHashKey = "Namespace"
	usageHashKey     = "Quota:UsedSeconds"
)

// NamespaceRepository stores the group hierarchy the quota tracker walks
// to find the root ancestor owning the compute budget.
type NamespaceRepository interface {
	UpsertNamespace(namespace *api.Namespace) error
	GetNamespace(id string) (*api.Namespace, error)
}

// QuotaRepository reads the consumed compute-seconds counter per root
// namespace. The counter is incremented by the billing pipeline as jobs
// complete; the scheduler only ever reads it.
type QuotaRepository interface {
	GetUsedSeconds(namespaceId string) (int64, error)
	AddUsedSeconds(namespaceId string, seconds int64) error
}

type RedisNamespaceRepository struct {
	db redis.UniversalClient
}

func NewRedisNamespaceRepository(db redis.UniversalClient) *RedisNamespaceRepository {
	return &RedisNamespaceRepository{db: db}
}

func (r *RedisNamespaceRepository) UpsertNamespace(namespace *api.Namespace) error {
	data, err := json.Marshal(namespace)
	if err != nil {
		return fmt.Errorf("[RedisNamespaceRepository.UpsertNamespace] error marshalling namespace: %s", err)
	}
	if err := r.db.HSet(namespaceHashKey, namespace.Id, data).Err(); err != nil {
		return fmt.Errorf("[RedisNamespaceRepository.UpsertNamespace] error writing to database: %s", err)
	}
	return nil
}

func (r *RedisNamespaceRepository) GetNamespace(id string) (*api.Namespace, error) {
	data, err := r.db.HGet(namespaceHashKey, id).Result()
	if err == redis.Nil {
		return nil, &ErrNotFound{ResourceNames: []string{fmt.Sprintf("namespace %q", id)}}
	} else if err != nil {
		return nil, fmt.Errorf("[RedisNamespaceRepository.GetNamespace] error reading from database: %s", err)
	}

	namespace := &api.Namespace{}
	if err := json.Unmarshal([]byte(data), namespace); err != nil {
		return nil, fmt.Errorf("[RedisNamespaceRepository.GetNamespace] error unmarshalling namespace: %s", err)
	}
	return namespace, nil
}

type RedisQuotaRepository struct {
	db redis.UniversalClient
}

func NewRedisQuotaRepository(db redis.UniversalClient) *RedisQuotaRepository {
	return &RedisQuotaRepository{db: db}
}

func (r *RedisQuotaRepository) GetUsedSeconds(namespaceId string) (int64, error) {
	data, err := r.db.HGet(usageHashKey, namespaceId).Result()
	if err == redis.Nil {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("[RedisQuotaRepository.GetUsedSeconds] error reading from database: %s", err)
	}

	seconds, err := strconv.ParseInt(data, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("[RedisQuotaRepository.GetUsedSeconds] error parsing counter: %s", err)
	}
	return seconds, nil
}

// AddUsedSeconds is called by the billing pipeline, never from the
// matching critical path.
func (r *RedisQuotaRepository) AddUsedSeconds(namespaceId string, seconds int64) error {
	if err := r.db.HIncrBy(usageHashKey, namespaceId, seconds).Err(); err != nil {
		return fmt.Errorf("[RedisQuotaRepository.AddUsedSeconds] error writing to database: %s", err)
	}
	return nil
}
