package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis"

	"github.com/dispatchproject/dispatch/pkg/api"
)

const runnerHashKey = "Runner"

// RunnerRepository holds registered runner identities. Runners are
// registered once by an administrative action; after that the only routine
// write is the heartbeat updating the last-contact timestamp.
type RunnerRepository interface {
	RegisterRunner(runner *api.Runner) error
	GetRunner(id string) (*api.Runner, error)
	Heartbeat(id string, contactedAt time.Time) (*api.Runner, error)
	DeactivateRunner(id string) error
	DeleteRunner(id string) error
}

type RedisRunnerRepository struct {
	db redis.UniversalClient
}

func NewRedisRunnerRepository(db redis.UniversalClient) *RedisRunnerRepository {
	return &RedisRunnerRepository{db: db}
}

func (r *RedisRunnerRepository) RegisterRunner(runner *api.Runner) error {
	data, err := json.Marshal(runner)
	if err != nil {
		return fmt.Errorf("[RedisRunnerRepository.RegisterRunner] error marshalling runner: %s", err)
	}

	created, err := r.db.HSetNX(runnerHashKey, runner.Id, data).Result()
	if err != nil {
		return fmt.Errorf("[RedisRunnerRepository.RegisterRunner] error writing to database: %s", err)
	}
	if !created {
		return &ErrAlreadyExists{ResourceNames: []string{fmt.Sprintf("runner %q", runner.Id)}}
	}
	return nil
}

func (r *RedisRunnerRepository) GetRunner(id string) (*api.Runner, error) {
	data, err := r.db.HGet(runnerHashKey, id).Result()
	if err == redis.Nil {
		return nil, &ErrNotFound{ResourceNames: []string{fmt.Sprintf("runner %q", id)}}
	} else if err != nil {
		return nil, fmt.Errorf("[RedisRunnerRepository.GetRunner] error reading from database: %s", err)
	}

	runner := &api.Runner{}
	if err := json.Unmarshal([]byte(data), runner); err != nil {
		return nil, fmt.Errorf("[RedisRunnerRepository.GetRunner] error unmarshalling runner: %s", err)
	}
	return runner, nil
}

// Heartbeat records the runner's last contact time and returns the updated
// runner. Heartbeats never create runners.
func (r *RedisRunnerRepository) Heartbeat(id string, contactedAt time.Time) (*api.Runner, error) {
	runner, err := r.GetRunner(id)
	if err != nil {
		return nil, err
	}
	runner.ContactedAt = contactedAt
	if err := r.updateRunner(runner); err != nil {
		return nil, err
	}
	return runner, nil
}

func (r *RedisRunnerRepository) DeactivateRunner(id string) error {
	runner, err := r.GetRunner(id)
	if err != nil {
		return err
	}
	runner.Active = false
	return r.updateRunner(runner)
}

// DeleteRunner removes the runner record entirely. Leases held by a
// deleted runner are reclaimed by the lease expiry pass.
func (r *RedisRunnerRepository) DeleteRunner(id string) error {
	if err := r.db.HDel(runnerHashKey, id).Err(); err != nil {
		return fmt.Errorf("[RedisRunnerRepository.DeleteRunner] error writing to database: %s", err)
	}
	return nil
}

func (r *RedisRunnerRepository) updateRunner(runner *api.Runner) error {
	data, err := json.Marshal(runner)
	if err != nil {
		return fmt.Errorf("[RedisRunnerRepository.updateRunner] error marshalling runner: %s", err)
	}
	if err := r.db.HSet(runnerHashKey, runner.Id, data).Err(); err != nil {
		return fmt.Errorf("[RedisRunnerRepository.updateRunner] error writing to database: %s", err)
	}
	return nil
}
