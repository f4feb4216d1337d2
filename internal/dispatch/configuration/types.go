package configuration

import (
	"time"

	"github.com/go-redis/redis"
)

type DispatchConfig struct {
	MetricsPort uint16

	// Redis is the primary store; ReplicaRedis serves replica-tolerant
	// reads. Both may point at the same instance in small deployments.
	Redis        redis.UniversalOptions
	ReplicaRedis redis.UniversalOptions

	Scheduling SchedulingConfig
	Quota      QuotaConfig
	Routing    RoutingConfig
	Registry   RegistryConfig
}

type SchedulingConfig struct {
	// QueueBatchSize is how many pending candidates are fetched per scan
	// round.
	QueueBatchSize int64
	// MaxClaimRounds bounds how many fresh candidate batches a single
	// poll may scan when losing claims under contention.
	MaxClaimRounds int
	// DisasterRecovery ignores quota gating entirely. Emergency bypass;
	// passed in here explicitly so both modes are testable.
	DisasterRecovery bool
	// AllowUntaggedJobs admits jobs with an empty tag set at enqueue.
	AllowUntaggedJobs bool
	// RunnerHeartbeatTimeout is how long a runner may stay silent before
	// its leases are returned to the backlog.
	RunnerHeartbeatTimeout time.Duration
	// LeaseExpiryInterval is how often the lease janitor runs.
	LeaseExpiryInterval time.Duration
}

type QuotaConfig struct {
	// DefaultSecondsLimit applies to root namespaces without an explicit
	// limit. 0 means unlimited.
	DefaultSecondsLimit int64
}

type RoutingConfig struct {
	// StickyWindow bounds how long a runner's reads stay pinned to the
	// primary after a write.
	StickyWindow time.Duration
	// ExemptAdvisoryHeartbeats keeps plain health pings from sticking
	// runners to the primary.
	ExemptAdvisoryHeartbeats bool
}

type RegistryConfig struct {
	BackoffBaseDelay time.Duration
	BackoffMaxDelay  time.Duration
}
