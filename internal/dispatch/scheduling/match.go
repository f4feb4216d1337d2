package scheduling

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/dispatchproject/dispatch/internal/dispatch/configuration"
	"github.com/dispatchproject/dispatch/internal/dispatch/metrics"
	"github.com/dispatchproject/dispatch/internal/dispatch/repository"
	"github.com/dispatchproject/dispatch/pkg/api"
)

// PollRequest is what a runner delivers on each poll: its identity and
// the capabilities it declared, e.g. which secrets backends it can talk to.
type PollRequest struct {
	RunnerId         string
	SecretsProviders []string
}

// MatchResult is the outcome of one poll. Valid is false when the replica
// routing guard could not prove the runner's own writes are visible yet;
// the runner should simply poll again. A nil Job with Valid true means
// there is no work, which is a normal outcome and never an error.
type MatchResult struct {
	Job   *api.Job
	Valid bool
}

// RoutingGuard decides whether matching for a runner may proceed against
// a replica-served view. Implementations must fail closed.
type RoutingGuard interface {
	CaughtUp(runnerId string) (bool, error)
}

// DeployAuthorizer is the external collaborator deciding whether a runner
// holds deploy access to a protected environment. A negative answer makes
// the job incompatible with the runner; it is never treated as an error.
type DeployAuthorizer interface {
	CanDeploy(runner *api.Runner, job *api.Job) bool
}

// AuthorizeAll grants deploy access to every runner.
type AuthorizeAll struct{}

func (AuthorizeAll) CanDeploy(*api.Runner, *api.Job) bool { return true }

// denyAll is the fail-closed default when no authorizer is injected.
type denyAll struct{}

func (denyAll) CanDeploy(*api.Runner, *api.Job) bool { return false }

// MatchingEngine selects and atomically claims the single best pending
// job for a polling runner. Quota gating and replica routing are optional
// collaborators injected at construction.
type MatchingEngine struct {
	jobs    repository.JobRepository
	runners repository.RunnerRepository
	config  configuration.SchedulingConfig

	quota        *QuotaTracker
	guard        RoutingGuard
	authorizer   DeployAuthorizer
	onJobStarted func(*api.Job)
	metrics      *metrics.Metrics
}

type Option func(*MatchingEngine)

// WithQuotaGating admission-gates shared-runner jobs by namespace budget.
func WithQuotaGating(tracker *QuotaTracker) Option {
	return func(e *MatchingEngine) { e.quota = tracker }
}

// WithReplicaRouting makes matching wait for the runner's own writes to be
// replica-visible before scanning the backlog.
func WithReplicaRouting(guard RoutingGuard) Option {
	return func(e *MatchingEngine) { e.guard = guard }
}

func WithDeployAuthorizer(authorizer DeployAuthorizer) Option {
	return func(e *MatchingEngine) { e.authorizer = authorizer }
}

// WithJobStartedCallback is invoked for every successfully claimed job,
// e.g. to signal minute-usage accounting.
func WithJobStartedCallback(callback func(*api.Job)) Option {
	return func(e *MatchingEngine) { e.onJobStarted = callback }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *MatchingEngine) { e.metrics = m }
}

func NewMatchingEngine(
	jobs repository.JobRepository,
	runners repository.RunnerRepository,
	config configuration.SchedulingConfig,
	options ...Option,
) *MatchingEngine {
	engine := &MatchingEngine{
		jobs:       jobs,
		runners:    runners,
		config:     config,
		authorizer: denyAll{},
	}
	for _, option := range options {
		option(engine)
	}
	return engine
}

// Match handles one poll. Contention losses and quota-gated candidates
// are expected outcomes handled internally; only infrastructure failures
// and invalid runner identities surface as errors.
func (e *MatchingEngine) Match(ctx context.Context, request *PollRequest) (*MatchResult, error) {
	runner, err := e.runners.GetRunner(request.RunnerId)
	if err != nil {
		var notFound *repository.ErrNotFound
		if errors.As(err, &notFound) {
			return nil, &ErrInvalidRunner{RunnerId: request.RunnerId, Reason: "not registered"}
		}
		return nil, err
	}
	if !runner.Active {
		return nil, &ErrInvalidRunner{RunnerId: request.RunnerId, Reason: "deactivated"}
	}

	if e.guard != nil {
		caughtUp, err := e.guard.CaughtUp(runner.Id)
		if err != nil {
			// Correctness over availability: an unreachable routing
			// state must not be read as "replica is fine".
			log.WithField("runner", runner.Id).Warnf("replica routing check failed, failing closed: %v", err)
			return &MatchResult{Valid: false}, nil
		}
		if !caughtUp {
			return &MatchResult{Valid: false}, nil
		}
	}

	c := &matchContext{
		engine:  e,
		runner:  runner,
		request: request,
		tried:   map[string]bool{},
	}
	job, err := c.findAndClaim(ctx)
	if err != nil {
		return nil, err
	}
	if job != nil {
		e.metrics.IncJobsClaimed()
		if e.onJobStarted != nil {
			e.onJobStarted(job)
		}
	}
	return &MatchResult{Job: job, Valid: true}, nil
}

// matchContext carries the state of a single poll: the resolved runner
// and the ids already tried, so successive batches exclude them and the
// total scan cost stays bounded under contention.
type matchContext struct {
	engine  *MatchingEngine
	runner  *api.Runner
	request *PollRequest
	tried   map[string]bool
}

func (c *matchContext) findAndClaim(ctx context.Context) (*api.Job, error) {
	queue := c.runner.QueueName()
	for round := 0; round < c.engine.config.MaxClaimRounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		candidates, err := c.engine.jobs.PeekQueue(queue, c.engine.config.QueueBatchSize, c.tried)
		if err != nil {
			return nil, errors.WithMessage(err, "listing candidates")
		}
		if len(candidates) == 0 {
			return nil, nil
		}

		job, err := c.scanCandidates(candidates)
		if err != nil || job != nil {
			return job, err
		}

		if int64(len(candidates)) < c.engine.config.QueueBatchSize {
			// The backlog is exhausted, not contended; re-fetching
			// would return nothing new.
			return nil, nil
		}
	}

	log.WithField("runner", c.runner.Id).Debug("giving up claim rounds under contention")
	return nil, nil
}

func (c *matchContext) scanCandidates(candidates []*api.Job) (*api.Job, error) {
	for _, job := range candidates {
		c.tried[job.Id] = true

		compatible, err := c.compatible(job)
		if err != nil {
			return nil, err
		}
		if !compatible {
			continue
		}

		claimed, err := c.engine.jobs.TryStartJob(job, c.runner.Id)
		if err != nil {
			return nil, errors.WithMessage(err, "claiming job")
		}
		if !claimed {
			// Another runner won the race; not an error.
			c.engine.metrics.IncClaimContention()
			continue
		}

		if len(job.Secrets) > 0 && !c.secretsSatisfied(job) {
			// A job that needs secrets no runner-side backend can
			// provide is terminally failed, never left running and
			// never re-enqueued. Surfaced to the job owner, not to
			// the polling runner.
			if err := c.engine.jobs.FailJob(job, api.FailureReasonSecretsProviderNotFound); err != nil {
				return nil, errors.WithMessage(err, "dropping job without secrets provider")
			}
			c.engine.metrics.IncSecretsDrops()
			log.WithField("job", job.Id).Info("dropped job: no compatible secrets provider")
			continue
		}

		return job, nil
	}
	return nil, nil
}

func (c *matchContext) compatible(job *api.Job) (bool, error) {
	if !scopeCompatible(c.runner, job) {
		return false, nil
	}
	if !tagsSatisfied(c.runner.Tags, job.Tags) {
		return false, nil
	}
	if job.Protected && !c.engine.authorizer.CanDeploy(c.runner, job) {
		// Missing deploy access means incompatible, distinct from
		// quota gating.
		return false, nil
	}

	if c.engine.quota != nil && c.runner.Type == api.RunnerTypeInstance && !c.engine.config.DisasterRecovery {
		costFactor := c.runner.CostFactors.For(job.Visibility)
		over, err := c.engine.quota.OverQuota(job.NamespaceId, costFactor)
		if err != nil {
			return false, errors.WithMessage(err, "checking namespace quota")
		}
		if over {
			c.engine.metrics.IncQuotaRejections()
			return false, nil
		}
	}
	return true, nil
}

func scopeCompatible(runner *api.Runner, job *api.Job) bool {
	switch job.Scope {
	case api.ScopeShared:
		return runner.Type == api.RunnerTypeInstance
	case api.ScopeGroup:
		return runner.Type == api.RunnerTypeGroup && runner.TargetId == job.TargetId
	case api.ScopeProject:
		return runner.Type == api.RunnerTypeProject && runner.TargetId == job.TargetId
	default:
		return false
	}
}

func tagsSatisfied(runnerTags []string, jobTags []string) bool {
	for _, tag := range jobTags {
		if !slices.Contains(runnerTags, tag) {
			return false
		}
	}
	return true
}

func (c *matchContext) secretsSatisfied(job *api.Job) bool {
	for _, requirement := range job.Secrets {
		if !slices.Contains(c.request.SecretsProviders, requirement.Provider) {
			return false
		}
	}
	return true
}
