package dispatch

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-redis/redis"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/dispatchproject/dispatch/internal/dispatch/configuration"
	"github.com/dispatchproject/dispatch/internal/dispatch/metrics"
	"github.com/dispatchproject/dispatch/internal/dispatch/registry"
	"github.com/dispatchproject/dispatch/internal/dispatch/repository"
	"github.com/dispatchproject/dispatch/internal/dispatch/routing"
	"github.com/dispatchproject/dispatch/internal/dispatch/scheduling"
	"github.com/dispatchproject/dispatch/pkg/api"
)

const jobArchiveResourceType = "job-archive"

// App wires the dispatch core together: repositories over the primary
// store, the matching engine with its quota and routing collaborators,
// the lease janitor and the archive sync worker. The surrounding
// application calls it in process; there is no network protocol here.
type App struct {
	Config *configuration.DispatchConfig

	JobRepository       repository.JobRepository
	RunnerRepository    repository.RunnerRepository
	NamespaceRepository repository.NamespaceRepository
	QuotaRepository     repository.QuotaRepository
	Registry            registry.RegistryRepository
	Archive             repository.JobArchive

	Engine *scheduling.MatchingEngine
	Guard  *routing.StickingGuard

	leaseManager  *scheduling.LeaseManager
	archiveWorker *registry.Worker

	stop chan struct{}
}

// Serve builds the application from configuration and starts the
// background loops. The returned App is ready to take polls.
func Serve(config *configuration.DispatchConfig) (*App, error) {
	primary := redis.NewUniversalClient(&config.Redis)
	replica := redis.NewUniversalClient(&config.ReplicaRedis)

	// The store must be reachable before we take polls; transient
	// startup races with the database are retried with backoff.
	err := retry.Do(
		func() error { return primary.Ping().Err() },
		retry.Attempts(10),
		retry.Delay(time.Second),
	)
	if err != nil {
		return nil, err
	}

	jobRepository := repository.NewRedisJobRepository(primary)
	runnerRepository := repository.NewRedisRunnerRepository(primary)
	namespaceRepository := repository.NewRedisNamespaceRepository(primary)
	quotaRepository := repository.NewRedisQuotaRepository(primary)
	registryRepository := registry.NewRedisRegistryRepository(primary, registry.BackoffPolicy{
		BaseDelay: config.Registry.BackoffBaseDelay,
		MaxDelay:  config.Registry.BackoffMaxDelay,
	})
	archive := repository.NewRedisJobArchive(primary)

	guard := routing.NewStickingGuard(primary, replica,
		config.Routing.StickyWindow, config.Routing.ExemptAdvisoryHeartbeats)
	tracker := scheduling.NewQuotaTracker(namespaceRepository, quotaRepository, config.Quota)
	engineMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)
	metrics.ExposeDataMetrics(jobRepository)

	engine := scheduling.NewMatchingEngine(
		jobRepository,
		runnerRepository,
		config.Scheduling,
		scheduling.WithQuotaGating(tracker),
		scheduling.WithReplicaRouting(guard),
		scheduling.WithDeployAuthorizer(scheduling.AuthorizeAll{}),
		scheduling.WithMetrics(engineMetrics),
		scheduling.WithJobStartedCallback(func(job *api.Job) {
			// Outbound signal consumed by minute-usage accounting.
			log.WithField("job", job.Id).WithField("namespace", job.NamespaceId).Info("job started")
		}),
	)

	app := &App{
		Config:              config,
		JobRepository:       jobRepository,
		RunnerRepository:    runnerRepository,
		NamespaceRepository: namespaceRepository,
		QuotaRepository:     quotaRepository,
		Registry:            registryRepository,
		Archive:             archive,
		Engine:              engine,
		Guard:               guard,
		leaseManager: scheduling.NewLeaseManager(
			jobRepository, runnerRepository, config.Scheduling.RunnerHeartbeatTimeout),
		archiveWorker: registry.NewWorker(
			registryRepository, jobArchiveResourceType, archiveSyncer{archive}, config.Scheduling.QueueBatchSize),
		stop: make(chan struct{}),
	}

	go app.runPeriodically(config.Scheduling.LeaseExpiryInterval, app.leaseManager.ExpireLeases)
	go app.runPeriodically(config.Scheduling.LeaseExpiryInterval, func() { app.archiveWorker.RunOnce() })

	return app, nil
}

func (a *App) Stop() {
	close(a.stop)
}

func (a *App) runPeriodically(interval time.Duration, action func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			action()
		}
	}
}

// archiveSyncer adapts the job archive to the registry worker.
type archiveSyncer struct {
	archive repository.JobArchive
}

func (s archiveSyncer) Sync(jobId string) error {
	return s.archive.ArchiveJob(jobId)
}

// RegisterRunner registers a new runner identity and pins the runner's
// subsequent reads to the primary store.
func (a *App) RegisterRunner(runner *api.Runner) error {
	if err := a.RunnerRepository.RegisterRunner(runner); err != nil {
		return err
	}
	return a.Guard.StickAfterWrite(runner.Id, false)
}

// Heartbeat records runner contact. advisory marks pings with no
// scheduling consequence, which may be exempted from primary stickiness.
func (a *App) Heartbeat(runnerId string, advisory bool) (*api.Runner, error) {
	runner, err := a.RunnerRepository.Heartbeat(runnerId, time.Now())
	if err != nil {
		return nil, err
	}
	if err := a.Guard.StickAfterWrite(runnerId, advisory); err != nil {
		return nil, err
	}
	return runner, nil
}

// EnqueueJob inserts a pending job into the backlog.
func (a *App) EnqueueJob(job *api.Job) error {
	return a.JobRepository.AddJob(job, a.Config.Scheduling.AllowUntaggedJobs)
}

// RegisterJob handles one runner poll and returns the claimed job, if any.
func (a *App) RegisterJob(ctx context.Context, request *scheduling.PollRequest) (*scheduling.MatchResult, error) {
	if _, err := a.RunnerRepository.Heartbeat(request.RunnerId, time.Now()); err != nil {
		return nil, err
	}
	// Polling is contact, not scheduling-relevant state; stick only if
	// advisory exemption is disabled.
	if err := a.Guard.StickAfterWrite(request.RunnerId, true); err != nil {
		return nil, err
	}
	return a.Engine.Match(ctx, request)
}

// FinishJob records successful completion and schedules archive sync.
func (a *App) FinishJob(job *api.Job) error {
	if err := a.JobRepository.FinishJob(job); err != nil {
		return err
	}
	return a.Registry.ResourceUpdated(jobArchiveResourceType, job.Id)
}

// FailJob records failure with a reason and schedules archive sync.
func (a *App) FailJob(job *api.Job, reason api.FailureReason) error {
	if err := a.JobRepository.FailJob(job, reason); err != nil {
		return err
	}
	return a.Registry.ResourceUpdated(jobArchiveResourceType, job.Id)
}

// CancelJob cancels a pending or running job and schedules archive sync.
func (a *App) CancelJob(job *api.Job) error {
	if err := a.JobRepository.CancelJob(job); err != nil {
		return err
	}
	return a.Registry.ResourceUpdated(jobArchiveResourceType, job.Id)
}
