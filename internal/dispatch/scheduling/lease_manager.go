package scheduling

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dispatchproject/dispatch/internal/common/util"
	"github.com/dispatchproject/dispatch/internal/dispatch/repository"
)

// LeaseManager returns running jobs whose runner stopped heartbeating to
// the pending backlog, so other runners can pick them up. It is driven
// periodically from the server loop; failures are logged and retried on
// the next tick.
type LeaseManager struct {
	jobRepository    repository.JobRepository
	runnerRepository repository.RunnerRepository
	heartbeatTimeout time.Duration
	clock            util.Clock
}

func NewLeaseManager(
	jobRepository repository.JobRepository,
	runnerRepository repository.RunnerRepository,
	heartbeatTimeout time.Duration,
) *LeaseManager {
	return &LeaseManager{
		jobRepository:    jobRepository,
		runnerRepository: runnerRepository,
		heartbeatTimeout: heartbeatTimeout,
		clock:            &util.DefaultClock{},
	}
}

func (l *LeaseManager) ExpireLeases() {
	queues, err := l.jobRepository.GetActiveQueues()
	if err != nil {
		log.Error(err)
		return
	}

	now := l.clock.Now()
	staleRunners := map[string]bool{}

	for _, queue := range queues {
		assignments, err := l.jobRepository.GetRunningAssignments(queue)
		if err != nil {
			log.Error(err)
			continue
		}

		for jobId, runnerId := range assignments {
			stale, known := staleRunners[runnerId]
			if !known {
				stale = l.runnerStale(runnerId, now)
				staleRunners[runnerId] = stale
			}
			if !stale {
				continue
			}

			jobs, err := l.jobRepository.GetJobsByIds([]string{jobId})
			if err != nil {
				log.Error(err)
				continue
			}
			if len(jobs) == 0 {
				continue
			}

			returned, err := l.jobRepository.ReturnLease(jobs[0], runnerId)
			if err != nil {
				log.Error(err)
				continue
			}
			if returned {
				log.WithField("job", jobId).WithField("runner", runnerId).
					Info("returned lease of stale runner to the backlog")
			}
		}
	}
}

func (l *LeaseManager) runnerStale(runnerId string, now time.Time) bool {
	runner, err := l.runnerRepository.GetRunner(runnerId)
	if err != nil {
		// A deleted runner cannot heartbeat; treat its leases as stale.
		return true
	}
	return !runner.Active || runner.Stale(now, l.heartbeatTimeout)
}
