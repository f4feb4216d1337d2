package registry

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dispatchproject/dispatch/internal/common/util"
)

// Syncer performs the actual replication work for one resource.
type Syncer interface {
	Sync(resourceId string) error
}

// Worker drains due registry records through their state machine: claim
// with StartSync, run the syncer, then FinishSync. A FinishSync that
// reports no change means the resource was updated mid-flight; the record
// is left pending and picked up again on a later pass.
type Worker struct {
	registry     RegistryRepository
	resourceType string
	syncer       Syncer
	batchSize    int64
	clock        util.Clock
}

func NewWorker(registry RegistryRepository, resourceType string, syncer Syncer, batchSize int64) *Worker {
	return &Worker{
		registry:     registry,
		resourceType: resourceType,
		syncer:       syncer,
		batchSize:    batchSize,
		clock:        &util.DefaultClock{},
	}
}

// RunOnce processes one batch of due records. Returns the number of
// records synced.
func (w *Worker) RunOnce() int {
	now := w.clock.Now()
	records, err := w.registry.DueRecords(w.resourceType, w.batchSize, now, nil)
	if err != nil {
		log.Error(err)
		return 0
	}

	synced := 0
	for _, record := range records {
		if w.syncRecord(record.ResourceId, now) {
			synced++
		}
	}
	return synced
}

func (w *Worker) syncRecord(resourceId string, now time.Time) bool {
	started, err := w.registry.StartSync(w.resourceType, resourceId, now)
	if err != nil {
		log.Error(err)
		return false
	}
	if !started {
		// Already in flight elsewhere.
		return false
	}

	if err := w.syncer.Sync(resourceId); err != nil {
		if _, failErr := w.registry.FailSync(w.resourceType, resourceId, err.Error(), w.clock.Now()); failErr != nil {
			log.Error(failErr)
		}
		return false
	}

	finished, err := w.registry.FinishSync(w.resourceType, resourceId)
	if err != nil {
		log.Error(err)
		return false
	}
	if !finished {
		log.WithField("resource", resourceId).Info("resource changed during sync, rescheduling")
		return false
	}
	return true
}
