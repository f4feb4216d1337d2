package routing

import (
	"fmt"
	"time"

	"github.com/go-redis/redis"
	gocache "github.com/patrickmn/go-cache"

	"github.com/dispatchproject/dispatch/internal/common/util"
)

const stickKeyPrefix = "Routing:Stick:runner:"

// StickingGuard pins replica-lag-sensitive reads to the primary store for
// runners that recently wrote state. After a scheduling-relevant write the
// runner identity is "stuck": matching for it must not proceed until the
// replica has observed that write.
//
// The guard is advisory bookkeeping, not a lock. Its failure mode is
// closed: if the primary routing state cannot be read the runner is
// reported as not caught up.
type StickingGuard struct {
	primary redis.UniversalClient
	replica redis.UniversalClient

	// window bounds how long a write location pins reads to the primary.
	window time.Duration
	// exemptAdvisoryWrites skips sticking for writes with no scheduling
	// consequence (plain health pings), keeping heartbeat volume off the
	// primary.
	exemptAdvisoryWrites bool

	// locations caches write locations this process issued, so the
	// caught-up check can usually compare against the replica without
	// another primary round trip.
	locations *gocache.Cache
}

func NewStickingGuard(primary redis.UniversalClient, replica redis.UniversalClient, window time.Duration, exemptAdvisoryWrites bool) *StickingGuard {
	return &StickingGuard{
		primary:              primary,
		replica:              replica,
		window:               window,
		exemptAdvisoryWrites: exemptAdvisoryWrites,
		locations:            gocache.New(window, window),
	}
}

// StickAfterWrite records a new write location for the runner. advisory
// marks writes that carry no scheduling-relevant consequence; these are
// exempted from sticking when the guard is configured to do so.
func (g *StickingGuard) StickAfterWrite(runnerId string, advisory bool) error {
	if advisory && g.exemptAdvisoryWrites {
		return nil
	}

	location := util.NewULID()
	if err := g.primary.Set(stickKeyPrefix+runnerId, location, g.window).Err(); err != nil {
		return fmt.Errorf("[StickingGuard.StickAfterWrite] error writing to primary: %s", err)
	}
	g.locations.Set(runnerId, location, g.window)
	return nil
}

// CaughtUp reports whether the replica has observed the runner's last
// scheduling-relevant write. Any error consulting the primary routing
// state must be treated by callers as "not caught up".
func (g *StickingGuard) CaughtUp(runnerId string) (bool, error) {
	location, err := g.lastWriteLocation(runnerId)
	if err != nil {
		return false, err
	}
	if location == "" {
		// No recent writes, any replica is safe.
		return true, nil
	}

	replicaLocation, err := g.replica.Get(stickKeyPrefix + runnerId).Result()
	if err == redis.Nil {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("[StickingGuard.CaughtUp] error reading from replica: %s", err)
	}

	if replicaLocation != location {
		return false, nil
	}

	// The replica caught up, unstick so later polls skip the check.
	g.locations.Delete(runnerId)
	if err := g.primary.Del(stickKeyPrefix + runnerId).Err(); err != nil {
		return false, fmt.Errorf("[StickingGuard.CaughtUp] error unsticking runner: %s", err)
	}
	return true, nil
}

func (g *StickingGuard) lastWriteLocation(runnerId string) (string, error) {
	if cached, ok := g.locations.Get(runnerId); ok {
		return cached.(string), nil
	}

	location, err := g.primary.Get(stickKeyPrefix + runnerId).Result()
	if err == redis.Nil {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("[StickingGuard.lastWriteLocation] error reading from primary: %s", err)
	}
	return location, nil
}
