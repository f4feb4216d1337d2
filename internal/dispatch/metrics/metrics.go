package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/dispatchproject/dispatch/internal/dispatch/repository"
)

const MetricPrefix = "dispatch_"

// Metrics holds the counters recorded on the matching hot path. All
// methods are nil-safe so components can be wired without metrics.
type Metrics struct {
	jobsClaimed     prometheus.Counter
	claimContention prometheus.Counter
	quotaRejections prometheus.Counter
	secretsDrops    prometheus.Counter
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricPrefix + "jobs_claimed_total",
			Help: "Number of jobs successfully claimed by runners",
		}),
		claimContention: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricPrefix + "claim_contention_total",
			Help: "Number of claim attempts lost to another runner",
		}),
		quotaRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricPrefix + "quota_rejections_total",
			Help: "Number of candidate jobs skipped because their namespace is over quota",
		}),
		secretsDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricPrefix + "secrets_provider_drops_total",
			Help: "Number of jobs failed because no compatible secrets provider was available",
		}),
	}
	registerer.MustRegister(m.jobsClaimed, m.claimContention, m.quotaRejections, m.secretsDrops)
	return m
}

func (m *Metrics) IncJobsClaimed() {
	if m == nil {
		return
	}
	m.jobsClaimed.Inc()
}

func (m *Metrics) IncClaimContention() {
	if m == nil {
		return
	}
	m.claimContention.Inc()
}

func (m *Metrics) IncQuotaRejections() {
	if m == nil {
		return
	}
	m.quotaRejections.Inc()
}

func (m *Metrics) IncSecretsDrops() {
	if m == nil {
		return
	}
	m.secretsDrops.Inc()
}

// ExposeDataMetrics registers a collector reporting backlog sizes per
// queue, read straight from the job repository on scrape.
func ExposeDataMetrics(jobRepository repository.JobRepository) *QueueInfoCollector {
	collector := &QueueInfoCollector{jobRepository: jobRepository}
	prometheus.MustRegister(collector)
	return collector
}

type QueueInfoCollector struct {
	jobRepository repository.JobRepository
}

var queueSizeDesc = prometheus.NewDesc(
	MetricPrefix+"queue_size",
	"Number of pending jobs in a queue",
	[]string{"queueName"},
	nil,
)

func (c *QueueInfoCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- queueSizeDesc
}

func (c *QueueInfoCollector) Collect(metrics chan<- prometheus.Metric) {
	queues, err := c.jobRepository.GetActiveQueues()
	if err != nil {
		log.Errorf("error reading queue index for metrics: %s", err)
		return
	}
	sizes, err := c.jobRepository.GetQueueSizes(queues)
	if err != nil {
		log.Errorf("error reading queue sizes for metrics: %s", err)
		return
	}
	for queue, size := range sizes {
		metrics <- prometheus.MustNewConstMetric(queueSizeDesc, prometheus.GaugeValue, float64(size), queue)
	}
}
