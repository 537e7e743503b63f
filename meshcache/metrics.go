package meshcache

import (
	"github.com/densemesh/densemesh/engine"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	statusLabel = "status"
)

var (
	cacheQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_cache_queue_length",
		Help: "The number of dirty cells waiting in the primary queue.",
	})

	cacheBacklogLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_cache_backlog_length",
		Help: "The number of dirty cells deferred to the backlog.",
	})

	cacheRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_cache_refreshes_total",
		Help: "The total number of per-cell extraction attempts.",
	}, []string{statusLabel})

	cacheGrowthsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mesh_cache_growths_total",
		Help: "The total number of cell buffer reallocations.",
	})

	cacheCompletionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mesh_cache_completions_total",
		Help: "The total number of cells retired by selective completion.",
	})
)

func instrumentCacheQueues(queueLength, backlogLength int) {
	cacheQueueLength.Set(float64(queueLength))
	cacheBacklogLength.Set(float64(backlogLength))
}

func instrumentCacheRefresh(status engine.Status) {
	cacheRefreshesTotal.
		With(prometheus.Labels{statusLabel: status.String()}).
		Inc()
}

func instrumentCacheGrowth() {
	cacheGrowthsTotal.Inc()
}

func instrumentCacheCompletion() {
	cacheCompletionsTotal.Inc()
}
