package export

import (
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	errTypeLabel = "error_type"
)

var (
	exportsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "export_total",
		Help: "The number of completed mesh exports.",
	})

	exportErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "export_errors",
		Help: "The errors that occurred while exporting meshes.",
	}, []string{
		errTypeLabel,
	})

	exportLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "export_latency",
		Help: "The time to write a mesh export.",
	})
)

func instrumentExport(d time.Duration) {
	exportsTotal.Inc()
	exportLatency.Observe(d.Seconds())
}

func instrumentExportError(err error) {
	exportErrors.
		With(prometheus.Labels{errTypeLabel: errors.Type(err)}).
		Inc()
}
