package pointcloud

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	depthSamplesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pointcloud_depth_samples_total",
		Help: "The total number of received depth samples.",
	})

	rejectedSamplesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pointcloud_rejected_samples_total",
		Help: "The total number of depth samples outside the supported volume.",
	})

	raycastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pointcloud_raycasts_total",
		Help: "The total number of served raycast queries.",
	})
)

func instrumentDepthSamples(count int) {
	depthSamplesTotal.Add(float64(count))
}

func instrumentRejectedSamples(count int) {
	rejectedSamplesTotal.Add(float64(count))
}

func instrumentRaycast() {
	raycastsTotal.Inc()
}
