package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricFramesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teapotnet",
		Subsystem: "overlay",
		Name:      "frames_total",
		Help:      "Frames handled by the overlay router, by outcome.",
	}, []string{"outcome"})

	metricLinks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "teapotnet",
		Subsystem: "overlay",
		Name:      "links",
		Help:      "Active authenticated links.",
	})

	metricTunnels = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "teapotnet",
		Subsystem: "tunneler",
		Name:      "tunnels",
		Help:      "Open tunnels.",
	})

	metricBlocksDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "teapotnet",
		Subsystem: "fountain",
		Name:      "blocks_decoded_total",
		Help:      "Blocks fully decoded by fountain sinks.",
	})

	metricCombinations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teapotnet",
		Subsystem: "fountain",
		Name:      "combinations_total",
		Help:      "Combinations received, by outcome.",
	}, []string{"outcome"})

	metricTrackerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teapotnet",
		Subsystem: "tracker",
		Name:      "requests_total",
		Help:      "Tracker service requests, by method.",
	}, []string{"method"})
)
