package rpcpool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rpcRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "polygondash",
		Subsystem: "rpc",
		Name:      "requests_total",
		Help:      "Upstream RPC requests by endpoint, method and outcome.",
	}, []string{"endpoint", "method", "outcome"})

	rpcRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "polygondash",
		Subsystem: "rpc",
		Name:      "request_duration_seconds",
		Help:      "Upstream RPC request latency by method.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})
)
