package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StockReservationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_reservations_total",
		Help: "Total number of committed stock reservation batches",
	})

	StockReservationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_reservations_failed_total",
		Help: "Total number of failed stock reservation batches",
	}, []string{"reason"})

	StockDeductionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_deductions_total",
		Help: "Total number of committed stock deduction batches",
	})

	StockReleasesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_releases_total",
		Help: "Total number of committed stock release batches",
	})

	StockReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stock_reserve_latency_seconds",
		Help:    "Latency of stock reservation transactions",
		Buckets: prometheus.DefBuckets,
	})

	CouponIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coupon_issued_total",
		Help: "Total number of coupons issued",
	})

	CouponIssueFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coupon_issue_failed_total",
		Help: "Total number of failed coupon issuance attempts",
	}, []string{"reason"})

	CouponCacheCompensations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coupon_cache_compensations_total",
		Help: "Total number of cache decrements rolled back after a failed durable write",
	})

	QueueJoinsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queue_joins_total",
		Help: "Total number of queue join requests accepted",
	})

	QueueAdmissionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queue_admissions_total",
		Help: "Total number of entries admitted from waiting queues",
	})

	QueueExpirationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queue_expirations_total",
		Help: "Total number of admitted entries expired by the sweep",
	})

	LockAcquisitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lock_acquisitions_total",
		Help: "Distributed lock acquisition outcomes",
	}, []string{"outcome"})

	LockHoldDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lock_hold_duration_seconds",
		Help:    "Time spent holding a distributed lock",
		Buckets: prometheus.DefBuckets,
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
