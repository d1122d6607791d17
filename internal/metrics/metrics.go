// Package metrics holds Prometheus instruments that are used across the
// bot.  All collectors are registered with the global registry, so
// importing this package in main.go is enough to expose them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	CacheEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "row_cache_entries",
			Help: "Number of rows currently held per table cache.",
		}, []string{"table"})

	CacheEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "row_cache_events_total",
			Help: "Cumulative number of cache push, update, and remove events.",
		}, []string{"table", "kind"})

	CacheSweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "row_cache_sweeps_total",
			Help: "Cumulative number of expiry sweeps run per table cache.",
		}, []string{"table"})

	StoreQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_query_duration_seconds",
			Help:    "Latency of SQL statements issued by table stores.",
			Buckets: prometheus.DefBuckets,
		}, []string{"table", "op"})

	StoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_errors_total",
			Help: "Cumulative number of failed SQL statements per table and operation.",
		}, []string{"table", "op"})

	LedgerLoadTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_load_total",
			Help: "Cumulative number of user position ledgers loaded from the store.",
		})

	LedgerLoadErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_load_errors_total",
			Help: "Cumulative number of user position ledger load errors.",
		})

	PermissionVerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "permission_verdicts_total",
			Help: "Outcomes of top-level permission and position checks.",
		}, []string{"check", "verdict"})

	RoleSyncTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "role_sync_total",
			Help: "Role apply and retract operations issued by the synchroniser.",
		}, []string{"action", "result"})

	IPCNotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipc_notifications_total",
			Help: "Database change notifications received per channel.",
		}, []string{"channel"})
)

func init() {
	prometheus.MustRegister(
		CacheEntries,
		CacheEventsTotal,
		CacheSweepsTotal,
		StoreQueryDuration,
		StoreErrorsTotal,
		LedgerLoadTotal,
		LedgerLoadErrorsTotal,
		PermissionVerdictsTotal,
		RoleSyncTotal,
		IPCNotificationsTotal,
	)
}
