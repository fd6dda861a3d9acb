package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ClaimsCounter tracks items successfully claimed.
	ClaimsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lease_claims_total",
		Help: "Total number of items successfully claimed",
	})
	// ClaimConflictsCounter tracks claim attempts lost to an existing owner.
	ClaimConflictsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lease_claim_conflicts_total",
		Help: "Total number of claim attempts rejected because the item was already owned",
	})
	// ReleasesCounter tracks successful releases.
	ReleasesCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lease_releases_total",
		Help: "Total number of items successfully released",
	})
	// ReleaseConflictsCounter tracks releases rejected by the ownership check
	// or aborted by a concurrent modification.
	ReleaseConflictsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lease_release_conflicts_total",
		Help: "Total number of release attempts that did not remove an item",
	})
	// SweptEntriesCounter tracks stale index entries removed during queries.
	SweptEntriesCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lease_swept_entries_total",
		Help: "Total number of expired claim index entries swept during queries",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers the lease core metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(ClaimsCounter, ClaimConflictsCounter, ReleasesCounter, ReleaseConflictsCounter, SweptEntriesCounter)
}
