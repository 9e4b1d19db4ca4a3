// Package telemetry holds the in-process prometheus counters the ingestion
// and embedding engines update. Grounded on the free-form telemetry.inc(...)
// calls in embeddings/updater.py, ported as typed counters. No HTTP
// /metrics route is mounted by the core; a collaborator process can scrape
// Registry directly.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Telemetry is the set of counters the pipeline updates as it runs.
type Telemetry struct {
	Registry *prometheus.Registry

	Updates             prometheus.Counter
	ItemsUpdated        prometheus.Counter
	UsersUpdated        prometheus.Counter
	TotalAffectedStories prometheus.Counter
	TotalEmbeddedStories prometheus.Counter
	BackfillItemsFetched prometheus.Counter
	MissingItems         prometheus.Counter
	EmbeddedParts        prometheus.Counter
	SearchRequests       prometheus.Counter
	VectorIndexSize      prometheus.Gauge
}

// New constructs a Telemetry with every counter registered against a fresh
// registry.
func New() *Telemetry {
	reg := prometheus.NewRegistry()

	t := &Telemetry{
		Registry: reg,
		Updates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hnsearch_tailer_updates_total",
			Help: "Number of live update events received from the upstream feed.",
		}),
		ItemsUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hnsearch_items_updated_total",
			Help: "Number of item ids processed from live update events.",
		}),
		UsersUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hnsearch_users_updated_total",
			Help: "Number of user ids processed from live update events.",
		}),
		TotalAffectedStories: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hnsearch_affected_stories_total",
			Help: "Number of distinct story ids handed to the embedding engine's realtime pass.",
		}),
		TotalEmbeddedStories: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hnsearch_embedded_stories_total",
			Help: "Number of stories that were eligible and re-embedded by the realtime pass.",
		}),
		BackfillItemsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hnsearch_backfill_items_fetched_total",
			Help: "Number of items fetched during backfill.",
		}),
		MissingItems: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hnsearch_missing_items_total",
			Help: "Number of item ids that returned null from upstream.",
		}),
		EmbeddedParts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hnsearch_embedded_parts_total",
			Help: "Number of document parts embedded.",
		}),
		SearchRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hnsearch_search_requests_total",
			Help: "Number of /api/search requests served.",
		}),
		VectorIndexSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hnsearch_vector_index_size",
			Help: "Current number of vectors held in the in-memory index.",
		}),
	}

	reg.MustRegister(
		t.Updates, t.ItemsUpdated, t.UsersUpdated, t.TotalAffectedStories,
		t.TotalEmbeddedStories, t.BackfillItemsFetched, t.MissingItems,
		t.EmbeddedParts, t.SearchRequests, t.VectorIndexSize,
	)
	return t
}
