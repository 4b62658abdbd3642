// Package metrics holds the prometheus collectors shared by the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pdfchat"

var (
	ChunksEmbedded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chunks_embedded_total",
		Help:      "Chunks embedded and committed to the vector store.",
	})

	EmbeddingRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "embedding_retries_total",
		Help:      "Embedding calls retried after a transient failure.",
	})

	BatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "embedding_batch_failures_total",
		Help:      "Embedding batches that failed after all attempts.",
	})

	IngestOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingestions_total",
		Help:      "Document ingestions by final status.",
	}, []string{"status"})

	RetrievalDegraded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retrieval_degraded_total",
		Help:      "Chat turns answered without retrieval context after a retrieval error.",
	})

	TurnOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chat_turns_total",
		Help:      "Chat turns by terminal state.",
	}, []string{"state"})

	SecurityEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "security_events_total",
		Help:      "Chat queries flagged for audit, by threat and severity.",
	}, []string{"threat", "severity"})

	RetrievalLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "retrieval_duration_seconds",
		Help:      "Time spent embedding the query and searching the vector store.",
		Buckets:   prometheus.DefBuckets,
	})
)
