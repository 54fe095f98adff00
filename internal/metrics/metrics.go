// Package metrics exposes pipeline counters on the control server's
// /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CrawlAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "newsagg_crawl_attempts_total",
		Help: "Crawl attempts by terminal status.",
	}, []string{"status"})

	ArticlesSaved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "newsagg_articles_saved_total",
		Help: "New articles persisted after deduplication.",
	})

	ScrapeAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "newsagg_scrape_attempts_total",
		Help: "Scrape attempts by outcome.",
	}, []string{"outcome"})

	DigestOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "newsagg_digest_outcomes_total",
		Help: "Digest deliveries by status.",
	}, []string{"status"})

	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "newsagg_dead_letters_total",
		Help: "Messages observed on the dead-letter queue by origin.",
	}, []string{"queue"})
)
