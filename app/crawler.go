package app

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"newsagg/domain"
	"newsagg/internal/metrics"
)

// Orchestrator is the producer side of the pipeline: it turns batch
// intents into one queued task per item. Enqueue failures for one item
// are logged and skipped so the rest of the batch still goes out.
type Orchestrator struct {
	sources  domain.SourceRepository
	articles domain.ArticleRepository
	broker   domain.Broker
	log      *zap.Logger
}

func NewOrchestrator(sources domain.SourceRepository, articles domain.ArticleRepository, broker domain.Broker, log *zap.Logger) *Orchestrator {
	return &Orchestrator{sources: sources, articles: articles, broker: broker, log: log}
}

// EnqueueCrawlForActiveSources emits one crawl task per active source
// and returns how many were enqueued.
func (o *Orchestrator) EnqueueCrawlForActiveSources(ctx context.Context) (int, error) {
	sources, err := o.sources.FindActive(ctx)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for _, src := range sources {
		task := domain.CrawlTask{
			SourceID:   src.ID,
			SourceName: src.Name,
			SourceURL:  src.URL,
			EnqueuedAt: time.Now().UTC(),
		}
		if err := o.broker.Publish(ctx, domain.RouteCrawl, task); err != nil {
			o.log.Error("enqueue crawl task failed",
				zap.String("source", src.Name), zap.Error(err))
			continue
		}
		enqueued++
	}
	o.log.Info("crawl tasks enqueued", zap.Int("enqueued", enqueued), zap.Int("active_sources", len(sources)))
	return enqueued, nil
}

// EnqueueScrapeForNewArticles emits one scrape task per article.
func (o *Orchestrator) EnqueueScrapeForNewArticles(ctx context.Context, articles []domain.Article) {
	for _, a := range articles {
		task := domain.ScrapeTask{
			ArticleID:    a.ID,
			ArticleURL:   a.URL,
			ArticleTitle: a.Title,
			EnqueuedAt:   time.Now().UTC(),
		}
		if err := o.broker.Publish(ctx, domain.RouteScrape, task); err != nil {
			o.log.Error("enqueue scrape task failed",
				zap.String("article_id", a.ID), zap.Error(err))
		}
	}
}

// EnqueueScrapeBacklog emits scrape tasks for up to limit articles
// that still lack content. The scrape sweep calls this periodically to
// pick up anything that fell through the crawl-time fan-out.
func (o *Orchestrator) EnqueueScrapeBacklog(ctx context.Context, limit int) (int, error) {
	backlog, err := o.articles.FindUnscraped(ctx, limit)
	if err != nil {
		return 0, err
	}
	o.EnqueueScrapeForNewArticles(ctx, backlog)
	return len(backlog), nil
}

// CrawlWorker consumes crawl tasks: fetch, deduplicate, persist,
// fan out scrape work and record the attempt.
type CrawlWorker struct {
	sources      domain.SourceRepository
	articles     domain.ArticleRepository
	crawlLogs    domain.CrawlLogRepository
	fetcher      domain.FeedFetcher
	cache        domain.Cache
	orchestrator *Orchestrator
	log          *zap.Logger
}

func NewCrawlWorker(
	sources domain.SourceRepository,
	articles domain.ArticleRepository,
	crawlLogs domain.CrawlLogRepository,
	fetcher domain.FeedFetcher,
	cache domain.Cache,
	orchestrator *Orchestrator,
	log *zap.Logger,
) *CrawlWorker {
	return &CrawlWorker{
		sources:      sources,
		articles:     articles,
		crawlLogs:    crawlLogs,
		fetcher:      fetcher,
		cache:        cache,
		orchestrator: orchestrator,
		log:          log,
	}
}

// Handle processes one crawl task from the queue.
func (w *CrawlWorker) Handle(ctx context.Context, body []byte) domain.HandlerResult {
	var task domain.CrawlTask
	if err := json.Unmarshal(body, &task); err != nil || task.SourceID == "" {
		w.log.Error("unreadable crawl task", zap.ByteString("body", body))
		return domain.DeadLetter
	}

	src, err := w.sources.FindByID(ctx, task.SourceID)
	if errors.Is(err, domain.ErrNotFound) {
		// Source deleted after enqueue: terminal, no retry.
		w.log.Warn("crawl task ignored: source gone", zap.String("source_id", task.SourceID))
		return domain.Ack
	}
	if err != nil {
		w.log.Error("resolve source failed", zap.String("source_id", task.SourceID), zap.Error(err))
		return domain.Retry
	}

	_, result := w.CrawlSource(ctx, src)
	return result
}

// CrawlSource performs one crawl attempt synchronously and always
// writes exactly one crawl log row. The returned result tells the
// broker what to do with the message that carried the task.
func (w *CrawlWorker) CrawlSource(ctx context.Context, src domain.Source) (domain.CrawlLog, domain.HandlerResult) {
	start := time.Now()
	w.log.Info("crawling source", zap.String("source", src.Name), zap.String("url", src.URL))

	candidates, err := w.fetcher.Fetch(ctx, src)
	if err != nil {
		return w.fail(ctx, src, 0, start, err), domain.Retry
	}

	fresh, err := w.dedupe(ctx, candidates)
	if err != nil {
		return w.fail(ctx, src, len(candidates), start, err), domain.Retry
	}

	toInsert := make([]domain.Article, 0, len(fresh))
	for _, c := range fresh {
		toInsert = append(toInsert, domain.Article{
			SourceID:     src.ID,
			Title:        c.Title,
			URL:          c.URL,
			GUID:         c.GUID,
			Description:  c.Description,
			ThumbnailURL: c.ThumbnailURL,
			Author:       c.Author,
			Category:     src.Category,
			PublishedAt:  c.PublishedAt,
		})
	}
	saved, err := w.articles.InsertBatch(ctx, toInsert)
	if err != nil {
		return w.fail(ctx, src, len(candidates), start, err), domain.Retry
	}

	if len(saved) > 0 {
		if err := w.cache.Invalidate(ctx, "articles:*"); err != nil {
			// The read path serves stale data until TTL; not worth
			// failing the crawl over.
			w.log.Warn("cache invalidation failed", zap.Error(err))
		}
		w.orchestrator.EnqueueScrapeForNewArticles(ctx, saved)
	}

	now := time.Now()
	if err := w.sources.UpdateCrawlOutcome(ctx, src.ID, domain.CrawlSuccess, "", now); err != nil {
		w.log.Error("update source status failed", zap.String("source", src.Name), zap.Error(err))
	}

	entry, err := w.crawlLogs.Insert(ctx, domain.CrawlLog{
		SourceID:      src.ID,
		Status:        domain.CrawlLogSuccess,
		ArticlesFound: len(candidates),
		ArticlesSaved: len(saved),
		Duration:      time.Since(start),
		CrawledAt:     now,
	})
	if err != nil {
		w.log.Error("write crawl log failed", zap.String("source", src.Name), zap.Error(err))
	}

	metrics.CrawlAttempts.WithLabelValues("success").Inc()
	metrics.ArticlesSaved.Add(float64(len(saved)))
	w.log.Info("crawl finished",
		zap.String("source", src.Name),
		zap.Int("found", len(candidates)),
		zap.Int("saved", len(saved)),
		zap.Duration("took", time.Since(start)))
	return entry, domain.Ack
}

// dedupe drops candidates already present: by URL first (primary
// identity, cheapest, catches the common case), then by GUID when the
// feed supplied a distinct one.
func (w *CrawlWorker) dedupe(ctx context.Context, candidates []domain.Candidate) ([]domain.Candidate, error) {
	fresh := make([]domain.Candidate, 0, len(candidates))
	for _, c := range candidates {
		exists, err := w.articles.ExistsByURL(ctx, c.URL)
		if err != nil {
			return nil, err
		}
		if !exists && c.GUID != c.URL {
			exists, err = w.articles.ExistsByGUID(ctx, c.GUID)
			if err != nil {
				return nil, err
			}
		}
		if !exists {
			fresh = append(fresh, c)
		}
	}
	return fresh, nil
}

func (w *CrawlWorker) fail(ctx context.Context, src domain.Source, found int, start time.Time, cause error) domain.CrawlLog {
	w.log.Error("crawl failed", zap.String("source", src.Name), zap.Error(cause))

	now := time.Now()
	if err := w.sources.UpdateCrawlOutcome(ctx, src.ID, domain.CrawlError, cause.Error(), now); err != nil {
		w.log.Error("update source status failed", zap.String("source", src.Name), zap.Error(err))
	}
	entry, err := w.crawlLogs.Insert(ctx, domain.CrawlLog{
		SourceID:      src.ID,
		Status:        domain.CrawlLogFailed,
		ArticlesFound: found,
		ErrorMessage:  cause.Error(),
		Duration:      time.Since(start),
		CrawledAt:     now,
	})
	if err != nil {
		w.log.Error("write crawl log failed", zap.String("source", src.Name), zap.Error(err))
	}
	metrics.CrawlAttempts.WithLabelValues("failed").Inc()
	return entry
}
