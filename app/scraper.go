package app

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"newsagg/domain"
	"newsagg/internal/metrics"
)

// Self-throttle between scrapes so a burst of tasks for one site does
// not hammer it. Jittered so parallel workers desynchronize.
const (
	scrapeDelayBase   = 500 * time.Millisecond
	scrapeDelayJitter = 1000 * time.Millisecond
)

// ScrapeWorker consumes scrape tasks: fetch the article page, extract
// full content and a thumbnail, and persist the result.
type ScrapeWorker struct {
	articles domain.ArticleRepository
	scraper  domain.PageScraper
	log      *zap.Logger
}

func NewScrapeWorker(articles domain.ArticleRepository, scraper domain.PageScraper, log *zap.Logger) *ScrapeWorker {
	return &ScrapeWorker{articles: articles, scraper: scraper, log: log}
}

// Handle processes one scrape task from the queue.
func (w *ScrapeWorker) Handle(ctx context.Context, body []byte) domain.HandlerResult {
	var task domain.ScrapeTask
	if err := json.Unmarshal(body, &task); err != nil || task.ArticleID == "" {
		w.log.Error("unreadable scrape task", zap.ByteString("body", body))
		return domain.DeadLetter
	}

	result := w.ScrapeArticle(ctx, task.ArticleID)
	w.throttle(ctx)
	return result
}

// ScrapeArticle performs one scrape attempt for the given article.
// Extraction failure is terminal: the article is marked scraped anyway
// so it never re-enters the backlog, and the feed description remains
// the display text.
func (w *ScrapeWorker) ScrapeArticle(ctx context.Context, articleID string) domain.HandlerResult {
	article, err := w.articles.FindByID(ctx, articleID)
	if errors.Is(err, domain.ErrNotFound) {
		w.log.Warn("scrape task ignored: article gone", zap.String("article_id", articleID))
		return domain.Ack
	}
	if err != nil {
		w.log.Error("resolve article failed", zap.String("article_id", articleID), zap.Error(err))
		return domain.Retry
	}
	if article.Scraped {
		return domain.Ack
	}

	res, err := w.scraper.Scrape(ctx, article.URL)
	if err != nil || res.Content == nil {
		if err != nil {
			w.log.Warn("scrape failed",
				zap.String("article_id", article.ID),
				zap.String("url", article.URL),
				zap.Error(err))
		}
		// Mark it done regardless so the backlog sweep stops retrying
		// pages that will never yield content.
		if uerr := w.articles.UpdateScrapeResult(ctx, article.ID, nil, nil); uerr != nil {
			w.log.Error("mark article scraped failed", zap.String("article_id", article.ID), zap.Error(uerr))
			return domain.Retry
		}
		metrics.ScrapeAttempts.WithLabelValues("empty").Inc()
		return domain.Ack
	}

	if err := w.articles.UpdateScrapeResult(ctx, article.ID, res.Content, res.ThumbnailURL); err != nil {
		w.log.Error("persist scrape result failed", zap.String("article_id", article.ID), zap.Error(err))
		return domain.Retry
	}

	metrics.ScrapeAttempts.WithLabelValues("scraped").Inc()
	w.log.Info("article scraped",
		zap.String("article_id", article.ID),
		zap.Int("content_len", len(*res.Content)),
		zap.Bool("thumbnail", res.ThumbnailURL != nil))
	return domain.Ack
}

func (w *ScrapeWorker) throttle(ctx context.Context) {
	delay := scrapeDelayBase + time.Duration(rand.Int63n(int64(scrapeDelayJitter)))
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
