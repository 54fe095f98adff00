package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"newsagg/domain"
)

// Maintenance owns the nightly retention job.
type Maintenance struct {
	articles domain.ArticleRepository
	cache    domain.Cache
	log      *zap.Logger
}

func NewMaintenance(articles domain.ArticleRepository, cache domain.Cache, log *zap.Logger) *Maintenance {
	return &Maintenance{articles: articles, cache: cache, log: log}
}

// CleanupOldArticles deletes articles older than the retention window
// and invalidates article caches when anything was removed.
func (m *Maintenance) CleanupOldArticles(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	deleted, err := m.articles.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		if err := m.cache.Invalidate(ctx, "articles:*"); err != nil {
			m.log.Warn("cache invalidation failed", zap.Error(err))
		}
	}
	m.log.Info("retention cleanup finished",
		zap.Int64("deleted", deleted),
		zap.Time("cutoff", cutoff))
	return deleted, nil
}
