package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"time"

	"go.uber.org/zap"

	"newsagg/domain"
	"newsagg/internal/metrics"
)

const (
	digestLookback        = 24 * time.Hour
	digestPerCategory     = 3
	digestSubjectTemplate = "Your news digest for %s"

	// Top-article lists are shared by every subscriber of a category, so
	// they are cached between deliveries. The crawl worker invalidates
	// them whenever new articles land.
	topArticlesCacheTTL = 10 * time.Minute
)

var digestTemplate = template.Must(template.New("digest").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #222; max-width: 640px; margin: 0 auto;">
  <h1 style="font-size: 20px;">Hi {{.Name}},</h1>
  <p>Here is what happened in your categories since yesterday.</p>
  {{range .Sections}}
  <h2 style="font-size: 16px; border-bottom: 1px solid #ddd; padding-bottom: 4px;">{{.Category}}</h2>
  <ul style="padding-left: 16px;">
    {{range .Articles}}
    <li style="margin-bottom: 8px;">
      <a href="{{.URL}}" style="color: #1a5dab; text-decoration: none;">{{.Title}}</a>
      {{if .Description}}<br><span style="color: #666; font-size: 13px;">{{.Description}}</span>{{end}}
    </li>
    {{end}}
  </ul>
  {{end}}
  <p style="color: #999; font-size: 12px;">Sent {{.Date}}. You receive this because digests are enabled on your account.</p>
</body>
</html>`))

type digestSection struct {
	Category string
	Articles []domain.Article
}

type digestData struct {
	Name     string
	Date     string
	Sections []digestSection
}

// DigestDispatcher is the producer side of digest delivery: it finds
// due subscribers and enqueues one digest task each.
type DigestDispatcher struct {
	subscribers domain.SubscriberRepository
	broker      domain.Broker
	log         *zap.Logger
}

func NewDigestDispatcher(subscribers domain.SubscriberRepository, broker domain.Broker, log *zap.Logger) *DigestDispatcher {
	return &DigestDispatcher{subscribers: subscribers, broker: broker, log: log}
}

// EnqueueDueDigests emits one digest task per due subscriber and
// returns how many were enqueued.
func (d *DigestDispatcher) EnqueueDueDigests(ctx context.Context) (int, error) {
	candidates, err := d.subscribers.FindDigestCandidates(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	enqueued := 0
	for _, sub := range candidates {
		if !sub.DueForDigest(now) {
			continue
		}
		task := domain.DigestTask{
			UserID:     sub.ID,
			UserEmail:  sub.Email,
			UserName:   sub.FullName,
			EnqueuedAt: now.UTC(),
		}
		if err := d.broker.Publish(ctx, domain.RouteDigest, task); err != nil {
			d.log.Error("enqueue digest task failed", zap.String("subscriber_id", sub.ID), zap.Error(err))
			continue
		}
		enqueued++
	}
	d.log.Info("digest tasks enqueued", zap.Int("enqueued", enqueued), zap.Int("candidates", len(candidates)))
	return enqueued, nil
}

// DigestWorker consumes digest tasks: collect recent top articles per
// subscribed category, render the email and send it.
type DigestWorker struct {
	subscribers domain.SubscriberRepository
	articles    domain.ArticleRepository
	digestLogs  domain.DigestLogRepository
	cache       domain.Cache
	mailer      domain.Mailer
	log         *zap.Logger
}

func NewDigestWorker(
	subscribers domain.SubscriberRepository,
	articles domain.ArticleRepository,
	digestLogs domain.DigestLogRepository,
	cache domain.Cache,
	mailer domain.Mailer,
	log *zap.Logger,
) *DigestWorker {
	return &DigestWorker{
		subscribers: subscribers,
		articles:    articles,
		digestLogs:  digestLogs,
		cache:       cache,
		mailer:      mailer,
		log:         log,
	}
}

// Handle processes one digest task from the queue.
func (w *DigestWorker) Handle(ctx context.Context, body []byte) domain.HandlerResult {
	var task domain.DigestTask
	if err := json.Unmarshal(body, &task); err != nil || task.UserID == "" {
		w.log.Error("unreadable digest task", zap.ByteString("body", body))
		return domain.DeadLetter
	}
	return w.DeliverToSubscriber(ctx, task.UserID)
}

// DeliverToSubscriber performs one digest delivery attempt and writes
// exactly one digest log row. Re-delivery of the same task after a
// send is harmless: the due check sees the fresh timestamp and skips.
func (w *DigestWorker) DeliverToSubscriber(ctx context.Context, subscriberID string) domain.HandlerResult {
	sub, err := w.subscribers.FindByID(ctx, subscriberID)
	if errors.Is(err, domain.ErrNotFound) {
		w.log.Warn("digest task ignored: subscriber gone", zap.String("subscriber_id", subscriberID))
		return domain.Ack
	}
	if err != nil {
		w.log.Error("resolve subscriber failed", zap.String("subscriber_id", subscriberID), zap.Error(err))
		return domain.Retry
	}

	// Re-check at delivery time: the task may have sat in the queue, or
	// be a duplicate of one already delivered.
	if !sub.DueForDigest(time.Now()) {
		return w.skip(ctx, sub, "not due")
	}
	if len(sub.Categories) == 0 {
		return w.skip(ctx, sub, "no category preferences")
	}

	sections, total, err := w.collect(ctx, sub.Categories)
	if err != nil {
		w.log.Error("collect digest articles failed", zap.String("subscriber_id", sub.ID), zap.Error(err))
		return domain.Retry
	}
	if total == 0 {
		return w.skip(ctx, sub, "no recent articles")
	}

	var buf strings.Builder
	data := digestData{
		Name:     sub.FullName,
		Date:     time.Now().Format("Monday, 2 January 2006"),
		Sections: sections,
	}
	if err := digestTemplate.Execute(&buf, data); err != nil {
		w.log.Error("render digest failed", zap.String("subscriber_id", sub.ID), zap.Error(err))
		return domain.Retry
	}

	subject := fmt.Sprintf(digestSubjectTemplate, time.Now().Format("2 Jan 2006"))
	if err := w.mailer.Send(ctx, sub.Email, subject, buf.String()); err != nil {
		w.log.Error("send digest failed",
			zap.String("subscriber_id", sub.ID),
			zap.String("recipient", sub.Email),
			zap.Error(err))
		w.record(ctx, domain.DigestLog{
			SubscriberID:  sub.ID,
			Status:        domain.DigestFailed,
			Recipient:     sub.Email,
			ArticlesCount: total,
			ErrorMessage:  err.Error(),
			SentAt:        time.Now(),
		})
		metrics.DigestOutcomes.WithLabelValues("failed").Inc()
		return domain.Retry
	}

	now := time.Now()
	if err := w.subscribers.MarkDigestSent(ctx, sub.ID, now); err != nil {
		w.log.Error("mark digest sent failed", zap.String("subscriber_id", sub.ID), zap.Error(err))
	}
	w.record(ctx, domain.DigestLog{
		SubscriberID:  sub.ID,
		Status:        domain.DigestSent,
		Recipient:     sub.Email,
		ArticlesCount: total,
		SentAt:        now,
	})
	metrics.DigestOutcomes.WithLabelValues("sent").Inc()
	w.log.Info("digest sent",
		zap.String("subscriber_id", sub.ID),
		zap.String("recipient", sub.Email),
		zap.Int("articles", total))
	return domain.Ack
}

// collect gathers the top articles per category over the lookback
// window, preserving the subscriber's category order.
func (w *DigestWorker) collect(ctx context.Context, categories []string) ([]digestSection, int, error) {
	sections := make([]digestSection, 0, len(categories))
	total := 0
	for _, cat := range categories {
		articles, err := w.topArticles(ctx, cat)
		if err != nil {
			return nil, 0, err
		}
		if len(articles) == 0 {
			continue
		}
		sections = append(sections, digestSection{Category: cat, Articles: articles})
		total += len(articles)
	}
	return sections, total, nil
}

// topArticles serves one category's list, going through the cache: the
// same list feeds every subscriber of that category in a dispatch
// round. Cache problems degrade to a direct query.
func (w *DigestWorker) topArticles(ctx context.Context, category string) ([]domain.Article, error) {
	key := "articles:top:" + category
	if raw, ok, err := w.cache.Get(ctx, key); err != nil {
		w.log.Warn("digest cache read failed", zap.String("category", category), zap.Error(err))
	} else if ok {
		var cached []domain.Article
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached, nil
		}
	}

	since := time.Now().Add(-digestLookback)
	articles, err := w.articles.FindTopByCategorySince(ctx, category, since, digestPerCategory)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(articles); err == nil {
		if err := w.cache.Set(ctx, key, raw, topArticlesCacheTTL); err != nil {
			w.log.Warn("digest cache write failed", zap.String("category", category), zap.Error(err))
		}
	}
	return articles, nil
}

func (w *DigestWorker) skip(ctx context.Context, sub domain.Subscriber, reason string) domain.HandlerResult {
	w.log.Info("digest skipped",
		zap.String("subscriber_id", sub.ID),
		zap.String("reason", reason))
	w.record(ctx, domain.DigestLog{
		SubscriberID: sub.ID,
		Status:       domain.DigestSkipped,
		Recipient:    sub.Email,
		ErrorMessage: reason,
		SentAt:       time.Now(),
	})
	metrics.DigestOutcomes.WithLabelValues("skipped").Inc()
	return domain.Ack
}

func (w *DigestWorker) record(ctx context.Context, l domain.DigestLog) {
	if err := w.digestLogs.Insert(ctx, l); err != nil {
		w.log.Error("write digest log failed", zap.String("subscriber_id", l.SubscriberID), zap.Error(err))
	}
}
