package domain

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by repositories when an entity does not exist.
// Workers treat it as terminal: the entity vanished after enqueue.
var ErrNotFound = errors.New("not found")

// SourceRepository is the persistence port for feed sources.
type SourceRepository interface {
	FindActive(ctx context.Context) ([]Source, error)
	FindByID(ctx context.Context, id string) (Source, error)
	Add(ctx context.Context, s Source) error
	List(ctx context.Context, limit int) ([]Source, error)
	// UpdateCrawlOutcome records the result of a crawl attempt on the
	// source itself: timestamp and SUCCESS, or ERROR with a message.
	UpdateCrawlOutcome(ctx context.Context, id string, status CrawlStatus, errMsg string, at time.Time) error
}

// ArticleRepository is the persistence port for articles.
type ArticleRepository interface {
	ExistsByURL(ctx context.Context, url string) (bool, error)
	ExistsByGUID(ctx context.Context, guid string) (bool, error)
	// InsertBatch persists new articles and returns them with IDs
	// assigned. A concurrent duplicate insert is absorbed by the URL
	// uniqueness constraint, not reported as an error.
	InsertBatch(ctx context.Context, articles []Article) ([]Article, error)
	FindByID(ctx context.Context, id string) (Article, error)
	FindUnscraped(ctx context.Context, limit int) ([]Article, error)
	// UpdateScrapeResult sets content/thumbnail and flips scraped to
	// true. It never reverts the flag.
	UpdateScrapeResult(ctx context.Context, id string, content, thumbnailURL *string) error
	FindTopByCategorySince(ctx context.Context, category string, since time.Time, limit int) ([]Article, error)
	IncrementViewCount(ctx context.Context, id string) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// CrawlLogRepository appends crawl attempt records.
type CrawlLogRepository interface {
	Insert(ctx context.Context, l CrawlLog) (CrawlLog, error)
}

// DigestLogRepository appends digest delivery records.
type DigestLogRepository interface {
	Insert(ctx context.Context, l DigestLog) error
}

// SubscriberRepository is the persistence port for digest subscribers.
type SubscriberRepository interface {
	FindByID(ctx context.Context, id string) (Subscriber, error)
	// FindDigestCandidates returns subscribers with digests enabled,
	// verified and active; the due check happens in the dispatcher.
	FindDigestCandidates(ctx context.Context) ([]Subscriber, error)
	MarkDigestSent(ctx context.Context, id string, at time.Time) error
}

// FeedFetcher fetches and parses one feed document into candidates.
// A document-level failure (unreachable, unparseable) is an error;
// malformed individual entries are skipped, not errors.
type FeedFetcher interface {
	Fetch(ctx context.Context, src Source) ([]Candidate, error)
}

// ScrapeResult is what a page scrape yields. Content and ThumbnailURL
// are nil when the respective extraction found nothing usable.
type ScrapeResult struct {
	Content      *string
	ThumbnailURL *string
}

// PageScraper fetches an article's landing page and extracts main text
// and a thumbnail. It returns an error only on fetch/parse failure;
// "no usable content" is a successful result with nil fields.
type PageScraper interface {
	Scrape(ctx context.Context, pageURL string) (ScrapeResult, error)
}

// Handler processes one message body and decides its fate.
type Handler func(ctx context.Context, body []byte) HandlerResult

// Broker is the durable queue abstraction: routing-key dispatch,
// per-queue TTL, bounded consumers and a dead-letter path.
type Broker interface {
	// Publish routes a JSON-serializable body via routing key.
	Publish(ctx context.Context, routingKey string, body any) error
	// Consume runs `workers` goroutines against the queue bound to the
	// routing key, each fully processing one message before taking the
	// next. It returns immediately; consumption stops when ctx ends.
	Consume(ctx context.Context, queue string, workers int, h Handler) error
	// ConsumeDeadLetters delivers dead-letter entries to h.
	ConsumeDeadLetters(ctx context.Context, h func(ctx context.Context, e DeadLetterEntry)) error
	// Drain waits for in-flight handlers to finish.
	Drain()
}

// Cache is the explicit cache-service boundary. Invalidate removes all
// keys matching a glob pattern; the crawl worker fires it after a
// successful batch insert.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, pattern string) error
}

// Mailer delivers one HTML email.
type Mailer interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}
