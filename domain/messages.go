package domain

import "time"

// Routing keys and queue names for the broker topology. One dispatch
// point routes to three durable queues; a shared dead-letter queue
// collects expired and exhausted messages from all of them.
const (
	RouteCrawl  = "crawl.source"
	RouteScrape = "scrape.article"
	RouteDigest = "digest.user"

	QueueCrawl      = "crawl-tasks"
	QueueScrape     = "scrape-tasks"
	QueueDigest     = "digest-tasks"
	QueueDeadLetter = "dead-letter"
)

// CrawlTask instructs a worker to crawl one source. Name and URL are
// denormalized for logging only; workers re-fetch the source by ID.
type CrawlTask struct {
	SourceID   string    `json:"sourceId"`
	SourceName string    `json:"sourceName,omitempty"`
	SourceURL  string    `json:"sourceUrl,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// ScrapeTask instructs a worker to scrape one article's landing page.
type ScrapeTask struct {
	ArticleID    string    `json:"articleId"`
	ArticleURL   string    `json:"articleUrl,omitempty"`
	ArticleTitle string    `json:"articleTitle,omitempty"`
	EnqueuedAt   time.Time `json:"enqueuedAt"`
}

// DigestTask instructs a worker to deliver one subscriber's digest.
type DigestTask struct {
	UserID     string    `json:"userId"`
	UserEmail  string    `json:"userEmail,omitempty"`
	UserName   string    `json:"userName,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// HandlerResult is the three-way acknowledgment a consumer returns,
// decoupling business outcomes from transport mechanics.
type HandlerResult int

const (
	// Ack removes the message from the queue.
	Ack HandlerResult = iota
	// Retry requeues the message until the retry budget is exhausted,
	// after which it is dead-lettered.
	Retry
	// DeadLetter routes the message to the dead-letter queue immediately.
	DeadLetter
)

func (r HandlerResult) String() string {
	switch r {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case DeadLetter:
		return "dead-letter"
	default:
		return "unknown"
	}
}

// DeadLetterEntry is what the dead-letter consumer receives: the failed
// message body tagged with its origin and failure reason.
type DeadLetterEntry struct {
	OriginalQueue string    `json:"originalQueue"`
	Reason        string    `json:"reason"`
	Body          []byte    `json:"body"`
	FailedAt      time.Time `json:"failedAt"`
}
