package domain

import "time"

// CrawlStatus describes the outcome of the most recent crawl of a source.
type CrawlStatus string

const (
	CrawlPending CrawlStatus = "PENDING"
	CrawlSuccess CrawlStatus = "SUCCESS"
	CrawlError   CrawlStatus = "ERROR"
)

// Source is a configured feed endpoint to be polled.
type Source struct {
	ID            string
	CreatedAt     time.Time
	Name          string
	URL           string
	WebsiteURL    string
	Category      string
	Active        bool
	LastCrawledAt *time.Time
	CrawlStatus   CrawlStatus
	ErrorMessage  string
}

// Article is a single news item. URL is globally unique; GUID is the
// feed-native identifier and falls back to URL when the feed omits it.
type Article struct {
	ID           string
	CreatedAt    time.Time
	SourceID     string
	Title        string
	URL          string
	GUID         string
	Description  string
	Content      *string
	ThumbnailURL *string
	Author       *string
	Category     string
	PublishedAt  time.Time
	Scraped      bool
	ViewCount    int64
}

// Candidate is a parsed feed entry not yet checked for duplication.
type Candidate struct {
	Title        string
	URL          string
	GUID         string
	Description  string
	ThumbnailURL *string
	Author       *string
	PublishedAt  time.Time
}

// CrawlOutcome enumerates terminal crawl log states.
type CrawlOutcome string

const (
	CrawlLogSuccess CrawlOutcome = "SUCCESS"
	CrawlLogFailed  CrawlOutcome = "FAILED"
)

// CrawlLog records one crawl attempt. Append-only.
type CrawlLog struct {
	ID            string
	SourceID      string
	Status        CrawlOutcome
	ArticlesFound int
	ArticlesSaved int
	ErrorMessage  string
	Duration      time.Duration
	CrawledAt     time.Time
}

// DigestFrequency is how often a subscriber wants a digest.
type DigestFrequency string

const (
	DigestDaily  DigestFrequency = "DAILY"
	DigestWeekly DigestFrequency = "WEEKLY"
)

// Due thresholds are deliberately slack (23h instead of 24h, 6 days
// instead of 7) to absorb scheduler jitter between runs.
const (
	dailyDueAfter  = 23 * time.Hour
	weeklyDueAfter = 6 * 24 * time.Hour
)

// Subscriber is a user who receives periodic article digests.
type Subscriber struct {
	ID               string
	Email            string
	FullName         string
	Active           bool
	EmailVerified    bool
	DigestEnabled    bool
	DigestFrequency  DigestFrequency
	Categories       []string
	LastDigestSentAt *time.Time
}

// DueForDigest reports whether enough time has passed since the last
// digest for this subscriber's frequency. A subscriber who never
// received one is always due.
func (s Subscriber) DueForDigest(now time.Time) bool {
	if !s.DigestEnabled || !s.Active || !s.EmailVerified {
		return false
	}
	if s.LastDigestSentAt == nil {
		return true
	}
	switch s.DigestFrequency {
	case DigestWeekly:
		return now.Sub(*s.LastDigestSentAt) >= weeklyDueAfter
	default:
		return now.Sub(*s.LastDigestSentAt) >= dailyDueAfter
	}
}

// DigestStatus enumerates digest delivery outcomes.
type DigestStatus string

const (
	DigestSent    DigestStatus = "SENT"
	DigestFailed  DigestStatus = "FAILED"
	DigestSkipped DigestStatus = "SKIPPED"
)

// DigestLog records one digest delivery attempt. Append-only.
type DigestLog struct {
	ID            string
	SubscriberID  string
	Status        DigestStatus
	Recipient     string
	ArticlesCount int
	ErrorMessage  string
	SentAt        time.Time
}
