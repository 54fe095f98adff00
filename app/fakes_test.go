package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"newsagg/domain"
)

// In-memory port implementations shared by the worker tests.

type fakeSourceRepo struct {
	mu      sync.Mutex
	sources map[string]domain.Source
	err     error
}

func newFakeSourceRepo(sources ...domain.Source) *fakeSourceRepo {
	m := make(map[string]domain.Source, len(sources))
	for _, s := range sources {
		m[s.ID] = s
	}
	return &fakeSourceRepo{sources: m}
}

func (f *fakeSourceRepo) FindActive(ctx context.Context) ([]domain.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.Source
	for _, s := range f.sources {
		if s.Active {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSourceRepo) FindByID(ctx context.Context, id string) (domain.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Source{}, f.err
	}
	s, ok := f.sources[id]
	if !ok {
		return domain.Source{}, domain.ErrNotFound
	}
	return s, nil
}

func (f *fakeSourceRepo) Add(ctx context.Context, s domain.Source) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources[s.ID] = s
	return nil
}

func (f *fakeSourceRepo) List(ctx context.Context, limit int) ([]domain.Source, error) {
	return f.FindActive(ctx)
}

func (f *fakeSourceRepo) UpdateCrawlOutcome(ctx context.Context, id string, status domain.CrawlStatus, errMsg string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sources[id]
	s.CrawlStatus = status
	s.ErrorMessage = errMsg
	s.LastCrawledAt = &at
	f.sources[id] = s
	return nil
}

type fakeArticleRepo struct {
	mu         sync.Mutex
	articles   map[string]domain.Article
	nextID     int
	topQueries int
	err        error
}

func newFakeArticleRepo() *fakeArticleRepo {
	return &fakeArticleRepo{articles: make(map[string]domain.Article)}
}

func (f *fakeArticleRepo) ExistsByURL(ctx context.Context, url string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	for _, a := range f.articles {
		if a.URL == url {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeArticleRepo) ExistsByGUID(ctx context.Context, guid string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	for _, a := range f.articles {
		if a.GUID == guid {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeArticleRepo) InsertBatch(ctx context.Context, articles []domain.Article) ([]domain.Article, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	saved := make([]domain.Article, 0, len(articles))
	for _, a := range articles {
		dup := false
		for _, existing := range f.articles {
			if existing.URL == a.URL {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		f.nextID++
		a.ID = fmt.Sprintf("art-%d", f.nextID)
		a.CreatedAt = time.Now()
		f.articles[a.ID] = a
		saved = append(saved, a)
	}
	return saved, nil
}

func (f *fakeArticleRepo) FindByID(ctx context.Context, id string) (domain.Article, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Article{}, f.err
	}
	a, ok := f.articles[id]
	if !ok {
		return domain.Article{}, domain.ErrNotFound
	}
	return a, nil
}

func (f *fakeArticleRepo) FindUnscraped(ctx context.Context, limit int) ([]domain.Article, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Article
	for _, a := range f.articles {
		if !a.Scraped && len(out) < limit {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeArticleRepo) UpdateScrapeResult(ctx context.Context, id string, content, thumbnailURL *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	a := f.articles[id]
	if content != nil {
		a.Content = content
	}
	if a.ThumbnailURL == nil {
		a.ThumbnailURL = thumbnailURL
	}
	a.Scraped = true
	f.articles[id] = a
	return nil
}

func (f *fakeArticleRepo) FindTopByCategorySince(ctx context.Context, category string, since time.Time, limit int) ([]domain.Article, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topQueries++
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.Article
	for _, a := range f.articles {
		if a.Category == category && !a.PublishedAt.Before(since) && len(out) < limit {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeArticleRepo) IncrementViewCount(ctx context.Context, id string) error { return nil }

func (f *fakeArticleRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	var n int64
	for id, a := range f.articles {
		if a.PublishedAt.Before(cutoff) {
			delete(f.articles, id)
			n++
		}
	}
	return n, nil
}

type fakeCrawlLogRepo struct {
	mu   sync.Mutex
	logs []domain.CrawlLog
}

func (f *fakeCrawlLogRepo) Insert(ctx context.Context, l domain.CrawlLog) (domain.CrawlLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l.ID = fmt.Sprintf("log-%d", len(f.logs)+1)
	f.logs = append(f.logs, l)
	return l, nil
}

type fakeDigestLogRepo struct {
	mu   sync.Mutex
	logs []domain.DigestLog
}

func (f *fakeDigestLogRepo) Insert(ctx context.Context, l domain.DigestLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, l)
	return nil
}

type fakeSubscriberRepo struct {
	mu   sync.Mutex
	subs map[string]domain.Subscriber
}

func newFakeSubscriberRepo(subs ...domain.Subscriber) *fakeSubscriberRepo {
	m := make(map[string]domain.Subscriber, len(subs))
	for _, s := range subs {
		m[s.ID] = s
	}
	return &fakeSubscriberRepo{subs: m}
}

func (f *fakeSubscriberRepo) FindByID(ctx context.Context, id string) (domain.Subscriber, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[id]
	if !ok {
		return domain.Subscriber{}, domain.ErrNotFound
	}
	return s, nil
}

func (f *fakeSubscriberRepo) FindDigestCandidates(ctx context.Context) ([]domain.Subscriber, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Subscriber
	for _, s := range f.subs {
		if s.DigestEnabled && s.EmailVerified && s.Active {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSubscriberRepo) MarkDigestSent(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.subs[id]
	s.LastDigestSentAt = &at
	f.subs[id] = s
	return nil
}

type published struct {
	routingKey string
	body       []byte
}

type fakeBroker struct {
	mu        sync.Mutex
	published []published
	err       error
}

func (f *fakeBroker) Publish(ctx context.Context, routingKey string, body any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	f.published = append(f.published, published{routingKey: routingKey, body: raw})
	return nil
}

func (f *fakeBroker) Consume(ctx context.Context, queue string, workers int, h domain.Handler) error {
	return nil
}

func (f *fakeBroker) ConsumeDeadLetters(ctx context.Context, h func(context.Context, domain.DeadLetterEntry)) error {
	return nil
}

func (f *fakeBroker) Drain() {}

func (f *fakeBroker) byRoute(routingKey string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, p := range f.published {
		if p.routingKey == routingKey {
			out = append(out, p)
		}
	}
	return out
}

type fakeFetcher struct {
	candidates []domain.Candidate
	err        error
}

func (f *fakeFetcher) Fetch(ctx context.Context, src domain.Source) ([]domain.Candidate, error) {
	return f.candidates, f.err
}

type fakeScraper struct {
	result domain.ScrapeResult
	err    error
	calls  int
}

func (f *fakeScraper) Scrape(ctx context.Context, pageURL string) (domain.ScrapeResult, error) {
	f.calls++
	return f.result, f.err
}

type fakeCache struct {
	mu          sync.Mutex
	entries     map[string][]byte
	invalidated []string
}

func (f *fakeCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.entries[key]
	return v, ok, nil
}

func (f *fakeCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entries == nil {
		f.entries = make(map[string][]byte)
	}
	f.entries[key] = value
	return nil
}

func (f *fakeCache) Invalidate(ctx context.Context, pattern string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, pattern)
	f.entries = nil
	return nil
}

type sentMail struct {
	to      string
	subject string
	body    string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (f *fakeMailer) Send(ctx context.Context, to, subject, htmlBody string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMail{to: to, subject: subject, body: htmlBody})
	return nil
}
