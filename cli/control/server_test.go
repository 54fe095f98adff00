package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"newsagg/app"
	"newsagg/domain"
)

type stubSources struct{ src domain.Source }

func (s *stubSources) FindActive(context.Context) ([]domain.Source, error) {
	return []domain.Source{s.src}, nil
}

func (s *stubSources) FindByID(_ context.Context, id string) (domain.Source, error) {
	if id == s.src.ID {
		return s.src, nil
	}
	return domain.Source{}, domain.ErrNotFound
}

func (s *stubSources) Add(context.Context, domain.Source) error           { return nil }
func (s *stubSources) List(context.Context, int) ([]domain.Source, error) { return nil, nil }
func (s *stubSources) UpdateCrawlOutcome(context.Context, string, domain.CrawlStatus, string, time.Time) error {
	return nil
}

type stubArticles struct {
	top    []domain.Article
	viewed []string
}

func (a *stubArticles) ExistsByURL(context.Context, string) (bool, error)  { return false, nil }
func (a *stubArticles) ExistsByGUID(context.Context, string) (bool, error) { return false, nil }

func (a *stubArticles) InsertBatch(_ context.Context, in []domain.Article) ([]domain.Article, error) {
	out := make([]domain.Article, len(in))
	for i, art := range in {
		art.ID = fmt.Sprintf("art-%d", i+1)
		out[i] = art
	}
	return out, nil
}

func (a *stubArticles) FindByID(context.Context, string) (domain.Article, error) {
	return domain.Article{}, domain.ErrNotFound
}

func (a *stubArticles) FindUnscraped(context.Context, int) ([]domain.Article, error) {
	return nil, nil
}

func (a *stubArticles) UpdateScrapeResult(context.Context, string, *string, *string) error {
	return nil
}

func (a *stubArticles) FindTopByCategorySince(context.Context, string, time.Time, int) ([]domain.Article, error) {
	return a.top, nil
}

func (a *stubArticles) IncrementViewCount(_ context.Context, id string) error {
	a.viewed = append(a.viewed, id)
	return nil
}

func (a *stubArticles) DeleteOlderThan(context.Context, time.Time) (int64, error) { return 0, nil }

type stubCrawlLogs struct{ last domain.CrawlLog }

func (l *stubCrawlLogs) Insert(_ context.Context, e domain.CrawlLog) (domain.CrawlLog, error) {
	e.ID = "log-1"
	l.last = e
	return e, nil
}

type stubDigestLogs struct{ last domain.DigestLog }

func (l *stubDigestLogs) Insert(_ context.Context, e domain.DigestLog) error {
	l.last = e
	return nil
}

type stubSubscribers struct{ sub domain.Subscriber }

func (s *stubSubscribers) FindByID(_ context.Context, id string) (domain.Subscriber, error) {
	if id == s.sub.ID {
		return s.sub, nil
	}
	return domain.Subscriber{}, domain.ErrNotFound
}

func (s *stubSubscribers) FindDigestCandidates(context.Context) ([]domain.Subscriber, error) {
	return []domain.Subscriber{s.sub}, nil
}

func (s *stubSubscribers) MarkDigestSent(context.Context, string, time.Time) error { return nil }

type stubFetcher struct{ candidates []domain.Candidate }

func (f *stubFetcher) Fetch(context.Context, domain.Source) ([]domain.Candidate, error) {
	return f.candidates, nil
}

type stubBroker struct{ published int }

func (b *stubBroker) Publish(context.Context, string, any) error { b.published++; return nil }
func (b *stubBroker) Consume(context.Context, string, int, domain.Handler) error {
	return nil
}
func (b *stubBroker) ConsumeDeadLetters(context.Context, func(context.Context, domain.DeadLetterEntry)) error {
	return nil
}
func (b *stubBroker) Drain() {}

type stubCache struct{}

func (stubCache) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (stubCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (stubCache) Invalidate(context.Context, string) error                 { return nil }

type stubMailer struct{ sent int }

func (m *stubMailer) Send(context.Context, string, string, string) error {
	m.sent++
	return nil
}

// fixture wires a Server over in-memory ports so handler responses can
// be asserted end to end without Redis or Postgres.
type fixture struct {
	server      *Server
	sources     *stubSources
	articles    *stubArticles
	broker      *stubBroker
	mailer      *stubMailer
	digestLogs  *stubDigestLogs
	subscribers *stubSubscribers
}

func newFixture() *fixture {
	log := zap.NewNop()
	f := &fixture{
		sources: &stubSources{src: domain.Source{
			ID:       "src-1",
			Name:     "Tech Daily",
			URL:      "https://example.com/feed.xml",
			Category: "tech",
			Active:   true,
		}},
		articles: &stubArticles{top: []domain.Article{{
			ID:          "art-top",
			Title:       "Compilers in practice",
			URL:         "https://example.com/a/1",
			Category:    "tech",
			PublishedAt: time.Now().Add(-2 * time.Hour),
		}}},
		broker:     &stubBroker{},
		mailer:     &stubMailer{},
		digestLogs: &stubDigestLogs{},
		subscribers: &stubSubscribers{sub: domain.Subscriber{
			ID:              "sub-1",
			Email:           "reader@example.com",
			FullName:        "Reader One",
			Active:          true,
			EmailVerified:   true,
			DigestEnabled:   true,
			DigestFrequency: domain.DigestDaily,
			Categories:      []string{"tech"},
		}},
	}
	orch := app.NewOrchestrator(f.sources, f.articles, f.broker, log)
	crawler := app.NewCrawlWorker(f.sources, f.articles, &stubCrawlLogs{}, &stubFetcher{candidates: []domain.Candidate{
		{Title: "First", URL: "https://example.com/a/1", GUID: "g1", PublishedAt: time.Now()},
		{Title: "Second", URL: "https://example.com/a/2", GUID: "g2", PublishedAt: time.Now()},
	}}, stubCache{}, orch, log)
	dispatcher := app.NewDigestDispatcher(f.subscribers, f.broker, log)
	digester := app.NewDigestWorker(f.subscribers, f.articles, f.digestLogs, stubCache{}, f.mailer, log)
	f.server = NewServer(orch, crawler, dispatcher, digester, f.sources, f.articles, log)
	return f
}

func (f *fixture) post(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
	return rec
}

func TestTryListenDetectsRunningInstance(t *testing.T) {
	ln, err := TryListen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, err = TryListen(ln.Addr().String())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestServerUnknownRouteIs404(t *testing.T) {
	s := &Server{}
	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/nope", nil),
		// Triggers are POST-only.
		httptest.NewRequest(http.MethodGet, "/crawl-all", nil),
	} {
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}
}

func TestCrawlSourceReturnsTerminalOutcome(t *testing.T) {
	f := newFixture()

	rec := f.post(t, "/crawl-source", `{"sourceId":"src-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		OK            bool   `json:"ok"`
		Status        string `json:"status"`
		ArticlesFound int    `json:"articlesFound"`
		ArticlesSaved int    `json:"articlesSaved"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, string(domain.CrawlLogSuccess), resp.Status)
	assert.Equal(t, 2, resp.ArticlesFound)
	assert.Equal(t, 2, resp.ArticlesSaved)
	// Both saved articles fan out as scrape tasks.
	assert.Equal(t, 2, f.broker.published)
}

func TestCrawlSourceUnknownSourceIs404(t *testing.T) {
	f := newFixture()

	rec := f.post(t, "/crawl-source", `{"sourceId":"missing"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCrawlSourceEmptyBodyIsBadRequest(t *testing.T) {
	f := newFixture()

	rec := f.post(t, "/crawl-source", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDigestUserDeliversSynchronously(t *testing.T) {
	f := newFixture()

	rec := f.post(t, "/digest-user", `{"userId":"sub-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		OK     bool   `json:"ok"`
		Result string `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, "ack", resp.Result)
	assert.Equal(t, 1, f.mailer.sent)
	assert.Equal(t, domain.DigestSent, f.digestLogs.last.Status)
}

func TestDigestUserNotDueIsSkipped(t *testing.T) {
	f := newFixture()
	now := time.Now()
	f.subscribers.sub.LastDigestSentAt = &now

	rec := f.post(t, "/digest-user", `{"userId":"sub-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		OK     bool   `json:"ok"`
		Result string `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, "ack", resp.Result)
	assert.Equal(t, 0, f.mailer.sent)
	assert.Equal(t, domain.DigestSkipped, f.digestLogs.last.Status)
}

func TestArticleViewIncrementsCount(t *testing.T) {
	f := newFixture()

	rec := f.post(t, "/article-view", `{"articleId":"art-top"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"art-top"}, f.articles.viewed)
}
