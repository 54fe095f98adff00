package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"newsagg/domain"
)

func servePage(t *testing.T, html string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(html))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func scrapePage(t *testing.T, srv *httptest.Server) domain.ScrapeResult {
	t.Helper()
	s := New(zap.NewNop())
	res, err := s.Scrape(context.Background(), srv.URL)
	require.NoError(t, err)
	return res
}

func longText(n int) string {
	return strings.Repeat("Budget talks resumed in parliament today. ", n)
}

func TestScrapeArticleElement(t *testing.T) {
	body := longText(5)
	srv := servePage(t, `<html><body>
		<nav>Home | News | About</nav>
		<article>`+body+`</article>
	</body></html>`)

	res := scrapePage(t, srv)
	require.NotNil(t, res.Content)
	assert.Contains(t, *res.Content, "Budget talks resumed")
	assert.NotContains(t, *res.Content, "Home | News")
}

func TestScrapeSelectorChain(t *testing.T) {
	body := longText(5)
	srv := servePage(t, `<html><body>
		<div class="sidebar">short</div>
		<div class="article-body-main">`+body+`</div>
	</body></html>`)

	res := scrapePage(t, srv)
	require.NotNil(t, res.Content)
	assert.Contains(t, *res.Content, "Budget talks resumed")
}

func TestScrapeParagraphFallback(t *testing.T) {
	para := strings.TrimSpace(longText(2))
	srv := servePage(t, `<html><body>
		<p>short nav line</p>
		<p>`+para+`</p>
		<p>`+para+`</p>
	</body></html>`)

	res := scrapePage(t, srv)
	require.NotNil(t, res.Content)
	// Short paragraphs are treated as noise.
	assert.NotContains(t, *res.Content, "short nav line")
	assert.Contains(t, *res.Content, "Budget talks resumed")
}

func TestScrapeTooShortYieldsNoContent(t *testing.T) {
	srv := servePage(t, `<html><body><article>tiny</article></body></html>`)
	res := scrapePage(t, srv)
	assert.Nil(t, res.Content)
}

func TestScrapeWhitespaceNormalization(t *testing.T) {
	body := longText(3)
	srv := servePage(t, `<html><body><article>`+body+`


			`+body+`</article></body></html>`)

	res := scrapePage(t, srv)
	require.NotNil(t, res.Content)
	assert.Contains(t, *res.Content, "\n\n")
	assert.NotContains(t, *res.Content, "   ")
}

func TestScrapeThumbnailPriority(t *testing.T) {
	body := longText(5)
	srv := servePage(t, `<html><head>
		<meta property="og:image" content="https://cdn.example.com/og.jpg"/>
		<meta name="twitter:image" content="https://cdn.example.com/tw.jpg"/>
	</head><body><article><img src="/inline.jpg">`+body+`</article></body></html>`)

	res := scrapePage(t, srv)
	require.NotNil(t, res.ThumbnailURL)
	assert.Equal(t, "https://cdn.example.com/og.jpg", *res.ThumbnailURL)
}

func TestScrapeThumbnailRelativeResolved(t *testing.T) {
	body := longText(5)
	srv := servePage(t, `<html><body><article><img src="/images/lead.jpg">`+body+`</article></body></html>`)

	res := scrapePage(t, srv)
	require.NotNil(t, res.ThumbnailURL)
	assert.Equal(t, srv.URL+"/images/lead.jpg", *res.ThumbnailURL)
}

func TestScrapeBadStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	t.Cleanup(srv.Close)

	s := New(zap.NewNop())
	_, err := s.Scrape(context.Background(), srv.URL)
	assert.Error(t, err)
}
