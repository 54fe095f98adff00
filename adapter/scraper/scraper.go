// Package scraper extracts main article text and a thumbnail from a
// landing page using an ordered chain of selector heuristics.
package scraper

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"go.uber.org/zap"

	"newsagg/domain"
)

const (
	fetchTimeout = 15 * time.Second
	userAgent    = "Mozilla/5.0 (compatible; NewsAggBot/1.0; +https://newsagg.local/bot)"

	// A strategy wins only when it yields more text than this.
	minContentLength = 100
	// Paragraphs shorter than this are navigation/footer noise.
	minParagraphLength = 50
)

// Content-area selectors tried in priority order when no <article>
// element yields enough text.
var contentSelectors = []string{
	"[class*='article-body']",
	"[class*='article-content']",
	"[class*='post-content']",
	"[class*='entry-content']",
	"[class*='story-body']",
	"[class*='content-body']",
	"[class*='read-more']",
	"main",
	"#content",
	".content",
}

var whitespaceRuns = regexp.MustCompile(`\s{3,}`)

type PageScraper struct {
	client *http.Client
	log    *zap.Logger
}

func New(log *zap.Logger) *PageScraper {
	return &PageScraper{
		client: &http.Client{Timeout: fetchTimeout},
		log:    log,
	}
}

// Scrape fetches the page and runs the extraction chain. A fetch or
// parse failure is an error; a page that simply has no extractable
// content is a success with nil fields.
func (s *PageScraper) Scrape(ctx context.Context, pageURL string) (domain.ScrapeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return domain.ScrapeResult{}, fmt.Errorf("build page request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return domain.ScrapeResult{}, fmt.Errorf("fetch page %s: %w", pageURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return domain.ScrapeResult{}, fmt.Errorf("fetch page %s: unexpected status %s", pageURL, resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return domain.ScrapeResult{}, fmt.Errorf("parse page %s: %w", pageURL, err)
	}

	var result domain.ScrapeResult
	if content := s.extractContent(doc, pageURL); content != "" {
		result.Content = &content
	}
	if thumb := extractThumbnail(doc, pageURL); thumb != "" {
		result.ThumbnailURL = &thumb
	}
	return result, nil
}

// extractContent runs the strategy chain; the first strategy whose
// result exceeds the minimum length wins.
func (s *PageScraper) extractContent(doc *goquery.Document, pageURL string) string {
	// 1: the semantic container.
	if sel := doc.Find("article").First(); sel.Length() > 0 {
		if text := strings.TrimSpace(sel.Text()); len(text) > minContentLength {
			return normalize(text)
		}
	}

	// 2: common content-area selectors in fixed priority order.
	for _, selector := range contentSelectors {
		sel := doc.Find(selector).First()
		if sel.Length() == 0 {
			continue
		}
		if text := strings.TrimSpace(sel.Text()); len(text) > minContentLength {
			s.log.Debug("content found via selector", zap.String("selector", selector), zap.String("url", pageURL))
			return normalize(text)
		}
	}

	// 3: concatenate long paragraphs.
	var b strings.Builder
	doc.Find("p").Each(func(_ int, p *goquery.Selection) {
		text := strings.TrimSpace(p.Text())
		if len(text) > minParagraphLength {
			b.WriteString(text)
			b.WriteString("\n\n")
		}
	})
	if text := strings.TrimSpace(b.String()); len(text) > minContentLength {
		return normalize(text)
	}

	// 4: readability pass over the whole document.
	if text := readabilityFallback(doc, pageURL); len(text) > minContentLength {
		s.log.Debug("content found via readability fallback", zap.String("url", pageURL))
		return normalize(text)
	}

	return ""
}

// readabilityFallback re-renders the document and runs a
// readability-style extractor over it. Used only when the selector
// strategies came up empty.
func readabilityFallback(doc *goquery.Document, pageURL string) string {
	html, err := doc.Html()
	if err != nil {
		return ""
	}
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	article, err := readability.FromReader(strings.NewReader(html), parsed)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(article.TextContent)
}

// extractThumbnail tries Open Graph, then Twitter card, then the first
// image inside the article container. Relative URLs are resolved
// against the page itself.
func extractThumbnail(doc *goquery.Document, pageURL string) string {
	if content, ok := doc.Find("meta[property='og:image']").First().Attr("content"); ok {
		if c := strings.TrimSpace(content); c != "" {
			return resolveURL(c, pageURL)
		}
	}
	if content, ok := doc.Find("meta[name='twitter:image']").First().Attr("content"); ok {
		if c := strings.TrimSpace(content); c != "" {
			return resolveURL(c, pageURL)
		}
	}
	if src, ok := doc.Find("article img").First().Attr("src"); ok {
		if s := strings.TrimSpace(src); s != "" {
			return resolveURL(s, pageURL)
		}
	}
	return ""
}

func resolveURL(ref, base string) string {
	if strings.HasPrefix(ref, "http") {
		return ref
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}

// normalize collapses runs of 3+ whitespace characters into paragraph
// breaks.
func normalize(text string) string {
	return strings.TrimSpace(whitespaceRuns.ReplaceAllString(text, "\n\n"))
}
