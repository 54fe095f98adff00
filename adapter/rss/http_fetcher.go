package rss

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"newsagg/domain"
)

const (
	fetchTimeout = 10 * time.Second
	userAgent    = "Mozilla/5.0 (compatible; NewsAggBot/1.0; +https://newsagg.local/bot)"

	// Descriptions longer than this are cut and marked with an ellipsis.
	maxDescriptionLen = 500
)

// HTTPFetcher fetches a feed document over HTTP and parses it into
// candidates. RSS 2.0 and Atom are supported.
type HTTPFetcher struct {
	client *http.Client
	log    *zap.Logger
}

func NewHTTPFetcher(log *zap.Logger) *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{Timeout: fetchTimeout},
		log:    log,
	}
}

// Fetch retrieves and parses one feed. A document-level problem
// (unreachable host, bad status, invalid XML) is an error; entries
// missing a URL or title are skipped individually and do not count as
// found candidates.
func (f *HTTPFetcher) Fetch(ctx context.Context, src domain.Source) ([]domain.Candidate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build feed request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed %s: %w", src.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch feed %s: unexpected status %s", src.URL, resp.Status)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read feed %s: %w", src.URL, err)
	}

	entries, err := parseDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", src.URL, err)
	}

	candidates := make([]domain.Candidate, 0, len(entries))
	for _, e := range entries {
		c, ok := f.toCandidate(e, src)
		if !ok {
			continue
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

// toCandidate validates and normalizes one entry. URL and title are
// mandatory; everything else has a fallback.
func (f *HTTPFetcher) toCandidate(e entry, src domain.Source) (domain.Candidate, bool) {
	link := strings.TrimSpace(e.link)
	if link == "" {
		f.log.Debug("feed entry skipped: no link", zap.String("source", src.Name), zap.String("title", e.title))
		return domain.Candidate{}, false
	}
	title := strings.TrimSpace(e.title)
	if title == "" {
		f.log.Debug("feed entry skipped: no title", zap.String("source", src.Name), zap.String("link", link))
		return domain.Candidate{}, false
	}

	desc := stripHTML(e.description)
	if runes := []rune(desc); len(runes) > maxDescriptionLen {
		desc = string(runes[:maxDescriptionLen-3]) + "..."
	}

	published := parseFeedTime(e.published)
	if published.IsZero() {
		published = parseFeedTime(e.updated)
	}
	if published.IsZero() {
		published = time.Now()
	}

	guid := strings.TrimSpace(e.guid)
	if guid == "" {
		guid = link
	}

	var thumbnail *string
	if t := strings.TrimSpace(e.thumbnail); t != "" {
		thumbnail = &t
	}
	var author *string
	if a := strings.TrimSpace(e.author); a != "" {
		author = &a
	}

	return domain.Candidate{
		Title:        title,
		URL:          link,
		GUID:         guid,
		Description:  desc,
		ThumbnailURL: thumbnail,
		Author:       author,
		PublishedAt:  published,
	}, true
}

// entry is the format-neutral view of one feed item.
type entry struct {
	title       string
	link        string
	guid        string
	description string
	author      string
	published   string
	updated     string
	thumbnail   string
}

func parseDocument(raw []byte) ([]entry, error) {
	var rf rssFeed
	if err := xml.Unmarshal(raw, &rf); err == nil && rf.XMLName.Local == "rss" {
		entries := make([]entry, 0, len(rf.Channel.Items))
		for _, it := range rf.Channel.Items {
			entries = append(entries, entry{
				title:       it.Title,
				link:        it.Link,
				guid:        it.GUID,
				description: it.Description,
				author:      firstNonEmpty(it.Creator, it.Author),
				published:   it.PubDate,
				thumbnail:   it.imageURL(),
			})
		}
		return entries, nil
	}

	var af atomFeed
	if err := xml.Unmarshal(raw, &af); err != nil || af.XMLName.Local != "feed" {
		return nil, fmt.Errorf("not a recognizable RSS/Atom document")
	}
	entries := make([]entry, 0, len(af.Entries))
	for _, it := range af.Entries {
		entries = append(entries, entry{
			title:       it.Title,
			link:        it.alternateLink(),
			guid:        it.ID,
			description: firstNonEmpty(it.Summary, it.Content),
			author:      it.Author.Name,
			published:   it.Published,
			updated:     it.Updated,
			thumbnail:   it.imageURL(),
		})
	}
	return entries, nil
}

// ---- RSS 2.0 ----

type rssFeed struct {
	XMLName xml.Name `xml:"rss"`
	Channel struct {
		Title string    `xml:"title"`
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	GUID        string `xml:"guid"`
	Description string `xml:"description"`
	Author      string `xml:"author"`
	Creator     string `xml:"http://purl.org/dc/elements/1.1/ creator"`
	PubDate     string `xml:"pubDate"`

	Enclosure struct {
		URL  string `xml:"url,attr"`
		Type string `xml:"type,attr"`
	} `xml:"enclosure"`
	MediaContent struct {
		URL string `xml:"url,attr"`
	} `xml:"http://search.yahoo.com/mrss/ content"`
	MediaThumbnail struct {
		URL string `xml:"url,attr"`
	} `xml:"http://search.yahoo.com/mrss/ thumbnail"`
}

// imageURL tries the enclosure first, then the media extension fields.
func (it rssItem) imageURL() string {
	if it.Enclosure.URL != "" && strings.HasPrefix(it.Enclosure.Type, "image/") {
		return it.Enclosure.URL
	}
	if it.MediaContent.URL != "" {
		return it.MediaContent.URL
	}
	return it.MediaThumbnail.URL
}

// ---- Atom ----

type atomFeed struct {
	XMLName xml.Name    `xml:"http://www.w3.org/2005/Atom feed"`
	Title   string      `xml:"title"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	Title     string `xml:"title"`
	ID        string `xml:"id"`
	Summary   string `xml:"summary"`
	Content   string `xml:"content"`
	Published string `xml:"published"`
	Updated   string `xml:"updated"`
	Author    struct {
		Name string `xml:"name"`
	} `xml:"author"`
	Links []struct {
		Rel  string `xml:"rel,attr"`
		Type string `xml:"type,attr"`
		Href string `xml:"href,attr"`
	} `xml:"link"`
	MediaThumbnail struct {
		URL string `xml:"url,attr"`
	} `xml:"http://search.yahoo.com/mrss/ thumbnail"`
}

func (e atomEntry) alternateLink() string {
	for _, l := range e.Links {
		if l.Rel == "alternate" || l.Rel == "" {
			return l.Href
		}
	}
	if len(e.Links) > 0 {
		return e.Links[0].Href
	}
	return ""
}

func (e atomEntry) imageURL() string {
	if e.MediaThumbnail.URL != "" {
		return e.MediaThumbnail.URL
	}
	for _, l := range e.Links {
		if l.Rel == "enclosure" && strings.HasPrefix(l.Type, "image/") {
			return l.Href
		}
	}
	return ""
}

// ---- helpers ----

var feedTimeLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339,
	time.RFC822Z,
	time.RFC822,
	"2006-01-02T15:04:05Z",
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2006-01-02 15:04:05",
}

func parseFeedTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range feedTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// stripHTML reduces a feed description to plain text.
func stripHTML(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	return strings.TrimSpace(strings.Join(strings.Fields(doc.Text()), " "))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
