package control

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
)

// Client talks to a running daemon's control server.
type Client struct{ addr string }

func NewClient(addr string) *Client { return &Client{addr: addr} }

// TriggerResult is the generic enqueue-style response.
type TriggerResult struct {
	OK       bool `json:"ok"`
	Enqueued int  `json:"enqueued"`
}

// CrawlResult is the synchronous single-source crawl response.
type CrawlResult struct {
	OK            bool   `json:"ok"`
	Status        string `json:"status"`
	ArticlesFound int    `json:"articlesFound"`
	ArticlesSaved int    `json:"articlesSaved"`
	DurationMs    int64  `json:"durationMs"`
	Error         string `json:"error"`
}

// DigestResult is the synchronous single-user digest response.
type DigestResult struct {
	OK     bool   `json:"ok"`
	Result string `json:"result"`
}

func (c *Client) CrawlAll() (TriggerResult, error) {
	var r TriggerResult
	return r, c.post("/crawl-all", nil, &r)
}

func (c *Client) CrawlSource(sourceID string) (CrawlResult, error) {
	var r CrawlResult
	return r, c.post("/crawl-source", map[string]interface{}{"sourceId": sourceID}, &r)
}

func (c *Client) ScrapeBacklog(limit int) (TriggerResult, error) {
	var r TriggerResult
	return r, c.post("/scrape-backlog", map[string]interface{}{"limit": limit}, &r)
}

func (c *Client) DigestAll() (TriggerResult, error) {
	var r TriggerResult
	return r, c.post("/digest-all", nil, &r)
}

func (c *Client) DigestUser(userID string) (DigestResult, error) {
	var r DigestResult
	return r, c.post("/digest-user", map[string]interface{}{"userId": userID}, &r)
}

func (c *Client) ArticleView(articleID string) error {
	var r struct {
		OK bool `json:"ok"`
	}
	return c.post("/article-view", map[string]interface{}{"articleId": articleID}, &r)
}

func (c *Client) post(path string, payload interface{}, out interface{}) error {
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			return err
		}
	}
	resp, err := http.Post("http://"+c.addr+path, "application/json", &body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("server error: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
