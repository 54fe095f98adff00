package control

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"newsagg/app"
	"newsagg/domain"
)

var ErrAlreadyRunning = errors.New("already running")

// TryListen tries to bind the control address. If it's already in use, we assume an instance is running.
func TryListen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, ErrAlreadyRunning
	}
	return ln, nil
}

// Server is the local control plane of the daemon: manual pipeline
// triggers plus the metrics endpoint. It binds to loopback only.
type Server struct {
	orchestrator *app.Orchestrator
	crawler      *app.CrawlWorker
	dispatcher   *app.DigestDispatcher
	digester     *app.DigestWorker
	sources      domain.SourceRepository
	articles     domain.ArticleRepository
	metrics      http.Handler
	log          *zap.Logger
}

func NewServer(
	orchestrator *app.Orchestrator,
	crawler *app.CrawlWorker,
	dispatcher *app.DigestDispatcher,
	digester *app.DigestWorker,
	sources domain.SourceRepository,
	articles domain.ArticleRepository,
	log *zap.Logger,
) *Server {
	return &Server{
		orchestrator: orchestrator,
		crawler:      crawler,
		dispatcher:   dispatcher,
		digester:     digester,
		sources:      sources,
		articles:     articles,
		metrics:      promhttp.Handler(),
		log:          log,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/crawl-all":
		s.handleCrawlAll(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/crawl-source":
		s.handleCrawlSource(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/scrape-backlog":
		s.handleScrapeBacklog(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/digest-all":
		s.handleDigestAll(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/digest-user":
		s.handleDigestUser(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/article-view":
		s.handleArticleView(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/metrics":
		s.metrics.ServeHTTP(w, r)
	default:
		http.NotFound(w, r)
	}
}

// handleCrawlAll fans crawl tasks out to the queue and returns as soon
// as they are enqueued; the workers do the rest.
func (s *Server) handleCrawlAll(w http.ResponseWriter, r *http.Request) {
	enqueued, err := s.orchestrator.EnqueueCrawlForActiveSources(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "enqueued": enqueued})
}

// handleCrawlSource crawls one source synchronously, bypassing the
// queue, and returns the crawl log so the operator sees the outcome.
func (s *Server) handleCrawlSource(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceID string `json:"sourceId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SourceID == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	src, err := s.sources.FindByID(r.Context(), req.SourceID)
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "source not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	entry, _ := s.crawler.CrawlSource(r.Context(), src)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"ok":            entry.Status == domain.CrawlLogSuccess,
		"status":        string(entry.Status),
		"articlesFound": entry.ArticlesFound,
		"articlesSaved": entry.ArticlesSaved,
		"durationMs":    entry.Duration.Milliseconds(),
		"error":         entry.ErrorMessage,
	})
}

func (s *Server) handleScrapeBacklog(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Limit int `json:"limit"`
	}
	// Body is optional; an empty read leaves the zero value.
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Limit <= 0 {
		req.Limit = 50
	}
	enqueued, err := s.orchestrator.EnqueueScrapeBacklog(r.Context(), req.Limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "enqueued": enqueued})
}

func (s *Server) handleDigestAll(w http.ResponseWriter, r *http.Request) {
	enqueued, err := s.dispatcher.EnqueueDueDigests(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "enqueued": enqueued})
}

// handleDigestUser delivers one subscriber's digest synchronously.
func (s *Server) handleDigestUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	result := s.digester.DeliverToSubscriber(r.Context(), req.UserID)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"ok":     result == domain.Ack,
		"result": result.String(),
	})
}

// handleArticleView records one read of an article. View counts rank
// articles within digest sections.
func (s *Server) handleArticleView(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ArticleID string `json:"articleId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ArticleID == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.articles.IncrementViewCount(r.Context(), req.ArticleID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": true})
}
