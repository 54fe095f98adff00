package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"newsagg/adapter/postgres"
	"newsagg/adapter/rediscache"
	"newsagg/adapter/redisq"
	rss "newsagg/adapter/rss"
	"newsagg/adapter/scraper"
	"newsagg/adapter/smtp"
	"newsagg/app"
	"newsagg/cli/control"
	"newsagg/domain"
	"newsagg/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "--help", "-h", "help":
		printHelp()
		return
	case "run":
		err = cmdRun(args)
	case "add-source":
		err = cmdAddSource(args)
	case "list-sources":
		err = cmdListSources(args)
	case "crawl-all":
		err = cmdCrawlAll(args)
	case "crawl-source":
		err = cmdCrawlSource(args)
	case "scrape-backlog":
		err = cmdScrapeBacklog(args)
	case "digest-all":
		err = cmdDigestAll(args)
	case "digest-user":
		err = cmdDigestUser(args)
	case "article-view":
		err = cmdArticleView(args)
	default:
		fmt.Printf("unknown command: %s\n\n", cmd)
		printHelp()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Print(`Usage:
  newsagg COMMAND [OPTIONS]

Daemon:
   run             start the pipeline: schedulers, queue consumers and the control server

Administration:
   add-source      register a feed source
   list-sources    list registered feed sources

Triggers (sent to a running daemon):
   crawl-all       enqueue a crawl task for every active source
   crawl-source    crawl one source synchronously (--id)
   scrape-backlog  enqueue scrape tasks for unscraped articles (--limit)
   digest-all      enqueue digest tasks for every due subscriber
   digest-user     deliver one subscriber's digest synchronously (--id)
   article-view    record one read of an article (--id)
`)
}

func cmdRun(args []string) error {
	cfg := config.Load()

	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	listener, err := control.TryListen(cfg.ControlAddr)
	if err != nil {
		if errors.Is(err, control.ErrAlreadyRunning) {
			fmt.Println("Daemon is already running")
		}
		return err
	}
	defer listener.Close()

	database, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	repo := postgres.New(database)
	if err := repo.Ensure(context.Background()); err != nil {
		return fmt.Errorf("db ensure failed: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	broker := redisq.NewBroker(rdb, log,
		redisq.DefaultBindings(cfg.CrawlTaskTTL, cfg.ScrapeTaskTTL, cfg.DigestTaskTTL),
		cfg.MaxRetries)
	cache := rediscache.New(rdb)
	mailer := smtp.New(smtp.Config{
		Host:   cfg.SMTPHost,
		Port:   cfg.SMTPPort,
		User:   cfg.SMTPUser,
		Pass:   cfg.SMTPPass,
		Sender: cfg.SMTPSender,
	})

	orchestrator := app.NewOrchestrator(repo.Sources, repo.Articles, broker, log)
	crawlWorker := app.NewCrawlWorker(repo.Sources, repo.Articles, repo.CrawlLogs,
		rss.NewHTTPFetcher(log), cache, orchestrator, log)
	scrapeWorker := app.NewScrapeWorker(repo.Articles, scraper.New(log), log)
	dispatcher := app.NewDigestDispatcher(repo.Subscribers, broker, log)
	digestWorker := app.NewDigestWorker(repo.Subscribers, repo.Articles, repo.DigestLogs, cache, mailer, log)
	maintenance := app.NewMaintenance(repo.Articles, cache, log)
	sink := app.NewDeadLetterSink(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := broker.Consume(ctx, domain.QueueCrawl, cfg.CrawlWorkers, crawlWorker.Handle); err != nil {
		return err
	}
	if err := broker.Consume(ctx, domain.QueueScrape, cfg.ScrapeWorkers, scrapeWorker.Handle); err != nil {
		return err
	}
	if err := broker.Consume(ctx, domain.QueueDigest, cfg.DigestWorkers, digestWorker.Handle); err != nil {
		return err
	}
	if err := broker.ConsumeDeadLetters(ctx, sink.Handle); err != nil {
		return err
	}

	sched := app.NewScheduler(log)
	sched.RunEvery(ctx, "crawl", cfg.CrawlInitialDelay, cfg.CrawlInterval, func(ctx context.Context) error {
		_, err := orchestrator.EnqueueCrawlForActiveSources(ctx)
		return err
	})
	sched.RunEvery(ctx, "scrape-backlog", cfg.ScrapeInitialDelay, cfg.ScrapeInterval, func(ctx context.Context) error {
		_, err := orchestrator.EnqueueScrapeBacklog(ctx, cfg.ScrapeBatchSize)
		return err
	})
	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	if err := sched.AddCron(cfg.CleanupCron, "retention-cleanup", func(ctx context.Context) {
		_, _ = maintenance.CleanupOldArticles(ctx, retention)
	}); err != nil {
		return err
	}
	if err := sched.AddCron(cfg.DigestCron, "digest-dispatch", func(ctx context.Context) {
		_, _ = dispatcher.EnqueueDueDigests(ctx)
	}); err != nil {
		return err
	}
	sched.Start()

	ctrl := control.NewServer(orchestrator, crawlWorker, dispatcher, digestWorker, repo.Sources, repo.Articles, log)
	go func() {
		_ = http.Serve(listener, ctrl)
	}()

	fmt.Printf("Daemon started (control = %s, crawl every %s, scrape every %s)\n",
		cfg.ControlAddr, cfg.CrawlInterval, cfg.ScrapeInterval)

	<-ctx.Done()
	sched.Stop()
	broker.Drain()
	fmt.Println("Graceful shutdown: in-flight tasks finished")
	return nil
}

func cmdAddSource(args []string) error {
	fset := flag.NewFlagSet("add-source", flag.ContinueOnError)
	var name, url, website, category string
	fset.StringVar(&name, "name", "", "source name")
	fset.StringVar(&url, "url", "", "feed URL")
	fset.StringVar(&website, "website", "", "site homepage URL")
	fset.StringVar(&category, "category", "general", "source category")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(name) == "" || strings.TrimSpace(url) == "" {
		return fmt.Errorf("both --name and --url are required")
	}

	cfg := config.Load()
	database, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer database.Close()
	repo := postgres.New(database)
	if err := repo.Ensure(context.Background()); err != nil {
		return err
	}
	if err := repo.Sources.Add(context.Background(), domain.Source{
		Name:       name,
		URL:        url,
		WebsiteURL: website,
		Category:   category,
		Active:     true,
	}); err != nil {
		return err
	}
	fmt.Printf("Source %q added\n", name)
	return nil
}

func cmdListSources(args []string) error {
	fset := flag.NewFlagSet("list-sources", flag.ContinueOnError)
	var num int
	fset.IntVar(&num, "num", 0, "limit number of sources (0 = all)")
	if err := fset.Parse(args); err != nil {
		return err
	}

	cfg := config.Load()
	database, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer database.Close()
	repo := postgres.New(database)
	if err := repo.Ensure(context.Background()); err != nil {
		return err
	}
	sources, err := repo.Sources.List(context.Background(), num)
	if err != nil {
		return err
	}
	fmt.Print("# Registered Sources\n\n")
	for i, s := range sources {
		state := "inactive"
		if s.Active {
			state = "active"
		}
		last := "never"
		if s.LastCrawledAt != nil {
			last = s.LastCrawledAt.Format("2006-01-02 15:04")
		}
		fmt.Printf("%d. %s [%s, %s]\n   Feed: %s\n   Last crawl: %s (%s)\n\n",
			i+1, s.Name, s.Category, state, s.URL, last, s.CrawlStatus)
	}
	return nil
}

func cmdCrawlAll(args []string) error {
	r, err := control.NewClient(config.Load().ControlAddr).CrawlAll()
	if err != nil {
		return err
	}
	fmt.Printf("Enqueued crawl tasks for %d sources\n", r.Enqueued)
	return nil
}

func cmdCrawlSource(args []string) error {
	fset := flag.NewFlagSet("crawl-source", flag.ContinueOnError)
	var id string
	fset.StringVar(&id, "id", "", "source id")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("--id is required")
	}
	r, err := control.NewClient(config.Load().ControlAddr).CrawlSource(id)
	if err != nil {
		return err
	}
	if r.Error != "" {
		fmt.Printf("Crawl %s: found %d, saved %d, took %dms (%s)\n",
			r.Status, r.ArticlesFound, r.ArticlesSaved, r.DurationMs, r.Error)
	} else {
		fmt.Printf("Crawl %s: found %d, saved %d, took %dms\n",
			r.Status, r.ArticlesFound, r.ArticlesSaved, r.DurationMs)
	}
	return nil
}

func cmdScrapeBacklog(args []string) error {
	fset := flag.NewFlagSet("scrape-backlog", flag.ContinueOnError)
	var limit int
	fset.IntVar(&limit, "limit", 50, "max articles to enqueue")
	if err := fset.Parse(args); err != nil {
		return err
	}
	r, err := control.NewClient(config.Load().ControlAddr).ScrapeBacklog(limit)
	if err != nil {
		return err
	}
	fmt.Printf("Enqueued scrape tasks for %d articles\n", r.Enqueued)
	return nil
}

func cmdDigestAll(args []string) error {
	r, err := control.NewClient(config.Load().ControlAddr).DigestAll()
	if err != nil {
		return err
	}
	fmt.Printf("Enqueued digest tasks for %d subscribers\n", r.Enqueued)
	return nil
}

func cmdDigestUser(args []string) error {
	fset := flag.NewFlagSet("digest-user", flag.ContinueOnError)
	var id string
	fset.StringVar(&id, "id", "", "subscriber id")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("--id is required")
	}
	r, err := control.NewClient(config.Load().ControlAddr).DigestUser(id)
	if err != nil {
		return err
	}
	fmt.Printf("Digest delivery result: %s\n", r.Result)
	return nil
}

func cmdArticleView(args []string) error {
	fset := flag.NewFlagSet("article-view", flag.ContinueOnError)
	var id string
	fset.StringVar(&id, "id", "", "article id")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("--id is required")
	}
	if err := control.NewClient(config.Load().ControlAddr).ArticleView(id); err != nil {
		return err
	}
	fmt.Println("View recorded")
	return nil
}

func openDB(cfg config.Config) (*sql.DB, error) {
	pgURL := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.PGUser, cfg.PGPassword, cfg.PGHost, cfg.PGPort, cfg.PGDatabase,
	)
	dbConn, err := sql.Open("postgres", pgURL)
	if err != nil {
		return nil, err
	}
	dbConn.SetMaxOpenConns(10)
	dbConn.SetMaxIdleConns(10)
	dbConn.SetConnMaxLifetime(30 * time.Minute)
	if err := dbConn.Ping(); err != nil {
		return nil, err
	}
	return dbConn, nil
}
