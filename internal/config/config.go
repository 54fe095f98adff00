package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Ingestion sweep: fixed delay measured from the end of the
	// previous sweep, so a slow round never overlaps the next.
	CrawlInterval     time.Duration
	CrawlInitialDelay time.Duration

	// Content-extraction sweep.
	ScrapeInterval     time.Duration
	ScrapeInitialDelay time.Duration
	ScrapeBatchSize    int

	// Cron specs for the maintenance and digest jobs.
	CleanupCron      string
	DigestCron       string
	RetentionDays    int

	// Per-queue consumer counts.
	CrawlWorkers  int
	ScrapeWorkers int
	DigestWorkers int

	// Queue TTLs. Digest is shorter: a stale digest is worse than a
	// stale crawl.
	CrawlTaskTTL  time.Duration
	ScrapeTaskTTL time.Duration
	DigestTaskTTL time.Duration
	MaxRetries    int

	PGHost     string
	PGPort     int
	PGUser     string
	PGPassword string
	PGDatabase string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SMTPHost   string
	SMTPPort   int
	SMTPUser   string
	SMTPPass   string
	SMTPSender string

	ControlAddr string
}

func Load() Config {
	_ = godotenv.Load()

	return Config{
		CrawlInterval:     parseDurationEnv("NEWSAGG_CRAWL_INTERVAL", 15*time.Minute),
		CrawlInitialDelay: parseDurationEnv("NEWSAGG_CRAWL_INITIAL_DELAY", 30*time.Second),

		ScrapeInterval:     parseDurationEnv("NEWSAGG_SCRAPE_INTERVAL", 5*time.Minute),
		ScrapeInitialDelay: parseDurationEnv("NEWSAGG_SCRAPE_INITIAL_DELAY", 60*time.Second),
		ScrapeBatchSize:    parseIntEnv("NEWSAGG_SCRAPE_BATCH_SIZE", 10),

		CleanupCron:   getenv("NEWSAGG_CLEANUP_CRON", "0 2 * * *"),
		DigestCron:    getenv("NEWSAGG_DIGEST_CRON", "0 7 * * *"),
		RetentionDays: parseIntEnv("NEWSAGG_RETENTION_DAYS", 30),

		CrawlWorkers:  parseIntEnv("NEWSAGG_CRAWL_WORKERS", 3),
		ScrapeWorkers: parseIntEnv("NEWSAGG_SCRAPE_WORKERS", 3),
		DigestWorkers: parseIntEnv("NEWSAGG_DIGEST_WORKERS", 2),

		CrawlTaskTTL:  parseDurationEnv("NEWSAGG_CRAWL_TASK_TTL", time.Hour),
		ScrapeTaskTTL: parseDurationEnv("NEWSAGG_SCRAPE_TASK_TTL", time.Hour),
		DigestTaskTTL: parseDurationEnv("NEWSAGG_DIGEST_TASK_TTL", 30*time.Minute),
		MaxRetries:    parseIntEnv("NEWSAGG_QUEUE_MAX_RETRIES", 3),

		PGHost:     getenv("POSTGRES_HOST", "localhost"),
		PGPort:     parseIntEnv("POSTGRES_PORT", 5432),
		PGUser:     getenv("POSTGRES_USER", "postgres"),
		PGPassword: getenv("POSTGRES_PASSWORD", "changeme"),
		PGDatabase: getenv("POSTGRES_DBNAME", "newsagg"),

		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       parseIntEnv("REDIS_DB", 0),

		SMTPHost:   getenv("SMTP_HOST", "localhost"),
		SMTPPort:   parseIntEnv("SMTP_PORT", 587),
		SMTPUser:   getenv("SMTP_USER", ""),
		SMTPPass:   getenv("SMTP_PASSWORD", ""),
		SMTPSender: getenv("SMTP_SENDER", "no-reply@newsagg.local"),

		ControlAddr: getenv("CONTROL_ADDR", "127.0.0.1:8088"),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseIntEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func parseDurationEnv(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
