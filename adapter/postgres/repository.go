package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"newsagg/domain"
)

// Repository aggregates the per-entity repositories over one handle.
type Repository struct {
	db *sql.DB

	Sources     *SourceRepo
	Articles    *ArticleRepo
	CrawlLogs   *CrawlLogRepo
	Subscribers *SubscriberRepo
	DigestLogs  *DigestLogRepo
}

func New(db *sql.DB) *Repository {
	return &Repository{
		db:          db,
		Sources:     &SourceRepo{db: db},
		Articles:    &ArticleRepo{db: db},
		CrawlLogs:   &CrawlLogRepo{db: db},
		Subscribers: &SubscriberRepo{db: db},
		DigestLogs:  &DigestLogRepo{db: db},
	}
}

// Ensure bootstraps the schema. Idempotent; safe to run on every start.
func (r *Repository) Ensure(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE EXTENSION IF NOT EXISTS pgcrypto;
CREATE TABLE IF NOT EXISTS sources (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    created_at TIMESTAMP NOT NULL DEFAULT now(),
    name TEXT NOT NULL,
    url TEXT UNIQUE NOT NULL,
    website_url TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL DEFAULT '',
    is_active BOOLEAN NOT NULL DEFAULT true,
    last_crawled_at TIMESTAMP,
    crawl_status TEXT NOT NULL DEFAULT 'PENDING',
    error_message TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS articles (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    created_at TIMESTAMP NOT NULL DEFAULT now(),
    source_id UUID NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
    title TEXT NOT NULL,
    url TEXT UNIQUE NOT NULL,
    guid TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    content TEXT,
    thumbnail_url TEXT,
    author TEXT,
    category TEXT NOT NULL DEFAULT '',
    published_at TIMESTAMP NOT NULL,
    is_scraped BOOLEAN NOT NULL DEFAULT false,
    view_count BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_articles_guid ON articles (guid);
CREATE INDEX IF NOT EXISTS idx_articles_category ON articles (category);
CREATE INDEX IF NOT EXISTS idx_articles_published_at ON articles (published_at DESC);
CREATE INDEX IF NOT EXISTS idx_articles_unscraped ON articles (is_scraped) WHERE is_scraped = false;
CREATE TABLE IF NOT EXISTS crawl_logs (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    source_id UUID NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
    status TEXT NOT NULL,
    articles_found INT NOT NULL DEFAULT 0,
    articles_saved INT NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT '',
    duration_ms BIGINT NOT NULL DEFAULT 0,
    crawled_at TIMESTAMP NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS subscribers (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    created_at TIMESTAMP NOT NULL DEFAULT now(),
    email TEXT UNIQUE NOT NULL,
    full_name TEXT NOT NULL DEFAULT '',
    is_active BOOLEAN NOT NULL DEFAULT true,
    email_verified BOOLEAN NOT NULL DEFAULT false,
    digest_enabled BOOLEAN NOT NULL DEFAULT false,
    digest_frequency TEXT NOT NULL DEFAULT 'DAILY',
    categories TEXT[] NOT NULL DEFAULT '{}',
    last_digest_sent_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS digest_logs (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    subscriber_id UUID NOT NULL REFERENCES subscribers(id) ON DELETE CASCADE,
    status TEXT NOT NULL,
    recipient_email TEXT NOT NULL,
    articles_count INT NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT '',
    sent_at TIMESTAMP NOT NULL DEFAULT now()
);
`)
	return err
}

// ---- sources ----

type SourceRepo struct{ db *sql.DB }

const sourceCols = `id, created_at, name, url, website_url, category, is_active, last_crawled_at, crawl_status, error_message`

func (r *SourceRepo) FindActive(ctx context.Context) ([]domain.Source, error) {
	return scanSources(r.db.QueryContext(ctx,
		`SELECT `+sourceCols+` FROM sources WHERE is_active = true ORDER BY created_at`))
}

func (r *SourceRepo) FindByID(ctx context.Context, id string) (domain.Source, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sourceCols+` FROM sources WHERE id = $1`, id)
	s, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Source{}, domain.ErrNotFound
	}
	return s, err
}

func (r *SourceRepo) Add(ctx context.Context, s domain.Source) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sources (name, url, website_url, category, is_active)
		 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (url) DO NOTHING`,
		s.Name, s.URL, s.WebsiteURL, s.Category, s.Active)
	return err
}

func (r *SourceRepo) List(ctx context.Context, limit int) ([]domain.Source, error) {
	q := `SELECT ` + sourceCols + ` FROM sources ORDER BY created_at DESC`
	if limit > 0 {
		q += ` LIMIT $1`
		return scanSources(r.db.QueryContext(ctx, q, limit))
	}
	return scanSources(r.db.QueryContext(ctx, q))
}

func (r *SourceRepo) UpdateCrawlOutcome(ctx context.Context, id string, status domain.CrawlStatus, errMsg string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sources SET last_crawled_at = $2, crawl_status = $3, error_message = $4 WHERE id = $1`,
		id, at, string(status), errMsg)
	return err
}

// ---- articles ----

type ArticleRepo struct{ db *sql.DB }

const articleCols = `id, created_at, source_id, title, url, guid, description, content, thumbnail_url, author, category, published_at, is_scraped, view_count`

func (r *ArticleRepo) ExistsByURL(ctx context.Context, url string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM articles WHERE url = $1)`, url).Scan(&exists)
	return exists, err
}

func (r *ArticleRepo) ExistsByGUID(ctx context.Context, guid string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM articles WHERE guid = $1)`, guid).Scan(&exists)
	return exists, err
}

// InsertBatch persists articles in one transaction. ON CONFLICT DO
// NOTHING turns a lost dedup race into a silent skip: the returned
// slice contains only rows that were actually inserted.
func (r *ArticleRepo) InsertBatch(ctx context.Context, articles []domain.Article) ([]domain.Article, error) {
	if len(articles) == 0 {
		return nil, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO articles (source_id, title, url, guid, description, thumbnail_url, author, category, published_at, is_scraped, view_count)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,false,0)
		 ON CONFLICT (url) DO NOTHING
		 RETURNING id, created_at`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	saved := make([]domain.Article, 0, len(articles))
	for _, a := range articles {
		row := stmt.QueryRowContext(ctx,
			a.SourceID, a.Title, a.URL, a.GUID, a.Description,
			a.ThumbnailURL, a.Author, a.Category, a.PublishedAt)
		if err := row.Scan(&a.ID, &a.CreatedAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue // conflict: another crawl got there first
			}
			return nil, err
		}
		saved = append(saved, a)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return saved, nil
}

func (r *ArticleRepo) FindByID(ctx context.Context, id string) (domain.Article, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+articleCols+` FROM articles WHERE id = $1`, id)
	a, err := scanArticle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Article{}, domain.ErrNotFound
	}
	return a, err
}

func (r *ArticleRepo) FindUnscraped(ctx context.Context, limit int) ([]domain.Article, error) {
	return scanArticles(r.db.QueryContext(ctx,
		`SELECT `+articleCols+` FROM articles WHERE is_scraped = false ORDER BY created_at LIMIT $1`, limit))
}

func (r *ArticleRepo) UpdateScrapeResult(ctx context.Context, id string, content, thumbnailURL *string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE articles
		 SET content = COALESCE($2, content),
		     thumbnail_url = COALESCE(thumbnail_url, $3),
		     is_scraped = true
		 WHERE id = $1`,
		id, content, thumbnailURL)
	return err
}

func (r *ArticleRepo) FindTopByCategorySince(ctx context.Context, category string, since time.Time, limit int) ([]domain.Article, error) {
	return scanArticles(r.db.QueryContext(ctx,
		`SELECT `+articleCols+` FROM articles
		 WHERE category = $1 AND published_at >= $2
		 ORDER BY view_count DESC, published_at DESC LIMIT $3`,
		category, since, limit))
}

func (r *ArticleRepo) IncrementViewCount(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE articles SET view_count = view_count + 1 WHERE id = $1`, id)
	return err
}

func (r *ArticleRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM articles WHERE published_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- crawl logs ----

type CrawlLogRepo struct{ db *sql.DB }

func (r *CrawlLogRepo) Insert(ctx context.Context, l domain.CrawlLog) (domain.CrawlLog, error) {
	row := r.db.QueryRowContext(ctx,
		`INSERT INTO crawl_logs (source_id, status, articles_found, articles_saved, error_message, duration_ms, crawled_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		l.SourceID, string(l.Status), l.ArticlesFound, l.ArticlesSaved,
		l.ErrorMessage, l.Duration.Milliseconds(), l.CrawledAt)
	err := row.Scan(&l.ID)
	return l, err
}

// ---- subscribers ----

type SubscriberRepo struct{ db *sql.DB }

const subscriberCols = `id, email, full_name, is_active, email_verified, digest_enabled, digest_frequency, categories, last_digest_sent_at`

func (r *SubscriberRepo) FindByID(ctx context.Context, id string) (domain.Subscriber, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+subscriberCols+` FROM subscribers WHERE id = $1`, id)
	s, err := scanSubscriber(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Subscriber{}, domain.ErrNotFound
	}
	return s, err
}

func (r *SubscriberRepo) FindDigestCandidates(ctx context.Context) ([]domain.Subscriber, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+subscriberCols+` FROM subscribers
		 WHERE digest_enabled = true AND email_verified = true AND is_active = true`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Subscriber
	for rows.Next() {
		s, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *SubscriberRepo) MarkDigestSent(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE subscribers SET last_digest_sent_at = $2 WHERE id = $1`, id, at)
	return err
}

// ---- digest logs ----

type DigestLogRepo struct{ db *sql.DB }

func (r *DigestLogRepo) Insert(ctx context.Context, l domain.DigestLog) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO digest_logs (subscriber_id, status, recipient_email, articles_count, error_message, sent_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		l.SubscriberID, string(l.Status), l.Recipient, l.ArticlesCount, l.ErrorMessage, l.SentAt)
	return err
}

// ---- scan helpers ----

type rowScanner interface{ Scan(dest ...any) error }

func scanSource(row rowScanner) (domain.Source, error) {
	var s domain.Source
	var lastCrawled sql.NullTime
	var status string
	if err := row.Scan(&s.ID, &s.CreatedAt, &s.Name, &s.URL, &s.WebsiteURL,
		&s.Category, &s.Active, &lastCrawled, &status, &s.ErrorMessage); err != nil {
		return domain.Source{}, err
	}
	if lastCrawled.Valid {
		t := lastCrawled.Time
		s.LastCrawledAt = &t
	}
	s.CrawlStatus = domain.CrawlStatus(status)
	return s, nil
}

func scanSources(rows *sql.Rows, err error) ([]domain.Source, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanArticle(row rowScanner) (domain.Article, error) {
	var a domain.Article
	var content, thumbnail, author sql.NullString
	if err := row.Scan(&a.ID, &a.CreatedAt, &a.SourceID, &a.Title, &a.URL, &a.GUID,
		&a.Description, &content, &thumbnail, &author, &a.Category,
		&a.PublishedAt, &a.Scraped, &a.ViewCount); err != nil {
		return domain.Article{}, err
	}
	if content.Valid {
		a.Content = &content.String
	}
	if thumbnail.Valid {
		a.ThumbnailURL = &thumbnail.String
	}
	if author.Valid {
		a.Author = &author.String
	}
	return a, nil
}

func scanArticles(rows *sql.Rows, err error) ([]domain.Article, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanSubscriber(row rowScanner) (domain.Subscriber, error) {
	var s domain.Subscriber
	var freq string
	var lastSent sql.NullTime
	if err := row.Scan(&s.ID, &s.Email, &s.FullName, &s.Active, &s.EmailVerified,
		&s.DigestEnabled, &freq, pq.Array(&s.Categories), &lastSent); err != nil {
		return domain.Subscriber{}, err
	}
	s.DigestFrequency = domain.DigestFrequency(freq)
	if lastSent.Valid {
		t := lastSent.Time
		s.LastDigestSentAt = &t
	}
	return s, nil
}
