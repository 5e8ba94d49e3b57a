// Package news implements the news capability: articles collected from RSS
// feeds and HTML scrapers, cached locally with read / to-read flags.
package news

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Article is one row of the news table. NewsID is the upstream identifier
// (RSS guid or scraped URL) and deduplicates re-fetches per source.
type Article struct {
	ID        int64     `json:"id"`
	Source    string    `json:"source"`
	Category  string    `json:"category"`
	NewsID    string    `json:"news_id"`
	Author    string    `json:"author,omitempty"`
	Read      bool      `json:"read"`
	ToRead    bool      `json:"to_read"`
	Title     string    `json:"title"`
	Summary   string    `json:"summary,omitempty"`
	URL       string    `json:"url"`
	Published time.Time `json:"datetime"`
}

// Store persists articles in the provider's cache database.
type Store struct {
	db *sql.DB
}

// NewStore prepares the news schema.
func NewStore(db *sql.DB) (*Store, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS news (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			news_id TEXT NOT NULL,
			author TEXT NOT NULL DEFAULT '',
			read INTEGER NOT NULL DEFAULT 0,
			to_read INTEGER NOT NULL DEFAULT 0,
			title TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL,
			datetime TIMESTAMP NOT NULL,
			UNIQUE (source, news_id)
		)`)
	if err != nil {
		return nil, fmt.Errorf("create news table: %w", err)
	}
	return &Store{db: db}, nil
}

// Upsert inserts an article unless the (source, news_id) pair is already
// known, preserving the read flags of existing rows. Returns true when the
// article was new.
func (s *Store) Upsert(ctx context.Context, a Article) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO news (source, category, news_id, author, title, summary, url, datetime)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Source, a.Category, a.NewsID, a.Author, a.Title, a.Summary, a.URL, a.Published.UTC())
	if err != nil {
		return false, fmt.Errorf("insert article: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Unread returns unread articles, newest first.
func (s *Store) Unread(ctx context.Context) ([]Article, error) {
	return s.query(ctx, `WHERE read = 0 ORDER BY datetime DESC`)
}

// ToRead returns articles flagged for later reading, newest first.
func (s *Store) ToRead(ctx context.Context) ([]Article, error) {
	return s.query(ctx, `WHERE to_read = 1 ORDER BY datetime DESC`)
}

func (s *Store) query(ctx context.Context, tail string, args ...any) ([]Article, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, category, news_id, author, read, to_read, title, summary, url, datetime
		FROM news `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("query news: %w", err)
	}
	defer rows.Close()

	var out []Article
	for rows.Next() {
		var a Article
		var read, toRead int
		err := rows.Scan(&a.ID, &a.Source, &a.Category, &a.NewsID, &a.Author,
			&read, &toRead, &a.Title, &a.Summary, &a.URL, &a.Published)
		if err != nil {
			return nil, fmt.Errorf("scan article: %w", err)
		}
		a.Read = read != 0
		a.ToRead = toRead != 0
		a.Published = a.Published.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkRead sets the read flag; id 0 marks every article read.
func (s *Store) MarkRead(ctx context.Context, id int64) error {
	var err error
	if id == 0 {
		_, err = s.db.ExecContext(ctx, `UPDATE news SET read = 1`)
	} else {
		_, err = s.db.ExecContext(ctx, `UPDATE news SET read = 1 WHERE id = ?`, id)
	}
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// SetToRead flags or unflags an article for later reading.
func (s *Store) SetToRead(ctx context.Context, id int64, toRead bool) error {
	flag := 0
	if toRead {
		flag = 1
	}
	_, err := s.db.ExecContext(ctx, `UPDATE news SET to_read = ? WHERE id = ?`, flag, id)
	if err != nil {
		return fmt.Errorf("set to_read: %w", err)
	}
	return nil
}

// CountUnread returns the number of unread articles.
func (s *Store) CountUnread(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM news WHERE read = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}
