// Package gpodder implements the podcast capability backed by a GPodder
// synchronization server. Subscriptions and episode state are mirrored into a
// local cache on a fixed sync cycle.
package gpodder

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/tom-assistant/tom/internal/modules"
	"github.com/tom-assistant/tom/internal/observability"
	"github.com/tom-assistant/tom/internal/storage"
)

// Episode status values.
const (
	StatusUnplayed   = "unplayed"
	StatusDownloaded = "downloaded"
	StatusPlayed     = "played"
)

const (
	// Episodes published longer ago than this are not mirrored.
	maxEpisodeAge = 5 * 30 * 24 * time.Hour
	// Played episodes older than this are purged from the cache.
	playedRetention = 6 * 30 * 24 * time.Hour
)

// Subscription is one podcast feed the user follows.
type Subscription struct {
	ID    int64  `json:"id"`
	Feed  string `json:"feed"`
	Title string `json:"title"`
}

// Episode is one item of a subscription.
type Episode struct {
	ID             int64     `json:"id"`
	SubscriptionID int64     `json:"subscription_id"`
	Title          string    `json:"title"`
	PubDate        time.Time `json:"pub_date"`
	URL            string    `json:"url"`
	Status         string    `json:"status"`
}

// Upstream abstracts the GPodder server.
type Upstream interface {
	Subscriptions(ctx context.Context) ([]Subscription, error)
	Episodes(ctx context.Context, feed string) ([]Episode, error)
	MarkPlayed(ctx context.Context, feed, episodeURL string) error
}

// Module is the podcast capability.
type Module struct {
	modules.Status

	db       *sql.DB
	upstream Upstream
	logger   *observability.Logger
	location *time.Location
	now      func() time.Time

	mu       sync.Mutex
	dispatch map[string]func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// New creates the gpodder module.
func New(db *sql.DB, upstream Upstream, location *time.Location, logger *observability.Logger) (*Module, error) {
	if location == nil {
		location = time.UTC
	}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS subscriptions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			feed TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL
		)`)
	if err != nil {
		return nil, fmt.Errorf("create subscriptions table: %w", err)
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS episodes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			subscription_id INTEGER NOT NULL REFERENCES subscriptions(id),
			title TEXT NOT NULL,
			pub_date TIMESTAMP NOT NULL,
			url TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL DEFAULT 'unplayed'
		)`)
	if err != nil {
		return nil, fmt.Errorf("create episodes table: %w", err)
	}

	m := &Module{
		db:       db,
		upstream: upstream,
		logger:   logger,
		location: location,
		now:      time.Now,
	}
	m.dispatch = map[string]func(ctx context.Context, args json.RawMessage) (json.RawMessage, error){
		"list_podcasts":         m.listPodcasts,
		"list_unheard_episodes": m.listUnheard,
		"mark_episode_played":   m.markPlayed,
	}
	return m, nil
}

func init() {
	modules.Register("gpodder", func(env modules.Env) (modules.Module, error) {
		db, err := storage.Open(filepath.Join(env.DataDir, "gpodder.sqlite"))
		if err != nil {
			return nil, err
		}
		return New(db, nil, time.UTC, env.Logger)
	})
}

func (m *Module) Name() string     { return "gpodder" }
func (m *Module) Complexity() int  { return modules.ComplexityLow }
func (m *Module) IsPersonal() bool { return true }

func (m *Module) Describe() string {
	return "List the user's podcast subscriptions and unheard episodes, and mark episodes as played."
}

func (m *Module) SystemContext() string {
	return "Episodes are identified by their numeric id."
}

// RefreshInterval is the full-sync cycle against the GPodder server.
func (m *Module) RefreshInterval() time.Duration { return 15 * time.Minute }

// Refresh mirrors subscriptions and their episodes. Episodes published more
// than five months ago are skipped; played episodes older than six months are
// purged.
func (m *Module) Refresh(ctx context.Context) error {
	if m.upstream == nil {
		return nil
	}
	subs, err := m.upstream.Subscriptions(ctx)
	if err != nil {
		return fmt.Errorf("fetch subscriptions: %w", err)
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range subs {
		subID, err := m.upsertSubscription(ctx, sub)
		if err != nil {
			return err
		}
		episodes, err := m.upstream.Episodes(ctx, sub.Feed)
		if err != nil {
			m.logger.Warn(ctx, "episode sync failed", "feed", sub.Feed, "error", err)
			continue
		}
		for _, episode := range episodes {
			if now.Sub(episode.PubDate) > maxEpisodeAge {
				continue
			}
			if err := m.upsertEpisode(ctx, subID, episode); err != nil {
				return err
			}
		}
	}

	_, err = m.db.ExecContext(ctx,
		`DELETE FROM episodes WHERE status = ? AND pub_date < ?`,
		StatusPlayed, now.Add(-playedRetention).UTC())
	if err != nil {
		return fmt.Errorf("purge played episodes: %w", err)
	}
	return m.updateStatus(ctx)
}

func (m *Module) upsertSubscription(ctx context.Context, sub Subscription) (int64, error) {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO subscriptions (feed, title) VALUES (?, ?)
		ON CONFLICT (feed) DO UPDATE SET title = excluded.title`,
		sub.Feed, sub.Title)
	if err != nil {
		return 0, fmt.Errorf("upsert subscription %s: %w", sub.Feed, err)
	}
	var id int64
	err = m.db.QueryRowContext(ctx, `SELECT id FROM subscriptions WHERE feed = ?`, sub.Feed).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// upsertEpisode inserts new episodes and follows upstream status transitions,
// but never reverts a locally played episode to unplayed.
func (m *Module) upsertEpisode(ctx context.Context, subID int64, episode Episode) error {
	status := episode.Status
	if status == "" {
		status = StatusUnplayed
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO episodes (subscription_id, title, pub_date, url, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (url) DO UPDATE SET status = excluded.status
		WHERE episodes.status != 'played' OR excluded.status = 'played'`,
		subID, episode.Title, episode.PubDate.UTC(), episode.URL, status)
	if err != nil {
		return fmt.Errorf("upsert episode %s: %w", episode.URL, err)
	}
	return nil
}

type markPlayedArgs struct {
	EpisodeID int64 `json:"episode_id" jsonschema:"description=Id of the episode to mark as played"`
}

func (m *Module) Tools() []modules.ToolSpec {
	return []modules.ToolSpec{
		{
			Name:        "list_podcasts",
			Description: "List the podcasts the user subscribes to",
			Parameters:  modules.EmptySchema(),
			Strict:      true,
		},
		{
			Name:        "list_unheard_episodes",
			Description: "List the episodes not played yet, newest first",
			Parameters:  modules.EmptySchema(),
			Strict:      true,
		},
		{
			Name:        "mark_episode_played",
			Description: "Mark an episode as played",
			Parameters:  modules.SchemaFor[markPlayedArgs](),
			Strict:      true,
		},
	}
}

func (m *Module) Invoke(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
	fn, ok := m.dispatch[tool]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", tool)
	}
	return fn(ctx, args)
}

func (m *Module) listPodcasts(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id, feed, title FROM subscriptions ORDER BY title`)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	out := make([]Subscription, 0)
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.ID, &sub.Feed, &sub.Title); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return modules.Marshal(map[string]any{"podcasts": out}), nil
}

func (m *Module) listUnheard(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT e.id, s.title, e.title, e.pub_date, e.url
		FROM episodes e JOIN subscriptions s ON s.id = e.subscription_id
		WHERE e.status != ? ORDER BY e.pub_date DESC`, StatusPlayed)
	if err != nil {
		return nil, fmt.Errorf("query episodes: %w", err)
	}
	defer rows.Close()

	type entry struct {
		ID      int64  `json:"id"`
		Podcast string `json:"podcast"`
		Title   string `json:"title"`
		PubDate string `json:"pub_date"`
		URL     string `json:"url"`
	}
	out := make([]entry, 0)
	for rows.Next() {
		var e entry
		var pubDate time.Time
		if err := rows.Scan(&e.ID, &e.Podcast, &e.Title, &pubDate, &e.URL); err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		e.PubDate = pubDate.In(m.location).Format("2006-01-02 15:04:05")
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return modules.Marshal(map[string]any{"episodes": out}), nil
}

func (m *Module) markPlayed(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in markPlayedArgs
	if err := modules.DecodeArgs(args, &in); err != nil {
		return modules.ErrorResult(err.Error()), nil
	}

	var feed, url string
	err := m.db.QueryRowContext(ctx, `
		SELECT s.feed, e.url FROM episodes e
		JOIN subscriptions s ON s.id = e.subscription_id
		WHERE e.id = ?`, in.EpisodeID).Scan(&feed, &url)
	if err == sql.ErrNoRows {
		return modules.ErrorResult(fmt.Sprintf("no episode with id %d", in.EpisodeID)), nil
	}
	if err != nil {
		return nil, err
	}

	// Upstream first so other devices observe the played state too.
	if m.upstream != nil {
		if err := m.upstream.MarkPlayed(ctx, feed, url); err != nil {
			return modules.ErrorResult("upstream rejected the update: " + err.Error()), nil
		}
	}
	if _, err := m.db.ExecContext(ctx,
		`UPDATE episodes SET status = ? WHERE id = ?`, StatusPlayed, in.EpisodeID); err != nil {
		return nil, fmt.Errorf("mark played: %w", err)
	}
	if err := m.updateStatus(ctx); err != nil {
		m.logger.Warn(ctx, "status refresh failed", "error", err)
	}
	return modules.SuccessResult(""), nil
}

func (m *Module) updateStatus(ctx context.Context) error {
	var n int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM episodes WHERE status != ?`, StatusPlayed).Scan(&n)
	if err != nil {
		return fmt.Errorf("count unheard: %w", err)
	}
	if n == 0 {
		m.Clear()
		return nil
	}
	m.Set(fmt.Sprintf("%d unheard episode(s)", n))
	return nil
}
