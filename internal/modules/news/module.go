package news

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mmcdole/gofeed"

	"github.com/tom-assistant/tom/internal/modules"
	"github.com/tom-assistant/tom/internal/observability"
	"github.com/tom-assistant/tom/internal/ratelimit"
	"github.com/tom-assistant/tom/internal/storage"
)

// Options configures the news module.
type Options struct {
	Store     *Store
	Feeds     []string // RSS feed URLs refreshed on every cycle
	PluginDir string   // directory scanned for scraper declarations
	Client    *http.Client
	Logger    *observability.Logger
}

// Module is the news capability.
type Module struct {
	modules.Status

	store     *Store
	feeds     []string
	pluginDir string
	client    *http.Client
	parser    *gofeed.Parser
	logger    *observability.Logger
	limiter   *ratelimit.IntervalLimiter

	mu       sync.Mutex
	builtin  []Scraper
	plugins  []Scraper
	dispatch map[string]func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// New creates the news module and performs the initial plug-in scan.
func New(opts Options) *Module {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	parser := gofeed.NewParser()
	parser.Client = client

	m := &Module{
		store:     opts.Store,
		feeds:     opts.Feeds,
		pluginDir: opts.PluginDir,
		client:    client,
		parser:    parser,
		logger:    opts.Logger,
		limiter:   ratelimit.NewIntervalLimiter(defaultScrapeInterval),
		builtin:   builtinScrapers(client),
	}
	m.dispatch = map[string]func(ctx context.Context, args json.RawMessage) (json.RawMessage, error){
		"list_unread_news":  m.listUnread,
		"list_to_read_news": m.listToRead,
		"mark_news_as_read": m.markRead,
		"mark_news_to_read": m.markToRead,
	}
	m.reloadPlugins(context.Background())
	return m
}

func init() {
	modules.Register("news", func(env modules.Env) (modules.Module, error) {
		db, err := storage.Open(filepath.Join(env.DataDir, "news.sqlite"))
		if err != nil {
			return nil, err
		}
		store, err := NewStore(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		return New(Options{
			Store:     store,
			PluginDir: filepath.Join(env.DataDir, "scrapers"),
			Logger:    env.Logger,
		}), nil
	})
}

func (m *Module) Name() string     { return "news" }
func (m *Module) Complexity() int  { return modules.ComplexityLow }
func (m *Module) IsPersonal() bool { return false }

func (m *Module) Describe() string {
	return "Read and triage collected news articles from RSS feeds and scraped sources."
}

func (m *Module) SystemContext() string {
	return "Articles are identified by their numeric id; omit the id to act on every article."
}

type markReadArgs struct {
	NewsID int64 `json:"news_id,omitempty" jsonschema:"description=Id of the article to mark read. Omit to mark every article read"`
}

type markToReadArgs struct {
	NewsID int64 `json:"news_id" jsonschema:"description=Id of the article to keep for later reading"`
	ToRead *bool `json:"to_read,omitempty" jsonschema:"description=Set false to remove the flag. Defaults to true"`
}

func (m *Module) Tools() []modules.ToolSpec {
	return []modules.ToolSpec{
		{
			Name:        "list_unread_news",
			Description: "List unread news articles, newest first",
			Parameters:  modules.EmptySchema(),
			Strict:      true,
		},
		{
			Name:        "list_to_read_news",
			Description: "List the articles flagged for later reading",
			Parameters:  modules.EmptySchema(),
			Strict:      true,
		},
		{
			Name:        "mark_news_as_read",
			Description: "Mark one article, or all articles, as read",
			Parameters:  modules.SchemaFor[markReadArgs](),
			Strict:      true,
		},
		{
			Name:        "mark_news_to_read",
			Description: "Flag an article to be read later",
			Parameters:  modules.SchemaFor[markToReadArgs](),
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

// RefreshInterval drives the RSS cycle; scrapers piggyback on the same loop
// but keep their own, much longer, minimum intervals.
func (m *Module) RefreshInterval() time.Duration { return 5 * time.Minute }

// Refresh pulls every RSS feed and any scraper whose minimum interval has
// elapsed. Sources are isolated: a failing source is logged and skipped.
func (m *Module) Refresh(ctx context.Context) error {
	for _, feedURL := range m.feeds {
		feed, err := m.parser.ParseURLWithContext(feedURL, ctx)
		if err != nil {
			m.logger.Warn(ctx, "feed refresh failed", "feed", feedURL, "error", err)
			continue
		}
		m.ingest(ctx, feedArticles("rss", "", feed))
	}

	for _, scraper := range m.scrapers() {
		if !m.limiter.AllowInterval(scraper.Name(), scraper.UpdateInterval()) {
			continue
		}
		articles, err := scraper.Scrape(ctx)
		if err != nil {
			m.logger.Warn(ctx, "scraper failed", "scraper", scraper.Name(), "error", err)
			continue
		}
		m.ingest(ctx, articles)
	}

	return m.updateStatus(ctx)
}

func (m *Module) ingest(ctx context.Context, articles []Article) {
	for _, article := range articles {
		if _, err := m.store.Upsert(ctx, article); err != nil {
			m.logger.Warn(ctx, "article insert failed", "source", article.Source, "error", err)
		}
	}
}

func (m *Module) scrapers() []Scraper {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Scraper, 0, len(m.builtin)+len(m.plugins))
	out = append(out, m.builtin...)
	out = append(out, m.plugins...)
	return out
}

func (m *Module) reloadPlugins(ctx context.Context) {
	if m.pluginDir == "" {
		return
	}
	plugins, errs := LoadScraperPlugins(m.pluginDir, m.client)
	for _, err := range errs {
		m.logger.Warn(ctx, "scraper plug-in rejected", "error", err)
	}
	m.mu.Lock()
	m.plugins = plugins
	m.mu.Unlock()
}

// WatchPlugins rescans the plug-in directory whenever a declaration changes.
// Blocks until ctx is done.
func (m *Module) WatchPlugins(ctx context.Context) error {
	if m.pluginDir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("plug-in watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(m.pluginDir); err != nil {
		return fmt.Errorf("watch %s: %w", m.pluginDir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				m.logger.Info(ctx, "scraper plug-ins changed, rescanning", "event", event.Name)
				m.reloadPlugins(ctx)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn(ctx, "plug-in watcher error", "error", err)
		}
	}
}

func (m *Module) listUnread(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
	articles, err := m.store.Unread(ctx)
	if err != nil {
		return nil, err
	}
	return m.articlesResult(articles), nil
}

func (m *Module) listToRead(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
	articles, err := m.store.ToRead(ctx)
	if err != nil {
		return nil, err
	}
	return m.articlesResult(articles), nil
}

func (m *Module) articlesResult(articles []Article) json.RawMessage {
	type entry struct {
		ID       int64  `json:"id"`
		Source   string `json:"source"`
		Category string `json:"category,omitempty"`
		Title    string `json:"title"`
		URL      string `json:"url"`
		Date     string `json:"datetime"`
	}
	out := make([]entry, 0, len(articles))
	for _, a := range articles {
		out = append(out, entry{
			ID:       a.ID,
			Source:   a.Source,
			Category: a.Category,
			Title:    a.Title,
			URL:      a.URL,
			Date:     a.Published.Format("2006-01-02 15:04:05"),
		})
	}
	return modules.Marshal(map[string]any{"news": out})
}

func (m *Module) markRead(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in markReadArgs
	if err := modules.DecodeArgs(args, &in); err != nil {
		return modules.ErrorResult(err.Error()), nil
	}
	if err := m.store.MarkRead(ctx, in.NewsID); err != nil {
		return nil, err
	}
	if err := m.updateStatus(ctx); err != nil {
		m.logger.Warn(ctx, "status refresh failed", "error", err)
	}
	return modules.SuccessResult(""), nil
}

func (m *Module) markToRead(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in markToReadArgs
	if err := modules.DecodeArgs(args, &in); err != nil {
		return modules.ErrorResult(err.Error()), nil
	}
	toRead := true
	if in.ToRead != nil {
		toRead = *in.ToRead
	}
	if err := m.store.SetToRead(ctx, in.NewsID, toRead); err != nil {
		return nil, err
	}
	return modules.SuccessResult(""), nil
}

func (m *Module) updateStatus(ctx context.Context) error {
	n, err := m.store.CountUnread(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		m.Clear()
		return nil
	}
	m.Set(fmt.Sprintf("%d unread news article(s)", n))
	return nil
}
