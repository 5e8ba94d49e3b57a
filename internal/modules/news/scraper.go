package news

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"gopkg.in/yaml.v3"
)

// Scraper fetches articles from one source. Scrapers are independent: a
// failing scraper must not prevent the others from running.
type Scraper interface {
	Name() string
	Category() string
	UpdateInterval() time.Duration
	Scrape(ctx context.Context) ([]Article, error)
}

const defaultScrapeInterval = 6 * time.Hour

// htmlScraper extracts article links from a listing page with a CSS
// selector. The link href doubles as the upstream article id.
type htmlScraper struct {
	name     string
	category string
	pageURL  string
	selector string
	interval time.Duration
	client   *http.Client
}

func (s *htmlScraper) Name() string                  { return s.name }
func (s *htmlScraper) Category() string              { return s.category }
func (s *htmlScraper) UpdateInterval() time.Duration { return s.interval }

func (s *htmlScraper) Scrape(ctx context.Context) ([]Article, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.pageURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", s.pageURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", s.pageURL, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.pageURL, err)
	}
	base, err := url.Parse(s.pageURL)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	seen := make(map[string]bool)
	var out []Article
	doc.Find(s.selector).Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		link, err := base.Parse(href)
		if err != nil {
			return
		}
		title := strings.Join(strings.Fields(sel.Text()), " ")
		abs := link.String()
		if title == "" || seen[abs] {
			return
		}
		seen[abs] = true
		out = append(out, Article{
			Source:    s.name,
			Category:  s.category,
			NewsID:    abs,
			Title:     title,
			URL:       abs,
			Published: now,
		})
	})
	return out, nil
}

// rssScraper wraps a single feed URL for plug-in sources that publish RSS.
type rssScraper struct {
	name     string
	category string
	feedURL  string
	interval time.Duration
	parser   *gofeed.Parser
}

func (s *rssScraper) Name() string                  { return s.name }
func (s *rssScraper) Category() string              { return s.category }
func (s *rssScraper) UpdateInterval() time.Duration { return s.interval }

func (s *rssScraper) Scrape(ctx context.Context) ([]Article, error) {
	feed, err := s.parser.ParseURLWithContext(s.feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch feed %s: %w", s.feedURL, err)
	}
	return feedArticles(s.name, s.category, feed), nil
}

func feedArticles(source, category string, feed *gofeed.Feed) []Article {
	out := make([]Article, 0, len(feed.Items))
	for _, item := range feed.Items {
		published := time.Now()
		if item.PublishedParsed != nil {
			published = *item.PublishedParsed
		}
		id := item.GUID
		if id == "" {
			id = item.Link
		}
		var author string
		if len(item.Authors) > 0 {
			author = item.Authors[0].Name
		}
		out = append(out, Article{
			Source:    source,
			Category:  category,
			NewsID:    id,
			Author:    author,
			Title:     item.Title,
			Summary:   item.Description,
			URL:       item.Link,
			Published: published,
		})
	}
	return out
}

// builtinScrapers are the sources shipped with the provider.
func builtinScrapers(client *http.Client) []Scraper {
	return []Scraper{
		&htmlScraper{
			name:     "kyutai",
			category: "ai",
			pageURL:  "https://kyutai.org/blog",
			selector: `a[href^="/blog/"]`,
			interval: defaultScrapeInterval,
			client:   client,
		},
		&htmlScraper{
			name:     "mistral",
			category: "ai",
			pageURL:  "https://mistral.ai/news",
			selector: `a[href^="/news/"]`,
			interval: defaultScrapeInterval,
			client:   client,
		},
	}
}

// scraperSpec is the on-disk shape of a plug-in scraper declaration.
type scraperSpec struct {
	Name                string `yaml:"name"`
	Category            string `yaml:"category"`
	Kind                string `yaml:"kind"`
	URL                 string `yaml:"url"`
	Selector            string `yaml:"selector"`
	UpdateIntervalHours int    `yaml:"update_interval_hours"`
}

func (spec scraperSpec) build(client *http.Client) (Scraper, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("scraper declaration missing name")
	}
	if spec.URL == "" {
		return nil, fmt.Errorf("scraper %q missing url", spec.Name)
	}
	interval := defaultScrapeInterval
	if spec.UpdateIntervalHours > 0 {
		interval = time.Duration(spec.UpdateIntervalHours) * time.Hour
	}
	switch spec.Kind {
	case "rss":
		parser := gofeed.NewParser()
		parser.Client = client
		return &rssScraper{
			name:     spec.Name,
			category: spec.Category,
			feedURL:  spec.URL,
			interval: interval,
			parser:   parser,
		}, nil
	case "", "html":
		if spec.Selector == "" {
			return nil, fmt.Errorf("scraper %q missing selector", spec.Name)
		}
		return &htmlScraper{
			name:     spec.Name,
			category: spec.Category,
			pageURL:  spec.URL,
			selector: spec.Selector,
			interval: interval,
			client:   client,
		}, nil
	default:
		return nil, fmt.Errorf("scraper %q has unknown kind %q", spec.Name, spec.Kind)
	}
}

// LoadScraperPlugins reads every scraper declaration under dir. Invalid
// declarations are returned as errors alongside the scrapers that did load.
func LoadScraperPlugins(dir string, client *http.Client) ([]Scraper, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []error{err}
	}

	var scrapers []Scraper
	var errs []error
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		var spec scraperSpec
		decoder := yaml.NewDecoder(strings.NewReader(string(data)))
		decoder.KnownFields(true)
		if err := decoder.Decode(&spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		scraper, err := spec.build(client)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		scrapers = append(scrapers, scraper)
	}
	sort.Slice(scrapers, func(i, j int) bool { return scrapers[i].Name() < scrapers[j].Name() })
	return scrapers, errs
}
