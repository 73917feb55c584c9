package extract

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/gocolly/colly/v2"

	"github.com/campuskb/campuskb/internal/log"
)

// CrawlConfig bounds a crawl.
type CrawlConfig struct {
	MaxDepth    int // link hops from the start URL; 0 crawls only the start page
	MaxPages    int
	Parallelism int
	Delay       time.Duration
	Timeout     time.Duration
}

// Crawler extracts readable text from a site, staying on the start URL's
// domain and within the configured depth and page budget.
type Crawler struct {
	cfg    CrawlConfig
	logger log.Logger
}

// NewCrawler creates a web crawler.
func NewCrawler(cfg CrawlConfig, logger log.Logger) *Crawler {
	return &Crawler{cfg: cfg, logger: logger}
}

type crawledPage struct {
	url   string
	title string
	text  string
}

// Crawl fetches the start URL and same-domain links up to depth link hops;
// depth <= 0 falls back to the configured maximum. Each page becomes one
// segment with the page URL as its section. Unreachable or unreadable pages
// are reported as errors and skipped. Results are ordered by URL so repeated
// crawls of the same site produce segments in the same order.
func (c *Crawler) Crawl(ctx context.Context, startURL string, depth int) ([]Segment, []error) {
	start, err := url.Parse(startURL)
	if err != nil || start.Hostname() == "" {
		return nil, []error{&Error{Origin: startURL, Location: "url", Err: fmt.Errorf("invalid start URL: %v", err)}}
	}
	if depth <= 0 {
		depth = c.cfg.MaxDepth
	}

	collector := colly.NewCollector(
		// colly counts the start page as depth 1.
		colly.MaxDepth(depth+1),
		colly.AllowedDomains(start.Hostname()),
		colly.Async(true),
	)
	collector.SetRequestTimeout(c.cfg.Timeout)
	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: c.cfg.Parallelism,
		Delay:       c.cfg.Delay,
	}); err != nil {
		return nil, []error{&Error{Origin: startURL, Location: "limits", Err: err}}
	}

	var (
		mu    sync.Mutex
		pages = make(map[string]crawledPage)
		errs  []error
	)

	collector.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		mu.Lock()
		full := len(pages) >= c.cfg.MaxPages
		mu.Unlock()
		if full {
			r.Abort()
		}
	})

	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link := e.Request.AbsoluteURL(e.Attr("href"))
		if link == "" || strings.HasPrefix(link, "mailto:") {
			return
		}
		// Visit errors (already visited, depth or domain filtered) are
		// expected flow control, not crawl failures.
		_ = e.Request.Visit(link)
	})

	collector.OnResponse(func(r *colly.Response) {
		if !strings.Contains(r.Headers.Get("Content-Type"), "text/html") {
			return
		}
		pageURL := normalizeURL(r.Request.URL)

		title, text, err := readableText(r.Body, r.Request.URL)
		if err != nil {
			mu.Lock()
			errs = append(errs, &Error{Origin: startURL, Location: pageURL, Err: err})
			mu.Unlock()
			c.logger.Warn("skipping unreadable page", "url", pageURL, "error", err)
			return
		}
		if text == "" {
			return
		}

		mu.Lock()
		if _, seen := pages[pageURL]; !seen && len(pages) < c.cfg.MaxPages {
			pages[pageURL] = crawledPage{url: pageURL, title: title, text: text}
		}
		mu.Unlock()
	})

	collector.OnError(func(r *colly.Response, err error) {
		mu.Lock()
		errs = append(errs, &Error{Origin: startURL, Location: r.Request.URL.String(), Err: err})
		mu.Unlock()
	})

	if err := collector.Visit(start.String()); err != nil {
		return nil, append(errs, &Error{Origin: startURL, Location: "start", Err: err})
	}
	collector.Wait()

	if len(pages) == 0 {
		return nil, append(errs, &Error{Origin: startURL, Location: "site", Err: ErrNoText})
	}

	urls := make([]string, 0, len(pages))
	for u := range pages {
		urls = append(urls, u)
	}
	sort.Strings(urls)

	segments := make([]Segment, 0, len(pages))
	for _, u := range urls {
		p := pages[u]
		section := p.title
		if section == "" {
			section = displayName(p.url)
		}
		segments = append(segments, Segment{Text: p.text, Section: section})
	}
	return segments, errs
}

// displayName derives a readable section name from a URL for pages without a
// title: the last path elements with separators and extensions stripped,
// falling back to the host for site roots.
func displayName(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return pageURL
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return u.Hostname()
	}
	if i := strings.LastIndex(path, "."); i > strings.LastIndex(path, "/") {
		path = path[:i]
	}
	name := strings.NewReplacer("/", " ", "-", " ", "_", " ").Replace(path)
	return strings.Join(strings.Fields(name), " ")
}

// readableText extracts the main content of an HTML page. Readability strips
// navigation and boilerplate; when it finds nothing (sparse pages, frames) we
// fall back to the raw paragraph text.
func readableText(body []byte, pageURL *url.URL) (title, text string, err error) {
	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err == nil {
		if norm := Normalize(article.TextContent); norm != "" {
			return strings.TrimSpace(article.Title), norm, nil
		}
	}

	doc, qErr := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if qErr != nil {
		if err != nil {
			return "", "", fmt.Errorf("readability: %w", err)
		}
		return "", "", fmt.Errorf("parsing HTML: %w", qErr)
	}

	var parts []string
	doc.Find("p, h1, h2, h3, li").Each(func(_ int, s *goquery.Selection) {
		if t := Normalize(s.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	return strings.TrimSpace(doc.Find("title").First().Text()), strings.Join(parts, " "), nil
}

// normalizeURL canonicalizes a page URL so the same page fetched twice maps
// to one key: fragments dropped, trailing slash trimmed.
func normalizeURL(u *url.URL) string {
	clone := *u
	clone.Fragment = ""
	s := clone.String()
	if strings.HasSuffix(s, "/") && clone.Path != "/" {
		s = strings.TrimSuffix(s, "/")
	}
	return s
}
