// Package rss ingests monitored RSS/Atom feeds into the post queue.
package rss

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/bryan-buckman/newsrelay/internal/database"
	"github.com/bryan-buckman/newsrelay/internal/logging"
	"github.com/bryan-buckman/newsrelay/internal/model"
	"github.com/mmcdole/gofeed"
)

// Concurrency settings
const (
	// MaxConcurrencyPostgres is the number of parallel fetches for PostgreSQL
	MaxConcurrencyPostgres = 10
	// MaxConcurrencySQLite is the number of parallel fetches for SQLite (limited due to locking)
	MaxConcurrencySQLite = 1
	// MaxConcurrencyPerDomain limits parallel requests to any single domain
	MaxConcurrencyPerDomain = 2
	// DelayBetweenDomainRequests is the minimum delay between requests to the same domain
	DelayBetweenDomainRequests = 500 * time.Millisecond
)

// maxErrorLen caps the error text stored on a source.
const maxErrorLen = 200

// domainLimiter controls rate limiting per domain to avoid overwhelming hosts.
type domainLimiter struct {
	mu          sync.Mutex
	semaphores  map[string]chan struct{}
	lastRequest map[string]time.Time
}

func newDomainLimiter() *domainLimiter {
	return &domainLimiter{
		semaphores:  make(map[string]chan struct{}),
		lastRequest: make(map[string]time.Time),
	}
}

// acquire gets a slot for the domain, blocking if necessary.
// It also enforces the minimum delay between requests to the same domain.
func (dl *domainLimiter) acquire(ctx context.Context, domain string) error {
	dl.mu.Lock()
	sem, ok := dl.semaphores[domain]
	if !ok {
		sem = make(chan struct{}, MaxConcurrencyPerDomain)
		dl.semaphores[domain] = sem
	}
	dl.mu.Unlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	dl.mu.Lock()
	lastReq := dl.lastRequest[domain]
	dl.mu.Unlock()

	if lastReq.IsZero() {
		return nil
	}
	if wait := DelayBetweenDomainRequests - time.Since(lastReq); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			<-sem
			return ctx.Err()
		}
	}
	return nil
}

// release returns a slot for the domain and records the request time.
func (dl *domainLimiter) release(domain string) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.lastRequest[domain] = time.Now()
	if sem, ok := dl.semaphores[domain]; ok {
		<-sem
	}
}

func extractDomain(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil {
		return feedURL
	}
	return u.Host
}

// Fetcher polls feed sources and enqueues unseen items as posts.
type Fetcher struct {
	db            database.Store
	parser        *gofeed.Parser
	concurrency   int
	domainLimiter *domainLimiter
	logger        *logging.Logger
}

// NewFetcher creates a new fetcher with concurrency based on database type.
func NewFetcher(db database.Store, logger *logging.Logger) *Fetcher {
	concurrency := MaxConcurrencySQLite
	if db.SupportsHighConcurrency() {
		concurrency = MaxConcurrencyPostgres
	}
	return &Fetcher{
		db:            db,
		parser:        gofeed.NewParser(),
		concurrency:   concurrency,
		domainLimiter: newDomainLimiter(),
		logger:        logger.WithComponent("rss"),
	}
}

// FetchSource fetches one feed and enqueues items not seen before.
// Returns the number of posts enqueued.
func (f *Fetcher) FetchSource(ctx context.Context, src model.Source) (int, error) {
	domain := extractDomain(src.Ref)
	if err := f.domainLimiter.acquire(ctx, domain); err != nil {
		return 0, fmt.Errorf("rate limit cancelled for %s: %w", src.Ref, err)
	}
	defer f.domainLimiter.release(domain)

	parsed, err := f.parser.ParseURLWithContext(src.Ref, ctx)
	if err != nil {
		errMsg := err.Error()
		if len(errMsg) > maxErrorLen {
			errMsg = errMsg[:maxErrorLen]
		}
		_ = f.db.UpdateSourceError(src.ID, errMsg)
		return 0, fmt.Errorf("parse feed %s: %w", src.Ref, err)
	}

	if parsed.Title != "" && parsed.Title != src.Title && (src.Title == "" || src.Title == src.Ref) {
		if err := f.db.UpdateSourceTitle(src.ID, parsed.Title); err != nil {
			f.logger.Warn("title update failed", "source_id", src.ID, "error", err)
		}
	}

	newCount := 0
	for _, item := range parsed.Items {
		guid := item.GUID
		if guid == "" {
			guid = item.Link
		}
		if guid == "" {
			continue
		}
		seen, err := f.db.Seen(src.ID, guid)
		if err != nil {
			f.logger.Error("seen lookup failed", "source_id", src.ID, "guid", guid, "error", err)
			continue
		}
		if seen {
			continue
		}
		text := ItemText(item)
		if text == "" {
			continue
		}
		// Recorded only after the post is stored, so a failed enqueue is
		// retried on the next poll.
		id, err := f.db.Enqueue(src.Ref, text)
		if err != nil {
			f.logger.Error("enqueue failed", "source_id", src.ID, "guid", guid, "error", err)
			continue
		}
		if _, err := f.db.MarkSeen(src.ID, guid); err != nil {
			f.logger.Error("mark seen failed", "source_id", src.ID, "guid", guid, "error", err)
		}
		f.logger.Debug("feed item enqueued", "source_id", src.ID, "post_id", id)
		newCount++
	}

	if err := f.db.UpdateSourceLastFetched(src.ID, time.Now()); err != nil {
		f.logger.Warn("last_fetched update failed", "source_id", src.ID, "error", err)
	}
	return newCount, nil
}

// ItemText renders a feed item as post text: title, plain-text body, link.
func ItemText(item *gofeed.Item) string {
	body := item.Description
	if body == "" {
		body = item.Content
	}
	parts := make([]string, 0, 3)
	for _, p := range []string{strings.TrimSpace(item.Title), htmlToText(body), strings.TrimSpace(item.Link)} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n\n")
}

// htmlToText strips markup from a feed body.
func htmlToText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || !strings.Contains(s, "<") {
		return s
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	doc.Find("script, style").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p").Each(func(_ int, p *goquery.Selection) {
		p.AppendHtml("\n")
	})
	lines := strings.Split(doc.Text(), "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

// FetchResult holds the result of fetching a single source.
type FetchResult struct {
	SourceID int64
	NewPosts int
	Error    error
}

// FetchAll fetches every feed source with configurable concurrency.
// Uses parallel workers for PostgreSQL, sequential for SQLite.
// Returns a map of source ID -> enqueued post count.
func (f *Fetcher) FetchAll(ctx context.Context) (map[int64]int, error) {
	sources, err := f.db.GetSourcesByKind(model.SourceFeed)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return make(map[int64]int), nil
	}

	f.logger.Info("fetching feeds", "count", len(sources), "concurrency", f.concurrency)
	if f.concurrency <= 1 {
		return f.fetchSequential(ctx, sources)
	}
	return f.fetchParallel(ctx, sources)
}

func (f *Fetcher) fetchSequential(ctx context.Context, sources []model.Source) (map[int64]int, error) {
	results := make(map[int64]int)

	for i, src := range sources {
		select {
		case <-ctx.Done():
			f.logger.Warn("fetch cancelled", "done", i, "total", len(sources))
			return results, ctx.Err()
		default:
		}

		count, err := f.FetchSource(ctx, src)
		if err != nil {
			f.logger.Warn("fetch failed", "source", src.Ref, "error", err)
			continue
		}
		results[src.ID] = count
	}
	return results, nil
}

func (f *Fetcher) fetchParallel(ctx context.Context, sources []model.Source) (map[int64]int, error) {
	var wg sync.WaitGroup

	results := make(map[int64]int)
	srcChan := make(chan model.Source, len(sources))
	resultChan := make(chan FetchResult, len(sources))

	for i := 0; i < f.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for src := range srcChan {
				if ctx.Err() != nil {
					return
				}
				count, err := f.FetchSource(ctx, src)
				resultChan <- FetchResult{SourceID: src.ID, NewPosts: count, Error: err}
			}
		}()
	}

	for _, src := range sources {
		srcChan <- src
	}
	close(srcChan)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	for result := range resultChan {
		if result.Error != nil {
			f.logger.Warn("fetch failed", "source_id", result.SourceID, "error", result.Error)
			continue
		}
		results[result.SourceID] = result.NewPosts
	}
	return results, ctx.Err()
}

// Poller runs continuous polling while monitoring is enabled.
type Poller struct {
	fetcher  *Fetcher
	db       database.Store
	logger   *logging.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPoller creates a background poller around fetcher.
func NewPoller(db database.Store, fetcher *Fetcher) *Poller {
	return &Poller{
		fetcher:  fetcher,
		db:       db,
		logger:   fetcher.logger,
		stopChan: make(chan struct{}),
	}
}

// Start begins the polling loop.
func (p *Poller) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			interval, _ := p.db.GetPollingInterval()
			if interval < database.MinPollingIntervalMinutes {
				interval = database.MinPollingIntervalMinutes
			}
			p.poll()

			select {
			case <-p.stopChan:
				return
			case <-time.After(time.Duration(interval) * time.Minute):
			}
		}
	}()
}

func (p *Poller) poll() {
	enabled, err := p.db.MonitoringEnabled()
	if err != nil {
		p.logger.Error("monitoring flag unavailable", "error", err)
		return
	}
	if !enabled {
		p.logger.Debug("monitoring disabled, skipping feed poll")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	results, err := p.fetcher.FetchAll(ctx)
	if err != nil {
		p.logger.Error("feed poll failed", "error", err)
		return
	}
	total := 0
	for _, c := range results {
		total += c
	}
	p.logger.Info("feed poll complete", "new_posts", total, "feeds", len(results))
}

// Stop stops the poller gracefully.
func (p *Poller) Stop() {
	close(p.stopChan)
	p.wg.Wait()
}
