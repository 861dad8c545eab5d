// Package opml imports and exports monitored feed sources as OPML.
package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/bryan-buckman/newsrelay/internal/model"
)

// OPML represents the root of an OPML document.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains OPML metadata.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the outlines.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline is a folder or a feed.
type Outline struct {
	Text     string    `xml:"text,attr"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLURL   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLURL  string    `xml:"htmlUrl,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// FeedEntry is one feed found in a document. Folders are flattened away;
// sources carry no folder structure.
type FeedEntry struct {
	Title string
	URL   string
}

// SourceRegistrar is the slice of the store needed to import feeds.
type SourceRegistrar interface {
	GetOrCreateSource(kind model.SourceKind, ref, title string) (int64, bool, error)
}

// Parse reads an OPML document and returns every feed in it, depth first.
// Entries whose xmlUrl is not an absolute http(s) URL are skipped.
func Parse(r io.Reader) ([]FeedEntry, error) {
	var doc OPML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode opml: %w", err)
	}
	var entries []FeedEntry
	var walk func(outlines []Outline)
	walk = func(outlines []Outline) {
		for _, o := range outlines {
			if o.XMLURL != "" {
				if !validFeedURL(o.XMLURL) {
					continue
				}
				title := o.Title
				if title == "" {
					title = o.Text
				}
				entries = append(entries, FeedEntry{Title: title, URL: strings.TrimSpace(o.XMLURL)})
				continue
			}
			walk(o.Outlines)
		}
	}
	walk(doc.Body.Outlines)
	return entries, nil
}

// Import registers every feed in the document as a source and returns how
// many were new.
func Import(reg SourceRegistrar, r io.Reader) (int, error) {
	entries, err := Parse(r)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, e := range entries {
		_, created, err := reg.GetOrCreateSource(model.SourceFeed, e.URL, e.Title)
		if err != nil {
			return added, fmt.Errorf("add %s: %w", e.URL, err)
		}
		if created {
			added++
		}
	}
	return added, nil
}

// Export renders the feed sources as an OPML document sorted by title.
// Channel sources are not feeds and are left out.
func Export(title string, sources []model.Source) ([]byte, error) {
	doc := OPML{
		Version: "2.0",
		Head: Head{
			Title:       title,
			DateCreated: time.Now().Format(time.RFC1123Z),
		},
	}

	feeds := make([]model.Source, 0, len(sources))
	for _, s := range sources {
		if s.Kind == model.SourceFeed {
			feeds = append(feeds, s)
		}
	}
	sort.SliceStable(feeds, func(i, j int) bool {
		return strings.ToLower(displayTitle(feeds[i])) < strings.ToLower(displayTitle(feeds[j]))
	})

	for _, s := range feeds {
		t := displayTitle(s)
		doc.Body.Outlines = append(doc.Body.Outlines, Outline{
			Text:   t,
			Title:  t,
			Type:   "rss",
			XMLURL: s.Ref,
		})
	}

	output, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), output...), nil
}

func displayTitle(s model.Source) string {
	if s.Title != "" {
		return s.Title
	}
	return s.Ref
}

func validFeedURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
