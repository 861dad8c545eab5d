// Package sources manages the monitored channel and feed list.
package sources

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/bryan-buckman/newsrelay/internal/database"
	"github.com/bryan-buckman/newsrelay/internal/logging"
	"github.com/bryan-buckman/newsrelay/internal/model"
)

// ErrInvalidRef is returned for input that is neither a channel nor a feed URL.
var ErrInvalidRef = errors.New("not a channel username or feed url")

var usernameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{3,31}$`)

// SplitRefs splits free-form input on commas and whitespace and drops
// duplicates, keeping first-seen order.
func SplitRefs(text string) []string {
	fields := strings.Fields(strings.ReplaceAll(text, ",", " "))
	seen := make(map[string]bool, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

// Normalize classifies ref and returns its canonical form: "@name" for
// channels, the URL for feeds. t.me links become channel refs.
func Normalize(ref string) (model.SourceKind, string, error) {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		u, err := url.Parse(ref)
		if err != nil || u.Host == "" {
			return "", "", fmt.Errorf("%q: %w", ref, ErrInvalidRef)
		}
		if host := strings.TrimPrefix(u.Host, "www."); host == "t.me" || host == "telegram.me" {
			return Normalize(strings.Trim(u.Path, "/"))
		}
		return model.SourceFeed, ref, nil
	}
	name := strings.TrimPrefix(ref, "@")
	if !usernameRe.MatchString(name) {
		return "", "", fmt.Errorf("%q: %w", ref, ErrInvalidRef)
	}
	return model.SourceChannel, "@" + strings.ToLower(name), nil
}

// ChangeResult reports what an Add or Remove did, by canonical ref.
type ChangeResult struct {
	Changed   []string
	Unchanged []string
	Invalid   []string
}

// Registry adds, removes and lists sources in the store.
type Registry struct {
	store  database.Store
	logger *logging.Logger
}

// NewRegistry creates a Registry.
func NewRegistry(store database.Store, logger *logging.Logger) *Registry {
	return &Registry{store: store, logger: logger.WithComponent("sources")}
}

// List returns every source.
func (r *Registry) List() ([]model.Source, error) {
	return r.store.GetSources()
}

// Add registers each ref in text. Already known refs are reported unchanged.
func (r *Registry) Add(text string) (ChangeResult, error) {
	var res ChangeResult
	for _, raw := range SplitRefs(text) {
		kind, ref, err := Normalize(raw)
		if err != nil {
			res.Invalid = append(res.Invalid, raw)
			continue
		}
		_, created, err := r.store.GetOrCreateSource(kind, ref, "")
		if err != nil {
			return res, fmt.Errorf("add source %s: %w", ref, err)
		}
		if created {
			r.logger.Info("source added", "kind", kind, "ref", ref)
			res.Changed = append(res.Changed, ref)
		} else {
			res.Unchanged = append(res.Unchanged, ref)
		}
	}
	return res, nil
}

// Remove deletes each ref in text. Unknown refs are reported unchanged.
func (r *Registry) Remove(text string) (ChangeResult, error) {
	var res ChangeResult
	for _, raw := range SplitRefs(text) {
		_, ref, err := Normalize(raw)
		if err != nil {
			res.Invalid = append(res.Invalid, raw)
			continue
		}
		src, err := r.store.GetSourceByRef(ref)
		if errors.Is(err, database.ErrNotFound) {
			res.Unchanged = append(res.Unchanged, ref)
			continue
		}
		if err != nil {
			return res, fmt.Errorf("look up source %s: %w", ref, err)
		}
		if err := r.store.DeleteSource(src.ID); err != nil && !errors.Is(err, database.ErrNotFound) {
			return res, fmt.Errorf("remove source %s: %w", ref, err)
		}
		r.logger.Info("source removed", "ref", ref)
		res.Changed = append(res.Changed, ref)
	}
	return res, nil
}

// MonitoredChannel returns the source for a channel username, or false
// when the channel is not monitored.
func (r *Registry) MonitoredChannel(username string) (*model.Source, bool, error) {
	if username == "" {
		return nil, false, nil
	}
	src, err := r.store.GetSourceByRef("@" + strings.ToLower(strings.TrimPrefix(username, "@")))
	if errors.Is(err, database.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return src, src.Kind == model.SourceChannel, nil
}
