// Package model defines shared data structures.
package model

import "time"

// Status is the moderation status of a post.
type Status string

// Post statuses. Declined posts are deleted rather than tagged.
const (
	StatusNew       Status = "new"
	StatusPending   Status = "pending"
	StatusSkipped   Status = "skipped"
	StatusPublished Status = "published"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusPending, StatusSkipped, StatusPublished:
		return true
	}
	return false
}

// Active reports whether a post with this status can be served in a session.
func (s Status) Active() bool {
	return s == StatusNew || s == StatusPending || s == StatusSkipped
}

// Post is one ingested unit of content.
type Post struct {
	ID         int64     `json:"id"`
	SourceID   string    `json:"source_id"`
	RawText    string    `json:"raw_text"`
	StyledText *string   `json:"styled_text,omitempty"` // set only by a successful rewrite
	Status     Status    `json:"status"`
	Notified   bool      `json:"notified"`
	CreatedAt  time.Time `json:"created_at"`
}

// DisplayText returns the rewritten text when present, else the raw text.
func (p *Post) DisplayText() string {
	if p.StyledText != nil && *p.StyledText != "" {
		return *p.StyledText
	}
	return p.RawText
}

// Session is a moderator's cursor over a snapshot of active post ids.
type Session struct {
	ModeratorID  int64   `json:"moderator_id"`
	PostIDs      []int64 `json:"post_ids"`
	CurrentIndex int     `json:"current_index"`
}

// Total returns the snapshot size.
func (s *Session) Total() int {
	return len(s.PostIDs)
}

// Active reports whether the cursor still points into the snapshot.
func (s *Session) Active() bool {
	return s.CurrentIndex < len(s.PostIDs)
}

// Current returns the post id under the cursor.
func (s *Session) Current() (int64, bool) {
	if !s.Active() {
		return 0, false
	}
	return s.PostIDs[s.CurrentIndex], true
}

// StateKind tags what a moderator is doing right now.
type StateKind string

const (
	StateIdle                StateKind = "idle"
	StateServingPost         StateKind = "serving"
	StateAwaitingInstruction StateKind = "awaiting_instruction"
	StateAwaitingSourceAdd   StateKind = "awaiting_source_add"
	StateAwaitingSourceDrop  StateKind = "awaiting_source_remove"
)

// ModeratorState is the persisted per-moderator UI state.
type ModeratorState struct {
	ModeratorID int64     `json:"moderator_id"`
	Kind        StateKind `json:"state"`
	PostID      int64     `json:"post_id,omitempty"`     // ServingPost, AwaitingInstruction
	Instruction string    `json:"instruction,omitempty"` // last rewrite instruction, kept for retry
	UpdatedAt   time.Time `json:"updated_at"`
}

// Is reports whether the state is kind k for post id.
func (s ModeratorState) Is(k StateKind, postID int64) bool {
	return s.Kind == k && s.PostID == postID
}

// NotificationHandle remembers the last notice message sent to a moderator.
type NotificationHandle struct {
	ModeratorID int64
	ChatID      int64
	MessageID   int
	UpdatedAt   time.Time
}

// SourceKind distinguishes how a monitored source is ingested.
type SourceKind string

const (
	SourceChannel SourceKind = "channel" // Telegram channel, ingested from channel posts
	SourceFeed    SourceKind = "feed"    // RSS/Atom feed, polled
)

// Source is a monitored channel or feed.
type Source struct {
	ID          int64      `json:"id"`
	Kind        SourceKind `json:"kind"`
	Ref         string     `json:"ref"` // "@channel" or feed URL
	Title       string     `json:"title"`
	LastFetched time.Time  `json:"last_fetched"`
	LastError   string     `json:"last_error,omitempty"`
}

// Settings key constants.
const (
	SettingPollingInterval   = "polling_interval_minutes"
	SettingMonitoringEnabled = "monitoring_enabled"
)
