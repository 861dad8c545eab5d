// Package database provides storage backends for posts, moderation sessions
// and monitored sources.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bryan-buckman/newsrelay/internal/model"
)

var (
	// ErrNotFound is returned when a post, session, handle or source is absent.
	ErrNotFound = errors.New("not found")
	// ErrSessionExists is returned by CreateSession when the moderator already has one.
	ErrSessionExists = errors.New("session already exists")
)

// Polling bounds for feed ingestion, in minutes.
const (
	DefaultPollingIntervalMinutes = 15
	MinPollingIntervalMinutes     = 5
)

// Store defines the interface for database operations.
// Both SQLite and PostgreSQL implementations satisfy this interface.
// Every mutation is atomic per call; no cross-post transactions are offered.
type Store interface {
	Close() error

	// DatabaseType returns the name of the database backend ("SQLite" or "PostgreSQL").
	DatabaseType() string

	// SupportsHighConcurrency returns true if the database can handle
	// many concurrent write operations (e.g., PostgreSQL).
	// SQLite returns false due to write locking limitations.
	SupportsHighConcurrency() bool

	// Post operations
	Enqueue(sourceID, rawText string) (int64, error)
	ListActive() ([]int64, error)
	ListUnnotified() ([]int64, error)
	MarkNotified(ids []int64) error
	GetPost(id int64) (*model.Post, error)
	SetStatus(id int64, status model.Status) error
	SetRewrite(id int64, text string) error
	DeletePost(id int64) error
	ListPosts(status model.Status, limit int) ([]model.Post, error)
	CountByStatus() (map[model.Status]int, error)

	// Session operations
	CreateSession(moderatorID int64, postIDs []int64) (*model.Session, error)
	GetSession(moderatorID int64) (*model.Session, error)
	AdvanceSession(moderatorID int64) error
	DeleteSession(moderatorID int64) error

	// Moderator state operations
	GetModeratorState(moderatorID int64) (model.ModeratorState, error)
	SetModeratorState(state model.ModeratorState) error

	// Notification handle operations
	GetNotificationHandle(moderatorID int64) (*model.NotificationHandle, error)
	SaveNotificationHandle(h model.NotificationHandle) error

	// Source operations
	GetSources() ([]model.Source, error)
	GetSourcesByKind(kind model.SourceKind) ([]model.Source, error)
	GetSourceByRef(ref string) (*model.Source, error)
	GetOrCreateSource(kind model.SourceKind, ref, title string) (int64, bool, error)
	DeleteSource(id int64) error
	UpdateSourceLastFetched(id int64, t time.Time) error
	UpdateSourceTitle(id int64, title string) error
	UpdateSourceError(id int64, errMsg string) error
	Seen(sourceID int64, guid string) (bool, error)
	MarkSeen(sourceID int64, guid string) (bool, error)

	// Settings operations
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
	GetPollingInterval() (int, error)
	MonitoringEnabled() (bool, error)
	SetMonitoringEnabled(enabled bool) error
}

// Open returns the backend selected by driver: "postgres" uses connStr,
// anything else opens SQLite at path.
func Open(driver, path, connStr string) (Store, error) {
	if driver == "postgres" {
		return NewPostgres(connStr)
	}
	return New(path)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const postColumns = "id, source_id, raw_text, styled_text, status, notified, created_at"

func scanPost(row rowScanner) (*model.Post, error) {
	var p model.Post
	var styled sql.NullString
	var status string
	var createdAt sql.NullTime
	if err := row.Scan(&p.ID, &p.SourceID, &p.RawText, &styled, &status, &p.Notified, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if styled.Valid {
		s := styled.String
		p.StyledText = &s
	}
	p.Status = model.Status(status)
	if createdAt.Valid {
		p.CreatedAt = createdAt.Time
	}
	return &p, nil
}

func scanPosts(rows *sql.Rows) ([]model.Post, error) {
	var posts []model.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, *p)
	}
	return posts, rows.Err()
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanCounts(rows *sql.Rows) (map[model.Status]int, error) {
	counts := make(map[model.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[model.Status(status)] = n
	}
	return counts, rows.Err()
}

const sourceColumns = "id, kind, ref, title, last_fetched, last_error"

func scanSource(row rowScanner) (*model.Source, error) {
	var s model.Source
	var kind string
	var lastFetched sql.NullTime
	var lastError sql.NullString
	if err := row.Scan(&s.ID, &kind, &s.Ref, &s.Title, &lastFetched, &lastError); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.Kind = model.SourceKind(kind)
	if lastFetched.Valid {
		s.LastFetched = lastFetched.Time
	}
	if lastError.Valid {
		s.LastError = lastError.String
	}
	return &s, nil
}

func scanSources(rows *sql.Rows) ([]model.Source, error) {
	var sources []model.Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, *s)
	}
	return sources, rows.Err()
}

func scanModeratorState(row rowScanner, moderatorID int64) (model.ModeratorState, error) {
	st := model.ModeratorState{ModeratorID: moderatorID, Kind: model.StateIdle}
	var kind string
	var postID sql.NullInt64
	var instruction sql.NullString
	var updatedAt sql.NullTime
	if err := row.Scan(&kind, &postID, &instruction, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return st, nil
		}
		return st, err
	}
	st.Kind = model.StateKind(kind)
	st.PostID = postID.Int64
	st.Instruction = instruction.String
	if updatedAt.Valid {
		st.UpdatedAt = updatedAt.Time
	}
	return st, nil
}

func scanHandle(row rowScanner, moderatorID int64) (*model.NotificationHandle, error) {
	h := model.NotificationHandle{ModeratorID: moderatorID}
	var updatedAt sql.NullTime
	if err := row.Scan(&h.ChatID, &h.MessageID, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if updatedAt.Valid {
		h.UpdatedAt = updatedAt.Time
	}
	return &h, nil
}

// requireAffected maps a zero-row mutation to ErrNotFound.
func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func clampPollingInterval(val string, err error) (int, error) {
	if err != nil {
		return DefaultPollingIntervalMinutes, nil // default
	}
	var mins int
	if _, err := fmt.Sscanf(val, "%d", &mins); err != nil {
		return DefaultPollingIntervalMinutes, nil
	}
	if mins < MinPollingIntervalMinutes {
		mins = MinPollingIntervalMinutes
	}
	return mins, nil
}

func parseEnabled(val string, err error) (bool, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return val != "0", nil
}

func enabledValue(enabled bool) string {
	if enabled {
		return "1"
	}
	return "0"
}
