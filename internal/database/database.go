package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bryan-buckman/newsrelay/internal/model"
	_ "modernc.org/sqlite"
)

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
}

// Ensure DB implements Store interface.
var _ Store = (*DB)(nil)

// New opens or creates an SQLite database at the given path.
func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite allows one writer; a single connection keeps PRAGMAs and
	// writes on the same handle.
	conn.SetMaxOpenConns(1)
	// Enable WAL mode for better concurrency.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// DatabaseType returns the database backend name.
func (db *DB) DatabaseType() string {
	return "SQLite"
}

// SupportsHighConcurrency returns false for SQLite.
func (db *DB) SupportsHighConcurrency() bool {
	return false
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS posts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_id TEXT NOT NULL,
		raw_text TEXT NOT NULL,
		styled_text TEXT,
		status TEXT NOT NULL,
		notified INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_posts_status ON posts(status);
	CREATE TABLE IF NOT EXISTS sessions (
		moderator_id INTEGER PRIMARY KEY,
		post_ids TEXT NOT NULL,
		total INTEGER NOT NULL,
		current_index INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS moderator_states (
		moderator_id INTEGER PRIMARY KEY,
		state TEXT NOT NULL,
		post_id INTEGER,
		instruction TEXT,
		updated_at DATETIME
	);
	CREATE TABLE IF NOT EXISTS notification_handles (
		moderator_id INTEGER PRIMARY KEY,
		chat_id INTEGER NOT NULL,
		message_id INTEGER NOT NULL,
		updated_at DATETIME
	);
	CREATE TABLE IF NOT EXISTS sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		ref TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL DEFAULT '',
		last_fetched DATETIME,
		last_error TEXT DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS seen_items (
		source_id INTEGER NOT NULL,
		guid TEXT NOT NULL,
		PRIMARY KEY (source_id, guid)
	);
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	INSERT OR IGNORE INTO settings (key, value) VALUES ('polling_interval_minutes', '15');
	INSERT OR IGNORE INTO settings (key, value) VALUES ('monitoring_enabled', '1');
	`
	_, err := db.conn.Exec(schema)
	return err
}

// --- Post Methods ---

// Enqueue stores a new post with status new. Duplicate text creates a new row.
func (db *DB) Enqueue(sourceID, rawText string) (int64, error) {
	res, err := db.conn.Exec(
		"INSERT INTO posts (source_id, raw_text, status, notified, created_at) VALUES (?, ?, ?, 0, ?)",
		sourceID, rawText, string(model.StatusNew), time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListActive returns ids of posts that can be served, in creation order.
func (db *DB) ListActive() ([]int64, error) {
	rows, err := db.conn.Query("SELECT id FROM posts WHERE status IN (?, ?, ?) ORDER BY id",
		string(model.StatusNew), string(model.StatusPending), string(model.StatusSkipped))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

// ListUnnotified returns ids of new posts not yet included in a notification batch.
func (db *DB) ListUnnotified() ([]int64, error) {
	rows, err := db.conn.Query("SELECT id FROM posts WHERE notified = 0 AND status = ? ORDER BY id", string(model.StatusNew))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

// MarkNotified flags the given posts as notified.
func (db *DB) MarkNotified(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare("UPDATE posts SET notified = 1 WHERE id = ?")
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.Exec(id); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// GetPost returns a post by id, or ErrNotFound.
func (db *DB) GetPost(id int64) (*model.Post, error) {
	return scanPost(db.conn.QueryRow("SELECT "+postColumns+" FROM posts WHERE id = ?", id))
}

// SetStatus updates the status of a post.
func (db *DB) SetStatus(id int64, status model.Status) error {
	res, err := db.conn.Exec("UPDATE posts SET status = ? WHERE id = ?", string(status), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// SetRewrite stores rewritten text and moves the post to pending.
func (db *DB) SetRewrite(id int64, text string) error {
	res, err := db.conn.Exec("UPDATE posts SET styled_text = ?, status = ? WHERE id = ?", text, string(model.StatusPending), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// DeletePost permanently removes a post.
func (db *DB) DeletePost(id int64) error {
	res, err := db.conn.Exec("DELETE FROM posts WHERE id = ?", id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// ListPosts returns posts, newest first, optionally filtered by status.
func (db *DB) ListPosts(status model.Status, limit int) ([]model.Post, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = db.conn.Query("SELECT "+postColumns+" FROM posts ORDER BY id DESC LIMIT ?", limit)
	} else {
		rows, err = db.conn.Query("SELECT "+postColumns+" FROM posts WHERE status = ? ORDER BY id DESC LIMIT ?", string(status), limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPosts(rows)
}

// CountByStatus returns the number of posts per status.
func (db *DB) CountByStatus() (map[model.Status]int, error) {
	rows, err := db.conn.Query("SELECT status, COUNT(*) FROM posts GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCounts(rows)
}

// --- Session Methods ---

// CreateSession stores a new session. Returns ErrSessionExists if one is live.
func (db *DB) CreateSession(moderatorID int64, postIDs []int64) (*model.Session, error) {
	if postIDs == nil {
		postIDs = []int64{}
	}
	encoded, err := json.Marshal(postIDs)
	if err != nil {
		return nil, err
	}
	res, err := db.conn.Exec(`
		INSERT INTO sessions (moderator_id, post_ids, total, current_index)
		VALUES (?, ?, ?, 0)
		ON CONFLICT(moderator_id) DO NOTHING`,
		moderatorID, string(encoded), len(postIDs))
	if err != nil {
		return nil, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, ErrSessionExists
	}
	return &model.Session{ModeratorID: moderatorID, PostIDs: postIDs}, nil
}

// GetSession returns the moderator's session, or ErrNotFound.
func (db *DB) GetSession(moderatorID int64) (*model.Session, error) {
	var encoded string
	s := model.Session{ModeratorID: moderatorID}
	err := db.conn.QueryRow("SELECT post_ids, current_index FROM sessions WHERE moderator_id = ?", moderatorID).
		Scan(&encoded, &s.CurrentIndex)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(encoded), &s.PostIDs); err != nil {
		return nil, fmt.Errorf("decode post ids: %w", err)
	}
	return &s, nil
}

// AdvanceSession moves the cursor forward. It never passes the end of the snapshot.
func (db *DB) AdvanceSession(moderatorID int64) error {
	_, err := db.conn.Exec("UPDATE sessions SET current_index = current_index + 1 WHERE moderator_id = ? AND current_index < total", moderatorID)
	return err
}

// DeleteSession removes the moderator's session.
func (db *DB) DeleteSession(moderatorID int64) error {
	_, err := db.conn.Exec("DELETE FROM sessions WHERE moderator_id = ?", moderatorID)
	return err
}

// --- Moderator State Methods ---

// GetModeratorState returns the persisted state, defaulting to idle.
func (db *DB) GetModeratorState(moderatorID int64) (model.ModeratorState, error) {
	row := db.conn.QueryRow("SELECT state, post_id, instruction, updated_at FROM moderator_states WHERE moderator_id = ?", moderatorID)
	return scanModeratorState(row, moderatorID)
}

// SetModeratorState upserts the moderator's state.
func (db *DB) SetModeratorState(st model.ModeratorState) error {
	_, err := db.conn.Exec(`
		INSERT INTO moderator_states (moderator_id, state, post_id, instruction, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(moderator_id) DO UPDATE SET
			state = excluded.state, post_id = excluded.post_id,
			instruction = excluded.instruction, updated_at = excluded.updated_at`,
		st.ModeratorID, string(st.Kind), st.PostID, st.Instruction, time.Now().UTC())
	return err
}

// --- Notification Handle Methods ---

// GetNotificationHandle returns the last notice sent to a moderator, or ErrNotFound.
func (db *DB) GetNotificationHandle(moderatorID int64) (*model.NotificationHandle, error) {
	row := db.conn.QueryRow("SELECT chat_id, message_id, updated_at FROM notification_handles WHERE moderator_id = ?", moderatorID)
	return scanHandle(row, moderatorID)
}

// SaveNotificationHandle upserts a notice handle.
func (db *DB) SaveNotificationHandle(h model.NotificationHandle) error {
	_, err := db.conn.Exec(`
		INSERT INTO notification_handles (moderator_id, chat_id, message_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(moderator_id) DO UPDATE SET
			chat_id = excluded.chat_id, message_id = excluded.message_id, updated_at = excluded.updated_at`,
		h.ModeratorID, h.ChatID, h.MessageID, time.Now().UTC())
	return err
}

// --- Source Methods ---

// GetSources returns all monitored sources ordered by ref.
func (db *DB) GetSources() ([]model.Source, error) {
	rows, err := db.conn.Query("SELECT " + sourceColumns + " FROM sources ORDER BY ref")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSources(rows)
}

// GetSourcesByKind returns sources of one kind.
func (db *DB) GetSourcesByKind(kind model.SourceKind) ([]model.Source, error) {
	rows, err := db.conn.Query("SELECT "+sourceColumns+" FROM sources WHERE kind = ? ORDER BY ref", string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSources(rows)
}

// GetSourceByRef finds a source by its channel name or URL.
func (db *DB) GetSourceByRef(ref string) (*model.Source, error) {
	return scanSource(db.conn.QueryRow("SELECT "+sourceColumns+" FROM sources WHERE ref = ?", ref))
}

// GetOrCreateSource finds a source by ref, or creates it.
func (db *DB) GetOrCreateSource(kind model.SourceKind, ref, title string) (int64, bool, error) {
	var id int64
	err := db.conn.QueryRow("SELECT id FROM sources WHERE ref = ?", ref).Scan(&id)
	if err == sql.ErrNoRows {
		res, err := db.conn.Exec("INSERT INTO sources (kind, ref, title) VALUES (?, ?, ?)", string(kind), ref, title)
		if err != nil {
			return 0, false, err
		}
		id, err := res.LastInsertId()
		return id, true, err
	}
	return id, false, err
}

// DeleteSource removes a source and its seen-item history.
func (db *DB) DeleteSource(id int64) error {
	if _, err := db.conn.Exec("DELETE FROM seen_items WHERE source_id = ?", id); err != nil {
		return err
	}
	res, err := db.conn.Exec("DELETE FROM sources WHERE id = ?", id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// UpdateSourceLastFetched records a successful fetch and clears the last error.
func (db *DB) UpdateSourceLastFetched(id int64, t time.Time) error {
	_, err := db.conn.Exec("UPDATE sources SET last_fetched = ?, last_error = '' WHERE id = ?", t, id)
	return err
}

// UpdateSourceTitle sets the display title of a source.
func (db *DB) UpdateSourceTitle(id int64, title string) error {
	_, err := db.conn.Exec("UPDATE sources SET title = ? WHERE id = ?", title, id)
	return err
}

// UpdateSourceError records the last fetch error of a source.
func (db *DB) UpdateSourceError(id int64, errMsg string) error {
	_, err := db.conn.Exec("UPDATE sources SET last_error = ? WHERE id = ?", errMsg, id)
	return err
}

// Seen reports whether a feed item GUID was recorded.
func (db *DB) Seen(sourceID int64, guid string) (bool, error) {
	var n int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM seen_items WHERE source_id = ? AND guid = ?", sourceID, guid).Scan(&n)
	return n > 0, err
}

// MarkSeen records a feed item GUID. Returns true if it was not seen before.
func (db *DB) MarkSeen(sourceID int64, guid string) (bool, error) {
	res, err := db.conn.Exec("INSERT INTO seen_items (source_id, guid) VALUES (?, ?) ON CONFLICT(source_id, guid) DO NOTHING", sourceID, guid)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// --- Settings Methods ---

// GetSetting retrieves a setting value.
func (db *DB) GetSetting(key string) (string, error) {
	var val string
	err := db.conn.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&val)
	return val, err
}

// SetSetting saves a setting.
func (db *DB) SetSetting(key, value string) error {
	_, err := db.conn.Exec("INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = ?", key, value, value)
	return err
}

// GetPollingInterval returns the feed polling interval in minutes, clamped to the minimum.
func (db *DB) GetPollingInterval() (int, error) {
	return clampPollingInterval(db.GetSetting(model.SettingPollingInterval))
}

// MonitoringEnabled reports whether ingestion is switched on.
func (db *DB) MonitoringEnabled() (bool, error) {
	return parseEnabled(db.GetSetting(model.SettingMonitoringEnabled))
}

// SetMonitoringEnabled switches ingestion on or off.
func (db *DB) SetMonitoringEnabled(enabled bool) error {
	return db.SetSetting(model.SettingMonitoringEnabled, enabledValue(enabled))
}
