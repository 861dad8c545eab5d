// Package session owns per-moderator moderation sessions: a snapshot of
// active post ids plus a cursor, persisted in the store.
package session

import (
	"errors"
	"fmt"

	"github.com/bryan-buckman/newsrelay/internal/database"
	"github.com/bryan-buckman/newsrelay/internal/logging"
	"github.com/bryan-buckman/newsrelay/internal/model"
)

var (
	// ErrAlreadyActive is returned by Start when the moderator has a live session.
	ErrAlreadyActive = errors.New("moderation session already active")
	// ErrNoSession is returned when the moderator has no session at all.
	ErrNoSession = errors.New("no moderation session")
)

// Manager creates, advances and ends sessions. Each moderator's session is
// touched only on that moderator's behalf.
type Manager struct {
	store  database.Store
	logger *logging.Logger
}

// NewManager creates a session manager over store.
func NewManager(store database.Store, logger *logging.Logger) *Manager {
	return &Manager{store: store, logger: logger.WithComponent("session")}
}

// Start creates a session over ids with the cursor at 0. An exhausted
// session left behind is replaced; a live one yields ErrAlreadyActive.
func (m *Manager) Start(moderatorID int64, ids []int64) (*model.Session, error) {
	existing, err := m.Get(moderatorID)
	switch {
	case err == nil && existing.Active():
		return nil, ErrAlreadyActive
	case err == nil:
		if err := m.store.DeleteSession(moderatorID); err != nil {
			return nil, fmt.Errorf("drop exhausted session: %w", err)
		}
	case !errors.Is(err, ErrNoSession):
		return nil, err
	}

	snapshot := make([]int64, len(ids))
	copy(snapshot, ids)

	s, err := m.store.CreateSession(moderatorID, snapshot)
	if errors.Is(err, database.ErrSessionExists) {
		return nil, ErrAlreadyActive
	}
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	m.logger.Info("session started", "moderator_id", moderatorID, "total", s.Total())
	return s, nil
}

// StartFromQueue starts a session over the store's current active posts.
func (m *Manager) StartFromQueue(moderatorID int64) (*model.Session, error) {
	ids, err := m.store.ListActive()
	if err != nil {
		return nil, fmt.Errorf("list active posts: %w", err)
	}
	return m.Start(moderatorID, ids)
}

// Restart ends any session and starts a fresh one from the current queue.
func (m *Manager) Restart(moderatorID int64) (*model.Session, error) {
	if err := m.End(moderatorID); err != nil {
		return nil, err
	}
	return m.StartFromQueue(moderatorID)
}

// Get returns the moderator's session, or ErrNoSession.
func (m *Manager) Get(moderatorID int64) (*model.Session, error) {
	s, err := m.store.GetSession(moderatorID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return s, nil
}

// HasActive reports whether the moderator is mid-session.
func (m *Manager) HasActive(moderatorID int64) (bool, error) {
	s, err := m.Get(moderatorID)
	if errors.Is(err, ErrNoSession) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.Active(), nil
}

// Current returns the post id under the cursor. ok is false when there is no
// session or it is exhausted. The id may refer to a post deleted since the
// snapshot was taken.
func (m *Manager) Current(moderatorID int64) (id int64, ok bool, err error) {
	s, err := m.Get(moderatorID)
	if errors.Is(err, ErrNoSession) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	id, ok = s.Current()
	return id, ok, nil
}

// Advance moves the cursor by one. It is a no-op on an exhausted or
// missing session.
func (m *Manager) Advance(moderatorID int64) error {
	if err := m.store.AdvanceSession(moderatorID); err != nil {
		return fmt.Errorf("advance session: %w", err)
	}
	return nil
}

// End deletes the session. Ending a missing session is not an error.
func (m *Manager) End(moderatorID int64) error {
	if err := m.store.DeleteSession(moderatorID); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	m.logger.Debug("session ended", "moderator_id", moderatorID)
	return nil
}

// Index returns the cursor position.
func (m *Manager) Index(moderatorID int64) (int, error) {
	s, err := m.Get(moderatorID)
	if err != nil {
		return 0, err
	}
	return s.CurrentIndex, nil
}

// Total returns the snapshot size.
func (m *Manager) Total(moderatorID int64) (int, error) {
	s, err := m.Get(moderatorID)
	if err != nil {
		return 0, err
	}
	return s.Total(), nil
}
