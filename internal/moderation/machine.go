// Package moderation implements the per-moderator workflow that serves
// session posts one at a time and applies publish, skip, decline and
// rewrite actions to them.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bryan-buckman/newsrelay/internal/database"
	"github.com/bryan-buckman/newsrelay/internal/logging"
	"github.com/bryan-buckman/newsrelay/internal/model"
	"github.com/bryan-buckman/newsrelay/internal/rewrite"
	"github.com/bryan-buckman/newsrelay/internal/session"
)

// ErrStateViolation is returned when an action does not match the
// moderator's current state, such as a button on a post that is no longer
// served. The accompanying View is still valid to render.
var ErrStateViolation = errors.New("action does not match moderation state")

// Notices shown with views.
const (
	NoticePublished        = "✅ Published."
	NoticePublishedUnsaved = "✅ Published, but the status was not saved. Do not publish this post again."
	NoticeSkipped          = "⏭ Skipped."
	NoticeDeclined         = "🗑 Declined."
	NoticeRewritten        = "✏️ Rewritten."
	NoticeNotFound         = "Post not found."
	NoticeStale            = "That post is no longer current."
	NoticeFinishRewrite    = "Send the rewrite instruction or cancel it first."
	NoticeNoRewrite        = "No rewrite is waiting for an instruction."
	NoticeEmptyText        = "Send the instruction as text."
	NoticeRewriteBusy      = "A rewrite is already running."
	NoticeRewriteDropped   = "The rewrite result was discarded because the post changed."
	NoticeAllDone          = "All posts reviewed."
	NoticeNothingToReview  = "No posts to review."
)

// Publisher delivers approved text to the target channel.
type Publisher interface {
	Deliver(ctx context.Context, text string) error
}

// Rewriter revises post text. It always returns usable text.
type Rewriter interface {
	Rewrite(ctx context.Context, rawText, instruction, sourceID string) rewrite.Result
}

// Machine drives moderation for every moderator. Calls for one moderator
// are serialized; different moderators never block each other.
type Machine struct {
	store     database.Store
	sessions  *session.Manager
	rewriter  Rewriter
	publisher Publisher
	logger    *logging.Logger

	mu       sync.Mutex
	locks    map[int64]*sync.Mutex
	inflight map[int64]bool
	// epochs counts state writes per moderator; a rewrite result is applied
	// only if no transition happened while it ran.
	epochs   map[int64]uint64
}

// New creates a Machine.
func New(store database.Store, sessions *session.Manager, rewriter Rewriter, publisher Publisher, logger *logging.Logger) *Machine {
	return &Machine{
		store:     store,
		sessions:  sessions,
		rewriter:  rewriter,
		publisher: publisher,
		logger:    logger.WithComponent("moderation"),
		locks:     make(map[int64]*sync.Mutex),
		inflight:  make(map[int64]bool),
		epochs:    make(map[int64]uint64),
	}
}

func (m *Machine) lock(moderatorID int64) func() {
	m.mu.Lock()
	l, ok := m.locks[moderatorID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[moderatorID] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Overview returns the moderation menu for the moderator.
func (m *Machine) Overview(moderatorID int64) (View, error) {
	ids, err := m.store.ListActive()
	if err != nil {
		return View{Kind: ViewMenu}, fmt.Errorf("list active posts: %w", err)
	}
	active, err := m.sessions.HasActive(moderatorID)
	if err != nil {
		return View{Kind: ViewMenu, Pending: len(ids)}, err
	}
	return View{Kind: ViewMenu, Pending: len(ids), Resumable: active}, nil
}

// Start begins a session over the current queue. When a live session exists
// nothing is created and a continue-or-restart view is returned instead.
func (m *Machine) Start(moderatorID int64) (View, error) {
	defer m.lock(moderatorID)()

	s, err := m.sessions.StartFromQueue(moderatorID)
	if errors.Is(err, session.ErrAlreadyActive) {
		existing, gerr := m.sessions.Get(moderatorID)
		if gerr != nil {
			return View{Kind: ViewMenu}, gerr
		}
		return View{Kind: ViewCollision, Index: existing.CurrentIndex, Total: existing.Total()}, nil
	}
	if err != nil {
		return View{Kind: ViewMenu}, err
	}
	if s.Total() == 0 {
		if err := m.finish(moderatorID); err != nil {
			return View{Kind: ViewMenu}, err
		}
		return View{Kind: ViewMenu, Notice: NoticeNothingToReview}, nil
	}
	m.logger.Info("moderation started", "moderator_id", moderatorID, "total", s.Total())
	return m.serve(moderatorID, "")
}

// Continue re-serves the current post of the live session, or starts a new
// session when there is none.
func (m *Machine) Continue(moderatorID int64) (View, error) {
	unlock := m.lock(moderatorID)
	active, err := m.sessions.HasActive(moderatorID)
	if err != nil {
		unlock()
		return View{Kind: ViewMenu}, err
	}
	if !active {
		unlock()
		return m.Start(moderatorID)
	}
	defer unlock()
	return m.serve(moderatorID, "")
}

// Restart ends any session and starts over with a fresh snapshot.
func (m *Machine) Restart(moderatorID int64) (View, error) {
	defer m.lock(moderatorID)()

	s, err := m.sessions.Restart(moderatorID)
	if err != nil {
		return View{Kind: ViewMenu}, err
	}
	if s.Total() == 0 {
		if err := m.finish(moderatorID); err != nil {
			return View{Kind: ViewMenu}, err
		}
		return View{Kind: ViewMenu, Notice: NoticeNothingToReview}, nil
	}
	m.logger.Info("moderation restarted", "moderator_id", moderatorID, "total", s.Total())
	return m.serve(moderatorID, "")
}

// Exit ends the session and returns to the menu.
func (m *Machine) Exit(moderatorID int64) (View, error) {
	unlock := m.lock(moderatorID)
	err := m.finish(moderatorID)
	unlock()
	if err != nil {
		return View{Kind: ViewMenu}, err
	}
	return m.Overview(moderatorID)
}

// Publish delivers the served post to the target channel, marks it
// published and serves the next post.
func (m *Machine) Publish(ctx context.Context, moderatorID, postID int64) (View, error) {
	defer m.lock(moderatorID)()

	if v, err := m.checkServing(moderatorID, postID); err != nil {
		return v, err
	}
	post, err := m.store.GetPost(postID)
	if errors.Is(err, database.ErrNotFound) {
		return View{Kind: ViewMissing, Notice: NoticeNotFound}, nil
	}
	if err != nil {
		return m.failed(moderatorID, "load post", err)
	}

	if err := m.publisher.Deliver(ctx, post.DisplayText()); err != nil {
		m.logger.Error("publish failed", "moderator_id", moderatorID, "post_id", postID, "error", err)
		return m.failed(moderatorID, "publish", err)
	}
	if err := m.store.SetStatus(postID, model.StatusPublished); err != nil {
		// Already in the channel: move on so the post is not delivered twice.
		m.logger.Error("published but status not saved", "moderator_id", moderatorID, "post_id", postID, "error", err)
		v, aerr := m.advanceAndServe(moderatorID, NoticePublishedUnsaved)
		if aerr != nil {
			return v, aerr
		}
		return v, fmt.Errorf("mark published: %w", err)
	}
	m.logger.Info("post published", "moderator_id", moderatorID, "post_id", postID)
	return m.advanceAndServe(moderatorID, NoticePublished)
}

// Skip marks the served post skipped so a later session offers it again.
func (m *Machine) Skip(moderatorID, postID int64) (View, error) {
	defer m.lock(moderatorID)()

	if v, err := m.checkServing(moderatorID, postID); err != nil {
		return v, err
	}
	err := m.store.SetStatus(postID, model.StatusSkipped)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return m.failed(moderatorID, "skip", err)
	}
	m.logger.Info("post skipped", "moderator_id", moderatorID, "post_id", postID)
	return m.advanceAndServe(moderatorID, NoticeSkipped)
}

// Decline permanently deletes the served post.
func (m *Machine) Decline(moderatorID, postID int64) (View, error) {
	defer m.lock(moderatorID)()

	if v, err := m.checkServing(moderatorID, postID); err != nil {
		return v, err
	}
	err := m.store.DeletePost(postID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return m.failed(moderatorID, "decline", err)
	}
	m.logger.Info("post declined", "moderator_id", moderatorID, "post_id", postID)
	return m.advanceAndServe(moderatorID, NoticeDeclined)
}

// RequestRewrite suspends serving the post and waits for an instruction.
func (m *Machine) RequestRewrite(moderatorID, postID int64) (View, error) {
	defer m.lock(moderatorID)()

	if v, err := m.checkServing(moderatorID, postID); err != nil {
		return v, err
	}
	post, err := m.store.GetPost(postID)
	if errors.Is(err, database.ErrNotFound) {
		return View{Kind: ViewMissing, Notice: NoticeNotFound}, nil
	}
	if err != nil {
		return m.failed(moderatorID, "load post", err)
	}
	if err := m.setState(moderatorID, model.StateAwaitingInstruction, postID, ""); err != nil {
		return m.failed(moderatorID, "await instruction", err)
	}
	return m.withProgress(moderatorID, View{Kind: ViewAwaitInstruction, Post: post})
}

// SubmitInstruction rewrites the awaited post with the moderator's text.
// The cursor does not move.
func (m *Machine) SubmitInstruction(ctx context.Context, moderatorID int64, text string) (View, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		st, err := m.store.GetModeratorState(moderatorID)
		if err != nil {
			return View{Kind: ViewMenu}, err
		}
		if st.Kind != model.StateAwaitingInstruction {
			return View{Kind: ViewMenu, Notice: NoticeNoRewrite}, ErrStateViolation
		}
		return m.awaiting(moderatorID, st.PostID, NoticeEmptyText)
	}
	return m.runRewrite(ctx, moderatorID, text)
}

// RetryRewrite repeats the last instruction after a failed rewrite.
func (m *Machine) RetryRewrite(ctx context.Context, moderatorID int64) (View, error) {
	return m.runRewrite(ctx, moderatorID, "")
}

// CancelRewrite abandons the pending rewrite and re-serves the post unchanged.
func (m *Machine) CancelRewrite(moderatorID int64) (View, error) {
	defer m.lock(moderatorID)()

	st, err := m.store.GetModeratorState(moderatorID)
	if err != nil {
		return View{Kind: ViewMenu}, err
	}
	if st.Kind != model.StateAwaitingInstruction {
		v, serr := m.serve(moderatorID, NoticeNoRewrite)
		if serr != nil {
			return v, serr
		}
		return v, ErrStateViolation
	}
	return m.serve(moderatorID, "")
}

// runRewrite calls the rewriter without holding the moderator lock and
// applies the result only if the moderator is still waiting on that post.
// An empty instruction reuses the stored one.
func (m *Machine) runRewrite(ctx context.Context, moderatorID int64, instruction string) (View, error) {
	unlock := m.lock(moderatorID)
	st, err := m.store.GetModeratorState(moderatorID)
	if err != nil {
		unlock()
		return View{Kind: ViewMenu}, err
	}
	if st.Kind != model.StateAwaitingInstruction {
		unlock()
		return View{Kind: ViewMenu, Notice: NoticeNoRewrite}, ErrStateViolation
	}
	if instruction == "" {
		instruction = st.Instruction
	}
	if instruction == "" {
		defer unlock()
		return m.awaiting(moderatorID, st.PostID, NoticeEmptyText)
	}
	if !m.beginRewrite(moderatorID) {
		defer unlock()
		return m.awaiting(moderatorID, st.PostID, NoticeRewriteBusy)
	}
	defer m.endRewrite(moderatorID)

	postID := st.PostID
	post, err := m.store.GetPost(postID)
	if errors.Is(err, database.ErrNotFound) {
		defer unlock()
		return m.serve(moderatorID, NoticeNotFound)
	}
	if err != nil {
		unlock()
		return View{Kind: ViewAwaitInstruction}, fmt.Errorf("load post: %w", err)
	}
	if err := m.setState(moderatorID, model.StateAwaitingInstruction, postID, instruction); err != nil {
		unlock()
		return View{Kind: ViewAwaitInstruction, Post: post}, err
	}
	epoch := m.epoch(moderatorID)
	unlock()

	m.logger.Info("rewrite requested", "moderator_id", moderatorID, "post_id", postID)
	res := m.rewriter.Rewrite(ctx, post.RawText, instruction, post.SourceID)

	defer m.lock(moderatorID)()

	st, err = m.store.GetModeratorState(moderatorID)
	if err != nil {
		return View{Kind: ViewMenu}, err
	}
	if m.epoch(moderatorID) != epoch || !st.Is(model.StateAwaitingInstruction, postID) {
		m.logger.Warn("rewrite result discarded", "moderator_id", moderatorID, "post_id", postID)
		if st.Kind == model.StateAwaitingInstruction {
			// A newer request is waiting for its instruction.
			return m.awaiting(moderatorID, st.PostID, NoticeRewriteDropped)
		}
		return m.serve(moderatorID, NoticeRewriteDropped)
	}
	if res.Failed() {
		return m.withProgress(moderatorID, View{
			Kind:   ViewRewriteFailed,
			Post:   post,
			Notice: res.Err.Error(),
		})
	}

	if err := m.store.SetRewrite(postID, res.Text); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return m.serve(moderatorID, NoticeNotFound)
		}
		return m.withProgress(moderatorID, View{Kind: ViewRewriteFailed, Post: post, Notice: err.Error()})
	}
	m.logger.Info("post rewritten", "moderator_id", moderatorID, "post_id", postID)
	return m.serve(moderatorID, NoticeRewritten)
}

func (m *Machine) epoch(moderatorID int64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epochs[moderatorID]
}

func (m *Machine) beginRewrite(moderatorID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight[moderatorID] {
		return false
	}
	m.inflight[moderatorID] = true
	return true
}

func (m *Machine) endRewrite(moderatorID int64) {
	m.mu.Lock()
	delete(m.inflight, moderatorID)
	m.mu.Unlock()
}

// checkServing verifies postID is the post under the cursor and the
// moderator is not mid-rewrite. On mismatch it returns the view to show
// instead together with ErrStateViolation.
func (m *Machine) checkServing(moderatorID, postID int64) (View, error) {
	cur, ok, err := m.sessions.Current(moderatorID)
	if err != nil {
		return View{Kind: ViewMenu}, err
	}
	if !ok {
		v, err := m.Overview(moderatorID)
		v.Notice = NoticeStale
		if err != nil {
			return v, err
		}
		return v, ErrStateViolation
	}

	st, err := m.store.GetModeratorState(moderatorID)
	if err != nil {
		return View{Kind: ViewMenu}, err
	}
	if cur == postID && st.Is(model.StateAwaitingInstruction, postID) {
		v, err := m.awaiting(moderatorID, postID, NoticeFinishRewrite)
		if err != nil {
			return v, err
		}
		return v, ErrStateViolation
	}
	if cur != postID || !st.Is(model.StateServingPost, postID) {
		v, err := m.serve(moderatorID, NoticeStale)
		if err != nil {
			return v, err
		}
		return v, ErrStateViolation
	}
	return View{}, nil
}

func (m *Machine) advanceAndServe(moderatorID int64, notice string) (View, error) {
	if err := m.sessions.Advance(moderatorID); err != nil {
		return View{Kind: ViewMenu, Notice: notice}, err
	}
	return m.serve(moderatorID, notice)
}

// serve shows the post under the cursor. Posts deleted since the snapshot
// are skipped; the loop is bounded because every pass advances the cursor.
// Reaching the end clears the session.
func (m *Machine) serve(moderatorID int64, notice string) (View, error) {
	s, err := m.sessions.Get(moderatorID)
	if errors.Is(err, session.ErrNoSession) {
		if err := m.setState(moderatorID, model.StateIdle, 0, ""); err != nil {
			return View{Kind: ViewMenu, Notice: notice}, err
		}
		v, err := m.Overview(moderatorID)
		v.Notice = notice
		return v, err
	}
	if err != nil {
		return View{Kind: ViewMenu, Notice: notice}, err
	}

	for budget := s.Total() - s.CurrentIndex + 1; budget > 0; budget-- {
		id, ok := s.Current()
		if !ok {
			total := s.Total()
			if err := m.finish(moderatorID); err != nil {
				return View{Kind: ViewMenu, Notice: notice}, err
			}
			m.logger.Info("session exhausted", "moderator_id", moderatorID, "total", total)
			return View{Kind: ViewExhausted, Index: total, Total: total, Notice: joinNotice(notice, NoticeAllDone)}, nil
		}

		post, err := m.store.GetPost(id)
		if errors.Is(err, database.ErrNotFound) {
			m.logger.Debug("skipping missing post", "moderator_id", moderatorID, "post_id", id)
			if err := m.sessions.Advance(moderatorID); err != nil {
				return View{Kind: ViewMenu, Notice: notice}, err
			}
			if s, err = m.sessions.Get(moderatorID); err != nil {
				return View{Kind: ViewMenu, Notice: notice}, err
			}
			continue
		}
		if err != nil {
			return View{Kind: ViewMenu, Notice: notice}, fmt.Errorf("load post: %w", err)
		}

		if err := m.setState(moderatorID, model.StateServingPost, id, ""); err != nil {
			return View{Kind: ViewMenu, Notice: notice}, err
		}
		return View{Kind: ViewPost, Post: post, Index: s.CurrentIndex, Total: s.Total(), Notice: notice}, nil
	}
	return View{Kind: ViewMenu, Notice: notice}, fmt.Errorf("session for moderator %d did not settle", moderatorID)
}

// failed reports an action error and re-serves the current post without
// advancing.
func (m *Machine) failed(moderatorID int64, action string, cause error) (View, error) {
	err := fmt.Errorf("%s: %w", action, cause)
	v, serr := m.serve(moderatorID, "⚠️ "+err.Error())
	if serr != nil {
		m.logger.Error("re-serve after failure", "moderator_id", moderatorID, "error", serr)
	}
	return v, err
}

// awaiting renders the instruction prompt for postID with the session
// progress. A post deleted meanwhile renders without its text.
func (m *Machine) awaiting(moderatorID, postID int64, notice string) (View, error) {
	v := View{Kind: ViewAwaitInstruction, Notice: notice}
	post, err := m.store.GetPost(postID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return v, fmt.Errorf("load post: %w", err)
	}
	v.Post = post
	return m.withProgress(moderatorID, v)
}

func (m *Machine) withProgress(moderatorID int64, v View) (View, error) {
	s, err := m.sessions.Get(moderatorID)
	if err != nil {
		return v, err
	}
	v.Index = s.CurrentIndex
	v.Total = s.Total()
	return v, nil
}

// finish ends the session and returns the moderator to idle.
func (m *Machine) finish(moderatorID int64) error {
	if err := m.sessions.End(moderatorID); err != nil {
		return err
	}
	return m.setState(moderatorID, model.StateIdle, 0, "")
}

func (m *Machine) setState(moderatorID int64, kind model.StateKind, postID int64, instruction string) error {
	err := m.store.SetModeratorState(model.ModeratorState{
		ModeratorID: moderatorID,
		Kind:        kind,
		PostID:      postID,
		Instruction: instruction,
		UpdatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("save moderator state: %w", err)
	}
	m.mu.Lock()
	m.epochs[moderatorID]++
	m.mu.Unlock()
	return nil
}

func joinNotice(a, b string) string {
	if a == "" {
		return b
	}
	return a + "\n" + b
}
