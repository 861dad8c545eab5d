// Package notify tells idle moderators about posts that arrived since the
// last notification batch.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bryan-buckman/newsrelay/internal/database"
	"github.com/bryan-buckman/newsrelay/internal/logging"
	"github.com/bryan-buckman/newsrelay/internal/model"
)

// DefaultInterval is how often the poller checks for unnotified posts.
const DefaultInterval = 30 * time.Second

// Messenger sends and updates the new-posts notice in a moderator's chat.
type Messenger interface {
	SendNotice(ctx context.Context, chatID int64, count int) (messageID int, err error)
	EditNotice(ctx context.Context, chatID int64, messageID int, count int) error
}

// BusyChecker reports whether a moderator is mid-session.
type BusyChecker interface {
	HasActive(moderatorID int64) (bool, error)
}

// Report summarises one notification pass.
type Report struct {
	Posts      int
	Edited     int
	Sent       int
	Suppressed int
	Failed     int
}

// Notifier delivers one notice per moderator per batch of new posts.
type Notifier struct {
	store      database.Store
	busy       BusyChecker
	messenger  Messenger
	moderators []int64
	logger     *logging.Logger
}

// New creates a Notifier for the given moderators.
func New(store database.Store, busy BusyChecker, messenger Messenger, moderators []int64, logger *logging.Logger) *Notifier {
	return &Notifier{
		store:      store,
		busy:       busy,
		messenger:  messenger,
		moderators: moderators,
		logger:     logger.WithComponent("notify"),
	}
}

// Notify runs one pass: every idle moderator gets the notice edited in place
// or freshly sent, then the batch is marked notified regardless of delivery.
func (n *Notifier) Notify(ctx context.Context) (Report, error) {
	ids, err := n.store.ListUnnotified()
	if err != nil {
		return Report{}, fmt.Errorf("list unnotified: %w", err)
	}
	if len(ids) == 0 {
		return Report{}, nil
	}

	rep := Report{Posts: len(ids)}
	for _, moderatorID := range n.moderators {
		log := n.logger.WithModerator(moderatorID)

		busy, err := n.busy.HasActive(moderatorID)
		if err != nil {
			log.Warn("session lookup failed", "error", err)
			rep.Failed++
			continue
		}
		if busy {
			log.Debug("moderator in session, notice suppressed")
			rep.Suppressed++
			continue
		}

		edited, err := n.deliver(ctx, moderatorID, len(ids), log)
		switch {
		case err != nil:
			log.Error("notice not delivered", "error", err)
			rep.Failed++
		case edited:
			rep.Edited++
		default:
			rep.Sent++
		}
	}

	if err := n.store.MarkNotified(ids); err != nil {
		return rep, fmt.Errorf("mark notified: %w", err)
	}
	n.logger.Info("notification pass complete",
		"posts", rep.Posts, "edited", rep.Edited, "sent", rep.Sent,
		"suppressed", rep.Suppressed, "failed", rep.Failed)
	return rep, nil
}

// deliver edits the moderator's previous notice or sends a new one.
func (n *Notifier) deliver(ctx context.Context, moderatorID int64, count int, log *logging.Logger) (bool, error) {
	h, err := n.store.GetNotificationHandle(moderatorID)
	switch {
	case err == nil:
		editErr := n.messenger.EditNotice(ctx, h.ChatID, h.MessageID, count)
		if editErr == nil {
			return true, nil
		}
		log.Warn("notice edit failed, sending new one", "message_id", h.MessageID, "error", editErr)
	case !errors.Is(err, database.ErrNotFound):
		log.Warn("notice handle lookup failed", "error", err)
	}

	msgID, err := n.messenger.SendNotice(ctx, moderatorID, count)
	if err != nil {
		return false, err
	}
	err = n.store.SaveNotificationHandle(model.NotificationHandle{
		ModeratorID: moderatorID,
		ChatID:      moderatorID,
		MessageID:   msgID,
		UpdatedAt:   time.Now().UTC(),
	})
	if err != nil {
		log.Warn("notice handle not saved", "message_id", msgID, "error", err)
	}
	return false, nil
}

// Poller runs Notify on a fixed interval.
type Poller struct {
	notifier *Notifier
	interval time.Duration
	logger   *logging.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPoller creates a background notification poller.
func NewPoller(notifier *Notifier, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		notifier: notifier,
		interval: interval,
		logger:   notifier.logger,
		stopChan: make(chan struct{}),
	}
}

// Start begins the polling loop. Failures are logged and retried on the
// next tick.
func (p *Poller) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-p.stopChan:
				return
			case <-time.After(p.interval):
			}

			ctx, cancel := context.WithTimeout(context.Background(), p.interval)
			if _, err := p.notifier.Notify(ctx); err != nil {
				p.logger.Error("notification pass failed", "error", err)
			}
			cancel()
		}
	}()
}

// Stop stops the poller gracefully.
func (p *Poller) Stop() {
	close(p.stopChan)
	p.wg.Wait()
}
