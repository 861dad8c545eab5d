package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/bryan-buckman/newsrelay/internal/database"
	"github.com/bryan-buckman/newsrelay/internal/logging"
	"github.com/bryan-buckman/newsrelay/internal/model"
	"github.com/bryan-buckman/newsrelay/internal/moderation"
	"github.com/bryan-buckman/newsrelay/internal/sources"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// clearDepth is how many earlier messages /clear tries to delete.
const clearDepth = 50

// Bot routes updates from moderators and monitored channels.
type Bot struct {
	client  *Client
	machine *moderation.Machine
	sources *sources.Registry
	store   database.Store
	admins  map[int64]bool
	logger  *logging.Logger

	wg sync.WaitGroup
}

// NewBot creates a Bot. Only adminIDs may use the menu or moderate.
func NewBot(client *Client, machine *moderation.Machine, registry *sources.Registry, store database.Store, adminIDs []int64, logger *logging.Logger) *Bot {
	admins := make(map[int64]bool, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = true
	}
	return &Bot{
		client:  client,
		machine: machine,
		sources: registry,
		store:   store,
		admins:  admins,
		logger:  logger.WithComponent("bot"),
	}
}

// Run receives updates until ctx is cancelled. Each update is handled on
// its own goroutine so a slow rewrite blocks only its moderator.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	u.AllowedUpdates = []string{"message", "callback_query", "channel_post"}
	updates := b.client.api.GetUpdatesChan(u)

	b.logger.Info("listening for updates")
	defer b.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			b.client.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.HandleUpdate(ctx, update)
			}()
		}
	}
}

// HandleUpdate dispatches one update.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("update handler panicked", "update_id", update.UpdateID, "panic", r)
		}
	}()

	switch {
	case update.ChannelPost != nil:
		b.handleChannelPost(update.ChannelPost)
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	}
}

// --- Ingestion ---

func (b *Bot) handleChannelPost(msg *tgbotapi.Message) {
	if msg.Chat == nil {
		return
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if strings.TrimSpace(text) == "" {
		return
	}

	src, ok, err := b.sources.MonitoredChannel(msg.Chat.UserName)
	if err != nil {
		b.logger.Error("source lookup failed", "channel", msg.Chat.UserName, "error", err)
		return
	}
	if !ok {
		return
	}
	enabled, err := b.store.MonitoringEnabled()
	if err != nil {
		b.logger.Error("monitoring flag unavailable", "error", err)
		return
	}
	if !enabled {
		return
	}

	id, err := b.store.Enqueue(src.Ref, text)
	if err != nil {
		b.logger.Error("enqueue failed", "channel", src.Ref, "error", err)
		return
	}
	b.logger.Info("channel post enqueued", "channel", src.Ref, "post_id", id)
}

// --- Messages ---

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil || !msg.Chat.IsPrivate() {
		return
	}
	userID := msg.From.ID
	if !b.admins[userID] {
		if msg.IsCommand() && msg.Command() == "start" {
			b.reply(msg.Chat.ID, Screen{Text: "🚫 Access denied."})
		}
		return
	}

	if msg.IsCommand() {
		switch msg.Command() {
		case "start":
			b.reply(msg.Chat.ID, b.mainMenu())
		case "clear":
			b.clear(msg.Chat.ID, msg.MessageID)
			b.reply(msg.Chat.ID, b.mainMenu())
		}
		return
	}

	st, err := b.store.GetModeratorState(userID)
	if err != nil {
		b.logger.Error("state lookup failed", "moderator_id", userID, "error", err)
		return
	}

	switch st.Kind {
	case model.StateAwaitingInstruction:
		b.reply(msg.Chat.ID, Screen{Text: "⏳ Rewriting…"})
		v, err := b.machine.SubmitInstruction(ctx, userID, msg.Text)
		b.logResult(userID, "submit instruction", err)
		b.reply(msg.Chat.ID, ViewScreen(v))

	case model.StateAwaitingSourceAdd, model.StateAwaitingSourceDrop:
		adding := st.Kind == model.StateAwaitingSourceAdd
		b.applySources(userID, msg.Chat.ID, adding, msg.Text)

	default:
		b.reply(msg.Chat.ID, Screen{Text: "Use /start to open the menu."})
	}
}

func (b *Bot) applySources(userID, chatID int64, adding bool, text string) {
	var res sources.ChangeResult
	var err error
	if adding {
		res, err = b.sources.Add(text)
	} else {
		res, err = b.sources.Remove(text)
	}
	if err != nil {
		b.logger.Error("source update failed", "moderator_id", userID, "error", err)
		b.reply(chatID, Screen{Text: "⚠️ Could not update sources."})
	} else {
		b.reply(chatID, Screen{Text: SourceChangeText(adding, res)})
	}
	b.setIdle(userID)
	b.reply(chatID, b.mainMenu())
}

func (b *Bot) clear(chatID int64, fromID int) {
	deleted := 0
	for id := fromID; id > fromID-clearDepth && id > 0; id-- {
		if _, err := b.client.api.Request(tgbotapi.NewDeleteMessage(chatID, id)); err == nil {
			deleted++
		}
	}
	b.logger.Debug("chat cleared", "chat_id", chatID, "deleted", deleted)
}

// --- Callbacks ---

func (b *Bot) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	if cq.From == nil {
		return
	}
	userID := cq.From.ID
	if _, err := b.client.api.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
		b.logger.Debug("callback answer failed", "error", err)
	}
	if !b.admins[userID] || cq.Message == nil || cq.Message.Chat == nil {
		return
	}
	chatID, msgID := cq.Message.Chat.ID, cq.Message.MessageID

	cb, err := ParseCallback(cq.Data)
	if err != nil {
		b.logger.Warn("unknown callback", "moderator_id", userID, "data", cq.Data)
		return
	}

	var v moderation.View
	switch cb.Action {
	case ActionMainMenu:
		b.show(chatID, msgID, b.mainMenu())
		return
	case ActionSources:
		b.setIdle(userID)
		b.show(chatID, msgID, b.sourcesScreen())
		return
	case ActionSourceAdd, ActionSourceRemove:
		kind := model.StateAwaitingSourceAdd
		if cb.Action == ActionSourceRemove {
			kind = model.StateAwaitingSourceDrop
		}
		if err := b.store.SetModeratorState(model.ModeratorState{ModeratorID: userID, Kind: kind}); err != nil {
			b.logger.Error("state update failed", "moderator_id", userID, "error", err)
			return
		}
		b.show(chatID, msgID, SourcePrompt(kind == model.StateAwaitingSourceAdd))
		return
	case ActionMonitorStart, ActionMonitorStop:
		b.show(chatID, msgID, b.switchMonitoring(cb.Action == ActionMonitorStart))
		return

	case ActionModeration:
		v, err = b.machine.Overview(userID)
	case ActionStart:
		v, err = b.machine.Start(userID)
	case ActionContinue:
		v, err = b.machine.Continue(userID)
	case ActionRestart:
		v, err = b.machine.Restart(userID)
	case ActionExit:
		v, err = b.machine.Exit(userID)
	case ActionPublish:
		v, err = b.machine.Publish(ctx, userID, cb.PostID)
	case ActionSkip:
		v, err = b.machine.Skip(userID, cb.PostID)
	case ActionDecline:
		v, err = b.machine.Decline(userID, cb.PostID)
	case ActionRewrite:
		v, err = b.machine.RequestRewrite(userID, cb.PostID)
	case ActionRetryRewrite:
		b.show(chatID, msgID, Screen{Text: "⏳ Rewriting…"})
		v, err = b.machine.RetryRewrite(ctx, userID)
	case ActionCancelRewrite:
		v, err = b.machine.CancelRewrite(userID)
	}
	b.logResult(userID, cb.Action, err)
	b.show(chatID, msgID, ViewScreen(v))
}

func (b *Bot) switchMonitoring(enable bool) Screen {
	was, err := b.store.MonitoringEnabled()
	if err != nil {
		b.logger.Error("monitoring flag unavailable", "error", err)
		return Screen{Text: "⚠️ Could not read monitoring state.", Markup: b.mainMenu().Markup}
	}
	if err := b.store.SetMonitoringEnabled(enable); err != nil {
		b.logger.Error("monitoring switch failed", "error", err)
		return Screen{Text: "⚠️ Could not switch monitoring.", Markup: MainMenu(was).Markup}
	}
	b.logger.Info("monitoring switched", "enabled", enable)
	return MonitoringScreen(enable, was != enable)
}

// --- Helpers ---

func (b *Bot) mainMenu() Screen {
	enabled, err := b.store.MonitoringEnabled()
	if err != nil {
		b.logger.Warn("monitoring flag unavailable", "error", err)
	}
	return MainMenu(enabled)
}

func (b *Bot) sourcesScreen() Screen {
	list, err := b.sources.List()
	if err != nil {
		b.logger.Error("list sources failed", "error", err)
		return Screen{Text: "⚠️ Could not load sources.", Markup: keyboard(row(button("🔙 Back", ActionMainMenu)))}
	}
	return SourcesScreen(list)
}

func (b *Bot) setIdle(userID int64) {
	st, err := b.store.GetModeratorState(userID)
	if err != nil || st.Kind == model.StateIdle || st.Kind == model.StateServingPost {
		return
	}
	if err := b.store.SetModeratorState(model.ModeratorState{ModeratorID: userID, Kind: model.StateIdle}); err != nil {
		b.logger.Error("state update failed", "moderator_id", userID, "error", err)
	}
}

func (b *Bot) logResult(userID int64, action string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, moderation.ErrStateViolation):
		b.logger.Debug("stale action", "moderator_id", userID, "action", action)
	default:
		b.logger.Error("moderation action failed", "moderator_id", userID, "action", action, "error", err)
	}
}

func (b *Bot) reply(chatID int64, s Screen) {
	if _, err := b.client.send(chatID, s); err != nil {
		b.logger.Error("send failed", "chat_id", chatID, "error", err)
	}
}

// show edits the message the button belongs to, falling back to a new
// message when the edit is rejected.
func (b *Bot) show(chatID int64, msgID int, s Screen) {
	if err := b.client.edit(chatID, msgID, s); err != nil {
		b.logger.Debug("edit failed, sending new message", "chat_id", chatID, "error", err)
		b.reply(chatID, s)
	}
}
