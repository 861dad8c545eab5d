// Package telegram is the chat transport: it renders moderation views as
// bot messages, routes button presses and text to the moderation machine,
// ingests posts from monitored channels and publishes approved posts.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bryan-buckman/newsrelay/internal/logging"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// botAPI is the part of *tgbotapi.BotAPI the relay uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Client wraps the Bot API. It publishes to the target channel and
// maintains the new-posts notice.
type Client struct {
	api    botAPI
	target string
	logger *logging.Logger
}

// NewClient connects to the Bot API. target is "@channel" or a numeric chat id.
func NewClient(token, target string, logger *logging.Logger) (*Client, error) {
	logger = logger.WithComponent("telegram")
	if err := tgbotapi.SetLogger(logger); err != nil {
		return nil, fmt.Errorf("set bot logger: %w", err)
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect bot: %w", err)
	}
	logger.Info("bot authorized", "username", api.Self.UserName)
	return newClient(api, target, logger), nil
}

func newClient(api botAPI, target string, logger *logging.Logger) *Client {
	return &Client{api: api, target: strings.TrimSpace(target), logger: logger}
}

// Deliver posts text to the target channel.
func (c *Client) Deliver(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := c.targetMessage(text)
	if err != nil {
		return err
	}
	if _, err := c.api.Send(msg); err != nil {
		return fmt.Errorf("deliver to %s: %w", c.target, err)
	}
	return nil
}

func (c *Client) targetMessage(text string) (tgbotapi.MessageConfig, error) {
	if strings.HasPrefix(c.target, "@") {
		return tgbotapi.NewMessageToChannel(c.target, text), nil
	}
	id, err := strconv.ParseInt(c.target, 10, 64)
	if err != nil {
		return tgbotapi.MessageConfig{}, fmt.Errorf("invalid target channel %q", c.target)
	}
	return tgbotapi.NewMessage(id, text), nil
}

// SendNotice sends a fresh new-posts notice and returns its message id.
func (c *Client) SendNotice(ctx context.Context, chatID int64, count int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	sent, err := c.send(chatID, NoticeScreen(count))
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// EditNotice updates an earlier notice in place. An unchanged notice
// counts as success.
func (c *Client) EditNotice(ctx context.Context, chatID int64, messageID int, count int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.edit(chatID, messageID, NoticeScreen(count))
}

func (c *Client) send(chatID int64, s Screen) (tgbotapi.Message, error) {
	msg := tgbotapi.NewMessage(chatID, s.Text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if s.Markup != nil {
		msg.ReplyMarkup = *s.Markup
	}
	return c.api.Send(msg)
}

func (c *Client) edit(chatID int64, messageID int, s Screen) error {
	msg := tgbotapi.NewEditMessageText(chatID, messageID, s.Text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = s.Markup
	if _, err := c.api.Send(msg); err != nil && !isNotModified(err) {
		return err
	}
	return nil
}

func isNotModified(err error) bool {
	return strings.Contains(err.Error(), "message is not modified")
}
