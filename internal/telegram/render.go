package telegram

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bryan-buckman/newsrelay/internal/model"
	"github.com/bryan-buckman/newsrelay/internal/moderation"
	"github.com/bryan-buckman/newsrelay/internal/sources"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// maxPostRunes keeps rendered posts under the 4096 character message limit.
const maxPostRunes = 3500

// Screen is one rendered message: HTML text plus optional buttons.
type Screen struct {
	Text   string
	Markup *tgbotapi.InlineKeyboardMarkup
}

func keyboard(rows ...[]tgbotapi.InlineKeyboardButton) *tgbotapi.InlineKeyboardMarkup {
	m := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &m
}

func button(text, data string) tgbotapi.InlineKeyboardButton {
	return tgbotapi.NewInlineKeyboardButtonData(text, data)
}

func row(buttons ...tgbotapi.InlineKeyboardButton) []tgbotapi.InlineKeyboardButton {
	return tgbotapi.NewInlineKeyboardRow(buttons...)
}

func escape(s string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeHTML, s)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}

// MainMenu is the bot's home screen.
func MainMenu(monitoring bool) Screen {
	mon := button("🚀 Start monitoring", ActionMonitorStart)
	if monitoring {
		mon = button("🛑 Stop monitoring", ActionMonitorStop)
	}
	return Screen{
		Text: "👋 Main menu:",
		Markup: keyboard(
			row(button("📡 Sources", ActionSources)),
			row(mon),
			row(button("📝 Moderation", ActionModeration)),
		),
	}
}

// NoticeScreen is the new-posts notification.
func NoticeScreen(count int) Screen {
	return Screen{
		Text:   fmt.Sprintf("📬 Received <b>%d</b> new posts.", count),
		Markup: keyboard(row(button("🚀 Start moderation", ActionStart))),
	}
}

// SourcesScreen lists monitored sources.
func SourcesScreen(list []model.Source) Screen {
	var sb strings.Builder
	sb.WriteString("📡 Monitored sources:\n")
	if len(list) == 0 {
		sb.WriteString("The list is empty.")
	}
	for _, s := range list {
		sb.WriteString(escape(s.Ref))
		if s.Kind == model.SourceFeed && s.Title != "" && s.Title != s.Ref {
			fmt.Fprintf(&sb, " (%s)", escape(s.Title))
		}
		if s.LastError != "" {
			sb.WriteString(" ⚠️")
		}
		sb.WriteString("\n")
	}
	return Screen{
		Text: strings.TrimRight(sb.String(), "\n"),
		Markup: keyboard(
			row(button("➕ Add", ActionSourceAdd), button("➖ Remove", ActionSourceRemove)),
			row(button("🔙 Back", ActionMainMenu)),
		),
	}
}

// SourcePrompt asks for a list of sources to add or remove.
func SourcePrompt(adding bool) Screen {
	text := "Send the channels or feed URLs to remove, separated by commas or spaces:"
	if adding {
		text = "Send channels (@name) or feed URLs, separated by commas or spaces:"
	}
	return Screen{Text: text, Markup: keyboard(row(button("🔙 Back", ActionSources)))}
}

// SourceChangeText summarises an add or remove.
func SourceChangeText(adding bool, res sources.ChangeResult) string {
	verb, icon := "Removed", "🗑️"
	if adding {
		verb, icon = "Added", "✅"
	}
	text := fmt.Sprintf("%s %s: %d", icon, verb, len(res.Changed))
	if len(res.Invalid) > 0 {
		text += "\n⚠️ Not recognised: " + escape(strings.Join(res.Invalid, ", "))
	}
	return text
}

// MonitoringScreen confirms a monitoring switch.
func MonitoringScreen(enabled, changed bool) Screen {
	var text string
	switch {
	case enabled && changed:
		text = "✅ Monitoring started."
	case enabled:
		text = "📡 Monitoring is already running."
	default:
		text = "🛑 Monitoring stopped."
	}
	return Screen{Text: text, Markup: MainMenu(enabled).Markup}
}

// ViewScreen renders a moderation view.
func ViewScreen(v moderation.View) Screen {
	var sb strings.Builder
	if v.Notice != "" {
		sb.WriteString(escape(v.Notice))
		sb.WriteString("\n\n")
	}

	switch v.Kind {
	case moderation.ViewPost:
		writePost(&sb, v)
		return Screen{
			Text: sb.String(),
			Markup: keyboard(
				row(button("✅ Publish", PostCallback(ActionPublish, v.Post.ID)), button("⏭ Skip", PostCallback(ActionSkip, v.Post.ID))),
				row(button("✏️ Rewrite", PostCallback(ActionRewrite, v.Post.ID)), button("🗑 Decline", PostCallback(ActionDecline, v.Post.ID))),
				row(button("🔙 Exit", ActionExit)),
			),
		}

	case moderation.ViewAwaitInstruction:
		if v.Post != nil {
			writePost(&sb, v)
			sb.WriteString("\n\n")
		}
		sb.WriteString("✏️ Send a comment describing how to rewrite this post.")
		return Screen{Text: sb.String(), Markup: keyboard(row(button("↩️ Cancel", ActionCancelRewrite)))}

	case moderation.ViewRewriteFailed:
		sb.WriteString("⚠️ The rewrite did not go through.")
		return Screen{
			Text: sb.String(),
			Markup: keyboard(
				row(button("🔁 Retry", ActionRetryRewrite), button("↩️ Back to post", ActionCancelRewrite)),
			),
		}

	case moderation.ViewCollision:
		fmt.Fprintf(&sb, "You already have a session in progress (post %d of %d).", v.Position(), v.Total)
		return Screen{
			Text: sb.String(),
			Markup: keyboard(
				row(button("▶️ Continue", ActionContinue), button("🔄 Start over", ActionRestart)),
				row(button("🔙 Menu", ActionMainMenu)),
			),
		}

	case moderation.ViewMissing:
		sb.WriteString("The post is gone.")
		return Screen{Text: sb.String(), Markup: keyboard(row(button("▶️ Continue", ActionContinue)))}

	case moderation.ViewExhausted:
		fmt.Fprintf(&sb, "🏁 Reviewed %d posts.", v.Total)
		return Screen{Text: sb.String(), Markup: keyboard(row(button("🔙 Menu", ActionMainMenu)))}
	}

	// ViewMenu
	fmt.Fprintf(&sb, "📝 Moderation\nReceived %d new posts.", v.Pending)
	start := button("🚀 Start moderation", ActionStart)
	if v.Resumable {
		start = button("▶️ Continue moderation", ActionContinue)
	}
	return Screen{Text: sb.String(), Markup: keyboard(row(start), row(button("🔙 Back", ActionMainMenu)))}
}

func writePost(sb *strings.Builder, v moderation.View) {
	p := v.Post
	fmt.Fprintf(sb, "📰 Post %d of %d", v.Position(), v.Total)
	if p.SourceID != "" {
		fmt.Fprintf(sb, " · %s", escape(p.SourceID))
	}
	if p.StyledText != nil {
		sb.WriteString(" · ✏️ rewritten")
	}
	sb.WriteString("\n\n")
	sb.WriteString(escape(truncate(p.DisplayText(), maxPostRunes)))
}
