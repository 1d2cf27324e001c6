package gateway

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rahul/webpilot/internal/agent"
	"github.com/rahul/webpilot/internal/observability"
	"github.com/rahul/webpilot/internal/store"
	"github.com/rahul/webpilot/internal/task"
	"go.uber.org/zap"
)

// maxMessageLen stays under Telegram's 4096 character limit.
const maxMessageLen = 4000

const helpText = `Send me an instruction, for example:
  search laptops under ₹50,000 and list top 5
  navigate to https://example.com and take a screenshot

Commands:
  /history [n]  recent tasks
  /similar <text>  past tasks like this one
  /stats  memory statistics
  /status  tasks in flight
  /clear  forget every task`

// botAPI is the part of *tgbotapi.BotAPI the gateway uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type TelegramGateway struct {
	Bot       botAPI
	Scheduler *agent.Scheduler
	Memory    *store.Memory
	Tracker   *observability.Tracker
	Options   agent.Options
	// Allowed restricts which chats may use the bot. Empty allows all.
	Allowed map[int64]bool
	Logger  *zap.Logger

	stopOnce sync.Once
}

func NewTelegramGateway(token string, scheduler *agent.Scheduler, memory *store.Memory, logger *zap.Logger) (*TelegramGateway, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("telegram authorized", zap.String("account", bot.Self.UserName))
	return newTelegramGateway(bot, scheduler, memory, logger), nil
}

func newTelegramGateway(bot botAPI, scheduler *agent.Scheduler, memory *store.Memory, logger *zap.Logger) *TelegramGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TelegramGateway{
		Bot:       bot,
		Scheduler: scheduler,
		Memory:    memory,
		Tracker:   scheduler.Runner.Tracker,
		Options:   agent.DefaultOptions(),
		Allowed:   make(map[int64]bool),
		Logger:    logger,
	}
}

// Allow adds chat IDs to the allow-list.
func (tg *TelegramGateway) Allow(ids ...int64) {
	for _, id := range ids {
		tg.Allowed[id] = true
	}
}

func (tg *TelegramGateway) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := tg.Bot.GetUpdatesChan(u)
	for {
		select {
		case <-ctx.Done():
			return tg.Stop()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			tg.handle(ctx, update.Message)
		}
	}
}

func (tg *TelegramGateway) handle(ctx context.Context, m *tgbotapi.Message) {
	chatID := strconv.FormatInt(m.Chat.ID, 10)
	user := ""
	if m.From != nil {
		user = m.From.UserName
	}
	tg.Logger.Info("telegram message", zap.String("chat_id", chatID), zap.String("user", user), zap.String("text", m.Text))

	if len(tg.Allowed) > 0 && !tg.Allowed[m.Chat.ID] {
		tg.reply(chatID, "This chat is not allowed to run tasks.")
		return
	}

	if m.IsCommand() {
		tg.reply(chatID, tg.command(ctx, m.Command(), strings.TrimSpace(m.CommandArguments())))
		return
	}

	text := strings.TrimSpace(m.Text)
	if text == "" {
		return
	}
	tg.reply(chatID, "⏳ Working on it...")
	if err := tg.Scheduler.Notify(ctx, tg, chatID, text, tg.Options, FormatResult); err != nil {
		tg.Logger.Warn("telegram send failed", zap.String("chat_id", chatID), zap.Error(err))
	}
}

func (tg *TelegramGateway) reply(chatID, text string) {
	if err := tg.Send(chatID, text); err != nil {
		tg.Logger.Warn("telegram send failed", zap.String("chat_id", chatID), zap.Error(err))
	}
}

// command answers a slash command.
func (tg *TelegramGateway) command(ctx context.Context, name, args string) string {
	switch name {
	case "start", "help":
		return helpText

	case "history":
		n := 5
		if v, err := strconv.Atoi(args); err == nil && v > 0 {
			n = v
		}
		return FormatHistory(tg.Memory.Query(store.QueryFilter{Limit: n}))

	case "similar":
		if args == "" {
			return "Usage: /similar <instruction>"
		}
		var recs []store.MemoryRecord
		for _, s := range tg.Memory.Similar(args, 5) {
			recs = append(recs, s.Record)
		}
		return FormatHistory(recs)

	case "stats":
		return FormatStats(tg.Memory.Stats())

	case "status":
		return observability.RenderStatus(tg.Tracker.Snapshot(), false)

	case "clear":
		if err := tg.Memory.Clear(ctx); err != nil {
			return fmt.Sprintf("Could not clear memory: %v", err)
		}
		return "🧹 Memory cleared."
	}
	return "Unknown command. Send /help for the list."
}

func (tg *TelegramGateway) Send(chatID string, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil || id == 0 {
		return fmt.Errorf("invalid chat ID: %s", chatID)
	}

	msg := tgbotapi.NewMessage(id, clip(text, maxMessageLen))
	msg.DisableWebPagePreview = true
	_, err = tg.Bot.Send(msg)
	return err
}

// Stop ends the update loop. Only the first call has an effect.
func (tg *TelegramGateway) Stop() error {
	tg.stopOnce.Do(tg.Bot.StopReceivingUpdates)
	return nil
}

// FormatResult renders a task result as a chat message.
func FormatResult(res task.TaskResult) string {
	var b strings.Builder
	icon := "✅"
	switch res.Status {
	case task.StatusPartial:
		icon = "⚠️"
	case task.StatusFailed:
		icon = "❌"
	}
	fmt.Fprintf(&b, "%s %s (%s)\n", icon, res.Status, res.Duration().Round(time.Millisecond))

	for _, s := range res.StepResults {
		if s.Status != task.StepFailed || s.Error == nil {
			continue
		}
		fmt.Fprintf(&b, "step %d %s failed: %s\n", s.StepIndex, s.Action, s.Error.Kind)
	}
	for _, s := range res.StepResults {
		if s.Artifact != "" {
			fmt.Fprintf(&b, "screenshot: %s\n", s.Artifact)
		}
	}

	for i, r := range res.Records {
		fmt.Fprintf(&b, "\n%d. %s", i+1, r.Title)
		if r.Price != nil {
			fmt.Fprintf(&b, " | %s", strconv.FormatFloat(*r.Price, 'f', -1, 64))
		}
		if r.Rating != nil {
			fmt.Fprintf(&b, " | ★%.1f", *r.Rating)
		}
		if r.Link != "" {
			fmt.Fprintf(&b, "\n   %s", r.Link)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatHistory renders memory records, one line each.
func FormatHistory(recs []store.MemoryRecord) string {
	if len(recs) == 0 {
		return "No tasks remembered yet."
	}
	var b strings.Builder
	for _, r := range recs {
		fmt.Fprintf(&b, "%s  %-7s  %s  (%d records)\n",
			r.Timestamp.Format("01-02 15:04"),
			r.ResultSummary.Status,
			clip(r.Instruction, 60),
			len(r.ResultSummary.Records),
		)
	}
	return strings.TrimRight(b.String(), "\n")
}

func FormatStats(s store.Stats) string {
	if s.Total == 0 {
		return "No tasks remembered yet."
	}
	return fmt.Sprintf("%d tasks: %d success, %d partial, %d failed (%.0f%% success), %d records",
		s.Total, s.Success, s.Partial, s.Failed, s.SuccessRate*100, s.Records)
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
