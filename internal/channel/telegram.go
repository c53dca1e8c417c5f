package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"omnimap/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
	telegramPollTimeout    = 30
)

var ErrNotConnected = errors.New("telegram: not connected")

// Telegram implements domain.Channel and domain.Notifier for a Telegram bot.
// In polling mode Start long-polls getUpdates; in webhook mode updates
// arrive through HandleUpdate and Start only waits for shutdown.
type Telegram struct {
	token       string
	apiEndpoint string
	allowFrom   []int64 // empty allows everyone
	parseMode   string
	polling     bool

	mu     sync.RWMutex
	bot    *tgbotapi.BotAPI
	bus    domain.MessageBus
	logger *slog.Logger
	sleep  func(context.Context, time.Duration) error
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // user IDs as strings
	ParseMode string
	// Polling selects getUpdates long-polling; false expects webhook delivery.
	Polling bool
	// APIEndpoint overrides tgbotapi.APIEndpoint, mainly for tests.
	APIEndpoint string
	Logger      *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = tgbotapi.ModeMarkdown
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:       cfg.Token,
		apiEndpoint: cfg.APIEndpoint,
		allowFrom:   allowed,
		parseMode:   cfg.ParseMode,
		polling:     cfg.Polling,
		logger:      cfg.Logger,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Connect authenticates the token with getMe. It is safe to call more than
// once; later calls are no-ops.
func (t *Telegram) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return nil
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(t.token, t.apiEndpoint)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)
	return nil
}

func (t *Telegram) api() (*tgbotapi.BotAPI, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.bot == nil {
		return nil, ErrNotConnected
	}
	return t.bot, nil
}

// Username returns the bot's @name once connected.
func (t *Telegram) Username() string {
	bot, err := t.api()
	if err != nil {
		return ""
	}
	return bot.Self.UserName
}

// Start registers the outbound sender and, in polling mode, consumes
// updates until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	if err := t.Connect(); err != nil {
		return err
	}
	t.mu.Lock()
	t.bus = bus
	t.mu.Unlock()

	bus.OnOutbound(t.Name(), func(msg domain.OutboundMessage) {
		if err := t.send(ctx, msg.ChatID, msg.Content, msg.Format, msg.Buttons); err != nil {
			t.logger.Error("telegram outbound failed", "chat_id", msg.ChatID, "err", err)
		}
	})

	if !t.polling {
		t.logger.Info("telegram webhook mode, waiting for updates over HTTP")
		<-ctx.Done()
		return nil
	}

	bot, _ := t.api()
	// getUpdates is rejected while a webhook is registered.
	if _, err := bot.MakeRequest("deleteWebhook", tgbotapi.Params{}); err != nil {
		t.logger.Warn("telegram deleteWebhook failed", "err", err)
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = telegramPollTimeout
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.HandleUpdate(update)
		}
	}
}

// Stop is a no-op: polling ends when Start's context is cancelled, and
// StopReceivingUpdates panics when called twice.
func (t *Telegram) Stop() error { return nil }

func (t *Telegram) Send(ctx context.Context, chatID int64, content string) error {
	return t.send(ctx, chatID, content, "", nil)
}

// Notify delivers a job outcome as plain text.
func (t *Telegram) Notify(ctx context.Context, chatID int64, text string) error {
	return t.send(ctx, chatID, text, "text", nil)
}

// SetWebhook registers url with Telegram, dropping any queued updates.
// A non-empty secret is echoed back by Telegram in the
// X-Telegram-Bot-Api-Secret-Token header.
func (t *Telegram) SetWebhook(url, secret string) error {
	if err := t.Connect(); err != nil {
		return err
	}
	bot, _ := t.api()
	params := tgbotapi.Params{"url": url}
	params.AddBool("drop_pending_updates", true)
	params.AddNonEmpty("secret_token", secret)
	resp, err := bot.MakeRequest("setWebhook", params)
	if err != nil {
		return fmt.Errorf("setWebhook: %w", err)
	}
	if !resp.Ok {
		return fmt.Errorf("setWebhook: %s", resp.Description)
	}
	t.logger.Info("telegram webhook registered", "url", url)
	return nil
}

// HandleUpdate converts a Telegram update to an InboundMessage and
// publishes it. Used by polling and by the webhook endpoint.
func (t *Telegram) HandleUpdate(update tgbotapi.Update) {
	t.mu.RLock()
	bus := t.bus
	t.mu.RUnlock()
	if bus == nil {
		t.logger.Warn("telegram update dropped, channel not started", "update_id", update.UpdateID)
		return
	}

	msg, ok := t.inbound(update)
	if !ok {
		return
	}
	if !t.isAllowed(msg.SenderID) {
		t.logger.Warn("unauthorized telegram user",
			"user_id", msg.SenderID,
			"username", msg.Username,
		)
		return
	}
	switch {
	case update.CallbackQuery != nil:
		t.answerCallback(update.CallbackQuery.ID)
	case msg.Command == "":
		t.typing(msg.ChatID)
	}
	if !bus.Publish(msg) {
		t.logger.Warn("telegram update dropped, bus full", "update_id", update.UpdateID)
	}
}

func (t *Telegram) inbound(update tgbotapi.Update) (domain.InboundMessage, bool) {
	if cq := update.CallbackQuery; cq != nil {
		if cq.Message == nil || cq.Message.Chat == nil || cq.From == nil {
			return domain.InboundMessage{}, false
		}
		return domain.InboundMessage{
			Channel:   t.Name(),
			ChatID:    cq.Message.Chat.ID,
			SenderID:  cq.From.ID,
			Username:  cq.From.UserName,
			FirstName: cq.From.FirstName,
			LastName:  cq.From.LastName,
			Callback:  cq.Data,
			Timestamp: time.Now(),
		}, true
	}

	m := update.Message
	if m == nil || m.From == nil || m.Chat == nil {
		return domain.InboundMessage{}, false
	}
	text := strings.TrimSpace(m.Text)
	if text == "" {
		text = strings.TrimSpace(m.Caption)
	}
	if text == "" {
		return domain.InboundMessage{}, false
	}
	msg := domain.InboundMessage{
		Channel:   t.Name(),
		ChatID:    m.Chat.ID,
		SenderID:  m.From.ID,
		Username:  m.From.UserName,
		FirstName: m.From.FirstName,
		LastName:  m.From.LastName,
		Content:   text,
		Timestamp: time.Unix(int64(m.Date), 0),
	}
	if m.IsCommand() {
		msg.Command = strings.ToLower(m.Command())
		msg.Args = strings.TrimSpace(m.CommandArguments())
	}
	return msg, true
}

func (t *Telegram) answerCallback(id string) {
	bot, err := t.api()
	if err != nil {
		return
	}
	if _, err := bot.Request(tgbotapi.NewCallback(id, "")); err != nil {
		t.logger.Debug("answerCallbackQuery failed", "err", err)
	}
}

func (t *Telegram) typing(chatID int64) {
	bot, err := t.api()
	if err != nil {
		return
	}
	_, _ = bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

func keyboard(rows [][]domain.Button) *tgbotapi.InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}
	var kb [][]tgbotapi.InlineKeyboardButton
	for _, row := range rows {
		var r []tgbotapi.InlineKeyboardButton
		for _, b := range row {
			r = append(r, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		kb = append(kb, r)
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(kb...)
	return &markup
}

// send splits text into chunks and attaches the keyboard to the last one.
// format "text" disables the Markdown attempt.
func (t *Telegram) send(ctx context.Context, chatID int64, text, format string, buttons [][]domain.Button) error {
	bot, err := t.api()
	if err != nil {
		return err
	}
	parseMode := t.parseMode
	if format == "text" {
		parseMode = ""
	}
	chunks := splitMessage(text, telegramMaxMsgLen)
	for i, chunk := range chunks {
		var markup *tgbotapi.InlineKeyboardMarkup
		if i == len(chunks)-1 {
			markup = keyboard(buttons)
		}
		if err := t.sendChunk(ctx, bot, chatID, chunk, parseMode, markup); err != nil {
			return err
		}
	}
	return nil
}

// sendChunk sends one message. A Markdown parse error falls back to plain
// text at once; rate limits and transient errors back off and retry.
func (t *Telegram) sendChunk(ctx context.Context, bot *tgbotapi.BotAPI, chatID int64, text, parseMode string, markup *tgbotapi.InlineKeyboardMarkup) error {
	var err error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = parseMode
		if markup != nil {
			msg.ReplyMarkup = *markup
		}

		if _, err = bot.Send(msg); err == nil {
			return nil
		}
		errStr := err.Error()

		if parseMode != "" && strings.Contains(errStr, "can't parse entities") {
			t.logger.Warn("telegram markdown parse error, retrying as plain text", "err", err)
			parseMode = ""
			continue
		}

		if attempt == telegramMaxSendRetries {
			break
		}
		backoff := time.Duration(attempt+1) * time.Second
		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			backoff = time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off", "retry_after", backoff, "attempt", attempt+1)
		} else {
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
		}
		if serr := t.sleep(ctx, backoff); serr != nil {
			return serr
		}
	}
	t.logger.Error("telegram send failed after retries", "err", err, "attempts", telegramMaxSendRetries+1)
	return fmt.Errorf("telegram send: %w", err)
}
