// Package telegram implements the Telegram bot channel over the Bot API,
// receiving updates by long polling or by webhook.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/soyeahso/shipbot/internal/channel"
	"github.com/soyeahso/shipbot/internal/domain"
	"github.com/soyeahso/shipbot/internal/logging"
)

// ChannelID is the identifier of the Telegram channel.
const ChannelID = "telegram"

// Update delivery modes.
const (
	ModePolling = "polling"
	ModeWebhook = "webhook"
)

// SecretHeader carries the webhook secret on every update Telegram posts.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// Config holds the Telegram channel settings.
type Config struct {
	Token         string
	Mode          string
	WebhookURL    string
	WebhookSecret string
	PollTimeout   int // seconds
	Debug         bool
	// APIEndpoint overrides the Bot API URL format, for tests.
	APIEndpoint string
	HTTPClient  *http.Client
}

// Channel is a Telegram bot.
type Channel struct {
	cfg     Config
	bot     *tgbotapi.BotAPI
	handler func(domain.InboundMessage)
	serial  *channel.Serial
	log     *logging.Logger

	mu        sync.RWMutex
	running   bool
	lastError string
}

// New connects to the Bot API and checks the token.
func New(cfg Config, log *logging.Logger) (*Channel, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram: token is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModePolling
	}
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: time.Duration(cfg.PollTimeout+15) * time.Second}
	}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram: connecting: %w", err)
	}
	bot.Debug = cfg.Debug

	l := log.Sub("telegram")
	l.Info().Str("bot", bot.Self.UserName).Str("mode", cfg.Mode).Msg("telegram bot authorized")
	return &Channel{cfg: cfg, bot: bot, serial: channel.NewSerial(), log: l}, nil
}

func (c *Channel) ID() string { return ChannelID }

func (c *Channel) Capabilities() domain.ChannelCapabilities {
	return domain.ChannelCapabilities{
		ChatTypes: []domain.ChatType{domain.ChatTypeDM, domain.ChatTypeGroup},
		Buttons:   true,
		Media:     true,
		Markdown:  true,
	}
}

// OnMessage registers the inbound message handler. Messages from one chat
// member are handled one at a time, in order.
func (c *Channel) OnMessage(handler func(msg domain.InboundMessage)) {
	c.handler = handler
}

// Start receives updates until ctx is cancelled. In webhook mode it
// registers the webhook and waits; updates arrive through HandleWebhook.
func (c *Channel) Start(ctx context.Context) error {
	c.setRunning(true, "")
	defer c.setRunning(false, "")

	if c.cfg.Mode == ModeWebhook {
		if err := c.setWebhook(); err != nil {
			c.setRunning(false, err.Error())
			return err
		}
		<-ctx.Done()
		return nil
	}

	// A leftover webhook makes getUpdates fail.
	if _, err := c.bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		c.log.Warn().Err(err).Msg("deleting webhook failed")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = c.cfg.PollTimeout
	updates := c.bot.GetUpdatesChan(u)
	c.log.Info().Msg("polling for updates")
	for {
		select {
		case <-ctx.Done():
			c.bot.StopReceivingUpdates()
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			c.dispatch(upd)
		}
	}
}

func (c *Channel) setWebhook() error {
	if c.cfg.WebhookURL == "" {
		return errors.New("telegram: webhook mode needs a webhook URL")
	}
	params := tgbotapi.Params{"url": c.cfg.WebhookURL}
	params.AddNonEmpty("secret_token", c.cfg.WebhookSecret)
	if _, err := c.bot.MakeRequest("setWebhook", params); err != nil {
		return fmt.Errorf("telegram: setting webhook: %w", err)
	}
	c.log.Info().Str("url", c.cfg.WebhookURL).Msg("webhook registered")
	return nil
}

// Stop stops long polling. A registered webhook is left in place so
// updates queue at Telegram until the bot is back.
func (c *Channel) Stop(_ context.Context) error {
	if c.cfg.Mode != ModeWebhook {
		c.bot.StopReceivingUpdates()
	}
	c.serial.Wait()
	return nil
}

// HandleWebhook serves updates posted by Telegram.
func (c *Channel) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if c.cfg.WebhookSecret != "" && r.Header.Get(SecretHeader) != c.cfg.WebhookSecret {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	var upd tgbotapi.Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&upd); err != nil {
		http.Error(w, "bad update", http.StatusBadRequest)
		return
	}
	c.dispatch(upd)
	w.WriteHeader(http.StatusOK)
}

func (c *Channel) dispatch(upd tgbotapi.Update) {
	msg, ok := Inbound(upd)
	if !ok || c.handler == nil {
		return
	}
	c.serial.Do(msg.Key().UserID(), func() { c.handler(msg) })
}

// Inbound converts an update into an inbound message. Updates other than
// messages and button presses are ignored.
func Inbound(upd tgbotapi.Update) (domain.InboundMessage, bool) {
	switch {
	case upd.CallbackQuery != nil && upd.CallbackQuery.Message != nil:
		cq := upd.CallbackQuery
		return domain.InboundMessage{
			ID:         cq.ID,
			ChannelID:  ChannelID,
			From:       strconv.FormatInt(cq.From.ID, 10),
			FromName:   displayName(cq.From),
			ChatID:     strconv.FormatInt(cq.Message.Chat.ID, 10),
			ChatType:   chatType(cq.Message.Chat),
			Callback:   cq.Data,
			CallbackID: cq.ID,
			MessageID:  strconv.Itoa(cq.Message.MessageID),
			Timestamp:  time.Now(),
		}, true
	case upd.Message != nil && upd.Message.From != nil && upd.Message.Text != "":
		m := upd.Message
		return domain.InboundMessage{
			ID:        strconv.Itoa(upd.UpdateID),
			ChannelID: ChannelID,
			From:      strconv.FormatInt(m.From.ID, 10),
			FromName:  displayName(m.From),
			ChatID:    strconv.FormatInt(m.Chat.ID, 10),
			ChatType:  chatType(m.Chat),
			Body:      m.Text,
			MessageID: strconv.Itoa(m.MessageID),
			Timestamp: m.Time(),
		}, true
	}
	return domain.InboundMessage{}, false
}

func displayName(u *tgbotapi.User) string {
	if u == nil {
		return ""
	}
	if u.UserName != "" {
		return u.UserName
	}
	return u.FirstName
}

func chatType(chat *tgbotapi.Chat) domain.ChatType {
	if chat != nil && chat.IsPrivate() {
		return domain.ChatTypeDM
	}
	return domain.ChatTypeGroup
}

// Send delivers a message: it answers the pressed button, sends the text
// with its inline keyboard and then each attachment as a document.
func (c *Channel) Send(_ context.Context, msg domain.OutboundMessage) error {
	if msg.AckCallback != "" {
		if _, err := c.bot.Request(tgbotapi.NewCallback(msg.AckCallback, "")); err != nil {
			c.log.Debug().Err(err).Msg("answering callback failed")
		}
	}
	if msg.Body == "" && len(msg.Media) == 0 {
		return nil
	}
	chatID, err := strconv.ParseInt(msg.To, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q", msg.To)
	}

	if msg.Body != "" {
		out := tgbotapi.NewMessage(chatID, msg.Body)
		if msg.Format == domain.FormatMarkdown {
			out.ParseMode = tgbotapi.ModeMarkdown
		}
		if kb := Keyboard(msg.Keyboard); kb != nil {
			out.ReplyMarkup = *kb
		}
		if _, err := c.bot.Send(out); err != nil {
			c.setError(err)
			return fmt.Errorf("telegram: sending message: %w", err)
		}
	}
	for _, a := range msg.Media {
		doc := tgbotapi.NewDocument(chatID, tgbotapi.FileURL(a.URL))
		doc.Caption = a.Caption
		if _, err := c.bot.Send(doc); err != nil {
			return fmt.Errorf("telegram: sending %s: %w", a.Filename, err)
		}
	}
	return nil
}

// Keyboard converts button rows into an inline keyboard, or nil for none.
func Keyboard(rows [][]domain.Button) *tgbotapi.InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}
	out := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		r := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			if b.URL != "" {
				r = append(r, tgbotapi.NewInlineKeyboardButtonURL(b.Label, b.URL))
			} else {
				r = append(r, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Data))
			}
		}
		out = append(out, r)
	}
	kb := tgbotapi.NewInlineKeyboardMarkup(out...)
	return &kb
}

// Status reports the channel state.
func (c *Channel) Status() domain.ChannelStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return domain.ChannelStatus{
		ChannelID: ChannelID,
		Connected: c.running,
		Running:   c.running,
		LastError: c.lastError,
	}
}

func (c *Channel) setRunning(running bool, lastErr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = running
	if lastErr != "" {
		c.lastError = lastErr
	}
}

func (c *Channel) setError(err error) {
	c.mu.Lock()
	c.lastError = err.Error()
	c.mu.Unlock()
}
