// Package irc implements the IRC messaging channel using the girc library.
// Private messages drive the order dialog; buttons are rendered as a
// numbered list and answered by replying with the number.
package irc

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lrstanley/girc"

	"github.com/soyeahso/shipbot/internal/channel"
	"github.com/soyeahso/shipbot/internal/config"
	"github.com/soyeahso/shipbot/internal/domain"
	"github.com/soyeahso/shipbot/internal/logging"
	"github.com/soyeahso/shipbot/internal/version"
)

// ChannelID is the identifier of the IRC channel.
const ChannelID = "irc"

// maxLine keeps PRIVMSG lines under the 512 byte protocol limit.
const maxLine = 400

// Channel implements domain.Channel for IRC.
type Channel struct {
	cfg    config.IRCConfig
	client *girc.Client
	serial *channel.Serial
	log    *logging.Logger

	mu      sync.RWMutex
	handler func(msg domain.InboundMessage)
	running bool
	lastErr string
	// choices holds the buttons last offered to each nick, in display order.
	choices map[string][]domain.Button
}

// New creates an IRC channel from configuration.
func New(cfg config.IRCConfig, log *logging.Logger) *Channel {
	return &Channel{
		cfg:     cfg,
		serial:  channel.NewSerial(),
		log:     log.Sub("irc"),
		choices: make(map[string][]domain.Button),
	}
}

func (c *Channel) ID() string { return ChannelID }

func (c *Channel) Capabilities() domain.ChannelCapabilities {
	return domain.ChannelCapabilities{
		ChatTypes: []domain.ChatType{domain.ChatTypeDM, domain.ChatTypeGroup},
		Buttons:   true,
	}
}

func (c *Channel) OnMessage(handler func(msg domain.InboundMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Status returns the current runtime status.
func (c *Channel) Status() domain.ChannelStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return domain.ChannelStatus{
		ChannelID: ChannelID,
		Connected: c.client != nil && c.client.IsConnected(),
		Running:   c.running,
		LastError: c.lastErr,
	}
}

// Start connects to the IRC server and blocks until ctx is cancelled or
// the connection drops.
func (c *Channel) Start(ctx context.Context) error {
	port := c.cfg.Port
	if port == 0 {
		if c.cfg.UseTLS {
			port = 6697
		} else {
			port = 6667
		}
	}

	gircCfg := girc.Config{
		Server:  c.cfg.Server,
		Port:    port,
		Nick:    c.cfg.Nick,
		User:    c.cfg.Nick,
		Name:    "shipbot",
		SSL:     c.cfg.UseTLS,
		Version: version.UserAgent(),
	}
	if c.cfg.UseTLS {
		gircCfg.TLSConfig = &tls.Config{ServerName: c.cfg.Server}
	}
	if c.cfg.SASL && c.cfg.Password != "" {
		gircCfg.SASL = &girc.SASLPlain{User: c.cfg.Nick, Pass: c.cfg.Password}
	} else if c.cfg.Password != "" {
		gircCfg.ServerPass = c.cfg.Password
	}

	client := girc.New(gircCfg)
	client.Handlers.Add(girc.CONNECTED, c.onConnected)
	client.Handlers.Add(girc.PRIVMSG, c.onPrivmsg)
	client.Handlers.Add(girc.DISCONNECTED, c.onDisconnected)

	c.mu.Lock()
	c.client = client
	c.running = true
	c.lastErr = ""
	c.mu.Unlock()

	c.log.Info().
		Str("server", c.cfg.Server).
		Int("port", port).
		Str("nick", c.cfg.Nick).
		Str("ops", c.cfg.OpsChannel).
		Bool("tls", c.cfg.UseTLS).
		Msg("connecting to IRC")

	errCh := make(chan error, 1)
	go func() { errCh <- client.Connect() }()

	select {
	case err := <-errCh:
		c.mu.Lock()
		c.running = false
		if err != nil {
			c.lastErr = err.Error()
		}
		c.mu.Unlock()
		if err != nil {
			return fmt.Errorf("irc connect: %w", err)
		}
		return nil
	case <-ctx.Done():
		client.Close()
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return nil
	}
}

// Stop disconnects from the IRC server.
func (c *Channel) Stop(_ context.Context) error {
	c.mu.Lock()
	client := c.client
	c.running = false
	c.mu.Unlock()

	if client != nil && client.IsConnected() {
		c.log.Info().Msg("disconnecting from IRC")
		client.Quit("shipbot shutting down")
	}
	c.serial.Wait()
	return nil
}

// Send delivers a message to a nick or channel. Buttons become a numbered
// list and links and attachments are spelled out.
func (c *Channel) Send(_ context.Context, msg domain.OutboundMessage) error {
	target := msg.To
	if target == "" {
		// A bare callback ack has nothing to show on IRC.
		if msg.AckCallback != "" {
			return nil
		}
		return fmt.Errorf("irc: no target specified")
	}
	lines, choices := Render(msg)
	if len(lines) == 0 {
		return nil
	}

	c.mu.Lock()
	client := c.client
	if !girc.IsValidChannel(target) {
		key := strings.ToLower(target)
		if len(choices) > 0 {
			c.choices[key] = choices
		} else if len(msg.Keyboard) > 0 || msg.Body != "" {
			delete(c.choices, key)
		}
	}
	c.mu.Unlock()

	if client == nil || !client.IsConnected() {
		return fmt.Errorf("irc: not connected")
	}
	for _, line := range lines {
		client.Cmd.Message(target, line)
	}
	c.log.Debug().Str("to", target).Int("lines", len(lines)).Msg("sent IRC message")
	return nil
}

// Render lays out an outbound message as IRC lines and returns the
// buttons that numbered replies select, in order.
func Render(msg domain.OutboundMessage) ([]string, []domain.Button) {
	var (
		lines   = splitMessage(msg.Body, maxLine)
		choices []domain.Button
		opts    []string
	)
	if msg.Body == "" {
		lines = nil
	}
	for _, row := range msg.Keyboard {
		for _, b := range row {
			if b.URL != "" {
				lines = append(lines, b.Label+": "+b.URL)
				continue
			}
			choices = append(choices, b)
			opts = append(opts, fmt.Sprintf("[%d] %s", len(choices), b.Label))
		}
	}
	if len(opts) > 0 {
		lines = append(lines, splitMessage(strings.Join(opts, "  "), maxLine)...)
	}
	for _, a := range msg.Media {
		name := a.Filename
		if name == "" {
			name = a.Caption
		}
		lines = append(lines, name+": "+a.URL)
	}
	return lines, choices
}

func (c *Channel) onConnected(client *girc.Client, _ girc.Event) {
	c.log.Info().Str("nick", client.GetNick()).Msg("connected to IRC")
	if c.cfg.OpsChannel != "" {
		client.Cmd.Join(c.cfg.OpsChannel)
		c.log.Info().Str("channel", c.cfg.OpsChannel).Msg("joined ops channel")
	}
}

func (c *Channel) onPrivmsg(client *girc.Client, e girc.Event) {
	if e.Source == nil || e.Source.Name == client.GetNick() {
		return
	}
	// The ops channel is for notifications only.
	if e.IsFromChannel() {
		return
	}
	body := e.Last()
	if e.IsAction() {
		body = e.StripAction()
	}
	c.receive(e.Source.Name, body)
}

// receive turns a private message into an inbound message. A reply that
// is just the number of an offered button presses that button.
func (c *Channel) receive(nick, body string) {
	body = strings.TrimSpace(body)
	if body == "" {
		return
	}
	msg := domain.InboundMessage{
		ID:        uuid.NewString(),
		ChannelID: ChannelID,
		From:      nick,
		FromName:  nick,
		ChatID:    nick,
		ChatType:  domain.ChatTypeDM,
		Timestamp: time.Now(),
	}
	if data, ok := c.choice(nick, body); ok {
		msg.Callback = data
	} else {
		msg.Body = body
	}

	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()
	if handler == nil {
		return
	}
	c.serial.Do(strings.ToLower(nick), func() { handler(msg) })
}

func (c *Channel) choice(nick, body string) (string, bool) {
	n, err := strconv.Atoi(body)
	if err != nil || n < 1 {
		return "", false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	choices := c.choices[strings.ToLower(nick)]
	if n > len(choices) {
		return "", false
	}
	return choices[n-1].Data, true
}

func (c *Channel) onDisconnected(_ *girc.Client, _ girc.Event) {
	c.log.Warn().Msg("disconnected from IRC")
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

// splitMessage breaks a long message into chunks suitable for IRC. Each
// newline starts a new chunk because PRIVMSG cannot carry newlines; blank
// lines are kept as a single space so paragraphs stay apart.
func splitMessage(text string, maxLen int) []string {
	var chunks []string
	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			chunks = append(chunks, " ")
			continue
		}
		for len(line) > maxLen {
			chunks = append(chunks, line[:maxLen])
			line = line[maxLen:]
		}
		chunks = append(chunks, line)
	}
	return chunks
}
