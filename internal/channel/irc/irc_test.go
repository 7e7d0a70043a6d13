package irc

import (
	"context"
	"sync"
	"testing"

	"github.com/soyeahso/shipbot/internal/config"
	"github.com/soyeahso/shipbot/internal/domain"
	"github.com/soyeahso/shipbot/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logging.Logger {
	return logging.New(nil, "silent")
}

func TestNew(t *testing.T) {
	cfg := config.IRCConfig{
		Server:     "irc.libera.chat",
		Port:       6697,
		Nick:       "shipbot",
		OpsChannel: "#ship-ops",
		UseTLS:     true,
	}
	ch := New(cfg, testLogger())
	assert.Equal(t, "irc", ch.ID())
}

func TestCapabilities(t *testing.T) {
	caps := New(config.IRCConfig{}, testLogger()).Capabilities()
	assert.Contains(t, caps.ChatTypes, domain.ChatTypeDM)
	assert.Contains(t, caps.ChatTypes, domain.ChatTypeGroup)
	assert.True(t, caps.Buttons)
	assert.False(t, caps.Media)
}

func TestStatus_NotStarted(t *testing.T) {
	status := New(config.IRCConfig{}, testLogger()).Status()
	assert.Equal(t, "irc", status.ChannelID)
	assert.False(t, status.Connected)
	assert.False(t, status.Running)
	assert.Empty(t, status.LastError)
}

func TestSend_NotConnected(t *testing.T) {
	ch := New(config.IRCConfig{}, testLogger())
	err := ch.Send(context.Background(), domain.OutboundMessage{To: "#test", Body: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestSend_NoTarget(t *testing.T) {
	ch := New(config.IRCConfig{}, testLogger())
	require.Error(t, ch.Send(context.Background(), domain.OutboundMessage{Body: "hi"}))
	// Button acks have nothing to deliver.
	assert.NoError(t, ch.Send(context.Background(), domain.OutboundMessage{AckCallback: "cb"}))
}

func TestRender(t *testing.T) {
	lines, choices := Render(domain.OutboundMessage{
		Body: "Choose a rate:\n\n1. USPS Ground Advantage: $15.00",
		Keyboard: [][]domain.Button{
			{{Label: "USPS Ground Advantage $15.00", Data: "rate:se-1"}},
			{{Label: "Open invoice", URL: "https://pay.example/trk-1"}},
			{{Label: "Back", Data: "cmd:back"}, {Label: "Cancel", Data: "cmd:cancel"}},
		},
		Media: []domain.Attachment{{URL: "https://labels.example/se-1.pdf", Filename: "label-9400se-1.pdf"}},
	})

	assert.Equal(t, []string{
		"Choose a rate:",
		" ",
		"1. USPS Ground Advantage: $15.00",
		"Open invoice: https://pay.example/trk-1",
		"[1] USPS Ground Advantage $15.00  [2] Back  [3] Cancel",
		"label-9400se-1.pdf: https://labels.example/se-1.pdf",
	}, lines)
	require.Len(t, choices, 3)
	assert.Equal(t, "rate:se-1", choices[0].Data)
	assert.Equal(t, "cmd:cancel", choices[2].Data)
}

func TestRender_Empty(t *testing.T) {
	lines, choices := Render(domain.OutboundMessage{AckCallback: "cb"})
	assert.Empty(t, lines)
	assert.Empty(t, choices)
}

func collect(ch *Channel) func() []domain.InboundMessage {
	var (
		mu  sync.Mutex
		got []domain.InboundMessage
	)
	ch.OnMessage(func(m domain.InboundMessage) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})
	return func() []domain.InboundMessage {
		ch.serial.Wait()
		mu.Lock()
		defer mu.Unlock()
		return append([]domain.InboundMessage(nil), got...)
	}
}

func TestReceive_Text(t *testing.T) {
	ch := New(config.IRCConfig{}, testLogger())
	got := collect(ch)

	ch.receive("Alice", "  10 Main St  ")
	ch.receive("Alice", "   ")

	msgs := got()
	require.Len(t, msgs, 1)
	assert.Equal(t, "10 Main St", msgs[0].Body)
	assert.Empty(t, msgs[0].Callback)
	assert.Equal(t, domain.ChatTypeDM, msgs[0].ChatType)
	assert.Equal(t, "Alice", msgs[0].ChatID)
	assert.Equal(t, "irc:Alice", msgs[0].Key().UserID())
}

func TestReceive_NumberedChoice(t *testing.T) {
	ch := New(config.IRCConfig{}, testLogger())
	got := collect(ch)

	// Sending records the offered buttons even though delivery fails offline.
	_ = ch.Send(context.Background(), domain.OutboundMessage{
		To:       "Alice",
		Body:     "Pick one",
		Keyboard: [][]domain.Button{{{Label: "Skip", Data: "cmd:skip"}, {Label: "Cancel", Data: "cmd:cancel"}}},
	})

	ch.receive("alice", "2")
	ch.receive("Alice", "3")
	ch.receive("Bob", "1")

	msgs := got()
	require.Len(t, msgs, 3)
	assert.Equal(t, "cmd:cancel", msgs[0].Callback, "nicks match case-insensitively")
	assert.Empty(t, msgs[0].Body)
	assert.Equal(t, "3", msgs[1].Body, "out of range numbers are plain text")
	assert.Equal(t, "1", msgs[2].Body, "choices are per nick")
}

func TestSend_PlainReplyClearsChoices(t *testing.T) {
	ch := New(config.IRCConfig{}, testLogger())
	got := collect(ch)

	_ = ch.Send(context.Background(), domain.OutboundMessage{
		To: "Alice", Body: "Pick", Keyboard: [][]domain.Button{{{Label: "Skip", Data: "cmd:skip"}}},
	})
	_ = ch.Send(context.Background(), domain.OutboundMessage{To: "Alice", Body: "Enter the ZIP code"})
	ch.receive("Alice", "1")

	msgs := got()
	require.Len(t, msgs, 1)
	assert.Equal(t, "1", msgs[0].Body)
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"hello world"}, splitMessage("hello world", 400))
	assert.Equal(t, []string{"one", " ", "two"}, splitMessage("one\n\ntwo", 400))

	long := splitMessage("abcdefghijklmnopqrstuvwxyz", 10)
	assert.Equal(t, []string{"abcdefghij", "klmnopqrst", "uvwxyz"}, long)
}
