package domain

import "time"

// ChatType classifies the conversation context.
type ChatType string

const (
	ChatTypeDM    ChatType = "dm"
	ChatTypeGroup ChatType = "group"
)

// Attachment represents a file sent alongside a message.
type Attachment struct {
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// InboundMessage is a message or button press received from a channel.
type InboundMessage struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channelId"`
	From      string    `json:"from"`
	FromName  string    `json:"fromName,omitempty"`
	ChatID    string    `json:"chatId"`
	ChatType  ChatType  `json:"chatType"`
	Body      string    `json:"body,omitempty"`
	// Callback carries the data of a pressed inline button. Body is empty
	// when Callback is set.
	Callback   string    `json:"callback,omitempty"`
	CallbackID string    `json:"callbackId,omitempty"`
	MessageID  string    `json:"messageId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Key returns the session key of the sender.
func (m InboundMessage) Key() SessionKey {
	return SessionKey{ChannelID: m.ChannelID, ChatID: m.ChatID, SenderID: m.From}
}

// Button is one inline keyboard button. Exactly one of Data or URL is set.
type Button struct {
	Label string `json:"label"`
	Data  string `json:"data,omitempty"`
	URL   string `json:"url,omitempty"`
}

// Text formats for OutboundMessage.Format.
const (
	FormatPlain    = ""
	FormatMarkdown = "markdown"
)

// OutboundMessage is a message to be sent via a channel.
type OutboundMessage struct {
	ChannelID string       `json:"channelId"`
	To        string       `json:"to"`
	Body      string       `json:"body"`
	Format    string       `json:"format,omitempty"`
	Keyboard  [][]Button   `json:"keyboard,omitempty"`
	Media     []Attachment `json:"media,omitempty"`
	// AckCallback answers the button press that triggered this reply.
	AckCallback string `json:"ackCallback,omitempty"`
}
