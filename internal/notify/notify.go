// Package notify tells operators about orders, payments and failures by
// sending hook events to admin chats.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/soyeahso/shipbot/internal/domain"
	"github.com/soyeahso/shipbot/internal/hooks"
	"github.com/soyeahso/shipbot/internal/logging"
)

// Sender delivers a message through a channel. *channel.Registry is one.
type Sender interface {
	Send(ctx context.Context, msg domain.OutboundMessage) error
}

// Target is one admin chat.
type Target struct {
	ChannelID string
	To        string
}

const (
	queueSize   = 64
	sendTimeout = 10 * time.Second
)

// Admin queues admin notifications and delivers them in the background,
// so a slow chat never holds up an order.
type Admin struct {
	sender  Sender
	targets []Target
	queue   chan hooks.Payload
	log     *logging.Logger
}

// NewAdmin creates an admin notifier for the given chats.
func NewAdmin(sender Sender, targets []Target, log *logging.Logger) *Admin {
	return &Admin{
		sender:  sender,
		targets: targets,
		queue:   make(chan hooks.Payload, queueSize),
		log:     log.Sub("notify"),
	}
}

// Attach registers the notifier for the given hook events.
func (a *Admin) Attach(m *hooks.Manager, events []string) {
	m.OnEach(events, "admin-notify", func(_ context.Context, p hooks.Payload) error {
		a.Enqueue(p)
		return nil
	})
}

// Enqueue schedules a notification. It drops the event when the queue is full.
func (a *Admin) Enqueue(p hooks.Payload) {
	if len(a.targets) == 0 {
		return
	}
	select {
	case a.queue <- p:
	default:
		a.log.Warn().Str("event", p.Event).Msg("notification queue full, dropping")
	}
}

// Run delivers queued notifications until ctx is cancelled.
func (a *Admin) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-a.queue:
			a.deliver(ctx, p)
		}
	}
}

func (a *Admin) deliver(ctx context.Context, p hooks.Payload) {
	body := Format(p)
	for _, t := range a.targets {
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := a.sender.Send(sctx, domain.OutboundMessage{ChannelID: t.ChannelID, To: t.To, Body: body})
		cancel()
		if err != nil {
			a.log.Warn().Err(err).Str("event", p.Event).Str("channel", t.ChannelID).Msg("admin notification failed")
		}
	}
}

// Format renders an event as a short plain text message.
func Format(p hooks.Payload) string {
	var b strings.Builder
	switch p.Event {
	case hooks.EventOrderCompleted:
		fmt.Fprintf(&b, "Order %s completed for user %s: %s %s %s, paid by %s",
			p.String("order"), p.String("user"), p.String("carrier"), p.String("service"),
			p.String("amount"), p.String("method"))
		if tr := p.String("tracking"); tr != "" {
			fmt.Fprintf(&b, ", tracking %s", tr)
		}
	case hooks.EventLabelFailed:
		if p.String("stuck") == "true" {
			fmt.Fprintf(&b, "Label purchase stuck for user %s (%s, rate %s): %s",
				p.String("user"), p.String("amount"), p.String("rate"), p.String("error"))
			break
		}
		fmt.Fprintf(&b, "Label purchase failed for user %s (%s, rate %s): %s",
			p.String("user"), p.String("amount"), p.String("rate"), p.String("error"))
		if p.String("refunded") == "true" {
			b.WriteString(". Refunded to balance.")
		}
	case hooks.EventPaymentReceived:
		fmt.Fprintf(&b, "Payment of %s received from user %s (invoice %s, %s)",
			p.String("amount"), p.String("user"), p.String("track"), p.String("result"))
		if p.String("result") == "kept_on_balance" {
			b.WriteString(". The order was gone, so the money stays on the balance.")
		}
	case hooks.EventInvariantViolation:
		fmt.Fprintf(&b, "Invariant violation for user %s at %s: %s",
			p.String("user"), p.String("step"), p.String("error"))
	case hooks.EventSessionCancelled:
		fmt.Fprintf(&b, "User %s cancelled an order at %s", p.String("user"), p.String("step"))
	default:
		b.WriteString(p.Summary())
	}
	return b.String()
}
