// Package routing is the messaging gateway adapter: it decodes inbound
// channel messages into engine events and admin commands, and renders the
// results back into channel messages.
package routing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/soyeahso/shipbot/internal/channel"
	"github.com/soyeahso/shipbot/internal/conversation"
	"github.com/soyeahso/shipbot/internal/domain"
	"github.com/soyeahso/shipbot/internal/hooks"
	"github.com/soyeahso/shipbot/internal/logging"
	"github.com/soyeahso/shipbot/internal/metrics"
	"github.com/soyeahso/shipbot/internal/orchestrator"
	"github.com/soyeahso/shipbot/internal/store"
	"github.com/soyeahso/shipbot/internal/wizard"
)

// Sender delivers a message through a channel. *channel.Registry is one.
type Sender interface {
	Send(ctx context.Context, msg domain.OutboundMessage) error
}

// Options configure a Router.
type Options struct {
	Guard   GuardOptions
	Metrics *metrics.Metrics
	Hooks   *hooks.Manager
}

// Router routes inbound messages to the engine and replies to channels.
type Router struct {
	engine  *conversation.Engine
	orch    *orchestrator.Orchestrator
	sender  Sender
	render  *Renderer
	guard   *Guard
	metrics *metrics.Metrics
	hooks   *hooks.Manager
	log     *logging.Logger
}

const ordersShown = 10

// NewRouter creates a router and registers it as the orchestrator's
// notifier, so asynchronous results reach the user through it.
func NewRouter(engine *conversation.Engine, orch *orchestrator.Orchestrator, sender Sender, log *logging.Logger, opts Options) *Router {
	if opts.Guard.Burst == 0 {
		opts.Guard = DefaultGuardOptions()
	}
	r := &Router{
		engine:  engine,
		orch:    orch,
		sender:  sender,
		render:  NewRenderer(engine.Registry(), orch.CryptoEnabled()),
		guard:   NewGuard(opts.Guard),
		metrics: opts.Metrics,
		hooks:   opts.Hooks,
		log:     log.Sub("routing"),
	}
	orch.SetNotifier(r)
	return r
}

// Wire makes the router the inbound handler of every channel in reg.
// Messages are handled under ctx, so cancelling it abandons them.
func (r *Router) Wire(ctx context.Context, reg *channel.Registry) {
	for _, id := range reg.List() {
		ch, _ := reg.Get(id)
		ch.OnMessage(func(msg domain.InboundMessage) {
			r.HandleInbound(ctx, msg)
		})
	}
}

// HandleInbound processes an inbound message from any channel and sends
// the replies back through the originating channel.
func (r *Router) HandleInbound(ctx context.Context, msg domain.InboundMessage) {
	key := msg.Key()
	r.log.Debug().
		Str("channel", msg.ChannelID).
		Str("from", msg.From).
		Str("chatId", msg.ChatID).
		Bool("callback", msg.Callback != "").
		Msg("routing inbound message")

	if r.metrics != nil {
		r.metrics.InboundMessages.WithLabelValues(msg.ChannelID).Inc()
	}
	if r.hooks != nil {
		r.hooks.Emit(ctx, hooks.EventMessageReceived, map[string]any{
			"channel": msg.ChannelID, "user": key.UserID(), "callback": msg.Callback != "",
		})
	}

	if ok, reason := r.guard.Check(key.UserID(), deliveryID(msg)); !ok {
		r.log.Debug().Str("user", key.UserID()).Str("reason", reason).Msg("inbound message dropped")
		if r.metrics != nil {
			r.metrics.DroppedMessages.WithLabelValues(reason).Inc()
		}
		r.deliver(ctx, msg.ChannelID, msg.ChatID, msg.CallbackID, nil)
		return
	}

	replies := r.dispatch(ctx, key, Decode(msg))
	r.deliver(ctx, msg.ChannelID, msg.ChatID, msg.CallbackID, replies)
}

// deliveryID names one delivery of msg: the channel's update id, or the
// callback id of a button press.
func deliveryID(msg domain.InboundMessage) string {
	if msg.ID != "" {
		return msg.ID
	}
	return msg.CallbackID
}

func (r *Router) dispatch(ctx context.Context, key domain.SessionKey, req Request) []Reply {
	switch req.Action {
	case ActEvent:
		return r.render.Outcome(r.engine.Advance(ctx, key, req.Event))
	case ActResume:
		return r.render.Outcome(r.engine.Resume(ctx, key))
	case ActBalance:
		return r.balance(ctx, key)
	case ActTopUp:
		return r.topUp(ctx, key, req.Arg)
	case ActTemplates:
		return r.templates(ctx, key, "")
	case ActTemplateUse:
		return r.render.Outcome(r.orch.StartFromTemplate(ctx, key, req.Arg))
	case ActTemplateDelete:
		if err := r.orch.DeleteTemplate(ctx, key.UserID(), req.Arg); err != nil {
			return r.failure(key, err)
		}
		return r.templates(ctx, key, "Template deleted.")
	case ActTemplateRename:
		return r.renameTemplate(ctx, key, req.Arg, req.Name)
	case ActOrders:
		return r.orders(ctx, key)
	case ActHelp:
		return []Reply{{Body: helpText, Keyboard: [][]domain.Button{{newOrderBtn}}}}
	default:
		return []Reply{{Body: "Unknown command. Send /help to see what I can do."}}
	}
}

func (r *Router) balance(ctx context.Context, key domain.SessionKey) []Reply {
	bal, err := r.orch.Balance(ctx, key.UserID())
	if err != nil {
		return r.failure(key, err)
	}
	body := "Your balance is " + bal.String() + "."
	if r.orch.CryptoEnabled() {
		body += "\nTop up with /topup followed by the amount, for example /topup 25."
	}
	return []Reply{{Body: body}}
}

func (r *Router) topUp(ctx context.Context, key domain.SessionKey, arg string) []Reply {
	if !r.orch.CryptoEnabled() {
		return r.failure(key, orchestrator.ErrCryptoUnavailable)
	}
	if strings.TrimSpace(arg) == "" {
		return []Reply{{Body: fmt.Sprintf("Send /topup followed by the amount in dollars, from %s to %s. For example /topup 25.",
			orchestrator.MinTopUp, orchestrator.MaxTopUp)}}
	}
	amount, err := orchestrator.ParseTopUp(arg)
	if err != nil {
		return r.failure(key, err)
	}
	in, err := r.orch.TopUp(ctx, key, amount)
	if err != nil {
		return r.failure(key, err)
	}
	return []Reply{{
		Body:     fmt.Sprintf("Pay %s with crypto using the link below. Your balance is credited as soon as the payment arrives.", in.Amount),
		Keyboard: [][]domain.Button{{{Label: "Open invoice", URL: in.PayLink}}},
	}}
}

func (r *Router) templates(ctx context.Context, key domain.SessionKey, notice string) []Reply {
	list, err := r.orch.Templates(ctx, key.UserID())
	if err != nil {
		return r.failure(key, err)
	}
	var b strings.Builder
	if notice != "" {
		b.WriteString(notice + "\n\n")
	}
	if len(list) == 0 {
		b.WriteString("You have no saved templates. Save one from the order confirmation.")
		return []Reply{{Body: b.String()}}
	}
	b.WriteString("Your templates:\n")
	var rows [][]domain.Button
	for i, t := range list {
		fmt.Fprintf(&b, "\n%d. %s: %s, %s to %s, %s", i+1, t.Name, t.From.City, t.From.State, t.To.City, t.To.State)
		rows = append(rows, []domain.Button{btn("Use "+t.Name, tplUseData(t.ID)), btn("Delete", tplDelData(t.ID))})
	}
	b.WriteString("\n\nRename one with /template_rename <number> <new name>.")
	return []Reply{{Body: b.String(), Keyboard: rows}}
}

func (r *Router) renameTemplate(ctx context.Context, key domain.SessionKey, n, name string) []Reply {
	usage := []Reply{{Body: "Usage: /template_rename <number> <new name>"}}
	pos, err := strconv.Atoi(n)
	if err != nil || name == "" {
		return usage
	}
	list, err := r.orch.Templates(ctx, key.UserID())
	if err != nil {
		return r.failure(key, err)
	}
	if pos < 1 || pos > len(list) {
		return []Reply{{Body: fmt.Sprintf("There is no template %d. Send /templates to see the list.", pos)}}
	}
	if err := r.orch.RenameTemplate(ctx, key.UserID(), list[pos-1].ID, name); err != nil {
		return r.failure(key, err)
	}
	return r.templates(ctx, key, "Template renamed.")
}

func (r *Router) orders(ctx context.Context, key domain.SessionKey) []Reply {
	list, err := r.orch.Orders(ctx, key.UserID(), ordersShown)
	if err != nil {
		return r.failure(key, err)
	}
	if len(list) == 0 {
		return []Reply{{Body: "You have no orders yet.", Keyboard: [][]domain.Button{{newOrderBtn}}}}
	}
	var b strings.Builder
	b.WriteString("Your recent orders:\n")
	for i, o := range list {
		fmt.Fprintf(&b, "\n%d. %s %s %s %s", i+1, o.CreatedAt.Format("2006-01-02"), o.Rate.Carrier, o.Rate.Service, o.Amount)
		if o.Label.TrackingNumber != "" {
			fmt.Fprintf(&b, ", tracking %s", o.Label.TrackingNumber)
		}
	}
	return []Reply{{Body: b.String()}}
}

// failure renders an error from a command outside the order flow.
func (r *Router) failure(key domain.SessionKey, err error) []Reply {
	var ve *wizard.ValidationError
	switch {
	case errors.As(err, &ve):
		return []Reply{{Body: describeInvalid(err)}}
	case errors.Is(err, store.ErrNotFound):
		return []Reply{{Body: "That no longer exists."}}
	case errors.Is(err, orchestrator.ErrCryptoUnavailable):
		return []Reply{{Body: "Crypto payments are not available right now."}}
	}
	r.log.Warn().Err(err).Str("user", key.UserID()).Msg("command failed")
	return r.render.Outcome(conversation.Outcome{Kind: conversation.InfraError, Err: err})
}

// deliver sends replies to a chat. The first message answers the pressed
// button; with no replies the button is answered on its own.
func (r *Router) deliver(ctx context.Context, channelID, chatID, callbackID string, replies []Reply) {
	if len(replies) == 0 {
		if callbackID == "" {
			return
		}
		replies = []Reply{{}}
	}
	for i, rep := range replies {
		out := domain.OutboundMessage{
			ChannelID: channelID,
			To:        chatID,
			Body:      rep.Body,
			Keyboard:  rep.Keyboard,
			Media:     rep.Media,
		}
		if i == 0 {
			out.AckCallback = callbackID
		}
		if err := r.sender.Send(ctx, out); err != nil {
			r.log.Error().Err(err).
				Str("channel", channelID).
				Str("to", chatID).
				Msg("failed to send reply")
			return
		}
	}
}

// NotifyText sends a plain message to a chat.
func (r *Router) NotifyText(ctx context.Context, channelID, chatID, text string) error {
	return r.sender.Send(ctx, domain.OutboundMessage{ChannelID: channelID, To: chatID, Body: text})
}

// NotifyOutcome renders an outcome produced outside a user request, such
// as a paid invoice, and sends it to the chat.
func (r *Router) NotifyOutcome(ctx context.Context, channelID, chatID string, out conversation.Outcome) error {
	for _, rep := range r.render.Outcome(out) {
		err := r.sender.Send(ctx, domain.OutboundMessage{
			ChannelID: channelID, To: chatID, Body: rep.Body, Keyboard: rep.Keyboard, Media: rep.Media,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ObserveOutcomes returns an engine observer that counts outcomes.
func ObserveOutcomes(m *metrics.Metrics) func(domain.Event, conversation.Outcome) {
	return func(ev domain.Event, out conversation.Outcome) {
		m.Outcomes.WithLabelValues(EventLabel(ev), out.Kind.String()).Inc()
	}
}

// EventLabel names an event for metrics and logs.
func EventLabel(ev domain.Event) string {
	switch ev.Kind {
	case domain.EventText:
		return "text"
	case domain.EventStart:
		return "start"
	case domain.EventCommand:
		return ev.Command.Kind.String()
	}
	return "unknown"
}

const helpText = `I create prepaid shipping labels.

/new - start a new order
/start - continue your order
/cancel - cancel the current order
/skip - skip an optional question
/back - go back one question
/balance - show your balance
/topup <amount> - add money with crypto
/templates - your saved addresses
/template_rename <number> <name> - rename a template
/orders - your recent orders`
