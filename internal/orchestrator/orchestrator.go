// Package orchestrator binds the order wizard's action steps to their side
// effects: quoting rates, taking payment, buying the label and archiving the
// finished order. Every purchase runs under an idempotency key recorded as a
// payment intent, so a repeated or resumed request continues from where the
// previous attempt stopped instead of charging again.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/soyeahso/shipbot/internal/carrier"
	"github.com/soyeahso/shipbot/internal/conversation"
	"github.com/soyeahso/shipbot/internal/domain"
	"github.com/soyeahso/shipbot/internal/hooks"
	"github.com/soyeahso/shipbot/internal/logging"
	"github.com/soyeahso/shipbot/internal/metrics"
	"github.com/soyeahso/shipbot/internal/payment"
	"github.com/soyeahso/shipbot/internal/store"
	"github.com/soyeahso/shipbot/internal/wizard"
)

// Notifier delivers results that arrive outside a user's own request, such
// as a crypto payment confirmed by webhook.
type Notifier interface {
	NotifyText(ctx context.Context, channelID, chatID, text string) error
	NotifyOutcome(ctx context.Context, channelID, chatID string, out conversation.Outcome) error
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Engine  *conversation.Engine
	DB      *store.DB
	Carrier carrier.Client
	// Invoicer is optional; without it crypto payments and top-ups are
	// unavailable.
	Invoicer payment.Invoicer
	Log      *logging.Logger
}

// Options tune an Orchestrator.
type Options struct {
	MaxTemplates int
	// InvoiceGrace is how long an invoice may stay pending before the
	// reconciler asks the provider about it.
	InvoiceGrace time.Duration
	Hooks        *hooks.Manager
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

// Orchestrator implements the domain actions of the order wizard.
type Orchestrator struct {
	engine    *conversation.Engine
	sessions  *store.SessionStore
	orders    *store.OrderStore
	templates *store.TemplateStore
	intents   *store.IntentStore
	ledger    *payment.Ledger
	carrier   carrier.Client
	invoicer  payment.Invoicer
	notifier  Notifier
	hooks     *hooks.Manager
	metrics   *metrics.Metrics
	log       *logging.Logger

	maxTemplates int
	invoiceGrace time.Duration
	now          func() time.Time
}

// New creates an orchestrator and binds it to the engine's action steps,
// cancellation and template saving.
func New(deps Deps, opts Options) *Orchestrator {
	if opts.MaxTemplates <= 0 {
		opts.MaxTemplates = 10
	}
	if opts.InvoiceGrace <= 0 {
		opts.InvoiceGrace = 2 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := deps.Log.Sub("orchestrator")
	o := &Orchestrator{
		engine:       deps.Engine,
		sessions:     store.NewSessionStore(deps.DB),
		orders:       store.NewOrderStore(deps.DB),
		templates:    store.NewTemplateStore(deps.DB),
		intents:      store.NewIntentStore(deps.DB),
		ledger:       payment.NewLedger(store.NewLedger(deps.DB), deps.Log),
		carrier:      deps.Carrier,
		invoicer:     deps.Invoicer,
		hooks:        opts.Hooks,
		metrics:      opts.Metrics,
		log:          log,
		maxTemplates: opts.MaxTemplates,
		invoiceGrace: opts.InvoiceGrace,
		now:          opts.Now,
	}

	o.engine.Bind(wizard.ConfirmData, o.confirmData)
	o.engine.Bind(wizard.SelectRate, o.selectRate)
	o.engine.Bind(wizard.PaymentMethod, o.paymentMethod)
	o.engine.Bind(wizard.AwaitPayment, o.awaitPayment)
	o.engine.OnCancel(o.release)
	o.engine.OnSaveTemplate(o.saveTemplate)
	return o
}

// SetNotifier sets where asynchronous results are delivered. The gateway
// adapter is built after the orchestrator, so this is not part of New.
func (o *Orchestrator) SetNotifier(n Notifier) {
	o.notifier = n
}

// Ledger returns the balance service.
func (o *Orchestrator) Ledger() *payment.Ledger { return o.ledger }

// CryptoEnabled reports whether crypto invoices can be issued.
func (o *Orchestrator) CryptoEnabled() bool { return o.invoicer != nil }

// IdempotencyKey derives the purchase key of a session's chosen rate.
func IdempotencyKey(userID, sessionID, rateID string) string {
	sum := sha256.Sum256([]byte(userID + "|" + sessionID + "|" + rateID))
	return hex.EncodeToString(sum[:])
}

// Balance returns a user's balance.
func (o *Orchestrator) Balance(ctx context.Context, userID string) (domain.Money, error) {
	return o.ledger.Balance(ctx, userID)
}

// Orders returns a user's most recent orders.
func (o *Orchestrator) Orders(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	return o.orders.ListOrders(ctx, userID, limit)
}

// Sessions lists open sessions, most recently active first.
func (o *Orchestrator) Sessions(ctx context.Context, limit int) ([]domain.Session, error) {
	return o.sessions.List(ctx, limit)
}

// Order returns one archived order.
func (o *Orchestrator) Order(ctx context.Context, id string) (*domain.Order, error) {
	return o.orders.Order(ctx, id)
}

// ClearSession discards a user's order in progress on an operator's
// request. Held money is released exactly as for a user's cancel.
func (o *Orchestrator) ClearSession(ctx context.Context, userID string) error {
	sess, err := o.sessions.Get(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := o.release(ctx, sess); err != nil {
		return err
	}
	if err := o.sessions.Clear(ctx, userID); err != nil {
		return err
	}
	o.log.Info().Str("user", userID).Str("session", sess.ID).Msg("session cleared by operator")
	o.emit(ctx, hooks.EventSessionCancelled, map[string]any{
		"user": userID, "session": sess.ID, "step": string(sess.CurrentStep), "by": "operator",
	})
	return nil
}

func (o *Orchestrator) emit(ctx context.Context, event string, data map[string]any) {
	if o.hooks != nil {
		o.hooks.Emit(ctx, event, data)
	}
}

// notify reports an asynchronous outcome to the user it belongs to.
func (o *Orchestrator) notify(ctx context.Context, in *domain.PaymentIntent, out conversation.Outcome) {
	if o.notifier == nil || in.ChannelID == "" {
		return
	}
	var err error
	switch {
	case out.Session != nil || out.Order != nil:
		err = o.notifier.NotifyOutcome(ctx, in.ChannelID, in.ChatID, out)
	case out.Notice != "":
		err = o.notifier.NotifyText(ctx, in.ChannelID, in.ChatID, out.Notice)
	default:
		return
	}
	if err != nil {
		o.log.Warn().Err(err).Str("user", in.UserID).Str("key", in.Key).Msg("notifying user failed")
	}
}

func invalid(sess *domain.Session, field, reason, hint string) conversation.Outcome {
	return conversation.ErrorOutcome(sess, &wizard.ValidationError{Field: field, Reason: reason, Hint: hint})
}

func violation(sess *domain.Session, op, format string, args ...any) conversation.Outcome {
	return conversation.ErrorOutcome(sess, &conversation.InvariantViolation{Op: op, Detail: fmt.Sprintf(format, args...)})
}

// retryable reports whether err is worth retrying rather than a definite
// refusal. Errors that do not say so are treated as retryable, since the
// provider may have acted on the request.
func retryable(err error) bool {
	var r conversation.Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}
