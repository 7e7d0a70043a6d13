package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/soyeahso/shipbot/internal/conversation"
	"github.com/soyeahso/shipbot/internal/domain"
	"github.com/soyeahso/shipbot/internal/hooks"
	"github.com/soyeahso/shipbot/internal/metrics"
	"github.com/soyeahso/shipbot/internal/payment"
	"github.com/soyeahso/shipbot/internal/store"
	"github.com/soyeahso/shipbot/internal/wizard"
)

// Top-up limits.
const (
	MinTopUp domain.Money = 1000
	MaxTopUp domain.Money = 1000000
)

// ErrCryptoUnavailable is returned when no invoice provider is configured.
var ErrCryptoUnavailable = errors.New("crypto payments are not configured")

// Invoice update sources.
const (
	SourceWebhook   = "webhook"
	SourceReconcile = "reconcile"
	SourceInquiry   = "inquiry"
)

// issueInvoice requests a crypto invoice for a pending order intent and
// moves the session to wait for it.
func (o *Orchestrator) issueInvoice(ctx context.Context, sess *domain.Session, in *domain.PaymentIntent) conversation.Outcome {
	if o.invoicer == nil {
		return invalid(sess, "payment", "crypto payments are not available", "Pay from your balance instead")
	}
	desc := fmt.Sprintf("Shipping label %s %s", sess.Fields[domain.FieldCarrier], sess.Fields[domain.FieldService])
	inv, err := o.invoicer.CreateInvoice(ctx, payment.InvoiceRequest{
		Amount: in.Amount, OrderID: in.Key, Description: strings.TrimSpace(desc),
	})
	if err != nil {
		o.countPayment(domain.PaymentCrypto, metrics.ResultError)
		o.log.Warn().Err(err).Str("user", in.UserID).Str("key", in.Key).Msg("creating invoice failed")
		return conversation.ErrorOutcome(sess, conversation.RetryableError(err))
	}

	moved, err := o.intents.TransitionIntent(ctx, in.Key, []string{domain.IntentPending}, domain.IntentInvoicePending,
		domain.IntentUpdate{TrackID: &inv.TrackID, PayLink: &inv.PayLink})
	if err != nil {
		return conversation.ErrorOutcome(sess, err)
	}
	if !moved {
		// Someone else moved the intent first; the invoice just created is
		// left unused and matched by order id if it is ever paid.
		cur, err := o.intents.Intent(ctx, in.Key)
		if err != nil {
			return conversation.ErrorOutcome(sess, err)
		}
		return o.settle(ctx, sess, cur)
	}
	in.Status, in.TrackID, in.PayLink = domain.IntentInvoicePending, inv.TrackID, inv.PayLink
	return o.awaitView(ctx, sess, in)
}

// awaitView puts the session at the payment wait step and attaches the
// invoice for rendering.
func (o *Orchestrator) awaitView(ctx context.Context, sess *domain.Session, in *domain.PaymentIntent) conversation.Outcome {
	out := conversation.Outcome{Kind: conversation.Advanced, Session: sess, Step: conversation.RenderStep(sess)}
	if sess.CurrentStep != wizard.AwaitPayment {
		m := moveTo(sess, wizard.AwaitPayment)
		m.Patch = domain.Fields{domain.FieldPaymentMethod: domain.PaymentCrypto}
		out = o.engine.Transition(ctx, sess, m)
	}
	out.Intent = in
	return out
}

// awaitPayment runs when the user asks whether the invoice has been paid.
func (o *Orchestrator) awaitPayment(ctx context.Context, sess *domain.Session, _ string) conversation.Outcome {
	r, _, err := chosenRate(sess)
	if err != nil {
		return conversation.ErrorOutcome(sess, err)
	}
	in, err := o.intents.Intent(ctx, IdempotencyKey(sess.UserID, sess.ID, r.ID))
	if errors.Is(err, store.ErrNotFound) {
		return violation(sess, "await payment", "session %s waits for an invoice it never opened", sess.ID)
	}
	if err != nil {
		return conversation.ErrorOutcome(sess, err)
	}
	if in.Status != domain.IntentInvoicePending {
		return o.settle(ctx, sess, in)
	}
	if o.invoicer == nil {
		return violation(sess, "await payment", "invoice %s open without a provider", in.TrackID)
	}

	st, err := o.invoicer.Inquiry(ctx, in.TrackID)
	if err != nil {
		return conversation.ErrorOutcome(sess, conversation.RetryableError(err))
	}
	o.countInvoice(SourceInquiry, st.Status)
	switch {
	case st.Paid():
		return o.applyPaid(ctx, in, in.TrackID)
	case st.Final():
		return o.expire(ctx, in)
	}
	return conversation.Outcome{
		Kind: conversation.Advanced, Session: sess, Step: conversation.RenderStep(sess), Intent: in,
		Notice: "Payment not received yet. Confirmation can take a few minutes.",
	}
}

// HandleInvoice applies a provider report about an invoice, from the
// payment webhook or the reconciler. Reports are matched by track id, then
// by order id. Repeated reports have no further effect. The user is told
// about the result.
func (o *Orchestrator) HandleInvoice(ctx context.Context, st payment.InvoiceStatus, source string) error {
	o.countInvoice(source, st.Status)

	in, err := o.intents.IntentByTrackID(ctx, st.TrackID)
	if errors.Is(err, store.ErrNotFound) && st.OrderID != "" {
		in, err = o.intents.Intent(ctx, st.OrderID)
	}
	if errors.Is(err, store.ErrNotFound) {
		o.log.Warn().Str("track", st.TrackID).Str("order", st.OrderID).Str("status", st.Status).Msg("report for unknown invoice")
		return nil
	}
	if err != nil {
		return err
	}

	var out conversation.Outcome
	switch {
	case st.Paid():
		out = o.applyPaid(ctx, in, st.TrackID)
	case st.Final() && in.TrackID == st.TrackID:
		out = o.expire(ctx, in)
	default:
		return nil
	}
	if out.Kind == conversation.InfraError {
		return out.Err
	}
	o.notify(ctx, in, out)
	return nil
}

// applyPaid credits a paid invoice to the balance, once per track id, and
// then continues whatever the money was for.
func (o *Orchestrator) applyPaid(ctx context.Context, in *domain.PaymentIntent, trackID string) conversation.Outcome {
	credited, err := o.ledger.CreditInvoice(ctx, in.UserID, in.Amount, trackID)
	if err != nil {
		return conversation.ErrorOutcome(nil, err)
	}
	if credited {
		o.countPayment(domain.PaymentCrypto, "paid")
	}

	moved, err := o.intents.TransitionIntent(ctx, in.Key,
		[]string{domain.IntentInvoicePending, domain.IntentExpired, domain.IntentCancelled},
		domain.IntentPaid, domain.IntentUpdate{})
	if err != nil {
		return conversation.ErrorOutcome(nil, err)
	}
	cur := in
	if moved {
		cur.Status = domain.IntentPaid
	} else if cur, err = o.intents.Intent(ctx, in.Key); err != nil {
		return conversation.ErrorOutcome(nil, err)
	}

	paidEvent := func(result string) {
		o.emit(ctx, hooks.EventPaymentReceived, map[string]any{
			"user": in.UserID, "key": in.Key, "track": trackID, "amount": in.Amount.String(),
			"purpose": in.Purpose, "result": result,
		})
	}

	if cur.Status != domain.IntentPaid {
		if !credited {
			return conversation.Outcome{Kind: conversation.Ignored}
		}
		// A second invoice for something already paid for.
		paidEvent("kept_on_balance")
		return conversation.Outcome{Kind: conversation.Ignored,
			Notice: fmt.Sprintf("Payment of %s received and added to your balance.", in.Amount)}
	}

	if cur.Purpose == domain.PurposeTopUp {
		if _, err := o.intents.TransitionIntent(ctx, cur.Key, []string{domain.IntentPaid},
			domain.IntentCompleted, domain.IntentUpdate{}); err != nil {
			return conversation.ErrorOutcome(nil, err)
		}
		paidEvent("topup")
		bal, err := o.ledger.Balance(ctx, cur.UserID)
		if err != nil {
			return conversation.ErrorOutcome(nil, err)
		}
		return conversation.Outcome{Kind: conversation.Ignored,
			Notice: fmt.Sprintf("Top-up of %s received. Your balance is %s.", cur.Amount, bal)}
	}

	sess, err := o.sessions.Get(ctx, cur.UserID)
	switch {
	case err == nil && sess.ID == cur.SessionID && !sess.Completed:
		paidEvent("order")
		return o.settle(ctx, sess, cur)
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return conversation.ErrorOutcome(nil, err)
	}

	if _, err := o.intents.TransitionIntent(ctx, cur.Key, []string{domain.IntentPaid},
		domain.IntentCredited, domain.IntentUpdate{}); err != nil {
		return conversation.ErrorOutcome(nil, err)
	}
	o.log.Info().Str("user", cur.UserID).Str("key", cur.Key).Msg("payment for an abandoned order kept on balance")
	paidEvent("kept_on_balance")
	return conversation.Outcome{Kind: conversation.Ignored,
		Notice: fmt.Sprintf("Payment of %s received. The order it was for is no longer active, so the amount was added to your balance.", cur.Amount)}
}

// expire closes an invoice the provider reports as expired or failed and
// lets a waiting session choose how to pay again.
func (o *Orchestrator) expire(ctx context.Context, in *domain.PaymentIntent) conversation.Outcome {
	moved, err := o.intents.TransitionIntent(ctx, in.Key, []string{domain.IntentInvoicePending},
		domain.IntentExpired, domain.IntentUpdate{})
	if err != nil {
		return conversation.ErrorOutcome(nil, err)
	}
	if !moved {
		return conversation.Outcome{Kind: conversation.Ignored}
	}
	o.log.Info().Str("user", in.UserID).Str("key", in.Key).Str("track", in.TrackID).Msg("invoice expired")
	if in.Purpose == domain.PurposeTopUp {
		return conversation.Outcome{Kind: conversation.Ignored, Notice: "Your top-up invoice expired."}
	}

	sess, err := o.sessions.Get(ctx, in.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return conversation.Outcome{Kind: conversation.Ignored}
	}
	if err != nil {
		return conversation.ErrorOutcome(nil, err)
	}
	if sess.ID != in.SessionID || sess.CurrentStep != wizard.AwaitPayment {
		return conversation.Outcome{Kind: conversation.Ignored}
	}
	out := o.engine.Transition(ctx, sess, moveTo(sess, wizard.PaymentMethod))
	if out.Kind == conversation.Advanced {
		out.Notice = "The invoice expired. Choose how to pay again."
	}
	return out
}

// ParseTopUp reads a top-up amount in dollars, e.g. "25" or "25.50".
func ParseTopUp(s string) (domain.Money, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "$")
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil || v <= 0 {
		return 0, &wizard.ValidationError{Field: "amount", Reason: "enter the amount in dollars", Hint: "Example: /topup 25"}
	}
	amount := domain.MoneyFromFloat(v)
	if amount < MinTopUp || amount > MaxTopUp {
		return 0, &wizard.ValidationError{Field: "amount",
			Reason: fmt.Sprintf("top-ups must be between %s and %s", MinTopUp, MaxTopUp), Hint: "Example: /topup 25"}
	}
	return amount, nil
}

// TopUp issues an invoice whose payment is credited to the balance.
func (o *Orchestrator) TopUp(ctx context.Context, key domain.SessionKey, amount domain.Money) (*domain.PaymentIntent, error) {
	if o.invoicer == nil {
		return nil, ErrCryptoUnavailable
	}
	if amount < MinTopUp || amount > MaxTopUp {
		return nil, &wizard.ValidationError{Field: "amount",
			Reason: fmt.Sprintf("top-ups must be between %s and %s", MinTopUp, MaxTopUp), Hint: "Example: /topup 25"}
	}

	in, _, err := o.intents.CreateIntent(ctx, domain.PaymentIntent{
		Key:       "topup:" + uuid.NewString(),
		UserID:    key.UserID(),
		ChannelID: key.ChannelID,
		ChatID:    key.ChatID,
		Purpose:   domain.PurposeTopUp,
		Amount:    amount,
		Method:    domain.PaymentCrypto,
	})
	if err != nil {
		return nil, err
	}
	inv, err := o.invoicer.CreateInvoice(ctx, payment.InvoiceRequest{Amount: amount, OrderID: in.Key, Description: "Balance top-up"})
	if err != nil {
		if _, terr := o.intents.TransitionIntent(ctx, in.Key, []string{domain.IntentPending},
			domain.IntentCancelled, domain.IntentUpdate{}); terr != nil {
			o.log.Error().Err(terr).Str("key", in.Key).Msg("cancelling top-up intent failed")
		}
		return nil, fmt.Errorf("creating top-up invoice: %w", err)
	}
	if _, err := o.intents.TransitionIntent(ctx, in.Key, []string{domain.IntentPending}, domain.IntentInvoicePending,
		domain.IntentUpdate{TrackID: &inv.TrackID, PayLink: &inv.PayLink}); err != nil {
		return nil, err
	}
	in.Status, in.TrackID, in.PayLink = domain.IntentInvoicePending, inv.TrackID, inv.PayLink
	o.log.Info().Str("user", in.UserID).Str("key", in.Key).Stringer("amount", amount).Msg("top-up invoice issued")
	return in, nil
}

func (o *Orchestrator) countInvoice(source, status string) {
	if o.metrics != nil {
		o.metrics.InvoiceUpdates.WithLabelValues(source, strings.ToLower(status)).Inc()
	}
}
