package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/soyeahso/shipbot/internal/conversation"
	"github.com/soyeahso/shipbot/internal/domain"
	"github.com/soyeahso/shipbot/internal/hooks"
	"github.com/soyeahso/shipbot/internal/metrics"
	"github.com/soyeahso/shipbot/internal/payment"
	"github.com/soyeahso/shipbot/internal/store"
	"github.com/soyeahso/shipbot/internal/wizard"
)

// settleSteps bounds how many intent transitions one settle call walks.
const settleSteps = 8

// paymentMethod opens (or finds) the payment intent for the chosen rate and
// drives it as far as it can go. Confirm without a method retries the
// intent already open for the session.
func (o *Orchestrator) paymentMethod(ctx context.Context, sess *domain.Session, method string) conversation.Outcome {
	r, amount, err := chosenRate(sess)
	if err != nil {
		return conversation.ErrorOutcome(sess, err)
	}
	key := IdempotencyKey(sess.UserID, sess.ID, r.ID)

	if method == "" {
		in, err := o.intents.Intent(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return invalid(sess, "payment", "choose a payment method", "Use the buttons below")
		}
		if err != nil {
			return conversation.ErrorOutcome(sess, err)
		}
		return o.settle(ctx, sess, in)
	}

	in, created, err := o.intents.CreateIntent(ctx, domain.PaymentIntent{
		Key:       key,
		UserID:    sess.UserID,
		SessionID: sess.ID,
		ChannelID: sess.Key.ChannelID,
		ChatID:    sess.Key.ChatID,
		Purpose:   domain.PurposeOrder,
		RateID:    r.ID,
		Amount:    amount,
		Method:    method,
		Snapshot:  sess.Fields.Clone(),
		Rate:      &r,
	})
	if err != nil {
		return conversation.ErrorOutcome(sess, err)
	}
	if created {
		o.log.Info().Str("user", sess.UserID).Str("key", key).Str("method", method).
			Stringer("amount", amount).Msg("payment intent opened")
	}

	switch {
	case in.Status == domain.IntentInvoicePending && method == domain.PaymentBalance:
		return invalid(sess, "payment", "an invoice is already open for this order", "Pay it with the link or cancel the order")
	case in.Status == domain.IntentExpired || (in.Status == domain.IntentPending && in.Method != method):
		// A new choice re-arms an idle intent; the idempotency key stays.
		if _, err := o.intents.TransitionIntent(ctx, key,
			[]string{domain.IntentPending, domain.IntentExpired}, domain.IntentPending,
			domain.IntentUpdate{Method: &method}); err != nil {
			return conversation.ErrorOutcome(sess, err)
		}
		if in, err = o.intents.Intent(ctx, key); err != nil {
			return conversation.ErrorOutcome(sess, err)
		}
	}
	return o.settle(ctx, sess, in)
}

// settle walks the intent forward from its stored status until the order
// is archived or a step needs the user. Each transition is a
// compare-and-set, so concurrent settles of one key cannot both act.
func (o *Orchestrator) settle(ctx context.Context, sess *domain.Session, in *domain.PaymentIntent) conversation.Outcome {
	for range settleSteps {
		switch in.Status {
		case domain.IntentPending:
			if in.Method == domain.PaymentCrypto {
				return o.issueInvoice(ctx, sess, in)
			}
			if out, done := o.debit(ctx, sess, in); done {
				return out
			}
		case domain.IntentPaid:
			if out, done := o.debit(ctx, sess, in); done {
				return out
			}
		case domain.IntentDebited:
			if out, done := o.purchase(ctx, sess, in); done {
				return out
			}
		case domain.IntentPurchasing:
			return conversation.Outcome{
				Kind: conversation.Ignored, Session: sess, Step: conversation.RenderStep(sess),
				Notice: "Your label is being purchased, please wait",
			}
		case domain.IntentLabelPurchased, domain.IntentCompleted:
			return o.archive(ctx, sess, in)
		case domain.IntentInvoicePending:
			return o.awaitView(ctx, sess, in)
		case domain.IntentRefunded:
			return o.rateRefused(ctx, sess, in)
		case domain.IntentCancelled, domain.IntentExpired, domain.IntentCredited:
			return invalid(sess, "payment", "this payment is closed", "Choose how to pay again")
		default:
			return violation(sess, "settle", "intent %s has unknown status %q", in.Key, in.Status)
		}

		cur, err := o.intents.Intent(ctx, in.Key)
		if err != nil {
			return conversation.ErrorOutcome(sess, err)
		}
		in = cur
	}
	return violation(sess, "settle", "intent %s did not settle, last status %q", in.Key, in.Status)
}

// debit takes the order amount from the balance once per key. The debit and
// the move to debited commit together.
func (o *Orchestrator) debit(ctx context.Context, sess *domain.Session, in *domain.PaymentIntent) (conversation.Outcome, bool) {
	moved, err := o.ledger.DebitIntent(ctx, in, []string{domain.IntentPending, domain.IntentPaid}, domain.IntentDebited)
	if errors.Is(err, payment.ErrInsufficientFunds) {
		o.countPayment(in.Method, "insufficient_funds")
		bal, berr := o.ledger.Balance(ctx, in.UserID)
		if berr != nil {
			return conversation.ErrorOutcome(sess, berr), true
		}
		hint := "Top up with /topup"
		if o.invoicer != nil && in.Method == domain.PaymentBalance {
			hint += " or pay with crypto"
		}
		return invalid(sess, "payment", fmt.Sprintf("your balance of %s does not cover %s", bal, in.Amount), hint), true
	}
	if err != nil {
		return conversation.ErrorOutcome(sess, err), true
	}
	if moved {
		o.countPayment(in.Method, metrics.ResultOK)
	}
	return conversation.Outcome{}, false
}

// purchase claims the intent and buys the label. Only the caller that moves
// the intent to purchasing talks to the carrier.
func (o *Orchestrator) purchase(ctx context.Context, sess *domain.Session, in *domain.PaymentIntent) (conversation.Outcome, bool) {
	claimed, err := o.intents.TransitionIntent(ctx, in.Key,
		[]string{domain.IntentDebited}, domain.IntentPurchasing, domain.IntentUpdate{})
	if err != nil {
		return conversation.ErrorOutcome(sess, err), true
	}
	if !claimed {
		return conversation.Outcome{}, false
	}
	// The label may be bought after the request context ends; the
	// bookkeeping that follows must still happen.
	ctx = context.WithoutCancel(ctx)

	shipment, serr := sess.Fields.Shipment()
	r, ok := sess.Rate(in.RateID)
	if serr != nil || !ok {
		if _, err := o.intents.TransitionIntent(ctx, in.Key, []string{domain.IntentPurchasing},
			domain.IntentDebited, domain.IntentUpdate{}); err != nil {
			o.log.Error().Err(err).Str("key", in.Key).Msg("releasing label claim failed")
		}
		return violation(sess, "purchase", "session %s has no shipment or rate %s", sess.ID, in.RateID), true
	}

	start := time.Now()
	label, err := o.carrier.Purchase(ctx, shipment, r)
	if o.metrics != nil {
		o.metrics.CarrierDuration.WithLabelValues("purchase").Observe(time.Since(start).Seconds())
		o.metrics.CarrierRequests.WithLabelValues("purchase", metrics.Result(err)).Inc()
	}
	if err != nil {
		return o.labelFailed(ctx, sess, in, shipment, err), true
	}
	o.countLabel(metrics.ResultOK)
	o.log.Info().Str("user", in.UserID).Str("key", in.Key).Str("label", label.ID).
		Str("tracking", label.TrackingNumber).Msg("label purchased")

	if _, err := o.intents.TransitionIntent(ctx, in.Key, []string{domain.IntentPurchasing},
		domain.IntentLabelPurchased, domain.IntentUpdate{Label: label}); err != nil {
		o.log.Error().Err(err).Str("key", in.Key).Str("label", label.ID).
			Str("tracking", label.TrackingNumber).Msg("label bought but not recorded")
		return conversation.ErrorOutcome(sess, err), true
	}
	return conversation.Outcome{}, false
}

// labelFailed handles a refused purchase. A transient failure releases the
// claim and keeps the debit for the retry; a definite refusal refunds the
// debit and sends the user back to the summary for a fresh quote.
func (o *Orchestrator) labelFailed(ctx context.Context, sess *domain.Session, in *domain.PaymentIntent, shipment domain.Shipment, cause error) conversation.Outcome {
	o.countLabel(metrics.ResultError)
	permanent := !retryable(cause)
	o.emit(ctx, hooks.EventLabelFailed, map[string]any{
		"user": in.UserID, "session": in.SessionID, "key": in.Key, "rate": in.RateID,
		"amount": in.Amount.String(), "error": cause.Error(), "refunded": permanent,
	})

	if !permanent {
		if _, err := o.intents.TransitionIntent(ctx, in.Key, []string{domain.IntentPurchasing},
			domain.IntentDebited, domain.IntentUpdate{}); err != nil {
			o.log.Error().Err(err).Str("key", in.Key).Msg("releasing label claim failed")
		}
		o.log.Warn().Err(cause).Str("user", in.UserID).Str("key", in.Key).Msg("label purchase failed, retry is safe")
		return conversation.ErrorOutcome(sess, conversation.RetryableError(cause))
	}

	o.log.Warn().Err(cause).Str("user", in.UserID).Str("key", in.Key).Msg("label refused, refunding")
	if _, err := o.intents.TransitionIntent(ctx, in.Key, []string{domain.IntentPurchasing},
		domain.IntentRefunded, domain.IntentUpdate{}); err != nil {
		return conversation.ErrorOutcome(sess, err)
	}
	if inv, ok := o.carrier.(interface{ Invalidate(domain.Shipment) }); ok {
		inv.Invalidate(shipment)
	}
	in.Status = domain.IntentRefunded
	return o.rateRefused(ctx, sess, in)
}

// rateRefused returns the debit of a refunded intent and moves the session
// back to the summary with the stale rates dropped. The refund is keyed, so
// repeating it after a failure is safe.
func (o *Orchestrator) rateRefused(ctx context.Context, sess *domain.Session, in *domain.PaymentIntent) conversation.Outcome {
	applied, err := o.ledger.Refund(ctx, in.UserID, in.Amount, in.Key)
	if err != nil {
		return conversation.ErrorOutcome(sess, err)
	}
	if applied && o.metrics != nil {
		o.metrics.Refunds.Inc()
	}
	var none []domain.Rate
	m := moveTo(sess, wizard.ConfirmData)
	m.Rates = &none
	out := o.engine.Transition(ctx, sess, m)
	if out.Kind == conversation.Advanced {
		out.Notice = fmt.Sprintf("The carrier could not sell this label. %s was returned to your balance. Confirm the order to get fresh rates.", in.Amount)
	}
	return out
}

// archive records the order and removes the session in one step. It is
// safe to repeat: the order is keyed and a missing session is not an error.
func (o *Orchestrator) archive(ctx context.Context, sess *domain.Session, in *domain.PaymentIntent) conversation.Outcome {
	if in.Label == nil {
		return violation(sess, "archive", "intent %s has no label", in.Key)
	}
	order, err := o.sessions.CompleteAndArchive(ctx, in.UserID, orderFor(in, sess))
	if err != nil {
		return conversation.ErrorOutcome(sess, err)
	}
	moved, err := o.intents.TransitionIntent(ctx, in.Key, []string{domain.IntentLabelPurchased},
		domain.IntentCompleted, domain.IntentUpdate{})
	if err != nil {
		// The order is stored; the reconciler finishes the intent.
		o.log.Warn().Err(err).Str("key", in.Key).Msg("completing intent failed")
	}
	if moved {
		o.log.Info().Str("user", in.UserID).Str("order", order.ID).Str("key", in.Key).
			Str("tracking", order.Label.TrackingNumber).Msg("order completed")
		o.emit(ctx, hooks.EventOrderCompleted, map[string]any{
			"user": in.UserID, "order": order.ID, "key": in.Key, "amount": order.Amount.String(),
			"method": order.PaymentMethod, "carrier": order.Rate.Carrier, "service": order.Rate.Service,
			"tracking": order.Label.TrackingNumber,
		})
	}
	return conversation.Outcome{Kind: conversation.Completed, Order: order}
}

// orderFor builds the order record from what the intent paid for, falling
// back to the session for intents opened before snapshots were kept.
func orderFor(in *domain.PaymentIntent, sess *domain.Session) domain.Order {
	order := domain.Order{
		SessionID:      in.SessionID,
		IdempotencyKey: in.Key,
		Snapshot:       in.Snapshot.Clone(),
		Rate:           domain.Rate{ID: in.RateID},
		Amount:         in.Amount,
		PaymentMethod:  in.Method,
		PaymentStatus:  domain.PaymentStatusPaid,
		ShippingStatus: domain.ShippingStatusLabelCreated,
		Label:          *in.Label,
	}
	if in.Rate != nil {
		order.Rate = *in.Rate
	}
	if sess == nil {
		return order
	}
	if len(order.Snapshot) == 0 {
		order.Snapshot = sess.Fields.Clone()
	}
	if in.Rate == nil {
		if r, ok := sess.Rate(in.RateID); ok {
			order.Rate = r
		}
	}
	return order
}

// moveTo is a mutation to step that also retargets an open interrupt, so
// leaving the interrupt lands on step as well.
func moveTo(sess *domain.Session, step domain.StepID) domain.Mutation {
	m := domain.Mutation{Step: step}
	if sess.Interrupted() {
		m.LastStepBeforeInterrupt = domain.StepPtr(step)
	}
	return m
}

// release settles the intents of a session being cancelled or discarded.
// Open invoices are cancelled, debits not yet spent on a label are refunded
// and paid invoices stay on the balance. A label already being bought
// blocks the cancellation.
func (o *Orchestrator) release(ctx context.Context, sess *domain.Session) error {
	ins, err := o.intents.IntentsForSession(ctx, sess.ID)
	if err != nil {
		return err
	}
	for i := range ins {
		if err := o.releaseIntent(ctx, &ins[i]); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) releaseIntent(ctx context.Context, in *domain.PaymentIntent) error {
	for range settleSteps {
		var (
			from []string
			to   string
		)
		switch in.Status {
		case domain.IntentPurchasing, domain.IntentLabelPurchased:
			return &wizard.ValidationError{Field: "payment", Reason: "the label is already being purchased", Hint: "Wait a moment for it to finish"}
		case domain.IntentPending:
			// A debit under the key means the charge went through even
			// though the intent never showed it; it is returned like a
			// held debit.
			debited, err := o.ledger.Debited(ctx, in.Key)
			if err != nil {
				return err
			}
			from, to = []string{in.Status}, domain.IntentCancelled
			if debited {
				to = domain.IntentRefunded
			}
		case domain.IntentInvoicePending, domain.IntentExpired:
			from, to = []string{in.Status}, domain.IntentCancelled
		case domain.IntentPaid:
			from, to = []string{in.Status}, domain.IntentCredited
		case domain.IntentDebited:
			from, to = []string{in.Status}, domain.IntentRefunded
		case domain.IntentRefunded:
			applied, err := o.ledger.Refund(ctx, in.UserID, in.Amount, in.Key)
			if err != nil {
				return err
			}
			if applied && o.metrics != nil {
				o.metrics.Refunds.Inc()
			}
			return nil
		default:
			return nil
		}

		moved, err := o.intents.TransitionIntent(ctx, in.Key, from, to, domain.IntentUpdate{})
		if err != nil {
			return err
		}
		if moved {
			o.log.Info().Str("user", in.UserID).Str("key", in.Key).Str("from", in.Status).Str("to", to).Msg("intent released")
			in.Status = to
			if to != domain.IntentRefunded {
				return nil
			}
		}
		cur, err := o.intents.Intent(ctx, in.Key)
		if err != nil {
			return err
		}
		*in = *cur
	}
	return &conversation.InvariantViolation{Op: "release", Detail: "intent " + in.Key + " did not settle"}
}

func (o *Orchestrator) countPayment(method, result string) {
	if o.metrics != nil {
		o.metrics.Payments.WithLabelValues(method, result).Inc()
	}
}

func (o *Orchestrator) countLabel(result string) {
	if o.metrics != nil {
		o.metrics.Labels.WithLabelValues(result).Inc()
	}
}
