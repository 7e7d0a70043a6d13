package orchestrator

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/soyeahso/shipbot/internal/carrier"
	"github.com/soyeahso/shipbot/internal/conversation"
	"github.com/soyeahso/shipbot/internal/domain"
	"github.com/soyeahso/shipbot/internal/metrics"
	"github.com/soyeahso/shipbot/internal/wizard"
)

// confirmData quotes the shipment and offers the rates. A failed quote
// leaves the session at the summary so the user can retry.
func (o *Orchestrator) confirmData(ctx context.Context, sess *domain.Session, _ string) conversation.Outcome {
	if err := conversation.RequireFields("quote", sess.Fields, domain.QuoteFields); err != nil {
		return conversation.ErrorOutcome(sess, err)
	}
	shipment, err := sess.Fields.Shipment()
	if err != nil {
		return violation(sess, "quote", "%v", err)
	}

	rates, err := o.quote(ctx, shipment)
	switch {
	case errors.Is(err, carrier.ErrNoRates):
		return invalid(sess, "", "no carrier offers this route and parcel size",
			"Check the addresses and parcel with /edit")
	case err != nil:
		o.log.Warn().Err(err).Str("user", sess.UserID).Msg("quote failed")
		return conversation.ErrorOutcome(sess, conversation.RetryableError(err))
	}

	o.log.Info().Str("user", sess.UserID).Int("rates", len(rates)).Msg("rates quoted")
	return o.engine.Transition(ctx, sess, domain.Mutation{Step: wizard.SelectRate, Rates: &rates})
}

func (o *Orchestrator) quote(ctx context.Context, s domain.Shipment) ([]domain.Rate, error) {
	start := time.Now()
	rates, err := o.carrier.Quote(ctx, s)
	if o.metrics != nil {
		o.metrics.CarrierDuration.WithLabelValues("quote").Observe(time.Since(start).Seconds())
		o.metrics.CarrierRequests.WithLabelValues("quote", metrics.Result(err)).Inc()
	}
	return rates, err
}

// selectRate records the chosen rate. The choice is a rate id from the
// buttons, or its 1-based position in the list when typed.
func (o *Orchestrator) selectRate(ctx context.Context, sess *domain.Session, input string) conversation.Outcome {
	if input == "" {
		return invalid(sess, "rate", "choose one of the offered rates", "Use the buttons below")
	}
	r, ok := sess.Rate(input)
	if !ok {
		if n, err := strconv.Atoi(input); err == nil && n >= 1 && n <= len(sess.Rates) {
			r, ok = sess.Rates[n-1], true
		}
	}
	if !ok {
		return invalid(sess, "rate", "that rate is no longer offered", "Choose one of the rates above")
	}

	return o.engine.Transition(ctx, sess, domain.Mutation{
		Step: wizard.PaymentMethod,
		Patch: domain.Fields{
			domain.FieldRateID:  r.ID,
			domain.FieldCarrier: r.Carrier,
			domain.FieldService: r.Service,
			domain.FieldAmount:  r.Amount.Cents(),
		},
	})
}

// chosenRate returns the rate the session selected, with the amount that
// was shown to the user.
func chosenRate(sess *domain.Session) (domain.Rate, domain.Money, error) {
	if err := conversation.RequireFields("purchase", sess.Fields, domain.PurchaseFields); err != nil {
		return domain.Rate{}, 0, err
	}
	id := sess.Fields[domain.FieldRateID]
	r, ok := sess.Rate(id)
	if !ok {
		return domain.Rate{}, 0, &conversation.InvariantViolation{Op: "purchase", Detail: "rate " + id + " is not in the session quote"}
	}
	amount, err := domain.ParseMoney(sess.Fields[domain.FieldAmount])
	if err != nil || amount <= 0 {
		return domain.Rate{}, 0, &conversation.InvariantViolation{Op: "purchase", Detail: "bad amount " + sess.Fields[domain.FieldAmount]}
	}
	return r, amount, nil
}
