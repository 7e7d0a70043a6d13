package orchestrator

import (
	"context"
	"errors"

	"github.com/soyeahso/shipbot/internal/conversation"
	"github.com/soyeahso/shipbot/internal/domain"
	"github.com/soyeahso/shipbot/internal/hooks"
	"github.com/soyeahso/shipbot/internal/payment"
	"github.com/soyeahso/shipbot/internal/store"
)

// reconcileBatch caps the intents examined per status and run.
const reconcileBatch = 100

// ReconcileReport counts what one reconciliation run did.
type ReconcileReport struct {
	Checked  int // open invoices asked about
	Paid     int
	Expired  int
	Resumed  int // purchases finished for a waiting session
	Refunded int // debits returned for abandoned orders
	Archived int
	Stuck    int // label purchases with no known result
}

// Reconcile finishes work left behind by lost webhooks and crashes:
// invoices pending past the grace period are checked with the provider,
// interrupted purchases are resumed or refunded and bought labels are
// archived. Every step is keyed, so runs may overlap with live traffic.
func (o *Orchestrator) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var (
		rep  ReconcileReport
		errs []error
	)
	cutoff := o.now().Add(-o.invoiceGrace)

	if o.invoicer != nil {
		open, err := o.intents.IntentsByStatus(ctx, []string{domain.IntentInvoicePending}, cutoff, reconcileBatch)
		if err != nil {
			return rep, err
		}
		for _, in := range open {
			st, err := o.invoicer.Inquiry(ctx, in.TrackID)
			if err != nil {
				o.log.Warn().Err(err).Str("track", in.TrackID).Msg("invoice inquiry failed")
				continue
			}
			rep.Checked++
			if !st.Final() {
				continue
			}
			report := *st
			report.TrackID = in.TrackID
			if err := o.HandleInvoice(ctx, report, SourceReconcile); err != nil {
				errs = append(errs, err)
				continue
			}
			if st.Paid() {
				rep.Paid++
			} else {
				rep.Expired++
			}
		}
	}

	held, err := o.intents.IntentsByStatus(ctx,
		[]string{domain.IntentPending, domain.IntentPaid, domain.IntentDebited, domain.IntentLabelPurchased}, cutoff, reconcileBatch)
	if err != nil {
		return rep, errors.Join(append(errs, err)...)
	}
	for i := range held {
		if err := o.resume(ctx, &held[i], &rep); err != nil {
			errs = append(errs, err)
		}
	}

	stuck, err := o.intents.IntentsByStatus(ctx, []string{domain.IntentPurchasing}, cutoff, reconcileBatch)
	if err != nil {
		return rep, errors.Join(append(errs, err)...)
	}
	alertAfter := cutoff.Add(-o.invoiceGrace)
	for _, in := range stuck {
		rep.Stuck++
		// Alert once, in the run that first sees the purchase as stuck.
		if in.UpdatedAt.Before(alertAfter) {
			continue
		}
		o.log.Error().Str("user", in.UserID).Str("key", in.Key).Msg("label purchase has no recorded result")
		o.emit(ctx, hooks.EventLabelFailed, map[string]any{
			"user": in.UserID, "session": in.SessionID, "key": in.Key, "rate": in.RateID,
			"amount": in.Amount.String(), "error": "purchase result unknown, check the carrier account", "stuck": true,
		})
	}

	if rep != (ReconcileReport{}) {
		o.log.Info().Int("checked", rep.Checked).Int("paid", rep.Paid).Int("expired", rep.Expired).
			Int("resumed", rep.Resumed).Int("refunded", rep.Refunded).Int("archived", rep.Archived).
			Int("stuck", rep.Stuck).Msg("reconciled")
	}
	return rep, errors.Join(errs...)
}

// resume continues an intent whose request stopped half way. With its
// session still open the purchase is finished; otherwise the money goes
// back to the balance, or a bought label is archived as an order. A pending
// intent is only touched when it was charged or its session is gone.
func (o *Orchestrator) resume(ctx context.Context, in *domain.PaymentIntent, rep *ReconcileReport) error {
	if in.Purpose != domain.PurposeOrder {
		return nil
	}
	sess, err := o.sessions.Get(ctx, in.UserID)
	switch {
	case err == nil && sess.ID == in.SessionID && !sess.Completed:
	case err == nil, errors.Is(err, store.ErrNotFound):
		sess = nil
	default:
		return err
	}

	if in.Status == domain.IntentPending {
		debited, err := o.ledger.Debited(ctx, in.Key)
		if err != nil {
			return err
		}
		if !debited && sess != nil {
			return nil
		}
	}

	var out conversation.Outcome
	switch {
	case in.Status == domain.IntentLabelPurchased:
		out = o.archive(ctx, sess, in)
		if out.Kind == conversation.Completed {
			rep.Archived++
		}
	case sess != nil:
		out = o.settle(ctx, sess, in)
		rep.Resumed++
	default:
		if err := o.releaseIntent(ctx, in); err != nil {
			return err
		}
		if in.Status == domain.IntentCancelled {
			return nil
		}
		rep.Refunded++
		if in.Status == domain.IntentRefunded {
			out = conversation.Outcome{Kind: conversation.Ignored,
				Notice: "Your unfinished order expired. " + in.Amount.String() + " was returned to your balance."}
		}
	}
	if out.Kind == conversation.InfraError {
		return out.Err
	}
	o.notify(ctx, in, out)
	return nil
}

// InvoiceStatus asks the provider about an invoice, for admin tooling.
func (o *Orchestrator) InvoiceStatus(ctx context.Context, trackID string) (*payment.InvoiceStatus, error) {
	if o.invoicer == nil {
		return nil, ErrCryptoUnavailable
	}
	return o.invoicer.Inquiry(ctx, trackID)
}
