package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

var u1 = domain.SessionKey{ChannelID: "telegram", ChatID: "100", SenderID: "100"}

type recorder struct {
	mu       sync.Mutex
	texts    []string
	outcomes []conversation.Outcome
}

func (r *recorder) NotifyText(_ context.Context, _, _ string, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return nil
}

func (r *recorder) NotifyOutcome(_ context.Context, _, _ string, out conversation.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, out)
	return nil
}

type harness struct {
	db       *store.DB
	engine   *conversation.Engine
	orch     *Orchestrator
	carrier  *carrier.MockClient
	invoicer *payment.MockInvoicer
	metrics  *metrics.Metrics
	notes    *recorder

	purchases atomic.Int32
	completed atomic.Int32
	labelFail atomic.Int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logging.New(nil, "silent")
	db, err := store.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{db: db, invoicer: &payment.MockInvoicer{}, metrics: metrics.New(), notes: &recorder{}}
	h.carrier = &carrier.MockClient{}
	mock := *h.carrier
	h.carrier.PurchaseFunc = func(ctx context.Context, s domain.Shipment, r domain.Rate) (*domain.Label, error) {
		h.purchases.Add(1)
		return mock.Purchase(ctx, s, r)
	}

	hk := hooks.NewManager(log)
	hk.On(hooks.EventOrderCompleted, "test", func(context.Context, hooks.Payload) error {
		h.completed.Add(1)
		return nil
	})
	hk.On(hooks.EventLabelFailed, "test", func(context.Context, hooks.Payload) error {
		h.labelFail.Add(1)
		return nil
	})

	reg := wizard.New(wizard.Options{Phone: func() string { return "+15550000000" }})
	h.engine = conversation.New(store.NewSessionStore(db), reg, log, conversation.Options{Hooks: hk})
	h.orch = New(Deps{Engine: h.engine, DB: db, Carrier: h.carrier, Invoicer: h.invoicer, Log: log},
		Options{Hooks: hk, Metrics: h.metrics, MaxTemplates: 2,
			Now: func() time.Time { return time.Now().Add(time.Hour) }})
	h.orch.SetNotifier(h.notes)
	return h
}

func fullFields() domain.Fields {
	return domain.Fields{
		domain.FieldFromName: "John Smith", domain.FieldFromAddress: "123 Main St", domain.FieldFromCity: "New York",
		domain.FieldFromState: "NY", domain.FieldFromZip: "10001", domain.FieldFromPhone: "+12125550100",
		domain.FieldToName: "Jane Doe", domain.FieldToAddress: "9 Elm St", domain.FieldToCity: "Austin",
		domain.FieldToState: "TX", domain.FieldToZip: "73301", domain.FieldToPhone: "+15125550100",
		domain.FieldWeight: "2", domain.FieldLength: "10", domain.FieldWidth: "8", domain.FieldHeight: "4",
	}
}

func (h *harness) text(s string) conversation.Outcome {
	return h.engine.Advance(context.Background(), u1, domain.TextEvent(s))
}

func (h *harness) cmd(c domain.StructuralCommand) conversation.Outcome {
	return h.engine.Advance(context.Background(), u1, domain.CommandEvent(c))
}

func (h *harness) fund(t *testing.T, amount domain.Money) {
	t.Helper()
	_, err := h.orch.Ledger().Adjust(context.Background(), u1.UserID(), amount, "seed", "test")
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T) domain.Money {
	t.Helper()
	bal, err := h.orch.Balance(context.Background(), u1.UserID())
	require.NoError(t, err)
	return bal
}

func (h *harness) session(t *testing.T) *domain.Session {
	t.Helper()
	sess, err := store.NewSessionStore(h.db).Get(context.Background(), u1.UserID())
	require.NoError(t, err)
	return sess
}

func (h *harness) orderCount(t *testing.T) int {
	t.Helper()
	n, err := store.NewOrderStore(h.db).CountOrders(context.Background())
	require.NoError(t, err)
	return n
}

// toPayment walks a prefilled order to the payment choice with rate se-1.
func (h *harness) toPayment(t *testing.T) *domain.Session {
	t.Helper()
	out := h.engine.Advance(context.Background(), u1, domain.Event{Kind: domain.EventStart, Prefill: fullFields()})
	require.Equal(t, wizard.ConfirmData, out.Step)
	out = h.cmd(domain.Confirm)
	require.Equal(t, conversation.Advanced, out.Kind, "%v", out.Err)
	require.Equal(t, wizard.SelectRate, out.Step)
	out = h.text("se-1")
	require.Equal(t, conversation.Advanced, out.Kind, "%v", out.Err)
	require.Equal(t, wizard.PaymentMethod, out.Step)
	return out.Session
}

func (h *harness) intent(t *testing.T, sess *domain.Session) *domain.PaymentIntent {
	t.Helper()
	in, err := store.NewIntentStore(h.db).Intent(context.Background(), IdempotencyKey(sess.UserID, sess.ID, "se-1"))
	require.NoError(t, err)
	return in
}

// --- Rates ---

func TestConfirmData_QuotesRates(t *testing.T) {
	h := newHarness(t)
	sess := h.toPayment(t)
	assert.Len(t, sess.Rates, 2)
	assert.Equal(t, "se-1", sess.Fields[domain.FieldRateID])
	assert.Equal(t, "USPS", sess.Fields[domain.FieldCarrier])
	assert.Equal(t, "1500", sess.Fields[domain.FieldAmount])
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CarrierRequests.WithLabelValues("quote", "ok")))
}

func TestConfirmData_QuoteFailureKeepsSession(t *testing.T) {
	h := newHarness(t)
	h.carrier.QuoteFunc = func(context.Context, domain.Shipment) ([]domain.Rate, error) {
		return nil, &carrier.APIError{Provider: "shipstation", Status: 503, Message: "unavailable"}
	}
	h.engine.Advance(context.Background(), u1, domain.Event{Kind: domain.EventStart, Prefill: fullFields()})
	before := h.session(t)

	out := h.cmd(domain.Confirm)
	assert.Equal(t, conversation.InfraError, out.Kind)
	after := h.session(t)
	assert.Equal(t, wizard.ConfirmData, after.CurrentStep)
	assert.Equal(t, before.Fields, after.Fields)
	assert.Empty(t, after.Rates)
}

func TestConfirmData_NoRates(t *testing.T) {
	h := newHarness(t)
	h.carrier.QuoteFunc = func(context.Context, domain.Shipment) ([]domain.Rate, error) {
		return nil, carrier.ErrNoRates
	}
	h.engine.Advance(context.Background(), u1, domain.Event{Kind: domain.EventStart, Prefill: fullFields()})
	out := h.cmd(domain.Confirm)
	assert.Equal(t, conversation.Invalid, out.Kind)
	assert.Equal(t, wizard.ConfirmData, h.session(t).CurrentStep)
}

func TestSelectRate_ByPositionAndUnknown(t *testing.T) {
	h := newHarness(t)
	h.engine.Advance(context.Background(), u1, domain.Event{Kind: domain.EventStart, Prefill: fullFields()})
	h.cmd(domain.Confirm)

	out := h.text("se-9")
	assert.Equal(t, conversation.Invalid, out.Kind)
	assert.Equal(t, conversation.Invalid, h.cmd(domain.Confirm).Kind)

	out = h.text("2")
	require.Equal(t, conversation.Advanced, out.Kind)
	assert.Equal(t, "se-2", out.Session.Fields[domain.FieldRateID])
	assert.Equal(t, "2200", out.Session.Fields[domain.FieldAmount])
}

func TestIdempotencyKey(t *testing.T) {
	a := IdempotencyKey("u", "s", "r1")
	assert.Len(t, a, 64)
	assert.Equal(t, a, IdempotencyKey("u", "s", "r1"))
	assert.NotEqual(t, a, IdempotencyKey("u", "s", "r2"))
	assert.NotEqual(t, a, IdempotencyKey("u", "s2", "r1"))
}

// --- Balance payment ---

func TestPayBalance_Completes(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 5000)
	h.toPayment(t)

	out := h.text("balance")
	require.Equal(t, conversation.Completed, out.Kind, "%v", out.Err)
	require.NotNil(t, out.Order)
	assert.Equal(t, domain.Money(1500), out.Order.Amount)
	assert.Equal(t, "se-1", out.Order.Rate.ID)
	assert.Equal(t, "John Smith", out.Order.Snapshot[domain.FieldFromName])
	assert.Equal(t, "9400se-1", out.Order.Label.TrackingNumber)
	assert.Equal(t, domain.PaymentBalance, out.Order.PaymentMethod)

	assert.Equal(t, domain.Money(3500), h.balance(t))
	assert.Equal(t, conversation.Stale, h.text("balance").Kind)
	assert.Equal(t, int32(1), h.completed.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Payments.WithLabelValues("balance", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Labels.WithLabelValues("ok")))
}

func TestPayBalance_DuplicateRequestsChargeOnce(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 5000)
	h.toPayment(t)

	var wg sync.WaitGroup
	outs := make([]conversation.Outcome, 8)
	for i := range outs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i] = h.text("balance")
		}(i)
	}
	wg.Wait()

	completed := 0
	for _, out := range outs {
		assert.NotEqual(t, conversation.InfraError, out.Kind, "%v", out.Err)
		assert.NotEqual(t, conversation.Violation, out.Kind, "%v", out.Err)
		if out.Kind == conversation.Completed {
			completed++
		}
	}
	assert.GreaterOrEqual(t, completed, 1)
	assert.Equal(t, domain.Money(3500), h.balance(t))
	assert.Equal(t, int32(1), h.purchases.Load())
	assert.Equal(t, 1, h.orderCount(t))
	assert.Equal(t, int32(1), h.completed.Load())
}

func TestPayBalance_InsufficientFundsThenRetry(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1000)
	sess := h.toPayment(t)

	out := h.text("balance")
	require.Equal(t, conversation.Invalid, out.Kind)
	var ve *wizard.ValidationError
	require.ErrorAs(t, out.Err, &ve)
	assert.Contains(t, ve.Reason, "$10.00")
	assert.Contains(t, ve.Hint, "/topup")
	assert.Equal(t, wizard.PaymentMethod, h.session(t).CurrentStep)
	assert.Equal(t, domain.IntentPending, h.intent(t, sess).Status)

	_, err := h.orch.Ledger().Adjust(context.Background(), u1.UserID(), 1000, "seed-2", "test")
	require.NoError(t, err)
	out = h.cmd(domain.Confirm)
	require.Equal(t, conversation.Completed, out.Kind, "%v", out.Err)
	assert.Equal(t, domain.Money(500), h.balance(t))
}

func TestPayBalance_ConfirmWithoutIntent(t *testing.T) {
	h := newHarness(t)
	h.toPayment(t)
	assert.Equal(t, conversation.Invalid, h.cmd(domain.Confirm).Kind)
}

func TestLabel_RetryableFailureKeepsDebit(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 5000)
	sess := h.toPayment(t)

	fail := true
	mock := carrier.MockClient{}
	h.carrier.PurchaseFunc = func(ctx context.Context, s domain.Shipment, r domain.Rate) (*domain.Label, error) {
		h.purchases.Add(1)
		if fail {
			return nil, &carrier.APIError{Provider: "shipstation", Status: 502, Message: "bad gateway"}
		}
		return mock.Purchase(ctx, s, r)
	}

	out := h.text("balance")
	require.Equal(t, conversation.InfraError, out.Kind)
	assert.Equal(t, wizard.PaymentMethod, h.session(t).CurrentStep)
	assert.Equal(t, domain.IntentDebited, h.intent(t, sess).Status)
	assert.Equal(t, domain.Money(3500), h.balance(t))
	assert.Equal(t, int32(1), h.labelFail.Load())

	fail = false
	out = h.cmd(domain.Confirm)
	require.Equal(t, conversation.Completed, out.Kind, "%v", out.Err)
	assert.Equal(t, domain.Money(3500), h.balance(t), "retry does not charge again")
	assert.Equal(t, int32(2), h.purchases.Load())
}

func TestLabel_RefusedRefundsAndRequotes(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 5000)
	sess := h.toPayment(t)
	h.carrier.PurchaseFunc = func(context.Context, domain.Shipment, domain.Rate) (*domain.Label, error) {
		return nil, &carrier.APIError{Provider: "shipstation", Status: 400, Message: "rate expired"}
	}

	out := h.text("balance")
	require.Equal(t, conversation.Advanced, out.Kind, "%v", out.Err)
	assert.Equal(t, wizard.ConfirmData, out.Step)
	assert.Contains(t, out.Notice, "$15.00 was returned")
	assert.Empty(t, out.Session.Rates)
	assert.Equal(t, domain.Money(5000), h.balance(t))
	assert.Equal(t, domain.IntentRefunded, h.intent(t, sess).Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Refunds))
	assert.Zero(t, h.orderCount(t))
}

func TestResume_AfterCrashWithLabelBought(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 5000)
	sess := h.toPayment(t)
	ctx := context.Background()

	// State left by a crash after the label was bought but before the
	// session was archived.
	intents := store.NewIntentStore(h.db)
	key := IdempotencyKey(sess.UserID, sess.ID, "se-1")
	_, _, err := intents.CreateIntent(ctx, domain.PaymentIntent{
		Key: key, UserID: sess.UserID, SessionID: sess.ID, Purpose: domain.PurposeOrder,
		RateID: "se-1", Amount: 1500, Method: domain.PaymentBalance,
	})
	require.NoError(t, err)
	_, err = h.orch.Ledger().Debit(ctx, sess.UserID, 1500, key)
	require.NoError(t, err)
	label := &domain.Label{ID: "se-label-x", TrackingNumber: "9400x"}
	ok, err := intents.TransitionIntent(ctx, key, []string{domain.IntentPending}, domain.IntentLabelPurchased, domain.IntentUpdate{Label: label})
	require.NoError(t, err)
	require.True(t, ok)

	out := h.text("balance")
	require.Equal(t, conversation.Completed, out.Kind, "%v", out.Err)
	assert.Equal(t, "9400x", out.Order.Label.TrackingNumber)
	assert.Zero(t, h.purchases.Load(), "the bought label is reused")
	assert.Equal(t, domain.Money(3500), h.balance(t))
	assert.Equal(t, 1, h.orderCount(t))
}

// --- Cancellation ---

func TestCancel_RefundsHeldDebit(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 5000)
	sess := h.toPayment(t)
	h.carrier.PurchaseFunc = func(context.Context, domain.Shipment, domain.Rate) (*domain.Label, error) {
		return nil, errors.New("connection reset")
	}
	require.Equal(t, conversation.InfraError, h.text("balance").Kind)
	require.Equal(t, domain.Money(3500), h.balance(t))

	h.cmd(domain.Cancel)
	out := h.cmd(domain.Confirm)
	require.Equal(t, conversation.Cancelled, out.Kind, "%v", out.Err)
	assert.Equal(t, domain.Money(5000), h.balance(t))
	assert.Equal(t, domain.IntentRefunded, h.intent(t, sess).Status)
}

// chargeWithoutIntent leaves the state of a crash between the balance debit
// and the intent update: the money is gone but the intent reads pending.
func (h *harness) chargeWithoutIntent(t *testing.T, sess *domain.Session) string {
	t.Helper()
	ctx := context.Background()
	key := IdempotencyKey(sess.UserID, sess.ID, "se-1")
	_, _, err := store.NewIntentStore(h.db).CreateIntent(ctx, domain.PaymentIntent{
		Key: key, UserID: sess.UserID, SessionID: sess.ID, Purpose: domain.PurposeOrder,
		RateID: "se-1", Amount: 1500, Method: domain.PaymentBalance,
	})
	require.NoError(t, err)
	_, err = h.orch.Ledger().Debit(ctx, sess.UserID, 1500, key)
	require.NoError(t, err)
	require.Equal(t, domain.Money(3500), h.balance(t))
	return key
}

func TestCancel_RefundsDebitOfPendingIntent(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 5000)
	sess := h.toPayment(t)
	h.chargeWithoutIntent(t, sess)

	h.cmd(domain.Cancel)
	out := h.cmd(domain.Confirm)
	require.Equal(t, conversation.Cancelled, out.Kind, "%v", out.Err)
	assert.Equal(t, domain.Money(5000), h.balance(t))
	assert.Equal(t, domain.IntentRefunded, h.intent(t, sess).Status)
	assert.Zero(t, h.orderCount(t))

	rep, err := h.orch.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Refunded)
	assert.Equal(t, domain.Money(5000), h.balance(t), "refunded once")
}

func TestCancel_PendingIntentWithoutDebit(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 5000)
	sess := h.toPayment(t)
	_, _, err := store.NewIntentStore(h.db).CreateIntent(context.Background(), domain.PaymentIntent{
		Key: IdempotencyKey(sess.UserID, sess.ID, "se-1"), UserID: sess.UserID, SessionID: sess.ID,
		Purpose: domain.PurposeOrder, RateID: "se-1", Amount: 1500, Method: domain.PaymentBalance,
	})
	require.NoError(t, err)

	h.cmd(domain.Cancel)
	require.Equal(t, conversation.Cancelled, h.cmd(domain.Confirm).Kind)
	assert.Equal(t, domain.Money(5000), h.balance(t))
	assert.Equal(t, domain.IntentCancelled, h.intent(t, sess).Status)
}

func TestCancel_BlockedWhileLabelIsBought(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 5000)
	sess := h.toPayment(t)
	ctx := context.Background()

	intents := store.NewIntentStore(h.db)
	key := IdempotencyKey(sess.UserID, sess.ID, "se-1")
	_, _, err := intents.CreateIntent(ctx, domain.PaymentIntent{
		Key: key, UserID: sess.UserID, SessionID: sess.ID, Purpose: domain.PurposeOrder,
		RateID: "se-1", Amount: 1500, Method: domain.PaymentBalance, Status: domain.IntentPurchasing,
	})
	require.NoError(t, err)

	h.cmd(domain.Cancel)
	out := h.cmd(domain.Confirm)
	assert.Equal(t, conversation.Invalid, out.Kind)
	assert.NotNil(t, h.session(t))

	assert.Equal(t, conversation.Advanced, h.cmd(domain.Back).Kind, "back closes the dialog")
}

// --- Crypto payment ---

func TestCrypto_WebhookCompletesOnce(t *testing.T) {
	h := newHarness(t)
	sess := h.toPayment(t)

	out := h.text("crypto")
	require.Equal(t, conversation.Advanced, out.Kind, "%v", out.Err)
	assert.Equal(t, wizard.AwaitPayment, out.Step)
	require.NotNil(t, out.Intent)
	assert.Equal(t, "https://pay.example/trk-1", out.Intent.PayLink)
	assert.Equal(t, domain.PaymentCrypto, out.Session.Fields[domain.FieldPaymentMethod])
	require.Len(t, h.invoicer.Requests, 1)
	assert.Equal(t, IdempotencyKey(sess.UserID, sess.ID, "se-1"), h.invoicer.Requests[0].OrderID)
	assert.Equal(t, domain.Money(1500), h.invoicer.Requests[0].Amount)

	paid := payment.InvoiceStatus{TrackID: "trk-1", Status: payment.StatusPaid, Amount: 1500}
	for range 3 {
		require.NoError(t, h.orch.HandleInvoice(context.Background(), paid, SourceWebhook))
	}

	assert.Equal(t, 1, h.orderCount(t))
	assert.Equal(t, int32(1), h.purchases.Load())
	assert.Equal(t, domain.Money(0), h.balance(t))
	require.Len(t, h.notes.outcomes, 1)
	assert.Equal(t, conversation.Completed, h.notes.outcomes[0].Kind)
	assert.Equal(t, conversation.Stale, h.cmd(domain.Confirm).Kind)
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.InvoiceUpdates.WithLabelValues("webhook", "paid")))
}

func TestCrypto_BackRejectedWhileWaiting(t *testing.T) {
	h := newHarness(t)
	h.toPayment(t)
	h.text("crypto")
	assert.Equal(t, conversation.Invalid, h.cmd(domain.Back).Kind)
	assert.Equal(t, conversation.Invalid, h.text("paid").Kind)
}

func TestCrypto_BalanceRejectedWhileInvoiceOpen(t *testing.T) {
	h := newHarness(t)
	sess := h.toPayment(t)
	h.text("crypto")

	// Force the session back to the payment choice, as after a lost update.
	_, err := store.NewSessionStore(h.db).Apply(context.Background(), sess.UserID,
		domain.Mutation{Step: wizard.PaymentMethod})
	require.NoError(t, err)
	assert.Equal(t, conversation.Invalid, h.text("balance").Kind)

	out := h.text("crypto")
	require.Equal(t, conversation.Advanced, out.Kind)
	assert.Equal(t, wizard.AwaitPayment, out.Step)
	assert.Equal(t, 1, h.invoicer.Calls(), "the open invoice is reused")
}

func TestCrypto_PaidAfterCancelStaysOnBalance(t *testing.T) {
	h := newHarness(t)
	sess := h.toPayment(t)
	h.text("crypto")
	h.cmd(domain.Cancel)
	require.Equal(t, conversation.Cancelled, h.cmd(domain.Confirm).Kind)
	assert.Equal(t, domain.IntentCancelled, h.intent(t, sess).Status)

	err := h.orch.HandleInvoice(context.Background(),
		payment.InvoiceStatus{TrackID: "trk-1", Status: "paid", Amount: 1500}, SourceWebhook)
	require.NoError(t, err)

	assert.Equal(t, domain.IntentCredited, h.intent(t, sess).Status)
	assert.Equal(t, domain.Money(1500), h.balance(t))
	assert.Zero(t, h.orderCount(t))
	require.Len(t, h.notes.texts, 1)
	assert.Contains(t, h.notes.texts[0], "added to your balance")
}

func TestCrypto_ExpiredInvoiceReturnsToPaymentChoice(t *testing.T) {
	h := newHarness(t)
	sess := h.toPayment(t)
	h.text("crypto")

	err := h.orch.HandleInvoice(context.Background(),
		payment.InvoiceStatus{TrackID: "trk-1", Status: payment.StatusExpired}, SourceWebhook)
	require.NoError(t, err)
	assert.Equal(t, wizard.PaymentMethod, h.session(t).CurrentStep)
	assert.Equal(t, domain.IntentExpired, h.intent(t, sess).Status)
	require.Len(t, h.notes.outcomes, 1)
	assert.Contains(t, h.notes.outcomes[0].Notice, "expired")

	out := h.text("crypto")
	require.Equal(t, conversation.Advanced, out.Kind, "%v", out.Err)
	assert.Equal(t, "trk-2", out.Intent.TrackID)

	// The first invoice paid late is still credited and settles the order.
	err = h.orch.HandleInvoice(context.Background(),
		payment.InvoiceStatus{TrackID: "trk-1", OrderID: out.Intent.Key, Status: payment.StatusPaid, Amount: 1500}, SourceWebhook)
	require.NoError(t, err)
	assert.Equal(t, 1, h.orderCount(t))
	assert.Equal(t, domain.Money(0), h.balance(t))

	// And the second one lands on the balance.
	err = h.orch.HandleInvoice(context.Background(),
		payment.InvoiceStatus{TrackID: "trk-2", Status: payment.StatusPaid, Amount: 1500}, SourceWebhook)
	require.NoError(t, err)
	assert.Equal(t, domain.Money(1500), h.balance(t))
	assert.Equal(t, 1, h.orderCount(t))
}

func TestCrypto_InquiryFromWaitingStep(t *testing.T) {
	h := newHarness(t)
	h.toPayment(t)
	h.text("crypto")

	status := payment.StatusWaiting
	h.invoicer.InquiryFunc = func(_ context.Context, trackID string) (*payment.InvoiceStatus, error) {
		return &payment.InvoiceStatus{TrackID: trackID, Status: status, Amount: 1500}, nil
	}
	out := h.cmd(domain.Confirm)
	require.Equal(t, conversation.Advanced, out.Kind)
	assert.Contains(t, out.Notice, "not received")
	assert.Equal(t, wizard.AwaitPayment, out.Step)

	status = payment.StatusPaid
	out = h.cmd(domain.Confirm)
	require.Equal(t, conversation.Completed, out.Kind, "%v", out.Err)
	assert.Equal(t, domain.PaymentCrypto, out.Order.PaymentMethod)
}

func TestCrypto_Unavailable(t *testing.T) {
	h := newHarness(t)
	h.orch.invoicer = nil
	h.toPayment(t)
	out := h.text("crypto")
	assert.Equal(t, conversation.Invalid, out.Kind)
	assert.False(t, h.orch.CryptoEnabled())
}

func TestHandleInvoice_UnknownIsIgnored(t *testing.T) {
	h := newHarness(t)
	err := h.orch.HandleInvoice(context.Background(), payment.InvoiceStatus{TrackID: "nope", Status: "Paid"}, SourceWebhook)
	assert.NoError(t, err)
	assert.Zero(t, h.balance(t))
}

// --- Top-up ---

func TestTopUp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	in, err := h.orch.TopUp(ctx, u1, 2500)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentInvoicePending, in.Status)
	assert.Equal(t, domain.PurposeTopUp, in.Purpose)

	paid := payment.InvoiceStatus{TrackID: in.TrackID, Status: payment.StatusPaid, Amount: 2500}
	require.NoError(t, h.orch.HandleInvoice(ctx, paid, SourceWebhook))
	require.NoError(t, h.orch.HandleInvoice(ctx, paid, SourceWebhook))
	assert.Equal(t, domain.Money(2500), h.balance(t))
	require.Len(t, h.notes.texts, 1)
	assert.Contains(t, h.notes.texts[0], "$25.00")

	_, err = h.orch.TopUp(ctx, u1, 500)
	var ve *wizard.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestTopUp_InvoiceFailureCancelsIntent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.invoicer.CreateFunc = func(context.Context, payment.InvoiceRequest) (*payment.Invoice, error) {
		return nil, errors.New("gateway down")
	}

	_, err := h.orch.TopUp(ctx, u1, 2500)
	require.Error(t, err)

	intents := store.NewIntentStore(h.db)
	cancelled, err := intents.IntentsByStatus(ctx, []string{domain.IntentCancelled}, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, domain.PurposeTopUp, cancelled[0].Purpose)
	assert.Zero(t, h.balance(t))
}

func TestParseTopUp(t *testing.T) {
	amount, err := ParseTopUp("$25,50")
	require.NoError(t, err)
	assert.Equal(t, domain.Money(2550), amount)

	for _, bad := range []string{"", "abc", "-5", "5", "20000"} {
		_, err := ParseTopUp(bad)
		assert.Error(t, err, bad)
	}
}

// --- Templates ---

func TestTemplates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.engine.Advance(ctx, u1, domain.Event{Kind: domain.EventStart, Prefill: fullFields()})

	require.Equal(t, wizard.TemplateSave, h.cmd(domain.SaveTemplate).Step)
	out := h.text("Home to office")
	require.Equal(t, conversation.Advanced, out.Kind, "%v", out.Err)
	assert.Equal(t, wizard.ConfirmData, out.Step)

	list, err := h.orch.Templates(ctx, u1.UserID())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Jane Doe", list[0].To.Name)

	require.NoError(t, h.orch.RenameTemplate(ctx, u1.UserID(), list[0].ID, "  Office  "))
	assert.Error(t, h.orch.RenameTemplate(ctx, u1.UserID(), list[0].ID, " "))

	out = h.orch.StartFromTemplate(ctx, u1, list[0].ID)
	require.Equal(t, conversation.Advanced, out.Kind, "%v", out.Err)
	assert.True(t, out.Created)
	assert.Equal(t, wizard.ParcelWeight, out.Step)
	assert.Equal(t, "John Smith", out.Session.Fields[domain.FieldFromName])
	assert.Equal(t, list[0].ID, out.Session.Fields[domain.FieldTemplateID])

	assert.Equal(t, conversation.Invalid, h.orch.StartFromTemplate(ctx, u1, "missing").Kind)

	require.NoError(t, h.orch.DeleteTemplate(ctx, u1.UserID(), list[0].ID))
	list, err = h.orch.Templates(ctx, u1.UserID())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestTemplates_Limit(t *testing.T) {
	h := newHarness(t)
	h.engine.Advance(context.Background(), u1, domain.Event{Kind: domain.EventStart, Prefill: fullFields()})
	for _, name := range []string{"one", "two"} {
		h.cmd(domain.SaveTemplate)
		require.Equal(t, conversation.Advanced, h.text(name).Kind)
	}
	h.cmd(domain.SaveTemplate)
	out := h.text("three")
	assert.Equal(t, conversation.Invalid, out.Kind)
	assert.Equal(t, wizard.TemplateSave, out.Step)
}

// --- Reconciliation ---

func TestReconcile_PaidInvoiceWithoutWebhook(t *testing.T) {
	h := newHarness(t)
	h.toPayment(t)
	h.text("crypto")
	h.invoicer.InquiryFunc = func(_ context.Context, trackID string) (*payment.InvoiceStatus, error) {
		return &payment.InvoiceStatus{TrackID: trackID, Status: payment.StatusPaid, Amount: 1500}, nil
	}

	rep, err := h.orch.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Checked)
	assert.Equal(t, 1, rep.Paid)
	assert.Equal(t, 1, h.orderCount(t))
	require.Len(t, h.notes.outcomes, 1)
	assert.Equal(t, conversation.Completed, h.notes.outcomes[0].Kind)

	rep, err = h.orch.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Paid)
	assert.Equal(t, 1, h.orderCount(t))
}

func TestReconcile_RefundsAbandonedDebit(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 5000)
	sess := h.toPayment(t)
	h.carrier.PurchaseFunc = func(context.Context, domain.Shipment, domain.Rate) (*domain.Label, error) {
		return nil, &carrier.APIError{Status: 503}
	}
	require.Equal(t, conversation.InfraError, h.text("balance").Kind)
	require.NoError(t, store.NewSessionStore(h.db).Clear(context.Background(), sess.UserID))

	rep, err := h.orch.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Refunded)
	assert.Equal(t, domain.Money(5000), h.balance(t))
	assert.Equal(t, domain.IntentRefunded, h.intent(t, sess).Status)
	require.Len(t, h.notes.texts, 1)
	assert.Contains(t, h.notes.texts[0], "returned to your balance")
}

func TestReconcile_FinishesWaitingPurchase(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 5000)
	h.toPayment(t)
	fail := true
	mock := carrier.MockClient{}
	h.carrier.PurchaseFunc = func(ctx context.Context, s domain.Shipment, r domain.Rate) (*domain.Label, error) {
		if fail {
			return nil, &carrier.APIError{Status: 503}
		}
		return mock.Purchase(ctx, s, r)
	}
	require.Equal(t, conversation.InfraError, h.text("balance").Kind)

	fail = false
	rep, err := h.orch.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Resumed)
	assert.Equal(t, 1, h.orderCount(t))
	assert.Equal(t, domain.Money(3500), h.balance(t))
}

func TestReconcile_RefundsChargedPendingIntentOfEvictedSession(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 5000)
	sess := h.toPayment(t)
	h.chargeWithoutIntent(t, sess)
	n, err := store.NewSessionStore(h.db).EvictIdle(context.Background(), -time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	rep, err := h.orch.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Refunded)
	assert.Equal(t, domain.Money(5000), h.balance(t))
	assert.Equal(t, domain.IntentRefunded, h.intent(t, sess).Status)
	assert.Zero(t, h.orderCount(t))
}

func TestReconcile_FinishesChargedPendingIntent(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 5000)
	sess := h.toPayment(t)
	h.chargeWithoutIntent(t, sess)

	rep, err := h.orch.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Resumed)
	assert.Equal(t, 1, h.orderCount(t))
	assert.Equal(t, domain.Money(3500), h.balance(t), "the earlier debit pays for the label")
}

func TestReconcile_LeavesUnchargedPendingIntent(t *testing.T) {
	h := newHarness(t)
	sess := h.toPayment(t)
	_, _, err := store.NewIntentStore(h.db).CreateIntent(context.Background(), domain.PaymentIntent{
		Key: IdempotencyKey(sess.UserID, sess.ID, "se-1"), UserID: sess.UserID, SessionID: sess.ID,
		Purpose: domain.PurposeOrder, RateID: "se-1", Amount: 1500, Method: domain.PaymentBalance,
	})
	require.NoError(t, err)

	rep, err := h.orch.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{}, rep)
	assert.Equal(t, domain.IntentPending, h.intent(t, sess).Status)
	assert.Equal(t, wizard.PaymentMethod, h.session(t).CurrentStep)
}

func TestReconcile_ArchivesBoughtLabelWithoutSession(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 5000)
	sess := h.toPayment(t)
	h.carrier.PurchaseFunc = func(context.Context, domain.Shipment, domain.Rate) (*domain.Label, error) {
		return nil, &carrier.APIError{Status: 503}
	}
	require.Equal(t, conversation.InfraError, h.text("balance").Kind)

	// The label was bought but the process stopped before archiving, and
	// the session has since expired.
	ctx := context.Background()
	key := IdempotencyKey(sess.UserID, sess.ID, "se-1")
	ok, err := store.NewIntentStore(h.db).TransitionIntent(ctx, key, []string{domain.IntentDebited},
		domain.IntentLabelPurchased, domain.IntentUpdate{Label: &domain.Label{ID: "se-label-y", TrackingNumber: "9400y"}})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.NewSessionStore(h.db).Clear(ctx, sess.UserID))

	rep, err := h.orch.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Archived)

	orders, err := h.orch.Orders(ctx, sess.UserID, 10)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "John Smith", orders[0].Snapshot[domain.FieldFromName])
	assert.Equal(t, "73301", orders[0].Snapshot[domain.FieldToZip])
	assert.Equal(t, "USPS", orders[0].Rate.Carrier)
	assert.Equal(t, "9400y", orders[0].Label.TrackingNumber)
}

func TestReconcile_AlertsStuckPurchase(t *testing.T) {
	h := newHarness(t)
	_, _, err := store.NewIntentStore(h.db).CreateIntent(context.Background(), domain.PaymentIntent{
		Key: "k-stuck", UserID: u1.UserID(), Purpose: domain.PurposeOrder, Amount: 100,
		Method: domain.PaymentBalance, Status: domain.IntentPurchasing,
	})
	require.NoError(t, err)

	// Seen too late for the one-time alert: counted only.
	rep, err := h.orch.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Stuck)
	assert.Zero(t, h.labelFail.Load())

	h.orch.now = func() time.Time { return time.Now().Add(3 * time.Minute) }
	_, err = h.orch.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), h.labelFail.Load())
}

func TestClearSession_ReleasesHeldDebit(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 5000)
	sess := h.toPayment(t)
	h.carrier.PurchaseFunc = func(context.Context, domain.Shipment, domain.Rate) (*domain.Label, error) {
		return nil, errors.New("connection reset")
	}
	require.Equal(t, conversation.InfraError, h.text("balance").Kind)
	require.Equal(t, domain.Money(3500), h.balance(t))

	require.NoError(t, h.orch.ClearSession(context.Background(), u1.UserID()))
	assert.Equal(t, domain.Money(5000), h.balance(t))
	assert.Equal(t, domain.IntentRefunded, h.intent(t, sess).Status)
	assert.Equal(t, conversation.Stale, h.engine.Resume(context.Background(), u1).Kind)

	// Clearing again is a no-op.
	assert.NoError(t, h.orch.ClearSession(context.Background(), u1.UserID()))
}

func TestOrder_Lookup(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 5000)
	h.toPayment(t)
	out := h.text("balance")
	require.Equal(t, conversation.Completed, out.Kind, "%v", out.Err)

	got, err := h.orch.Order(context.Background(), out.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, out.Order.Label.TrackingNumber, got.Label.TrackingNumber)

	_, err = h.orch.Order(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
