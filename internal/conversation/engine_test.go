package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/shipbot/internal/domain"
	"github.com/soyeahso/shipbot/internal/hooks"
	"github.com/soyeahso/shipbot/internal/logging"
	"github.com/soyeahso/shipbot/internal/store"
	"github.com/soyeahso/shipbot/internal/wizard"
)

var u1 = domain.SessionKey{ChannelID: "telegram", ChatID: "1", SenderID: "1"}

type harness struct {
	db     *store.DB
	store  *store.SessionStore
	engine *Engine
	hooks  *hooks.Manager
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	log := logging.New(nil, "silent")
	db, err := store.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ss := store.NewSessionStore(db)
	reg := wizard.New(wizard.Options{Phone: func() string { return "+15550000000" }})
	if opts.Hooks == nil {
		opts.Hooks = hooks.NewManager(log)
	}
	return &harness{db: db, store: ss, engine: New(ss, reg, log, opts), hooks: opts.Hooks}
}

func (h *harness) text(t *testing.T, s string) Outcome {
	t.Helper()
	return h.engine.Advance(context.Background(), u1, domain.TextEvent(s))
}

func (h *harness) cmd(t *testing.T, c domain.StructuralCommand) Outcome {
	t.Helper()
	return h.engine.Advance(context.Background(), u1, domain.CommandEvent(c))
}

func (h *harness) start(t *testing.T) Outcome {
	t.Helper()
	return h.engine.Advance(context.Background(), u1, domain.StartEvent())
}

func (h *harness) session(t *testing.T) *domain.Session {
	t.Helper()
	sess, err := h.store.Get(context.Background(), u1.UserID())
	require.NoError(t, err)
	return sess
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

func (h *harness) startAtConfirm(t *testing.T) *domain.Session {
	t.Helper()
	out := h.engine.Advance(context.Background(), u1, domain.Event{Kind: domain.EventStart, Prefill: fullFields()})
	require.Equal(t, Advanced, out.Kind)
	require.Equal(t, wizard.ConfirmData, out.Step)
	return out.Session
}

func fieldsJSON(t *testing.T, f domain.Fields) string {
	t.Helper()
	data, err := json.Marshal(f)
	require.NoError(t, err)
	return string(data)
}

func TestScenario_CancelDetourLeavesNoTrace(t *testing.T) {
	run := func(t *testing.T, detour bool) *domain.Session {
		h := newHarness(t, Options{})

		out := h.start(t)
		require.Equal(t, Advanced, out.Kind)
		assert.True(t, out.Created)
		assert.Equal(t, wizard.FromName, out.Step)

		out = h.text(t, "John Smith")
		require.Equal(t, Advanced, out.Kind)
		assert.Equal(t, wizard.FromAddress, out.Step)
		assert.Equal(t, "John Smith", out.Session.Fields[domain.FieldFromName])

		if detour {
			out = h.cmd(t, domain.Cancel)
			require.Equal(t, Advanced, out.Kind)
			assert.Equal(t, wizard.CancelConfirm, out.Step)
			assert.Equal(t, wizard.FromAddress, out.Session.LastStepBeforeInterrupt)
			assert.Equal(t, wizard.FromAddress, out.Session.CurrentStep)

			out = h.cmd(t, domain.Back)
			require.Equal(t, Advanced, out.Kind)
			assert.Equal(t, wizard.FromAddress, out.Step)
			assert.Equal(t, "John Smith", out.Session.Fields[domain.FieldFromName])
		}

		out = h.text(t, "123 Main St")
		require.Equal(t, Advanced, out.Kind)
		assert.Equal(t, wizard.FromCity, out.Step)
		return h.session(t)
	}

	plain := run(t, false)
	detoured := run(t, true)
	assert.Equal(t, plain.CurrentStep, detoured.CurrentStep)
	assert.Equal(t, plain.Fields, detoured.Fields)
	assert.Equal(t, plain.Interrupt, detoured.Interrupt)
	assert.Equal(t, plain.LastStepBeforeInterrupt, detoured.LastStepBeforeInterrupt)
	assert.Equal(t, plain.ResumeTarget, detoured.ResumeTarget)
}

func TestStart_ConcurrentCreatesOneSession(t *testing.T) {
	h := newHarness(t, Options{})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[string]bool{}
		created int
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := h.engine.Advance(context.Background(), u1, domain.StartEvent())
			if !assert.Equal(t, Advanced, out.Kind) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[out.Session.ID] = true
			if out.Created {
				created++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Equal(t, 1, created)
	assert.Equal(t, wizard.FromName, h.session(t).CurrentStep)
}

func TestStart_ResumesExisting(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)
	h.text(t, "John Smith")

	out := h.start(t)
	require.Equal(t, Advanced, out.Kind)
	assert.True(t, out.Resumed)
	assert.False(t, out.Created)
	assert.Equal(t, wizard.FromAddress, out.Step)
	assert.Equal(t, "John Smith", out.Session.Fields[domain.FieldFromName])
}

func TestStart_DiscardReleasesAndRestarts(t *testing.T) {
	h := newHarness(t, Options{})
	first := h.start(t).Session
	h.text(t, "John Smith")

	var released []string
	h.engine.OnCancel(func(_ context.Context, sess *domain.Session) error {
		released = append(released, sess.ID)
		return nil
	})

	out := h.engine.Advance(context.Background(), u1, domain.Event{Kind: domain.EventStart, Discard: true})
	require.Equal(t, Advanced, out.Kind)
	assert.True(t, out.Created)
	assert.NotEqual(t, first.ID, out.Session.ID)
	assert.Empty(t, out.Session.Fields)
	assert.Equal(t, []string{first.ID}, released)
}

func TestStart_FromTemplate(t *testing.T) {
	h := newHarness(t, Options{})
	tpl := domain.Template{
		ID:   "tpl-1",
		From: domain.Address{Name: "A B", Street1: "1 Main St", City: "Austin", State: "TX", Zip: "73301", Phone: "+15125550100"},
		To:   domain.Address{Name: "C D", Street1: "2 Oak Ave", City: "Denver", State: "CO", Zip: "80202", Phone: "+13035550100"},
	}
	out := h.engine.Advance(context.Background(), u1, domain.Event{Kind: domain.EventStart, Prefill: tpl.Fields()})
	require.Equal(t, Advanced, out.Kind)
	assert.Equal(t, wizard.ParcelWeight, out.Step)
	assert.Equal(t, "tpl-1", out.Session.Fields[domain.FieldTemplateID])
}

func TestAdvance_FieldMonotonicity(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)

	answers := []struct {
		field, input string
	}{
		{domain.FieldFromName, "John Smith"},
		{domain.FieldFromAddress, "123 Main St"},
		{domain.FieldFromCity, "New York"},
		{domain.FieldFromState, "ny"},
		{domain.FieldFromZip, "10001"},
		{domain.FieldFromPhone, "2125550100"},
		{domain.FieldToName, "Jane Doe"},
		{domain.FieldToAddress, "9 Elm St"},
		{domain.FieldToCity, "Austin"},
		{domain.FieldToState, "TX"},
		{domain.FieldToZip, "73301"},
		{domain.FieldToPhone, "5125550100"},
		{domain.FieldWeight, "2.5"},
		{domain.FieldLength, "10"},
		{domain.FieldWidth, "8"},
		{domain.FieldHeight, "4"},
	}

	seen := domain.Fields{}
	for _, a := range answers {
		out := h.text(t, a.input)
		require.Equal(t, Advanced, out.Kind, a.field)
		for k, v := range seen {
			assert.Equal(t, v, out.Session.Fields[k], "field %s changed after %s", k, a.field)
		}
		seen[a.field] = out.Session.Fields[a.field]
	}
	sess := h.session(t)
	assert.Equal(t, wizard.ConfirmData, sess.CurrentStep)
	assert.Equal(t, "NY", sess.Fields[domain.FieldFromState])
	assert.Equal(t, "+12125550100", sess.Fields[domain.FieldFromPhone])
	assert.Empty(t, sess.Fields.Missing(domain.QuoteFields...))
}

func TestAdvance_InvalidLeavesSessionUnchanged(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)
	before := h.session(t)

	out := h.text(t, "Иван")
	require.Equal(t, Invalid, out.Kind)
	var ve *wizard.ValidationError
	require.ErrorAs(t, out.Err, &ve)
	assert.NotEmpty(t, ve.Hint)
	assert.Equal(t, wizard.FromName, out.Step)

	after := h.session(t)
	assert.Equal(t, before, after)
}

func TestCancel_RoundTripFromAnyStep(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)

	inputs := []string{"John Smith", "123 Main St", "New York", "NY", "10001"}
	for _, in := range inputs {
		before := h.session(t)

		out := h.cmd(t, domain.Cancel)
		require.Equal(t, Advanced, out.Kind)
		require.Equal(t, wizard.CancelConfirm, out.Step)

		// Text and a repeated cancel inside the dialog change nothing.
		assert.Equal(t, Invalid, h.text(t, "whatever").Kind)
		assert.Equal(t, wizard.CancelConfirm, h.cmd(t, domain.Cancel).Step)

		out = h.cmd(t, domain.Back)
		require.Equal(t, Advanced, out.Kind)

		after := h.session(t)
		assert.Equal(t, before.CurrentStep, after.CurrentStep)
		assert.Equal(t, fieldsJSON(t, before.Fields), fieldsJSON(t, after.Fields))
		assert.False(t, after.Interrupted())

		require.Equal(t, Advanced, h.text(t, in).Kind)
	}
}

func TestCancel_Confirm(t *testing.T) {
	h := newHarness(t, Options{})
	var cancelled []hooks.Payload
	h.hooks.On(hooks.EventSessionCancelled, "test", func(_ context.Context, p hooks.Payload) error {
		cancelled = append(cancelled, p)
		return nil
	})
	released := 0
	h.engine.OnCancel(func(context.Context, *domain.Session) error { released++; return nil })

	h.start(t)
	h.text(t, "John Smith")
	h.cmd(t, domain.Cancel)

	out := h.cmd(t, domain.Confirm)
	assert.Equal(t, Cancelled, out.Kind)
	assert.Equal(t, 1, released)
	require.Len(t, cancelled, 1)
	assert.Equal(t, string(wizard.FromAddress), cancelled[0].Data["step"])

	_, err := h.store.Get(context.Background(), u1.UserID())
	assert.ErrorIs(t, err, store.ErrNotFound)

	// A second press on the old button is stale.
	assert.Equal(t, Stale, h.cmd(t, domain.Confirm).Kind)
}

func TestCancel_ReleaseFailureKeepsSession(t *testing.T) {
	h := newHarness(t, Options{})
	h.engine.OnCancel(func(context.Context, *domain.Session) error { return errors.New("db down") })
	h.start(t)
	h.cmd(t, domain.Cancel)

	out := h.cmd(t, domain.Confirm)
	assert.Equal(t, InfraError, out.Kind)
	assert.Equal(t, wizard.CancelConfirm, h.session(t).Interrupt)
}

func TestSkip_EquivalentToDefault(t *testing.T) {
	walk := func(t *testing.T, skip bool) Outcome {
		h := newHarness(t, Options{})
		h.start(t)
		for _, in := range []string{"John Smith", "123 Main St", "New York", "NY", "10001"} {
			require.Equal(t, Advanced, h.text(t, in).Kind)
		}
		if skip {
			return h.cmd(t, domain.Skip)
		}
		return h.text(t, "+15550000000")
	}

	skipped := walk(t, true)
	typed := walk(t, false)
	require.Equal(t, Advanced, skipped.Kind)
	require.Equal(t, Advanced, typed.Kind)
	assert.Equal(t, typed.Step, skipped.Step)
	assert.Equal(t, wizard.ToName, skipped.Step)
	assert.Equal(t, typed.Session.Fields[domain.FieldFromPhone], skipped.Session.Fields[domain.FieldFromPhone])
}

func TestSkip_NotSkippable(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)
	out := h.cmd(t, domain.Skip)
	assert.Equal(t, Invalid, out.Kind)
	assert.Equal(t, wizard.FromName, h.session(t).CurrentStep)
}

func TestStale_NoSession(t *testing.T) {
	h := newHarness(t, Options{})
	events := []domain.Event{
		domain.TextEvent("John Smith"),
		domain.CommandEvent(domain.Cancel),
		domain.CommandEvent(domain.Skip),
		domain.CommandEvent(domain.Back),
		domain.CommandEvent(domain.Confirm),
		domain.CommandEvent(domain.EditField("from")),
		domain.CommandEvent(domain.SaveTemplate),
	}
	for _, ev := range events {
		out := h.engine.Advance(context.Background(), u1, ev)
		assert.Equal(t, Stale, out.Kind)
		assert.ErrorIs(t, out.Err, ErrStale)
	}
	n, err := h.store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, Stale, h.engine.Resume(context.Background(), u1).Kind)
}

func TestStale_CompletedSession(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)
	_, err := h.db.SQL().Exec(`UPDATE sessions SET completed = 1`)
	require.NoError(t, err)
	before := h.session(t)

	for _, ev := range []domain.Event{domain.TextEvent("John Smith"), domain.CommandEvent(domain.Cancel)} {
		assert.Equal(t, Stale, h.engine.Advance(context.Background(), u1, ev).Kind)
	}
	assert.Equal(t, before, h.session(t))

	// Starting over replaces it.
	out := h.start(t)
	assert.True(t, out.Created)
}

func TestBack(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)

	out := h.cmd(t, domain.Back)
	assert.Equal(t, Invalid, out.Kind, "nothing before the first step")

	h.text(t, "John Smith")
	out = h.cmd(t, domain.Back)
	require.Equal(t, Advanced, out.Kind)
	assert.Equal(t, wizard.FromName, out.Step)
	assert.Equal(t, "John Smith", out.Session.Fields[domain.FieldFromName], "going back keeps the answer")
}

func TestBack_ClearsRatesOnReturnToConfirm(t *testing.T) {
	h := newHarness(t, Options{})
	sess := h.startAtConfirm(t)
	rates := []domain.Rate{{ID: "se-1", Amount: 1200}}
	_, err := h.store.Apply(context.Background(), sess.UserID, domain.Mutation{Step: wizard.SelectRate, Rates: &rates})
	require.NoError(t, err)

	out := h.cmd(t, domain.Back)
	require.Equal(t, Advanced, out.Kind)
	assert.Equal(t, wizard.ConfirmData, out.Step)
	assert.Empty(t, out.Session.Rates)
}

func TestBack_AwaitPaymentRejected(t *testing.T) {
	h := newHarness(t, Options{})
	sess := h.startAtConfirm(t)
	_, err := h.store.Apply(context.Background(), sess.UserID, domain.Mutation{Step: wizard.AwaitPayment})
	require.NoError(t, err)

	out := h.cmd(t, domain.Back)
	assert.Equal(t, Invalid, out.Kind)
	assert.Equal(t, wizard.AwaitPayment, h.session(t).CurrentStep)
}

func TestEdit_ReturnsToConfirmation(t *testing.T) {
	h := newHarness(t, Options{})
	h.startAtConfirm(t)

	out := h.cmd(t, domain.EditField(wizard.GroupTo))
	require.Equal(t, Advanced, out.Kind)
	assert.Equal(t, wizard.ToName, out.Step)
	assert.Equal(t, wizard.ConfirmData, out.Session.ResumeTarget)

	for _, in := range []string{"Mary Major", "5 Pine Rd", "Boston", "MA", "02108"} {
		out = h.text(t, in)
		require.Equal(t, Advanced, out.Kind, in)
		assert.NotEqual(t, wizard.ConfirmData, out.Step)
	}
	out = h.text(t, "6175550100")
	require.Equal(t, Advanced, out.Kind)
	assert.Equal(t, wizard.ConfirmData, out.Step, "resume target wins over the forward path")
	assert.Empty(t, out.Session.ResumeTarget, "consumed")
	assert.Equal(t, "Boston", out.Session.Fields[domain.FieldToCity])
	assert.Equal(t, "John Smith", out.Session.Fields[domain.FieldFromName], "other groups untouched")
	assert.Equal(t, "2", out.Session.Fields[domain.FieldWeight])
}

func TestEdit_MenuByText(t *testing.T) {
	h := newHarness(t, Options{})
	h.startAtConfirm(t)

	out := h.cmd(t, domain.EditField(""))
	require.Equal(t, Advanced, out.Kind)
	assert.Equal(t, wizard.EditMenu, out.Step)

	assert.Equal(t, Invalid, h.text(t, "billing").Kind)

	out = h.text(t, " Parcel ")
	require.Equal(t, Advanced, out.Kind)
	assert.Equal(t, wizard.ParcelWeight, out.Step)
	assert.False(t, out.Session.Interrupted())
	assert.Equal(t, wizard.ConfirmData, out.Session.ResumeTarget)
}

func TestEdit_MenuBackAndCancel(t *testing.T) {
	h := newHarness(t, Options{})
	h.startAtConfirm(t)

	h.cmd(t, domain.EditField(""))
	out := h.cmd(t, domain.Back)
	require.Equal(t, Advanced, out.Kind)
	assert.Equal(t, wizard.ConfirmData, out.Step)

	h.cmd(t, domain.EditField(""))
	out = h.cmd(t, domain.Cancel)
	require.Equal(t, Advanced, out.Kind)
	assert.Equal(t, wizard.CancelConfirm, out.Step)
	assert.Equal(t, wizard.ConfirmData, out.Session.LastStepBeforeInterrupt)

	out = h.cmd(t, domain.Back)
	assert.Equal(t, wizard.ConfirmData, out.Step)
}

func TestEdit_OnlyFromSummary(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)
	out := h.cmd(t, domain.EditField(wizard.GroupFrom))
	assert.Equal(t, Invalid, out.Kind)

	h2 := newHarness(t, Options{})
	h2.startAtConfirm(t)
	assert.Equal(t, Invalid, h2.cmd(t, domain.EditField("billing")).Kind)
}

func TestEdit_BackAtGroupStartAbandonsEdit(t *testing.T) {
	h := newHarness(t, Options{})
	h.startAtConfirm(t)
	h.cmd(t, domain.EditField(wizard.GroupParcel))

	out := h.cmd(t, domain.Back)
	require.Equal(t, Advanced, out.Kind)
	assert.Equal(t, wizard.ConfirmData, out.Step)
	assert.Empty(t, out.Session.ResumeTarget)
}

func TestTemplateSave(t *testing.T) {
	h := newHarness(t, Options{})
	var saved []string
	limit := false
	h.engine.OnSaveTemplate(func(_ context.Context, _ *domain.Session, name string) error {
		if limit {
			return store.ErrTemplateLimit
		}
		saved = append(saved, name)
		return nil
	})
	before := h.startAtConfirm(t)

	out := h.cmd(t, domain.SaveTemplate)
	require.Equal(t, Advanced, out.Kind)
	assert.Equal(t, wizard.TemplateSave, out.Step)

	assert.Equal(t, Invalid, h.text(t, "   ").Kind)

	out = h.text(t, "Home to office")
	require.Equal(t, Advanced, out.Kind)
	assert.Equal(t, wizard.ConfirmData, out.Step)
	assert.Contains(t, out.Notice, "Home to office")
	assert.Equal(t, []string{"Home to office"}, saved)
	assert.Equal(t, before.Fields, out.Session.Fields)

	limit = true
	h.cmd(t, domain.SaveTemplate)
	out = h.text(t, "Another")
	require.Equal(t, Invalid, out.Kind)
	var ve *wizard.ValidationError
	require.ErrorAs(t, out.Err, &ve)
	assert.Contains(t, ve.Hint, "/templates")
	assert.Equal(t, wizard.TemplateSave, h.session(t).Interrupt)
}

func TestTemplateSave_Unavailable(t *testing.T) {
	h := newHarness(t, Options{})
	h.startAtConfirm(t)
	assert.Equal(t, Invalid, h.cmd(t, domain.SaveTemplate).Kind)
}

func TestActions(t *testing.T) {
	h := newHarness(t, Options{})
	sess := h.startAtConfirm(t)

	// Unbound action steps are a program defect.
	var violations int
	h.hooks.On(hooks.EventInvariantViolation, "test", func(context.Context, hooks.Payload) error {
		violations++
		return nil
	})
	out := h.cmd(t, domain.Confirm)
	assert.Equal(t, Violation, out.Kind)
	assert.Equal(t, 1, violations)

	var got []string
	h.engine.Bind(wizard.ConfirmData, func(ctx context.Context, s *domain.Session, input string) Outcome {
		got = append(got, input)
		return h.engine.Transition(ctx, s, domain.Mutation{Step: wizard.SelectRate})
	})
	out = h.cmd(t, domain.Confirm)
	require.Equal(t, Advanced, out.Kind)
	assert.Equal(t, wizard.SelectRate, out.Step)
	assert.Equal(t, []string{""}, got)

	h.engine.Bind(wizard.SelectRate, func(_ context.Context, s *domain.Session, input string) Outcome {
		got = append(got, input)
		return Outcome{Kind: Advanced, Session: s, Step: s.CurrentStep}
	})
	h.text(t, " se-42 ")
	assert.Equal(t, []string{"", "se-42"}, got)

	// Typed text on the summary step is rejected by its validator.
	_, err := h.store.Apply(context.Background(), sess.UserID, domain.Mutation{Step: wizard.ConfirmData})
	require.NoError(t, err)
	assert.Equal(t, Invalid, h.text(t, "yes").Kind)

	// Confirm on a data step has nothing to confirm.
	h2 := newHarness(t, Options{})
	h2.start(t)
	assert.Equal(t, Invalid, h2.cmd(t, domain.Confirm).Kind)
}

func TestTransition_LostRaceIsIgnored(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)
	stale := h.session(t)
	h.text(t, "John Smith")

	out := h.engine.Transition(context.Background(), stale, domain.Mutation{Step: wizard.FromCity, Patch: domain.Fields{"x": "y"}})
	assert.Equal(t, Ignored, out.Kind)
	assert.Equal(t, wizard.FromAddress, out.Step)
	assert.False(t, h.session(t).Fields.Has("x"))
}

func TestInvariant_UnknownStep(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)
	_, err := h.db.SQL().Exec(`UPDATE sessions SET current_step = 'GONE'`)
	require.NoError(t, err)

	out := h.text(t, "John Smith")
	require.Equal(t, Violation, out.Kind)
	var iv *InvariantViolation
	require.ErrorAs(t, out.Err, &iv)

	_, err = h.db.SQL().Exec(`UPDATE sessions SET current_step = 'FROM_NAME', resume_target = 'NOPE'`)
	require.NoError(t, err)
	assert.Equal(t, Violation, h.text(t, "John Smith").Kind)

	// Starting over discards the broken session.
	out = h.start(t)
	require.Equal(t, Advanced, out.Kind)
	assert.True(t, out.Created)
}

func TestDebounce(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, Options{Debounce: time.Second, Now: func() time.Time { return now }})
	h.start(t)

	assert.Equal(t, Invalid, h.cmd(t, domain.Back).Kind)
	// Double press of the same command at the same position is dropped.
	assert.Equal(t, Ignored, h.cmd(t, domain.Back).Kind)

	assert.Equal(t, Advanced, h.cmd(t, domain.Cancel).Kind)
	assert.Equal(t, Advanced, h.cmd(t, domain.Back).Kind, "a different position is not a repeat")
	assert.Equal(t, wizard.FromName, h.session(t).CurrentStep)
	assert.False(t, h.session(t).Interrupted())

	now = now.Add(1500 * time.Millisecond)
	assert.Equal(t, Invalid, h.cmd(t, domain.Back).Kind, "allowed again after the window")
}

func TestDebounce_BackTwiceWalksTwoSteps(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, Options{Debounce: time.Second, Now: func() time.Time { return now }})
	h.start(t)
	h.text(t, "John Smith")
	h.text(t, "123 Main St")
	require.Equal(t, wizard.FromCity, h.session(t).CurrentStep)

	assert.Equal(t, Advanced, h.cmd(t, domain.Back).Kind)
	assert.Equal(t, Advanced, h.cmd(t, domain.Back).Kind)
	assert.Equal(t, wizard.FromName, h.session(t).CurrentStep)

	// Back again from a position already left inside the window is a repeat.
	h.text(t, "John Smith")
	assert.Equal(t, Ignored, h.cmd(t, domain.Back).Kind)
	assert.Equal(t, wizard.FromAddress, h.session(t).CurrentStep)
}

func TestObserve(t *testing.T) {
	var kinds []OutcomeKind
	h := newHarness(t, Options{Observe: func(_ domain.Event, out Outcome) { kinds = append(kinds, out.Kind) }})
	h.text(t, "John")
	h.start(t)
	h.text(t, "J")
	assert.Equal(t, []OutcomeKind{Stale, Advanced, Invalid}, kinds)
}

func TestErrorOutcome(t *testing.T) {
	sess := &domain.Session{CurrentStep: wizard.FromName, Interrupt: wizard.CancelConfirm}
	assert.Equal(t, Invalid, ErrorOutcome(sess, &wizard.ValidationError{Reason: "x"}).Kind)
	assert.Equal(t, Violation, ErrorOutcome(sess, RequireFields("pay", domain.Fields{}, []string{"a"})).Kind)
	assert.Equal(t, Stale, ErrorOutcome(sess, store.ErrNotFound).Kind)
	out := ErrorOutcome(sess, RetryableError(errors.New("timeout")))
	assert.Equal(t, InfraError, out.Kind)
	assert.Equal(t, wizard.CancelConfirm, out.Step)

	assert.NoError(t, RequireFields("pay", domain.Fields{"a": ""}, []string{"a"}))
	assert.EqualError(t, &InvariantViolation{Op: "pay", Missing: []string{"a", "b"}}, "invariant violation in pay: missing fields a, b")
	assert.Equal(t, "infra_error", InfraError.String())
}
