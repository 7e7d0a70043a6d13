// Package conversation implements the order wizard state machine. Every
// state change goes through one conditional store write, so concurrent or
// duplicated events for the same user cannot interleave partial updates.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/soyeahso/shipbot/internal/domain"
	"github.com/soyeahso/shipbot/internal/hooks"
	"github.com/soyeahso/shipbot/internal/logging"
	"github.com/soyeahso/shipbot/internal/store"
	"github.com/soyeahso/shipbot/internal/wizard"
)

// SessionStore is the storage the engine needs.
type SessionStore interface {
	GetOrCreate(ctx context.Context, key domain.SessionKey, start domain.StepID, initial domain.Fields) (*domain.Session, bool, error)
	Get(ctx context.Context, userID string) (*domain.Session, error)
	Apply(ctx context.Context, userID string, m domain.Mutation) (*domain.Session, error)
	Clear(ctx context.Context, userID string) error
}

// Action is a domain side effect bound to an action step. input is the
// validated text for the step, or "" when triggered by Confirm.
type Action func(ctx context.Context, sess *domain.Session, input string) Outcome

// Options configure an Engine.
type Options struct {
	// Debounce drops a repeated structural command from the same user within
	// this window. Zero disables it.
	Debounce time.Duration
	Hooks    *hooks.Manager
	// Observe is called with every outcome, e.g. for metrics.
	Observe func(ev domain.Event, out Outcome)
	Now     func() time.Time
}

// Engine drives users through the step registry.
type Engine struct {
	store    SessionStore
	registry *wizard.Registry
	log      *logging.Logger
	hooks    *hooks.Manager
	observe  func(domain.Event, Outcome)
	debounce *debouncer

	actions      map[domain.StepID]Action
	onCancel     func(ctx context.Context, sess *domain.Session) error
	saveTemplate func(ctx context.Context, sess *domain.Session, name string) error
}

// New creates an engine. Actions are bound afterwards with Bind.
func New(st SessionStore, registry *wizard.Registry, log *logging.Logger, opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:    st,
		registry: registry,
		log:      log.Sub("engine"),
		hooks:    opts.Hooks,
		observe:  opts.Observe,
		debounce: newDebouncer(opts.Debounce, now),
		actions:  make(map[domain.StepID]Action),
	}
}

// Bind attaches an action to an action step. Not safe to call while the
// engine is serving events.
func (e *Engine) Bind(step domain.StepID, a Action) {
	e.actions[step] = a
}

// OnCancel sets the function run before a confirmed cancellation clears the
// session. An error aborts the cancellation.
func (e *Engine) OnCancel(fn func(ctx context.Context, sess *domain.Session) error) {
	e.onCancel = fn
}

// OnSaveTemplate sets the function that stores a template from the session.
// Without it the save-template command is rejected.
func (e *Engine) OnSaveTemplate(fn func(ctx context.Context, sess *domain.Session, name string) error) {
	e.saveTemplate = fn
}

// Registry returns the step registry the engine walks.
func (e *Engine) Registry() *wizard.Registry { return e.registry }

// Advance applies one user event and reports what to render.
func (e *Engine) Advance(ctx context.Context, key domain.SessionKey, ev domain.Event) (out Outcome) {
	userID := key.UserID()
	defer func() { e.finish(ctx, userID, ev, out) }()

	if ev.Kind == domain.EventStart {
		return e.start(ctx, key, ev)
	}

	sess, err := e.store.Get(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return stale()
	}
	if err != nil {
		return ErrorOutcome(nil, err)
	}
	if sess.Completed {
		return stale()
	}
	if err := e.check(sess); err != nil {
		return ErrorOutcome(sess, err)
	}
	// A repeat is the same command pressed at the same position, so Back
	// pressed twice still walks back two steps.
	if ev.Kind == domain.EventCommand &&
		!e.debounce.allow(userID, string(sess.CurrentStep)+"/"+string(sess.Interrupt)+"/"+ev.Command.String()) {
		return Outcome{Kind: Ignored}
	}

	if sess.Interrupted() {
		return e.interrupt(ctx, sess, ev)
	}
	switch ev.Kind {
	case domain.EventCommand:
		return e.command(ctx, sess, ev.Command)
	case domain.EventText:
		return e.input(ctx, sess, ev.Text)
	default:
		return ErrorOutcome(sess, &InvariantViolation{Op: "advance", Detail: fmt.Sprintf("unknown event kind %d", ev.Kind)})
	}
}

// Cancel opens the cancel confirmation.
func (e *Engine) Cancel(ctx context.Context, key domain.SessionKey) Outcome {
	return e.Advance(ctx, key, domain.CommandEvent(domain.Cancel))
}

// Skip skips the current step.
func (e *Engine) Skip(ctx context.Context, key domain.SessionKey) Outcome {
	return e.Advance(ctx, key, domain.CommandEvent(domain.Skip))
}

// Edit opens a field group for re-entry, or the edit menu for "".
func (e *Engine) Edit(ctx context.Context, key domain.SessionKey, group string) Outcome {
	return e.Advance(ctx, key, domain.CommandEvent(domain.EditField(group)))
}

// Resume reports the user's current position without changing anything.
func (e *Engine) Resume(ctx context.Context, key domain.SessionKey) Outcome {
	sess, err := e.store.Get(ctx, key.UserID())
	if errors.Is(err, store.ErrNotFound) {
		return stale()
	}
	if err != nil {
		return ErrorOutcome(nil, err)
	}
	if sess.Completed {
		return stale()
	}
	if err := e.check(sess); err != nil {
		return ErrorOutcome(sess, err)
	}
	return Outcome{Kind: Advanced, Session: sess, Step: RenderStep(sess), Resumed: true}
}

// Transition applies m to the session conditionally on its current step and
// interrupt, unless m already carries a condition. A lost race is reported
// as Ignored with the winner's state.
func (e *Engine) Transition(ctx context.Context, sess *domain.Session, m domain.Mutation) Outcome {
	if m.Expect == "" {
		m.Expect = sess.CurrentStep
	}
	if m.ExpectInterrupt == nil {
		m.ExpectInterrupt = domain.StepPtr(sess.Interrupt)
	}
	updated, err := e.store.Apply(ctx, sess.UserID, m)
	switch {
	case err == nil:
		return Outcome{Kind: Advanced, Session: updated, Step: RenderStep(updated)}
	case errors.Is(err, store.ErrStepConflict):
		cur, gerr := e.store.Get(ctx, sess.UserID)
		if gerr != nil {
			return ErrorOutcome(sess, gerr)
		}
		e.log.Debug().Str("user", sess.UserID).Str("step", string(sess.CurrentStep)).Msg("lost a concurrent update")
		return Outcome{Kind: Ignored, Session: cur, Step: RenderStep(cur)}
	default:
		return ErrorOutcome(sess, err)
	}
}

func (e *Engine) start(ctx context.Context, key domain.SessionKey, ev domain.Event) Outcome {
	userID := key.UserID()
	existing, err := e.store.Get(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return ErrorOutcome(nil, err)
	case !ev.Discard && !existing.Completed && e.check(existing) == nil:
		return Outcome{Kind: Advanced, Session: existing, Step: RenderStep(existing), Resumed: true}
	default:
		// Discarded, finished or unusable: drop it before starting over.
		if e.onCancel != nil && !existing.Completed {
			if err := e.onCancel(ctx, existing); err != nil {
				return ErrorOutcome(existing, err)
			}
		}
		if err := e.store.Clear(ctx, userID); err != nil {
			return ErrorOutcome(existing, err)
		}
		e.log.Info().Str("user", userID).Str("session", existing.ID).Msg("previous order discarded")
	}

	start := e.registry.Start()
	if len(ev.Prefill) > 0 {
		start = e.registry.FirstOpen(ev.Prefill)
	}
	sess, created, err := e.store.GetOrCreate(ctx, key, start, ev.Prefill)
	if err != nil {
		return ErrorOutcome(nil, err)
	}
	if created {
		e.emit(ctx, hooks.EventSessionStarted, map[string]any{
			"user": userID, "session": sess.ID, "template": sess.Fields[domain.FieldTemplateID],
		})
	}
	return Outcome{Kind: Advanced, Session: sess, Step: RenderStep(sess), Created: created, Resumed: !created}
}

// check validates the stored markers against the registry.
func (e *Engine) check(sess *domain.Session) error {
	bad := func(what string, id domain.StepID) error {
		return &InvariantViolation{Op: "load session", Detail: fmt.Sprintf("%s %q is not a known step", what, id)}
	}
	if !e.registry.Has(sess.CurrentStep) {
		return bad("current step", sess.CurrentStep)
	}
	if sess.Interrupt != "" {
		if !wizard.IsPseudo(sess.Interrupt) {
			return bad("interrupt", sess.Interrupt)
		}
		if !e.registry.Has(sess.LastStepBeforeInterrupt) {
			return bad("interrupted step", sess.LastStepBeforeInterrupt)
		}
	}
	if sess.ResumeTarget != "" && !e.registry.Has(sess.ResumeTarget) {
		return bad("resume target", sess.ResumeTarget)
	}
	return nil
}

func (e *Engine) command(ctx context.Context, sess *domain.Session, cmd domain.StructuralCommand) Outcome {
	step, _ := e.registry.Step(sess.CurrentStep)

	switch cmd.Kind {
	case domain.CmdCancel:
		return e.openInterrupt(ctx, sess, wizard.CancelConfirm)

	case domain.CmdSkip:
		if !step.Skippable() {
			return invalid(sess, step.Field, "this step cannot be skipped", "Type your answer instead")
		}
		return e.commit(ctx, sess, step, step.Skip.Default())

	case domain.CmdBack:
		return e.back(ctx, sess, step)

	case domain.CmdConfirm:
		if !step.Action {
			return invalid(sess, "", "there is nothing to confirm yet", "Answer the question above")
		}
		return e.runAction(ctx, sess, step, "")

	case domain.CmdEdit:
		switch step.ID {
		case wizard.ConfirmData, wizard.SelectRate, wizard.PaymentMethod:
		default:
			return invalid(sess, "", "editing is available on the order summary", "Finish the current question first")
		}
		if cmd.Group == "" {
			return e.openInterrupt(ctx, sess, wizard.EditMenu)
		}
		return e.jumpToGroup(ctx, sess, cmd.Group)

	case domain.CmdSaveTemplate:
		if step.ID != wizard.ConfirmData {
			return invalid(sess, "", "templates can be saved from the order summary", "")
		}
		if e.saveTemplate == nil {
			return invalid(sess, "", "templates are not available", "")
		}
		return e.openInterrupt(ctx, sess, wizard.TemplateSave)
	}
	return invalid(sess, "", fmt.Sprintf("unknown command %s", cmd), "")
}

func (e *Engine) input(ctx context.Context, sess *domain.Session, text string) Outcome {
	step, _ := e.registry.Step(sess.CurrentStep)
	value, err := step.Validate(text)
	if err != nil {
		return ErrorOutcome(sess, err)
	}
	if step.Action {
		return e.runAction(ctx, sess, step, value)
	}
	return e.commit(ctx, sess, step, value)
}

// commit is the single success path of a data-entry step, shared by typed
// answers and skips.
func (e *Engine) commit(ctx context.Context, sess *domain.Session, step *wizard.Step, value string) Outcome {
	if step.Field == "" {
		return ErrorOutcome(sess, &InvariantViolation{Op: "commit " + string(step.ID), Detail: "step writes no field"})
	}
	patch := domain.Fields{step.Field: value}
	after := *sess
	after.Fields = sess.Fields.Merge(patch)
	next := step.Next(&after)

	m := domain.Mutation{Step: next, Patch: patch}
	if sess.ResumeTarget != "" && next == sess.ResumeTarget {
		m.ResumeTarget = domain.StepPtr("")
	}
	return e.Transition(ctx, sess, m)
}

func (e *Engine) back(ctx context.Context, sess *domain.Session, step *wizard.Step) Outcome {
	// Backing out of the first step of an edited group abandons the edit.
	if sess.ResumeTarget != "" {
		if first, ok := e.registry.GroupStart(step.Group); ok && first == step.ID {
			return e.Transition(ctx, sess, domain.Mutation{Step: sess.ResumeTarget, ResumeTarget: domain.StepPtr("")})
		}
	}
	prev, ok := e.registry.Prev(step.ID)
	if !ok {
		if step.ID == wizard.AwaitPayment {
			return invalid(sess, "", "the invoice has already been issued", "Pay it or cancel the order")
		}
		return invalid(sess, "", "this is the first question", "Type your answer or cancel the order")
	}
	m := domain.Mutation{Step: prev}
	if prev == wizard.ConfirmData {
		var none []domain.Rate
		m.Rates = &none
	}
	return e.Transition(ctx, sess, m)
}

func (e *Engine) jumpToGroup(ctx context.Context, sess *domain.Session, group string) Outcome {
	first, ok := e.registry.GroupStart(group)
	if !ok {
		return invalid(sess, "", fmt.Sprintf("unknown section %q", group),
			"Choose one of: "+strings.Join(e.registry.Groups(), ", "))
	}
	var none []domain.Rate
	return e.Transition(ctx, sess, domain.Mutation{
		Step:                    first,
		ResumeTarget:            domain.StepPtr(wizard.ConfirmData),
		Interrupt:               domain.StepPtr(""),
		LastStepBeforeInterrupt: domain.StepPtr(""),
		Rates:                   &none,
	})
}

func (e *Engine) openInterrupt(ctx context.Context, sess *domain.Session, pseudo domain.StepID) Outcome {
	if sess.Interrupt == pseudo {
		return Outcome{Kind: Advanced, Session: sess, Step: pseudo}
	}
	m := domain.Mutation{Interrupt: domain.StepPtr(pseudo)}
	if !sess.Interrupted() {
		m.LastStepBeforeInterrupt = domain.StepPtr(sess.CurrentStep)
	}
	return e.Transition(ctx, sess, m)
}

// closeInterrupt returns to the step the interrupt was opened from, with
// every field as it was.
func (e *Engine) closeInterrupt(ctx context.Context, sess *domain.Session, notice string) Outcome {
	out := e.Transition(ctx, sess, domain.Mutation{
		Step:                    sess.LastStepBeforeInterrupt,
		Interrupt:               domain.StepPtr(""),
		LastStepBeforeInterrupt: domain.StepPtr(""),
	})
	if out.Kind == Advanced {
		out.Notice = notice
	}
	return out
}

func (e *Engine) interrupt(ctx context.Context, sess *domain.Session, ev domain.Event) Outcome {
	cmd := ev.Command
	isCmd := ev.Kind == domain.EventCommand

	// Shared exits: Back returns, Cancel moves to the cancel dialog.
	if isCmd && cmd.Kind == domain.CmdBack {
		return e.closeInterrupt(ctx, sess, "")
	}
	if isCmd && cmd.Kind == domain.CmdCancel {
		return e.openInterrupt(ctx, sess, wizard.CancelConfirm)
	}

	switch sess.Interrupt {
	case wizard.CancelConfirm:
		if isCmd && cmd.Kind == domain.CmdConfirm {
			return e.cancel(ctx, sess)
		}
		return invalid(sess, "", "please confirm the cancellation or return to the order", "Use the buttons below")

	case wizard.EditMenu:
		if isCmd && cmd.Kind == domain.CmdEdit {
			if cmd.Group == "" {
				return Outcome{Kind: Advanced, Session: sess, Step: wizard.EditMenu}
			}
			return e.jumpToGroup(ctx, sess, cmd.Group)
		}
		if ev.Kind == domain.EventText {
			return e.jumpToGroup(ctx, sess, strings.ToLower(strings.TrimSpace(ev.Text)))
		}
		return invalid(sess, "", "choose a section to edit", "Use the buttons below")

	case wizard.TemplateSave:
		if ev.Kind != domain.EventText {
			return invalid(sess, "template", "type a name for the template", "Example: Home to office")
		}
		name, err := wizard.ValidateTemplateName(ev.Text)
		if err != nil {
			return ErrorOutcome(sess, err)
		}
		if err := e.saveTemplate(ctx, sess, name); err != nil {
			if errors.Is(err, store.ErrTemplateLimit) {
				return invalid(sess, "template", "you have reached the template limit", "Delete a template with /templates first")
			}
			return ErrorOutcome(sess, err)
		}
		return e.closeInterrupt(ctx, sess, fmt.Sprintf("Template %q saved", name))
	}
	return ErrorOutcome(sess, &InvariantViolation{Op: "interrupt", Detail: fmt.Sprintf("unhandled interrupt %q", sess.Interrupt)})
}

func (e *Engine) cancel(ctx context.Context, sess *domain.Session) Outcome {
	if e.onCancel != nil {
		if err := e.onCancel(ctx, sess); err != nil {
			return ErrorOutcome(sess, err)
		}
	}
	if err := e.store.Clear(ctx, sess.UserID); err != nil {
		return ErrorOutcome(sess, err)
	}
	e.emit(ctx, hooks.EventSessionCancelled, map[string]any{
		"user": sess.UserID, "session": sess.ID, "step": string(sess.LastStepBeforeInterrupt),
	})
	return Outcome{Kind: Cancelled}
}

func (e *Engine) runAction(ctx context.Context, sess *domain.Session, step *wizard.Step, input string) Outcome {
	a, ok := e.actions[step.ID]
	if !ok {
		return ErrorOutcome(sess, &InvariantViolation{Op: "action " + string(step.ID), Detail: "no action bound"})
	}
	return a(ctx, sess, input)
}

func (e *Engine) finish(ctx context.Context, userID string, ev domain.Event, out Outcome) {
	step := string(out.Step)
	switch out.Kind {
	case InfraError:
		e.log.Warn().Err(out.Err).Str("user", userID).Str("step", step).Msg("advance failed, retry is safe")
	case Violation:
		le := e.log.Error().Err(out.Err).Str("user", userID).Str("step", step)
		data := map[string]any{"user": userID, "step": step, "error": fmt.Sprint(out.Err)}
		var iv *InvariantViolation
		if errors.As(out.Err, &iv) && len(iv.Missing) > 0 {
			le = le.Strs("missing", iv.Missing)
			data["missing"] = iv.Missing
		}
		le.Msg("invariant violation")
		e.emit(ctx, hooks.EventInvariantViolation, data)
	default:
		e.log.Debug().Str("user", userID).Str("step", step).Str("outcome", out.Kind.String()).Msg("advance")
	}
	if e.observe != nil {
		e.observe(ev, out)
	}
}

func (e *Engine) emit(ctx context.Context, event string, data map[string]any) {
	if e.hooks != nil {
		e.hooks.Emit(ctx, event, data)
	}
}

// RenderStep is the step or open pseudo-state the user is looking at.
func RenderStep(sess *domain.Session) domain.StepID {
	if sess == nil {
		return ""
	}
	if sess.Interrupt != "" {
		return sess.Interrupt
	}
	return sess.CurrentStep
}

// ErrorOutcome classifies err. Validation errors are Invalid, invariant
// violations are Violation, a vanished session is Stale and anything else
// is a retryable InfraError. The session is reported unchanged.
func ErrorOutcome(sess *domain.Session, err error) Outcome {
	out := Outcome{Session: sess, Step: RenderStep(sess), Err: err}
	var (
		ve *wizard.ValidationError
		iv *InvariantViolation
	)
	switch {
	case errors.As(err, &ve):
		out.Kind = Invalid
	case errors.As(err, &iv):
		out.Kind = Violation
	case errors.Is(err, store.ErrNotFound), errors.Is(err, ErrStale):
		return stale()
	default:
		out.Kind = InfraError
	}
	return out
}

func invalid(sess *domain.Session, field, reason, hint string) Outcome {
	return ErrorOutcome(sess, &wizard.ValidationError{Field: field, Reason: reason, Hint: hint})
}

func stale() Outcome {
	return Outcome{Kind: Stale, Err: ErrStale}
}
