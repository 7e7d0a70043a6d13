package orchestrator

import (
	"context"
	"errors"

	"github.com/soyeahso/shipbot/internal/conversation"
	"github.com/soyeahso/shipbot/internal/domain"
	"github.com/soyeahso/shipbot/internal/store"
	"github.com/soyeahso/shipbot/internal/wizard"
)

// saveTemplate stores the session's addresses under name.
func (o *Orchestrator) saveTemplate(ctx context.Context, sess *domain.Session, name string) error {
	t, err := o.templates.SaveTemplate(ctx, domain.TemplateFromFields(sess.UserID, name, sess.Fields), o.maxTemplates)
	if err != nil {
		return err
	}
	o.log.Info().Str("user", sess.UserID).Str("template", t.ID).Str("name", name).Msg("template saved")
	return nil
}

// Templates lists a user's saved templates.
func (o *Orchestrator) Templates(ctx context.Context, userID string) ([]domain.Template, error) {
	return o.templates.Templates(ctx, userID)
}

// RenameTemplate gives a template a new name.
func (o *Orchestrator) RenameTemplate(ctx context.Context, userID, id, name string) error {
	name, err := wizard.ValidateTemplateName(name)
	if err != nil {
		return err
	}
	return o.templates.RenameTemplate(ctx, userID, id, name)
}

// DeleteTemplate removes a template.
func (o *Orchestrator) DeleteTemplate(ctx context.Context, userID, id string) error {
	return o.templates.DeleteTemplate(ctx, userID, id)
}

// StartFromTemplate starts a new order with the template's addresses
// filled in, replacing any order in progress.
func (o *Orchestrator) StartFromTemplate(ctx context.Context, key domain.SessionKey, id string) conversation.Outcome {
	t, err := o.templates.Template(ctx, key.UserID(), id)
	if errors.Is(err, store.ErrNotFound) {
		return conversation.ErrorOutcome(nil, &wizard.ValidationError{
			Field: "template", Reason: "that template no longer exists", Hint: "See your templates with /templates",
		})
	}
	if err != nil {
		return conversation.ErrorOutcome(nil, err)
	}
	return o.engine.Advance(ctx, key, domain.Event{Kind: domain.EventStart, Discard: true, Prefill: t.Fields()})
}
