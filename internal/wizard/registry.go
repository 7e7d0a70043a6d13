// Package wizard describes the order-creation step graph: which question each
// step asks, how its answer is validated, and where the conversation goes next.
// The registry is immutable after construction and safe for concurrent use.
package wizard

import (
	"github.com/soyeahso/shipbot/internal/domain"
)

// Step identifiers.
const (
	FromName     domain.StepID = "FROM_NAME"
	FromAddress  domain.StepID = "FROM_ADDRESS"
	FromAddress2 domain.StepID = "FROM_ADDRESS2"
	FromCity     domain.StepID = "FROM_CITY"
	FromState    domain.StepID = "FROM_STATE"
	FromZip      domain.StepID = "FROM_ZIP"
	FromPhone    domain.StepID = "FROM_PHONE"

	ToName     domain.StepID = "TO_NAME"
	ToAddress  domain.StepID = "TO_ADDRESS"
	ToAddress2 domain.StepID = "TO_ADDRESS2"
	ToCity     domain.StepID = "TO_CITY"
	ToState    domain.StepID = "TO_STATE"
	ToZip      domain.StepID = "TO_ZIP"
	ToPhone    domain.StepID = "TO_PHONE"

	ParcelWeight domain.StepID = "PARCEL_WEIGHT"
	ParcelLength domain.StepID = "PARCEL_LENGTH"
	ParcelWidth  domain.StepID = "PARCEL_WIDTH"
	ParcelHeight domain.StepID = "PARCEL_HEIGHT"

	ConfirmData   domain.StepID = "CONFIRM_DATA"
	SelectRate    domain.StepID = "SELECT_RATE"
	PaymentMethod domain.StepID = "PAYMENT_METHOD"
	AwaitPayment  domain.StepID = "AWAIT_PAYMENT"
)

// Pseudo-states opened in front of a real step.
const (
	CancelConfirm domain.StepID = "CANCEL_CONFIRM"
	EditMenu      domain.StepID = "EDIT_MENU"
	TemplateSave  domain.StepID = "TEMPLATE_SAVE"
)

// Field groups offered by the edit menu.
const (
	GroupFrom   = "from"
	GroupTo     = "to"
	GroupParcel = "parcel"
	// GroupReview covers the confirmation, rate and payment steps.
	GroupReview = "review"
)

// SkipRule makes a step skippable. Default produces the value written on skip.
type SkipRule struct {
	Default func() string
}

// Step is one entry of the step graph.
type Step struct {
	ID     domain.StepID
	Field  string // field written on success; empty for action steps
	Group  string
	Prompt string
	// Example is shown under the prompt.
	Example  string
	Validate Validator
	Skip     *SkipRule
	// Action marks steps whose accepted input is handed to a bound domain
	// action instead of being written as a field.
	Action bool

	next func(s *domain.Session) domain.StepID
}

// Skippable reports whether the skip command is accepted on this step.
func (s *Step) Skippable() bool { return s.Skip != nil }

// Next returns the step that follows this one for the given session. The
// session must already include this step's answer.
func (s *Step) Next(sess *domain.Session) domain.StepID {
	return s.next(sess)
}

// Options tune the step graph.
type Options struct {
	// AddressLine2 adds the optional apartment/suite steps.
	AddressLine2 bool
	// Phone generates the value written when a phone step is skipped.
	// Defaults to RandomPhone.
	Phone func() string
}

// Registry is the static step graph.
type Registry struct {
	order []domain.StepID
	steps map[domain.StepID]*Step
	index map[domain.StepID]int
	prev  map[domain.StepID]domain.StepID
}

// New builds the registry.
func New(opts Options) *Registry {
	phone := opts.Phone
	if phone == nil {
		phone = RandomPhone
	}
	empty := func() string { return "" }

	var defs []*Step
	add := func(s *Step) { defs = append(defs, s) }

	addressSteps := func(group string, name, addr, addr2, city, state, zip, ph domain.StepID, prefix string, who string) {
		add(&Step{ID: name, Field: prefix + "_name", Group: group, Prompt: "Enter the " + who + " full name", Example: "John Smith", Validate: ValidateName})
		add(&Step{ID: addr, Field: prefix + "_address", Group: group, Prompt: "Enter the " + who + " street address", Example: "123 Main St", Validate: ValidateAddress})
		if opts.AddressLine2 {
			add(&Step{ID: addr2, Field: prefix + "_address2", Group: group, Prompt: "Enter apartment, suite or unit, or skip", Example: "Apt 4B", Validate: ValidateAddress2, Skip: &SkipRule{Default: empty}})
		}
		add(&Step{ID: city, Field: prefix + "_city", Group: group, Prompt: "Enter the " + who + " city", Example: "New York", Validate: ValidateCity})
		add(&Step{ID: state, Field: prefix + "_state", Group: group, Prompt: "Enter the " + who + " state code", Example: "NY", Validate: ValidateState})
		add(&Step{ID: zip, Field: prefix + "_zip", Group: group, Prompt: "Enter the " + who + " ZIP code", Example: "10001", Validate: ValidateZip})
		add(&Step{ID: ph, Field: prefix + "_phone", Group: group, Prompt: "Enter the " + who + " phone number, or skip", Example: "+1 212 555 0100", Validate: ValidatePhone, Skip: &SkipRule{Default: phone}})
	}
	addressSteps(GroupFrom, FromName, FromAddress, FromAddress2, FromCity, FromState, FromZip, FromPhone, "from", "sender's")
	addressSteps(GroupTo, ToName, ToAddress, ToAddress2, ToCity, ToState, ToZip, ToPhone, "to", "recipient's")

	add(&Step{ID: ParcelWeight, Field: domain.FieldWeight, Group: GroupParcel, Prompt: "Enter the parcel weight in pounds", Example: "2.5", Validate: ValidateWeight})
	add(&Step{ID: ParcelLength, Field: domain.FieldLength, Group: GroupParcel, Prompt: "Enter the parcel length in inches", Example: "12", Validate: ValidateDimension("length")})
	add(&Step{ID: ParcelWidth, Field: domain.FieldWidth, Group: GroupParcel, Prompt: "Enter the parcel width in inches", Example: "8", Validate: ValidateDimension("width")})
	add(&Step{ID: ParcelHeight, Field: domain.FieldHeight, Group: GroupParcel, Prompt: "Enter the parcel height in inches", Example: "4", Validate: ValidateDimension("height")})

	add(&Step{ID: ConfirmData, Group: GroupReview, Prompt: "Check the order details", Action: true,
		Validate: rejectText("confirm", "use the buttons to confirm or edit the order", "Press Confirm to see rates")})
	add(&Step{ID: SelectRate, Group: GroupReview, Prompt: "Choose a shipping rate", Action: true, Validate: ValidateRateChoice})
	add(&Step{ID: PaymentMethod, Group: GroupReview, Prompt: "Choose how to pay", Action: true, Validate: ValidatePaymentMethod})
	add(&Step{ID: AwaitPayment, Group: GroupReview, Prompt: "Waiting for your payment", Action: true,
		Validate: rejectText("payment", "the invoice is still waiting for payment", "Pay with the link above or cancel the order")})

	r := &Registry{
		steps: make(map[domain.StepID]*Step, len(defs)),
		index: make(map[domain.StepID]int, len(defs)),
		prev:  make(map[domain.StepID]domain.StepID, len(defs)),
	}
	for i, s := range defs {
		r.order = append(r.order, s.ID)
		r.steps[s.ID] = s
		r.index[s.ID] = i
		if i > 0 {
			r.prev[s.ID] = defs[i-1].ID
		}
	}
	// An issued invoice cannot be walked back.
	delete(r.prev, AwaitPayment)

	for _, s := range defs {
		switch s.ID {
		case ConfirmData, SelectRate, PaymentMethod:
			// Successors of action steps are decided by the bound action.
			succ := r.successor(s.ID)
			s.next = func(*domain.Session) domain.StepID { return succ }
		case AwaitPayment:
			s.next = func(*domain.Session) domain.StepID { return AwaitPayment }
		default:
			s.next = r.forward(s)
		}
	}
	return r
}

// successor returns the step after id in graph order.
func (r *Registry) successor(id domain.StepID) domain.StepID {
	i, ok := r.index[id]
	if !ok || i+1 >= len(r.order) {
		return ""
	}
	return r.order[i+1]
}

// forward is the transition function of data-entry steps. Leaving the group
// while a resume target is set returns to the target; a session seeded from
// a template skips steps it already has answers for.
func (r *Registry) forward(cur *Step) func(*domain.Session) domain.StepID {
	return func(sess *domain.Session) domain.StepID {
		next := r.successor(cur.ID)
		for {
			step := r.steps[next]
			if sess.ResumeTarget != "" {
				if step == nil || step.Group != cur.Group {
					return sess.ResumeTarget
				}
				return next
			}
			if step != nil && step.Field != "" && sess.Fields.Has(domain.FieldTemplateID) && sess.Fields.Has(step.Field) {
				next = r.successor(next)
				continue
			}
			return next
		}
	}
}

// Start returns the first step of a new order.
func (r *Registry) Start() domain.StepID { return r.order[0] }

// Step looks up a real step.
func (r *Registry) Step(id domain.StepID) (*Step, bool) {
	s, ok := r.steps[id]
	return s, ok
}

// Has reports whether id is a real step of this registry.
func (r *Registry) Has(id domain.StepID) bool {
	_, ok := r.steps[id]
	return ok
}

// IsPseudo reports whether id is one of the interrupt pseudo-states.
func IsPseudo(id domain.StepID) bool {
	switch id {
	case CancelConfirm, EditMenu, TemplateSave:
		return true
	}
	return false
}

// Prev returns the step Back leads to from id.
func (r *Registry) Prev(id domain.StepID) (domain.StepID, bool) {
	p, ok := r.prev[id]
	return p, ok
}

// Groups returns the editable field groups.
func (r *Registry) Groups() []string {
	return []string{GroupFrom, GroupTo, GroupParcel}
}

// GroupStart returns the first step of an editable group.
func (r *Registry) GroupStart(group string) (domain.StepID, bool) {
	if group == GroupReview {
		return "", false
	}
	for _, id := range r.order {
		if r.steps[id].Group == group {
			return id, true
		}
	}
	return "", false
}

// FirstOpen returns the first data-entry step whose field is not yet in f,
// or ConfirmData when everything has been answered.
func (r *Registry) FirstOpen(f domain.Fields) domain.StepID {
	for _, id := range r.order {
		s := r.steps[id]
		if s.Field == "" {
			return id
		}
		if !f.Has(s.Field) {
			return id
		}
	}
	return ConfirmData
}

// DataFields returns the fields written by data-entry steps, in graph order.
func (r *Registry) DataFields() []string {
	var out []string
	for _, id := range r.order {
		if f := r.steps[id].Field; f != "" {
			out = append(out, f)
		}
	}
	return out
}

// GroupFields returns the fields written by the steps of a group.
func (r *Registry) GroupFields(group string) []string {
	var out []string
	for _, id := range r.order {
		s := r.steps[id]
		if s.Group == group && s.Field != "" {
			out = append(out, s.Field)
		}
	}
	return out
}
