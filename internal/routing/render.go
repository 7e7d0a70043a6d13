package routing

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/soyeahso/shipbot/internal/conversation"
	"github.com/soyeahso/shipbot/internal/domain"
	"github.com/soyeahso/shipbot/internal/wizard"
)

// Reply is one message to send back. The router addresses it.
type Reply struct {
	Body     string
	Keyboard [][]domain.Button
	Media    []domain.Attachment
}

// Renderer turns engine outcomes into replies.
type Renderer struct {
	registry *wizard.Registry
	crypto   bool
}

// NewRenderer creates a renderer. crypto controls whether the crypto
// payment button is offered.
func NewRenderer(registry *wizard.Registry, crypto bool) *Renderer {
	return &Renderer{registry: registry, crypto: crypto}
}

func btn(label, data string) domain.Button { return domain.Button{Label: label, Data: data} }

var (
	cancelBtn   = btn("Cancel", commandData("cancel"))
	backBtn     = btn("Back", commandData("back"))
	newOrderBtn = btn("New order", cbNew)
)

// Outcome renders the result of an engine call. It returns nothing for an
// Ignored outcome without a notice.
func (r *Renderer) Outcome(out conversation.Outcome) []Reply {
	var reply Reply
	switch out.Kind {
	case conversation.Advanced:
		reply = r.Step(out.Session, out.Step, out.Intent)
		if out.Resumed && !out.Created && out.Session != nil {
			reply.Body = "You have an order in progress, let's continue.\n\n" + reply.Body
			reply.Keyboard = append(reply.Keyboard, []domain.Button{btn("Start over", cbNew)})
		} else if out.Created && out.Session != nil && out.Session.Fields.Has(domain.FieldTemplateID) {
			reply.Body = "Addresses filled in from your template.\n\n" + reply.Body
		} else if out.Created {
			reply.Body = "Let's create a shipping label.\n\n" + reply.Body
		}
	case conversation.Invalid:
		reply.Body = describeInvalid(out.Err)
		if out.Session != nil && out.Step != "" {
			reply.Keyboard = r.keyboard(out.Session, out.Step, out.Intent)
		}
	case conversation.Stale:
		reply = Reply{Body: "You have no order in progress.", Keyboard: [][]domain.Button{{newOrderBtn}}}
	case conversation.InfraError:
		reply = Reply{
			Body:     "Something went wrong on our side. Please try again in a moment.",
			Keyboard: [][]domain.Button{{btn("Try again", cbResume)}},
		}
	case conversation.Violation:
		reply = Reply{
			Body:     "Sorry, this order ran into a problem and cannot continue. Please start a new one.",
			Keyboard: [][]domain.Button{{newOrderBtn}},
		}
	case conversation.Cancelled:
		reply = Reply{Body: "Order cancelled.", Keyboard: [][]domain.Button{{newOrderBtn}}}
	case conversation.Completed:
		reply = r.Completed(out.Order)
	case conversation.Ignored:
		if out.Notice == "" {
			return nil
		}
		return []Reply{{Body: out.Notice}}
	default:
		return nil
	}
	if out.Notice != "" {
		reply.Body = out.Notice + "\n\n" + reply.Body
	}
	return []Reply{reply}
}

// Step renders the question or menu for step.
func (r *Renderer) Step(sess *domain.Session, step domain.StepID, in *domain.PaymentIntent) Reply {
	reply := Reply{Keyboard: r.keyboard(sess, step, in)}
	switch step {
	case wizard.CancelConfirm:
		reply.Body = "Cancel this order? Everything entered so far will be lost."
	case wizard.EditMenu:
		reply.Body = "What do you want to change?"
	case wizard.TemplateSave:
		reply.Body = "Send a name for this template (up to 50 characters)."
	case wizard.ConfirmData:
		reply.Body = "Please check your order:\n\n" + Summary(sess.Fields)
	case wizard.SelectRate:
		reply.Body = "Choose a shipping rate:\n\n" + rateList(sess.Rates)
	case wizard.PaymentMethod:
		reply.Body = fmt.Sprintf("%s %s\nOrder total: %s\n\nChoose how to pay.",
			sess.Fields[domain.FieldCarrier], sess.Fields[domain.FieldService], amountOf(sess))
	case wizard.AwaitPayment:
		reply.Body = fmt.Sprintf("Pay %s with crypto using the link below. "+
			"Your label is bought as soon as the payment arrives.", amountOf(sess))
	default:
		s, ok := r.registry.Step(step)
		if !ok {
			reply.Body = "Send /start to continue."
			break
		}
		reply.Body = s.Prompt
		if s.Example != "" {
			reply.Body += "\nExample: " + s.Example
		}
	}
	return reply
}

func (r *Renderer) keyboard(sess *domain.Session, step domain.StepID, in *domain.PaymentIntent) [][]domain.Button {
	switch step {
	case wizard.CancelConfirm:
		return [][]domain.Button{{btn("Yes, cancel", commandData("confirm")), btn("No, go back", commandData("back"))}}
	case wizard.EditMenu:
		return [][]domain.Button{
			{btn("Sender", editData(wizard.GroupFrom)), btn("Recipient", editData(wizard.GroupTo)), btn("Parcel", editData(wizard.GroupParcel))},
			{backBtn},
		}
	case wizard.TemplateSave:
		return [][]domain.Button{{backBtn}}
	case wizard.ConfirmData:
		return [][]domain.Button{
			{btn("Confirm", commandData("confirm")), btn("Edit", editData(""))},
			{btn("Save as template", commandData("save_template"))},
			{cancelBtn},
		}
	case wizard.SelectRate:
		var rows [][]domain.Button
		for _, rt := range sess.Rates {
			rows = append(rows, []domain.Button{btn(fmt.Sprintf("%s %s %s", rt.Carrier, rt.Service, rt.Amount), rateData(rt.ID))})
		}
		return append(rows, []domain.Button{backBtn, cancelBtn})
	case wizard.PaymentMethod:
		pay := []domain.Button{btn("Pay from balance", payData(domain.PaymentBalance))}
		if r.crypto {
			pay = append(pay, btn("Pay with crypto", payData(domain.PaymentCrypto)))
		}
		return [][]domain.Button{pay, {backBtn, cancelBtn}}
	case wizard.AwaitPayment:
		var rows [][]domain.Button
		if in != nil && in.PayLink != "" {
			rows = append(rows, []domain.Button{{Label: "Open invoice", URL: in.PayLink}})
		}
		return append(rows, []domain.Button{btn("I have paid", commandData("confirm")), cancelBtn})
	}

	var row []domain.Button
	if s, ok := r.registry.Step(step); ok && s.Skippable() {
		row = append(row, btn("Skip", commandData("skip")))
	}
	if _, ok := r.registry.Prev(step); ok {
		row = append(row, backBtn)
	}
	return [][]domain.Button{append(row, cancelBtn)}
}

// Completed renders a finished order with its label attached.
func (r *Renderer) Completed(o *domain.Order) Reply {
	if o == nil {
		return Reply{Body: "Your order is complete.", Keyboard: [][]domain.Button{{newOrderBtn}}}
	}
	var b strings.Builder
	b.WriteString("Your label is ready!\n\n")
	fmt.Fprintf(&b, "Carrier: %s %s\n", o.Rate.Carrier, o.Rate.Service)
	if o.Label.TrackingNumber != "" {
		fmt.Fprintf(&b, "Tracking: %s\n", o.Label.TrackingNumber)
	}
	fmt.Fprintf(&b, "Paid: %s (%s)", o.Amount, o.PaymentMethod)

	reply := Reply{Body: b.String(), Keyboard: [][]domain.Button{{newOrderBtn}}}
	if o.Label.PDFURL != "" {
		name := o.Label.TrackingNumber
		if name == "" {
			name = o.ID
		}
		reply.Media = []domain.Attachment{{
			URL:      o.Label.PDFURL,
			MimeType: "application/pdf",
			Filename: "label-" + name + ".pdf",
			Caption:  "Shipping label",
		}}
	}
	return reply
}

// Summary lists the order details for confirmation.
func Summary(f domain.Fields) string {
	var b strings.Builder
	b.WriteString("From:\n")
	writeAddress(&b, f.FromAddress())
	b.WriteString("\nTo:\n")
	writeAddress(&b, f.ToAddress())
	fmt.Fprintf(&b, "\nParcel: %s lb, %s x %s x %s in",
		f[domain.FieldWeight], f[domain.FieldLength], f[domain.FieldWidth], f[domain.FieldHeight])
	return b.String()
}

func writeAddress(b *strings.Builder, a domain.Address) {
	b.WriteString(a.Name + "\n")
	b.WriteString(a.Street1)
	if a.Street2 != "" {
		b.WriteString(", " + a.Street2)
	}
	fmt.Fprintf(b, "\n%s, %s %s\n", a.City, a.State, a.Zip)
	if a.Phone != "" {
		b.WriteString(a.Phone + "\n")
	}
}

func rateList(rates []domain.Rate) string {
	var b strings.Builder
	for i, rt := range rates {
		fmt.Fprintf(&b, "%d. %s %s: %s", i+1, rt.Carrier, rt.Service, rt.Amount)
		if rt.Days > 0 {
			fmt.Fprintf(&b, ", %d days", rt.Days)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func amountOf(sess *domain.Session) string {
	m, err := domain.ParseMoney(sess.Fields[domain.FieldAmount])
	if err != nil {
		return "the order total"
	}
	return m.String()
}

// describeInvalid writes a rejection with its corrective hint.
func describeInvalid(err error) string {
	var ve *wizard.ValidationError
	if !errors.As(err, &ve) {
		if err == nil {
			return "That did not work."
		}
		return capitalize(err.Error()) + "."
	}
	s := capitalize(ve.Reason) + "."
	if ve.Hint != "" {
		s += "\n" + ve.Hint
	}
	return s
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
