package routing

import (
	"strings"

	"github.com/soyeahso/shipbot/internal/domain"
)

// Action says what an inbound message asks for.
type Action int

const (
	// ActEvent feeds Request.Event to the conversation engine.
	ActEvent Action = iota + 1
	ActResume
	ActBalance
	ActTopUp
	ActTemplates
	ActTemplateUse
	ActTemplateDelete
	ActTemplateRename
	ActOrders
	ActHelp
	ActUnknown
)

// Request is a decoded inbound message.
type Request struct {
	Action Action
	Event  domain.Event
	// Arg and Name carry command arguments: the top-up amount, a template
	// id or position, and a new template name.
	Arg  string
	Name string
}

// Callback data prefixes of inline buttons.
const (
	cbCommand  = "cmd:"
	cbEdit     = "edit:"
	cbRate     = "rate:"
	cbPay      = "pay:"
	cbTplUse   = "tpl:use:"
	cbTplDel   = "tpl:del:"
	cbStart    = "start"
	cbNew      = "new"
	cbResume   = "resume"
	cbBalance  = "balance"
	cbTemplate = "templates"
)

var commandCallbacks = map[string]domain.StructuralCommand{
	"cancel":        domain.Cancel,
	"skip":          domain.Skip,
	"back":          domain.Back,
	"confirm":       domain.Confirm,
	"save_template": domain.SaveTemplate,
}

// Decode turns a message or button press into a Request. Anything that is
// neither a known command nor a button is free text for the current step.
func Decode(msg domain.InboundMessage) Request {
	if msg.Callback != "" {
		return decodeCallback(msg.Callback)
	}
	body := strings.TrimSpace(msg.Body)
	if strings.HasPrefix(body, "/") {
		return decodeCommand(body)
	}
	return event(domain.TextEvent(body))
}

func event(ev domain.Event) Request { return Request{Action: ActEvent, Event: ev} }

func decodeCallback(data string) Request {
	switch {
	case data == cbStart:
		return event(domain.StartEvent())
	case data == cbNew:
		return event(domain.Event{Kind: domain.EventStart, Discard: true})
	case data == cbResume:
		return Request{Action: ActResume}
	case data == cbBalance:
		return Request{Action: ActBalance}
	case data == cbTemplate:
		return Request{Action: ActTemplates}
	case strings.HasPrefix(data, cbCommand):
		if cmd, ok := commandCallbacks[strings.TrimPrefix(data, cbCommand)]; ok {
			return event(domain.CommandEvent(cmd))
		}
	case strings.HasPrefix(data, cbEdit):
		return event(domain.CommandEvent(domain.EditField(strings.TrimPrefix(data, cbEdit))))
	case strings.HasPrefix(data, cbRate):
		return event(domain.TextEvent(strings.TrimPrefix(data, cbRate)))
	case strings.HasPrefix(data, cbPay):
		return event(domain.TextEvent(strings.TrimPrefix(data, cbPay)))
	case strings.HasPrefix(data, cbTplUse):
		return Request{Action: ActTemplateUse, Arg: strings.TrimPrefix(data, cbTplUse)}
	case strings.HasPrefix(data, cbTplDel):
		return Request{Action: ActTemplateDelete, Arg: strings.TrimPrefix(data, cbTplDel)}
	}
	return Request{Action: ActUnknown, Arg: data}
}

func decodeCommand(body string) Request {
	name, rest, _ := strings.Cut(body[1:], " ")
	// Telegram appends the bot name in groups: /start@shipbot.
	name, _, _ = strings.Cut(strings.ToLower(name), "@")
	rest = strings.TrimSpace(rest)

	switch name {
	case "start", "menu":
		return event(domain.StartEvent())
	case "new":
		return event(domain.Event{Kind: domain.EventStart, Discard: true})
	case "cancel":
		return event(domain.CommandEvent(domain.Cancel))
	case "skip":
		return event(domain.CommandEvent(domain.Skip))
	case "back":
		return event(domain.CommandEvent(domain.Back))
	case "confirm":
		return event(domain.CommandEvent(domain.Confirm))
	case "edit":
		return event(domain.CommandEvent(domain.EditField(strings.ToLower(rest))))
	case "save":
		return event(domain.CommandEvent(domain.SaveTemplate))
	case "balance":
		return Request{Action: ActBalance}
	case "topup":
		return Request{Action: ActTopUp, Arg: rest}
	case "templates":
		return Request{Action: ActTemplates}
	case "template_rename":
		n, newName, _ := strings.Cut(rest, " ")
		return Request{Action: ActTemplateRename, Arg: n, Name: strings.TrimSpace(newName)}
	case "orders":
		return Request{Action: ActOrders}
	case "help":
		return Request{Action: ActHelp}
	}
	return Request{Action: ActUnknown, Arg: name}
}

// Callback data builders used by the renderer.

func commandData(name string) string { return cbCommand + name }
func editData(group string) string   { return cbEdit + group }
func rateData(id string) string      { return cbRate + id }
func payData(method string) string   { return cbPay + method }
func tplUseData(id string) string    { return cbTplUse + id }
func tplDelData(id string) string    { return cbTplDel + id }
