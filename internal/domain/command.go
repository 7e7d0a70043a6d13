package domain

import "fmt"

// CommandKind enumerates the structural commands a user can issue instead of
// answering the current question.
type CommandKind int

const (
	CmdCancel CommandKind = iota + 1
	CmdSkip
	CmdEdit
	CmdConfirm
	CmdBack
	CmdSaveTemplate
)

func (k CommandKind) String() string {
	switch k {
	case CmdCancel:
		return "cancel"
	case CmdSkip:
		return "skip"
	case CmdEdit:
		return "edit"
	case CmdConfirm:
		return "confirm"
	case CmdBack:
		return "back"
	case CmdSaveTemplate:
		return "save_template"
	default:
		return fmt.Sprintf("command(%d)", int(k))
	}
}

// StructuralCommand is a decoded non-field action. Group is only meaningful
// for CmdEdit; an empty group opens the edit menu.
type StructuralCommand struct {
	Kind  CommandKind `json:"kind"`
	Group string      `json:"group,omitempty"`
}

// Cancel, Skip, Confirm, Back and SaveTemplate are the argument-free commands.
var (
	Cancel       = StructuralCommand{Kind: CmdCancel}
	Skip         = StructuralCommand{Kind: CmdSkip}
	Confirm      = StructuralCommand{Kind: CmdConfirm}
	Back         = StructuralCommand{Kind: CmdBack}
	SaveTemplate = StructuralCommand{Kind: CmdSaveTemplate}
)

// EditField opens the given field group for re-entry.
func EditField(group string) StructuralCommand {
	return StructuralCommand{Kind: CmdEdit, Group: group}
}

func (c StructuralCommand) String() string {
	if c.Kind == CmdEdit && c.Group != "" {
		return "edit:" + c.Group
	}
	return c.Kind.String()
}

// EventKind classifies an input event fed to the conversation engine.
type EventKind int

const (
	EventText EventKind = iota + 1
	EventCommand
	EventStart
)

// Event is one user action for the conversation engine.
type Event struct {
	Kind    EventKind         `json:"kind"`
	Text    string            `json:"text,omitempty"`
	Command StructuralCommand `json:"command,omitempty"`
	// Discard is set on EventStart when the user chose to abandon an existing
	// order. Without it an existing session is resumed.
	Discard bool `json:"discard,omitempty"`
	// Prefill seeds a new session, e.g. from a saved template.
	Prefill Fields `json:"prefill,omitempty"`
}

// TextEvent wraps free-text input.
func TextEvent(s string) Event { return Event{Kind: EventText, Text: s} }

// CommandEvent wraps a structural command.
func CommandEvent(c StructuralCommand) Event { return Event{Kind: EventCommand, Command: c} }

// StartEvent requests a new order.
func StartEvent() Event { return Event{Kind: EventStart} }
