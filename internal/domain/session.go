package domain

import (
	"slices"
	"time"
)

// StepID names a wizard step or one of the interrupt pseudo-states.
type StepID string

// SessionKey identifies who a conversation belongs to and where replies go.
type SessionKey struct {
	ChannelID string `json:"channelId"`
	ChatID    string `json:"chatId"`
	SenderID  string `json:"senderId"`
}

// UserID returns the stable user identity. The chat is not part of it, so the
// same person keeps one session regardless of which chat they write from.
func (k SessionKey) UserID() string {
	return k.ChannelID + ":" + k.SenderID
}

// String returns a canonical string form of the key.
func (k SessionKey) String() string {
	s := k.ChannelID + ":" + k.ChatID
	if k.SenderID != "" {
		s += ":" + k.SenderID
	}
	return s
}

// Fields holds the values entered so far, keyed by field name.
type Fields map[string]string

// Clone returns a copy that can be modified without touching f.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Merge returns the shallow union of f and patch; patch wins on conflicts.
func (f Fields) Merge(patch Fields) Fields {
	out := f.Clone()
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Has reports whether key was entered, even if the value is empty.
func (f Fields) Has(key string) bool {
	_, ok := f[key]
	return ok
}

// Missing returns the keys from want that are absent, in order.
func (f Fields) Missing(want ...string) []string {
	var missing []string
	for _, k := range want {
		if !f.Has(k) {
			missing = append(missing, k)
		}
	}
	return missing
}

// Session is the mutable per-user scratch state of an order in progress.
type Session struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	Key         SessionKey `json:"key"`
	CurrentStep StepID     `json:"currentStep"`
	Fields      Fields     `json:"fields"`
	// Rates are the options from the last quote, kept until the user picks one
	// or leaves the confirmation step.
	Rates []Rate `json:"rates,omitempty"`
	// Interrupt is the active pseudo-state, if any. CurrentStep is left alone
	// while an interrupt is open.
	Interrupt               StepID    `json:"interrupt,omitempty"`
	LastStepBeforeInterrupt StepID    `json:"lastStepBeforeInterrupt,omitempty"`
	ResumeTarget            StepID    `json:"resumeTarget,omitempty"`
	Completed               bool      `json:"completed"`
	CreatedAt               time.Time `json:"createdAt"`
	UpdatedAt               time.Time `json:"updatedAt"`
}

// Interrupted reports whether a pseudo-state is open in front of CurrentStep.
func (s *Session) Interrupted() bool {
	return s.Interrupt != ""
}

// Rate looks up a stashed rate option by id.
func (s *Session) Rate(id string) (Rate, bool) {
	i := slices.IndexFunc(s.Rates, func(r Rate) bool { return r.ID == id })
	if i < 0 {
		return Rate{}, false
	}
	return s.Rates[i], true
}

// Mutation describes an atomic change to a session. Nil pointers leave the
// corresponding column untouched, as does an empty Step.
type Mutation struct {
	// Expect and ExpectInterrupt, when set, make the write conditional on the
	// session still being at that step and interrupt.
	Expect          StepID
	ExpectInterrupt *StepID
	Step            StepID
	Patch           Fields
	Rates           *[]Rate
	// Interrupt, LastStepBeforeInterrupt and ResumeTarget are written when set;
	// use a pointer to "" to clear.
	Interrupt               *StepID
	LastStepBeforeInterrupt *StepID
	ResumeTarget            *StepID
}

// StepPtr is a convenience for building Mutations.
func StepPtr(s StepID) *StepID { return &s }
