package tasks

import "fmt"

// Type is the closed set of task variants. Each variant is consumed by
// exactly one downstream workflow.
type Type string

const (
	TypeDocument      Type = "document"
	TypeAudio         Type = "audio"
	TypeText          Type = "text"
	TypeOnboarding    Type = "onboarding"
	TypeCommunication Type = "communication"
)

// Types lists every task type.
var Types = []Type{TypeDocument, TypeAudio, TypeText, TypeOnboarding, TypeCommunication}

// workflows maps each task type to the external workflow that executes it.
var workflows = map[Type]string{
	TypeDocument:      "document-processing",
	TypeAudio:         "audio-transcription",
	TypeText:          "text-analysis",
	TypeOnboarding:    "client-onboarding",
	TypeCommunication: "communication-dispatch",
}

// ParseType converts a string into a Type.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown task type %q", ErrInvalidTask, s)
	}
	return t, nil
}

// Valid reports whether t is one of the known task types.
func (t Type) Valid() bool {
	_, ok := workflows[t]
	return ok
}

// Workflow returns the name of the workflow that consumes tasks of this type.
func (t Type) Workflow() (string, bool) {
	w, ok := workflows[t]
	return w, ok
}
