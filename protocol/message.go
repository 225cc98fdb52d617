// Package protocol defines the messages exchanged between a controller and a
// worker, and how they are framed on a byte stream.
package protocol

import (
	"errors"
	"fmt"

	"github.com/Swind/go-worker-threads/core"
)

// Kind discriminates wire messages.
type Kind string

const (
	// KindInit is sent once by the worker after it exposed its functions.
	KindInit Kind = "init"
	// KindRun asks the worker to invoke an exposed function.
	KindRun Kind = "run"
	// KindCancel tells the worker the caller is no longer interested in a call.
	KindCancel Kind = "cancel"
	// KindResult carries a value and/or the completion of a call.
	KindResult Kind = "result"
	// KindError rejects a call.
	KindError Kind = "error"
	// KindUncaughtError reports a top-level worker failure.
	KindUncaughtError Kind = "uncaughtError"
)

// ExposedType tells whether a worker exposes one function or a module of them.
type ExposedType string

const (
	ExposedFunction ExposedType = "function"
	ExposedModule   ExposedType = "module"
)

// Exposed describes what a worker offers, announced in the init message.
type Exposed struct {
	Type    ExposedType `json:"type"`
	Methods []string    `json:"methods,omitempty"`
}

// HasMethod reports whether a module exposes name.
func (e Exposed) HasMethod(name string) bool {
	for _, m := range e.Methods {
		if m == name {
			return true
		}
	}
	return false
}

// Payload is one encoded value. An empty Tag means Data is passed through as is.
type Payload struct {
	Tag  string `json:"tag,omitempty"`
	Data any    `json:"data"`
}

// SerializedError is an error flattened for the wire.
type SerializedError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// NewSerializedError flattens err. RemoteErrors keep their name and stack.
func NewSerializedError(err error) SerializedError {
	var remote *core.RemoteError
	if errors.As(err, &remote) {
		return SerializedError{Name: remote.Name, Message: remote.Message, Stack: remote.Stack}
	}
	var named interface{ ErrorName() string }
	name := "Error"
	if errors.As(err, &named) {
		name = named.ErrorName()
	}
	return SerializedError{Name: name, Message: err.Error()}
}

// ToError rebuilds the error on the receiving side.
func (se SerializedError) ToError() *core.RemoteError {
	return &core.RemoteError{Name: se.Name, Message: se.Message, Stack: se.Stack}
}

// Message is the single wire envelope; Kind selects which fields are meaningful.
type Message struct {
	Kind     Kind             `json:"type"`
	CallID   uint64           `json:"uid,omitempty"`
	Method   string           `json:"method,omitempty"`
	Args     []Payload        `json:"args,omitempty"`
	Value    *Payload         `json:"payload,omitempty"`
	Complete bool             `json:"complete,omitempty"`
	Error    *SerializedError `json:"error,omitempty"`
	Exposed  *Exposed         `json:"exposed,omitempty"`
}

// Validate checks that the fields required by Kind are present.
func (m Message) Validate() error {
	switch m.Kind {
	case KindInit:
		if m.Exposed == nil {
			return core.NewProtocolError("init message without exposed description")
		}
		if m.Exposed.Type != ExposedFunction && m.Exposed.Type != ExposedModule {
			return core.NewProtocolError("unknown exposed type %q", m.Exposed.Type)
		}
	case KindRun, KindCancel, KindResult:
		if m.CallID == 0 {
			return core.NewProtocolError("%s message without call id", m.Kind)
		}
	case KindError:
		if m.CallID == 0 {
			return core.NewProtocolError("error message without call id")
		}
		if m.Error == nil {
			return core.NewProtocolError("error message for call %d without error", m.CallID)
		}
	case KindUncaughtError:
		if m.Error == nil {
			return core.NewProtocolError("uncaughtError message without error")
		}
	default:
		return core.NewProtocolError("unknown message type %q", m.Kind)
	}
	return nil
}

func (m Message) String() string {
	if m.CallID != 0 {
		return fmt.Sprintf("%s#%d", m.Kind, m.CallID)
	}
	return string(m.Kind)
}
