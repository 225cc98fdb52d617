// Package serial converts values crossing the worker boundary. A Registry is an
// ordered table of tagged serializers consulted before plain passthrough.
package serial

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Swind/go-worker-threads/core"
	"github.com/Swind/go-worker-threads/protocol"
)

// ErrorTag marks an encoded error value.
const ErrorTag = "$$error"

const reservedPrefix = "$$"

// Serializer handles one family of values. Tag identifies the encoding on the
// wire and must be unique within a registry.
type Serializer struct {
	Tag         string
	CanHandle   func(v any) bool
	Serialize   func(v any) (any, error)
	Deserialize func(data any) (any, error)
}

func (s Serializer) validate() error {
	switch {
	case s.Tag == "":
		return errors.New("serializer tag is empty")
	case s.CanHandle == nil || s.Serialize == nil || s.Deserialize == nil:
		return fmt.Errorf("serializer %q is missing a function", s.Tag)
	}
	return nil
}

// Registry is safe for concurrent use. Registration is expected to happen
// before any worker is spawned.
type Registry struct {
	mu       sync.RWMutex
	entries  []Serializer
	builtins []Serializer
}

// NewRegistry returns a registry holding only the built-in error serializer.
func NewRegistry() *Registry {
	return &Registry{builtins: []Serializer{errorSerializer()}}
}

// Default is the process-wide registry used when no explicit one is given.
var Default = NewRegistry()

// Register adds s to the Default registry.
func Register(s Serializer) error {
	return Default.Register(s)
}

// Register adds s. Registering an existing tag replaces that entry in place.
func (r *Registry) Register(s Serializer) error {
	if err := s.validate(); err != nil {
		return err
	}
	if strings.HasPrefix(s.Tag, reservedPrefix) {
		return fmt.Errorf("serializer tag %q uses reserved prefix %q", s.Tag, reservedPrefix)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.entries {
		if existing.Tag == s.Tag {
			r.entries[i] = s
			return nil
		}
	}
	r.entries = append(r.entries, s)
	return nil
}

// Tags lists user tags in consultation order.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		tags = append(tags, e.Tag)
	}
	return tags
}

func (r *Registry) lookup(tag string) (Serializer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.Tag == tag {
			return e, true
		}
	}
	for _, e := range r.builtins {
		if e.Tag == tag {
			return e, true
		}
	}
	return Serializer{}, false
}

func (r *Registry) match(v any) (Serializer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.CanHandle(v) {
			return e, true
		}
	}
	for _, e := range r.builtins {
		if e.CanHandle(v) {
			return e, true
		}
	}
	return Serializer{}, false
}

// Encode picks the first serializer accepting v, user entries first. Values no
// serializer accepts pass through untagged.
func (r *Registry) Encode(v any) (protocol.Payload, error) {
	s, ok := r.match(v)
	if !ok {
		return protocol.Payload{Data: v}, nil
	}
	data, err := s.Serialize(v)
	if err != nil {
		return protocol.Payload{}, fmt.Errorf("serialize with %q: %w", s.Tag, err)
	}
	return protocol.Payload{Tag: s.Tag, Data: data}, nil
}

// Decode reverses Encode. An unknown tag is a protocol error.
func (r *Registry) Decode(p protocol.Payload) (any, error) {
	if p.Tag == "" {
		return p.Data, nil
	}
	s, ok := r.lookup(p.Tag)
	if !ok {
		return nil, core.NewProtocolError("no serializer registered for tag %q", p.Tag)
	}
	v, err := s.Deserialize(p.Data)
	if err != nil {
		return nil, fmt.Errorf("deserialize with %q: %w", p.Tag, err)
	}
	return v, nil
}

// EncodeAll encodes every value in order.
func (r *Registry) EncodeAll(values []any) ([]protocol.Payload, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make([]protocol.Payload, len(values))
	for i, v := range values {
		p, err := r.Encode(v)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = p
	}
	return out, nil
}

// DecodeAll decodes every payload in order.
func (r *Registry) DecodeAll(payloads []protocol.Payload) ([]any, error) {
	out := make([]any, len(payloads))
	for i, p := range payloads {
		v, err := r.Decode(p)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// =============================================================================
// Built-in and helper serializers
// =============================================================================

func errorSerializer() Serializer {
	return Serializer{
		Tag: ErrorTag,
		CanHandle: func(v any) bool {
			_, ok := v.(error)
			return ok
		},
		Serialize: func(v any) (any, error) {
			return protocol.NewSerializedError(v.(error)), nil
		},
		Deserialize: func(data any) (any, error) {
			se, err := As[protocol.SerializedError](data)
			if err != nil {
				return nil, err
			}
			return se.ToError(), nil
		},
	}
}

// JSON builds a serializer for values of type T. In-process the value is
// passed through; across a byte stream it is rebuilt from its JSON form.
func JSON[T any](tag string) Serializer {
	return Serializer{
		Tag: tag,
		CanHandle: func(v any) bool {
			_, ok := v.(T)
			return ok
		},
		Serialize: func(v any) (any, error) {
			return v, nil
		},
		Deserialize: func(data any) (any, error) {
			return As[T](data)
		},
	}
}

// As converts data to T, going through JSON when data arrived as a generic
// decoded value (maps, slices, float64).
func As[T any](data any) (T, error) {
	if v, ok := data.(T); ok {
		return v, nil
	}
	var out T
	raw, err := json.Marshal(data)
	if err != nil {
		return out, fmt.Errorf("json marshal failed: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("json unmarshal failed: %w", err)
	}
	return out, nil
}
