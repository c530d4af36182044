package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// ErrUnknownType is returned for inbound messages with no registered schema.
var ErrUnknownType = errors.New("unknown message type")

// ValidationError reports an inbound message that failed schema validation.
type ValidationError struct {
	Type   string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Type == "" {
		return "invalid message: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Type, e.Reason)
}

// Validator checks inbound client messages against the embedded schemas.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

var (
	defaultOnce      sync.Once
	defaultValidator *Validator
	defaultErr       error
)

// DefaultValidator compiles the embedded schemas once.
func DefaultValidator() (*Validator, error) {
	defaultOnce.Do(func() {
		defaultValidator, defaultErr = NewValidator()
	})
	return defaultValidator, defaultErr
}

func NewValidator() (*Validator, error) {
	entries, err := fs.Glob(schemaFS, "schemas/*.schema.json")
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	names := make([]string, 0, len(entries))
	for _, path := range entries {
		data, err := schemaFS.ReadFile(path)
		if err != nil {
			return nil, err
		}
		name := strings.TrimSuffix(strings.TrimPrefix(path, "schemas/"), ".schema.json")
		if err := c.AddResource(schemaURL(name), bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
		names = append(names, name)
	}
	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(names))}
	for _, name := range names {
		s, err := c.Compile(schemaURL(name))
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		v.schemas[name] = s
	}
	return v, nil
}

func schemaURL(name string) string {
	return "mem://loreline/" + name + ".schema.json"
}

// Types returns the inbound message types with a schema.
func (v *Validator) Types() []string {
	out := make([]string, 0, len(v.schemas))
	for name := range v.schemas {
		out = append(out, name)
	}
	return out
}

// Validate decodes the routing tag and checks the message against its schema.
func (v *Validator) Validate(raw []byte) (BaseMessage, error) {
	base, err := DecodeBase(raw)
	if err != nil {
		return BaseMessage{}, &ValidationError{Reason: "malformed json"}
	}
	if base.Type == "" {
		return base, &ValidationError{Reason: "missing type"}
	}
	schema, ok := v.schemas[base.Type]
	if !ok {
		return base, fmt.Errorf("%w: %s", ErrUnknownType, base.Type)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return base, &ValidationError{Type: base.Type, Reason: "malformed json"}
	}
	if err := schema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return base, &ValidationError{Type: base.Type, Reason: leafReason(verr)}
		}
		return base, &ValidationError{Type: base.Type, Reason: err.Error()}
	}
	return base, nil
}

// leafReason returns the deepest cause, which names the offending field.
func leafReason(err *jsonschema.ValidationError) string {
	for len(err.Causes) > 0 {
		err = err.Causes[0]
	}
	loc := err.InstanceLocation
	if loc == "" {
		return err.Message
	}
	return loc + ": " + err.Message
}
