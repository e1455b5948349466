package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidArgs is returned when a tool call carries malformed arguments.
var ErrInvalidArgs = errors.New("invalid tool arguments")

// Tool is a named capability the model can call.
type Tool interface {
	Name() string
	Description() string
	// Parameters is the JSON schema of the arguments object.
	Parameters() map[string]any
	Call(ctx context.Context, args json.RawMessage) (string, error)
}

// Func adapts a function to the Tool interface.
type Func struct {
	name        string
	description string
	parameters  map[string]any
	fn          func(ctx context.Context, args json.RawMessage) (string, error)
}

var _ Tool = (*Func)(nil)

// NewFunc builds a Tool from its parts.
func NewFunc(name, description string, parameters map[string]any, fn func(ctx context.Context, args json.RawMessage) (string, error)) *Func {
	if parameters == nil {
		parameters = object(nil)
	}
	return &Func{name: name, description: description, parameters: parameters, fn: fn}
}

func (f *Func) Name() string               { return f.name }
func (f *Func) Description() string        { return f.description }
func (f *Func) Parameters() map[string]any { return f.parameters }

func (f *Func) Call(ctx context.Context, args json.RawMessage) (string, error) {
	return f.fn(ctx, args)
}

// decodeArgs unmarshals args into T. Empty input decodes to the zero value.
func decodeArgs[T any](args json.RawMessage) (T, error) {
	var v T
	if len(args) == 0 || string(args) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(args, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return v, nil
}

func requireArg(name, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidArgs, name)
	}
	return nil
}

func object(props map[string]any, required ...string) map[string]any {
	if props == nil {
		props = map[string]any{}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func intProp(description string) map[string]any {
	return map[string]any{"type": "integer", "description": description}
}
