package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"github.com/samber/lo"
)

var (
	// ErrInvalidToolName is returned when registering a tool whose name is
	// empty or contains characters providers reject.
	ErrInvalidToolName = errors.New("invalid tool name")

	// ErrToolExists is returned when registering a name twice.
	ErrToolExists = errors.New("tool already registered")
)

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// Tool is a named capability the model can invoke. Execute never fails past
// its boundary: every failure is reported as the returned string.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Execute(ctx context.Context, input json.RawMessage) string
}

// ToolDefinition describes a tool for the LLM (serializable metadata).
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names so messages match what the model sent.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// GenerateSchema reflects a JSON Schema object for T. Fields without
// omitempty are required.
func GenerateSchema[T any]() map[string]any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	data, err := json.Marshal(reflector.Reflect(v))
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		return map[string]any{"type": "object"}
	}
	delete(schema, "$schema")
	delete(schema, "$id")
	return schema
}

type typedTool[T any] struct {
	name        string
	description string
	schema      map[string]any
	fn          func(context.Context, T) string
}

// NewTool builds a Tool from a typed handler. The input schema is reflected
// from T, and input is decoded and validated before fn runs.
func NewTool[T any](name, description string, fn func(ctx context.Context, input T) string) Tool {
	return &typedTool[T]{
		name:        name,
		description: description,
		schema:      GenerateSchema[T](),
		fn:          fn,
	}
}

func (t *typedTool[T]) Name() string                { return t.name }
func (t *typedTool[T]) Description() string         { return t.description }
func (t *typedTool[T]) InputSchema() map[string]any { return t.schema }

func (t *typedTool[T]) Execute(ctx context.Context, input json.RawMessage) string {
	if len(input) == 0 || string(input) == "null" {
		input = json.RawMessage(`{}`)
	}
	var params T
	if err := json.Unmarshal(input, &params); err != nil {
		return fmt.Sprintf("Error: invalid input for %s: %v", t.name, err)
	}
	if err := validate.Struct(params); err != nil {
		var invalid *validator.InvalidValidationError
		if !errors.As(err, &invalid) {
			return fmt.Sprintf("Error: invalid input for %s: %s", t.name, describeValidation(err))
		}
	}
	return t.fn(ctx, params)
}

func describeValidation(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}
	msgs := lo.Map(fieldErrs, func(fe validator.FieldError, _ int) string {
		if fe.Tag() == "required" {
			return fe.Field() + " is required"
		}
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	})
	return strings.Join(msgs, "; ")
}

// ToolRegistry manages tool registration and lookup. Definitions are
// reported in registration order.
type ToolRegistry struct {
	tools map[string]Tool
	order []string
	mu    sync.RWMutex
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool. Names must be unique and provider-safe.
func (r *ToolRegistry) Register(tool Tool) error {
	name := tool.Name()
	if !toolNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidToolName, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("%w: %s", ErrToolExists, name)
	}
	r.tools[name] = tool
	r.order = append(r.order, name)
	return nil
}

// Get returns a registered tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Definitions returns all tool definitions (for sending to the LLM).
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Map(r.order, func(name string, _ int) ToolDefinition {
		tool := r.tools[name]
		return ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.InputSchema(),
		}
	})
}

// Names returns the names of all registered tools in registration order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
