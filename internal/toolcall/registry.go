// Package toolcall validates and executes model-invoked tool calls under an
// allow-list, iteration and timeout budget. Tool failures are values, never
// panics: the loop and its caller always receive a well-formed result.
package toolcall

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/perchboard/perch-agents/internal/llm"
)

// Error kinds distinguish the non-fatal tool failure modes.
const (
	ErrKindNotFound   = "not_found"
	ErrKindNotAllowed = "not_allowed"
	ErrKindValidation = "validation"
	ErrKindHandler    = "handler"
)

// Handler executes one tool call with already-validated arguments.
type Handler func(ctx context.Context, args map[string]any) (any, error)

type tool struct {
	name        string
	description string
	rawSchema   json.RawMessage
	schema      *jsonschema.Schema
	handler     Handler
}

// ExecResult is the outcome of one tool execution. OK is false for every
// failure mode; Error and ErrorKind say which.
type ExecResult struct {
	OK        bool   `json:"ok"`
	Output    any    `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// Registry holds registered tools and the registry-wide allow-list.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*tool
	allowed map[string]struct{} // nil allows every registered tool
	logger  *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*tool),
		logger: logger,
	}
}

// Register compiles the JSON-Schema parameter spec and adds the tool.
func (r *Registry) Register(name, description string, paramSchema json.RawMessage, handler Handler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("tool name must be non-empty")
	}
	if handler == nil {
		return fmt.Errorf("tool %s: nil handler", name)
	}

	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(paramSchema)))
	if err != nil {
		return fmt.Errorf("tool %s: unmarshal schema: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return fmt.Errorf("tool %s: add schema resource: %w", name, err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("tool %s: compile schema: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = &tool{
		name:        name,
		description: description,
		rawSchema:   paramSchema,
		schema:      schema,
		handler:     handler,
	}
	return nil
}

// SetAllowList restricts execution to the named tools. A nil list allows all
// registered tools.
func (r *Registry) SetAllowList(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if names == nil {
		r.allowed = nil
		return
	}
	r.allowed = make(map[string]struct{}, len(names))
	for _, n := range names {
		r.allowed[strings.TrimSpace(n)] = struct{}{}
	}
}

// Defs returns tool definitions in the shape the LLM layer offers to models.
func (r *Registry) Defs() []llm.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDef, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, llm.ToolDef{
			Name:        t.name,
			Description: t.description,
			Parameters:  t.rawSchema,
		})
	}
	return defs
}

// ValidateArgs checks raw arguments against the tool's parameter schema.
func (r *Registry) ValidateArgs(name string, args json.RawMessage) error {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("tool not found: %s", name)
	}
	return validateAgainst(t.schema, args)
}

func validateAgainst(schema *jsonschema.Schema, args json.RawMessage) error {
	if len(args) == 0 {
		args = []byte("{}")
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(args)))
	if err != nil {
		return fmt.Errorf("invalid JSON arguments: %w", err)
	}
	if err := schema.Validate(parsed); err != nil {
		return fmt.Errorf("argument validation failed: %w", err)
	}
	return nil
}

// Execute validates the call against both allow-lists and the parameter
// schema, then runs the handler. Every failure mode, handler panics
// included, comes back as {ok:false}.
func (r *Registry) Execute(ctx context.Context, call llm.ToolCall, perCallAllow []string) ExecResult {
	r.mu.RLock()
	t, registered := r.tools[call.Name]
	allowedGlobally := r.allowed == nil
	if !allowedGlobally {
		_, allowedGlobally = r.allowed[call.Name]
	}
	r.mu.RUnlock()

	if !registered {
		return ExecResult{OK: false, Error: fmt.Sprintf("tool not found: %s", call.Name), ErrorKind: ErrKindNotFound}
	}
	if !allowedGlobally || !allowedByCall(call.Name, perCallAllow) {
		return ExecResult{OK: false, Error: fmt.Sprintf("tool not allowed: %s", call.Name), ErrorKind: ErrKindNotAllowed}
	}
	if err := validateAgainst(t.schema, call.Args); err != nil {
		return ExecResult{OK: false, Error: err.Error(), ErrorKind: ErrKindValidation}
	}

	var args map[string]any
	if len(call.Args) > 0 {
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return ExecResult{OK: false, Error: fmt.Sprintf("decode arguments: %s", err), ErrorKind: ErrKindValidation}
		}
	}

	return r.runHandler(ctx, t, args)
}

func (r *Registry) runHandler(ctx context.Context, t *tool, args map[string]any) (res ExecResult) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool handler panicked", "tool", t.name, "panic", rec)
			res = ExecResult{OK: false, Error: fmt.Sprintf("handler panic: %v", rec), ErrorKind: ErrKindHandler}
		}
	}()

	out, err := t.handler(ctx, args)
	if err != nil {
		return ExecResult{OK: false, Error: err.Error(), ErrorKind: ErrKindHandler}
	}
	return ExecResult{OK: true, Output: out}
}

func allowedByCall(name string, perCallAllow []string) bool {
	if perCallAllow == nil {
		return true
	}
	for _, n := range perCallAllow {
		if strings.TrimSpace(n) == name {
			return true
		}
	}
	return false
}
