// Package tools implements the closed tool set the model may call during a
// turn: generate_image, search_memories and search_web. Arguments are
// validated against each tool's JSON schema before dispatch, and results are
// formatted into the stable text form re-injected into the conversation.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/duskpoint/reverie/pkg/providers"
)

const defaultToolTimeout = 60 * time.Second

// Context carries the identity of the turn a tool call belongs to.
type Context struct {
	ChatID               string
	UserID               string
	CharacterID          string
	ImageProfileID       string
	EmbeddingProfileID   string
	CallingParticipantID string
}

// Result is the outcome of one tool invocation. Payload is provider-agnostic
// JSON on success; Error is set when the handler failed.
type Result struct {
	ToolName string
	Success  bool
	Payload  any
	Error    string

	// FileIDs lists files the tool produced, for attachment to the
	// follow-up assistant message.
	FileIDs []string
}

// Handler executes one validated tool call.
type Handler func(ctx context.Context, args map[string]any, tc Context) (*Result, error)

// Tool binds a name and argument schema to a handler.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any
	Handler     Handler
	Timeout     time.Duration
}

// Runtime dispatches tool calls against the registered set.
type Runtime struct {
	tools          map[string]*Tool
	defaultTimeout time.Duration
}

// NewRuntime builds a runtime over the given tools.
func NewRuntime(tools ...*Tool) *Runtime {
	r := &Runtime{tools: make(map[string]*Tool, len(tools))}
	for _, t := range tools {
		r.tools[t.Name] = t
	}
	return r
}

// SetDefaultTimeout replaces the fallback deadline applied to tools that do
// not declare their own. Zero keeps the built-in default.
func (r *Runtime) SetDefaultTimeout(d time.Duration) {
	r.defaultTimeout = d
}

// Definitions lists the registered tools in provider-neutral form, ordered
// by name.
func (r *Runtime) Definitions() []providers.ToolDefinition {
	defs := make([]providers.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, providers.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Schema,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Has reports whether a tool is registered.
func (r *Runtime) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Execute validates and runs one tool call. Failures never surface as
// errors: they come back as an unsuccessful Result so the conversation can
// continue with the failure text.
func (r *Runtime) Execute(ctx context.Context, call providers.ToolCall, tc Context) Result {
	tool, ok := r.tools[call.Name]
	if !ok {
		return Result{ToolName: call.Name, Error: fmt.Sprintf("unknown tool %q", call.Name)}
	}

	if err := validateArgs(tool.Schema, call.Args); err != nil {
		return Result{ToolName: call.Name, Error: err.Error()}
	}

	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := tool.Handler(ctx, call.Args, tc)
	if err != nil {
		return Result{ToolName: call.Name, Error: err.Error()}
	}
	res.ToolName = call.Name
	res.Success = true
	return *res
}

func validateArgs(schema, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		details := make([]string, len(result.Errors()))
		for i, e := range result.Errors() {
			details[i] = e.String()
		}
		return fmt.Errorf("invalid arguments: %s", strings.Join(details, "; "))
	}
	return nil
}

// FormatResult renders a result into the text re-injected as a synthetic
// user-role message. The form is stable: same result, same text.
func FormatResult(res Result) string {
	var body string
	if res.Success {
		raw, err := json.Marshal(res.Payload)
		if err != nil {
			body = fmt.Sprintf("unserializable result: %v", err)
		} else {
			body = string(raw)
		}
	} else {
		body = res.Error
	}
	return fmt.Sprintf("Tool Result: %s\n\n%s", res.ToolName, body)
}
