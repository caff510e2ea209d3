package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/harun/threadagent/internal/observability"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// DefaultTimeout bounds a single tool invocation when no timeout is configured
const DefaultTimeout = 30 * time.Second

// ErrorKind classifies a failed tool result
type ErrorKind string

const (
	ErrorKindUnknownTool ErrorKind = "unknown_tool"
	ErrorKindValidation  ErrorKind = "validation"
	ErrorKindExecution   ErrorKind = "execution"
	ErrorKindTimeout     ErrorKind = "timeout"
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string        `json:"name"`
	Type        string        `json:"type"`
	Description string        `json:"description"`
	Required    bool          `json:"required"`
	Enum        []interface{} `json:"enum,omitempty"`
	Default     interface{}   `json:"default,omitempty"`
}

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ToolSpec is the model-facing description of a tool
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// ToolResult represents the result of a tool execution
type ToolResult struct {
	Success   bool          `json:"success"`
	Output    interface{}   `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	Kind      ErrorKind     `json:"kind,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Options configures a ToolExecutor
type Options struct {
	// Timeout bounds each handler call. Zero means DefaultTimeout.
	Timeout time.Duration
	// MaxOutputBytes truncates large outputs. Zero means 10KB.
	MaxOutputBytes int
}

// ToolExecutor is the tool registry: it validates arguments against each
// tool's schema and runs the handlers.
type ToolExecutor struct {
	tools   map[string]*ToolDefinition
	schemas map[string]*gojsonschema.Schema
	specs   map[string]ToolSpec
	opts    Options
	mu      sync.RWMutex
}

// New creates a new ToolExecutor
func New(optFns ...func(o *Options)) *ToolExecutor {
	observability.EnsureRegistered()

	opts := Options{
		Timeout:        DefaultTimeout,
		MaxOutputBytes: 10 * 1024,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = 10 * 1024
	}

	te := &ToolExecutor{
		tools:   make(map[string]*ToolDefinition),
		schemas: make(map[string]*gojsonschema.Schema),
		specs:   make(map[string]ToolSpec),
		opts:    opts,
	}

	log.Debug().Dur("timeout", opts.Timeout).Msg("Tool executor initialized")

	return te
}

// RegisterTool registers a new tool. Names are unique.
func (te *ToolExecutor) RegisterTool(def ToolDefinition) error {
	if err := te.validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schemaMap := te.buildSchemaMap(def)
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	if _, exists := te.tools[def.Name]; exists {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}

	te.tools[def.Name] = &def
	te.schemas[def.Name] = schema
	te.specs[def.Name] = ToolSpec{
		Name:        def.Name,
		Description: def.Description,
		InputSchema: schemaMap,
	}

	log.Info().Str("tool", def.Name).Msg("Tool registered")

	return nil
}

// GetTool returns a tool definition by name
func (te *ToolExecutor) GetTool(name string) *ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return te.tools[name]
}

// ListTools returns all registered tool names, sorted
func (te *ToolExecutor) ListTools() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	names := make([]string, 0, len(te.tools))
	for name := range te.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Catalog returns the model-facing specs of all tools, sorted by name
func (te *ToolExecutor) Catalog() []ToolSpec {
	names := te.ListTools()

	te.mu.RLock()
	defer te.mu.RUnlock()

	specs := make([]ToolSpec, 0, len(names))
	for _, name := range names {
		specs = append(specs, te.specs[name])
	}
	return specs
}

// Execute executes a tool with the given parameters. Failures are reported
// in the returned ToolResult, never as a panic or error.
func (te *ToolExecutor) Execute(ctx context.Context, toolName string, params map[string]interface{}) ToolResult {
	startTime := time.Now()

	te.mu.RLock()
	tool := te.tools[toolName]
	schema := te.schemas[toolName]
	te.mu.RUnlock()

	if tool == nil {
		log.Warn().Str("tool", toolName).Msg("Tool not found")
		observability.RecordToolExecution(toolName, time.Since(startTime), string(ErrorKindUnknownTool))
		return ToolResult{
			Error: fmt.Sprintf("unknown tool %q", toolName),
			Kind:  ErrorKindUnknownTool,
		}
	}

	if params == nil {
		params = map[string]interface{}{}
	}

	if err := te.validateParameters(schema, params); err != nil {
		log.Warn().Str("tool", toolName).Err(err).Msg("Parameter validation failed")
		observability.RecordToolExecution(toolName, time.Since(startTime), string(ErrorKindValidation))
		return ToolResult{
			Error: fmt.Sprintf("invalid arguments for %s: %v", toolName, err),
			Kind:  ErrorKindValidation,
		}
	}

	log.Debug().Str("tool", toolName).Msg("Executing tool")

	timeoutCtx, cancel := context.WithTimeout(ctx, te.opts.Timeout)
	defer cancel()

	resultChan := make(chan interface{}, 1)
	errChan := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errChan <- fmt.Errorf("tool panicked: %v", r)
			}
		}()
		result, err := tool.Handler(timeoutCtx, params)
		if err != nil {
			errChan <- err
		} else {
			resultChan <- result
		}
	}()

	select {
	case result := <-resultChan:
		duration := time.Since(startTime)
		output, truncated := te.truncateOutput(result)

		log.Debug().
			Str("tool", toolName).
			Dur("duration", duration).
			Bool("truncated", truncated).
			Msg("Tool execution completed")
		observability.RecordToolExecution(toolName, duration, "success")

		return ToolResult{
			Success:   true,
			Output:    output,
			Truncated: truncated,
			Duration:  duration,
		}

	case err := <-errChan:
		duration := time.Since(startTime)
		if timeoutCtx.Err() != nil {
			return te.timeoutResult(ctx, toolName, duration)
		}

		log.Warn().
			Str("tool", toolName).
			Dur("duration", duration).
			Err(err).
			Msg("Tool execution failed")
		observability.RecordToolExecution(toolName, duration, string(ErrorKindExecution))

		return ToolResult{
			Error:    err.Error(),
			Kind:     ErrorKindExecution,
			Duration: duration,
		}

	case <-timeoutCtx.Done():
		return te.timeoutResult(ctx, toolName, time.Since(startTime))
	}
}

func (te *ToolExecutor) timeoutResult(parent context.Context, toolName string, duration time.Duration) ToolResult {
	log.Warn().
		Str("tool", toolName).
		Dur("duration", duration).
		Msg("Tool execution timeout")
	observability.RecordToolExecution(toolName, duration, string(ErrorKindTimeout))

	msg := fmt.Sprintf("tool execution timeout after %v", te.opts.Timeout)
	if errors.Is(parent.Err(), context.Canceled) {
		msg = "tool execution cancelled"
	}
	return ToolResult{
		Error:    msg,
		Kind:     ErrorKindTimeout,
		Duration: duration,
	}
}

// Content renders a result as the text of a tool message
func (r ToolResult) Content() string {
	if !r.Success {
		return "error: " + r.Error
	}
	switch out := r.Output.(type) {
	case nil:
		return ""
	case string:
		return out
	case fmt.Stringer:
		return out.String()
	default:
		data, err := json.Marshal(out)
		if err != nil {
			return fmt.Sprintf("%v", out)
		}
		return string(data)
	}
}

// validateToolDefinition validates a tool definition
func (te *ToolExecutor) validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	seen := make(map[string]bool, len(def.Parameters))
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if seen[param.Name] {
			return fmt.Errorf("duplicate parameter %s", param.Name)
		}
		seen[param.Name] = true
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

// buildSchemaMap generates a JSON Schema object from tool parameters
func (te *ToolExecutor) buildSchemaMap(def ToolDefinition) map[string]interface{} {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if len(param.Enum) > 0 {
			paramSchema["enum"] = param.Enum
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}

		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}

	return schemaMap
}

// validateParameters validates parameters against a JSON Schema
func (te *ToolExecutor) validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("validation errors: %v", errs)
	}

	return nil
}

// truncateOutput truncates string-rendered output that exceeds the size limit
func (te *ToolExecutor) truncateOutput(output interface{}) (interface{}, bool) {
	str, ok := output.(string)
	if !ok {
		return output, false
	}

	maxSize := te.opts.MaxOutputBytes
	if len(str) <= maxSize {
		return output, false
	}
	// cut on a rune boundary so the result stays valid UTF-8
	for maxSize > 0 && !utf8.RuneStart(str[maxSize]) {
		maxSize--
	}

	log.Warn().
		Int("original", len(str)).
		Int("truncated", maxSize).
		Msg("Output truncated")

	return str[:maxSize] + "\n... [output truncated]", true
}
