// Package toolspec holds the schema and sensitivity registry for agent tools.
package toolspec

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"

	"github.com/invopop/jsonschema"
	validator "github.com/santhosh-tekuri/jsonschema/v5"
)

// Sensitivity classifies how risky a tool is to run without a human.
type Sensitivity string

const (
	SensitivityRead        Sensitivity = "read"
	SensitivityWrite       Sensitivity = "write"
	SensitivityDestructive Sensitivity = "destructive"
)

// Entry describes one tool at registry-build time.
type Entry struct {
	ID          ToolID
	Description string
	Sensitivity Sensitivity
	// Args is a value of the tool's argument struct. Its JSON schema is
	// reflected from the struct tags.
	Args any
}

// Schema is the compiled argument schema of a registered tool.
type Schema struct {
	Tool        ToolID
	Name        string
	Description string
	Sensitivity Sensitivity
	// Document is the JSON schema sent to the model.
	Document json.RawMessage

	compiled *validator.Schema
}

// Definition is the tool declaration handed to the completion transport.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Registry maps tool names to schemas and sensitivity. It is built once and
// read concurrently afterwards.
type Registry struct {
	schemas map[string]*Schema
	order   []string
	logger  *slog.Logger
}

// NewRegistry compiles the schemas of the given entries.
func NewRegistry(logger *slog.Logger, entries ...Entry) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		schemas: make(map[string]*Schema, len(entries)),
		logger:  logger.With("component", "toolspec"),
	}
	for _, entry := range entries {
		if entry.ID == ToolUnknown {
			return nil, errors.New("toolspec: entry has no tool id")
		}
		name := entry.ID.String()
		if _, exists := r.schemas[name]; exists {
			return nil, fmt.Errorf("toolspec: duplicate entry for %s", name)
		}
		schema, err := compileEntry(entry)
		if err != nil {
			return nil, err
		}
		r.schemas[name] = schema
		r.order = append(r.order, name)
	}
	return r, nil
}

// DefaultRegistry builds a registry with every catalog tool.
func DefaultRegistry(logger *slog.Logger) (*Registry, error) {
	return NewRegistry(logger, Catalog()...)
}

func compileEntry(entry Entry) (*Schema, error) {
	name := entry.ID.String()
	if entry.Args == nil {
		return nil, fmt.Errorf("toolspec: %s has no argument type", name)
	}
	switch entry.Sensitivity {
	case SensitivityRead, SensitivityWrite, SensitivityDestructive:
	case "":
		entry.Sensitivity = SensitivityWrite
	default:
		return nil, fmt.Errorf("toolspec: %s has unknown sensitivity %q", name, entry.Sensitivity)
	}

	reflector := jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	reflected := reflector.ReflectFromType(reflect.TypeOf(entry.Args))
	doc, err := json.Marshal(reflected)
	if err != nil {
		return nil, fmt.Errorf("toolspec: marshal %s schema: %w", name, err)
	}

	compiler := validator.NewCompiler()
	compiler.AssertFormat = true
	url := "tool://" + name + ".schema.json"
	if err := compiler.AddResource(url, strings.NewReader(string(doc))); err != nil {
		return nil, fmt.Errorf("toolspec: load %s schema: %w", name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("toolspec: compile %s schema: %w", name, err)
	}

	return &Schema{
		Tool:        entry.ID,
		Name:        name,
		Description: entry.Description,
		Sensitivity: entry.Sensitivity,
		Document:    doc,
		compiled:    compiled,
	}, nil
}

// Schema returns the schema registered for name.
func (r *Registry) Schema(name string) (*Schema, bool) {
	s, ok := r.schemas[name]
	return s, ok
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Sensitivity returns the tool's classification. Unregistered tools are
// treated as write.
func (r *Registry) Sensitivity(name string) Sensitivity {
	if s, ok := r.schemas[name]; ok {
		return s.Sensitivity
	}
	return SensitivityWrite
}

// RequiresApproval reports whether a call must pass the human approval gate.
// Only destructive tools are gated, and only when gating is enabled.
func (r *Registry) RequiresApproval(name string, gatingEnabled bool) bool {
	return gatingEnabled && r.Sensitivity(name) == SensitivityDestructive
}

// Definitions returns declarations for all registered tools.
func (r *Registry) Definitions() []Definition {
	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		s := r.schemas[name]
		defs = append(defs, Definition{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  s.Document,
		})
	}
	return defs
}

// Validate parses raw as JSON and checks it against the tool's schema.
// Parse failures return *ParseError; schema failures return *ValidationError.
// Tools missing from the registry pass through unvalidated.
func (r *Registry) Validate(name, raw string) (*ValidatedArguments, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		text = "{}"
	}

	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, &ParseError{Tool: name, Err: err}
	}
	if dec.More() {
		return nil, &ParseError{Tool: name, Err: errors.New("unexpected data after JSON value")}
	}

	object, _ := value.(map[string]any)

	schema, ok := r.schemas[name]
	if !ok {
		r.logger.Warn("tool not in schema registry, skipping validation", "tool", name)
		return &ValidatedArguments{Tool: ToolUnknown, Name: name, Values: object, Raw: json.RawMessage(text)}, nil
	}

	if object == nil {
		return nil, &ValidationError{Tool: name, Fields: []FieldError{{Path: rootPath, Message: "arguments must be a JSON object"}}}
	}
	if err := schema.compiled.Validate(value); err != nil {
		var verr *validator.ValidationError
		if errors.As(err, &verr) {
			return nil, &ValidationError{Tool: name, Fields: fieldErrors(verr)}
		}
		return nil, fmt.Errorf("toolspec: validate %s: %w", name, err)
	}

	return &ValidatedArguments{Tool: schema.Tool, Name: name, Values: object, Raw: json.RawMessage(text)}, nil
}

// ValidatedArguments are arguments that passed the tool's schema.
type ValidatedArguments struct {
	Tool   ToolID
	Name   string
	Values map[string]any
	Raw    json.RawMessage
}

// Decode unmarshals the arguments into the tool's argument struct.
func (a *ValidatedArguments) Decode(v any) error {
	if err := json.Unmarshal(a.Raw, v); err != nil {
		return fmt.Errorf("decode %s arguments: %w", a.Name, err)
	}
	return nil
}

// String returns an argument by key, or "" when absent or not a string.
func (a *ValidatedArguments) String(key string) string {
	s, _ := a.Values[key].(string)
	return s
}

// sortFieldErrors orders errors by path for stable messages.
func sortFieldErrors(fields []FieldError) {
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].Path < fields[j].Path })
}
