package definition

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ElementKind selects the element family a schema applies to.
type ElementKind string

const (
	// ElementWorkflow scopes a schema to workflow commands.
	ElementWorkflow ElementKind = "workflow"
	// ElementWorkItem scopes a schema to work item commands.
	ElementWorkItem ElementKind = "workItem"
)

// Action names the command an action schema validates.
type Action string

const (
	ActionInitialize Action = "initialize"
	ActionStart      Action = "start"
	ActionComplete   Action = "complete"
	ActionFail       Action = "fail"
	ActionCancel     Action = "cancel"
)

type (
	// SchemaConfig declares the JSON schema for one action's payload.
	// Dispatch is by (element kind, element name, action); Name is the work
	// item name for work item schemas and empty for workflow schemas.
	SchemaConfig struct {
		Element ElementKind
		Name    string
		Action  Action
		// Schema is the JSON schema document.
		Schema json.RawMessage
	}

	// FieldError locates one payload validation failure.
	FieldError struct {
		// Path is the JSON pointer to the offending field.
		Path string
		// Message describes the failure.
		Message string
	}

	// ValidationError reports that a command payload did not match the
	// action's declared schema.
	ValidationError struct {
		// Fields lists every offending field with its message.
		Fields []FieldError
	}

	schemaSet struct {
		compiled map[string]*jsonschema.Schema
	}
)

// Error returns a short summary; individual failures are in Fields.
func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "payload validation failed"
	}
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Path + ": " + f.Message
	}
	return "payload validation failed: " + strings.Join(parts, "; ")
}

func schemaKey(element ElementKind, name string, action Action) string {
	return string(element) + "/" + name + "/" + string(action)
}

func compileSchemas(defName string, cfgs []SchemaConfig) (*schemaSet, error) {
	set := &schemaSet{compiled: make(map[string]*jsonschema.Schema, len(cfgs))}
	for _, cfg := range cfgs {
		switch cfg.Element {
		case ElementWorkflow, ElementWorkItem:
		default:
			return nil, fmt.Errorf("definition %q: schema for unknown element kind %q", defName, cfg.Element)
		}
		key := schemaKey(cfg.Element, cfg.Name, cfg.Action)
		if _, dup := set.compiled[key]; dup {
			return nil, fmt.Errorf("definition %q: duplicate schema for %s", defName, key)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(cfg.Schema))
		if err != nil {
			return nil, fmt.Errorf("definition %q: schema %s: %w", defName, key, err)
		}
		c := jsonschema.NewCompiler()
		url := key + ".json"
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("definition %q: schema %s: %w", defName, key, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("definition %q: compile schema %s: %w", defName, key, err)
		}
		set.compiled[key] = compiled
	}
	return set, nil
}

// ValidatePayload checks a command payload against the schema declared for
// (element, name, action). Actions with no declared schema accept any
// payload. A mismatch returns *ValidationError listing the offending fields.
func (d *Definition) ValidatePayload(element ElementKind, name string, action Action, payload json.RawMessage) error {
	schema, ok := d.schemas.compiled[schemaKey(element, name, action)]
	if !ok {
		return nil
	}
	raw := payload
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &ValidationError{Fields: []FieldError{{Path: "/", Message: "payload is not valid JSON"}}}
	}
	if err := schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return &ValidationError{Fields: flattenCauses(ve)}
		}
		return &ValidationError{Fields: []FieldError{{Path: "/", Message: err.Error()}}}
	}
	return nil
}

// flattenCauses walks the validation error tree and collects leaf failures
// as field path/message pairs.
func flattenCauses(ve *jsonschema.ValidationError) []FieldError {
	if len(ve.Causes) == 0 {
		return []FieldError{{
			Path:    "/" + strings.Join(ve.InstanceLocation, "/"),
			Message: ve.Error(),
		}}
	}
	var out []FieldError
	for _, cause := range ve.Causes {
		out = append(out, flattenCauses(cause)...)
	}
	return out
}
