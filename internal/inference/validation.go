package inference

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidationErrorKind distinguishes the validation pipeline's failure modes
// so callers can phrase actionable feedback differently for each.
type ValidationErrorKind string

const (
	ValidationJSONParseError   ValidationErrorKind = "json_parse_error"
	ValidationSchemaViolation  ValidationErrorKind = "schema_violation"
	ValidationDeserializeError ValidationErrorKind = "deserialization_error"
)

// ValidationError is returned by the pipeline at whichever layer rejected the
// model's output. ToLLMFeedback renders it as an observation to feed back
// into the conversation so the model can self-correct.
type ValidationError struct {
	Kind   ValidationErrorKind
	Detail string
	Errors []string // populated for ValidationSchemaViolation
}

func (e *ValidationError) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("%s: %s", e.Kind, strings.Join(e.Errors, "; "))
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// ToLLMFeedback renders the error as a message suitable for returning to the
// model as an observation, asking it to correct its own output.
func (e *ValidationError) ToLLMFeedback() string {
	switch e.Kind {
	case ValidationJSONParseError:
		return fmt.Sprintf("Your response was not valid JSON (%s). Please respond with a valid JSON object.", e.Detail)
	case ValidationSchemaViolation:
		return fmt.Sprintf("Your JSON response did not match the required schema. Issues: %s. Please fix these and try again.", strings.Join(e.Errors, "; "))
	case ValidationDeserializeError:
		return fmt.Sprintf("Your JSON had the right structure but contained invalid values: %s. Please correct the values.", e.Detail)
	default:
		return e.Error()
	}
}

// schemaCache memoizes compiled schemas by their raw JSON text, mirroring the
// plugin manifest validator's cache.
var schemaCache sync.Map

// compileSchema compiles (or retrieves a cached compilation of) a raw JSON
// Schema document.
func compileSchema(schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}

	compiled, err := jsonschema.CompileString("inference.response.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// stripMarkdownFences removes a single leading/trailing ``` fenced block
// (optionally annotated with a language tag such as ```json) that models
// commonly wrap structured output in despite being asked not to.
func stripMarkdownFences(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return trimmed
	}
	// Drop the opening fence line (which may carry a language tag).
	lines = lines[1:]
	if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// ValidateDynamic runs the pipeline against a raw JSON Schema document and
// returns the parsed value, guaranteed to conform to schema when err is nil.
// A nil schema skips step 3 (structural validation only).
func ValidateDynamic(rawText string, schema json.RawMessage) (any, error) {
	return parseAndValidate(rawText, schema)
}

// ValidateAndParse runs the full pipeline and deserializes the validated
// value into out (a pointer), mirroring encoding/json.Unmarshal's contract.
func ValidateAndParse(rawText string, schema json.RawMessage, out any) error {
	value, err := parseAndValidate(rawText, schema)
	if err != nil {
		return err
	}
	// Round-trip through JSON to reuse encoding/json's decoding into out,
	// since value was already decoded into `any` by step 2.
	reencoded, err := json.Marshal(value)
	if err != nil {
		return &ValidationError{Kind: ValidationDeserializeError, Detail: err.Error()}
	}
	if err := json.Unmarshal(reencoded, out); err != nil {
		return &ValidationError{Kind: ValidationDeserializeError, Detail: err.Error()}
	}
	return nil
}

func parseAndValidate(rawText string, schema json.RawMessage) (any, error) {
	cleaned := stripMarkdownFences(rawText)

	var value any
	if err := json.Unmarshal([]byte(cleaned), &value); err != nil {
		prefix := cleaned
		if len(prefix) > 100 {
			prefix = prefix[:100] + "..."
		}
		return nil, &ValidationError{
			Kind:   ValidationJSONParseError,
			Detail: fmt.Sprintf("%s (raw text starts with: %q)", err.Error(), prefix),
		}
	}

	if len(schema) == 0 {
		return value, nil
	}

	compiled, err := compileSchema(schema)
	if err != nil {
		return nil, &ValidationError{Kind: ValidationSchemaViolation, Errors: []string{"invalid schema: " + err.Error()}}
	}

	if err := compiled.Validate(value); err != nil {
		return nil, &ValidationError{Kind: ValidationSchemaViolation, Errors: collectSchemaErrors(err)}
	}

	return value, nil
}

// collectSchemaErrors flattens a jsonschema.ValidationError tree (one entry
// per leaf cause, prefixed with its instance path when non-empty) the way
// the pipeline's LLM-facing error list expects.
func collectSchemaErrors(err error) []string {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}

	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			path := strings.TrimPrefix(e.InstanceLocation, "/")
			if path == "" {
				out = append(out, e.Message)
			} else {
				out = append(out, fmt.Sprintf("at '%s': %s", path, e.Message))
			}
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(verr)
	return out
}
