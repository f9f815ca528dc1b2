package inference

import "testing"

type validationTestOutput struct {
	Answer     string  `json:"answer"`
	Confidence float64 `json:"confidence"`
}

var validationTestSchema = []byte(`{
	"type": "object",
	"required": ["answer", "confidence"],
	"properties": {
		"answer": {"type": "string"},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1}
	}
}`)

func TestValidateAndParseValid(t *testing.T) {
	var out validationTestOutput
	err := ValidateAndParse(`{"answer":"42","confidence":0.9}`, validationTestSchema, &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Answer != "42" || out.Confidence != 0.9 {
		t.Fatalf("unexpected output: %+v", out)
	}
}

func TestValidateAndParseStripsMarkdownFences(t *testing.T) {
	var out validationTestOutput
	raw := "```json\n{\"answer\":\"42\",\"confidence\":0.5}\n```"
	if err := ValidateAndParse(raw, validationTestSchema, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Answer != "42" {
		t.Fatalf("unexpected output: %+v", out)
	}
}

func TestValidateAndParseRejectsMalformedJSON(t *testing.T) {
	var out validationTestOutput
	err := ValidateAndParse(`{"answer": `, validationTestSchema, &out)
	if err == nil {
		t.Fatal("expected a parse error")
	}
	verr, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if verr.Kind != ValidationJSONParseError {
		t.Fatalf("want ValidationJSONParseError, got %s", verr.Kind)
	}
	if verr.ToLLMFeedback() == "" {
		t.Fatal("expected non-empty LLM feedback")
	}
}

func TestValidateAndParseRejectsSchemaViolation(t *testing.T) {
	var out validationTestOutput
	err := ValidateAndParse(`{"answer":"42","confidence":5}`, validationTestSchema, &out)
	if err == nil {
		t.Fatal("expected a schema violation")
	}
	verr, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if verr.Kind != ValidationSchemaViolation {
		t.Fatalf("want ValidationSchemaViolation, got %s", verr.Kind)
	}
	if len(verr.Errors) == 0 {
		t.Fatal("expected at least one collected schema error")
	}
}

func TestValidateDynamicSkipsValidationWithNoSchema(t *testing.T) {
	value, err := ValidateDynamic(`{"anything":"goes"}`, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := value.(map[string]any)
	if !ok || m["anything"] != "goes" {
		t.Fatalf("unexpected value: %v", value)
	}
}
