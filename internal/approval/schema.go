package approval

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// questionsSchema constrains the normalized question list shown to users.
const questionsSchema = `{
  "type": "array",
  "minItems": 1,
  "maxItems": 8,
  "items": {
    "type": "object",
    "required": ["question"],
    "properties": {
      "question": {"type": "string", "minLength": 1},
      "header": {"type": "string", "maxLength": 64},
      "multiSelect": {"type": "boolean"},
      "options": {
        "type": "array",
        "maxItems": 16,
        "items": {
          "type": "object",
          "required": ["label"],
          "properties": {
            "label": {"type": "string", "minLength": 1},
            "description": {"type": "string"}
          }
        }
      }
    }
  }
}`

var compiledQuestions = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(questionsSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal questions schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("questions.json", doc); err != nil {
		return nil, fmt.Errorf("add questions schema: %w", err)
	}
	return c.Compile("questions.json")
})

// validateQuestions checks parsed questions against questionsSchema.
func validateQuestions(qs []Question) error {
	schema, err := compiledQuestions()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(qs)
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid questions: %w", err)
	}
	return nil
}
