package approval

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// NoResponse is the auto-selection for a question without options.
const NoResponse = "no response"

// Option is one selectable answer.
type Option struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// UnmarshalJSON accepts either {"label": ...} or a bare string.
func (o *Option) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &o.Label)
	}
	type plain Option
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*o = Option(p)
	return nil
}

// Question is one prompt shown to the user.
type Question struct {
	Question    string   `json:"question"`
	Header      string   `json:"header,omitempty"`
	Options     []Option `json:"options,omitempty"`
	MultiSelect bool     `json:"multiSelect,omitempty"`
}

// DefaultSelection is the answer used when the question times out.
func (q Question) DefaultSelection() string {
	if len(q.Options) == 0 {
		return NoResponse
	}
	return q.Options[0].Label
}

type askInput struct {
	Questions []Question      `json:"questions"`
	Question  string          `json:"question"`
	Header    string          `json:"header"`
	Options   []Option        `json:"options"`
	RawInput  json.RawMessage `json:"rawInput"`
}

// ParseQuestions extracts the questions from an ask-user tool input. It
// accepts a "questions" list, a single inline question, or either form
// nested under "rawInput".
func ParseQuestions(input json.RawMessage) ([]Question, error) {
	if len(bytes.TrimSpace(input)) == 0 {
		return nil, fmt.Errorf("parse questions: empty input")
	}
	var in askInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("parse questions: %w", err)
	}
	if len(in.Questions) > 0 {
		return checked(in.Questions)
	}
	if in.Question != "" {
		return checked([]Question{{Question: in.Question, Header: in.Header, Options: in.Options}})
	}
	if len(in.RawInput) > 0 && !bytes.Equal(bytes.TrimSpace(in.RawInput), []byte("null")) {
		return ParseQuestions(in.RawInput)
	}
	return nil, fmt.Errorf("parse questions: no questions in input")
}

func checked(qs []Question) ([]Question, error) {
	if err := validateQuestions(qs); err != nil {
		return nil, fmt.Errorf("parse questions: %w", err)
	}
	return qs, nil
}
