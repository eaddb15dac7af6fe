package assessment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// maxReportedViolations caps how many schema violations a ParseError lists.
const maxReportedViolations = 5

// Normalizer turns raw model text into validated structures. It is
// all-or-nothing: a result is returned only when every field satisfies the
// schema.
type Normalizer struct {
	checklist *gojsonschema.Schema
	result    *gojsonschema.Schema
}

func NewNormalizer() (*Normalizer, error) {
	checklist, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(ChecklistSchema()))
	if err != nil {
		return nil, fmt.Errorf("compile checklist schema: %w", err)
	}
	result, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(ResultSchema()))
	if err != nil {
		return nil, fmt.Errorf("compile result schema: %w", err)
	}
	return &Normalizer{checklist: checklist, result: result}, nil
}

// StripFences removes markdown code-fence markers wrapping s.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = s[3:]
		// Drop an info string such as "json" up to the first newline or brace.
		if i := strings.IndexAny(s, "\n{["); i >= 0 {
			s = s[i:]
		} else {
			s = ""
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// Checklist normalizes a fill-in response. The returned JSON is the
// cleaned provider output in compact form.
func (n *Normalizer) Checklist(raw string) (*Checklist, json.RawMessage, error) {
	doc, err := n.validate(n.checklist, raw)
	if err != nil {
		return nil, nil, err
	}
	var c Checklist
	if err := json.Unmarshal(doc, &c); err != nil {
		return nil, nil, &ParseError{Raw: raw, Reason: err.Error()}
	}
	return &c, doc, nil
}

// Result normalizes a full assessment response. Besides the schema it
// requires the disclaimer in the description and the nurse plan.
func (n *Normalizer) Result(raw string) (*Result, json.RawMessage, error) {
	doc, err := n.validate(n.result, raw)
	if err != nil {
		return nil, nil, err
	}
	var r Result
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, nil, &ParseError{Raw: raw, Reason: err.Error()}
	}
	if !strings.Contains(r.Analysis.Description, Disclaimer) {
		return nil, nil, &ParseError{Raw: raw, Reason: "AI_analysis.description is missing the disclaimer"}
	}
	if !strings.Contains(r.Plan.Plan, Disclaimer) {
		return nil, nil, &ParseError{Raw: raw, Reason: "treatment_plan.plan is missing the disclaimer"}
	}
	return &r, doc, nil
}

func (n *Normalizer) validate(schema *gojsonschema.Schema, raw string) (json.RawMessage, error) {
	cleaned := StripFences(raw)
	if cleaned == "" {
		return nil, &ParseError{Raw: raw, Reason: "empty response"}
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, []byte(cleaned)); err != nil {
		return nil, &ParseError{Raw: raw, Reason: "invalid JSON: " + err.Error()}
	}

	res, err := schema.Validate(gojsonschema.NewBytesLoader(compact.Bytes()))
	if err != nil {
		return nil, &ParseError{Raw: raw, Reason: "invalid JSON: " + err.Error()}
	}
	if !res.Valid() {
		return nil, &ParseError{Raw: raw, Reason: describeViolations(res.Errors())}
	}
	return json.RawMessage(compact.Bytes()), nil
}

func describeViolations(errs []gojsonschema.ResultError) string {
	msgs := make([]string, 0, maxReportedViolations)
	for i, e := range errs {
		if i == maxReportedViolations {
			msgs = append(msgs, fmt.Sprintf("and %d more", len(errs)-i))
			break
		}
		msgs = append(msgs, e.String())
	}
	return "schema violation: " + strings.Join(msgs, "; ")
}
