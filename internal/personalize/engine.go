// Package personalize renders {{field}} placeholders in campaign subjects
// and bodies. Placeholders are logic-less: a bare field name substitutes the
// contact value, an unknown field renders as an empty string so a half
// filled contact never breaks a send.
package personalize

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	textTemplate "text/template"
)

// placeholderPattern matches {{ field_name }} with optional inner spacing
var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// Engine renders personalization fields into content
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

// Fields carries the standard merge fields plus free-form custom ones
type Fields struct {
	Name    string
	Email   string
	Company string
	Custom  map[string]string
}

// Render substitutes every {{field}} in content. Standard fields default to
// empty strings, so "Hi {{name}}" with no name renders "Hi ".
func (e *Engine) Render(content string, fields Fields) (string, error) {
	data := map[string]string{
		"name":    fields.Name,
		"email":   fields.Email,
		"company": fields.Company,
	}
	for k, v := range fields.Custom {
		data[strings.ToLower(k)] = v
	}

	// rewrite {{field}} into template syntax with a missing-key guard
	prepared := placeholderPattern.ReplaceAllStringFunc(content, func(m string) string {
		name := placeholderPattern.FindStringSubmatch(m)[1]
		return fmt.Sprintf(`{{index . %q}}`, strings.ToLower(name))
	})

	t, err := textTemplate.New("content").Parse(prepared)
	if err != nil {
		return "", fmt.Errorf("failed to parse content: %w", err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render content: %w", err)
	}
	return buf.String(), nil
}

// Validate checks that every placeholder is well formed. Stray "{{" without
// a matching close is the common authoring mistake.
func (e *Engine) Validate(content string) error {
	stripped := placeholderPattern.ReplaceAllString(content, "")
	if i := strings.Index(stripped, "{{"); i >= 0 {
		snippet := stripped[i:]
		if len(snippet) > 40 {
			snippet = snippet[:40]
		}
		return fmt.Errorf("malformed placeholder near %q", snippet)
	}
	return nil
}

// ExtractFields returns the distinct placeholder names used in content, in
// first-appearance order.
func (e *Engine) ExtractFields(content string) []string {
	seen := make(map[string]bool)
	var fields []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(content, -1) {
		name := strings.ToLower(m[1])
		if !seen[name] {
			seen[name] = true
			fields = append(fields, name)
		}
	}
	return fields
}
