package personalize

import (
	"reflect"
	"testing"
)

func TestRenderStandardFields(t *testing.T) {
	e := NewEngine()

	out, err := e.Render("Hi {{name}}, greetings from {{company}} ({{email}})", Fields{
		Name:    "Alice",
		Email:   "alice@example.com",
		Company: "Acme",
	})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	want := "Hi Alice, greetings from Acme (alice@example.com)"
	if out != want {
		t.Errorf("expected %q, got %q", want, out)
	}
}

func TestRenderMissingFieldsAreEmpty(t *testing.T) {
	e := NewEngine()

	out, err := e.Render("Hi {{name}}, re: {{order_id}}", Fields{})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if out != "Hi , re: " {
		t.Errorf("expected empty substitutions, got %q", out)
	}
}

func TestRenderCustomFields(t *testing.T) {
	e := NewEngine()

	out, err := e.Render("Your plan: {{Plan}}", Fields{
		Custom: map[string]string{"plan": "Pro"},
	})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if out != "Your plan: Pro" {
		t.Errorf("expected case-insensitive field match, got %q", out)
	}
}

func TestRenderSpacedPlaceholders(t *testing.T) {
	e := NewEngine()

	out, err := e.Render("Hi {{ name }}", Fields{Name: "Bob"})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if out != "Hi Bob" {
		t.Errorf("expected spaced placeholder to render, got %q", out)
	}
}

func TestRenderLeavesHTMLAlone(t *testing.T) {
	e := NewEngine()

	content := `<a href="https://example.com?q=1&r=2">Hi {{name}}</a><style>.x{color:red}</style>`
	out, err := e.Render(content, Fields{Name: "Ann"})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	want := `<a href="https://example.com?q=1&r=2">Hi Ann</a><style>.x{color:red}</style>`
	if out != want {
		t.Errorf("markup must pass through untouched, got %q", out)
	}
}

func TestValidate(t *testing.T) {
	e := NewEngine()

	if err := e.Validate("Hi {{name}}, welcome to {{company}}"); err != nil {
		t.Errorf("valid content rejected: %v", err)
	}
	if err := e.Validate("plain text, no fields"); err != nil {
		t.Errorf("plain content rejected: %v", err)
	}
	if err := e.Validate("Hi {{name"); err == nil {
		t.Error("unclosed placeholder should be rejected")
	}
}

func TestExtractFields(t *testing.T) {
	e := NewEngine()

	fields := e.ExtractFields("Hi {{name}}, {{company}} and {{ name }} again")
	want := []string{"name", "company"}
	if !reflect.DeepEqual(fields, want) {
		t.Errorf("expected %v, got %v", want, fields)
	}

	if fields := e.ExtractFields("nothing here"); fields != nil {
		t.Errorf("expected no fields, got %v", fields)
	}
}
