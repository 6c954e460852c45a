package template

import "testing"

func TestRenderSubstitution(t *testing.T) {
	tests := []struct {
		name string
		text string
		vars Vars
		want string
	}{
		{
			name: "basic",
			text: "You are {{char}}. The user is {{user}}.",
			vars: Vars{"char": "Mira", "user": "Alex"},
			want: "You are Mira. The user is Alex.",
		},
		{
			name: "case insensitive",
			text: "{{Char}} meets {{USER}}",
			vars: Vars{"char": "Mira", "user": "Alex"},
			want: "Mira meets Alex",
		},
		{
			name: "missing expands empty",
			text: "Scenario: {{scenario}}.",
			vars: Vars{"char": "Mira"},
			want: "Scenario: .",
		},
		{
			name: "unknown macro passes through",
			text: "{{roll:d20}} and {{custom}}",
			vars: Vars{"char": "Mira"},
			want: "{{roll:d20}} and {{custom}}",
		},
		{
			name: "whitespace inside braces",
			text: "{{ char }}",
			vars: Vars{"char": "Mira"},
			want: "Mira",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Render(tt.text, tt.vars); got != tt.want {
				t.Errorf("Render() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderTrimBlock(t *testing.T) {
	text := "before{{trim}}\n\n{{description}}\n{{/trim}}after"

	got := Render(text, Vars{"description": "tall"})
	if got != "beforetallafter" {
		t.Errorf("Render() = %q, want %q", got, "beforetallafter")
	}

	// Content that substitutes to nothing collapses entirely.
	got = Render(text, Vars{})
	if got != "beforeafter" {
		t.Errorf("Render() = %q, want %q", got, "beforeafter")
	}
}

func TestRenderTrimKeepsInnerNewlines(t *testing.T) {
	text := "{{trim}}\na\n\nb\n{{/trim}}"
	if got := Render(text, nil); got != "a\n\nb" {
		t.Errorf("Render() = %q, want %q", got, "a\n\nb")
	}
}

func TestCharacterVars(t *testing.T) {
	vars := CharacterVars("Mira", "desc", "kind", "tavern", "Alex")
	got := Render("{{char}}/{{user}}/{{persona}}", vars)
	if got != "Mira/Alex/Alex" {
		t.Errorf("Render() = %q", got)
	}
}
