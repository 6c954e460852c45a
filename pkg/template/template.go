// Package template renders character card text with the fixed macro set.
//
// The macro vocabulary is closed: no arithmetic, no conditionals, no
// user-defined macros. Unset macros expand to the empty string, matching the
// card-format convention.
package template

import (
	"regexp"
	"strings"
)

// Variable names recognized by Render. Anything else between {{ }} passes
// through untouched.
var knownVars = map[string]struct{}{
	"char":           {},
	"description":    {},
	"personality":    {},
	"scenario":       {},
	"user":           {},
	"persona":        {},
	"me":             {},
	"system":         {},
	"mesexamples":    {},
	"mesexamplesraw": {},
	"wibefore":       {},
	"wiafter":        {},
	"lorebefore":     {},
	"loreafter":      {},
	"anchorbefore":   {},
	"anchorafter":    {},
}

// Vars holds substitution values keyed by macro name. Keys are matched
// case-insensitively.
type Vars map[string]string

var (
	macroRe = regexp.MustCompile(`\{\{\s*([a-zA-Z]+)\s*\}\}`)
	trimRe  = regexp.MustCompile(`(?s)\{\{\s*trim\s*\}\}(.*?)\{\{\s*/trim\s*\}\}`)
)

// Render substitutes the macro set into text, then resolves {{trim}} blocks
// by stripping leading and trailing newlines from their content.
func Render(text string, vars Vars) string {
	lowered := make(map[string]string, len(vars))
	for k, v := range vars {
		lowered[strings.ToLower(k)] = v
	}

	out := macroRe.ReplaceAllStringFunc(text, func(m string) string {
		name := strings.ToLower(macroRe.FindStringSubmatch(m)[1])
		if name == "trim" {
			return m
		}
		if _, known := knownVars[name]; !known {
			return m
		}
		return lowered[name]
	})

	// Trim runs after substitution so emptied content collapses too.
	out = trimRe.ReplaceAllStringFunc(out, func(m string) string {
		inner := trimRe.FindStringSubmatch(m)[1]
		return strings.Trim(inner, "\n")
	})

	return out
}

// CharacterVars builds the standard macro set for a character and the
// user-side name shown to the model.
func CharacterVars(charName, description, personality, scenario, userName string) Vars {
	return Vars{
		"char":        charName,
		"description": description,
		"personality": personality,
		"scenario":    scenario,
		"user":        userName,
		"persona":     userName,
	}
}
