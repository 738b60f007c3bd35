// Package template implements the deterministic ${VAR}/${VAR:-default}
// substitution engine used to expand deployment manifests. Expansion is
// a single non-recursive pass over the text: the rendered output is
// never re-scanned for further variable references, which keeps
// expansion order-independent and immune to substitution injection
// loops.
package template

import (
	"strings"
)

// UndefinedToken is substituted for a bare ${NAME} reference whose name
// is absent from the variable map.
const UndefinedToken = "UNDEFINED"

// Source identifies which variable-scope layer supplied a value, for
// the dry-run audit trail.
type Source string

const (
	SourceDependency Source = "dependency"
	SourceBuiltin    Source = "builtin"
	SourceEnvVars    Source = "env-vars"
	SourceProject    Source = "project-default"
	SourceDefault    Source = "default"
	SourceUndefined  Source = "undefined"
)

// Assignment records one resolved variable for a dry-run report.
type Assignment struct {
	Name   string
	Value  string
	Source Source
}

// Scope is the layered variable map handed to the engine. Layers are
// consulted highest-precedence first; Lookup returns the value and the
// Source it was found in, or ("", "", false).
type Scope struct {
	layers []layer
}

type layer struct {
	name   Source
	values map[string]string
}

// NewScope builds a Scope from layers in highest-to-lowest precedence
// order. Pass nil maps for layers that don't apply to a given call.
func NewScope(dependency, builtin, envVars, projectDefault map[string]string) *Scope {
	return &Scope{layers: []layer{
		{SourceDependency, dependency},
		{SourceBuiltin, builtin},
		{SourceEnvVars, envVars},
		{SourceProject, projectDefault},
	}}
}

func (s *Scope) lookup(name string) (string, Source, bool) {
	for _, l := range s.layers {
		if l.values == nil {
			continue
		}
		if v, ok := l.values[name]; ok {
			return v, l.name, true
		}
	}
	return "", "", false
}

// Flatten merges all layers into a single map, highest precedence
// winning, for callers that just want the final values without
// provenance.
func (s *Scope) Flatten() map[string]string {
	out := map[string]string{}
	for i := len(s.layers) - 1; i >= 0; i-- {
		for k, v := range s.layers[i].values {
			out[k] = v
		}
	}
	return out
}

// Result is the outcome of an Expand call.
type Result struct {
	Text        string
	Assignments []Assignment
	Undefined   []string
}

// Expand substitutes ${NAME} and ${NAME:-DEFAULT} references in text
// using scope. It always returns the audit trail (the
// "dry-run" data); callers that only want the rendered text can ignore
// Result.Assignments/Undefined.
func Expand(text string, scope *Scope) Result {
	var out strings.Builder
	var assignments []Assignment
	seen := map[string]bool{}
	var undefined []string

	i := 0
	n := len(text)
	for i < n {
		if text[i] != '$' || i+1 >= n || text[i+1] != '{' {
			out.WriteByte(text[i])
			i++
			continue
		}

		// text[i:i+2] == "${" — find the matching close brace.
		close := strings.IndexByte(text[i+2:], '}')
		if close < 0 {
			// No closing brace: not a valid reference, pass through.
			out.WriteByte(text[i])
			i++
			continue
		}
		inner := text[i+2 : i+2+close]
		end := i + 2 + close + 1

		name, hasDefault, def, ok := parseReference(inner)
		if !ok {
			// Doesn't match the NAME grammar: pass the whole "${...}" through unchanged.
			out.WriteString(text[i:end])
			i = end
			continue
		}

		value, source, found := scope.lookup(name)
		switch {
		case hasDefault && (!found || value == ""):
			out.WriteString(def)
			if !seen[name] {
				seen[name] = true
				assignments = append(assignments, Assignment{Name: name, Value: def, Source: SourceDefault})
			}
		case found:
			out.WriteString(value)
			if !seen[name] {
				seen[name] = true
				assignments = append(assignments, Assignment{Name: name, Value: value, Source: source})
			}
		default:
			out.WriteString(UndefinedToken)
			if !seen[name] {
				seen[name] = true
				undefined = append(undefined, name)
				assignments = append(assignments, Assignment{Name: name, Value: UndefinedToken, Source: SourceUndefined})
			}
		}
		i = end
	}

	return Result{Text: out.String(), Assignments: assignments, Undefined: undefined}
}

// parseReference splits the content between "${" and "}" into a name
// and optional ":-default" clause, validating the name against
// [A-Za-z_][A-Za-z0-9_]*.
func parseReference(inner string) (name string, hasDefault bool, def string, ok bool) {
	idx := strings.Index(inner, ":-")
	candidate := inner
	if idx >= 0 {
		candidate = inner[:idx]
		def = inner[idx+2:]
		hasDefault = true
	}
	if !isValidName(candidate) {
		return "", false, "", false
	}
	return candidate, hasDefault, def, true
}

func isValidName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c == '_':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
