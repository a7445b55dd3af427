// Package render substitutes {{key}} placeholders in step templates.
package render

import (
	"fmt"
	"regexp"
	"strings"

	"ezoutreach/internal/model"
)

var placeholder = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Vars is the variable set for one recipient.
type Vars map[string]string

// RecipientVars builds the variables for r: metadata first, then the
// built-in name and email keys which take precedence.
func RecipientVars(r model.Recipient) Vars {
	vars := make(Vars, len(r.Metadata)+4)
	for k, v := range r.Metadata {
		if v == nil {
			continue
		}
		vars[k] = fmt.Sprint(v)
	}

	name := strings.TrimSpace(r.Name)
	first, last := name, ""
	if i := strings.IndexByte(name, ' '); i >= 0 {
		first, last = name[:i], strings.TrimSpace(name[i+1:])
	}
	vars["name"] = name
	if _, ok := vars["first_name"]; !ok || first != "" {
		vars["first_name"] = first
	}
	if _, ok := vars["last_name"]; !ok || last != "" {
		vars["last_name"] = last
	}
	vars["email"] = r.Email
	return vars
}

// Lookup resolves key exactly, then case-insensitively. When several keys
// differ only in case, the one sorting first wins. Missing keys are "".
func (v Vars) Lookup(key string) string {
	if val, ok := v[key]; ok {
		return val
	}
	match, found := "", false
	for k := range v {
		if strings.EqualFold(k, key) && (!found || k < match) {
			match, found = k, true
		}
	}
	if !found {
		return ""
	}
	return v[match]
}

// Render replaces every {{key}} in tmpl.
func Render(tmpl string, vars Vars) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		return vars.Lookup(key)
	})
}

// Message renders a step's subject and body for a recipient.
func Message(step model.Step, r model.Recipient) (subject, body string) {
	vars := RecipientVars(r)
	return Render(step.Subject, vars), Render(step.Body, vars)
}
