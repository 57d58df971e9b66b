// Package prompts renders stage prompt templates against run inputs and
// upstream stage outputs.
package prompts

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\.([A-Za-z0-9_]+)\}\}`)

// Render replaces placeholders in the form {{.Key}} with values from data.
// Every placeholder must resolve; an unresolved placeholder is an error so a
// half-rendered prompt never reaches the model (or the cache key).
func Render(tmpl string, data map[string]string) (string, error) {
	result := tmpl
	for key, value := range data {
		result = strings.ReplaceAll(result, fmt.Sprintf("{{.%s}}", key), value)
	}

	if m := placeholderRe.FindStringSubmatch(result); m != nil {
		return "", fmt.Errorf("unresolved prompt placeholder %q", m[1])
	}
	return result, nil
}

// Placeholders returns the distinct placeholder keys a template references,
// in first-appearance order.
func Placeholders(tmpl string) []string {
	var keys []string
	seen := make(map[string]bool)
	for _, m := range placeholderRe.FindAllStringSubmatch(tmpl, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			keys = append(keys, m[1])
		}
	}
	return keys
}
