// Package command renders the shell command lines eddie runs locally and
// on remote hosts from configurable templates.
package command

import (
	"bytes"
	"fmt"
	"text/template"
)

// Render substitutes vars into a Go text/template command line. Unknown
// variables are an error. Values are interpolated verbatim into a shell
// command, so each must consist only of characters that are safe unquoted.
func Render(tmpl string, vars map[string]string) (string, error) {
	for k, v := range vars {
		if !shellSafe(v) {
			return "", fmt.Errorf("variable %s=%q contains characters not allowed in a command line", k, v)
		}
	}

	t, err := template.New("").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parsing command template: %w", err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("executing command template: %w", err)
	}
	return buf.String(), nil
}

func shellSafe(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == '/', r == ':', r == '@', r == '=', r == '+':
		default:
			return false
		}
	}
	return true
}
