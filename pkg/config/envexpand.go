package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv expands environment variables in YAML content using Go
// template syntax ({{.VAR_NAME}}). The $ character is left untouched so
// passwords, regex patterns, and shell snippets survive literally.
//
// Missing variables expand to the empty string; validation catches
// required fields that end up empty. Malformed templates pass the data
// through unchanged so plain YAML never breaks on stray braces.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if key, value, ok := strings.Cut(kv, "="); ok {
			env[key] = value
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return data
	}
	return buf.Bytes()
}
