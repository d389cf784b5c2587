package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv substitutes {{.VAR_NAME}} references in YAML content with
// environment variable values. Template syntax is used instead of $VAR so
// literal dollar signs in passwords and glob patterns survive untouched.
// Missing variables expand to empty strings; malformed templates pass the
// content through unchanged and leave the failure to the YAML parser.
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
