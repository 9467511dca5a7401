package cliutil

import (
	"regexp"
	"sort"
	"strings"
)

const redactedPlaceholder = "[redacted]"

var (
	templateVarPattern = regexp.MustCompile(`\$\{[^}]+\}`)
	secretKeyPattern   = regexp.MustCompile(`(?i)\b(` + strings.Join(secretKeys(), "|") + `)\b(\s*[:=]\s*)(["']?)([^"'\s]+)(["']?)`)

	sensitiveNameParts = []string{"SECRET", "TOKEN", "PASSWORD", "PASSWD", "API_KEY", "PRIVATE_KEY", "CREDENTIAL"}
)

const minRedactedValueLen = 4

func secretKeys() []string {
	keys := []string{
		"AWS_ACCESS_KEY_ID",
		"AWS_SECRET_ACCESS_KEY",
		"AWS_SESSION_TOKEN",
		"AZURE_CLIENT_SECRET",
		"GCP_SERVICE_ACCOUNT_KEY",
		"DATABASE_PASSWORD",
		"DB_PASSWORD",
		"API_KEY",
		"ACCESS_TOKEN",
		"REFRESH_TOKEN",
		"CLIENT_SECRET",
		"PASSWORD",
	}
	escaped := make([]string, len(keys))
	for i, key := range keys {
		escaped[i] = regexp.QuoteMeta(key)
	}
	return escaped
}

// RedactSecrets masks ${VAR} template references and known secret key
// assignments in child output with a generic [redacted] marker.
func RedactSecrets(message string) string {
	if message == "" {
		return message
	}
	redacted := templateVarPattern.ReplaceAllStringFunc(message, func(match string) string {
		return "${" + redactedPlaceholder + "}"
	})
	return secretKeyPattern.ReplaceAllString(redacted, "$1$2$3"+redactedPlaceholder+"$5")
}

// Redactor additionally masks the literal values of sensitive variables that
// were handed to the child, wherever they reappear in its output.
type Redactor struct {
	values []string
}

// NewRedactor collects values from env whose names look sensitive.
func NewRedactor(env map[string]string) *Redactor {
	r := &Redactor{}
	for key, value := range env {
		if len(value) < minRedactedValueLen || !isSensitiveName(key) {
			continue
		}
		r.values = append(r.values, value)
	}
	// Longest first so a value containing another is masked whole.
	sort.Slice(r.values, func(i, j int) bool { return len(r.values[i]) > len(r.values[j]) })
	return r
}

// Redact applies RedactSecrets and then masks known sensitive values.
func (r *Redactor) Redact(message string) string {
	message = RedactSecrets(message)
	if r == nil {
		return message
	}
	for _, value := range r.values {
		message = strings.ReplaceAll(message, value, redactedPlaceholder)
	}
	return message
}

func isSensitiveName(name string) bool {
	upper := strings.ToUpper(name)
	for _, part := range sensitiveNameParts {
		if strings.Contains(upper, part) {
			return true
		}
	}
	return false
}
