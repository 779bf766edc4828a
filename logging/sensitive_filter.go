package logging

import (
	"regexp"
	"strings"
)

// RedactedPlaceholder replaces sensitive values.
const RedactedPlaceholder = "[REDACTED]"

// sensitivePatterns match credentials that can reach log lines through
// model download URLs, .env files and error messages.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bhf_[A-Za-z0-9]{30,}`),                 // Hugging Face tokens
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}`),               // OpenAI-style keys
	regexp.MustCompile(`\bgh[po]_[A-Za-z0-9]{36}`),              // GitHub tokens
	regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{22,}`),        // GitHub fine-grained tokens
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]{20,}`), // Authorization headers
	regexp.MustCompile(`(?i)\b(password|secret|api_?key|access_token|auth_token)\s*[:=]\s*[^\s,;&]{8,}`),
	regexp.MustCompile(`(?i)([?&](token|api_key|key|sig)=)[^&\s]+`), // query parameters
}

// sensitiveKeySuffixes mark field or variable names whose value is a secret.
// Matching is by suffix so prompt_tokens and similar counters are untouched.
var sensitiveKeySuffixes = []string{
	"API_KEY",
	"APIKEY",
	"PASSWORD",
	"SECRET",
	"HF_TOKEN",
	"ACCESS_TOKEN",
	"AUTH_TOKEN",
	"BEARER",
}

// RedactSensitiveData replaces every detected credential in value.
func RedactSensitiveData(value string) string {
	if value == "" {
		return value
	}
	result := value
	for i, p := range sensitivePatterns {
		if i == len(sensitivePatterns)-1 {
			// keep the parameter name
			result = p.ReplaceAllString(result, "${1}"+RedactedPlaceholder)
			continue
		}
		result = p.ReplaceAllString(result, RedactedPlaceholder)
	}
	return result
}

// IsSensitiveField reports whether a key names a secret.
func IsSensitiveField(key string) bool {
	upper := strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
	for _, suffix := range sensitiveKeySuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}

// RedactField redacts value entirely when the key is sensitive and scans
// it for embedded credentials otherwise.
func RedactField(key, value string) string {
	if IsSensitiveField(key) {
		return RedactedPlaceholder
	}
	return RedactSensitiveData(value)
}

// ContainsSensitiveData reports whether value contains a credential.
func ContainsSensitiveData(value string) bool {
	for _, p := range sensitivePatterns {
		if p.MatchString(value) {
			return true
		}
	}
	return false
}
