package auditlog

import "regexp"

// secretPatterns matches known API-key/token shapes. No secret-scanning
// library appears anywhere in the pack, so this stays on regexp — the
// same posture the teacher's credentials.go takes toward key material
// (masking by known shape), just inverted from "load" to "redact".
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`gh[po]_[A-Za-z0-9]{30,}`),
	regexp.MustCompile(`glpat-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`xox[bp]-[A-Za-z0-9-]{10,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`\b[0-9a-fA-F]{32,}\b`),
}

const redactedPlaceholder = "[REDACTED]"

// redact replaces every secret-shaped substring in data with a fixed
// placeholder, applied before any run bytes hit disk, per spec.md §3's
// "redaction of known secret shapes is applied before bytes hit disk".
func redact(data []byte) []byte {
	out := data
	for _, pattern := range secretPatterns {
		out = pattern.ReplaceAll(out, []byte(redactedPlaceholder))
	}
	return out
}
