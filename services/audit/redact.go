package audit

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/upb/governance-core/models"
)

// secretPattern is one kind of credential recognised in free text
type secretPattern struct {
	label   string
	pattern *regexp.Regexp
}

// Ordered so that structured credentials win over the generic key=value forms.
var secretPatterns = []secretPattern{
	{"PRIVATE_KEY", regexp.MustCompile(`-----BEGIN\s+(?:RSA\s+|EC\s+|DSA\s+|OPENSSH\s+)?PRIVATE\s+KEY-----[\s\S]*?(?:-----END\s+(?:RSA\s+|EC\s+|DSA\s+|OPENSSH\s+)?PRIVATE\s+KEY-----|$)`)},
	{"JWT", regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`)},
	{"AWS_KEY", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{"GITHUB_TOKEN", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`)},
	{"STRIPE_KEY", regexp.MustCompile(`\b[sr]k_(?:live|test)_[0-9a-zA-Z]{24,}\b`)},
	{"SLACK_TOKEN", regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9\-]{10,}\b`)},
	{"DATABASE_URL", regexp.MustCompile(`(?i)\b(?:postgres|postgresql|mysql|mongodb|redis)://[^\s'":@/]+:[^\s'"@]+@[^\s'"]+`)},
	{"TOKEN", regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9_\-\.=]{20,}`)},
	{"PASSWORD", regexp.MustCompile(`(?i)\b(?:password|passwd|pwd)\s*[:=]\s*['"]?[^\s'",]{8,}['"]?`)},
	{"API_KEY", regexp.MustCompile(`(?i)\bapi[_\-]?key\s*[:=]\s*['"]?[A-Za-z0-9_\-]{20,}['"]?`)},
}

// sensitiveKeys are JSON object keys whose values are never stored, compared
// after lowercasing and dropping '_' and '-'
var sensitiveKeys = map[string]struct{}{
	"password":      {},
	"passwd":        {},
	"secret":        {},
	"clientsecret":  {},
	"token":         {},
	"accesstoken":   {},
	"refreshtoken":  {},
	"apikey":        {},
	"authorization": {},
	"privatekey":    {},
	"credentials":   {},
}

const redactedValue = "[REDACTED]"

// RedactText replaces recognised credentials in s and reports whether anything changed
func RedactText(s string) (string, bool) {
	out := s
	for _, p := range secretPatterns {
		out = p.pattern.ReplaceAllString(out, "["+p.label+"_REDACTED]")
	}
	return out, out != s
}

// redactJSON masks sensitive keys and credential-looking strings inside a
// JSON document. Invalid JSON is returned unchanged.
func redactJSON(raw json.RawMessage) (json.RawMessage, bool) {
	if len(raw) == 0 {
		return raw, false
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return raw, false
	}
	doc, changed := redactValue(doc)
	if !changed {
		return raw, false
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return raw, false
	}
	return out, true
}

func redactValue(v interface{}) (interface{}, bool) {
	switch val := v.(type) {
	case map[string]interface{}:
		changed := false
		for k, child := range val {
			if isSensitiveKey(k) {
				if child != nil && child != redactedValue {
					val[k] = redactedValue
					changed = true
				}
				continue
			}
			next, c := redactValue(child)
			if c {
				val[k] = next
				changed = true
			}
		}
		return val, changed
	case []interface{}:
		changed := false
		for i, child := range val {
			next, c := redactValue(child)
			if c {
				val[i] = next
				changed = true
			}
		}
		return val, changed
	case string:
		return RedactText(val)
	default:
		return v, false
	}
}

func isSensitiveKey(k string) bool {
	k = strings.NewReplacer("_", "", "-", "").Replace(strings.ToLower(k))
	_, ok := sensitiveKeys[k]
	return ok
}

// redactEntry scrubs every free-form field of entry in place
func redactEntry(entry *models.AuditEntry) bool {
	var redacted bool
	if out, changed := redactJSON(entry.Changes); changed {
		entry.Changes = out
		redacted = true
	}
	if out, changed := redactJSON(entry.Metadata); changed {
		entry.Metadata = out
		redacted = true
	}
	for _, field := range []*string{entry.Reason, entry.ErrorMessage} {
		if field == nil {
			continue
		}
		if out, changed := RedactText(*field); changed {
			*field = out
			redacted = true
		}
	}
	return redacted
}
