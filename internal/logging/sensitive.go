// Package logging provides masking helpers for values that reach the logs.
package logging

import (
	"net"
	"strconv"
	"strings"
)

// SensitiveFields contains metadata keys whose values are never logged.
var SensitiveFields = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"access_token":  true,
	"refresh_token": true,
	"private_key":   true,
	"credentials":   true,
	"authorization": true,
	"session_id":    true,
	"cookie":        true,
	"webhook_url":   true,
}

// MaskedValue is the string used to replace sensitive values.
const MaskedValue = "[REDACTED]"

// IsSensitiveField checks if a field name is, or contains, a sensitive key.
func IsSensitiveField(fieldName string) bool {
	lowerField := strings.ToLower(fieldName)
	if SensitiveFields[lowerField] {
		return true
	}
	for sensitive := range SensitiveFields {
		if strings.Contains(lowerField, sensitive) {
			return true
		}
	}
	return false
}

// MaskString masks the middle of s, showing only the first and last characters.
func MaskString(s string, showFirst, showLast int) string {
	if s == "" {
		return s
	}
	if len(s) <= showFirst+showLast+3 {
		return MaskedValue
	}
	return s[:showFirst] + "***" + s[len(s)-showLast:]
}

// MaskEmail partially masks an email address.
func MaskEmail(email string) string {
	if email == "" {
		return ""
	}

	atIdx := strings.Index(email, "@")
	if atIdx <= 0 {
		return MaskedValue
	}

	local := email[:atIdx]
	domain := email[atIdx:]
	if len(local) <= 2 {
		return MaskedValue + domain
	}
	return local[:1] + "***" + local[len(local)-1:] + domain
}

// MaskIP keeps the network part of an address: the first two octets of IPv4,
// the first three groups of IPv6. Unparseable input is fully masked.
func MaskIP(ip string) string {
	if ip == "" {
		return ""
	}
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return MaskedValue
	}
	if v4 := parsed.To4(); v4 != nil {
		return strconv.Itoa(int(v4[0])) + "." + strconv.Itoa(int(v4[1])) + ".x.x"
	}
	groups := strings.Split(parsed.String(), ":")
	if len(groups) > 3 {
		groups = groups[:3]
	}
	return strings.Join(groups, ":") + ":x"
}

// SafeLogValue returns a safe-to-log version of a value based on field name.
func SafeLogValue(fieldName string, value any) any {
	if value == nil {
		return nil
	}
	if IsSensitiveField(fieldName) {
		return MaskedValue
	}
	switch strings.ToLower(fieldName) {
	case "user_email", "email":
		if s, ok := value.(string); ok {
			return MaskEmail(s)
		}
	case "ip_address", "ip":
		if s, ok := value.(string); ok {
			return MaskIP(s)
		}
	}
	return value
}

// MaskMetadata returns a copy of metadata with sensitive values masked.
func MaskMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		out[k] = SafeLogValue(k, v)
	}
	return out
}
