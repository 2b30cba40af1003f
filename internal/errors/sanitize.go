// Package errors keeps internal detail out of error text returned to API
// clients.
package errors

import (
	"errors"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	pathPattern       = regexp.MustCompile(`(/[a-zA-Z0-9_\-.]+){2,}|[A-Z]:\\[a-zA-Z0-9_\-\\.]+`)
	ipv4Pattern       = regexp.MustCompile(`\b(\d{1,3})\.(\d{1,3})\.\d{1,3}\.\d{1,3}\b`)
	credentialPattern = regexp.MustCompile(`(?i)\b(password|passwd|secret|token|api[_-]?key|authorization)\s*[=:]\s*\S+`)
	dsnPattern        = regexp.MustCompile(`\b([a-z][a-z0-9+]*://)[^:/@\s]+:[^@\s]+@`)
)

// Generic is returned in place of messages that cannot be made safe.
const Generic = "internal error"

// Sanitizer decides which error text may reach a client. Errors matching
// one of the public sentinels are returned verbatim; everything else is
// scrubbed when redaction is on.
type Sanitizer struct {
	redact bool
	public []error
}

// NewSanitizer returns a Sanitizer that passes public errors through.
func NewSanitizer(redact bool, public ...error) *Sanitizer {
	return &Sanitizer{redact: redact, public: public}
}

// Message returns client-safe text for err.
func (s *Sanitizer) Message(err error) string {
	if err == nil {
		return ""
	}
	if s.IsPublic(err) || !s.redact {
		return err.Error()
	}
	return Scrub(err.Error())
}

// IsPublic reports whether err wraps one of the public sentinels.
func (s *Sanitizer) IsPublic(err error) bool {
	for _, target := range s.public {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Scrub removes paths, credentials and host detail from msg. Multi-line
// text such as a stack dump collapses to Generic.
func Scrub(msg string) string {
	if strings.Contains(msg, "goroutine ") || strings.Count(msg, "\n") > 3 {
		return Generic
	}

	msg = dsnPattern.ReplaceAllString(msg, "${1}***@")
	msg = credentialPattern.ReplaceAllString(msg, "${1}=***")
	msg = pathPattern.ReplaceAllStringFunc(msg, func(p string) string {
		if i := strings.LastIndex(p, `\`); i >= 0 {
			return p[i+1:]
		}
		return filepath.Base(p)
	})
	msg = ipv4Pattern.ReplaceAllString(msg, "$1.$2.x.x")

	if strings.TrimSpace(msg) == "" {
		return Generic
	}
	return msg
}
