package escalation

import (
	"context"
	"errors"
	"net"
	"strings"
	"unicode/utf8"

	types "github.com/yungbote/neurobridge-bookgen/internal/domain"
)

const signatureMaxLen = 160

// Signature normalizes an error message so repeated failures of the same kind compare equal.
func Signature(msg string) string {
	s := strings.ToLower(strings.Join(strings.Fields(msg), " "))
	if len(s) > signatureMaxLen {
		// cut on a rune boundary; a split character would not survive the JSON round trip of the fix state
		n := signatureMaxLen
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		s = s[:n]
	}
	return s
}

// ClassifyError classifies err, preferring a class pinned on the error chain over message heuristics.
func ClassifyError(err error) types.ErrorClass {
	if err == nil {
		return types.ClassUnknown
	}
	if class, ok := types.ClassOf(err); ok {
		return class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.ClassTimeout
	}
	return ClassifyMessage(err.Error())
}

// ClassifyMessage classifies a stored error string, used when only the persisted text is available.
func ClassifyMessage(msg string) types.ErrorClass {
	s := strings.ToLower(msg)
	switch {
	case s == "":
		return types.ClassUnknown
	case containsAny(s, "deadline exceeded", "timeout", "timed out"):
		return types.ClassTimeout
	case containsAny(s, "invalid api key", "incorrect api key", "unauthorized", "permission denied",
		"not configured", "unknown backend", "unknown job type", "model not found", "does not exist"):
		return types.ClassPermanent
	case containsAny(s, "empty output", "malformed", "invalid json", "unexpected format", "truncated",
		"content shape", "finish_reason"):
		return types.ClassContentShape
	case containsAny(s, "rate limit", "429", "502", "503", "504", "overloaded", "connection reset",
		"connection refused", "temporar", "unavailable", "eof"):
		return types.ClassTransient
	default:
		return types.ClassUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
