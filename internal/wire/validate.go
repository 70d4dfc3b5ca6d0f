package wire

import (
	"fmt"
	"net/url"

	"github.com/google/uuid"
)

// DefaultMaxPayload is the largest frame the hub accepts. Payloads above
// the limit are rejected with INVALID_PARAM_TYPE rather than truncated.
const DefaultMaxPayload = 8 << 20

// RequireString returns the named param as a string, or a validation error.
func RequireString(params map[string]any, key string) (string, *Error) {
	v, ok := params[key]
	if !ok {
		return "", NewError(CodeMissingParam, fmt.Sprintf("missing required parameter %q", key))
	}
	s, ok := v.(string)
	if !ok {
		return "", NewError(CodeInvalidParamType, fmt.Sprintf("parameter %q must be a string", key))
	}
	return s, nil
}

// RequireUUID returns the named param validated as a UUID.
func RequireUUID(params map[string]any, key string) (string, *Error) {
	s, werr := RequireString(params, key)
	if werr != nil {
		return "", werr
	}
	if _, err := uuid.Parse(s); err != nil {
		return "", NewError(CodeInvalidUUID, fmt.Sprintf("parameter %q is not a valid UUID", key))
	}
	return s, nil
}

// RequireURL returns the named param validated as an absolute http(s) URL.
func RequireURL(params map[string]any, key string) (string, *Error) {
	s, werr := RequireString(params, key)
	if werr != nil {
		return "", werr
	}
	u, err := url.Parse(s)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return "", NewError(CodeInvalidURL, fmt.Sprintf("parameter %q is not a valid http(s) URL", key))
	}
	return s, nil
}

// OptionalInt returns the named param as an int64 with a default.
func OptionalInt(params map[string]any, key string, def int64) int64 {
	switch v := params[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return def
}

// CheckPayloadSize rejects frames above the configured maximum.
func CheckPayloadSize(n, max int) *Error {
	if max <= 0 {
		max = DefaultMaxPayload
	}
	if n > max {
		return NewError(CodeInvalidParamType,
			fmt.Sprintf("payload of %d bytes exceeds maximum of %d", n, max))
	}
	return nil
}
