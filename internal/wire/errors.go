package wire

import "fmt"

// Error codes visible on the wire. Validation errors are produced where
// detected and never forwarded; routing and lifecycle errors flow back to
// the initiating Requester.
const (
	// Validation.
	CodeMissingParam     = "MISSING_PARAM"
	CodeInvalidParamType = "INVALID_PARAM_TYPE"
	CodeInvalidUUID      = "INVALID_UUID"
	CodeInvalidURL       = "INVALID_URL"

	// Routing.
	CodeAutomatorNotConnected = "AUTOMATOR_NOT_CONNECTED"
	CodeTargetClientGone      = "TARGET_CLIENT_GONE"
	CodeUnknownMessageType    = "UNKNOWN_MESSAGE_TYPE"
	CodeUnknownOperation      = "UNKNOWN_OPERATION"

	// Timing.
	CodeRequestTimeout   = "REQUEST_TIMEOUT"
	CodeOperationTimeout = "OPERATION_TIMEOUT"
	CodeReconnected      = "RECONNECTED"

	// Lifecycle.
	CodeHubShuttingDown        = "HUB_SHUTTING_DOWN"
	CodeReplacedByNewAutomator = "REPLACED_BY_NEW_AUTOMATOR"
	CodeAbandoned              = "ABANDONED"

	// Resource.
	CodePortInUse            = "PORT_IN_USE"
	CodePortPermissionDenied = "PORT_PERMISSION_DENIED"
)

// Error is a protocol-visible error. Message is stable and safe to show
// to users; Details carries optional structured context.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates an Error with the given code and message.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithDetails returns a copy of e carrying the given details.
func (e *Error) WithDetails(details any) *Error {
	return &Error{Code: e.Code, Message: e.Message, Details: details}
}

// ErrorFrame builds an error frame for the given request id. An empty
// requestId produces an unsolicited error frame (e.g. malformed input).
func ErrorFrame(requestID string, err *Error) Frame {
	f := New(TypeError)
	if requestID != "" {
		f.Set("requestId", requestID)
	}
	f.Set("code", err.Code)
	f.Set("error", map[string]any{
		"code":    err.Code,
		"message": err.Message,
		"details": err.Details,
	})
	return f
}

// ErrorFrom extracts a *Error from an inbound error frame. Falls back to
// UNKNOWN_MESSAGE_TYPE-free generic fields when the error object is absent.
func ErrorFrom(f Frame) *Error {
	if obj := f.Object("error"); obj != nil {
		e := &Error{}
		if s, ok := obj["code"].(string); ok {
			e.Code = s
		}
		if s, ok := obj["message"].(string); ok {
			e.Message = s
		}
		e.Details = obj["details"]
		if e.Code != "" {
			return e
		}
	}
	code := f.String("code")
	if code == "" {
		code = "ERROR"
	}
	return &Error{Code: code, Message: f.String("message")}
}
