package chat

// Code classifies a failed operation for the client
type Code string

const (
	CodeInvalidArgument      Code = "invalid_argument"
	CodeUnauthorized         Code = "unauthorized"
	CodeForbidden            Code = "forbidden"
	CodeNotFound             Code = "not_found"
	CodeAlreadyAuthenticated Code = "already_authenticated"
	CodeConflict             Code = "conflict"
	CodeInternal             Code = "internal"
)

// Error is the typed failure returned to the originating connection.
// Failed operations never produce broadcasts, so an Error is only ever
// seen by the connection that caused it.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// NewError creates a typed failure
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// CodeOf returns the code of err, CodeInternal if err is not an *Error
func CodeOf(err error) Code {
	if typed, ok := err.(*Error); ok {
		return typed.Code
	}
	return CodeInternal
}
