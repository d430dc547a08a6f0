package httpproxy

// Library specific errors.
var (
	ErrPanic             = NewError("panic")
	ErrResponseWrite     = NewError("response write")
	ErrRequestRead       = NewError("request read")
	ErrRemoteConnect     = NewError("remote connect")
	ErrRoundTrip         = NewError("round trip")
	ErrNotSupportHTTPVer = NewError("http version not supported")
	ErrVirusCheck        = NewError("virus check")
	ErrNotProxyRequest   = NewError("not a proxy request")
)

// Error struct is base of library specific errors.
type Error struct {
	ErrString string
}

// NewError returns a new Error.
func NewError(errString string) *Error {
	return &Error{errString}
}

// Error implements error interface.
func (e *Error) Error() string {
	return e.ErrString
}
