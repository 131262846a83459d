package nats

import "errors"

// Error kinds reported by the client.
const (
	ClientProtocolError = iota

	InvalidClientConfig

	InvalidSchemeError

	ServerProtocolError

	TlsError

	IoError

	TypeError
)

// Error is the error type produced by this package. It carries an error
// kind, a short description, and an optional detail string such as the
// offending wire protocol line.
type Error struct {
	Kind        int
	Description string
	Detail      string

	cause error
}

// Error implements the error interface.
func (err *Error) Error() string {
	text := kindName(err.Kind) + ": " + err.Description
	if err.Detail != "" {
		text += ": " + err.Detail
	}
	return text
}

// Unwrap returns the underlying cause, if any.
func (err *Error) Unwrap() error { return err.cause }

// NewError creates an Error with the given kind and description. An
// optional detail string may follow.
func NewError(kind int, description string, detail ...string) *Error {
	err := &Error{Kind: kind, Description: description}
	if len(detail) > 0 {
		err.Detail = detail[0]
	}
	return err
}

func wrapError(kind int, description string, cause error) *Error {
	return &Error{Kind: kind, Description: description, Detail: cause.Error(), cause: cause}
}

func ioError(cause error) *Error {
	var clientErr *Error
	if errors.As(cause, &clientErr) {
		return clientErr
	}
	return wrapError(IoError, "I/O error", cause)
}

// ErrorKind returns the kind of err. Errors that did not originate from
// this package are classified as IoError.
func ErrorKind(err error) int {
	var clientErr *Error
	if errors.As(err, &clientErr) {
		return clientErr.Kind
	}
	return IoError
}

func kindName(kind int) string {
	switch kind {
	case ClientProtocolError:
		return "ClientProtocolError"
	case InvalidClientConfig:
		return "InvalidClientConfig"
	case InvalidSchemeError:
		return "InvalidSchemeError"
	case ServerProtocolError:
		return "ServerProtocolError"
	case TlsError:
		return "TlsError"
	case IoError:
		return "IoError"
	case TypeError:
		return "TypeError"
	default:
		return "UnknownError"
	}
}
