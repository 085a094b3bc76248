package cerr

import (
	"errors"
	"fmt"
)

type Error struct {
	Code    Code
	Msg     string         // returned to the caller along with Code
	Err     error          // kept for logs only
	Details map[string]any // structured context returned to the caller
}

func NewError(code Code, msg string, underlying error) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
		Err:  underlying,
	}
}

func NewErrorWithDetails(code Code, msg string, underlying error, details map[string]any) *Error {
	err := NewError(code, msg, underlying)
	err.Details = details
	return err
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s", e.Code.String(), e.Msg)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code.String(), e.Msg, e.Err.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

func IsCode(err error, code Code) bool {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Code == code
	}
	return false
}

// CodeOf returns the code of the outermost *Error in err's chain, or
// Unknown when there is none.
func CodeOf(err error) Code {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Code
	}
	return Unknown
}
