package protocol

import (
	"errors"
	"fmt"

	"github.com/jezek/xgb/xproto"
)

// ErrorCode is a protocol error number.
type ErrorCode uint8

const (
	BadValue          ErrorCode = xproto.BadValue
	BadWindow         ErrorCode = xproto.BadWindow
	BadMatch          ErrorCode = xproto.BadMatch
	BadAccess         ErrorCode = xproto.BadAccess
	BadLength         ErrorCode = xproto.BadLength
	BadIDChoice       ErrorCode = xproto.BadIDChoice
	BadImplementation ErrorCode = xproto.BadImplementation
)

// Extension errors are numbered from the first error code the extension was
// assigned at registration.
const extensionErrorBase ErrorCode = 128

const (
	BadDevice ErrorCode = extensionErrorBase + iota
	BadEvent
	BadMode
	DeviceBusy
	BadClass
)

func (c ErrorCode) String() string {
	switch c {
	case BadValue:
		return "BadValue"
	case BadWindow:
		return "BadWindow"
	case BadMatch:
		return "BadMatch"
	case BadAccess:
		return "BadAccess"
	case BadLength:
		return "BadLength"
	case BadIDChoice:
		return "BadIDChoice"
	case BadImplementation:
		return "BadImplementation"
	case BadDevice:
		return "BadDevice"
	case BadEvent:
		return "BadEvent"
	case BadMode:
		return "BadMode"
	case DeviceBusy:
		return "DeviceBusy"
	case BadClass:
		return "BadClass"
	}
	return fmt.Sprintf("Error(%d)", uint8(c))
}

// Error is a protocol error reported back to the requesting client. Value is the
// offending value (errorValue on the wire).
type Error struct {
	Code  ErrorCode
	Value uint32
	Op    string
}

// NewError returns a protocol error for op.
func NewError(op string, code ErrorCode, value uint32) *Error {
	return &Error{Code: code, Value: value, Op: op}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s (value %d)", e.Code, e.Value)
	}
	return fmt.Sprintf("%s: %s (value %d)", e.Op, e.Code, e.Value)
}

// CodeOf extracts the protocol error carried by err, if any.
func CodeOf(err error) (ErrorCode, uint32, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code, pe.Value, true
	}
	return 0, 0, false
}

// IsCode reports whether err carries the protocol error code.
func IsCode(err error, code ErrorCode) bool {
	c, _, ok := CodeOf(err)
	return ok && c == code
}
