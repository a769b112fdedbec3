package model

import "fmt"

// Fault codes for structured scheduler errors. RPC responses carry the
// numeric code next to the message so callers can branch without string
// matching.
const (
	FaultGeneric             = 1
	FaultDatabase            = 2
	FaultConfig              = 3
	FaultNotFound            = 100
	FaultBadRequest          = 101
	FaultLockBusy            = 200
	FaultTaskAlreadyAssigned = 201
	FaultWrongHost           = 202
	FaultBadState            = 203
)

// Error is a structured scheduler error with a numeric fault code
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches errors by fault code so wrapped copies compare equal
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Faultf builds a structured error with a formatted message
func Faultf(code int, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Predeclared scheduler errors
var (
	// ErrLockBusy: another process holds the scheduler lock; the tick is skipped
	ErrLockBusy = &Error{Code: FaultLockBusy, Message: "scheduler lock held elsewhere"}
	// ErrTaskAlreadyAssigned: lost an assignment race; logged and skipped
	ErrTaskAlreadyAssigned = &Error{Code: FaultTaskAlreadyAssigned, Message: "task already assigned"}
	// ErrWrongHost: a host tried to act on a task assigned to another host
	ErrWrongHost = &Error{Code: FaultWrongHost, Message: "task is assigned to a different host"}
	// ErrBadState: a state transition was requested from an incompatible state
	ErrBadState = &Error{Code: FaultBadState, Message: "invalid state for operation"}
	// ErrNotFound: referenced host or task does not exist
	ErrNotFound = &Error{Code: FaultNotFound, Message: "not found"}
	// ErrBadRequest: malformed RPC parameters
	ErrBadRequest = &Error{Code: FaultBadRequest, Message: "bad request"}
)

// FaultToHTTP maps fault codes to HTTP status codes for the JSON API
var FaultToHTTP = map[int]int{
	FaultGeneric:             500,
	FaultDatabase:            500,
	FaultConfig:              500,
	FaultNotFound:            404,
	FaultBadRequest:          400,
	FaultLockBusy:            409,
	FaultTaskAlreadyAssigned: 409,
	FaultWrongHost:           409,
	FaultBadState:            409,
}

// HTTPStatus returns the HTTP status for a fault code
func HTTPStatus(code int) int {
	if status, ok := FaultToHTTP[code]; ok {
		return status
	}
	return 500
}
