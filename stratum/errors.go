package stratum

import (
	"encoding/json"
	"fmt"
)

// Error is a stratum protocol error carried in the error member of a
// response. On the wire it is the classic triple [code, message, null].
type Error struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

// MarshalJSON encodes the error as [code, message, null].
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.Code, e.Message, nil})
}

// Protocol error values. 24 and 25 are produced by the core itself for
// submit preconditions; the remaining codes are exported for collaborators
// to use in their verdicts.
var (
	ErrOther              = &Error{Code: 20, Message: "other/unknown"}
	ErrJobNotFound        = &Error{Code: 21, Message: "job not found"}
	ErrDuplicateShare     = &Error{Code: 22, Message: "duplicate share"}
	ErrLowDifficultyShare = &Error{Code: 23, Message: "low difficulty share"}
	ErrUnauthorizedWorker = &Error{Code: 24, Message: "unauthorized worker"}
	ErrNotSubscribed      = &Error{Code: 25, Message: "not subscribed"}
)
