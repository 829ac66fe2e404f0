package depmodel

import (
	"encoding/json"
	"errors"
)

// Error is the representation of orchestrator errors surfaced across
// the HTTP intake boundary. Kind partitions errors by what a caller
// or operator should do about them; Err carries the underlying cause
// for logs.
type Error struct {
	Kind Kind
	// Help is a message safe to print for the caller.
	Help string `json:"help"`
	// Err is the underlying error, logged for developers.
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

// Kind is the closed set of error categories the orchestrator can
// produce. Every value here is referenced by spec: unrecognized
// kinds are a programmer error, not a runtime possibility.
type Kind string

const (
	KindValidation           Kind = "validation"
	KindAlreadyInProgress    Kind = "already-in-progress"
	KindLocked               Kind = "locked"
	KindUnknownSecurityGroup Kind = "unknown-security-group"
	KindMissingASG           Kind = "missing-asg"
	KindUnexpectedResponse   Kind = "unexpected-response"
	KindTaskMissing          Kind = "task-missing"
	KindTrackerTransient     Kind = "tracker-transient"
	KindImageMismatch        Kind = "image-mismatch"
	// KindNotFound is a document lookup miss (spec §4.2's get by id),
	// distinct from KindMissingASG's precondition-failed sense (spec
	// §7: no prior ASG to disable/delete/healthcheck).
	KindNotFound Kind = "not-found"
)

func NewError(kind Kind, help string, cause error) *Error {
	return &Error{Kind: kind, Help: help, Err: cause}
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

func (e *Error) MarshalJSON() ([]byte, error) {
	var errMsg string
	if e.Err != nil {
		errMsg = e.Err.Error()
	}
	jsonable := &struct {
		Kind string `json:"kind"`
		Help string `json:"help"`
		Err  string `json:"error,omitempty"`
	}{
		Kind: string(e.Kind),
		Help: e.Help,
		Err:  errMsg,
	}
	return json.Marshal(jsonable)
}

func (e *Error) UnmarshalJSON(data []byte) error {
	jsonable := &struct {
		Kind string `json:"kind"`
		Help string `json:"help"`
		Err  string `json:"error,omitempty"`
	}{}
	if err := json.Unmarshal(data, jsonable); err != nil {
		return err
	}
	e.Kind = Kind(jsonable.Kind)
	e.Help = jsonable.Help
	if jsonable.Err != "" {
		e.Err = errors.New(jsonable.Err)
	}
	return nil
}
