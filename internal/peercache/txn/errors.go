package txn

import (
	"errors"
	"fmt"
)

var (
	// Returned when next txn ID is 0 or otherwise forbidden.
	ErrInvalidID = errors.New("txn: invalid transaction id")

	// Returned when SetNext attempts to move the allocator backwards.
	ErrIDRegression = errors.New("txn: transaction id regression")

	// Returned when Next would overflow uint64.
	ErrIDOverflow = errors.New("txn: transaction id overflow")

	// Returned when a finished transaction is committed or rolled back again.
	ErrFinished = errors.New("txn: transaction already finished")
)

type IDError struct {
	Err  error
	Have uint64
	Want uint64
}

func (e *IDError) Error() string {
	if e.Want == 0 {
		return fmt.Sprintf("%v (have=%d)", e.Err, e.Have)
	}
	return fmt.Sprintf("%v (have=%d want=%d)", e.Err, e.Have, e.Want)
}

func (e *IDError) Unwrap() error { return e.Err }

type StateError struct {
	Err   error
	ID    uint64
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%v: txn=%d state=%s", e.Err, e.ID, e.State)
}

func (e *StateError) Unwrap() error { return e.Err }
