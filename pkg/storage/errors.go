package storage

import (
	"errors"
	"fmt"
)

// ErrStore matches every error produced by the event store
var ErrStore = errors.New("event store failure")

// StoreError wraps a driver error with the store operation that failed
type StoreError struct {
	Op  string
	Err error
}

// NewStoreError wraps err for op; nil stays nil and existing StoreErrors
// are returned unchanged.
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrStore) match any StoreError
func (e *StoreError) Is(target error) bool {
	return target == ErrStore
}
