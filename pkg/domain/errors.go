package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports a missing document or history record.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists reports an insert against an id that is already taken.
	ErrAlreadyExists = errors.New("already exists")
)

// StoreError annotates a backend failure with the operation and driver that
// produced it.
type StoreError struct {
	Op     string
	Driver StorageDriver
	Err    error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s store: %s: %v", e.Driver, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError wraps err unless it is nil or already one of the sentinel
// errors callers branch on.
func NewStoreError(driver StorageDriver, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyExists) {
		return err
	}
	return &StoreError{Op: op, Driver: driver, Err: err}
}
