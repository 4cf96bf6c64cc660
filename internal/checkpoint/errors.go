package checkpoint

import (
	"errors"
	"fmt"
)

// ErrPersistence matches every checkpoint load or save failure
var ErrPersistence = errors.New("checkpoint persistence failed")

// PersistenceError describes a failed checkpoint load or save
type PersistenceError struct {
	Op       string
	Location string
	Err      error
}

func (e *PersistenceError) Error() string {
	if e.Location == "" {
		return fmt.Sprintf("checkpoint %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("checkpoint %s %s: %v", e.Op, e.Location, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}
