package feed

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownSupplier    = errors.New("unknown supplier")
	ErrNoInput            = errors.New("no input")
	ErrUnsupportedArchive = errors.New("unsupported archive")
	ErrEmptyArchive       = errors.New("archive has no csv or txt entry")
	ErrFetchFailed        = errors.New("fetch failed")
	ErrNoProfiles         = errors.New("no profiles selected")
	// ErrMaterialize wraps every failure to turn an input into a readable snapshot.
	ErrMaterialize = errors.New("materialize")
)

// RunError is a fatal run failure and the state the run was in.
type RunError struct {
	State RunState
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run failed in %s: %v", e.State, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }
