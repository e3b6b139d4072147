package errs

import (
	"errors"
	"fmt"
)

// Kind classifies remote-side failures.
type Kind int

const (
	// KindDatatype covers lookup and serialization failures on the remote graph.
	KindDatatype Kind = iota + 1
	// KindPersistence covers remote durability failures and version mismatches.
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindDatatype:
		return "datatype"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// SyncError is the typed error surfaced by the associator, the change processor
// and the remote directory. It halts synchronization for the notes type.
type SyncError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *SyncError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("sync %s error: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("sync %s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Datatype builds a KindDatatype error.
func Datatype(op string, err error) *SyncError {
	return &SyncError{Kind: KindDatatype, Op: op, Err: err}
}

// Persistence builds a KindPersistence error.
func Persistence(op string, err error) *SyncError {
	return &SyncError{Kind: KindPersistence, Op: op, Err: err}
}

// IsPersistence reports whether err carries a KindPersistence SyncError.
func IsPersistence(err error) bool {
	var se *SyncError
	return errors.As(err, &se) && se.Kind == KindPersistence
}

// IsDatatype reports whether err carries a KindDatatype SyncError.
func IsDatatype(err error) bool {
	var se *SyncError
	return errors.As(err, &se) && se.Kind == KindDatatype
}
