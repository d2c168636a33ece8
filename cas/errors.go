package cas

import (
	"fmt"
	"syscall"

	"github.com/pkg/errors"
)

var (
	ErrNotFound      = errors.New("asset not found")
	ErrInvalidHash   = errors.New("invalid content hash")
	ErrHashMismatch  = errors.New("content hash mismatch")
	ErrStorageFull   = errors.New("storage full")
	ErrIO            = errors.New("storage i/o failure")
	ErrStagingClosed = errors.New("staging handle already closed")
)

// HashMismatchError is returned by Commit when the caller asserted a hash
// that the staged bytes do not produce.
type HashMismatchError struct {
	Expected string
	Actual   string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("content hash mismatch: expected %s, got %s", e.Expected, e.Actual)
}

func (e *HashMismatchError) Unwrap() error {
	return ErrHashMismatch
}

// classify maps a filesystem error onto the store's failure kinds.
func classify(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ENOSPC) {
		return errors.Wrapf(ErrStorageFull, format+": %v", append(args, err)...)
	}
	return errors.Wrapf(ErrIO, format+": %v", append(args, err)...)
}
