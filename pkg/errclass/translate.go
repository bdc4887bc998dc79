package errclass

import (
	"context"
	"errors"
	"io/fs"
	"syscall"
)

// FromIO maps a low-level I/O failure to the nearest taxonomy class, keeping err as
// the cause. It returns nil for a nil error and leaves already-classified errors as they are.
func FromIO(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT):
		return ErrDiskFull.Wrap(err, "no space left on device")
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EROFS):
		return ErrPermissionDenied.Wrap(err, "permission denied")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, syscall.ETIMEDOUT):
		return ErrTimeout.Wrap(err, "deadline exceeded")
	case errors.Is(err, syscall.EMFILE), errors.Is(err, syscall.ENFILE), errors.Is(err, syscall.ENOMEM):
		return ErrResourceExhausted.Wrap(err, "resource exhausted")
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EHOSTUNREACH):
		return ErrNetwork.Wrap(err, "network failure")
	case errors.Is(err, fs.ErrNotExist):
		return ErrDependencyMissing.Wrap(err, "not found")
	}
	return nil
}

// Classify is FromIO with a fallback class for unrecognised errors.
func Classify(err error, fallback *Error) error {
	if err == nil {
		return nil
	}
	if t := FromIO(err); t != nil {
		return t
	}
	return fallback.Wrap(err, "")
}
