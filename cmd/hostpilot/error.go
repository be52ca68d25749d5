package main

import (
	"errors"
	"fmt"
)

type usageError struct {
	error
}

func newUsageError(msg string) usageError {
	return usageError{error: errors.New(msg)}
}

var errorWantedNoArgs = newUsageError("expected no (non-flag) arguments")

// exitError carries a specific process exit code out of a command.
// Failure terminals exit 1, benign contention and fail-closed skips
// exit 2, per the scheduler-facing convention.
type exitError struct {
	code int
	msg  string
}

func (e exitError) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return fmt.Sprintf("exit %d", e.code)
}

func exitWith(code int, format string, args ...interface{}) error {
	if code == 0 {
		return nil
	}
	return exitError{code: code, msg: fmt.Sprintf(format, args...)}
}
