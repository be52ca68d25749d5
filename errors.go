package hostpilot

// Classification of deploy failures. These are divided into a small
// number of dispositions, essentially distinguished by what the
// control loop may safely do next; i.e., is this error:
//  - never going to come right without a code or config change (fail closed)?
//  - a collision with an equivalent operation already in flight (join it)?
//  - a transient problem, so worth trying again?

type ErrorClass string

const (
	// ErrClassNone marks a run that did not fail.
	ErrClassNone ErrorClass = ""

	// ErrClassLockHeld means the deploy lease was held by another
	// invocation. Benign contention, not a real failure.
	ErrClassLockHeld ErrorClass = "deploy_lock_held"

	// ErrClassGuard means a preflight guard refused to run at all,
	// e.g. a push-capable remote was detected in the working tree.
	ErrClassGuard ErrorClass = "guard_violation"

	// ErrClassSyncFailed means the remote could not be fetched or the
	// target revision could not be checked out.
	ErrClassSyncFailed ErrorClass = "git_sync_failed"

	// ErrClassBuildFailed means the collaborator build/start step
	// reported failure.
	ErrClassBuildFailed ErrorClass = "console_build_failed"

	// ErrClassVerifyFailed means one or more DoD checks failed.
	ErrClassVerifyFailed ErrorClass = "dod_verify_failed"

	// ErrClassVerifyInFlight means an equivalent verification was
	// already running; callers should join its outcome.
	ErrClassVerifyInFlight ErrorClass = "verify_in_flight"

	// ErrClassServiceRestart means a dependent service failed to
	// restart during remediation.
	ErrClassServiceRestart ErrorClass = "service_restart_failed"

	// ErrClassStateWrite means persisting state or artifacts failed.
	ErrClassStateWrite ErrorClass = "state_write_failed"

	// ErrClassUnknown is the fallback for anything unclassified.
	ErrClassUnknown ErrorClass = "unknown"
)

// Disposition says what the caller may do about a failure class.
type Disposition int

const (
	// FailClosed: abort, write triage, require human action.
	FailClosed Disposition = iota
	// Joinable: an equivalent operation is in flight; observe its
	// outcome instead of retrying blindly.
	Joinable
	// Retryable: apply one idempotent remediation and try again.
	Retryable
	// Contention: benign lock collision, skip this invocation.
	Contention
)

// Classify maps every known error class to its disposition. Unknown
// classes are treated as retryable-once rather than fail-closed, so a
// new failure mode cannot silently wedge the loop.
func Classify(c ErrorClass) Disposition {
	switch c {
	case ErrClassGuard, ErrClassBuildFailed, ErrClassVerifyFailed:
		return FailClosed
	case ErrClassVerifyInFlight:
		return Joinable
	case ErrClassLockHeld:
		return Contention
	default:
		return Retryable
	}
}

// Retryable reports whether another attempt may be made at all.
func (c ErrorClass) Retryable() bool {
	return Classify(c) != FailClosed
}
