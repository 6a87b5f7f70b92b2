package apply

import "errors"

// Sentinel errors matching the error-kind table: validation/integrity
// failures that a caller can distinguish with errors.Is.
var (
	// ErrBackup is returned when the pre-apply backup of local_dir fails.
	ErrBackup = errors.New("apply: backup failed")

	// ErrVerification is returned when a downloaded file's hash does not
	// match the manifest. Non-retryable; triggers rollback. A kept file
	// whose hash has drifted is re-downloaded rather than reported.
	ErrVerification = errors.New("apply: content verification failed")

	// ErrBusy is returned when another apply already holds the advisory
	// lock on local_dir.
	ErrBusy = errors.New("apply: another apply is already running against this directory")

	// ErrIO wraps an unexpected filesystem failure outside backup/verify.
	ErrIO = errors.New("apply: filesystem error")

	// ErrEntryPoint is returned when the manifest's entry point has no
	// known launch dispatch.
	ErrEntryPoint = errors.New("apply: unrecognized entry point")

	// ErrUnstable is returned when rollback itself failed after a
	// mid-apply failure. local_config is left untouched; the directory
	// is neither the old nor the new version and needs operator
	// attention.
	ErrUnstable = errors.New("apply: rollback failed, local directory is in an unstable state")

	// ErrCancelled is returned when ctx was cancelled before Committed
	// was reached. The apply is rolled back before this is returned.
	ErrCancelled = errors.New("apply: cancelled")
)
