package sophos

import "errors"

// Error kinds named in spec §7. Runtime code wraps these with fmt.Errorf
// and context; callers compare with errors.Is.
var (
	// ErrSetup covers a missing directory, a pre-existing data
	// subdirectory, or an inability to write initial metadata. Fatal at
	// initialization.
	ErrSetup = errors.New("sophos: setup failed")
	// ErrIO covers a failure to open, read, or write the EDB or its
	// sidecar files.
	ErrIO = errors.New("sophos: io failure")
	// ErrMapFull is raised internally when a put exceeds the EDB's
	// current map size; callers only observe it if the single resize-
	// and-retry also fails.
	ErrMapFull = errors.New("sophos: map full")
	// ErrTransaction covers a failure to begin, commit, or abort an EDB
	// transaction.
	ErrTransaction = errors.New("sophos: transaction failed")
	// ErrMissingEntry marks a search step that found no EDB entry for an
	// update token it expected to find. Logged, never propagated: the
	// search protocol tolerates partial server-side loss.
	ErrMissingEntry = errors.New("sophos: missing entry")
	// ErrBadKeyMaterial covers a failure to parse a persisted key file.
	// Fatal at client open.
	ErrBadKeyMaterial = errors.New("sophos: bad key material")
)
