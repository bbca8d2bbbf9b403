package license

import "errors"

var (
	// ErrNotInitialized is returned by every operation called before Initialize
	ErrNotInitialized = errors.New("license manager not initialized")

	// ErrCapabilityUnavailable means the configured protection provider cannot run
	ErrCapabilityUnavailable = errors.New("playback protection capability unavailable")

	// ErrInvalidRequest wraps precondition failures of a license request
	ErrInvalidRequest = errors.New("invalid license request")

	// ErrLicenseNotFound means no license is on file for the track
	ErrLicenseNotFound = errors.New("license not found")

	// errUnchanged lets an update function skip the write
	errUnchanged = errors.New("license unchanged")
)
