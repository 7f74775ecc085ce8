package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for an id that is not (or no longer) registered.
	ErrNotFound = errors.New("stream not found")

	// ErrDuplicateID is returned when creating a stream whose id is taken.
	ErrDuplicateID = errors.New("stream id already exists")

	// ErrInvalidStream is returned when a stream is added without a name or URL.
	ErrInvalidStream = errors.New("stream needs a name and a url")

	// ErrNoPortAvailable is returned when the port allocator is exhausted.
	ErrNoPortAvailable = errors.New("no worker port available")

	// ErrWorkerUnreachable is returned when a relay cannot connect to a worker's
	// output endpoint within the connect window.
	ErrWorkerUnreachable = errors.New("worker output unreachable")

	// ErrTerminationTimeout marks a worker that ignored the graceful stop signal.
	// It is recovered internally by a forceful kill and only ever logged.
	ErrTerminationTimeout = errors.New("worker did not exit within the stop timeout")
)

// LaunchError reports that a worker could not be launched: the encoder binary
// is missing, or the process exited before its launch grace period elapsed.
type LaunchError struct {
	ID  StreamID
	Err error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch worker for %s: %v", e.ID, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// UpstreamFetchError reports that the metadata source or the artwork source
// was unreachable or returned something unusable.
type UpstreamFetchError struct {
	URL string
	Err error
}

func (e *UpstreamFetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *UpstreamFetchError) Unwrap() error {
	return e.Err
}

// IsLaunchError reports whether err carries a *LaunchError.
func IsLaunchError(err error) bool {
	var le *LaunchError
	return errors.As(err, &le)
}
