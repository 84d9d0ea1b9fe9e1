package build

import (
	"errors"
	"fmt"

	"github.com/splax/statikk/internal/domain"
)

var (
	ErrProjectNotFound     = errors.New("project not found")
	ErrBuildNotFound       = errors.New("build not found")
	ErrUnauthorized        = errors.New("you're not allowed to manage builds of this project")
	ErrNotRunning          = errors.New("build is not running")
	ErrAlreadyRunning      = errors.New("a build is already running for this project")
	ErrDispatchFailed      = errors.New("build command could not be dispatched")
	ErrDispatchUnavailable = errors.New("build service unavailable")
)

// DispatchError reports a start command that failed to publish after the
// build record was created. The build stays RUNNING.
type DispatchError struct {
	Build *domain.Build
	Err   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch build %s: %v", e.Build.ID, e.Err)
}

func (e *DispatchError) Unwrap() []error {
	return []error{ErrDispatchFailed, e.Err}
}
