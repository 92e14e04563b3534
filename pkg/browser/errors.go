package browser

import (
	"fmt"

	"github.com/choraleia/chromepool/pkg/cdp"
)

// ErrInstanceClosed is returned for operations on a terminated instance. It
// matches cdp.ErrDisconnected.
var ErrInstanceClosed = fmt.Errorf("browser instance closed: %w", cdp.ErrDisconnected)

// LaunchError reports a browser process that failed to start or whose
// DevTools endpoint never became reachable.
type LaunchError struct {
	Executable string
	Stage      string
	Err        error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %s: %v", e.Executable, e.Stage, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// EvaluationError is an exception thrown by evaluated script.
type EvaluationError struct {
	Description string
	Line        int
	Column      int
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluation failed at %d:%d: %s", e.Line, e.Column, e.Description)
}

// NavigationError reports a navigation the page could not complete.
type NavigationError struct {
	URL    string
	Reason string
	Err    error
}

func (e *NavigationError) Error() string {
	switch {
	case e.Reason != "" && e.Err != nil:
		return fmt.Sprintf("navigate to %s: %s: %v", e.URL, e.Reason, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("navigate to %s: %s", e.URL, e.Reason)
	default:
		return fmt.Sprintf("navigate to %s: %v", e.URL, e.Err)
	}
}

func (e *NavigationError) Unwrap() error { return e.Err }
