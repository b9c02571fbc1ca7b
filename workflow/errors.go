package workflow

import "fmt"

// StepError reports that a step exhausted its retry budget. It names
// the failed step and wraps the underlying cause; unless the program
// tolerates it, the error terminates the owning run as failed.
type StepError struct {
	Workflow string
	Step     string
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("workflow %s step %q failed after %d attempt(s): %v",
		e.Workflow, e.Step, e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
