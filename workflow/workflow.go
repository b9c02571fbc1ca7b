package workflow

// Definition is a typed workflow definition with a handler function.
// T is the input type and R the result type; both must be
// JSON-serializable (inputs and outputs are stored on the Run).
type Definition[T, R any] struct {
	// Name is the unique identifier for this workflow type.
	Name string

	// Version tags the handler. Zero is treated as version 1. New runs
	// pin the latest registered version; resumed runs keep theirs.
	Version int

	// Handler is the function that executes the workflow logic. It
	// receives a *Workflow which provides Step, StepWithResult,
	// Parallel, and Sleep, and returns the run's terminal result.
	Handler func(wf *Workflow, input T) (R, error)
}

// NewWorkflow creates a typed workflow definition.
func NewWorkflow[T, R any](name string, handler func(wf *Workflow, input T) (R, error)) *Definition[T, R] {
	return &Definition[T, R]{
		Name:    name,
		Handler: handler,
	}
}
