// Package stepflow provides a durable step executor for Go. A workflow
// program is an ordinary Go function decomposed into named steps; each
// step's outcome is durably recorded exactly once, so replaying the
// program after a crash or redeploy skips every already-completed step
// and resumes where the run left off.
//
// Stepflow is a library, not a service. Import it, configure a ledger
// backend, and register workflow programs as ordinary Go functions.
//
// # Quick Start
//
//	eng, err := engine.New(engine.WithStore(memory.New()))
//	if err != nil { ... }
//	engine.RegisterWorkflow(eng, workflow.NewWorkflow("calc",
//	    func(wf *workflow.Workflow, in CalcInput) (CalcResult, error) {
//	        n, err := workflow.StepWithResult(wf, "add-one", func(ctx context.Context) (int, error) {
//	            return in.Number + 1, nil
//	        })
//	        ...
//	    }))
//	run, err := engine.StartRunSync(ctx, eng, "calc", CalcInput{Number: 5})
//
// # Architecture
//
// The root package defines the shared kernel (Entity, sentinel errors,
// ID aliases) imported by every subsystem. The workflow package holds
// the ledger contract, the step context, the retry policy, and the
// runner. Backends under store/ persist runs and step records to
// memory, SQLite, Postgres (pgx or bun), or Redis. The engine package
// wires everything together, and api exposes run management (start,
// status, steps, cancel) over HTTP.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package stepflow
