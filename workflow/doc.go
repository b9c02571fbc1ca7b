// Package workflow implements the durable step executor: workflow
// definitions, runs, step records, the ledger contract, retry policies,
// and the runner that drives a program to a terminal state.
//
// A workflow program is decomposed into named steps. Each step's
// outcome is recorded exactly once in the ledger; replaying the program
// from the start short-circuits every already-succeeded step, which is
// what makes resumption after a crash safe.
package workflow
