// Package dispatch runs the worker pool that claims jobs from the queue,
// resolves modules through the registry, and executes them under a hard
// wall-clock budget.
//
// Workers coordinate only through the queue's claim semantics; there is no
// shared in-memory state between them. A worker that receives a shutdown
// request finishes the job it holds, stops claiming, and exits. Any defect
// inside a module's Run, whether an error or a panic, is converted at the dispatch
// boundary into a job failure; the worker itself survives.
package dispatch
