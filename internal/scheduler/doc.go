// Package scheduler admits, queues, dispatches and finalizes runs of stages.
//
// # How It Works
//
// Submit validates the stage, pins the upstream run of every artifact
// dependency and stores a queued run. Dispatch walks the FIFO queue once:
//  1. Skip stages already running at their concurrency limit
//  2. Acquire an idle agent whose capabilities cover the stage requirements
//  3. Mark the run running and start its goroutine
//
// The run goroutine prepares a workspace, materializes pinned upstream
// artifacts, executes the steps through the executor, publishes artifacts and
// records the final status. Finishing a run releases its agent and wakes the
// dispatcher.
//
// # Thread-Safety
//
// Admission, the concurrency check and dispatch all happen under a single
// mutex, so two submissions can never both take the last slot of a stage.
// Listeners are called outside the lock and may submit new runs.
package scheduler
