/*
Package worker implements the Worker Pool: a bounded FIFO queue fronting a
fixed set of worker goroutines (golang.org/x/sync/errgroup), each running
one Task to completion via a pluggable Adapter under a hard wall-clock
timeout. Status transitions are requested through pkg/status.Tracker and
results written through pkg/results.Store — the Pool never mutates either
directly. Submit returns errkind.Backpressure when the queue is full
instead of blocking the caller or dropping the task silently.
*/
package worker
