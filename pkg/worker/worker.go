// Package worker implements the Worker Pool (spec §4.C4): a bounded FIFO
// queue of Tasks drained by a fixed set of worker goroutines, each running
// a task to completion under a hard wall-clock timeout and reporting the
// outcome through the Status Tracker and Result Store.
package worker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meshcore/meshnode/pkg/errkind"
	"github.com/meshcore/meshnode/pkg/events"
	"github.com/meshcore/meshnode/pkg/log"
	"github.com/meshcore/meshnode/pkg/metrics"
	"github.com/meshcore/meshnode/pkg/results"
	"github.com/meshcore/meshnode/pkg/status"
	"github.com/meshcore/meshnode/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultWorkerCount and queueCapacityMultiplier mirror spec §4.C4's
// defaults: 4 workers, queue capacity = max_concurrent_tasks * 4.
const (
	DefaultWorkerCount      = 4
	queueCapacityMultiplier = 4
)

// Adapter runs a single task's inference and returns its output or an
// error. Implementations must respect ctx's deadline and return promptly
// once it's cancelled; the Pool does not kill adapter goroutines, it only
// stops waiting on them.
type Adapter interface {
	Run(ctx context.Context, task types.Task) ([]byte, error)
}

// AdapterFunc adapts a plain function to Adapter.
type AdapterFunc func(ctx context.Context, task types.Task) ([]byte, error)

func (f AdapterFunc) Run(ctx context.Context, task types.Task) ([]byte, error) {
	return f(ctx, task)
}

// Pool is the bounded-concurrency task executor. Submit enqueues a Task
// for execution by one of a fixed set of worker goroutines; Start must be
// called once before Submit and Stop once to drain and release workers.
type Pool struct {
	adapter Adapter
	tracker *status.Tracker
	store   *results.Store
	bus     *events.Bus
	logger  zerolog.Logger
	nodeID  string
	now     func() time.Time

	queue chan types.Task

	mu      sync.Mutex
	taskMu  map[string]*sync.Mutex // serialises status+result writes per task_id
	busy    int
	stopped bool

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New constructs a Pool with workerCount workers (DefaultWorkerCount if
// <= 0) and a queue sized queueCapacityMultiplier * max(workerCount, 1).
func New(adapter Adapter, tracker *status.Tracker, store *results.Store, bus *events.Bus, nodeID string, workerCount int, now func() time.Time) *Pool {
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}
	if now == nil {
		now = time.Now
	}
	return &Pool{
		adapter: adapter,
		tracker: tracker,
		store:   store,
		bus:     bus,
		logger:  log.WithComponent("worker"),
		nodeID:  nodeID,
		now:     now,
		queue:   make(chan types.Task, workerCount*queueCapacityMultiplier),
		taskMu:  make(map[string]*sync.Mutex),
	}
}

// Start launches the fixed worker goroutine set. Calling Start twice is a
// programmer error.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	p.group = g

	workers := cap(p.queue) / queueCapacityMultiplier
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			p.runWorker(gctx)
			return nil
		})
	}
	p.logger.Info().Int("workers", workers).Int("queue_capacity", cap(p.queue)).Msg("worker pool started")
}

// Stop cancels in-flight adapter invocations and waits for every worker
// goroutine to return.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	if p.group != nil {
		_ = p.group.Wait()
	}
	p.logger.Info().Msg("worker pool stopped")
}

// Submit enqueues task, first recording its QUEUED status. Returns
// errkind.Backpressure if the queue is full rather than blocking or
// dropping the task, per spec §4.C4.
func (p *Pool) Submit(task types.Task) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return errkind.New(errkind.NodeShuttingDown)
	}
	p.mu.Unlock()

	select {
	case p.queue <- task:
		p.tracker.Queued(task.TaskID)
		metrics.TaskQueueDepth.Set(float64(len(p.queue)))
		return nil
	default:
		return errkind.New(errkind.Backpressure)
	}
}

func (p *Pool) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			metrics.TaskQueueDepth.Set(float64(len(p.queue)))
			p.execute(ctx, task)
		}
	}
}

// execute runs one task end to end: RUNNING transition, adapter
// invocation under a hard timeout, terminal transition and result write.
// Status updates and the result write for a given task_id are serialised
// via a per-task mutex, per spec §4.C4's concurrency contract.
func (p *Pool) execute(ctx context.Context, task types.Task) {
	lock := p.taskLock(task.TaskID)
	lock.Lock()
	defer lock.Unlock()
	defer p.releaseTaskLock(task.TaskID)

	p.mu.Lock()
	p.busy++
	p.mu.Unlock()
	metrics.WorkerBusyTotal.Set(float64(p.busy))
	defer func() {
		p.mu.Lock()
		p.busy--
		p.mu.Unlock()
		metrics.WorkerBusyTotal.Set(float64(p.busy))
	}()

	if err := p.tracker.Running(task.TaskID); err != nil {
		p.logger.Warn().Err(err).Str("task_id", task.TaskID).Msg("dropping task: status transition to RUNNING rejected")
		return
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = types.DefaultTimeout
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	timer := metrics.NewTimer()
	output, err := p.adapter.Run(taskCtx, task)
	duration := timer.Duration()
	metrics.TaskExecutionDuration.Observe(duration.Seconds())

	completedAt := p.now()

	switch {
	case taskCtx.Err() == context.DeadlineExceeded:
		metrics.TaskOutcomesTotal.WithLabelValues("timeout").Inc()
		if err := p.tracker.TimedOut(task.TaskID); err != nil {
			p.logger.Warn().Err(err).Str("task_id", task.TaskID).Msg("status transition to TIMEOUT rejected")
		}
		p.putResult(task, types.TaskTimeout, nil, duration, completedAt)

	case taskCtx.Err() == context.Canceled:
		metrics.TaskOutcomesTotal.WithLabelValues("failed").Inc()
		if statusErr := p.tracker.Failed(task.TaskID, errkind.ShutdownForced, "task forcibly cancelled during shutdown"); statusErr != nil {
			p.logger.Warn().Err(statusErr).Str("task_id", task.TaskID).Msg("status transition to FAILED rejected")
		}
		p.putResult(task, types.TaskFailed, nil, duration, completedAt)

	case err != nil:
		metrics.TaskOutcomesTotal.WithLabelValues("failed").Inc()
		kind := errkind.Internal
		var e *errkind.Error
		if ok := asErrkind(err, &e); ok {
			kind = e.Kind
		}
		if statusErr := p.tracker.Failed(task.TaskID, kind, err.Error()); statusErr != nil {
			p.logger.Warn().Err(statusErr).Str("task_id", task.TaskID).Msg("status transition to FAILED rejected")
		}
		p.putResult(task, types.TaskFailed, nil, duration, completedAt)

	default:
		metrics.TaskOutcomesTotal.WithLabelValues("completed").Inc()
		if err := p.tracker.Completed(task.TaskID); err != nil {
			p.logger.Warn().Err(err).Str("task_id", task.TaskID).Msg("status transition to COMPLETED rejected")
		}
		p.putResult(task, types.TaskCompleted, output, duration, completedAt)
	}
}

func (p *Pool) putResult(task types.Task, outcome types.TaskStatusKind, output []byte, duration time.Duration, completedAt time.Time) {
	rec := types.ResultRecord{
		TaskID:            task.TaskID,
		ExecutingNodeID:   p.nodeID,
		Kind:              task.Kind,
		Status:            outcome,
		Output:            output,
		ExecutionDuration: duration,
		CompletedAt:       completedAt,
	}
	if err := p.store.Put(rec); err != nil {
		p.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("failed to persist result record")
	}
}

func (p *Pool) taskLock(taskID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.taskMu[taskID]
	if !ok {
		l = &sync.Mutex{}
		p.taskMu[taskID] = l
	}
	return l
}

func (p *Pool) releaseTaskLock(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.taskMu, taskID)
}

// QueueDepth and BusyCount back the metrics.Collector's Sources closures.
func (p *Pool) QueueDepth() int {
	return len(p.queue)
}

func (p *Pool) BusyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

func asErrkind(err error, target **errkind.Error) bool {
	for err != nil {
		if e, ok := err.(*errkind.Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
