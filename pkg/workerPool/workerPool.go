// Package workerpool runs CPU bound jobs on a fixed set of goroutines.
//
// Jobs are grouped in rooms: a room owns a result channel sized for its
// jobs, so one caller can collect its results without seeing another
// caller's.
package workerpool

import (
	"errors"
	"runtime"
	"sync"
)

var ErrClosed = errors.New("workerpool: pool is closed")

type WorkerPool struct {
	config    Config
	taskQueue chan Task

	// mu orders Close after every pending send on taskQueue.
	mu     sync.RWMutex
	closed bool
}

type Config struct {
	WorkerCount  int
	GlobalBuffer int
}

type Room struct {
	closeOnce  sync.Once
	resultChan chan any
	wg         sync.WaitGroup
	wp         *WorkerPool
}

type Task struct {
	run  func() any
	room *Room
}

// NewWorkerPool starts the workers. WorkerCount defaults to the number of
// CPUs, GlobalBuffer to 1024 queued tasks.
func NewWorkerPool(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU()
	}
	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 1024
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan Task, config.GlobalBuffer),
	}
	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}
	return wp
}

func (wp *WorkerPool) worker() {
	for t := range wp.taskQueue {
		t.room.resultChan <- t.run()
		t.room.wg.Done()
	}
}

// Close stops the workers once the queued tasks are done. It waits for
// tasks that are being queued; later ones get ErrClosed.
func (wp *WorkerPool) Close() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.closed {
		return
	}
	wp.closed = true
	close(wp.taskQueue)
}

// CreateRoom returns a room whose result buffer holds size results.
func (wp *WorkerPool) CreateRoom(size int) *Room {
	return &Room{
		resultChan: make(chan any, size),
		wp:         wp,
	}
}

// NewTaskWaitForFreeSlot queues job, blocking while the global queue is
// full. The room must be collected concurrently once more than its buffer
// size of results are pending.
func (ro *Room) NewTaskWaitForFreeSlot(job func() any) error {
	ro.wp.mu.RLock()
	defer ro.wp.mu.RUnlock()

	if ro.wp.closed {
		return ErrClosed
	}
	ro.wg.Add(1)
	ro.wp.taskQueue <- Task{run: job, room: ro}
	return nil
}

// Collect waits for every queued task and returns the results in
// completion order.
func (ro *Room) Collect() []any {
	go ro.WaitAndClose()
	results := make([]any, 0, cap(ro.resultChan))
	for result := range ro.resultChan {
		results = append(results, result)
	}
	return results
}

// WaitAndClose closes the result channel after the last task finished.
func (ro *Room) WaitAndClose() {
	ro.wg.Wait()
	ro.closeOnce.Do(func() { close(ro.resultChan) })
}

type indexed[T any] struct {
	i   int
	val T
	err error
}

// Map runs fn for every index in [0, n) on the pool and returns the
// results in index order. The first error by index wins; all jobs still
// run to completion.
func Map[T any](wp *WorkerPool, n int, fn func(i int) (T, error)) ([]T, error) {
	out := make([]T, n)
	if n == 0 {
		return out, nil
	}

	room := wp.CreateRoom(n)
	for i := 0; i < n; i++ {
		i := i
		if err := room.NewTaskWaitForFreeSlot(func() any {
			v, err := fn(i)
			return indexed[T]{i: i, val: v, err: err}
		}); err != nil {
			room.WaitAndClose()
			return nil, err
		}
	}

	errs := make([]error, n)
	for _, r := range room.Collect() {
		res := r.(indexed[T])
		out[res.i] = res.val
		errs[res.i] = res.err
	}
	for _, err := range errs {
		if err != nil {
			return out, err
		}
	}
	return out, nil
}
