// Package workerpool runs tasks on a fixed set of goroutines. Tasks are
// grouped in rooms so a caller can wait for exactly the work it submitted.
package workerpool

import (
	"runtime"
	"sync"
)

type WorkerPool struct {
	config    Config
	taskQueue chan func()
	closeOnce sync.Once
}

type Config struct {
	WorkerCount  int // defaults to 3 * NumCPU
	GlobalBuffer int // queued tasks before submitters block
}

// Room collects the results of the tasks submitted to it, in submission order.
type Room[T any] struct {
	wp *WorkerPool
	wg sync.WaitGroup

	mu      sync.Mutex
	results []T
	err     error
}

func NewWorkerPool(config Config) *WorkerPool { // A
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU() * 3
	}
	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 1024
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan func(), config.GlobalBuffer),
	}
	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}
	return wp
}

func (wp *WorkerPool) worker() { // A
	for run := range wp.taskQueue {
		run()
	}
}

// Close lets the workers exit once the queue drains. Submitting afterwards panics.
func (wp *WorkerPool) Close() { // A
	wp.closeOnce.Do(func() { close(wp.taskQueue) })
}

func CreateRoom[T any](wp *WorkerPool, size int) *Room[T] { // A
	return &Room[T]{wp: wp, results: make([]T, 0, size)}
}

// NewTaskWaitForFreeSlot queues job, blocking while the global buffer is full.
func (ro *Room[T]) NewTaskWaitForFreeSlot(job func() (T, error)) { // A
	ro.mu.Lock()
	idx := len(ro.results)
	var zero T
	ro.results = append(ro.results, zero)
	ro.mu.Unlock()

	ro.wg.Add(1)
	ro.wp.taskQueue <- func() {
		defer ro.wg.Done()
		res, err := job()

		ro.mu.Lock()
		defer ro.mu.Unlock()
		if err != nil {
			if ro.err == nil {
				ro.err = err
			}
			return
		}
		ro.results[idx] = res
	}
}

// Collect waits for every submitted task. It returns the first error any task
// reported, otherwise all results in submission order.
func (ro *Room[T]) Collect() ([]T, error) { // A
	ro.wg.Wait()

	ro.mu.Lock()
	defer ro.mu.Unlock()
	if ro.err != nil {
		return nil, ro.err
	}
	return ro.results, nil
}
