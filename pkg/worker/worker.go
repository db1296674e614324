package worker

import (
	"errors"
	"sync"
	"time"
)

// Errors that may occur when sending tasks to a worker.
var (
	ErrWorkerClosed  = errors.New("worker is closed")
	ErrWorkerTooBusy = errors.New("worker is already overloaded")
)

// Configuration for the worker.
type Config[T any] struct {
	// The size of the bounded channel.
	ChannelSize int
	// Timeout after which `OnTimeout` is called if no task arrived.
	Timeout time.Duration
	// A closure that is called once `Timeout` is reached.
	OnTimeout func()
	// A closure that is executed upon reception of a task.
	OnTask func(T)
}

// A single goroutine draining a bounded queue of tasks. Tasks are executed in
// the order they were sent.
type Worker[T any] struct {
	channel chan<- T
	mutex   sync.Mutex
	closed  bool
	done    <-chan struct{}
}

// Stops the worker unless already stopped. Tasks that are already queued are still executed.
func (w *Worker[T]) Stop() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if !w.closed {
		close(w.channel)
		w.closed = true
	}
}

// Returns a channel that is closed once the worker has executed its last task after `Stop()`.
func (w *Worker[T]) Done() <-chan struct{} {
	return w.done
}

// Sends a task to the worker without blocking. Fails if the queue is full or the worker is stopped.
func (w *Worker[T]) Send(task T) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return ErrWorkerClosed
	}

	// Never block the caller: that's the whole point of having a worker.
	select {
	case w.channel <- task:
		return nil
	default:
		return ErrWorkerTooBusy
	}
}

// Starts a worker that executes `c.OnTask` for each task and `c.OnTimeout` whenever no task has
// been received for `c.Timeout`. The worker runs until `Stop()` is called.
func StartWorker[T any](c Config[T]) *Worker[T] {
	incoming := make(chan T, c.ChannelSize)
	done := make(chan struct{})

	go func() {
		defer close(done)

		for {
			select {
			case task, ok := <-incoming:
				if !ok {
					return
				}
				c.OnTask(task)
			case <-time.After(c.Timeout):
				c.OnTimeout()
			}
		}
	}()

	return &Worker[T]{channel: incoming, done: done}
}
