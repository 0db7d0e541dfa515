package async

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNoActiveTasks is returned by FinishTask when the counter is
	// already at zero.
	ErrNoActiveTasks = errors.New("async: finish called with no active tasks")
	// ErrWaitTimeout is returned by WaitForZero when the counter does
	// not reach zero within the given timeout.
	ErrWaitTimeout = errors.New("async: timed out waiting for tasks to finish")
)

// TaskCounter counts outstanding background tasks and lets a caller
// block until all of them have finished. Unlike sync.WaitGroup it can
// be observed and waited on with a timeout while tasks are still being
// added.
type TaskCounter struct {
	mu     sync.Mutex
	active int
	zeroed chan struct{} // closed when active drops to zero; replaced on reuse
}

// NewTaskCounter returns a counter with no active tasks.
func NewTaskCounter() *TaskCounter {
	c := &TaskCounter{zeroed: make(chan struct{})}
	close(c.zeroed)
	return c
}

// StartTask registers one more outstanding task.
func (c *TaskCounter) StartTask() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == 0 {
		c.zeroed = make(chan struct{})
	}
	c.active++
}

// FinishTask retires one outstanding task.
func (c *TaskCounter) FinishTask() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == 0 {
		return ErrNoActiveTasks
	}
	c.active--
	if c.active == 0 {
		close(c.zeroed)
	}
	return nil
}

// ActiveTaskCount returns the number of outstanding tasks.
func (c *TaskCounter) ActiveTaskCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// WaitForZero blocks until the counter reaches zero. A non-positive
// timeout waits forever.
func (c *TaskCounter) WaitForZero(timeout time.Duration) error {
	c.mu.Lock()
	ch := c.zeroed
	c.mu.Unlock()

	if timeout <= 0 {
		<-ch
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return ErrWaitTimeout
	}
}
