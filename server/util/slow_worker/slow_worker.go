// Package slow_worker runs at most one background task at a time. Asking it
// to run a task while another one is in flight is a no-op, which suits
// periodic maintenance work such as cache cleaning.
package slow_worker

import (
	"sync"

	"github.com/buildbuddy-io/contentcache/server/util/log"
	"go.uber.org/atomic"
)

type Worker struct {
	name string
	log  log.Logger
	busy *atomic.Bool

	mu       sync.Mutex
	current  chan struct{}
	shutDown bool
}

func New(name string) *Worker {
	return &Worker{
		name: name,
		log:  log.NamedSubLogger(name),
		busy: atomic.NewBool(false),
	}
}

func (w *Worker) Name() string {
	return w.name
}

// RunIfNotBusy starts fn in the background unless a task is already running
// or the worker has been shut down. It reports whether fn was started.
func (w *Worker) RunIfNotBusy(fn func()) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.shutDown {
		return false
	}
	if !w.busy.CompareAndSwap(false, true) {
		return false
	}
	done := make(chan struct{})
	w.current = done
	go func() {
		defer func() {
			w.busy.Store(false)
			close(done)
		}()
		fn()
	}()
	return true
}

func (w *Worker) IsBusy() bool {
	return w.busy.Load()
}

// Wait blocks until the task in flight, if any, has returned.
func (w *Worker) Wait() {
	w.mu.Lock()
	done := w.current
	w.mu.Unlock()
	if done != nil {
		<-done
	}
}

// ShutDown stops accepting new tasks and waits for the running one.
func (w *Worker) ShutDown() {
	w.mu.Lock()
	w.shutDown = true
	w.mu.Unlock()
	if w.IsBusy() {
		w.log.Debugf("Waiting for the current task to finish")
	}
	w.Wait()
}
