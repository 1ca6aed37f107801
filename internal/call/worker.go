package call

import "context"

// task is one side effect executed in submission order.
type task struct {
	name string

	// always tasks run even after the session context is cancelled, with
	// cancellation stripped. Used for audit writes at teardown.
	always bool

	run func(ctx context.Context)
}

// worker runs tasks one at a time so that call-control instructions for one
// call reach the provider in the order the state machine issued them.
type worker struct {
	box  *mailbox[task]
	done chan struct{}
}

func newWorker() *worker {
	return &worker{box: newMailbox[task](0, nil), done: make(chan struct{})}
}

func (w *worker) submit(t task) bool {
	return w.box.put(t)
}

// run executes tasks until the worker is closed and drained. Tasks that are
// not marked always are skipped once ctx is done.
func (w *worker) run(ctx context.Context) {
	defer close(w.done)
	for {
		<-w.box.ready()
		items, _, open := w.box.take()
		for _, t := range items {
			if t.always {
				t.run(context.WithoutCancel(ctx))
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			t.run(ctx)
		}
		if !open {
			return
		}
	}
}

// stop closes the queue and waits for queued tasks to finish.
func (w *worker) stop() {
	w.box.close()
	<-w.done
}
