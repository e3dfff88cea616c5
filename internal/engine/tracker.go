package engine

import "sync/atomic"

// runTracker counts the outstanding tasks of one run. Exactly one call to
// done reports true: the one that resolves the last task.
type runTracker struct {
	remaining atomic.Int64
}

func newRunTracker(tasks int) *runTracker {
	t := &runTracker{}
	t.remaining.Store(int64(tasks))
	return t
}

func (t *runTracker) done() bool {
	return t.remaining.Add(-1) == 0
}

func (t *runTracker) outstanding() int64 {
	return t.remaining.Load()
}
