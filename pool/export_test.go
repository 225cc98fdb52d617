package pool

// MarkCanceled performs the state change of Cancel without posting its
// handler, leaving the pool to notice the canceled task on its own.
func MarkCanceled(t *QueuedTask) bool {
	if !t.transition(TaskQueued, TaskCanceled) {
		return false
	}
	t.pool.queuedCount.Add(-1)
	return true
}
