package executor

import (
	"github.com/yarosdev/modbusdb/transaction"
)

// queuedTask pairs a constructed Transaction with the channel its caller
// is waiting on. seq breaks ties between equal-priority tasks so the
// queue is FIFO within a priority band (§5).
type queuedTask struct {
	tx       *transaction.Transaction
	resultCh chan *transaction.Transaction
	seq      int
}

// taskQueue is a container/heap.Interface implementation ordered by
// descending priority, then ascending seq.
type taskQueue []*queuedTask

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].tx.Priority != q[j].tx.Priority {
		return q[i].tx.Priority > q[j].tx.Priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) {
	*q = append(*q, x.(*queuedTask))
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}
