package scheduler

import "container/heap"

// txQueue is a stable priority queue: strict priority across bands,
// FIFO within a band by enqueue sequence.
type txQueue []*Transaction

var _ heap.Interface = (*txQueue)(nil)

func (q txQueue) Len() int { return len(q) }

func (q txQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority < q[j].Priority
	}
	return q[i].seq < q[j].seq
}

func (q txQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *txQueue) Push(x any) { *q = append(*q, x.(*Transaction)) }

func (q *txQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}
