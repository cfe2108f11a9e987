package core

import (
	"container/heap"
	"errors"
)

// LocalityTier ranks how close a candidate's input is to a worker (lower is better).
type LocalityTier int

const (
	LocalityWorker      LocalityTier = 0
	LocalityRack        LocalityTier = 1
	LocalityAny         LocalityTier = 2
	LocalitySpeculative LocalityTier = 3
)

func (t LocalityTier) String() string {
	switch t {
	case LocalityWorker:
		return "worker"
	case LocalityRack:
		return "rack"
	case LocalityAny:
		return "any"
	case LocalitySpeculative:
		return "speculative"
	}
	return "unknown"
}

// ErrQueueEmpty is returned when Pop() is called on an empty queue.
var ErrQueueEmpty = errors.New("candidate queue is empty")

// Candidate is a task the scheduler may hand to a worker.
type Candidate struct {
	TaskID      TaskID
	Tier        LocalityTier
	Priority    JobPriority
	Seq         uint64
	Speculative bool
}

// CandidateQueue is a min-heap over candidates: locality tier first, then job
// priority (highest first), then task submission order (oldest first).
// It is not safe for concurrent use; the scheduler builds one per assignment.
type CandidateQueue struct {
	pq candidateHeap
}

func NewCandidateQueue(candidates ...Candidate) *CandidateQueue {
	pq := make(candidateHeap, len(candidates))
	copy(pq, candidates)
	heap.Init(&pq)
	return &CandidateQueue{pq: pq}
}

func (q *CandidateQueue) Push(c Candidate) {
	heap.Push(&q.pq, c)
}

func (q *CandidateQueue) Pop() (Candidate, error) {
	if q.pq.Len() == 0 {
		return Candidate{}, ErrQueueEmpty
	}
	return heap.Pop(&q.pq).(Candidate), nil
}

func (q *CandidateQueue) Len() int {
	return q.pq.Len()
}

// candidateHeap satisfies heap.Interface.
type candidateHeap []Candidate

func (pq candidateHeap) Len() int {
	return len(pq)
}

func (pq candidateHeap) Less(i, j int) bool {
	a, b := pq[i], pq[j]
	if a.Tier != b.Tier {
		return a.Tier < b.Tier
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Seq < b.Seq
}

func (pq candidateHeap) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
}

func (pq *candidateHeap) Push(x any) {
	*pq = append(*pq, x.(Candidate))
}

func (pq *candidateHeap) Pop() any {
	old := *pq
	n := len(old)
	c := old[n-1]
	*pq = old[:n-1]
	return c
}
