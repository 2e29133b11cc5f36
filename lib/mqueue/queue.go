// Package mqueue implements the single-consumer message queue that hands inbound network messages to the NetDB and streaming
// engine worker loops (component A).
package mqueue

import (
	"container/list"
	"sync"
	"time"
)

// Queue is an unbounded FIFO of owned messages. Multiple producers may
// call Put concurrently; exactly one consumer goroutine is expected to
// drain it via GetWithTimeout/TryGet.
type Queue struct {
	mu     sync.Mutex
	items  *list.List
	signal chan struct{}
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{
		items:  list.New(),
		signal: make(chan struct{}, 1),
	}
}

// Put appends msg to the tail of the queue and wakes a waiting consumer.
func (q *Queue) Put(msg any) {
	q.mu.Lock()
	q.items.PushBack(msg)
	q.mu.Unlock()
	q.notify()
}

// TryGet returns the head of the queue without blocking. ok is false if
// the queue was empty.
func (q *Queue) TryGet() (msg any, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// GetWithTimeout blocks for up to d waiting for a message. It returns
// ok=false if d elapses, or if WakeUp is called while the queue remains
// empty — the caller is expected to check its own shutdown flag in that
// case and call GetWithTimeout again if it should keep running.
func (q *Queue) GetWithTimeout(d time.Duration) (msg any, ok bool) {
	deadline := time.Now().Add(d)
	for {
		q.mu.Lock()
		msg, ok = q.popLocked()
		q.mu.Unlock()
		if ok {
			return msg, true
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}

		timer := time.NewTimer(remaining)
		select {
		case <-q.signal:
			timer.Stop()
			q.mu.Lock()
			msg, ok = q.popLocked()
			q.mu.Unlock()
			if ok {
				return msg, true
			}
			return nil, false
		case <-timer.C:
			return nil, false
		}
	}
}

// WakeUp unblocks any goroutine currently parked in GetWithTimeout, even
// if the queue is empty. Used to let a worker observe a shutdown flag
// promptly instead of waiting out its full timeout.
func (q *Queue) WakeUp() {
	q.notify()
}

// Len reports the number of messages currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

func (q *Queue) popLocked() (any, bool) {
	front := q.items.Front()
	if front == nil {
		return nil, false
	}
	q.items.Remove(front)
	return front.Value, true
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
