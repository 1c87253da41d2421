// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package queue models the hardware queues of the device. Every queue is one
// go routine calling the dispatcher for requests submitted to it, hence
// requests from different queues are processed in parallel.
package queue

import (
	"sync"

	"github.com/asch/ramblk/internal/ramblk/request"
)

// Anything processing one request synchronously can be used behind the
// queues.
type Processor interface {
	Process(r *request.Request) request.Status
}

// Queues is the set of hardware queue contexts with their tags, like a blk-mq
// tag set. Depth is the number of requests which can wait in one queue
// before the submitter blocks.
type Queues struct {
	proc Processor

	// One channel per hardware queue context.
	contexts []chan job

	// Guards stopped and the channels against closing while somebody
	// sends.
	mu      sync.RWMutex
	stopped bool

	wg sync.WaitGroup
}

// Internal structure for wrapping the request into channel communication.
type job struct {
	r    *request.Request
	done chan request.Status
}

// Returns running queues which can be directly used. It immediately spawns
// one go routine per hardware queue.
func New(p Processor, hwQueues, depth int) *Queues {
	q := &Queues{
		proc:     p,
		contexts: make([]chan job, hwQueues),
	}

	for i := range q.contexts {
		q.contexts[i] = make(chan job, depth)
		q.wg.Add(1)
		go q.worker(q.contexts[i])
	}

	return q
}

// Len returns the number of hardware queues.
func (q *Queues) Len() int {
	return len(q.contexts)
}

// Submit puts the request to the queue selected by its tag and waits for the
// completion. Requests submitted after Stop fail immediately.
func (q *Queues) Submit(r *request.Request) request.Status {
	done := make(chan request.Status, 1)

	q.mu.RLock()
	if q.stopped {
		q.mu.RUnlock()
		return request.IOError
	}
	q.contexts[r.Tag%uint64(len(q.contexts))] <- job{r, done}
	q.mu.RUnlock()

	return <-done
}

// Stop waits for all queued requests and stops the workers.
func (q *Queues) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	for _, c := range q.contexts {
		close(c)
	}
	q.mu.Unlock()

	q.wg.Wait()
}

// Worker just calls Process() on the processor provided in New().
func (q *Queues) worker(c chan job) {
	defer q.wg.Done()

	for j := range c {
		j.done <- q.proc.Process(j.r)
	}
}
