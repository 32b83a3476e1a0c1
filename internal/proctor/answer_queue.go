package proctor

import (
	"context"
	"sync"
)

// answerQueue sends answer records to the remote one at a time, in the order
// their questions were first queued. A record still waiting to be sent is
// replaced by a newer edit of the same question, so the remote never sees an
// older value after a newer one.
type answerQueue struct {
	send  func(AnswerRecord)
	track *sync.WaitGroup

	mu      sync.Mutex
	order   []string
	pending map[string]AnswerRecord
	running bool
	idle    chan struct{}
}

func newAnswerQueue(send func(AnswerRecord), track *sync.WaitGroup) *answerQueue {
	return &answerQueue{
		send:    send,
		track:   track,
		pending: make(map[string]AnswerRecord),
	}
}

func (q *answerQueue) enqueue(rec AnswerRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, waiting := q.pending[rec.QuestionID]; !waiting {
		q.order = append(q.order, rec.QuestionID)
	}
	q.pending[rec.QuestionID] = rec

	if !q.running {
		q.running = true
		q.idle = make(chan struct{})
		q.track.Add(1)
		go q.drain()
	}
}

func (q *answerQueue) drain() {
	defer q.track.Done()
	for {
		q.mu.Lock()
		if len(q.order) == 0 {
			q.running = false
			close(q.idle)
			q.mu.Unlock()
			return
		}
		id := q.order[0]
		q.order = q.order[1:]
		rec := q.pending[id]
		delete(q.pending, id)
		q.mu.Unlock()

		q.send(rec)
	}
}

// wait blocks until nothing is queued or in flight, or ctx ends.
func (q *answerQueue) wait(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
