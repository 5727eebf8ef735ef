package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/austindbirch/courier/internal/logging"
)

// Memory is an in-process delayed queue for tests and single-binary deployments
type Memory struct {
	mu     sync.Mutex
	items  messageHeap
	seq    uint64
	wake   chan struct{}
	now    func() time.Time
	logger *logging.Logger
}

func NewMemory() *Memory {
	return &Memory{
		wake:   make(chan struct{}, 1),
		now:    time.Now,
		logger: logging.New("courier-queue"),
	}
}

func (q *Memory) Enqueue(ctx context.Context, taskID int64, delay time.Duration) error {
	q.push(NewMessage(ctx, taskID, delay, q.now()))
	return nil
}

func (q *Memory) push(m Message) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.items, &heapItem{msg: m, seq: q.seq})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Memory) Depth(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

// Consume hands due messages to h one at a time until ctx is done
func (q *Memory) Consume(ctx context.Context, h Handler) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		m, wait, ok := q.next()
		if ok {
			if err := h(m.Context(ctx), m); err != nil {
				entry := q.logger.WithContext(ctx).WithTask(m.TaskID).WithError(err)
				if ShouldRedeliver(err) {
					entry.Warn("dispatch failed, redelivering")
					m.NotBefore = q.now().Add(redeliverDelay)
					q.push(m)
				} else {
					entry.Error("dispatch failed, dropping message")
				}
			}
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
		case <-timer.C:
		}
	}
}

// next pops the earliest message if it is due, otherwise reports how long to wait
func (q *Memory) next() (Message, time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Message{}, time.Hour, false
	}
	head := q.items[0]
	if wait := head.msg.Remaining(q.now()); wait > 0 {
		return Message{}, wait, false
	}
	heap.Pop(&q.items)
	return head.msg, 0, true
}

type heapItem struct {
	msg Message
	seq uint64
}

// messageHeap orders by due time, then by enqueue order
type messageHeap []*heapItem

func (h messageHeap) Len() int { return len(h) }
func (h messageHeap) Less(i, j int) bool {
	if !h[i].msg.NotBefore.Equal(h[j].msg.NotBefore) {
		return h[i].msg.NotBefore.Before(h[j].msg.NotBefore)
	}
	return h[i].seq < h[j].seq
}
func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *messageHeap) Push(x any)   { *h = append(*h, x.(*heapItem)) }
func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
