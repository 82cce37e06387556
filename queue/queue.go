// Package queue decouples the streaming session from the fan-out consumer.
// The producer side never blocks; consumers take items one at a time and
// acknowledge them, so a notification is only dropped after an explicit
// Forget or the configured retry budget is spent.
package queue

import (
	"sync/atomic"
	"time"

	"k8s.io/client-go/util/workqueue"

	"github.com/M1keZulu/3Commas-Discord/notify"
)

// Queue is an unbounded FIFO of notifications backed by a typed rate-limiting
// workqueue. Each pushed notification receives a monotonic sequence number;
// without it the workqueue would coalesce two pending notifications with
// identical text into one.
type Queue struct {
	q   workqueue.TypedRateLimitingInterface[notify.Notification]
	seq atomic.Uint64
}

func New(name string) *Queue {
	rl := workqueue.NewTypedMaxOfRateLimiter(
		workqueue.NewTypedItemExponentialFailureRateLimiter[notify.Notification](time.Second, 30*time.Second),
	)
	cfg := workqueue.TypedRateLimitingQueueConfig[notify.Notification]{Name: name}
	return &Queue{q: workqueue.NewTypedRateLimitingQueueWithConfig(rl, cfg)}
}

// Push assigns the next sequence number and enqueues the notification. It
// never blocks and returns the item as enqueued.
func (q *Queue) Push(n notify.Notification) notify.Notification {
	n.Seq = q.seq.Add(1)
	q.q.Add(n)
	return n
}

// Get blocks until an item is available or the queue is shut down.
func (q *Queue) Get() (notify.Notification, bool) {
	return q.q.Get()
}

// Done marks an item as processed. Every Get must be paired with Done.
func (q *Queue) Done(n notify.Notification) {
	q.q.Done(n)
}

// Forget clears the item's retry history.
func (q *Queue) Forget(n notify.Notification) {
	q.q.Forget(n)
}

// Retry re-enqueues the item with the rate limiter's backoff.
func (q *Queue) Retry(n notify.Notification) {
	q.q.AddRateLimited(n)
}

// NumRequeues reports how often the item has been retried.
func (q *Queue) NumRequeues(n notify.Notification) int {
	return q.q.NumRequeues(n)
}

// Len reports the number of items waiting to be consumed.
func (q *Queue) Len() int {
	return q.q.Len()
}

// ShutDown releases consumers blocked in Get.
func (q *Queue) ShutDown() {
	q.q.ShutDown()
}
