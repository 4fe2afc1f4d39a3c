package notifications

import (
	"context"
	"sync"

	"besitos-engine/logger"
)

// AsyncNotifier decouples request paths from slow sinks with a bounded queue.
// When the queue is full the notification is dropped and logged.
type AsyncNotifier struct {
	log   *logger.Logger
	next  Notifier
	queue chan Notification

	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

func NewAsyncNotifier(log *logger.Logger, next Notifier, size int) *AsyncNotifier {
	if size <= 0 {
		size = 256
	}
	return &AsyncNotifier{
		log:   log.With("component", "AsyncNotifier"),
		next:  next,
		queue: make(chan Notification, size),
		stop:  make(chan struct{}),
	}
}

func (a *AsyncNotifier) Start(ctx context.Context) {
	a.wg.Add(1)
	go a.run(ctx)
}

func (a *AsyncNotifier) run(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case n := <-a.queue:
			a.next.Notify(ctx, n)
		case <-a.stop:
			a.drain(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (a *AsyncNotifier) drain(ctx context.Context) {
	for {
		select {
		case n := <-a.queue:
			a.next.Notify(ctx, n)
		default:
			return
		}
	}
}

func (a *AsyncNotifier) Notify(_ context.Context, n Notification) {
	select {
	case a.queue <- n:
	default:
		a.log.Warn("notification queue full; dropping", "kind", n.Kind, "account_id", n.AccountID)
	}
}

// Stop delivers what is queued and waits for the worker to exit.
func (a *AsyncNotifier) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
	a.wg.Wait()
}
