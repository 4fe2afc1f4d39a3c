package notifications

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"besitos-engine/logger"
)

// Subscription receives the notifications of one account.
type Subscription struct {
	ID        string
	AccountID string
	C         <-chan Notification

	out chan Notification
}

// Broker fans notifications out to in-process subscribers (the SSE stream).
// Slow subscribers lose messages instead of blocking the publisher.
type Broker struct {
	mu     sync.RWMutex
	log    *logger.Logger
	subs   map[string]map[string]*Subscription
	buffer int
}

func NewBroker(log *logger.Logger, buffer int) *Broker {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broker{
		log:    log.With("component", "NotificationBroker"),
		subs:   make(map[string]map[string]*Subscription),
		buffer: buffer,
	}
}

func (b *Broker) Subscribe(accountID string) *Subscription {
	out := make(chan Notification, b.buffer)
	sub := &Subscription{ID: uuid.NewString(), AccountID: accountID, C: out, out: out}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[accountID] == nil {
		b.subs[accountID] = make(map[string]*Subscription)
	}
	b.subs[accountID][sub.ID] = sub
	return sub
}

// Unsubscribe closes the subscription channel. Safe to call twice.
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	byID, ok := b.subs[sub.AccountID]
	if !ok {
		return
	}
	if _, ok := byID[sub.ID]; !ok {
		return
	}
	delete(byID, sub.ID)
	if len(byID) == 0 {
		delete(b.subs, sub.AccountID)
	}
	close(sub.out)
}

func (b *Broker) Notify(_ context.Context, n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[n.AccountID] {
		select {
		case sub.out <- n:
		default:
			b.log.Warn("dropping notification; subscriber buffer full", "subscription", sub.ID, "kind", n.Kind)
		}
	}
}

// Subscribers counts live subscriptions for an account.
func (b *Broker) Subscribers(accountID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[accountID])
}
