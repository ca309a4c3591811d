// Package topic routes messages to subscribers by topic name.
package topic

import (
	"sync"

	"go.uber.org/zap"
)

// Subscriber receives messages published to the topics it is subscribed to.
// Send is called from the publishing goroutine, once per message, in publish order.
// Implementations must be comparable, typically a pointer.
type Subscriber[M any] interface {
	Send(msg M) error
}

// Hub is an in-memory topic router.
// Delivery to a subscriber happens in the order Publish was called for messages published from a single goroutine.
type Hub[M any] struct {
	log *zap.SugaredLogger

	mut    sync.RWMutex
	topics map[string]map[Subscriber[M]]struct{}
}

func NewHub[M any](log *zap.SugaredLogger) *Hub[M] {
	return &Hub[M]{
		log:    log,
		topics: map[string]map[Subscriber[M]]struct{}{},
	}
}

// Subscribe adds sub to topic, reporting false if it was already subscribed.
func (h *Hub[M]) Subscribe(topic string, sub Subscriber[M]) bool {
	h.mut.Lock()
	defer h.mut.Unlock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = map[Subscriber[M]]struct{}{}
		h.topics[topic] = subs
	}
	if _, ok := subs[sub]; ok {
		return false
	}
	subs[sub] = struct{}{}
	h.log.Debugw("subscribed", "Topic", topic, "Subscribers", len(subs))
	return true
}

func (h *Hub[M]) Unsubscribe(topic string, sub Subscriber[M]) {
	h.mut.Lock()
	defer h.mut.Unlock()
	h.unsubscribe(topic, sub)
}

func (h *Hub[M]) unsubscribe(topic string, sub Subscriber[M]) {
	subs, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
}

// UnsubscribeAll removes sub from every topic and returns the topics it was removed from.
func (h *Hub[M]) UnsubscribeAll(sub Subscriber[M]) []string {
	h.mut.Lock()
	defer h.mut.Unlock()
	var removed []string
	for topic, subs := range h.topics {
		if _, ok := subs[sub]; ok {
			removed = append(removed, topic)
		}
	}
	for _, topic := range removed {
		h.unsubscribe(topic, sub)
	}
	return removed
}

// Publish sends msg to every subscriber of topic and returns how many accepted it.
// Subscribers are snapshotted first so that a blocking Send does not hold up (un)subscribes.
func (h *Hub[M]) Publish(topic string, msg M) int {
	h.mut.RLock()
	subs := make([]Subscriber[M], 0, len(h.topics[topic]))
	for sub := range h.topics[topic] {
		subs = append(subs, sub)
	}
	h.mut.RUnlock()

	delivered := 0
	for _, sub := range subs {
		err := sub.Send(msg)
		if err != nil {
			h.log.Debugw("dropping message for subscriber", "Topic", topic, "Error", err)
			continue
		}
		delivered++
	}
	return delivered
}

func (h *Hub[M]) Subscribers(topic string) int {
	h.mut.RLock()
	defer h.mut.RUnlock()
	return len(h.topics[topic])
}
