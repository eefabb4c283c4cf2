package transport

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry is the handler table behind a Channel. Handlers for the same
// event run in the order they were subscribed.
type Registry struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string]map[uint64]Handler
}

// NewRegistry creates an empty handler table.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]map[uint64]Handler),
	}
}

// Subscribe adds a handler for event.
func (r *Registry) Subscribe(event string, handler Handler) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	if r.handlers[event] == nil {
		r.handlers[event] = make(map[uint64]Handler)
	}
	r.handlers[event][id] = handler

	logrus.WithFields(logrus.Fields{
		"function": "Subscribe",
		"event":    event,
		"handler":  id,
	}).Debug("Handler registered")

	return &registration{registry: r, event: event, id: id}
}

// Dispatch invokes every handler registered for event with data.
// It returns the number of handlers invoked.
func (r *Registry) Dispatch(event string, data json.RawMessage) int {
	r.mu.RLock()
	table := r.handlers[event]
	ids := make([]uint64, 0, len(table))
	for id := range table {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, table[id])
	}
	r.mu.RUnlock()

	if len(handlers) == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Dispatch",
			"event":    event,
		}).Debug("No handler registered for event")
		return 0
	}

	for _, h := range handlers {
		h(data)
	}
	return len(handlers)
}

// HandlerCount reports how many handlers are registered for event.
func (r *Registry) HandlerCount(event string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[event])
}

// TotalHandlers reports how many handlers are registered across all events.
func (r *Registry) TotalHandlers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, table := range r.handlers {
		total += len(table)
	}
	return total
}

func (r *Registry) remove(event string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	table := r.handlers[event]
	if table == nil {
		return
	}
	delete(table, id)
	if len(table) == 0 {
		delete(r.handlers, event)
	}
}

type registration struct {
	registry *Registry
	event    string
	id       uint64
	once     sync.Once
}

func (s *registration) Unsubscribe() {
	s.once.Do(func() {
		s.registry.remove(s.event, s.id)
	})
}
