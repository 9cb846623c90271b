// Package dispatch implements the process-local subscriber registry: a
// many-to-many index from subscriber (rule) names to live inboxes, used by
// monitor coordinators to fan out normalized envelopes.
package dispatch

import (
	"sync"

	"github.com/argos-watch/argos/pkg/envelope"
	"go.uber.org/zap"
)

// Inbox is a subscriber's receive channel. Subscribers own their inbox and
// must keep draining it; dispatch never blocks on a full inbox.
type Inbox chan envelope.Message

type entry struct {
	id    uint64
	inbox Inbox
}

// Registry is the shared fan-out index. Register and Dispatch are safe for
// concurrent use and atomic with respect to each other.
type Registry struct {
	mu     sync.RWMutex
	subs   map[string][]entry // subscriber name -> live inboxes
	nextID uint64
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		subs:   make(map[string][]entry),
		logger: logger,
	}
}

// Register adds inbox under name and returns an unregister function.
// Registration is idempotent per (name, inbox) pair: registering the same
// inbox under the same name again is a no-op returning a function that
// removes the original entry.
func (r *Registry) Register(name string, inbox Inbox) (unregister func()) {
	r.mu.Lock()
	for _, e := range r.subs[name] {
		if e.inbox == inbox {
			id := e.id
			r.mu.Unlock()
			return func() { r.remove(name, id) }
		}
	}
	id := r.nextID
	r.nextID++
	r.subs[name] = append(r.subs[name], entry{id: id, inbox: inbox})
	r.mu.Unlock()

	r.logger.Debug("subscriber registered", zap.String("name", name))
	return func() { r.remove(name, id) }
}

// Dispatch delivers msg to every inbox currently registered under name.
// Delivery is best-effort: a full inbox is skipped so one slow subscriber
// never stalls the others. No registration under name is a silent drop.
func (r *Registry) Dispatch(name string, msg envelope.Message) {
	r.mu.RLock()
	targets := make([]entry, len(r.subs[name]))
	copy(targets, r.subs[name])
	r.mu.RUnlock()

	for _, e := range targets {
		select {
		case e.inbox <- msg:
		default:
			r.logger.Warn("subscriber inbox full, dropping message",
				zap.String("name", name),
				zap.String("monitor_id", msg.Envelope.MonitorID),
			)
		}
	}
}

// Subscribers returns the number of inboxes registered under name.
func (r *Registry) Subscribers(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[name])
}

// Names returns every subscriber name with at least one live inbox.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.subs))
	for name, entries := range r.subs {
		if len(entries) > 0 {
			names = append(names, name)
		}
	}
	return names
}

func (r *Registry) remove(name string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.subs[name]
	for i, e := range entries {
		if e.id == id {
			r.subs[name] = append(entries[:i], entries[i+1:]...)
			if len(r.subs[name]) == 0 {
				delete(r.subs, name)
			}
			return
		}
	}
}
