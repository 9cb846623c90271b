// Package probe contains the protocol workers: the concurrent units that own
// a transport connection for one monitor and emit normalized envelopes to the
// monitor's coordinator.
//
// Each protocol registers a tag, a field schema, and a worker factory at
// program init. The supervisor discovers installed protocols through
// Schemas() and constructs workers through New(); adding a transport never
// touches the core.
package probe

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/argos-watch/argos/pkg/envelope"
	"github.com/argos-watch/argos/pkg/schema"
	"go.uber.org/zap"
)

// Command is the kind of recovery action a coordinator sends to a worker.
type Command string

const (
	CommandRetry    Command = "retry"
	CommandShutdown Command = "shutdown"
)

// RecoveryAction is the coordinator's reply to an operational failure.
type RecoveryAction struct {
	Command Command
	Delay   time.Duration // next-probe delay, set for retry only
}

// Retry builds a retry action with the given delay.
func Retry(delay time.Duration) RecoveryAction {
	return RecoveryAction{Command: CommandRetry, Delay: delay}
}

// Shutdown builds a shutdown action.
func Shutdown() RecoveryAction {
	return RecoveryAction{Command: CommandShutdown}
}

// Worker is the contract every protocol variant implements.
//
// Start launches the collection loop and returns immediately. The worker
// emits envelopes to its coordinator's sink exclusively; after emitting an
// error envelope it must not schedule further probes until it receives a
// Recover command. Done is closed when the worker has fully terminated.
type Worker interface {
	Start()
	Recover(action RecoveryAction)
	Done() <-chan struct{}
}

// Factory constructs a worker from a validated, typed protocol config.
type Factory func(monitorID string, cfg map[string]any, sink chan<- envelope.Envelope, logger *zap.Logger) (Worker, error)

type protocol struct {
	schema  []schema.Field
	factory Factory
}

var (
	mu        sync.RWMutex
	protocols = make(map[string]protocol)
)

// RegisterProtocol installs a protocol variant under tag. Called from init()
// in each worker file; panics on duplicate tags since that is a programming
// error, not an operator error.
func RegisterProtocol(tag string, fields []schema.Field, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := protocols[tag]; exists {
		panic(fmt.Sprintf("probe: protocol %q registered twice", tag))
	}
	protocols[tag] = protocol{schema: fields, factory: factory}
}

// Schemas returns the protocol tag -> field schema table for every installed
// protocol. The config validator consumes this at startup.
func Schemas() map[string][]schema.Field {
	mu.RLock()
	defer mu.RUnlock()
	out := make(map[string][]schema.Field, len(protocols))
	for tag, p := range protocols {
		out[tag] = p.schema
	}
	return out
}

// Tags returns the installed protocol tags in sorted order.
func Tags() []string {
	mu.RLock()
	defer mu.RUnlock()
	tags := make([]string, 0, len(protocols))
	for tag := range protocols {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// New constructs a worker for the given protocol tag.
func New(tag, monitorID string, cfg map[string]any, sink chan<- envelope.Envelope, logger *zap.Logger) (Worker, error) {
	mu.RLock()
	p, ok := protocols[tag]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("probe: unknown protocol %q", tag)
	}
	return p.factory(monitorID, cfg, sink, logger)
}

// Typed config accessors. The validator guarantees types for schema-declared
// fields; these fall back to zero values for anything else.

func cfgString(cfg map[string]any, key string) string {
	s, _ := cfg[key].(string)
	return s
}

func cfgInt(cfg map[string]any, key string) int {
	switch n := cfg[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func cfgBool(cfg map[string]any, key string) bool {
	b, _ := cfg[key].(bool)
	return b
}

func cfgMap(cfg map[string]any, key string) map[string]any {
	m, _ := cfg[key].(map[string]any)
	return m
}

func cfgStrings(cfg map[string]any, key string) []string {
	items, _ := cfg[key].([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func cfgDuration(cfg map[string]any, key string) time.Duration {
	return time.Duration(cfgInt(cfg, key)) * time.Millisecond
}
