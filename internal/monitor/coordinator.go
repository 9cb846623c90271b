package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/argos-watch/argos/internal/dispatch"
	"github.com/argos-watch/argos/internal/probe"
	"github.com/argos-watch/argos/pkg/envelope"
	"go.uber.org/zap"
)

// workerStopTimeout bounds how long a coordinator waits for its worker to
// acknowledge a shutdown before abandoning it.
const workerStopTimeout = 5 * time.Second

// Hooks are optional lifecycle callbacks, used by the metrics module. Nil
// fields are skipped.
type Hooks struct {
	EnvelopeDispatched func(monitorID string, isError bool)
	RetryScheduled     func(monitorID string)
	MonitorStopped     func(monitorID string)
}

func (h Hooks) dispatched(id string, isError bool) {
	if h.EnvelopeDispatched != nil {
		h.EnvelopeDispatched(id, isError)
	}
}

func (h Hooks) retried(id string) {
	if h.RetryScheduled != nil {
		h.RetryScheduled(id)
	}
}

func (h Hooks) stopped(id string) {
	if h.MonitorStopped != nil {
		h.MonitorStopped(id)
	}
}

// Coordinator owns exactly one protocol worker and that monitor's retry
// state. Its inbox is processed strictly sequentially, so envelopes reach
// every subscriber in emission order.
type Coordinator struct {
	monitor  Monitor
	registry *dispatch.Registry
	hooks    Hooks
	logger   *zap.Logger

	inbox  chan envelope.Envelope
	quit   chan struct{}
	done   chan struct{}
	worker probe.Worker

	stopOnce sync.Once

	retryCount int // loop-goroutine state
}

// NewCoordinator builds a coordinator for one validated monitor record.
func NewCoordinator(m Monitor, registry *dispatch.Registry, hooks Hooks, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		monitor:  m,
		registry: registry,
		hooks:    hooks,
		logger:   logger,
		inbox:    make(chan envelope.Envelope, 16),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start constructs the protocol worker and launches the event loop. The
// worker emits exclusively into this coordinator's inbox.
func (c *Coordinator) Start() error {
	w, err := probe.New(c.monitor.Type, c.monitor.Name, c.monitor.Config, c.inbox, c.logger)
	if err != nil {
		return fmt.Errorf("monitor %q: %w", c.monitor.Name, err)
	}
	c.worker = w
	c.worker.Start()
	go c.run()

	c.logger.Info("monitor started",
		zap.String("monitor_id", c.monitor.Name),
		zap.String("type", c.monitor.Type),
		zap.Strings("inform_to", c.monitor.InformTo),
	)
	return nil
}

// Stop requests shutdown. Safe to call multiple times; does not wait. Use
// Done to observe termination.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.quit) })
}

// Done is closed when the coordinator (and its worker) have terminated.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Name returns the monitor id this coordinator serves.
func (c *Coordinator) Name() string {
	return c.monitor.Name
}

func (c *Coordinator) run() {
	defer close(c.done)
	defer c.hooks.stopped(c.monitor.Name)

	for {
		select {
		case env := <-c.inbox:
			if env.IsError() {
				if !c.handleError(env) {
					return
				}
			} else {
				c.fanOut(envelope.TagData, env)
				c.retryCount = 0
			}

		case <-c.worker.Done():
			// Worker died without being commanded to: terminal for this monitor.
			c.logger.Error("worker terminated unexpectedly",
				zap.String("monitor_id", c.monitor.Name),
			)
			return

		case <-c.quit:
			c.worker.Recover(probe.Shutdown())
			c.awaitWorker()
			c.logger.Info("monitor stopped",
				zap.String("monitor_id", c.monitor.Name),
			)
			return
		}
	}
}

// handleError dispatches the error envelope before consulting the retry
// policy, so subscribers see every envelope regardless of the retry outcome.
// Returns false when the monitor is being abandoned.
func (c *Coordinator) handleError(env envelope.Envelope) bool {
	c.fanOut(envelope.TagError, env)

	action := Decide(c.retryCount, c.monitor.Policy)
	if action.Command == probe.CommandShutdown {
		c.logger.Error(fmt.Sprintf("Monitor %s shutting down after %d retries", c.monitor.Name, c.retryCount),
			zap.String("monitor_id", c.monitor.Name),
			zap.String("error_type", string(env.Error.Type)),
		)
		c.worker.Recover(action)
		c.awaitWorker()
		return false
	}

	attempt := c.retryCount + 1
	c.logger.Info(fmt.Sprintf("Calculated backoff delay: %dms for attempt %d", action.Delay.Milliseconds(), attempt),
		zap.String("monitor_id", c.monitor.Name),
		zap.String("strategy", string(c.monitor.Policy.Strategy)),
	)
	c.worker.Recover(action)
	c.retryCount++
	c.hooks.retried(c.monitor.Name)
	return true
}

func (c *Coordinator) fanOut(tag envelope.Tag, env envelope.Envelope) {
	msg := envelope.Message{Tag: tag, Envelope: env}
	for _, name := range c.monitor.InformTo {
		c.registry.Dispatch(name, msg)
	}
	c.hooks.dispatched(c.monitor.Name, env.IsError())
}

// awaitWorker waits (bounded) for the worker to acknowledge termination.
// The inbox keeps draining so a worker blocked on emit can exit; drained
// envelopes are discarded, not dispatched.
func (c *Coordinator) awaitWorker() {
	timeout := time.NewTimer(workerStopTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-c.worker.Done():
			return
		case <-c.inbox:
		case <-timeout.C:
			c.logger.Error("worker did not terminate in time, abandoning",
				zap.String("monitor_id", c.monitor.Name),
				zap.Duration("timeout", workerStopTimeout),
			)
			return
		}
	}
}
