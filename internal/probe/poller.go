package probe

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/argos-watch/argos/pkg/envelope"
	"go.uber.org/zap"
)

// pollFunc performs one probe and returns the resulting envelope. The poller
// fills in Meta.LastSuccess afterwards, so implementations may leave it zero.
type pollFunc func(lastSuccess time.Time) envelope.Envelope

// poller is the shared collection loop for poll-based workers (http, icmp,
// snmp). It owns the probe timer: first fire at t=0, then one interval after
// each success. After emitting an error envelope it stops scheduling and
// waits for a Recover command from the coordinator.
type poller struct {
	monitorID string
	interval  time.Duration
	poll      pollFunc
	sink      chan<- envelope.Envelope
	cmds      chan RecoveryAction
	done      chan struct{}
	logger    *zap.Logger

	lastSuccess time.Time // loop-goroutine state, never shared
}

func newPoller(monitorID string, interval time.Duration, poll pollFunc, sink chan<- envelope.Envelope, logger *zap.Logger) *poller {
	return &poller{
		monitorID: monitorID,
		interval:  interval,
		poll:      poll,
		sink:      sink,
		cmds:      make(chan RecoveryAction, 4),
		done:      make(chan struct{}),
		logger:    logger,
	}
}

// Start launches the collection loop and returns immediately.
func (p *poller) Start() {
	go p.run()
}

// Recover delivers a retry-or-shutdown command to the loop. Never blocks
// against a terminated worker.
func (p *poller) Recover(action RecoveryAction) {
	select {
	case p.cmds <- action:
	case <-p.done:
	}
}

// Done is closed once the loop has exited and all timers are released.
func (p *poller) Done() <-chan struct{} {
	return p.done
}

func (p *poller) run() {
	defer close(p.done)

	timer := time.NewTimer(0) // first probe at t=0
	defer timer.Stop()

	awaitingRecover := false

	for {
		select {
		case <-timer.C:
			env := p.safePoll()
			env.Meta.LastSuccess = p.lastSuccess
			if env.IsError() {
				awaitingRecover = true
			} else {
				p.lastSuccess = env.Timestamp
			}
			if !p.emit(env) {
				return
			}
			if !awaitingRecover {
				resetTimer(timer, p.interval)
			}

		case action := <-p.cmds:
			switch action.Command {
			case CommandRetry:
				awaitingRecover = false
				resetTimer(timer, action.Delay)
			case CommandShutdown:
				p.logger.Debug("worker shutting down",
					zap.String("monitor_id", p.monitorID))
				return
			}
		}
	}
}

// emit blocks until the coordinator accepts the envelope. A shutdown command
// arriving while blocked aborts delivery; retry commands cannot precede
// delivery of the error they answer and are dropped.
func (p *poller) emit(env envelope.Envelope) bool {
	for {
		select {
		case p.sink <- env:
			return true
		case action := <-p.cmds:
			if action.Command == CommandShutdown {
				return false
			}
		}
	}
}

// safePoll runs one probe, converting a panic in the probe path into an
// exception envelope instead of killing the worker silently.
func (p *poller) safePoll() (env envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			env = envelope.Failure(p.monitorID, envelope.ErrException, fmt.Sprint(r), map[string]any{
				"kind":  "panic",
				"error": fmt.Sprint(r),
			}, p.lastSuccess)
			env.Error.Stacktrace = stack
			p.logger.Error("probe panicked",
				zap.String("monitor_id", p.monitorID),
				zap.Any("panic", r),
			)
		}
	}()
	return p.poll(p.lastSuccess)
}

// resetTimer stops, drains, and re-arms a timer. Required before Reset on a
// timer whose channel may hold an undelivered tick.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
