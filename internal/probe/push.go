package probe

import (
	"time"

	"github.com/argos-watch/argos/pkg/envelope"
)

// pushBase carries the mailbox machinery shared by push-based workers (mqtt,
// websocket): the coordinator sink, the command channel, and the
// emit / await-recover primitives. The embedding worker owns the run loop.
type pushBase struct {
	sink chan<- envelope.Envelope
	cmds chan RecoveryAction
	done chan struct{}

	lastSuccess time.Time // run-loop state, never shared
}

func newPushBase(sink chan<- envelope.Envelope) pushBase {
	return pushBase{
		sink: sink,
		cmds: make(chan RecoveryAction, 4),
		done: make(chan struct{}),
	}
}

// Recover delivers a retry-or-shutdown command to the run loop. Never blocks
// against a terminated worker.
func (b *pushBase) Recover(action RecoveryAction) {
	select {
	case b.cmds <- action:
	case <-b.done:
	}
}

// Done is closed once the run loop has exited.
func (b *pushBase) Done() <-chan struct{} {
	return b.done
}

// emit blocks until the coordinator accepts the envelope; a shutdown command
// arriving meanwhile aborts delivery and returns false.
func (b *pushBase) emit(env envelope.Envelope) bool {
	env.Meta.LastSuccess = b.lastSuccess
	if !env.IsError() {
		b.lastSuccess = env.Timestamp
	}
	for {
		select {
		case b.sink <- env:
			return true
		case action := <-b.cmds:
			if action.Command == CommandShutdown {
				return false
			}
		}
	}
}

// awaitRecover blocks after an error envelope until the coordinator answers.
// A retry command sleeps out its delay (a newer command pre-empts the sleep);
// the return value is false when the answer is shutdown.
func (b *pushBase) awaitRecover() bool {
	for {
		action := <-b.cmds
		if action.Command == CommandShutdown {
			return false
		}

		timer := time.NewTimer(action.Delay)
	delay:
		for {
			select {
			case <-timer.C:
				return true
			case next := <-b.cmds:
				stopPushTimer(timer)
				if next.Command == CommandShutdown {
					return false
				}
				timer = time.NewTimer(next.Delay)
				continue delay
			}
		}
	}
}

func stopPushTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
