package capbox

import (
	"context"
	"fmt"
)

// runMessage is the unit that travels the single ordered channel from the
// execution context to the supervisor: zero or more violation messages
// followed by exactly one terminal message. Each message carries the
// current allocation counter so the supervisor only ever observes relayed
// counts, never shared state.
type runMessage struct {
	// violation is set on violation messages, nil on the terminal message.
	violation *Violation

	// terminal marks the final message of the run.
	terminal bool

	// value is the submitted code's return value (terminal only).
	value any

	// err is the submitted code's error or recovered panic (terminal only).
	err error

	// allocated is the execution context's cumulative allocation counter at
	// the time the message was sent.
	allocated int64
}

// startExecutor spawns the execution context: a goroutine that runs the
// submitted code against a fresh capability set and communicates with the
// supervisor only through the returned channel. The channel is unbuffered,
// so delivery order is emission order and the terminal message is
// processed only after every violation that causally preceded it.
//
// When the supervisor cancels ctx, any in-flight send is abandoned and the
// goroutine exits on its next channel operation; no partial result escapes
// a terminated run.
func startExecutor(ctx context.Context, policy *runPolicy, code Code) <-chan runMessage {
	ch := make(chan runMessage)
	send := func(m runMessage) bool {
		select {
		case ch <- m:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		caps := newCapSet(policy, send)
		value, err := runCode(ctx, code, caps)
		send(runMessage{terminal: true, value: value, err: err, allocated: caps.allocated})
	}()

	return ch
}

// runCode invokes the submitted code, converting panics into errors so a
// panicking submission cannot unwind into the supervisor.
func runCode(ctx context.Context, code Code, caps Capabilities) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("capbox: submitted code panicked: %v", r)
		}
	}()
	return code(ctx, caps)
}
