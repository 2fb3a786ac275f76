package correlation

import (
	"strings"
	"time"
)

// mode selects the state machine an exchange runs: how inbound frames are
// accumulated and which frame type is terminal.
type mode int

const (
	modeUnary mode = iota
	modeStreaming
	modeHeartbeat
)

func (m mode) String() string {
	switch m {
	case modeUnary:
		return "unary"
	case modeStreaming:
		return "streaming"
	case modeHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Call is the caller's handle on one in-flight exchange. Done is closed when
// the exchange reaches a terminal state; after that Result and Err are
// stable and exactly one of them is meaningful.
type Call struct {
	// Done is closed once the exchange settles.
	Done <-chan struct{}

	ex *exchange
}

// Result returns the settled value. Only valid after Done is closed.
func (c *Call) Result() string { return c.ex.result }

// Err returns the settlement error, nil on success. Only valid after Done
// is closed.
func (c *Call) Err() error { return c.ex.err }

// exchange is one live entry in the registry. All fields are guarded by the
// owning engine's mutex; the accumulator is only ever touched by the frame
// dispatch path.
type exchange struct {
	id      string
	mode    mode
	started time.Time
	onDelta func(string)    // streaming only, may be nil
	acc     strings.Builder // streaming only
	timer   *time.Timer     // heartbeat only
	settled bool
	result  string
	err     error
	done    chan struct{}
}

// settle records the terminal outcome and wakes the caller. It returns false
// if the exchange was already settled; the second transition is a no-op so
// success and failure can never both be delivered.
// Caller must hold the engine mutex.
func (ex *exchange) settle(result string, err error) bool {
	if ex.settled {
		return false
	}
	ex.settled = true
	ex.result = result
	ex.err = err
	if ex.timer != nil {
		ex.timer.Stop()
		ex.timer = nil
	}
	close(ex.done)
	return true
}
