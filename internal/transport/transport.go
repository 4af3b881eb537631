// Package transport provides the non-blocking socket and readiness-poller
// primitives the event loop multiplexes over. The wire contract treats the
// byte stream itself as an external collaborator; what this package
// supplies is the readiness plumbing around it: register a connection's
// token for read+write readiness, block until something is ready, and hand
// back the fired tokens.
package transport

import (
	"net"
	"time"

	"github.com/whisper/fixtgw/internal/timerwheel"
)

// Token identifies a registered connection. It is the same timerwheel.Token
// the timer wheel tags fire with and the engine returns to the application,
// kept as one type across packages instead of three parallel typedefs.
type Token = timerwheel.Token

// Event reports readiness for one registered token. HangUp indicates the
// peer closed or reset the connection; Readable/Writable may still be set
// alongside it (a final readable chunk can arrive with the HUP).
type Event struct {
	Token    Token
	Readable bool
	Writable bool
	HangUp   bool
}

// Poller multiplexes readiness across every registered connection plus
// whatever out-of-band wakeups the event loop needs (it does not multiplex
// the command channel or timer itself; the event loop selects across those
// independently and uses Wait's timeout to avoid starving them).
type Poller interface {
	// Register starts monitoring conn for read and write readiness under
	// token. Registration is edge-triggered: a Wait only reports a
	// transition to ready, not a repeated "still ready" state.
	Register(token Token, conn net.Conn) error
	// Deregister stops monitoring the connection previously registered
	// under token. It does not close the connection.
	Deregister(token Token) error
	// Wait blocks until at least one registered connection is ready or
	// timeout elapses (a zero timeout means "block indefinitely"), and
	// returns every event observed.
	Wait(timeout time.Duration) ([]Event, error)
	// Close releases poller resources. Registered connections are not
	// closed by this call.
	Close() error
}
