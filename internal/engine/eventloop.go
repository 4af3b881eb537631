package engine

import (
	"fmt"
	"log"
	"time"

	"github.com/whisper/fixtgw/internal/metrics"
	"github.com/whisper/fixtgw/internal/sessionstate"
	"github.com/whisper/fixtgw/internal/timerwheel"
	"github.com/whisper/fixtgw/internal/transport"
	"github.com/whisper/fixtgw/internal/wire"
)

// termination is one deferred teardown collected during a poll iteration.
// Connections are never removed from the registry while the iteration's
// events are still being dispatched, so a token cannot be re-bound while
// events for its previous owner remain queued.
type termination struct {
	token  Token
	reason ConnectionTerminatedReason
}

// runLoop is the single-threaded dispatcher: block on the poller, drain the
// command channel, fire due timers, service ready sockets, then tear down
// whatever terminated.
func (e *Engine) runLoop() error {
	for {
		timeout := e.config.TimerTick
		if deadline, ok := e.wheel.NextDeadline(); ok {
			if d := deadline.Sub(e.now()); d < timeout {
				timeout = d
			}
		}
		if timeout <= 0 {
			timeout = time.Millisecond
		}

		netEvents, err := e.poller.Wait(timeout)
		if err != nil {
			e.emit(Event{Kind: EventFatalError, FatalText: "engine: poller wait failed", Err: err})
			return fmt.Errorf("engine: poller wait: %w", err)
		}

		var terminated []termination
		if e.drainCommands(&terminated) {
			return nil
		}
		e.dispatchTimers(&terminated)
		for _, ev := range netEvents {
			e.handleNetworkEvent(ev, &terminated)
		}
		e.finishTerminations(terminated)
	}
}

// drainCommands empties the command channel without blocking. The shutdown
// return aborts the loop immediately, dropping all connection state.
func (e *Engine) drainCommands(terminated *[]termination) (shutdown bool) {
	for {
		select {
		case cmd := <-e.commands:
			if e.handleCommand(cmd, terminated) {
				return true
			}
		default:
			return false
		}
	}
}

func (e *Engine) handleCommand(cmd Command, terminated *[]termination) (shutdown bool) {
	switch cmd.kind {
	case CmdShutdown:
		return true

	case CmdNewConnection:
		e.openConnection(cmd, terminated)

	case CmdSendMessage:
		conn, ok := e.conns[cmd.Token]
		if !ok {
			log.Printf("engine: dropping send for unknown token %d", cmd.Token)
			return false
		}
		conn.Enqueue(cmd.Message)
		e.flushOrTerminate(conn, terminated)

	case CmdLogout:
		conn, ok := e.conns[cmd.Token]
		if !ok {
			log.Printf("engine: dropping logout for unknown token %d", cmd.Token)
			return false
		}
		if conn.State().Status == sessionstate.LoggingOn {
			*terminated = append(*terminated, termination{cmd.Token, sessionstate.ClientRequested})
			return false
		}
		if err := conn.InitiateLogoutOk(""); err != nil {
			log.Printf("engine: %v", err)
			return false
		}
		e.flushOrTerminate(conn, terminated)
	}
	return false
}

// openConnection dials the counterparty, registers the socket for
// readiness, and queues the opening Logon. Setup failures surface as
// ConnectionFailed without a Connection ever existing.
func (e *Engine) openConnection(cmd Command, terminated *[]termination) {
	if !ValidConnectionToken(cmd.Token) {
		e.emit(Event{Kind: EventConnectionFailed, Token: cmd.Token, Err: fmt.Errorf("engine: token %d outside connection range", cmd.Token)})
		return
	}
	if _, live := e.conns[cmd.Token]; live {
		e.emit(Event{Kind: EventConnectionFailed, Token: cmd.Token, Err: fmt.Errorf("engine: token %d already live", cmd.Token)})
		return
	}

	socket, err := transport.DialNonBlocking(cmd.Address)
	if err != nil {
		e.emit(Event{Kind: EventConnectionFailed, Token: cmd.Token, Err: err})
		return
	}
	if err := e.poller.Register(cmd.Token, socket); err != nil {
		socket.Close()
		e.emit(Event{Kind: EventConnectionFailed, Token: cmd.Token, Err: err})
		return
	}

	conn := NewConnection(cmd.Token, socket, e.wheel, e.dict.Clone(), cmd.SenderCompID, cmd.TargetCompID, e.now)
	e.conns[cmd.Token] = conn

	logon := wire.NewLogon()
	logon.HeartBtInt = e.config.HeartBtInt
	conn.Enqueue(logon)
	e.flushOrTerminate(conn, terminated)
}

// dispatchTimers drains due timer firings, bounded per iteration so a burst
// of timeouts cannot starve network traffic.
func (e *Engine) dispatchTimers(terminated *[]termination) {
	for i := 0; i < e.config.TimerBatch; i++ {
		tag, ok := e.wheel.Poll()
		if !ok {
			return
		}
		metrics.TimeoutsFiredTotal.WithLabelValues(tag.Type.String()).Inc()
		conn, live := e.conns[tag.Token]
		if !live {
			continue
		}

		switch tag.Type {
		case timerwheel.OutboundHeartbeat:
			conn.OnHeartbeatTimeout()
			e.flushOrTerminate(conn, terminated)

		case timerwheel.InboundTestRequest:
			if conn.OnTestRequestTimeout() {
				*terminated = append(*terminated, termination{tag.Token, sessionstate.TestRequestNotResponded})
				continue
			}
			e.flushOrTerminate(conn, terminated)

		case timerwheel.ContinueLogout:
			// The gap never filled; acknowledge the peer's logout anyway.
			if conn.State().IsLoggingOutKind(sessionstate.SubResendRequesting) &&
				conn.State().Sub.Initiator == sessionstate.InitiatorServer {
				conn.RespondToLogout()
				e.flushOrTerminate(conn, terminated)
			}

		case timerwheel.Logout:
			*terminated = append(*terminated, termination{tag.Token, sessionstate.LogoutNoResponse})

		case timerwheel.HangUp:
			*terminated = append(*terminated, termination{tag.Token, sessionstate.LogoutNoHangUp})
		}
	}
}

// handleNetworkEvent services one readiness event: read and dispatch
// inbound traffic, drain outbound, and turn a hang-up into the appropriate
// termination.
func (e *Engine) handleNetworkEvent(ev transport.Event, terminated *[]termination) {
	conn, ok := e.conns[ev.Token]
	if !ok {
		return
	}

	sawEOF := false
	if ev.Readable {
		items, eof, err := conn.read()
		sawEOF = eof
		for _, item := range items {
			var out []Event
			if item.Err != nil {
				out = e.handler.HandleParseError(conn, item.Err)
			} else {
				metrics.MessagesTotal.WithLabelValues("received").Inc()
				out = e.handler.HandleMessage(conn, item.Message)
			}
			for _, appEv := range out {
				e.emit(appEv)
			}
			if reason, failed := conn.PendingTermination(); failed {
				*terminated = append(*terminated, termination{ev.Token, reason})
				return
			}
		}
		if err != nil {
			log.Printf("engine: connection %d: %v", ev.Token, err)
			*terminated = append(*terminated, termination{ev.Token, sessionstate.SocketReadError})
			return
		}
		if e.flushOrTerminate(conn, terminated) {
			return
		}
	}

	if ev.HangUp || sawEOF {
		// A hang-up after our Logout acknowledgement drained is the peer
		// completing a clean logout. Anything else is an unexpected drop;
		// forcing a write surfaces the underlying socket error if there is
		// one.
		if conn.State().IsLoggingOutKind(sessionstate.SubResponded) {
			*terminated = append(*terminated, termination{ev.Token, sessionstate.ServerRequested})
			return
		}
		if !e.flushOrTerminate(conn, terminated) {
			*terminated = append(*terminated, termination{ev.Token, sessionstate.ServerRequested})
		}
		return
	}

	if ev.Writable {
		e.flushOrTerminate(conn, terminated)
	}
}

// flushOrTerminate attempts a non-blocking drain of the connection's
// outbound queue, recording a termination if the drain produced one. Every
// dispatch path that may have enqueued a message ends with this call.
func (e *Engine) flushOrTerminate(conn *Connection, terminated *[]termination) bool {
	shouldTerminate, reason, err := conn.write()
	if err != nil {
		log.Printf("engine: connection %d: %v", conn.Token(), err)
	}
	if shouldTerminate {
		*terminated = append(*terminated, termination{conn.Token(), reason})
		return true
	}
	return false
}

// finishTerminations runs after all of an iteration's events have been
// dispatched: deregister, cancel timers, close the socket, and tell the
// application, exactly once per connection even if several events doomed
// it.
func (e *Engine) finishTerminations(terminated []termination) {
	if len(terminated) == 0 {
		return
	}
	done := make(map[Token]bool, len(terminated))
	for _, t := range terminated {
		if done[t.token] {
			continue
		}
		done[t.token] = true

		conn, ok := e.conns[t.token]
		if !ok {
			continue
		}
		if err := e.poller.Deregister(t.token); err != nil {
			log.Printf("engine: deregister token %d: %v", t.token, err)
		}
		conn.CancelAllTimers()
		conn.socket.Close()
		delete(e.conns, t.token)

		if conn.State().Status != sessionstate.LoggingOn {
			metrics.SessionsEstablished.Dec()
		}
		metrics.ConnectionsTerminatedTotal.WithLabelValues(t.reason.String()).Inc()
		e.emit(Event{Kind: EventConnectionTerminated, Token: t.token, TerminateReason: t.reason})
	}
}

// emit hands one event to the application channel. The channel is buffered;
// a consumer that stops draining it will eventually stall the loop, which
// is preferable to silently dropping session events.
func (e *Engine) emit(ev Event) {
	if ev.Kind == EventSessionEstablished {
		metrics.SessionsEstablished.Inc()
	}
	e.events <- ev
}
