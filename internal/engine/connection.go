package engine

import (
	"errors"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/whisper/fixtgw/internal/metrics"
	"github.com/whisper/fixtgw/internal/sessionstate"
	"github.com/whisper/fixtgw/internal/timerwheel"
	"github.com/whisper/fixtgw/internal/wire"
)

const (
	inboundBufferSize     = 4096
	logoutTimeout         = 10 * time.Second
	hangUpTimeout         = 10 * time.Second
	continueLogoutTimeout = 10 * time.Second
	testRequestPadding    = 250 * time.Millisecond

	// ioPollGrace bounds a single Read/Write so a socket that would block
	// returns control to the event loop almost immediately; the poller is
	// what decides when the next attempt is worthwhile.
	ioPollGrace = time.Millisecond
)

var (
	errOutboundSeqNumOverflow = errors.New("engine: outbound MsgSeqNum exceeded maximum")
	errInboundSeqNumOverflow  = errors.New("engine: inbound MsgSeqNum exceeded maximum")
)

// Connection owns everything the event loop needs to drive one FIXT
// session: the socket, parser, buffers, sequence counters, timers, and
// session state. It is touched only by the event loop goroutine, never
// concurrently, matching the single-threaded concurrency model.
type Connection struct {
	token  Token
	socket net.Conn
	wheel  *timerwheel.Wheel
	now    func() time.Time

	outbound       OutboundQueue
	outboundBuffer []byte

	inboundBuf [inboundBufferSize]byte
	parser     *wire.Parser

	outboundSeq uint64
	inboundSeq  uint64

	state sessionstate.State

	senderCompID string
	targetCompID string

	heartbeatInterval   time.Duration
	testRequestInterval time.Duration

	heartbeatTimer      timerwheel.Handle
	hasHeartbeatTimer   bool
	testRequestTimer    timerwheel.Handle
	hasTestRequestTimer bool
	logoutTimer         timerwheel.Handle
	hasLogoutTimer      bool

	inboundResendReqSeqNum *uint64

	// failReason is set when handling a message produced an immediately
	// terminating condition (Logout confirming our own, parse error during
	// logon, SeqNum overflow). The event loop reads it after every message
	// and tears the connection down without waiting for the queue to drain.
	failReason *sessionstate.Reason

	// testRequestOutstanding is true between sending a keep-alive
	// TestRequest and the next inbound data; a second silence interval with
	// it still set terminates the connection.
	testRequestOutstanding bool

	// justLoggedOn is true only for the duration of processing the Logon
	// message that moved this connection LoggingOn -> Established; it lets
	// the SeqNum dispatch step treat that one message as in-sequence
	// regardless of its actual MsgSeqNum. Logon is the only message
	// processed out of order.
	justLoggedOn bool
}

// NewConnection builds a fresh Connection in the initial LoggingOn state,
// with both sequence counters starting at 1.
func NewConnection(token Token, socket net.Conn, wheel *timerwheel.Wheel, dict wire.Dictionary, sender, target string, now func() time.Time) *Connection {
	return &Connection{
		token:        token,
		socket:       socket,
		wheel:        wheel,
		now:          now,
		parser:       wire.NewParser(dict),
		outboundSeq:  1,
		inboundSeq:   1,
		state:        sessionstate.Initial(),
		senderCompID: sender,
		targetCompID: target,
	}
}

// Token returns this connection's identity.
func (c *Connection) Token() Token { return c.token }

// State returns the current session state.
func (c *Connection) State() sessionstate.State { return c.state }

// InboundSeqNum returns the next expected inbound MsgSeqNum.
func (c *Connection) InboundSeqNum() uint64 { return c.inboundSeq }

// OutboundSeqNum returns the next MsgSeqNum that will be assigned to an
// auto-sequenced outbound message.
func (c *Connection) OutboundSeqNum() uint64 { return c.outboundSeq }

// Enqueue appends an auto-sequenced message to the outbound queue.
func (c *Connection) Enqueue(msg wire.Message) {
	c.outbound.PushBack(OutboundMessage{Message: msg, AutoMsgSeqNum: true})
}

// EnqueueFront inserts an auto-sequenced message ahead of anything already
// queued. Used only for the CompID-mismatch Reject, which must precede
// the Logout that follows it.
func (c *Connection) EnqueueFront(msg wire.Message) {
	c.outbound.PushFront(OutboundMessage{Message: msg, AutoMsgSeqNum: true})
}

// EnqueuePreAssigned appends a message whose MsgSeqNum the caller has
// already fixed (the SequenceReset-GapFill filler, whose MsgSeqNum must
// equal the gap's BeginSeqNo rather than the live outbound counter).
func (c *Connection) EnqueuePreAssigned(msg wire.Message, seqNum uint64) {
	msg.Header().MsgSeqNum = seqNum
	c.outbound.PushBack(OutboundMessage{Message: msg, AutoMsgSeqNum: false})
}

func (c *Connection) enqueueLogout(text string) {
	m := wire.NewLogout()
	m.Text = text
	c.Enqueue(m)
}

// InitiateLogoutOk starts a clean, client-driven logout. It is the
// Established -> LoggingOut(Ok) transition (and, when called again from
// ResendRequesting(Client) after a gap fill, the fresh re-entry into
// LoggingOut(Ok) the gap-fill handler performs).
func (c *Connection) InitiateLogoutOk(text string) error {
	if !c.state.CanInitiateOk() {
		return fmt.Errorf("engine: initiate_logout(Ok) precondition violated from state %s", c.state)
	}
	c.outbound.Clear()
	c.enqueueLogout(text)
	c.state = sessionstate.LoggingOutOk()
	c.armLogoutFamilyTimer(timerwheel.Logout, logoutTimeout)
	return nil
}

// InitiateLogoutError starts an unrecoverable-error logout: the Logout
// drains, then the connection is torn down reporting reason. No timer is
// armed; disconnection happens as soon as write() observes the drained
// queue in this state.
func (c *Connection) InitiateLogoutError(reason sessionstate.Reason, text string) error {
	if !c.state.CanInitiateError() {
		return fmt.Errorf("engine: initiate_logout(Error) precondition violated from state %s", c.state)
	}
	c.outbound.Clear()
	c.enqueueLogout(text)
	c.state = sessionstate.LoggingOutError(reason)
	c.cancelLogoutFamilyTimer()
	return nil
}

// RespondToLogout enqueues an empty-text Logout in answer to the
// counterparty's and moves to LoggingOut(Responding).
func (c *Connection) RespondToLogout() {
	c.enqueueLogout("")
	c.state = sessionstate.LoggingOutResponding()
}

// FailNow marks the connection for termination at the end of the current
// dispatch, without enqueuing a Logout or waiting for the queue to drain.
func (c *Connection) FailNow(reason sessionstate.Reason) {
	if c.failReason == nil {
		c.failReason = &reason
	}
}

// PendingTermination reports a FailNow reason, if one has been recorded.
func (c *Connection) PendingTermination() (sessionstate.Reason, bool) {
	if c.failReason == nil {
		return 0, false
	}
	return *c.failReason, true
}

// OnHeartbeatTimeout handles the outbound-silence timer: a blank-TestReqID
// Heartbeat goes out to show we are still here. The timer is re-armed
// here, and again by write() when the Heartbeat drains.
func (c *Connection) OnHeartbeatTimeout() {
	c.hasHeartbeatTimer = false
	if c.state.Status != sessionstate.Established {
		return
	}
	c.Enqueue(wire.NewHeartbeat())
	c.armHeartbeatTimer()
}

// OnTestRequestTimeout handles the inbound-silence timer. The first firing
// probes the counterparty with a TestRequest whose TestReqID is the current
// UTC timestamp; a second firing with no inbound data in between reports
// that the probe went unanswered. Any read in between clears the probe.
func (c *Connection) OnTestRequestTimeout() (unanswered bool) {
	c.hasTestRequestTimer = false
	if c.state.Status != sessionstate.Established {
		return false
	}
	if c.testRequestOutstanding {
		return true
	}
	tr := wire.NewTestRequest()
	tr.TestReqID = wire.UTCTimestamp(c.now())
	c.Enqueue(tr)
	c.testRequestOutstanding = true
	c.armTestRequestTimer()
	return false
}

// ArmSessionTimers is called once, on the LoggingOn -> Established edge,
// with the negotiated HeartBtInt. It derives the inbound TestRequest
// interval (HeartBtInt + 250ms padding) and arms both timers.
func (c *Connection) ArmSessionTimers(heartBtInt int) {
	c.heartbeatInterval = time.Duration(heartBtInt) * time.Second
	c.testRequestInterval = c.heartbeatInterval + testRequestPadding
	c.armHeartbeatTimer()
	c.armTestRequestTimer()
}

func (c *Connection) armHeartbeatTimer() {
	if c.heartbeatInterval <= 0 {
		return
	}
	if c.hasHeartbeatTimer {
		c.wheel.Cancel(c.heartbeatTimer)
	}
	c.heartbeatTimer = c.wheel.Schedule(c.heartbeatInterval, timerwheel.Tag{Type: timerwheel.OutboundHeartbeat, Token: c.token})
	c.hasHeartbeatTimer = true
}

func (c *Connection) armTestRequestTimer() {
	if c.testRequestInterval <= 0 {
		return
	}
	if c.hasTestRequestTimer {
		c.wheel.Cancel(c.testRequestTimer)
	}
	c.testRequestTimer = c.wheel.Schedule(c.testRequestInterval, timerwheel.Tag{Type: timerwheel.InboundTestRequest, Token: c.token})
	c.hasTestRequestTimer = true
}

// armLogoutFamilyTimer arms the connection's single logout-phase timer
// slot: Logout, ContinueLogout, or HangUp. Never more than one of the
// three is armed at once, matching the "at most one logout_timeout"
// invariant.
func (c *Connection) armLogoutFamilyTimer(typ timerwheel.TimeoutType, d time.Duration) {
	c.cancelLogoutFamilyTimer()
	c.logoutTimer = c.wheel.Schedule(d, timerwheel.Tag{Type: typ, Token: c.token})
	c.hasLogoutTimer = true
}

func (c *Connection) cancelLogoutFamilyTimer() {
	if c.hasLogoutTimer {
		c.wheel.Cancel(c.logoutTimer)
		c.hasLogoutTimer = false
	}
}

// ArmHangUpTimer arms the 10s wait for the peer to close the socket after
// our Logout response has drained (LoggingOut(Responding) -> Responded).
func (c *Connection) ArmHangUpTimer() {
	c.armLogoutFamilyTimer(timerwheel.HangUp, hangUpTimeout)
}

// ArmContinueLogoutTimer arms the 10s wait for a gap fill to complete
// while we are answering the peer's logout-time ResendRequest.
func (c *Connection) ArmContinueLogoutTimer() {
	c.armLogoutFamilyTimer(timerwheel.ContinueLogout, continueLogoutTimeout)
}

// CancelAllTimers cancels every armed timer; called exactly once, when the
// connection is torn down.
func (c *Connection) CancelAllTimers() {
	if c.hasHeartbeatTimer {
		c.wheel.Cancel(c.heartbeatTimer)
		c.hasHeartbeatTimer = false
	}
	if c.hasTestRequestTimer {
		c.wheel.Cancel(c.testRequestTimer)
		c.hasTestRequestTimer = false
	}
	c.cancelLogoutFamilyTimer()
}

// ResendHighWaterMark returns the last observed MsgSeqNum above the
// expected inbound sequence, or (0, false) if no gap is currently open.
func (c *Connection) ResendHighWaterMark() (uint64, bool) {
	if c.inboundResendReqSeqNum == nil {
		return 0, false
	}
	return *c.inboundResendReqSeqNum, true
}

func (c *Connection) updateResendHighWaterMark(msgSeqNum uint64) {
	if c.inboundResendReqSeqNum == nil || msgSeqNum > *c.inboundResendReqSeqNum {
		v := msgSeqNum
		c.inboundResendReqSeqNum = &v
	}
}

func (c *Connection) clearResendHighWaterMark() {
	c.inboundResendReqSeqNum = nil
}

func (c *Connection) assignOutboundSeqNum() (uint64, error) {
	if c.outboundSeq == math.MaxUint64 {
		return 0, errOutboundSeqNumOverflow
	}
	n := c.outboundSeq
	c.outboundSeq++
	return n, nil
}

// acceptExpectedInboundSeqNum advances the expected inbound MsgSeqNum by
// one, for a message that arrived exactly at the expectation.
func (c *Connection) acceptExpectedInboundSeqNum() error {
	if c.inboundSeq == math.MaxUint64 {
		return errInboundSeqNumOverflow
	}
	c.inboundSeq++
	return nil
}

// fastForwardInboundSeqNum jumps the expectation directly to newSeqNo, for
// SequenceReset (reset mode) and gap-fill completion.
func (c *Connection) fastForwardInboundSeqNum(newSeqNo uint64) {
	c.inboundSeq = newSeqNo
}

// serialize assigns header fields (and, for auto-sequenced messages, the
// next outbound MsgSeqNum) and appends the encoded frame to outboundBuffer.
func (c *Connection) serialize(om OutboundMessage) error {
	h := om.Message.Header()
	if om.AutoMsgSeqNum {
		seq, err := c.assignOutboundSeqNum()
		if err != nil {
			return err
		}
		h.SetupSessionHeader(&seq, c.senderCompID, c.targetCompID, c.now())
	} else {
		h.SetupSessionHeader(nil, c.senderCompID, c.targetCompID, c.now())
	}
	c.outboundBuffer = append(c.outboundBuffer, wire.Encode(om.Message)...)
	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	return nil
}

// write drains outbound_messages through outbound_buffer into the socket
// until the queue and buffer are both empty or the socket would block. It
// reports whether the connection should terminate and, if so, with what
// reason.
func (c *Connection) write() (terminate bool, reason ConnectionTerminatedReason, err error) {
	for {
		if len(c.outboundBuffer) == 0 {
			om, ok := c.outbound.PopFront()
			if !ok {
				break
			}
			if serr := c.serialize(om); serr != nil {
				return true, sessionstate.OutboundMsgSeqNumMaxExceeded, serr
			}
		}

		c.socket.SetWriteDeadline(time.Now().Add(ioPollGrace))
		n, werr := c.socket.Write(c.outboundBuffer)
		if n > 0 {
			c.outboundBuffer = c.outboundBuffer[n:]
			c.armHeartbeatTimer()
		}
		if werr != nil {
			if isWouldBlock(werr) {
				break
			}
			return true, sessionstate.SocketWriteError, fmt.Errorf("engine: socket write: %w", werr)
		}
		if len(c.outboundBuffer) > 0 {
			break
		}
	}

	if len(c.outboundBuffer) == 0 && c.outbound.Len() == 0 {
		if c.state.IsLoggingOutKind(sessionstate.SubError) {
			return true, c.state.Sub.Reason, nil
		}
		if c.state.IsLoggingOutKind(sessionstate.SubResponding) {
			c.state = sessionstate.LoggingOutResponded()
			c.ArmHangUpTimer()
		}
	}
	return false, 0, nil
}

// read drains the socket with non-blocking reads into a fixed buffer until
// it would block or is exhausted, feeding every chunk to the parser. It
// returns the ordered stream of decoded items (messages and parse errors,
// interleaved in wire order), whether the peer closed its end, and a read
// error if one occurred that was not benign exhaustion.
func (c *Connection) read() (items []wire.Item, eof bool, err error) {
	for {
		c.socket.SetReadDeadline(time.Now().Add(ioPollGrace))
		n, rerr := c.socket.Read(c.inboundBuf[:])
		if n > 0 {
			c.testRequestOutstanding = false
			c.armTestRequestTimer()
			items = append(items, c.parser.Feed(c.inboundBuf[:n])...)
		}
		if rerr != nil {
			if isWouldBlock(rerr) {
				return items, false, nil
			}
			if isEOF(rerr) {
				return items, true, nil
			}
			return items, false, fmt.Errorf("engine: socket read: %w", rerr)
		}
		if n == 0 {
			return items, true, nil
		}
	}
}
