package engine

import (
	"fmt"

	"github.com/whisper/fixtgw/internal/metrics"
	"github.com/whisper/fixtgw/internal/sessionstate"
	"github.com/whisper/fixtgw/internal/wire"
)

// Handler applies FIXT session-level semantics to one parsed inbound
// message: CompID validation, the logon gate, SeqNum dispatch, and the
// admin-message special cases. It holds no per-connection state of its own
// since everything it touches lives on the Connection passed in. Terminating
// conditions are recorded on the Connection via FailNow or the LoggingOut
// state; the event loop picks them up after each message.
type Handler struct{}

// HandleMessage runs the exact sequence the session contract specifies:
// CompID check, logon gate, SeqNum dispatch, TestRequest auto-response,
// then MessageReceived.
func (h *Handler) HandleMessage(conn *Connection, msg wire.Message) []Event {
	token := conn.Token()
	hdr := msg.Header()

	// Every message must carry the expected CompIDs or the message is
	// rejected and the session logs out. initiate_logout(Error) clears and
	// repopulates the outbound queue with just the Logout, so the Reject is
	// pushed to the front afterwards to land ahead of it.
	if hdr.SenderCompID != conn.targetCompID {
		conn.InitiateLogoutError(sessionstate.SenderCompIDWrong, "SenderCompID is wrong")
		conn.EnqueueFront(sessionReject(conn.inboundSeq, wire.CompIDProblem, "CompID problem"))
		return []Event{{Kind: EventMessageRejected, Token: token, Message: msg}}
	}
	if hdr.TargetCompID != conn.senderCompID {
		conn.InitiateLogoutError(sessionstate.TargetCompIDWrong, "TargetCompID is wrong")
		conn.EnqueueFront(sessionReject(conn.inboundSeq, wire.CompIDProblem, "CompID problem"))
		return []Event{{Kind: EventMessageRejected, Token: token, Message: msg}}
	}

	// Only a Logon is acceptable as the counterparty's first message. An
	// accepted Logon negotiates HeartBtInt and arms the keep-alive timers.
	if conn.state.Status == sessionstate.LoggingOn {
		logon, ok := msg.(*wire.Logon)
		if !ok {
			conn.InitiateLogoutError(sessionstate.LogonNotFirstMessage, "First message not a logon")
			return nil
		}
		if logon.HeartBtInt < 0 {
			conn.InitiateLogoutError(sessionstate.LogonHeartBtIntNegative, "HeartBtInt cannot be negative")
			return nil
		}
		conn.state = sessionstate.EstablishedState()
		if logon.HeartBtInt > 0 {
			conn.ArmSessionTimers(logon.HeartBtInt)
		}
		conn.justLoggedOn = true
		events := []Event{{Kind: EventSessionEstablished, Token: token}}
		events = append(events, h.dispatchSeqNum(conn, msg)...)
		conn.justLoggedOn = false
		return events
	}

	events := h.dispatchSeqNum(conn, msg)
	conn.justLoggedOn = false
	return events
}

// dispatchSeqNum is the MsgSeqNum dispatch step plus the shared tail
// (TestRequest auto-response and MessageReceived) for messages that survive
// it.
func (h *Handler) dispatchSeqNum(conn *Connection, msg wire.Message) []Event {
	token := conn.Token()

	// SequenceReset in reset mode is processed without regard to its own
	// MsgSeqNum.
	if sr, ok := msg.(*wire.SequenceReset); ok && !sr.GapFillFlag {
		return h.handleResetMode(conn, sr)
	}

	seqNum := msg.Header().MsgSeqNum
	expected := conn.inboundSeq

	var events []Event
	switch {
	case seqNum > expected:
		gapEvents, consumed := h.gapHandler(conn, msg, seqNum)
		// Every message above the expectation is discarded pending the
		// resend, except the Logon that just established the session.
		if consumed || !conn.justLoggedOn {
			return gapEvents
		}
		events = gapEvents
	case seqNum < expected:
		return h.handleLowerThanExpected(conn, msg)
	default:
		expectedEvents, deliver := h.onExpected(conn, msg)
		events = expectedEvents
		if !deliver {
			return events
		}
		h.checkResendCatchUp(conn)
	}

	if tr, ok := msg.(*wire.TestRequest); ok {
		hb := wire.NewHeartbeat()
		hb.TestReqID = tr.TestReqID
		conn.Enqueue(hb)
	}
	events = append(events, Event{Kind: EventMessageReceived, Token: token, Message: msg})
	return events
}

// handleResetMode processes SequenceReset-Reset: NewSeqNo wins over any
// sequence bookkeeping, including an outstanding resend request.
func (h *Handler) handleResetMode(conn *Connection, sr *wire.SequenceReset) []Event {
	token := conn.Token()
	switch {
	case sr.NewSeqNo > conn.inboundSeq:
		conn.fastForwardInboundSeqNum(sr.NewSeqNo)
		h.clearResendRequest(conn)
		return nil
	case sr.NewSeqNo == conn.inboundSeq:
		return []Event{{Kind: EventSequenceResetResetHasNoEffect, Token: token}}
	default:
		text := fmt.Sprintf("Attempt to lower sequence number, invalid value NewSeqNo=%d", sr.NewSeqNo)
		conn.Enqueue(sessionReject(sr.Hdr.MsgSeqNum, wire.ValueIsIncorrectForThisTag, text))
		return []Event{{Kind: EventSequenceResetResetInThePast, Token: token}}
	}
}

// gapHandler runs when msg_seq_num > expected. A ResendRequest the message
// itself carries is answered before demanding our own gap fill; if that
// ResendRequest is malformed the whole message is rejected and no gap
// recovery starts. The consumed return means the message produced its final
// disposition here.
func (h *Handler) gapHandler(conn *Connection, msg wire.Message, seqNum uint64) ([]Event, bool) {
	if rr, ok := msg.(*wire.ResendRequest); ok {
		events, rejected := h.onResendRequest(conn, rr)
		if rejected {
			return events, true
		}
	}

	rq := wire.NewResendRequest()
	rq.BeginSeqNo = conn.inboundSeq
	rq.EndSeqNo = 0
	conn.Enqueue(rq)

	// Track the newest MsgSeqNum seen so we know when the gap is filled.
	conn.updateResendHighWaterMark(seqNum)

	// A Logout above the expectation starts the delicate
	// retrieve-then-logout dance. Who was driving the logout decides what
	// happens once the gap fills.
	if _, ok := msg.(*wire.Logout); ok {
		var initiator sessionstate.Initiator
		transition := true
		if !conn.state.IsLoggingOut() {
			initiator = sessionstate.InitiatorServer
		} else {
			switch conn.state.Sub.Kind {
			case sessionstate.SubOk:
				// Server acknowledged our logout but we're missing messages.
				initiator = sessionstate.InitiatorClient
			case sessionstate.SubResponding, sessionstate.SubResponded:
				// Server cancelled its original logout and restarted it.
				initiator = sessionstate.InitiatorServer
			default:
				// Error: connection is closing anyway. ResendRequesting: no
				// change, so the timeout cannot be kept alive perpetually.
				transition = false
			}
		}
		if transition {
			conn.state = sessionstate.LoggingOutResendRequesting(initiator)
			if initiator == sessionstate.InitiatorServer {
				conn.ArmContinueLogoutTimer()
			}
		}
	}
	return nil, false
}

func (h *Handler) handleLowerThanExpected(conn *Connection, msg wire.Message) []Event {
	token := conn.Token()
	hdr := msg.Header()

	// Messages below the expectation are never processed as normal: they are
	// either marked duplicates or evidence one side fell out of sync.
	if hdr.PossDupFlag {
		if !hdr.OrigSendingTime.After(hdr.SendingTime) {
			return []Event{{Kind: EventMessageReceivedDuplicate, Token: token, Message: msg}}
		}
		conn.Enqueue(sessionReject(hdr.MsgSeqNum, wire.SendingTimeAccuracyProblem, "SendingTime accuracy problem"))
		return []Event{{Kind: EventMessageRejected, Token: token, Message: msg}}
	}

	text := fmt.Sprintf("MsgSeqNum too low, expecting %d but received %d", conn.inboundSeq, hdr.MsgSeqNum)
	conn.InitiateLogoutError(sessionstate.InboundMsgSeqNumLowerThanExpected, text)
	return nil
}

// onExpected runs when msg_seq_num == expected. The deliver return reports
// whether the message continues to the shared tail (TestRequest echo and
// MessageReceived) or was fully disposed of here.
func (h *Handler) onExpected(conn *Connection, msg wire.Message) ([]Event, bool) {
	token := conn.Token()

	if err := conn.acceptExpectedInboundSeqNum(); err != nil {
		conn.FailNow(sessionstate.InboundMsgSeqNumMaxExceeded)
		return nil, false
	}

	hdr := msg.Header()
	if hdr.PossDupFlag && hdr.OrigSendingTime.After(hdr.SendingTime) {
		conn.Enqueue(sessionReject(hdr.MsgSeqNum, wire.SendingTimeAccuracyProblem, "SendingTime accuracy problem"))
		return []Event{{Kind: EventMessageRejected, Token: token, Message: msg}}, false
	}

	if sr, ok := msg.(*wire.SequenceReset); ok && sr.GapFillFlag {
		if sr.NewSeqNo > conn.inboundSeq {
			conn.fastForwardInboundSeqNum(sr.NewSeqNo)
			return nil, true
		}
		// Rewinding MsgSeqNum is not allowed.
		text := fmt.Sprintf("Attempt to lower sequence number, invalid value NewSeqNo=%d", sr.NewSeqNo)
		conn.Enqueue(sessionReject(hdr.MsgSeqNum, wire.ValueIsIncorrectForThisTag, text))
		return []Event{{Kind: EventMessageRejected, Token: token, Message: msg}}, false
	}

	if rr, ok := msg.(*wire.ResendRequest); ok {
		events, rejected := h.onResendRequest(conn, rr)
		return events, !rejected
	}

	if _, ok := msg.(*wire.Logout); ok {
		if conn.state.IsLoggingOut() {
			// Server responded to our Logout.
			conn.FailNow(sessionstate.ClientRequested)
			return nil, false
		}
		conn.RespondToLogout()
		return nil, true
	}

	return nil, true
}

// onResendRequest validates the requested range and answers it with a
// SequenceReset-GapFill covering the whole span. Replaying business traffic
// verbatim needs a message store, so administrative gap fill is the whole
// reply. The rejected return is true when the range was malformed.
func (h *Handler) onResendRequest(conn *Connection, rr *wire.ResendRequest) ([]Event, bool) {
	token := conn.Token()
	rejected := rr.BeginSeqNo > rr.EndSeqNo && rr.EndSeqNo != 0
	if rejected {
		conn.Enqueue(sessionReject(rr.Hdr.MsgSeqNum, wire.ValueIsIncorrectForThisTag, "EndSeqNo must be greater than BeginSeqNo or set to 0"))
	} else {
		// EndSeqNo of 0, or one beyond the outbound counter, is capped so the
		// fill ends at the last MsgSeqNum actually sent.
		newSeqNo := conn.outboundSeq
		if rr.EndSeqNo != 0 && rr.EndSeqNo <= conn.outboundSeq {
			newSeqNo = rr.EndSeqNo + 1
		}
		fill := wire.NewSequenceReset()
		fill.GapFillFlag = true
		fill.NewSeqNo = newSeqNo
		conn.EnqueuePreAssigned(fill, rr.BeginSeqNo)
		if newSeqNo > rr.BeginSeqNo {
			metrics.GapFillSize.Observe(float64(newSeqNo - rr.BeginSeqNo))
		}
	}

	// Any ResendRequest after we acknowledged the peer's Logout means the
	// logout was cancelled, a malformed one included; stop the hang-up wait.
	if conn.state.IsLoggingOutKind(sessionstate.SubResponded) {
		conn.cancelLogoutFamilyTimer()
		conn.state = sessionstate.EstablishedState()
	}

	if rejected {
		return []Event{{Kind: EventMessageRejected, Token: token, Message: rr}}, true
	}
	return nil, false
}

// checkResendCatchUp clears the outstanding resend request once the inbound
// expectation has caught up with the newest MsgSeqNum observed during the
// gap, so another ResendRequest is not sent for the same span.
func (h *Handler) checkResendCatchUp(conn *Connection) {
	hwm, ok := conn.ResendHighWaterMark()
	if !ok || hwm > conn.inboundSeq {
		return
	}
	h.clearResendRequest(conn)
}

// clearResendRequest forgets the gap bookkeeping and, when a logout was
// suspended waiting on the gap, continues it: responding if the server
// initiated, restarting our clean logout if we did.
func (h *Handler) clearResendRequest(conn *Connection) {
	conn.clearResendHighWaterMark()
	if !conn.state.IsLoggingOutKind(sessionstate.SubResendRequesting) {
		return
	}
	switch conn.state.Sub.Initiator {
	case sessionstate.InitiatorServer:
		conn.RespondToLogout()
	case sessionstate.InitiatorClient:
		conn.InitiateLogoutOk("")
	}
}

func sessionReject(refSeqNum uint64, reason wire.SessionRejectReason, text string) *wire.Reject {
	r := wire.NewReject()
	r.RefSeqNum = refSeqNum
	r.SessionRejectReason = &reason
	r.Text = text
	metrics.RejectsTotal.WithLabelValues("session").Inc()
	return r
}
