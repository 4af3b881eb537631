package engine

import (
	"math"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/whisper/fixtgw/internal/sessionstate"
	"github.com/whisper/fixtgw/internal/timerwheel"
	"github.com/whisper/fixtgw/internal/wire"
)

var testEpoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

// newTestConnection builds a Connection wired to one end of an in-memory
// pipe, authenticating as "C" against counterparty "S", with a frozen clock
// so timer assertions are deterministic.
func newTestConnection(t *testing.T) (*Connection, *timerwheel.Wheel) {
	t.Helper()
	now := func() time.Time { return testEpoch }
	wheel := timerwheel.New(now)
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return NewConnection(3, client, wheel, wire.DefaultDictionary(), "C", "S", now), wheel
}

// inbound stamps msg's session header the way the counterparty would.
func inbound(msg wire.Message, seqNum uint64) wire.Message {
	h := msg.Header()
	h.SenderCompID = "S"
	h.TargetCompID = "C"
	h.MsgSeqNum = seqNum
	h.SendingTime = testEpoch
	return msg
}

// establish drives the connection through an accepted Logon reply.
func establish(t *testing.T, h *Handler, conn *Connection) {
	t.Helper()
	logon := wire.NewLogon()
	logon.HeartBtInt = 30
	events := h.HandleMessage(conn, inbound(logon, 1))
	if len(events) == 0 || events[0].Kind != EventSessionEstablished {
		t.Fatalf("expected SessionEstablished first, got %+v", events)
	}
	if conn.State().Status != sessionstate.Established {
		t.Fatalf("state = %s, want Established", conn.State())
	}
	// Empty the outbound queue, so tests inspect only what they themselves
	// provoke.
	conn.outbound.Clear()
}

func eventKinds(events []Event) []EventKind {
	kinds := make([]EventKind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func popMessage(t *testing.T, conn *Connection) OutboundMessage {
	t.Helper()
	om, ok := conn.outbound.PopFront()
	if !ok {
		t.Fatal("outbound queue is empty")
	}
	return om
}

func TestLogonEstablishesSessionAndArmsTimers(t *testing.T) {
	conn, wheel := newTestConnection(t)
	h := &Handler{}

	logon := wire.NewLogon()
	logon.HeartBtInt = 30
	events := h.HandleMessage(conn, inbound(logon, 1))

	kinds := eventKinds(events)
	if len(kinds) != 2 || kinds[0] != EventSessionEstablished || kinds[1] != EventMessageReceived {
		t.Fatalf("events = %v, want [SessionEstablished MessageReceived]", kinds)
	}
	if conn.InboundSeqNum() != 2 {
		t.Errorf("inbound seqnum = %d, want 2", conn.InboundSeqNum())
	}
	if wheel.Len() != 2 {
		t.Errorf("armed timers = %d, want 2 (heartbeat + testrequest)", wheel.Len())
	}
	if conn.heartbeatInterval != 30*time.Second {
		t.Errorf("heartbeat interval = %v, want 30s", conn.heartbeatInterval)
	}
	if conn.testRequestInterval != 30*time.Second+250*time.Millisecond {
		t.Errorf("testrequest interval = %v, want 30.25s", conn.testRequestInterval)
	}
}

func TestLogonOutOfSequenceStillProcessed(t *testing.T) {
	conn, _ := newTestConnection(t)
	h := &Handler{}

	logon := wire.NewLogon()
	logon.HeartBtInt = 30
	events := h.HandleMessage(conn, inbound(logon, 5))

	kinds := eventKinds(events)
	if len(kinds) != 2 || kinds[0] != EventSessionEstablished || kinds[1] != EventMessageReceived {
		t.Fatalf("events = %v, want [SessionEstablished MessageReceived]", kinds)
	}
	// The gap recovery still starts underneath the out-of-order Logon.
	om := popMessage(t, conn)
	rr, ok := om.Message.(*wire.ResendRequest)
	if !ok {
		t.Fatalf("queued %T, want *ResendRequest", om.Message)
	}
	if rr.BeginSeqNo != 1 || rr.EndSeqNo != 0 {
		t.Errorf("ResendRequest = [%d,%d], want [1,0]", rr.BeginSeqNo, rr.EndSeqNo)
	}
	if hwm, ok := conn.ResendHighWaterMark(); !ok || hwm != 5 {
		t.Errorf("high water mark = (%d,%v), want (5,true)", hwm, ok)
	}
}

func TestNonLogonFirstMessageIsFatal(t *testing.T) {
	conn, _ := newTestConnection(t)
	h := &Handler{}

	events := h.HandleMessage(conn, inbound(wire.NewHeartbeat(), 1))
	if len(events) != 0 {
		t.Fatalf("unexpected events %v", eventKinds(events))
	}
	st := conn.State()
	if !st.IsLoggingOutKind(sessionstate.SubError) || st.Sub.Reason != sessionstate.LogonNotFirstMessage {
		t.Fatalf("state = %s, want LoggingOut(Error(LogonNotFirstMessageError))", st)
	}
	om := popMessage(t, conn)
	if _, ok := om.Message.(*wire.Logout); !ok {
		t.Fatalf("queued %T, want *Logout", om.Message)
	}
}

func TestNegativeHeartBtIntIsFatal(t *testing.T) {
	conn, _ := newTestConnection(t)
	h := &Handler{}

	logon := wire.NewLogon()
	logon.HeartBtInt = -1
	h.HandleMessage(conn, inbound(logon, 1))

	st := conn.State()
	if !st.IsLoggingOutKind(sessionstate.SubError) || st.Sub.Reason != sessionstate.LogonHeartBtIntNegative {
		t.Fatalf("state = %s, want LoggingOut(Error(LogonHeartBtIntNegativeError))", st)
	}
}

func TestCompIDMismatchRejectPrecedesLogout(t *testing.T) {
	conn, _ := newTestConnection(t)
	h := &Handler{}
	establish(t, h, conn)

	bad := wire.NewHeartbeat()
	inbound(bad, 2)
	bad.Hdr.SenderCompID = "X"
	events := h.HandleMessage(conn, bad)

	kinds := eventKinds(events)
	if len(kinds) != 1 || kinds[0] != EventMessageRejected {
		t.Fatalf("events = %v, want [MessageRejected]", kinds)
	}
	st := conn.State()
	if !st.IsLoggingOutKind(sessionstate.SubError) || st.Sub.Reason != sessionstate.SenderCompIDWrong {
		t.Fatalf("state = %s, want LoggingOut(Error(SenderCompIDWrongError))", st)
	}

	first := popMessage(t, conn)
	reject, ok := first.Message.(*wire.Reject)
	if !ok {
		t.Fatalf("first queued %T, want *Reject", first.Message)
	}
	if reject.SessionRejectReason == nil || *reject.SessionRejectReason != wire.CompIDProblem {
		t.Errorf("reject reason = %v, want CompIDProblem", reject.SessionRejectReason)
	}
	second := popMessage(t, conn)
	logout, ok := second.Message.(*wire.Logout)
	if !ok {
		t.Fatalf("second queued %T, want *Logout", second.Message)
	}
	if logout.Text != "SenderCompID is wrong" {
		t.Errorf("logout text = %q", logout.Text)
	}
	if conn.outbound.Len() != 0 {
		t.Errorf("queue still has %d messages", conn.outbound.Len())
	}
}

func TestGapRequestsResendAndWithholdsMessage(t *testing.T) {
	conn, _ := newTestConnection(t)
	h := &Handler{}
	establish(t, h, conn)

	order := &wire.Generic{Type: "D"}
	events := h.HandleMessage(conn, inbound(order, 5))
	if len(events) != 0 {
		t.Fatalf("events = %v, want none (message withheld)", eventKinds(events))
	}

	om := popMessage(t, conn)
	rr, ok := om.Message.(*wire.ResendRequest)
	if !ok {
		t.Fatalf("queued %T, want *ResendRequest", om.Message)
	}
	if rr.BeginSeqNo != 2 || rr.EndSeqNo != 0 {
		t.Errorf("ResendRequest = [%d,%d], want [2,0]", rr.BeginSeqNo, rr.EndSeqNo)
	}
	if hwm, ok := conn.ResendHighWaterMark(); !ok || hwm != 5 {
		t.Errorf("high water mark = (%d,%v), want (5,true)", hwm, ok)
	}

	// Peer fills the gap, then resends the withheld message in sequence.
	fill := wire.NewSequenceReset()
	fill.GapFillFlag = true
	fill.NewSeqNo = 5
	h.HandleMessage(conn, inbound(fill, 2))
	if conn.InboundSeqNum() != 5 {
		t.Fatalf("inbound seqnum = %d, want 5 after gap fill", conn.InboundSeqNum())
	}
	if _, ok := conn.ResendHighWaterMark(); ok {
		t.Error("high water mark not cleared after gap fill")
	}

	events = h.HandleMessage(conn, inbound(&wire.Generic{Type: "D"}, 5))
	kinds := eventKinds(events)
	if len(kinds) != 1 || kinds[0] != EventMessageReceived {
		t.Fatalf("events = %v, want exactly [MessageReceived]", kinds)
	}
}

func TestPossDupBelowExpectation(t *testing.T) {
	conn, _ := newTestConnection(t)
	h := &Handler{}
	establish(t, h, conn)

	dup := wire.NewHeartbeat()
	inbound(dup, 1)
	dup.Hdr.PossDupFlag = true
	dup.Hdr.OrigSendingTime = testEpoch.Add(-time.Second)
	events := h.HandleMessage(conn, dup)

	kinds := eventKinds(events)
	if len(kinds) != 1 || kinds[0] != EventMessageReceivedDuplicate {
		t.Fatalf("events = %v, want [MessageReceivedDuplicate]", kinds)
	}
	if conn.InboundSeqNum() != 2 {
		t.Errorf("inbound seqnum moved to %d on a duplicate", conn.InboundSeqNum())
	}
}

func TestPossDupWithBadTimesRejected(t *testing.T) {
	conn, _ := newTestConnection(t)
	h := &Handler{}
	establish(t, h, conn)

	dup := wire.NewHeartbeat()
	inbound(dup, 1)
	dup.Hdr.PossDupFlag = true
	dup.Hdr.OrigSendingTime = testEpoch.Add(time.Second)
	events := h.HandleMessage(conn, dup)

	kinds := eventKinds(events)
	if len(kinds) != 1 || kinds[0] != EventMessageRejected {
		t.Fatalf("events = %v, want [MessageRejected]", kinds)
	}
	om := popMessage(t, conn)
	reject := om.Message.(*wire.Reject)
	if reject.SessionRejectReason == nil || *reject.SessionRejectReason != wire.SendingTimeAccuracyProblem {
		t.Errorf("reject reason = %v, want SendingTimeAccuracyProblem", reject.SessionRejectReason)
	}
}

func TestSeqNumTooLowWithoutPossDupIsFatal(t *testing.T) {
	conn, _ := newTestConnection(t)
	h := &Handler{}
	establish(t, h, conn)

	events := h.HandleMessage(conn, inbound(wire.NewHeartbeat(), 1))
	if len(events) != 0 {
		t.Fatalf("unexpected events %v", eventKinds(events))
	}
	st := conn.State()
	if !st.IsLoggingOutKind(sessionstate.SubError) || st.Sub.Reason != sessionstate.InboundMsgSeqNumLowerThanExpected {
		t.Fatalf("state = %s, want LoggingOut(Error(InboundMsgSeqNumLowerThanExpectedError))", st)
	}
	om := popMessage(t, conn)
	logout := om.Message.(*wire.Logout)
	if !strings.Contains(logout.Text, "expecting 2 but received 1") {
		t.Errorf("logout text = %q", logout.Text)
	}
}

func TestResendRequestSwappedBoundsRejected(t *testing.T) {
	conn, _ := newTestConnection(t)
	h := &Handler{}
	establish(t, h, conn)

	rr := wire.NewResendRequest()
	rr.BeginSeqNo = 10
	rr.EndSeqNo = 5
	events := h.HandleMessage(conn, inbound(rr, 2))

	kinds := eventKinds(events)
	if len(kinds) != 1 || kinds[0] != EventMessageRejected {
		t.Fatalf("events = %v, want [MessageRejected]", kinds)
	}
	om := popMessage(t, conn)
	reject := om.Message.(*wire.Reject)
	if reject.Text != "EndSeqNo must be greater than BeginSeqNo or set to 0" {
		t.Errorf("reject text = %q", reject.Text)
	}
	if conn.outbound.Len() != 0 {
		t.Error("a SequenceReset-GapFill was queued for a malformed ResendRequest")
	}
}

func TestResendRequestAnsweredWithGapFill(t *testing.T) {
	conn, _ := newTestConnection(t)
	h := &Handler{}
	establish(t, h, conn)
	conn.outboundSeq = 10

	rr := wire.NewResendRequest()
	rr.BeginSeqNo = 3
	rr.EndSeqNo = 0
	events := h.HandleMessage(conn, inbound(rr, 2))

	// A well-formed ResendRequest is still delivered to the application.
	kinds := eventKinds(events)
	if len(kinds) != 1 || kinds[0] != EventMessageReceived {
		t.Fatalf("events = %v, want [MessageReceived]", kinds)
	}
	om := popMessage(t, conn)
	fill, ok := om.Message.(*wire.SequenceReset)
	if !ok {
		t.Fatalf("queued %T, want *SequenceReset", om.Message)
	}
	if om.AutoMsgSeqNum {
		t.Error("gap fill must carry its pre-assigned MsgSeqNum")
	}
	if fill.Hdr.MsgSeqNum != 3 {
		t.Errorf("gap fill MsgSeqNum = %d, want 3", fill.Hdr.MsgSeqNum)
	}
	if !fill.GapFillFlag || fill.NewSeqNo != 10 {
		t.Errorf("gap fill = {GapFill:%v NewSeqNo:%d}, want {true 10}", fill.GapFillFlag, fill.NewSeqNo)
	}
}

func TestResendRequestEndSeqNoZeroEquivalence(t *testing.T) {
	// EndSeqNo=0 and EndSeqNo=outbound-1 must produce identical gap fills.
	for _, endSeqNo := range []uint64{0, 9} {
		conn, _ := newTestConnection(t)
		h := &Handler{}
		establish(t, h, conn)
		conn.outboundSeq = 10

		rr := wire.NewResendRequest()
		rr.BeginSeqNo = 3
		rr.EndSeqNo = endSeqNo
		h.HandleMessage(conn, inbound(rr, 2))

		om := popMessage(t, conn)
		fill := om.Message.(*wire.SequenceReset)
		if fill.Hdr.MsgSeqNum != 3 || fill.NewSeqNo != 10 {
			t.Errorf("EndSeqNo=%d: gap fill = {MsgSeqNum:%d NewSeqNo:%d}, want {3 10}", endSeqNo, fill.Hdr.MsgSeqNum, fill.NewSeqNo)
		}
	}
}

func TestSequenceResetResetModes(t *testing.T) {
	conn, _ := newTestConnection(t)
	h := &Handler{}
	establish(t, h, conn)

	forward := wire.NewSequenceReset()
	forward.NewSeqNo = 20
	if events := h.HandleMessage(conn, inbound(forward, 99)); len(events) != 0 {
		t.Fatalf("unexpected events %v", eventKinds(events))
	}
	if conn.InboundSeqNum() != 20 {
		t.Fatalf("inbound seqnum = %d, want 20", conn.InboundSeqNum())
	}

	same := wire.NewSequenceReset()
	same.NewSeqNo = 20
	events := h.HandleMessage(conn, inbound(same, 99))
	if kinds := eventKinds(events); len(kinds) != 1 || kinds[0] != EventSequenceResetResetHasNoEffect {
		t.Fatalf("events = %v, want [SequenceResetResetHasNoEffect]", kinds)
	}

	back := wire.NewSequenceReset()
	back.NewSeqNo = 5
	events = h.HandleMessage(conn, inbound(back, 99))
	if kinds := eventKinds(events); len(kinds) != 1 || kinds[0] != EventSequenceResetResetInThePast {
		t.Fatalf("events = %v, want [SequenceResetResetInThePast]", kinds)
	}
	om := popMessage(t, conn)
	reject := om.Message.(*wire.Reject)
	if !strings.Contains(reject.Text, "NewSeqNo=5") {
		t.Errorf("reject text = %q", reject.Text)
	}
}

func TestTestRequestEchoedWithHeartbeat(t *testing.T) {
	conn, _ := newTestConnection(t)
	h := &Handler{}
	establish(t, h, conn)

	tr := wire.NewTestRequest()
	tr.TestReqID = "ping-1"
	events := h.HandleMessage(conn, inbound(tr, 2))

	kinds := eventKinds(events)
	if len(kinds) != 1 || kinds[0] != EventMessageReceived {
		t.Fatalf("events = %v, want [MessageReceived]", kinds)
	}
	om := popMessage(t, conn)
	hb, ok := om.Message.(*wire.Heartbeat)
	if !ok {
		t.Fatalf("queued %T, want *Heartbeat", om.Message)
	}
	if hb.TestReqID != "ping-1" {
		t.Errorf("TestReqID = %q, want ping-1", hb.TestReqID)
	}
}

func TestPeerLogoutRespondedThenCancelled(t *testing.T) {
	conn, wheel := newTestConnection(t)
	h := &Handler{}
	establish(t, h, conn)

	events := h.HandleMessage(conn, inbound(wire.NewLogout(), 2))
	if kinds := eventKinds(events); len(kinds) != 1 || kinds[0] != EventMessageReceived {
		t.Fatalf("events = %v, want [MessageReceived]", kinds)
	}
	if !conn.State().IsLoggingOutKind(sessionstate.SubResponding) {
		t.Fatalf("state = %s, want LoggingOut(Responding)", conn.State())
	}
	om := popMessage(t, conn)
	if logout := om.Message.(*wire.Logout); logout.Text != "" {
		t.Errorf("logout response text = %q, want empty", logout.Text)
	}

	// Simulate the response having drained.
	conn.state = sessionstate.LoggingOutResponded()
	conn.ArmHangUpTimer()
	timersBefore := wheel.Len()

	// A ResendRequest after our acknowledgement cancels the logout.
	rr := wire.NewResendRequest()
	rr.BeginSeqNo = 1
	rr.EndSeqNo = 0
	h.HandleMessage(conn, inbound(rr, 3))
	if conn.State().Status != sessionstate.Established {
		t.Fatalf("state = %s, want Established after logout cancelled", conn.State())
	}
	if wheel.Len() != timersBefore-1 {
		t.Errorf("hang-up timer not cancelled (timers %d -> %d)", timersBefore, wheel.Len())
	}
	om = popMessage(t, conn)
	if _, ok := om.Message.(*wire.SequenceReset); !ok {
		t.Fatalf("queued %T, want *SequenceReset answering the ResendRequest", om.Message)
	}
}

func TestMalformedResendRequestStillCancelsLogout(t *testing.T) {
	conn, wheel := newTestConnection(t)
	h := &Handler{}
	establish(t, h, conn)

	h.HandleMessage(conn, inbound(wire.NewLogout(), 2))
	conn.outbound.Clear()
	conn.state = sessionstate.LoggingOutResponded()
	conn.ArmHangUpTimer()
	timersBefore := wheel.Len()

	// Even a swapped-bounds ResendRequest proves the peer abandoned its
	// logout; the request itself is still rejected.
	rr := wire.NewResendRequest()
	rr.BeginSeqNo = 10
	rr.EndSeqNo = 5
	events := h.HandleMessage(conn, inbound(rr, 3))
	if kinds := eventKinds(events); len(kinds) != 1 || kinds[0] != EventMessageRejected {
		t.Fatalf("events = %v, want [MessageRejected]", kinds)
	}
	if conn.State().Status != sessionstate.Established {
		t.Fatalf("state = %s, want Established after logout cancelled", conn.State())
	}
	if wheel.Len() != timersBefore-1 {
		t.Errorf("hang-up timer not cancelled (timers %d -> %d)", timersBefore, wheel.Len())
	}
	om := popMessage(t, conn)
	reject, ok := om.Message.(*wire.Reject)
	if !ok {
		t.Fatalf("queued %T, want *Reject", om.Message)
	}
	if reject.Text != "EndSeqNo must be greater than BeginSeqNo or set to 0" {
		t.Errorf("reject text = %q", reject.Text)
	}
	if conn.outbound.Len() != 0 {
		t.Error("a SequenceReset-GapFill was queued for a malformed ResendRequest")
	}
}

func TestLogoutConfirmingOursTerminates(t *testing.T) {
	conn, _ := newTestConnection(t)
	h := &Handler{}
	establish(t, h, conn)

	if err := conn.InitiateLogoutOk(""); err != nil {
		t.Fatal(err)
	}
	events := h.HandleMessage(conn, inbound(wire.NewLogout(), 2))
	if len(events) != 0 {
		t.Fatalf("unexpected events %v", eventKinds(events))
	}
	reason, failed := conn.PendingTermination()
	if !failed || reason != sessionstate.ClientRequested {
		t.Fatalf("pending termination = (%v,%v), want (ClientRequested,true)", reason, failed)
	}
}

func TestServerLogoutAboveExpectation(t *testing.T) {
	conn, _ := newTestConnection(t)
	h := &Handler{}
	establish(t, h, conn)

	h.HandleMessage(conn, inbound(wire.NewLogout(), 5))
	st := conn.State()
	if !st.IsLoggingOutKind(sessionstate.SubResendRequesting) || st.Sub.Initiator != sessionstate.InitiatorServer {
		t.Fatalf("state = %s, want LoggingOut(ResendRequesting(Server))", st)
	}
	if !conn.hasLogoutTimer {
		t.Error("continue-logout timer not armed")
	}

	// Filling the gap continues the logout: we respond.
	fill := wire.NewSequenceReset()
	fill.GapFillFlag = true
	fill.NewSeqNo = 6
	h.HandleMessage(conn, inbound(fill, 2))
	if !conn.State().IsLoggingOutKind(sessionstate.SubResponding) {
		t.Fatalf("state = %s, want LoggingOut(Responding) after gap fill", conn.State())
	}
}

func TestClientLogoutSuspendedByGapThenResumed(t *testing.T) {
	conn, _ := newTestConnection(t)
	h := &Handler{}
	establish(t, h, conn)

	if err := conn.InitiateLogoutOk(""); err != nil {
		t.Fatal(err)
	}
	h.HandleMessage(conn, inbound(wire.NewLogout(), 5))
	st := conn.State()
	if !st.IsLoggingOutKind(sessionstate.SubResendRequesting) || st.Sub.Initiator != sessionstate.InitiatorClient {
		t.Fatalf("state = %s, want LoggingOut(ResendRequesting(Client))", st)
	}

	// A reset-mode SequenceReset closing the gap restarts the clean logout.
	reset := wire.NewSequenceReset()
	reset.NewSeqNo = 6
	h.HandleMessage(conn, inbound(reset, 99))
	if !conn.State().IsLoggingOutKind(sessionstate.SubOk) {
		t.Fatalf("state = %s, want LoggingOut(Ok) after gap closed", conn.State())
	}
	om := popMessage(t, conn)
	if _, ok := om.Message.(*wire.Logout); !ok {
		t.Fatalf("queued %T, want a fresh *Logout", om.Message)
	}
}

func TestSecondLogoutWhileResendRequestingChangesNothing(t *testing.T) {
	conn, _ := newTestConnection(t)
	h := &Handler{}
	establish(t, h, conn)

	if err := conn.InitiateLogoutOk(""); err != nil {
		t.Fatal(err)
	}
	h.HandleMessage(conn, inbound(wire.NewLogout(), 5))
	before := conn.State()

	h.HandleMessage(conn, inbound(wire.NewLogout(), 6))
	if conn.State() != before {
		t.Fatalf("state changed %s -> %s on a repeated Logout", before, conn.State())
	}
}

func TestInboundSeqNumOverflowTerminates(t *testing.T) {
	conn, _ := newTestConnection(t)
	h := &Handler{}
	establish(t, h, conn)
	conn.inboundSeq = math.MaxUint64

	h.HandleMessage(conn, inbound(wire.NewHeartbeat(), math.MaxUint64))
	reason, failed := conn.PendingTermination()
	if !failed || reason != sessionstate.InboundMsgSeqNumMaxExceeded {
		t.Fatalf("pending termination = (%v,%v), want (InboundMsgSeqNumMaxExceededError,true)", reason, failed)
	}
}
