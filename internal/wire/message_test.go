package wire

import (
	"testing"
	"time"
)

func TestHeaderSetupSessionHeader(t *testing.T) {
	var h Header
	seq := uint64(7)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.SetupSessionHeader(&seq, "C", "S", now)

	if h.SenderCompID != "C" || h.TargetCompID != "S" {
		t.Fatalf("unexpected CompIDs: %+v", h)
	}
	if h.MsgSeqNum != 7 {
		t.Errorf("MsgSeqNum = %d, want 7", h.MsgSeqNum)
	}
	if !h.SendingTime.Equal(now) {
		t.Errorf("SendingTime = %v, want %v", h.SendingTime, now)
	}
}

func TestUTCTimestampFormat(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 45, 123_000_000, time.UTC)
	got := UTCTimestamp(now)
	want := "20260301-12:30:45.123"
	if got != want {
		t.Errorf("UTCTimestamp() = %q, want %q", got, want)
	}
}

func TestLogonFields(t *testing.T) {
	m := NewLogon()
	m.HeartBtInt = 30
	m.Hdr.SenderCompID = "C"
	m.Hdr.TargetCompID = "S"
	m.Hdr.MsgSeqNum = 1
	m.Hdr.SendingTime = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	fields := m.Fields()
	byTag := fieldMap(fields)
	if byTag[TagMsgType] != MsgTypeLogon {
		t.Errorf("MsgType field = %q, want %q", byTag[TagMsgType], MsgTypeLogon)
	}
	if byTag[TagHeartBtInt] != "30" {
		t.Errorf("HeartBtInt field = %q, want 30", byTag[TagHeartBtInt])
	}
}

func TestHeaderPossDupAppendsOrigSendingTime(t *testing.T) {
	m := NewLogout()
	m.Hdr.PossDupFlag = true
	m.Hdr.OrigSendingTime = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	m.Hdr.SendingTime = time.Date(2026, 3, 1, 0, 0, 1, 0, time.UTC)

	byTag := fieldMap(m.Fields())
	if byTag[TagPossDupFlag] != "Y" {
		t.Errorf("PossDupFlag field = %q, want Y", byTag[TagPossDupFlag])
	}
	if _, ok := byTag[TagOrigSendingTime]; !ok {
		t.Error("OrigSendingTime field missing when PossDupFlag is set")
	}
}

func TestResendRequestFields(t *testing.T) {
	m := NewResendRequest()
	m.BeginSeqNo = 2
	m.EndSeqNo = 0
	byTag := fieldMap(m.Fields())
	if byTag[TagBeginSeqNo] != "2" || byTag[TagEndSeqNo] != "0" {
		t.Errorf("unexpected ResendRequest fields: %+v", byTag)
	}
}

func TestRejectOmitsEmptyOptionalFields(t *testing.T) {
	m := NewReject()
	m.RefSeqNum = 5
	byTag := fieldMap(m.Fields())
	if _, ok := byTag[TagRefTagID]; ok {
		t.Error("RefTagID field present when empty")
	}
	if _, ok := byTag[TagSessionRejectReason]; ok {
		t.Error("SessionRejectReason field present when nil")
	}
}

func fieldMap(fields []Field) map[int]string {
	m := make(map[int]string, len(fields))
	for _, f := range fields {
		m[f.Tag] = f.Value
	}
	return m
}
