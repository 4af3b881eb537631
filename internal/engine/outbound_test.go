package engine

import (
	"testing"

	"github.com/whisper/fixtgw/internal/wire"
)

func TestOutboundQueueOrder(t *testing.T) {
	var q OutboundQueue
	q.PushBack(OutboundMessage{Message: wire.NewHeartbeat(), AutoMsgSeqNum: true})
	q.PushBack(OutboundMessage{Message: wire.NewLogout(), AutoMsgSeqNum: true})
	q.PushFront(OutboundMessage{Message: wire.NewReject(), AutoMsgSeqNum: true})

	want := []string{wire.MsgTypeReject, wire.MsgTypeHeartbeat, wire.MsgTypeLogout}
	for i, w := range want {
		om, ok := q.PopFront()
		if !ok {
			t.Fatalf("queue empty at %d", i)
		}
		if om.Message.MsgType() != w {
			t.Errorf("message %d = %s, want %s", i, om.Message.MsgType(), w)
		}
	}
	if _, ok := q.PopFront(); ok {
		t.Error("queue not empty after draining")
	}
}

func TestOutboundQueueClear(t *testing.T) {
	var q OutboundQueue
	q.PushBack(OutboundMessage{Message: wire.NewHeartbeat(), AutoMsgSeqNum: true})
	q.PushBack(OutboundMessage{Message: wire.NewHeartbeat(), AutoMsgSeqNum: true})
	q.Clear()
	if q.Len() != 0 {
		t.Errorf("len = %d after Clear, want 0", q.Len())
	}
}
