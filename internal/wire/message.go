// Package wire defines the FIXT message representation, the session-level
// message dictionary, and the incremental tag=value parser that the session
// engine consumes. The engine treats all of this as a tagged-variant message
// stream: it pattern-matches on MsgType for the handful of admin messages
// that need special handling and otherwise treats a Message as opaque.
package wire

import (
	"strconv"
	"time"
)

// Standard FIXT/FIX session-level MsgType values the engine cares about.
const (
	MsgTypeLogon                 = "A"
	MsgTypeLogout                = "5"
	MsgTypeHeartbeat             = "0"
	MsgTypeTestRequest           = "1"
	MsgTypeResendRequest         = "2"
	MsgTypeSequenceReset         = "4"
	MsgTypeReject                = "3"
	MsgTypeBusinessMessageReject = "j"
)

// Session-level header/trailer tag numbers used by the engine directly.
// Business-layer tags are opaque and simply round-trip through Fields.
const (
	TagBeginString     = 8
	TagBodyLength      = 9
	TagMsgType         = 35
	TagSenderCompID    = 49
	TagTargetCompID    = 56
	TagMsgSeqNum       = 34
	TagSendingTime     = 52
	TagPossDupFlag     = 43
	TagOrigSendingTime = 122
	TagCheckSum        = 10

	TagHeartBtInt           = 108
	TagTestReqID            = 112
	TagBeginSeqNo           = 7
	TagEndSeqNo             = 16
	TagNewSeqNo             = 36
	TagGapFillFlag          = 123
	TagText                 = 58
	TagRefSeqNum            = 45
	TagRefTagID             = 371
	TagRefMsgType           = 372
	TagSessionRejectReason  = 373
	TagBusinessRejectReason = 380
	TagBusinessRejectRefID  = 379
)

// SessionRejectReason enumerates the FIXT SessionRejectReason(373) code
// values the engine can emit.
type SessionRejectReason int

const (
	InvalidTagNumber SessionRejectReason = iota
	RequiredTagMissing
	TagNotDefinedForThisMessageType
	UndefinedTag
	TagSpecifiedWithoutAValue
	ValueIsIncorrectForThisTag
	IncorrectDataFormatForValue
	DecryptionProblem
	SignatureProblem
	CompIDProblem
	SendingTimeAccuracyProblem
	InvalidMsgType
	XMLValidationError
	TagAppearsMoreThanOnce
	TagSpecifiedOutOfRequiredOrder
	RepeatingGroupFieldsOutOfOrder
	IncorrectNumInGroupCountForRepeatingGroup
	NonDataValueIncludesFieldDelimiter
)

// Other is the catch-all SessionRejectReason code (99) for conditions the
// standard enumeration does not cover.
const Other SessionRejectReason = 99

// BusinessRejectReason enumerates the FIXT BusinessRejectReason(380) code
// values the engine can emit.
type BusinessRejectReason int

const (
	BusinessRejectOther BusinessRejectReason = iota
	UnknownID
	UnknownSecurity
	UnsupportedMessageType
	ApplicationNotAvailable
	ConditionallyRequiredFieldMissing
	NotAuthorized
	DeliverToFirmNotAvailableAtThisTime
)

// Message is the tagged-variant wire representation the engine consumes.
// Session-level admin messages (Logon, Logout, Heartbeat, TestRequest,
// ResendRequest, SequenceReset, Reject, BusinessMessageReject) are
// represented by their concrete structs below, which all implement Message.
// Everything else (business-layer traffic) is carried as a Generic message
// that the engine passes through untouched.
type Message interface {
	// MsgType returns the FIX MsgType(35) value for this message.
	MsgType() string
	// Header returns the mutable session header shared by every message.
	Header() *Header
	// Fields returns the ordered tag/value list from MsgType(35) onward,
	// session header and body, ready for serialization; BeginString,
	// BodyLength and CheckSum are added by Encode. Header().SetupSessionHeader must be
	// called first when the message carries an automatically assigned
	// MsgSeqNum.
	Fields() []Field
}

// Field is a single tag=value pair in wire order.
type Field struct {
	Tag   int
	Value string
}

// Header holds the session-level envelope fields shared by every FIXT
// message. The engine fills SenderCompID/TargetCompID/MsgSeqNum/SendingTime
// at serialize time for auto-sequenced messages; pre-assigned messages (the
// SequenceReset-GapFill filler) keep the MsgSeqNum the caller set.
type Header struct {
	SenderCompID    string
	TargetCompID    string
	MsgSeqNum       uint64
	SendingTime     time.Time
	PossDupFlag     bool
	OrigSendingTime time.Time
}

// IsPossDup reports whether the PossDupFlag(43) header field is set.
func (h *Header) IsPossDup() bool { return h.PossDupFlag }

// SetupSessionHeader fills in the Sender/TargetCompID and SendingTime fields
// and, when autoSeqNum is non-nil, the MsgSeqNum.
func (h *Header) SetupSessionHeader(autoSeqNum *uint64, sender, target string, now time.Time) {
	h.SenderCompID = sender
	h.TargetCompID = target
	h.SendingTime = now
	if autoSeqNum != nil {
		h.MsgSeqNum = *autoSeqNum
	}
}

// UTCTimestamp formats t in the FIX UTCTimestamp wire format
// (YYYYMMDD-HH:MM:SS.sss), used for SendingTime, OrigSendingTime, and the
// TestRequest's TestReqID when it is stamped from the current time.
func UTCTimestamp(t time.Time) string {
	return t.UTC().Format("20060102-15:04:05.000")
}

func headerFields(h *Header, msgType string) []Field {
	fields := []Field{
		{TagMsgType, msgType},
		{TagSenderCompID, h.SenderCompID},
		{TagTargetCompID, h.TargetCompID},
		{TagMsgSeqNum, strconv.FormatUint(h.MsgSeqNum, 10)},
		{TagSendingTime, UTCTimestamp(h.SendingTime)},
	}
	if h.PossDupFlag {
		fields = append(fields, Field{TagPossDupFlag, "Y"})
		fields = append(fields, Field{TagOrigSendingTime, UTCTimestamp(h.OrigSendingTime)})
	}
	return fields
}

func boolYN(b bool) string {
	if b {
		return "Y"
	}
	return "N"
}

// Logon is the first message exchanged on a session in either direction.
type Logon struct {
	Hdr        Header
	HeartBtInt int
}

func NewLogon() *Logon             { return &Logon{} }
func (m *Logon) MsgType() string   { return MsgTypeLogon }
func (m *Logon) Header() *Header   { return &m.Hdr }
func (m *Logon) Fields() []Field {
	f := headerFields(&m.Hdr, MsgTypeLogon)
	return append(f, Field{TagHeartBtInt, strconv.Itoa(m.HeartBtInt)})
}

// Logout ends a session, optionally carrying a human-readable Text reason.
type Logout struct {
	Hdr  Header
	Text string
}

func NewLogout() *Logout           { return &Logout{} }
func (m *Logout) MsgType() string  { return MsgTypeLogout }
func (m *Logout) Header() *Header  { return &m.Hdr }
func (m *Logout) Fields() []Field {
	f := headerFields(&m.Hdr, MsgTypeLogout)
	if m.Text != "" {
		f = append(f, Field{TagText, m.Text})
	}
	return f
}

// Heartbeat is the keep-alive message, sent periodically or in answer to a
// TestRequest (in which case TestReqID echoes the request).
type Heartbeat struct {
	Hdr       Header
	TestReqID string
}

func NewHeartbeat() *Heartbeat        { return &Heartbeat{} }
func (m *Heartbeat) MsgType() string  { return MsgTypeHeartbeat }
func (m *Heartbeat) Header() *Header  { return &m.Hdr }
func (m *Heartbeat) Fields() []Field {
	f := headerFields(&m.Hdr, MsgTypeHeartbeat)
	if m.TestReqID != "" {
		f = append(f, Field{TagTestReqID, m.TestReqID})
	}
	return f
}

// TestRequest asks the counterparty to prove it is still alive by echoing
// TestReqID in a Heartbeat.
type TestRequest struct {
	Hdr       Header
	TestReqID string
}

func NewTestRequest() *TestRequest      { return &TestRequest{} }
func (m *TestRequest) MsgType() string  { return MsgTypeTestRequest }
func (m *TestRequest) Header() *Header  { return &m.Hdr }
func (m *TestRequest) Fields() []Field {
	f := headerFields(&m.Hdr, MsgTypeTestRequest)
	return append(f, Field{TagTestReqID, m.TestReqID})
}

// ResendRequest asks the counterparty to retransmit [BeginSeqNo, EndSeqNo].
// EndSeqNo == 0 means "through the current outbound sequence number".
type ResendRequest struct {
	Hdr        Header
	BeginSeqNo uint64
	EndSeqNo   uint64
}

func NewResendRequest() *ResendRequest  { return &ResendRequest{} }
func (m *ResendRequest) MsgType() string { return MsgTypeResendRequest }
func (m *ResendRequest) Header() *Header { return &m.Hdr }
func (m *ResendRequest) Fields() []Field {
	f := headerFields(&m.Hdr, MsgTypeResendRequest)
	f = append(f, Field{TagBeginSeqNo, strconv.FormatUint(m.BeginSeqNo, 10)})
	return append(f, Field{TagEndSeqNo, strconv.FormatUint(m.EndSeqNo, 10)})
}

// SequenceReset either fast-forwards the expected inbound MsgSeqNum
// (GapFillFlag == false, "Reset" mode) or fills a gap without retransmitted
// content (GapFillFlag == true, "GapFill" mode).
type SequenceReset struct {
	Hdr         Header
	GapFillFlag bool
	NewSeqNo    uint64
}

func NewSequenceReset() *SequenceReset  { return &SequenceReset{} }
func (m *SequenceReset) MsgType() string { return MsgTypeSequenceReset }
func (m *SequenceReset) Header() *Header { return &m.Hdr }
func (m *SequenceReset) Fields() []Field {
	f := headerFields(&m.Hdr, MsgTypeSequenceReset)
	f = append(f, Field{TagGapFillFlag, boolYN(m.GapFillFlag)})
	return append(f, Field{TagNewSeqNo, strconv.FormatUint(m.NewSeqNo, 10)})
}

// Reject is the session-level rejection of a single inbound message.
type Reject struct {
	Hdr                 Header
	RefSeqNum           uint64
	RefTagID            string
	RefMsgType          string
	SessionRejectReason *SessionRejectReason
	Text                string
}

func NewReject() *Reject          { return &Reject{} }
func (m *Reject) MsgType() string { return MsgTypeReject }
func (m *Reject) Header() *Header { return &m.Hdr }
func (m *Reject) Fields() []Field {
	f := headerFields(&m.Hdr, MsgTypeReject)
	f = append(f, Field{TagRefSeqNum, strconv.FormatUint(m.RefSeqNum, 10)})
	if m.RefTagID != "" {
		f = append(f, Field{TagRefTagID, m.RefTagID})
	}
	if m.RefMsgType != "" {
		f = append(f, Field{TagRefMsgType, m.RefMsgType})
	}
	if m.SessionRejectReason != nil {
		f = append(f, Field{TagSessionRejectReason, strconv.Itoa(int(*m.SessionRejectReason))})
	}
	if m.Text != "" {
		f = append(f, Field{TagText, m.Text})
	}
	return f
}

// BusinessMessageReject is the application-level rejection of a message
// whose MsgType is recognized but cannot be processed.
type BusinessMessageReject struct {
	Hdr                  Header
	RefSeqNum            uint64
	RefMsgType           string
	BusinessRejectReason BusinessRejectReason
	BusinessRejectRefID  string
	Text                 string
}

func NewBusinessMessageReject() *BusinessMessageReject { return &BusinessMessageReject{} }
func (m *BusinessMessageReject) MsgType() string       { return MsgTypeBusinessMessageReject }
func (m *BusinessMessageReject) Header() *Header       { return &m.Hdr }
func (m *BusinessMessageReject) Fields() []Field {
	f := headerFields(&m.Hdr, MsgTypeBusinessMessageReject)
	f = append(f, Field{TagRefSeqNum, strconv.FormatUint(m.RefSeqNum, 10)})
	f = append(f, Field{TagRefMsgType, m.RefMsgType})
	f = append(f, Field{TagBusinessRejectReason, strconv.Itoa(int(m.BusinessRejectReason))})
	if m.BusinessRejectRefID != "" {
		f = append(f, Field{TagBusinessRejectRefID, m.BusinessRejectRefID})
	}
	if m.Text != "" {
		f = append(f, Field{TagText, m.Text})
	}
	return f
}

// Generic is an opaque business-layer message: the engine forwards it to
// the application event sink without interpreting any field beyond the
// session header.
type Generic struct {
	Hdr  Header
	Type string
	Body []Field
}

func (m *Generic) MsgType() string  { return m.Type }
func (m *Generic) Header() *Header  { return &m.Hdr }
func (m *Generic) Fields() []Field {
	f := headerFields(&m.Hdr, m.Type)
	return append(f, m.Body...)
}

// every admin message satisfies Message.
var (
	_ Message = (*Logon)(nil)
	_ Message = (*Logout)(nil)
	_ Message = (*Heartbeat)(nil)
	_ Message = (*TestRequest)(nil)
	_ Message = (*ResendRequest)(nil)
	_ Message = (*SequenceReset)(nil)
	_ Message = (*Reject)(nil)
	_ Message = (*BusinessMessageReject)(nil)
	_ Message = (*Generic)(nil)
)
