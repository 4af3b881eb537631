package engine

import (
	"strconv"

	"github.com/whisper/fixtgw/internal/metrics"
	"github.com/whisper/fixtgw/internal/sessionstate"
	"github.com/whisper/fixtgw/internal/wire"
)

// standardMsgTypes is the set of MsgTypes defined by the standard FIX
// application layer. A garbled message whose MsgType is in this set but not
// in the session dictionary is rejected at the business level
// (UnsupportedMessageType); a MsgType outside it is garbage and draws a
// session-level Reject(InvalidMsgType).
var standardMsgTypes = map[string]bool{
	"6": true, "7": true, "8": true, "9": true, "B": true, "C": true,
	"D": true, "E": true, "F": true, "G": true, "H": true, "J": true,
	"K": true, "L": true, "M": true, "N": true, "P": true, "Q": true,
	"R": true, "S": true, "T": true, "V": true, "W": true, "X": true,
	"Y": true, "Z": true, "a": true, "b": true, "c": true, "d": true,
	"e": true, "f": true, "g": true, "h": true, "i": true, "k": true,
	"l": true, "m": true, "o": true, "p": true, "q": true, "r": true,
	"s": true, "t": true, "u": true, "v": true, "w": true, "x": true,
	"y": true, "z": true,
	"AA": true, "AB": true, "AC": true, "AD": true, "AE": true, "AF": true,
	"AG": true, "AH": true, "AI": true, "AJ": true, "AK": true, "AL": true,
	"AM": true, "AN": true, "AO": true, "AP": true, "AQ": true, "AR": true,
	"AS": true, "AT": true, "AU": true, "AV": true, "AW": true, "AX": true,
	"AY": true, "AZ": true, "BA": true, "BB": true, "BC": true, "BD": true,
	"BE": true, "BF": true, "BG": true, "BH": true,
}

// HandleParseError maps one parser error to its Reject or
// BusinessMessageReject, advancing the inbound MsgSeqNum exactly once.
// During logon there is no room for errors: the connection is terminated
// outright.
func (h *Handler) HandleParseError(conn *Connection, perr *wire.ParseError) []Event {
	if conn.State().Status == sessionstate.LoggingOn {
		conn.FailNow(sessionstate.LogonParseError)
		return nil
	}

	switch perr.Kind {
	case wire.MissingRequiredTag:
		h.pushParseReject(conn, perr.Tag, "", wire.RequiredTagMissing, "Required tag missing")
	case wire.UnexpectedTag:
		h.pushParseReject(conn, perr.Tag, "", wire.TagNotDefinedForThisMessageType, "Tag not defined for this message type")
	case wire.UnknownTag:
		h.pushParseReject(conn, perr.Tag, "", wire.InvalidTagNumber, "Invalid tag number")
	case wire.NoValueAfterTag:
		h.pushParseReject(conn, perr.Tag, "", wire.TagSpecifiedWithoutAValue, "Tag specified without a value")
	case wire.OutOfRangeTag:
		h.pushParseReject(conn, perr.Tag, "", wire.ValueIsIncorrectForThisTag, "Value is incorrect (out of range) for this tag")
	case wire.WrongFormatTag:
		h.pushParseReject(conn, perr.Tag, "", wire.IncorrectDataFormatForValue, "Incorrect data format for value")
	case wire.DuplicateTag:
		h.pushParseReject(conn, perr.Tag, "", wire.TagAppearsMoreThanOnce, "Tag appears more than once")
	case wire.GroupStructureError:
		h.pushParseReject(conn, perr.Tag, "", wire.IncorrectNumInGroupCountForRepeatingGroup, "Incorrect NumInGroup count for repeating group")
	case wire.MissingConditionallyRequiredTag:
		if perr.Tag == wire.TagOrigSendingTime {
			// Session-level conditionally required tag.
			h.pushParseReject(conn, perr.Tag, perr.MsgType, wire.RequiredTagMissing, "Conditionally required tag missing")
		} else {
			bmr := wire.NewBusinessMessageReject()
			bmr.RefSeqNum = conn.inboundSeq
			bmr.RefMsgType = perr.MsgType
			bmr.BusinessRejectReason = wire.ConditionallyRequiredFieldMissing
			bmr.BusinessRejectRefID = strconv.Itoa(perr.Tag)
			bmr.Text = "Conditionally required field missing"
			conn.Enqueue(bmr)
			metrics.RejectsTotal.WithLabelValues("business").Inc()
			h.advanceInboundOrFail(conn)
		}
	case wire.MsgTypeUnknown:
		if standardMsgTypes[perr.MsgType] {
			bmr := wire.NewBusinessMessageReject()
			bmr.RefSeqNum = conn.inboundSeq
			bmr.RefMsgType = perr.MsgType
			bmr.BusinessRejectReason = wire.UnsupportedMessageType
			bmr.BusinessRejectRefID = perr.MsgType
			bmr.Text = "Unsupported Message Type"
			conn.Enqueue(bmr)
			metrics.RejectsTotal.WithLabelValues("business").Inc()
			h.advanceInboundOrFail(conn)
		} else {
			h.pushParseReject(conn, 0, perr.MsgType, wire.InvalidMsgType, "Invalid MsgType")
		}
	}

	return []Event{{Kind: EventMessageReceivedGarbled, Token: conn.Token(), ParseErr: perr}}
}

// pushParseReject enqueues the session-level Reject for one parse error and
// advances the inbound expectation past the garbled message. RefSeqNum is
// the expectation before advancing.
func (h *Handler) pushParseReject(conn *Connection, refTag int, refMsgType string, reason wire.SessionRejectReason, text string) {
	r := sessionReject(conn.inboundSeq, reason, text)
	if refTag != 0 {
		r.RefTagID = strconv.Itoa(refTag)
	}
	r.RefMsgType = refMsgType
	conn.Enqueue(r)
	h.advanceInboundOrFail(conn)
}

func (h *Handler) advanceInboundOrFail(conn *Connection) {
	if err := conn.acceptExpectedInboundSeqNum(); err != nil {
		conn.FailNow(sessionstate.InboundMsgSeqNumMaxExceeded)
	}
}
