package wire

import (
	"strconv"
	"time"
)

const soh = 0x01

// Parser is an incremental tag=value FIXT decoder. It owns no socket; the
// caller feeds it raw bytes read off the wire and receives back the ordered
// stream of Items the new bytes completed. A Parser is not safe for
// concurrent use; each Connection owns exactly one.
type Parser struct {
	dict Dictionary
	buf  []byte
}

// NewParser constructs a Parser bound to the given dictionary. The
// dictionary is not mutated by the parser.
func NewParser(dict Dictionary) *Parser {
	return &Parser{dict: dict}
}

// Feed appends newly read bytes to the parser's internal buffer and decodes
// as many complete frames as are present, returning one Item per frame in
// wire order. Bytes belonging to an incomplete trailing frame are retained
// for the next call.
func (p *Parser) Feed(data []byte) []Item {
	p.buf = append(p.buf, data...)

	var items []Item
	for {
		frame, consumed := p.nextFrame()
		if consumed == 0 {
			break
		}
		p.buf = p.buf[consumed:]
		if frame != nil {
			items = append(items, p.decodeFrame(frame))
		}
	}
	return items
}

// nextFrame locates one complete "8=...9=...<body>10=nnn\x01" frame at the
// start of the buffer. It returns the frame bytes (including the trailing
// SOH of the checksum field) and how many buffer bytes it consumed. A nil
// frame with a non-zero count means that many leading bytes were discarded;
// a return of (nil, 0) means more data is needed.
func (p *Parser) nextFrame() ([]byte, int) {
	buf := p.buf
	if len(buf) == 0 {
		return nil, 0
	}

	// Resynchronize on a stray leading byte that isn't the start of a
	// BeginString field; this keeps one malformed byte from wedging the
	// parser forever.
	for len(buf) > 0 && buf[0] != '8' {
		buf = buf[1:]
	}
	skipped := len(p.buf) - len(buf)
	if len(buf) == 0 {
		return nil, skipped
	}

	beginEnd := indexByte(buf, soh)
	if beginEnd < 0 {
		return nil, skipped
	}
	bodyLenStart := beginEnd + 1
	if bodyLenStart >= len(buf) {
		return nil, skipped
	}
	bodyLenFieldEnd := indexByte(buf[bodyLenStart:], soh)
	if bodyLenFieldEnd < 0 {
		return nil, skipped
	}
	bodyLenField := buf[bodyLenStart : bodyLenStart+bodyLenFieldEnd]
	tag, val, ok := splitField(bodyLenField)
	if !ok || tag != TagBodyLength {
		// Not a well-formed header; drop this byte and resync on the next call.
		return nil, skipped + 1
	}
	bodyLen, err := strconv.Atoi(val)
	if err != nil || bodyLen < 0 {
		return nil, skipped + 1
	}

	bodyStart := bodyLenStart + bodyLenFieldEnd + 1
	bodyEnd := bodyStart + bodyLen
	if bodyEnd > len(buf) {
		return nil, skipped
	}
	// The checksum field follows the body; find its terminating SOH.
	checksumEnd := indexByte(buf[bodyEnd:], soh)
	if checksumEnd < 0 {
		return nil, skipped
	}
	total := bodyEnd + checksumEnd + 1
	return buf[:total], skipped + total
}

// decodeFrame turns one complete frame's bytes into an Item.
func (p *Parser) decodeFrame(frame []byte) Item {
	fields, perr := splitFields(frame)
	if perr != nil {
		return Item{Err: perr}
	}

	var msgType string
	seen := make(map[int]bool, len(fields))
	for _, f := range fields {
		// BeginString, BodyLength and CheckSum frame the message and are
		// exempt; any other repeated header/body tag is flagged.
		if seen[f.Tag] && f.Tag != TagBeginString && f.Tag != TagBodyLength && f.Tag != TagCheckSum {
			return Item{Err: newParseError(DuplicateTag, f.Tag, "Tag appears more than once")}
		}
		seen[f.Tag] = true
		if f.Tag == TagMsgType {
			msgType = f.Value
		}
	}
	if msgType == "" {
		return Item{Err: newParseError(MissingRequiredTag, TagMsgType, "Required tag missing")}
	}

	msg := p.dict.New(msgType)
	if _, known := p.dict[msgType]; !known {
		return Item{Err: &ParseError{Kind: MsgTypeUnknown, MsgType: msgType, Text: "Invalid MsgType"}}
	}

	if perr := populateHeader(msg.Header(), fields); perr != nil {
		if perr.Kind == MissingConditionallyRequiredTag {
			perr.MsgType = msgType
		}
		return Item{Err: perr}
	}
	if perr := populateBody(msg, fields); perr != nil {
		return Item{Err: perr}
	}
	return Item{Message: msg}
}

func populateHeader(h *Header, fields []Field) *ParseError {
	have := map[int]bool{}
	for _, f := range fields {
		have[f.Tag] = true
		switch f.Tag {
		case TagSenderCompID:
			h.SenderCompID = f.Value
		case TagTargetCompID:
			h.TargetCompID = f.Value
		case TagMsgSeqNum:
			n, err := strconv.ParseUint(f.Value, 10, 64)
			if err != nil {
				return newParseError(WrongFormatTag, TagMsgSeqNum, "MsgSeqNum is not a valid integer")
			}
			h.MsgSeqNum = n
		case TagSendingTime:
			t, err := parseUTCTimestamp(f.Value)
			if err != nil {
				return newParseError(WrongFormatTag, TagSendingTime, "SendingTime is not a valid UTCTimestamp")
			}
			h.SendingTime = t
		case TagPossDupFlag:
			h.PossDupFlag = f.Value == "Y"
		case TagOrigSendingTime:
			t, err := parseUTCTimestamp(f.Value)
			if err != nil {
				return newParseError(WrongFormatTag, TagOrigSendingTime, "OrigSendingTime is not a valid UTCTimestamp")
			}
			h.OrigSendingTime = t
		}
	}
	for _, req := range []int{TagSenderCompID, TagTargetCompID, TagMsgSeqNum, TagSendingTime} {
		if !have[req] {
			return newParseError(MissingRequiredTag, req, "Required tag missing")
		}
	}
	if h.PossDupFlag && !have[TagOrigSendingTime] {
		return &ParseError{Kind: MissingConditionallyRequiredTag, Tag: TagOrigSendingTime, Text: "Conditionally required field missing"}
	}
	return nil
}

// populateBody fills in the message-type-specific fields. Concrete types
// implement no setter interface beyond their exported struct fields, so this
// switches on the concrete type the dictionary produced.
func populateBody(msg Message, fields []Field) *ParseError {
	byTag := map[int]string{}
	for _, f := range fields {
		byTag[f.Tag] = f.Value
	}

	switch m := msg.(type) {
	case *Logon:
		v, ok := byTag[TagHeartBtInt]
		if !ok {
			return newParseError(MissingRequiredTag, TagHeartBtInt, "Required tag missing")
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return newParseError(WrongFormatTag, TagHeartBtInt, "HeartBtInt is not a valid integer")
		}
		m.HeartBtInt = n
	case *Logout:
		m.Text = byTag[TagText]
	case *Heartbeat:
		m.TestReqID = byTag[TagTestReqID]
	case *TestRequest:
		v, ok := byTag[TagTestReqID]
		if !ok {
			return newParseError(MissingRequiredTag, TagTestReqID, "Required tag missing")
		}
		m.TestReqID = v
	case *ResendRequest:
		begin, ok := byTag[TagBeginSeqNo]
		if !ok {
			return newParseError(MissingRequiredTag, TagBeginSeqNo, "Required tag missing")
		}
		end, ok := byTag[TagEndSeqNo]
		if !ok {
			return newParseError(MissingRequiredTag, TagEndSeqNo, "Required tag missing")
		}
		bn, err1 := strconv.ParseUint(begin, 10, 64)
		en, err2 := strconv.ParseUint(end, 10, 64)
		if err1 != nil {
			return newParseError(WrongFormatTag, TagBeginSeqNo, "BeginSeqNo is not a valid integer")
		}
		if err2 != nil {
			return newParseError(WrongFormatTag, TagEndSeqNo, "EndSeqNo is not a valid integer")
		}
		m.BeginSeqNo, m.EndSeqNo = bn, en
	case *SequenceReset:
		newSeq, ok := byTag[TagNewSeqNo]
		if !ok {
			return newParseError(MissingRequiredTag, TagNewSeqNo, "Required tag missing")
		}
		n, err := strconv.ParseUint(newSeq, 10, 64)
		if err != nil {
			return newParseError(WrongFormatTag, TagNewSeqNo, "NewSeqNo is not a valid integer")
		}
		m.NewSeqNo = n
		m.GapFillFlag = byTag[TagGapFillFlag] == "Y"
	case *Reject:
		if v, ok := byTag[TagRefSeqNum]; ok {
			if n, err := strconv.ParseUint(v, 10, 64); err == nil {
				m.RefSeqNum = n
			}
		}
		m.RefTagID = byTag[TagRefTagID]
		m.RefMsgType = byTag[TagRefMsgType]
		m.Text = byTag[TagText]
	case *BusinessMessageReject:
		if v, ok := byTag[TagRefSeqNum]; ok {
			if n, err := strconv.ParseUint(v, 10, 64); err == nil {
				m.RefSeqNum = n
			}
		}
		m.RefMsgType = byTag[TagRefMsgType]
		m.BusinessRejectRefID = byTag[TagBusinessRejectRefID]
		m.Text = byTag[TagText]
	case *Generic:
		m.Body = fields
	}
	return nil
}

func parseUTCTimestamp(s string) (time.Time, error) {
	return time.Parse("20060102-15:04:05.000", s)
}

func splitFields(frame []byte) ([]Field, *ParseError) {
	var fields []Field
	start := 0
	for i, b := range frame {
		if b != soh {
			continue
		}
		raw := frame[start:i]
		start = i + 1
		if len(raw) == 0 {
			continue
		}
		tag, val, ok := splitField(raw)
		if !ok {
			return nil, newParseError(NoValueAfterTag, 0, "Tag specified without a value")
		}
		fields = append(fields, Field{Tag: tag, Value: val})
	}
	return fields, nil
}

func splitField(raw []byte) (tag int, value string, ok bool) {
	eq := indexByte(raw, '=')
	if eq <= 0 || eq == len(raw)-1 {
		return 0, "", false
	}
	n, err := strconv.Atoi(string(raw[:eq]))
	if err != nil {
		return 0, "", false
	}
	return n, string(raw[eq+1:]), true
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
