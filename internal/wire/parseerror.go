package wire

import "fmt"

// ParseErrorKind enumerates the parser failure taxonomy from the session
// contract: every wire-level malformation the parser can detect maps to one
// of these, which the engine's parseerror handler turns into a Reject or
// BusinessMessageReject.
type ParseErrorKind int

const (
	MissingRequiredTag ParseErrorKind = iota
	UnexpectedTag
	UnknownTag
	NoValueAfterTag
	OutOfRangeTag
	WrongFormatTag
	DuplicateTag
	MissingConditionallyRequiredTag
	GroupStructureError
	MsgTypeUnknown
)

// ParseError is a single parser-detected malformation. Tag and MsgType are
// populated only for the kinds that carry them (MissingConditionallyRequiredTag
// needs both; MsgTypeUnknown needs only MsgType).
type ParseError struct {
	Kind    ParseErrorKind
	Tag     int
	MsgType string
	Text    string
}

func (e *ParseError) Error() string {
	if e.Text != "" {
		return e.Text
	}
	return fmt.Sprintf("parse error (tag %d, msgtype %q)", e.Tag, e.MsgType)
}

func newParseError(kind ParseErrorKind, tag int, text string) *ParseError {
	return &ParseError{Kind: kind, Tag: tag, Text: text}
}

// Item is one unit from a single Feed call: either a decoded Message or a
// terminal ParseError for the chunk that produced it. The parser returns an
// ordered slice of Items to preserve the original interleaving between
// successfully decoded messages and parse errors, since later processing
// (inbound SeqNum bookkeeping) depends on that order.
type Item struct {
	Message Message
	Err     *ParseError
}
