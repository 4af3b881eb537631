package wire

// Dictionary maps a MsgType value to a prototype Message. The parser clones
// the prototype for every message it decodes so that callers never share
// mutable state across messages of the same type. Business-layer MsgTypes
// that have no entry fall back to Generic.
type Dictionary map[string]func() Message

// DefaultDictionary returns the dictionary covering the session-level admin
// messages this engine understands directly. Callers may extend a clone of
// it with application-layer prototypes; the engine itself never needs to.
func DefaultDictionary() Dictionary {
	return Dictionary{
		MsgTypeLogon:                 func() Message { return NewLogon() },
		MsgTypeLogout:                func() Message { return NewLogout() },
		MsgTypeHeartbeat:             func() Message { return NewHeartbeat() },
		MsgTypeTestRequest:           func() Message { return NewTestRequest() },
		MsgTypeResendRequest:         func() Message { return NewResendRequest() },
		MsgTypeSequenceReset:         func() Message { return NewSequenceReset() },
		MsgTypeReject:                func() Message { return NewReject() },
		MsgTypeBusinessMessageReject: func() Message { return NewBusinessMessageReject() },
	}
}

// Clone returns an independent copy of the dictionary's prototype table; the
// constructors themselves are stateless so sharing the map of funcs across
// clones is safe, but each Parser gets its own map value to mutate freely if
// it later registers application-layer prototypes.
func (d Dictionary) Clone() Dictionary {
	out := make(Dictionary, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// New builds a fresh Message for the given MsgType, falling back to Generic
// when the type is not in the dictionary (opaque business-layer traffic).
func (d Dictionary) New(msgType string) Message {
	if ctor, ok := d[msgType]; ok {
		return ctor()
	}
	return &Generic{Type: msgType}
}

// Known reports whether msgType has a registered prototype.
func (d Dictionary) Known(msgType string) bool {
	_, ok := d[msgType]
	return ok
}
