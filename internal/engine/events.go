package engine

import (
	"github.com/whisper/fixtgw/internal/sessionstate"
	"github.com/whisper/fixtgw/internal/wire"
)

// ConnectionTerminatedReason is the full taxonomy of ways a connection
// ends, reused from sessionstate since LoggingOut(Error(reason)) already
// needs the same values.
type ConnectionTerminatedReason = sessionstate.Reason

// Command is sent by the application into the engine's single command
// channel. Exactly one of the New*/Send*/Logout*/Shutdown constructors
// below should be used to build one.
type Command struct {
	kind ChangeKind

	// NewConnection
	Token   Token
	Address string

	// SendMessage
	Message wire.Message

	// all kinds carry SenderCompID/TargetCompID only at NewConnection time
	SenderCompID string
	TargetCompID string
}

// ChangeKind discriminates a Command's variant.
type ChangeKind int

const (
	CmdNewConnection ChangeKind = iota
	CmdSendMessage
	CmdLogout
	CmdShutdown
)

// NewConnectionCommand asks the engine to dial address and run a new
// session under token, authenticating as sender to target.
func NewConnectionCommand(token Token, address, sender, target string) Command {
	return Command{kind: CmdNewConnection, Token: token, Address: address, SenderCompID: sender, TargetCompID: target}
}

// SendMessageCommand enqueues an application message for token. The
// message is auto-sequenced: the engine assigns MsgSeqNum and header
// fields at serialize time.
func SendMessageCommand(token Token, msg wire.Message) Command {
	return Command{kind: CmdSendMessage, Token: token, Message: msg}
}

// LogoutCommand asks the engine to cleanly log out token.
func LogoutCommand(token Token) Command {
	return Command{kind: CmdLogout, Token: token}
}

// ShutdownCommand asks the engine to stop the event loop immediately.
func ShutdownCommand() Command {
	return Command{kind: CmdShutdown}
}

// Event is delivered by the engine to the application's event channel.
// Exactly one of the fields relevant to Kind is populated.
type Event struct {
	Kind  EventKind
	Token Token

	Err             error
	Message         wire.Message
	ParseErr        *wire.ParseError
	TerminateReason ConnectionTerminatedReason
	FatalText       string
}

// EventKind discriminates an Event's variant.
type EventKind int

const (
	EventConnectionFailed EventKind = iota
	EventSessionEstablished
	EventMessageReceived
	EventMessageReceivedDuplicate
	EventMessageReceivedGarbled
	EventMessageRejected
	EventSequenceResetResetHasNoEffect
	EventSequenceResetResetInThePast
	EventConnectionTerminated
	EventFatalError
)
