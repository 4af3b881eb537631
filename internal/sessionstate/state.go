// Package sessionstate models the per-connection FIXT session status
// machine: LoggingOn, Established, and LoggingOut with its five sub-states.
// It holds only the state shape and the precondition predicates the
// engine dispatches on; the actual transitions (which enqueue
// messages, arm timers, or emit events) live in internal/engine, since
// those have side effects this package deliberately stays free of.
package sessionstate

import "fmt"

// Status is the coarse session phase.
type Status int

const (
	LoggingOn Status = iota
	Established
	LoggingOut
)

func (s Status) String() string {
	switch s {
	case LoggingOn:
		return "LoggingOn"
	case Established:
		return "Established"
	case LoggingOut:
		return "LoggingOut"
	default:
		return "Unknown"
	}
}

// SubKind discriminates the LoggingOut sub-state.
type SubKind int

const (
	SubOk SubKind = iota
	SubError
	SubResendRequesting
	SubResponding
	SubResponded
)

func (k SubKind) String() string {
	switch k {
	case SubOk:
		return "Ok"
	case SubError:
		return "Error"
	case SubResendRequesting:
		return "ResendRequesting"
	case SubResponding:
		return "Responding"
	case SubResponded:
		return "Responded"
	default:
		return "Unknown"
	}
}

// Initiator distinguishes who was driving the logout when a gap was
// discovered mid-logout: the client (this engine) or the server (peer).
type Initiator int

const (
	InitiatorClient Initiator = iota
	InitiatorServer
)

func (i Initiator) String() string {
	if i == InitiatorServer {
		return "Server"
	}
	return "Client"
}

// Reason is the taxonomy of ways a connection terminates or a LoggingOut(Error)
// sub-state is entered, per the error handling design. It is declared here
// rather than in internal/engine because SubState needs to carry it and
// internal/engine already depends on this package, not the reverse.
type Reason int

const (
	ClientRequested Reason = iota
	ServerRequested
	SocketReadError
	SocketWriteError
	OutboundMsgSeqNumMaxExceeded
	InboundMsgSeqNumMaxExceeded
	InboundMsgSeqNumLowerThanExpected
	TestRequestNotResponded
	LogoutNoResponse
	LogoutNoHangUp
	LogonParseError
	LogonNotFirstMessage
	LogonHeartBtIntNegative
	SenderCompIDWrong
	TargetCompIDWrong
)

func (r Reason) String() string {
	switch r {
	case ClientRequested:
		return "ClientRequested"
	case ServerRequested:
		return "ServerRequested"
	case SocketReadError:
		return "SocketReadError"
	case SocketWriteError:
		return "SocketWriteError"
	case OutboundMsgSeqNumMaxExceeded:
		return "OutboundMsgSeqNumMaxExceededError"
	case InboundMsgSeqNumMaxExceeded:
		return "InboundMsgSeqNumMaxExceededError"
	case InboundMsgSeqNumLowerThanExpected:
		return "InboundMsgSeqNumLowerThanExpectedError"
	case TestRequestNotResponded:
		return "TestRequestNotRespondedError"
	case LogoutNoResponse:
		return "LogoutNoResponseError"
	case LogoutNoHangUp:
		return "LogoutNoHangUpError"
	case LogonParseError:
		return "LogonParseErrorError"
	case LogonNotFirstMessage:
		return "LogonNotFirstMessageError"
	case LogonHeartBtIntNegative:
		return "LogonHeartBtIntNegativeError"
	case SenderCompIDWrong:
		return "SenderCompIDWrongError"
	case TargetCompIDWrong:
		return "TargetCompIDWrongError"
	default:
		return "Unknown"
	}
}

// SubState is the full payload of the LoggingOut status: which sub-phase,
// and the sub-phase-specific data (the terminal reason for Error, the
// initiator for ResendRequesting).
type SubState struct {
	Kind      SubKind
	Reason    Reason
	Initiator Initiator
}

func (s SubState) String() string {
	switch s.Kind {
	case SubError:
		return fmt.Sprintf("Error(%s)", s.Reason)
	case SubResendRequesting:
		return fmt.Sprintf("ResendRequesting(%s)", s.Initiator)
	default:
		return s.Kind.String()
	}
}

// State is the full session state: Status plus, when Status is LoggingOut,
// the active SubState.
type State struct {
	Status Status
	Sub    SubState
}

func (s State) String() string {
	if s.Status == LoggingOut {
		return fmt.Sprintf("LoggingOut(%s)", s.Sub)
	}
	return s.Status.String()
}

// Initial is the state a freshly created Connection starts in.
func Initial() State { return State{Status: LoggingOn} }

// IsLoggingOut reports whether the connection is in any LoggingOut sub-state.
func (s State) IsLoggingOut() bool { return s.Status == LoggingOut }

// IsLoggingOutKind reports whether the connection is LoggingOut in
// specifically the given sub-state kind.
func (s State) IsLoggingOutKind(k SubKind) bool {
	return s.Status == LoggingOut && s.Sub.Kind == k
}

// CanInitiateOk reports whether initiate_logout(Ok) is permitted: not
// already logging out, except when currently ResendRequesting(Client), which
// is the one sub-state a fresh clean Logout is allowed to re-enter from (the
// gap-filled ResendRequesting(Client) -> LoggingOut(Ok) transition).
func (s State) CanInitiateOk() bool {
	if s.Status != LoggingOut {
		return true
	}
	return s.Sub.Kind == SubResendRequesting && s.Sub.Initiator == InitiatorClient
}

// CanInitiateError reports whether initiate_logout(Error(_)) is permitted:
// any state except one already in LoggingOut(Error(_)), so a second fatal
// condition never clobbers the first reason reported to the application.
func (s State) CanInitiateError() bool {
	return !s.IsLoggingOutKind(SubError)
}

// LoggingOnState returns the LoggingOn status.
func LoggingOnState() State { return State{Status: LoggingOn} }

// EstablishedState returns the Established status.
func EstablishedState() State { return State{Status: Established} }

// LoggingOutOk returns LoggingOut(Ok).
func LoggingOutOk() State { return State{Status: LoggingOut, Sub: SubState{Kind: SubOk}} }

// LoggingOutError returns LoggingOut(Error(reason)).
func LoggingOutError(reason Reason) State {
	return State{Status: LoggingOut, Sub: SubState{Kind: SubError, Reason: reason}}
}

// LoggingOutResendRequesting returns LoggingOut(ResendRequesting(initiator)).
func LoggingOutResendRequesting(initiator Initiator) State {
	return State{Status: LoggingOut, Sub: SubState{Kind: SubResendRequesting, Initiator: initiator}}
}

// LoggingOutResponding returns LoggingOut(Responding).
func LoggingOutResponding() State {
	return State{Status: LoggingOut, Sub: SubState{Kind: SubResponding}}
}

// LoggingOutResponded returns LoggingOut(Responded).
func LoggingOutResponded() State {
	return State{Status: LoggingOut, Sub: SubState{Kind: SubResponded}}
}
