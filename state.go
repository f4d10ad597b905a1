package tcpiplite

import "strconv"

// State enumerates states a TCP connection progresses through during its lifetime.
type State uint8

const (
	// CLOSED - represents no connection state at all.
	StateClosed State = iota
	// LISTEN - represents waiting for a connection request from any remote TCP and port.
	StateListen
	// SYN-SENT - represents waiting for a matching connection request after having sent a connection request.
	StateSynSent
	// SYN-RECEIVED - represents waiting for a confirming connection request acknowledgment
	// after having both received and sent a connection request.
	StateSynRcvd
	// ESTABLISHED - represents an open connection, data received can be delivered
	// to the user. The normal state for the data transfer phase of the connection.
	StateEstablished
	// FIN-WAIT-1 - represents waiting for a connection termination request
	// from the remote TCP, or an acknowledgment of the connection
	// termination request previously sent.
	StateFinWait1
	// FIN-WAIT-2 - represents waiting for a connection termination request
	// from the remote TCP.
	StateFinWait2
	// CLOSE-WAIT is never entered: a received FIN moves ESTABLISHED straight to LAST-ACK.
	StateCloseWait
	// CLOSING - represents waiting for a connection termination request
	// acknowledgment from the remote TCP.
	StateClosing
	// LAST-ACK - represents waiting for an acknowledgment of the
	// connection termination request previously sent to the remote TCP
	// (which includes an acknowledgment of its connection termination request).
	StateLastAck
	// TIME-WAIT is transient. Entering it resets the connection to CLOSED.
	StateTimeWait
)

var stateNames = [...]string{
	StateClosed:      "Closed",
	StateListen:      "Listen",
	StateSynSent:     "SynSent",
	StateSynRcvd:     "SynRcvd",
	StateEstablished: "Established",
	StateFinWait1:    "FinWait1",
	StateFinWait2:    "FinWait2",
	StateCloseWait:   "CloseWait",
	StateClosing:     "Closing",
	StateLastAck:     "LastAck",
	StateTimeWait:    "TimeWait",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// IsActive returns true for states in which the connection holds a peer
// and a retransmission timer may be running.
func (s State) IsActive() bool {
	return s != StateClosed && s != StateListen && s != StateTimeWait
}

// Event is an input to the TCP state machine. Events are either derived from the
// flags of a received segment or injected locally by the user or the timer.
type Event uint8

const (
	EventNone Event = iota
	EventClose
	EventActiveOpen
	EventPassiveOpen
	EventRcvSyn
	EventRcvAck
	EventRcvSynAck
	EventRcvFin
	EventRcvFinAck
	EventRcvRst
	EventRcvRstAck
	EventTimeout
)

var eventNames = [...]string{
	EventNone:        "None",
	EventClose:       "Close",
	EventActiveOpen:  "ActiveOpen",
	EventPassiveOpen: "PassiveOpen",
	EventRcvSyn:      "RcvSyn",
	EventRcvAck:      "RcvAck",
	EventRcvSynAck:   "RcvSynAck",
	EventRcvFin:      "RcvFin",
	EventRcvFinAck:   "RcvFinAck",
	EventRcvRst:      "RcvRst",
	EventRcvRstAck:   "RcvRstAck",
	EventTimeout:     "Timeout",
}

func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return "Event(" + strconv.Itoa(int(e)) + ")"
}

// EventFromFlags classifies a received segment by its control flags.
// RST takes precedence over SYN which takes precedence over FIN. Segments
// carrying none of RST, SYN, FIN or ACK yield [EventNone] and should be dropped.
func EventFromFlags(flags Flags) Event {
	switch {
	case flags.HasAll(rstack):
		return EventRcvRstAck
	case flags.HasAny(FlagRST):
		return EventRcvRst
	case flags.HasAll(synack):
		return EventRcvSynAck
	case flags.HasAny(FlagSYN):
		return EventRcvSyn
	case flags.HasAll(finack):
		return EventRcvFinAck
	case flags.HasAny(FlagFIN):
		return EventRcvFin
	case flags.HasAny(FlagACK):
		return EventRcvAck
	}
	return EventNone
}

// SocketState is the user facing status of a TCP socket.
type SocketState uint8

const (
	SocketNotASocket SocketState = iota
	SocketClosed
	SocketInProgress
	SocketConnected
	SocketClosing
)

var socketStateNames = [...]string{
	SocketNotASocket: "NotASocket",
	SocketClosed:     "Closed",
	SocketInProgress: "InProgress",
	SocketConnected:  "Connected",
	SocketClosing:    "Closing",
}

func (s SocketState) String() string {
	if int(s) < len(socketStateNames) {
		return socketStateNames[s]
	}
	return "SocketState(" + strconv.Itoa(int(s)) + ")"
}

// BufferState tracks ownership of a user supplied socket buffer.
type BufferState uint8

const (
	BufferNone BufferState = iota
	BufferRxInUse
	BufferTxInUse
)

func (b BufferState) String() string {
	switch b {
	case BufferNone:
		return "None"
	case BufferRxInUse:
		return "RxInUse"
	case BufferTxInUse:
		return "TxInUse"
	}
	return "BufferState(" + strconv.Itoa(int(b)) + ")"
}
