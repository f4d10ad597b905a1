package stacks

// Link is the transmit side of a network interface. SendEth receives a
// complete Ethernet frame. The frame is only valid for the duration of the
// call and must be copied if retained.
type Link interface {
	SendEth(frame []byte) error
}

// LinkFunc adapts a function to the [Link] interface.
type LinkFunc func(frame []byte) error

func (f LinkFunc) SendEth(frame []byte) error { return f(frame) }
