package tcpiplite

// Flags is the TCP flags byte with explicit bit positions as found on the wire
// in the low byte of the 13th and 14th octets of the TCP header.
type Flags uint8

const (
	FlagFIN Flags = 0x01 // FlagFIN - No more data from sender.
	FlagSYN Flags = 0x02 // FlagSYN - Synchronize sequence numbers.
	FlagRST Flags = 0x04 // FlagRST - Reset the connection.
	FlagPSH Flags = 0x08 // FlagPSH - Push function.
	FlagACK Flags = 0x10 // FlagACK - Acknowledgment field significant.
	FlagURG Flags = 0x20 // FlagURG - Urgent pointer field significant.
	FlagECE Flags = 0x40 // FlagECE - ECN-Echo has a nonce-sum in the SYN/ACK.
	FlagCWR Flags = 0x80 // FlagCWR - Congestion Window Reduced.

	synack = FlagSYN | FlagACK
	finack = FlagFIN | FlagACK
	rstack = FlagRST | FlagACK
)

// HasAll checks if mask bits are all set in the receiver flags.
func (flags Flags) HasAll(mask Flags) bool { return flags&mask == mask }

// HasAny checks if one or more mask bits are set in receiver flags.
func (flags Flags) HasAny(mask Flags) bool { return flags&mask != 0 }

// String returns human readable flag string. i.e:
//
//	"[SYN,ACK]"
//
// Flags are printed in order from LSB (FIN) to MSB (CWR).
func (flags Flags) String() string {
	if flags == 0 {
		return "[]"
	}
	const flaglen = 3
	const strflags = "FINSYNRSTPSHACKURGECECWR"
	var flagbuff [2 + (flaglen+1)*8]byte
	n := 0
	for i := 0; i < 8; i++ {
		if flags&(1<<i) == 0 {
			continue
		}
		if n == 0 {
			flagbuff[0] = '['
		} else {
			flagbuff[n] = ','
		}
		n++
		n += copy(flagbuff[n:], strflags[i*flaglen:i*flaglen+flaglen])
	}
	flagbuff[n] = ']'
	n++
	return string(flagbuff[:n])
}
