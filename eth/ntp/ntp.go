// Package ntp encodes and decodes the NTP packet header of RFC 5905 and
// converts between NTP timestamps and [time.Time].
package ntp

import (
	"encoding/binary"
	"errors"
	"math"
	"math/bits"
	"time"
)

const (
	SizeHeader = 48
	ServerPort = 123
	Version4   = 4
	// UnixOffset is the number of seconds between the NTP prime epoch
	// (1 January 1900) and the Unix epoch.
	UnixOffset = 2208988800
)

var (
	errBeforeEpoch = errors.New("ntp: time before 1900")
	errEraOverflow = errors.New("ntp: time beyond era 0")
	errShort       = errors.New("ntp: short header")
)

// Header is the fixed 48 byte NTP packet header. Extension fields and the
// MAC trailer are not supported.
type Header struct {
	flags     uint8
	Stratum   uint8
	Poll      int8 // log2 seconds.
	Precision int8 // log2 seconds.
	// RootDelay and RootDispersion are in NTP short format.
	RootDelay      Short
	RootDispersion Short
	// ReferenceID is the kiss code when Stratum is 0 and a reference clock
	// identifier for stratum 1 servers.
	ReferenceID   [4]byte
	ReferenceTime Timestamp
	// OriginTime is the client transmit time copied back by the server.
	OriginTime   Timestamp
	ReceiveTime  Timestamp
	TransmitTime Timestamp
}

// Put writes the header to the first SizeHeader bytes of b.
func (h *Header) Put(b []byte) {
	_ = b[SizeHeader-1]
	b[0] = h.flags
	b[1] = h.Stratum
	b[2] = uint8(h.Poll)
	b[3] = uint8(h.Precision)
	binary.BigEndian.PutUint32(b[4:8], uint32(h.RootDelay))
	binary.BigEndian.PutUint32(b[8:12], uint32(h.RootDispersion))
	copy(b[12:16], h.ReferenceID[:])
	h.ReferenceTime.Put(b[16:24])
	h.OriginTime.Put(b[24:32])
	h.ReceiveTime.Put(b[32:40])
	h.TransmitTime.Put(b[40:48])
}

// DecodeHeader decodes the header at the start of b.
func DecodeHeader(b []byte) (h Header, err error) {
	if len(b) < SizeHeader {
		return h, errShort
	}
	h.flags = b[0]
	h.Stratum = b[1]
	h.Poll = int8(b[2])
	h.Precision = int8(b[3])
	h.RootDelay = Short(binary.BigEndian.Uint32(b[4:8]))
	h.RootDispersion = Short(binary.BigEndian.Uint32(b[8:12]))
	copy(h.ReferenceID[:], b[12:16])
	h.ReferenceTime = decodeTimestamp(b[16:24])
	h.OriginTime = decodeTimestamp(b[24:32])
	h.ReceiveTime = decodeTimestamp(b[32:40])
	h.TransmitTime = decodeTimestamp(b[40:48])
	return h, nil
}

// SetFlags sets the leap indicator and mode. The version is always 4.
func (h *Header) SetFlags(mode Mode, leap LeapIndicator) {
	h.flags = uint8(leap)<<6 | Version4<<3 | uint8(mode&0b111)
}

func (h *Header) Mode() Mode                   { return Mode(h.flags & 0b111) }
func (h *Header) Version() uint8               { return h.flags >> 3 & 0b111 }
func (h *Header) LeapIndicator() LeapIndicator { return LeapIndicator(h.flags >> 6) }

type LeapIndicator uint8

const (
	LeapNoWarning LeapIndicator = iota
	LeapLastMinute61
	LeapLastMinute59
	LeapUnsynchronized
)

const (
	// StratumUnspecified marks Kiss-o'-Death packets.
	StratumUnspecified = 0
	StratumPrimary     = 1
	StratumUnsync      = 16
)

type Mode uint8

const (
	_ Mode = iota
	ModeSymmetricActive
	ModeSymmetricPassive
	ModeClient
	ModeServer
	ModeBroadcast
)

// Short is the 16.16 fixed point format of the delay and dispersion fields.
type Short uint32

func (s Short) Duration() time.Duration {
	return time.Duration(s>>16)*time.Second + time.Duration(uint64(s&0xffff)*uint64(time.Second)>>16)
}

// Timestamp is a 32.32 fixed point count of seconds since 1 January 1900.
// The zero value is the prime epoch, which NTP also uses to mean "unset".
type Timestamp struct {
	sec uint32
	fra uint32
}

func decodeTimestamp(b []byte) Timestamp {
	return Timestamp{sec: binary.BigEndian.Uint32(b[:4]), fra: binary.BigEndian.Uint32(b[4:8])}
}

func (t Timestamp) Put(b []byte) {
	_ = b[7]
	binary.BigEndian.PutUint32(b[:4], t.sec)
	binary.BigEndian.PutUint32(b[4:], t.fra)
}

func (t Timestamp) IsZero() bool      { return t == Timestamp{} }
func (t Timestamp) Seconds() uint32   { return t.sec }
func (t Timestamp) Fractions() uint32 { return t.fra }

// TimestampFromTime converts t to era 0 NTP time.
func TimestampFromTime(t time.Time) (Timestamp, error) {
	sec := t.Unix() + UnixOffset
	if sec < 0 {
		return Timestamp{}, errBeforeEpoch
	} else if sec > math.MaxUint32 {
		return Timestamp{}, errEraOverflow
	}
	fra := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return Timestamp{sec: uint32(sec), fra: uint32(fra)}, nil
}

// Unix returns the seconds elapsed since the Unix epoch, discarding the
// fraction.
func (t Timestamp) Unix() int64 { return int64(t.sec) - UnixOffset }

func (t Timestamp) Time() time.Time {
	nsec := uint64(t.fra) * uint64(time.Second) >> 32
	return time.Unix(t.Unix(), int64(nsec)).UTC()
}

// Sub returns t-v.
func (t Timestamp) Sub(v Timestamp) time.Duration {
	dsec := time.Duration(int64(t.sec) - int64(v.sec))
	dfra := int64(t.fra) - int64(v.fra)
	// Scale the magnitude in uint64 so a full fraction does not overflow.
	neg := dfra < 0
	if neg {
		dfra = -dfra
	}
	d := time.Duration(uint64(dfra) * uint64(time.Second) >> 32)
	if neg {
		d = -d
	}
	return dsec*time.Second + d
}

// Add returns t+d for non-negative d.
func (t Timestamp) Add(d time.Duration) Timestamp {
	fra := uint32(uint64(d%time.Second) << 32 / uint64(time.Second))
	fra, carry := bits.Add32(t.fra, fra, 0)
	t.sec += uint32(d/time.Second) + carry
	t.fra = fra
	return t
}
