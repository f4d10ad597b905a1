package eth

import "encoding/binary"

// CRC791 accumulates the 16 bit one's complement sum used by the IPv4, ICMP,
// UDP and TCP checksums as defined in RFC 791 and RFC 1071. Data may be written
// in chunks of any length: an odd trailing byte is held until the next write
// and padded with zero in the low byte when the sum is read.
//
// The zero value is ready to use.
type CRC791 struct {
	sum      uint32
	excedent uint8
	needPad  bool
}

// Write adds the bytes in buf to the running checksum. It never returns an error.
func (c *CRC791) Write(buf []byte) (n int, err error) {
	n = len(buf)
	if n == 0 {
		return 0, nil
	}
	if c.needPad {
		c.sum += uint32(c.excedent)<<8 | uint32(buf[0])
		c.needPad = false
		buf = buf[1:]
	}
	for len(buf) > 1 {
		c.sum += uint32(binary.BigEndian.Uint16(buf))
		buf = buf[2:]
	}
	if len(buf) == 1 {
		c.excedent = buf[0]
		c.needPad = true
	}
	return n, nil
}

// AddUint8 adds a single byte to the running checksum.
func (c *CRC791) AddUint8(v uint8) {
	c.Write([]byte{v})
}

// AddUint16 adds a big-endian 16 bit word to the running checksum.
func (c *CRC791) AddUint16(v uint16) {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	c.Write(buf[:])
}

// AddUint32 adds a big-endian 32 bit word to the running checksum.
func (c *CRC791) AddUint32(v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	c.Write(buf[:])
}

// Sum16 returns the folded sum without the final inversion. This is the
// form used to seed a transport checksum with a pseudo-header.
func (c *CRC791) Sum16() uint16 {
	sum := c.sum
	if c.needPad {
		sum += uint32(c.excedent) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return uint16(sum)
}

// Checksum16 returns the one's complement of the folded sum, which is the
// value written into checksum fields.
func (c *CRC791) Checksum16() uint16 { return ^c.Sum16() }

// Checksum computes the Internet checksum over b. seed is added to the sum
// as-is before folding and inversion, so a pseudo-header sum obtained from
// [PseudoHeaderSum] must be passed without complementing it.
//
// Computing the checksum of a region that already contains its correct
// checksum yields zero.
func Checksum(b []byte, seed uint16) uint16 {
	c := CRC791{sum: uint32(seed)}
	c.Write(b)
	return c.Checksum16()
}

// PseudoHeaderSum returns the folded, non-inverted sum of the IPv4 pseudo-header
// used to seed UDP and TCP checksums.
//
//	+--------+--------+--------+--------+
//	|           Source Address          |
//	+--------+--------+--------+--------+
//	|         Destination Address       |
//	+--------+--------+--------+--------+
//	|  zero  |  PTCL  |    TCP Length   |
//	+--------+--------+--------+--------+
func PseudoHeaderSum(src, dst [4]byte, proto IPProto, length uint16) uint16 {
	var c CRC791
	c.Write(src[:])
	c.Write(dst[:])
	c.AddUint16(uint16(proto))
	c.AddUint16(length)
	return c.Sum16()
}
