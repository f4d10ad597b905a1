package eth

import (
	"encoding/binary"
	"io"
)

// Cursor is a bounds-checked big-endian encoder and decoder over a byte slice.
// Every read or write advances the offset by the exact wire size of the field.
//
// The first out of bounds access sets a sticky error returned by [Cursor.Err]
// and turns all subsequent operations into no-ops, so callers can perform a run
// of writes and check the error once.
type Cursor struct {
	buf []byte
	off int
	err error
}

// NewCursor returns a Cursor positioned at the start of buf.
func NewCursor(buf []byte) Cursor {
	return Cursor{buf: buf}
}

// Reset repositions the cursor at the start of buf and clears the error.
func (c *Cursor) Reset(buf []byte) {
	*c = Cursor{buf: buf}
}

// Err returns the first out of bounds error encountered, if any.
func (c *Cursor) Err() error { return c.err }

// Off returns the current offset in the underlying buffer.
func (c *Cursor) Off() int { return c.off }

// Len returns the number of bytes remaining after the offset.
func (c *Cursor) Len() int { return len(c.buf) - c.off }

// Bytes returns the underlying buffer up to the current offset.
func (c *Cursor) Bytes() []byte { return c.buf[:c.off] }

// Seek moves the offset to an absolute position in the buffer.
func (c *Cursor) Seek(off int) {
	if c.err != nil {
		return
	}
	if off < 0 || off > len(c.buf) {
		c.err = io.ErrShortBuffer
		return
	}
	c.off = off
}

// Next returns the next n bytes and advances the offset. It returns nil
// if fewer than n bytes remain.
func (c *Cursor) Next(n int) []byte {
	if c.err != nil {
		return nil
	}
	if n < 0 || n > c.Len() {
		c.err = io.ErrShortBuffer
		return nil
	}
	b := c.buf[c.off : c.off+n : c.off+n]
	c.off += n
	return b
}

// Skip advances the offset n bytes.
func (c *Cursor) Skip(n int) { c.Next(n) }

func (c *Cursor) WriteU8(v uint8) {
	if b := c.Next(1); b != nil {
		b[0] = v
	}
}

func (c *Cursor) WriteU16(v uint16) {
	if b := c.Next(2); b != nil {
		binary.BigEndian.PutUint16(b, v)
	}
}

func (c *Cursor) WriteU32(v uint32) {
	if b := c.Next(4); b != nil {
		binary.BigEndian.PutUint32(b, v)
	}
}

// Write copies all of p at the offset. It implements [io.Writer].
func (c *Cursor) Write(p []byte) (int, error) {
	if b := c.Next(len(p)); b != nil {
		return copy(b, p), nil
	}
	return 0, c.err
}

func (c *Cursor) ReadU8() uint8 {
	if b := c.Next(1); b != nil {
		return b[0]
	}
	return 0
}

func (c *Cursor) ReadU16() uint16 {
	if b := c.Next(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (c *Cursor) ReadU32() uint32 {
	if b := c.Next(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

// PutU16At writes v at the absolute offset off without moving the cursor.
// It is used to back-patch length and checksum fields.
func (c *Cursor) PutU16At(off int, v uint16) {
	if c.err != nil {
		return
	}
	if off < 0 || off+2 > len(c.buf) {
		c.err = io.ErrShortBuffer
		return
	}
	binary.BigEndian.PutUint16(c.buf[off:], v)
}
