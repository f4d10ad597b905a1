package internal

import (
	"encoding/binary"
	"errors"
	"io"
)

var (
	errRingBufferFull = errors.New("tcpiplite: ringbuffer full")
	errFrameTooLarge  = errors.New("tcpiplite: frame too large")
	errShortFrameBuf  = errors.New("tcpiplite: frame buffer too small")
)

// frameHeaderLen is the size of the big-endian length prefix stored before each frame.
const frameHeaderLen = 2

// Ring is a ring buffer implementation. It can be used as a byte stream through
// Read and Write or as a queue of whole frames through WriteFrame and ReadFrame.
// The two modes must not be mixed on the same buffer.
type Ring struct {
	Buf []byte
	Off int
	End int
	// full disambiguates Off==End, which happens when the buffer is full.
	full   bool
	frames int
}

func (r *Ring) Write(b []byte) (int, error) {
	free := r.Free()
	if len(b) > free {
		return 0, errRingBufferFull
	}
	if len(b) == 0 {
		return 0, nil
	}
	midFree := r.midFree()
	if midFree > 0 {
		// start     end       off    len(buf)
		//   |  used  |  mfree  |  used  |
		n := copy(r.Buf[r.End:r.Off], b)
		r.End += n
		r.full = r.End == r.Off
		return n, nil
	}
	// start       off       end      len(buf)
	//   |  sfree   |  used   |  efree   |
	n := copy(r.Buf[r.End:], b)
	r.End += n
	if n < len(b) {
		n2 := copy(r.Buf, b[n:])
		r.End = n2
		n += n2
	}
	if r.End == len(r.Buf) {
		r.End = 0
	}
	r.full = r.End == r.Off
	return n, nil
}

func (r *Ring) Read(b []byte) (int, error) {
	if r.Buffered() == 0 {
		return 0, io.EOF
	}
	if r.End > r.Off {
		// start       off       end      len(buf)
		//   |  sfree   |  used   |  efree   |
		n := copy(b, r.Buf[r.Off:r.End])
		r.Off += n
		r.onReadEnd(n)
		return n, nil
	}
	// start     end       off     len(buf)
	//   |  used  |  mfree  |  used  |
	n := copy(b, r.Buf[r.Off:])
	r.Off += n
	if n < len(b) {
		n2 := copy(b[n:], r.Buf[:r.End])
		r.Off = n2
		n += n2
	}
	r.onReadEnd(n)
	return n, nil
}

// WriteFrame stores frame as a single unit. Either the whole frame is queued
// or nothing is written and an error is returned.
func (r *Ring) WriteFrame(frame []byte) error {
	if len(frame) > 0xffff {
		return errFrameTooLarge
	}
	if len(frame)+frameHeaderLen > r.Free() {
		return errRingBufferFull
	}
	var hdr [frameHeaderLen]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(frame)))
	r.Write(hdr[:])
	r.Write(frame)
	r.frames++
	return nil
}

// ReadFrame copies the oldest queued frame into dst and returns its length.
// If dst cannot hold the frame it is discarded and an error is returned.
// Returns io.EOF when no frames are queued.
func (r *Ring) ReadFrame(dst []byte) (int, error) {
	if r.frames == 0 {
		return 0, io.EOF
	}
	var hdr [frameHeaderLen]byte
	r.Read(hdr[:])
	size := int(binary.BigEndian.Uint16(hdr[:]))
	r.frames--
	if size > len(dst) {
		r.discard(size)
		return 0, errShortFrameBuf
	}
	n, _ := r.Read(dst[:size])
	return n, nil
}

// Frames returns the number of frames queued with WriteFrame.
func (r *Ring) Frames() int { return r.frames }

func (r *Ring) discard(n int) {
	for n > 0 {
		var scratch [64]byte
		got, err := r.Read(scratch[:min(n, len(scratch))])
		if err != nil {
			return
		}
		n -= got
	}
}

func (r *Ring) Buffered() int {
	return len(r.Buf) - r.Free()
}

func (r *Ring) Reset() {
	r.Off = 0
	r.End = 0
	r.full = false
	r.frames = 0
}

func (r *Ring) Free() int {
	if r.full {
		return 0
	}
	if r.Off <= r.End {
		// start       off       end      len(buf)
		//   |  sfree   |  used   |  efree   |
		startFree := r.Off
		endFree := len(r.Buf) - r.End
		return startFree + endFree
	}
	// start     end       off     len(buf)
	//   |  used  |  mfree  |  used  |
	return r.Off - r.End
}

func (r *Ring) midFree() int {
	if r.End >= r.Off {
		return 0
	}
	return r.Off - r.End
}

func (r *Ring) onReadEnd(n int) {
	if n > 0 {
		r.full = false
	}
	if r.Off == len(r.Buf) {
		r.Off = 0 // Wrap around.
	}
	if r.Off == r.End && !r.full {
		// We read everything, reset.
		r.Off = 0
		r.End = 0
	}
}
