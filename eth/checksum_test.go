package eth

import (
	"encoding/binary"
	"math/rand"
	"testing"

	"gvisor.dev/gvisor/pkg/tcpip/checksum"
)

func TestChecksumRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		data := make([]byte, 2+2*rng.Intn(300))
		rng.Read(data)
		// Checksum field lives in the first two bytes.
		binary.BigEndian.PutUint16(data, 0)
		sum := Checksum(data, 0)
		binary.BigEndian.PutUint16(data, sum)
		if got := Checksum(data, 0); got != 0 {
			t.Fatalf("len=%d: checksum over region with inserted sum %#04x = %#04x, want 0", len(data), sum, got)
		}
	}
}

func TestChecksumMatchesGvisor(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 500; i++ {
		data := make([]byte, rng.Intn(1500))
		rng.Read(data)
		seed := uint16(rng.Intn(1 << 16))
		got := Checksum(data, seed)
		want := ^checksum.Checksum(data, seed)
		if got != want {
			t.Fatalf("len=%d seed=%#04x: got %#04x, gvisor %#04x", len(data), seed, got, want)
		}
	}
}

func TestPseudoHeaderSum(t *testing.T) {
	src := [4]byte{192, 168, 1, 10}
	dst := [4]byte{192, 168, 1, 50}
	var crc CRC791
	crc.Write(src[:])
	crc.Write(dst[:])
	crc.AddUint8(0)
	crc.AddUint8(uint8(IPProtoUDP))
	crc.AddUint16(28)
	got := PseudoHeaderSum(src, dst, IPProtoUDP, 28)
	if got != crc.Sum16() {
		t.Errorf("pseudo header sum %#04x, want %#04x", got, crc.Sum16())
	}
	want := checksum.Combine(checksum.Checksum(src[:], 0), checksum.Checksum(dst[:], 0))
	want = checksum.Combine(want, uint16(IPProtoUDP))
	want = checksum.Combine(want, 28)
	if got != want {
		t.Errorf("pseudo header sum %#04x, gvisor %#04x", got, want)
	}
}

func TestCursor(t *testing.T) {
	buf := make([]byte, 9)
	c := NewCursor(buf)
	c.WriteU8(0xaa)
	c.WriteU16(0x0102)
	c.WriteU32(0x03040506)
	if c.Off() != 7 || c.Len() != 2 {
		t.Fatalf("off=%d len=%d, want 7 and 2", c.Off(), c.Len())
	}
	c.PutU16At(1, 0xbeef)
	if c.Err() != nil {
		t.Fatal(c.Err())
	}
	c.WriteU32(0xdeadc0de) // Overflows.
	if c.Err() == nil {
		t.Fatal("expected short buffer error")
	}
	c.WriteU8(1) // No-op after error.
	if c.Off() != 7 {
		t.Errorf("offset moved after error: %d", c.Off())
	}

	r := NewCursor(buf[:7])
	if v := r.ReadU8(); v != 0xaa {
		t.Errorf("u8 %#x", v)
	}
	if v := r.ReadU16(); v != 0xbeef {
		t.Errorf("u16 %#x", v)
	}
	if v := r.ReadU32(); v != 0x03040506 {
		t.Errorf("u32 %#x", v)
	}
	if r.Err() != nil || r.Len() != 0 {
		t.Errorf("reader err=%v len=%d", r.Err(), r.Len())
	}
	if r.ReadU8() != 0 || r.Err() == nil {
		t.Error("expected read past end to fail")
	}
}

func TestICMPHeaderPut(t *testing.T) {
	h := ICMPHeader{Type: ICMPEchoRequest, Ident: 0x1234, Seq: 7}
	var buf [SizeICMPHeader + 4]byte
	copy(buf[SizeICMPHeader:], "ping")
	h.Put(buf[:])
	h.Checksum = Checksum(buf[:], 0)
	h.Put(buf[:])
	if Checksum(buf[:], 0) != 0 {
		t.Error("icmp checksum does not verify")
	}
	got := DecodeICMPHeader(buf[:])
	if got != h {
		t.Errorf("decode mismatch: %s != %s", got.String(), h.String())
	}
}
