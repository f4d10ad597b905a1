package stacks_test

import (
	"math/rand"
	"net/netip"
	"testing"

	"github.com/soypat/tcpiplite/stacks"
)

func BenchmarkRecvEthUDP(b *testing.B) {
	const udpdst = 67
	Stacks, _ := createStacks(b, 1, nil)
	s := Stacks[0]
	var received int
	err := s.OpenUDP(udpdst, func(_ *stacks.Stack, dgram *stacks.UDPDatagram) {
		received += len(dgram.Payload)
	})
	if err != nil {
		b.Fatal(err)
	}
	src := newNoisyUDPSource(s.HardwareAddr6(), s.Addr(), udpdst)
	payload := []byte("hello")
	frames := make([][]byte, 64)
	for i := range frames {
		frames[i] = src.frame(payload)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.RecvEth(frames[i%len(frames)])
	}
	b.StopTimer()
	if received != b.N*len(payload) {
		b.Errorf("received %d bytes want %d", received, b.N*len(payload))
	}
}

func BenchmarkTCPExchange(b *testing.B) {
	Stacks, links := createStacks(b, 2, nil)
	seedARP(Stacks...)
	pump := func() (n int) {
		for moved := true; moved; {
			moved = false
			for i, link := range links {
				for _, frame := range link.take() {
					Stacks[1-i].RecvEth(frame)
					moved = true
					n++
				}
			}
		}
		return n
	}
	rx := [2][]byte{make([]byte, 2048), make([]byte, 2048)}
	var socks [2]stacks.Socket
	for i, s := range Stacks {
		sock, err := s.SocketInit()
		if err != nil {
			b.Fatal(err)
		}
		socks[i] = sock
		s.InsertRxBuffer(sock, rx[i])
	}
	Stacks[1].Bind(socks[1], serverPort)
	if err := Stacks[1].Listen(socks[1]); err != nil {
		b.Fatal(err)
	}
	if err := Stacks[0].Connect(socks[0], netip.AddrPortFrom(Stacks[1].Addr(), serverPort)); err != nil {
		b.Fatal(err)
	}
	pump()
	data := make([]byte, 512)
	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := Stacks[0].Send(socks[0], data); err != nil {
			b.Fatal(err)
		}
		pump()
		n, err := Stacks[1].GetReceivedData(socks[1])
		if err != nil || n != len(data) {
			b.Fatalf("received %d bytes: %v", n, err)
		}
		Stacks[1].InsertRxBuffer(socks[1], rx[1])
	}
}

// noisyUDPSource generates valid UDP frames from random sources.
type noisyUDPSource struct {
	rnd   *rand.Rand
	dstHW [6]byte
	dst   [4]byte
	dport uint16
}

func newNoisyUDPSource(macDst [6]byte, ipDst netip.Addr, dport uint16) *noisyUDPSource {
	return &noisyUDPSource{
		rnd:   rand.New(rand.NewSource(0)),
		dstHW: macDst,
		dst:   ipDst.As4(),
		dport: dport,
	}
}

func (n *noisyUDPSource) frame(payload []byte) []byte {
	v64 := n.rnd.Int63()
	srcHW := [6]byte{byte(v64) &^ 1, byte(v64 >> 8), byte(v64 >> 16), byte(v64 >> 24), byte(v64 >> 32), byte(v64 >> 40)}
	src := [4]byte{10, byte(v64 >> 8), byte(v64 >> 16), byte(v64>>24) | 1}
	return udpFrame(n.dstHW, srcHW, src, n.dst, uint16(v64>>32)|1, n.dport, payload)
}
