package stacks_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"log/slog"
	"net/netip"
	"testing"

	"github.com/soypat/tcpiplite"
	"github.com/soypat/tcpiplite/eth"
	"github.com/soypat/tcpiplite/stacks"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

const (
	exchangesToEstablish = 3
	exchangesToClose     = 3
	serverPort           = 80

	finack = tcpiplite.FlagFIN | tcpiplite.FlagACK
	pshack = tcpiplite.FlagPSH | tcpiplite.FlagACK
	synack = tcpiplite.FlagSYN | tcpiplite.FlagACK
)

func TestTCPEstablish(t *testing.T) {
	const bufSizes = 32
	egr, client, server := createTCPClientServerPair(t, bufSizes, bufSizes)
	wantStates := makeWantStatesHelper(t, client, server)

	// Connect already sent the SYN.
	wantStates(tcpiplite.StateSynSent, tcpiplite.StateListen)
	assertOneTCPTx(t, "client initial SYN", tcpiplite.FlagSYN, egr)
	checkNoMoreDataSent(t, "after client SYN", egr)

	egr.HandleRx(t)
	wantStates(tcpiplite.StateSynSent, tcpiplite.StateSynRcvd)
	assertOneTCPTx(t, "server SYN|ACK", synack, egr)
	checkNoMoreDataSent(t, "after server SYN|ACK", egr)

	// Client established after receiving SYNACK.
	egr.HandleRx(t)
	wantStates(tcpiplite.StateEstablished, tcpiplite.StateSynRcvd)
	assertOneTCPTx(t, "client ACK to server's SYN|ACK", tcpiplite.FlagACK, egr)
	checkNoMoreDataSent(t, "after client's ACK to SYN|ACK", egr)

	// Server established after receiving ACK to SYNACK.
	egr.HandleRx(t)
	wantStates(tcpiplite.StateEstablished, tcpiplite.StateEstablished)
	checkNoMoreDataSent(t, "after establishing", egr)

	syn, sa, ack := egr.SegmentToLast(2), egr.SegmentToLast(1), egr.SegmentToLast(0)
	if sa.ACK != tcpiplite.Add(syn.SEQ, syn.LEN()) {
		t.Errorf("SYN|ACK ack=%d want SYN seq+1=%d", sa.ACK, syn.SEQ+1)
	}
	if ack.SEQ != sa.ACK || ack.ACK != tcpiplite.Add(sa.SEQ, 1) {
		t.Errorf("ACK seq=%d ack=%d, want seq=%d ack=%d", ack.SEQ, ack.ACK, sa.ACK, sa.SEQ+1)
	}
	if client.SocketPoll() != tcpiplite.SocketConnected || server.SocketPoll() != tcpiplite.SocketConnected {
		t.Errorf("socket states client=%s server=%s", client.SocketPoll(), server.SocketPoll())
	}
}

func TestTCPSendReceive_simplex(t *testing.T) {
	const bufSizes = 32
	egr, client, server := createTCPClientServerPair(t, bufSizes, bufSizes)
	egr.DoExchanges(t, exchangesToEstablish)
	wantStates := makeWantStatesHelper(t, client, server)
	wantStates(tcpiplite.StateEstablished, tcpiplite.StateEstablished)

	const data = "hello world"
	client.SendString(t, data)
	assertOneTCPTx(t, "client data", pshack, egr)
	if egr.LastSegment().DATALEN != tcpiplite.Size(len(data)) {
		t.Errorf("segment datalen=%d want %d", egr.LastSegment().DATALEN, len(data))
	}
	if client.stack.SendDone(client.sock) {
		t.Error("send done before acknowledgment")
	}
	egr.HandleRx(t)
	assertOneTCPTx(t, "server ACK of data", tcpiplite.FlagACK, egr)
	egr.HandleRx(t)
	checkNoMoreDataSent(t, "after data acked", egr)
	if !client.stack.SendDone(client.sock) {
		t.Error("send not done after acknowledgment")
	}
	got := server.ReadAllString(t)
	if got != data {
		t.Errorf("server got %q want %q", got, data)
	}
}

func TestTCPSendReceive_segmented(t *testing.T) {
	// Receive window smaller than the data forces several segments.
	const serverBuf = 8
	egr, client, server := createTCPClientServerPair(t, 64, serverBuf)
	egr.DoExchanges(t, exchangesToEstablish)

	data := []byte("0123456789abcdefghij")
	var received []byte
	err := client.stack.Send(client.sock, data)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 16 && len(received) < len(data); i++ {
		egr.DoExchanges(t, 4)
		received = append(received, server.ReadAll(t)...)
	}
	if !bytes.Equal(received, data) {
		t.Fatalf("received %q want %q", received, data)
	}
	egr.DoExchanges(t, 4)
	if !client.stack.SendDone(client.sock) {
		t.Error("send not done after all data received")
	}
}

func TestTCPSendReceive_duplex(t *testing.T) {
	const bufSizes = 64
	egr, client, server := createTCPClientServerPair(t, bufSizes, bufSizes)
	egr.DoExchanges(t, exchangesToEstablish)
	wantStates := makeWantStatesHelper(t, client, server)

	for i := 0; i < 32; i++ {
		cdata := "ping " + string(rune('a'+i%26))
		sdata := "pong number " + string(rune('A'+i%26))
		client.SendString(t, cdata)
		server.SendString(t, sdata)
		egr.DoExchanges(t, 3)
		wantStates(tcpiplite.StateEstablished, tcpiplite.StateEstablished)
		if got := server.ReadAllString(t); got != cdata {
			t.Fatalf("i=%d server got %q want %q", i, got, cdata)
		}
		if got := client.ReadAllString(t); got != sdata {
			t.Fatalf("i=%d client got %q want %q", i, got, sdata)
		}
		if !client.stack.SendDone(client.sock) || !server.stack.SendDone(server.sock) {
			t.Fatalf("i=%d buffers not released", i)
		}
	}
	checkNoMoreDataSent(t, "after duplex", egr)
}

func TestTCPSendBusy(t *testing.T) {
	egr, client, _ := createTCPClientServerPair(t, 32, 32)
	egr.DoExchanges(t, exchangesToEstablish)
	client.SendString(t, "first")
	err := client.stack.Send(client.sock, []byte("second"))
	if !errors.Is(err, stacks.ErrBufferBusy) {
		t.Errorf("got %v want ErrBufferBusy", err)
	}
}

func TestTCPClose_noPendingData(t *testing.T) {
	egr, client, server := createTCPClientServerPair(t, 32, 32)
	egr.DoExchanges(t, exchangesToEstablish)
	wantStates := makeWantStatesHelper(t, client, server)

	err := client.stack.Close(client.sock)
	if err != nil {
		t.Fatal(err)
	}
	wantStates(tcpiplite.StateFinWait1, tcpiplite.StateEstablished)
	assertOneTCPTx(t, "client FIN|ACK", finack, egr)
	egr.HandleRx(t)

	wantStates(tcpiplite.StateFinWait1, tcpiplite.StateLastAck)
	assertOneTCPTx(t, "server FIN|ACK", finack, egr)
	if server.SocketPoll() != tcpiplite.SocketClosing {
		t.Errorf("server socket=%s want Closing", server.SocketPoll())
	}
	egr.HandleRx(t)

	// TIME-WAIT collapses to CLOSED.
	wantStates(tcpiplite.StateClosed, tcpiplite.StateLastAck)
	assertOneTCPTx(t, "client ACK of FIN", tcpiplite.FlagACK, egr)
	egr.HandleRx(t)
	wantStates(tcpiplite.StateClosed, tcpiplite.StateClosed)
	checkNoMoreDataSent(t, "after close", egr)
}

func TestTCPClose_keepsReceivedData(t *testing.T) {
	egr, client, server := createTCPClientServerPair(t, 32, 32)
	egr.DoExchanges(t, exchangesToEstablish)
	client.SendString(t, "bye")
	egr.DoExchanges(t, 2)
	err := client.stack.Close(client.sock)
	if err != nil {
		t.Fatal(err)
	}
	egr.DoExchanges(t, exchangesToClose)
	info, _ := server.stack.TCBInfo(server.sock)
	if info.State != tcpiplite.StateClosed {
		t.Fatalf("server state=%s want Closed", info.State)
	}
	if got := server.ReadAllString(t); got != "bye" {
		t.Errorf("data lost on close, got %q", got)
	}
}

func TestTCPSocketOpenOfClosedPort(t *testing.T) {
	Stacks, links := createStacks(t, 2, nil)
	seedARP(Stacks...)
	egr := NewExchanger(Stacks, links)
	client := newTCPPeer(t, Stacks[0], 0, 32)
	err := client.stack.Connect(client.sock, netip.AddrPortFrom(Stacks[1].Addr(), 81))
	if err != nil {
		t.Fatal(err)
	}
	assertOneTCPTx(t, "SYN to closed port", tcpiplite.FlagSYN, egr)
	egr.HandleRx(t)
	checkNoMoreDataSent(t, "no socket on port", egr)
	info, _ := client.stack.TCBInfo(client.sock)
	if info.State != tcpiplite.StateSynSent {
		t.Errorf("client state=%s want SynSent", info.State)
	}
}

func TestTCPSynRcvdReset(t *testing.T) {
	egr, client, server := createTCPClientServerPair(t, 32, 32)
	assertOneTCPTx(t, "SYN", tcpiplite.FlagSYN, egr)
	syn := egr.LastSegment()
	egr.HandleRx(t)
	assertOneTCPTx(t, "SYN|ACK", synack, egr)
	egr.Drop() // SYN|ACK lost, peer aborts.

	cinfo, _ := client.stack.TCBInfo(client.sock)
	rst := tcpFrame(server.stack.HardwareAddr6(), client.stack.HardwareAddr6(),
		client.stack.Addr().As4(), server.stack.Addr().As4(),
		cinfo.LocalPort, serverPort, tcpiplite.Add(syn.SEQ, 1), 0, tcpiplite.FlagRST, nil)
	err := server.stack.RecvEth(rst)
	if err != nil {
		t.Fatal(err)
	}
	info, _ := server.stack.TCBInfo(server.sock)
	if info.State != tcpiplite.StateListen {
		t.Errorf("server state=%s want Listen", info.State)
	}
	if info.Remote.Port() != 0 {
		t.Errorf("listener kept peer %s", info.Remote)
	}
	checkNoMoreDataSent(t, "after RST", egr)
}

func TestTCPBadChecksum(t *testing.T) {
	Stacks, _ := createStacks(t, 1, nil)
	s := Stacks[0]
	sock := newTCPPeer(t, s, serverPort, 32)
	if err := s.Listen(sock.sock); err != nil {
		t.Fatal(err)
	}
	peer := [4]byte{192, 168, 1, 77}
	frame := tcpFrame(s.HardwareAddr6(), [6]byte{2, 0, 0, 0, 0, 77}, peer, s.Addr().As4(), 4000, serverPort, 1000, 0, tcpiplite.FlagSYN, nil)
	frame[len(frame)-1] ^= 0xff // Corrupt the urgent pointer.
	err := s.RecvEth(frame)
	if !errors.Is(err, stacks.ErrChecksum) {
		t.Fatalf("got %v want ErrChecksum", err)
	}
	info, _ := s.TCBInfo(sock.sock)
	if info.State != tcpiplite.StateListen {
		t.Errorf("state=%s want Listen", info.State)
	}
}

func TestTCPEmittedChecksum(t *testing.T) {
	egr, client, server := createTCPClientServerPair(t, 32, 32)
	egr.DoExchanges(t, exchangesToEstablish)
	client.SendString(t, "checksummed payload")
	egr.HandleTx(t)
	frames := egr.Inflight(0)
	if len(frames) != 1 {
		t.Fatalf("got %d frames", len(frames))
	}
	ip := header.IPv4(frames[0][header.EthernetMinimumSize:])
	if !ip.IsChecksumValid() {
		t.Error("invalid IPv4 checksum")
	}
	tcp := header.TCP(ip.Payload())
	payload := tcp.Payload()
	if !tcp.IsChecksumValid(ip.SourceAddress(), ip.DestinationAddress(), checksum.Checksum(payload, 0), uint16(len(payload))) {
		t.Error("invalid TCP checksum")
	}
	if ip.DestinationAddress() != tcpip.AddrFrom4(server.stack.Addr().As4()) {
		t.Errorf("dst=%s", ip.DestinationAddress())
	}
}

func TestSocketHandles(t *testing.T) {
	Stacks, _ := createStacks(t, 1, func(i int, cfg *stacks.StackConfig) { cfg.MaxTCBs = 2 })
	s := Stacks[0]
	a, err := s.SocketInit()
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.SocketInit()
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.SocketInit()
	if !errors.Is(err, stacks.ErrNoTCB) {
		t.Fatalf("got %v want ErrNoTCB", err)
	}
	if err = s.SocketRemove(a); err != nil {
		t.Fatal(err)
	}
	if s.SocketPoll(a) != tcpiplite.SocketNotASocket {
		t.Error("removed socket still valid")
	}
	if err = s.Bind(a, 10); !errors.Is(err, stacks.ErrNotASocket) {
		t.Errorf("stale handle: got %v want ErrNotASocket", err)
	}
	c, err := s.SocketInit()
	if err != nil {
		t.Fatal(err)
	}
	if s.SocketPoll(a) != tcpiplite.SocketNotASocket || s.SocketPoll(c) != tcpiplite.SocketClosed || s.SocketPoll(b) != tcpiplite.SocketClosed {
		t.Error("slot reuse confused handles")
	}
}

// Exchanger moves frames captured on each stack's link to every other stack.
type Exchanger struct {
	Stacks   []*stacks.Stack
	links    []*captureLink
	inflight [][][]byte
	segments []tcpiplite.Segment
	ex       int
	loglevel slog.Level
}

func NewExchanger(Stacks []*stacks.Stack, links []*captureLink) *Exchanger {
	return &Exchanger{
		Stacks:   Stacks,
		links:    links,
		inflight: make([][][]byte, len(Stacks)),
		ex:       -1,
		loglevel: slog.LevelInfo,
	}
}

func (egr *Exchanger) isdebug() bool { return egr.loglevel <= slog.LevelDebug }

// LastSegment returns the last TCP segment sent over the stack.
func (egr *Exchanger) LastSegment() tcpiplite.Segment {
	if len(egr.segments) == 0 {
		return tcpiplite.Segment{}
	}
	return egr.segments[len(egr.segments)-1]
}

// SegmentToLast returns the ith from last TCP segment sent over the stack. When fromLast==0 returns last segment.
func (egr *Exchanger) SegmentToLast(fromLast int) tcpiplite.Segment {
	return egr.segments[len(egr.segments)-fromLast-1]
}

// Inflight returns the frames sent by stack istack not yet delivered.
func (egr *Exchanger) Inflight(istack int) [][]byte { return egr.inflight[istack] }

// Drop discards all in-flight frames.
func (egr *Exchanger) Drop() {
	for i := range egr.inflight {
		egr.inflight[i] = nil
	}
}

// HandleTx collects the frames each stack has sent since the last call.
func (egr *Exchanger) HandleTx(t *testing.T) (pkts, bytesSent int) {
	t.Helper()
	egr.ex++
	for istack, link := range egr.links {
		frames := link.take()
		egr.inflight[istack] = append(egr.inflight[istack], frames...)
		for _, frame := range frames {
			pkts++
			bytesSent += len(frame)
			seg, ok := parseTCPSegment(frame)
			if !ok {
				continue
			}
			egr.segments = append(egr.segments, seg)
			if egr.isdebug() {
				t.Logf("ex[%d] send[%d]: %+v", egr.ex, istack, seg)
			}
		}
	}
	return pkts, bytesSent
}

// HandleRx delivers each in-flight frame to all stacks except the one that sent it.
func (egr *Exchanger) HandleRx(t *testing.T) {
	t.Helper()
	for isend := range egr.Stacks {
		for _, frame := range egr.inflight[isend] {
			for irecv := range egr.Stacks {
				if irecv == isend {
					continue
				}
				err := egr.Stacks[irecv].RecvEth(frame)
				if err != nil && !isDroppedPacket(err) {
					t.Errorf("ex[%d] recv[%d]: %s", egr.ex, irecv, err)
				} else if err != nil && egr.isdebug() {
					t.Logf("ex[%d] recv[%d]: %s", egr.ex, irecv, err)
				}
			}
		}
		egr.inflight[isend] = nil
	}
}

// DoExchanges exchanges packets between stacks until no more data is being sent or maxExchanges is reached.
func (egr *Exchanger) DoExchanges(t *testing.T, maxExchanges int) (exDone, bytesSent int) {
	t.Helper()
	for ; exDone < maxExchanges; exDone++ {
		pkts, bytes := egr.HandleTx(t)
		bytesSent += bytes
		if pkts == 0 {
			break
		}
		egr.HandleRx(t)
	}
	return exDone, bytesSent
}

func isDroppedPacket(err error) bool {
	return errors.Is(err, stacks.ErrDestNotMatched) || errors.Is(err, stacks.ErrPortNotAvailable)
}

// captureLink records transmitted frames. Setting fail makes sends fail.
type captureLink struct {
	frames [][]byte
	fail   error
}

func (l *captureLink) SendEth(frame []byte) error {
	if l.fail != nil {
		return l.fail
	}
	l.frames = append(l.frames, bytes.Clone(frame))
	return nil
}

func (l *captureLink) take() [][]byte {
	frames := l.frames
	l.frames = nil
	return frames
}

// createStacks returns n stacks on 192.168.1.0/24 starting at address .10.
func createStacks(t testing.TB, n int, cfgfn func(i int, cfg *stacks.StackConfig)) (Stacks []*stacks.Stack, links []*captureLink) {
	t.Helper()
	for i := 0; i < n; i++ {
		link := &captureLink{}
		cfg := stacks.StackConfig{
			MAC:     []byte{0x02, 0, 0, 0, byte(i >> 8), byte(i + 1)},
			Addr:    netip.AddrFrom4([4]byte{192, 168, 1, byte(10 + i)}),
			Gateway: netip.AddrFrom4([4]byte{192, 168, 1, 1}),
			ISS:     uint32(i+1) * 0x10203041,
			Link:    link,
		}
		if cfgfn != nil {
			cfgfn(i, &cfg)
		}
		s, err := stacks.NewStack(cfg)
		if err != nil {
			t.Fatal(err)
		}
		Stacks = append(Stacks, s)
		links = append(links, link)
	}
	return Stacks, links
}

// seedARP makes every stack know the link address of every other stack.
func seedARP(Stacks ...*stacks.Stack) {
	for _, a := range Stacks {
		for _, b := range Stacks {
			if a != b {
				a.ARPAdd(a.Addr().As4(), b.Addr().As4(), uint16(eth.EtherTypeIPv4), b.HardwareAddr6())
			}
		}
	}
}

type tcpPeer struct {
	stack *stacks.Stack
	sock  stacks.Socket
	rx    []byte
}

func newTCPPeer(t *testing.T, s *stacks.Stack, port uint16, rxSize int) *tcpPeer {
	t.Helper()
	sock, err := s.SocketInit()
	if err != nil {
		t.Fatal(err)
	}
	if port != 0 {
		err = s.Bind(sock, port)
		if err != nil {
			t.Fatal(err)
		}
	}
	p := &tcpPeer{stack: s, sock: sock, rx: make([]byte, rxSize)}
	err = s.InsertRxBuffer(sock, p.rx)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func (p *tcpPeer) SocketPoll() tcpiplite.SocketState { return p.stack.SocketPoll(p.sock) }

func (p *tcpPeer) SendString(t *testing.T, s string) {
	t.Helper()
	err := p.stack.Send(p.sock, []byte(s))
	if err != nil {
		t.Fatal(err)
	}
}

// ReadAll takes the received data and reinserts the receive buffer.
func (p *tcpPeer) ReadAll(t *testing.T) []byte {
	t.Helper()
	n, err := p.stack.GetReceivedData(p.sock)
	if err != nil {
		t.Fatal(err)
	}
	data := bytes.Clone(p.rx[:n])
	err = p.stack.InsertRxBuffer(p.sock, p.rx)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func (p *tcpPeer) ReadAllString(t *testing.T) string { return string(p.ReadAll(t)) }

// createTCPClientServerPair returns a listening server on port 80 and a
// client that has started connecting to it.
func createTCPClientServerPair(t *testing.T, clientSizes, serverSizes int) (egr *Exchanger, client, server *tcpPeer) {
	t.Helper()
	Stacks, links := createStacks(t, 2, nil)
	seedARP(Stacks...)
	server = newTCPPeer(t, Stacks[1], serverPort, serverSizes)
	err := server.stack.Listen(server.sock)
	if err != nil {
		t.Fatal(err)
	}
	client = newTCPPeer(t, Stacks[0], 0, clientSizes)
	err = client.stack.Connect(client.sock, netip.AddrPortFrom(server.stack.Addr(), serverPort))
	if err != nil {
		t.Fatal(err)
	}
	return NewExchanger(Stacks, links), client, server
}

func checkNoMoreDataSent(t *testing.T, msg string, egr *Exchanger) {
	t.Helper()
	for istack, link := range egr.links {
		if len(link.frames) > 0 {
			t.Errorf("stack[%d] [txs=%d] unexpected data: %s", istack, len(link.frames), msg)
		}
	}
}

func assertOneTCPTx(t *testing.T, msg string, wantFlags tcpiplite.Flags, egr *Exchanger) {
	t.Helper()
	nseg := len(egr.segments)
	txs, n := egr.HandleTx(t)
	totsegs := len(egr.segments) - nseg
	if txs == 0 {
		t.Fatalf("no data sent: %s", msg)
	} else if n < 54 {
		t.Fatalf("wanted one TCP packet, got short %d", n)
	} else if txs > 1 {
		t.Fatalf("more than one tx: %d", txs)
	} else if totsegs != 1 {
		t.Fatal("expected one TCP segment")
	} else if egr.LastSegment().Flags != wantFlags {
		t.Fatalf("%s: expected flags=%v got=%v", msg, wantFlags, egr.LastSegment().Flags)
	}
}

func makeWantStatesHelper(t *testing.T, client, server *tcpPeer) func(cs, ss tcpiplite.State) {
	return func(cs, ss tcpiplite.State) {
		t.Helper()
		cinfo, _ := client.stack.TCBInfo(client.sock)
		sinfo, _ := server.stack.TCBInfo(server.sock)
		if cinfo.State != cs {
			t.Errorf("client state got=%s want=%s", cinfo.State, cs)
		}
		if sinfo.State != ss {
			t.Errorf("server state got=%s want=%s", sinfo.State, ss)
		}
	}
}

func parseTCPSegment(frame []byte) (tcpiplite.Segment, bool) {
	if len(frame) < eth.SizeEthernetHeader+eth.SizeIPv4Header+eth.SizeTCPHeader {
		return tcpiplite.Segment{}, false
	}
	ehdr := eth.DecodeEthernetHeader(frame)
	if ehdr.AssertType() != eth.EtherTypeIPv4 {
		return tcpiplite.Segment{}, false
	}
	ihdr, ihl := eth.DecodeIPv4Header(frame[eth.SizeEthernetHeader:])
	if ihdr.Protocol != eth.IPProtoTCP {
		return tcpiplite.Segment{}, false
	}
	tcpbuf := frame[eth.SizeEthernetHeader+int(ihl) : eth.SizeEthernetHeader+int(ihdr.TotalLength)]
	thdr, off := eth.DecodeTCPHeader(tcpbuf)
	return thdr.Segment(len(tcpbuf) - int(off)), true
}

// ipv4Frame builds an Ethernet frame carrying an IPv4 packet with gVisor's
// header encoders. If the protocol is UDP or TCP the transport checksum is filled in.
func ipv4Frame(dstHW, srcHW [6]byte, src, dst [4]byte, proto tcpip.TransportProtocolNumber, l4 []byte) []byte {
	frame := make([]byte, header.EthernetMinimumSize+header.IPv4MinimumSize+len(l4))
	header.Ethernet(frame).Encode(&header.EthernetFields{
		SrcAddr: tcpip.LinkAddress(srcHW[:]),
		DstAddr: tcpip.LinkAddress(dstHW[:]),
		Type:    header.IPv4ProtocolNumber,
	})
	ip := header.IPv4(frame[header.EthernetMinimumSize:])
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(header.IPv4MinimumSize + len(l4)),
		ID:          1,
		TTL:         64,
		Protocol:    uint8(proto),
		SrcAddr:     tcpip.AddrFrom4(src),
		DstAddr:     tcpip.AddrFrom4(dst),
	})
	ip.SetChecksum(^ip.CalculateChecksum())
	payload := ip[header.IPv4MinimumSize:]
	copy(payload, l4)
	var csumOff int
	switch proto {
	case header.UDPProtocolNumber:
		csumOff = 6
	case header.TCPProtocolNumber:
		csumOff = 16
	default:
		return frame
	}
	binary.BigEndian.PutUint16(payload[csumOff:], 0)
	xsum := header.PseudoHeaderChecksum(proto, ip.SourceAddress(), ip.DestinationAddress(), uint16(len(payload)))
	binary.BigEndian.PutUint16(payload[csumOff:], ^checksum.Checksum(payload, xsum))
	return frame
}

func udpFrame(dstHW, srcHW [6]byte, src, dst [4]byte, srcPort, dstPort uint16, data []byte) []byte {
	l4 := make([]byte, header.UDPMinimumSize+len(data))
	header.UDP(l4).Encode(&header.UDPFields{
		SrcPort: srcPort,
		DstPort: dstPort,
		Length:  uint16(len(l4)),
	})
	copy(l4[header.UDPMinimumSize:], data)
	return ipv4Frame(dstHW, srcHW, src, dst, header.UDPProtocolNumber, l4)
}

func tcpFrame(dstHW, srcHW [6]byte, src, dst [4]byte, srcPort, dstPort uint16, seq, ack tcpiplite.Value, flags tcpiplite.Flags, data []byte) []byte {
	return tcpOptsFrame(dstHW, srcHW, src, dst, srcPort, dstPort, seq, ack, flags, nil, data)
}

// tcpOptsFrame is tcpFrame with raw options, whose length must be a multiple of 4.
func tcpOptsFrame(dstHW, srcHW [6]byte, src, dst [4]byte, srcPort, dstPort uint16, seq, ack tcpiplite.Value, flags tcpiplite.Flags, opts, data []byte) []byte {
	off := header.TCPMinimumSize + len(opts)
	l4 := make([]byte, off+len(data))
	header.TCP(l4).Encode(&header.TCPFields{
		SrcPort:    srcPort,
		DstPort:    dstPort,
		SeqNum:     uint32(seq),
		AckNum:     uint32(ack),
		DataOffset: uint8(off),
		Flags:      header.TCPFlags(flags),
		WindowSize: 1024,
	})
	copy(l4[header.TCPMinimumSize:], opts)
	copy(l4[off:], data)
	return ipv4Frame(dstHW, srcHW, src, dst, header.TCPProtocolNumber, l4)
}
