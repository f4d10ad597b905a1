package stacks

import (
	"log/slog"
	"time"

	"github.com/soypat/tcpiplite/eth/ntp"
)

// NTPServer returns a handler that answers client mode requests with the
// time read from now. Register it with OpenUDP on [ntp.ServerPort].
func NTPServer(now func() time.Time, stratum uint8) UDPHandler {
	if now == nil {
		now = time.Now
	}
	return func(s *Stack, dgram *UDPDatagram) {
		rcv, err := ntp.TimestampFromTime(now())
		if err != nil {
			return
		}
		req, err := ntp.DecodeHeader(dgram.Payload)
		if err != nil || req.Mode() != ntp.ModeClient {
			s.trace("ntpsv:ignore", ipAttr("src", dgram.Src))
			return
		}
		c, err := s.UDPStart(dgram.Src, dgram.DstPort, dgram.SrcPort)
		if err != nil {
			s.debug("ntpsv:reply", slog.String("err", err.Error()))
			return
		}
		resp := ntp.Header{
			Stratum:       stratum,
			Poll:          req.Poll,
			Precision:     ntpPrecision,
			ReferenceID:   [4]byte{'L', 'O', 'C', 'L'},
			ReferenceTime: rcv,
			OriginTime:    req.TransmitTime,
			ReceiveTime:   rcv,
		}
		resp.TransmitTime, _ = ntp.TimestampFromTime(now())
		resp.SetFlags(ntp.ModeServer, ntp.LeapNoWarning)
		if b := c.Next(ntp.SizeHeader); b != nil {
			resp.Put(b)
		}
		if err = s.UDPSend(); err != nil {
			s.debug("ntpsv:reply", slog.String("err", err.Error()))
		}
	}
}
