package stacks

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/soypat/tcpiplite/internal"
)

// tickPeriod is the period of the stack timers. TCP timeouts and the ARP
// update period are expressed in ticks.
const tickPeriod = time.Second

// DriverConfig configures a [Driver].
type DriverConfig struct {
	// RxBufferSize is the size in bytes of the received frame queue. Each
	// queued frame takes two extra bytes. Defaults to 4 frames of MTU size.
	RxBufferSize int
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
	// OnTick, if set, runs after the stack timers on every tick with
	// exclusive access to the stack. Use it to drive [DHCPClient.Tick].
	OnTick func(s *Stack)
}

// Driver serialises access to a [Stack]. Frames are queued with Deliver from
// any goroutine and processed by Manage or Run. User calls into the stack go
// through Do.
type Driver struct {
	mu     sync.Mutex
	stack  *Stack
	rx     internal.Ring
	frame  []byte
	now    func() time.Time
	onTick func(s *Stack)

	lastTick time.Time
	ticks    uint32
	dropped  uint32
}

func NewDriver(stack *Stack, cfg DriverConfig) *Driver {
	if cfg.RxBufferSize <= 0 {
		cfg.RxBufferSize = 4 * (int(stack.MTU()) + 2)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Driver{
		stack:  stack,
		rx:     internal.Ring{Buf: make([]byte, cfg.RxBufferSize)},
		frame:  make([]byte, stack.MTU()),
		now:    cfg.Now,
		onTick: cfg.OnTick,
	}
}

// Deliver queues a received Ethernet frame. It copies frame and does no
// protocol processing so it is safe to call from a receive callback.
func (d *Driver) Deliver(frame []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.rx.WriteFrame(frame)
	if err != nil {
		d.dropped++
		d.stack.debug("driver:drop", slog.Int("plen", len(frame)), slog.String("err", err.Error()))
	}
	return err
}

// Pending returns the number of received frames not yet processed.
func (d *Driver) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rx.Frames()
}

// Dropped returns the number of frames rejected by Deliver because the
// queue was full.
func (d *Driver) Dropped() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Read processes all queued frames in arrival order and returns how many
// were processed. Errors of individual frames are logged and not returned.
func (d *Driver) Read() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.read()
}

func (d *Driver) read() (processed int) {
	for {
		n, err := d.rx.ReadFrame(d.frame)
		if errors.Is(err, io.EOF) {
			return processed
		}
		processed++
		if err != nil {
			d.stack.debug("driver:read", slog.String("err", err.Error()))
			continue
		}
		err = d.stack.RecvEth(d.frame[:n])
		if err != nil && d.stack.isLogEnabled(internal.LevelTrace) {
			d.stack.trace("driver:recv", slog.String("err", err.Error()))
		}
	}
}

// Manage processes queued frames and, once per tick, runs the TCP timers and
// ages the ARP cache. Frames are processed before timers so that
// acknowledgments received during the last tick cancel pending retransmissions.
// It returns the number of frames processed.
func (d *Driver) Manage(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	processed := d.read()
	if d.lastTick.IsZero() {
		d.lastTick = now
		return processed
	}
	for now.Sub(d.lastTick) >= tickPeriod {
		d.lastTick = d.lastTick.Add(tickPeriod)
		d.tick()
	}
	return processed
}

func (d *Driver) tick() {
	d.ticks++
	d.stack.TCPUpdate()
	if period := d.stack.cfg.ARPUpdatePeriod; period > 0 && d.ticks%uint32(period) == 0 {
		d.stack.ARPUpdate()
	}
	if d.onTick != nil {
		d.onTick(d.stack)
	}
}

// Ticks returns the number of timer ticks run so far.
func (d *Driver) Ticks() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ticks
}

// Do runs fn with exclusive access to the stack.
func (d *Driver) Do(fn func(s *Stack) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fn(d.stack)
}

// Run calls Manage until ctx is done. While no frames arrive it sleeps with
// an exponential backoff capped below the tick period.
func (d *Driver) Run(ctx context.Context) error {
	backoff := internal.NewBackoff(internal.BackoffHasPriority)
	for {
		if d.Manage(d.now()) > 0 {
			backoff.Hit()
			continue
		}
		err := backoff.Miss(ctx)
		if err != nil {
			return err
		}
	}
}
