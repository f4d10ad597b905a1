package internal

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"testing"
	"time"
)

func TestRingFrames(t *testing.T) {
	r := Ring{Buf: make([]byte, 64)}
	rng := rand.New(rand.NewSource(1))
	var queued [][]byte
	dst := make([]byte, 64)
	for i := 0; i < 1000; i++ {
		if rng.Intn(2) == 0 {
			frame := make([]byte, 1+rng.Intn(30))
			rng.Read(frame)
			err := r.WriteFrame(frame)
			if err != nil {
				if !errors.Is(err, errRingBufferFull) {
					t.Fatal(err)
				}
				continue
			}
			queued = append(queued, frame)
		} else {
			n, err := r.ReadFrame(dst)
			if len(queued) == 0 {
				if err != io.EOF {
					t.Fatalf("expected EOF on empty ring, got %v", err)
				}
				continue
			}
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(dst[:n], queued[0]) {
				t.Fatalf("frame %d mismatch:\n got=%x\nwant=%x", i, dst[:n], queued[0])
			}
			queued = queued[1:]
		}
		if r.Frames() != len(queued) {
			t.Fatalf("frames=%d want %d", r.Frames(), len(queued))
		}
	}
}

func TestRingFrameTooSmallDst(t *testing.T) {
	r := Ring{Buf: make([]byte, 32)}
	r.WriteFrame([]byte("0123456789"))
	r.WriteFrame([]byte("ab"))
	var small [4]byte
	if _, err := r.ReadFrame(small[:]); err == nil {
		t.Fatal("expected short buffer error")
	}
	n, err := r.ReadFrame(small[:])
	if err != nil || string(small[:n]) != "ab" {
		t.Fatalf("got %q, %v; want \"ab\"", small[:n], err)
	}
	if r.Buffered() != 0 {
		t.Errorf("buffered=%d after draining", r.Buffered())
	}
}

func TestRingFull(t *testing.T) {
	r := Ring{Buf: make([]byte, 8)}
	if err := r.WriteFrame([]byte("123456")); err != nil {
		t.Fatal(err)
	}
	if r.Free() != 0 {
		t.Fatalf("free=%d want 0", r.Free())
	}
	if err := r.WriteFrame(nil); err == nil {
		t.Fatal("expected full ring error")
	}
}

func TestBackoffMissCanceled(t *testing.T) {
	b := NewBackoff(0)
	for i := 0; i < 40; i++ {
		b.wait = b.next(b.wait)
	}
	if b.Wait() != time.Second {
		t.Fatalf("wait did not saturate: %s", b.Wait())
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := b.Miss(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Miss did not return on canceled context")
	}
	b.Hit()
	if b.Wait() != 0 {
		t.Errorf("wait after hit=%s", b.Wait())
	}
}
