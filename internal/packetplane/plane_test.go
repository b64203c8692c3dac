package packetplane

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/nymgate/lp-gateway/internal/keymanager"
	"github.com/nymgate/lp-gateway/internal/replay"
)

// capturingDialer returns one side of an in-memory net.Pipe and hands the
// other side's first length-framed message to resultCh, standing in for
// a real next-hop TCP listener in these tests.
func capturingDialer(t *testing.T, resultCh chan<- []byte) Dialer {
	t.Helper()
	return func(ctx context.Context, address string) (net.Conn, error) {
		client, server := net.Pipe()
		go func() {
			var lenBuf [4]byte
			if _, err := io.ReadFull(server, lenBuf[:]); err != nil {
				return
			}
			n := binary.BigEndian.Uint32(lenBuf[:])
			body := make([]byte, n)
			if _, err := io.ReadFull(server, body); err != nil {
				return
			}
			resultCh <- body
		}()
		return client, nil
	}
}

func buildForwardFrame(t *testing.T, km *keymanager.KeyManager, rotationTag byte, nextHop string, delay time.Duration, remaining []byte) []byte {
	t.Helper()
	body, err := sealHopLayer(km.CurrentPrimary().Public(), encodeForwardPlaintext(nextHop, delay, remaining))
	if err != nil {
		t.Fatalf("sealHopLayer: %v", err)
	}
	return EncodeIngressFrame(IngressFrame{PacketType: 0, RotationTag: rotationTag, Body: body})
}

func buildFinalFrame(t *testing.T, km *keymanager.KeyManager, rotationTag byte, payload []byte) []byte {
	t.Helper()
	body, err := sealHopLayer(km.CurrentPrimary().Public(), encodeFinalPlaintext(payload))
	if err != nil {
		t.Fatalf("sealHopLayer: %v", err)
	}
	return EncodeIngressFrame(IngressFrame{PacketType: 1, RotationTag: rotationTag, Body: body})
}

func TestPlaneForwardsHopAfterDelay(t *testing.T) {
	t.Parallel()

	km, err := keymanager.New(11)
	if err != nil {
		t.Fatalf("keymanager.New: %v", err)
	}
	filters := replay.NewFilterSet(11, 1000, 0.001)

	resultCh := make(chan []byte, 1)
	egress := NewEgressManager(capturingDialer(t, resultCh), 8, time.Minute, nil, nil)

	plane := NewPlane(Config{
		QueueDepth:  8,
		NumWorkers:  1,
		MaxHopDelay: time.Second,
	}, km, filters, egress, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go egress.Run(ctx)
	go plane.Run(ctx)

	frame := buildForwardFrame(t, km, byte(11), "10.0.0.9:1790", 10*time.Millisecond, []byte("onward"))
	if !plane.Enqueue(frame) {
		t.Fatal("Enqueue into an empty queue must succeed")
	}

	select {
	case got := <-resultCh:
		if string(got) != "onward" {
			t.Fatalf("forwarded body = %q, want onward", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded packet")
	}
}

func TestPlaneRejectsReplayedPacket(t *testing.T) {
	t.Parallel()

	km, err := keymanager.New(4)
	if err != nil {
		t.Fatalf("keymanager.New: %v", err)
	}
	filters := replay.NewFilterSet(4, 1000, 0.001)

	delivered := make(chan []byte, 4)
	plane := NewPlane(Config{QueueDepth: 8, NumWorkers: 1, MaxHopDelay: time.Second}, km, filters, NewEgressManager(nil, 8, time.Minute, nil, nil), nil, nil)
	plane.OnFinalHop = func(payload []byte) { delivered <- payload }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go plane.Run(ctx)
	go plane.Egress.Run(ctx)

	frame := buildFinalFrame(t, km, byte(4), []byte("payload-1"))

	plane.Enqueue(frame)
	select {
	case got := <-delivered:
		if string(got) != "payload-1" {
			t.Fatalf("payload = %q, want payload-1", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first delivery")
	}

	// Replaying the identical ciphertext must not be delivered twice.
	plane.Enqueue(frame)
	select {
	case got := <-delivered:
		t.Fatalf("replayed packet must not be delivered, got %q", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPlaneDropsExcessiveDelay(t *testing.T) {
	t.Parallel()

	km, err := keymanager.New(2)
	if err != nil {
		t.Fatalf("keymanager.New: %v", err)
	}
	filters := replay.NewFilterSet(2, 1000, 0.001)

	resultCh := make(chan []byte, 1)
	egress := NewEgressManager(capturingDialer(t, resultCh), 8, time.Minute, nil, nil)
	plane := NewPlane(Config{QueueDepth: 8, NumWorkers: 1, MaxHopDelay: 5 * time.Millisecond}, km, filters, egress, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go egress.Run(ctx)
	go plane.Run(ctx)

	frame := buildForwardFrame(t, km, byte(2), "10.0.0.9:1790", time.Second, []byte("too-slow"))
	plane.Enqueue(frame)

	select {
	case got := <-resultCh:
		t.Fatalf("packet exceeding max_hop_delay must be dropped, got forwarded %q", got)
	case <-time.After(200 * time.Millisecond):
	}
}
