package stats_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nymgate/lp-gateway/internal/stats"
)

// recordingSender captures every SendReport call. failFirst causes the
// first call to fail so retry behavior can be exercised.
type recordingSender struct {
	mu        sync.Mutex
	attempts  [][]byte
	successes [][]byte
	failFirst bool
	failed    bool
}

func (s *recordingSender) SendReport(_ context.Context, _ string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte(nil), payload...)
	s.attempts = append(s.attempts, cp)
	if s.failFirst && !s.failed {
		s.failed = true
		return errSendFailed
	}
	s.successes = append(s.successes, cp)
	return nil
}

func (s *recordingSender) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts)
}

func (s *recordingSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.successes)
}

func (s *recordingSender) lastPayload() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.successes) == 0 {
		return nil
	}
	return s.successes[len(s.successes)-1]
}

func (s *recordingSender) attemptAt(i int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.attempts) {
		return nil
	}
	return s.attempts[i]
}

type sendFailedError struct{}

func (sendFailedError) Error() string { return "send failed" }

var errSendFailed error = sendFailedError{}

// unregisteredEvent carries a tag outside the multiplexer's fixed
// three-sink registry, exercising the unknown-tag drop path.
type unregisteredEvent struct{}

func (unregisteredEvent) TypeTag() stats.SinkTag { return stats.SinkTag("unregistered") }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestReportBundlesAllThreeSinks(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	mux := stats.New(stats.Config{
		SnapshotInterval: 5 * time.Millisecond,
		ReportInterval:   15 * time.Millisecond,
		ReportRecipient:  "report-box@gateway",
		QueueDepth:       16,
	}, sender, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Run(ctx)

	if !mux.Enqueue(stats.PacketEvent{Forwarded: 3, FinalDelivered: 1}) {
		t.Fatal("Enqueue into an empty queue must succeed")
	}
	if !mux.Enqueue(stats.GatewayConnEvent{HandshakeCompleted: 1}) {
		t.Fatal("Enqueue into an empty queue must succeed")
	}
	if !mux.Enqueue(stats.DirectoryClientEvent{PollSucceeded: 2}) {
		t.Fatal("Enqueue into an empty queue must succeed")
	}

	waitFor(t, 2*time.Second, func() bool { return sender.callCount() > 0 })

	var bundle map[stats.SinkTag]json.RawMessage
	if err := json.Unmarshal(sender.lastPayload(), &bundle); err != nil {
		t.Fatalf("unmarshal report bundle: %v", err)
	}

	for _, tag := range []stats.SinkTag{stats.TagPacket, stats.TagGatewayConn, stats.TagDirectoryClient} {
		if _, ok := bundle[tag]; !ok {
			t.Fatalf("report bundle missing sink %q: %v", tag, bundle)
		}
	}
}

func TestUnregisteredSinkTagIsDroppedAndLogged(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	sender := &recordingSender{}
	mux := stats.New(stats.Config{
		SnapshotInterval: 5 * time.Millisecond,
		ReportInterval:   time.Hour,
		ReportRecipient:  "report-box@gateway",
		QueueDepth:       4,
	}, sender, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Run(ctx)

	mux.Enqueue(unregisteredEvent{})

	waitFor(t, time.Second, func() bool {
		return bytes.Contains(buf.Bytes(), []byte("unregistered sink"))
	})
}

func TestReportRetriesIdenticalBundleOnSendFailure(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{failFirst: true}
	mux := stats.New(stats.Config{
		SnapshotInterval: 5 * time.Millisecond,
		ReportInterval:   15 * time.Millisecond,
		ReportRecipient:  "report-box@gateway",
		QueueDepth:       4,
	}, sender, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Run(ctx)

	mux.Enqueue(stats.PacketEvent{Forwarded: 9})

	waitFor(t, 2*time.Second, func() bool { return sender.attemptCount() >= 2 })

	first, second := sender.attemptAt(0), sender.attemptAt(1)
	if string(first) != string(second) {
		t.Fatalf("retried bundle = %q, want identical to failed attempt %q", second, first)
	}
}

func TestCancelDropsPendingBufferWithoutReporting(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	mux := stats.New(stats.Config{
		SnapshotInterval: 5 * time.Millisecond,
		ReportInterval:   time.Hour,
		QueueDepth:       4,
	}, sender, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	mux.Enqueue(stats.PacketEvent{Forwarded: 1})

	done := make(chan struct{})
	go func() {
		mux.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return promptly after cancel")
	}

	if sender.callCount() != 0 {
		t.Fatalf("sender should not have been called, got %d calls", sender.callCount())
	}
}
