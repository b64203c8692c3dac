// Package stats implements the stats multiplexer: a bounded-queue event
// loop fanning out tagged events to a closed set of per-subsystem sinks
// (packet, gateway-connection, directory-client), snapshotting them on a
// fast timer and bundling them into a mixnet report on a slow one.
package stats

import (
	"encoding/json"
	"sync/atomic"
)

// SinkTag identifies which registered StatsSink an event belongs to.
type SinkTag string

// The closed set of sink tags. The multiplexer registers exactly these
// three sinks; any event carrying a tag outside this set is logged and
// dropped rather than routed.
const (
	TagPacket          SinkTag = "packet"
	TagGatewayConn     SinkTag = "gateway_conn"
	TagDirectoryClient SinkTag = "directory_client"
)

// Event is any value a producer hands to the multiplexer's queue. TypeTag
// says which sink owns it.
type Event interface {
	TypeTag() SinkTag
}

// Sink is a per-subsystem counter bundle. HandleEvent updates live
// counters; Snapshot rotates the live counters into the window that
// Serialize reports, and resets the live counters for the next window.
type Sink interface {
	TypeTag() SinkTag
	HandleEvent(Event)
	Snapshot()
	Serialize() (json.RawMessage, error)
}

// PacketEvent reports packet-plane activity: forwarded, final-delivered,
// or dropped-with-reason.
type PacketEvent struct {
	Forwarded      uint64
	FinalDelivered uint64
	Dropped        uint64
	DroppedReplay  uint64
}

// TypeTag implements Event.
func (PacketEvent) TypeTag() SinkTag { return TagPacket }

// PacketSink accumulates PacketEvent counters between snapshots.
type PacketSink struct {
	forwarded      atomic.Uint64
	finalDelivered atomic.Uint64
	dropped        atomic.Uint64
	droppedReplay  atomic.Uint64

	window packetWindow
}

type packetWindow struct {
	Forwarded      uint64 `json:"forwarded"`
	FinalDelivered uint64 `json:"final_delivered"`
	Dropped        uint64 `json:"dropped"`
	DroppedReplay  uint64 `json:"dropped_replay"`
}

// NewPacketSink constructs an empty PacketSink.
func NewPacketSink() *PacketSink { return &PacketSink{} }

// TypeTag implements Sink.
func (s *PacketSink) TypeTag() SinkTag { return TagPacket }

// HandleEvent implements Sink.
func (s *PacketSink) HandleEvent(e Event) {
	pe, ok := e.(PacketEvent)
	if !ok {
		return
	}
	s.forwarded.Add(pe.Forwarded)
	s.finalDelivered.Add(pe.FinalDelivered)
	s.dropped.Add(pe.Dropped)
	s.droppedReplay.Add(pe.DroppedReplay)
}

// Snapshot rotates the live counters into the reported window and resets
// them for the next interval.
func (s *PacketSink) Snapshot() {
	s.window = packetWindow{
		Forwarded:      s.forwarded.Swap(0),
		FinalDelivered: s.finalDelivered.Swap(0),
		Dropped:        s.dropped.Swap(0),
		DroppedReplay:  s.droppedReplay.Swap(0),
	}
}

// Serialize implements Sink.
func (s *PacketSink) Serialize() (json.RawMessage, error) {
	return json.Marshal(s.window)
}

// GatewayConnEvent reports LP control-plane connection lifecycle: a
// completed handshake, a rejected one, or a session eviction.
type GatewayConnEvent struct {
	HandshakeCompleted uint64
	HandshakeRejected  uint64
	SessionsEvicted    uint64
}

// TypeTag implements Event.
func (GatewayConnEvent) TypeTag() SinkTag { return TagGatewayConn }

// GatewayConnSink accumulates GatewayConnEvent counters between snapshots.
type GatewayConnSink struct {
	handshakeCompleted atomic.Uint64
	handshakeRejected  atomic.Uint64
	sessionsEvicted    atomic.Uint64

	window gatewayConnWindow
}

type gatewayConnWindow struct {
	HandshakeCompleted uint64 `json:"handshake_completed"`
	HandshakeRejected  uint64 `json:"handshake_rejected"`
	SessionsEvicted    uint64 `json:"sessions_evicted"`
}

// NewGatewayConnSink constructs an empty GatewayConnSink.
func NewGatewayConnSink() *GatewayConnSink { return &GatewayConnSink{} }

// TypeTag implements Sink.
func (s *GatewayConnSink) TypeTag() SinkTag { return TagGatewayConn }

// HandleEvent implements Sink.
func (s *GatewayConnSink) HandleEvent(e Event) {
	ge, ok := e.(GatewayConnEvent)
	if !ok {
		return
	}
	s.handshakeCompleted.Add(ge.HandshakeCompleted)
	s.handshakeRejected.Add(ge.HandshakeRejected)
	s.sessionsEvicted.Add(ge.SessionsEvicted)
}

// Snapshot implements Sink.
func (s *GatewayConnSink) Snapshot() {
	s.window = gatewayConnWindow{
		HandshakeCompleted: s.handshakeCompleted.Swap(0),
		HandshakeRejected:  s.handshakeRejected.Swap(0),
		SessionsEvicted:    s.sessionsEvicted.Swap(0),
	}
}

// Serialize implements Sink.
func (s *GatewayConnSink) Serialize() (json.RawMessage, error) {
	return json.Marshal(s.window)
}

// DirectoryClientEvent reports rotation controller directory-polling
// outcomes.
type DirectoryClientEvent struct {
	PollSucceeded uint64
	PollFailed    uint64
}

// TypeTag implements Event.
func (DirectoryClientEvent) TypeTag() SinkTag { return TagDirectoryClient }

// DirectoryClientSink accumulates DirectoryClientEvent counters between
// snapshots.
type DirectoryClientSink struct {
	pollSucceeded atomic.Uint64
	pollFailed    atomic.Uint64

	window directoryClientWindow
}

type directoryClientWindow struct {
	PollSucceeded uint64 `json:"poll_succeeded"`
	PollFailed    uint64 `json:"poll_failed"`
}

// NewDirectoryClientSink constructs an empty DirectoryClientSink.
func NewDirectoryClientSink() *DirectoryClientSink { return &DirectoryClientSink{} }

// TypeTag implements Sink.
func (s *DirectoryClientSink) TypeTag() SinkTag { return TagDirectoryClient }

// HandleEvent implements Sink.
func (s *DirectoryClientSink) HandleEvent(e Event) {
	de, ok := e.(DirectoryClientEvent)
	if !ok {
		return
	}
	s.pollSucceeded.Add(de.PollSucceeded)
	s.pollFailed.Add(de.PollFailed)
}

// Snapshot implements Sink.
func (s *DirectoryClientSink) Snapshot() {
	s.window = directoryClientWindow{
		PollSucceeded: s.pollSucceeded.Swap(0),
		PollFailed:    s.pollFailed.Swap(0),
	}
}

// Serialize implements Sink.
func (s *DirectoryClientSink) Serialize() (json.RawMessage, error) {
	return json.Marshal(s.window)
}
