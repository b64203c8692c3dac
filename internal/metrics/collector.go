// Package lpmetrics exposes the lp-gateway core's Prometheus metrics.
//
// The Collector is not a stats sink: the multiplexer (internal/stats)
// dispatches only to its own three report sinks. Each subsystem updates
// these metrics directly, so local scraping and the periodic on-mixnet
// report are fed by separate call paths.
package lpmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "lpgw"
)

// Label names.
const (
	labelRotation = "rotation_id"
	labelPeer     = "next_hop"
	labelReason   = "reason"
)

// Collector holds all lp-gateway Prometheus metrics.
type Collector struct {
	// Sessions tracks the number of currently active LP sessions.
	Sessions prometheus.Gauge

	// KeyRotationID reports the current primary key's rotation id.
	KeyRotationID prometheus.Gauge

	// LPDataPacketsReceived counts UDP datagrams received on the data plane.
	LPDataPacketsReceived prometheus.Counter
	// LPDataPacketErrors counts datagrams that a live session rejected
	// (decrypt or receive-window failure), labeled by reason.
	LPDataPacketErrors *prometheus.CounterVec
	// LPDataUnknownSession counts datagrams whose receiver_idx has no session.
	LPDataUnknownSession prometheus.Counter
	// LPDataPacketsForwarded counts Sphinx packets successfully forwarded
	// to the packet plane after LP decapsulation.
	LPDataPacketsForwarded prometheus.Counter
	// LPDataIgnoredSendActions counts state-machine SendPacket actions that
	// were dropped because they arrived on the UDP data plane.
	LPDataIgnoredSendActions prometheus.Counter

	// ReplayRejected counts packets rejected by a replay filter, labeled by
	// rotation id.
	ReplayRejected *prometheus.CounterVec
	// ReplayChecked counts every check_and_mark call, labeled by rotation id.
	ReplayChecked *prometheus.CounterVec

	// IngressDropped counts ingress packets dropped, labeled by reason
	// (malformed, excessive_delay, no_candidate_key, queue_full from the
	// packet plane; short_datagram, oversized_datagram from the LP data
	// plane; stats_queue_full from the stats multiplexer).
	IngressDropped *prometheus.CounterVec
	// EgressQueueDropped counts egress packets dropped due to a full
	// per-peer forwarder queue.
	EgressQueueDropped *prometheus.CounterVec

	// SurbInventory reports the current SURB inventory size. It is not
	// labeled per sender tag (unbounded cardinality); it reports the
	// aggregate inventory across all tracked tags instead.
	SurbInventory prometheus.Gauge
	// SurbUnderflow counts attempted pending_reception decrements below zero.
	SurbUnderflow prometheus.Counter

	// RotationActions counts rotation controller actions executed, labeled
	// by action kind (pre_announce, swap_default, purge_old).
	RotationActions *prometheus.CounterVec
	// RotationInvariantViolations counts corrupt-slot detections that force
	// an immediate purge-and-log.
	RotationInvariantViolations prometheus.Counter
}

// NewCollector creates a Collector with all metrics registered against reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sessions,
		c.KeyRotationID,
		c.LPDataPacketsReceived,
		c.LPDataPacketErrors,
		c.LPDataUnknownSession,
		c.LPDataPacketsForwarded,
		c.LPDataIgnoredSendActions,
		c.ReplayRejected,
		c.ReplayChecked,
		c.IngressDropped,
		c.EgressQueueDropped,
		c.SurbInventory,
		c.SurbUnderflow,
		c.RotationActions,
		c.RotationInvariantViolations,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "lp", Name: "sessions",
			Help: "Number of currently active LP sessions.",
		}),
		KeyRotationID: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "keymanager", Name: "primary_rotation_id",
			Help: "Rotation id currently held in the primary key slot.",
		}),
		LPDataPacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lp_data", Name: "packets_received_total",
			Help: "Total UDP datagrams received on the LP data plane.",
		}),
		LPDataPacketErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lp_data", Name: "packet_errors_total",
			Help: "Total LP data-plane packets rejected, labeled by reason.",
		}, []string{labelReason}),
		LPDataUnknownSession: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lp_data", Name: "unknown_session_total",
			Help: "Total datagrams whose receiver_idx matched no live session.",
		}),
		LPDataPacketsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lp_data", Name: "packets_forwarded_total",
			Help: "Total Sphinx packets forwarded after LP decapsulation.",
		}),
		LPDataIgnoredSendActions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lp_data", Name: "ignored_send_actions_total",
			Help: "Total SendPacket actions dropped because they occurred on the UDP path.",
		}),
		ReplayRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "replay", Name: "rejected_total",
			Help: "Total packets rejected as replays, labeled by rotation id.",
		}, []string{labelRotation}),
		ReplayChecked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "replay", Name: "checked_total",
			Help: "Total check_and_mark calls, labeled by rotation id.",
		}, []string{labelRotation}),
		IngressDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingress", Name: "dropped_total",
			Help: "Total ingress packets dropped, labeled by reason.",
		}, []string{labelReason}),
		EgressQueueDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "egress", Name: "queue_dropped_total",
			Help: "Total egress packets dropped due to a full per-peer queue.",
		}, []string{labelPeer}),
		SurbInventory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "surb", Name: "inventory",
			Help: "Aggregate SURB inventory across all tracked sender tags.",
		}),
		SurbUnderflow: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "surb", Name: "pending_underflow_total",
			Help: "Total attempted pending_reception decrements clamped at zero.",
		}),
		RotationActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rotation", Name: "actions_total",
			Help: "Total rotation controller actions executed, labeled by kind.",
		}, []string{"action"}),
		RotationInvariantViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rotation", Name: "invariant_violations_total",
			Help: "Total corrupt key-slot detections forcing an immediate purge.",
		}),
	}
}
