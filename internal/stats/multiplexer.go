package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	lpmetrics "github.com/nymgate/lp-gateway/internal/metrics"
)

// MixnetSender delivers a serialized report bundle to recipient over the
// node's own outbound path. Reports flow through whatever collaborator
// the caller wires in (an egress forwarder, a directory-backed address
// book) — the multiplexer itself is agnostic to how delivery happens.
type MixnetSender interface {
	SendReport(ctx context.Context, recipient string, payload []byte) error
}

// reportBundle is the wire shape sent to the reporting recipient: one
// JSON object keyed by sink tag.
type reportBundle map[SinkTag]json.RawMessage

// Config holds the multiplexer's timers and reporting target.
type Config struct {
	SnapshotInterval time.Duration
	ReportInterval   time.Duration
	ReportRecipient  string
	QueueDepth       int
}

// Multiplexer is the stats event loop: a bounded queue of Events fanned
// out to a fixed registry of Sinks, snapshotted on a fast timer and
// bundled into a mixnet report on a slow one.
type Multiplexer struct {
	cfg    Config
	sinks  map[SinkTag]Sink
	sender MixnetSender

	metrics *lpmetrics.Collector
	logger  *slog.Logger

	queue chan Event

	pendingBundle []byte
}

// New constructs a Multiplexer with the fixed three-sink registry
// (packet, gateway-connection, directory-client). sender may be nil, in
// which case report ticks are logged and skipped — useful for tests and
// for standalone operation before a reporting recipient is configured.
func New(cfg Config, sender MixnetSender, metrics *lpmetrics.Collector, logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 500 * time.Millisecond
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = 5 * time.Minute
	}

	return &Multiplexer{
		cfg:     cfg,
		sender:  sender,
		metrics: metrics,
		logger:  logger,
		queue:   make(chan Event, cfg.QueueDepth),
		sinks: map[SinkTag]Sink{
			TagPacket:          NewPacketSink(),
			TagGatewayConn:     NewGatewayConnSink(),
			TagDirectoryClient: NewDirectoryClientSink(),
		},
	}
}

// Enqueue submits an event for dispatch. Non-blocking: a full queue drops
// the event and counts it, matching the ambient backpressure policy (every
// fan-in channel is bounded; overflow never blocks).
func (m *Multiplexer) Enqueue(e Event) bool {
	select {
	case m.queue <- e:
		return true
	default:
		if m.metrics != nil {
			m.metrics.IngressDropped.WithLabelValues("stats_queue_full").Inc()
		}
		return false
	}
}

// Run drives the event loop until ctx is cancelled. On cancel the final
// pending buffer is dropped — no flush, no drain.
func (m *Multiplexer) Run(ctx context.Context) {
	snapshotTicker := time.NewTicker(m.cfg.SnapshotInterval)
	defer snapshotTicker.Stop()
	reportTicker := time.NewTicker(m.cfg.ReportInterval)
	defer reportTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-m.queue:
			m.dispatch(e)
		case <-snapshotTicker.C:
			for _, sink := range m.sinks {
				sink.Snapshot()
			}
		case <-reportTicker.C:
			m.report(ctx)
		}
	}
}

func (m *Multiplexer) dispatch(e Event) {
	sink, ok := m.sinks[e.TypeTag()]
	if !ok {
		m.logger.Warn("stats event for unregistered sink", "tag", e.TypeTag())
		return
	}
	sink.HandleEvent(e)
}

// report sends the pending bundle, or builds a fresh one from the sinks'
// current windows if the previous send succeeded (or there was nothing
// pending). A send failure leaves pendingBundle set so the identical
// bundle is retried on the next tick rather than silently replaced.
func (m *Multiplexer) report(ctx context.Context) {
	if m.sender == nil || m.cfg.ReportRecipient == "" {
		m.logger.Debug("stats report tick with no sender configured, skipping")
		return
	}

	payload := m.pendingBundle
	if payload == nil {
		bundle := make(reportBundle, len(m.sinks))
		for tag, sink := range m.sinks {
			raw, err := sink.Serialize()
			if err != nil {
				m.logger.Error("stats sink serialize failed, skipping", "tag", tag, "error", err)
				continue
			}
			bundle[tag] = raw
		}

		marshalled, err := json.Marshal(bundle)
		if err != nil {
			m.logger.Error("stats report bundle marshal failed, skipping", "error", err)
			return
		}
		payload = marshalled
	}

	if err := m.sender.SendReport(ctx, m.cfg.ReportRecipient, payload); err != nil {
		m.logger.Warn("stats report send failed, will retry next tick", "recipient", m.cfg.ReportRecipient, "error", err)
		m.pendingBundle = payload
		return
	}
	m.pendingBundle = nil
}
