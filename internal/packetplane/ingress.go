package packetplane

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nymgate/lp-gateway/internal/keymanager"
	lpmetrics "github.com/nymgate/lp-gateway/internal/metrics"
	"github.com/nymgate/lp-gateway/internal/replay"
)

// IngressFrame is the parsed mixnet ingress wire frame: packet_type (u8)
// || key_rotation_tag (u8) || next_hop_address || sphinx_body, per
// SPEC_FULL.md §6. NextHopHint is the address the sending peer attached;
// it is diagnostic only — the authoritative next hop for forwarding
// comes from the unwrapped Sphinx layer, not this cleartext field.
type IngressFrame struct {
	PacketType  byte
	RotationTag byte
	NextHopHint string
	Body        []byte
}

// ErrShortFrame indicates an ingress frame too small to contain its
// fixed fields.
var ErrShortFrame = errors.New("packetplane: ingress frame shorter than header")

// ParseIngressFrame parses buf into an IngressFrame. Body aliases buf.
func ParseIngressFrame(buf []byte) (IngressFrame, error) {
	if len(buf) < 3 {
		return IngressFrame{}, ErrShortFrame
	}
	packetType, rotationTag := buf[0], buf[1]
	hintLen := int(buf[2])
	if len(buf) < 3+hintLen {
		return IngressFrame{}, ErrShortFrame
	}
	return IngressFrame{
		PacketType:  packetType,
		RotationTag: rotationTag,
		NextHopHint: string(buf[3 : 3+hintLen]),
		Body:        buf[3+hintLen:],
	}, nil
}

// EncodeIngressFrame serializes an IngressFrame back to wire form.
func EncodeIngressFrame(f IngressFrame) []byte {
	out := make([]byte, 0, 3+len(f.NextHopHint)+len(f.Body))
	out = append(out, f.PacketType, f.RotationTag, byte(len(f.NextHopHint)))
	out = append(out, f.NextHopHint...)
	out = append(out, f.Body...)
	return out
}

// FinalHopFunc delivers a FinalHop payload to whatever local consumer
// (SURB-backed reply processing, stored-packet queue) owns it.
type FinalHopFunc func(payload []byte)

// Config holds the Plane's ingress tuning parameters.
type Config struct {
	QueueDepth  int
	NumWorkers  int
	MaxHopDelay time.Duration
}

// Plane is the packet-plane core: a bounded ingress queue feeding a pool
// of decap workers, and an Egress manager for forward-hop traffic.
type Plane struct {
	cfg Config

	Keys    *keymanager.KeyManager
	Filters *replay.FilterSet
	Egress  *EgressManager
	Metrics *lpmetrics.Collector
	Logger  *slog.Logger

	OnFinalHop FinalHopFunc

	queue chan []byte
}

// NewPlane constructs a Plane. Call Run to start the ingress worker pool.
func NewPlane(cfg Config, keys *keymanager.KeyManager, filters *replay.FilterSet, egress *EgressManager, metrics *lpmetrics.Collector, logger *slog.Logger) *Plane {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1
	}
	return &Plane{
		cfg:     cfg,
		Keys:    keys,
		Filters: filters,
		Egress:  egress,
		Metrics: metrics,
		Logger:  logger,
		queue:   make(chan []byte, cfg.QueueDepth),
	}
}

// Enqueue submits a raw ingress frame for decap. Non-blocking: if the
// bounded queue is full the frame is dropped and counted, matching the
// ambient backpressure policy (every fan-in channel bounded, overflow is
// drop-with-counter, never blocks).
func (p *Plane) Enqueue(raw []byte) bool {
	select {
	case p.queue <- raw:
		return true
	default:
		if p.Metrics != nil {
			p.Metrics.IngressDropped.WithLabelValues("queue_full").Inc()
		}
		return false
	}
}

// Run starts the ingress worker pool and blocks until ctx is cancelled.
func (p *Plane) Run(ctx context.Context) {
	done := make(chan struct{}, p.cfg.NumWorkers)
	for range p.cfg.NumWorkers {
		go func() {
			p.workerLoop(ctx)
			done <- struct{}{}
		}()
	}
	for range p.cfg.NumWorkers {
		<-done
	}
}

func (p *Plane) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-p.queue:
			p.processOne(ctx, raw)
		}
	}
}

func (p *Plane) processOne(ctx context.Context, raw []byte) {
	frame, err := ParseIngressFrame(raw)
	if err != nil {
		p.drop("malformed")
		return
	}

	candidates := p.Keys.CandidateKeys(frame.RotationTag)
	if len(candidates) == 0 {
		p.drop("no_candidate_key")
		return
	}

	unwrapped, err := tryCandidates(candidates, frame.Body)
	if err != nil {
		p.drop("malformed")
		return
	}

	filter := p.Filters.ForRotation(unwrapped.RotationID)
	if filter == nil {
		p.drop("no_candidate_key")
		return
	}

	rotationLabel := fmt.Sprintf("%d", unwrapped.RotationID)
	if p.Metrics != nil {
		p.Metrics.ReplayChecked.WithLabelValues(rotationLabel).Inc()
	}
	if filter.CheckAndMark(unwrapped.ReplayTag) == replay.Replay {
		if p.Metrics != nil {
			p.Metrics.ReplayRejected.WithLabelValues(rotationLabel).Inc()
		}
		return
	}

	switch unwrapped.Kind {
	case FinalHop:
		if p.OnFinalHop != nil {
			p.OnFinalHop(unwrapped.Payload)
		}
	case ForwardHop:
		p.forward(ctx, unwrapped)
	}
}

func (p *Plane) forward(ctx context.Context, u Unwrapped) {
	if u.Delay > p.cfg.MaxHopDelay {
		p.drop("excessive_delay")
		return
	}

	if u.Delay > 0 {
		timer := time.NewTimer(u.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}

	p.Egress.Enqueue(u.NextHop, u.Remaining)
}

func (p *Plane) drop(reason string) {
	if p.Metrics != nil {
		p.Metrics.IngressDropped.WithLabelValues(reason).Inc()
	}
	p.Logger.Debug("ingress packet dropped", "reason", reason)
}

// encodeLengthFramed prefixes payload with a u32-be length, matching the
// mixnet ingress TCP listener's framing (SPEC_FULL.md §6).
func encodeLengthFramed(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out
}
