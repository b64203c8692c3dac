package packetplane

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	lpmetrics "github.com/nymgate/lp-gateway/internal/metrics"
)

// Dialer opens an outbound connection to a next-hop address. A field
// rather than a hardcoded net.Dial call so tests can substitute an
// in-memory pipe.
type Dialer func(ctx context.Context, address string) (net.Conn, error)

// DefaultDialer dials addr over TCP.
func DefaultDialer(ctx context.Context, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", address)
}

// EgressManager owns one peerForwarder per active next-hop address,
// created lazily on first Enqueue and reaped when idle.
type EgressManager struct {
	Dial        Dialer
	QueueDepth  int
	IdleTimeout time.Duration
	Metrics     *lpmetrics.Collector
	Logger      *slog.Logger

	mu    sync.Mutex
	peers map[string]*peerForwarder
	ctx   context.Context
}

// NewEgressManager constructs an EgressManager. Call Run before the
// first Enqueue so forwarders have a context to run under.
func NewEgressManager(dial Dialer, queueDepth int, idleTimeout time.Duration, metrics *lpmetrics.Collector, logger *slog.Logger) *EgressManager {
	if dial == nil {
		dial = DefaultDialer
	}
	if logger == nil {
		logger = slog.Default()
	}
	if queueDepth <= 0 {
		queueDepth = 1
	}
	return &EgressManager{
		Dial:        dial,
		QueueDepth:  queueDepth,
		IdleTimeout: idleTimeout,
		Metrics:     metrics,
		Logger:      logger,
		peers:       make(map[string]*peerForwarder),
	}
}

// Run records ctx for use by forwarders spawned after this call and
// blocks until ctx is cancelled. Each forwarder closes its own
// connection on the same cancellation, from its own goroutine.
func (m *EgressManager) Run(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	<-ctx.Done()
}

// Enqueue hands body to next hop's forwarder, creating it if necessary.
func (m *EgressManager) Enqueue(nextHop string, body []byte) {
	if nextHop == "" {
		return
	}

	m.mu.Lock()
	ctx := m.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	f, ok := m.peers[nextHop]
	if !ok {
		f = newPeerForwarder(nextHop, m.Dial, m.QueueDepth, m.IdleTimeout, m.Metrics, m.Logger)
		m.peers[nextHop] = f
		go f.run(ctx, func() {
			m.mu.Lock()
			if m.peers[nextHop] == f {
				delete(m.peers, nextHop)
			}
			m.mu.Unlock()
		})
	}
	m.mu.Unlock()

	f.enqueue(body)
}

// peerForwarder maintains one outbound connection to a single next-hop
// address, with a bounded drop-oldest queue and exponential-backoff
// reconnects.
type peerForwarder struct {
	address     string
	dial        Dialer
	queueDepth  int
	idleTimeout time.Duration
	metrics     *lpmetrics.Collector
	logger      *slog.Logger

	mu    sync.Mutex
	queue [][]byte

	notify       chan struct{}
	lastActivity time.Time
	conn         net.Conn
}

func newPeerForwarder(address string, dial Dialer, queueDepth int, idleTimeout time.Duration, metrics *lpmetrics.Collector, logger *slog.Logger) *peerForwarder {
	return &peerForwarder{
		address:      address,
		dial:         dial,
		queueDepth:   queueDepth,
		idleTimeout:  idleTimeout,
		metrics:      metrics,
		logger:       logger,
		notify:       make(chan struct{}, 1),
		lastActivity: time.Now(),
	}
}

func (p *peerForwarder) enqueue(body []byte) {
	p.mu.Lock()
	if len(p.queue) >= p.queueDepth {
		p.queue = p.queue[1:]
		if p.metrics != nil {
			p.metrics.EgressQueueDropped.WithLabelValues(p.address).Inc()
		}
	}
	p.queue = append(p.queue, body)
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *peerForwarder) drain() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.queue
	p.queue = nil
	return out
}

func (p *peerForwarder) run(ctx context.Context, onIdle func()) {
	bo := backoff.NewExponentialBackOff()

	idleCheck := p.idleTimeout
	if idleCheck <= 0 {
		idleCheck = 30 * time.Second
	}
	ticker := time.NewTicker(idleCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.closeConn()
			return
		case <-p.notify:
			p.flush(ctx, bo)
		case <-ticker.C:
			if time.Since(p.lastActivity) > idleCheck && len(p.drainPeek()) == 0 {
				p.closeConn()
				onIdle()
				return
			}
		}
	}
}

func (p *peerForwarder) drainPeek() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue
}

func (p *peerForwarder) flush(ctx context.Context, bo *backoff.ExponentialBackOff) {
	batch := p.drain()
	for _, body := range batch {
		if err := p.writeOne(ctx, bo, body); err != nil {
			p.logger.Warn("egress forwarder gave up on packet", "next_hop", p.address, "error", err)
			continue
		}
		p.lastActivity = time.Now()
	}
}

func (p *peerForwarder) writeOne(ctx context.Context, bo *backoff.ExponentialBackOff, body []byte) error {
	frame := encodeLengthFramed(body)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if p.conn == nil {
			conn, err := p.dial(ctx, p.address)
			if err != nil {
				wait := bo.NextBackOff()
				if wait == backoff.Stop {
					return err
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(wait):
				}
				continue
			}
			p.conn = conn
			bo.Reset()
		}

		if _, err := p.conn.Write(frame); err != nil {
			p.conn.Close()
			p.conn = nil
			continue
		}

		return nil
	}
}

func (p *peerForwarder) closeConn() {
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}
