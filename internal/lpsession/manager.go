package lpsession

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/net/netutil"

	lpmetrics "github.com/nymgate/lp-gateway/internal/metrics"
)

// ManagerConfig holds the Manager's construction parameters.
type ManagerConfig struct {
	ControlAddr      string
	DataAddr         string
	MaxControlConns  int
	WindowSize       uint32
	IdleTimeout      time.Duration
	SweepInterval    time.Duration
	HandshakeTimeout time.Duration
	ServerIdentity   ed25519.PrivateKey
	ServerCurrentVer uint32
	ServerMinVer     uint32
}

// ForwardFunc delivers decrypted application bytes to the packet plane.
type ForwardFunc func(receiverIdx uint32, plaintext []byte)

// Manager owns the TCP control listener, the UDP data listener, the
// receiver_idx -> *Session map, and the idle sweeper.
//
// Sessions are keyed by receiver_idx in an xsync.Map: the UDP datagram
// path is lock-free on lookup (xsync shards internally), and each
// session's own mutex serializes packet processing without holding any
// manager-wide lock.
type Manager struct {
	cfg       ManagerConfig
	allocator *ReceiverIdxAllocator
	sessions  *xsync.Map[uint32, *Session]
	forward   ForwardFunc
	metrics   *lpmetrics.Collector
	logger    *slog.Logger

	controlListener net.Listener
	dataConn        *net.UDPConn
}

// NewManager constructs a Manager. Call Run to start serving.
func NewManager(cfg ManagerConfig, forward ForwardFunc, metrics *lpmetrics.Collector, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:       cfg,
		allocator: NewReceiverIdxAllocator(),
		sessions:  xsync.NewMap[uint32, *Session](),
		forward:   forward,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the control and data listeners and the idle sweeper, and
// blocks until ctx is cancelled or a listener fails fatally.
func (m *Manager) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", m.cfg.ControlAddr)
	if err != nil {
		return fmt.Errorf("listen control plane: %w", err)
	}
	if m.cfg.MaxControlConns > 0 {
		ln = netutil.LimitListener(ln, m.cfg.MaxControlConns)
	}
	m.controlListener = ln

	udpAddr, err := net.ResolveUDPAddr("udp", m.cfg.DataAddr)
	if err != nil {
		return fmt.Errorf("resolve data plane address: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen data plane: %w", err)
	}
	m.dataConn = conn

	errCh := make(chan error, 3)

	go m.acceptControlLoop(ctx, errCh)
	go m.dataLoop(ctx, errCh)
	go m.sweepLoop(ctx)

	select {
	case <-ctx.Done():
		_ = m.controlListener.Close()
		_ = m.dataConn.Close()
		return nil
	case err := <-errCh:
		_ = m.controlListener.Close()
		_ = m.dataConn.Close()
		return err
	}
}

func (m *Manager) acceptControlLoop(ctx context.Context, errCh chan<- error) {
	for {
		conn, err := m.controlListener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			errCh <- fmt.Errorf("control listener accept: %w", err)
			return
		}

		go m.handleControlConn(ctx, conn)
	}
}

// handleControlConn runs the handshake, registration, and subsequent
// control-channel exchanges (rekey, subsession, close) for a single TCP
// connection, then blocks serving control messages until the connection
// closes or ctx is cancelled.
func (m *Manager) handleControlConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	idx, err := m.allocator.Allocate()
	if err != nil {
		m.logger.Error("receiver_idx allocation failed", "error", err)
		return
	}

	sess := NewSession(idx, m.cfg.WindowSize, m.logger)
	sess.Init()
	m.sessions.Store(idx, sess)

	defer func() {
		m.sessions.Delete(idx)
		m.allocator.Release(idx)
	}()

	timeout := m.cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		m.logger.Warn("set handshake deadline failed", "receiver_idx", idx, "error", err)
	}

	r := bufio.NewReader(conn)
	if err := m.runHandshake(sess, r, conn); err != nil {
		m.logger.Warn("control handshake failed", "receiver_idx", idx, "error", err)
		sess.Close()
		return
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		m.logger.Warn("clear handshake deadline failed", "receiver_idx", idx, "error", err)
	}

	if err := m.runRegistration(sess, r, conn); err != nil {
		m.logger.Warn("registration exchange failed", "receiver_idx", idx, "error", err)
		sess.Close()
		return
	}

	m.serveControlLoop(ctx, sess, r, conn)
}

// runHandshake drives the three-message Noise-style handshake plus the
// gateway's Done(status) confirmation, installing the derived outer key
// on success.
func (m *Manager) runHandshake(sess *Session, r *bufio.Reader, w io.Writer) error {
	msgType, body, err := readControlFrame(r)
	if err != nil {
		return fmt.Errorf("read client hello: %w", err)
	}
	if msgType != msgClientHello {
		return fmt.Errorf("%w: expected client hello, got %d", ErrUnexpectedControlMsg, msgType)
	}
	hello, err := decodeClientHello(body)
	if err != nil {
		return err
	}

	resp, key, negotiated, err := ServerRespond(hello, m.cfg.ServerIdentity, m.cfg.ServerCurrentVer, m.cfg.ServerMinVer)
	if err != nil {
		if errors.Is(err, ErrVersionMismatch) {
			_ = writeControlFrame(w, msgHandshakeDone, []byte{1})
		}
		return fmt.Errorf("server respond: %w", err)
	}

	if err := writeControlFrame(w, msgServerHello, encodeServerHello(resp)); err != nil {
		return fmt.Errorf("write server hello: %w", err)
	}

	msgType, body, err = readControlFrame(r)
	if err != nil {
		return fmt.Errorf("read client finish: %w", err)
	}
	if msgType != msgClientFinish {
		return fmt.Errorf("%w: expected client finish, got %d", ErrUnexpectedControlMsg, msgType)
	}
	fin := decodeClientFinish(body)

	if err := ServerVerifyFinish(fin, key, hello.Ephemeral, resp.Ephemeral, negotiated, hello.ClientIDKey); err != nil {
		_ = writeControlFrame(w, msgHandshakeDone, []byte{1})
		return fmt.Errorf("verify client finish: %w", err)
	}

	sess.CompleteHandshake(key, hello.ClientIDKey, negotiated)

	if err := writeControlFrame(w, msgHandshakeDone, []byte{0}); err != nil {
		return fmt.Errorf("write handshake done: %w", err)
	}

	return nil
}

// runRegistration drives the one-shot registration exchange: the client
// gets exactly one RegisterRequest before the session leaves
// StateRegistration for good (a second attempt fails because the FSM
// input is ignored outside StateRegistration).
func (m *Manager) runRegistration(sess *Session, r *bufio.Reader, w io.Writer) error {
	msgType, _, err := readControlFrame(r)
	if err != nil {
		return fmt.Errorf("read register request: %w", err)
	}
	if msgType != msgRegisterRequest {
		return fmt.Errorf("%w: expected register request, got %d", ErrUnexpectedControlMsg, msgType)
	}

	result := sess.CompleteRegistration()
	if result.NewState != StateTransport {
		_ = writeControlFrame(w, msgRegisterResp, []byte{1})
		return fmt.Errorf("lpsession: registration rejected from state %s", result.OldState)
	}

	return writeControlFrame(w, msgRegisterResp, []byte{0})
}

// serveControlLoop handles subsession-establishment and close messages
// for the remainder of the connection's life.
func (m *Manager) serveControlLoop(ctx context.Context, sess *Session, r *bufio.Reader, w io.Writer) {
	frames := make(chan struct {
		msgType byte
		body    []byte
		err     error
	})

	// The reader goroutine selects against ctx.Done() on every send so it
	// can never leak blocked past this loop's return: handleControlConn's
	// deferred conn.Close() unblocks the in-flight conn.Read on shutdown,
	// but without this select the subsequent send to frames would block
	// forever once nothing is left to receive it.
	go func() {
		for {
			msgType, body, err := readControlFrame(r)
			select {
			case frames <- struct {
				msgType byte
				body    []byte
				err     error
			}{msgType, body, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			sess.Close()
			return
		case f := <-frames:
			if f.err != nil {
				sess.Close()
				return
			}
			switch f.msgType {
			case msgSubsessionInit:
				respMsg, err := sess.EstablishSubsession(f.body)
				if err != nil {
					m.logger.Warn("subsession handshake failed", "receiver_idx", sess.ReceiverIdx, "error", err)
					continue
				}
				if err := writeControlFrame(w, msgSubsessionResp, respMsg); err != nil {
					m.logger.Warn("write subsession response failed", "receiver_idx", sess.ReceiverIdx, "error", err)
					sess.Close()
					return
				}
			case msgClose:
				sess.Close()
				return
			default:
				m.logger.Warn("unexpected control message on transport channel", "receiver_idx", sess.ReceiverIdx, "type", f.msgType)
			}
		}
	}
}

func (m *Manager) dataLoop(ctx context.Context, errCh chan<- error) {
	buf := make([]byte, 65535)

	for {
		n, _, err := m.dataConn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			errCh <- fmt.Errorf("data plane read: %w", err)
			return
		}

		if m.metrics != nil {
			m.metrics.LPDataPacketsReceived.Inc()
		}

		const maxDatagramBytes = 4096
		if n > maxDatagramBytes {
			if m.metrics != nil {
				m.metrics.IngressDropped.WithLabelValues("oversized_datagram").Inc()
			}
			continue
		}

		frame, err := ParseDataFrame(buf[:n])
		if err != nil {
			if m.metrics != nil {
				m.metrics.IngressDropped.WithLabelValues("short_datagram").Inc()
			}
			continue
		}

		sess, ok := m.sessions.Load(frame.ReceiverIdx)
		if !ok {
			if m.metrics != nil {
				m.metrics.LPDataUnknownSession.Inc()
			}
			continue
		}

		outcome, err := sess.ReceivePacket(frame.Counter, frame.Ciphertext)
		if err != nil {
			if m.metrics != nil {
				m.metrics.LPDataPacketErrors.WithLabelValues("decrypt_or_window").Inc()
			}
			continue
		}

		switch outcome.Kind {
		case OutcomeDeliverData:
			if m.metrics != nil {
				m.metrics.LPDataPacketsForwarded.Inc()
			}
			if m.forward != nil {
				m.forward(frame.ReceiverIdx, outcome.Payload)
			}
		case OutcomeSendPacket:
			// UDP is unsuitable for control responses (rekey etc): the
			// state machine should never emit SendPacket on this path.
			// If it does, log and drop; rekey only happens over TCP.
			m.logger.Warn("dropping SendPacket outcome on UDP data path", "receiver_idx", frame.ReceiverIdx)
			if m.metrics != nil {
				m.metrics.LPDataIgnoredSendActions.Inc()
			}
		case OutcomeConnectionClosed:
			m.sessions.Delete(frame.ReceiverIdx)
			m.allocator.Release(frame.ReceiverIdx)
		case OutcomeNoOp:
		}
	}
}

func (m *Manager) sweepLoop(ctx context.Context) {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now()
	var evict []uint32

	m.sessions.Range(func(idx uint32, sess *Session) bool {
		if now.Sub(sess.LastActivity()) > m.cfg.IdleTimeout {
			evict = append(evict, idx)
		}
		return true
	})

	for _, idx := range evict {
		if sess, ok := m.sessions.Load(idx); ok {
			sess.Close()
		}
		m.sessions.Delete(idx)
		m.allocator.Release(idx)
	}
}

// SessionCount reports the number of currently registered sessions.
func (m *Manager) SessionCount() int {
	return m.sessions.Size()
}
