// Package surbstore implements the reply-SURB inventory: a concurrent
// map from sender_tag to a FIFO deque of reply-capable SURBs, gated by
// min/max threshold so that a burst of replies cannot drain a
// recipient's inventory below the point where future replies become
// impossible.
package surbstore

import (
	"container/list"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	lpmetrics "github.com/nymgate/lp-gateway/internal/metrics"
)

// SenderTag identifies the SURB-bearing recipient: a 32-byte fingerprint
// derived from the Sphinx packet's hop-shared-secret, matching the width
// of the replay subsystem's tag space.
type SenderTag [32]byte

// Surb is an opaque single-use reply block. Its cryptographic contents
// are a collaborator's concern; the store only moves the bytes through
// the FIFO deque.
type Surb []byte

// entry is one sender_tag's inventory: a mutex-guarded FIFO deque plus
// replenishment bookkeeping. No operation holds entryMu across I/O.
type entry struct {
	mu               sync.Mutex
	deque            *list.List // of Surb
	pendingReception uint32
	lastReceivedAt   time.Time
}

// Store is the concurrent sender_tag -> entry map. Entries are created
// lazily on first insert and are never explicitly destroyed; tag-space
// invalidation on key rotation is a known future concern, not handled
// here.
type Store struct {
	MinThreshold int
	MaxThreshold int

	entries *xsync.Map[SenderTag, *entry]
	metrics *lpmetrics.Collector
	logger  *slog.Logger
}

// New constructs a Store gated by minThreshold/maxThreshold.
func New(minThreshold, maxThreshold int, metrics *lpmetrics.Collector, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		MinThreshold: minThreshold,
		MaxThreshold: maxThreshold,
		entries:      xsync.NewMap[SenderTag, *entry](),
		metrics:      metrics,
		logger:       logger,
	}
}

func (s *Store) entryFor(tag SenderTag) *entry {
	if e, ok := s.entries.Load(tag); ok {
		return e
	}
	fresh := &entry{deque: list.New()}
	actual, _ := s.entries.LoadOrStore(tag, fresh)
	return actual
}

// Insert appends surbs to tag's FIFO deque and updates last_received_at.
func (s *Store) Insert(tag SenderTag, surbs ...Surb) {
	if len(surbs) == 0 {
		return
	}

	e := s.entryFor(tag)

	e.mu.Lock()
	for _, surb := range surbs {
		e.deque.PushBack(surb)
	}
	e.lastReceivedAt = time.Now()
	size := e.deque.Len()
	e.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SurbInventory.Add(float64(len(surbs)))
	}
	s.logger.Debug("surb inventory replenished", "sender_tag_prefix", tagPrefix(tag), "count", len(surbs), "inventory", size)
}

// TakeMany atomically removes the n oldest SURBs for tag iff the
// inventory is at least min_threshold + n. On success it returns the n
// SURBs and true. On failure it returns nil, false, and the current
// inventory size so the caller can decide on replenishment.
func (s *Store) TakeMany(tag SenderTag, n int) (surbs []Surb, ok bool, inventory int) {
	e := s.entryFor(tag)

	e.mu.Lock()
	defer e.mu.Unlock()

	inventory = e.deque.Len()
	if n <= 0 || inventory < s.MinThreshold+n {
		return nil, false, inventory
	}

	out := make([]Surb, 0, n)
	for range n {
		front := e.deque.Front()
		out = append(out, e.deque.Remove(front).(Surb))
	}

	if s.metrics != nil {
		s.metrics.SurbInventory.Sub(float64(n))
	}

	return out, true, inventory - n
}

// TakeOne is TakeMany with n = 1.
func (s *Store) TakeOne(tag SenderTag) (Surb, bool, int) {
	surbs, ok, inventory := s.TakeMany(tag, 1)
	if !ok {
		return nil, false, inventory
	}
	return surbs[0], true, inventory
}

// ErrEmptyInventory is returned by TakeOneUnchecked when the deque holds
// no SURBs at all; bypassing the threshold cannot manufacture one.
var ErrEmptyInventory = errors.New("surbstore: inventory empty")

// TakeOneUnchecked bypasses min_threshold. Used only to construct the
// SURB-request control packet that replenishes inventory for a tag that
// is already below threshold.
func (s *Store) TakeOneUnchecked(tag SenderTag) (Surb, error) {
	e := s.entryFor(tag)

	e.mu.Lock()
	defer e.mu.Unlock()

	front := e.deque.Front()
	if front == nil {
		return nil, ErrEmptyInventory
	}
	surb := e.deque.Remove(front).(Surb)

	if s.metrics != nil {
		s.metrics.SurbInventory.Sub(1)
	}

	return surb, nil
}

// AdjustPending adjusts tag's pending_reception counter by amount
// (positive or negative). The counter is clamped at zero: an attempted
// underflow is logged and counted rather than wrapping, diverging
// deliberately from a literal unsigned-subtraction port that would panic
// or wrap instead.
func (s *Store) AdjustPending(tag SenderTag, amount int32) {
	e := s.entryFor(tag)

	e.mu.Lock()
	defer e.mu.Unlock()

	next := int64(e.pendingReception) + int64(amount)
	if next < 0 {
		s.logger.Warn("pending_reception underflow clamped to zero", "sender_tag_prefix", tagPrefix(tag), "attempted", next)
		if s.metrics != nil {
			s.metrics.SurbUnderflow.Inc()
		}
		next = 0
	}
	e.pendingReception = uint32(next)
}

// PendingReception reports tag's current pending_reception counter.
func (s *Store) PendingReception(tag SenderTag) uint32 {
	e := s.entryFor(tag)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pendingReception
}

// BelowThreshold reports whether available inventory has fallen below
// min_threshold: the replenishment policy's trigger condition.
func (s *Store) BelowThreshold(available int) bool {
	return available < s.MinThreshold
}

// NeedsReplenishment implements the caller-side replenishment policy: a
// reply that would leave the inventory below min_threshold should be
// withheld, and if available+pending hasn't already reached
// max_threshold, a replenishment request should be issued.
func (s *Store) NeedsReplenishment(tag SenderTag, available int) bool {
	if !s.BelowThreshold(available) {
		return false
	}
	pending := int(s.PendingReception(tag))
	return available+pending < s.MaxThreshold
}

// Inventory reports the current deque length for tag without mutating
// it.
func (s *Store) Inventory(tag SenderTag) int {
	e := s.entryFor(tag)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deque.Len()
}

func tagPrefix(tag SenderTag) string {
	const n = 4
	return hex.EncodeToString(tag[:n])
}
