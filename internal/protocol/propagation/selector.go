package propagation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"lxmf_group/internal/model"
	"lxmf_group/internal/utils/log"
)

// Grace is how far in the future an announce may claim to have been
// emitted before it is discarded.
const Grace = 300 * time.Second

var ErrPayload = errors.New("propagation announce payload is invalid")

type (
	// HopCounter reports the current path length to a destination. It is
	// asked again on every announce, paths change over time.
	HopCounter interface {
		HopsTo(addr model.PeerAddress) int
	}

	Selector struct {
		mu     sync.Mutex
		active *model.PropagationCandidate

		hops HopCounter
		now  func() time.Time

		// Activate points the transport at the new node. It runs with the
		// selector locked; an error leaves the current node in place.
		Activate func(addr model.PeerAddress) error

		// OnAdopt runs after a new node was adopted, outside the lock.
		OnAdopt func(c model.PropagationCandidate)
	}
)

func NewSelector(hops HopCounter) *Selector {
	return &Selector{
		hops: hops,
		now:  time.Now,
	}
}

// Restore seeds the active node from persisted configuration without
// comparing hop counts.
func (s *Selector) Restore(addr model.PeerAddress) error {
	if addr.IsZero() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Activate != nil {
		if err := s.Activate(addr); err != nil {
			return err
		}
	}
	s.active = &model.PropagationCandidate{
		Address:    addr,
		Hops:       s.hops.HopsTo(addr),
		ObservedAt: s.now(),
	}
	return nil
}

func (s *Selector) Active() (model.PropagationCandidate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return model.PropagationCandidate{}, false
	}
	return *s.active, true
}

// HandleAnnounce evaluates a propagation node announce and reports whether
// the node was adopted. A node is adopted when none is active or when it is
// no farther away than the active one.
func (s *Selector) HandleAnnounce(addr model.PeerAddress, appData []byte) bool {
	if len(appData) == 0 {
		return false
	}
	nodeActive, emitted, err := DecodeAnnounce(appData)
	if err != nil {
		log.Debug("Propagation announce dropped", zap.String("node", addr.Hex()), zap.Error(err))
		return false
	}

	now := s.now()
	age := now.Sub(emitted)
	if age < -Grace {
		log.Debug("Propagation announce from the future", zap.String("node", addr.Hex()), zap.Duration("age", age))
		return false
	}

	candidate := model.PropagationCandidate{
		Address:    addr,
		Hops:       s.hops.HopsTo(addr),
		NodeActive: nodeActive,
		ObservedAt: now,
		EmittedAt:  emitted,
	}
	log.Info("Received a propagation node announce",
		zap.String("node", addr.Hex()),
		zap.Duration("age", age.Round(time.Second)),
		zap.Int("hops", candidate.Hops),
	)

	adopted, err := s.consider(candidate)
	if err != nil {
		log.Error("Cannot set propagation node", zap.String("node", addr.Hex()), zap.Error(err))
		return false
	}
	if adopted && s.OnAdopt != nil {
		s.OnAdopt(candidate)
	}
	return adopted
}

func (s *Selector) consider(c model.PropagationCandidate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		if s.active.Address == c.Address {
			s.active.ObservedAt = c.ObservedAt
			s.active.EmittedAt = c.EmittedAt
			s.active.NodeActive = c.NodeActive
			s.active.Hops = c.Hops
			return false, nil
		}
		current := s.hops.HopsTo(s.active.Address)
		if c.Hops > current {
			return false, nil
		}
	}

	if s.Activate != nil {
		if err := s.Activate(c.Address); err != nil {
			return false, err
		}
	}
	s.active = &c
	return true, nil
}

// DecodeAnnounce reads the node-active flag and the emission time from a
// propagation node announce. Extra trailing elements are ignored.
func DecodeAnnounce(appData []byte) (bool, time.Time, error) {
	var items []any
	if err := msgpack.Unmarshal(appData, &items); err != nil {
		return false, time.Time{}, fmt.Errorf("%w: %v", ErrPayload, err)
	}
	if len(items) < 2 {
		return false, time.Time{}, fmt.Errorf("%w: %d elements", ErrPayload, len(items))
	}
	active, _ := items[0].(bool)
	secs, ok := number(items[1])
	if !ok {
		return false, time.Time{}, fmt.Errorf("%w: emitted is %T", ErrPayload, items[1])
	}
	whole := int64(secs)
	frac := int64((secs - float64(whole)) * float64(time.Second))
	return active, time.Unix(whole, frac), nil
}

// EncodeAnnounce builds the app data a propagation node announces with.
func EncodeAnnounce(active bool, emitted time.Time) ([]byte, error) {
	return msgpack.Marshal([]any{active, float64(emitted.UnixNano()) / float64(time.Second)})
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
