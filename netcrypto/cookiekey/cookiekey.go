// Package cookiekey holds the process-wide symmetric key used to seal
// and open cookies. It is read on every inbound and outbound handshake
// and rotated periodically; a rotation must not invalidate cookies
// already in flight, so both the current and the immediately prior key
// are retained until the prior one ages out.
//
// Retention is current+previous rather than an N-slot ring, since a
// cookie's lifetime only ever spans one rotation boundary.
package cookiekey

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"toxnetcrypto/netcrypto/clock"
)

// Lifetime is how long a cookie remains acceptable after issuance.
const Lifetime = 15 * time.Second

// RotationInterval is how often a fresh key replaces the current one.
// Chosen so a cookie issued immediately before a rotation is still
// within Lifetime when the next rotation retires the key that sealed
// it: RotationInterval >= Lifetime.
const RotationInterval = Lifetime

type keySlot = [32]byte

// Store is the explicit, non-singleton container for the rotating
// cookie key. Callers construct one and pass it to every component
// that seals or opens cookies; nothing in this package reaches for
// ambient global state.
type Store struct {
	mu       sync.RWMutex
	current  keySlot
	previous keySlot
	rotated  time.Time
	clock    clock.Clock
}

// New builds a Store with a freshly generated current key and no
// usable previous key (previous is zeroed and will simply fail
// authentication if ever tried, which is safe).
func New(c clock.Clock) (*Store, error) {
	var k keySlot
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return nil, err
	}
	return &Store{
		current: k,
		rotated: c.Now(),
		clock:   c,
	}, nil
}

// Current returns the key new cookies should be sealed under.
func (s *Store) Current() [32]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Candidates returns the keys, most-recent first, that an inbound
// cookie may validly have been sealed under.
func (s *Store) Candidates() [][32]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return [][32]byte{s.current, s.previous}
}

// MaybeRotate replaces current with a fresh key if RotationInterval
// has elapsed since the last rotation, demoting the old current to
// previous. Safe to call on every tick; it is a no-op otherwise.
func (s *Store) MaybeRotate() error {
	now := s.clock.Now()

	s.mu.RLock()
	due := now.Sub(s.rotated) >= RotationInterval
	s.mu.RUnlock()
	if !due {
		return nil
	}

	var fresh keySlot
	if _, err := io.ReadFull(rand.Reader, fresh[:]); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.rotated) < RotationInterval {
		return nil // lost a race with a concurrent rotation
	}
	s.previous = s.current
	s.current = fresh
	s.rotated = now
	return nil
}
