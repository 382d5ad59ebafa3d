package gss

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jcmturner/gokrb5/v8/types"
)

// GSSContext is one established RPCSEC_GSS security context: the session
// key negotiated during INIT, the principal it was issued to, and the
// per-context replay window.
type GSSContext struct {
	Handle     []byte
	Principal  string
	Realm      string
	SessionKey types.EncryptionKey
	SeqWindow  *SeqWindow
	Service    uint32
	CreatedAt  time.Time
	LastUsed   time.Time
}

// generateHandle returns a fresh, unpredictable context handle. UUIDv4 is
// used rather than a counter so handles leaked to one client reveal
// nothing about others' handles.
func generateHandle() ([]byte, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	b := id[:]
	return append([]byte{}, b...), nil
}

// ContextStore holds live GSS contexts keyed by handle and evicts idle
// ones after ttl. A ttl of zero disables eviction.
type ContextStore struct {
	mu       sync.RWMutex
	contexts map[string]*GSSContext
	maxSize  int
	ttl      time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// NewContextStore returns a store that evicts contexts idle for longer
// than ttl (if non-zero) and rejects new contexts once maxSize is reached
// (if non-zero).
func NewContextStore(maxSize int, ttl time.Duration) *ContextStore {
	s := &ContextStore{
		contexts: make(map[string]*GSSContext),
		maxSize:  maxSize,
		ttl:      ttl,
		stop:     make(chan struct{}),
	}
	if ttl > 0 {
		go s.evictLoop()
	}
	return s
}

// Store installs ctx, keyed by ctx.Handle. Returns false if the store is
// at capacity.
func (s *ContextStore) Store(ctx *GSSContext) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxSize > 0 && len(s.contexts) >= s.maxSize {
		return false
	}
	s.contexts[string(ctx.Handle)] = ctx
	return true
}

// Lookup returns the context for handle and touches its LastUsed time.
func (s *ContextStore) Lookup(handle []byte) (*GSSContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, ok := s.contexts[string(handle)]
	if ok {
		ctx.LastUsed = time.Now()
	}
	return ctx, ok
}

// Delete removes the context for handle, if present.
func (s *ContextStore) Delete(handle []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contexts, string(handle))
}

// Count returns the number of live contexts.
func (s *ContextStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contexts)
}

// Stop terminates the background eviction loop. Safe to call more than
// once and safe to call on a store with no eviction loop running.
func (s *ContextStore) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *ContextStore) evictLoop() {
	ticker := time.NewTicker(s.ttl / 4)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.evictIdle()
		}
	}
}

func (s *ContextStore) evictIdle() {
	cutoff := time.Now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	for handle, ctx := range s.contexts {
		if ctx.LastUsed.Before(cutoff) {
			delete(s.contexts, handle)
		}
	}
}
