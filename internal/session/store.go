package session

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

const (
	defaultMaxSessions = 1000
	defaultSessionTTL  = 24 * time.Hour
)

// ErrEmptyKey is returned by callers that require a conversation key.
var ErrEmptyKey = errors.New("empty conversation key")

// EvictReason explains why a session left the store without a forget.
type EvictReason string

const (
	EvictCapacity EvictReason = "capacity"
	EvictIdle     EvictReason = "idle"
)

// Session is the dialogue state of one conversation.
type Session struct {
	Key       string
	CreatedAt time.Time

	mu    sync.Mutex
	turns []Turn

	// guarded by the owning Store's mutex
	lastUsed time.Time
}

func newSession(key string, persona Persona, now time.Time) *Session {
	return &Session{
		Key:       key,
		CreatedAt: now,
		turns:     persona.Turns(),
		lastUsed:  now,
	}
}

// Turns returns a copy of the turn sequence, persona pair included.
func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneTurns(s.turns)
}

func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// Exchange runs fn with exclusive access to the session. fn receives a copy
// of the current history; the turns it returns are appended only when it
// returns a nil error.
func (s *Session) Exchange(fn func(history []Turn) ([]Turn, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	appended, err := fn(cloneTurns(s.turns))
	if err != nil {
		return err
	}
	s.turns = append(s.turns, cloneTurns(appended)...)
	return nil
}

// Store maps conversation keys to sessions. It is bounded by a maximum
// session count (least recently used is evicted) and an idle TTL enforced by
// the janitor.
type Store struct {
	mu          sync.Mutex
	sessions    map[string]*list.Element
	order       *list.List
	persona     Persona
	maxSessions int
	ttl         time.Duration
	onEvict     func(key string, reason EvictReason)
	now         func() time.Time
}

func NewStore(persona Persona, maxSessions int, ttl time.Duration) *Store {
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &Store{
		sessions:    make(map[string]*list.Element),
		order:       list.New(),
		persona:     persona,
		maxSessions: maxSessions,
		ttl:         ttl,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetEvictHook registers a callback invoked, outside the store lock, for each
// session dropped by capacity or idle eviction.
func (st *Store) SetEvictHook(hook func(key string, reason EvictReason)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.onEvict = hook
}

// Persona returns the seed pair used for new sessions.
func (st *Store) Persona() Persona {
	return st.persona
}

// GetOrCreate returns the session for key, creating one seeded with the
// persona pair when none exists or the previous one went idle past the TTL.
func (st *Store) GetOrCreate(key string) *Session {
	now := st.now()
	var evicted []string
	var reasons []EvictReason

	st.mu.Lock()
	if el, ok := st.sessions[key]; ok {
		s := el.Value.(*Session)
		if now.Sub(s.lastUsed) < st.ttl {
			s.lastUsed = now
			st.order.MoveToFront(el)
			st.mu.Unlock()
			return s
		}
		st.removeLocked(el)
		evicted = append(evicted, key)
		reasons = append(reasons, EvictIdle)
	}

	s := newSession(key, st.persona, now)
	st.sessions[key] = st.order.PushFront(s)
	for st.order.Len() > st.maxSessions {
		oldest := st.order.Back()
		victim := oldest.Value.(*Session)
		st.removeLocked(oldest)
		evicted = append(evicted, victim.Key)
		reasons = append(reasons, EvictCapacity)
	}
	hook := st.onEvict
	st.mu.Unlock()

	if hook != nil {
		for i, k := range evicted {
			hook(k, reasons[i])
		}
	}
	return s
}

// Get returns the session for key without creating or touching it.
func (st *Store) Get(key string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	el, ok := st.sessions[key]
	if !ok {
		return nil, false
	}
	return el.Value.(*Session), true
}

// Forget removes the session for key and reports whether one existed.
func (st *Store) Forget(key string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	el, ok := st.sessions[key]
	if !ok {
		return false
	}
	st.removeLocked(el)
	return true
}

func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.order.Len()
}

// Keys lists stored keys, most recently used first.
func (st *Store) Keys() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]string, 0, st.order.Len())
	for el := st.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Session).Key)
	}
	return out
}

func (st *Store) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st.expireIdle()
			}
		}
	}()
}

func (st *Store) expireIdle() int {
	now := st.now()
	var expired []string

	st.mu.Lock()
	// Back of the list is least recently used; stop at the first live one.
	for el := st.order.Back(); el != nil; {
		s := el.Value.(*Session)
		if now.Sub(s.lastUsed) < st.ttl {
			break
		}
		prev := el.Prev()
		st.removeLocked(el)
		expired = append(expired, s.Key)
		el = prev
	}
	hook := st.onEvict
	st.mu.Unlock()

	if hook != nil {
		for _, k := range expired {
			hook(k, EvictIdle)
		}
	}
	return len(expired)
}

func (st *Store) removeLocked(el *list.Element) {
	s := el.Value.(*Session)
	st.order.Remove(el)
	delete(st.sessions, s.Key)
}
