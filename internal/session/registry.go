package session

import (
	"fmt"
	"hash/fnv"
	"sync"
)

// registryShards spreads registry locking so hot accept/teardown paths on
// different calls never contend.
const registryShards = 16

// Registry tracks live sessions by call id. Safe for concurrent use.
type Registry struct {
	shards [registryShards]registryShard
}

type registryShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].sessions = make(map[string]*Session)
	}
	return r
}

func (r *Registry) shard(id string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &r.shards[h.Sum32()%registryShards]
}

// Add registers a session. A duplicate call id is rejected.
func (r *Registry) Add(s *Session) error {
	sh := r.shard(s.ID())
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.sessions[s.ID()]; ok {
		return fmt.Errorf("session: call %q already registered", s.ID())
	}
	sh.sessions[s.ID()] = s
	return nil
}

// Remove drops a session. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	sh := r.shard(id)
	sh.mu.Lock()
	delete(sh.sessions, id)
	sh.mu.Unlock()
}

// Get returns the session for a call id.
func (r *Registry) Get(id string) (*Session, bool) {
	sh := r.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		r.shards[i].mu.RLock()
		n += len(r.shards[i].sessions)
		r.shards[i].mu.RUnlock()
	}
	return n
}

// Each calls fn for every live session.
func (r *Registry) Each(fn func(*Session)) {
	for i := range r.shards {
		r.shards[i].mu.RLock()
		sessions := make([]*Session, 0, len(r.shards[i].sessions))
		for _, s := range r.shards[i].sessions {
			sessions = append(sessions, s)
		}
		r.shards[i].mu.RUnlock()
		for _, s := range sessions {
			fn(s)
		}
	}
}
