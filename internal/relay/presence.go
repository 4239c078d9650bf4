package relay

import (
	"hash/fnv"
	"slices"
	"sync"
)

const presenceShards = 32

// Presence maps each online user to the session that reaches them. The
// most recent registration for a user wins.
type Presence struct {
	shards [presenceShards]presenceShard
}

type presenceShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewPresence creates an empty presence table.
func NewPresence() *Presence {
	p := &Presence{}
	for i := range p.shards {
		p.shards[i].sessions = make(map[string]*Session)
	}
	return p
}

func (p *Presence) shard(userID string) *presenceShard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &p.shards[h.Sum32()%presenceShards]
}

// Register points userID at s and returns the session it replaced, if any.
func (p *Presence) Register(userID string, s *Session) *Session {
	sh := p.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	prev := sh.sessions[userID]
	sh.sessions[userID] = s
	if prev == s {
		return nil
	}
	return prev
}

// Deregister removes userID. Removing an absent user is a no-op.
func (p *Presence) Deregister(userID string) {
	sh := p.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.sessions, userID)
}

// DeregisterSession removes userID only while it still points at s, and
// reports whether it did.
func (p *Presence) DeregisterSession(userID string, s *Session) bool {
	sh := p.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.sessions[userID] != s {
		return false
	}
	delete(sh.sessions, userID)
	return true
}

// IsOnline reports whether userID has a registered session.
func (p *Presence) IsOnline(userID string) bool {
	_, ok := p.Lookup(userID)
	return ok
}

// Lookup returns the session registered for userID.
func (p *Presence) Lookup(userID string) (*Session, bool) {
	sh := p.shard(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[userID]
	return s, ok
}

// Snapshot returns the online user ids in sorted order.
func (p *Presence) Snapshot() []string {
	var ids []string
	for i := range p.shards {
		sh := &p.shards[i]
		sh.mu.RLock()
		for id := range sh.sessions {
			ids = append(ids, id)
		}
		sh.mu.RUnlock()
	}
	slices.Sort(ids)
	return ids
}
